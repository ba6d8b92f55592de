package core

import (
	"sort"

	"github.com/cockroachdb/errors"

	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

// Plugin describes an industry module that contributes entity schemas,
// relationship policies and rules.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	rules    []Rule
	schemas  map[string]guardrail.EntitySchema
	policies map[string]domain.RelationshipPolicy
}

// NewPluginRegistry constructs a plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		schemas:  make(map[string]guardrail.EntitySchema),
		policies: make(map[string]domain.RelationshipPolicy),
	}
}

// RegisterRule adds an in-transaction rule contributed by the plugin.
func (r *PluginRegistry) RegisterRule(rule Rule) {
	if rule == nil {
		return
	}
	r.rules = append(r.rules, rule)
}

// RegisterSchema declares the dynamic attributes of an entity type.
func (r *PluginRegistry) RegisterSchema(schema guardrail.EntitySchema) error {
	if schema.EntityType == "" {
		return errors.New("schema entity_type is required")
	}
	if _, exists := r.schemas[schema.EntityType]; exists {
		return errors.Newf("schema for %s already registered", schema.EntityType)
	}
	fields := make(map[string]guardrail.FieldSpec, len(schema.Fields))
	for k, v := range schema.Fields {
		fields[k] = v
	}
	schema.Fields = fields
	r.schemas[schema.EntityType] = schema
	return nil
}

// RegisterRelationshipPolicy sets the cardinality policy of a relationship type.
func (r *PluginRegistry) RegisterRelationshipPolicy(policy domain.RelationshipPolicy) error {
	if policy.Type == "" {
		return errors.New("relationship policy type is required")
	}
	switch policy.OnDuplicate {
	case "", domain.DuplicateReject, domain.DuplicateSupersede:
	default:
		return errors.Newf("relationship policy %s: unknown duplicate handling %q", policy.Type, policy.OnDuplicate)
	}
	r.policies[policy.Type] = policy
	return nil
}

// Rules returns a copy of registered rules.
func (r *PluginRegistry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Schemas returns registered schemas ordered by entity type.
func (r *PluginRegistry) Schemas() []guardrail.EntitySchema {
	out := make([]guardrail.EntitySchema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out
}

// RelationshipPolicies returns registered policies ordered by type.
func (r *PluginRegistry) RelationshipPolicies() []domain.RelationshipPolicy {
	out := make([]domain.RelationshipPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// PluginMetadata stores metadata describing an installed plugin.
type PluginMetadata struct {
	Name          string                      `json:"name"`
	Version       string                      `json:"version"`
	Schemas       []string                    `json:"schemas,omitempty"`
	Relationships []domain.RelationshipPolicy `json:"relationship_policies,omitempty"`
	Rules         []string                    `json:"rules,omitempty"`
}

// InstallPlugin registers a plugin, wiring its rules into the active engine
// and its schemas into the guardrail policy.
func (s *Service) InstallPlugin(plugin Plugin) (PluginMetadata, error) {
	if plugin == nil {
		return PluginMetadata{}, errors.New("plugin cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[plugin.Name()]; ok {
		return PluginMetadata{}, errors.Newf("plugin %s already registered", plugin.Name())
	}

	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return PluginMetadata{}, errors.Wrapf(err, "register plugin %s", plugin.Name())
	}

	meta := PluginMetadata{Name: plugin.Name(), Version: plugin.Version()}
	for _, schema := range registry.Schemas() {
		if err := s.policy.Schemas.Register(schema); err != nil {
			return PluginMetadata{}, errors.Wrapf(err, "plugin %s", plugin.Name())
		}
		meta.Schemas = append(meta.Schemas, schema.EntityType)
	}
	for _, policy := range registry.RelationshipPolicies() {
		s.policies.set(policy)
		meta.Relationships = append(meta.Relationships, s.policies.get(policy.Type))
	}
	if engine := s.store.RulesEngine(); engine != nil {
		for _, rule := range registry.Rules() {
			engine.Register(rule)
			meta.Rules = append(meta.Rules, rule.Name())
		}
	}
	s.plugins[plugin.Name()] = meta
	s.logger.Info("plugin installed", "plugin", meta.Name, "version", meta.Version,
		"schemas", len(meta.Schemas), "rules", len(meta.Rules))
	return meta, nil
}

// RegisteredPlugins returns metadata describing installed plugins.
func (s *Service) RegisteredPlugins() []PluginMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PluginMetadata, 0, len(s.plugins))
	for _, meta := range s.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
