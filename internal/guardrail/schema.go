package guardrail

import (
	"fmt"
	"sort"
	"sync"

	"erpcore/pkg/domain"
)

// FieldSpec declares the expected slot of one dynamic attribute.
type FieldSpec struct {
	Type     domain.ValueType `json:"type" yaml:"type"`
	Required bool             `json:"required,omitempty" yaml:"required,omitempty"`
}

// EntitySchema describes the dynamic attributes an entity type carries. Strict
// schemas block unknown fields; lenient ones only log them.
type EntitySchema struct {
	EntityType string               `json:"entity_type" yaml:"entity_type"`
	Fields     map[string]FieldSpec `json:"fields" yaml:"fields"`
	Strict     bool                 `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// SchemaSet is a concurrency safe registry of entity schemas keyed by type.
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[string]EntitySchema
}

// NewSchemaSet constructs an empty set.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[string]EntitySchema)}
}

// Register stores or replaces the schema for its entity type.
func (s *SchemaSet) Register(schema EntitySchema) error {
	if schema.EntityType == "" {
		return fmt.Errorf("schema entity_type is required")
	}
	fields := make(map[string]FieldSpec, len(schema.Fields))
	for name, spec := range schema.Fields {
		if !spec.Type.Valid() {
			return fmt.Errorf("schema %s field %s: unsupported type %q", schema.EntityType, name, spec.Type)
		}
		fields[name] = spec
	}
	schema.Fields = fields
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.EntityType] = schema
	return nil
}

// Lookup returns the schema registered for entityType.
func (s *SchemaSet) Lookup(entityType string) (EntitySchema, bool) {
	if s == nil {
		return EntitySchema{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[entityType]
	return schema, ok
}

// Types lists registered entity types in order.
func (s *SchemaSet) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.schemas))
	for t := range s.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *SchemaSet) check(entityType string, action domain.Action, attrs []domain.Attribute, prefix string) []finding {
	schema, ok := s.Lookup(entityType)
	if !ok {
		return nil
	}
	var out []finding
	present := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if a.FieldName == "" {
			continue
		}
		present[a.FieldName] = true
		spec, known := schema.Fields[a.FieldName]
		if !known {
			out = append(out, finding{advisory: !schema.Strict, v: domain.Violation{
				Code:    CodeFieldUnknown,
				Message: fmt.Sprintf("%s does not declare field %s", entityType, a.FieldName),
				Field:   prefix + a.FieldName,
				Record:  domain.RecordAttribute,
			}})
			continue
		}
		if !a.Value.IsZero() && a.Value.Type() != spec.Type {
			out = append(out, finding{v: domain.Violation{
				Code:    CodeFieldTypeMismatch,
				Message: fmt.Sprintf("field %s expects %s, got %s", a.FieldName, spec.Type, a.Value.Type()),
				Field:   prefix + a.FieldName,
				Record:  domain.RecordAttribute,
			}})
		}
	}
	if action == domain.ActionCreate {
		names := make([]string, 0, len(schema.Fields))
		for name := range schema.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if schema.Fields[name].Required && !present[name] {
				out = append(out, finding{v: domain.Violation{
					Code:    CodeFieldRequired,
					Message: fmt.Sprintf("%s requires field %s", entityType, name),
					Field:   prefix + name,
					Record:  domain.RecordAttribute,
				}})
			}
		}
	}
	return out
}
