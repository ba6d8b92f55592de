package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"erpcore/internal/guardrail"
	"erpcore/internal/infra/persistence/memory"
	"erpcore/pkg/domain"
)

// Service exposes the transactional entity, attribute, relationship and
// ledger operations of the engine. Every write is screened by the guardrail
// policy before the store is touched and runs inside one store transaction.
type Service struct {
	store    domain.PersistentStore
	policy   guardrail.Policy
	policies *relationshipPolicies
	identity *keyedMutex
	logger   Logger
	metrics  MetricsRecorder

	mu      sync.RWMutex
	plugins map[string]PluginMetadata
}

// Option configures a Service.
type Option func(*Service)

// WithLogger routes service logs to l.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics routes operation metrics to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPolicy replaces the default guardrail policy. A nil schema set is
// replaced with an empty one so plugins can still register schemas.
func WithPolicy(p guardrail.Policy) Option {
	return func(s *Service) {
		if p.Schemas == nil {
			p.Schemas = guardrail.NewSchemaSet()
		}
		s.policy = p
	}
}

// WithRelationshipPolicies registers relationship type policies up front.
func WithRelationshipPolicies(policies ...domain.RelationshipPolicy) Option {
	return func(s *Service) {
		for _, p := range policies {
			s.policies.set(p)
		}
	}
}

// NewService constructs a service over store and registers the built-in
// in-transaction rules on the store's engine.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policy:   guardrail.DefaultPolicy(),
		policies: newRelationshipPolicies(),
		identity: newKeyedMutex(),
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		plugins:  make(map[string]PluginMetadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerBuiltinRules()
	return s
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Policy returns the active guardrail policy.
func (s *Service) Policy() guardrail.Policy {
	return s.policy
}

func (s *Service) registerBuiltinRules() {
	engine := s.store.RulesEngine()
	if engine == nil {
		return
	}
	present := make(map[string]bool)
	for _, name := range engine.Rules() {
		present[name] = true
	}
	for _, rule := range s.builtinRules() {
		if !present[rule.Name()] {
			engine.Register(rule)
		}
	}
}

// screen turns guardrail findings into the outcome of a write: blocking
// findings become a ValidationError, the rest are logged and returned.
func (s *Service) screen(scope Scope, aggregate string, action domain.Action, violations []domain.Violation) (domain.Result, error) {
	var res domain.Result
	blocking, rest := guardrail.Split(violations)
	for _, v := range violations {
		s.metrics.Violation(v.Code, v.Severity)
	}
	for _, v := range rest {
		kv := []any{"code", v.Code, "organization_id", scope.OrganizationID, "aggregate", aggregate, "action", string(action), "field", v.Field}
		if v.Severity == domain.SeverityWarn {
			s.logger.Warn(v.Message, kv...)
		} else {
			s.logger.Debug(v.Message, kv...)
		}
		res.Add(v)
	}
	if len(blocking) > 0 {
		return res, errors.WithStack(domain.ValidationError{Violations: blocking})
	}
	return res, nil
}

// requireScope rejects reads that carry no tenant filter.
func requireScope(scope Scope) error {
	if strings.TrimSpace(scope.OrganizationID) != "" {
		return nil
	}
	return errors.WithStack(domain.ValidationError{Violations: []domain.Violation{{
		Code:     guardrail.CodeOrgFilterRequired,
		Severity: domain.SeverityBlock,
		Message:  "organization_id is required",
		Field:    "organization_id",
	}}})
}

// run executes fn in one store transaction after re-validating that the
// scoped organization exists and accepts writes.
func (s *Service) run(ctx context.Context, op string, scope Scope, fn func(tx domain.Transaction) error) (domain.Result, error) {
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := requireOrganization(tx, scope.OrganizationID); err != nil {
			return err
		}
		return fn(tx)
	})
	s.finish(ctx, op, scope, start, err)
	if err == nil {
		s.logRuleFindings(scope, op, res)
	}
	return res, err
}

// view executes fn against a snapshot scoped to an existing organization.
func (s *Service) view(ctx context.Context, op string, scope Scope, fn func(v domain.TransactionView) error) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	start := time.Now()
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		if _, ok, err := v.FindOrganization(scope.OrganizationID); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Record: domain.RecordOrganization, ID: scope.OrganizationID}
		}
		return fn(v)
	})
	s.finish(ctx, op, scope, start, err)
	return err
}

func (s *Service) finish(ctx context.Context, op string, scope Scope, start time.Time, err error) {
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	if err == nil {
		return
	}
	switch domain.KindOf(err) {
	case domain.KindStorage, domain.KindInternal:
		s.logger.Error("operation failed", "operation", op, "organization_id", scope.OrganizationID, "error", err)
	default:
		s.logger.Debug("operation rejected", "operation", op, "organization_id", scope.OrganizationID, "kind", string(domain.KindOf(err)), "error", err)
	}
}

func (s *Service) logRuleFindings(scope Scope, op string, res domain.Result) {
	for _, v := range res.Violations {
		s.metrics.Violation(v.Code, v.Severity)
		if v.Severity == domain.SeverityWarn {
			s.logger.Warn(v.Message, "code", v.Code, "organization_id", scope.OrganizationID, "operation", op)
		}
	}
}

func requireOrganization(tx domain.TransactionView, orgID string) error {
	org, ok, err := tx.FindOrganization(orgID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Record: domain.RecordOrganization, ID: orgID}
	}
	if org.Status == domain.OrganizationSuspended {
		return domain.ValidationError{Violations: []domain.Violation{{
			Code:     CodeOrgSuspended,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("organization %s is suspended", orgID),
			Field:    "organization_id",
			Record:   domain.RecordOrganization,
			RecordID: orgID,
		}}}
	}
	return nil
}

// CreateOrganization onboards a tenant.
func (s *Service) CreateOrganization(ctx context.Context, org domain.Organization) (domain.Organization, domain.Result, error) {
	res, err := s.screen(Scope{OrganizationID: org.ID}, "organization", domain.ActionCreate,
		s.policy.Preflight(guardrail.Event{Kind: guardrail.EventOrganization, Action: domain.ActionCreate, Organization: &org}))
	if err != nil {
		return domain.Organization{}, res, err
	}
	var created domain.Organization
	start := time.Now()
	ruleRes, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateOrganization(org)
		return err
	})
	s.finish(ctx, "organization.create", Scope{OrganizationID: org.ID}, start, err)
	res.Merge(ruleRes)
	return created, res, err
}

// GetOrganization returns a tenant by id.
func (s *Service) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var org domain.Organization
	err := s.view(ctx, "organization.get", Scope{OrganizationID: id}, func(v domain.TransactionView) error {
		var err error
		org, _, err = v.FindOrganization(id)
		return err
	})
	return org, err
}

// ListOrganizations returns every tenant. It is the one read not scoped to an
// organization and is meant for operator tooling.
func (s *Service) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	var out []domain.Organization
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		var err error
		out, err = v.ListOrganizations()
		return err
	})
	return out, err
}
