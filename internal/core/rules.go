package core

import "erpcore/pkg/domain"

// Violation codes raised by the service and its in-transaction rules.
const (
	CodeTenantScope      = "TENANT-SCOPE-MISMATCH"
	CodeLedgerTotal      = "LEDGER-TOTAL-MISMATCH"
	CodeStatusTransition = "TXN-STATUS-TRANSITION"
	CodeTxnImmutable     = "TXN-IMMUTABLE"
	CodeOrgSuspended     = "ORG-SUSPENDED"
)

// NewDefaultRulesEngine builds a rules engine with the policy-free built-in
// rules. Rules that depend on service configuration are added by NewService.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewTenantScopeRule())
	engine.Register(NewStatusTransitionRule())
	engine.Register(NewEntityIdentityRule())
	return engine
}

func (s *Service) builtinRules() []domain.Rule {
	return []domain.Rule{
		NewTenantScopeRule(),
		NewEntityIdentityRule(),
		NewRelationshipCardinalityRule(s.policies.get),
		NewLedgerTotalsRule(s.policy.IsFinancial, s.policy.Tolerance),
		NewStatusTransitionRule(),
	}
}

// afterOf returns the post-change payload of c as T.
func afterOf[T any](c domain.Change) (T, bool) {
	v, ok := c.After.(T)
	return v, ok
}

func beforeOf[T any](c domain.Change) (T, bool) {
	v, ok := c.Before.(T)
	return v, ok
}
