package core

import (
	"context"
	"fmt"

	"erpcore/pkg/domain"
)

// NewStatusTransitionRule blocks transaction status changes the ledger status
// machine does not allow, and any change to committed lines.
func NewStatusTransitionRule() domain.Rule {
	return statusTransitionRule{}
}

type statusTransitionRule struct{}

func (statusTransitionRule) Name() string { return "status_transition" }

func (statusTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, c := range changes {
		if c.Record != domain.RecordTransaction || c.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := beforeOf[domain.LedgerTransaction](c)
		after, okAfter := afterOf[domain.LedgerTransaction](c)
		if !okBefore || !okAfter {
			continue
		}
		from, to := before.Header.Status, after.Header.Status
		if from != to && !domain.CanTransition(from, to) {
			res.Add(domain.Violation{
				Code:     CodeStatusTransition,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("transaction status cannot move from %s to %s", from, to),
				Field:    "status",
				Record:   domain.RecordTransaction,
				RecordID: after.Header.ID,
			})
		}
		if len(before.Lines) != len(after.Lines) || !before.Header.TotalAmount.Equal(after.Header.TotalAmount) {
			res.Add(domain.Violation{
				Code:     CodeTxnImmutable,
				Severity: domain.SeverityBlock,
				Message:  "committed transaction lines cannot change",
				Record:   domain.RecordTransaction,
				RecordID: after.Header.ID,
			})
		}
	}
	return res, nil
}
