package core

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

// NewLedgerTotalsRule re-derives header totals and GL balance from the lines
// being committed. It backs the guardrail for writers that reach the store
// without passing through the service.
func NewLedgerTotalsRule(isFinancial func(code string) bool, tolerance decimal.Decimal) domain.Rule {
	if isFinancial == nil {
		isFinancial = guardrail.DefaultPolicy().IsFinancial
	}
	if tolerance.IsZero() || tolerance.IsNegative() {
		tolerance = guardrail.DefaultTolerance
	}
	return ledgerTotalsRule{isFinancial: isFinancial, tolerance: tolerance}
}

type ledgerTotalsRule struct {
	isFinancial func(string) bool
	tolerance   decimal.Decimal
}

func (ledgerTotalsRule) Name() string { return "ledger_totals" }

func (r ledgerTotalsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, c := range changes {
		if c.Record != domain.RecordTransaction || c.Action != domain.ActionCreate {
			continue
		}
		txn, ok := afterOf[domain.LedgerTransaction](c)
		if !ok {
			continue
		}
		h := txn.Header
		financial := r.isFinancial(h.TaxonomyCode)
		if want := domain.ComputeTotal(txn.Lines, financial); !want.Equal(h.TotalAmount) {
			res.Add(domain.Violation{
				Code:     CodeLedgerTotal,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("total_amount %s does not match lines total %s", h.TotalAmount.String(), want.String()),
				Field:    "total_amount",
				Record:   domain.RecordTransaction,
				RecordID: h.ID,
			})
		}
		if !financial {
			continue
		}
		if totals := domain.SumLines(txn.Lines); !totals.Balanced(r.tolerance) {
			res.Add(domain.Violation{
				Code:     guardrail.CodeGLBalanced,
				Severity: domain.SeverityBlock,
				Message: fmt.Sprintf("debits and credits do not balance: debits=%s credits=%s",
					totals.Debits.StringFixed(2), totals.Credits.StringFixed(2)),
				Record:   domain.RecordTransaction,
				RecordID: h.ID,
			})
		}
	}
	return res, nil
}
