package core

import (
	"context"
	"fmt"

	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

// prepareTransaction derives the fields a caller never authors: line numbers
// when none were given, line amounts from quantity × unit amount, the header
// total and the initial status.
func (s *Service) prepareTransaction(scope Scope, in domain.LedgerTransaction) domain.LedgerTransaction {
	t := in.Clone()
	t.Header.ID = ""
	t.Header.OrganizationID = scope.OrganizationID
	numbered := false
	for _, l := range t.Lines {
		if l.LineNumber != 0 {
			numbered = true
			break
		}
	}
	for i := range t.Lines {
		l := &t.Lines[i]
		if !numbered {
			l.LineNumber = i + 1
		}
		l.OrganizationID = scope.OrganizationID
		l.LineAmount = l.EffectiveAmount()
	}
	t.Header.TotalAmount = domain.ComputeTotal(t.Lines, s.policy.IsFinancial(t.Header.TaxonomyCode))
	if t.Header.Status == "" {
		t.Header.Status = domain.TransactionDraft
	}
	return t
}

func statusViolation(id string, from, to domain.TransactionStatus) domain.ValidationError {
	return domain.ValidationError{Violations: []domain.Violation{{
		Code:     CodeStatusTransition,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf("transaction status cannot move from %s to %s", from, to),
		Field:    "status",
		Record:   domain.RecordTransaction,
		RecordID: id,
	}}}
}

// requireEntities checks that every entity a transaction references belongs
// to the scoped organization.
func requireEntities(tx domain.TransactionView, orgID string, t domain.LedgerTransaction) error {
	ids := []string{t.Header.SourceEntityID, t.Header.TargetEntityID}
	for _, l := range t.Lines {
		ids = append(ids, l.EntityID)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok, err := tx.FindEntity(orgID, id); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
		}
	}
	return nil
}

// CreateTransaction commits a header and its lines as one unit. Financial
// transactions must balance; nothing persists when any check fails.
func (s *Service) CreateTransaction(ctx context.Context, scope Scope, in domain.LedgerTransaction) (domain.LedgerTransaction, domain.Result, error) {
	t := s.prepareTransaction(scope, in)
	violations := s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventTransaction, Action: domain.ActionCreate, OrganizationID: scope.OrganizationID, Transaction: &t,
	})
	if st := t.Header.Status; st != domain.TransactionDraft && st != domain.TransactionPosted {
		violations = append(violations, domain.Violation{
			Code: guardrail.CodeTxnStatusInvalid, Severity: domain.SeverityBlock, Field: "status",
			Message: fmt.Sprintf("transactions start as draft or posted, not %q", st), Record: domain.RecordTransaction,
		})
	}
	res, err := s.screen(scope, "transaction", domain.ActionCreate, violations)
	if err != nil {
		return domain.LedgerTransaction{}, res, err
	}
	var created domain.LedgerTransaction
	ruleRes, err := s.run(ctx, "transaction.create", scope, func(tx domain.Transaction) error {
		if err := requireEntities(tx, scope.OrganizationID, t); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateTransaction(t)
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return domain.LedgerTransaction{}, res, err
	}
	s.logger.Info("transaction created", "organization_id", scope.OrganizationID, "transaction_id", created.Header.ID,
		"taxonomy_code", created.Header.TaxonomyCode, "total_amount", created.Header.TotalAmount.String(), "lines", len(created.Lines))
	return created, res, nil
}

// GetTransaction reads a header with all of its lines.
func (s *Service) GetTransaction(ctx context.Context, scope Scope, id string) (domain.LedgerTransaction, error) {
	var out domain.LedgerTransaction
	err := s.view(ctx, "transaction.get", scope, func(v domain.TransactionView) error {
		t, ok, err := v.FindTransaction(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordTransaction, ID: id}
		}
		out = t
		return nil
	})
	return out, err
}

// QueryTransactions lists headers by type, taxonomy code, status, entity and
// date range, ordered by transaction date.
func (s *Service) QueryTransactions(ctx context.Context, scope Scope, filter domain.TransactionFilter) ([]domain.TransactionHeader, error) {
	var out []domain.TransactionHeader
	err := s.view(ctx, "transaction.query", scope, func(v domain.TransactionView) error {
		var err error
		out, err = v.ListTransactions(scope.OrganizationID, filter)
		return err
	})
	return out, err
}

// UpdateTransactionStatus moves a transaction through its status machine.
// Reversal is delegated to ReverseTransaction so it always carries its
// mirroring entry.
func (s *Service) UpdateTransactionStatus(ctx context.Context, scope Scope, id string, status domain.TransactionStatus) (domain.TransactionHeader, domain.Result, error) {
	if status == domain.TransactionReversed {
		orig, _, res, err := s.ReverseTransaction(ctx, scope, id)
		return orig, res, err
	}
	res, err := s.screen(scope, "transaction", domain.ActionUpdate, s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventTransaction, Action: domain.ActionUpdate, OrganizationID: scope.OrganizationID, TargetID: id, Status: status,
	}))
	if err != nil {
		return domain.TransactionHeader{}, res, err
	}
	var updated domain.TransactionHeader
	ruleRes, err := s.run(ctx, "transaction.status", scope, func(tx domain.Transaction) error {
		current, ok, err := tx.FindTransaction(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordTransaction, ID: id}
		}
		if current.Header.Status == status {
			updated = current.Header
			return nil
		}
		if !domain.CanTransition(current.Header.Status, status) {
			return statusViolation(id, current.Header.Status, status)
		}
		updated, err = tx.UpdateTransactionStatus(scope.OrganizationID, id, status)
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return domain.TransactionHeader{}, res, err
	}
	return updated, res, nil
}

// reversalOf mirrors orig: financial lines swap posting sides, other lines
// negate their amounts.
func (s *Service) reversalOf(orig domain.LedgerTransaction, at domain.TransactionView) domain.LedgerTransaction {
	financial := s.policy.IsFinancial(orig.Header.TaxonomyCode)
	h := orig.Header
	rev := domain.LedgerTransaction{Header: domain.TransactionHeader{
		OrganizationID:  h.OrganizationID,
		TransactionType: h.TransactionType,
		TransactionDate: at.Now(),
		SourceEntityID:  h.SourceEntityID,
		TargetEntityID:  h.TargetEntityID,
		Status:          domain.TransactionPosted,
		TaxonomyCode:    h.TaxonomyCode,
		ReversalOf:      h.ID,
		Metadata:        domain.CloneMap(h.Metadata),
	}}
	if h.TransactionCode != "" {
		rev.Header.TransactionCode = h.TransactionCode + "-REV"
	}
	for _, l := range orig.Clone().Lines {
		l.TransactionID = ""
		if financial {
			l.PostingType = l.PostingType.Flip()
		} else {
			l.UnitAmount = l.UnitAmount.Neg()
			l.LineAmount = l.LineAmount.Neg()
			l.DiscountAmount = l.DiscountAmount.Neg()
			l.TaxAmount = l.TaxAmount.Neg()
		}
		rev.Lines = append(rev.Lines, l)
	}
	rev.Header.TotalAmount = domain.ComputeTotal(rev.Lines, financial)
	return rev
}

// ReverseTransaction books the mirroring entry of a posted transaction and
// marks the original reversed, both in one commit. It returns the updated
// original header and the reversing transaction.
func (s *Service) ReverseTransaction(ctx context.Context, scope Scope, id string) (domain.TransactionHeader, domain.LedgerTransaction, domain.Result, error) {
	res, err := s.screen(scope, "transaction", domain.ActionUpdate, s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventTransaction, Action: domain.ActionUpdate, OrganizationID: scope.OrganizationID, TargetID: id, Status: domain.TransactionReversed,
	}))
	if err != nil {
		return domain.TransactionHeader{}, domain.LedgerTransaction{}, res, err
	}
	var (
		orig     domain.TransactionHeader
		reversal domain.LedgerTransaction
	)
	ruleRes, err := s.run(ctx, "transaction.reverse", scope, func(tx domain.Transaction) error {
		current, ok, err := tx.FindTransaction(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordTransaction, ID: id}
		}
		if !domain.CanTransition(current.Header.Status, domain.TransactionReversed) {
			return statusViolation(id, current.Header.Status, domain.TransactionReversed)
		}
		rev := s.reversalOf(current, tx)
		if blocking, _ := guardrail.Split(s.policy.Preflight(guardrail.Event{
			Kind: guardrail.EventTransaction, Action: domain.ActionCreate, OrganizationID: scope.OrganizationID, Transaction: &rev,
		})); len(blocking) > 0 {
			return domain.ValidationError{Violations: blocking}
		}
		reversal, err = tx.CreateTransaction(rev)
		if err != nil {
			return err
		}
		orig, err = tx.UpdateTransactionStatus(scope.OrganizationID, id, domain.TransactionReversed)
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return domain.TransactionHeader{}, domain.LedgerTransaction{}, res, err
	}
	return orig, reversal, res, nil
}

// DeleteTransaction always fails: ledger records are append-only.
func (s *Service) DeleteTransaction(_ context.Context, scope Scope, id string) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	return domain.ValidationError{Violations: []domain.Violation{{
		Code:     CodeTxnImmutable,
		Severity: domain.SeverityBlock,
		Message:  "transactions cannot be deleted; cancel or reverse them instead",
		Record:   domain.RecordTransaction,
		RecordID: id,
	}}}
}
