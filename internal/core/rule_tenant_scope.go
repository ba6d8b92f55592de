package core

import (
	"context"
	"fmt"

	"erpcore/pkg/domain"
)

// NewTenantScopeRule blocks commits in which a relationship or transaction
// points at an entity of another organization.
func NewTenantScopeRule() domain.Rule {
	return tenantScopeRule{}
}

type tenantScopeRule struct{}

func (tenantScopeRule) Name() string { return "tenant_scope" }

func (r tenantScopeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, c := range changes {
		if c.Action == domain.ActionDelete {
			continue
		}
		var (
			orgID  string
			record domain.RecordKind
			id     string
			refs   []string
		)
		switch c.Record {
		case domain.RecordRelationship:
			rel, ok := afterOf[domain.Relationship](c)
			if !ok {
				continue
			}
			orgID, record, id = rel.OrganizationID, domain.RecordRelationship, rel.ID
			refs = []string{rel.FromEntityID, rel.ToEntityID}
		case domain.RecordTransaction:
			txn, ok := afterOf[domain.LedgerTransaction](c)
			if !ok || c.Action != domain.ActionCreate {
				continue
			}
			orgID, record, id = txn.Header.OrganizationID, domain.RecordTransaction, txn.Header.ID
			refs = []string{txn.Header.SourceEntityID, txn.Header.TargetEntityID}
			for _, l := range txn.Lines {
				refs = append(refs, l.EntityID)
				if l.OrganizationID != orgID {
					res.Add(r.violation(record, id, fmt.Sprintf("line %d belongs to organization %s, header to %s", l.LineNumber, l.OrganizationID, orgID)))
				}
			}
		case domain.RecordAttribute:
			attr, ok := afterOf[domain.Attribute](c)
			if !ok {
				continue
			}
			orgID, record, id = attr.OrganizationID, domain.RecordAttribute, attr.EntityID
			refs = []string{attr.EntityID}
		default:
			continue
		}
		for _, ref := range refs {
			if ref == "" {
				continue
			}
			_, ok, err := view.FindEntity(orgID, ref)
			if err != nil {
				return domain.Result{}, err
			}
			if !ok {
				res.Add(r.violation(record, id, fmt.Sprintf("entity %s is not part of organization %s", ref, orgID)))
			}
		}
	}
	return res, nil
}

func (tenantScopeRule) violation(record domain.RecordKind, id, msg string) domain.Violation {
	return domain.Violation{
		Code:     CodeTenantScope,
		Severity: domain.SeverityBlock,
		Message:  msg,
		Record:   record,
		RecordID: id,
	}
}
