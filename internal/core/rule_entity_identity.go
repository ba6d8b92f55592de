package core

import (
	"context"
	"fmt"

	"erpcore/pkg/domain"
)

// NewEntityIdentityRule blocks commits that leave two live entities of one
// organization and type sharing a normalized name.
func NewEntityIdentityRule() domain.Rule {
	return entityIdentityRule{}
}

type entityIdentityRule struct{}

func (entityIdentityRule) Name() string { return "entity_identity" }

func (entityIdentityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	checked := make(map[string]bool)
	for _, c := range changes {
		if c.Record != domain.RecordEntity || c.Action == domain.ActionDelete {
			continue
		}
		e, ok := afterOf[domain.Entity](c)
		if !ok || !e.IsLive() {
			continue
		}
		key := identityKey(e.OrganizationID, e.EntityType, e.NormalizedName())
		if checked[key] {
			continue
		}
		checked[key] = true
		// Keyed on the identity index columns: at most a couple of rows.
		peers, err := view.ListEntities(e.OrganizationID, domain.EntityFilter{
			EntityType:     e.EntityType,
			NormalizedName: e.NormalizedName(),
		})
		if err != nil {
			return domain.Result{}, err
		}
		holders := make([]string, 0, len(peers))
		for _, p := range peers {
			holders = append(holders, p.ID)
		}
		if len(holders) > 1 {
			res.Add(domain.Violation{
				Code:     domain.CodeDuplicateEntity,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%d live %s entities share the name %q", len(holders), e.EntityType, e.NormalizedName()),
				Record:   domain.RecordEntity,
				RecordID: e.ID,
				Detail:   fmt.Sprintf("entity_ids=%v", holders),
			})
		}
	}
	return res, nil
}
