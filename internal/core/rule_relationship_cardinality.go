package core

import (
	"context"
	"fmt"

	"erpcore/pkg/domain"
)

// NewRelationshipCardinalityRule blocks commits that leave more than one
// active edge of a single-valued type between the same ordered pair.
func NewRelationshipCardinalityRule(policyFor func(relType string) domain.RelationshipPolicy) domain.Rule {
	if policyFor == nil {
		policyFor = domain.DefaultRelationshipPolicy
	}
	return relationshipCardinalityRule{policyFor: policyFor}
}

type relationshipCardinalityRule struct {
	policyFor func(string) domain.RelationshipPolicy
}

func (relationshipCardinalityRule) Name() string { return "relationship_cardinality" }

func (r relationshipCardinalityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	checked := make(map[string]bool)
	for _, c := range changes {
		if c.Record != domain.RecordRelationship {
			continue
		}
		rel, ok := afterOf[domain.Relationship](c)
		if !ok || checked[rel.PairKey()] || !r.policyFor(rel.RelationshipType).SingleValued {
			continue
		}
		checked[rel.PairKey()] = true
		active, err := view.ListRelationships(rel.OrganizationID, domain.RelationshipFilter{
			FromEntityID:     rel.FromEntityID,
			ToEntityID:       rel.ToEntityID,
			RelationshipType: rel.RelationshipType,
			ActiveOnly:       true,
			At:               view.Now(),
		})
		if err != nil {
			return domain.Result{}, err
		}
		if len(active) > 1 {
			res.Add(domain.Violation{
				Code:     domain.CodeDuplicateRelationship,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%d active %s edges from %s to %s", len(active), rel.RelationshipType, rel.FromEntityID, rel.ToEntityID),
				Record:   domain.RecordRelationship,
				RecordID: rel.ID,
			})
		}
	}
	return res, nil
}
