package core

import (
	"context"

	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

// SetAttributes upserts typed attributes on an entity. A value of a new type
// replaces the previous value of the field outright.
func (s *Service) SetAttributes(ctx context.Context, scope Scope, entityID string, attrs []domain.Attribute) ([]domain.Attribute, domain.Result, error) {
	res, err := s.screen(scope, "attribute", domain.ActionUpdate, s.policy.Preflight(guardrail.Event{
		Kind:           guardrail.EventAttribute,
		Action:         domain.ActionUpdate,
		OrganizationID: scope.OrganizationID,
		TargetID:       entityID,
		Attributes:     attrs,
	}))
	if err != nil {
		return nil, res, err
	}
	ent, err := s.entityType(ctx, scope, entityID)
	if err != nil {
		return nil, res, err
	}
	schemaRes, err := s.screen(scope, "attribute", domain.ActionUpdate, s.policy.PreflightSchema(ent.EntityType, domain.ActionUpdate, attrs))
	res.Merge(schemaRes)
	if err != nil {
		return nil, res, err
	}

	out := make([]domain.Attribute, 0, len(attrs))
	ruleRes, err := s.run(ctx, "attribute.set", scope, func(tx domain.Transaction) error {
		for _, a := range attrs {
			a.OrganizationID = scope.OrganizationID
			a.EntityID = entityID
			stored, err := tx.SetAttribute(a)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	res.Merge(ruleRes)
	if err != nil {
		return nil, res, err
	}
	return out, res, nil
}

// GetAttributes lists the attributes of an entity ordered by field name.
func (s *Service) GetAttributes(ctx context.Context, scope Scope, entityID string) ([]domain.Attribute, error) {
	var out []domain.Attribute
	err := s.view(ctx, "attribute.list", scope, func(v domain.TransactionView) error {
		if _, ok, err := v.FindEntity(scope.OrganizationID, entityID); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: entityID}
		}
		var err error
		out, err = v.ListAttributes(scope.OrganizationID, entityID)
		return err
	})
	return out, err
}

// DeleteAttribute removes one field. It reports whether the field existed.
func (s *Service) DeleteAttribute(ctx context.Context, scope Scope, entityID, fieldName string) (bool, domain.Result, error) {
	res, err := s.screen(scope, "attribute", domain.ActionDelete, s.policy.Preflight(guardrail.Event{
		Kind:           guardrail.EventAttribute,
		Action:         domain.ActionDelete,
		OrganizationID: scope.OrganizationID,
		TargetID:       entityID,
		Attributes:     []domain.Attribute{{FieldName: fieldName}},
	}))
	if err != nil {
		return false, res, err
	}
	var removed bool
	ruleRes, err := s.run(ctx, "attribute.delete", scope, func(tx domain.Transaction) error {
		if _, ok, err := tx.FindEntity(scope.OrganizationID, entityID); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: entityID}
		}
		var err error
		removed, err = tx.DeleteAttribute(scope.OrganizationID, entityID, fieldName)
		return err
	})
	res.Merge(ruleRes)
	return removed, res, err
}
