package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

// selfRef stands in for the id of an entity that does not exist yet when its
// bundled relationships are screened.
const selfRef = "(self)"

// EntityInput bundles the core fields, dynamic attributes and relationships
// of one entity write. All three are applied in a single transaction.
type EntityInput struct {
	Entity        domain.Entity
	Attributes    []domain.Attribute
	Relationships []RelationshipInput
	// ResolveExisting returns the live entity holding the identity key
	// instead of failing with an identity conflict.
	ResolveExisting bool
}

// EntityUpdate addresses an existing entity. Patch, attribute upserts,
// removals and new relationships commit together or not at all.
type EntityUpdate struct {
	ID            string
	Patch         domain.EntityPatch
	Attributes    []domain.Attribute
	RemoveFields  []string
	Relationships []RelationshipInput
}

// Include selects what a read loads alongside each entity.
type Include struct {
	Dynamic       bool
	Relationships bool
	// AllRelationships also loads inactive and expired edges.
	AllRelationships bool
}

// EntityRecord is an entity with its optionally loaded attributes and edges.
type EntityRecord struct {
	domain.Entity
	Attributes    []domain.Attribute    `json:"dynamic_fields,omitempty"`
	Relationships []domain.Relationship `json:"relationships,omitempty"`
}

// CreateEntity creates an entity with its attributes and relationships. The
// bool result reports whether a new entity was written; it is false when
// ResolveExisting matched a live entity.
func (s *Service) CreateEntity(ctx context.Context, scope Scope, in EntityInput) (EntityRecord, bool, domain.Result, error) {
	e := in.Entity
	e.OrganizationID = scope.OrganizationID
	violations := s.policy.Preflight(guardrail.Event{
		Kind:           guardrail.EventEntity,
		Action:         domain.ActionCreate,
		OrganizationID: scope.OrganizationID,
		Entity:         &e,
		Attributes:     in.Attributes,
	})
	violations = append(violations, s.preflightEdges(scope, selfRef, in.Relationships)...)
	res, err := s.screen(scope, "entity", domain.ActionCreate, violations)
	if err != nil {
		return EntityRecord{}, false, res, err
	}

	normalized := e.NormalizedName()
	key := identityKey(scope.OrganizationID, e.EntityType, normalized)
	release := s.identity.Lock(key)
	defer release()

	var (
		out     EntityRecord
		created bool
	)
	ruleRes, err := s.run(ctx, "entity.create", scope, func(tx domain.Transaction) error {
		if err := tx.Lock(key); err != nil {
			return err
		}
		existing, ok, err := tx.FindLiveEntityByName(scope.OrganizationID, e.EntityType, normalized)
		if err != nil {
			return err
		}
		if ok {
			if !in.ResolveExisting {
				return domain.DuplicateEntityError{ExistingID: existing.ID, EntityType: e.EntityType, NormalizedName: normalized}
			}
			out = EntityRecord{Entity: existing}
			return nil
		}
		ent, err := tx.CreateEntity(e)
		if err != nil {
			var dup domain.DuplicateEntityError
			if in.ResolveExisting && errors.As(err, &dup) {
				existing, ok, ferr := tx.FindEntity(scope.OrganizationID, dup.ExistingID)
				if ferr == nil && ok {
					out = EntityRecord{Entity: existing}
					return nil
				}
			}
			return err
		}
		created = true
		out, err = s.applyBundle(tx, scope, ent, in.Attributes, nil, in.Relationships)
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return EntityRecord{}, false, res, err
	}
	if created {
		s.logger.Info("entity created", "organization_id", scope.OrganizationID, "entity_id", out.ID, "entity_type", out.EntityType, "actor", scope.ActorID)
	}
	return out, created, res, nil
}

// preflightEdges screens bundled relationships. The tenant check is reported
// once by the enclosing event, so it is dropped here.
func (s *Service) preflightEdges(scope Scope, selfID string, rels []RelationshipInput) []domain.Violation {
	var out []domain.Violation
	for i, in := range rels {
		edge := in.edge(scope.OrganizationID, selfID)
		for _, v := range s.policy.Preflight(guardrail.Event{
			Kind:           guardrail.EventRelationship,
			Action:         domain.ActionCreate,
			OrganizationID: scope.OrganizationID,
			Relationship:   &edge,
		}) {
			if v.Code == guardrail.CodeOrgFilterRequired {
				continue
			}
			v.Field = fmt.Sprintf("relationships[%d].%s", i, v.Field)
			out = append(out, v)
		}
	}
	return out
}

// applyBundle writes attribute upserts, removals and relationships for ent
// and reads the result back inside the same transaction.
func (s *Service) applyBundle(tx domain.Transaction, scope Scope, ent domain.Entity, attrs []domain.Attribute, remove []string, rels []RelationshipInput) (EntityRecord, error) {
	for _, a := range attrs {
		a.OrganizationID = scope.OrganizationID
		a.EntityID = ent.ID
		if _, err := tx.SetAttribute(a); err != nil {
			return EntityRecord{}, errors.Wrapf(err, "set attribute %s", a.FieldName)
		}
	}
	for _, field := range remove {
		if _, err := tx.DeleteAttribute(scope.OrganizationID, ent.ID, field); err != nil {
			return EntityRecord{}, errors.Wrapf(err, "remove attribute %s", field)
		}
	}
	for _, in := range rels {
		if _, err := s.createEdge(tx, in.edge(scope.OrganizationID, ent.ID)); err != nil {
			return EntityRecord{}, err
		}
	}
	out := EntityRecord{Entity: ent}
	if len(attrs) > 0 || len(remove) > 0 {
		list, err := tx.ListAttributes(scope.OrganizationID, ent.ID)
		if err != nil {
			return EntityRecord{}, err
		}
		out.Attributes = list
	}
	if len(rels) > 0 {
		list, err := tx.ListRelationships(scope.OrganizationID, domain.RelationshipFilter{EntityID: ent.ID, ActiveOnly: true})
		if err != nil {
			return EntityRecord{}, err
		}
		out.Relationships = list
	}
	return out, nil
}

func load(v domain.TransactionView, orgID string, e domain.Entity, inc Include) (EntityRecord, error) {
	rec := EntityRecord{Entity: e}
	if inc.Dynamic {
		attrs, err := v.ListAttributes(orgID, e.ID)
		if err != nil {
			return EntityRecord{}, err
		}
		rec.Attributes = attrs
	}
	if inc.Relationships || inc.AllRelationships {
		rels, err := v.ListRelationships(orgID, domain.RelationshipFilter{EntityID: e.ID, ActiveOnly: !inc.AllRelationships})
		if err != nil {
			return EntityRecord{}, err
		}
		rec.Relationships = rels
	}
	return rec, nil
}

// GetEntity reads one entity, eagerly loading what inc asks for from the same
// snapshot.
func (s *Service) GetEntity(ctx context.Context, scope Scope, id string, inc Include) (EntityRecord, error) {
	var rec EntityRecord
	err := s.view(ctx, "entity.get", scope, func(v domain.TransactionView) error {
		e, ok, err := v.FindEntity(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
		}
		rec, err = load(v, scope.OrganizationID, e, inc)
		return err
	})
	return rec, err
}

// QueryEntities lists entities matching filter with their includes loaded in
// one snapshot rather than one read per entity.
func (s *Service) QueryEntities(ctx context.Context, scope Scope, filter domain.EntityFilter, inc Include) ([]EntityRecord, error) {
	var out []EntityRecord
	err := s.view(ctx, "entity.query", scope, func(v domain.TransactionView) error {
		list, err := v.ListEntities(scope.OrganizationID, filter)
		if err != nil {
			return err
		}
		out = make([]EntityRecord, 0, len(list))
		for _, e := range list {
			rec, err := load(v, scope.OrganizationID, e, inc)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// entityType reads the immutable type of an entity so schema checks can run
// before the write transaction starts.
func (s *Service) entityType(ctx context.Context, scope Scope, id string) (domain.Entity, error) {
	var e domain.Entity
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		found, ok, err := v.FindEntity(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
		}
		e = found
		return nil
	})
	return e, err
}

// UpdateEntity applies up atomically. Renames and reactivations are checked
// against the identity key of the resulting entity.
func (s *Service) UpdateEntity(ctx context.Context, scope Scope, up EntityUpdate) (EntityRecord, domain.Result, error) {
	patch := up.Patch
	violations := s.policy.Preflight(guardrail.Event{
		Kind:           guardrail.EventEntity,
		Action:         domain.ActionUpdate,
		OrganizationID: scope.OrganizationID,
		TargetID:       up.ID,
		Patch:          &patch,
		Attributes:     up.Attributes,
	})
	violations = append(violations, s.preflightEdges(scope, up.ID, up.Relationships)...)
	for i, field := range up.RemoveFields {
		if strings.TrimSpace(field) == "" {
			violations = append(violations, domain.Violation{
				Code: guardrail.CodeFieldNameRequired, Severity: domain.SeverityBlock,
				Message: "field_name is required", Field: fmt.Sprintf("remove_fields[%d]", i), Record: domain.RecordAttribute,
			})
		}
	}
	res, err := s.screen(scope, "entity", domain.ActionUpdate, violations)
	if err != nil {
		return EntityRecord{}, res, err
	}

	current, err := s.entityType(ctx, scope, up.ID)
	if err != nil {
		return EntityRecord{}, res, err
	}
	schemaRes, err := s.screen(scope, "entity", domain.ActionUpdate, s.policy.PreflightSchema(current.EntityType, domain.ActionUpdate, up.Attributes))
	res.Merge(schemaRes)
	if err != nil {
		return EntityRecord{}, res, err
	}

	next := current
	patch.Apply(&next)
	key := identityKey(scope.OrganizationID, current.EntityType, next.NormalizedName())
	release := s.identity.Lock(key)
	defer release()

	var out EntityRecord
	ruleRes, err := s.run(ctx, "entity.update", scope, func(tx domain.Transaction) error {
		ent, ok, err := tx.FindEntity(scope.OrganizationID, up.ID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: up.ID}
		}
		if !patch.IsEmpty() {
			if err := tx.Lock(key); err != nil {
				return err
			}
			candidate := ent
			patch.Apply(&candidate)
			if candidate.IsLive() {
				holder, taken, err := tx.FindLiveEntityByName(scope.OrganizationID, ent.EntityType, candidate.NormalizedName())
				if err != nil {
					return err
				}
				if taken && holder.ID != ent.ID {
					return domain.DuplicateEntityError{ExistingID: holder.ID, EntityType: ent.EntityType, NormalizedName: candidate.NormalizedName()}
				}
			}
			ent, err = tx.UpdateEntity(scope.OrganizationID, up.ID, func(e *domain.Entity) error {
				patch.Apply(e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		out, err = s.applyBundle(tx, scope, ent, up.Attributes, up.RemoveFields, up.Relationships)
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return EntityRecord{}, res, err
	}
	return out, res, nil
}

// DeleteEntity archives an entity, or physically removes it when hard is set.
// A hard delete is refused with a ReferentialError while any relationship,
// transaction line or transaction header still points at the entity.
func (s *Service) DeleteEntity(ctx context.Context, scope Scope, id string, hard bool) (domain.Result, error) {
	res, err := s.screen(scope, "entity", domain.ActionDelete, s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventEntity, Action: domain.ActionDelete, OrganizationID: scope.OrganizationID, TargetID: id,
	}))
	if err != nil {
		return res, err
	}
	op := "entity.archive"
	if hard {
		op = "entity.delete"
	}
	ruleRes, err := s.run(ctx, op, scope, func(tx domain.Transaction) error {
		ent, ok, err := tx.FindEntity(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
		}
		if !hard {
			if ent.Status == domain.EntityArchived {
				return nil
			}
			_, err := tx.UpdateEntity(scope.OrganizationID, id, func(e *domain.Entity) error {
				e.Status = domain.EntityArchived
				return nil
			})
			return err
		}
		counts, err := tx.ReferenceCounts(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if counts.Total() > 0 {
			return domain.ReferentialError{EntityID: id, Counts: counts}
		}
		return tx.DeleteEntity(scope.OrganizationID, id)
	})
	res.Merge(ruleRes)
	return res, err
}

// ReferenceCounts reports how many records point at an entity.
func (s *Service) ReferenceCounts(ctx context.Context, scope Scope, id string) (domain.ReferenceCounts, error) {
	var counts domain.ReferenceCounts
	err := s.view(ctx, "entity.references", scope, func(v domain.TransactionView) error {
		if _, ok, err := v.FindEntity(scope.OrganizationID, id); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
		}
		var err error
		counts, err = v.ReferenceCounts(scope.OrganizationID, id)
		return err
	})
	return counts, err
}
