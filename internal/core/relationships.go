package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

// relationshipPolicies holds the registered per-type policies.
type relationshipPolicies struct {
	mu     sync.RWMutex
	byType map[string]domain.RelationshipPolicy
}

func newRelationshipPolicies() *relationshipPolicies {
	return &relationshipPolicies{byType: make(map[string]domain.RelationshipPolicy)}
}

func (p *relationshipPolicies) set(policy domain.RelationshipPolicy) {
	if policy.Type == "" {
		return
	}
	if policy.OnDuplicate == "" {
		policy.OnDuplicate = domain.DuplicateReject
	}
	p.mu.Lock()
	p.byType[policy.Type] = policy
	p.mu.Unlock()
}

func (p *relationshipPolicies) get(relType string) domain.RelationshipPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if policy, ok := p.byType[relType]; ok {
		return policy
	}
	return domain.DefaultRelationshipPolicy(relType)
}

func (p *relationshipPolicies) list() []domain.RelationshipPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.RelationshipPolicy, 0, len(p.byType))
	for _, policy := range p.byType {
		out = append(out, policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// RelationshipPolicy returns the policy governing relType.
func (s *Service) RelationshipPolicy(relType string) domain.RelationshipPolicy {
	return s.policies.get(relType)
}

// RelationshipPolicies lists explicitly registered policies.
func (s *Service) RelationshipPolicies() []domain.RelationshipPolicy {
	return s.policies.list()
}

// RelationshipInput is an edge to create. Inside an entity bundle an empty
// FromEntityID means the entity being written.
type RelationshipInput struct {
	FromEntityID     string         `json:"from_entity_id,omitempty"`
	ToEntityID       string         `json:"to_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	RelationshipData map[string]any `json:"relationship_data,omitempty"`
	TaxonomyCode     string         `json:"taxonomy_code"`
}

func (in RelationshipInput) edge(orgID, selfID string) domain.Relationship {
	from := in.FromEntityID
	if from == "" {
		from = selfID
	}
	return domain.Relationship{
		OrganizationID:   orgID,
		FromEntityID:     from,
		ToEntityID:       in.ToEntityID,
		RelationshipType: in.RelationshipType,
		RelationshipData: domain.CloneMap(in.RelationshipData),
		TaxonomyCode:     in.TaxonomyCode,
		Lifecycle:        domain.Active(),
	}
}

func pairLockKey(r domain.Relationship) string {
	return "relationship|" + r.PairKey()
}

// createEdge inserts r after applying the duplicate policy of its type: a
// single-valued type either rejects a second active edge for the same pair or
// expires the prior one first.
func (s *Service) createEdge(tx domain.Transaction, r domain.Relationship) (domain.Relationship, error) {
	policy := s.policies.get(r.RelationshipType)
	if policy.SingleValued {
		if err := tx.Lock(pairLockKey(r)); err != nil {
			return domain.Relationship{}, err
		}
		active, err := tx.ListRelationships(r.OrganizationID, domain.RelationshipFilter{
			FromEntityID:     r.FromEntityID,
			ToEntityID:       r.ToEntityID,
			RelationshipType: r.RelationshipType,
			ActiveOnly:       true,
		})
		if err != nil {
			return domain.Relationship{}, err
		}
		for _, prior := range active {
			if policy.OnDuplicate != domain.DuplicateSupersede {
				return domain.Relationship{}, domain.DuplicateRelationshipError{
					ExistingID:       prior.ID,
					RelationshipType: r.RelationshipType,
					FromEntityID:     r.FromEntityID,
					ToEntityID:       r.ToEntityID,
				}
			}
			now := tx.Now()
			if _, err := tx.UpdateRelationship(r.OrganizationID, prior.ID, func(p *domain.Relationship) error {
				p.Lifecycle = domain.ExpiredAt(now)
				return nil
			}); err != nil {
				return domain.Relationship{}, errors.Wrapf(err, "supersede relationship %s", prior.ID)
			}
		}
	}
	r.Lifecycle = domain.Active()
	return tx.CreateRelationship(r)
}

// CreateRelationship creates a typed edge between two entities of the scoped
// organization.
func (s *Service) CreateRelationship(ctx context.Context, scope Scope, in RelationshipInput) (domain.Relationship, domain.Result, error) {
	r := in.edge(scope.OrganizationID, "")
	res, err := s.screen(scope, "relationship", domain.ActionCreate, s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventRelationship, Action: domain.ActionCreate, OrganizationID: scope.OrganizationID, Relationship: &r,
	}))
	if err != nil {
		return domain.Relationship{}, res, err
	}
	var created domain.Relationship
	ruleRes, err := s.run(ctx, "relationship.create", scope, func(tx domain.Transaction) error {
		var err error
		created, err = s.createEdge(tx, r)
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return domain.Relationship{}, res, err
	}
	return created, res, nil
}

// GetRelationship reads one edge regardless of its lifecycle state.
func (s *Service) GetRelationship(ctx context.Context, scope Scope, id string) (domain.Relationship, error) {
	var out domain.Relationship
	err := s.view(ctx, "relationship.get", scope, func(v domain.TransactionView) error {
		r, ok, err := v.FindRelationship(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordRelationship, ID: id}
		}
		out = r
		return nil
	})
	return out, err
}

// ListRelationships returns the edges matching filter. ActiveOnly edges are
// evaluated at the snapshot time unless filter.At is set.
func (s *Service) ListRelationships(ctx context.Context, scope Scope, filter domain.RelationshipFilter) ([]domain.Relationship, error) {
	var out []domain.Relationship
	err := s.view(ctx, "relationship.list", scope, func(v domain.TransactionView) error {
		var err error
		out, err = v.ListRelationships(scope.OrganizationID, filter)
		return err
	})
	return out, err
}

// ListActiveByType is the traversal helper: active edges of relType touching
// entityID in direction.
func (s *Service) ListActiveByType(ctx context.Context, scope Scope, entityID, relType string, dir domain.Direction) ([]domain.Relationship, error) {
	if dir == "" {
		dir = domain.DirectionOutgoing
	}
	return s.ListRelationships(ctx, scope, domain.RelationshipFilter{
		EntityID:         entityID,
		Direction:        dir,
		RelationshipType: relType,
		ActiveOnly:       true,
	})
}

// UpdateRelationshipData replaces the payload of an edge. Endpoints and type
// never change.
func (s *Service) UpdateRelationshipData(ctx context.Context, scope Scope, id string, data map[string]any) (domain.Relationship, domain.Result, error) {
	res, err := s.screen(scope, "relationship", domain.ActionUpdate, s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventRelationship, Action: domain.ActionUpdate, OrganizationID: scope.OrganizationID, TargetID: id,
	}))
	if err != nil {
		return domain.Relationship{}, res, err
	}
	var updated domain.Relationship
	ruleRes, err := s.run(ctx, "relationship.update", scope, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateRelationship(scope.OrganizationID, id, func(r *domain.Relationship) error {
			r.RelationshipData = domain.CloneMap(data)
			return nil
		})
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return domain.Relationship{}, res, err
	}
	return updated, res, nil
}

// DeleteRelationship soft-deletes an edge. A future expiration keeps it
// active until then; no expiration, or one already past, deactivates it now.
// Deleting an already expired edge changes nothing.
func (s *Service) DeleteRelationship(ctx context.Context, scope Scope, id string, expiration *time.Time) (domain.Relationship, domain.Result, error) {
	res, err := s.screen(scope, "relationship", domain.ActionDelete, s.policy.Preflight(guardrail.Event{
		Kind: guardrail.EventRelationship, Action: domain.ActionDelete, OrganizationID: scope.OrganizationID, TargetID: id,
	}))
	if err != nil {
		return domain.Relationship{}, res, err
	}
	var out domain.Relationship
	ruleRes, err := s.run(ctx, "relationship.delete", scope, func(tx domain.Transaction) error {
		current, ok, err := tx.FindRelationship(scope.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Record: domain.RecordRelationship, ID: id}
		}
		now := tx.Now()
		if current.Lifecycle.Resolve(now).State() == domain.LifecycleExpired {
			out = current
			return nil
		}
		next := domain.ExpiredAt(now)
		if expiration != nil {
			if expiration.After(now) {
				next = domain.ExpiringAt(*expiration)
			} else {
				next = domain.ExpiredAt(*expiration)
			}
		}
		out, err = tx.UpdateRelationship(scope.OrganizationID, id, func(r *domain.Relationship) error {
			r.Lifecycle = next
			return nil
		})
		return err
	})
	res.Merge(ruleRes)
	if err != nil {
		return domain.Relationship{}, res, err
	}
	return out, res, nil
}

// SweepExpired persists the Expired state of every Expiring edge of the
// organization whose expiration has passed. It returns how many edges moved.
func (s *Service) SweepExpired(ctx context.Context, scope Scope) (int, error) {
	if err := requireScope(scope); err != nil {
		return 0, err
	}
	var swept int
	_, err := s.run(ctx, "relationship.sweep", scope, func(tx domain.Transaction) error {
		all, err := tx.ListRelationships(scope.OrganizationID, domain.RelationshipFilter{})
		if err != nil {
			return err
		}
		now := tx.Now()
		for _, r := range all {
			if r.Lifecycle.State() != domain.LifecycleExpiring {
				continue
			}
			resolved := r.Lifecycle.Resolve(now)
			if resolved.State() != domain.LifecycleExpired {
				continue
			}
			if _, err := tx.UpdateRelationship(scope.OrganizationID, r.ID, func(rel *domain.Relationship) error {
				rel.Lifecycle = resolved
				return nil
			}); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.logger.Info("expired relationships swept", "organization_id", scope.OrganizationID, "count", swept)
	}
	return swept, nil
}

// SweepAllExpired sweeps every organization, returning counts per tenant.
// Suspended tenants are skipped.
func (s *Service) SweepAllExpired(ctx context.Context) (map[string]int, error) {
	orgs, err := s.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(orgs))
	for _, org := range orgs {
		if org.Status == domain.OrganizationSuspended {
			continue
		}
		n, err := s.SweepExpired(ctx, Scope{OrganizationID: org.ID})
		if err != nil {
			return out, errors.Wrapf(err, "sweep organization %s", org.ID)
		}
		out[org.ID] = n
	}
	return out, nil
}
