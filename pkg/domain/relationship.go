package domain

import (
	"encoding/json"
	"time"
)

// LifecycleState enumerates the states of a relationship edge.
type LifecycleState string

const (
	LifecycleActive   LifecycleState = "active"
	LifecycleExpiring LifecycleState = "expiring"
	LifecycleExpired  LifecycleState = "expired"
)

// Lifecycle is the explicit state of a relationship edge. An Expiring edge
// counts as active until its instant passes.
type Lifecycle struct {
	state LifecycleState
	at    time.Time
}

// Active returns the lifecycle of an open-ended edge.
func Active() Lifecycle { return Lifecycle{state: LifecycleActive} }

// ExpiringAt returns the lifecycle of an edge scheduled to end at t.
func ExpiringAt(t time.Time) Lifecycle { return Lifecycle{state: LifecycleExpiring, at: t.UTC()} }

// ExpiredAt returns the lifecycle of an edge that ended at t.
func ExpiredAt(t time.Time) Lifecycle { return Lifecycle{state: LifecycleExpired, at: t.UTC()} }

// State returns the stored state without consulting the clock.
func (l Lifecycle) State() LifecycleState {
	if l.state == "" {
		return LifecycleActive
	}
	return l.state
}

// At returns the expiry instant for Expiring and Expired edges.
func (l Lifecycle) At() (time.Time, bool) {
	switch l.State() {
	case LifecycleExpiring, LifecycleExpired:
		return l.at, true
	}
	return time.Time{}, false
}

// IsActiveAt reports whether the edge counts as active at now.
func (l Lifecycle) IsActiveAt(now time.Time) bool {
	switch l.State() {
	case LifecycleActive:
		return true
	case LifecycleExpiring:
		return now.Before(l.at)
	case LifecycleExpired:
		return false
	}
	return false
}

// Resolve folds an elapsed Expiring state into Expired.
func (l Lifecycle) Resolve(now time.Time) Lifecycle {
	if l.State() == LifecycleExpiring && !now.Before(l.at) {
		return ExpiredAt(l.at)
	}
	return l
}

// Columns renders the lifecycle as the persisted (is_active, expiration_date)
// pair.
func (l Lifecycle) Columns() (bool, *time.Time) {
	switch l.State() {
	case LifecycleExpiring:
		at := l.at
		return true, &at
	case LifecycleExpired:
		at := l.at
		return false, &at
	}
	return true, nil
}

// LifecycleFromColumns is the inverse of Columns.
func LifecycleFromColumns(isActive bool, expiration *time.Time) Lifecycle {
	switch {
	case isActive && expiration == nil:
		return Active()
	case isActive:
		return ExpiringAt(*expiration)
	case expiration != nil:
		return ExpiredAt(*expiration)
	default:
		return ExpiredAt(time.Time{})
	}
}

// Direction selects which endpoint of an edge a traversal anchors on.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// Relationship is a typed, directed, attributed edge between two entities.
// FromEntityID, ToEntityID and RelationshipType are immutable after create.
type Relationship struct {
	Base
	OrganizationID   string         `json:"organization_id"`
	FromEntityID     string         `json:"from_entity_id"`
	ToEntityID       string         `json:"to_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	RelationshipData map[string]any `json:"relationship_data,omitempty"`
	TaxonomyCode     string         `json:"taxonomy_code"`
	Lifecycle        Lifecycle      `json:"-"`
}

// PairKey identifies the semantic fact an edge asserts.
func (r Relationship) PairKey() string {
	return r.OrganizationID + "|" + r.FromEntityID + "|" + r.ToEntityID + "|" + r.RelationshipType
}

// Touches reports whether the edge has entityID as an endpoint in direction.
func (r Relationship) Touches(entityID string, dir Direction) bool {
	switch dir {
	case DirectionOutgoing:
		return r.FromEntityID == entityID
	case DirectionIncoming:
		return r.ToEntityID == entityID
	default:
		return r.FromEntityID == entityID || r.ToEntityID == entityID
	}
}

type relationshipJSON struct {
	Base
	OrganizationID   string         `json:"organization_id"`
	FromEntityID     string         `json:"from_entity_id"`
	ToEntityID       string         `json:"to_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	RelationshipData map[string]any `json:"relationship_data,omitempty"`
	TaxonomyCode     string         `json:"taxonomy_code"`
	IsActive         bool           `json:"is_active"`
	ExpirationDate   *time.Time     `json:"expiration_date,omitempty"`
	State            LifecycleState `json:"lifecycle"`
}

// MarshalJSON emits the wire columns alongside the explicit lifecycle state.
func (r Relationship) MarshalJSON() ([]byte, error) {
	active, exp := r.Lifecycle.Columns()
	return json.Marshal(relationshipJSON{
		Base:             r.Base,
		OrganizationID:   r.OrganizationID,
		FromEntityID:     r.FromEntityID,
		ToEntityID:       r.ToEntityID,
		RelationshipType: r.RelationshipType,
		RelationshipData: r.RelationshipData,
		TaxonomyCode:     r.TaxonomyCode,
		IsActive:         active,
		ExpirationDate:   exp,
		State:            r.Lifecycle.State(),
	})
}

// UnmarshalJSON rebuilds the lifecycle from the wire columns.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	var w relationshipJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Relationship{
		Base:             w.Base,
		OrganizationID:   w.OrganizationID,
		FromEntityID:     w.FromEntityID,
		ToEntityID:       w.ToEntityID,
		RelationshipType: w.RelationshipType,
		RelationshipData: w.RelationshipData,
		TaxonomyCode:     w.TaxonomyCode,
		Lifecycle:        LifecycleFromColumns(w.IsActive, w.ExpirationDate),
	}
	return nil
}

// DuplicatePolicy selects how a second active edge for the same pair of a
// single-valued type is handled.
type DuplicatePolicy string

const (
	DuplicateReject    DuplicatePolicy = "reject"
	DuplicateSupersede DuplicatePolicy = "supersede"
)

// RelationshipPolicy governs a relationship type.
type RelationshipPolicy struct {
	Type         string          `json:"relationship_type"`
	SingleValued bool            `json:"single_valued"`
	OnDuplicate  DuplicatePolicy `json:"on_duplicate"`
}

// DefaultRelationshipPolicy applies to relationship types nobody registered.
func DefaultRelationshipPolicy(relType string) RelationshipPolicy {
	return RelationshipPolicy{Type: relType, SingleValued: true, OnDuplicate: DuplicateReject}
}
