package domain

import (
	"context"
	"strings"
	"time"
)

// Page bounds a list query. A zero Limit means unbounded.
type Page struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Paginate slices an already ordered result set.
func Paginate[T any](p Page, items []T) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return items[:0]
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

// EntityFilter narrows entity reads. Empty fields match everything; archived
// entities are excluded unless IncludeArchived is set or Status asks for them.
type EntityFilter struct {
	EntityType      string       `json:"entity_type,omitempty"`
	EntityCode      string       `json:"entity_code,omitempty"`
	Status          EntityStatus `json:"status,omitempty"`
	NameContains    string       `json:"name_contains,omitempty"`
	NormalizedName  string       `json:"normalized_name,omitempty"`
	TaxonomyCode    string       `json:"taxonomy_code,omitempty"`
	IncludeArchived bool         `json:"include_archived,omitempty"`
	Page
}

// Matches applies the filter to a single entity.
func (f EntityFilter) Matches(e Entity) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityCode != "" && e.EntityCode != f.EntityCode {
		return false
	}
	if f.TaxonomyCode != "" && e.TaxonomyCode != f.TaxonomyCode {
		return false
	}
	if f.Status != "" {
		if e.Status != f.Status {
			return false
		}
	} else if !f.IncludeArchived && !e.IsLive() {
		return false
	}
	if f.NormalizedName != "" && e.NormalizedName() != f.NormalizedName {
		return false
	}
	if f.NameContains != "" && !containsFold(e.EntityName, f.NameContains) {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(NormalizeName(haystack), NormalizeName(needle))
}

// RelationshipFilter narrows relationship reads. ActiveOnly evaluates the
// lifecycle at At.
type RelationshipFilter struct {
	FromEntityID     string    `json:"from_entity_id,omitempty"`
	ToEntityID       string    `json:"to_entity_id,omitempty"`
	EntityID         string    `json:"entity_id,omitempty"`
	Direction        Direction `json:"direction,omitempty"`
	RelationshipType string    `json:"relationship_type,omitempty"`
	ActiveOnly       bool      `json:"active_only,omitempty"`
	At               time.Time `json:"-"`
	Page
}

// Matches applies the filter to a single relationship.
func (f RelationshipFilter) Matches(r Relationship) bool {
	if f.FromEntityID != "" && r.FromEntityID != f.FromEntityID {
		return false
	}
	if f.ToEntityID != "" && r.ToEntityID != f.ToEntityID {
		return false
	}
	if f.EntityID != "" && !r.Touches(f.EntityID, f.Direction) {
		return false
	}
	if f.RelationshipType != "" && r.RelationshipType != f.RelationshipType {
		return false
	}
	if f.ActiveOnly && !r.Lifecycle.IsActiveAt(f.At) {
		return false
	}
	return true
}

// TransactionFilter narrows ledger queries. Date bounds are inclusive.
type TransactionFilter struct {
	TransactionType string            `json:"transaction_type,omitempty"`
	TaxonomyCode    string            `json:"taxonomy_code,omitempty"`
	Status          TransactionStatus `json:"status,omitempty"`
	From            *time.Time        `json:"date_from,omitempty"`
	To              *time.Time        `json:"date_to,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	Page
}

// Matches applies the filter to a header.
func (f TransactionFilter) Matches(h TransactionHeader) bool {
	if f.TransactionType != "" && h.TransactionType != f.TransactionType {
		return false
	}
	if f.TaxonomyCode != "" && h.TaxonomyCode != f.TaxonomyCode {
		return false
	}
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	if f.From != nil && h.TransactionDate.Before(*f.From) {
		return false
	}
	if f.To != nil && h.TransactionDate.After(*f.To) {
		return false
	}
	if f.EntityID != "" && h.SourceEntityID != f.EntityID && h.TargetEntityID != f.EntityID {
		return false
	}
	return true
}

// ReferenceCounts reports how many records point at an entity.
type ReferenceCounts struct {
	Relationships int `json:"relationships"`
	Lines         int `json:"transaction_lines"`
	Transactions  int `json:"transactions"`
}

// Total sums every reference.
func (c ReferenceCounts) Total() int {
	return c.Relationships + c.Lines + c.Transactions
}

// TransactionView provides read-only access to a consistent snapshot. Every
// method is scoped to one organization.
type TransactionView interface {
	Now() time.Time
	FindOrganization(id string) (Organization, bool, error)
	ListOrganizations() ([]Organization, error)
	FindEntity(orgID, id string) (Entity, bool, error)
	FindLiveEntityByName(orgID, entityType, normalizedName string) (Entity, bool, error)
	ListEntities(orgID string, filter EntityFilter) ([]Entity, error)
	ListAttributes(orgID, entityID string) ([]Attribute, error)
	FindRelationship(orgID, id string) (Relationship, bool, error)
	ListRelationships(orgID string, filter RelationshipFilter) ([]Relationship, error)
	FindTransaction(orgID, id string) (LedgerTransaction, bool, error)
	ListTransactions(orgID string, filter TransactionFilter) ([]TransactionHeader, error)
	ReferenceCounts(orgID, entityID string) (ReferenceCounts, error)
}

// Transaction exposes the mutations a persistence implementation must support
// within an atomic scope. Nothing is visible to other callers until the
// enclosing RunInTransaction returns without error.
type Transaction interface {
	TransactionView
	// Lock serializes concurrent transactions on key until this one ends.
	Lock(key string) error
	CreateOrganization(Organization) (Organization, error)
	CreateEntity(Entity) (Entity, error)
	UpdateEntity(orgID, id string, mutator func(*Entity) error) (Entity, error)
	DeleteEntity(orgID, id string) error
	SetAttribute(Attribute) (Attribute, error)
	DeleteAttribute(orgID, entityID, fieldName string) (bool, error)
	CreateRelationship(Relationship) (Relationship, error)
	UpdateRelationship(orgID, id string, mutator func(*Relationship) error) (Relationship, error)
	CreateTransaction(LedgerTransaction) (LedgerTransaction, error)
	UpdateTransactionStatus(orgID, id string, status TransactionStatus) (TransactionHeader, error)
}

// PersistentStore is the abstraction over memory and SQL backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	RulesEngine() *RulesEngine
	Close() error
}
