// Package memory provides the in-memory transactional store. Each transaction
// works on a cloned copy of the state and swaps it in on commit, so a failed
// or rule-blocked transaction leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"erpcore/pkg/domain"
)

type memoryState struct {
	organizations map[string]domain.Organization
	entities      map[string]domain.Entity
	attributes    map[domain.AttributeKey]domain.Attribute
	relationships map[string]domain.Relationship
	transactions  map[string]domain.LedgerTransaction
}

func newMemoryState() memoryState {
	return memoryState{
		organizations: make(map[string]domain.Organization),
		entities:      make(map[string]domain.Entity),
		attributes:    make(map[domain.AttributeKey]domain.Attribute),
		relationships: make(map[string]domain.Relationship),
		transactions:  make(map[string]domain.LedgerTransaction),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.organizations {
		cloned.organizations[k] = cloneOrganization(v)
	}
	for k, v := range s.entities {
		cloned.entities[k] = cloneEntity(v)
	}
	for k, v := range s.attributes {
		cloned.attributes[k] = cloneAttribute(v)
	}
	for k, v := range s.relationships {
		cloned.relationships[k] = cloneRelationship(v)
	}
	for k, v := range s.transactions {
		cloned.transactions[k] = v.Clone()
	}
	return cloned
}

func cloneOrganization(o domain.Organization) domain.Organization {
	o.Metadata = domain.CloneMap(o.Metadata)
	return o
}

func cloneEntity(e domain.Entity) domain.Entity {
	e.Metadata = domain.CloneMap(e.Metadata)
	return e
}

func cloneAttribute(a domain.Attribute) domain.Attribute {
	if raw, ok := a.Value.JSON(); ok {
		a.Value = domain.JSONValue(raw)
	}
	return a
}

func cloneRelationship(r domain.Relationship) domain.Relationship {
	r.RelationshipData = domain.CloneMap(r.RelationshipData)
	return r
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Store is an in-memory implementation of domain.PersistentStore. A single
// write lock serializes transactions.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

var _ domain.PersistentStore = (*Store)(nil)

// NewStore constructs an empty store evaluating engine before each commit.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the engine evaluated on commit.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		view: view{state: s.state.clone(), now: s.nowFn()},
	}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Result{}, errors.Wrap(err, "transaction aborted")
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, &tx.view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&view{state: snapshot, now: s.nowFn()})
}

type view struct {
	state memoryState
	now   time.Time
}

func (v *view) Now() time.Time { return v.now }

func (v *view) FindOrganization(id string) (domain.Organization, bool, error) {
	o, ok := v.state.organizations[id]
	if !ok {
		return domain.Organization{}, false, nil
	}
	return cloneOrganization(o), true, nil
}

func (v *view) ListOrganizations() ([]domain.Organization, error) {
	out := make([]domain.Organization, 0, len(v.state.organizations))
	for _, o := range v.state.organizations {
		out = append(out, cloneOrganization(o))
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].Base, out[j].Base) })
	return out, nil
}

func (v *view) FindEntity(orgID, id string) (domain.Entity, bool, error) {
	e, ok := v.state.entities[id]
	if !ok || e.OrganizationID != orgID {
		return domain.Entity{}, false, nil
	}
	return cloneEntity(e), true, nil
}

func (v *view) FindLiveEntityByName(orgID, entityType, normalizedName string) (domain.Entity, bool, error) {
	for _, e := range v.state.entities {
		if e.OrganizationID == orgID && e.EntityType == entityType && e.IsLive() && e.NormalizedName() == normalizedName {
			return cloneEntity(e), true, nil
		}
	}
	return domain.Entity{}, false, nil
}

func (v *view) ListEntities(orgID string, filter domain.EntityFilter) ([]domain.Entity, error) {
	out := make([]domain.Entity, 0)
	for _, e := range v.state.entities {
		if e.OrganizationID == orgID && filter.Matches(e) {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].Base, out[j].Base) })
	return domain.Paginate(filter.Page, out), nil
}

func (v *view) ListAttributes(orgID, entityID string) ([]domain.Attribute, error) {
	out := make([]domain.Attribute, 0)
	for _, a := range v.state.attributes {
		if a.OrganizationID == orgID && a.EntityID == entityID {
			out = append(out, cloneAttribute(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out, nil
}

func (v *view) FindRelationship(orgID, id string) (domain.Relationship, bool, error) {
	r, ok := v.state.relationships[id]
	if !ok || r.OrganizationID != orgID {
		return domain.Relationship{}, false, nil
	}
	return cloneRelationship(r), true, nil
}

func (v *view) ListRelationships(orgID string, filter domain.RelationshipFilter) ([]domain.Relationship, error) {
	if filter.At.IsZero() {
		filter.At = v.now
	}
	out := make([]domain.Relationship, 0)
	for _, r := range v.state.relationships {
		if r.OrganizationID == orgID && filter.Matches(r) {
			out = append(out, cloneRelationship(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].Base, out[j].Base) })
	return domain.Paginate(filter.Page, out), nil
}

func (v *view) FindTransaction(orgID, id string) (domain.LedgerTransaction, bool, error) {
	t, ok := v.state.transactions[id]
	if !ok || t.Header.OrganizationID != orgID {
		return domain.LedgerTransaction{}, false, nil
	}
	return t.Clone(), true, nil
}

func (v *view) ListTransactions(orgID string, filter domain.TransactionFilter) ([]domain.TransactionHeader, error) {
	out := make([]domain.TransactionHeader, 0)
	for _, t := range v.state.transactions {
		if t.Header.OrganizationID == orgID && filter.Matches(t.Header) {
			h := t.Header
			h.Metadata = domain.CloneMap(h.Metadata)
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return before(out[i].Base, out[j].Base)
	})
	return domain.Paginate(filter.Page, out), nil
}

func (v *view) ReferenceCounts(orgID, entityID string) (domain.ReferenceCounts, error) {
	var counts domain.ReferenceCounts
	for _, r := range v.state.relationships {
		if r.OrganizationID == orgID && (r.FromEntityID == entityID || r.ToEntityID == entityID) {
			counts.Relationships++
		}
	}
	for _, t := range v.state.transactions {
		if t.Header.OrganizationID != orgID {
			continue
		}
		if t.Header.SourceEntityID == entityID || t.Header.TargetEntityID == entityID {
			counts.Transactions++
		}
		for _, l := range t.Lines {
			if l.EntityID == entityID {
				counts.Lines++
			}
		}
	}
	return counts, nil
}

func before(a, b domain.Base) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// transaction is the mutation set of one RunInTransaction call.
type transaction struct {
	view
	changes []domain.Change
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Lock is satisfied by the store-wide write lock.
func (tx *transaction) Lock(string) error { return nil }

func (tx *transaction) requireOrganization(orgID string) error {
	if _, ok := tx.state.organizations[orgID]; !ok {
		return domain.ErrNotFound{Record: domain.RecordOrganization, ID: orgID}
	}
	return nil
}

func (tx *transaction) CreateOrganization(o domain.Organization) (domain.Organization, error) {
	if o.ID == "" {
		o.ID = newID()
	}
	if _, exists := tx.state.organizations[o.ID]; exists {
		return domain.Organization{}, fmt.Errorf("organization %q already exists", o.ID)
	}
	if o.Status == "" {
		o.Status = domain.OrganizationActive
	}
	o.CreatedAt = tx.now
	o.UpdatedAt = tx.now
	tx.state.organizations[o.ID] = cloneOrganization(o)
	tx.recordChange(domain.Change{Record: domain.RecordOrganization, Action: domain.ActionCreate, After: cloneOrganization(o)})
	return cloneOrganization(o), nil
}

func (tx *transaction) checkIdentity(e domain.Entity) error {
	if !e.IsLive() {
		return nil
	}
	key := e.NormalizedName()
	for id, other := range tx.state.entities {
		if id == e.ID || !other.IsLive() {
			continue
		}
		if other.OrganizationID == e.OrganizationID && other.EntityType == e.EntityType && other.NormalizedName() == key {
			return domain.DuplicateEntityError{ExistingID: id, EntityType: e.EntityType, NormalizedName: key}
		}
	}
	return nil
}

func (tx *transaction) CreateEntity(e domain.Entity) (domain.Entity, error) {
	if err := tx.requireOrganization(e.OrganizationID); err != nil {
		return domain.Entity{}, err
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if _, exists := tx.state.entities[e.ID]; exists {
		return domain.Entity{}, fmt.Errorf("entity %q already exists", e.ID)
	}
	if e.Status == "" {
		e.Status = domain.EntityActive
	}
	if err := tx.checkIdentity(e); err != nil {
		return domain.Entity{}, err
	}
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.state.entities[e.ID] = cloneEntity(e)
	tx.recordChange(domain.Change{Record: domain.RecordEntity, Action: domain.ActionCreate, After: cloneEntity(e)})
	return cloneEntity(e), nil
}

func (tx *transaction) UpdateEntity(orgID, id string, mutator func(*domain.Entity) error) (domain.Entity, error) {
	current, ok := tx.state.entities[id]
	if !ok || current.OrganizationID != orgID {
		return domain.Entity{}, domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
	}
	before := cloneEntity(current)
	if err := mutator(&current); err != nil {
		return domain.Entity{}, err
	}
	current.ID = id
	current.OrganizationID = before.OrganizationID
	current.EntityType = before.EntityType
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.checkIdentity(current); err != nil {
		return domain.Entity{}, err
	}
	tx.state.entities[id] = cloneEntity(current)
	tx.recordChange(domain.Change{Record: domain.RecordEntity, Action: domain.ActionUpdate, Before: before, After: cloneEntity(current)})
	return cloneEntity(current), nil
}

func (tx *transaction) DeleteEntity(orgID, id string) error {
	current, ok := tx.state.entities[id]
	if !ok || current.OrganizationID != orgID {
		return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
	}
	counts, err := tx.ReferenceCounts(orgID, id)
	if err != nil {
		return err
	}
	if counts.Total() > 0 {
		return domain.ReferentialError{EntityID: id, Counts: counts}
	}
	for key, a := range tx.state.attributes {
		if key.EntityID == id {
			delete(tx.state.attributes, key)
			tx.recordChange(domain.Change{Record: domain.RecordAttribute, Action: domain.ActionDelete, Before: a})
		}
	}
	delete(tx.state.entities, id)
	tx.recordChange(domain.Change{Record: domain.RecordEntity, Action: domain.ActionDelete, Before: cloneEntity(current)})
	return nil
}

func (tx *transaction) SetAttribute(a domain.Attribute) (domain.Attribute, error) {
	e, ok := tx.state.entities[a.EntityID]
	if !ok || e.OrganizationID != a.OrganizationID {
		return domain.Attribute{}, domain.ErrNotFound{Record: domain.RecordEntity, ID: a.EntityID}
	}
	if a.FieldName == "" || a.Value.IsZero() {
		return domain.Attribute{}, fmt.Errorf("attribute requires a field name and typed value")
	}
	key := a.Key()
	action := domain.ActionCreate
	var prior any
	a.CreatedAt = tx.now
	if existing, ok := tx.state.attributes[key]; ok {
		action = domain.ActionUpdate
		prior = existing
		a.CreatedAt = existing.CreatedAt
	}
	a.UpdatedAt = tx.now
	tx.state.attributes[key] = cloneAttribute(a)
	tx.recordChange(domain.Change{Record: domain.RecordAttribute, Action: action, Before: prior, After: cloneAttribute(a)})
	return cloneAttribute(a), nil
}

func (tx *transaction) DeleteAttribute(orgID, entityID, fieldName string) (bool, error) {
	key := domain.AttributeKey{EntityID: entityID, FieldName: fieldName}
	current, ok := tx.state.attributes[key]
	if !ok || current.OrganizationID != orgID {
		return false, nil
	}
	delete(tx.state.attributes, key)
	tx.recordChange(domain.Change{Record: domain.RecordAttribute, Action: domain.ActionDelete, Before: current})
	return true, nil
}

func (tx *transaction) requireEntity(orgID, id string) error {
	e, ok := tx.state.entities[id]
	if !ok || e.OrganizationID != orgID {
		return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
	}
	return nil
}

func (tx *transaction) CreateRelationship(r domain.Relationship) (domain.Relationship, error) {
	if err := tx.requireOrganization(r.OrganizationID); err != nil {
		return domain.Relationship{}, err
	}
	for _, id := range []string{r.FromEntityID, r.ToEntityID} {
		if err := tx.requireEntity(r.OrganizationID, id); err != nil {
			return domain.Relationship{}, err
		}
	}
	if r.ID == "" {
		r.ID = newID()
	}
	if _, exists := tx.state.relationships[r.ID]; exists {
		return domain.Relationship{}, fmt.Errorf("relationship %q already exists", r.ID)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.relationships[r.ID] = cloneRelationship(r)
	tx.recordChange(domain.Change{Record: domain.RecordRelationship, Action: domain.ActionCreate, After: cloneRelationship(r)})
	return cloneRelationship(r), nil
}

func (tx *transaction) UpdateRelationship(orgID, id string, mutator func(*domain.Relationship) error) (domain.Relationship, error) {
	current, ok := tx.state.relationships[id]
	if !ok || current.OrganizationID != orgID {
		return domain.Relationship{}, domain.ErrNotFound{Record: domain.RecordRelationship, ID: id}
	}
	before := cloneRelationship(current)
	if err := mutator(&current); err != nil {
		return domain.Relationship{}, err
	}
	current.ID = id
	current.OrganizationID = before.OrganizationID
	current.FromEntityID = before.FromEntityID
	current.ToEntityID = before.ToEntityID
	current.RelationshipType = before.RelationshipType
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.relationships[id] = cloneRelationship(current)
	tx.recordChange(domain.Change{Record: domain.RecordRelationship, Action: domain.ActionUpdate, Before: before, After: cloneRelationship(current)})
	return cloneRelationship(current), nil
}

func (tx *transaction) CreateTransaction(t domain.LedgerTransaction) (domain.LedgerTransaction, error) {
	h := &t.Header
	if err := tx.requireOrganization(h.OrganizationID); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if _, exists := tx.state.transactions[h.ID]; exists {
		return domain.LedgerTransaction{}, fmt.Errorf("transaction %q already exists", h.ID)
	}
	if h.Status == "" {
		h.Status = domain.TransactionDraft
	}
	h.CreatedAt = tx.now
	h.UpdatedAt = tx.now
	seen := make(map[int]bool, len(t.Lines))
	for i := range t.Lines {
		l := &t.Lines[i]
		if seen[l.LineNumber] {
			return domain.LedgerTransaction{}, fmt.Errorf("transaction %s: duplicate line number %d", h.ID, l.LineNumber)
		}
		seen[l.LineNumber] = true
		l.TransactionID = h.ID
		l.OrganizationID = h.OrganizationID
	}
	t.SortLines()
	tx.state.transactions[h.ID] = t.Clone()
	tx.recordChange(domain.Change{Record: domain.RecordTransaction, Action: domain.ActionCreate, After: t.Clone()})
	return t.Clone(), nil
}

func (tx *transaction) UpdateTransactionStatus(orgID, id string, status domain.TransactionStatus) (domain.TransactionHeader, error) {
	current, ok := tx.state.transactions[id]
	if !ok || current.Header.OrganizationID != orgID {
		return domain.TransactionHeader{}, domain.ErrNotFound{Record: domain.RecordTransaction, ID: id}
	}
	before := current.Clone()
	current.Header.Status = status
	current.Header.UpdatedAt = tx.now
	tx.state.transactions[id] = current.Clone()
	tx.recordChange(domain.Change{Record: domain.RecordTransaction, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	return current.Header, nil
}
