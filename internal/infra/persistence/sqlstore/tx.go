package sqlstore

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"erpcore/pkg/domain"
)

// transaction is the write side of one RunInTransaction call. Reads go
// through the embedded view and therefore see this transaction's own writes.
type transaction struct {
	view
	store   *Store
	changes []domain.Change
}

func (tx *transaction) record(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Lock takes the dialect's transaction-scoped lock on key.
func (tx *transaction) Lock(key string) error {
	if tx.store.dialect.LockSQL == "" {
		return nil
	}
	_, err := tx.exec(tx.store.dialect.LockSQL, key)
	return err
}

func (tx *transaction) CreateOrganization(o domain.Organization) (domain.Organization, error) {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.Status == "" {
		o.Status = domain.OrganizationActive
	}
	o.CreatedAt, o.UpdatedAt = tx.now, tx.now
	if _, err := tx.exec(`INSERT INTO core_organizations (`+organizationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Code, string(o.Status), jsonMap(o.Metadata), o.CreatedAt, o.UpdatedAt); err != nil {
		return domain.Organization{}, err
	}
	tx.record(domain.Change{Record: domain.RecordOrganization, Action: domain.ActionCreate, After: o})
	return o, nil
}

func (tx *transaction) requireOrganization(orgID string) error {
	if _, ok, err := tx.FindOrganization(orgID); err != nil {
		return err
	} else if !ok {
		return domain.ErrNotFound{Record: domain.RecordOrganization, ID: orgID}
	}
	return nil
}

func (tx *transaction) requireEntity(orgID, id string) error {
	if _, ok, err := tx.FindEntity(orgID, id); err != nil {
		return err
	} else if !ok {
		return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
	}
	return nil
}

// checkIdentity reports the live holder of e's identity key, if another
// entity has it.
func (tx *transaction) checkIdentity(e domain.Entity) error {
	if !e.IsLive() {
		return nil
	}
	holder, ok, err := tx.FindLiveEntityByName(e.OrganizationID, e.EntityType, e.NormalizedName())
	if err != nil {
		return err
	}
	if ok && holder.ID != e.ID {
		return domain.DuplicateEntityError{ExistingID: holder.ID, EntityType: e.EntityType, NormalizedName: e.NormalizedName()}
	}
	return nil
}

// CreateEntity inserts e. The partial unique index on the identity key is
// the final arbiter: a conflicting insert affects no row and is reported as
// a duplicate of the live holder.
func (tx *transaction) CreateEntity(e domain.Entity) (domain.Entity, error) {
	if err := tx.requireOrganization(e.OrganizationID); err != nil {
		return domain.Entity{}, err
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = domain.EntityActive
	}
	e.CreatedAt, e.UpdatedAt = tx.now, tx.now
	var insertedID string
	ok, err := tx.get(&insertedID, `INSERT INTO core_entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, entity_type, normalized_name) WHERE status <> 'archived' DO NOTHING
		RETURNING id`,
		e.ID, e.OrganizationID, e.EntityType, e.EntityName, e.NormalizedName(), e.EntityCode, e.TaxonomyCode,
		string(e.Status), jsonMap(e.Metadata), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return domain.Entity{}, err
	}
	if !ok {
		if err := tx.checkIdentity(e); err != nil {
			return domain.Entity{}, err
		}
		return domain.Entity{}, errors.Newf("entity %s was not inserted", e.ID)
	}
	tx.record(domain.Change{Record: domain.RecordEntity, Action: domain.ActionCreate, After: e})
	return e, nil
}

func (tx *transaction) UpdateEntity(orgID, id string, mutator func(*domain.Entity) error) (domain.Entity, error) {
	current, ok, err := tx.FindEntity(orgID, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if !ok {
		return domain.Entity{}, domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
	}
	prior := current
	prior.Metadata = domain.CloneMap(current.Metadata)
	if err := mutator(&current); err != nil {
		return domain.Entity{}, err
	}
	current.ID = id
	current.OrganizationID = prior.OrganizationID
	current.EntityType = prior.EntityType
	current.CreatedAt = prior.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.checkIdentity(current); err != nil {
		return domain.Entity{}, err
	}
	if _, err := tx.exec(`UPDATE core_entities SET entity_name = ?, normalized_name = ?, entity_code = ?,
		taxonomy_code = ?, status = ?, metadata = ?, updated_at = ? WHERE organization_id = ? AND id = ?`,
		current.EntityName, current.NormalizedName(), current.EntityCode, current.TaxonomyCode,
		string(current.Status), jsonMap(current.Metadata), current.UpdatedAt, orgID, id); err != nil {
		return domain.Entity{}, err
	}
	tx.record(domain.Change{Record: domain.RecordEntity, Action: domain.ActionUpdate, Before: prior, After: current})
	return current, nil
}

func (tx *transaction) DeleteEntity(orgID, id string) error {
	current, ok, err := tx.FindEntity(orgID, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Record: domain.RecordEntity, ID: id}
	}
	counts, err := tx.ReferenceCounts(orgID, id)
	if err != nil {
		return err
	}
	if counts.Total() > 0 {
		return domain.ReferentialError{EntityID: id, Counts: counts}
	}
	attrs, err := tx.ListAttributes(orgID, id)
	if err != nil {
		return err
	}
	if _, err := tx.exec(`DELETE FROM core_dynamic_data WHERE organization_id = ? AND entity_id = ?`, orgID, id); err != nil {
		return err
	}
	for _, a := range attrs {
		tx.record(domain.Change{Record: domain.RecordAttribute, Action: domain.ActionDelete, Before: a})
	}
	if _, err := tx.exec(`DELETE FROM core_entities WHERE organization_id = ? AND id = ?`, orgID, id); err != nil {
		return err
	}
	tx.record(domain.Change{Record: domain.RecordEntity, Action: domain.ActionDelete, Before: current})
	return nil
}

func (tx *transaction) findAttribute(orgID, entityID, field string) (domain.Attribute, bool, error) {
	var row attributeRow
	ok, err := tx.get(&row, `SELECT `+attributeColumns+` FROM core_dynamic_data
		WHERE organization_id = ? AND entity_id = ? AND field_name = ?`, orgID, entityID, field)
	if err != nil || !ok {
		return domain.Attribute{}, false, err
	}
	a, err := row.domain()
	return a, err == nil, err
}

// SetAttribute upserts on (organization, entity, field). Every slot column is
// rewritten so a type change leaves no stale value behind.
func (tx *transaction) SetAttribute(a domain.Attribute) (domain.Attribute, error) {
	if err := tx.requireEntity(a.OrganizationID, a.EntityID); err != nil {
		return domain.Attribute{}, err
	}
	if a.FieldName == "" || a.Value.IsZero() {
		return domain.Attribute{}, errors.New("attribute requires a field name and typed value")
	}
	prior, existed, err := tx.findAttribute(a.OrganizationID, a.EntityID, a.FieldName)
	if err != nil {
		return domain.Attribute{}, err
	}
	a.CreatedAt, a.UpdatedAt = tx.now, tx.now
	action := domain.ActionCreate
	if existed {
		a.CreatedAt = prior.CreatedAt
		action = domain.ActionUpdate
	}
	r := attributeRowOf(a)
	if _, err := tx.exec(`INSERT INTO core_dynamic_data (`+attributeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, entity_id, field_name) DO UPDATE SET
			field_type = excluded.field_type,
			field_value_text = excluded.field_value_text,
			field_value_number = excluded.field_value_number,
			field_value_boolean = excluded.field_value_boolean,
			field_value_date = excluded.field_value_date,
			field_value_json = excluded.field_value_json,
			taxonomy_code = excluded.taxonomy_code,
			updated_at = excluded.updated_at`,
		r.OrganizationID, r.EntityID, r.FieldName, r.FieldType, r.Text, r.Number, r.Boolean, r.Date, r.JSON,
		r.TaxonomyCode, r.CreatedAt, r.UpdatedAt); err != nil {
		return domain.Attribute{}, err
	}
	change := domain.Change{Record: domain.RecordAttribute, Action: action, After: a}
	if existed {
		change.Before = prior
	}
	tx.record(change)
	return a, nil
}

func (tx *transaction) DeleteAttribute(orgID, entityID, fieldName string) (bool, error) {
	prior, ok, err := tx.findAttribute(orgID, entityID, fieldName)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.exec(`DELETE FROM core_dynamic_data WHERE organization_id = ? AND entity_id = ? AND field_name = ?`,
		orgID, entityID, fieldName); err != nil {
		return false, err
	}
	tx.record(domain.Change{Record: domain.RecordAttribute, Action: domain.ActionDelete, Before: prior})
	return true, nil
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
	r.CreatedAt, r.UpdatedAt = tx.now, tx.now
	row := relationshipRowOf(r)
	if _, err := tx.exec(`INSERT INTO core_relationships (`+relationshipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.OrganizationID, row.FromEntityID, row.ToEntityID, row.RelationshipType, row.RelationshipData,
		row.TaxonomyCode, row.IsActive, row.ExpirationDate, row.CreatedAt, row.UpdatedAt); err != nil {
		return domain.Relationship{}, err
	}
	tx.record(domain.Change{Record: domain.RecordRelationship, Action: domain.ActionCreate, After: r})
	return r, nil
}

func (tx *transaction) UpdateRelationship(orgID, id string, mutator func(*domain.Relationship) error) (domain.Relationship, error) {
	current, ok, err := tx.FindRelationship(orgID, id)
	if err != nil {
		return domain.Relationship{}, err
	}
	if !ok {
		return domain.Relationship{}, domain.ErrNotFound{Record: domain.RecordRelationship, ID: id}
	}
	prior := current
	prior.RelationshipData = domain.CloneMap(current.RelationshipData)
	if err := mutator(&current); err != nil {
		return domain.Relationship{}, err
	}
	current.ID = id
	current.OrganizationID = prior.OrganizationID
	current.FromEntityID = prior.FromEntityID
	current.ToEntityID = prior.ToEntityID
	current.RelationshipType = prior.RelationshipType
	current.CreatedAt = prior.CreatedAt
	current.UpdatedAt = tx.now
	row := relationshipRowOf(current)
	if _, err := tx.exec(`UPDATE core_relationships SET relationship_data = ?, taxonomy_code = ?, is_active = ?,
		expiration_date = ?, updated_at = ? WHERE organization_id = ? AND id = ?`,
		row.RelationshipData, row.TaxonomyCode, row.IsActive, row.ExpirationDate, row.UpdatedAt, orgID, id); err != nil {
		return domain.Relationship{}, err
	}
	tx.record(domain.Change{Record: domain.RecordRelationship, Action: domain.ActionUpdate, Before: prior, After: current})
	return current, nil
}

// CreateTransaction writes the header and every line in the same database
// transaction; a failing line leaves no header behind.
func (tx *transaction) CreateTransaction(t domain.LedgerTransaction) (domain.LedgerTransaction, error) {
	t = t.Clone()
	h := &t.Header
	if err := tx.requireOrganization(h.OrganizationID); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if h.Status == "" {
		h.Status = domain.TransactionDraft
	}
	h.CreatedAt, h.UpdatedAt = tx.now, tx.now
	h.TransactionDate = h.TransactionDate.UTC()
	seen := make(map[int]bool, len(t.Lines))
	for _, l := range t.Lines {
		if seen[l.LineNumber] {
			return domain.LedgerTransaction{}, errors.Newf("transaction %s: duplicate line number %d", h.ID, l.LineNumber)
		}
		seen[l.LineNumber] = true
	}
	if _, err := tx.exec(`INSERT INTO universal_transactions (`+headerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.OrganizationID, h.TransactionType, h.TransactionCode, h.TransactionDate,
		nullString(h.SourceEntityID), nullString(h.TargetEntityID), h.TotalAmount, string(h.Status),
		h.TaxonomyCode, nullString(h.ReversalOf), jsonMap(h.Metadata), h.CreatedAt, h.UpdatedAt); err != nil {
		return domain.LedgerTransaction{}, err
	}
	for i := range t.Lines {
		l := &t.Lines[i]
		l.TransactionID = h.ID
		l.OrganizationID = h.OrganizationID
		if _, err := tx.exec(`INSERT INTO universal_transaction_lines (`+lineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.TransactionID, l.OrganizationID, l.LineNumber, nullString(l.EntityID), l.LineType,
			l.Quantity, l.UnitAmount, l.LineAmount, l.DiscountAmount, l.TaxAmount,
			string(l.PostingType), l.TaxonomyCode, jsonMap(l.Metadata)); err != nil {
			return domain.LedgerTransaction{}, errors.Wrapf(err, "line %d", l.LineNumber)
		}
	}
	t.SortLines()
	tx.record(domain.Change{Record: domain.RecordTransaction, Action: domain.ActionCreate, After: t.Clone()})
	return t, nil
}

func (tx *transaction) UpdateTransactionStatus(orgID, id string, status domain.TransactionStatus) (domain.TransactionHeader, error) {
	current, ok, err := tx.FindTransaction(orgID, id)
	if err != nil {
		return domain.TransactionHeader{}, err
	}
	if !ok {
		return domain.TransactionHeader{}, domain.ErrNotFound{Record: domain.RecordTransaction, ID: id}
	}
	prior := current.Clone()
	current.Header.Status = status
	current.Header.UpdatedAt = tx.now
	if _, err := tx.exec(`UPDATE universal_transactions SET status = ?, updated_at = ? WHERE organization_id = ? AND id = ?`,
		string(status), tx.now, orgID, id); err != nil {
		return domain.TransactionHeader{}, err
	}
	tx.record(domain.Change{Record: domain.RecordTransaction, Action: domain.ActionUpdate, Before: prior, After: current.Clone()})
	return current.Header, nil
}
