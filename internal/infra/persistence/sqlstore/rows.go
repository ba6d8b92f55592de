package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"erpcore/pkg/domain"
)

// jsonMap stores metadata maps as JSON text. An empty document reads back as nil.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *jsonMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Newf("cannot scan %T into a JSON map", src)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return errors.Wrap(err, "decode JSON map")
	}
	if len(out) == 0 {
		out = nil
	}
	*m = out
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type organizationRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"organization_name"`
	Code      string    `db:"organization_code"`
	Status    string    `db:"status"`
	Metadata  jsonMap   `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const organizationColumns = `id, organization_name, organization_code, status, metadata, created_at, updated_at`

func (r organizationRow) domain() domain.Organization {
	return domain.Organization{
		Base:     domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		Name:     r.Name,
		Code:     r.Code,
		Status:   domain.OrganizationStatus(r.Status),
		Metadata: r.Metadata,
	}
}

type entityRow struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"organization_id"`
	EntityType     string    `db:"entity_type"`
	EntityName     string    `db:"entity_name"`
	NormalizedName string    `db:"normalized_name"`
	EntityCode     string    `db:"entity_code"`
	TaxonomyCode   string    `db:"taxonomy_code"`
	Status         string    `db:"status"`
	Metadata       jsonMap   `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const entityColumns = `id, organization_id, entity_type, entity_name, normalized_name, entity_code, taxonomy_code, status, metadata, created_at, updated_at`

func (r entityRow) domain() domain.Entity {
	return domain.Entity{
		Base:           domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		OrganizationID: r.OrganizationID,
		EntityType:     r.EntityType,
		EntityName:     r.EntityName,
		EntityCode:     r.EntityCode,
		TaxonomyCode:   r.TaxonomyCode,
		Status:         domain.EntityStatus(r.Status),
		Metadata:       r.Metadata,
	}
}

// attributeRow keeps one typed slot per value type; exactly one is set.
type attributeRow struct {
	OrganizationID string              `db:"organization_id"`
	EntityID       string              `db:"entity_id"`
	FieldName      string              `db:"field_name"`
	FieldType      string              `db:"field_type"`
	Text           sql.NullString      `db:"field_value_text"`
	Number         decimal.NullDecimal `db:"field_value_number"`
	Boolean        sql.NullBool        `db:"field_value_boolean"`
	Date           sql.NullTime        `db:"field_value_date"`
	JSON           sql.NullString      `db:"field_value_json"`
	TaxonomyCode   string              `db:"taxonomy_code"`
	CreatedAt      time.Time           `db:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
}

const attributeColumns = `organization_id, entity_id, field_name, field_type, field_value_text, field_value_number, field_value_boolean, field_value_date, field_value_json, taxonomy_code, created_at, updated_at`

func attributeRowOf(a domain.Attribute) attributeRow {
	r := attributeRow{
		OrganizationID: a.OrganizationID,
		EntityID:       a.EntityID,
		FieldName:      a.FieldName,
		FieldType:      string(a.Value.Type()),
		TaxonomyCode:   a.TaxonomyCode,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	switch a.Value.Type() {
	case domain.ValueText:
		s, _ := a.Value.Text()
		r.Text = sql.NullString{String: s, Valid: true}
	case domain.ValueNumber:
		d, _ := a.Value.Number()
		r.Number = decimal.NullDecimal{Decimal: d, Valid: true}
	case domain.ValueBoolean:
		b, _ := a.Value.Bool()
		r.Boolean = sql.NullBool{Bool: b, Valid: true}
	case domain.ValueDate:
		t, _ := a.Value.Date()
		r.Date = sql.NullTime{Time: t, Valid: true}
	case domain.ValueJSON:
		raw, _ := a.Value.JSON()
		r.JSON = sql.NullString{String: string(raw), Valid: true}
	}
	return r
}

func (r attributeRow) domain() (domain.Attribute, error) {
	a := domain.Attribute{
		OrganizationID: r.OrganizationID,
		EntityID:       r.EntityID,
		FieldName:      r.FieldName,
		TaxonomyCode:   r.TaxonomyCode,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	switch domain.ValueType(r.FieldType) {
	case domain.ValueText:
		a.Value = domain.TextValue(r.Text.String)
	case domain.ValueNumber:
		a.Value = domain.NumberValue(r.Number.Decimal)
	case domain.ValueBoolean:
		a.Value = domain.BoolValue(r.Boolean.Bool)
	case domain.ValueDate:
		a.Value = domain.DateValue(r.Date.Time)
	case domain.ValueJSON:
		a.Value = domain.JSONValue(json.RawMessage(r.JSON.String))
	default:
		return domain.Attribute{}, errors.Newf("attribute %s of entity %s has unknown type %q", r.FieldName, r.EntityID, r.FieldType)
	}
	return a, nil
}

type relationshipRow struct {
	ID               string       `db:"id"`
	OrganizationID   string       `db:"organization_id"`
	FromEntityID     string       `db:"from_entity_id"`
	ToEntityID       string       `db:"to_entity_id"`
	RelationshipType string       `db:"relationship_type"`
	RelationshipData jsonMap      `db:"relationship_data"`
	TaxonomyCode     string       `db:"taxonomy_code"`
	IsActive         bool         `db:"is_active"`
	ExpirationDate   sql.NullTime `db:"expiration_date"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

const relationshipColumns = `id, organization_id, from_entity_id, to_entity_id, relationship_type, relationship_data, taxonomy_code, is_active, expiration_date, created_at, updated_at`

func relationshipRowOf(r domain.Relationship) relationshipRow {
	active, exp := r.Lifecycle.Columns()
	row := relationshipRow{
		ID:               r.ID,
		OrganizationID:   r.OrganizationID,
		FromEntityID:     r.FromEntityID,
		ToEntityID:       r.ToEntityID,
		RelationshipType: r.RelationshipType,
		RelationshipData: r.RelationshipData,
		TaxonomyCode:     r.TaxonomyCode,
		IsActive:         active,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if exp != nil {
		row.ExpirationDate = sql.NullTime{Time: exp.UTC(), Valid: true}
	}
	return row
}

func (r relationshipRow) domain() domain.Relationship {
	var exp *time.Time
	if r.ExpirationDate.Valid {
		t := r.ExpirationDate.Time.UTC()
		exp = &t
	}
	return domain.Relationship{
		Base:             domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		OrganizationID:   r.OrganizationID,
		FromEntityID:     r.FromEntityID,
		ToEntityID:       r.ToEntityID,
		RelationshipType: r.RelationshipType,
		RelationshipData: r.RelationshipData,
		TaxonomyCode:     r.TaxonomyCode,
		Lifecycle:        domain.LifecycleFromColumns(r.IsActive, exp),
	}
}

type headerRow struct {
	ID              string          `db:"id"`
	OrganizationID  string          `db:"organization_id"`
	TransactionType string          `db:"transaction_type"`
	TransactionCode string          `db:"transaction_code"`
	TransactionDate time.Time       `db:"transaction_date"`
	SourceEntityID  sql.NullString  `db:"source_entity_id"`
	TargetEntityID  sql.NullString  `db:"target_entity_id"`
	TotalAmount     decimal.Decimal `db:"total_amount"`
	Status          string          `db:"status"`
	TaxonomyCode    string          `db:"taxonomy_code"`
	ReversalOf      sql.NullString  `db:"reversal_of"`
	Metadata        jsonMap         `db:"metadata"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

const headerColumns = `id, organization_id, transaction_type, transaction_code, transaction_date, source_entity_id, target_entity_id, total_amount, status, taxonomy_code, reversal_of, metadata, created_at, updated_at`

func (r headerRow) domain() domain.TransactionHeader {
	return domain.TransactionHeader{
		Base:            domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		OrganizationID:  r.OrganizationID,
		TransactionType: r.TransactionType,
		TransactionCode: r.TransactionCode,
		TransactionDate: r.TransactionDate.UTC(),
		SourceEntityID:  r.SourceEntityID.String,
		TargetEntityID:  r.TargetEntityID.String,
		TotalAmount:     r.TotalAmount,
		Status:          domain.TransactionStatus(r.Status),
		TaxonomyCode:    r.TaxonomyCode,
		ReversalOf:      r.ReversalOf.String,
		Metadata:        r.Metadata,
	}
}

type lineRow struct {
	TransactionID  string          `db:"transaction_id"`
	OrganizationID string          `db:"organization_id"`
	LineNumber     int             `db:"line_number"`
	EntityID       sql.NullString  `db:"entity_id"`
	LineType       string          `db:"line_type"`
	Quantity       decimal.Decimal `db:"quantity"`
	UnitAmount     decimal.Decimal `db:"unit_amount"`
	LineAmount     decimal.Decimal `db:"line_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	TaxAmount      decimal.Decimal `db:"tax_amount"`
	PostingType    string          `db:"posting_type"`
	TaxonomyCode   string          `db:"taxonomy_code"`
	Metadata       jsonMap         `db:"metadata"`
}

const lineColumns = `transaction_id, organization_id, line_number, entity_id, line_type, quantity, unit_amount, line_amount, discount_amount, tax_amount, posting_type, taxonomy_code, metadata`

func (r lineRow) domain() domain.TransactionLine {
	return domain.TransactionLine{
		TransactionID:  r.TransactionID,
		OrganizationID: r.OrganizationID,
		LineNumber:     r.LineNumber,
		EntityID:       r.EntityID.String,
		LineType:       r.LineType,
		Quantity:       r.Quantity,
		UnitAmount:     r.UnitAmount,
		LineAmount:     r.LineAmount,
		DiscountAmount: r.DiscountAmount,
		TaxAmount:      r.TaxAmount,
		PostingType:    domain.PostingType(r.PostingType),
		TaxonomyCode:   r.TaxonomyCode,
		Metadata:       r.Metadata,
	}
}
