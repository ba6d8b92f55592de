package core

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"erpcore/pkg/domain"
)

// Verb is a dispatcher action.
type Verb string

const (
	VerbCreate Verb = "CREATE"
	VerbRead   Verb = "READ"
	VerbUpdate Verb = "UPDATE"
	VerbDelete Verb = "DELETE"
	VerbQuery  Verb = "QUERY"
)

// Aggregate names a dispatcher entry point.
type Aggregate string

const (
	AggregateEntities      Aggregate = "entities"
	AggregateRelationships Aggregate = "relationships"
	AggregateTransactions  Aggregate = "transactions"
)

// DefaultVersion is used when a request names no version.
const DefaultVersion = "v1"

// CodePayloadInvalid reports a request fragment that could not be decoded.
const CodePayloadInvalid = "PAYLOAD-INVALID"

// Request is the action-based call contract shared by every aggregate.
type Request struct {
	Version        string                  `json:"version,omitempty"`
	Aggregate      Aggregate               `json:"aggregate,omitempty"`
	Action         Verb                    `json:"action"`
	ActorUserID    string                  `json:"actor_user_id,omitempty"`
	OrganizationID string                  `json:"organization_id"`
	Entity         *EntityPayload          `json:"entity,omitempty"`
	Relationship   *RelationshipPayload    `json:"relationship,omitempty"`
	Transaction    *TransactionPayload     `json:"transaction,omitempty"`
	DynamicFields  map[string]DynamicField `json:"dynamic_fields,omitempty"`
	Relationships  []RelationshipPayload   `json:"relationships,omitempty"`
	Filters        *Filters                `json:"filters,omitempty"`
	Options        Options                 `json:"options,omitempty"`
}

func (r Request) scope() Scope {
	return Scope{OrganizationID: r.OrganizationID, ActorID: r.ActorUserID}
}

// EntityPayload carries core entity fields. Pointer fields distinguish
// "leave unchanged" from "set empty" on UPDATE.
type EntityPayload struct {
	ID           string         `json:"id,omitempty"`
	EntityType   string         `json:"entity_type,omitempty"`
	EntityName   *string        `json:"entity_name,omitempty"`
	EntityCode   *string        `json:"entity_code,omitempty"`
	TaxonomyCode *string        `json:"taxonomy_code,omitempty"`
	Status       *string        `json:"status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RelationshipPayload carries one edge. In an entity bundle an empty
// from_entity_id means the entity being written.
type RelationshipPayload struct {
	ID               string         `json:"id,omitempty"`
	FromEntityID     string         `json:"from_entity_id,omitempty"`
	ToEntityID       string         `json:"to_entity_id,omitempty"`
	RelationshipType string         `json:"relationship_type,omitempty"`
	RelationshipData map[string]any `json:"relationship_data,omitempty"`
	TaxonomyCode     string         `json:"taxonomy_code,omitempty"`
	ExpirationDate   string         `json:"expiration_date,omitempty"`
}

// TransactionPayload carries a header and its lines. Any total_amount sent by
// the caller is ignored; totals are derived from the lines.
type TransactionPayload struct {
	ID              string         `json:"id,omitempty"`
	TransactionType string         `json:"transaction_type,omitempty"`
	TransactionCode string         `json:"transaction_code,omitempty"`
	TransactionDate string         `json:"transaction_date,omitempty"`
	SourceEntityID  string         `json:"source_entity_id,omitempty"`
	TargetEntityID  string         `json:"target_entity_id,omitempty"`
	Status          string         `json:"status,omitempty"`
	TaxonomyCode    string         `json:"taxonomy_code,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Lines           []LinePayload  `json:"lines,omitempty"`
}

// LinePayload is one transaction line.
type LinePayload struct {
	LineNumber     int             `json:"line_number,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	LineType       string          `json:"line_type,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitAmount     decimal.Decimal `json:"unit_amount"`
	LineAmount     decimal.Decimal `json:"line_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	PostingType    string          `json:"posting_type,omitempty"`
	TaxonomyCode   string          `json:"taxonomy_code,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// DynamicField is one typed attribute value. A bare JSON value is accepted
// as shorthand and its type inferred.
type DynamicField struct {
	Type         domain.ValueType `json:"type,omitempty"`
	Value        json.RawMessage  `json:"value"`
	TaxonomyCode string           `json:"taxonomy_code,omitempty"`
}

// UnmarshalJSON accepts both {"type","value","taxonomy_code"} and a bare value.
func (f *DynamicField) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if raw, ok := probe["value"]; ok {
			type plain DynamicField
			var p plain
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return err
			}
			p.Value = raw
			*f = DynamicField(p)
			return nil
		}
	}
	*f = DynamicField{Value: append(json.RawMessage(nil), trimmed...)}
	return nil
}

// Filters narrows READ and QUERY calls. Only the fields relevant to the
// addressed aggregate are consulted.
type Filters struct {
	ID               string `json:"id,omitempty"`
	EntityType       string `json:"entity_type,omitempty"`
	EntityCode       string `json:"entity_code,omitempty"`
	Status           string `json:"status,omitempty"`
	NameContains     string `json:"name_contains,omitempty"`
	TaxonomyCode     string `json:"taxonomy_code,omitempty"`
	IncludeArchived  bool   `json:"include_archived,omitempty"`
	FromEntityID     string `json:"from_entity_id,omitempty"`
	ToEntityID       string `json:"to_entity_id,omitempty"`
	EntityID         string `json:"entity_id,omitempty"`
	Direction        string `json:"direction,omitempty"`
	RelationshipType string `json:"relationship_type,omitempty"`
	TransactionType  string `json:"transaction_type,omitempty"`
	DateFrom         string `json:"date_from,omitempty"`
	DateTo           string `json:"date_to,omitempty"`
}

// Options carries pagination, eager-load flags and per-call switches.
type Options struct {
	Limit                int      `json:"limit,omitempty"`
	Offset               int      `json:"offset,omitempty"`
	IncludeDynamic       bool     `json:"include_dynamic,omitempty"`
	IncludeRelationships bool     `json:"include_relationships,omitempty"`
	IncludeInactive      bool     `json:"include_inactive,omitempty"`
	ResolveExisting      bool     `json:"resolve_existing,omitempty"`
	HardDelete           bool     `json:"hard_delete,omitempty"`
	ActiveOnly           *bool    `json:"active_only,omitempty"`
	RemoveFields         []string `json:"remove_fields,omitempty"`
}

func (o Options) page() domain.Page {
	return domain.Page{Limit: o.Limit, Offset: o.Offset}
}

func (o Options) include() Include {
	return Include{
		Dynamic:          o.IncludeDynamic,
		Relationships:    o.IncludeRelationships,
		AllRelationships: o.IncludeRelationships && o.IncludeInactive,
	}
}

func (o Options) activeOnly() bool {
	if o.ActiveOnly == nil {
		return !o.IncludeInactive
	}
	return *o.ActiveOnly
}

// Response is the action-based reply shape.
type Response struct {
	Success     bool               `json:"success"`
	Data        *ResponseData      `json:"data,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrorCode   string             `json:"error_code,omitempty"`
	ErrorKind   domain.ErrorKind   `json:"error_kind,omitempty"`
	ErrorDetail string             `json:"error_detail,omitempty"`
	ErrorHint   string             `json:"error_hint,omitempty"`
	Violations  []domain.Violation `json:"violations,omitempty"`
}

// ResponseData holds either a single item or a list, plus any non-blocking
// guardrail findings of the call.
type ResponseData struct {
	Item     any                `json:"item,omitempty"`
	List     any                `json:"list,omitempty"`
	Created  *bool              `json:"created,omitempty"`
	Warnings []domain.Violation `json:"warnings,omitempty"`
}

// payloadErrors collects decode problems so they are reported together.
type payloadErrors []domain.Violation

func (p *payloadErrors) add(field, msg string) {
	*p = append(*p, domain.Violation{Code: CodePayloadInvalid, Severity: domain.SeverityBlock, Field: field, Message: msg})
}

func (p payloadErrors) err() error {
	if len(p) == 0 {
		return nil
	}
	return domain.ValidationError{Violations: p}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseTime(errs *payloadErrors, field, raw string) *time.Time {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	t, err := domain.ParseDate(raw)
	if err != nil {
		errs.add(field, err.Error())
		return nil
	}
	return &t
}

func (r Request) attributes(errs *payloadErrors) []domain.Attribute {
	names := make([]string, 0, len(r.DynamicFields))
	for name := range r.DynamicFields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.Attribute, 0, len(names))
	for _, name := range names {
		f := r.DynamicFields[name]
		var v domain.Value
		if len(f.Value) > 0 && !bytes.Equal(bytes.TrimSpace(f.Value), []byte("null")) {
			parsed, err := domain.ParseValue(f.Type, f.Value)
			if err != nil {
				errs.add("dynamic_fields."+name, err.Error())
				continue
			}
			v = parsed
		}
		out = append(out, domain.Attribute{FieldName: name, Value: v, TaxonomyCode: f.TaxonomyCode})
	}
	return out
}

func (r Request) relationshipInputs() []RelationshipInput {
	out := make([]RelationshipInput, 0, len(r.Relationships))
	for _, p := range r.Relationships {
		out = append(out, p.input())
	}
	return out
}

func (p RelationshipPayload) input() RelationshipInput {
	return RelationshipInput{
		FromEntityID:     p.FromEntityID,
		ToEntityID:       p.ToEntityID,
		RelationshipType: p.RelationshipType,
		RelationshipData: p.RelationshipData,
		TaxonomyCode:     p.TaxonomyCode,
	}
}

func (r Request) entityInput(errs *payloadErrors) EntityInput {
	p := r.Entity
	if p == nil {
		p = &EntityPayload{}
	}
	return EntityInput{
		Entity: domain.Entity{
			EntityType:   p.EntityType,
			EntityName:   deref(p.EntityName),
			EntityCode:   deref(p.EntityCode),
			TaxonomyCode: deref(p.TaxonomyCode),
			Status:       domain.EntityStatus(deref(p.Status)),
			Metadata:     p.Metadata,
		},
		Attributes:      r.attributes(errs),
		Relationships:   r.relationshipInputs(),
		ResolveExisting: r.Options.ResolveExisting,
	}
}

func (r Request) entityUpdate(errs *payloadErrors) EntityUpdate {
	p := r.Entity
	if p == nil {
		p = &EntityPayload{}
	}
	patch := domain.EntityPatch{
		EntityName:   p.EntityName,
		EntityCode:   p.EntityCode,
		TaxonomyCode: p.TaxonomyCode,
		Metadata:     p.Metadata,
	}
	if p.Status != nil {
		st := domain.EntityStatus(*p.Status)
		patch.Status = &st
	}
	id := p.ID
	if id == "" && r.Filters != nil {
		id = r.Filters.ID
	}
	return EntityUpdate{
		ID:            id,
		Patch:         patch,
		Attributes:    r.attributes(errs),
		RemoveFields:  r.Options.RemoveFields,
		Relationships: r.relationshipInputs(),
	}
}

// targetID picks the addressed record id from the aggregate payload, falling
// back to filters.id.
func (r Request) targetID() string {
	switch {
	case r.Entity != nil && r.Entity.ID != "":
		return r.Entity.ID
	case r.Relationship != nil && r.Relationship.ID != "":
		return r.Relationship.ID
	case r.Transaction != nil && r.Transaction.ID != "":
		return r.Transaction.ID
	case r.Filters != nil:
		return r.Filters.ID
	}
	return ""
}

func (r Request) entityFilter() domain.EntityFilter {
	f := domain.EntityFilter{Page: r.Options.page()}
	if r.Filters != nil {
		f.EntityType = r.Filters.EntityType
		f.EntityCode = r.Filters.EntityCode
		f.Status = domain.EntityStatus(r.Filters.Status)
		f.NameContains = r.Filters.NameContains
		f.TaxonomyCode = r.Filters.TaxonomyCode
		f.IncludeArchived = r.Filters.IncludeArchived
	}
	return f
}

func (r Request) relationshipFilter() domain.RelationshipFilter {
	f := domain.RelationshipFilter{Page: r.Options.page(), ActiveOnly: r.Options.activeOnly()}
	if r.Filters != nil {
		f.FromEntityID = r.Filters.FromEntityID
		f.ToEntityID = r.Filters.ToEntityID
		f.EntityID = r.Filters.EntityID
		f.Direction = domain.Direction(strings.ToLower(r.Filters.Direction))
		f.RelationshipType = r.Filters.RelationshipType
	}
	return f
}

func (r Request) transactionFilter(errs *payloadErrors) domain.TransactionFilter {
	f := domain.TransactionFilter{Page: r.Options.page()}
	if r.Filters != nil {
		f.TransactionType = r.Filters.TransactionType
		f.TaxonomyCode = r.Filters.TaxonomyCode
		f.Status = domain.TransactionStatus(r.Filters.Status)
		f.EntityID = r.Filters.EntityID
		f.From = parseTime(errs, "filters.date_from", r.Filters.DateFrom)
		f.To = parseTime(errs, "filters.date_to", r.Filters.DateTo)
	}
	return f
}

func (r Request) ledgerTransaction(errs *payloadErrors) domain.LedgerTransaction {
	p := r.Transaction
	if p == nil {
		p = &TransactionPayload{}
	}
	t := domain.LedgerTransaction{Header: domain.TransactionHeader{
		TransactionType: p.TransactionType,
		TransactionCode: p.TransactionCode,
		SourceEntityID:  p.SourceEntityID,
		TargetEntityID:  p.TargetEntityID,
		Status:          domain.TransactionStatus(p.Status),
		TaxonomyCode:    p.TaxonomyCode,
		Metadata:        p.Metadata,
	}}
	if at := parseTime(errs, "transaction.transaction_date", p.TransactionDate); at != nil {
		t.Header.TransactionDate = *at
	}
	for _, l := range p.Lines {
		t.Lines = append(t.Lines, domain.TransactionLine{
			LineNumber:     l.LineNumber,
			EntityID:       l.EntityID,
			LineType:       l.LineType,
			Quantity:       l.Quantity,
			UnitAmount:     l.UnitAmount,
			LineAmount:     l.LineAmount,
			DiscountAmount: l.DiscountAmount,
			TaxAmount:      l.TaxAmount,
			PostingType:    domain.PostingType(strings.ToLower(l.PostingType)),
			TaxonomyCode:   l.TaxonomyCode,
			Metadata:       l.Metadata,
		})
	}
	return t
}
