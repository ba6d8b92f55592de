// Package guardrail implements the pre-commit validation layer. Every check
// is pure: it inspects a proposed write and reports violations without
// touching any store.
package guardrail

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"erpcore/pkg/domain"
)

// Violation codes.
const (
	CodeOrgFilterRequired   = "ORG-FILTER-REQUIRED"
	CodeSmartcodePresent    = "SMARTCODE-PRESENT"
	CodeTxnHeaderRequired   = "TXN-HEADER-REQUIRED"
	CodeTxnLineRequired     = "TXN-LINE-REQUIRED"
	CodeGLBalanced          = "GL-BALANCED"
	CodePostingTypeRequired = "POSTING-TYPE-REQUIRED"
	CodeLineNumberUnique    = "LINE-NUMBER-UNIQUE"
	CodeTxnStatusInvalid    = "TXN-STATUS-INVALID"
	CodeEntityTypeRequired  = "ENTITY-TYPE-REQUIRED"
	CodeEntityNameRequired  = "ENTITY-NAME-REQUIRED"
	CodeEntityIDRequired    = "ENTITY-ID-REQUIRED"
	CodeEntityStatusInvalid = "ENTITY-STATUS-INVALID"
	CodeFieldNameRequired   = "FIELD-NAME-REQUIRED"
	CodeFieldValueRequired  = "FIELD-VALUE-REQUIRED"
	CodeFieldTypeMismatch   = "FIELD-TYPE-MISMATCH"
	CodeFieldRequired       = "FIELD-REQUIRED"
	CodeFieldUnknown        = "FIELD-UNKNOWN"
	CodeRelFromRequired     = "REL-FROM-REQUIRED"
	CodeRelToRequired       = "REL-TO-REQUIRED"
	CodeRelTypeRequired     = "REL-TYPE-REQUIRED"
	CodeRelIDRequired       = "REL-ID-REQUIRED"
	CodeTxnIDRequired       = "TXN-ID-REQUIRED"
	CodeOrganizationName    = "ORG-NAME-REQUIRED"
)

// Mode selects whether non-financial violations block the write.
type Mode string

const (
	ModeWarn    Mode = "warn"
	ModeEnforce Mode = "enforce"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeWarn:
		return ModeWarn, nil
	case ModeEnforce, "":
		return ModeEnforce, nil
	}
	return "", errors.Newf("unknown guardrail mode %q", s)
}

// DefaultTolerance absorbs rounding in debit/credit comparisons.
var DefaultTolerance = decimal.New(1, -2)

// DefaultFinancialSegments marks taxonomy codes that denote GL postings.
var DefaultFinancialSegments = []string{"GL"}

// Policy is the deployment-time guardrail configuration.
type Policy struct {
	Mode              Mode
	FinancialSegments []string
	Tolerance         decimal.Decimal
	Schemas           *SchemaSet
}

// DefaultPolicy enforces every check with the default GL settings.
func DefaultPolicy() Policy {
	return Policy{
		Mode:              ModeEnforce,
		FinancialSegments: append([]string(nil), DefaultFinancialSegments...),
		Tolerance:         DefaultTolerance,
		Schemas:           NewSchemaSet(),
	}
}

// IsFinancial reports whether a taxonomy code denotes a GL posting under p.
func (p Policy) IsFinancial(code string) bool {
	return domain.IsFinancial(code, p.segments())
}

func (p Policy) segments() []string {
	if len(p.FinancialSegments) == 0 {
		return DefaultFinancialSegments
	}
	return p.FinancialSegments
}

func (p Policy) tolerance() decimal.Decimal {
	if p.Tolerance.IsZero() || p.Tolerance.IsNegative() {
		return DefaultTolerance
	}
	return p.Tolerance
}

// EventKind names the aggregate a proposed write targets.
type EventKind string

const (
	EventOrganization EventKind = "organization"
	EventEntity       EventKind = "entity"
	EventAttribute    EventKind = "attribute"
	EventRelationship EventKind = "relationship"
	EventTransaction  EventKind = "transaction"
)

// Event is a proposed write. Only the payload matching Kind is inspected.
type Event struct {
	Kind           EventKind
	Action         domain.Action
	OrganizationID string

	Organization *domain.Organization
	Entity       *domain.Entity
	Patch        *domain.EntityPatch
	// EntityType scopes schema checks for attribute-only writes.
	EntityType   string
	Attributes   []domain.Attribute
	Relationship *domain.Relationship
	Transaction  *domain.LedgerTransaction
	// TargetID names the record an update or delete addresses.
	TargetID string
	// Status is the requested status of a transaction update.
	Status domain.TransactionStatus
}

// Preflight runs every applicable check and returns all findings together.
// Severity reflects the policy mode: tenant scope and financial checks always
// block, the rest block only in enforce mode.
func (p Policy) Preflight(ev Event) []domain.Violation {
	var found []finding
	if ev.Kind != EventOrganization && strings.TrimSpace(ev.OrganizationID) == "" {
		found = append(found, finding{always: true, v: domain.Violation{
			Code: CodeOrgFilterRequired, Message: "organization_id is required", Field: "organization_id",
		}})
	}
	switch ev.Kind {
	case EventOrganization:
		found = append(found, p.checkOrganization(ev)...)
	case EventEntity:
		found = append(found, p.checkEntity(ev)...)
	case EventAttribute:
		found = append(found, p.checkAttributes(ev.Action, ev.EntityType, ev.Attributes, "")...)
	case EventRelationship:
		found = append(found, p.checkRelationship(ev)...)
	case EventTransaction:
		found = append(found, p.checkTransaction(ev)...)
	}
	return p.assign(ev.Kind, found)
}

// PreflightSchema runs only the entity-type schema checks. Callers use it for
// updates whose entity type is known only after the structural checks passed.
func (p Policy) PreflightSchema(entityType string, action domain.Action, attrs []domain.Attribute) []domain.Violation {
	if p.Schemas == nil || action == domain.ActionDelete {
		return nil
	}
	return p.assign(EventAttribute, p.Schemas.check(entityType, action, attrs, "dynamic_fields."))
}

func (p Policy) assign(kind EventKind, found []finding) []domain.Violation {
	out := make([]domain.Violation, 0, len(found))
	for _, f := range found {
		v := f.v
		v.Record = recordOf(kind, v.Record)
		switch {
		case f.always:
			v.Severity = domain.SeverityBlock
		case f.advisory:
			v.Severity = domain.SeverityLog
		case p.Mode != ModeWarn:
			v.Severity = domain.SeverityBlock
		default:
			v.Severity = domain.SeverityWarn
		}
		out = append(out, v)
	}
	return out
}

// finding is a violation before severity assignment.
type finding struct {
	v domain.Violation
	// always blocks regardless of mode.
	always bool
	// advisory never blocks, even in enforce mode.
	advisory bool
}

func recordOf(kind EventKind, explicit domain.RecordKind) domain.RecordKind {
	if explicit != "" {
		return explicit
	}
	switch kind {
	case EventOrganization:
		return domain.RecordOrganization
	case EventEntity:
		return domain.RecordEntity
	case EventAttribute:
		return domain.RecordAttribute
	case EventRelationship:
		return domain.RecordRelationship
	case EventTransaction:
		return domain.RecordTransaction
	}
	return ""
}

func smartcode(code, field string) []finding {
	if domain.ValidTaxonomyCode(code) {
		return nil
	}
	msg := "taxonomy code is required"
	if code != "" {
		msg = fmt.Sprintf("taxonomy code %q does not match PREFIX.SEGMENT+.v<digits>", code)
	}
	return []finding{{v: domain.Violation{Code: CodeSmartcodePresent, Message: msg, Field: field}}}
}

func required(code, field string, present bool) []finding {
	if present {
		return nil
	}
	return []finding{{v: domain.Violation{Code: code, Message: field + " is required", Field: field}}}
}

func (p Policy) checkOrganization(ev Event) []finding {
	if ev.Organization == nil {
		return required(CodeOrganizationName, "organization_name", false)
	}
	return required(CodeOrganizationName, "organization_name", strings.TrimSpace(ev.Organization.Name) != "")
}

func (p Policy) checkEntity(ev Event) []finding {
	var out []finding
	switch ev.Action {
	case domain.ActionCreate:
		e := ev.Entity
		if e == nil {
			e = &domain.Entity{}
		}
		out = append(out, required(CodeEntityTypeRequired, "entity_type", strings.TrimSpace(e.EntityType) != "")...)
		out = append(out, required(CodeEntityNameRequired, "entity_name", strings.TrimSpace(e.EntityName) != "")...)
		out = append(out, smartcode(e.TaxonomyCode, "taxonomy_code")...)
		if e.Status != "" && !e.Status.Valid() {
			out = append(out, invalidStatus(e.Status))
		}
		out = append(out, p.checkAttributes(ev.Action, e.EntityType, ev.Attributes, "dynamic_fields.")...)
	case domain.ActionUpdate:
		out = append(out, required(CodeEntityIDRequired, "id", ev.TargetID != "")...)
		if patch := ev.Patch; patch != nil {
			if patch.EntityName != nil {
				out = append(out, required(CodeEntityNameRequired, "entity_name", strings.TrimSpace(*patch.EntityName) != "")...)
			}
			if patch.TaxonomyCode != nil {
				out = append(out, smartcode(*patch.TaxonomyCode, "taxonomy_code")...)
			}
			if patch.Status != nil && !patch.Status.Valid() {
				out = append(out, invalidStatus(*patch.Status))
			}
		}
		out = append(out, p.checkAttributes(ev.Action, ev.EntityType, ev.Attributes, "dynamic_fields.")...)
	case domain.ActionDelete:
		out = append(out, required(CodeEntityIDRequired, "id", ev.TargetID != "")...)
	}
	return out
}

func invalidStatus(s domain.EntityStatus) finding {
	return finding{v: domain.Violation{
		Code: CodeEntityStatusInvalid, Message: fmt.Sprintf("status %q is not an entity status", s), Field: "status",
	}}
}

func (p Policy) checkAttributes(action domain.Action, entityType string, attrs []domain.Attribute, prefix string) []finding {
	var out []finding
	for _, a := range attrs {
		if strings.TrimSpace(a.FieldName) == "" {
			out = append(out, finding{v: domain.Violation{
				Code: CodeFieldNameRequired, Message: "field_name is required", Field: prefix + "field_name",
				Record: domain.RecordAttribute,
			}})
			continue
		}
		field := prefix + a.FieldName
		if action != domain.ActionDelete && a.Value.IsZero() {
			out = append(out, finding{v: domain.Violation{
				Code: CodeFieldValueRequired, Message: "field value is required", Field: field,
				Record: domain.RecordAttribute,
			}})
		}
		if a.TaxonomyCode != "" {
			for _, f := range smartcode(a.TaxonomyCode, field+".taxonomy_code") {
				f.v.Record = domain.RecordAttribute
				out = append(out, f)
			}
		}
	}
	if p.Schemas != nil && action != domain.ActionDelete {
		out = append(out, p.Schemas.check(entityType, action, attrs, prefix)...)
	}
	return out
}

func (p Policy) checkRelationship(ev Event) []finding {
	var out []finding
	switch ev.Action {
	case domain.ActionCreate:
		r := ev.Relationship
		if r == nil {
			r = &domain.Relationship{}
		}
		out = append(out, required(CodeRelFromRequired, "from_entity_id", r.FromEntityID != "")...)
		out = append(out, required(CodeRelToRequired, "to_entity_id", r.ToEntityID != "")...)
		out = append(out, required(CodeRelTypeRequired, "relationship_type", strings.TrimSpace(r.RelationshipType) != "")...)
		out = append(out, smartcode(r.TaxonomyCode, "taxonomy_code")...)
	case domain.ActionUpdate, domain.ActionDelete:
		out = append(out, required(CodeRelIDRequired, "id", ev.TargetID != "")...)
	}
	return out
}

func (p Policy) checkTransaction(ev Event) []finding {
	switch ev.Action {
	case domain.ActionCreate:
		txn := ev.Transaction
		if txn == nil {
			txn = &domain.LedgerTransaction{}
		}
		return p.checkLedger(*txn)
	case domain.ActionUpdate:
		out := required(CodeTxnIDRequired, "id", ev.TargetID != "")
		if !ev.Status.Valid() {
			out = append(out, finding{v: domain.Violation{
				Code: CodeTxnStatusInvalid, Message: fmt.Sprintf("status %q is not a transaction status", ev.Status), Field: "status",
			}})
		}
		return out
	}
	return nil
}

func (p Policy) checkLedger(txn domain.LedgerTransaction) []finding {
	h := txn.Header
	financial := p.IsFinancial(h.TaxonomyCode)
	var out []finding
	out = append(out, required(CodeTxnHeaderRequired, "transaction_type", strings.TrimSpace(h.TransactionType) != "")...)
	out = append(out, required(CodeTxnHeaderRequired, "transaction_date", !h.TransactionDate.IsZero())...)
	out = append(out, smartcode(h.TaxonomyCode, "taxonomy_code")...)
	if len(txn.Lines) == 0 {
		out = append(out, finding{v: domain.Violation{
			Code: CodeTxnLineRequired, Message: "at least one transaction line is required", Field: "lines",
		}})
	}

	seen := make(map[int]bool, len(txn.Lines))
	for i, l := range txn.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if l.LineNumber <= 0 || seen[l.LineNumber] {
			out = append(out, finding{v: domain.Violation{
				Code: CodeLineNumberUnique, Message: fmt.Sprintf("line_number %d must be positive and unique", l.LineNumber),
				Field: field + ".line_number", Record: domain.RecordTransactionLine,
			}})
		}
		seen[l.LineNumber] = true
		if l.TaxonomyCode != "" {
			for _, f := range smartcode(l.TaxonomyCode, field+".taxonomy_code") {
				f.v.Record = domain.RecordTransactionLine
				out = append(out, f)
			}
		}
		if financial && !l.PostingType.Valid() {
			out = append(out, finding{always: true, v: domain.Violation{
				Code: CodePostingTypeRequired, Message: "posting_type must be debit or credit on GL lines",
				Field: field + ".posting_type", Record: domain.RecordTransactionLine,
			}})
		}
	}

	if financial && len(txn.Lines) > 0 {
		if v, ok := p.balance(txn.Lines); !ok {
			out = append(out, finding{always: true, v: v})
		}
	}
	if financial {
		for i := range out {
			out[i].always = true
		}
	}
	return out
}

// balance checks debit/credit agreement, reporting both sides on failure.
func (p Policy) balance(lines []domain.TransactionLine) (domain.Violation, bool) {
	totals := domain.SumLines(lines)
	if totals.Balanced(p.tolerance()) {
		return domain.Violation{}, true
	}
	return domain.Violation{
		Code: CodeGLBalanced,
		Message: fmt.Sprintf("debits and credits do not balance: debits=%s credits=%s",
			totals.Debits.StringFixed(2), totals.Credits.StringFixed(2)),
		Field:  "lines",
		Detail: fmt.Sprintf("debits=%s credits=%s difference=%s", totals.Debits.String(), totals.Credits.String(), totals.Difference().String()),
	}, false
}

// Split partitions violations into blocking ones and the rest.
func Split(violations []domain.Violation) (blocking, warnings []domain.Violation) {
	for _, v := range violations {
		if v.Severity == domain.SeverityBlock {
			blocking = append(blocking, v)
		} else {
			warnings = append(warnings, v)
		}
	}
	return blocking, warnings
}
