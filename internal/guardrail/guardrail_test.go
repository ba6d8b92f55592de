package guardrail

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"erpcore/pkg/domain"
)

const (
	glCode   = "ERP.FIN.GL.JOURNAL.v1"
	saleCode = "ERP.RETAIL.SALE.ORDER.v1"
)

func codes(vs []domain.Violation) map[string]int {
	out := make(map[string]int)
	for _, v := range vs {
		out[v.Code]++
	}
	return out
}

func line(n int, posting domain.PostingType, amount int64) domain.TransactionLine {
	return domain.TransactionLine{LineNumber: n, PostingType: posting, LineAmount: decimal.NewFromInt(amount)}
}

func glEvent(lines ...domain.TransactionLine) Event {
	return Event{
		Kind:           EventTransaction,
		Action:         domain.ActionCreate,
		OrganizationID: "O1",
		Transaction: &domain.LedgerTransaction{
			Header: domain.TransactionHeader{
				TransactionType: "journal",
				TransactionDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				TaxonomyCode:    glCode,
			},
			Lines: lines,
		},
	}
}

func TestPreflightReportsEveryViolationAtOnce(t *testing.T) {
	p := DefaultPolicy()
	ev := Event{
		Kind:   EventTransaction,
		Action: domain.ActionCreate,
		Transaction: &domain.LedgerTransaction{
			Header: domain.TransactionHeader{TaxonomyCode: "bad-code"},
		},
	}
	got := codes(p.Preflight(ev))
	for _, want := range []string{CodeOrgFilterRequired, CodeSmartcodePresent, CodeTxnHeaderRequired, CodeTxnLineRequired} {
		if got[want] == 0 {
			t.Fatalf("expected %s in %v", want, got)
		}
	}
	if got[CodeTxnHeaderRequired] != 2 {
		t.Fatalf("expected type and date to be reported separately, got %d", got[CodeTxnHeaderRequired])
	}
}

func TestPreflightGLBalance(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name      string
		lines     []domain.TransactionLine
		wantCodes []string
	}{
		{"balanced", []domain.TransactionLine{line(1, domain.PostingDebit, 100), line(2, domain.PostingCredit, 100)}, nil},
		{"unbalanced", []domain.TransactionLine{line(1, domain.PostingDebit, 100), line(2, domain.PostingCredit, 90)}, []string{CodeGLBalanced}},
		{"missing posting type", []domain.TransactionLine{line(1, domain.PostingDebit, 100), line(2, "", 100)}, []string{CodePostingTypeRequired, CodeGLBalanced}},
		{"duplicate line number", []domain.TransactionLine{line(1, domain.PostingDebit, 50), line(1, domain.PostingCredit, 50)}, []string{CodeLineNumberUnique}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Preflight(glEvent(tc.lines...))
			if len(got) != len(tc.wantCodes) {
				t.Fatalf("expected %v, got %v", tc.wantCodes, got)
			}
			c := codes(got)
			for _, want := range tc.wantCodes {
				if c[want] == 0 {
					t.Fatalf("expected %s in %v", want, got)
				}
			}
		})
	}
}

func TestPreflightGLReportsBothSides(t *testing.T) {
	got := DefaultPolicy().Preflight(glEvent(line(1, domain.PostingDebit, 100), line(2, domain.PostingCredit, 90)))
	if len(got) != 1 {
		t.Fatalf("expected one violation, got %v", got)
	}
	if got[0].Message != "debits and credits do not balance: debits=100.00 credits=90.00" {
		t.Fatalf("unexpected message %q", got[0].Message)
	}
	if got[0].Severity != domain.SeverityBlock {
		t.Fatalf("expected block severity, got %s", got[0].Severity)
	}
}

func TestPreflightToleranceAbsorbsRounding(t *testing.T) {
	p := DefaultPolicy()
	credit := domain.TransactionLine{LineNumber: 2, PostingType: domain.PostingCredit, LineAmount: decimal.RequireFromString("99.995")}
	if got := p.Preflight(glEvent(line(1, domain.PostingDebit, 100), credit)); len(got) != 0 {
		t.Fatalf("expected difference within tolerance to pass, got %v", got)
	}
	credit.LineAmount = decimal.RequireFromString("99.98")
	if got := p.Preflight(glEvent(line(1, domain.PostingDebit, 100), credit)); len(got) != 1 {
		t.Fatalf("expected difference beyond tolerance to fail, got %v", got)
	}
}

func TestWarnModeDowngradesExceptTenantAndFinancial(t *testing.T) {
	p := DefaultPolicy()
	p.Mode = ModeWarn

	entity := Event{Kind: EventEntity, Action: domain.ActionCreate, OrganizationID: "O1",
		Entity: &domain.Entity{EntityType: "CUSTOMER", EntityName: "Acme", TaxonomyCode: "nope"}}
	got := p.Preflight(entity)
	if len(got) != 1 || got[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected single warn violation, got %v", got)
	}

	entity.OrganizationID = ""
	blocking, _ := Split(p.Preflight(entity))
	if len(blocking) != 1 || blocking[0].Code != CodeOrgFilterRequired {
		t.Fatalf("expected org filter to block in warn mode, got %v", blocking)
	}

	gl := glEvent(line(1, domain.PostingDebit, 100), line(2, domain.PostingCredit, 90))
	gl.Transaction.Header.TransactionType = ""
	blocking, warnings := Split(p.Preflight(gl))
	if len(warnings) != 0 || len(blocking) != 2 {
		t.Fatalf("expected financial violations to block in warn mode, got blocking=%v warnings=%v", blocking, warnings)
	}
}

func TestNonFinancialTransactionSkipsBalance(t *testing.T) {
	ev := glEvent(line(1, "", 40), line(2, "", 60))
	ev.Transaction.Header.TaxonomyCode = saleCode
	if got := DefaultPolicy().Preflight(ev); len(got) != 0 {
		t.Fatalf("expected sale without posting types to pass, got %v", got)
	}
}

func TestStructuralEntityAndRelationshipChecks(t *testing.T) {
	p := DefaultPolicy()
	ents := p.Preflight(Event{Kind: EventEntity, Action: domain.ActionCreate, OrganizationID: "O1", Entity: &domain.Entity{}})
	c := codes(ents)
	if c[CodeEntityTypeRequired] != 1 || c[CodeEntityNameRequired] != 1 || c[CodeSmartcodePresent] != 1 {
		t.Fatalf("unexpected entity violations %v", ents)
	}

	rels := p.Preflight(Event{Kind: EventRelationship, Action: domain.ActionCreate, OrganizationID: "O1", Relationship: &domain.Relationship{}})
	c = codes(rels)
	for _, want := range []string{CodeRelFromRequired, CodeRelToRequired, CodeRelTypeRequired, CodeSmartcodePresent} {
		if c[want] != 1 {
			t.Fatalf("expected %s in %v", want, rels)
		}
	}

	del := p.Preflight(Event{Kind: EventRelationship, Action: domain.ActionDelete, OrganizationID: "O1"})
	if len(del) != 1 || del[0].Code != CodeRelIDRequired {
		t.Fatalf("expected id requirement on delete, got %v", del)
	}
}

func TestAttributeChecks(t *testing.T) {
	p := DefaultPolicy()
	attrs := []domain.Attribute{
		{FieldName: "", Value: domain.TextValue("x")},
		{FieldName: "email", TaxonomyCode: "lower.case.v1", Value: domain.TextValue("a@b.c")},
		{FieldName: "empty"},
	}
	got := codes(p.Preflight(Event{Kind: EventAttribute, Action: domain.ActionUpdate, OrganizationID: "O1", Attributes: attrs}))
	if got[CodeFieldNameRequired] != 1 || got[CodeSmartcodePresent] != 1 || got[CodeFieldValueRequired] != 1 {
		t.Fatalf("unexpected attribute violations %v", got)
	}
}

func TestSchemaChecks(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Schemas.Register(EntitySchema{
		EntityType: "PRODUCT",
		Fields: map[string]FieldSpec{
			"price": {Type: domain.ValueNumber, Required: true},
			"sku":   {Type: domain.ValueText},
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ev := Event{Kind: EventEntity, Action: domain.ActionCreate, OrganizationID: "O1",
		Entity: &domain.Entity{EntityType: "PRODUCT", EntityName: "Chair", TaxonomyCode: "ERP.RETAIL.PRODUCT.ITEM.v1"},
		Attributes: []domain.Attribute{
			{FieldName: "sku", Value: domain.NumberValue(decimal.NewFromInt(7))},
			{FieldName: "colour", Value: domain.TextValue("red")},
		},
	}
	got := p.Preflight(ev)
	c := codes(got)
	if c[CodeFieldTypeMismatch] != 1 || c[CodeFieldRequired] != 1 || c[CodeFieldUnknown] != 1 {
		t.Fatalf("unexpected schema violations %v", got)
	}
	for _, v := range got {
		if v.Code == CodeFieldUnknown && v.Severity != domain.SeverityLog {
			t.Fatalf("expected unknown field on lenient schema to log only, got %s", v.Severity)
		}
	}

	update := Event{Kind: EventEntity, Action: domain.ActionUpdate, OrganizationID: "O1", TargetID: "E1",
		EntityType: "PRODUCT", Attributes: ev.Attributes}
	c = codes(p.Preflight(update))
	if c[CodeFieldRequired] != 0 || c[CodeFieldTypeMismatch] != 1 {
		t.Fatalf("required fields apply to create only, got %v", c)
	}
}

func TestSchemaRegisterRejectsUnknownType(t *testing.T) {
	s := NewSchemaSet()
	if err := s.Register(EntitySchema{EntityType: "X", Fields: map[string]FieldSpec{"a": {Type: "blob"}}}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if err := s.Register(EntitySchema{}); err == nil {
		t.Fatalf("expected entity type error")
	}
}

func TestEntityUpdatePatchChecks(t *testing.T) {
	empty := "  "
	bad := "not-a-code"
	status := domain.EntityStatus("deleted")
	got := codes(DefaultPolicy().Preflight(Event{
		Kind: EventEntity, Action: domain.ActionUpdate, OrganizationID: "O1", TargetID: "E1",
		Patch: &domain.EntityPatch{EntityName: &empty, TaxonomyCode: &bad, Status: &status},
	}))
	if got[CodeEntityNameRequired] != 1 || got[CodeSmartcodePresent] != 1 || got[CodeEntityStatusInvalid] != 1 {
		t.Fatalf("unexpected patch violations %v", got)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeEnforce, "WARN": ModeWarn, " enforce ": ModeEnforce} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseMode("lenient"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestPreflightSchemaHonoursMode(t *testing.T) {
	p := DefaultPolicy()
	p.Mode = ModeWarn
	if err := p.Schemas.Register(EntitySchema{EntityType: "STAFF", Fields: map[string]FieldSpec{"hired": {Type: domain.ValueDate}}, Strict: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := p.PreflightSchema("STAFF", domain.ActionUpdate, []domain.Attribute{
		{FieldName: "hired", Value: domain.TextValue("yesterday")},
		{FieldName: "shoe_size", Value: domain.NumberValue(decimal.NewFromInt(9))},
	})
	if len(got) != 2 {
		t.Fatalf("expected mismatch and unknown field, got %v", got)
	}
	for _, v := range got {
		if v.Severity != domain.SeverityWarn {
			t.Fatalf("expected warn severity in warn mode, got %v", v)
		}
	}
	if got := p.PreflightSchema("STAFF", domain.ActionDelete, nil); got != nil {
		t.Fatalf("expected no schema checks on delete, got %v", got)
	}
}
