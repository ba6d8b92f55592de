package crm

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcore/internal/core"
)

const (
	customerCode = "ERP.CRM.CUSTOMER.PROFILE.v1"
	branchCode   = "ERP.ORG.BRANCH.CORE.v1"
	saleCode     = "ERP.SALES.ORDER.STANDARD.v1"
)

func setup(t *testing.T) (*core.Service, core.Scope) {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	_, err := svc.InstallPlugin(New())
	require.NoError(t, err)
	org, _, err := svc.CreateOrganization(context.Background(), core.Organization{Name: "Salon"})
	require.NoError(t, err)
	return svc, core.Scope{OrganizationID: org.ID}
}

func codes(err error) map[string]bool {
	out := map[string]bool{}
	for _, v := range core.Failure(err, core.Result{}).Violations {
		out[v.Code] = true
	}
	return out
}

func entity(t *testing.T, svc *core.Service, scope core.Scope, in core.EntityInput) string {
	t.Helper()
	rec, _, _, err := svc.CreateEntity(context.Background(), scope, in)
	require.NoError(t, err)
	return rec.ID
}

func TestRegisterContributions(t *testing.T) {
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	meta, err := svc.InstallPlugin(New())
	require.NoError(t, err)
	assert.Equal(t, "crm", meta.Name)
	assert.Equal(t, []string{"CUSTOMER", "PRODUCT", "STAFF"}, meta.Schemas)
	assert.Equal(t, []string{"crm_credit_limit"}, meta.Rules)
	require.Len(t, meta.Relationships, 3)

	assert.Equal(t, core.DuplicateSupersede, svc.RelationshipPolicy("MEMBER_OF").OnDuplicate)
	assert.False(t, svc.RelationshipPolicy("PURCHASED").SingleValued)
}

func TestSchemasAreEnforced(t *testing.T) {
	svc, scope := setup(t)
	ctx := context.Background()

	_, _, _, err := svc.CreateEntity(ctx, scope, core.EntityInput{
		Entity: core.Entity{EntityType: "PRODUCT", EntityName: "Shampoo", TaxonomyCode: "ERP.INV.PRODUCT.RETAIL.v1"},
		Attributes: []core.Attribute{
			{FieldName: "sku", Value: core.TextValue("SH-1")},
			{FieldName: "colour", Value: core.TextValue("blue")},
		},
	})
	require.Error(t, err)
	got := codes(err)
	assert.True(t, got["FIELD-REQUIRED"], "list_price missing")
	assert.True(t, got["FIELD-UNKNOWN"], "PRODUCT is strict")

	_, _, _, err = svc.CreateEntity(ctx, scope, core.EntityInput{
		Entity:     core.Entity{EntityType: "CUSTOMER", EntityName: "Jane", TaxonomyCode: customerCode},
		Attributes: []core.Attribute{{FieldName: "credit_limit", Value: core.TextValue("lots")}},
	})
	require.Error(t, err)
	assert.True(t, codes(err)["FIELD-TYPE-MISMATCH"])
}

func TestMembershipSupersedes(t *testing.T) {
	svc, scope := setup(t)
	ctx := context.Background()
	north := entity(t, svc, scope, core.EntityInput{Entity: core.Entity{EntityType: "BRANCH", EntityName: "North", TaxonomyCode: branchCode}})
	south := entity(t, svc, scope, core.EntityInput{Entity: core.Entity{EntityType: "BRANCH", EntityName: "South", TaxonomyCode: branchCode}})
	jane := entity(t, svc, scope, core.EntityInput{
		Entity: core.Entity{EntityType: "CUSTOMER", EntityName: "Jane", TaxonomyCode: customerCode},
		Relationships: []core.RelationshipInput{{
			ToEntityID: north, RelationshipType: "MEMBER_OF", TaxonomyCode: "ERP.CRM.MEMBERSHIP.BRANCH.v1",
			RelationshipData: map[string]any{"level": "standard"},
		}},
	})

	again, _, err := svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: jane, ToEntityID: north, RelationshipType: "MEMBER_OF", TaxonomyCode: "ERP.CRM.MEMBERSHIP.BRANCH.v1",
		RelationshipData: map[string]any{"level": "vip"},
	})
	require.NoError(t, err)

	active, err := svc.ListActiveByType(ctx, scope, jane, "MEMBER_OF", "")
	require.NoError(t, err)
	require.Len(t, active, 1, "the second edge for the same pair replaces the first")
	assert.Equal(t, again.ID, active[0].ID)
	assert.Equal(t, "vip", active[0].RelationshipData["level"])

	// Single-valued applies per pair; another branch is a separate fact.
	_, _, err = svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: jane, ToEntityID: south, RelationshipType: "MEMBER_OF", TaxonomyCode: "ERP.CRM.MEMBERSHIP.BRANCH.v1",
	})
	require.NoError(t, err)
	active, err = svc.ListActiveByType(ctx, scope, jane, "MEMBER_OF", "")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func sale(customerID string, amount int64) core.LedgerTransaction {
	return core.LedgerTransaction{
		Header: core.TransactionHeader{
			TransactionType: SaleType,
			TransactionDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			TargetEntityID:  customerID,
			TaxonomyCode:    saleCode,
			Status:          core.TransactionPosted,
		},
		Lines: []core.TransactionLine{{LineNumber: 1, Quantity: decimal.NewFromInt(1), UnitAmount: decimal.NewFromInt(amount)}},
	}
}

func TestCreditLimitWarns(t *testing.T) {
	svc, scope := setup(t)
	ctx := context.Background()
	jane := entity(t, svc, scope, core.EntityInput{
		Entity:     core.Entity{EntityType: "CUSTOMER", EntityName: "Jane", TaxonomyCode: customerCode},
		Attributes: []core.Attribute{{FieldName: "credit_limit", Value: numberValue(100)}},
	})
	walkIn := entity(t, svc, scope, core.EntityInput{
		Entity: core.Entity{EntityType: "CUSTOMER", EntityName: "Walk In", TaxonomyCode: customerCode},
	})

	_, res, err := svc.CreateTransaction(ctx, scope, sale(jane, 60))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings())

	created, res, err := svc.CreateTransaction(ctx, scope, sale(jane, 60))
	require.NoError(t, err, "the check warns and never blocks")
	require.Len(t, res.Warnings(), 1)
	assert.Equal(t, CodeCreditLimit, res.Warnings()[0].Code)
	assert.Equal(t, created.Header.ID, res.Warnings()[0].RecordID)

	_, res, err = svc.CreateTransaction(ctx, scope, sale(walkIn, 10_000))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings(), "customers without a limit are not checked")
}

func numberValue(n int64) core.Value {
	return core.NumberValue(decimal.NewFromInt(n))
}
