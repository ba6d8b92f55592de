// Package coretest hosts fixture builders and the behavioural suite every
// persistent store runs through the service layer.
package coretest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcore/internal/core"
	"erpcore/pkg/domain"
)

// Taxonomy codes shared by fixtures.
const (
	CustomerCode = "ERP.CRM.CUSTOMER.PROFILE.v1"
	ProductCode  = "ERP.INV.PRODUCT.ITEM.v1"
	MemberCode   = "ERP.CRM.REL.MEMBER_OF.v1"
	JournalCode  = "ERP.FIN.GL.JOURNAL.v1"
	SaleCode     = "ERP.RETAIL.SALE.ORDER.v1"
)

// OpenFunc returns a fresh, empty store carrying engine.
type OpenFunc func(t *testing.T, engine *domain.RulesEngine) domain.PersistentStore

// NewService opens a store through open and wraps it in a service.
func NewService(t *testing.T, open OpenFunc, opts ...core.Option) *core.Service {
	t.Helper()
	store := open(t, core.NewDefaultRulesEngine())
	t.Cleanup(func() { _ = store.Close() })
	return core.NewService(store, opts...)
}

// Organization creates a tenant and returns its scope.
func Organization(t *testing.T, svc *core.Service, name string) core.Scope {
	t.Helper()
	org, _, err := svc.CreateOrganization(context.Background(), domain.Organization{Name: name})
	require.NoError(t, err)
	return core.Scope{OrganizationID: org.ID, ActorID: "tester"}
}

// Customer creates a CUSTOMER entity.
func Customer(t *testing.T, svc *core.Service, scope core.Scope, name string, attrs ...domain.Attribute) core.EntityRecord {
	t.Helper()
	rec, created, _, err := svc.CreateEntity(context.Background(), scope, core.EntityInput{
		Entity:     domain.Entity{EntityType: "CUSTOMER", EntityName: name, TaxonomyCode: CustomerCode},
		Attributes: attrs,
	})
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

// Text builds a text attribute.
func Text(field, value string) domain.Attribute {
	return domain.Attribute{FieldName: field, Value: domain.TextValue(value)}
}

// Number builds a number attribute.
func Number(field string, value int64) domain.Attribute {
	return domain.Attribute{FieldName: field, Value: domain.NumberValue(decimal.NewFromInt(value))}
}

// GLLine builds one journal line.
func GLLine(entityID string, posting domain.PostingType, amount int64) domain.TransactionLine {
	return domain.TransactionLine{EntityID: entityID, PostingType: posting, LineAmount: decimal.NewFromInt(amount)}
}

// Journal builds a posted GL transaction over lines.
func Journal(lines ...domain.TransactionLine) domain.LedgerTransaction {
	return domain.LedgerTransaction{
		Header: domain.TransactionHeader{
			TransactionType: "journal",
			TransactionDate: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			TaxonomyCode:    JournalCode,
			Status:          domain.TransactionPosted,
		},
		Lines: lines,
	}
}

// RunStoreSuite exercises every service operation against stores built by
// open. Backends must behave identically.
func RunStoreSuite(t *testing.T, open OpenFunc) {
	t.Run("EntityBundle", func(t *testing.T) { testEntityBundle(t, open) })
	t.Run("IdentityConflictAndArchive", func(t *testing.T) { testIdentity(t, open) })
	t.Run("BundleRollsBack", func(t *testing.T) { testBundleRollback(t, open) })
	t.Run("Attributes", func(t *testing.T) { testAttributes(t, open) })
	t.Run("RelationshipLifecycle", func(t *testing.T) { testRelationshipLifecycle(t, open) })
	t.Run("SupersedePolicy", func(t *testing.T) { testSupersede(t, open) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, open) })
	t.Run("HardDeleteReferential", func(t *testing.T) { testHardDelete(t, open) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, open) })
	t.Run("ConcurrentResolve", func(t *testing.T) { testConcurrentResolve(t, open) })
}

func testEntityBundle(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon One")
	group := Customer(t, svc, scope, "VIP Group")

	rec, created, res, err := svc.CreateEntity(ctx, scope, core.EntityInput{
		Entity:     domain.Entity{EntityType: "CUSTOMER", EntityName: "  Jane   DOE ", TaxonomyCode: CustomerCode, Metadata: map[string]any{"source": "walk-in"}},
		Attributes: []domain.Attribute{Text("email", "jane@example.com"), Number("visits", 3)},
		Relationships: []core.RelationshipInput{
			{ToEntityID: group.ID, RelationshipType: "MEMBER_OF", TaxonomyCode: MemberCode, RelationshipData: map[string]any{"tier": "gold"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, res.HasBlocking())
	require.Len(t, rec.Attributes, 2)
	require.Len(t, rec.Relationships, 1)
	assert.Equal(t, rec.ID, rec.Relationships[0].FromEntityID)

	got, err := svc.GetEntity(ctx, scope, rec.ID, core.Include{Dynamic: true, Relationships: true})
	require.NoError(t, err)
	assert.Equal(t, "  Jane   DOE ", got.EntityName)
	assert.Equal(t, "walk-in", got.Metadata["source"])
	assert.Equal(t, domain.EntityActive, got.Status)
	require.Len(t, got.Attributes, 2)
	assert.Equal(t, "email", got.Attributes[0].FieldName)
	visits, ok := got.Attributes[1].Value.Number()
	require.True(t, ok)
	assert.True(t, visits.Equal(decimal.NewFromInt(3)))
	require.Len(t, got.Relationships, 1)
	assert.Equal(t, "gold", got.Relationships[0].RelationshipData["tier"])

	list, err := svc.QueryEntities(ctx, scope, domain.EntityFilter{EntityType: "CUSTOMER"}, core.Include{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testIdentity(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Two")
	first := Customer(t, svc, scope, "Acme Corp")

	_, _, _, err := svc.CreateEntity(ctx, scope, core.EntityInput{
		Entity: domain.Entity{EntityType: "CUSTOMER", EntityName: "ACME  corp", TaxonomyCode: CustomerCode},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindIdentityConflict, domain.KindOf(err))
	var dup domain.DuplicateEntityError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	// Another type may reuse the name.
	_, created, _, err := svc.CreateEntity(ctx, scope, core.EntityInput{
		Entity: domain.Entity{EntityType: "SUPPLIER", EntityName: "Acme Corp", TaxonomyCode: "ERP.SCM.SUPPLIER.PROFILE.v1"},
	})
	require.NoError(t, err)
	assert.True(t, created)

	_, err = svc.DeleteEntity(ctx, scope, first.ID, false)
	require.NoError(t, err)
	archived, err := svc.GetEntity(ctx, scope, first.ID, core.Include{})
	require.NoError(t, err)
	assert.Equal(t, domain.EntityArchived, archived.Status)

	second := Customer(t, svc, scope, "acme corp")
	assert.NotEqual(t, first.ID, second.ID)
}

func testBundleRollback(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Three")

	_, _, _, err := svc.CreateEntity(ctx, scope, core.EntityInput{
		Entity:     domain.Entity{EntityType: "CUSTOMER", EntityName: "Ghost", TaxonomyCode: CustomerCode},
		Attributes: []domain.Attribute{Text("email", "ghost@example.com")},
		Relationships: []core.RelationshipInput{
			{ToEntityID: "00000000-0000-0000-0000-000000000000", RelationshipType: "MEMBER_OF", TaxonomyCode: MemberCode},
		},
	})
	require.Error(t, err)

	list, err := svc.QueryEntities(ctx, scope, domain.EntityFilter{EntityType: "CUSTOMER"}, core.Include{})
	require.NoError(t, err)
	assert.Empty(t, list, "failed bundle must leave no entity behind")

	// The identity key is still free.
	Customer(t, svc, scope, "Ghost")
}

func testAttributes(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Four")
	rec := Customer(t, svc, scope, "Typed", Text("score", "high"))

	_, _, err := svc.SetAttributes(ctx, scope, rec.ID, []domain.Attribute{
		Number("score", 42),
		{FieldName: "birthday", Value: domain.DateValue(time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC))},
		{FieldName: "vip", Value: domain.BoolValue(true)},
		{FieldName: "prefs", Value: domain.JSONValue([]byte(`{"color":"red"}`))},
	})
	require.NoError(t, err)

	attrs, err := svc.GetAttributes(ctx, scope, rec.ID)
	require.NoError(t, err)
	byName := make(map[string]domain.Attribute, len(attrs))
	for _, a := range attrs {
		byName[a.FieldName] = a
	}
	require.Len(t, byName, 4)
	assert.Equal(t, domain.ValueNumber, byName["score"].Value.Type())
	_, isText := byName["score"].Value.Text()
	assert.False(t, isText, "type change must clear the old slot")
	day, _ := byName["birthday"].Value.Date()
	assert.True(t, day.Equal(time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)))
	vip, _ := byName["vip"].Value.Bool()
	assert.True(t, vip)
	raw, _ := byName["prefs"].Value.JSON()
	assert.JSONEq(t, `{"color":"red"}`, string(raw))

	removed, _, err := svc.DeleteAttribute(ctx, scope, rec.ID, "vip")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, _, err = svc.DeleteAttribute(ctx, scope, rec.ID, "vip")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testRelationshipLifecycle(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Five")
	a := Customer(t, svc, scope, "Alpha")
	b := Customer(t, svc, scope, "Beta")

	rel, _, err := svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: a.ID, ToEntityID: b.ID, RelationshipType: "REFERRED_BY", TaxonomyCode: "ERP.CRM.REL.REFERRAL.v1",
	})
	require.NoError(t, err)

	_, _, err = svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: a.ID, ToEntityID: b.ID, RelationshipType: "REFERRED_BY", TaxonomyCode: "ERP.CRM.REL.REFERRAL.v1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindIdentityConflict, domain.KindOf(err))

	updated, _, err := svc.UpdateRelationshipData(ctx, scope, rel.ID, map[string]any{"note": "met at expo"})
	require.NoError(t, err)
	assert.Equal(t, "met at expo", updated.RelationshipData["note"])

	future := time.Now().UTC().Add(48 * time.Hour)
	expiring, _, err := svc.DeleteRelationship(ctx, scope, rel.ID, &future)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleExpiring, expiring.Lifecycle.State())
	active, err := svc.ListActiveByType(ctx, scope, a.ID, "REFERRED_BY", domain.DirectionOutgoing)
	require.NoError(t, err)
	assert.Len(t, active, 1, "an edge expiring in the future is still active")

	ended, _, err := svc.DeleteRelationship(ctx, scope, rel.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleExpired, ended.Lifecycle.State())
	active, err = svc.ListActiveByType(ctx, scope, a.ID, "REFERRED_BY", domain.DirectionOutgoing)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := svc.ListRelationships(ctx, scope, domain.RelationshipFilter{EntityID: a.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1, "soft delete keeps history")

	// The pair is free again once the prior edge expired.
	_, _, err = svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: a.ID, ToEntityID: b.ID, RelationshipType: "REFERRED_BY", TaxonomyCode: "ERP.CRM.REL.REFERRAL.v1",
	})
	require.NoError(t, err)
}

func testSupersede(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open, core.WithRelationshipPolicies(domain.RelationshipPolicy{
		Type: "MEMBER_OF", SingleValued: true, OnDuplicate: domain.DuplicateSupersede,
	}))
	scope := Organization(t, svc, "Salon Six")
	member := Customer(t, svc, scope, "Member")
	group := Customer(t, svc, scope, "Group")

	first, _, err := svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: member.ID, ToEntityID: group.ID, RelationshipType: "MEMBER_OF", TaxonomyCode: MemberCode,
		RelationshipData: map[string]any{"tier": "silver"},
	})
	require.NoError(t, err)
	second, _, err := svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: member.ID, ToEntityID: group.ID, RelationshipType: "MEMBER_OF", TaxonomyCode: MemberCode,
		RelationshipData: map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := svc.ListActiveByType(ctx, scope, member.ID, "MEMBER_OF", domain.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	prior, err := svc.GetRelationship(ctx, scope, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleExpired, prior.Lifecycle.State())
}

func testLedger(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Seven")
	cash := Customer(t, svc, scope, "Cash Account")
	revenue := Customer(t, svc, scope, "Revenue Account")

	_, _, err := svc.CreateTransaction(ctx, scope, Journal(
		GLLine(cash.ID, domain.PostingDebit, 100),
		GLLine(revenue.ID, domain.PostingCredit, 90),
	))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	headers, err := svc.QueryTransactions(ctx, scope, domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, headers, "unbalanced journal must not persist")

	posted, _, err := svc.CreateTransaction(ctx, scope, Journal(
		GLLine(cash.ID, domain.PostingDebit, 100),
		GLLine(revenue.ID, domain.PostingCredit, 100),
	))
	require.NoError(t, err)
	assert.True(t, posted.Header.TotalAmount.Equal(decimal.NewFromInt(100)))
	require.Len(t, posted.Lines, 2)
	assert.Equal(t, 1, posted.Lines[0].LineNumber)

	loaded, err := svc.GetTransaction(ctx, scope, posted.Header.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 2)
	assert.True(t, loaded.Lines[1].LineAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, domain.PostingCredit, loaded.Lines[1].PostingType)

	original, reversal, _, err := svc.ReverseTransaction(ctx, scope, posted.Header.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionReversed, original.Status)
	assert.Equal(t, posted.Header.ID, reversal.Header.ReversalOf)
	require.Len(t, reversal.Lines, 2)
	assert.Equal(t, domain.PostingCredit, reversal.Lines[0].PostingType)

	_, _, err = svc.UpdateTransactionStatus(ctx, scope, posted.Header.ID, domain.TransactionPosted)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	sale, _, err := svc.CreateTransaction(ctx, scope, domain.LedgerTransaction{
		Header: domain.TransactionHeader{
			TransactionType: "sale", TransactionDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			TaxonomyCode: SaleCode, SourceEntityID: cash.ID,
		},
		Lines: []domain.TransactionLine{
			{LineType: "service", Quantity: decimal.NewFromInt(2), UnitAmount: decimal.NewFromFloat(12.5)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionDraft, sale.Header.Status)
	assert.True(t, sale.Header.TotalAmount.Equal(decimal.NewFromInt(25)))

	all, err := svc.QueryTransactions(ctx, scope, domain.TransactionFilter{EntityID: cash.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testHardDelete(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Eight")
	a := Customer(t, svc, scope, "Referenced", Text("email", "r@example.com"))
	b := Customer(t, svc, scope, "Standalone", Text("email", "s@example.com"))
	_, _, err := svc.CreateRelationship(ctx, scope, core.RelationshipInput{
		FromEntityID: b.ID, ToEntityID: a.ID, RelationshipType: "KNOWS", TaxonomyCode: "ERP.CRM.REL.KNOWS.v1",
	})
	require.NoError(t, err)

	_, err = svc.DeleteEntity(ctx, scope, a.ID, true)
	require.Error(t, err)
	assert.Equal(t, domain.KindReferential, domain.KindOf(err))
	counts, err := svc.ReferenceCounts(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Relationships)

	c := Customer(t, svc, scope, "Disposable", Text("email", "d@example.com"))
	_, err = svc.DeleteEntity(ctx, scope, c.ID, true)
	require.NoError(t, err)
	_, err = svc.GetEntity(ctx, scope, c.ID, core.Include{})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func testTenantIsolation(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	one := Organization(t, svc, "Tenant One")
	two := Organization(t, svc, "Tenant Two")
	rec := Customer(t, svc, one, "Shared Name")
	Customer(t, svc, two, "Shared Name")

	_, err := svc.GetEntity(ctx, two, rec.ID, core.Include{})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, _, _, err = svc.CreateEntity(ctx, core.Scope{}, core.EntityInput{
		Entity: domain.Entity{EntityType: "CUSTOMER", EntityName: "Nobody", TaxonomyCode: CustomerCode},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func testConcurrentResolve(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	svc := NewService(t, open)
	scope := Organization(t, svc, "Salon Nine")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]int)
		created int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, isNew, _, err := svc.ResolveOrCreate(ctx, scope, core.ResolveInput{
				EntityType:  "PRODUCT",
				DisplayName: fmt.Sprintf("  Shampoo %s ", []string{"XL", "xl"}[i%2]),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[id]++
			if isNew {
				created++
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, errs)
	assert.Len(t, ids, 1, "every caller must resolve to the same entity")
	assert.Equal(t, 1, created)

	list, err := svc.QueryEntities(ctx, scope, domain.EntityFilter{EntityType: "PRODUCT"}, core.Include{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
