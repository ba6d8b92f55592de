package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"erpcore/pkg/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, engine *domain.RulesEngine) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	dialect := Dialect{Name: "mock", Migrations: []Migration{{Version: 1, Name: "core", SQL: "CREATE TABLE a (id TEXT);\nCREATE TABLE b (id TEXT);"}}}
	return New(sqlx.NewDb(db, "sqlmock"), dialect, engine, WithClock(func() time.Time { return fixedNow })), mock
}

func orgRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "organization_name", "organization_code", "status", "metadata", "created_at", "updated_at"}).
		AddRow("org-1", "Acme", "", "active", "{}", fixedNow, fixedNow)
}

type blockingRule struct{}

func (blockingRule) Name() string { return "always-block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Code: "BLOCKED", Severity: domain.SeverityBlock, Message: "no"}}}, nil
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestRunInTransactionRollsBackOnBlockingRule(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockingRule{})
	store, mock := newMockStore(t, engine)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO core_organizations")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateOrganization(domain.Organization{Name: "Acme"})
		return err
	})
	var rerr domain.RuleViolationError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() || res.Violations[0].Code != "BLOCKED" {
		t.Fatalf("expected blocking result, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestRunInTransactionCommitFailure(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	_, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil })
	var serr *domain.StorageError
	if !errors.As(err, &serr) || serr.Code != CodeCommitFailed {
		t.Fatalf("expected commit storage error, got %v", err)
	}
	if domain.KindOf(err) != domain.KindStorage {
		t.Fatalf("expected storage kind, got %s", domain.KindOf(err))
	}
}

func TestRunInTransactionBeginFailure(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil })
	var serr *domain.StorageError
	if !errors.As(err, &serr) || serr.Code != CodeUnavailable {
		t.Fatalf("expected unavailable storage error, got %v", err)
	}
}

func TestCreateEntityConflictReportsHolder(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM core_organizations WHERE id = ?")).WithArgs("org-1").WillReturnRows(orgRows())
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO core_entities")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	holder := sqlmock.NewRows([]string{"id", "organization_id", "entity_type", "entity_name", "normalized_name",
		"entity_code", "taxonomy_code", "status", "metadata", "created_at", "updated_at"}).
		AddRow("ent-9", "org-1", "CUSTOMER", "ACME Corp", "acme corp", "", "", "active", "{}", fixedNow, fixedNow)
	mock.ExpectQuery(regexp.QuoteMeta("status <> 'archived'")).WithArgs("org-1", "CUSTOMER", "acme corp").WillReturnRows(holder)
	mock.ExpectRollback()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(domain.Entity{OrganizationID: "org-1", EntityType: "CUSTOMER", EntityName: "Acme Corp"})
		return err
	})
	var dup domain.DuplicateEntityError
	if !errors.As(err, &dup) || dup.ExistingID != "ent-9" {
		t.Fatalf("expected duplicate of ent-9, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestCreateEntityRequiresOrganization(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM core_organizations WHERE id = ?")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(domain.Entity{OrganizationID: "missing", EntityType: "CUSTOMER", EntityName: "X"})
		return err
	})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestViewRollsBack(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM core_organizations ORDER BY")).WillReturnRows(orgRows())
	mock.ExpectRollback()

	var orgs []domain.Organization
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		orgs, err = v.ListOrganizations()
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(orgs) != 1 || orgs[0].Name != "Acme" || orgs[0].Metadata != nil {
		t.Fatalf("unexpected organizations %+v", orgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestMigrateAppliesPending(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).WithArgs(1, "core", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran, err := store.Migrate(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(ran) != 1 || ran[0].Version != 1 {
		t.Fatalf("expected migration 1 applied, got %+v", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestMigrationStatus(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(1, fixedNow))

	states, err := store.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(states) != 1 || !states[0].Applied || !states[0].AppliedAt.Equal(fixedNow) {
		t.Fatalf("unexpected states %+v", states)
	}
	if Pending(states) != 0 {
		t.Fatalf("expected nothing pending")
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (
    id TEXT
);

CREATE INDEX a_id ON a (id);
CREATE TABLE tail (id TEXT)`
	stmts := SplitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "CREATE INDEX a_id ON a (id)" {
		t.Fatalf("unexpected statement %q", stmts[1])
	}
	if stmts[2] != "CREATE TABLE tail (id TEXT)" {
		t.Fatalf("unexpected tail %q", stmts[2])
	}
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_more.sql": {Data: []byte("SELECT 2;")},
		"m/0001_core.sql": {Data: []byte("SELECT 1;")},
		"m/README.md":     {Data: []byte("ignored")},
	}
	migrations, err := LoadMigrations(fsys, "m")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "core" || migrations[1].Version != 2 {
		t.Fatalf("unexpected migrations %+v", migrations)
	}

	bad := fstest.MapFS{"m/core.sql": {Data: []byte("SELECT 1;")}}
	if _, err := LoadMigrations(bad, "m"); err == nil {
		t.Fatalf("expected error for unversioned file")
	}
	dup := fstest.MapFS{"m/0001_a.sql": {Data: []byte("x")}, "m/0001_b.sql": {Data: []byte("y")}}
	if _, err := LoadMigrations(dup, "m"); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}

func TestJSONMapScan(t *testing.T) {
	var m jsonMap
	if err := m.Scan([]byte(`{"tier":"gold"}`)); err != nil || m["tier"] != "gold" {
		t.Fatalf("scan bytes: %v %v", m, err)
	}
	if err := m.Scan("{}"); err != nil || m != nil {
		t.Fatalf("empty document should scan to nil, got %v %v", m, err)
	}
	if err := m.Scan(42); err == nil {
		t.Fatalf("expected error for integer source")
	}
	v, err := jsonMap(nil).Value()
	if err != nil || v != "{}" {
		t.Fatalf("empty map value %v %v", v, err)
	}
}

func entityRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "organization_id", "entity_type", "entity_name", "normalized_name",
		"entity_code", "taxonomy_code", "status", "metadata", "created_at", "updated_at"})
	for _, id := range ids {
		rows.AddRow(id, "org-1", "CUSTOMER", "Acme "+id, "acme "+id, "", "", "active", "{}", fixedNow, fixedNow)
	}
	return rows
}

func TestListEntitiesPushesPageIntoSQL(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = ? AND entity_type = ? AND status <> ? ORDER BY created_at, id LIMIT ? OFFSET ?")).
		WithArgs("org-1", "CUSTOMER", "archived", 10, 20).
		WillReturnRows(entityRows("ent-21"))
	mock.ExpectRollback()

	err := store.View(context.Background(), func(v domain.TransactionView) error {
		got, err := v.ListEntities("org-1", domain.EntityFilter{EntityType: "CUSTOMER", Page: domain.Page{Limit: 10, Offset: 20}})
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].ID != "ent-21" {
			t.Fatalf("the page returned by SQL must not be sliced again, got %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestListEntitiesPagesInGoForNameSearch(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY created_at, id$`).
		WithArgs("org-1", "archived").
		WillReturnRows(entityRows("a", "b", "c"))
	mock.ExpectRollback()

	err := store.View(context.Background(), func(v domain.TransactionView) error {
		got, err := v.ListEntities("org-1", domain.EntityFilter{NameContains: "acme", Page: domain.Page{Limit: 1, Offset: 1}})
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Fatalf("expected the second match, got %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestIdentityLookupUsesNormalizedName(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND normalized_name = ? AND status <> ?")).
		WithArgs("org-1", "CUSTOMER", "acme corp", "archived").
		WillReturnRows(entityRows("x"))
	mock.ExpectRollback()

	err := store.View(context.Background(), func(v domain.TransactionView) error {
		_, err := v.ListEntities("org-1", domain.EntityFilter{EntityType: "CUSTOMER", NormalizedName: "acme corp"})
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestListRelationshipsAndTransactionsPushPage(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("is_active = ? AND (expiration_date IS NULL OR expiration_date > ?) ORDER BY created_at, id LIMIT ? OFFSET ?")).
		WithArgs("org-1", "MEMBER_OF", true, sqlmock.AnyArg(), 5, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "from_entity_id", "to_entity_id", "relationship_type",
			"relationship_data", "taxonomy_code", "is_active", "expiration_date", "created_at", "updated_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("transaction_date >= ? AND transaction_date <= ? ORDER BY transaction_date, created_at, id LIMIT ? OFFSET ?")).
		WithArgs("org-1", sqlmock.AnyArg(), sqlmock.AnyArg(), 2, 4).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	from, to := fixedNow.AddDate(0, -1, 0), fixedNow
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		if _, err := v.ListRelationships("org-1", domain.RelationshipFilter{
			RelationshipType: "MEMBER_OF", ActiveOnly: true, Page: domain.Page{Limit: 5},
		}); err != nil {
			return err
		}
		_, err := v.ListTransactions("org-1", domain.TransactionFilter{From: &from, To: &to, Page: domain.Page{Limit: 2, Offset: 4}})
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
