package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcore/internal/core/coretest"
	"erpcore/internal/infra/persistence/sqlite"
	"erpcore/internal/infra/persistence/sqlstore"
	"erpcore/pkg/domain"
)

func openTemp(t *testing.T, engine *domain.RulesEngine) domain.PersistentStore {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "erp.db"), engine)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreSuite(t *testing.T) {
	coretest.RunStoreSuite(t, openTemp)
}

func TestInMemoryDatabase(t *testing.T) {
	store, err := sqlite.Open(context.Background(), sqlite.MemoryPath, nil)
	require.NoError(t, err)
	defer store.Close()
	orgs := 0
	require.NoError(t, store.View(context.Background(), func(v domain.TransactionView) error {
		list, err := v.ListOrganizations()
		orgs = len(list)
		return err
	}))
	assert.Zero(t, orgs)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erp.db")
	store, err := sqlite.Open(context.Background(), path, nil)
	require.NoError(t, err)
	states, err := store.MigrationStatus(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, states)
	assert.Zero(t, sqlstore.Pending(states))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	ran, err := reopened.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "erp.db")
	store, err := sqlite.Open(ctx, path, nil)
	require.NoError(t, err)
	var orgID string
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		org, err := tx.CreateOrganization(domain.Organization{Name: "Durable", Metadata: map[string]any{"plan": "pro"}})
		orgID = org.ID
		return err
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(ctx, path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.View(ctx, func(v domain.TransactionView) error {
		org, ok, err := v.FindOrganization(orgID)
		require.True(t, ok)
		assert.Equal(t, "Durable", org.Name)
		assert.Equal(t, "pro", org.Metadata["plan"])
		return err
	}))
}

func TestConstraintErrorsAreMapped(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.MemoryPath, nil)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateOrganization(domain.Organization{Base: domain.Base{ID: "org-1"}, Name: "A"}); err != nil {
			return err
		}
		_, err := tx.CreateOrganization(domain.Organization{Base: domain.Base{ID: "org-1"}, Name: "B"})
		return err
	})
	var serr *domain.StorageError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, sqlstore.CodeUniqueViolation, serr.Code)
	assert.Equal(t, domain.KindStorage, domain.KindOf(err))
}

func TestDSN(t *testing.T) {
	dsn := sqlite.DSN("/data/erp.db")
	assert.True(t, strings.HasPrefix(dsn, "file:/data/erp.db?"))
	assert.Contains(t, dsn, "journal_mode")
	assert.NotContains(t, sqlite.DSN(sqlite.MemoryPath), "journal_mode")
}
