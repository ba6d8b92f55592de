package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcore/internal/infra/persistence/sqlstore"
	"erpcore/pkg/domain"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{pgerrcode.UniqueViolation, sqlstore.CodeUniqueViolation},
		{pgerrcode.ForeignKeyViolation, sqlstore.CodeForeignKey},
		{pgerrcode.CheckViolation, sqlstore.CodeConstraint},
		{pgerrcode.SerializationFailure, sqlstore.CodeConflict},
		{pgerrcode.ConnectionFailure, sqlstore.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := mapError(&pgconn.PgError{Code: tc.code, Message: "boom"})
			var serr *domain.StorageError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tc.want, serr.Code)
			var pgErr *pgconn.PgError
			assert.True(t, errors.As(err, &pgErr), "driver error must stay reachable")
		})
	}
	assert.Nil(t, mapError(&pgconn.PgError{Code: pgerrcode.DivisionByZero}))
	assert.Nil(t, mapError(errors.New("plain")))
}

func TestDialect(t *testing.T) {
	d, err := Dialect()
	require.NoError(t, err)
	require.NotEmpty(t, d.Migrations)
	assert.Equal(t, 1, d.Migrations[0].Version)
	assert.Contains(t, d.Migrations[0].SQL, "JSONB")
	assert.Contains(t, d.LockSQL, "pg_advisory_xact_lock")
	require.NotNil(t, d.ViewOptions)
	assert.True(t, d.ViewOptions.ReadOnly)
	assert.Len(t, sqlstore.SplitStatements(d.Migrations[0].SQL), 12)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}
