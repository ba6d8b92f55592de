// Package postgres provides the server backend. Writes run in ordinary
// read-committed transactions serialized per identity key with transaction
// scoped advisory locks; reads use repeatable-read snapshots.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"

	"erpcore/internal/infra/persistence/sqlstore"
	"erpcore/pkg/domain"
)

const driverName = "pgx"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config carries connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Dialect describes Postgres to the shared SQL store.
func Dialect() (sqlstore.Dialect, error) {
	migrations, err := sqlstore.LoadMigrations(migrationFS, "migrations")
	if err != nil {
		return sqlstore.Dialect{}, err
	}
	return sqlstore.Dialect{
		Name:        "postgres",
		LockSQL:     `SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`,
		ViewOptions: &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead},
		Migrations:  migrations,
		MapError:    mapError,
	}, nil
}

// Open connects, verifies the server is reachable and applies pending
// migrations.
func Open(ctx context.Context, cfg Config, engine *domain.RulesEngine, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if cfg.DSN == "" {
		return nil, errors.WithHint(errors.New("postgres DSN is required"), "set storage.postgres_dsn or ERPCORE_STORAGE_POSTGRES_DSN")
	}
	db, err := sqlx.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NewStorageError(sqlstore.CodeUnavailable, "could not reach postgres",
			"check storage.postgres_dsn and that the server is running", err)
	}
	dialect, err := Dialect()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store := sqlstore.New(db, dialect, engine, opts...)
	if _, err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return domain.NewStorageError(sqlstore.CodeUniqueViolation, "a record with the same key already exists",
			"read the existing record instead of creating it again", err)
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return domain.NewStorageError(sqlstore.CodeForeignKey, "a referenced record does not exist",
			"create the referenced record first", err)
	case pgErr.Code == pgerrcode.CheckViolation, pgErr.Code == pgerrcode.NotNullViolation:
		return domain.NewStorageError(sqlstore.CodeConstraint, "a column constraint was violated", "", err)
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected:
		return domain.NewStorageError(sqlstore.CodeConflict, "the transaction conflicted with a concurrent write",
			"retry the request", err)
	case pgerrcode.IsConnectionException(pgErr.Code):
		return domain.NewStorageError(sqlstore.CodeUnavailable, "the database connection failed",
			"check database connectivity", err)
	}
	return nil
}
