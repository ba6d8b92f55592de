// Package sqlite provides the embedded relational backend built on the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"embed"
	"net/url"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"erpcore/internal/infra/persistence/sqlstore"
	"erpcore/pkg/domain"
)

const (
	driverName = "sqlite"
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Dialect describes SQLite to the shared SQL store. Writers are serialized by
// the single pooled connection, so no explicit lock statement is needed.
func Dialect() (sqlstore.Dialect, error) {
	migrations, err := sqlstore.LoadMigrations(migrationFS, "migrations")
	if err != nil {
		return sqlstore.Dialect{}, err
	}
	return sqlstore.Dialect{
		Name:       driverName,
		Migrations: migrations,
		MapError:   mapError,
	}, nil
}

// DSN builds the connection string for path with foreign keys, WAL and a busy
// timeout enabled.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != MemoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, engine *domain.RulesEngine, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if path == "" {
		path = "erpcore.db"
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	db, err := sqlx.Open(driverName, DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NewStorageError(sqlstore.CodeUnavailable, "could not open sqlite database",
			"check that "+path+" is writable", err)
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
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return nil
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return domain.NewStorageError(sqlstore.CodeUniqueViolation, "a record with the same key already exists",
			"read the existing record instead of creating it again", err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return domain.NewStorageError(sqlstore.CodeForeignKey, "a referenced record does not exist",
			"create the referenced record first", err)
	case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return domain.NewStorageError(sqlstore.CodeConstraint, "a column constraint was violated", "", err)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return domain.NewStorageError(sqlstore.CodeConflict, "the database is busy",
			"retry the request", err)
	}
	return nil
}
