// Package sqlstore implements domain.PersistentStore over database/sql with
// sqlx. Every RunInTransaction call maps onto one database transaction:
// mutations, rule evaluation and commit share the same connection, and any
// error or blocking rule rolls the whole unit back. Backends contribute a
// Dialect carrying their migrations, locking primitive and error mapping.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"erpcore/pkg/domain"
)

// Storage error codes shared by every backend.
const (
	CodeUnavailable     = "STORAGE-UNAVAILABLE"
	CodeCommitFailed    = "STORAGE-COMMIT-FAILED"
	CodeUniqueViolation = "STORAGE-UNIQUE-VIOLATION"
	CodeForeignKey      = "STORAGE-FOREIGN-KEY"
	CodeConstraint      = "STORAGE-CONSTRAINT"
	CodeConflict        = "STORAGE-CONFLICT"
	CodeQueryFailed     = "STORAGE-QUERY-FAILED"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// LockSQL takes a transaction-scoped lock on its single argument. Empty
	// means the backend already serializes writers.
	LockSQL string
	// ViewOptions are used for read-only snapshots.
	ViewOptions *sql.TxOptions
	Migrations  []Migration
	// MapError translates driver errors into *domain.StorageError. It returns
	// nil for errors it does not recognise.
	MapError func(error) error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Store is the relational implementation of domain.PersistentStore.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	engine  *domain.RulesEngine
	nowFn   func() time.Time
}

var _ domain.PersistentStore = (*Store)(nil)

// New wraps an open database. Migrations are not applied; call Migrate.
func New(db *sqlx.DB, dialect Dialect, engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		engine:  engine,
		nowFn:   func() time.Time { return time.Now() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Dialect returns the backend description.
func (s *Store) Dialect() Dialect { return s.dialect }

// RulesEngine exposes the engine evaluated before commit.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// now truncates to microseconds, the finest resolution every backend keeps.
func (s *Store) now() time.Time {
	return s.nowFn().UTC().Truncate(time.Microsecond)
}

// RunInTransaction executes fn inside a database transaction and commits
// only when fn and every registered rule succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (result domain.Result, err error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Result{}, domain.NewStorageError(CodeUnavailable, "could not begin transaction",
			"check database connectivity", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &transaction{view: view{ctx: ctx, q: sqlTx, now: s.now()}, store: s}
	if err := fn(tx); err != nil {
		return domain.Result{}, s.mapError(err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Result{}, errors.Wrap(err, "transaction aborted")
	}
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, &tx.view, tx.changes)
		if err != nil {
			return domain.Result{}, s.mapError(err)
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if err := sqlTx.Commit(); err != nil {
		if mapped := s.dialect.mapError(err); mapped != nil {
			return domain.Result{}, mapped
		}
		return domain.Result{}, domain.NewStorageError(CodeCommitFailed, "transaction commit failed",
			"the write was not applied; retry the request", err)
	}
	committed = true
	return result, nil
}

// View runs fn against a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTxx(ctx, s.dialect.ViewOptions)
	if err != nil {
		return domain.NewStorageError(CodeUnavailable, "could not open read snapshot",
			"check database connectivity", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return s.mapError(fn(&view{ctx: ctx, q: sqlTx, now: s.now()}))
}

// mapError leaves domain errors alone and translates recognised driver
// failures.
func (s *Store) mapError(err error) error {
	if err == nil || domain.KindOf(err) != domain.KindInternal {
		return err
	}
	if mapped := s.dialect.mapError(err); mapped != nil {
		return mapped
	}
	return err
}

func (d Dialect) mapError(err error) error {
	if d.MapError == nil {
		return nil
	}
	return d.MapError(err)
}

// queryer is the subset of *sqlx.Tx the record accessors use.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func domainStorage(code, message string, err error) error {
	return domain.NewStorageError(code, message, "run `erpcore db status` to inspect the schema", err)
}
