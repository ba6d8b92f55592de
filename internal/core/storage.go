package core

import (
	"context"

	"github.com/cockroachdb/errors"

	"erpcore/internal/config"
	"erpcore/internal/guardrail"
	"erpcore/internal/infra/persistence/memory"
	"erpcore/internal/infra/persistence/postgres"
	"erpcore/internal/infra/persistence/sqlite"
	"erpcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend from cfg. SQL backends are migrated
// before they are returned.
func OpenPersistentStore(ctx context.Context, cfg config.Storage, engine *RulesEngine) (PersistentStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.Open(ctx, postgres.Config{
			DSN:             cfg.PostgresDSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, engine)
	default:
		return nil, errors.WithHint(errors.Newf("unknown storage driver %s", cfg.Driver),
			"use one of memory, sqlite or postgres")
	}
}

// PolicyFromConfig builds the guardrail policy described by cfg.
func PolicyFromConfig(cfg config.Guardrail) (guardrail.Policy, error) {
	mode, err := guardrail.ParseMode(cfg.Mode)
	if err != nil {
		return guardrail.Policy{}, err
	}
	tolerance, err := cfg.ToleranceDecimal()
	if err != nil {
		return guardrail.Policy{}, err
	}
	p := guardrail.DefaultPolicy()
	p.Mode = mode
	if len(cfg.FinancialSegments) > 0 {
		p.FinancialSegments = append([]string(nil), cfg.FinancialSegments...)
	}
	if !tolerance.IsZero() {
		p.Tolerance = tolerance
	}
	return p, nil
}

// NewFromConfig opens the configured store and builds a service over it with
// the configured guardrail policy.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	policy, err := PolicyFromConfig(cfg.Guardrail)
	if err != nil {
		return nil, err
	}
	store, err := OpenPersistentStore(ctx, cfg.Storage, NewDefaultRulesEngine())
	if err != nil {
		return nil, err
	}
	return NewService(store, append([]Option{WithPolicy(policy)}, opts...)...), nil
}
