package sqlstore

import (
	"bufio"
	"context"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationState reports whether a known migration has been applied.
type MigrationState struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`

// LoadMigrations reads files named NNNN_name.sql from dir in fsys.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		base := strings.TrimSuffix(name, ".sql")
		prefix, label, ok := strings.Cut(base, "_")
		if !ok {
			return nil, errors.Newf("migration %s: expected NNNN_name.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s: version", name)
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", name)
		}
		out = append(out, Migration{Version: version, Name: label, SQL: string(raw)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, errors.Newf("duplicate migration version %d", out[i].Version)
		}
	}
	return out, nil
}

// SplitStatements splits a semicolon-terminated script into executable
// statements, dropping blank lines and "--" comment lines.
func SplitStatements(script string) []string {
	scanner := bufio.NewScanner(strings.NewReader(script))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}

type appliedRow struct {
	Version   int       `db:"version"`
	AppliedAt time.Time `db:"applied_at"`
}

func (s *Store) applied(ctx context.Context) (map[int]time.Time, error) {
	if _, err := s.db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, domainStorage(CodeUnavailable, "could not create schema_migrations", err)
	}
	var rows []appliedRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT version, applied_at FROM schema_migrations`); err != nil {
		return nil, domainStorage(CodeQueryFailed, "could not read schema_migrations", err)
	}
	out := make(map[int]time.Time, len(rows))
	for _, r := range rows {
		out[r.Version] = r.AppliedAt.UTC()
	}
	return out, nil
}

// Migrate applies every pending migration in version order, each in its own
// transaction, and returns the ones it applied.
func (s *Store) Migrate(ctx context.Context) ([]Migration, error) {
	done, err := s.applied(ctx)
	if err != nil {
		return nil, err
	}
	var ran []Migration
	for _, m := range s.dialect.Migrations {
		if _, ok := done[m.Version]; ok {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return ran, err
		}
		ran = append(ran, m)
	}
	return ran, nil
}

func (s *Store) apply(ctx context.Context, m Migration) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domainStorage(CodeUnavailable, "could not begin migration", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range SplitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration %04d_%s", m.Version, m.Name)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Name, s.now()); err != nil {
		return errors.Wrapf(err, "record migration %04d", m.Version)
	}
	if err := tx.Commit(); err != nil {
		return domainStorage(CodeCommitFailed, "migration commit failed", err)
	}
	return nil
}

// MigrationStatus lists every known migration with its applied state.
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	done, err := s.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationState, 0, len(s.dialect.Migrations))
	for _, m := range s.dialect.Migrations {
		st := MigrationState{Version: m.Version, Name: m.Name}
		if at, ok := done[m.Version]; ok {
			at := at
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// Pending reports how many migrations have not been applied.
func Pending(states []MigrationState) int {
	n := 0
	for _, st := range states {
		if !st.Applied {
			n++
		}
	}
	return n
}
