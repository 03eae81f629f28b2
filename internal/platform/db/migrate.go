package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerTable records which target DDL files have been applied to a schema.
const ledgerTable = "etl_schema_migrations"

// Migration is one forward-only DDL file for the target schema.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus pairs a known migration with its ledger entry, if any.
// Modified is set when the file changed after it was applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	Modified  bool
	AppliedAt *time.Time
}

// ledgerEntry is a row of the ledger table.
type ledgerEntry struct {
	checksum  string
	appliedAt time.Time
}

// Migrator applies the target DDL in version order. It never rolls back or
// rewrites applied files; an edited file is reported and blocks Up.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

// NewMigrator reads NNN_name.sql files from the root of fsys, typically the
// embedded migrations.FS or os.DirFS(MIGRATIONS_DIR).
func NewMigrator(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys}
}

// LoadMigrations returns the migration files sorted by version. Files without a
// numeric prefix and subdirectories are ignored.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	if m.fsys == nil {
		return nil, fmt.Errorf("no migrations filesystem configured")
	}
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		byVersion[version] = name

		body, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

func (m *Migrator) ensureLedger(ctx context.Context, schema string) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("invalid schema name: %q", schema)
	}
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema, ledgerTable))
	if err != nil {
		return fmt.Errorf("create %s in %s: %w", ledgerTable, schema, err)
	}
	return nil
}

func (m *Migrator) ledger(ctx context.Context, schema string) (map[int]ledgerEntry, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s.%s`, schema, ledgerTable))
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", ledgerTable, schema, err)
	}
	defer rows.Close()

	out := make(map[int]ledgerEntry)
	for rows.Next() {
		var (
			v int
			e ledgerEntry
		)
		if err := rows.Scan(&v, &e.checksum, &e.appliedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", ledgerTable, err)
		}
		out[v] = e
	}
	return out, rows.Err()
}

// Up applies every pending migration to schema, each in its own transaction,
// and returns how many were applied. It refuses to run while an applied file
// has been modified.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if err := m.ensureLedger(ctx, schema); err != nil {
		return 0, err
	}
	migs, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	applied, err := m.ledger(ctx, schema)
	if err != nil {
		return 0, err
	}
	if drifted := modified(buildStatus(migs, applied)); len(drifted) > 0 {
		return 0, fmt.Errorf("applied migrations were modified: %s", strings.Join(drifted, ", "))
	}

	n := 0
	for _, mig := range migs {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, schema, mig); err != nil {
			return n, fmt.Errorf("apply %s: %w", mig.Name, err)
		}
		n++
	}
	return n, nil
}

func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s.%s (version, name, checksum) VALUES ($1, $2, $3)`, schema, ledgerTable),
			mig.Version, mig.Name, mig.Checksum,
		)
		return err
	})
}

// Status reports every known migration against the ledger of schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.ensureLedger(ctx, schema); err != nil {
		return nil, err
	}
	migs, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.ledger(ctx, schema)
	if err != nil {
		return nil, err
	}
	return buildStatus(migs, applied), nil
}

func buildStatus(migs []Migration, applied map[int]ledgerEntry) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migs))
	for _, mig := range migs {
		s := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if e, ok := applied[mig.Version]; ok {
			at := e.appliedAt
			s.Applied = true
			s.AppliedAt = &at
			s.Modified = e.checksum != mig.Checksum
		}
		out = append(out, s)
	}
	return out
}

func modified(statuses []MigrationStatus) []string {
	var names []string
	for _, s := range statuses {
		if s.Modified {
			names = append(names, s.Name)
		}
	}
	return names
}
