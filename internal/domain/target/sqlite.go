package target

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// sqliteTime is fixed width so that text comparison orders timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

const existingChunk = 500

// SQLiteStore is an embedded target with the same tables and constraints as
// the PostgreSQL schema.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; every batch transaction gets the connection to itself.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteValues(vals []any) []any {
	for i, v := range vals {
		switch x := v.(type) {
		case uuid.UUID:
			vals[i] = x.String()
		case dateOnly:
			vals[i] = x.UTC().Format("2006-01-02")
		case time.Time:
			vals[i] = x.UTC().Format(sqliteTime)
		case *time.Time:
			if x == nil {
				vals[i] = nil
			} else {
				vals[i] = x.UTC().Format(sqliteTime)
			}
		case bool:
			if x {
				vals[i] = 1
			} else {
				vals[i] = 0
			}
		}
	}
	return vals
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, timeoutErr("begin transaction", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) Existing(ctx context.Context, t entity.Type, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	found := make(map[uuid.UUID]bool)
	for start := 0; start < len(ids); start += existingChunk {
		end := min(start+existingChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id.String()
		}
		query := fmt.Sprintf(`SELECT id FROM %s WHERE id IN (%s)`,
			t.Table(), strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ","))
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, timeoutErr("query existing "+t.Table(), err)
		}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan %s id: %w", t.Table(), err)
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("parse %s id %q: %w", t.Table(), raw, err)
			}
			found[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s ids: %w", t.Table(), err)
		}
	}
	return found, nil
}

func (s *SQLiteStore) Verify(ctx context.Context) ([]IntegrityIssue, error) {
	var issues []IntegrityIssue
	for _, q := range verifyQueries() {
		var n int64
		if err := s.db.QueryRowContext(ctx, q.query).Scan(&n); err != nil {
			return nil, timeoutErr("verify "+q.table+" "+q.check, err)
		}
		issues = append(issues, IntegrityIssue{Table: q.table, Check: q.check, Count: n})
	}
	return issues, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range Tables() {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, timeoutErr("count "+table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the handle for tests and ad hoc inspection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertBatch(ctx context.Context, typ entity.Type, rows []entity.Entity) ([]bool, error) {
	query, err := insertSQL(typ, sqlitePlaceholder)
	if err != nil {
		return nil, err
	}
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, timeoutErr("prepare insert "+typ.Table(), err)
	}
	defer stmt.Close()

	inserted := make([]bool, len(rows))
	for i, row := range rows {
		vals, err := rowValues(row)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, sqliteValues(vals)...)
		if err != nil {
			return nil, classifySQLite(typ.Table(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		inserted[i] = n == 1
	}
	return inserted, nil
}

func (t *sqliteTx) IsolateRows(ctx context.Context, typ entity.Type, rows []entity.Entity) ([]int, error) {
	query, err := insertSQL(typ, sqlitePlaceholder)
	if err != nil {
		return nil, err
	}
	var bad []int
	for i, row := range rows {
		vals, err := rowValues(row)
		if err != nil {
			return nil, err
		}
		if _, err := t.tx.ExecContext(ctx, "SAVEPOINT row_insert"); err != nil {
			return nil, timeoutErr("savepoint", err)
		}
		if _, err := t.tx.ExecContext(ctx, query, sqliteValues(vals)...); err != nil {
			if !etlerr.IsIntegrity(classifySQLite(typ.Table(), err)) {
				return nil, timeoutErr("insert "+typ.Table(), err)
			}
			bad = append(bad, i)
			if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO row_insert"); err != nil {
				return nil, timeoutErr("rollback to savepoint", err)
			}
		}
		if _, err := t.tx.ExecContext(ctx, "RELEASE row_insert"); err != nil {
			return nil, timeoutErr("release savepoint", err)
		}
	}
	return bad, nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO etl_audit_log (
			id, run_id, entity_type, batch_index, attempt,
			attempted, committed, skipped, rejected, duration_ms, recorded_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID.String(), rec.RunID.String(), string(rec.Entity), rec.BatchIndex, rec.Attempt,
		rec.Attempted, rec.Committed, rec.Skipped, rec.Rejected, rec.Duration.Milliseconds(),
		rec.RecordedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return timeoutErr("append audit", err)
	}
	return nil
}

func (t *sqliteTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return classifySQLite("", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// classifySQLite maps the SQLITE_CONSTRAINT family to IntegrityError.
func classifySQLite(table string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return &etlerr.IntegrityError{Table: table, Constraint: constraintName(se.Code()), Err: err}
	}
	return timeoutErr("write "+table, err)
}

func constraintName(code int) string {
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return "foreign_key"
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return "check"
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return "unique"
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return "not_null"
	default:
		return "constraint"
	}
}

var _ Store = (*SQLiteStore)(nil)
