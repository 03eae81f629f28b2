package target

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

// PostgresStore writes into the schema created by migrations/001_core.sql.
// The pool's search_path selects the schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, timeoutErr("begin transaction", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) Existing(ctx context.Context, t entity.Type, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	found := make(map[uuid.UUID]bool)
	if len(ids) == 0 {
		return found, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1)`, t.Table()), ids)
	if err != nil {
		return nil, timeoutErr("query existing "+t.Table(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", t.Table(), err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s ids: %w", t.Table(), err)
	}
	return found, nil
}

func (s *PostgresStore) Verify(ctx context.Context) ([]IntegrityIssue, error) {
	var issues []IntegrityIssue
	for _, q := range verifyQueries() {
		var n int64
		if err := s.pool.QueryRow(ctx, q.query).Scan(&n); err != nil {
			return nil, timeoutErr("verify "+q.table+" "+q.check, err)
		}
		issues = append(issues, IntegrityIssue{Table: q.table, Check: q.check, Count: n})
	}
	return issues, nil
}

func (s *PostgresStore) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range Tables() {
		var n int64
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, timeoutErr("count "+table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

type pgTx struct {
	tx pgx.Tx
}

func pgValues(vals []any) []any {
	for i, v := range vals {
		if d, ok := v.(dateOnly); ok {
			vals[i] = d.Time
		}
	}
	return vals
}

func (t *pgTx) InsertBatch(ctx context.Context, typ entity.Type, rows []entity.Entity) ([]bool, error) {
	query, err := insertSQL(typ, pgPlaceholder)
	if err != nil {
		return nil, err
	}
	b := &pgx.Batch{}
	for _, row := range rows {
		vals, err := rowValues(row)
		if err != nil {
			return nil, err
		}
		b.Queue(query, pgValues(vals)...)
	}

	br := t.tx.SendBatch(ctx, b)
	inserted := make([]bool, len(rows))
	for i := range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return nil, classifyPG(typ.Table(), err)
		}
		inserted[i] = tag.RowsAffected() == 1
	}
	if err := br.Close(); err != nil {
		return nil, classifyPG(typ.Table(), err)
	}
	return inserted, nil
}

func (t *pgTx) IsolateRows(ctx context.Context, typ entity.Type, rows []entity.Entity) ([]int, error) {
	query, err := insertSQL(typ, pgPlaceholder)
	if err != nil {
		return nil, err
	}
	var bad []int
	for i, row := range rows {
		vals, err := rowValues(row)
		if err != nil {
			return nil, err
		}
		if _, err := t.tx.Exec(ctx, "SAVEPOINT row_insert"); err != nil {
			return nil, timeoutErr("savepoint", err)
		}
		if _, err := t.tx.Exec(ctx, query, pgValues(vals)...); err != nil {
			if !etlerr.IsIntegrity(classifyPG(typ.Table(), err)) {
				return nil, timeoutErr("insert "+typ.Table(), err)
			}
			bad = append(bad, i)
			if _, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT row_insert"); err != nil {
				return nil, timeoutErr("rollback to savepoint", err)
			}
		}
		if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT row_insert"); err != nil {
			return nil, timeoutErr("release savepoint", err)
		}
	}
	return bad, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO etl_audit_log (
			id, run_id, entity_type, batch_index, attempt,
			attempted, committed, skipped, rejected, duration_ms, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.RunID, string(rec.Entity), rec.BatchIndex, rec.Attempt,
		rec.Attempted, rec.Committed, rec.Skipped, rec.Rejected, rec.Duration.Milliseconds(), rec.RecordedAt,
	)
	if err != nil {
		return timeoutErr("append audit", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classifyPG("", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// classifyPG turns SQLSTATE class 23 (integrity constraint violation) into an
// IntegrityError.
func classifyPG(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(strings.TrimSpace(pgErr.Code), "23") {
		if table == "" {
			table = pgErr.TableName
		}
		return &etlerr.IntegrityError{Table: table, Constraint: pgErr.ConstraintName, Err: err}
	}
	return timeoutErr("write "+table, err)
}

var _ Store = (*PostgresStore)(nil)
