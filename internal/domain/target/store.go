// Package target persists canonical entities into the relational target
// store. Two drivers share one schema: PostgreSQL through pgx and an embedded
// SQLite database through modernc.org/sqlite.
package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

// Store is a transactional target.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Existing returns the subset of ids already present in the table of t.
	Existing(ctx context.Context, t entity.Type, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	Verify(ctx context.Context) ([]IntegrityIssue, error)
	Counts(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Tx is one batch transaction.
type Tx interface {
	// InsertBatch inserts rows with upsert-or-skip semantics. The result
	// reports, per row, whether it was newly inserted.
	InsertBatch(ctx context.Context, t entity.Type, rows []entity.Entity) ([]bool, error)
	// IsolateRows inserts rows one at a time behind a savepoint and returns the
	// indexes of the rows that violate a constraint.
	IsolateRows(ctx context.Context, t entity.Type, rows []entity.Entity) ([]int, error)
	AppendAudit(ctx context.Context, rec AuditRecord) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AuditRecord is written into etl_audit_log inside the batch transaction.
type AuditRecord struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	Entity     entity.Type
	BatchIndex int
	Attempt    int
	Attempted  int
	Committed  int
	Skipped    int
	Rejected   int
	Duration   time.Duration
	RecordedAt time.Time
}

// IntegrityIssue is one post-load referential check.
type IntegrityIssue struct {
	Table string `json:"table"`
	Check string `json:"check"`
	Count int64  `json:"count"`
}

// TotalIssues sums the violation counts.
func TotalIssues(issues []IntegrityIssue) int64 {
	var n int64
	for _, is := range issues {
		n += is.Count
	}
	return n
}

// Tables lists the target tables in load order followed by the audit log.
func Tables() []string {
	out := make([]string, 0, len(entity.All)+1)
	for _, t := range entity.All {
		out = append(out, t.Table())
	}
	return append(out, "etl_audit_log")
}

// dateOnly marks a value stored in a DATE column.
type dateOnly struct{ time.Time }

// timeoutErr maps a deadline into etlerr.ErrTimeout so callers can retry.
func timeoutErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, etlerr.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTimeout reports whether err is a timed out store operation.
func IsTimeout(err error) bool {
	return errors.Is(err, etlerr.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
