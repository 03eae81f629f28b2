package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is a snapshot of pgxpool counters.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

// Health describes whether the target database is reachable and whether the
// load tables exist in the target schema.
type Health struct {
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`
	Schema        string    `json:"schema"`
	MissingTables []string  `json:"missing_tables,omitempty"`
	Pool          PoolStats `json:"pool"`
}

// Check pings the database and looks up tables in schema, all within timeout.
// Status is "healthy", "incomplete" when tables are missing, or "unhealthy".
func Check(ctx context.Context, pool *pgxpool.Pool, schema string, tables []string, timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h := &Health{Schema: schema}
	fail := func(err error) *Health {
		h.Status = "unhealthy"
		h.Error = err.Error()
		h.Pool = poolStats(pool)
		return h
	}

	if err := pool.QueryRow(ctx, `SHOW server_version`).Scan(&h.ServerVersion); err != nil {
		return fail(err)
	}
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1`, schema)
	if err != nil {
		return fail(fmt.Errorf("list tables: %w", err))
	}
	var have []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fail(err)
		}
		have = append(have, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fail(err)
	}

	h.MissingTables = missingTables(tables, have)
	h.Status = "healthy"
	if len(h.MissingTables) > 0 {
		h.Status = "incomplete"
	}
	h.Pool = poolStats(pool)
	return h
}

func missingTables(want, have []string) []string {
	var out []string
	for _, t := range want {
		if !slices.Contains(have, t) {
			out = append(out, t)
		}
	}
	return out
}
