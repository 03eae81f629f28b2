package source

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ehr/ehr-etl/internal/etlerr"
)

// RelationalAdapter reads one table of an embedded SQLite file, read-only.
type RelationalAdapter struct {
	Dir string
}

func (a *RelationalAdapter) Open(ctx context.Context, ds Dataset) (Reader, error) {
	path := resolve(a.Dir, ds.Path)
	fatal := func(err error) error {
		return &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fatal(err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fatal(fmt.Errorf("open sqlite: %w", err))
	}

	var name string
	err = db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, ds.Table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		db.Close()
		return nil, fatal(fmt.Errorf("table %q not found", ds.Table))
	}
	if err != nil {
		db.Close()
		return nil, fatal(fmt.Errorf("inspect schema: %w", err))
	}
	return &relationalReader{ds: ds, db: db}, nil
}

type relationalReader struct {
	ds Dataset
	db *sql.DB
}

func (r *relationalReader) Records(ctx context.Context) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		origin := func(offset int) Origin {
			return Origin{Kind: KindRelational, System: r.ds.System, Dataset: r.ds.Name, Entity: r.ds.Entity, Offset: offset}
		}
		placeholder := func(offset int, err error) *RelationalRecord {
			return &RelationalRecord{
				origin: origin(offset),
				err:    &etlerr.DecodeError{Dataset: r.ds.Name, Offset: offset, Reason: err.Error()},
			}
		}

		rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %q`, r.ds.Table))
		if err != nil {
			yield(placeholder(1, fmt.Errorf("query %s: %w", r.ds.Table, err)))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			yield(placeholder(1, fmt.Errorf("read columns: %w", err)))
			return
		}

		offset := 0
		for rows.Next() {
			offset++
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				if !yield(placeholder(offset, err)) {
					return
				}
				continue
			}
			columns := make(map[string]any, len(cols))
			for i, c := range cols {
				columns[c] = vals[i]
			}
			if !yield(&RelationalRecord{origin: origin(offset), columns: columns}) {
				return
			}
		}
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			yield(placeholder(offset+1, err))
		}
	}
}

func (r *relationalReader) Close() error {
	return r.db.Close()
}
