package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-etl/internal/etlerr"
)

// Reader yields the records of one opened dataset. Records is lazy and may
// be ranged over once.
type Reader interface {
	Records(ctx context.Context) iter.Seq[Record]
	Close() error
}

// Adapter opens datasets of one source shape.
type Adapter interface {
	Open(ctx context.Context, ds Dataset) (Reader, error)
}

// NewAdapter returns the adapter for kind rooted at dir.
func NewAdapter(kind Kind, dir string) (Adapter, error) {
	switch kind {
	case KindTabular:
		return &TabularAdapter{Dir: dir}, nil
	case KindDocument:
		return &DocumentAdapter{Dir: dir}, nil
	case KindRelational:
		return &RelationalAdapter{Dir: dir}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", kind)
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

// Open opens ds with a bounded timeout, retrying once when the first attempt
// times out.
func Open(ctx context.Context, a Adapter, ds Dataset, timeout time.Duration) (Reader, error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		octx, cancel := context.WithTimeout(ctx, timeout)
		var rd Reader
		rd, err = a.Open(octx, ds)
		cancel()
		if err == nil {
			return rd, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %w", etlerr.ErrTimeout, err)
}

// Extraction is the projected output of every dataset in a mapping.
type Extraction struct {
	Candidates []Candidate
	// Fatal lists datasets that could not be read at all.
	Fatal []*etlerr.FatalSourceError
	// Read counts records per dataset, placeholders included.
	Read map[string]int
}

// Extract opens each dataset in mapping order and projects every record.
// A fatal error on one dataset is recorded and the remaining datasets are
// still read.
func Extract(ctx context.Context, m *Mapping, dir string, timeout time.Duration, logger zerolog.Logger) (*Extraction, error) {
	out := &Extraction{Read: make(map[string]int, len(m.Datasets))}
	for _, ds := range m.Datasets {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		a, err := NewAdapter(ds.Kind, dir)
		if err != nil {
			return out, err
		}
		rd, err := Open(ctx, a, ds, timeout)
		if err != nil {
			var fe *etlerr.FatalSourceError
			if !errors.As(err, &fe) {
				fe = &etlerr.FatalSourceError{Dataset: ds.Name, Path: resolve(dir, ds.Path), Err: err}
			}
			logger.Error().Err(err).Str("dataset", ds.Name).Msg("source unavailable")
			out.Fatal = append(out.Fatal, fe)
			continue
		}

		cands, decodeErrs, err := Read(ctx, rd, ds, timeout)
		if cerr := rd.Close(); cerr != nil {
			logger.Warn().Err(cerr).Str("dataset", ds.Name).Msg("close source")
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			logger.Error().Err(err).Str("dataset", ds.Name).Msg("source read incomplete")
			out.Fatal = append(out.Fatal, &etlerr.FatalSourceError{Dataset: ds.Name, Path: resolve(dir, ds.Path), Err: err})
			continue
		}
		n := len(cands)
		out.Candidates = append(out.Candidates, cands...)
		out.Read[ds.Name] = n
		logger.Info().Str("dataset", ds.Name).Str("kind", string(ds.Kind)).
			Int("records", n).Int("decode_errors", decodeErrs).Msg("dataset extracted")
	}
	return out, ctx.Err()
}

// Read drains rd within timeout and projects every record. A read cut short
// by the deadline yields no candidates and an ErrTimeout, so a dataset is
// either extracted whole or reported as failed.
func Read(ctx context.Context, rd Reader, ds Dataset, timeout time.Duration) ([]Candidate, int, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cands []Candidate
	decodeErrs := 0
	for rec := range rd.Records(rctx) {
		if rec.Err() != nil {
			decodeErrs++
		}
		cands = append(cands, ds.Project(rec))
	}
	if err := ctx.Err(); err != nil {
		return nil, decodeErrs, err
	}
	if rctx.Err() != nil {
		return nil, decodeErrs, fmt.Errorf("read %s after %s: %w", ds.Name, timeout, etlerr.ErrTimeout)
	}
	return cands, decodeErrs, nil
}
