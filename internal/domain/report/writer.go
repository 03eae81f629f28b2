package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-etl/internal/platform/blobstore"
)

// QualityKey and LoadKey name the artifacts of a run.
func QualityKey(runID string) string { return fmt.Sprintf("quality_report_%s.json", runID) }
func LoadKey(runID string) string    { return fmt.Sprintf("load_report_%s.json", runID) }

// Writer persists report artifacts to a blob store.
type Writer struct {
	store  blobstore.BlobStore
	logger zerolog.Logger
}

func NewWriter(store blobstore.BlobStore, logger zerolog.Logger) *Writer {
	return &Writer{store: store, logger: logger}
}

// Write stores whichever artifacts are non-nil and returns their locations.
// Both are attempted even if the first one fails.
func (w *Writer) Write(ctx context.Context, q *QualityReport, l *LoadReport) ([]string, error) {
	if w == nil || w.store == nil {
		return nil, nil
	}
	var locs []string
	var errs []error
	if q != nil {
		loc, err := w.put(ctx, QualityKey(q.RunID), q, q.RunID)
		if err != nil {
			errs = append(errs, err)
		} else {
			locs = append(locs, loc)
		}
	}
	if l != nil {
		loc, err := w.put(ctx, LoadKey(l.RunID), l, l.RunID)
		if err != nil {
			errs = append(errs, err)
		} else {
			locs = append(locs, loc)
		}
	}
	return locs, errors.Join(errs...)
}

func (w *Writer) put(ctx context.Context, key string, v any, runID string) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	meta, err := w.store.Put(ctx, key, bytes.NewReader(b), blobstore.PutOptions{
		ContentType: "application/json",
		Tags:        map[string]string{"run_id": runID},
	})
	if err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	loc := w.store.Location(key)
	w.logger.Info().Str("artifact", key).Int64("bytes", meta.Size).Str("location", loc).Msg("report written")
	return loc, nil
}
