package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/loader"
	"github.com/ehr/ehr-etl/internal/platform/blobstore"
)

const (
	snapshotPrefix = "cleaned/"
	manifestKey    = snapshotPrefix + "manifest.json"
)

// ErrNoSnapshot is returned by ReadSnapshot when clean has not run.
var ErrNoSnapshot = errors.New("no cleaned snapshot found; run clean first")

// Manifest describes a cleaned snapshot.
type Manifest struct {
	RunID     string                       `json:"run_id"`
	CreatedAt time.Time                    `json:"created_at"`
	Counts    map[entity.Type]int          `json:"counts"`
	Prior     map[entity.Type]loader.Prior `json:"prior"`

	// FatalSources lists datasets clean could not open or read.
	FatalSources []string `json:"fatal_sources,omitempty"`
}

// Snapshot is the normalized output of clean, as consumed by load.
type Snapshot struct {
	Manifest Manifest
	Entities entity.Set
}

func snapshotKey(t entity.Type) string { return snapshotPrefix + string(t) + ".json" }

// WriteSnapshot stores one JSON array per entity type plus the manifest. The
// manifest is written last so a partial snapshot is never picked up.
func WriteSnapshot(ctx context.Context, store blobstore.BlobStore, s *Snapshot) error {
	s.Manifest.Counts = make(map[entity.Type]int, len(entity.All))
	for _, t := range entity.All {
		rows := s.Entities[t]
		if rows == nil {
			rows = []entity.Entity{}
		}
		if err := putJSON(ctx, store, snapshotKey(t), rows, s.Manifest.RunID); err != nil {
			return err
		}
		s.Manifest.Counts[t] = len(rows)
	}
	return putJSON(ctx, store, manifestKey, s.Manifest, s.Manifest.RunID)
}

// ReadSnapshot loads the snapshot written by WriteSnapshot.
func ReadSnapshot(ctx context.Context, store blobstore.BlobStore) (*Snapshot, error) {
	s := &Snapshot{Entities: entity.Set{}}
	if err := getJSON(ctx, store, manifestKey, &s.Manifest); err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	for _, t := range entity.All {
		rows, err := readEntities(ctx, store, t)
		if err != nil {
			return nil, err
		}
		if want := s.Manifest.Counts[t]; len(rows) != want {
			return nil, fmt.Errorf("snapshot %s: manifest lists %d rows, found %d", t, want, len(rows))
		}
		if len(rows) > 0 {
			s.Entities[t] = rows
		}
	}
	return s, nil
}

func readEntities(ctx context.Context, store blobstore.BlobStore, t entity.Type) ([]entity.Entity, error) {
	key := snapshotKey(t)
	switch t {
	case entity.TypePatient:
		return decodeAs[entity.Patient](ctx, store, key)
	case entity.TypeEncounter:
		return decodeAs[entity.Encounter](ctx, store, key)
	case entity.TypeDiagnosis:
		return decodeAs[entity.Diagnosis](ctx, store, key)
	case entity.TypeMedication:
		return decodeAs[entity.Medication](ctx, store, key)
	case entity.TypeProcedure:
		return decodeAs[entity.Procedure](ctx, store, key)
	case entity.TypeObservation:
		return decodeAs[entity.Observation](ctx, store, key)
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

// decodeAs reads a JSON array of T and returns it as entities. *T must
// implement entity.Entity.
func decodeAs[T any, PT interface {
	*T
	entity.Entity
}](ctx context.Context, store blobstore.BlobStore, key string) ([]entity.Entity, error) {
	var rows []T
	if err := getJSON(ctx, store, key, &rows); err != nil {
		return nil, err
	}
	out := make([]entity.Entity, len(rows))
	for i := range rows {
		out[i] = PT(&rows[i])
	}
	return out, nil
}

func putJSON(ctx context.Context, store blobstore.BlobStore, key string, v any, runID string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := store.Put(ctx, key, bytes.NewReader(b), blobstore.PutOptions{
		ContentType: "application/json",
		Tags:        map[string]string{"run_id": runID},
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, store blobstore.BlobStore, key string, v any) error {
	rc, _, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
