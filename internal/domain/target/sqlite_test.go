package target

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "target.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPatient(key string) *entity.Patient {
	return &entity.Patient{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("patient/"+key)),
		FirstName: "John",
		LastName:  "Doe",
		BirthDate: time.Date(1980, 5, 17, 0, 0, 0, 0, time.UTC),
		Sex:       "male",
		Origin:    entity.Provenance{System: "registry", Key: key},
	}
}

func testEncounter(key string, p *entity.Patient) *entity.Encounter {
	return &entity.Encounter{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("encounter/"+key)),
		PatientID:  p.ID,
		OccurredAt: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Type:       "Outpatient Visit",
		Origin:     entity.Provenance{System: "journeys", Key: key},
	}
}

func testObservation(key string, e *entity.Encounter, value float64) *entity.Observation {
	return &entity.Observation{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("observation/"+key)),
		EncounterID:  e.ID,
		PatientID:    e.PatientID,
		Description:  "Glucose",
		ObservedAt:   e.OccurredAt,
		ValueNumeric: &value,
		Origin:       entity.Provenance{System: "registry", Key: key},
	}
}

func insertCommitted(t *testing.T, s Store, typ entity.Type, rows ...entity.Entity) []bool {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	inserted, err := tx.InsertBatch(ctx, typ, rows)
	if err != nil {
		_ = tx.Rollback(ctx)
		t.Fatalf("InsertBatch(%s) error: %v", typ, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	return inserted
}

func TestSQLiteStore_InsertSkipsExisting(t *testing.T) {
	s := openTestStore(t)
	p := testPatient("P1")

	first := insertCommitted(t, s, entity.TypePatient, p)
	if !first[0] {
		t.Error("expected first insert to be committed")
	}
	second := insertCommitted(t, s, entity.TypePatient, p)
	if second[0] {
		t.Error("expected re-insert to be skipped")
	}

	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error: %v", err)
	}
	if counts["patients"] != 1 {
		t.Errorf("expected 1 patient, got %d", counts["patients"])
	}
}

func TestSQLiteStore_ForeignKeyViolationIsIntegrityError(t *testing.T) {
	s := openTestStore(t)
	ghost := testPatient("GHOST")
	enc := testEncounter("E1", ghost)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.InsertBatch(ctx, entity.TypeEncounter, []entity.Entity{enc})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
	var ie *etlerr.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
	if ie.Table != "encounters" {
		t.Errorf("expected table encounters, got %s", ie.Table)
	}
	if ie.Constraint == "" {
		t.Error("expected constraint to be named")
	}
}

func TestSQLiteStore_CheckConstraintRejectsTwoValues(t *testing.T) {
	s := openTestStore(t)
	p := testPatient("P1")
	e := testEncounter("E1", p)
	insertCommitted(t, s, entity.TypePatient, p)
	insertCommitted(t, s, entity.TypeEncounter, e)

	obs := testObservation("O1", e, 120)
	text := "high"
	obs.ValueText = &text

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.InsertBatch(ctx, entity.TypeObservation, []entity.Entity{obs}); !etlerr.IsIntegrity(err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestSQLiteStore_IsolateRowsFindsOffenders(t *testing.T) {
	s := openTestStore(t)
	p := testPatient("P1")
	insertCommitted(t, s, entity.TypePatient, p)

	good := testEncounter("E1", p)
	bad := testEncounter("E2", testPatient("GHOST"))
	good2 := testEncounter("E3", p)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	offenders, err := tx.IsolateRows(ctx, entity.TypeEncounter, []entity.Entity{good, bad, good2})
	if err != nil {
		t.Fatalf("IsolateRows() error: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
	if len(offenders) != 1 || offenders[0] != 1 {
		t.Fatalf("expected offenders [1], got %v", offenders)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error: %v", err)
	}
	if counts["encounters"] != 0 {
		t.Errorf("expected IsolateRows to leave no rows, got %d", counts["encounters"])
	}
}

func TestSQLiteStore_RollbackDiscardsBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if _, err := tx.InsertBatch(ctx, entity.TypePatient, []entity.Entity{testPatient("P1"), testPatient("P2")}); err != nil {
		t.Fatalf("InsertBatch() error: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
	counts, _ := s.Counts(ctx)
	if counts["patients"] != 0 {
		t.Errorf("expected 0 patients after rollback, got %d", counts["patients"])
	}
}

func TestSQLiteStore_ExistingAndVerify(t *testing.T) {
	s := openTestStore(t)
	p := testPatient("P1")
	e := testEncounter("E1", p)
	insertCommitted(t, s, entity.TypePatient, p)
	insertCommitted(t, s, entity.TypeEncounter, e)
	insertCommitted(t, s, entity.TypeObservation, testObservation("O1", e, 95))

	ctx := context.Background()
	missing := uuid.New()
	found, err := s.Existing(ctx, entity.TypePatient, []uuid.UUID{p.ID, missing})
	if err != nil {
		t.Fatalf("Existing() error: %v", err)
	}
	if !found[p.ID] || found[missing] {
		t.Errorf("unexpected existing set: %v", found)
	}

	issues, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if len(issues) == 0 {
		t.Fatal("expected verification checks to be reported")
	}
	if n := TotalIssues(issues); n != 0 {
		t.Errorf("expected 0 integrity issues, got %d: %+v", n, issues)
	}
}

func TestSQLiteStore_AppendAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	err = tx.AppendAudit(ctx, AuditRecord{
		ID:         uuid.New(),
		RunID:      uuid.New(),
		Entity:     entity.TypePatient,
		BatchIndex: 0,
		Attempt:    1,
		Attempted:  2,
		Committed:  2,
		Duration:   15 * time.Millisecond,
		RecordedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AppendAudit() error: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	counts, _ := s.Counts(ctx)
	if counts["etl_audit_log"] != 1 {
		t.Errorf("expected 1 audit row, got %d", counts["etl_audit_log"])
	}
}

func TestInsertSQL(t *testing.T) {
	q, err := insertSQL(entity.TypeEncounter, pgPlaceholder)
	if err != nil {
		t.Fatalf("insertSQL() error: %v", err)
	}
	want := "INSERT INTO encounters ("
	if !strings.HasPrefix(q, want) {
		t.Errorf("unexpected statement prefix: %s", q)
	}
	for _, frag := range []string{"$10)", "ON CONFLICT (id) DO NOTHING"} {
		if !strings.Contains(q, frag) {
			t.Errorf("expected %q in %s", frag, q)
		}
	}
	if _, err := insertSQL(entity.Type("allergy"), pgPlaceholder); err == nil {
		t.Error("expected error for unknown type")
	}
}
