package sandbox

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func generate(t *testing.T, cfg SeedConfig) (string, *SeedResult) {
	t.Helper()
	dir := t.TempDir()
	res, err := NewSeeder(cfg).Generate(context.Background(), dir)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	return dir, res
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse %s: %v", path, err)
	}
	return rows
}

func cleanConfig() SeedConfig {
	cfg := DefaultSeedConfig()
	cfg.PatientCount = 10
	cfg.DefectRate = 0
	cfg.Seed = 42
	return cfg
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

func TestDataGenerator_Deterministic(t *testing.T) {
	a := NewDataGenerator(7)
	b := NewDataGenerator(7)
	for i := 0; i < 20; i++ {
		if x, y := a.nextID("PAT"), b.nextID("PAT"); x != y {
			t.Fatalf("expected identical ids for the same seed, got %s and %s", x, y)
		}
	}
}

func TestDataGenerator_UniqueIDs(t *testing.T) {
	g := NewDataGenerator(1)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.nextID("OBS")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestDataGenerator_RandomDate(t *testing.T) {
	g := NewDataGenerator(3)
	for i := 0; i < 100; i++ {
		d := g.randomDate(1950, 1960)
		if len(d) != 10 || d < "1950-01-01" || d > "1960-12-28" {
			t.Fatalf("date %s outside requested range", d)
		}
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

func TestSeedConfig_Validate(t *testing.T) {
	cfg := SeedConfig{PatientCount: 0}
	if err := cfg.validate(); err == nil {
		t.Error("expected error for zero patients")
	}
	cfg = SeedConfig{PatientCount: 1, DefectRate: 1.5}
	if err := cfg.validate(); err == nil {
		t.Error("expected error for defect rate above 1")
	}
	cfg = SeedConfig{PatientCount: 1}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() error: %v", err)
	}
	if cfg.Start.IsZero() {
		t.Error("expected start date to be defaulted")
	}
}

func TestGenerate_Files(t *testing.T) {
	dir, res := generate(t, cleanConfig())

	for _, name := range []string{PatientsFile, ObservationsFile, ProceduresFile, DiagnosesFile, MedicationsFile, EncountersDB} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if len(res.Files) != 6 {
		t.Errorf("expected 6 files, got %d", len(res.Files))
	}

	want := map[string]int{
		"patients":     10,
		"encounters":   30,
		"observations": 60,
		"diagnoses":    20,
		"medications":  20,
		"procedures":   10,
	}
	for k, v := range want {
		if res.Counts[k] != v {
			t.Errorf("expected %d %s, got %d", v, k, res.Counts[k])
		}
	}
	if res.TotalDefects() != 0 {
		t.Errorf("expected no defects at rate 0, got %v", res.Defects)
	}
}

func TestGenerate_PatientsCSV(t *testing.T) {
	dir, _ := generate(t, cleanConfig())
	rows := readCSV(t, filepath.Join(dir, PatientsFile))
	if len(rows) != 11 {
		t.Fatalf("expected header plus 10 rows, got %d", len(rows))
	}
	if rows[0][0] != "patient_id" || rows[0][9] != "phone_number" {
		t.Errorf("unexpected header %v", rows[0])
	}
	for _, r := range rows[1:] {
		if !strings.HasPrefix(r[0], "PAT-") {
			t.Errorf("unexpected patient id %s", r[0])
		}
		if r[4] != "M" && r[4] != "F" {
			t.Errorf("unexpected sex %q", r[4])
		}
		if r[3] > "2015-12-31" {
			t.Errorf("birth date %s out of range", r[3])
		}
	}
}

func TestGenerate_EncountersDatabase(t *testing.T) {
	dir, res := generate(t, cleanConfig())
	db, err := sql.Open("sqlite", filepath.Join(dir, EncountersDB))
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM encounters`).Scan(&n); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if n != res.Counts["encounters"] {
		t.Errorf("expected %d encounter rows, got %d", res.Counts["encounters"], n)
	}

	var orphans int
	err = db.QueryRow(`SELECT COUNT(*) FROM encounters WHERE patient_id LIKE 'PAT-UNKNOWN-%'`).Scan(&orphans)
	if err != nil {
		t.Fatalf("orphan query error: %v", err)
	}
	if orphans != 0 {
		t.Errorf("expected no unknown patients in clean data, got %d", orphans)
	}
}

func TestGenerate_Regenerate(t *testing.T) {
	dir := t.TempDir()
	cfg := cleanConfig()
	for i := 0; i < 2; i++ {
		if _, err := NewSeeder(cfg).Generate(context.Background(), dir); err != nil {
			t.Fatalf("Generate() run %d error: %v", i, err)
		}
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, EncountersDB))
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM encounters`).Scan(&n); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if n != 30 {
		t.Errorf("expected database to be replaced, got %d rows", n)
	}
}

func TestGenerate_Documents(t *testing.T) {
	dir, _ := generate(t, cleanConfig())

	b, err := os.ReadFile(filepath.Join(dir, MedicationsFile))
	if err != nil {
		t.Fatalf("failed to read medications: %v", err)
	}
	var meds []map[string]any
	if err := json.Unmarshal(b, &meds); err != nil {
		t.Fatalf("medications not a JSON array: %v", err)
	}
	if len(meds) != 20 {
		t.Fatalf("expected 20 medications, got %d", len(meds))
	}
	for _, m := range meds {
		end, ok := m["end_date"].(string)
		if ok && end < m["start_date"].(string) {
			t.Errorf("clean medication ends before it starts: %v", m)
		}
	}

	b, err = os.ReadFile(filepath.Join(dir, DiagnosesFile))
	if err != nil {
		t.Fatalf("failed to read diagnoses: %v", err)
	}
	var dx []diagnosisDoc
	if err := json.Unmarshal(b, &dx); err != nil {
		t.Fatalf("diagnoses not a JSON array: %v", err)
	}
	primaries := 0
	for _, d := range dx {
		if d.Code == "" {
			t.Errorf("clean diagnosis without code: %+v", d)
		}
		if d.Primary {
			primaries++
		}
	}
	if primaries != 10 {
		t.Errorf("expected one primary diagnosis per patient, got %d", primaries)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	dirA, _ := generate(t, cleanConfig())
	dirB, _ := generate(t, cleanConfig())
	a, _ := os.ReadFile(filepath.Join(dirA, PatientsFile))
	b, _ := os.ReadFile(filepath.Join(dirB, PatientsFile))
	if string(a) != string(b) {
		t.Error("expected identical output for the same seed")
	}
}

func TestGenerate_Defects(t *testing.T) {
	cfg := cleanConfig()
	cfg.PatientCount = 200
	cfg.DefectRate = 0.2
	_, res := generate(t, cfg)

	if res.TotalDefects() == 0 {
		t.Fatal("expected defects at rate 0.2")
	}
	for _, name := range []string{"future_birth_date", "unknown_patient", "observation_without_value"} {
		if res.Defects[name] == 0 {
			t.Errorf("expected at least one %s defect, got %v", name, res.Defects)
		}
	}
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSeeder(cleanConfig()).Generate(ctx, t.TempDir()); err == nil {
		t.Error("expected error for cancelled context")
	}
}
