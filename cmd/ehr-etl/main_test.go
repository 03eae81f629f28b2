package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-etl/internal/config"
	"github.com/ehr/ehr-etl/internal/domain/pipeline"
	"github.com/ehr/ehr-etl/internal/platform/db"
	"github.com/ehr/ehr-etl/migrations"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sqliteEnv points every command at temp directories and a SQLite target.
func sqliteEnv(t *testing.T) (input, output string) {
	t.Helper()
	root := t.TempDir()
	input = filepath.Join(root, "data")
	output = filepath.Join(root, "output")
	t.Setenv("ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TARGET_DRIVER", "sqlite")
	t.Setenv("SQLITE_TARGET_PATH", filepath.Join(output, "ehr.db"))
	t.Setenv("INPUT_DIR", input)
	t.Setenv("OUTPUT_DIR", output)
	t.Setenv("REPORT_SINK", "fs")
	t.Setenv("METRICS_FILE", "")
	return input, output
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func generateSample(t *testing.T) {
	t.Helper()
	out, err := runCommand(t, "sample", "--patients", "5", "--defect-rate", "0", "--seed", "9")
	if err != nil {
		t.Fatalf("sample error: %v", err)
	}
	if !strings.Contains(out, "Injected defects: 0") {
		t.Errorf("unexpected sample output:\n%s", out)
	}
}

// ---------------------------------------------------------------------------
// Exit codes
// ---------------------------------------------------------------------------

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, pipeline.ExitOK},
		{"plain error", errors.New("boom"), pipeline.ExitFailure},
		{"threshold", &exitError{code: pipeline.ExitThreshold}, pipeline.ExitThreshold},
		{"wrapped fatal", errors.Join(errors.New("x"), &exitError{code: pipeline.ExitFatal}), pipeline.ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeOf(tt.err); got != tt.want {
				t.Errorf("exitCodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Message(t *testing.T) {
	if got := (&exitError{code: 2}).Error(); got != "exit status 2" {
		t.Errorf("unexpected message %q", got)
	}
	inner := errors.New("threshold exceeded")
	e := &exitError{code: 2, err: inner}
	if !errors.Is(e, inner) {
		t.Error("expected exitError to unwrap to its cause")
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func TestApplyFlags(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--input", "/in", "--threshold", "0.2", "--target", " SQLite ", "--batch-size", "50"}); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	cfg := &config.Config{InputDir: "./data", ErrorThreshold: 0.05, Workers: 4, BatchSize: 1000}
	applyFlags(cmd, cfg)

	if cfg.InputDir != "/in" {
		t.Errorf("expected input override, got %s", cfg.InputDir)
	}
	if cfg.ErrorThreshold != 0.2 {
		t.Errorf("expected threshold 0.2, got %v", cfg.ErrorThreshold)
	}
	if cfg.TargetDriver != config.DriverSQLite {
		t.Errorf("expected sqlite driver, got %q", cfg.TargetDriver)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.BatchSize)
	}
	if cfg.Workers != 4 {
		t.Errorf("expected unset flag to keep workers 4, got %d", cfg.Workers)
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"service":"ehr-etl"`) {
		t.Errorf("expected service field in %s", out)
	}

	if got := newLogger(&config.Config{LogLevel: "nonsense"}, io.Discard).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}

func TestPipelineOptions(t *testing.T) {
	cfg := &config.Config{
		InputDir:             "/in",
		Workers:              3,
		IOTimeout:            10 * time.Second,
		EncounterTolerance:   24 * time.Hour,
		SynthesizeEncounters: true,
		BatchSize:            200,
		ErrorThreshold:       0.1,
	}
	id := uuid.New()
	opts := pipelineOptions(cfg, id, zerolog.Nop())
	if opts.RunID != id || opts.InputDir != "/in" || opts.Workers != 3 || opts.BatchSize != 200 {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Threshold != 0.1 || opts.Tolerance != 24*time.Hour || !opts.Synthesize {
		t.Errorf("unexpected load options %+v", opts)
	}
}

func TestMigrationsFS(t *testing.T) {
	if migrationsFS("") != migrations.FS {
		t.Error("expected embedded migrations when no directory is set")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_core.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	migs, err := db.NewMigrator(nil, migrationsFS(dir)).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 1 || migs[0].Version != 1 {
		t.Errorf("expected one migration from disk, got %+v", migs)
	}
}

func TestWriteMigrationStatus(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	writeMigrationStatus(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "core", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "indexes"},
	})
	out := buf.String()
	if !strings.Contains(out, "2025-01-02 03:04:05") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out, "ehr-etl ") {
		t.Errorf("unexpected version output %q", out)
	}
}

func TestRunCommand_SQLite(t *testing.T) {
	_, output := sqliteEnv(t)
	generateSample(t)

	out, err := runCommand(t, "run")
	if err != nil {
		t.Fatalf("run error: %v (exit %d)", err, exitCodeOf(err))
	}
	if !strings.Contains(out, "Overall quality score") {
		t.Errorf("expected summary in output:\n%s", out)
	}

	reports, _ := filepath.Glob(filepath.Join(output, "quality_report_*.json"))
	if len(reports) != 1 {
		t.Errorf("expected one quality report, got %v", reports)
	}
	loads, _ := filepath.Glob(filepath.Join(output, "load_report_*.json"))
	if len(loads) != 1 {
		t.Errorf("expected one load report, got %v", loads)
	}

	out, err = runCommand(t, "verify")
	if err != nil {
		t.Fatalf("verify error: %v", err)
	}
	if !strings.Contains(out, "patients") {
		t.Errorf("expected table counts in verify output:\n%s", out)
	}
}

func TestRunCommand_ThresholdExitCode(t *testing.T) {
	input, _ := sqliteEnv(t)
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	generateSample(t)
	// Replace patients with one valid and one future-born record.
	content := "patient_id,first_name,last_name,date_of_birth\nP1,Ann,Lee,1980-01-01\nP2,Bo,Lee,3050-01-01\n"
	if err := os.WriteFile(filepath.Join(input, "patients.csv"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := runCommand(t, "run", "--threshold", "0.1")
	if got := exitCodeOf(err); got != pipeline.ExitThreshold {
		t.Errorf("expected exit code %d, got %d (%v)", pipeline.ExitThreshold, got, err)
	}
}

func TestRunCommand_FatalSourceExitCode(t *testing.T) {
	input, _ := sqliteEnv(t)
	generateSample(t)
	if err := os.Remove(filepath.Join(input, "diagnoses.json")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err := runCommand(t, "run")
	if got := exitCodeOf(err); got != pipeline.ExitFatal {
		t.Errorf("expected exit code %d, got %d (%v)", pipeline.ExitFatal, got, err)
	}
}

func TestCleanThenLoadCommands(t *testing.T) {
	_, output := sqliteEnv(t)
	generateSample(t)

	if _, err := runCommand(t, "clean"); err != nil {
		t.Fatalf("clean error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output, "cleaned", "manifest.json")); err != nil {
		t.Fatalf("expected snapshot manifest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output, "ehr.db")); err == nil {
		t.Error("expected clean not to touch the target")
	}

	if _, err := runCommand(t, "load"); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if _, err := runCommand(t, "verify"); err != nil {
		t.Fatalf("verify error: %v", err)
	}
}

func TestLoadCommand_WithoutSnapshot(t *testing.T) {
	sqliteEnv(t)
	_, err := runCommand(t, "load")
	if got := exitCodeOf(err); got != pipeline.ExitFailure {
		t.Errorf("expected exit code %d, got %d", pipeline.ExitFailure, got)
	}
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("BATCH_SIZE", "0")
	if _, err := runCommand(t, "run"); err == nil || !strings.Contains(err.Error(), "BATCH_SIZE") {
		t.Errorf("expected BATCH_SIZE validation error, got %v", err)
	}
}

func TestRunCommand_MetricsFile(t *testing.T) {
	_, output := sqliteEnv(t)
	generateSample(t)
	path := filepath.Join(output, "metrics", "ehr_etl.prom")

	if _, err := runCommand(t, "run", "--metrics-file", path); err != nil {
		t.Fatalf("run error: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(b), "ehr_etl_last_run_success") {
		t.Errorf("expected run gauge in textfile:\n%s", b)
	}
}
