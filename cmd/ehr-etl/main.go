package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr-etl/internal/config"
	"github.com/ehr/ehr-etl/internal/domain/pipeline"
	"github.com/ehr/ehr-etl/internal/domain/report"
	"github.com/ehr/ehr-etl/internal/domain/target"
	"github.com/ehr/ehr-etl/internal/platform/blobstore"
	"github.com/ehr/ehr-etl/internal/platform/db"
	"github.com/ehr/ehr-etl/internal/platform/sandbox"
	"github.com/ehr/ehr-etl/internal/platform/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// exitCodeOf maps a command error to the process exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return pipeline.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return pipeline.ExitFailure
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	var ee *exitError
	if err != nil && !errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	if code := exitCodeOf(err); code != pipeline.ExitOK {
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ehr-etl",
		Short:         "Patient-care batch ETL: extract, validate, normalize and load clinical sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addPipelineFlags(rootCmd)

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sampleCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// ---------------------------------------------------------------------------
// Pipeline commands
// ---------------------------------------------------------------------------

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Extract, validate, normalize and load in one pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, func(ctx context.Context, e *env) *pipeline.Outcome {
				store, closeStore, err := openStore(ctx, e.cfg, e.logger)
				if err != nil {
					return failed(e, err)
				}
				defer closeStore()
				return e.pipeline(store, nil).Run(ctx)
			})
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Extract, validate and normalize; write the cleaned snapshot and quality report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, func(ctx context.Context, e *env) *pipeline.Outcome {
				artifacts, err := snapshotStore(e.cfg)
				if err != nil {
					return failed(e, err)
				}
				return e.pipeline(nil, artifacts).Clean(ctx)
			})
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load the cleaned snapshot written by clean",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, func(ctx context.Context, e *env) *pipeline.Outcome {
				artifacts, err := snapshotStore(e.cfg)
				if err != nil {
					return failed(e, err)
				}
				store, closeStore, err := openStore(ctx, e.cfg, e.logger)
				if err != nil {
					return failed(e, err)
				}
				defer closeStore()
				return e.pipeline(store, artifacts).Load(ctx)
			})
		},
	}
}

// env is what every pipeline command shares.
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	runID   uuid.UUID
	metrics *telemetry.TelemetryProvider
	reports *report.Writer
	out     io.Writer
}

func (e *env) pipeline(store target.Store, artifacts blobstore.BlobStore) *pipeline.Pipeline {
	return pipeline.New(pipelineOptions(e.cfg, e.runID, e.logger), store, artifacts, e.reports, e.metrics)
}

func failed(e *env, err error) *pipeline.Outcome {
	return &pipeline.Outcome{RunID: e.runID.String(), ExitCode: pipeline.ExitFailure, Err: err}
}

// execute loads configuration, runs fn and turns its outcome into output and
// an exit code.
func execute(cmd *cobra.Command, fn func(context.Context, *env) *pipeline.Outcome) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	runID := uuid.New()
	logger = logger.With().Str("run_id", runID.String()).Logger()

	sink, err := reportStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	metrics := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
		RunID:          runID.String(),
		ProcessMetrics: cfg.MetricsFile != "",
	})
	defer metrics.Shutdown(context.Background())

	e := &env{
		cfg:     cfg,
		logger:  logger,
		runID:   runID,
		metrics: metrics,
		reports: report.NewWriter(sink, logger),
		out:     cmd.OutOrStdout(),
	}

	out := fn(cmd.Context(), e)
	if out.Err != nil {
		logger.Error().Err(out.Err).Int("exit_code", out.ExitCode).Msg("run failed")
	}
	if err := report.WriteSummary(e.out, out.Quality, out.Load); err != nil {
		logger.Warn().Err(err).Msg("write summary")
	}
	for _, loc := range out.Artifacts {
		fmt.Fprintf(e.out, "Report written: %s\n", loc)
	}
	if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
		logger.Warn().Err(err).Str("path", cfg.MetricsFile).Msg("write metrics textfile")
	}

	logger.Info().Int("exit_code", out.ExitCode).Msg("run finished")
	if out.ExitCode != pipeline.ExitOK {
		return &exitError{code: out.ExitCode, err: out.Err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// verify
// ---------------------------------------------------------------------------

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check referential integrity and row counts of the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if cfg.TargetDriver == config.DriverPostgres {
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
				if err != nil {
					return err
				}
				h := db.Check(ctx, pool, cfg.DBSchema, target.Tables(), cfg.IOTimeout)
				pool.Close()
				fmt.Fprintf(out, "Database: %s %s (%d/%d connections)\n", h.Status, h.ServerVersion, h.Pool.TotalConns, h.Pool.MaxConns)
				if len(h.MissingTables) > 0 {
					return fmt.Errorf("schema %s is missing tables %s; run migrate up", cfg.DBSchema, strings.Join(h.MissingTables, ", "))
				}
			}

			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			issues, err := store.Verify(ctx)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			counts, err := store.Counts(ctx)
			if err != nil {
				return fmt.Errorf("counts: %w", err)
			}
			if err := writeVerification(out, counts, issues); err != nil {
				return err
			}
			if n := target.TotalIssues(issues); n > 0 {
				return &exitError{code: pipeline.ExitFailure, err: fmt.Errorf("%d referential integrity issue(s)", n)}
			}
			return nil
		},
	}
}

func writeVerification(out io.Writer, counts map[string]int64, issues []target.IntegrityIssue) error {
	fmt.Fprintf(out, "%-20s %s\n", "TABLE", "ROWS")
	for _, table := range target.Tables() {
		fmt.Fprintf(out, "%-20s %d\n", table, counts[table])
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-20s %-40s %s\n", "TABLE", "CHECK", "ROWS")
	for _, i := range issues {
		status := "ok"
		if i.Count > 0 {
			status = fmt.Sprintf("%d", i.Count)
		}
		if _, err := fmt.Fprintf(out, "%-20s %-40s %s\n", i.Table, i.Check, status); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL target migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, closePool, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, closePool, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			writeMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func writeMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// ---------------------------------------------------------------------------
// sample
// ---------------------------------------------------------------------------

func sampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate synthetic source files with injected defects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			seed := sandbox.DefaultSeedConfig()
			seed.PatientCount, _ = cmd.Flags().GetInt("patients")
			seed.EncountersPerPatient, _ = cmd.Flags().GetInt("encounters")
			seed.DefectRate, _ = cmd.Flags().GetFloat64("defect-rate")
			seed.Seed, _ = cmd.Flags().GetInt64("seed")
			if seed.Seed == 0 {
				seed.Seed = time.Now().UnixNano()
			}

			res, err := sandbox.NewSeeder(seed).Generate(cmd.Context(), cfg.InputDir)
			if err != nil {
				return fmt.Errorf("generate sample: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated sample sources in %s (%s)\n", cfg.InputDir, res.Duration.Round(time.Millisecond))
			for _, k := range []string{"patients", "encounters", "diagnoses", "medications", "procedures", "observations"} {
				fmt.Fprintf(out, "  %-14s %d\n", k, res.Counts[k])
			}
			fmt.Fprintf(out, "Injected defects: %d\n", res.TotalDefects())
			return nil
		},
	}
	cmd.Flags().Int("patients", 100, "Number of patients")
	cmd.Flags().Int("encounters", 3, "Encounters per patient")
	cmd.Flags().Float64("defect-rate", 0.02, "Share of records with an injected defect")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ehr-etl %s\n", version)
		},
	}
}
