package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr-etl/internal/config"
	"github.com/ehr/ehr-etl/internal/domain/pipeline"
	"github.com/ehr/ehr-etl/internal/domain/target"
	"github.com/ehr/ehr-etl/internal/platform/blobstore"
	"github.com/ehr/ehr-etl/internal/platform/db"
	"github.com/ehr/ehr-etl/migrations"
)

// addPipelineFlags registers the flags that override configuration.
func addPipelineFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("input", "", "Directory holding the raw source files (INPUT_DIR)")
	f.String("output", "", "Directory for reports and the cleaned snapshot (OUTPUT_DIR)")
	f.String("mapping", "", "Field mapping YAML (MAPPING_FILE)")
	f.String("rules", "", "Validation rule overrides YAML (RULES_FILE)")
	f.String("target", "", "Target driver: postgres or sqlite (TARGET_DRIVER)")
	f.String("sqlite-path", "", "SQLite target database (SQLITE_TARGET_PATH)")
	f.Int("batch-size", 0, "Rows per load transaction (BATCH_SIZE)")
	f.Float64("threshold", -1, "Maximum rejection rate per entity type (ERROR_THRESHOLD)")
	f.Int("workers", 0, "Parallel validation workers (WORKERS)")
	f.String("metrics-file", "", "Prometheus textfile to write after the run (METRICS_FILE)")
}

// loadConfig reads configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("input", &cfg.InputDir)
	str("output", &cfg.OutputDir)
	str("mapping", &cfg.MappingFile)
	str("rules", &cfg.RulesFile)
	str("sqlite-path", &cfg.SQLiteTargetPath)
	str("metrics-file", &cfg.MetricsFile)
	if f.Changed("target") {
		v, _ := f.GetString("target")
		cfg.TargetDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if f.Changed("batch-size") {
		cfg.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("threshold") {
		cfg.ErrorThreshold, _ = f.GetFloat64("threshold")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
}

// newLogger writes JSON, or console output in development, to w.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level).With().Str("service", "ehr-etl").Logger()
}

func pipelineOptions(cfg *config.Config, runID uuid.UUID, logger zerolog.Logger) pipeline.Options {
	return pipeline.Options{
		RunID:             runID,
		InputDir:          cfg.InputDir,
		MappingFile:       cfg.MappingFile,
		RulesFile:         cfg.RulesFile,
		Workers:           cfg.Workers,
		IOTimeout:         cfg.IOTimeout,
		Tolerance:         cfg.EncounterTolerance,
		CorrelationWindow: cfg.CorrelationWindow,
		Synthesize:        cfg.SynthesizeEncounters,
		BatchSize:         cfg.BatchSize,
		Threshold:         cfg.ErrorThreshold,
		Logger:            logger,
	}
}

// openStore connects to the configured target. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (target.Store, func(), error) {
	if err := cfg.ValidateTarget(); err != nil {
		return nil, nil, err
	}
	switch cfg.TargetDriver {
	case config.DriverSQLite:
		store, err := target.OpenSQLite(ctx, cfg.SQLiteTargetPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLiteTargetPath).Msg("opened sqlite target")
		return store, func() { _ = store.Close() }, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			n, err := db.NewMigrator(pool, migrationsFS(cfg.MigrationsDir)).Up(ctx, cfg.DBSchema)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("auto-migrate: %w", err)
			}
			logger.Info().Int("applied", n).Str("schema", cfg.DBSchema).Msg("migrations applied")
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return target.NewPostgresStore(pool), pool.Close, nil
	}
}

// migrationsFS prefers a directory on disk and falls back to the embedded set.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func newMigrator(cmd *cobra.Command) (*db.Migrator, string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if cfg.DatabaseURL == "" {
		return nil, "", nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, db.DefaultSchema)
	if err != nil {
		return nil, "", nil, err
	}
	if err := db.EnsureSchema(cmd.Context(), pool, schema); err != nil {
		pool.Close()
		return nil, "", nil, err
	}
	return db.NewMigrator(pool, migrationsFS(dir)), schema, pool.Close, nil
}

// snapshotStore holds the cleaned snapshot shared by clean and load.
func snapshotStore(cfg *config.Config) (blobstore.BlobStore, error) {
	return blobstore.NewFSBlobStore(cfg.OutputDir)
}

// reportStore returns the configured report sink, or nil when reports are
// not persisted.
func reportStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.ReportSink {
	case config.SinkFS:
		return blobstore.NewFSBlobStore(cfg.OutputDir)
	case config.SinkS3:
		return blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:    cfg.ReportS3Bucket,
			Prefix:    cfg.ReportS3Prefix,
			Region:    cfg.ReportS3Region,
			Endpoint:  cfg.ReportS3Endpoint,
			PathStyle: cfg.ReportS3PathStyle,
		})
	}
	return nil, nil
}
