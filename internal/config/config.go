package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Target drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Report sinks. An empty sink disables persisted reports.
const (
	SinkFS = "fs"
	SinkS3 = "s3"
)

type Config struct {
	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema             string        `mapstructure:"DB_SCHEMA"`
	TargetDriver         string        `mapstructure:"TARGET_DRIVER"`
	SQLiteTargetPath     string        `mapstructure:"SQLITE_TARGET_PATH"`
	InputDir             string        `mapstructure:"INPUT_DIR"`
	OutputDir            string        `mapstructure:"OUTPUT_DIR"`
	MappingFile          string        `mapstructure:"MAPPING_FILE"`
	RulesFile            string        `mapstructure:"RULES_FILE"`
	BatchSize            int           `mapstructure:"BATCH_SIZE"`
	ErrorThreshold       float64       `mapstructure:"ERROR_THRESHOLD"`
	IOTimeout            time.Duration `mapstructure:"IO_TIMEOUT"`
	Workers              int           `mapstructure:"WORKERS"`
	EncounterTolerance   time.Duration `mapstructure:"ENCOUNTER_TOLERANCE"`
	CorrelationWindow    time.Duration `mapstructure:"CORRELATION_WINDOW"`
	SynthesizeEncounters bool          `mapstructure:"SYNTHESIZE_ENCOUNTERS"`
	ReportSink           string        `mapstructure:"REPORT_SINK"`
	ReportS3Bucket       string        `mapstructure:"REPORT_S3_BUCKET"`
	ReportS3Prefix       string        `mapstructure:"REPORT_S3_PREFIX"`
	ReportS3Region       string        `mapstructure:"REPORT_S3_REGION"`
	ReportS3Endpoint     string        `mapstructure:"REPORT_S3_ENDPOINT"`
	ReportS3PathStyle    bool          `mapstructure:"REPORT_S3_PATH_STYLE"`
	MetricsFile          string        `mapstructure:"METRICS_FILE"`
	MigrationsDir        string        `mapstructure:"MIGRATIONS_DIR"`
	AutoMigrate          bool          `mapstructure:"AUTO_MIGRATE"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"TARGET_DRIVER", "SQLITE_TARGET_PATH", "INPUT_DIR", "OUTPUT_DIR", "MAPPING_FILE",
	"RULES_FILE", "BATCH_SIZE", "ERROR_THRESHOLD", "IO_TIMEOUT", "WORKERS",
	"ENCOUNTER_TOLERANCE", "CORRELATION_WINDOW", "SYNTHESIZE_ENCOUNTERS", "REPORT_SINK",
	"REPORT_S3_BUCKET", "REPORT_S3_PREFIX", "REPORT_S3_REGION", "REPORT_S3_ENDPOINT",
	"REPORT_S3_PATH_STYLE", "METRICS_FILE", "MIGRATIONS_DIR", "AUTO_MIGRATE",
}

// Load reads configuration from the environment and an optional .env file.
// Call Validate before use; commands override fields from flags first.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("TARGET_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_TARGET_PATH", "./output/ehr.db")
	v.SetDefault("INPUT_DIR", "./data")
	v.SetDefault("OUTPUT_DIR", "./output")
	v.SetDefault("BATCH_SIZE", 1000)
	v.SetDefault("ERROR_THRESHOLD", 0.05)
	v.SetDefault("IO_TIMEOUT", "30s")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("ENCOUNTER_TOLERANCE", "24h")
	v.SetDefault("CORRELATION_WINDOW", "720h")
	v.SetDefault("SYNTHESIZE_ENCOUNTERS", true)
	v.SetDefault("REPORT_SINK", SinkFS)
	v.SetDefault("REPORT_S3_REGION", "us-east-1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.TargetDriver = strings.ToLower(strings.TrimSpace(cfg.TargetDriver))
	cfg.ReportSink = strings.ToLower(strings.TrimSpace(cfg.ReportSink))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings needed by every command. Commands that touch
// the target call ValidateTarget as well.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("ERROR_THRESHOLD must be within [0, 1], got %v", c.ErrorThreshold)
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("IO_TIMEOUT must be positive, got %s", c.IOTimeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.EncounterTolerance < 0 || c.CorrelationWindow < 0 {
		return fmt.Errorf("ENCOUNTER_TOLERANCE and CORRELATION_WINDOW must not be negative")
	}
	switch c.ReportSink {
	case "", SinkFS:
	case SinkS3:
		if c.ReportS3Bucket == "" {
			return fmt.Errorf("REPORT_S3_BUCKET is required when REPORT_SINK is %q", SinkS3)
		}
	default:
		return fmt.Errorf("REPORT_SINK must be \"fs\", \"s3\" or empty, got %q", c.ReportSink)
	}
	return nil
}

// ValidateTarget checks the target database settings.
func (c *Config) ValidateTarget() error {
	switch c.TargetDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when TARGET_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLiteTargetPath == "" {
			return fmt.Errorf("SQLITE_TARGET_PATH is required when TARGET_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("TARGET_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.TargetDriver)
	}
	return nil
}
