// Package telemetry records pipeline metrics and stage spans. Metrics live in
// a private Prometheus registry and are exported as a node-exporter textfile
// at the end of a run, since a batch job has no scrape endpoint.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ehr_etl"

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	RunID          string

	// MetricsEnabled defaults to true when nil.
	MetricsEnabled *bool
	// ProcessMetrics adds Go runtime and process collectors.
	ProcessMetrics bool
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ehr-etl"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// ---------------------------------------------------------------------------
// Span status codes (mirrors OTel SpanStatusCode)
// ---------------------------------------------------------------------------

// SpanStatus represents the status of a completed span.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

func (s SpanStatus) String() string {
	switch s {
	case SpanStatusOK:
		return "ok"
	case SpanStatusError:
		return "error"
	default:
		return "unset"
	}
}

// Span captures one pipeline stage.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Duration   time.Duration     `json:"duration_ns"`
	StatusCode SpanStatus        `json:"status_code"`
	Attributes map[string]string `json:"attributes"`

	tp *TelemetryProvider
}

// JSON serialises the span for logging.
func (s *Span) JSON() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// SetAttribute attaches a key/value to the span.
func (s *Span) SetAttribute(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// End closes the span, records its duration in the stage histogram and
// stores it. A non-nil err marks the span as failed.
func (s *Span) End(err error) {
	if s == nil || !s.EndTime.IsZero() {
		return
	}
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	s.StatusCode = SpanStatusOK
	if err != nil {
		s.StatusCode = SpanStatusError
		s.SetAttribute("error", err.Error())
	}
	if s.tp != nil {
		s.tp.ObserveStage(s.Name, s.StatusCode, s.Duration)
		s.tp.recordSpan(s)
	}
}

// ---------------------------------------------------------------------------
// TelemetryProvider
// ---------------------------------------------------------------------------

var (
	batchBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	stageBuckets = prometheus.ExponentialBuckets(0.01, 4, 10)
)

// TelemetryProvider manages all observability state for one run.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	traceID  string

	extracted    *prometheus.CounterVec
	fatal        *prometheus.CounterVec
	validated    *prometheus.CounterVec
	issues       *prometheus.CounterVec
	quality      *prometheus.GaugeVec
	orphans      *prometheus.CounterVec
	synthesized  prometheus.Counter
	rows         *prometheus.CounterVec
	batches      *prometheus.HistogramVec
	stages       *prometheus.HistogramVec
	breached     *prometheus.GaugeVec
	lastRun      prometheus.Gauge
	runSucceeded prometheus.Gauge

	spansMu sync.Mutex
	spans   []*Span
}

// NewTelemetryProvider creates the provider and registers every collector.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()

	constLabels := prometheus.Labels{"service": cfg.ServiceName, "environment": cfg.Environment}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels,
		}, labels)
	}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		traceID:  generateID(16),

		extracted: counterVec("records_extracted_total", "Records read from source datasets.", "dataset"),
		fatal:     counterVec("source_fatal_total", "Source datasets that could not be read.", "dataset"),
		validated: counterVec("records_validated_total", "Validation outcomes per entity.", "entity", "outcome"),
		issues:    counterVec("validation_issues_total", "Validation issues per entity and category.", "entity", "category"),
		orphans:   counterVec("orphans_total", "Entities quarantined for missing parents.", "entity"),
		rows:      counterVec("rows_total", "Load outcomes per entity.", "entity", "outcome"),
		quality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quality_score", Help: "Quality score per entity.", ConstLabels: constLabels,
		}, []string{"entity"}),
		synthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "encounters_synthesized_total", Help: "Encounters created by correlation.", ConstLabels: constLabels,
		}),
		batches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_duration_seconds", Help: "Commit latency of load batches.",
			ConstLabels: constLabels, Buckets: batchBuckets,
		}, []string{"entity"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds", Help: "Duration of pipeline stages.",
			ConstLabels: constLabels, Buckets: stageBuckets,
		}, []string{"stage", "status"}),
		breached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "threshold_breached", Help: "1 when the entity aborted on the error threshold.", ConstLabels: constLabels,
		}, []string{"entity"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds", Help: "Completion time of the last run.", ConstLabels: constLabels,
		}),
		runSucceeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_success", Help: "1 when the last run exited cleanly.", ConstLabels: constLabels,
		}),
	}

	tp.registry.MustRegister(
		tp.extracted, tp.fatal, tp.validated, tp.issues, tp.quality, tp.orphans,
		tp.synthesized, tp.rows, tp.batches, tp.stages, tp.breached, tp.lastRun, tp.runSucceeded,
	)
	if cfg.ProcessMetrics {
		tp.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

// Registry exposes the underlying registry for tests and exporters.
func (tp *TelemetryProvider) Registry() *prometheus.Registry { return tp.registry }

// Resource returns the OTel-style resource attributes.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
		"etl.run_id":             tp.cfg.RunID,
	}
}

// Shutdown is a no-op kept for symmetry with other providers.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error { return nil }

// ---------------------------------------------------------------------------
// Spans
// ---------------------------------------------------------------------------

// StartStage opens a span for a pipeline stage. Call End on the result.
func (tp *TelemetryProvider) StartStage(name string) *Span {
	s := &Span{
		TraceID:   tp.traceID,
		SpanID:    generateID(8),
		Name:      name,
		StartTime: time.Now(),
		tp:        tp,
	}
	if tp.cfg.RunID != "" {
		s.SetAttribute("etl.run_id", tp.cfg.RunID)
	}
	return s
}

// GetRecordedSpans returns a copy of all finished spans.
func (tp *TelemetryProvider) GetRecordedSpans() []*Span {
	tp.spansMu.Lock()
	defer tp.spansMu.Unlock()
	cp := make([]*Span, len(tp.spans))
	copy(cp, tp.spans)
	return cp
}

func (tp *TelemetryProvider) recordSpan(s *Span) {
	tp.spansMu.Lock()
	tp.spans = append(tp.spans, s)
	tp.spansMu.Unlock()
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// RecordExtracted counts records read from a dataset.
func (tp *TelemetryProvider) RecordExtracted(dataset string, n int) {
	if tp.cfg.metricsOn() && n > 0 {
		tp.extracted.WithLabelValues(dataset).Add(float64(n))
	}
}

// RecordFatalSource counts a dataset that could not be read at all.
func (tp *TelemetryProvider) RecordFatalSource(dataset string) {
	if tp.cfg.metricsOn() {
		tp.fatal.WithLabelValues(dataset).Inc()
	}
}

// RecordValidated counts validation outcomes ("accepted", "repaired", "rejected").
func (tp *TelemetryProvider) RecordValidated(entity, outcome string, n int) {
	if tp.cfg.metricsOn() && n > 0 {
		tp.validated.WithLabelValues(entity, outcome).Add(float64(n))
	}
}

// RecordIssues counts validation issues of one category.
func (tp *TelemetryProvider) RecordIssues(entity, category string, n int) {
	if tp.cfg.metricsOn() && n > 0 {
		tp.issues.WithLabelValues(entity, category).Add(float64(n))
	}
}

// SetQualityScore publishes an entity's quality score.
func (tp *TelemetryProvider) SetQualityScore(entity string, score float64) {
	if tp.cfg.metricsOn() {
		tp.quality.WithLabelValues(entity).Set(score)
	}
}

// RecordOrphans counts quarantined entities.
func (tp *TelemetryProvider) RecordOrphans(entity string, n int) {
	if tp.cfg.metricsOn() && n > 0 {
		tp.orphans.WithLabelValues(entity).Add(float64(n))
	}
}

// RecordSynthesized counts encounters created by correlation.
func (tp *TelemetryProvider) RecordSynthesized(n int) {
	if tp.cfg.metricsOn() && n > 0 {
		tp.synthesized.Add(float64(n))
	}
}

// RecordRows counts load outcomes ("committed", "skipped", "rejected").
func (tp *TelemetryProvider) RecordRows(entity, outcome string, n int) {
	if tp.cfg.metricsOn() && n > 0 {
		tp.rows.WithLabelValues(entity, outcome).Add(float64(n))
	}
}

// ObserveBatch records the commit latency of one batch.
func (tp *TelemetryProvider) ObserveBatch(entity string, d time.Duration) {
	if tp.cfg.metricsOn() {
		tp.batches.WithLabelValues(entity).Observe(d.Seconds())
	}
}

// ObserveStage records a stage duration. Spans call this from End.
func (tp *TelemetryProvider) ObserveStage(stage string, status SpanStatus, d time.Duration) {
	if tp.cfg.metricsOn() {
		tp.stages.WithLabelValues(stage, status.String()).Observe(d.Seconds())
	}
}

// SetThresholdBreached flags an entity that aborted on the error threshold.
func (tp *TelemetryProvider) SetThresholdBreached(entity string, breached bool) {
	if !tp.cfg.metricsOn() {
		return
	}
	v := 0.0
	if breached {
		v = 1
	}
	tp.breached.WithLabelValues(entity).Set(v)
}

// MarkRunComplete stamps the run completion time and outcome.
func (tp *TelemetryProvider) MarkRunComplete(at time.Time, success bool) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.lastRun.Set(float64(at.Unix()))
	if success {
		tp.runSucceeded.Set(1)
	} else {
		tp.runSucceeded.Set(0)
	}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// WriteTextfile writes the registry in the Prometheus text format to path,
// for collection by the node exporter textfile collector.
func (tp *TelemetryProvider) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, tp.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// generateID returns a random hex string of n bytes.
func generateID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
