package telemetry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestProvider() *TelemetryProvider {
	return NewTelemetryProvider(TelemetryConfig{RunID: "run-1"})
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestTelemetryConfig_Defaults(t *testing.T) {
	cfg := TelemetryConfig{}
	cfg.applyDefaults()
	if cfg.ServiceName != "ehr-etl" {
		t.Errorf("expected service name ehr-etl, got %s", cfg.ServiceName)
	}
	if cfg.Environment != "development" {
		t.Errorf("expected environment development, got %s", cfg.Environment)
	}
	if !cfg.metricsOn() {
		t.Error("expected metrics on by default")
	}
}

func TestResource(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{ServiceName: "etl", ServiceVersion: "1.2.0", Environment: "prod", RunID: "r"})
	res := tp.Resource()
	if res["service.name"] != "etl" || res["service.version"] != "1.2.0" || res["deployment.environment"] != "prod" {
		t.Errorf("unexpected resource %v", res)
	}
	if res["etl.run_id"] != "r" {
		t.Errorf("expected run id r, got %s", res["etl.run_id"])
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestRecordCounters(t *testing.T) {
	tp := newTestProvider()
	tp.RecordExtracted("patients", 10)
	tp.RecordExtracted("patients", 5)
	tp.RecordExtracted("labs", 0)
	tp.RecordValidated("patient", "rejected", 2)
	tp.RecordRows("diagnosis", "committed", 7)
	tp.RecordOrphans("encounter", 1)
	tp.RecordSynthesized(3)

	if got := testutil.ToFloat64(tp.extracted.WithLabelValues("patients")); got != 15 {
		t.Errorf("expected 15 extracted, got %v", got)
	}
	if got := testutil.CollectAndCount(tp.extracted); got != 1 {
		t.Errorf("expected zero-count datasets to be skipped, got %d series", got)
	}
	if got := testutil.ToFloat64(tp.validated.WithLabelValues("patient", "rejected")); got != 2 {
		t.Errorf("expected 2 rejected, got %v", got)
	}
	if got := testutil.ToFloat64(tp.rows.WithLabelValues("diagnosis", "committed")); got != 7 {
		t.Errorf("expected 7 committed, got %v", got)
	}
	if got := testutil.ToFloat64(tp.orphans.WithLabelValues("encounter")); got != 1 {
		t.Errorf("expected 1 orphan, got %v", got)
	}
	if got := testutil.ToFloat64(tp.synthesized); got != 3 {
		t.Errorf("expected 3 synthesized, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	tp := newTestProvider()
	tp.SetQualityScore("patient", 0.667)
	tp.SetThresholdBreached("diagnosis", true)
	tp.SetThresholdBreached("patient", false)

	if got := testutil.ToFloat64(tp.quality.WithLabelValues("patient")); got != 0.667 {
		t.Errorf("expected score 0.667, got %v", got)
	}
	if got := testutil.ToFloat64(tp.breached.WithLabelValues("diagnosis")); got != 1 {
		t.Errorf("expected breached 1, got %v", got)
	}
	if got := testutil.ToFloat64(tp.breached.WithLabelValues("patient")); got != 0 {
		t.Errorf("expected breached 0, got %v", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	off := false
	tp := NewTelemetryProvider(TelemetryConfig{MetricsEnabled: &off})
	tp.RecordExtracted("patients", 10)
	tp.ObserveBatch("patient", time.Second)
	if got := testutil.CollectAndCount(tp.extracted); got != 0 {
		t.Errorf("expected no series when disabled, got %d", got)
	}
	if got := testutil.CollectAndCount(tp.batches); got != 0 {
		t.Errorf("expected no histogram series when disabled, got %d", got)
	}
}

func TestObserveBatch(t *testing.T) {
	tp := newTestProvider()
	tp.ObserveBatch("patient", 250*time.Millisecond)
	tp.ObserveBatch("patient", 500*time.Millisecond)

	expected := `
# HELP ehr_etl_batch_duration_seconds Commit latency of load batches.
# TYPE ehr_etl_batch_duration_seconds histogram
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.005"} 0
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.01"} 0
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.025"} 0
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.05"} 0
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.1"} 0
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.25"} 1
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="0.5"} 2
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="1"} 2
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="2.5"} 2
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="5"} 2
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="10"} 2
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="30"} 2
ehr_etl_batch_duration_seconds_bucket{entity="patient",environment="development",service="ehr-etl",le="+Inf"} 2
ehr_etl_batch_duration_seconds_sum{entity="patient",environment="development",service="ehr-etl"} 0.75
ehr_etl_batch_duration_seconds_count{entity="patient",environment="development",service="ehr-etl"} 2
`
	if err := testutil.CollectAndCompare(tp.batches, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected histogram: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Spans
// ---------------------------------------------------------------------------

func TestStageSpan(t *testing.T) {
	tp := newTestProvider()
	span := tp.StartStage("extract")
	span.SetAttribute("datasets", "3")
	span.End(nil)
	span.End(errors.New("ignored")) // second End is a no-op

	failed := tp.StartStage("load")
	failed.End(errors.New("boom"))

	spans := tp.GetRecordedSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].StatusCode != SpanStatusOK {
		t.Errorf("expected ok status, got %v", spans[0].StatusCode)
	}
	if spans[0].TraceID != spans[1].TraceID {
		t.Error("expected spans of one run to share a trace id")
	}
	if len(spans[0].TraceID) != 32 || len(spans[0].SpanID) != 16 {
		t.Errorf("unexpected id lengths %d/%d", len(spans[0].TraceID), len(spans[0].SpanID))
	}
	if spans[1].StatusCode != SpanStatusError || spans[1].Attributes["error"] != "boom" {
		t.Errorf("expected error span, got %+v", spans[1])
	}
	if spans[0].Attributes["etl.run_id"] != "run-1" {
		t.Errorf("expected run id attribute, got %v", spans[0].Attributes)
	}
	if got := testutil.CollectAndCount(tp.stages); got != 2 {
		t.Errorf("expected 2 stage series, got %d", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(spans[0].JSON()), &decoded); err != nil {
		t.Fatalf("span JSON invalid: %v", err)
	}
	if decoded["name"] != "extract" {
		t.Errorf("expected name extract, got %v", decoded["name"])
	}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

func TestWriteTextfile(t *testing.T) {
	tp := newTestProvider()
	tp.RecordRows("patient", "committed", 2)
	tp.MarkRunComplete(time.Unix(1700000000, 0), true)

	path := filepath.Join(t.TempDir(), "metrics", "ehr_etl.prom")
	if err := tp.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `ehr_etl_rows_total{entity="patient",environment="development",outcome="committed",service="ehr-etl"} 2`) {
		t.Errorf("expected rows series in output:\n%s", out)
	}
	if !strings.Contains(out, "ehr_etl_last_run_success") {
		t.Errorf("expected last run gauge in output:\n%s", out)
	}

	if err := tp.WriteTextfile(""); err != nil {
		t.Errorf("expected empty path to be a no-op, got %v", err)
	}
}

func TestProcessMetrics(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{ProcessMetrics: true})
	families, err := tp.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected go runtime metrics when process metrics are enabled")
	}
}
