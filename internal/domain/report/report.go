// Package report turns stage outcomes into the quality and load artifacts.
// Building a report never fails: any input may be nil when the run stopped
// early, and the matching sections are left empty.
package report

import (
	"maps"
	"sort"
	"time"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/loader"
	"github.com/ehr/ehr-etl/internal/domain/normalize"
	"github.com/ehr/ehr-etl/internal/domain/source"
	"github.com/ehr/ehr-etl/internal/domain/target"
	"github.com/ehr/ehr-etl/internal/domain/validation"
)

// QualityEntry is the quality section for one entity type.
type QualityEntry struct {
	RecordCount  int                         `json:"record_count"`
	Rejected     int                         `json:"rejected"`
	Repaired     int                         `json:"repaired"`
	Orphans      int                         `json:"orphans"`
	Issues       map[validation.Category]int `json:"issue_counts_by_category"`
	QualityScore float64                     `json:"quality_score"`
}

// FatalSource describes a dataset that could not be read.
type FatalSource struct {
	Dataset string `json:"dataset"`
	Path    string `json:"path"`
	Error   string `json:"error"`
}

// QualityReport is the quality artifact of a run.
type QualityReport struct {
	RunID         string                       `json:"run_id"`
	GeneratedAt   time.Time                    `json:"generated_at"`
	Overall       float64                      `json:"overall_quality_score"`
	Entities      map[entity.Type]QualityEntry `json:"entities"`
	RecordsRead   map[string]int               `json:"records_read,omitempty"`
	DecodeErrors  int                          `json:"decode_errors"`
	FatalSources  []FatalSource                `json:"fatal_sources,omitempty"`
	OrphanReasons map[string]int               `json:"orphan_reasons,omitempty"`
	Orphans       []normalize.Orphan           `json:"orphans,omitempty"`
	Rejections    []normalize.Rejection        `json:"rejections,omitempty"`
	Correlations  int                          `json:"correlations"`
	Synthesized   int                          `json:"synthesized_encounters"`
}

// LoadEntry is the load section for one entity type.
type LoadEntry struct {
	Status        loader.Status `json:"status"`
	Attempted     int           `json:"attempted"`
	Committed     int           `json:"committed"`
	Skipped       int           `json:"skipped"`
	Rejected      int           `json:"rejected"`
	PriorRejected int           `json:"prior_rejected"`
	RejectionRate float64       `json:"rejection_rate"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	DurationMS    int64         `json:"duration_ms"`
	BlockedBy     entity.Type   `json:"blocked_by,omitempty"`
	ErrorSummary  []string      `json:"error_summary,omitempty"`
}

// LoadReport is the load artifact of a run.
type LoadReport struct {
	RunID       string                    `json:"run_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Order       []entity.Type             `json:"load_order,omitempty"`
	Entities    map[entity.Type]LoadEntry `json:"entities"`
	Events      []loader.LoadEvent        `json:"events,omitempty"`
	DurationMS  int64                     `json:"duration_ms"`
	TableCounts map[string]int64          `json:"table_counts,omitempty"`
	Integrity   []target.IntegrityIssue   `json:"integrity_issues,omitempty"`
	ExitCode    int                       `json:"exit_code"`
	Error       string                    `json:"error,omitempty"`
}

// Aborted lists the entity types that did not load completely because of a
// breach, a blocked parent or cancellation.
func (r *LoadReport) Aborted() []entity.Type {
	var out []entity.Type
	for _, t := range entity.All {
		e, ok := r.Entities[t]
		if !ok {
			continue
		}
		switch e.Status {
		case loader.StatusThresholdExceeded, loader.StatusBlocked, loader.StatusCancelled:
			out = append(out, t)
		}
	}
	return out
}

// QualityInput gathers what the quality report is built from.
type QualityInput struct {
	RunID       string
	Extraction  *source.Extraction
	Accumulator *validation.Accumulator
	Normalized  *normalize.Result
}

// LoadInput gathers what the load report is built from.
type LoadInput struct {
	RunID     string
	Result    *loader.Result
	Counts    map[string]int64
	Integrity []target.IntegrityIssue
	ExitCode  int
	Err       error
}

// Build assembles both artifacts.
func Build(q QualityInput, l LoadInput, now time.Time) (*QualityReport, *LoadReport) {
	return BuildQuality(q, now), BuildLoad(l, now)
}

// BuildQuality assembles the quality artifact.
func BuildQuality(in QualityInput, now time.Time) *QualityReport {
	r := &QualityReport{
		RunID:       in.RunID,
		GeneratedAt: now.UTC(),
		Overall:     1,
		Entities:    map[entity.Type]QualityEntry{},
	}

	var orphans map[entity.Type]int
	if n := in.Normalized; n != nil {
		orphans = n.OrphansByType()
		r.Orphans = n.Orphans
		r.Rejections = n.Rejections
		r.Correlations = len(n.Correlations)
		r.Synthesized = n.Synthesized
		if len(n.Orphans) > 0 {
			r.OrphanReasons = map[string]int{}
			for _, o := range n.Orphans {
				r.OrphanReasons[o.Reason]++
			}
		}
	}

	if acc := in.Accumulator; acc != nil {
		r.Overall = round3(acc.Overall())
		for _, t := range acc.Types() {
			s := acc.Stats(t)
			r.Entities[t] = QualityEntry{
				RecordCount:  s.Records,
				Rejected:     s.Rejected,
				Repaired:     s.Repaired,
				Orphans:      orphans[t],
				Issues:       s.Issues,
				QualityScore: round3(s.Score()),
			}
			r.DecodeErrors += s.Issues[validation.CategoryDecodeError]
		}
	}

	if ex := in.Extraction; ex != nil {
		r.RecordsRead = maps.Clone(ex.Read)
		for _, f := range ex.Fatal {
			r.FatalSources = append(r.FatalSources, FatalSource{Dataset: f.Dataset, Path: f.Path, Error: f.Err.Error()})
		}
		sort.Slice(r.FatalSources, func(i, j int) bool { return r.FatalSources[i].Dataset < r.FatalSources[j].Dataset })
	}
	return r
}

// BuildLoad assembles the load artifact.
func BuildLoad(in LoadInput, now time.Time) *LoadReport {
	r := &LoadReport{
		RunID:       in.RunID,
		GeneratedAt: now.UTC(),
		Entities:    map[entity.Type]LoadEntry{},
		TableCounts: in.Counts,
		Integrity:   failing(in.Integrity),
		ExitCode:    in.ExitCode,
	}
	if in.Err != nil {
		r.Error = in.Err.Error()
	}
	res := in.Result
	if res == nil {
		return r
	}
	if r.RunID == "" {
		r.RunID = res.RunID.String()
	}
	r.Order = res.Order
	r.Events = res.Events
	r.DurationMS = res.Duration.Milliseconds()
	for t, tr := range res.Types {
		r.Entities[t] = LoadEntry{
			Status:        tr.Status,
			Attempted:     tr.Attempted,
			Committed:     tr.Committed,
			Skipped:       tr.Skipped,
			Rejected:      tr.Rejected,
			PriorRejected: tr.PriorRejected,
			RejectionRate: round3(tr.RejectionRate()),
			Batches:       tr.Batches,
			FailedBatches: tr.FailedBatches,
			DurationMS:    tr.Duration.Milliseconds(),
			BlockedBy:     tr.BlockedBy,
			ErrorSummary:  tr.Errors,
		}
	}
	return r
}

// failing keeps the checks that found at least one row.
func failing(issues []target.IntegrityIssue) []target.IntegrityIssue {
	var out []target.IntegrityIssue
	for _, is := range issues {
		if is.Count > 0 {
			out = append(out, is)
		}
	}
	return out
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
