// Package pipeline wires the stages together: extract, validate, normalize,
// load and report. Clean stops after normalization and leaves a snapshot,
// Load picks the snapshot up, Run does both in one process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/loader"
	"github.com/ehr/ehr-etl/internal/domain/normalize"
	"github.com/ehr/ehr-etl/internal/domain/report"
	"github.com/ehr/ehr-etl/internal/domain/source"
	"github.com/ehr/ehr-etl/internal/domain/target"
	"github.com/ehr/ehr-etl/internal/domain/validation"
	"github.com/ehr/ehr-etl/internal/platform/blobstore"
	"github.com/ehr/ehr-etl/internal/platform/telemetry"
)

// Exit codes of a run.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitThreshold = 2
	ExitFatal     = 3
)

// Options configure a Pipeline.
type Options struct {
	RunID       uuid.UUID
	InputDir    string
	MappingFile string
	RulesFile   string
	Workers     int
	IOTimeout   time.Duration

	Tolerance         time.Duration
	CorrelationWindow time.Duration
	Synthesize        bool

	BatchSize int
	Threshold float64

	Now    func() time.Time
	Logger zerolog.Logger
}

// Outcome is what a command reports back to the caller.
type Outcome struct {
	RunID    string
	Quality  *report.QualityReport
	Load     *report.LoadReport
	ExitCode int
	Err      error
	// Artifacts lists where the reports were written.
	Artifacts []string
}

// Pipeline runs the stages against one target store. The store may be nil
// for Clean. Artifacts receives the snapshot; Reports may be nil to skip
// persisting reports.
type Pipeline struct {
	opts      Options
	store     target.Store
	artifacts blobstore.BlobStore
	reports   *report.Writer
	metrics   *telemetry.TelemetryProvider
	logger    zerolog.Logger
}

// New builds a Pipeline.
func New(opts Options, store target.Store, artifacts blobstore.BlobStore, reports *report.Writer, metrics *telemetry.TelemetryProvider) *Pipeline {
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if metrics == nil {
		metrics = telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{RunID: opts.RunID.String()})
	}
	return &Pipeline{
		opts:      opts,
		store:     store,
		artifacts: artifacts,
		reports:   reports,
		metrics:   metrics,
		logger:    opts.Logger.With().Str("run_id", opts.RunID.String()).Logger(),
	}
}

// cleaned is the in-memory result of extract, validate and normalize.
type cleaned struct {
	extraction *source.Extraction
	acc        *validation.Accumulator
	normalized *normalize.Result
}

// fatalSources names the datasets that could not be opened.
func (c *cleaned) fatalSources() []string {
	if c == nil || c.extraction == nil {
		return nil
	}
	var out []string
	for _, f := range c.extraction.Fatal {
		out = append(out, f.Dataset)
	}
	return out
}

// Clean extracts, validates and normalizes, then writes the cleaned snapshot
// and the quality report.
func (p *Pipeline) Clean(ctx context.Context) *Outcome {
	out := &Outcome{RunID: p.opts.RunID.String()}
	c, err := p.clean(ctx)
	if err == nil {
		err = p.writeSnapshot(ctx, c)
	}
	out.Quality = p.qualityReport(c)
	out.Err = err
	out.ExitCode = exitCode(err, len(c.fatalSources()), nil)
	p.finish(ctx, out)
	return out
}

// Load reads the cleaned snapshot and loads it into the store.
func (p *Pipeline) Load(ctx context.Context) *Outcome {
	out := &Outcome{RunID: p.opts.RunID.String()}
	snap, err := ReadSnapshot(ctx, p.artifacts)
	if err != nil {
		out.Err = err
		out.ExitCode = ExitFailure
		out.Load = report.BuildLoad(report.LoadInput{RunID: out.RunID, ExitCode: out.ExitCode, Err: err}, p.opts.Now())
		p.finish(ctx, out)
		return out
	}
	p.logger.Info().Str("snapshot_run", snap.Manifest.RunID).Msg("loading cleaned snapshot")
	if fatal := snap.Manifest.FatalSources; len(fatal) > 0 {
		p.logger.Warn().Strs("datasets", fatal).Msg("snapshot was cleaned without these sources")
	}

	res, err := p.load(ctx, snap.Entities, snap.Manifest.Prior)
	out.Err = err
	out.ExitCode = exitCode(err, len(snap.Manifest.FatalSources), res)
	out.Load = p.loadReport(ctx, res, out.ExitCode, err)
	p.finish(ctx, out)
	return out
}

// Run performs the whole pipeline in memory.
func (p *Pipeline) Run(ctx context.Context) *Outcome {
	out := &Outcome{RunID: p.opts.RunID.String()}
	c, err := p.clean(ctx)
	out.Quality = p.qualityReport(c)

	var res *loader.Result
	if err == nil {
		res, err = p.load(ctx, c.normalized.Entities, Prior(c.acc, c.normalized))
	}
	out.Err = err
	out.ExitCode = exitCode(err, len(c.fatalSources()), res)
	out.Load = p.loadReport(ctx, res, out.ExitCode, err)
	p.finish(ctx, out)
	return out
}

func (p *Pipeline) clean(ctx context.Context) (*cleaned, error) {
	c := &cleaned{}

	span := p.metrics.StartStage("extract")
	mapping, err := source.LoadMapping(p.opts.MappingFile)
	if err != nil {
		span.End(err)
		return c, err
	}
	c.extraction, err = source.Extract(ctx, mapping, p.opts.InputDir, p.opts.IOTimeout, p.logger)
	span.End(err)
	if c.extraction != nil {
		for ds, n := range c.extraction.Read {
			p.metrics.RecordExtracted(ds, n)
		}
		for _, f := range c.extraction.Fatal {
			p.metrics.RecordFatalSource(f.Dataset)
		}
	}
	if err != nil {
		return c, fmt.Errorf("extract: %w", err)
	}

	span = p.metrics.StartStage("validate")
	rules, err := validation.LoadRules(p.opts.RulesFile)
	if err != nil {
		span.End(err)
		return c, err
	}
	engine, err := validation.NewEngine(rules, p.opts.Now)
	if err != nil {
		span.End(err)
		return c, err
	}
	results, acc, err := engine.ValidateAll(ctx, c.extraction.Candidates, p.opts.Workers)
	span.End(err)
	if err != nil {
		return c, fmt.Errorf("validate: %w", err)
	}
	c.acc = acc

	span = p.metrics.StartStage("normalize")
	n := normalize.New(normalize.NewIdentity(mapping.Owners()), normalize.Options{
		Tolerance:         p.opts.Tolerance,
		CorrelationWindow: p.opts.CorrelationWindow,
		Synthesize:        p.opts.Synthesize,
		LoadTime:          p.opts.Now().UTC(),
		Workers:           p.opts.Workers,
	})
	c.normalized, err = n.Normalize(ctx, results, acc)
	span.End(err)
	if err != nil {
		return c, fmt.Errorf("normalize: %w", err)
	}

	p.recordQuality(c)
	p.logger.Info().
		Int("candidates", len(c.extraction.Candidates)).
		Int("orphans", len(c.normalized.Orphans)).
		Int("synthesized", c.normalized.Synthesized).
		Float64("quality", acc.Overall()).
		Msg("clean complete")
	return c, nil
}

func (p *Pipeline) recordQuality(c *cleaned) {
	for _, t := range c.acc.Types() {
		s := c.acc.Stats(t)
		accepted := s.Records - s.Rejected - s.Repaired
		p.metrics.RecordValidated(string(t), "accepted", accepted)
		p.metrics.RecordValidated(string(t), "repaired", s.Repaired)
		p.metrics.RecordValidated(string(t), "rejected", s.Rejected)
		for cat, n := range s.Issues {
			p.metrics.RecordIssues(string(t), string(cat), n)
		}
		p.metrics.SetQualityScore(string(t), s.Score())
	}
	for t, n := range c.normalized.OrphansByType() {
		p.metrics.RecordOrphans(string(t), n)
	}
	p.metrics.RecordSynthesized(c.normalized.Synthesized)
}

func (p *Pipeline) writeSnapshot(ctx context.Context, c *cleaned) error {
	if p.artifacts == nil {
		return errors.New("no artifact store configured for the cleaned snapshot")
	}
	snap := &Snapshot{
		Manifest: Manifest{
			RunID:     p.opts.RunID.String(),
			CreatedAt: p.opts.Now().UTC(),
			Prior:     Prior(c.acc, c.normalized),

			FatalSources: c.fatalSources(),
		},
		Entities: c.normalized.Entities,
	}
	if err := WriteSnapshot(ctx, p.artifacts, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	p.logger.Info().Interface("counts", snap.Manifest.Counts).Msg("cleaned snapshot written")
	return nil
}

func (p *Pipeline) load(ctx context.Context, set entity.Set, prior map[entity.Type]loader.Prior) (*loader.Result, error) {
	if p.store == nil {
		return nil, errors.New("no target store configured")
	}
	refreshActive(set, p.opts.Now())
	span := p.metrics.StartStage("load")
	l := loader.New(p.store, loader.Options{
		RunID:     p.opts.RunID,
		Threshold: p.opts.Threshold,
		Timeout:   p.opts.IOTimeout,
		Prior:     prior,
		Logger:    p.logger,
		Now:       p.opts.Now,
	})
	res, err := l.Load(ctx, set, p.opts.BatchSize)
	span.End(err)
	if res != nil {
		for _, ev := range res.Events {
			p.metrics.ObserveBatch(string(ev.Entity), ev.Duration)
		}
		for t, tr := range res.Types {
			p.metrics.RecordRows(string(t), "committed", tr.Committed)
			p.metrics.RecordRows(string(t), "skipped", tr.Skipped)
			p.metrics.RecordRows(string(t), "rejected", tr.Rejected)
			p.metrics.SetThresholdBreached(string(t), tr.Breach != nil)
		}
	}
	return res, err
}

// Prior derives the per-type counts the loader's threshold starts from:
// every record seen and every record rejected before loading. Synthesized
// encounters count as seen.
func Prior(acc *validation.Accumulator, n *normalize.Result) map[entity.Type]loader.Prior {
	out := make(map[entity.Type]loader.Prior, len(entity.All))
	if acc == nil {
		return out
	}
	for _, t := range acc.Types() {
		s := acc.Stats(t)
		out[t] = loader.Prior{Seen: s.Records, Rejected: s.Rejected}
	}
	if n != nil && n.Synthesized > 0 {
		pr := out[entity.TypeEncounter]
		pr.Seen += n.Synthesized
		out[entity.TypeEncounter] = pr
	}
	return out
}

func (p *Pipeline) qualityReport(c *cleaned) *report.QualityReport {
	in := report.QualityInput{RunID: p.opts.RunID.String()}
	if c != nil {
		in.Extraction, in.Accumulator, in.Normalized = c.extraction, c.acc, c.normalized
	}
	return report.BuildQuality(in, p.opts.Now())
}

func (p *Pipeline) loadReport(ctx context.Context, res *loader.Result, code int, err error) *report.LoadReport {
	in := report.LoadInput{RunID: p.opts.RunID.String(), Result: res, ExitCode: code, Err: err}
	if res != nil && p.store != nil {
		// Verification runs even after cancellation so the report reflects
		// what was committed.
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.verifyTimeout())
		defer cancel()
		span := p.metrics.StartStage("verify")
		var verr error
		if in.Integrity, verr = p.store.Verify(vctx); verr != nil {
			p.logger.Warn().Err(verr).Msg("integrity verification failed")
		} else if n := target.TotalIssues(in.Integrity); n > 0 {
			p.logger.Error().Int64("issues", n).Msg("referential integrity issues in target")
		}
		var cerr error
		if in.Counts, cerr = p.store.Counts(vctx); cerr != nil {
			p.logger.Warn().Err(cerr).Msg("table counts failed")
		}
		span.End(errors.Join(verr, cerr))
	}
	return report.BuildLoad(in, p.opts.Now())
}

func (p *Pipeline) verifyTimeout() time.Duration {
	if p.opts.IOTimeout > 0 {
		return 2 * p.opts.IOTimeout
	}
	return time.Minute
}

// finish persists the reports. Report errors are logged and never change
// the exit code.
func (p *Pipeline) finish(ctx context.Context, out *Outcome) {
	locs, err := p.reports.Write(context.WithoutCancel(ctx), out.Quality, out.Load)
	if err != nil {
		p.logger.Error().Err(err).Msg("write reports")
	}
	out.Artifacts = locs
	p.metrics.MarkRunComplete(p.opts.Now(), out.ExitCode == ExitOK)
}

// exitCode maps the run state to the process exit code. A run error wins,
// then fatal sources, then threshold breaches.
func exitCode(err error, fatal int, res *loader.Result) int {
	if err != nil {
		return ExitFailure
	}
	if fatal > 0 {
		return ExitFatal
	}
	if len(res.Breaches()) > 0 {
		return ExitThreshold
	}
	return ExitOK
}

// refreshActive evaluates each medication's active flag against the load
// clock, which for a separate load command is later than the clean clock.
func refreshActive(set entity.Set, at time.Time) {
	for _, e := range set[entity.TypeMedication] {
		if m, ok := e.(*entity.Medication); ok {
			m.Active = m.ActiveAt(at)
		}
	}
}
