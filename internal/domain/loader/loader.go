// Package loader persists canonical entities into the target store in
// dependency order. Each batch is one transaction; batches of a type are
// committed strictly one after another.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/target"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

// DefaultBatchSize is used when Load is called with a non-positive size.
const DefaultBatchSize = 1000

// DefaultThreshold is the default tolerated rejection rate per entity type.
const DefaultThreshold = 0.05

const maxErrorSummary = 10

// Status is the final state of one entity type.
type Status string

const (
	StatusLoaded            Status = "loaded"
	StatusPartial           Status = "partial"
	StatusThresholdExceeded Status = "threshold_exceeded"
	StatusBlocked           Status = "blocked"
	StatusCancelled         Status = "cancelled"
	StatusNotAttempted      Status = "not_attempted"
)

// Prior carries the counts an entity type accumulated before loading:
// candidates seen and records already rejected by validation or
// normalization. Orphans are not included.
type Prior struct {
	Seen     int `json:"seen"`
	Rejected int `json:"rejected"`
}

// Options configure a Loader.
type Options struct {
	RunID     uuid.UUID
	Threshold float64
	// Timeout bounds every transaction attempt.
	Timeout time.Duration
	Graph   entity.Graph
	Prior   map[entity.Type]Prior
	Logger  zerolog.Logger
	// Now is the audit clock.
	Now func() time.Time
}

// LoadEvent is appended for every committed batch.
type LoadEvent struct {
	Entity     entity.Type   `json:"entity"`
	BatchIndex int           `json:"batch_index"`
	Attempt    int           `json:"attempt"`
	Attempted  int           `json:"attempted"`
	Committed  int           `json:"committed"`
	Skipped    int           `json:"skipped"`
	Rejected   int           `json:"rejected"`
	Duration   time.Duration `json:"duration_ns"`
}

// TypeResult summarizes the load of one entity type.
type TypeResult struct {
	Entity        entity.Type   `json:"entity"`
	Status        Status        `json:"status"`
	Attempted     int           `json:"attempted"`
	Committed     int           `json:"committed"`
	Skipped       int           `json:"skipped"`
	Rejected      int           `json:"rejected"`
	PriorRejected int           `json:"prior_rejected"`
	Seen          int           `json:"seen"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	Duration      time.Duration `json:"duration_ns"`
	Errors        []string      `json:"errors,omitempty"`
	BlockedBy     entity.Type   `json:"blocked_by,omitempty"`

	Breach *etlerr.ThresholdExceededError `json:"-"`
}

// RejectionRate is (prior + load rejections) / seen.
func (r *TypeResult) RejectionRate() float64 {
	if r.Seen == 0 {
		return 0
	}
	return float64(r.PriorRejected+r.Rejected) / float64(r.Seen)
}

func (r *TypeResult) addError(err error) {
	if len(r.Errors) < maxErrorSummary {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Result is the outcome of a Load call.
type Result struct {
	RunID    uuid.UUID                   `json:"run_id"`
	Order    []entity.Type               `json:"order"`
	Types    map[entity.Type]*TypeResult `json:"types"`
	Events   []LoadEvent                 `json:"events"`
	Duration time.Duration               `json:"duration_ns"`
}

// Breaches returns the threshold breaches in load order.
func (r *Result) Breaches() []*etlerr.ThresholdExceededError {
	if r == nil {
		return nil
	}
	var out []*etlerr.ThresholdExceededError
	for _, t := range r.Order {
		if tr := r.Types[t]; tr != nil && tr.Breach != nil {
			out = append(out, tr.Breach)
		}
	}
	return out
}

// Loader writes entity sets into a target.Store.
type Loader struct {
	store  target.Store
	opts   Options
	logger zerolog.Logger
	// present holds IDs known to be in the store: committed or skipped
	// during this run, or found by an existence check.
	present map[entity.Type]map[uuid.UUID]bool
}

func New(store target.Store, opts Options) *Loader {
	if opts.Graph == nil {
		opts.Graph = entity.Dependencies
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{
		store:   store,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "loader").Str("run_id", opts.RunID.String()).Logger(),
		present: make(map[entity.Type]map[uuid.UUID]bool),
	}
}

// Load persists set in dependency order. A threshold breach aborts the
// breaching type and blocks its dependents; other types still load.
// Cancellation is honored between batches; the returned error is then the
// context error and the result describes what was committed.
func (l *Loader) Load(ctx context.Context, set entity.Set, batchSize int) (*Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	order, err := entity.LoadOrder(l.opts.Graph)
	if err != nil {
		return nil, fmt.Errorf("compute load order: %w", err)
	}

	start := time.Now()
	res := &Result{RunID: l.opts.RunID, Order: order, Types: make(map[entity.Type]*TypeResult, len(order))}
	for _, t := range order {
		prior := l.opts.Prior[t]
		seen := prior.Seen
		if seen == 0 {
			seen = len(set[t]) + prior.Rejected
		}
		res.Types[t] = &TypeResult{Entity: t, Seen: seen, PriorRejected: prior.Rejected}
	}

	var cancelErr error
	for _, t := range order {
		tr := res.Types[t]
		if tr.Status == StatusBlocked {
			l.logger.Warn().Str("entity", string(t)).Str("blocked_by", string(tr.BlockedBy)).Msg("skipping blocked entity type")
			continue
		}
		if cancelErr != nil {
			tr.Status = StatusCancelled
			continue
		}

		typeStart := time.Now()
		err := l.loadType(ctx, t, set[t], batchSize, tr, res)
		tr.Duration = time.Since(typeStart)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cancelErr = err
		}

		if tr.Breach != nil {
			for _, dep := range l.opts.Graph.Dependents(t) {
				if d := res.Types[dep]; d.Status == "" {
					d.Status = StatusBlocked
					d.BlockedBy = t
				}
			}
		}
		l.logger.Info().
			Str("entity", string(t)).
			Str("status", string(tr.Status)).
			Int("committed", tr.Committed).
			Int("skipped", tr.Skipped).
			Int("rejected", tr.Rejected).
			Dur("duration", tr.Duration).
			Msg("entity type loaded")
	}
	res.Duration = time.Since(start)
	if cancelErr != nil {
		return res, fmt.Errorf("load cancelled: %w", cancelErr)
	}
	return res, nil
}

func (l *Loader) loadType(ctx context.Context, t entity.Type, rows []entity.Entity, batchSize int, tr *TypeResult, res *Result) error {
	if len(rows) == 0 && tr.Seen == 0 {
		tr.Status = StatusNotAttempted
		return nil
	}
	batches := partition(rows, batchSize)
	for i, batch := range batches {
		if err := l.checkThreshold(tr); err != nil {
			tr.Status = StatusThresholdExceeded
			l.logger.Error().Err(err).Str("entity", string(t)).Int("remaining_batches", len(batches)-i).Msg("aborting entity type")
			return nil
		}
		if err := ctx.Err(); err != nil {
			tr.Status = StatusCancelled
			l.logger.Warn().Str("entity", string(t)).Int("batch", i).Msg("run cancelled before batch")
			return err
		}

		ev, ok := l.loadBatch(ctx, t, i, batch, tr)
		tr.Batches++
		if ok {
			res.Events = append(res.Events, ev)
		} else {
			tr.FailedBatches++
		}
	}
	if err := l.checkThreshold(tr); err != nil {
		tr.Status = StatusThresholdExceeded
		return nil
	}

	switch {
	case tr.Rejected > 0 || tr.FailedBatches > 0:
		tr.Status = StatusPartial
	default:
		tr.Status = StatusLoaded
	}
	return nil
}

func (l *Loader) checkThreshold(tr *TypeResult) error {
	if tr.Breach != nil {
		return tr.Breach
	}
	if tr.RejectionRate() > l.opts.Threshold {
		tr.Breach = &etlerr.ThresholdExceededError{
			Entity:    string(tr.Entity),
			Rejected:  tr.PriorRejected + tr.Rejected,
			Seen:      tr.Seen,
			Threshold: l.opts.Threshold,
		}
		return tr.Breach
	}
	return nil
}

// loadBatch runs one batch to completion. The batch is isolated from
// cancellation so that a cancel request lets it finish.
func (l *Loader) loadBatch(ctx context.Context, t entity.Type, index int, batch []entity.Entity, tr *TypeResult) (LoadEvent, bool) {
	bctx := context.WithoutCancel(ctx)
	start := time.Now()
	log := l.logger.With().Str("entity", string(t)).Int("batch", index).Logger()

	rows, missing, err := l.filterMissingParents(bctx, t, batch)
	if err != nil {
		tr.Attempted += len(batch)
		tr.Rejected += len(batch)
		tr.addError(fmt.Errorf("batch %d: %w", index, err))
		log.Error().Err(err).Msg("parent lookup failed, batch rejected")
		return LoadEvent{}, false
	}
	tr.Attempted += len(batch)
	tr.Rejected += missing
	if missing > 0 {
		log.Warn().Int("rows", missing).Msg("rows with missing parents rejected")
	}
	if len(rows) == 0 {
		return LoadEvent{}, false
	}

	attempt := 1
	inserted, err := l.commitWithRetry(bctx, t, index, &attempt, rows, missing, start)
	if err != nil && etlerr.IsIntegrity(err) {
		log.Warn().Err(err).Msg("integrity violation, isolating offending rows")
		offenders, perr := l.isolate(bctx, t, rows)
		if perr != nil {
			err = fmt.Errorf("isolate after %v: %w", err, perr)
		} else {
			rows = without(rows, offenders)
			tr.Rejected += len(offenders)
			missing += len(offenders)
			attempt++
			if len(rows) == 0 {
				tr.addError(fmt.Errorf("batch %d: every row violates a constraint", index))
				return LoadEvent{}, false
			}
			inserted, err = l.commitWithRetry(bctx, t, index, &attempt, rows, missing, start)
		}
	}
	if err != nil {
		tr.Rejected += len(rows)
		tr.addError(fmt.Errorf("batch %d: %w", index, err))
		log.Error().Err(err).Int("rows", len(rows)).Msg("batch rejected")
		return LoadEvent{}, false
	}

	ev := LoadEvent{Entity: t, BatchIndex: index, Attempt: attempt, Attempted: len(batch), Rejected: missing, Duration: time.Since(start)}
	set := l.presentSet(t)
	for i, ok := range inserted {
		set[rows[i].Key()] = true
		if ok {
			ev.Committed++
		} else {
			ev.Skipped++
		}
	}
	tr.Committed += ev.Committed
	tr.Skipped += ev.Skipped
	log.Debug().Int("committed", ev.Committed).Int("skipped", ev.Skipped).Dur("duration", ev.Duration).Msg("batch committed")
	return ev, true
}

// commitWithRetry commits rows, retrying once when the attempt times out.
func (l *Loader) commitWithRetry(ctx context.Context, t entity.Type, index int, attempt *int, rows []entity.Entity, rejected int, start time.Time) ([]bool, error) {
	inserted, err := l.commit(ctx, t, index, *attempt, rows, rejected, start)
	if err != nil && target.IsTimeout(err) {
		l.logger.Warn().Err(err).Str("entity", string(t)).Int("batch", index).Msg("batch timed out, retrying")
		*attempt++
		inserted, err = l.commit(ctx, t, index, *attempt, rows, rejected, start)
	}
	return inserted, err
}

// commit inserts rows and the audit record in one transaction.
func (l *Loader) commit(ctx context.Context, t entity.Type, index, attempt int, rows []entity.Entity, rejected int, start time.Time) ([]bool, error) {
	tctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	tx, err := l.store.Begin(tctx)
	if err != nil {
		return nil, err
	}
	inserted, err := tx.InsertBatch(tctx, t, rows)
	if err != nil {
		l.rollback(ctx, tx)
		return nil, err
	}
	committed := 0
	for _, ok := range inserted {
		if ok {
			committed++
		}
	}
	rec := target.AuditRecord{
		ID:         uuid.New(),
		RunID:      l.opts.RunID,
		Entity:     t,
		BatchIndex: index,
		Attempt:    attempt,
		Attempted:  len(rows) + rejected,
		Committed:  committed,
		Skipped:    len(rows) - committed,
		Rejected:   rejected,
		Duration:   time.Since(start),
		RecordedAt: l.opts.Now().UTC(),
	}
	if err := tx.AppendAudit(tctx, rec); err != nil {
		l.rollback(ctx, tx)
		return nil, err
	}
	if err := tx.Commit(tctx); err != nil {
		l.rollback(ctx, tx)
		return nil, err
	}
	return inserted, nil
}

// isolate finds the offending rows in a throwaway transaction.
func (l *Loader) isolate(ctx context.Context, t entity.Type, rows []entity.Entity) ([]int, error) {
	tctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	tx, err := l.store.Begin(tctx)
	if err != nil {
		return nil, err
	}
	defer l.rollback(ctx, tx)
	return tx.IsolateRows(tctx, t, rows)
}

func (l *Loader) rollback(ctx context.Context, tx target.Tx) {
	rctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	if err := tx.Rollback(rctx); err != nil {
		l.logger.Warn().Err(err).Msg("rollback failed")
	}
}

// filterMissingParents drops rows whose parents are neither committed in
// this run nor already present in the store.
func (l *Loader) filterMissingParents(ctx context.Context, t entity.Type, batch []entity.Entity) ([]entity.Entity, int, error) {
	parents := l.opts.Graph[t]
	if len(parents) == 0 {
		return batch, 0, nil
	}
	for _, pt := range parents {
		set := l.presentSet(pt)
		var unknown []uuid.UUID
		seen := make(map[uuid.UUID]bool)
		for _, row := range batch {
			id, ok := row.Parents()[pt]
			if !ok || set[id] || seen[id] {
				continue
			}
			seen[id] = true
			unknown = append(unknown, id)
		}
		if len(unknown) == 0 {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
		found, err := l.store.Existing(tctx, pt, unknown)
		cancel()
		if err != nil {
			return nil, 0, fmt.Errorf("look up %s parents: %w", pt, err)
		}
		for id := range found {
			set[id] = true
		}
	}

	kept := make([]entity.Entity, 0, len(batch))
	for _, row := range batch {
		if l.parentsPresent(row) {
			kept = append(kept, row)
		}
	}
	return kept, len(batch) - len(kept), nil
}

func (l *Loader) parentsPresent(row entity.Entity) bool {
	for pt, id := range row.Parents() {
		if !l.presentSet(pt)[id] {
			return false
		}
	}
	return true
}

func (l *Loader) presentSet(t entity.Type) map[uuid.UUID]bool {
	set, ok := l.present[t]
	if !ok {
		set = make(map[uuid.UUID]bool)
		l.present[t] = set
	}
	return set
}

func partition(rows []entity.Entity, size int) [][]entity.Entity {
	var out [][]entity.Entity
	for start := 0; start < len(rows); start += size {
		out = append(out, rows[start:min(start+size, len(rows))])
	}
	return out
}

func without(rows []entity.Entity, drop []int) []entity.Entity {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	out := make([]entity.Entity, 0, len(rows)-len(drop))
	for i, r := range rows {
		if !skip[i] {
			out = append(out, r)
		}
	}
	return out
}
