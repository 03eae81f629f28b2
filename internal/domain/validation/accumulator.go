package validation

import (
	"maps"
	"slices"

	"github.com/ehr/ehr-etl/internal/domain/entity"
)

// TypeStats are the counters kept per entity type.
type TypeStats struct {
	Records  int              `json:"record_count"`
	Rejected int              `json:"rejected"`
	Repaired int              `json:"repaired"`
	Checks   int              `json:"field_checks"`
	Weighted float64          `json:"weighted_issues"`
	Issues   map[Category]int `json:"issue_counts_by_category"`
}

// Score is 1 - weighted issues / checks, clamped to [0, 1]. A type without
// issues scores exactly 1.
func (s TypeStats) Score() float64 {
	if s.Weighted <= 0 || s.Checks == 0 {
		return 1
	}
	return clamp(1 - s.Weighted/float64(s.Checks))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Accumulator collects TypeStats. It is not safe for concurrent use; give
// each worker its own and Merge them afterwards.
type Accumulator struct {
	stats map[entity.Type]*TypeStats
}

func NewAccumulator() *Accumulator {
	return &Accumulator{stats: map[entity.Type]*TypeStats{}}
}

func (a *Accumulator) get(t entity.Type) *TypeStats {
	s, ok := a.stats[t]
	if !ok {
		s = &TypeStats{Issues: map[Category]int{}}
		a.stats[t] = s
	}
	return s
}

// Add records one validated result.
func (a *Accumulator) Add(r Result) {
	s := a.get(r.Entity)
	s.Records++
	s.Checks += r.Checks
	s.Weighted += r.Weight
	if r.Rejected {
		s.Rejected++
	} else if r.Repaired() {
		s.Repaired++
	}
	for _, i := range r.Issues {
		s.Issues[i.Category]++
	}
}

// Reject turns a previously accepted result into a rejection found after
// validation, such as a duplicate key or a cross-record inconsistency.
func (a *Accumulator) Reject(r Result, cat Category) {
	if r.Rejected {
		return
	}
	s := a.get(r.Entity)
	s.Rejected++
	if r.Repaired() {
		s.Repaired--
	}
	s.Weighted += float64(r.Checks) - r.Weight
	s.Issues[cat]++
}

// Merge adds the counters of o into a.
func (a *Accumulator) Merge(o *Accumulator) {
	if o == nil {
		return
	}
	for t, os := range o.stats {
		s := a.get(t)
		s.Records += os.Records
		s.Rejected += os.Rejected
		s.Repaired += os.Repaired
		s.Checks += os.Checks
		s.Weighted += os.Weighted
		for c, n := range os.Issues {
			s.Issues[c] += n
		}
	}
}

// Stats returns a copy of the counters for t.
func (a *Accumulator) Stats(t entity.Type) TypeStats {
	s, ok := a.stats[t]
	if !ok {
		return TypeStats{Issues: map[Category]int{}}
	}
	out := *s
	out.Issues = maps.Clone(s.Issues)
	return out
}

// Score returns the quality score of t.
func (a *Accumulator) Score(t entity.Type) float64 {
	return a.Stats(t).Score()
}

// Overall is the score over all types combined.
func (a *Accumulator) Overall() float64 {
	var total TypeStats
	for _, s := range a.stats {
		total.Checks += s.Checks
		total.Weighted += s.Weighted
	}
	return total.Score()
}

// Types lists the types seen, in canonical order.
func (a *Accumulator) Types() []entity.Type {
	out := make([]entity.Type, 0, len(a.stats))
	for _, t := range entity.All {
		if _, ok := a.stats[t]; ok {
			out = append(out, t)
		}
	}
	for t := range a.stats {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
