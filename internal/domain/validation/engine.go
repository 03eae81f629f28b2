package validation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/source"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

// Class is the outcome of a single field check.
type Class int

const (
	Valid Class = iota
	Repairable
	Invalid
)

func (c Class) String() string {
	switch c {
	case Valid:
		return "valid"
	case Repairable:
		return "repairable"
	}
	return "invalid"
}

// Category groups issues for reporting.
type Category string

const (
	CategoryMissingRequired Category = "missing_required"
	CategoryTypeMismatch    Category = "type_mismatch"
	CategoryOutOfRange      Category = "out_of_range"
	CategoryFormat          Category = "format"
	CategoryNormalized      Category = "normalized"
	CategoryNulled          Category = "nulled"
	CategoryInconsistent    Category = "inconsistent"
	CategoryDecodeError     Category = "decode_error"
	CategoryDuplicate       Category = "duplicate"
)

// Issue is a non-valid outcome on one field of one record.
type Issue struct {
	Field    string   `json:"field,omitempty"`
	Category Category `json:"category"`
	Class    Class    `json:"class"`
	Detail   string   `json:"detail,omitempty"`
}

// Weight is the contribution of the issue to the weighted issue total.
func (i Issue) Weight() float64 {
	switch i.Class {
	case Invalid:
		return 1.0
	case Repairable:
		return 0.5
	}
	return 0
}

// Fields holds typed, repaired field values. Nulled and absent fields have
// no entry. Values are string, time.Time, float64 or bool.
type Fields map[string]any

func (f Fields) String(k string) string {
	s, _ := f[k].(string)
	return s
}

// OptString returns nil when the field is absent.
func (f Fields) OptString(k string) *string {
	s, ok := f[k].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func (f Fields) Time(k string) (time.Time, bool) {
	t, ok := f[k].(time.Time)
	return t, ok
}

// OptTime returns nil when the field is absent.
func (f Fields) OptTime(k string) *time.Time {
	t, ok := f[k].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

// OptFloat returns nil when the field is absent.
func (f Fields) OptFloat(k string) *float64 {
	v, ok := f[k].(float64)
	if !ok {
		return nil
	}
	return &v
}

func (f Fields) Bool(k string) bool {
	b, _ := f[k].(bool)
	return b
}

// Result is the validated form of one candidate record.
type Result struct {
	Origin   source.Origin
	Entity   entity.Type
	Fields   Fields
	Issues   []Issue
	Rejected bool
	// Reason explains a rejection.
	Reason *etlerr.ValidationError
	// Checks is the number of field and consistency checks the record was
	// subject to.
	Checks int
	// Weight is the weighted issue total the record contributes. A rejected
	// record contributes all of its checks.
	Weight float64
}

// Repaired reports whether an accepted record had at least one repair.
func (r Result) Repaired() bool {
	if r.Rejected {
		return false
	}
	for _, i := range r.Issues {
		if i.Class == Repairable {
			return true
		}
	}
	return false
}

// Engine validates candidates against a rule set. It is safe for concurrent
// use.
type Engine struct {
	rules    *RuleSet
	patterns map[string]*regexp.Regexp
	now      func() time.Time
}

// NewEngine compiles rs. now supplies the reference time for age and
// not-in-future checks; nil means time.Now.
func NewEngine(rs *RuleSet, now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	e := &Engine{rules: rs, patterns: map[string]*regexp.Regexp{}, now: now}
	for typ, rules := range rs.Entities {
		for _, r := range rules {
			if r.Pattern == "" {
				continue
			}
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s.%s: bad pattern: %w", typ, r.Field, err)
			}
			e.patterns[r.Pattern] = re
		}
	}
	return e, nil
}

// consistencyChecks is the number of cross-field checks per type.
var consistencyChecks = map[entity.Type]int{
	entity.TypeMedication:  1,
	entity.TypeObservation: 1,
}

// Checks returns the number of checks a record of typ is subject to.
func (e *Engine) Checks(typ entity.Type) int {
	return len(e.rules.Entities[typ]) + consistencyChecks[typ]
}

func (e *Engine) reject(res *Result, field string, cat Category, detail string) {
	res.Issues = append(res.Issues, Issue{Field: field, Category: cat, Class: Invalid, Detail: detail})
	if res.Rejected {
		return
	}
	res.Rejected = true
	res.Reason = &etlerr.ValidationError{Entity: string(res.Entity), Field: field, Category: string(cat), Reason: detail}
}

// Validate checks one candidate.
func (e *Engine) Validate(c source.Candidate) Result {
	res := Result{Origin: c.Origin, Entity: c.Origin.Entity, Fields: Fields{}, Checks: e.Checks(c.Origin.Entity)}
	if c.Err != nil {
		e.reject(&res, "", CategoryDecodeError, c.Err.Error())
		res.Weight = float64(res.Checks)
		return res
	}

	now := e.now()
	for _, rule := range e.rules.Entities[res.Entity] {
		raw, ok := c.Values[rule.Field]
		if !ok || strings.TrimSpace(raw) == "" {
			if rule.Required {
				e.reject(&res, rule.Field, CategoryMissingRequired, "value is missing")
			}
			continue
		}
		val, issue := e.check(rule, raw, now)
		switch {
		case issue == nil:
			res.Fields[rule.Field] = val
		case issue.Class == Invalid && rule.Required:
			e.reject(&res, rule.Field, issue.Category, issue.Detail)
		case issue.Class == Invalid:
			res.Issues = append(res.Issues, Issue{Field: rule.Field, Category: CategoryNulled, Class: Repairable, Detail: issue.Detail})
		default:
			res.Fields[rule.Field] = val
			res.Issues = append(res.Issues, *issue)
		}
	}

	if !res.Rejected {
		switch res.Entity {
		case entity.TypeMedication:
			e.checkMedication(&res)
		case entity.TypeObservation:
			e.checkObservation(&res)
		}
	}

	if res.Rejected {
		res.Weight = float64(res.Checks)
	} else {
		for _, i := range res.Issues {
			res.Weight += i.Weight()
		}
	}
	return res
}

func (e *Engine) check(rule Rule, raw string, now time.Time) (any, *Issue) {
	invalid := func(cat Category, format string, args ...any) (any, *Issue) {
		return nil, &Issue{Field: rule.Field, Category: cat, Class: Invalid, Detail: fmt.Sprintf(format, args...)}
	}
	repaired := func(v any, detail string) (any, *Issue) {
		return v, &Issue{Field: rule.Field, Category: CategoryNormalized, Class: Repairable, Detail: detail}
	}

	s := strings.TrimSpace(raw)
	if rule.MaxLength > 0 && len(s) > rule.MaxLength && rule.Kind != KindPhone && rule.Kind != KindZip {
		return invalid(CategoryFormat, "length %d exceeds %d", len(s), rule.MaxLength)
	}

	var out any
	var fix *Issue
	switch rule.Kind {
	case KindString, KindIdentifier:
		out = s
	case KindName:
		n := NormalizeName(s)
		if !strings.ContainsFunc(n, isLetter) {
			return invalid(CategoryFormat, "name %q has no letters", s)
		}
		out = n
		if n != s {
			_, fix = repaired(n, "name case normalised")
		}
	case KindCode:
		code := strings.ToUpper(s)
		out = code
		if code != s {
			_, fix = repaired(code, "code upper-cased")
		}
	case KindSex:
		v, ok := NormalizeSex(s)
		out = v
		switch {
		case !ok:
			_, fix = repaired(v, fmt.Sprintf("unrecognised value %q recorded as unknown", s))
		case !strings.EqualFold(v, s):
			_, fix = repaired(v, fmt.Sprintf("%q mapped to %s", s, v))
		}
	case KindDate, KindTimestamp:
		t, err := ParseTime(s)
		if err != nil {
			return invalid(CategoryTypeMismatch, "%v", err)
		}
		if rule.Kind == KindDate {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
		if rule.NotFuture && t.After(now) {
			return invalid(CategoryOutOfRange, "%s is in the future", t.Format("2006-01-02"))
		}
		if rule.MaxAgeYears > 0 && ageYears(t, now) > rule.MaxAgeYears {
			return invalid(CategoryOutOfRange, "older than %d years", rule.MaxAgeYears)
		}
		out = t
	case KindNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return invalid(CategoryTypeMismatch, "not a number: %q", s)
		}
		if rule.Min != nil && f < *rule.Min || rule.Max != nil && f > *rule.Max {
			return invalid(CategoryOutOfRange, "%g outside bounds", f)
		}
		out = f
	case KindBool:
		b, err := ParseBool(s)
		if err != nil {
			return invalid(CategoryTypeMismatch, "%v", err)
		}
		out = b
	case KindPhone:
		p, ok := NormalizePhone(s)
		if !ok {
			return invalid(CategoryFormat, "unparseable phone %q", s)
		}
		out = p
		if p != s {
			_, fix = repaired(p, "phone reformatted")
		}
	case KindZip:
		z, ok := NormalizeZip(s)
		if !ok {
			return invalid(CategoryFormat, "unparseable zip %q", s)
		}
		out = z
		if z != s {
			_, fix = repaired(z, "zip reduced to five digits")
		}
	case KindUUID:
		u, err := parseUUID(s)
		if err != nil {
			return invalid(CategoryFormat, "not a uuid: %q", s)
		}
		out = u
		if u != s {
			_, fix = repaired(u, "uuid canonicalised")
		}
	default:
		return invalid(CategoryTypeMismatch, "unknown rule kind %q", rule.Kind)
	}

	if str, ok := out.(string); ok {
		if len(rule.Enum) > 0 && !containsFold(rule.Enum, str) {
			return invalid(CategoryFormat, "%q not in allowed values", str)
		}
		if rule.Pattern != "" && !e.patterns[rule.Pattern].MatchString(str) {
			return invalid(CategoryFormat, "%q does not match %s", str, rule.Pattern)
		}
	}
	return out, fix
}

func (e *Engine) checkMedication(res *Result) {
	start, _ := res.Fields.Time("start_at")
	if end, ok := res.Fields.Time("end_at"); ok && end.Before(start) {
		e.reject(res, "end_at", CategoryInconsistent, "end time precedes start time")
	}
}

// checkObservation enforces exactly one value, recovers numeric values from
// text for numeric codes, bounds numeric values by the reference range and
// derives the abnormal flag from it.
func (e *Engine) checkObservation(res *Result) {
	f := res.Fields
	code, desc := f.String("code"), f.String("description")
	numeric := e.rules.numeric(code, desc)
	rng := e.rules.rangeFor(code, desc)
	note := func(field string, cat Category, detail string) {
		res.Issues = append(res.Issues, Issue{Field: field, Category: cat, Class: Repairable, Detail: detail})
	}

	_, hasNum := f["value_numeric"]
	text, hasText := f["value_text"].(string)
	if numeric && !hasNum && hasText {
		if v, ok := NumberFromText(text); ok {
			f["value_numeric"] = v
			hasNum = true
			note("value_numeric", CategoryNormalized, "numeric value recovered from text")
		}
	}

	if v, ok := f["value_numeric"].(float64); ok && rng != nil && (v < rng.Min || v > rng.Max) {
		delete(f, "value_numeric")
		hasNum = false
		note("value_numeric", CategoryNulled, fmt.Sprintf("%g outside %s range %g-%g", v, rng.Name, rng.Min, rng.Max))
	}

	switch {
	case hasNum && hasText:
		if numeric {
			delete(f, "value_text")
			note("value_text", CategoryNormalized, "text dropped in favour of numeric value")
		} else {
			delete(f, "value_numeric")
			note("value_numeric", CategoryNormalized, "numeric dropped in favour of text value")
		}
	case !hasNum && !hasText:
		e.reject(res, "value_numeric", CategoryInconsistent, "observation has neither a numeric nor a text value")
		return
	}

	v, ok := f["value_numeric"].(float64)
	if !ok || rng == nil || (rng.AbnormalAbove == nil && rng.AbnormalBelow == nil) {
		return
	}
	derived := rng.AbnormalAbove != nil && v > *rng.AbnormalAbove ||
		rng.AbnormalBelow != nil && v < *rng.AbnormalBelow
	if given, ok := f["is_abnormal"].(bool); ok && given != derived {
		note("is_abnormal", CategoryNormalized, "abnormal flag re-derived from reference range")
	}
	f["is_abnormal"] = derived
}

// ValidateAll validates candidates on up to workers goroutines. Results keep
// the input order; each worker accumulates into its own Accumulator and the
// accumulators are merged once all workers finish.
func (e *Engine) ValidateAll(ctx context.Context, cands []source.Candidate, workers int) ([]Result, *Accumulator, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, len(cands))
	chunk := (len(cands) + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}
	var accs []*Accumulator

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < len(cands); lo += chunk {
		hi := min(lo+chunk, len(cands))
		acc := NewAccumulator()
		accs = append(accs, acc)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%256 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				results[i] = e.Validate(cands[i])
				acc.Add(results[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	total := NewAccumulator()
	for _, a := range accs {
		total.Merge(a)
	}
	return results, total, nil
}

func isLetter(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
