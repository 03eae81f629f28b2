// Package etlerr defines the error taxonomy shared by the pipeline stages.
// Record-level errors (DecodeError, ValidationError, OrphanError) are turned
// into counted outcomes and never abort a run. Batch-level errors
// (IntegrityError) cause a rollback. FatalSourceError and
// ThresholdExceededError are run-level.
package etlerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks an operation that did not finish within its I/O bound.
var ErrTimeout = errors.New("operation timed out")

// DecodeError reports a raw record that could not be parsed.
type DecodeError struct {
	Dataset string
	Offset  int
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s@%d: %s", e.Dataset, e.Offset, e.Reason)
}

// ValidationError reports a record rejected by a rule.
type ValidationError struct {
	Entity   string
	Field    string
	Category string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validate %s: %s: %s", e.Entity, e.Category, e.Reason)
	}
	return fmt.Sprintf("validate %s.%s: %s: %s", e.Entity, e.Field, e.Category, e.Reason)
}

// OrphanError reports a record whose parent reference did not resolve.
type OrphanError struct {
	Entity string
	Key    string
	Reason string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("orphan %s %q: %s", e.Entity, e.Key, e.Reason)
}

// IntegrityError wraps a constraint violation raised by the target store.
type IntegrityError struct {
	Table      string
	Constraint string
	Err        error
}

func (e *IntegrityError) Error() string {
	var b strings.Builder
	b.WriteString("integrity violation")
	if e.Table != "" {
		b.WriteString(" on ")
		b.WriteString(e.Table)
	}
	if e.Constraint != "" {
		b.WriteString(" (")
		b.WriteString(e.Constraint)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ThresholdExceededError aborts the remaining batches of an entity type.
type ThresholdExceededError struct {
	Entity    string
	Rejected  int
	Seen      int
	Threshold float64
}

func (e *ThresholdExceededError) Error() string {
	return fmt.Sprintf("%s error rate %.4f (%d/%d) exceeds threshold %.4f",
		e.Entity, e.Rate(), e.Rejected, e.Seen, e.Threshold)
}

// Rate returns rejected/seen, zero when nothing was seen.
func (e *ThresholdExceededError) Rate() float64 {
	if e.Seen == 0 {
		return 0
	}
	return float64(e.Rejected) / float64(e.Seen)
}

// FatalSourceError halts extraction of a single dataset.
type FatalSourceError struct {
	Dataset string
	Path    string
	Err     error
}

func (e *FatalSourceError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.Dataset, e.Path, e.Err)
}

func (e *FatalSourceError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err carries an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsFatalSource reports whether err carries a FatalSourceError.
func IsFatalSource(err error) bool {
	var fe *FatalSourceError
	return errors.As(err, &fe)
}

// IsThreshold reports whether err carries a ThresholdExceededError.
func IsThreshold(err error) bool {
	var te *ThresholdExceededError
	return errors.As(err, &te)
}
