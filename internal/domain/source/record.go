// Package source reads raw records from the three source shapes (delimited
// text, nested documents, an embedded relational file) and projects them onto
// canonical field names through a declarative mapping table.
package source

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ehr-etl/internal/domain/entity"
)

// Kind identifies a source shape.
type Kind string

const (
	KindTabular    Kind = "tabular"
	KindDocument   Kind = "document"
	KindRelational Kind = "relational"
)

// Origin locates a raw record in its source.
type Origin struct {
	Kind    Kind        `json:"kind"`
	System  string      `json:"system"`
	Dataset string      `json:"dataset"`
	Entity  entity.Type `json:"entity"`
	// Offset is the 1-based record position within the dataset.
	Offset int `json:"offset"`
}

// Record is a raw record from one of the source shapes. The concrete type is
// one of *TabularRecord, *DocumentRecord or *RelationalRecord.
type Record interface {
	Origin() Origin
	// Lookup returns the textual value stored under field. Missing and
	// empty values report false.
	Lookup(field string) (string, bool)
	// Err is non-nil for placeholder records that failed to decode.
	Err() error
	raw()
}

// TabularRecord is one delimited-text row addressed by header name.
type TabularRecord struct {
	origin Origin
	values map[string]string
	err    error
}

func (r *TabularRecord) Origin() Origin { return r.origin }
func (r *TabularRecord) Err() error     { return r.err }
func (r *TabularRecord) raw()           {}

func (r *TabularRecord) Lookup(field string) (string, bool) {
	v, ok := r.values[field]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// DocumentRecord is one element of a structured document. Nested fields are
// addressed with dotted paths such as "patient.id".
type DocumentRecord struct {
	origin Origin
	doc    map[string]any
	err    error
}

func (r *DocumentRecord) Origin() Origin { return r.origin }
func (r *DocumentRecord) Err() error     { return r.err }
func (r *DocumentRecord) raw()           {}

func (r *DocumentRecord) Lookup(field string) (string, bool) {
	var cur any = r.doc
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	return scalarString(cur)
}

// RelationalRecord is one row of an embedded relational table.
type RelationalRecord struct {
	origin  Origin
	columns map[string]any
	err     error
}

func (r *RelationalRecord) Origin() Origin { return r.origin }
func (r *RelationalRecord) Err() error     { return r.err }
func (r *RelationalRecord) raw()           {}

func (r *RelationalRecord) Lookup(field string) (string, bool) {
	v, ok := r.columns[field]
	if !ok {
		return "", false
	}
	return scalarString(v)
}

func scalarString(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case []byte:
		s = string(x)
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.Format(time.RFC3339Nano)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
