// Package validation applies a declarative rule set to projected source
// records, repairs what can be repaired, rejects what cannot, and accumulates
// the per-type counters the quality score is computed from.
package validation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/ehr-etl/internal/domain/entity"
)

// Kind selects the parser and repair logic for a field.
type Kind string

const (
	KindString     Kind = "string"
	KindName       Kind = "name"
	KindCode       Kind = "code"
	KindSex        Kind = "sex"
	KindDate       Kind = "date"
	KindTimestamp  Kind = "timestamp"
	KindNumber     Kind = "number"
	KindPhone      Kind = "phone"
	KindZip        Kind = "zip"
	KindUUID       Kind = "uuid"
	KindBool       Kind = "bool"
	KindIdentifier Kind = "identifier"
)

// Rule constrains one canonical field.
type Rule struct {
	Field       string   `yaml:"field"`
	Kind        Kind     `yaml:"kind"`
	Required    bool     `yaml:"required,omitempty"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	MaxLength   int      `yaml:"max_length,omitempty"`
	NotFuture   bool     `yaml:"not_future,omitempty"`
	MaxAgeYears int      `yaml:"max_age_years,omitempty"`
	Pattern     string   `yaml:"pattern,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
}

// ReferenceRange bounds numeric observations whose code or description
// contains one of Match (case-insensitive). The first matching range wins.
type ReferenceRange struct {
	Name          string   `yaml:"name"`
	Match         []string `yaml:"match"`
	Min           float64  `yaml:"min"`
	Max           float64  `yaml:"max"`
	AbnormalAbove *float64 `yaml:"abnormal_above,omitempty"`
	AbnormalBelow *float64 `yaml:"abnormal_below,omitempty"`
	Units         string   `yaml:"units,omitempty"`
}

// RuleSet is the complete declarative configuration of the engine.
type RuleSet struct {
	Entities map[entity.Type][]Rule `yaml:"entities"`
	Ranges   []ReferenceRange       `yaml:"reference_ranges"`
	// NumericCodes lists observation code/description fragments whose value
	// is numeric.
	NumericCodes []string `yaml:"numeric_codes"`
}

func ptr(f float64) *float64 { return &f }

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Entities: map[entity.Type][]Rule{
			entity.TypePatient: {
				{Field: "patient_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "first_name", Kind: KindName, Required: true, MaxLength: 100},
				{Field: "last_name", Kind: KindName, Required: true, MaxLength: 100},
				{Field: "birth_date", Kind: KindDate, Required: true, NotFuture: true, MaxAgeYears: 150},
				{Field: "sex", Kind: KindSex},
				{Field: "address", Kind: KindString, MaxLength: 255},
				{Field: "city", Kind: KindName, MaxLength: 100},
				{Field: "state", Kind: KindCode, MaxLength: 2, Pattern: `^[A-Z]{2}$`},
				{Field: "zip_code", Kind: KindZip},
				{Field: "phone", Kind: KindPhone},
			},
			entity.TypeEncounter: {
				{Field: "encounter_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "patient_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "occurred_at", Kind: KindTimestamp, Required: true},
				{Field: "encounter_type", Kind: KindString, MaxLength: 100},
				{Field: "provider_id", Kind: KindIdentifier, MaxLength: 64},
				{Field: "department", Kind: KindString, MaxLength: 100},
				{Field: "status", Kind: KindString, MaxLength: 32},
			},
			entity.TypeDiagnosis: {
				{Field: "diagnosis_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "patient_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "encounter_id", Kind: KindIdentifier, MaxLength: 255},
				{Field: "code", Kind: KindCode, Required: true, MaxLength: 20},
				{Field: "description", Kind: KindString, MaxLength: 500},
				{Field: "recorded_at", Kind: KindTimestamp, Required: true},
				{Field: "is_primary", Kind: KindBool},
			},
			entity.TypeMedication: {
				{Field: "medication_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "patient_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "encounter_id", Kind: KindIdentifier, MaxLength: 255},
				{Field: "drug_code", Kind: KindCode, MaxLength: 50},
				{Field: "drug_name", Kind: KindString, Required: true, MaxLength: 255},
				{Field: "dosage", Kind: KindString, MaxLength: 100},
				{Field: "route", Kind: KindString, MaxLength: 50},
				{Field: "frequency", Kind: KindString, MaxLength: 100},
				{Field: "start_at", Kind: KindTimestamp, Required: true},
				{Field: "end_at", Kind: KindTimestamp},
			},
			entity.TypeProcedure: {
				{Field: "procedure_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "patient_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "encounter_id", Kind: KindIdentifier, MaxLength: 255},
				{Field: "code", Kind: KindCode, MaxLength: 20},
				{Field: "description", Kind: KindString, Required: true, MaxLength: 500},
				{Field: "performed_at", Kind: KindTimestamp, Required: true},
				{Field: "provider_id", Kind: KindIdentifier, MaxLength: 64},
			},
			entity.TypeObservation: {
				{Field: "observation_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "patient_id", Kind: KindIdentifier, Required: true, MaxLength: 255},
				{Field: "encounter_id", Kind: KindIdentifier, MaxLength: 255},
				{Field: "code", Kind: KindCode, MaxLength: 20},
				{Field: "description", Kind: KindString, Required: true, MaxLength: 500},
				{Field: "observed_at", Kind: KindTimestamp, Required: true},
				{Field: "value_numeric", Kind: KindNumber},
				{Field: "value_text", Kind: KindString, MaxLength: 500},
				{Field: "units", Kind: KindString, MaxLength: 50},
				{Field: "is_abnormal", Kind: KindBool},
			},
		},
		Ranges: []ReferenceRange{
			{Name: "glucose", Match: []string{"glucose", "2345-7"}, Min: 50, Max: 500, AbnormalAbove: ptr(100), Units: "mg/dL"},
			{Name: "a1c", Match: []string{"a1c", "4548-4"}, Min: 4, Max: 20, AbnormalAbove: ptr(7), Units: "%"},
			{Name: "creatinine", Match: []string{"creatinine", "2160-0"}, Min: 0.5, Max: 10, Units: "mg/dL"},
			{Name: "hemoglobin", Match: []string{"hemoglobin", "718-7"}, Min: 5, Max: 20, Units: "g/dL"},
		},
		NumericCodes: []string{"glucose", "creatinine", "hemoglobin", "a1c", "cholesterol"},
	}
}

// LoadRules returns the default rule set with the overrides in path merged
// on top. Entity rules are merged per field; reference ranges and numeric
// codes replace the defaults when present.
func LoadRules(path string) (*RuleSet, error) {
	rs := DefaultRules()
	if path == "" {
		return rs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var override RuleSet
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := rs.Merge(&override); err != nil {
		return nil, err
	}
	return rs, nil
}

// Merge applies o on top of rs.
func (rs *RuleSet) Merge(o *RuleSet) error {
	for typ, rules := range o.Entities {
		if !typ.Valid() {
			return fmt.Errorf("rules: unknown entity %q", typ)
		}
		for _, r := range rules {
			if r.Field == "" {
				return fmt.Errorf("rules: %s rule without field", typ)
			}
			replaced := false
			for i := range rs.Entities[typ] {
				if rs.Entities[typ][i].Field == r.Field {
					rs.Entities[typ][i] = r
					replaced = true
					break
				}
			}
			if !replaced {
				rs.Entities[typ] = append(rs.Entities[typ], r)
			}
		}
	}
	if len(o.Ranges) > 0 {
		rs.Ranges = o.Ranges
	}
	if len(o.NumericCodes) > 0 {
		rs.NumericCodes = o.NumericCodes
	}
	return nil
}

// rangeFor returns the reference range matching an observation.
func (rs *RuleSet) rangeFor(code, description string) *ReferenceRange {
	hay := strings.ToLower(code + " " + description)
	for i := range rs.Ranges {
		for _, m := range rs.Ranges[i].Match {
			if m != "" && strings.Contains(hay, strings.ToLower(m)) {
				return &rs.Ranges[i]
			}
		}
	}
	return nil
}

func (rs *RuleSet) numeric(code, description string) bool {
	hay := strings.ToLower(code + " " + description)
	for _, c := range rs.NumericCodes {
		if c != "" && strings.Contains(hay, strings.ToLower(c)) {
			return true
		}
	}
	return rs.rangeFor(code, description) != nil
}
