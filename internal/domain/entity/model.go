// Package entity holds the canonical, source-independent entity model and the
// dependency graph that fixes the order in which entity types are persisted.
package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a canonical entity type.
type Type string

const (
	TypePatient     Type = "patient"
	TypeEncounter   Type = "encounter"
	TypeDiagnosis   Type = "diagnosis"
	TypeMedication  Type = "medication"
	TypeProcedure   Type = "procedure"
	TypeObservation Type = "observation"
)

// All lists every entity type in canonical order.
var All = []Type{TypePatient, TypeEncounter, TypeDiagnosis, TypeMedication, TypeProcedure, TypeObservation}

var tables = map[Type]string{
	TypePatient:     "patients",
	TypeEncounter:   "encounters",
	TypeDiagnosis:   "diagnoses",
	TypeMedication:  "medications",
	TypeProcedure:   "procedures",
	TypeObservation: "observations",
}

// Table returns the target table name for the type.
func (t Type) Table() string { return tables[t] }

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	_, ok := tables[t]
	return ok
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Provenance records where a canonical entity came from.
type Provenance struct {
	System string `json:"source_system"`
	Key    string `json:"source_key"`
}

// Entity is implemented by every canonical entity.
type Entity interface {
	EntityType() Type
	Key() uuid.UUID
	// Parents returns the references that must be persisted first.
	Parents() map[Type]uuid.UUID
	Source() Provenance
}

// Patient maps to the patients table.
type Patient struct {
	ID        uuid.UUID  `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate time.Time  `json:"birth_date"`
	Sex       string     `json:"sex"`
	Address   *string    `json:"address,omitempty"`
	City      *string    `json:"city,omitempty"`
	State     *string    `json:"state,omitempty"`
	Zip       *string    `json:"zip_code,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	Origin    Provenance `json:"origin"`
}

func (p *Patient) EntityType() Type            { return TypePatient }
func (p *Patient) Key() uuid.UUID              { return p.ID }
func (p *Patient) Parents() map[Type]uuid.UUID { return nil }
func (p *Patient) Source() Provenance          { return p.Origin }

// Encounter maps to the encounters table.
type Encounter struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Type        string     `json:"encounter_type"`
	ProviderID  *string    `json:"provider_id,omitempty"`
	Department  *string    `json:"department,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Synthesized bool       `json:"synthesized"`
	Origin      Provenance `json:"origin"`
}

func (e *Encounter) EntityType() Type { return TypeEncounter }
func (e *Encounter) Key() uuid.UUID   { return e.ID }
func (e *Encounter) Parents() map[Type]uuid.UUID {
	return map[Type]uuid.UUID{TypePatient: e.PatientID}
}
func (e *Encounter) Source() Provenance { return e.Origin }

// Diagnosis maps to the diagnoses table.
type Diagnosis struct {
	ID          uuid.UUID  `json:"id"`
	EncounterID uuid.UUID  `json:"encounter_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Code        string     `json:"code"`
	Description *string    `json:"description,omitempty"`
	RecordedAt  time.Time  `json:"recorded_at"`
	Primary     bool       `json:"is_primary"`
	Origin      Provenance `json:"origin"`
}

func (d *Diagnosis) EntityType() Type { return TypeDiagnosis }
func (d *Diagnosis) Key() uuid.UUID   { return d.ID }
func (d *Diagnosis) Parents() map[Type]uuid.UUID {
	return map[Type]uuid.UUID{TypePatient: d.PatientID, TypeEncounter: d.EncounterID}
}
func (d *Diagnosis) Source() Provenance { return d.Origin }

// Medication maps to the medications table.
type Medication struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	EncounterID uuid.UUID  `json:"encounter_id"`
	DrugCode    *string    `json:"drug_code,omitempty"`
	DrugName    string     `json:"drug_name"`
	Dosage      *string    `json:"dosage,omitempty"`
	Route       *string    `json:"route,omitempty"`
	Frequency   *string    `json:"frequency,omitempty"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       *time.Time `json:"end_at,omitempty"`
	Active      bool       `json:"active"`
	Origin      Provenance `json:"origin"`
}

func (m *Medication) EntityType() Type { return TypeMedication }
func (m *Medication) Key() uuid.UUID   { return m.ID }
func (m *Medication) Parents() map[Type]uuid.UUID {
	return map[Type]uuid.UUID{TypePatient: m.PatientID, TypeEncounter: m.EncounterID}
}
func (m *Medication) Source() Provenance { return m.Origin }

// ActiveAt reports whether the medication is active at t: no end time, or an
// end time after t.
func (m *Medication) ActiveAt(t time.Time) bool {
	return m.EndAt == nil || m.EndAt.After(t)
}

// Procedure maps to the procedures table.
type Procedure struct {
	ID          uuid.UUID  `json:"id"`
	EncounterID uuid.UUID  `json:"encounter_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Code        *string    `json:"code,omitempty"`
	Description string     `json:"description"`
	PerformedAt time.Time  `json:"performed_at"`
	ProviderID  *string    `json:"provider_id,omitempty"`
	Origin      Provenance `json:"origin"`
}

func (p *Procedure) EntityType() Type { return TypeProcedure }
func (p *Procedure) Key() uuid.UUID   { return p.ID }
func (p *Procedure) Parents() map[Type]uuid.UUID {
	return map[Type]uuid.UUID{TypePatient: p.PatientID, TypeEncounter: p.EncounterID}
}
func (p *Procedure) Source() Provenance { return p.Origin }

// Observation maps to the observations table. Exactly one of ValueNumeric and
// ValueText is set.
type Observation struct {
	ID           uuid.UUID  `json:"id"`
	EncounterID  uuid.UUID  `json:"encounter_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	Code         *string    `json:"code,omitempty"`
	Description  string     `json:"description"`
	ObservedAt   time.Time  `json:"observed_at"`
	ValueNumeric *float64   `json:"value_numeric,omitempty"`
	ValueText    *string    `json:"value_text,omitempty"`
	Units        *string    `json:"units,omitempty"`
	Abnormal     bool       `json:"is_abnormal"`
	Origin       Provenance `json:"origin"`
}

func (o *Observation) EntityType() Type { return TypeObservation }
func (o *Observation) Key() uuid.UUID   { return o.ID }
func (o *Observation) Parents() map[Type]uuid.UUID {
	return map[Type]uuid.UUID{TypePatient: o.PatientID, TypeEncounter: o.EncounterID}
}
func (o *Observation) Source() Provenance { return o.Origin }

// Set groups entities by type.
type Set map[Type][]Entity

// Count returns the total number of entities in the set.
func (s Set) Count() int {
	n := 0
	for _, es := range s {
		n += len(es)
	}
	return n
}
