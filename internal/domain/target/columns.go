package target

import (
	"fmt"
	"strings"

	"github.com/ehr/ehr-etl/internal/domain/entity"
)

const patientCols = `id, source_system, source_key, first_name, last_name, birth_date, sex,
	address, city, state, zip_code, phone`

const encounterCols = `id, source_system, source_key, patient_id, occurred_at, encounter_type,
	provider_id, department, status, synthesized`

const diagnosisCols = `id, source_system, source_key, encounter_id, patient_id, code, description,
	recorded_at, is_primary`

const medicationCols = `id, source_system, source_key, patient_id, encounter_id, drug_code, drug_name,
	dosage, route, frequency, start_at, end_at, active`

const procedureCols = `id, source_system, source_key, encounter_id, patient_id, code, description,
	performed_at, provider_id`

const observationCols = `id, source_system, source_key, encounter_id, patient_id, code, description,
	observed_at, value_numeric, value_text, units, is_abnormal`

var columns = map[entity.Type]string{
	entity.TypePatient:     patientCols,
	entity.TypeEncounter:   encounterCols,
	entity.TypeDiagnosis:   diagnosisCols,
	entity.TypeMedication:  medicationCols,
	entity.TypeProcedure:   procedureCols,
	entity.TypeObservation: observationCols,
}

// insertSQL builds the upsert-or-skip statement for a table. placeholder
// renders the n-th (1-based) bind parameter for the driver.
func insertSQL(t entity.Type, placeholder func(n int) string) (string, error) {
	cols, ok := columns[t]
	if !ok {
		return "", fmt.Errorf("no column layout for %s", t)
	}
	n := strings.Count(cols, ",") + 1
	ph := make([]string, n)
	for i := range ph {
		ph[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		t.Table(), cols, strings.Join(ph, ", ")), nil
}

// rowValues returns the bind values of e in column order. Values are left as
// Go types; each driver converts what it cannot bind natively.
func rowValues(e entity.Entity) ([]any, error) {
	src := e.Source()
	switch v := e.(type) {
	case *entity.Patient:
		return []any{v.ID, src.System, src.Key, v.FirstName, v.LastName, dateOnly{v.BirthDate}, v.Sex,
			v.Address, v.City, v.State, v.Zip, v.Phone}, nil
	case *entity.Encounter:
		return []any{v.ID, src.System, src.Key, v.PatientID, v.OccurredAt, v.Type,
			v.ProviderID, v.Department, v.Status, v.Synthesized}, nil
	case *entity.Diagnosis:
		return []any{v.ID, src.System, src.Key, v.EncounterID, v.PatientID, v.Code, v.Description,
			v.RecordedAt, v.Primary}, nil
	case *entity.Medication:
		return []any{v.ID, src.System, src.Key, v.PatientID, v.EncounterID, v.DrugCode, v.DrugName,
			v.Dosage, v.Route, v.Frequency, v.StartAt, v.EndAt, v.Active}, nil
	case *entity.Procedure:
		return []any{v.ID, src.System, src.Key, v.EncounterID, v.PatientID, v.Code, v.Description,
			v.PerformedAt, v.ProviderID}, nil
	case *entity.Observation:
		return []any{v.ID, src.System, src.Key, v.EncounterID, v.PatientID, v.Code, v.Description,
			v.ObservedAt, v.ValueNumeric, v.ValueText, v.Units, v.Abnormal}, nil
	default:
		return nil, fmt.Errorf("unsupported entity %T", e)
	}
}

// verifyQueries lists the checks Verify runs, in report order.
func verifyQueries() []struct{ table, check, query string } {
	var qs []struct{ table, check, query string }
	add := func(table, check, query string) {
		qs = append(qs, struct{ table, check, query string }{table, check, query})
	}
	add("encounters", "missing_patient",
		`SELECT COUNT(*) FROM encounters c LEFT JOIN patients p ON p.id = c.patient_id WHERE p.id IS NULL`)
	for _, t := range []entity.Type{entity.TypeDiagnosis, entity.TypeMedication, entity.TypeProcedure, entity.TypeObservation} {
		table := t.Table()
		add(table, "missing_patient", fmt.Sprintf(
			`SELECT COUNT(*) FROM %s c LEFT JOIN patients p ON p.id = c.patient_id WHERE p.id IS NULL`, table))
		add(table, "missing_encounter", fmt.Sprintf(
			`SELECT COUNT(*) FROM %s c LEFT JOIN encounters e ON e.id = c.encounter_id WHERE e.id IS NULL`, table))
		add(table, "patient_mismatch", fmt.Sprintf(
			`SELECT COUNT(*) FROM %s c JOIN encounters e ON e.id = c.encounter_id WHERE e.patient_id <> c.patient_id`, table))
	}
	add("observations", "value_not_exactly_one",
		`SELECT COUNT(*) FROM observations WHERE (value_numeric IS NULL) = (value_text IS NULL)`)
	add("medications", "end_before_start",
		`SELECT COUNT(*) FROM medications WHERE end_at IS NOT NULL AND end_at < start_at`)
	return qs
}
