package normalize

import (
	"github.com/google/uuid"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/validation"
)

func provenance(r validation.Result, keyField string) entity.Provenance {
	return entity.Provenance{System: r.Origin.System, Key: r.Fields.String(keyField)}
}

func buildPatient(id uuid.UUID, r validation.Result) *entity.Patient {
	f := r.Fields
	birth, _ := f.Time("birth_date")
	sex := f.String("sex")
	if sex == "" {
		sex = "unknown"
	}
	return &entity.Patient{
		ID:        id,
		FirstName: f.String("first_name"),
		LastName:  f.String("last_name"),
		BirthDate: birth,
		Sex:       sex,
		Address:   f.OptString("address"),
		City:      f.OptString("city"),
		State:     f.OptString("state"),
		Zip:       f.OptString("zip_code"),
		Phone:     f.OptString("phone"),
		Origin:    provenance(r, "patient_id"),
	}
}

func buildEncounter(id, patientID uuid.UUID, r validation.Result) *entity.Encounter {
	f := r.Fields
	at, _ := f.Time("occurred_at")
	typ := f.String("encounter_type")
	if typ == "" {
		typ = DefaultEncounterType
	}
	return &entity.Encounter{
		ID:         id,
		PatientID:  patientID,
		OccurredAt: at,
		Type:       typ,
		ProviderID: f.OptString("provider_id"),
		Department: f.OptString("department"),
		Status:     f.OptString("status"),
		Origin:     provenance(r, "encounter_id"),
	}
}

func (n *Normalizer) buildChild(typ entity.Type, p pendingChild) entity.Entity {
	f := p.res.Fields
	origin := provenance(p.res, keyField[typ])
	switch typ {
	case entity.TypeDiagnosis:
		primary := true
		if _, ok := f["is_primary"]; ok {
			primary = f.Bool("is_primary")
		}
		return &entity.Diagnosis{
			ID:          p.id,
			EncounterID: p.encounterID,
			PatientID:   p.patientID,
			Code:        f.String("code"),
			Description: f.OptString("description"),
			RecordedAt:  p.at,
			Primary:     primary,
			Origin:      origin,
		}
	case entity.TypeMedication:
		m := &entity.Medication{
			ID:          p.id,
			PatientID:   p.patientID,
			EncounterID: p.encounterID,
			DrugCode:    f.OptString("drug_code"),
			DrugName:    f.String("drug_name"),
			Dosage:      f.OptString("dosage"),
			Route:       f.OptString("route"),
			Frequency:   f.OptString("frequency"),
			StartAt:     p.at,
			EndAt:       f.OptTime("end_at"),
			Origin:      origin,
		}
		m.Active = m.ActiveAt(n.opts.LoadTime)
		return m
	case entity.TypeProcedure:
		provider := f.OptString("provider_id")
		if provider == nil {
			derived := ProviderFor(f.String("patient_id"))
			provider = &derived
		}
		return &entity.Procedure{
			ID:          p.id,
			EncounterID: p.encounterID,
			PatientID:   p.patientID,
			Code:        f.OptString("code"),
			Description: f.String("description"),
			PerformedAt: p.at,
			ProviderID:  provider,
			Origin:      origin,
		}
	default:
		return &entity.Observation{
			ID:           p.id,
			EncounterID:  p.encounterID,
			PatientID:    p.patientID,
			Code:         f.OptString("code"),
			Description:  f.String("description"),
			ObservedAt:   p.at,
			ValueNumeric: f.OptFloat("value_numeric"),
			ValueText:    f.OptString("value_text"),
			Units:        f.OptString("units"),
			Abnormal:     f.Bool("is_abnormal"),
			Origin:       origin,
		}
	}
}
