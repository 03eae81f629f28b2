// Package sandbox generates synthetic raw source files for demos and tests:
// the tabular, document and relational datasets the pipeline reads, with an
// adjustable share of deliberately defective records.
package sandbox

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated source data.
type SeedConfig struct {
	PatientCount             int     `json:"patientCount"`
	EncountersPerPatient     int     `json:"encountersPerPatient"`
	ObservationsPerEncounter int     `json:"observationsPerEncounter"`
	DiagnosesPerPatient      int     `json:"diagnosesPerPatient"`
	MedicationsPerPatient    int     `json:"medicationsPerPatient"`
	ProceduresPerPatient     int     `json:"proceduresPerPatient"`
	DefectRate               float64 `json:"defectRate"`
	Seed                     int64   `json:"seed"`
	// Start is the earliest encounter date; defaults to 2024-01-01.
	Start time.Time `json:"start"`
}

// DefaultSeedConfig returns a SeedConfig with sensible defaults.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:             100,
		EncountersPerPatient:     3,
		ObservationsPerEncounter: 2,
		DiagnosesPerPatient:      2,
		MedicationsPerPatient:    2,
		ProceduresPerPatient:     1,
		DefectRate:               0.02,
	}
}

func (c *SeedConfig) validate() error {
	if c.PatientCount < 1 {
		return fmt.Errorf("patient count must be positive, got %d", c.PatientCount)
	}
	if c.DefectRate < 0 || c.DefectRate > 1 {
		return fmt.Errorf("defect rate must be within [0, 1], got %v", c.DefectRate)
	}
	if c.Start.IsZero() {
		c.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return nil
}

// Source file names, matching the built-in field mapping.
const (
	PatientsFile     = "patients.csv"
	ObservationsFile = "observations.csv"
	ProceduresFile   = "procedures.csv"
	DiagnosesFile    = "diagnoses.json"
	MedicationsFile  = "medications.json"
	EncountersDB     = "ehr_journeys_database.sqlite"
)

// ---------------------------------------------------------------------------
// SeedResult
// ---------------------------------------------------------------------------

// SeedResult summarises a generation run.
type SeedResult struct {
	Counts   map[string]int `json:"counts"`
	Defects  map[string]int `json:"defects"`
	Files    []string       `json:"files"`
	Duration time.Duration  `json:"duration"`
}

// TotalDefects is the number of defective records written.
func (r *SeedResult) TotalDefects() int {
	n := 0
	for _, v := range r.Defects {
		n += v
	}
	return n
}

// ---------------------------------------------------------------------------
// Code pools
// ---------------------------------------------------------------------------

type codeEntry struct {
	Code    string
	Display string
}

type observationDef struct {
	Code    string
	Display string
	Unit    string
	Low     float64
	High    float64
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Christopher", "Charles", "Daniel", "Matthew",
		"Anthony", "Mark", "Donald", "Steven", "Paul", "Andrew", "Joshua",
		"Kenneth", "Kevin", "Brian", "George", "Timothy", "Ronald", "Edward",
		"Jason", "Jeffrey", "Ryan", "Jacob", "Gary", "Nicholas", "Eric",
		"Jonathan", "Stephen", "Larry", "Justin", "Scott", "Brandon",
		"Benjamin", "Samuel", "Raymond", "Gregory", "Frank", "Alexander",
		"Patrick", "Jack", "Dennis", "Jerry", "Tyler",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Betty",
		"Margaret", "Sandra", "Ashley", "Dorothy", "Kimberly", "Emily",
		"Donna", "Michelle", "Carol", "Amanda", "Melissa", "Deborah",
		"Stephanie", "Rebecca", "Sharon", "Laura", "Cynthia", "Kathleen",
		"Amy", "Angela", "Shirley", "Anna", "Brenda", "Pamela", "Emma",
		"Nicole", "Helen", "Samantha", "Katherine", "Christine", "Debra",
		"Rachel", "Carolyn", "Janet", "Catherine", "Maria", "Heather",
		"Diane",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore",
		"Jackson", "Martin", "Lee", "Perez", "Thompson", "White", "Harris",
		"Sanchez", "Clark", "Ramirez", "Lewis", "Robinson", "Walker",
		"Young", "Allen", "King", "Wright", "Scott", "Torres", "Nguyen",
		"Hill", "Flores", "Green", "Adams", "Nelson", "Baker", "Hall",
		"Rivera", "Campbell", "Mitchell", "Carter", "Roberts", "Gomez",
	}

	streets = []string{
		"123 Main St", "456 Oak Ave", "789 Elm St", "321 Pine Rd",
		"654 Maple Dr", "987 Cedar Ln", "147 Birch Blvd", "258 Walnut Way",
		"369 Cherry Ct", "741 Spruce Pl", "852 Willow Rd", "963 Ash St",
	}
	cities = []string{
		"New York", "Los Angeles", "Chicago", "Houston", "Phoenix",
		"Philadelphia", "San Antonio", "San Diego", "Dallas", "San Jose",
		"Austin", "Jacksonville", "Fort Worth", "Columbus", "Charlotte",
	}
	states = []string{
		"NY", "CA", "IL", "TX", "AZ", "PA", "FL", "OH", "NC", "GA",
		"MI", "NJ", "VA", "WA", "CO",
	}
	zips = []string{
		"10001", "90001", "60601", "77001", "85001", "19101", "78201",
		"92101", "75201", "95101", "73301", "32201", "76101", "43201", "28201",
	}

	icd10Conditions = []codeEntry{
		{"E11.9", "Type 2 diabetes mellitus without complications"},
		{"I10", "Essential (primary) hypertension"},
		{"J45.909", "Unspecified asthma, uncomplicated"},
		{"E78.5", "Hyperlipidemia, unspecified"},
		{"J06.9", "Acute upper respiratory infection, unspecified"},
		{"M54.5", "Low back pain"},
		{"F32.9", "Major depressive disorder, single episode, unspecified"},
		{"K21.0", "Gastro-esophageal reflux disease with esophagitis"},
		{"N39.0", "Urinary tract infection, site not specified"},
		{"J20.9", "Acute bronchitis, unspecified"},
		{"E03.9", "Hypothyroidism, unspecified"},
		{"G43.909", "Migraine, unspecified, not intractable"},
		{"M79.3", "Panniculitis, unspecified"},
		{"R05.9", "Cough, unspecified"},
		{"L30.9", "Dermatitis, unspecified"},
		{"K58.9", "Irritable bowel syndrome without diarrhea"},
		{"G47.00", "Insomnia, unspecified"},
		{"J30.9", "Allergic rhinitis, unspecified"},
		{"M25.50", "Pain in unspecified joint"},
		{"R10.9", "Unspecified abdominal pain"},
		{"E55.9", "Vitamin D deficiency, unspecified"},
	}

	loincObservations = []observationDef{
		{"8867-4", "Heart rate", "beats/minute", 50, 110},
		{"8310-5", "Body temperature", "degC", 36.0, 38.5},
		{"29463-7", "Body weight", "kg", 40, 150},
		{"8302-2", "Body height", "cm", 140, 200},
		{"85354-9", "Blood pressure panel", "mmHg", 90, 180},
		{"8480-6", "Systolic blood pressure", "mmHg", 90, 180},
		{"8462-4", "Diastolic blood pressure", "mmHg", 50, 110},
		{"2708-6", "Oxygen saturation", "%", 92, 100},
		{"9279-1", "Respiratory rate", "breaths/minute", 10, 25},
		{"2339-0", "Glucose [Mass/volume] in Blood", "mg/dL", 60, 250},
		{"2093-3", "Total Cholesterol", "mg/dL", 120, 300},
		{"2571-8", "Triglycerides", "mg/dL", 50, 400},
		{"718-7", "Hemoglobin [Mass/volume] in Blood", "g/dL", 10, 18},
		{"4548-4", "Hemoglobin A1c", "%", 4.0, 12.0},
		{"33914-3", "Glomerular filtration rate", "mL/min", 30, 120},
		{"2160-0", "Creatinine [Mass/volume] in Serum", "mg/dL", 0.5, 2.5},
	}

	rxnormMedications = []codeEntry{
		{"197361", "Metformin 500 MG Oral Tablet"},
		{"310798", "Lisinopril 10 MG Oral Tablet"},
		{"197381", "Atorvastatin 20 MG Oral Tablet"},
		{"311700", "Omeprazole 20 MG Delayed Release Oral Capsule"},
		{"308136", "Amoxicillin 500 MG Oral Capsule"},
		{"198211", "Levothyroxine Sodium 0.05 MG Oral Tablet"},
		{"314076", "Amlodipine 5 MG Oral Tablet"},
		{"200801", "Hydrochlorothiazide 25 MG Oral Tablet"},
		{"312961", "Sertraline 50 MG Oral Tablet"},
		{"197591", "Albuterol 0.83 MG/ML Inhalation Solution"},
		{"310965", "Losartan Potassium 50 MG Oral Tablet"},
		{"197517", "Gabapentin 300 MG Oral Capsule"},
		{"308056", "Acetaminophen 500 MG Oral Tablet"},
		{"198240", "Montelukast 10 MG Oral Tablet"},
		{"197446", "Furosemide 40 MG Oral Tablet"},
		{"199026", "Prednisone 10 MG Oral Tablet"},
	}

	cptProcedures = []codeEntry{
		{"99213", "Office or outpatient visit, established patient, low complexity"},
		{"71046", "Radiologic examination, chest, 2 views"},
		{"80053", "Comprehensive metabolic panel"},
		{"85025", "Complete blood count (CBC) with differential"},
		{"93000", "Electrocardiogram, routine ECG"},
		{"36415", "Venipuncture, routine"},
		{"99214", "Office or outpatient visit, established patient, moderate complexity"},
		{"90837", "Psychotherapy, 60 minutes"},
		{"99203", "Office or outpatient visit, new patient, low complexity"},
		{"81001", "Urinalysis, automated, with microscopy"},
		{"87880", "Strep A assay with direct optical observation"},
		{"99395", "Preventive visit, established patient, 18-39 years"},
	}

	encounterTypes = []codeEntry{
		{"185349003", "Encounter for check up"},
		{"185345009", "Encounter for symptom"},
		{"185347001", "Encounter for problem"},
		{"270427003", "Patient-initiated encounter"},
		{"390906007", "Follow-up encounter"},
	}

	departments = []string{
		"Internal Medicine", "Cardiology", "Endocrinology", "Emergency",
		"Family Medicine", "Pulmonology", "Nephrology",
	}
	routes      = []string{"oral", "intravenous", "subcutaneous", "inhalation", "topical"}
	frequencies = []string{"once daily", "twice daily", "three times daily", "every 8 hours", "as needed"}
	statuses    = []string{"completed", "completed", "completed", "in-progress", "cancelled"}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic values.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) pickCode(pool []codeEntry) codeEntry {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) pickObs() observationDef {
	return loincObservations[g.rng.Intn(len(loincObservations))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28) // safe for all months
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

func (g *DataGenerator) chance(p float64) bool {
	return p > 0 && g.rng.Float64() < p
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

const stamp = "2006-01-02 15:04:05"

type patientRow struct {
	id, first, last, birth, sex, address, city, state, zip, phone string
}

func (r patientRow) csv() []string {
	return []string{r.id, r.first, r.last, r.birth, r.sex, r.address, r.city, r.state, r.zip, r.phone}
}

type encounterRow struct {
	ID         string
	PatientID  string
	At         time.Time
	Type       string
	Provider   string
	Department string
	Status     string
}

type diagnosisDoc struct {
	DiagnosisID string `json:"diagnosis_id"`
	PatientID   string `json:"patient_id"`
	EncounterID string `json:"encounter_id,omitempty"`
	Code        string `json:"diagnosis_code,omitempty"`
	Description string `json:"diagnosis_description"`
	RecordedAt  string `json:"date_recorded"`
	Primary     bool   `json:"is_primary"`
}

type medicationDoc struct {
	OrderID     string `json:"medication_order_id"`
	PatientID   string `json:"patient_id"`
	EncounterID string `json:"encounter_id,omitempty"`
	DrugCode    string `json:"drug_code"`
	DrugName    string `json:"drug_name"`
	Dosage      string `json:"dosage"`
	Route       string `json:"route"`
	Frequency   string `json:"frequency"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date,omitempty"`
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder writes one complete set of source files.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	defects   map[string]int
}

// NewSeeder creates a new Seeder with the given config.
func NewSeeder(config SeedConfig) *Seeder {
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
		defects:   make(map[string]int),
	}
}

func (s *Seeder) defect(name string) bool {
	if !s.generator.chance(s.config.DefectRate) {
		return false
	}
	s.defects[name]++
	return true
}

// Generate writes every source file into dir.
func (s *Seeder) Generate(ctx context.Context, dir string) (*SeedResult, error) {
	start := time.Now()
	if err := s.config.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	s.defects = make(map[string]int)
	g := s.generator
	cfg := s.config

	var (
		patients     [][]string
		encounters   []encounterRow
		observations [][]string
		procedures   [][]string
		diagnoses    []diagnosisDoc
		medications  []medicationDoc
	)

	for i := 0; i < cfg.PatientCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := s.patient()
		patients = append(patients, p.csv())

		var visits []encounterRow
		for j := 0; j < cfg.EncountersPerPatient; j++ {
			e := s.encounter(p.id, i)
			visits = append(visits, e)
			encounters = append(encounters, e)
			for k := 0; k < cfg.ObservationsPerEncounter; k++ {
				observations = append(observations, s.observation(p.id, e))
			}
		}
		if len(visits) == 0 {
			continue
		}
		for j := 0; j < cfg.DiagnosesPerPatient; j++ {
			diagnoses = append(diagnoses, s.diagnosis(p.id, visits[g.rng.Intn(len(visits))], j == 0))
		}
		for j := 0; j < cfg.MedicationsPerPatient; j++ {
			medications = append(medications, s.medication(p.id, visits[g.rng.Intn(len(visits))]))
		}
		for j := 0; j < cfg.ProceduresPerPatient; j++ {
			procedures = append(procedures, s.procedure(p.id, visits[g.rng.Intn(len(visits))]))
		}
	}

	res := &SeedResult{
		Counts: map[string]int{
			"patients":     len(patients),
			"encounters":   len(encounters),
			"observations": len(observations),
			"procedures":   len(procedures),
			"diagnoses":    len(diagnoses),
			"medications":  len(medications),
		},
		Defects: s.defects,
	}

	writes := []struct {
		name  string
		write func(string) error
	}{
		{PatientsFile, func(p string) error {
			return writeCSV(p, []string{"patient_id", "first_name", "last_name", "date_of_birth", "gender",
				"address", "city", "state", "zip_code", "phone_number"}, patients)
		}},
		{ObservationsFile, func(p string) error {
			return writeCSV(p, []string{"observation_id", "patient_id", "encounter_id", "observation_code",
				"observation_description", "observation_datetime", "value_numeric", "value_text", "units"}, observations)
		}},
		{ProceduresFile, func(p string) error {
			return writeCSV(p, []string{"procedure_id", "patient_id", "encounter_id", "procedure_code",
				"procedure_description", "date_performed", "provider_id"}, procedures)
		}},
		{DiagnosesFile, func(p string) error { return writeJSON(p, diagnoses) }},
		{MedicationsFile, func(p string) error { return writeJSON(p, medications) }},
		{EncountersDB, func(p string) error { return writeEncounters(ctx, p, encounters) }},
	}
	for _, w := range writes {
		path := filepath.Join(dir, w.name)
		if err := w.write(path); err != nil {
			return nil, fmt.Errorf("write %s: %w", w.name, err)
		}
		res.Files = append(res.Files, path)
	}
	sort.Strings(res.Files)
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Seeder) patient() patientRow {
	g := s.generator
	p := patientRow{
		id:      g.nextID("PAT"),
		last:    g.pick(lastNames),
		birth:   g.randomDate(1935, 2015),
		address: g.pick(streets),
		city:    g.pick(cities),
		state:   g.pick(states),
		zip:     g.pick(zips),
		phone:   g.randomPhone(),
	}
	if g.rng.Intn(2) == 0 {
		p.first, p.sex = g.pick(firstNamesMale), "M"
	} else {
		p.first, p.sex = g.pick(firstNamesFemale), "F"
	}

	switch {
	case s.defect("future_birth_date"):
		p.birth = fmt.Sprintf("%d-01-01", 3000+g.rng.Intn(100))
	case s.defect("missing_last_name"):
		p.last = ""
	case s.defect("malformed_phone"):
		p.phone = "call me"
	case s.defect("lowercase_name"):
		p.first = fmt.Sprintf("  %s ", toLower(p.first))
	case s.defect("zip_plus_four"):
		p.zip = p.zip + "-" + strconv.Itoa(1000+g.rng.Intn(9000))
	}
	return p
}

func (s *Seeder) encounter(patientID string, n int) encounterRow {
	g := s.generator
	day := s.config.Start.AddDate(0, 0, g.rng.Intn(365))
	e := encounterRow{
		ID:         g.nextID("ENC"),
		PatientID:  patientID,
		At:         day.Add(time.Duration(8+g.rng.Intn(9))*time.Hour + time.Duration(g.rng.Intn(60))*time.Minute),
		Type:       g.pickCode(encounterTypes).Display,
		Provider:   fmt.Sprintf("PROV_%03d", 1+n%50),
		Department: g.pick(departments),
		Status:     g.pick(statuses),
	}
	if s.defect("unknown_patient") {
		e.PatientID = "PAT-UNKNOWN-" + strconv.Itoa(g.rng.Intn(1000))
	}
	return e
}

func (s *Seeder) observation(patientID string, e encounterRow) []string {
	g := s.generator
	def := g.pickObs()
	at := e.At.Add(time.Duration(5+g.rng.Intn(120)) * time.Minute)
	value := def.Low + g.rng.Float64()*(def.High-def.Low)
	numeric, text := strconv.FormatFloat(value, 'f', 1, 64), ""

	switch {
	case s.defect("observation_without_value"):
		numeric = ""
	case s.defect("observation_value_as_text"):
		numeric, text = "", fmt.Sprintf("%s %.1f %s", def.Display, value, def.Unit)
	}
	return []string{g.nextID("OBS"), patientID, e.ID, def.Code, def.Display, at.Format(stamp), numeric, text, def.Unit}
}

func (s *Seeder) procedure(patientID string, e encounterRow) []string {
	g := s.generator
	c := g.pickCode(cptProcedures)
	at := e.At.Add(time.Duration(10+g.rng.Intn(90)) * time.Minute).Format(stamp)
	if s.defect("us_date_format") {
		at = e.At.Format("01/02/2006")
	}
	return []string{g.nextID("PROC"), patientID, e.ID, c.Code, c.Display, at, e.Provider}
}

func (s *Seeder) diagnosis(patientID string, e encounterRow, primary bool) diagnosisDoc {
	g := s.generator
	c := g.pickCode(icd10Conditions)
	d := diagnosisDoc{
		DiagnosisID: g.nextID("DX"),
		PatientID:   patientID,
		EncounterID: e.ID,
		Code:        c.Code,
		Description: c.Display,
		RecordedAt:  e.At.Add(30 * time.Minute).Format(time.RFC3339),
		Primary:     primary,
	}
	if s.defect("missing_diagnosis_code") {
		d.Code = ""
	}
	return d
}

func (s *Seeder) medication(patientID string, e encounterRow) medicationDoc {
	g := s.generator
	c := g.pickCode(rxnormMedications)
	start := e.At.Add(time.Hour)
	m := medicationDoc{
		OrderID:     g.nextID("RX"),
		PatientID:   patientID,
		EncounterID: e.ID,
		DrugCode:    c.Code,
		DrugName:    c.Display,
		Dosage:      fmt.Sprintf("%d mg", 5*(1+g.rng.Intn(20))),
		Route:       g.pick(routes),
		Frequency:   g.pick(frequencies),
		StartDate:   start.Format(stamp),
	}
	if g.rng.Intn(3) > 0 {
		m.EndDate = start.AddDate(0, 0, 7+g.rng.Intn(90)).Format(stamp)
	}
	if s.defect("end_before_start") {
		m.EndDate = start.AddDate(0, 0, -3).Format(stamp)
	}
	return m
}

// ---------------------------------------------------------------------------
// Writers
// ---------------------------------------------------------------------------

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func writeEncounters(ctx context.Context, path string, rows []encounterRow) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `CREATE TABLE encounters (
		encounter_id   TEXT PRIMARY KEY,
		patient_id     TEXT NOT NULL,
		encounter_date TEXT NOT NULL,
		encounter_type TEXT,
		provider_id    TEXT,
		department     TEXT,
		status         TEXT
	)`); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO encounters VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range rows {
		if _, err := stmt.ExecContext(ctx, e.ID, e.PatientID, e.At.Format(stamp), e.Type, e.Provider, e.Department, e.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
