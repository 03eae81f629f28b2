package normalize

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ehr-etl/internal/domain/entity"
	"github.com/ehr/ehr-etl/internal/domain/source"
	"github.com/ehr/ehr-etl/internal/domain/validation"
	"github.com/ehr/ehr-etl/internal/etlerr"
)

// Orphan reasons.
const (
	ReasonUnknownPatient      = "unknown_patient"
	ReasonUnresolvedEncounter = "unresolved_encounter"
	ReasonPatientMismatch     = "encounter_patient_mismatch"
)

// DefaultEncounterType is assigned to encounters whose source has no type,
// and to synthesized encounters.
const DefaultEncounterType = "Outpatient Visit"

// Options tune joining and correlation.
type Options struct {
	// Tolerance bounds the distance between a child event and the encounter
	// it is joined to.
	Tolerance time.Duration
	// CorrelationWindow is how long after being recorded a diagnosis stays
	// open for medication correlation.
	CorrelationWindow time.Duration
	// Synthesize creates one encounter per patient and day for children
	// that match no encounter, instead of orphaning them.
	Synthesize bool
	// LoadTime is the reference for the medication active flag.
	LoadTime time.Time
	Workers  int
}

// Orphan is a record quarantined because a reference did not resolve.
type Orphan struct {
	Entity entity.Type         `json:"entity"`
	Origin source.Origin       `json:"origin"`
	Err    *etlerr.OrphanError `json:"-"`
	Reason string              `json:"reason"`
}

// Rejection is a record that passed field validation but was rejected while
// normalizing.
type Rejection struct {
	Entity   entity.Type         `json:"entity"`
	Origin   source.Origin       `json:"origin"`
	Category validation.Category `json:"category"`
	Reason   string              `json:"reason"`
}

// Correlation links a diagnosis to the medication chosen for it.
type Correlation struct {
	PatientID    uuid.UUID `json:"patient_id"`
	DiagnosisID  uuid.UUID `json:"diagnosis_id"`
	MedicationID uuid.UUID `json:"medication_id"`
}

// Result is the normalized output of a run.
type Result struct {
	Entities     entity.Set
	Orphans      []Orphan
	Rejections   []Rejection
	Correlations []Correlation
	Synthesized  int
}

// OrphansByType counts orphans per entity type.
func (r *Result) OrphansByType() map[entity.Type]int {
	out := map[entity.Type]int{}
	for _, o := range r.Orphans {
		out[o.Entity]++
	}
	return out
}

// RejectionsByType counts normalization rejections per entity type.
func (r *Result) RejectionsByType() map[entity.Type]int {
	out := map[entity.Type]int{}
	for _, x := range r.Rejections {
		out[x.Entity]++
	}
	return out
}

// Normalizer builds canonical entities from validation results.
type Normalizer struct {
	id   *Identity
	opts Options
}

func New(id *Identity, opts Options) *Normalizer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LoadTime.IsZero() {
		opts.LoadTime = time.Now().UTC()
	}
	return &Normalizer{id: id, opts: opts}
}

// Identity returns the identifier scheme in use.
func (n *Normalizer) Identity() *Identity { return n.id }

type lateReject struct {
	res    validation.Result
	cat    validation.Category
	reason string
}

type childOutcome struct {
	pending []pendingChild
	orphans []Orphan
	rejects []lateReject
}

type pendingChild struct {
	res       validation.Result
	id        uuid.UUID
	patientID uuid.UUID
	// encounterID is uuid.Nil until a synthesized encounter is assigned.
	encounterID uuid.UUID
	at          time.Time
}

var childTypes = []entity.Type{entity.TypeDiagnosis, entity.TypeMedication, entity.TypeProcedure, entity.TypeObservation}

var keyField = map[entity.Type]string{
	entity.TypePatient:     "patient_id",
	entity.TypeEncounter:   "encounter_id",
	entity.TypeDiagnosis:   "diagnosis_id",
	entity.TypeMedication:  "medication_id",
	entity.TypeProcedure:   "procedure_id",
	entity.TypeObservation: "observation_id",
}

var eventField = map[entity.Type]string{
	entity.TypeDiagnosis:   "recorded_at",
	entity.TypeMedication:  "start_at",
	entity.TypeProcedure:   "performed_at",
	entity.TypeObservation: "observed_at",
}

// Normalize converts accepted results into entities. Rejections found here
// (duplicate keys, procedures outside their encounter's window) are also
// recorded in acc.
func (n *Normalizer) Normalize(ctx context.Context, results []validation.Result, acc *validation.Accumulator) (*Result, error) {
	accepted := map[entity.Type][]validation.Result{}
	for _, r := range results {
		if !r.Rejected {
			accepted[r.Entity] = append(accepted[r.Entity], r)
		}
	}

	out := &Result{Entities: entity.Set{}}
	var late []lateReject

	patients := map[uuid.UUID]bool{}
	for _, r := range accepted[entity.TypePatient] {
		key := r.Fields.String("patient_id")
		id := n.id.Derive(entity.TypePatient, key)
		if patients[id] {
			late = append(late, lateReject{r, validation.CategoryDuplicate, "duplicate patient key " + key})
			continue
		}
		patients[id] = true
		out.Entities[entity.TypePatient] = append(out.Entities[entity.TypePatient], buildPatient(id, r))
	}

	encounters := map[uuid.UUID]*entity.Encounter{}
	byPatient := map[uuid.UUID][]*entity.Encounter{}
	seenEnc := map[uuid.UUID]bool{}
	for _, r := range accepted[entity.TypeEncounter] {
		key := r.Fields.String("encounter_id")
		id := n.id.Derive(entity.TypeEncounter, key)
		if seenEnc[id] {
			late = append(late, lateReject{r, validation.CategoryDuplicate, "duplicate encounter key " + key})
			continue
		}
		seenEnc[id] = true
		pkey := r.Fields.String("patient_id")
		pid := n.id.Derive(entity.TypePatient, pkey)
		if !patients[pid] {
			out.Orphans = append(out.Orphans, orphan(r, pkey, ReasonUnknownPatient))
			continue
		}
		e := buildEncounter(id, pid, r)
		encounters[id] = e
		byPatient[pid] = append(byPatient[pid], e)
		out.Entities[entity.TypeEncounter] = append(out.Entities[entity.TypeEncounter], e)
	}
	for _, list := range byPatient {
		slices.SortFunc(list, compareEncounters)
	}

	outcomes := make([]childOutcome, len(childTypes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.Workers)
	for i, typ := range childTypes {
		g.Go(func() error {
			o, err := n.resolveChildren(gctx, typ, accepted[typ], patients, encounters, byPatient)
			outcomes[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	synthetic := n.synthesize(outcomes)
	for _, e := range synthetic {
		out.Entities[entity.TypeEncounter] = append(out.Entities[entity.TypeEncounter], e)
	}
	out.Synthesized = len(synthetic)

	for i, typ := range childTypes {
		o := outcomes[i]
		out.Orphans = append(out.Orphans, o.orphans...)
		late = append(late, o.rejects...)
		for _, p := range o.pending {
			out.Entities[typ] = append(out.Entities[typ], n.buildChild(typ, p))
		}
	}

	for _, l := range late {
		if acc != nil {
			acc.Reject(l.res, l.cat)
		}
		out.Rejections = append(out.Rejections, Rejection{Entity: l.res.Entity, Origin: l.res.Origin, Category: l.cat, Reason: l.reason})
	}

	out.Correlations = Correlate(out.Entities[entity.TypeDiagnosis], out.Entities[entity.TypeMedication], n.opts.CorrelationWindow)
	return out, nil
}

func (n *Normalizer) resolveChildren(ctx context.Context, typ entity.Type, rs []validation.Result,
	patients map[uuid.UUID]bool, encounters map[uuid.UUID]*entity.Encounter, byPatient map[uuid.UUID][]*entity.Encounter,
) (childOutcome, error) {
	var o childOutcome
	seen := map[uuid.UUID]bool{}
	for i, r := range rs {
		if i%512 == 0 && ctx.Err() != nil {
			return o, ctx.Err()
		}
		key := r.Fields.String(keyField[typ])
		id := n.id.Derive(typ, key)
		if seen[id] {
			o.rejects = append(o.rejects, lateReject{r, validation.CategoryDuplicate, "duplicate " + string(typ) + " key " + key})
			continue
		}
		seen[id] = true

		pkey := r.Fields.String("patient_id")
		pid := n.id.Derive(entity.TypePatient, pkey)
		if !patients[pid] {
			o.orphans = append(o.orphans, orphan(r, pkey, ReasonUnknownPatient))
			continue
		}
		at, _ := r.Fields.Time(eventField[typ])
		p := pendingChild{res: r, id: id, patientID: pid, at: at}

		// An explicit reference is authoritative: it resolves or the record
		// is quarantined. Time matching applies only when none is given.
		if ekey := r.Fields.String("encounter_id"); ekey != "" {
			enc, ok := encounters[n.id.Derive(entity.TypeEncounter, ekey)]
			switch {
			case !ok:
				o.orphans = append(o.orphans, orphan(r, ekey, ReasonUnresolvedEncounter))
			case enc.PatientID != pid:
				o.orphans = append(o.orphans, orphan(r, ekey, ReasonPatientMismatch))
			case typ == entity.TypeProcedure && absDuration(at.Sub(enc.OccurredAt)) > n.opts.Tolerance:
				o.rejects = append(o.rejects, lateReject{r, validation.CategoryInconsistent,
					"performed outside encounter window"})
			default:
				p.encounterID = enc.ID
				o.pending = append(o.pending, p)
			}
			continue
		}

		if enc := Nearest(byPatient[pid], at, n.opts.Tolerance); enc != nil {
			p.encounterID = enc.ID
			o.pending = append(o.pending, p)
			continue
		}
		if n.opts.Synthesize {
			o.pending = append(o.pending, p)
			continue
		}
		o.orphans = append(o.orphans, orphan(r, "", ReasonUnresolvedEncounter))
	}
	return o, nil
}

// synthesize creates encounters for the pending children that matched none.
// Per patient, children are taken in time order and a new encounter starts
// whenever an event is more than Tolerance after the current encounter's
// anchor, so every child lies within tolerance of its encounter. The anchor
// is the group's earliest event.
func (n *Normalizer) synthesize(outcomes []childOutcome) []*entity.Encounter {
	type ref struct {
		p    *pendingChild
		rank int
	}
	var refs []ref
	for i := range outcomes {
		for j := range outcomes[i].pending {
			if p := &outcomes[i].pending[j]; p.encounterID == uuid.Nil {
				refs = append(refs, ref{p, i})
			}
		}
	}
	slices.SortFunc(refs, func(a, b ref) int {
		if c := bytes.Compare(a.p.patientID[:], b.p.patientID[:]); c != 0 {
			return c
		}
		if c := a.p.at.Compare(b.p.at); c != 0 {
			return c
		}
		if c := cmp.Compare(a.rank, b.rank); c != 0 {
			return c
		}
		return bytes.Compare(a.p.id[:], b.p.id[:])
	})

	var out []*entity.Encounter
	var cur *entity.Encounter
	for _, r := range refs {
		p := r.p
		if cur == nil || cur.PatientID != p.patientID || p.at.Sub(cur.OccurredAt) > n.opts.Tolerance {
			pkey := p.res.Fields.String("patient_id")
			provider := ProviderFor(pkey)
			status := "finished"
			cur = &entity.Encounter{
				ID:          n.id.Synthetic(p.patientID, p.at),
				PatientID:   p.patientID,
				OccurredAt:  p.at,
				Type:        DefaultEncounterType,
				ProviderID:  &provider,
				Status:      &status,
				Synthesized: true,
				Origin:      entity.Provenance{System: "synthetic", Key: pkey + "/" + anchorKey(p.at)},
			}
			out = append(out, cur)
		}
		p.encounterID = cur.ID
	}
	slices.SortFunc(out, compareEncounters)
	return out
}

// Nearest returns the encounter closest to at within tolerance. Ties go to
// the earliest encounter, then the smallest identifier. encs must be sorted
// with compareEncounters.
func Nearest(encs []*entity.Encounter, at time.Time, tolerance time.Duration) *entity.Encounter {
	var best *entity.Encounter
	var bestDist time.Duration
	for _, e := range encs {
		d := absDuration(at.Sub(e.OccurredAt))
		if d > tolerance {
			continue
		}
		if best == nil || d < bestDist || d == bestDist && compareEncounters(e, best) < 0 {
			best, bestDist = e, d
		}
	}
	return best
}

func compareEncounters(a, b *entity.Encounter) int {
	if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func orphan(r validation.Result, key, reason string) Orphan {
	return Orphan{
		Entity: r.Entity,
		Origin: r.Origin,
		Reason: reason,
		Err:    &etlerr.OrphanError{Entity: string(r.Entity), Key: key, Reason: reason},
	}
}

// Correlate picks, for every diagnosis, the medication of the same patient
// whose active window [start, end) overlaps the diagnosis window
// [recorded, recorded+window). When several overlap, the earliest start
// wins, then the smallest identifier.
func Correlate(diagnoses, medications []entity.Entity, window time.Duration) []Correlation {
	meds := map[uuid.UUID][]*entity.Medication{}
	for _, e := range medications {
		if m, ok := e.(*entity.Medication); ok {
			meds[m.PatientID] = append(meds[m.PatientID], m)
		}
	}
	for _, list := range meds {
		slices.SortFunc(list, func(a, b *entity.Medication) int {
			if c := a.StartAt.Compare(b.StartAt); c != 0 {
				return c
			}
			return bytes.Compare(a.ID[:], b.ID[:])
		})
	}

	var out []Correlation
	for _, e := range diagnoses {
		d, ok := e.(*entity.Diagnosis)
		if !ok {
			continue
		}
		opens, closes := d.RecordedAt, d.RecordedAt.Add(window)
		for _, m := range meds[d.PatientID] {
			if m.StartAt.Before(closes) && (m.EndAt == nil || m.EndAt.After(opens)) {
				out = append(out, Correlation{PatientID: d.PatientID, DiagnosisID: d.ID, MedicationID: m.ID})
				break
			}
		}
	}
	slices.SortStableFunc(out, func(a, b Correlation) int {
		return cmp.Compare(a.DiagnosisID.String(), b.DiagnosisID.String())
	})
	return out
}
