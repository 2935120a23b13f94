package dedup

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

type SpecialityAction int

const (
	// SpecialityFold maps the duplicate's row onto an equivalent primary row.
	SpecialityFold SpecialityAction = iota
	// SpecialityEnrich folds like SpecialityFold and also copies the
	// duplicate's descriptive fields onto a primary row that has none.
	SpecialityEnrich
	// SpecialityRecreate copies the row under the primary visit.
	SpecialityRecreate
)

func (a SpecialityAction) String() string {
	switch a {
	case SpecialityFold:
		return "fold"
	case SpecialityEnrich:
		return "enrich"
	case SpecialityRecreate:
		return "recreate"
	}
	return "unknown"
}

// SpecialityStep is the decision for one speciality row of a duplicate visit.
// TargetID is the primary-visit row that replaces Source.
type SpecialityStep struct {
	Action   SpecialityAction
	Source   VisitSpeciality
	TargetID uuid.UUID
	// Rescheduled is set when a folded row was booked at a different time of
	// day than the row it folds into.
	Rescheduled bool
}

// Recreated returns the row to insert for a SpecialityRecreate step.
func (s SpecialityStep) Recreated(primaryVisitID uuid.UUID) VisitSpeciality {
	row := s.Source
	row.ID = s.TargetID
	row.VisitID = primaryVisitID
	row.Metadata = maps.Clone(s.Source.Metadata)
	return row
}

type specialityKey struct {
	specialityID uuid.UUID
	doctorID     uuid.UUID
}

func keyOf(s VisitSpeciality) specialityKey {
	return specialityKey{specialityID: s.SpecialityID, doctorID: s.DoctorID}
}

// PlanSpecialityMerge decides, row by row, how the duplicate visits'
// specialities join the primary visit. Rows are matched on (speciality,
// doctor); scheduled time only feeds Rescheduled. Rows created or enriched
// earlier in the plan are matched by later rows, so the plan never yields two
// rows with the same key under the primary visit.
func PlanSpecialityMerge(primaryVisitID uuid.UUID, primary, duplicates []VisitSpeciality, loc *time.Location, newID func() uuid.UUID) []SpecialityStep {
	index := make(map[specialityKey]VisitSpeciality, len(primary))
	for _, s := range primary {
		if _, ok := index[keyOf(s)]; !ok {
			index[keyOf(s)] = s
		}
	}

	steps := make([]SpecialityStep, 0, len(duplicates))
	for _, src := range duplicates {
		k := keyOf(src)
		existing, ok := index[k]
		if !ok {
			step := SpecialityStep{Action: SpecialityRecreate, Source: src, TargetID: newID()}
			index[k] = step.Recreated(primaryVisitID)
			steps = append(steps, step)
			continue
		}

		step := SpecialityStep{
			Action:      SpecialityFold,
			Source:      src,
			TargetID:    existing.ID,
			Rescheduled: minuteOfDay(existing.ScheduledTime, loc) != minuteOfDay(src.ScheduledTime, loc),
		}
		if !existing.HasDetail() && src.HasDetail() {
			step.Action = SpecialityEnrich
			existing.Details = src.Details
			existing.ServiceTime = src.ServiceTime
			existing.Outcome = src.Outcome
			index[k] = existing
		}
		steps = append(steps, step)
	}
	return steps
}

// SpecialityMapping returns old-id to new-id for every planned step.
func SpecialityMapping(steps []SpecialityStep) map[uuid.UUID]uuid.UUID {
	m := make(map[uuid.UUID]uuid.UUID, len(steps))
	for _, s := range steps {
		m[s.Source.ID] = s.TargetID
	}
	return m
}
