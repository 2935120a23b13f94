package dedup

import (
	"strings"

	"github.com/google/uuid"
)

// MRNPlan is what the merge does with the duplicates' MRN rows.
type MRNPlan struct {
	// Move re-points rows at the origin.
	Move []uuid.UUID
	// Delete removes rows whose value origin already holds at that hospital.
	Delete []uuid.UUID
	// Review flags every row at a hospital where origin ends up holding more
	// than one distinct MRN.
	Review []uuid.UUID
	// Conflicts counts moved rows that disagree with origin's MRN.
	Conflicts int
}

// Updated is the number of MRN rows the merge touches.
func (p MRNPlan) Updated() int64 {
	return int64(len(p.Move) + len(p.Delete))
}

// PlanMRNs applies the MRN policy per hospital:
//   - origin has no MRN there: the duplicate's row moves to origin;
//   - origin has the same value: the duplicate's row is deleted;
//   - origin has a different value: the row moves anyway and every row origin
//     holds at that hospital is flagged for review.
//
// Values are compared with surrounding whitespace trimmed. Rows moved earlier
// in the plan count as held by origin, so two duplicates carrying the same MRN
// collapse into one row.
func PlanMRNs(originMRNs, duplicateMRNs []MRN) MRNPlan {
	type held struct {
		ids    []uuid.UUID
		values map[string]struct{}
	}
	byHospital := make(map[uuid.UUID]*held)
	at := func(hospital uuid.UUID) *held {
		h, ok := byHospital[hospital]
		if !ok {
			h = &held{values: make(map[string]struct{})}
			byHospital[hospital] = h
		}
		return h
	}
	for _, m := range originMRNs {
		h := at(m.HospitalID)
		h.ids = append(h.ids, m.ID)
		h.values[strings.TrimSpace(m.MRN)] = struct{}{}
	}

	var plan MRNPlan
	flagged := make(map[uuid.UUID]bool)
	flag := func(ids ...uuid.UUID) {
		for _, id := range ids {
			if !flagged[id] {
				flagged[id] = true
				plan.Review = append(plan.Review, id)
			}
		}
	}

	for _, m := range duplicateMRNs {
		h := at(m.HospitalID)
		value := strings.TrimSpace(m.MRN)
		_, same := h.values[value]
		switch {
		case len(h.ids) == 0:
			plan.Move = append(plan.Move, m.ID)
		case same:
			plan.Delete = append(plan.Delete, m.ID)
			continue
		default:
			plan.Move = append(plan.Move, m.ID)
			plan.Conflicts++
			flag(h.ids...)
			flag(m.ID)
		}
		h.ids = append(h.ids, m.ID)
		h.values[value] = struct{}{}
	}
	return plan
}
