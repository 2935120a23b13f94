package dedup

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PatientGroup is a set of patients sharing a normalized national ID, oldest
// first.
type PatientGroup struct {
	NormalizedID string
	Patients     []PatientKey
}

// Origin is the patient that survives the merge.
func (g PatientGroup) Origin() PatientKey {
	origin, _ := selectCanonical(g.Patients)
	return origin
}

func (g PatientGroup) DuplicateIDs() []uuid.UUID {
	_, dups := selectCanonical(g.Patients)
	ids := make([]uuid.UUID, len(dups))
	for i, p := range dups {
		ids[i] = p.ID
	}
	return ids
}

// VisitGroup is a set of visits for one patient at one hospital on one
// calendar day, oldest first.
type VisitGroup struct {
	PatientID  uuid.UUID
	HospitalID uuid.UUID
	Day        time.Time
	Visits     []VisitKey
}

func (g VisitGroup) Primary() VisitKey {
	primary, _ := selectCanonical(g.Visits)
	return primary
}

func (g VisitGroup) DuplicateIDs() []uuid.UUID {
	_, dups := selectCanonical(g.Visits)
	ids := make([]uuid.UUID, len(dups))
	for i, v := range dups {
		ids[i] = v.ID
	}
	return ids
}

// Key identifies the group in logs and errors.
func (g VisitGroup) Key() string {
	return g.PatientID.String() + "/" + g.HospitalID.String() + "/" + g.Day.Format("2006-01-02")
}

// GroupPatients buckets patients by normalized national ID. Empty keys and
// buckets with a single patient are dropped. Groups are ordered by key.
func GroupPatients(keys []PatientKey) []PatientGroup {
	buckets := make(map[string][]PatientKey)
	for _, k := range keys {
		norm := NormalizeNationalID(k.NationalID)
		if norm == "" {
			continue
		}
		buckets[norm] = append(buckets[norm], k)
	}

	groups := make([]PatientGroup, 0, len(buckets))
	for norm, patients := range buckets {
		if len(patients) < 2 {
			continue
		}
		sortByCreated(patients, func(p PatientKey) (time.Time, uuid.UUID) { return p.CreatedAt, p.ID })
		groups = append(groups, PatientGroup{NormalizedID: norm, Patients: patients})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].NormalizedID < groups[j].NormalizedID })
	return groups
}

type visitBucketKey struct {
	patientID  uuid.UUID
	hospitalID uuid.UUID
	day        int64
}

// GroupVisits buckets visits by patient, hospital and the calendar day of the
// visit date in loc. Singleton buckets are dropped. Groups are ordered by
// day, then patient, then hospital.
func GroupVisits(keys []VisitKey, loc *time.Location) []VisitGroup {
	buckets := make(map[visitBucketKey]*VisitGroup)
	for _, k := range keys {
		day := StartOfDay(k.VisitDate, loc)
		bk := visitBucketKey{patientID: k.PatientID, hospitalID: k.HospitalID, day: day.Unix()}
		g, ok := buckets[bk]
		if !ok {
			g = &VisitGroup{PatientID: k.PatientID, HospitalID: k.HospitalID, Day: day}
			buckets[bk] = g
		}
		g.Visits = append(g.Visits, k)
	}

	groups := make([]VisitGroup, 0, len(buckets))
	for _, g := range buckets {
		if len(g.Visits) < 2 {
			continue
		}
		sortByCreated(g.Visits, func(v VisitKey) (time.Time, uuid.UUID) { return v.CreatedAt, v.ID })
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if c := bytes.Compare(a.PatientID[:], b.PatientID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.HospitalID[:], b.HospitalID[:]) < 0
	})
	return groups
}

// sortByCreated orders rows by creation time, breaking ties by id so the
// canonical choice never depends on scan order.
func sortByCreated[T any](rows []T, key func(T) (time.Time, uuid.UUID)) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, idi := key(rows[i])
		tj, idj := key(rows[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return bytes.Compare(idi[:], idj[:]) < 0
	})
}

// selectCanonical splits a sorted bucket into its survivor and the rest.
func selectCanonical[T any](sorted []T) (T, []T) {
	var zero T
	if len(sorted) == 0 {
		return zero, nil
	}
	return sorted[0], sorted[1:]
}
