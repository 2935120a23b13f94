package dedup

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestGroupPatients_NationalIDScenario(t *testing.T) {
	a := PatientKey{ID: uuid.New(), Name: "A", NationalID: "784-1990-1111111-1", CreatedAt: ts("2023-01-01T10:00:00Z")}
	b := PatientKey{ID: uuid.New(), Name: "B", NationalID: "78419901111111 1", CreatedAt: ts("2023-06-01T10:00:00Z")}
	other := PatientKey{ID: uuid.New(), NationalID: "784-1985-2222222-2", CreatedAt: ts("2023-02-01T10:00:00Z")}

	groups := GroupPatients([]PatientKey{b, other, a})
	require.Len(t, groups, 1)
	assert.Equal(t, "784199011111111", groups[0].NormalizedID)
	assert.Equal(t, a.ID, groups[0].Origin().ID)
	assert.Equal(t, []uuid.UUID{b.ID}, groups[0].DuplicateIDs())
}

func TestGroupPatients_SkipsEmptyAndSingletons(t *testing.T) {
	keys := []PatientKey{
		{ID: uuid.New(), NationalID: "", CreatedAt: ts("2023-01-01T00:00:00Z")},
		{ID: uuid.New(), NationalID: "N/A", CreatedAt: ts("2023-01-02T00:00:00Z")},
		{ID: uuid.New(), NationalID: "---", CreatedAt: ts("2023-01-03T00:00:00Z")},
		{ID: uuid.New(), NationalID: "784-1", CreatedAt: ts("2023-01-04T00:00:00Z")},
	}
	assert.Empty(t, GroupPatients(keys))
}

func TestGroupPatients_OrderingIsDeterministic(t *testing.T) {
	created := ts("2023-01-01T00:00:00Z")
	idLow := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	idHigh := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	oldest := PatientKey{ID: uuid.New(), NationalID: "22", CreatedAt: created.Add(-time.Hour)}

	keys := []PatientKey{
		{ID: idHigh, NationalID: "2-2", CreatedAt: created},
		{ID: idLow, NationalID: "2 2", CreatedAt: created},
		oldest,
		{ID: uuid.New(), NationalID: "1-1", CreatedAt: created},
		{ID: uuid.New(), NationalID: "11", CreatedAt: created},
	}

	groups := GroupPatients(keys)
	require.Len(t, groups, 2)
	assert.Equal(t, "11", groups[0].NormalizedID)
	assert.Equal(t, "22", groups[1].NormalizedID)

	got := groups[1].Patients
	require.Len(t, got, 3)
	assert.Equal(t, oldest.ID, got[0].ID)
	assert.Equal(t, idLow, got[1].ID, "ties on created_at break by id")
	assert.Equal(t, idHigh, got[2].ID)
}

func TestGroupVisits_SameDayGrouping(t *testing.T) {
	patient, hospital := uuid.New(), uuid.New()
	morning := VisitKey{ID: uuid.New(), PatientID: patient, HospitalID: hospital, VisitDate: ts("2024-01-15T09:00:00Z"), CreatedAt: ts("2024-01-15T09:01:00Z")}
	night := VisitKey{ID: uuid.New(), PatientID: patient, HospitalID: hospital, VisitDate: ts("2024-01-15T23:00:00Z"), CreatedAt: ts("2024-01-15T08:00:00Z")}
	nextDay := VisitKey{ID: uuid.New(), PatientID: patient, HospitalID: hospital, VisitDate: ts("2024-01-16T09:00:00Z"), CreatedAt: ts("2024-01-16T09:01:00Z")}

	groups := GroupVisits([]VisitKey{morning, nextDay, night}, time.UTC)
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, ts("2024-01-15T00:00:00Z"), g.Day)
	assert.Len(t, g.Visits, 2)
	assert.Equal(t, night.ID, g.Primary().ID, "earliest created visit is primary")
	assert.Equal(t, []uuid.UUID{morning.ID}, g.DuplicateIDs())
}

func TestGroupVisits_DifferentHospitalOrPatient(t *testing.T) {
	patient, hospital := uuid.New(), uuid.New()
	day := ts("2024-01-15T09:00:00Z")
	keys := []VisitKey{
		{ID: uuid.New(), PatientID: patient, HospitalID: hospital, VisitDate: day, CreatedAt: day},
		{ID: uuid.New(), PatientID: patient, HospitalID: uuid.New(), VisitDate: day, CreatedAt: day},
		{ID: uuid.New(), PatientID: uuid.New(), HospitalID: hospital, VisitDate: day, CreatedAt: day},
	}
	assert.Empty(t, GroupVisits(keys, time.UTC))
}

func TestGroupVisits_DayBoundaryFollowsLocation(t *testing.T) {
	patient, hospital := uuid.New(), uuid.New()
	dubai := time.FixedZone("GST", 4*60*60)
	// 19:00 and 21:00 UTC on the 15th straddle midnight in Dubai.
	a := VisitKey{ID: uuid.New(), PatientID: patient, HospitalID: hospital, VisitDate: ts("2024-01-15T19:00:00Z"), CreatedAt: ts("2024-01-15T19:00:00Z")}
	b := VisitKey{ID: uuid.New(), PatientID: patient, HospitalID: hospital, VisitDate: ts("2024-01-15T21:00:00Z"), CreatedAt: ts("2024-01-15T21:00:00Z")}

	assert.Len(t, GroupVisits([]VisitKey{a, b}, time.UTC), 1)
	assert.Empty(t, GroupVisits([]VisitKey{a, b}, dubai))
}

func TestSelectCanonical_Empty(t *testing.T) {
	first, rest := selectCanonical([]PatientKey(nil))
	assert.Equal(t, uuid.Nil, first.ID)
	assert.Nil(t, rest)
}
