package dedup

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() uuid.UUID {
	n := 0
	return func() uuid.UUID {
		n++
		var id uuid.UUID
		id[15] = byte(n)
		return id
	}
}

func at(s string) *time.Time {
	t := ts(s)
	return &t
}

func TestPlanSpecialityMerge_FoldScenario(t *testing.T) {
	v1, v2 := uuid.New(), uuid.New()
	s1, s2 := uuid.New(), uuid.New()
	d1, d2 := uuid.New(), uuid.New()

	primary := []VisitSpeciality{
		{ID: uuid.New(), VisitID: v1, SpecialityID: s1, DoctorID: d1, ScheduledTime: at("2024-01-15T09:00:00Z")},
	}
	dups := []VisitSpeciality{
		{ID: uuid.New(), VisitID: v2, SpecialityID: s2, DoctorID: d2, Details: "follow-up", Metadata: Metadata{"room": "3"}},
		{ID: uuid.New(), VisitID: v2, SpecialityID: s1, DoctorID: d1, ScheduledTime: at("2024-01-15T11:30:00Z")},
	}

	steps := PlanSpecialityMerge(v1, primary, dups, time.UTC, sequentialIDs())
	require.Len(t, steps, 2)

	assert.Equal(t, SpecialityRecreate, steps[0].Action)
	row := steps[0].Recreated(v1)
	assert.Equal(t, v1, row.VisitID)
	assert.Equal(t, steps[0].TargetID, row.ID)
	assert.Equal(t, "follow-up", row.Details)
	assert.Equal(t, Metadata{"room": "3"}, row.Metadata)

	assert.Equal(t, SpecialityFold, steps[1].Action)
	assert.Equal(t, primary[0].ID, steps[1].TargetID)
	assert.True(t, steps[1].Rescheduled)

	mapping := SpecialityMapping(steps)
	assert.Equal(t, steps[0].TargetID, mapping[dups[0].ID])
	assert.Equal(t, primary[0].ID, mapping[dups[1].ID])
}

func TestPlanSpecialityMerge_EnrichesOnlyEmptyRows(t *testing.T) {
	v1, v2, v3 := uuid.New(), uuid.New(), uuid.New()
	s, d := uuid.New(), uuid.New()
	empty := VisitSpeciality{ID: uuid.New(), VisitID: v1, SpecialityID: s, DoctorID: d}

	dups := []VisitSpeciality{
		{ID: uuid.New(), VisitID: v2, SpecialityID: s, DoctorID: d, Outcome: "referred"},
		{ID: uuid.New(), VisitID: v3, SpecialityID: s, DoctorID: d, Details: "second opinion"},
	}

	steps := PlanSpecialityMerge(v1, []VisitSpeciality{empty}, dups, time.UTC, uuid.New)
	require.Len(t, steps, 2)
	assert.Equal(t, SpecialityEnrich, steps[0].Action)
	assert.Equal(t, empty.ID, steps[0].TargetID)
	assert.Equal(t, SpecialityFold, steps[1].Action, "row already enriched by the first duplicate")
	assert.False(t, steps[1].Rescheduled)
}

func TestPlanSpecialityMerge_DetailedRowIsNotOverwritten(t *testing.T) {
	v1, v2 := uuid.New(), uuid.New()
	s, d := uuid.New(), uuid.New()
	detailed := VisitSpeciality{ID: uuid.New(), VisitID: v1, SpecialityID: s, DoctorID: d, ServiceTime: "30m"}
	dup := VisitSpeciality{ID: uuid.New(), VisitID: v2, SpecialityID: s, DoctorID: d, Details: "other"}

	steps := PlanSpecialityMerge(v1, []VisitSpeciality{detailed}, []VisitSpeciality{dup}, time.UTC, uuid.New)
	require.Len(t, steps, 1)
	assert.Equal(t, SpecialityFold, steps[0].Action)
}

func TestPlanSpecialityMerge_RepeatAcrossDuplicatesRecreatesOnce(t *testing.T) {
	v1, v2, v3 := uuid.New(), uuid.New(), uuid.New()
	s, d := uuid.New(), uuid.New()
	dups := []VisitSpeciality{
		{ID: uuid.New(), VisitID: v2, SpecialityID: s, DoctorID: d},
		{ID: uuid.New(), VisitID: v3, SpecialityID: s, DoctorID: d, Details: "notes"},
	}

	steps := PlanSpecialityMerge(v1, nil, dups, time.UTC, sequentialIDs())
	require.Len(t, steps, 2)
	assert.Equal(t, SpecialityRecreate, steps[0].Action)
	assert.Equal(t, SpecialityEnrich, steps[1].Action)
	assert.Equal(t, steps[0].TargetID, steps[1].TargetID)
}

func TestPlanSpecialityMerge_DifferentDoctorIsDistinct(t *testing.T) {
	v1, v2 := uuid.New(), uuid.New()
	s := uuid.New()
	primary := []VisitSpeciality{{ID: uuid.New(), VisitID: v1, SpecialityID: s, DoctorID: uuid.New()}}
	dups := []VisitSpeciality{{ID: uuid.New(), VisitID: v2, SpecialityID: s, DoctorID: uuid.New()}}

	steps := PlanSpecialityMerge(v1, primary, dups, time.UTC, uuid.New)
	require.Len(t, steps, 1)
	assert.Equal(t, SpecialityRecreate, steps[0].Action)
}

func TestSpecialityStep_RecreatedClonesMetadata(t *testing.T) {
	src := VisitSpeciality{ID: uuid.New(), Metadata: Metadata{"k": "v"}}
	step := SpecialityStep{Action: SpecialityRecreate, Source: src, TargetID: uuid.New()}

	row := step.Recreated(uuid.New())
	row.Metadata["k"] = "changed"
	assert.Equal(t, "v", src.Metadata["k"])
}
