package dedup

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResolvePatientMerge computes the patch that folds duplicates into origin.
//
// Scalar fields are only filled where origin is blank; duplicates are visited
// oldest first and the first non-blank value wins. Services and specialities
// become the set union. Points of every duplicate are summed into PointsDelta.
// Origin's own values are never overwritten.
func ResolvePatientMerge(origin Patient, duplicates []Patient) PatientPatch {
	dups := append([]Patient(nil), duplicates...)
	sortByCreated(dups, func(p Patient) (time.Time, uuid.UUID) { return p.CreatedAt, p.ID })

	var patch PatientPatch
	for _, d := range dups {
		fillString(&patch.Nationality, origin.Nationality, d.Nationality)
		if origin.DateOfBirth == nil && patch.DateOfBirth == nil && d.DateOfBirth != nil {
			dob := *d.DateOfBirth
			patch.DateOfBirth = &dob
		}
		fillString(&patch.Gender, origin.Gender, d.Gender)
		fillString(&patch.ResidencyEmirate, origin.ResidencyEmirate, d.ResidencyEmirate)
		fillString(&patch.JobTitle, origin.JobTitle, d.JobTitle)
		fillString(&patch.Organization, origin.Organization, d.Organization)
		fillString(&patch.ReferralSource, origin.ReferralSource, d.ReferralSource)
		patch.PointsDelta += d.Points
	}

	patch.Services = unionIfGrown(origin.Services, dups, func(p Patient) []string { return p.Services })
	patch.Specialities = unionIfGrown(origin.Specialities, dups, func(p Patient) []string { return p.Specialities })
	return patch
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func fillString(dst **string, current, candidate *string) {
	if !isBlank(current) || *dst != nil || isBlank(candidate) {
		return
	}
	v := *candidate
	*dst = &v
}

// unionIfGrown returns the sorted union of base and every duplicate's values,
// or nil when the duplicates add nothing new.
func unionIfGrown(base []string, dups []Patient, values func(Patient) []string) []string {
	set := make(map[string]struct{}, len(base))
	for _, v := range base {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	before := len(set)

	for _, d := range dups {
		for _, v := range values(d) {
			if v = strings.TrimSpace(v); v != "" {
				set[v] = struct{}{}
			}
		}
	}
	if len(set) == before {
		return nil
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
