package dedup

import (
	"time"

	"github.com/google/uuid"
)

// -- Patient --

// PatientKey is the projection group discovery reads for every patient.
type PatientKey struct {
	ID          uuid.UUID
	Name        string
	NationalID  string
	PhoneNumber string
	CreatedAt   time.Time
}

// Patient holds the fields the merge resolver reads and fills.
type Patient struct {
	ID               uuid.UUID
	NameEn           string
	NameAr           string
	NationalID       string
	PhoneNumber      string
	Nationality      *string
	DateOfBirth      *time.Time
	Gender           *string
	ResidencyEmirate *string
	JobTitle         *string
	Organization     *string
	ReferralSource   *string
	Services         []string
	Specialities     []string
	Points           int
	CreatedAt        time.Time
}

// PatientPatch is the set of changes a merge applies to the surviving patient.
// Nil fields are left untouched. Services and Specialities, when set, replace
// the stored arrays with the full union. PointsDelta is added, never assigned.
type PatientPatch struct {
	Nationality      *string
	DateOfBirth      *time.Time
	Gender           *string
	ResidencyEmirate *string
	JobTitle         *string
	Organization     *string
	ReferralSource   *string
	Services         []string
	Specialities     []string
	PointsDelta      int
}

func (p PatientPatch) IsEmpty() bool {
	return p.Nationality == nil && p.DateOfBirth == nil && p.Gender == nil &&
		p.ResidencyEmirate == nil && p.JobTitle == nil && p.Organization == nil &&
		p.ReferralSource == nil && p.Services == nil && p.Specialities == nil &&
		p.PointsDelta == 0
}

// Apply writes the patch onto dst in a fixed field order.
func (p PatientPatch) Apply(dst *Patient) {
	if p.Nationality != nil {
		dst.Nationality = p.Nationality
	}
	if p.DateOfBirth != nil {
		dst.DateOfBirth = p.DateOfBirth
	}
	if p.Gender != nil {
		dst.Gender = p.Gender
	}
	if p.ResidencyEmirate != nil {
		dst.ResidencyEmirate = p.ResidencyEmirate
	}
	if p.JobTitle != nil {
		dst.JobTitle = p.JobTitle
	}
	if p.Organization != nil {
		dst.Organization = p.Organization
	}
	if p.ReferralSource != nil {
		dst.ReferralSource = p.ReferralSource
	}
	if p.Services != nil {
		dst.Services = append([]string(nil), p.Services...)
	}
	if p.Specialities != nil {
		dst.Specialities = append([]string(nil), p.Specialities...)
	}
	dst.Points += p.PointsDelta
}

// Relation names a foreign key that points at a patient and is rewritten
// wholesale on merge.
type Relation string

const (
	RelVisits              Relation = "visit.patient_id"
	RelAppointments        Relation = "appointment.patient_id"
	RelCommissions         Relation = "commission.patient_id"
	RelTransactions        Relation = "transaction.patient_id"
	// RelNominations covers both referrer_id and converted_to_patient_id; a
	// nomination row counts once however many of the two it had rewritten.
	RelNominations         Relation = "nomination"
	RelFollowUpTasks       Relation = "follow_up_task.patient_id"
	RelDataEntryTasks      Relation = "data_entry_task.patient_id"
	RelFamilyMembers       Relation = "family_member.patient_id"
	RelMobileNotifications Relation = "mobile_notification.patient_id"
	RelScanRecords         Relation = "scan_record.patient_id"
	RelAssignmentHistory   Relation = "patient_assignment_history.patient_id"
)

// PatientRelations lists every relation remapped on merge, in the order the
// updates run.
var PatientRelations = []Relation{
	RelVisits,
	RelAppointments,
	RelCommissions,
	RelTransactions,
	RelNominations,
	RelFollowUpTasks,
	RelDataEntryTasks,
	RelFamilyMembers,
	RelMobileNotifications,
	RelScanRecords,
	RelAssignmentHistory,
}

// MRN is a hospital-issued medical record number held by a patient.
type MRN struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	HospitalID  uuid.UUID
	MRN         string
	NeedsReview bool
	CreatedAt   time.Time
}

// RelationCounts is the per-patient summary shown to operators reviewing a
// duplicate group.
type RelationCounts struct {
	VisitCount         int `json:"visitCount"`
	AppointmentCount   int `json:"appointmentCount"`
	CommissionCount    int `json:"commissionCount"`
	TransactionCount   int `json:"transactionCount"`
	FollowUpTaskCount  int `json:"followUpTaskCount"`
	DataEntryTaskCount int `json:"dataEntryTaskCount"`
	MRNCount           int `json:"mrnCount"`
}

type DuplicatePatient struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	NationalID  string    `json:"nationalId"`
	PhoneNumber string    `json:"phoneNumber"`
	CreatedAt   time.Time `json:"createdAt"`
	RelationCounts
}

type DuplicatePatientGroup struct {
	NormalizedID string             `json:"normalizedId"`
	Patients     []DuplicatePatient `json:"patients"`
}

type DuplicatePatientsReport struct {
	Groups          []DuplicatePatientGroup `json:"groups"`
	TotalGroups     int                     `json:"totalGroups"`
	TotalDuplicates int                     `json:"totalDuplicates"`
}

type MergeRequest struct {
	OriginPatientID     uuid.UUID   `json:"originPatientId"`
	DuplicatePatientIDs []uuid.UUID `json:"duplicatePatientIds"`
	DryRun              bool        `json:"dryRun,omitempty"`
}

type MergeStats struct {
	VisitsUpdated              int64 `json:"visitsUpdated"`
	AppointmentsUpdated        int64 `json:"appointmentsUpdated"`
	CommissionsUpdated         int64 `json:"commissionsUpdated"`
	TransactionsUpdated        int64 `json:"transactionsUpdated"`
	NominationsUpdated         int64 `json:"nominationsUpdated"`
	FollowUpTasksUpdated       int64 `json:"followUpTasksUpdated"`
	DataEntryTasksUpdated      int64 `json:"dataEntryTasksUpdated"`
	MRNsUpdated                int64 `json:"mrnsUpdated"`
	FamilyMembersUpdated       int64 `json:"familyMembersUpdated"`
	MobileNotificationsUpdated int64 `json:"mobileNotificationsUpdated"`
	ScanHistoryUpdated         int64 `json:"scanHistoryUpdated"`
	AssignmentHistoryUpdated   int64 `json:"assignmentHistoryUpdated"`
	PointsMerged               int   `json:"pointsMerged"`
	MRNConflicts               int   `json:"mrnConflicts"`
}

// counter returns the stats field a relation's row count is added to.
func (s *MergeStats) counter(rel Relation) *int64 {
	switch rel {
	case RelVisits:
		return &s.VisitsUpdated
	case RelAppointments:
		return &s.AppointmentsUpdated
	case RelCommissions:
		return &s.CommissionsUpdated
	case RelTransactions:
		return &s.TransactionsUpdated
	case RelNominations:
		return &s.NominationsUpdated
	case RelFollowUpTasks:
		return &s.FollowUpTasksUpdated
	case RelDataEntryTasks:
		return &s.DataEntryTasksUpdated
	case RelFamilyMembers:
		return &s.FamilyMembersUpdated
	case RelMobileNotifications:
		return &s.MobileNotificationsUpdated
	case RelScanRecords:
		return &s.ScanHistoryUpdated
	case RelAssignmentHistory:
		return &s.AssignmentHistoryUpdated
	}
	return nil
}

type MergeResult struct {
	OriginPatientID  uuid.UUID   `json:"originPatientId"`
	MergedPatientIDs []uuid.UUID `json:"mergedPatientIds"`
	Stats            MergeStats  `json:"stats"`
	DryRun           bool        `json:"dryRun"`
}

// -- Visit --

type VisitKey struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	HospitalID uuid.UUID
	VisitDate  time.Time
	CreatedAt  time.Time
}

// Metadata is the free-form key/value detail carried on a visit speciality.
// It is copied as a whole when a speciality is recreated under another visit.
type Metadata map[string]string

// VisitSpeciality is one speciality/doctor entry on a visit. Identity is
// (VisitID, SpecialityID, DoctorID); ScheduledTime is not part of it.
type VisitSpeciality struct {
	ID            uuid.UUID
	VisitID       uuid.UUID
	SpecialityID  uuid.UUID
	DoctorID      uuid.UUID
	ScheduledTime *time.Time
	Status        string
	Details       string
	ServiceTime   string
	Outcome       string
	Metadata      Metadata
	CreatedAt     time.Time
}

// HasDetail reports whether any descriptive field is filled in.
func (s VisitSpeciality) HasDetail() bool {
	return s.Details != "" || s.ServiceTime != "" || s.Outcome != ""
}

type VisitGroupReport struct {
	PatientID         uuid.UUID   `json:"patientId"`
	HospitalID        uuid.UUID   `json:"hospitalId"`
	VisitDate         time.Time   `json:"visitDate"`
	Count             int         `json:"count"`
	Kept              uuid.UUID   `json:"kept"`
	Deleted           []uuid.UUID `json:"deleted"`
	SpecialtiesMerged int         `json:"specialtiesMerged"`
}

type VisitDedupResult struct {
	TotalVisitsProcessed int                `json:"totalVisitsProcessed"`
	TotalDuplicatesFound int                `json:"totalDuplicatesFound"`
	VisitsKept           int                `json:"visitsKept"`
	VisitsDeleted        int                `json:"visitsDeleted"`
	SpecialtiesMerged    int                `json:"specialtiesMerged"`
	DuplicateGroupsCount int                `json:"duplicateGroupsCount"`
	DuplicateGroups      []VisitGroupReport `json:"duplicateGroups"`
	DryRun               bool               `json:"dryRun"`
}
