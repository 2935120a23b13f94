package dedup

import (
	"context"

	"github.com/google/uuid"
)

// Store is the read side of the engine plus the entry point for atomic work.
type Store interface {
	ListPatientKeys(ctx context.Context) ([]PatientKey, error)
	// ExistingPatientIDs returns the subset of ids that exist.
	ExistingPatientIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	CountPatientRelations(ctx context.Context, id uuid.UUID) (RelationCounts, error)
	ListVisitKeys(ctx context.Context) ([]VisitKey, error)

	// InTx runs fn in a single transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side, only reachable inside Store.InTx.
type Tx interface {
	// LockPatients reads and row-locks the given patients. Missing ids are
	// simply absent from the result.
	LockPatients(ctx context.Context, ids []uuid.UUID) ([]Patient, error)
	RemapPatientRelation(ctx context.Context, rel Relation, from []uuid.UUID, to uuid.UUID) (int64, error)
	ListMRNs(ctx context.Context, patientIDs []uuid.UUID) ([]MRN, error)
	MoveMRNs(ctx context.Context, ids []uuid.UUID, to uuid.UUID) (int64, error)
	DeleteMRNs(ctx context.Context, ids []uuid.UUID) (int64, error)
	FlagMRNsForReview(ctx context.Context, ids []uuid.UUID) error
	ApplyPatientPatch(ctx context.Context, id uuid.UUID, patch PatientPatch) error
	DeletePatients(ctx context.Context, ids []uuid.UUID) (int64, error)

	// LockVisits row-locks the given visits and returns the ids that exist.
	LockVisits(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	ListVisitSpecialities(ctx context.Context, visitIDs []uuid.UUID) ([]VisitSpeciality, error)
	// InsertSpeciality creates s unless its (visit, speciality, doctor) key
	// already exists, and returns the id of the row holding that key.
	InsertSpeciality(ctx context.Context, s VisitSpeciality) (uuid.UUID, error)
	// EnrichSpeciality fills the blank descriptive fields and missing metadata
	// keys of row id from src. Populated fields are never replaced.
	EnrichSpeciality(ctx context.Context, id uuid.UUID, src VisitSpeciality) error
	RemapSpecialityRefs(ctx context.Context, mapping map[uuid.UUID]uuid.UUID) (int64, error)
	RemapVisitRefs(ctx context.Context, from []uuid.UUID, to uuid.UUID) (int64, error)
	DeleteSpecialities(ctx context.Context, ids []uuid.UUID) (int64, error)
	DeleteVisits(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// PatientChangeNotifier is told about a patient whose record changed so
// downstream automation can re-evaluate it.
type PatientChangeNotifier interface {
	PatientChanged(ctx context.Context, patientID uuid.UUID) error
}
