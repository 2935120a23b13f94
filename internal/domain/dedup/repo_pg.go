package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/crm/internal/platform/db"
)

// relationColumns maps each remappable relation to its table and column. Only
// names from this table ever reach SQL text.
var relationColumns = map[Relation][2]string{
	RelVisits:              {"visit", "patient_id"},
	RelAppointments:        {"appointment", "patient_id"},
	RelCommissions:         {"commission", "patient_id"},
	RelTransactions:        {"transaction", "patient_id"},
	RelFollowUpTasks:       {"follow_up_task", "patient_id"},
	RelDataEntryTasks:      {"data_entry_task", "patient_id"},
	RelFamilyMembers:       {"family_member", "patient_id"},
	RelMobileNotifications: {"mobile_notification", "patient_id"},
	RelScanRecords:         {"scan_record", "patient_id"},
	RelAssignmentHistory:   {"patient_assignment_history", "patient_id"},
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *storePG) ListPatientKeys(ctx context.Context) ([]PatientKey, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, COALESCE(NULLIF(name_en, ''), name_ar), national_id, phone_number, created_at
		FROM patient
		WHERE national_id <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []PatientKey
	for rows.Next() {
		var k PatientKey
		if err := rows.Scan(&k.ID, &k.Name, &k.NationalID, &k.PhoneNumber, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.CreatedAt = k.CreatedAt.UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *storePG) ExistingPatientIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM patient WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[uuid.UUID]bool, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}

func (r *storePG) CountPatientRelations(ctx context.Context, id uuid.UUID) (RelationCounts, error) {
	var c RelationCounts
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM visit WHERE patient_id = $1),
			(SELECT COUNT(*) FROM appointment WHERE patient_id = $1),
			(SELECT COUNT(*) FROM commission WHERE patient_id = $1),
			(SELECT COUNT(*) FROM "transaction" WHERE patient_id = $1),
			(SELECT COUNT(*) FROM follow_up_task WHERE patient_id = $1),
			(SELECT COUNT(*) FROM data_entry_task WHERE patient_id = $1),
			(SELECT COUNT(*) FROM patient_hospital_mrn WHERE patient_id = $1)`, id,
	).Scan(&c.VisitCount, &c.AppointmentCount, &c.CommissionCount, &c.TransactionCount,
		&c.FollowUpTaskCount, &c.DataEntryTaskCount, &c.MRNCount)
	return c, err
}

func (r *storePG) ListVisitKeys(ctx context.Context) ([]VisitKey, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, hospital_id, visit_date, created_at
		FROM visit
		ORDER BY patient_id, hospital_id, visit_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []VisitKey
	for rows.Next() {
		var k VisitKey
		if err := rows.Scan(&k.ID, &k.PatientID, &k.HospitalID, &k.VisitDate, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.VisitDate = k.VisitDate.UTC()
		k.CreatedAt = k.CreatedAt.UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *storePG) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return db.InTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txPG{tx: tx})
	})
}

// -- Transaction --

type txPG struct{ tx pgx.Tx }

const patientCols = `id, name_en, name_ar, national_id, phone_number, nationality, date_of_birth,
	gender, residency_emirate, job_title, organization, referral_source,
	services, specialities, points, created_at`

// LockPatients takes the row locks in id order so concurrent merges touching
// the same patients queue instead of deadlocking.
func (t *txPG) LockPatients(ctx context.Context, ids []uuid.UUID) ([]Patient, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+patientCols+` FROM patient WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.NameEn, &p.NameAr, &p.NationalID, &p.PhoneNumber, &p.Nationality, &p.DateOfBirth,
			&p.Gender, &p.ResidencyEmirate, &p.JobTitle, &p.Organization, &p.ReferralSource,
			&p.Services, &p.Specialities, &p.Points, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txPG) RemapPatientRelation(ctx context.Context, rel Relation, from []uuid.UUID, to uuid.UUID) (int64, error) {
	if rel == RelNominations {
		return t.remapNominations(ctx, from, to)
	}
	tc, ok := relationColumns[rel]
	if !ok {
		return 0, fmt.Errorf("unknown relation %q", rel)
	}
	table := pgx.Identifier{tc[0]}.Sanitize()
	col := pgx.Identifier{tc[1]}.Sanitize()
	tag, err := t.tx.Exec(ctx, `UPDATE `+table+` SET `+col+` = $1 WHERE `+col+` = ANY($2)`, to, from)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// remapNominations rewrites both patient columns of a nomination in one pass
// so each row is counted once.
func (t *txPG) remapNominations(ctx context.Context, from []uuid.UUID, to uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE nomination SET
			referrer_id = CASE WHEN referrer_id = ANY($2) THEN $1 ELSE referrer_id END,
			converted_to_patient_id = CASE WHEN converted_to_patient_id = ANY($2) THEN $1 ELSE converted_to_patient_id END
		WHERE referrer_id = ANY($2) OR converted_to_patient_id = ANY($2)`, to, from)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txPG) ListMRNs(ctx context.Context, patientIDs []uuid.UUID) ([]MRN, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, patient_id, hospital_id, mrn, needs_review, created_at
		FROM patient_hospital_mrn
		WHERE patient_id = ANY($1)
		ORDER BY created_at, id
		FOR UPDATE`, patientIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MRN
	for rows.Next() {
		var m MRN
		if err := rows.Scan(&m.ID, &m.PatientID, &m.HospitalID, &m.MRN, &m.NeedsReview, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *txPG) MoveMRNs(ctx context.Context, ids []uuid.UUID, to uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE patient_hospital_mrn SET patient_id = $1 WHERE id = ANY($2)`, to, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txPG) DeleteMRNs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return t.deleteByID(ctx, "patient_hospital_mrn", ids)
}

func (t *txPG) FlagMRNsForReview(ctx context.Context, ids []uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE patient_hospital_mrn SET needs_review = TRUE WHERE id = ANY($1)`, ids)
	return err
}

// ApplyPatientPatch writes every set field of patch in one statement. NULL
// parameters keep the stored value.
func (t *txPG) ApplyPatientPatch(ctx context.Context, id uuid.UUID, patch PatientPatch) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE patient SET
			nationality       = COALESCE($2, nationality),
			date_of_birth     = COALESCE($3::date, date_of_birth),
			gender            = COALESCE($4, gender),
			residency_emirate = COALESCE($5, residency_emirate),
			job_title         = COALESCE($6, job_title),
			organization      = COALESCE($7, organization),
			referral_source   = COALESCE($8, referral_source),
			services          = COALESCE($9::text[], services),
			specialities      = COALESCE($10::text[], specialities),
			points            = points + $11,
			updated_at        = NOW()
		WHERE id = $1`,
		id, patch.Nationality, patch.DateOfBirth, patch.Gender, patch.ResidencyEmirate,
		patch.JobTitle, patch.Organization, patch.ReferralSource,
		patch.Services, patch.Specialities, patch.PointsDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: patient %s", ErrNotFound, id)
	}
	return nil
}

func (t *txPG) DeletePatients(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return t.deleteByID(ctx, "patient", ids)
}

func (t *txPG) LockVisits(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM visit WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	present := make(map[uuid.UUID]bool, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		present[id] = true
	}
	return present, rows.Err()
}

func (t *txPG) ListVisitSpecialities(ctx context.Context, visitIDs []uuid.UUID) ([]VisitSpeciality, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, visit_id, speciality_id, doctor_id, scheduled_time, status,
			COALESCE(details, ''), COALESCE(service_time, ''), COALESCE(outcome, ''), metadata, created_at
		FROM visit_speciality
		WHERE visit_id = ANY($1)
		ORDER BY created_at, id
		FOR UPDATE`, visitIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VisitSpeciality
	for rows.Next() {
		var s VisitSpeciality
		if err := rows.Scan(&s.ID, &s.VisitID, &s.SpecialityID, &s.DoctorID, &s.ScheduledTime, &s.Status,
			&s.Details, &s.ServiceTime, &s.Outcome, &s.Metadata, &s.CreatedAt); err != nil {
			return nil, err
		}
		if s.ScheduledTime != nil {
			st := s.ScheduledTime.UTC()
			s.ScheduledTime = &st
		}
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *txPG) InsertSpeciality(ctx context.Context, s VisitSpeciality) (uuid.UUID, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO visit_speciality (id, visit_id, speciality_id, doctor_id, scheduled_time, status,
			details, service_time, outcome, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10::jsonb)
		ON CONFLICT (visit_id, speciality_id, doctor_id) DO NOTHING
		RETURNING id`,
		s.ID, s.VisitID, s.SpecialityID, s.DoctorID, s.ScheduledTime, s.Status,
		s.Details, s.ServiceTime, s.Outcome, nonNilMetadata(s.Metadata),
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}
	err = t.tx.QueryRow(ctx, `
		SELECT id FROM visit_speciality
		WHERE visit_id = $1 AND speciality_id = $2 AND doctor_id = $3`,
		s.VisitID, s.SpecialityID, s.DoctorID,
	).Scan(&id)
	return id, err
}

func (t *txPG) EnrichSpeciality(ctx context.Context, id uuid.UUID, src VisitSpeciality) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE visit_speciality SET
			details      = COALESCE(NULLIF(details, ''), NULLIF($2, '')),
			service_time = COALESCE(NULLIF(service_time, ''), NULLIF($3, '')),
			outcome      = COALESCE(NULLIF(outcome, ''), NULLIF($4, '')),
			metadata     = $5::jsonb || metadata
		WHERE id = $1`,
		id, src.Details, src.ServiceTime, src.Outcome, nonNilMetadata(src.Metadata))
	return err
}

// specialityRefTables hold a visit_speciality_id that follows a folded row.
var specialityRefTables = []string{"commission", "transaction_visit_speciality"}

func (t *txPG) RemapSpecialityRefs(ctx context.Context, mapping map[uuid.UUID]uuid.UUID) (int64, error) {
	src := make([]uuid.UUID, 0, len(mapping))
	dst := make([]uuid.UUID, 0, len(mapping))
	for from, to := range mapping {
		src = append(src, from)
		dst = append(dst, to)
	}
	var total int64
	for _, table := range specialityRefTables {
		tag, err := t.tx.Exec(ctx, `
			UPDATE `+pgx.Identifier{table}.Sanitize()+` AS ref
			SET visit_speciality_id = m.dst
			FROM unnest($1::uuid[], $2::uuid[]) AS m(src, dst)
			WHERE ref.visit_speciality_id = m.src`, src, dst)
		if err != nil {
			return total, fmt.Errorf("%s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (t *txPG) RemapVisitRefs(ctx context.Context, from []uuid.UUID, to uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE commission SET visit_id = $1 WHERE visit_id = ANY($2)`, to, from)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txPG) DeleteSpecialities(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return t.deleteByID(ctx, "visit_speciality", ids)
}

func (t *txPG) DeleteVisits(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return t.deleteByID(ctx, "visit", ids)
}

func (t *txPG) deleteByID(ctx context.Context, table string, ids []uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nonNilMetadata(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	return m
}
