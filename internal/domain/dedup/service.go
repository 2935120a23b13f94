package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/ratelimit"

	"github.com/clinicops/crm/internal/config"
	"github.com/clinicops/crm/internal/platform/audit"
	"github.com/clinicops/crm/internal/platform/lock"
)

const runLockKey = "dedup"

type Service struct {
	store    Store
	coord    *Coordinator
	locker   lock.Locker
	audit    audit.Sink
	notifier PatientChangeNotifier
	limiter  ratelimit.Limiter
	cfg      config.DedupConfig
	loc      *time.Location
	logger   zerolog.Logger
	tracer   trace.Tracer
	newID    func() uuid.UUID
}

func NewService(store Store, locker lock.Locker, sink audit.Sink, cfg config.DedupConfig, logger zerolog.Logger, tracer trace.Tracer) (*Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.CountRate > 0 {
		limiter = ratelimit.New(cfg.CountRate)
	}
	return &Service{
		store:   store,
		coord:   NewCoordinator(store, cfg, logger, tracer),
		locker:  locker,
		audit:   sink,
		limiter: limiter,
		cfg:     cfg,
		loc:     loc,
		logger:  logger,
		tracer:  tracer,
		newID:   uuid.New,
	}, nil
}

// SetNotifier registers the collaborator told about merged patients.
func (s *Service) SetNotifier(n PatientChangeNotifier) {
	s.notifier = n
}

// -- Find duplicate patients --

// FindDuplicatePatients lists every group of patients sharing a normalized
// national ID with per-patient relation counts. Counting runs one patient at
// a time, paced by the configured rate.
func (s *Service) FindDuplicatePatients(ctx context.Context) (*DuplicatePatientsReport, error) {
	ctx, span := s.tracer.Start(ctx, "dedup.find_duplicate_patients")
	defer span.End()

	keys, err := s.store.ListPatientKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	groups := GroupPatients(keys)

	report := &DuplicatePatientsReport{
		Groups:      make([]DuplicatePatientGroup, 0, len(groups)),
		TotalGroups: len(groups),
	}
	for _, g := range groups {
		out := DuplicatePatientGroup{NormalizedID: g.NormalizedID, Patients: make([]DuplicatePatient, 0, len(g.Patients))}
		for _, p := range g.Patients {
			s.limiter.Take()
			counts, err := s.store.CountPatientRelations(ctx, p.ID)
			if err != nil {
				return nil, fmt.Errorf("count relations of patient %s: %w", p.ID, err)
			}
			out.Patients = append(out.Patients, DuplicatePatient{
				ID:             p.ID,
				Name:           p.Name,
				NationalID:     p.NationalID,
				PhoneNumber:    p.PhoneNumber,
				CreatedAt:      p.CreatedAt,
				RelationCounts: counts,
			})
		}
		report.TotalDuplicates += len(g.Patients) - 1
		report.Groups = append(report.Groups, out)
	}

	span.SetAttributes(attribute.Int("dedup.groups", report.TotalGroups))
	return report, nil
}

// -- Merge patients --

func validateMergeRequest(req MergeRequest) error {
	if req.OriginPatientID == uuid.Nil {
		return invalidf("originPatientId is required")
	}
	if len(req.DuplicatePatientIDs) == 0 {
		return invalidf("duplicatePatientIds must not be empty")
	}
	seen := make(map[uuid.UUID]bool, len(req.DuplicatePatientIDs))
	for _, id := range req.DuplicatePatientIDs {
		switch {
		case id == uuid.Nil:
			return invalidf("duplicatePatientIds contains an empty id")
		case id == req.OriginPatientID:
			return invalidf("origin patient %s cannot be merged into itself", id)
		case seen[id]:
			return invalidf("duplicate patient %s is listed more than once", id)
		}
		seen[id] = true
	}
	return nil
}

// MergePatients folds the duplicate patients into the origin in one
// transaction: every dependent row is re-pointed, MRNs are reconciled, blank
// fields and points are merged, and the duplicates are deleted.
func (s *Service) MergePatients(ctx context.Context, actor string, req MergeRequest) (*MergeResult, error) {
	if err := validateMergeRequest(req); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(release)

	all := append([]uuid.UUID{req.OriginPatientID}, req.DuplicatePatientIDs...)
	existing, err := s.store.ExistingPatientIDs(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("check patients: %w", err)
	}
	if missing := missingIDs(all, existing); len(missing) > 0 {
		return nil, fmt.Errorf("%w: patients %s", ErrNotFound, joinIDs(missing))
	}

	result := &MergeResult{
		OriginPatientID:  req.OriginPatientID,
		MergedPatientIDs: append([]uuid.UUID(nil), req.DuplicatePatientIDs...),
		DryRun:           req.DryRun,
	}

	err = s.coord.Run(ctx, "patient:"+req.OriginPatientID.String(), req.DryRun, func(ctx context.Context, tx Tx) error {
		stats, err := s.mergePatientGroup(ctx, tx, req.OriginPatientID, req.DuplicatePatientIDs)
		if err != nil {
			return err
		}
		result.Stats = stats
		return nil
	})

	s.recordMerge(ctx, actor, req, result, err)
	if err != nil {
		return nil, err
	}

	if !req.DryRun && s.notifier != nil {
		if nerr := s.notifier.PatientChanged(ctx, req.OriginPatientID); nerr != nil {
			s.logger.Warn().Err(nerr).Str("patient_id", req.OriginPatientID.String()).Msg("patient change notification failed")
		}
	}
	return result, nil
}

func (s *Service) mergePatientGroup(ctx context.Context, tx Tx, originID uuid.UUID, duplicateIDs []uuid.UUID) (MergeStats, error) {
	var stats MergeStats

	patients, err := tx.LockPatients(ctx, append([]uuid.UUID{originID}, duplicateIDs...))
	if err != nil {
		return stats, fmt.Errorf("lock patients: %w", err)
	}
	var origin *Patient
	dups := make([]Patient, 0, len(duplicateIDs))
	for i := range patients {
		if patients[i].ID == originID {
			origin = &patients[i]
		} else {
			dups = append(dups, patients[i])
		}
	}
	if origin == nil || len(dups) != len(duplicateIDs) {
		return stats, fmt.Errorf("%w: a patient in the group was removed before the merge started", ErrNotFound)
	}

	for _, rel := range PatientRelations {
		n, err := tx.RemapPatientRelation(ctx, rel, duplicateIDs, originID)
		if err != nil {
			return stats, fmt.Errorf("remap %s: %w", rel, err)
		}
		*stats.counter(rel) += n
	}

	mrns, err := tx.ListMRNs(ctx, append([]uuid.UUID{originID}, duplicateIDs...))
	if err != nil {
		return stats, fmt.Errorf("list mrns: %w", err)
	}
	plan := PlanMRNs(splitMRNs(mrns, originID, duplicateIDs))
	if len(plan.Move) > 0 {
		if _, err := tx.MoveMRNs(ctx, plan.Move, originID); err != nil {
			return stats, fmt.Errorf("move mrns: %w", err)
		}
	}
	if _, err := deleteInChunks(ctx, plan.Delete, s.cfg.BatchSize, tx.DeleteMRNs); err != nil {
		return stats, fmt.Errorf("delete mrns: %w", err)
	}
	if len(plan.Review) > 0 {
		if err := tx.FlagMRNsForReview(ctx, plan.Review); err != nil {
			return stats, fmt.Errorf("flag mrns: %w", err)
		}
		s.logger.Warn().
			Str("patient_id", originID.String()).
			Int("conflicts", plan.Conflicts).
			Msg("patient holds conflicting MRNs at one hospital, flagged for review")
	}
	stats.MRNsUpdated = plan.Updated()
	stats.MRNConflicts = plan.Conflicts

	patch := ResolvePatientMerge(*origin, dups)
	if !patch.IsEmpty() {
		if err := tx.ApplyPatientPatch(ctx, originID, patch); err != nil {
			return stats, fmt.Errorf("update origin patient: %w", err)
		}
	}
	stats.PointsMerged = patch.PointsDelta

	if _, err := deleteInChunks(ctx, duplicateIDs, s.cfg.BatchSize, tx.DeletePatients); err != nil {
		return stats, fmt.Errorf("delete duplicate patients: %w", err)
	}
	return stats, nil
}

// splitMRNs separates origin's MRNs from the duplicates', keeping the
// duplicates in the order the ids were given and oldest row first.
func splitMRNs(mrns []MRN, originID uuid.UUID, duplicateIDs []uuid.UUID) (origin, dups []MRN) {
	rank := make(map[uuid.UUID]int, len(duplicateIDs))
	for i, id := range duplicateIDs {
		rank[id] = i
	}
	for _, m := range mrns {
		if m.PatientID == originID {
			origin = append(origin, m)
		} else {
			dups = append(dups, m)
		}
	}
	sort.SliceStable(dups, func(i, j int) bool {
		if ri, rj := rank[dups[i].PatientID], rank[dups[j].PatientID]; ri != rj {
			return ri < rj
		}
		return dups[i].CreatedAt.Before(dups[j].CreatedAt)
	})
	return origin, dups
}

func (s *Service) recordMerge(ctx context.Context, actor string, req MergeRequest, result *MergeResult, runErr error) {
	entry := audit.Entry{
		Actor:      actor,
		Action:     "MERGE",
		EntityType: "Patient",
		EntityID:   req.OriginPatientID.String(),
		Status:     audit.StatusSuccess,
	}
	verb := "Merged"
	if req.DryRun {
		verb = "Dry run merged"
	}
	if runErr != nil {
		entry.Status = audit.StatusFailure
		entry.Description = fmt.Sprintf("Failed to merge %d patients into %s: %v", len(req.DuplicatePatientIDs), req.OriginPatientID, runErr)
	} else {
		st := result.Stats
		entry.Description = fmt.Sprintf(
			"%s %d patients (%s) into %s: %d visits, %d appointments, %d commissions, %d transactions, %d MRNs (%d conflicts), %d points",
			verb, len(req.DuplicatePatientIDs), joinIDs(req.DuplicatePatientIDs), req.OriginPatientID,
			st.VisitsUpdated, st.AppointmentsUpdated, st.CommissionsUpdated, st.TransactionsUpdated,
			st.MRNsUpdated, st.MRNConflicts, st.PointsMerged,
		)
	}
	s.writeAudit(ctx, entry)
}

// -- Deduplicate visits --

// DeduplicateVisits merges every group of same-day visits for a patient at a
// hospital into its oldest visit. Groups run one after another, each in its
// own transaction. A failing group stops the run; groups committed before it
// stay committed and their counters are returned inside *PartialRunError.
func (s *Service) DeduplicateVisits(ctx context.Context, actor string, dryRun bool) (*VisitDedupResult, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(release)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "dedup.deduplicate_visits", trace.WithAttributes(attribute.Bool("dedup.dry_run", dryRun)))
	defer span.End()

	keys, err := s.store.ListVisitKeys(ctx)
	if err != nil {
		err = fmt.Errorf("list visits: %w", err)
		s.recordVisitRun(ctx, actor, nil, err)
		return nil, err
	}
	groups := GroupVisits(keys, s.loc)

	result := &VisitDedupResult{
		TotalVisitsProcessed: len(keys),
		DuplicateGroupsCount: len(groups),
		DuplicateGroups:      []VisitGroupReport{},
		DryRun:               dryRun,
	}
	for _, g := range groups {
		result.TotalDuplicatesFound += len(g.Visits) - 1
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return s.stopVisitRun(ctx, actor, result, fmt.Errorf("run deadline reached: %w", err))
		}

		var report *VisitGroupReport
		err := s.coord.Run(ctx, "visit:"+g.Key(), dryRun, func(ctx context.Context, tx Tx) error {
			report = nil
			r, err := s.mergeVisitGroup(ctx, tx, g)
			if err != nil {
				return err
			}
			report = r
			return nil
		})
		if err != nil {
			return s.stopVisitRun(ctx, actor, result, err)
		}
		if report == nil {
			continue
		}

		result.VisitsKept++
		result.VisitsDeleted += len(report.Deleted)
		result.SpecialtiesMerged += report.SpecialtiesMerged
		if len(result.DuplicateGroups) < s.cfg.MaxReportedGroups {
			result.DuplicateGroups = append(result.DuplicateGroups, *report)
		}
	}

	s.recordVisitRun(ctx, actor, result, nil)
	return result, nil
}

func (s *Service) stopVisitRun(ctx context.Context, actor string, result *VisitDedupResult, err error) (*VisitDedupResult, error) {
	perr := &PartialRunError{Result: result, Err: err}
	s.recordVisitRun(ctx, actor, result, perr)
	return result, perr
}

// mergeVisitGroup folds the group's duplicate visits into its primary. It
// returns nil when the group no longer needs work, which happens when another
// run already merged it.
func (s *Service) mergeVisitGroup(ctx context.Context, tx Tx, g VisitGroup) (*VisitGroupReport, error) {
	primary := g.Primary()

	ids := make([]uuid.UUID, len(g.Visits))
	for i, v := range g.Visits {
		ids[i] = v.ID
	}
	present, err := tx.LockVisits(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock visits: %w", err)
	}
	if !present[primary.ID] {
		return nil, nil
	}
	var dupIDs []uuid.UUID
	for _, id := range g.DuplicateIDs() {
		if present[id] {
			dupIDs = append(dupIDs, id)
		}
	}
	if len(dupIDs) == 0 {
		return nil, nil
	}

	rows, err := tx.ListVisitSpecialities(ctx, append([]uuid.UUID{primary.ID}, dupIDs...))
	if err != nil {
		return nil, fmt.Errorf("list visit specialities: %w", err)
	}
	primaryRows, dupRows := splitSpecialities(rows, primary.ID, dupIDs)

	steps := PlanSpecialityMerge(primary.ID, primaryRows, dupRows, s.loc, s.newID)
	mapping := make(map[uuid.UUID]uuid.UUID, len(steps))
	// Planned row id to the row that actually holds the key, for inserts
	// that lost to a concurrent writer.
	actual := make(map[uuid.UUID]uuid.UUID)
	for _, step := range steps {
		target := step.TargetID
		if id, ok := actual[target]; ok {
			target = id
		}
		switch step.Action {
		case SpecialityRecreate:
			target, err = tx.InsertSpeciality(ctx, step.Recreated(primary.ID))
			if err != nil {
				return nil, fmt.Errorf("recreate speciality %s: %w", step.Source.ID, err)
			}
			if target != step.TargetID {
				actual[step.TargetID] = target
				if step.Source.HasDetail() {
					// Fold into the concurrent writer's row.
					if err := tx.EnrichSpeciality(ctx, target, step.Source); err != nil {
						return nil, fmt.Errorf("enrich speciality %s: %w", target, err)
					}
				}
			}
		case SpecialityEnrich:
			if err := tx.EnrichSpeciality(ctx, target, step.Source); err != nil {
				return nil, fmt.Errorf("enrich speciality %s: %w", target, err)
			}
		}
		if step.Rescheduled {
			s.logger.Debug().
				Str("speciality_id", step.Source.ID.String()).
				Str("into", target.String()).
				Msg("folding speciality booked at a different time")
		}
		mapping[step.Source.ID] = target
	}

	if len(mapping) > 0 {
		if _, err := tx.RemapSpecialityRefs(ctx, mapping); err != nil {
			return nil, fmt.Errorf("remap speciality references: %w", err)
		}
	}
	if _, err := tx.RemapVisitRefs(ctx, dupIDs, primary.ID); err != nil {
		return nil, fmt.Errorf("remap visit references: %w", err)
	}

	dupRowIDs := make([]uuid.UUID, len(dupRows))
	for i, r := range dupRows {
		dupRowIDs[i] = r.ID
	}
	if _, err := deleteInChunks(ctx, dupRowIDs, s.cfg.BatchSize, tx.DeleteSpecialities); err != nil {
		return nil, fmt.Errorf("delete duplicate specialities: %w", err)
	}
	if _, err := deleteInChunks(ctx, dupIDs, s.cfg.BatchSize, tx.DeleteVisits); err != nil {
		return nil, fmt.Errorf("delete duplicate visits: %w", err)
	}

	return &VisitGroupReport{
		PatientID:         g.PatientID,
		HospitalID:        g.HospitalID,
		VisitDate:         g.Day,
		Count:             len(dupIDs) + 1,
		Kept:              primary.ID,
		Deleted:           dupIDs,
		SpecialtiesMerged: len(steps),
	}, nil
}

// splitSpecialities separates the primary visit's rows from the duplicates',
// ordering duplicates by visit age and then row age.
func splitSpecialities(rows []VisitSpeciality, primaryID uuid.UUID, dupIDs []uuid.UUID) (primary, dups []VisitSpeciality) {
	rank := make(map[uuid.UUID]int, len(dupIDs))
	for i, id := range dupIDs {
		rank[id] = i
	}
	for _, r := range rows {
		if r.VisitID == primaryID {
			primary = append(primary, r)
		} else if _, ok := rank[r.VisitID]; ok {
			dups = append(dups, r)
		}
	}
	sort.SliceStable(primary, func(i, j int) bool { return primary[i].CreatedAt.Before(primary[j].CreatedAt) })
	sort.SliceStable(dups, func(i, j int) bool {
		if ri, rj := rank[dups[i].VisitID], rank[dups[j].VisitID]; ri != rj {
			return ri < rj
		}
		return dups[i].CreatedAt.Before(dups[j].CreatedAt)
	})
	return primary, dups
}

func (s *Service) recordVisitRun(ctx context.Context, actor string, result *VisitDedupResult, runErr error) {
	entry := audit.Entry{
		Actor:      actor,
		Action:     "DEDUPLICATE",
		EntityType: "Visit",
		EntityID:   "all",
		Status:     audit.StatusSuccess,
	}
	summary := ""
	if result != nil {
		summary = fmt.Sprintf("%d visits scanned, %d duplicate groups, %d visits kept, %d deleted, %d specialties merged",
			result.TotalVisitsProcessed, result.DuplicateGroupsCount, result.VisitsKept, result.VisitsDeleted, result.SpecialtiesMerged)
		if result.DryRun {
			summary = "dry run: " + summary
		}
	}
	if runErr != nil {
		entry.Status = audit.StatusFailure
		entry.Description = fmt.Sprintf("Visit deduplication failed: %v", runErr)
		if summary != "" {
			entry.Description += " (" + summary + ")"
		}
	} else {
		entry.Description = "Visit deduplication completed: " + summary
	}
	s.writeAudit(ctx, entry)
}

// -- helpers --

func (s *Service) acquire(ctx context.Context) (lock.ReleaseFunc, error) {
	release, err := s.locker.Acquire(ctx, runLockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return release, nil
}

func (s *Service) releaseLock(release lock.ReleaseFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("release run lock")
	}
}

// writeAudit never fails the run; the audit trail is best effort once the
// database work is settled.
func (s *Service) writeAudit(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error().Err(err).Str("action", e.Action).Msg("write audit log")
	}
}

func missingIDs(ids []uuid.UUID, existing map[uuid.UUID]bool) []uuid.UUID {
	var missing []uuid.UUID
	for _, id := range ids {
		if !existing[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
