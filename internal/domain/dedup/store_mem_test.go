package dedup

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memState is one snapshot of the tables the engine touches. Reference maps
// go from a referencing row's id to the id it points at.
type memState struct {
	patients    map[uuid.UUID]Patient
	refs        map[Relation]map[uuid.UUID]uuid.UUID
	nominations map[uuid.UUID]memNomination
	mrns        map[uuid.UUID]MRN
	visits      map[uuid.UUID]VisitKey
	specs       map[uuid.UUID]VisitSpeciality
	specRefs    map[string]map[uuid.UUID]uuid.UUID
	visitRefs   map[uuid.UUID]uuid.UUID
}

// memNomination holds a nomination's two patient columns; uuid.Nil is NULL.
type memNomination struct {
	referrer  uuid.UUID
	converted uuid.UUID
}

func newMemState() *memState {
	s := &memState{
		patients:    make(map[uuid.UUID]Patient),
		refs:        make(map[Relation]map[uuid.UUID]uuid.UUID),
		nominations: make(map[uuid.UUID]memNomination),
		mrns:        make(map[uuid.UUID]MRN),
		visits:      make(map[uuid.UUID]VisitKey),
		specs:       make(map[uuid.UUID]VisitSpeciality),
		specRefs:    make(map[string]map[uuid.UUID]uuid.UUID),
		visitRefs:   make(map[uuid.UUID]uuid.UUID),
	}
	for _, rel := range PatientRelations {
		if rel != RelVisits && rel != RelNominations {
			s.refs[rel] = make(map[uuid.UUID]uuid.UUID)
		}
	}
	for _, table := range specialityRefTables {
		s.specRefs[table] = make(map[uuid.UUID]uuid.UUID)
	}
	return s
}

func (s *memState) clone() *memState {
	c := &memState{
		patients:    make(map[uuid.UUID]Patient, len(s.patients)),
		refs:        make(map[Relation]map[uuid.UUID]uuid.UUID, len(s.refs)),
		nominations: maps.Clone(s.nominations),
		mrns:        maps.Clone(s.mrns),
		visits:      maps.Clone(s.visits),
		specs:       make(map[uuid.UUID]VisitSpeciality, len(s.specs)),
		specRefs:    make(map[string]map[uuid.UUID]uuid.UUID, len(s.specRefs)),
		visitRefs:   maps.Clone(s.visitRefs),
	}
	for id, p := range s.patients {
		p.Services = append([]string(nil), p.Services...)
		p.Specialities = append([]string(nil), p.Specialities...)
		c.patients[id] = p
	}
	for rel, m := range s.refs {
		c.refs[rel] = maps.Clone(m)
	}
	for id, sp := range s.specs {
		sp.Metadata = maps.Clone(sp.Metadata)
		c.specs[id] = sp
	}
	for table, m := range s.specRefs {
		c.specRefs[table] = maps.Clone(m)
	}
	return c
}

// memStore keeps committed state and swaps in a transaction's copy only when
// the transaction function succeeds.
type memStore struct {
	mu      sync.Mutex
	state   *memState
	fail    func(op string, ids []uuid.UUID) error
	txCount int
	commits int
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

// -- seeding --

func (m *memStore) addPatient(p Patient) {
	m.state.patients[p.ID] = p
}

func (m *memStore) addRef(rel Relation, patientID uuid.UUID) uuid.UUID {
	id := uuid.New()
	if rel == RelVisits {
		m.state.visits[id] = VisitKey{ID: id, PatientID: patientID, HospitalID: uuid.New(), VisitDate: time.Now().UTC(), CreatedAt: time.Now().UTC()}
		return id
	}
	m.state.refs[rel][id] = patientID
	return id
}

func (m *memStore) addNomination(referrer, converted uuid.UUID) uuid.UUID {
	id := uuid.New()
	m.state.nominations[id] = memNomination{referrer: referrer, converted: converted}
	return id
}

func (m *memStore) addMRN(patientID, hospitalID uuid.UUID, value string, created time.Time) MRN {
	row := MRN{ID: uuid.New(), PatientID: patientID, HospitalID: hospitalID, MRN: value, CreatedAt: created}
	m.state.mrns[row.ID] = row
	return row
}

func (m *memStore) addVisit(v VisitKey) {
	m.state.visits[v.ID] = v
}

func (m *memStore) addSpeciality(s VisitSpeciality) {
	m.state.specs[s.ID] = s
}

func (m *memStore) addSpecialityRef(table string, specID uuid.UUID) uuid.UUID {
	id := uuid.New()
	m.state.specRefs[table][id] = specID
	return id
}

func (m *memStore) addVisitRef(visitID uuid.UUID) uuid.UUID {
	id := uuid.New()
	m.state.visitRefs[id] = visitID
	return id
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// -- Store --

func (m *memStore) ListPatientKeys(context.Context) ([]PatientKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []PatientKey
	for _, p := range m.state.patients {
		if p.NationalID == "" {
			continue
		}
		name := p.NameEn
		if name == "" {
			name = p.NameAr
		}
		keys = append(keys, PatientKey{ID: p.ID, Name: name, NationalID: p.NationalID, PhoneNumber: p.PhoneNumber, CreatedAt: p.CreatedAt})
	}
	return keys, nil
}

func (m *memStore) ExistingPatientIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for _, id := range ids {
		if _, ok := m.state.patients[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *memStore) CountPatientRelations(_ context.Context, id uuid.UUID) (RelationCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := func(rel Relation) int {
		n := 0
		for _, pid := range m.state.refs[rel] {
			if pid == id {
				n++
			}
		}
		return n
	}
	var c RelationCounts
	for _, v := range m.state.visits {
		if v.PatientID == id {
			c.VisitCount++
		}
	}
	for _, row := range m.state.mrns {
		if row.PatientID == id {
			c.MRNCount++
		}
	}
	c.AppointmentCount = count(RelAppointments)
	c.CommissionCount = count(RelCommissions)
	c.TransactionCount = count(RelTransactions)
	c.FollowUpTaskCount = count(RelFollowUpTasks)
	c.DataEntryTaskCount = count(RelDataEntryTasks)
	return c, nil
}

func (m *memStore) ListVisitKeys(context.Context) ([]VisitKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]VisitKey, 0, len(m.state.visits))
	for _, v := range m.state.visits {
		keys = append(keys, v)
	}
	return keys, nil
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++
	tx := &memTx{st: m.state.clone(), fail: m.fail}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.st
	m.commits++
	return nil
}

// -- Tx --

type memTx struct {
	st   *memState
	fail func(op string, ids []uuid.UUID) error
}

func (t *memTx) check(op string, ids []uuid.UUID) error {
	if t.fail == nil {
		return nil
	}
	return t.fail(op, ids)
}

func (t *memTx) LockPatients(_ context.Context, ids []uuid.UUID) ([]Patient, error) {
	if err := t.check("LockPatients", ids); err != nil {
		return nil, err
	}
	var out []Patient
	for _, id := range ids {
		if p, ok := t.st.patients[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) RemapPatientRelation(_ context.Context, rel Relation, from []uuid.UUID, to uuid.UUID) (int64, error) {
	if err := t.check("RemapPatientRelation:"+string(rel), from); err != nil {
		return 0, err
	}
	in := idSet(from)
	var n int64
	if rel == RelVisits {
		for id, v := range t.st.visits {
			if in[v.PatientID] {
				v.PatientID = to
				t.st.visits[id] = v
				n++
			}
		}
		return n, nil
	}
	if rel == RelNominations {
		for id, nom := range t.st.nominations {
			changed := false
			if in[nom.referrer] {
				nom.referrer, changed = to, true
			}
			if in[nom.converted] {
				nom.converted, changed = to, true
			}
			if changed {
				t.st.nominations[id] = nom
				n++
			}
		}
		return n, nil
	}
	rows, ok := t.st.refs[rel]
	if !ok {
		return 0, fmt.Errorf("unknown relation %q", rel)
	}
	for id, pid := range rows {
		if in[pid] {
			rows[id] = to
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListMRNs(_ context.Context, patientIDs []uuid.UUID) ([]MRN, error) {
	in := idSet(patientIDs)
	var out []MRN
	for _, row := range t.st.mrns {
		if in[row.PatientID] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *memTx) MoveMRNs(_ context.Context, ids []uuid.UUID, to uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if row, ok := t.st.mrns[id]; ok {
			row.PatientID = to
			t.st.mrns[id] = row
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteMRNs(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := t.st.mrns[id]; ok {
			delete(t.st.mrns, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) FlagMRNsForReview(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if row, ok := t.st.mrns[id]; ok {
			row.NeedsReview = true
			t.st.mrns[id] = row
		}
	}
	return nil
}

func (t *memTx) ApplyPatientPatch(_ context.Context, id uuid.UUID, patch PatientPatch) error {
	if err := t.check("ApplyPatientPatch", []uuid.UUID{id}); err != nil {
		return err
	}
	p, ok := t.st.patients[id]
	if !ok {
		return fmt.Errorf("%w: patient %s", ErrNotFound, id)
	}
	patch.Apply(&p)
	t.st.patients[id] = p
	return nil
}

// DeletePatients refuses to orphan rows, like the RESTRICT foreign keys do.
func (t *memTx) DeletePatients(_ context.Context, ids []uuid.UUID) (int64, error) {
	in := idSet(ids)
	for _, v := range t.st.visits {
		if in[v.PatientID] {
			return 0, fmt.Errorf("patient %s still referenced by visit %s", v.PatientID, v.ID)
		}
	}
	for rel, rows := range t.st.refs {
		for row, pid := range rows {
			if in[pid] {
				return 0, fmt.Errorf("patient %s still referenced by %s row %s", pid, rel, row)
			}
		}
	}
	for row, nom := range t.st.nominations {
		if in[nom.referrer] || in[nom.converted] {
			return 0, fmt.Errorf("nomination %s still references a deleted patient", row)
		}
	}
	for _, row := range t.st.mrns {
		if in[row.PatientID] {
			return 0, fmt.Errorf("patient %s still holds mrn %s", row.PatientID, row.ID)
		}
	}
	var n int64
	for _, id := range ids {
		if _, ok := t.st.patients[id]; ok {
			delete(t.st.patients, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) LockVisits(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if err := t.check("LockVisits", ids); err != nil {
		return nil, err
	}
	present := make(map[uuid.UUID]bool)
	for _, id := range ids {
		if _, ok := t.st.visits[id]; ok {
			present[id] = true
		}
	}
	return present, nil
}

func (t *memTx) ListVisitSpecialities(_ context.Context, visitIDs []uuid.UUID) ([]VisitSpeciality, error) {
	in := idSet(visitIDs)
	var out []VisitSpeciality
	for _, s := range t.st.specs {
		if in[s.VisitID] {
			s.Metadata = maps.Clone(s.Metadata)
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTx) InsertSpeciality(_ context.Context, s VisitSpeciality) (uuid.UUID, error) {
	if err := t.check("InsertSpeciality", []uuid.UUID{s.ID}); err != nil {
		return uuid.Nil, err
	}
	for _, existing := range t.st.specs {
		if existing.VisitID == s.VisitID && keyOf(existing) == keyOf(s) {
			return existing.ID, nil
		}
	}
	s.CreatedAt = time.Now().UTC()
	s.Metadata = maps.Clone(s.Metadata)
	t.st.specs[s.ID] = s
	return s.ID, nil
}

func (t *memTx) EnrichSpeciality(_ context.Context, id uuid.UUID, src VisitSpeciality) error {
	row, ok := t.st.specs[id]
	if !ok {
		return fmt.Errorf("speciality %s not found", id)
	}
	if row.Details == "" {
		row.Details = src.Details
	}
	if row.ServiceTime == "" {
		row.ServiceTime = src.ServiceTime
	}
	if row.Outcome == "" {
		row.Outcome = src.Outcome
	}
	for k, v := range src.Metadata {
		if row.Metadata == nil {
			row.Metadata = Metadata{}
		}
		if _, ok := row.Metadata[k]; !ok {
			row.Metadata[k] = v
		}
	}
	t.st.specs[id] = row
	return nil
}

func (t *memTx) RemapSpecialityRefs(_ context.Context, mapping map[uuid.UUID]uuid.UUID) (int64, error) {
	var n int64
	for _, rows := range t.st.specRefs {
		for id, specID := range rows {
			if to, ok := mapping[specID]; ok {
				rows[id] = to
				n++
			}
		}
	}
	return n, nil
}

func (t *memTx) RemapVisitRefs(_ context.Context, from []uuid.UUID, to uuid.UUID) (int64, error) {
	in := idSet(from)
	var n int64
	for id, visitID := range t.st.visitRefs {
		if in[visitID] {
			t.st.visitRefs[id] = to
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteSpecialities(_ context.Context, ids []uuid.UUID) (int64, error) {
	in := idSet(ids)
	for table, rows := range t.st.specRefs {
		for row, specID := range rows {
			if in[specID] {
				return 0, fmt.Errorf("speciality %s still referenced by %s row %s", specID, table, row)
			}
		}
	}
	var n int64
	for _, id := range ids {
		if _, ok := t.st.specs[id]; ok {
			delete(t.st.specs, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteVisits(_ context.Context, ids []uuid.UUID) (int64, error) {
	in := idSet(ids)
	for _, s := range t.st.specs {
		if in[s.VisitID] {
			return 0, fmt.Errorf("visit %s still has speciality %s", s.VisitID, s.ID)
		}
	}
	for row, visitID := range t.st.visitRefs {
		if in[visitID] {
			return 0, fmt.Errorf("visit %s still referenced by commission %s", visitID, row)
		}
	}
	var n int64
	for _, id := range ids {
		if _, ok := t.st.visits[id]; ok {
			delete(t.st.visits, id)
			n++
		}
	}
	return n, nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
