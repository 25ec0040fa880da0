package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migration/internal/domain/ingest"
	"github.com/ehr/migration/internal/platform/artifact"
	"github.com/ehr/migration/pkg/pagination"
)

// -- Runs --

type mockRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*Run
	// afterSave runs outside the lock after every SaveProgress.
	afterSave func(id uuid.UUID, phase Phase, cp Checkpoint)

	// beforeSave may reject a SaveProgress before anything is stored.
	beforeSave func(phase Phase, cp Checkpoint) error
	saveErr    error
}

func newMockRunRepo() *mockRunRepo {
	return &mockRunRepo{runs: make(map[uuid.UUID]*Run)}
}

func cloneRun(r *Run) *Run {
	data, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var out Run
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	out.ensureMaps()
	return &out
}

func (m *mockRunRepo) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *mockRunRepo) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (m *mockRunRepo) ListByClinic(_ context.Context, clinicID string, limit, offset int) ([]*Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Run
	for _, r := range m.runs {
		if r.ClinicID == clinicID {
			all = append(all, cloneRun(r))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	lo, hi := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return append([]*Run{}, all[lo:hi]...), len(all), nil
}

func (m *mockRunRepo) TransitionStatus(_ context.Context, id uuid.UUID, from []Status, to Status, mutate func(*Run)) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if !statusIn(r.Status, from) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	next := cloneRun(r)
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = time.Now()
	m.runs[id] = next
	return cloneRun(next), nil
}

func (m *mockRunRepo) SaveProgress(_ context.Context, id uuid.UUID, phase Phase, progress Progress, cp Checkpoint) error {
	m.mu.Lock()
	if m.saveErr != nil {
		m.mu.Unlock()
		return m.saveErr
	}
	if m.beforeSave != nil {
		if err := m.beforeSave(phase, cp); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	r, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	r.Progress[phase] = progress.Clone()
	c := cp
	r.Checkpoints[phase] = &c
	hook := m.afterSave
	m.mu.Unlock()

	if hook != nil {
		hook(id, phase, cp)
	}
	return nil
}

func (m *mockRunRepo) SavePhaseResult(_ context.Context, id uuid.UUID, phase Phase, result *PhaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	res := *result
	r.PhaseResults[phase] = &res
	return nil
}

func (m *mockRunRepo) AppendLog(_ context.Context, id uuid.UUID, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Log = append(r.Log, entry)
	return nil
}

func (m *mockRunRepo) SetApprovedMapping(_ context.Context, id uuid.UUID, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	v := version
	r.ApprovedMappingVersion = &v
	return nil
}

func (m *mockRunRepo) Fail(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = StatusFailed
	r.ErrorMessage = &message
	return nil
}

// -- Mappings --

type mockMappingRepo struct {
	mu       sync.Mutex
	versions map[uuid.UUID][]*MappingSpecVersion
}

func newMockMappingRepo() *mockMappingRepo {
	return &mockMappingRepo{versions: make(map[uuid.UUID][]*MappingSpecVersion)}
}

func (m *mockMappingRepo) Append(_ context.Context, v *MappingSpecVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Version = len(m.versions[v.RunID]) + 1
	v.CreatedAt = time.Now()
	stored := *v
	m.versions[v.RunID] = append(m.versions[v.RunID], &stored)
	return nil
}

func (m *mockMappingRepo) Get(_ context.Context, runID uuid.UUID, version int) (*MappingSpecVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[runID]
	if version < 1 || version > len(vs) {
		return nil, ErrMappingNotFound
	}
	v := *vs[version-1]
	return &v, nil
}

func (m *mockMappingRepo) Latest(ctx context.Context, runID uuid.UUID) (*MappingSpecVersion, error) {
	m.mu.Lock()
	n := len(m.versions[runID])
	m.mu.Unlock()
	return m.Get(ctx, runID, n)
}

func (m *mockMappingRepo) List(_ context.Context, runID uuid.UUID) ([]*MappingSpecVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MappingSpecVersion, 0, len(m.versions[runID]))
	for _, v := range m.versions[runID] {
		c := *v
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockMappingRepo) MarkApproved(_ context.Context, runID uuid.UUID, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[runID]
	if version < 1 || version > len(vs) {
		return ErrMappingNotFound
	}
	for _, v := range vs {
		v.Approved = v.Version == version
	}
	return nil
}

// -- Entity map --

type mockEntityMapRepo struct {
	mu      sync.Mutex
	entries map[string]*EntityMapEntry
}

func newMockEntityMapRepo() *mockEntityMapRepo {
	return &mockEntityMapRepo{entries: make(map[string]*EntityMapEntry)}
}

func entityKey(runID uuid.UUID, entityType, sourceID string) string {
	return runID.String() + "|" + entityType + "|" + sourceID
}

func (m *mockEntityMapRepo) Lookup(_ context.Context, runID uuid.UUID, entityType, sourceID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entityKey(runID, entityType, sourceID)]
	if !ok {
		return "", false, nil
	}
	return e.CanonicalID, true, nil
}

func (m *mockEntityMapRepo) Insert(_ context.Context, e *EntityMapEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entityKey(e.RunID, e.EntityType, e.SourceID)
	if _, ok := m.entries[k]; !ok {
		c := *e
		m.entries[k] = &c
	}
	return nil
}

func (m *mockEntityMapRepo) CountByType(_ context.Context, runID uuid.UUID) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, e := range m.entries {
		if e.RunID == runID {
			out[e.EntityType]++
		}
	}
	return out, nil
}

// -- Audit --

type mockAuditRepo struct {
	mu     sync.Mutex
	events []*AuditEvent
	// failOn makes Append reject events with this action.
	failOn AuditAction
}

var errAuditDown = errors.New("audit store unavailable")

func (m *mockAuditRepo) Append(_ context.Context, e *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && e.Action == m.failOn {
		return errAuditDown
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	c := *e
	m.events = append(m.events, &c)
	return nil
}

func (m *mockAuditRepo) ListByRun(_ context.Context, runID uuid.UUID, limit, offset int) ([]*AuditEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*AuditEvent
	for _, e := range m.events {
		if e.RunID == runID {
			all = append(all, e)
		}
	}
	lo, hi := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return append([]*AuditEvent{}, all[lo:hi]...), len(all), nil
}

func (m *mockAuditRepo) actions(runID uuid.UUID) []AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditAction
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e.Action)
		}
	}
	return out
}

// -- Failures --

type mockFailureRepo struct {
	mu       sync.Mutex
	failures []*RecordFailure
	seen     map[string]bool
}

func newMockFailureRepo() *mockFailureRepo {
	return &mockFailureRepo{seen: make(map[string]bool)}
}

func (m *mockFailureRepo) Append(_ context.Context, failures []*RecordFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range failures {
		k := fmt.Sprintf("%s|%s|%s|%s|%s|%s", f.RunID, f.Phase, f.EntityType, f.SourceID, f.Code, f.Field)
		if m.seen[k] {
			continue
		}
		m.seen[k] = true
		c := *f
		m.failures = append(m.failures, &c)
	}
	return nil
}

func (m *mockFailureRepo) ListByRun(_ context.Context, runID uuid.UUID, phase Phase, limit, offset int) ([]*RecordFailure, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*RecordFailure
	for _, f := range m.failures {
		if f.RunID == runID && (phase == "" || f.Phase == phase) {
			all = append(all, f)
		}
	}
	lo, hi := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return append([]*RecordFailure{}, all[lo:hi]...), len(all), nil
}

func (m *mockFailureRepo) CountByCode(_ context.Context, runID uuid.UUID) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, f := range m.failures {
		if f.RunID == runID {
			out[f.Code]++
		}
	}
	return out, nil
}

type passTx struct{}

func (passTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// -- Source --

// pagedAdapter serves fixed pages; the marker is the page index.
type pagedAdapter struct {
	mu      sync.Mutex
	pages   [][]ingest.RawRecord
	fetches int
	// onFetch may fail a fetch of the given page.
	onFetch func(ctx context.Context, page int) error
}

func (a *pagedAdapter) Vendor() ingest.Vendor { return ingest.VendorA }

func (a *pagedAdapter) FetchPage(ctx context.Context, _ ingest.Credentials, marker string) (*ingest.Page, error) {
	i := 0
	if marker != "" {
		n, err := strconv.Atoi(marker)
		if err != nil {
			return nil, err
		}
		i = n
	}
	a.mu.Lock()
	a.fetches++
	a.mu.Unlock()
	if a.onFetch != nil {
		if err := a.onFetch(ctx, i); err != nil {
			return nil, err
		}
	}
	if i >= len(a.pages) {
		return &ingest.Page{Marker: marker, NextMarker: marker, Done: true}, nil
	}
	page := &ingest.Page{Records: a.pages[i], Marker: marker, NextMarker: strconv.Itoa(i + 1)}
	if i == len(a.pages)-1 {
		// Like the real adapters, the last page carries no next marker.
		page.NextMarker, page.Done = "", true
	}
	return page, nil
}

func (a *pagedAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

type staticCredentials struct{}

func (staticCredentials) Resolve(context.Context, *Run) (ingest.Credentials, error) {
	return ingest.Credentials{APIToken: "test"}, nil
}

// failingStore fails Put for one phase.
type failingStore struct {
	artifact.Store
	phase Phase
}

var errDiskFull = errors.New("disk full")

func (s failingStore) Put(ctx context.Context, runID, phase, key string, payload []byte) error {
	if phase == string(s.phase) {
		return errDiskFull
	}
	return s.Store.Put(ctx, runID, phase, key, payload)
}
