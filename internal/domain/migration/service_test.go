package migration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
	"github.com/ehr/migration/internal/domain/mapping"
	"github.com/ehr/migration/internal/domain/validation"
	"github.com/ehr/migration/internal/platform/artifact"
	"github.com/ehr/migration/internal/platform/runlock"
	"github.com/ehr/migration/internal/platform/target"
)

type testEnv struct {
	svc       *Service
	runs      *mockRunRepo
	mappings  *mockMappingRepo
	entityMap *mockEntityMapRepo
	audit     *mockAuditRepo
	failures  *mockFailureRepo
	artifacts artifact.Store
	adapter   *pagedAdapter
	target    *target.MemoryWriter
	locker    *runlock.MemoryLocker
}

var (
	admin    = Actor{UserID: "op-1", ClinicID: "clinic-1"}
	stranger = Actor{UserID: "op-9", ClinicID: "clinic-9"}
)

func rawRec(entity, id string, payload map[string]interface{}) ingest.RawRecord {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return ingest.RawRecord{SourceEntityType: entity, SourceID: id, Payload: data}
}

// sourcePages is a small clinic export with one problem of each kind:
// p-2 has no last name, a-2 points at a patient that does not exist, a-3
// points at p-2 which never loads, and i-2 has an unparseable total.
func sourcePages() [][]ingest.RawRecord {
	return [][]ingest.RawRecord{
		{
			rawRec("patients", "p-1", map[string]interface{}{"id": "p-1", "first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.com"}),
			rawRec("patients", "p-2", map[string]interface{}{"id": "p-2", "first_name": "Charles", "last_name": "  "}),
		},
		{
			rawRec("appointments", "a-1", map[string]interface{}{"id": "a-1", "patient_id": "p-1", "provider_name": "Dr Who", "start_time": "2024-03-01T09:00:00Z", "status": "completed"}),
			rawRec("appointments", "a-2", map[string]interface{}{"id": "a-2", "patient_id": "p-404", "provider_name": "Dr Who", "start_time": "2024-03-02T09:00:00Z", "status": "booked"}),
			rawRec("appointments", "a-3", map[string]interface{}{"id": "a-3", "patient_id": "p-2", "provider_name": "Dr Who", "start_time": "2024-03-03T09:00:00Z", "status": "booked"}),
		},
		{
			rawRec("charts", "c-1", map[string]interface{}{"id": "c-1", "patient_id": "p-1", "provider_name": "Dr Who", "chart_date": "2024-03-01", "sections": "Doing well."}),
			rawRec("invoices", "i-1", map[string]interface{}{"id": "i-1", "patient_id": "p-1", "invoice_number": "INV-1", "total": "95.50", "currency": "usd"}),
			rawRec("invoices", "i-2", map[string]interface{}{"id": "i-2", "patient_id": "p-1", "invoice_number": "INV-2", "total": "lots"}),
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		runs:      newMockRunRepo(),
		mappings:  newMockMappingRepo(),
		entityMap: newMockEntityMapRepo(),
		audit:     &mockAuditRepo{},
		failures:  newMockFailureRepo(),
		artifacts: artifact.NewMemoryStore(),
		adapter:   &pagedAdapter{pages: sourcePages()},
		target:    target.NewMemoryWriter(),
		locker:    runlock.NewMemoryLocker(),
	}
	env.svc = env.build()
	return env
}

func (env *testEnv) build() *Service {
	return NewService(Dependencies{
		Runs:        env.runs,
		Mappings:    env.mappings,
		EntityMap:   env.entityMap,
		Audit:       env.audit,
		Failures:    env.failures,
		Tx:          passTx{},
		Artifacts:   env.artifacts,
		Adapters:    ingest.NewRegistry(env.adapter),
		Credentials: staticCredentials{},
		Target:      env.target,
		Locker:      env.locker,
	}, zerolog.Nop())
}

func (env *testEnv) createRun(t *testing.T, excluded ...string) *Run {
	t.Helper()
	run, err := env.svc.CreateRun(context.Background(), admin, CreateRunInput{
		SourceVendor:     ingest.VendorA,
		ConsentText:      "The clinic authorises this migration.",
		ExcludedEntities: excluded,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func (env *testEnv) runPhase(t *testing.T, runID uuid.UUID, phase Phase) *PhaseResult {
	t.Helper()
	res, err := env.svc.RunPhase(context.Background(), admin, runID, phase)
	if err != nil {
		t.Fatalf("RunPhase(%s): %v", phase, err)
	}
	return res
}

// approveLatest approves the newest mapping version unless one is approved.
func (env *testEnv) approveLatest(t *testing.T, runID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if env.getRun(t, runID).ApprovedMappingVersion != nil {
		return
	}
	latest, err := env.mappings.Latest(ctx, runID)
	if err != nil {
		t.Fatalf("Latest mapping: %v", err)
	}
	if _, err := env.svc.ApproveMapping(ctx, admin, runID, latest.Version); err != nil {
		t.Fatalf("ApproveMapping: %v", err)
	}
}

// migrate runs every phase, approving the drafted mapping on the way. Phases
// that already completed return their stored result.
func (env *testEnv) migrate(t *testing.T, runID uuid.UUID) {
	t.Helper()
	for _, phase := range AllPhases() {
		if phase == PhaseTransform {
			env.approveLatest(t, runID)
		}
		if res := env.runPhase(t, runID, phase); res.Outcome != OutcomeCompleted {
			t.Fatalf("%s: expected completed, got %s", phase, res.Outcome)
		}
	}
}

func (env *testEnv) getRun(t *testing.T, id uuid.UUID) *Run {
	t.Helper()
	run, err := env.runs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return run
}

func expectCounters(t *testing.T, label string, got *Counters, want Counters) {
	t.Helper()
	if *got != want {
		t.Errorf("%s: got %+v, want %+v", label, *got, want)
	}
}

// -- CreateRun --

func TestCreateRun_ConsentRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, consent := range []string{"", "   \n\t"} {
		_, err := env.svc.CreateRun(context.Background(), admin, CreateRunInput{SourceVendor: ingest.VendorA, ConsentText: consent})
		if !errors.Is(err, ErrConsentRequired) {
			t.Errorf("consent %q: expected ErrConsentRequired, got %v", consent, err)
		}
	}
	if len(env.runs.runs) != 0 {
		t.Errorf("expected no run rows, got %d", len(env.runs.runs))
	}
	if len(env.audit.events) != 0 {
		t.Errorf("expected no audit events, got %d", len(env.audit.events))
	}
}

func TestCreateRun_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		in   CreateRunInput
	}{
		{"unknown vendor", CreateRunInput{SourceVendor: "vendor_z", ConsentText: "ok"}},
		{"unknown excluded entity", CreateRunInput{SourceVendor: ingest.VendorA, ConsentText: "ok", ExcludedEntities: []string{"x-ray"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.CreateRun(context.Background(), admin, tt.in); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreateRun_RecordsAudit(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	if run.Status != StatusCreated || run.ClinicID != admin.ClinicID || run.CreatedBy != admin.UserID {
		t.Errorf("unexpected run: %+v", run)
	}
	actions := env.audit.actions(run.ID)
	if len(actions) != 1 || actions[0] != ActionRunCreated {
		t.Errorf("expected [run_created], got %v", actions)
	}
}

// -- Full pipeline --

func TestRunPhase_FullPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	env.migrate(t, run.ID)

	got := env.getRun(t, run.ID)
	if got.Status != StatusVerifying {
		t.Fatalf("expected verifying, got %s", got.Status)
	}

	ingested := got.Progress[PhaseIngest]
	expectCounters(t, "ingest patient", ingested.For("patient"), Counters{Total: 2, Imported: 2})
	expectCounters(t, "ingest appointment", ingested.For("appointment"), Counters{Total: 3, Imported: 3})

	transformed := got.Progress[PhaseTransform]
	expectCounters(t, "transform invoice", transformed.For("invoice"), Counters{Total: 2, Imported: 1, Failed: 1})

	validated := got.Progress[PhaseValidate]
	expectCounters(t, "validate patient", validated.For("patient"), Counters{Total: 2, Imported: 1, Failed: 1})
	expectCounters(t, "validate appointment", validated.For("appointment"), Counters{Total: 3, Imported: 2, Failed: 1})

	loaded := got.Progress[PhaseLoad]
	expectCounters(t, "load patient", loaded.For("patient"), Counters{Total: 1, Imported: 1})
	expectCounters(t, "load appointment", loaded.For("appointment"), Counters{Total: 2, Imported: 1, Failed: 1})
	expectCounters(t, "load chart", loaded.For("chart"), Counters{Total: 1, Imported: 1})
	expectCounters(t, "load invoice", loaded.For("invoice"), Counters{Total: 1, Imported: 1})

	// The appointment in the target points at the loaded patient.
	rec, clinic, ok := env.target.Get(canonical.CanonicalID(run.ID, canonical.EntityAppointment, "a-1"))
	if !ok || clinic != admin.ClinicID {
		t.Fatalf("appointment a-1 not loaded for clinic: ok=%v clinic=%q", ok, clinic)
	}
	if want := canonical.CanonicalID(run.ID, canonical.EntityPatient, "p-1"); rec.Appointment.CanonicalPatientID != want {
		t.Errorf("appointment linked to %s, want %s", rec.Appointment.CanonicalPatientID, want)
	}

	codes, _ := env.failures.CountByCode(ctx, run.ID)
	for code, want := range map[string]int{
		mapping.CodeInvalidFieldFormat:   1,
		validation.CodeMissingRequired:   1,
		validation.CodeOrphanedReference: 1,
		CodeUnresolvedReference:          1,
	} {
		if codes[code] != want {
			t.Errorf("failures[%s] = %d, want %d (all: %v)", code, codes[code], want, codes)
		}
	}

	var report ReconciliationReport
	if err := json.Unmarshal(got.PhaseResults[PhaseVerify].Detail, &report); err != nil {
		t.Fatalf("decode verify detail: %v", err)
	}
	if !report.Balanced {
		t.Errorf("expected balanced reconciliation, got %+v", report.Entities)
	}
	if report.Entities["patient"].TargetRows != 1 {
		t.Errorf("expected 1 patient row in target, got %d", report.Entities["patient"].TargetRows)
	}

	if _, err := env.svc.GetArtifact(ctx, admin, run.ID, PhaseValidate, "report.json"); err != nil {
		t.Errorf("validation report artifact: %v", err)
	}
	if _, err := env.svc.GetArtifact(ctx, admin, run.ID, PhaseVerify, "reconciliation.json"); err != nil {
		t.Errorf("reconciliation artifact: %v", err)
	}

	done, err := env.svc.CompleteRun(ctx, admin, run.ID)
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Errorf("expected completed run, got %s", done.Status)
	}
}

func TestRunPhase_ExcludedEntitiesAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t, "chart", "invoice")
	env.migrate(t, run.ID)

	got := env.getRun(t, run.ID)
	expectCounters(t, "transform chart", got.Progress[PhaseTransform].For("chart"), Counters{Total: 1, Skipped: 1})
	expectCounters(t, "transform invoice", got.Progress[PhaseTransform].For("invoice"), Counters{Total: 2, Skipped: 2})
	if n, _ := env.target.Count(context.Background(), run.ID, canonical.EntityInvoice); n != 0 {
		t.Errorf("expected no invoices loaded, got %d", n)
	}
}

// -- Idempotency and ordering --

func TestRunPhase_CompletedPhaseIsNotReExecuted(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	first := env.runPhase(t, run.ID, PhaseIngest)
	fetches := env.adapter.fetchCount()
	events := len(env.audit.actions(run.ID))

	second := env.runPhase(t, run.ID, PhaseIngest)
	if env.adapter.fetchCount() != fetches {
		t.Errorf("source was read again: %d fetches, want %d", env.adapter.fetchCount(), fetches)
	}
	if n := len(env.audit.actions(run.ID)); n != events {
		t.Errorf("expected no new audit events, got %d more", n-events)
	}
	if first.Batches != second.Batches || second.Progress.For("patient").Total != 2 {
		t.Errorf("second call returned %+v, first %+v", second, first)
	}
}

func TestRunPhase_OrderAndGates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	if _, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseTransform); !errors.Is(err, ErrPhaseOutOfOrder) {
		t.Errorf("transform before ingest: expected ErrPhaseOutOfOrder, got %v", err)
	}
	if _, err := env.svc.RunPhase(ctx, admin, run.ID, Phase("export")); !errors.Is(err, ErrUnknownPhase) {
		t.Errorf("expected ErrUnknownPhase, got %v", err)
	}

	env.runPhase(t, run.ID, PhaseIngest)
	env.runPhase(t, run.ID, PhaseDraftMapping)
	if _, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseTransform); !errors.Is(err, ErrMappingNotApproved) {
		t.Errorf("transform without approval: expected ErrMappingNotApproved, got %v", err)
	}
	if got := env.getRun(t, run.ID); got.Status != StatusMappingDrafted {
		t.Errorf("rejected call changed status to %s", got.Status)
	}
}

func TestRunPhase_InFlightIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	lease, err := env.locker.TryAcquire(ctx, run.ID.String())
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	events := len(env.audit.actions(run.ID))

	if _, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseIngest); !errors.Is(err, ErrPhaseInFlight) {
		t.Fatalf("expected ErrPhaseInFlight, got %v", err)
	}
	if got := env.getRun(t, run.ID); got.Status != StatusCreated {
		t.Errorf("rejected call changed status to %s", got.Status)
	}
	if n := len(env.audit.actions(run.ID)); n != events {
		t.Errorf("rejected call wrote %d audit events", n-events)
	}

	lease.Release(ctx)
	env.runPhase(t, run.ID, PhaseIngest)
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	if _, err := env.svc.RunPhase(ctx, stranger, run.ID, PhaseIngest); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("RunPhase: expected ErrAccessDenied, got %v", err)
	}
	if _, err := env.svc.GetRun(ctx, stranger, run.ID); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("GetRun: expected ErrAccessDenied, got %v", err)
	}
	if _, err := env.svc.PauseRun(ctx, stranger, run.ID); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("PauseRun: expected ErrAccessDenied, got %v", err)
	}
	runs, total, err := env.svc.ListRuns(ctx, stranger, 10, 0)
	if err != nil || total != 0 || len(runs) != 0 {
		t.Errorf("stranger sees %d runs (err %v)", total, err)
	}
	if got := env.getRun(t, run.ID); got.Status != StatusCreated {
		t.Errorf("foreign call changed status to %s", got.Status)
	}
}

// -- Failure handling --

func TestRunPhase_InfrastructureErrorFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.artifacts = failingStore{Store: env.artifacts, phase: PhaseIngest}
	env.svc = env.build()
	run := env.createRun(t)

	_, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseIngest)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected wrapped disk error, got %v", err)
	}
	got := env.getRun(t, run.ID)
	if got.Status != StatusFailed || got.ErrorMessage == nil {
		t.Fatalf("expected failed run with message, got %s", got.Status)
	}
	actions := env.audit.actions(run.ID)
	if actions[len(actions)-1] != ActionFailed {
		t.Errorf("expected last audit action failed, got %v", actions)
	}
	if _, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseIngest); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("expected ErrRunTerminal after failure, got %v", err)
	}
}

func TestRunPhase_CancelledCallerLeavesRunResumable(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.adapter.onFetch = func(_ context.Context, page int) error {
		if page == 1 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	if _, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseIngest); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := env.getRun(t, run.ID)
	if got.Status != StatusIngesting || got.Checkpoint(PhaseIngest).BatchesDone != 1 {
		t.Fatalf("expected ingesting after 1 batch, got %s after %d", got.Status, got.Checkpoint(PhaseIngest).BatchesDone)
	}

	env.adapter.onFetch = nil
	res := env.runPhase(t, run.ID, PhaseIngest)
	if res.Batches != 3 || res.Progress.For("invoice").Total != 2 {
		t.Errorf("unexpected resumed result: %+v", res)
	}
}

func TestRunPhase_ResumeAfterLastPageDoesNotRefetch(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	// Cancel inside the closing transaction, after the last page committed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.runs.beforeSave = func(p Phase, cp Checkpoint) error {
		if p == PhaseIngest && cp.Done {
			cancel()
			return context.Canceled
		}
		return nil
	}
	if _, err := env.svc.RunPhase(ctx, admin, run.ID, PhaseIngest); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := env.getRun(t, run.ID)
	if got.Status != StatusIngesting {
		t.Fatalf("expected run to stay ingesting, got %s", got.Status)
	}
	if cp := got.Checkpoint(PhaseIngest); cp.Done || !cp.Exhausted || cp.BatchesDone != 3 {
		t.Fatalf("expected exhausted checkpoint after 3 batches, got %+v", cp)
	}
	if containsAction(env.audit.actions(run.ID), ActionFailed) {
		t.Error("cancelled close must not record a failure")
	}

	env.runs.beforeSave = nil
	fetches := env.adapter.fetchCount()
	res := env.runPhase(t, run.ID, PhaseIngest)
	if env.adapter.fetchCount() != fetches {
		t.Errorf("expected no fetches on resume, got %d more", env.adapter.fetchCount()-fetches)
	}
	if res.Batches != 3 {
		t.Errorf("expected 3 batches, got %d", res.Batches)
	}
	expectCounters(t, "patient", res.Progress.For("patient"), Counters{Total: 2, Imported: 2})
	expectCounters(t, "invoice", res.Progress.For("invoice"), Counters{Total: 2, Imported: 2})
	keys, err := env.artifacts.List(context.Background(), run.ID.String(), string(PhaseIngest))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 ingest batches, got %v", keys)
	}
}

func TestRunPhase_CloseErrorFailsRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.runs.beforeSave = func(p Phase, cp Checkpoint) error {
		if cp.Done {
			return errDiskFull
		}
		return nil
	}
	if _, err := env.svc.RunPhase(context.Background(), admin, run.ID, PhaseIngest); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected wrapped disk error, got %v", err)
	}
	if got := env.getRun(t, run.ID); got.Status != StatusFailed {
		t.Errorf("expected failed run, got %s", got.Status)
	}
}

func TestRunPhase_AuditErrorAfterEnteringFailsRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.audit.failOn = ActionPhaseEntered

	if _, err := env.svc.RunPhase(context.Background(), admin, run.ID, PhaseIngest); !errors.Is(err, errAuditDown) {
		t.Fatalf("expected audit error, got %v", err)
	}
	got := env.getRun(t, run.ID)
	if got.Status != StatusFailed || got.ErrorMessage == nil {
		t.Fatalf("expected failed run with message, got %s", got.Status)
	}
	if env.adapter.fetchCount() != 0 {
		t.Errorf("expected no fetches, got %d", env.adapter.fetchCount())
	}
}

// -- Pause and resume --

func TestPauseResume_MatchesUninterruptedRun(t *testing.T) {
	for _, phase := range []Phase{PhaseIngest, PhaseTransform, PhaseValidate, PhaseLoad} {
		t.Run(string(phase), func(t *testing.T) {
			ctx := context.Background()

			straight := newTestEnv(t)
			ref := straight.createRun(t)
			straight.migrate(t, ref.ID)

			env := newTestEnv(t)
			run := env.createRun(t)
			paused := false
			env.runs.afterSave = func(id uuid.UUID, p Phase, cp Checkpoint) {
				if p == phase && cp.BatchesDone == 1 && !paused {
					paused = true
					if _, err := env.svc.PauseRun(ctx, admin, id); err != nil {
						t.Errorf("PauseRun: %v", err)
					}
				}
			}

			var interrupted *PhaseResult
			for _, p := range AllPhases() {
				if p == PhaseTransform {
					env.approveLatest(t, run.ID)
				}
				res := env.runPhase(t, run.ID, p)
				if p == phase {
					interrupted = res
					break
				}
			}
			if interrupted.Outcome != OutcomePaused || interrupted.Batches != 1 {
				t.Fatalf("expected pause after batch 1, got %s after %d", interrupted.Outcome, interrupted.Batches)
			}
			if got := env.getRun(t, run.ID); got.Status != StatusPaused || *got.PausedFrom != phase.Status() {
				t.Fatalf("expected paused from %s, got %s", phase.Status(), got.Status)
			}
			if _, err := env.svc.RunPhase(ctx, admin, run.ID, phase); !errors.Is(err, ErrRunPaused) {
				t.Errorf("RunPhase on paused run: expected ErrRunPaused, got %v", err)
			}

			// Resume re-invokes the interrupted phase inline.
			resumed, err := env.svc.ResumeRun(ctx, admin, run.ID)
			if err != nil {
				t.Fatalf("ResumeRun: %v", err)
			}
			if !resumed.PhaseDone(phase) {
				t.Fatalf("expected %s to finish on resume", phase)
			}
			env.migrate(t, run.ID)

			want, got := straight.getRun(t, ref.ID).Progress, env.getRun(t, run.ID).Progress
			for _, p := range AllPhases() {
				for _, entity := range sortedKeys(want[p]) {
					if *got[p].For(entity) != *want[p][entity] {
						t.Errorf("%s/%s: got %+v, want %+v", p, entity, *got[p].For(entity), *want[p][entity])
					}
				}
			}
			actions := env.audit.actions(run.ID)
			if !containsAction(actions, ActionPaused) || !containsAction(actions, ActionResumed) {
				t.Errorf("expected paused and resumed audit events, got %v", actions)
			}
		})
	}
}

func containsAction(actions []AuditAction, a AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

func TestPauseRun_States(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	if _, err := env.svc.ResumeRun(ctx, admin, run.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume of unpaused run: expected ErrInvalidTransition, got %v", err)
	}
	first, err := env.svc.PauseRun(ctx, admin, run.ID)
	if err != nil {
		t.Fatalf("PauseRun: %v", err)
	}
	second, err := env.svc.PauseRun(ctx, admin, run.ID)
	if err != nil || second.Status != StatusPaused || *first.PausedFrom != StatusCreated {
		t.Errorf("second pause: %v %+v", err, second)
	}
	resumed, err := env.svc.ResumeRun(ctx, admin, run.ID)
	if err != nil || resumed.Status != StatusCreated {
		t.Fatalf("ResumeRun: %v %+v", err, resumed)
	}
	if _, err := env.svc.CompleteRun(ctx, admin, run.ID); !errors.Is(err, ErrPhaseOutOfOrder) {
		t.Errorf("complete before verify: expected ErrPhaseOutOfOrder, got %v", err)
	}
}

// -- Mapping review --

func TestReviseAndApproveMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	env.runPhase(t, run.ID, PhaseIngest)
	draft := env.runPhase(t, run.ID, PhaseDraftMapping)

	var detail struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(draft.Detail, &detail); err != nil || detail.Version != 1 {
		t.Fatalf("draft detail: %v %s", err, draft.Detail)
	}

	v1, err := env.mappings.Get(ctx, run.ID, 1)
	if err != nil {
		t.Fatalf("Get v1: %v", err)
	}
	edited := *v1.Spec
	edited.Entities = map[canonical.EntityType]*mapping.EntityMapping{}
	for k, em := range v1.Spec.Entities {
		c := *em
		c.Fields = map[string]string{}
		for f, src := range em.Fields {
			c.Fields[f] = src
		}
		edited.Entities[k] = &c
	}
	edited.Entities[canonical.EntityAppointment].Fields["notes"] = "comments"

	if _, err := env.svc.ReviseMapping(ctx, admin, run.ID, &mapping.Spec{Entities: map[canonical.EntityType]*mapping.EntityMapping{}}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty spec: expected ErrInvalidInput, got %v", err)
	}
	v2, err := env.svc.ReviseMapping(ctx, admin, run.ID, &edited)
	if err != nil || v2.Version != 2 {
		t.Fatalf("ReviseMapping: %v %+v", err, v2)
	}
	if _, err := env.svc.ApproveMapping(ctx, admin, run.ID, 7); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("approve missing version: expected ErrMappingNotFound, got %v", err)
	}
	if _, err := env.svc.ApproveMapping(ctx, admin, run.ID, 2); err != nil {
		t.Fatalf("ApproveMapping: %v", err)
	}

	res := env.runPhase(t, run.ID, PhaseTransform)
	var td struct {
		MappingVersion int `json:"mapping_version"`
	}
	if err := json.Unmarshal(res.Detail, &td); err != nil || td.MappingVersion != 2 {
		t.Errorf("transform used mapping v%d, want v2", td.MappingVersion)
	}

	if _, err := env.svc.ReviseMapping(ctx, admin, run.ID, &edited); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("revise after transform: expected ErrInvalidTransition, got %v", err)
	}
	versions, _ := env.svc.ListMappingVersions(ctx, admin, run.ID)
	if len(versions) != 2 || versions[0].Approved || !versions[1].Approved {
		t.Errorf("unexpected mapping history: %+v", versions)
	}
}

func TestListFailures_FilterByPhase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	env.migrate(t, run.ID)

	items, total, err := env.svc.ListFailures(ctx, admin, run.ID, PhaseLoad, 10, 0)
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if total != 1 || items[0].Code != CodeUnresolvedReference || items[0].SourceID != "a-3" {
		t.Errorf("unexpected load failures: %d %+v", total, items)
	}
	_, all, _ := env.svc.ListFailures(ctx, admin, run.ID, "", 10, 0)
	if all != 4 {
		t.Errorf("expected 4 failures across phases, got %d", all)
	}
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t)
	c := env.svc.Catalog()
	if len(c.Vendors) != 1 || c.Vendors[0] != ingest.VendorA {
		t.Errorf("expected only vendor A, got %v", c.Vendors)
	}
	if len(c.Fields) != len(canonical.AllEntityTypes()) {
		t.Fatalf("expected fields for every entity type, got %v", c.Fields)
	}
	found := false
	for _, f := range c.Fields[canonical.EntityPatient] {
		if f == mapping.FieldLastName {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s among patient fields, got %v", mapping.FieldLastName, c.Fields[canonical.EntityPatient])
	}
}
