package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
	"github.com/ehr/migration/internal/domain/mapping"
	"github.com/ehr/migration/internal/platform/artifact"
	"github.com/ehr/migration/internal/platform/runlock"
	"github.com/ehr/migration/internal/platform/target"
)

// Dispatcher starts a phase on behalf of ResumeRun or an async request and
// returns the id of the queued task, if any. The HTTP server hands phases to
// the job queue; the CLI runs them inline.
type Dispatcher interface {
	Dispatch(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase) (string, error)
}

// TaskTracker reports the state of a task returned by a Dispatcher.
type TaskTracker interface {
	TaskStatus(ctx context.Context, taskID string) (string, error)
}

type inlineDispatcher struct{ svc *Service }

func (d inlineDispatcher) Dispatch(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase) (string, error) {
	_, err := d.svc.RunPhase(ctx, actor, runID, phase)
	return "", err
}

// Dependencies groups the collaborators of a Service.
type Dependencies struct {
	Runs        RunRepository
	Mappings    MappingRepository
	EntityMap   EntityMapRepository
	Audit       AuditRepository
	Failures    FailureRepository
	Tx          TxRunner
	Artifacts   artifact.Store
	Adapters    *ingest.Registry
	Credentials CredentialResolver
	Target      target.Writer
	Locker      runlock.Locker
}

type Service struct {
	runs        RunRepository
	mappings    MappingRepository
	entityMap   EntityMapRepository
	audit       AuditRepository
	failures    FailureRepository
	tx          TxRunner
	artifacts   artifact.Store
	adapters    *ingest.Registry
	credentials CredentialResolver
	target      target.Writer
	locker      runlock.Locker
	dispatcher  Dispatcher
	logger      zerolog.Logger
	now         func() time.Time

	// samplesPerEntity bounds how many raw records per source entity the
	// mapping proposer sees.
	samplesPerEntity int
}

func NewService(deps Dependencies, logger zerolog.Logger) *Service {
	s := &Service{
		runs:             deps.Runs,
		mappings:         deps.Mappings,
		entityMap:        deps.EntityMap,
		audit:            deps.Audit,
		failures:         deps.Failures,
		tx:               deps.Tx,
		artifacts:        deps.Artifacts,
		adapters:         deps.Adapters,
		credentials:      deps.Credentials,
		target:           deps.Target,
		locker:           deps.Locker,
		logger:           logger.With().Str("component", "migration").Logger(),
		now:              func() time.Time { return time.Now().UTC() },
		samplesPerEntity: 50,
	}
	if s.locker == nil {
		s.locker = runlock.NewMemoryLocker()
	}
	s.dispatcher = inlineDispatcher{svc: s}
	return s
}

// SetDispatcher replaces the inline dispatcher used by ResumeRun.
func (s *Service) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = inlineDispatcher{svc: s}
	}
	s.dispatcher = d
}

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

// CreateRun opens a migration run for the actor's clinic. Without consent text
// nothing is written.
func (s *Service) CreateRun(ctx context.Context, actor Actor, in CreateRunInput) (*Run, error) {
	if strings.TrimSpace(in.ConsentText) == "" {
		return nil, ErrConsentRequired
	}
	if actor.ClinicID == "" || actor.UserID == "" {
		return nil, ErrAccessDenied
	}
	if !in.SourceVendor.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidInput, ingest.ErrUnknownVendor, in.SourceVendor)
	}
	excluded := make([]string, 0, len(in.ExcludedEntities))
	for _, e := range in.ExcludedEntities {
		t := canonical.EntityType(strings.TrimSpace(e))
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, e)
		}
		excluded = append(excluded, string(t))
	}

	now := s.now()
	run := &Run{
		ID:               uuid.New(),
		ClinicID:         actor.ClinicID,
		SourceVendor:     in.SourceVendor,
		Status:           StatusCreated,
		ConsentText:      in.ConsentText,
		ConsentSignedAt:  now,
		CreatedBy:        actor.UserID,
		CredentialsRef:   in.CredentialsRef,
		ExcludedEntities: excluded,
		Log:              []LogEntry{{At: now, Message: "run created"}},
	}
	run.ensureMaps()

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.runs.Create(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return s.recordAudit(ctx, run, nil, ActionRunCreated, actor, map[string]interface{}{
			"source_vendor":     string(run.SourceVendor),
			"excluded_entities": excluded,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("run_id", run.ID.String()).Str("clinic_id", run.ClinicID).
		Str("vendor", string(run.SourceVendor)).Msg("migration run created")
	return run, nil
}

// PauseRun asks the run to stop at the next batch boundary. A phase in flight
// finishes its current batch, persists progress and returns. Pausing a paused
// run returns it unchanged.
func (s *Service) PauseRun(ctx context.Context, actor Actor, runID uuid.UUID) (*Run, error) {
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == StatusPaused {
		return run, nil
	}
	if run.Status.Terminal() {
		return nil, ErrRunTerminal
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err = s.runs.TransitionStatus(ctx, runID, activeStatuses, StatusPaused, func(r *Run) {
			from := r.Status
			r.PausedFrom = &from
		})
		if err != nil {
			return err
		}
		return s.recordAudit(ctx, run, run.CurrentPhase, ActionPaused, actor, map[string]interface{}{
			"paused_from": string(*run.PausedFrom),
		})
	})
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, run, currentPhase(run), "paused by "+actor.UserID)
	s.logger.Info().Str("run_id", runID.String()).Str("paused_from", string(*run.PausedFrom)).Msg("run paused")
	return run, nil
}

// ResumeRun restores the status the run was paused from. When a phase was
// interrupted it is handed to the dispatcher, which continues it from the
// last checkpoint.
func (s *Service) ResumeRun(ctx context.Context, actor Actor, runID uuid.UUID) (*Run, error) {
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPaused {
		if run.Status.Terminal() {
			return nil, ErrRunTerminal
		}
		return nil, fmt.Errorf("%w: run is %s, not paused", ErrInvalidTransition, run.Status)
	}
	to := StatusCreated
	if run.PausedFrom != nil {
		to = *run.PausedFrom
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err = s.runs.TransitionStatus(ctx, runID, []Status{StatusPaused}, to, func(r *Run) {
			r.PausedFrom = nil
		})
		if err != nil {
			return err
		}
		return s.recordAudit(ctx, run, run.CurrentPhase, ActionResumed, actor, map[string]interface{}{
			"resumed_to": string(to),
		})
	})
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, run, currentPhase(run), "resumed by "+actor.UserID)
	s.logger.Info().Str("run_id", runID.String()).Str("status", string(to)).Msg("run resumed")

	phase, ok := PhaseForStatus(to)
	if !ok || run.PhaseDone(phase) || run.CurrentPhase == nil || *run.CurrentPhase != phase {
		return run, nil
	}
	if _, err := s.dispatcher.Dispatch(ctx, actor, runID, phase); err != nil {
		// The interrupted loop never saw the pause and is still running.
		if errors.Is(err, ErrPhaseInFlight) {
			return run, nil
		}
		return run, err
	}
	return s.runs.Get(ctx, runID)
}

// CompleteRun closes a run whose verify phase has finished.
func (s *Service) CompleteRun(ctx context.Context, actor Actor, runID uuid.UUID) (*Run, error) {
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case run.Status == StatusCompleted:
		return run, nil
	case run.Status == StatusPaused:
		return nil, ErrRunPaused
	case run.Status.Terminal():
		return nil, ErrRunTerminal
	case !run.PhaseDone(PhaseVerify):
		return nil, fmt.Errorf("%w: verify has not completed", ErrPhaseOutOfOrder)
	}

	meta := map[string]interface{}{}
	if res := run.PhaseResults[PhaseVerify]; res != nil {
		meta["verify"] = res.Detail
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err = s.runs.TransitionStatus(ctx, runID, []Status{StatusVerifying}, StatusCompleted, func(r *Run) {
			now := s.now()
			r.CompletedAt = &now
			r.CurrentPhase = nil
		})
		if err != nil {
			return err
		}
		return s.recordAudit(ctx, run, nil, ActionRunCompleted, actor, meta)
	})
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, run, "", "run completed")
	s.logger.Info().Str("run_id", runID.String()).Msg("run completed")
	return run, nil
}

// ---------------------------------------------------------------------------
// Phases
// ---------------------------------------------------------------------------

// RunPhase executes one phase of a run. A phase that already completed is not
// executed again; its persisted result is returned. A second call while a
// phase is in flight is rejected with ErrPhaseInFlight. Record-level problems
// are counted and reported; only infrastructure errors fail the run.
func (s *Service) RunPhase(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase) (*PhaseResult, error) {
	if phase.Status() == "" {
		return nil, ErrUnknownPhase
	}
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return nil, err
	}
	if res, ok := completedResult(run, phase); ok {
		return res, nil
	}

	lease, err := s.locker.TryAcquire(ctx, runID.String())
	if errors.Is(err, runlock.ErrLocked) {
		return nil, ErrPhaseInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID.String()).Msg("release run lock")
		}
	}()

	// Reload under the lock; another worker may have finished the phase.
	run, err = s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if res, ok := completedResult(run, phase); ok {
		return res, nil
	}
	if err := s.checkRunnable(run, phase); err != nil {
		return nil, err
	}

	from := []Status{phase.Status()}
	if prev := phase.Prerequisite(); prev != "" {
		from = append(from, prev.Status())
	} else {
		from = append(from, StatusCreated)
	}
	run, err = s.runs.TransitionStatus(ctx, runID, from, phase.Status(), func(r *Run) {
		p := phase
		r.CurrentPhase = &p
		if r.StartedAt == nil {
			now := s.now()
			r.StartedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}

	cp := run.Checkpoint(phase)
	if err := s.recordAudit(ctx, run, &phase, ActionPhaseEntered, actor, map[string]interface{}{
		"resume_from_batch": cp.BatchesDone,
	}); err != nil {
		return nil, s.abort(ctx, run, phase, actor, err)
	}
	if cp.BatchesDone > 0 {
		s.appendLog(ctx, run, phase, fmt.Sprintf("%s resumed after batch %d", phase, cp.BatchesDone))
	} else {
		s.appendLog(ctx, run, phase, fmt.Sprintf("%s started", phase))
	}

	pr := &phaseRun{
		svc:      s,
		run:      run,
		phase:    phase,
		actor:    actor,
		lease:    lease,
		progress: run.PhaseProgress(phase),
		cp:       cp,
		log: s.logger.With().Str("run_id", runID.String()).Str("clinic_id", run.ClinicID).
			Str("phase", string(phase)).Logger(),
	}
	pr.log.Info().Int("resume_from_batch", cp.BatchesDone).Msg("phase started")

	detail, err := pr.execute(ctx)
	switch {
	case errors.Is(err, errPaused):
		pr.log.Info().Int("batches", pr.cp.BatchesDone).Msg("phase paused")
		return &PhaseResult{Phase: phase, Outcome: OutcomePaused, Batches: pr.cp.BatchesDone, Progress: pr.progress}, nil
	case errors.Is(err, ErrRunTerminal):
		return nil, err
	case err != nil:
		return nil, s.abort(ctx, run, phase, actor, err)
	}
	return s.finishPhase(ctx, pr, detail)
}

// QueuePhase hands a phase to q after the same checks RunPhase makes up
// front. A completed phase returns its stored result and nothing is queued.
// The run lock is held while enqueueing, so a phase already in flight is
// rejected with ErrPhaseInFlight instead of queueing a task that cannot run.
func (s *Service) QueuePhase(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase, q Dispatcher) (taskID string, done *PhaseResult, err error) {
	if phase.Status() == "" {
		return "", nil, ErrUnknownPhase
	}
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return "", nil, err
	}
	if res, ok := completedResult(run, phase); ok {
		return "", res, nil
	}
	if err := s.checkRunnable(run, phase); err != nil {
		return "", nil, err
	}

	lease, err := s.locker.TryAcquire(ctx, runID.String())
	if errors.Is(err, runlock.ErrLocked) {
		return "", nil, ErrPhaseInFlight
	}
	if err != nil {
		return "", nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID.String()).Msg("release run lock")
		}
	}()

	taskID, err = q.Dispatch(ctx, actor, runID, phase)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info().Str("run_id", runID.String()).Str("phase", string(phase)).Str("task_id", taskID).Msg("phase queued")
	return taskID, nil, nil
}

func (s *Service) checkRunnable(run *Run, phase Phase) error {
	switch {
	case run.Status == StatusPaused:
		return ErrRunPaused
	case run.Status.Terminal():
		return ErrRunTerminal
	}
	if prev := phase.Prerequisite(); prev != "" && !run.PhaseDone(prev) {
		return fmt.Errorf("%w: %s requires %s", ErrPhaseOutOfOrder, phase, prev)
	}
	if next, ok := PhaseForStatus(run.Status); ok && next != phase && next != phase.Prerequisite() {
		return fmt.Errorf("%w: run is %s", ErrPhaseOutOfOrder, run.Status)
	}
	switch phase {
	case PhaseIngest:
		if strings.TrimSpace(run.ConsentText) == "" || run.ConsentSignedAt.IsZero() {
			return ErrConsentRequired
		}
	case PhaseTransform:
		if run.ApprovedMappingVersion == nil {
			return ErrMappingNotApproved
		}
	}
	return nil
}

func completedResult(run *Run, phase Phase) (*PhaseResult, bool) {
	if !run.PhaseDone(phase) {
		return nil, false
	}
	if res := run.PhaseResults[phase]; res != nil {
		return res, true
	}
	return &PhaseResult{Phase: phase, Outcome: OutcomeCompleted, Batches: run.Checkpoint(phase).BatchesDone,
		Progress: run.PhaseProgress(phase)}, true
}

func (s *Service) finishPhase(ctx context.Context, pr *phaseRun, detail interface{}) (*PhaseResult, error) {
	now := s.now()
	res := &PhaseResult{
		Phase:       pr.phase,
		Outcome:     OutcomeCompleted,
		Batches:     pr.cp.BatchesDone,
		Progress:    pr.progress,
		CompletedAt: &now,
	}
	if detail != nil {
		raw, err := marshal(detail)
		if err != nil {
			return nil, s.abort(ctx, pr.run, pr.phase, pr.actor, err)
		}
		res.Detail = raw
	}

	pr.cp.Done = true
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.runs.SaveProgress(ctx, pr.run.ID, pr.phase, pr.progress, pr.cp); err != nil {
			return err
		}
		if err := s.runs.SavePhaseResult(ctx, pr.run.ID, pr.phase, res); err != nil {
			return err
		}
		return s.recordAudit(ctx, pr.run, &pr.phase, ActionPhaseCompleted, pr.actor, map[string]interface{}{
			"batches":  res.Batches,
			"progress": res.Progress,
		})
	})
	if err != nil {
		return nil, s.abort(ctx, pr.run, pr.phase, pr.actor, err)
	}
	s.appendLog(ctx, pr.run, pr.phase, fmt.Sprintf("%s completed: %s", pr.phase, summarize(pr.progress)))
	pr.log.Info().Int("batches", res.Batches).Msg("phase completed")
	return res, nil
}

// abort ends a phase that hit err after the run entered its active status.
// When the caller went away the run stays resumable at its last checkpoint;
// any other error fails the run.
func (s *Service) abort(ctx context.Context, run *Run, phase Phase, actor Actor, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn().Err(err).Str("run_id", run.ID.String()).Str("phase", string(phase)).Msg("phase interrupted")
		return err
	}
	return s.fail(ctx, run, phase, actor, err)
}

// fail marks the run failed and returns cause wrapped for the caller.
func (s *Service) fail(ctx context.Context, run *Run, phase Phase, actor Actor, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := fmt.Sprintf("%s: %v", phase, cause)
	s.logger.Error().Err(cause).Str("run_id", run.ID.String()).Str("clinic_id", run.ClinicID).
		Str("phase", string(phase)).Msg("phase failed")

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.runs.Fail(ctx, run.ID, msg); err != nil {
			return err
		}
		return s.recordAudit(ctx, run, &phase, ActionFailed, actor, map[string]interface{}{"error": msg})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("record run failure")
	}
	s.appendLog(ctx, run, phase, "failed: "+msg)
	return fmt.Errorf("phase %s failed: %w", phase, cause)
}

// ---------------------------------------------------------------------------
// Mapping review
// ---------------------------------------------------------------------------

// ReviseMapping stores an operator-edited mapping as a new version. Earlier
// versions are kept.
func (s *Service) ReviseMapping(ctx context.Context, actor Actor, runID uuid.UUID, spec *mapping.Spec) (*MappingSpecVersion, error) {
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return nil, err
	}
	if err := checkMappingEditable(run); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: mapping spec is required", ErrInvalidInput)
	}
	spec.Vendor = run.SourceVendor
	if err := mapping.Validate(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	v := &MappingSpecVersion{RunID: runID, Spec: spec, CreatedBy: actor.UserID}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.mappings.Append(ctx, v); err != nil {
			return err
		}
		return s.recordAudit(ctx, run, nil, ActionMappingRevised, actor, map[string]interface{}{"version": v.Version})
	})
	if err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, run.ID, PhaseDraftMapping, mappingKey(v.Version), spec); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID.String()).Int("version", v.Version).Msg("store mapping artifact")
	}
	s.appendLog(ctx, run, PhaseDraftMapping, fmt.Sprintf("mapping v%d saved by %s", v.Version, actor.UserID))
	return v, nil
}

// ApproveMapping marks version as the mapping transform will apply.
func (s *Service) ApproveMapping(ctx context.Context, actor Actor, runID uuid.UUID, version int) (*MappingSpecVersion, error) {
	run, err := s.authorizedRun(ctx, actor, runID)
	if err != nil {
		return nil, err
	}
	if err := checkMappingEditable(run); err != nil {
		return nil, err
	}
	var v *MappingSpecVersion
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err = s.mappings.Get(ctx, runID, version)
		if err != nil {
			return err
		}
		if err := s.mappings.MarkApproved(ctx, runID, version); err != nil {
			return err
		}
		if err := s.runs.SetApprovedMapping(ctx, runID, version); err != nil {
			return err
		}
		return s.recordAudit(ctx, run, nil, ActionMappingApproved, actor, map[string]interface{}{"version": version})
	})
	if err != nil {
		return nil, err
	}
	v.Approved = true
	s.appendLog(ctx, run, PhaseDraftMapping, fmt.Sprintf("mapping v%d approved by %s", version, actor.UserID))
	return v, nil
}

// Mappings can change between draft_mapping and the start of transform.
func checkMappingEditable(run *Run) error {
	switch {
	case run.Status == StatusPaused:
		return ErrRunPaused
	case run.Status.Terminal():
		return ErrRunTerminal
	case !run.PhaseDone(PhaseDraftMapping):
		return fmt.Errorf("%w: no mapping has been drafted", ErrPhaseOutOfOrder)
	case run.Status != StatusMappingDrafted:
		return fmt.Errorf("%w: transform has started", ErrInvalidTransition)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Catalog lists what a run can be created from and what a mapping can target.
type Catalog struct {
	Vendors []ingest.Vendor                   `json:"vendors"`
	Fields  map[canonical.EntityType][]string `json:"fields"`
}

func (s *Service) Catalog() Catalog {
	c := Catalog{Vendors: s.adapters.Vendors(), Fields: make(map[canonical.EntityType][]string)}
	for _, t := range canonical.AllEntityTypes() {
		c.Fields[t] = mapping.KnownFields(t)
	}
	return c
}

func (s *Service) GetRun(ctx context.Context, actor Actor, runID uuid.UUID) (*Run, error) {
	return s.authorizedRun(ctx, actor, runID)
}

func (s *Service) ListRuns(ctx context.Context, actor Actor, limit, offset int) ([]*Run, int, error) {
	if actor.ClinicID == "" {
		return nil, 0, ErrAccessDenied
	}
	return s.runs.ListByClinic(ctx, actor.ClinicID, limit, offset)
}

func (s *Service) ListAuditEvents(ctx context.Context, actor Actor, runID uuid.UUID, limit, offset int) ([]*AuditEvent, int, error) {
	if _, err := s.authorizedRun(ctx, actor, runID); err != nil {
		return nil, 0, err
	}
	return s.audit.ListByRun(ctx, runID, limit, offset)
}

func (s *Service) ListMappingVersions(ctx context.Context, actor Actor, runID uuid.UUID) ([]*MappingSpecVersion, error) {
	if _, err := s.authorizedRun(ctx, actor, runID); err != nil {
		return nil, err
	}
	return s.mappings.List(ctx, runID)
}

func (s *Service) ListFailures(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase, limit, offset int) ([]*RecordFailure, int, error) {
	if _, err := s.authorizedRun(ctx, actor, runID); err != nil {
		return nil, 0, err
	}
	return s.failures.ListByRun(ctx, runID, phase, limit, offset)
}

func (s *Service) GetArtifact(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase, key string) ([]byte, error) {
	if _, err := s.authorizedRun(ctx, actor, runID); err != nil {
		return nil, err
	}
	return s.artifacts.Get(ctx, runID.String(), string(phase), key)
}

func (s *Service) ListArtifacts(ctx context.Context, actor Actor, runID uuid.UUID, phase Phase) ([]string, error) {
	if _, err := s.authorizedRun(ctx, actor, runID); err != nil {
		return nil, err
	}
	return s.artifacts.List(ctx, runID.String(), string(phase))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// authorizedRun loads the run and checks it belongs to the actor's clinic.
func (s *Service) authorizedRun(ctx context.Context, actor Actor, runID uuid.UUID) (*Run, error) {
	if actor.ClinicID == "" {
		return nil, ErrAccessDenied
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.ClinicID != actor.ClinicID {
		return nil, ErrAccessDenied
	}
	return run, nil
}

func (s *Service) recordAudit(ctx context.Context, run *Run, phase *Phase, action AuditAction, actor Actor, meta map[string]interface{}) error {
	e := &AuditEvent{
		RunID:    run.ID,
		ClinicID: run.ClinicID,
		Phase:    phase,
		Action:   action,
		Actor:    actor.UserID,
		Metadata: meta,
	}
	if err := s.audit.Append(ctx, e); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// appendLog adds a line to the run's human-readable log. It never fails the
// calling operation.
func (s *Service) appendLog(ctx context.Context, run *Run, phase Phase, msg string) {
	entry := LogEntry{At: s.now(), Phase: phase, Message: msg}
	if err := s.runs.AppendLog(ctx, run.ID, entry); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("append run log")
	}
}

func summarize(p Progress) string {
	if len(p) == 0 {
		return "no records"
	}
	parts := make([]string, 0, len(p))
	for _, entity := range sortedKeys(p) {
		c := p[entity]
		parts = append(parts, fmt.Sprintf("%s total=%d imported=%d skipped=%d failed=%d",
			entity, c.Total, c.Imported, c.Skipped, c.Failed))
	}
	return strings.Join(parts, "; ")
}

func currentPhase(r *Run) Phase {
	if r.CurrentPhase != nil {
		return *r.CurrentPhase
	}
	return ""
}
