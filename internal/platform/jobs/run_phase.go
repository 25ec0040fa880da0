package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mikestefanello/backlite"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/domain/migration"
)

const (
	// QueueRunPhase is the backlite queue name for phase executions.
	QueueRunPhase = "migration_run_phase"

	phaseTimeout = 2 * time.Hour
)

// RunPhaseTask asks a worker to execute one phase as the operator who
// requested it.
type RunPhaseTask struct {
	RunID    uuid.UUID `json:"run_id"`
	Phase    string    `json:"phase"`
	UserID   string    `json:"user_id"`
	ClinicID string    `json:"clinic_id"`
}

func (t RunPhaseTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        QueueRunPhase,
		MaxAttempts: 3,
		Backoff:     30 * time.Second,
		Timeout:     phaseTimeout,
		Retention: &backlite.Retention{
			Duration:   72 * time.Hour,
			OnlyFailed: false,
			Data:       &backlite.RetainData{OnlyFailed: true},
		},
	}
}

// PhaseRunner is the part of the migration service a worker drives.
type PhaseRunner interface {
	RunPhase(ctx context.Context, actor migration.Actor, runID uuid.UUID, phase migration.Phase) (*migration.PhaseResult, error)
}

// settled lists outcomes a retry cannot change. They are logged and the task
// is marked done. ErrPhaseInFlight is retried: the task may have been picked
// up before the request that queued it released the run lock.
var settled = []error{
	migration.ErrRunPaused,
	migration.ErrRunTerminal,
	migration.ErrRunNotFound,
	migration.ErrAccessDenied,
	migration.ErrPhaseOutOfOrder,
	migration.ErrInvalidTransition,
	migration.ErrMappingNotApproved,
	migration.ErrConsentRequired,
	migration.ErrUnknownPhase,
}

func isSettled(err error) bool {
	for _, s := range settled {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// RunPhaseProcessor executes queued phases. Infrastructure errors are
// returned so backlite retries the task; the phase resumes from its last
// checkpoint.
func RunPhaseProcessor(runner PhaseRunner, logger zerolog.Logger) backlite.QueueProcessor[RunPhaseTask] {
	logger = logger.With().Str("component", "jobs").Str("queue", QueueRunPhase).Logger()
	return func(ctx context.Context, task RunPhaseTask) error {
		phase, err := migration.ParsePhase(task.Phase)
		if err != nil {
			logger.Error().Str("run_id", task.RunID.String()).Str("phase", task.Phase).Msg("dropping task with unknown phase")
			return nil
		}
		log := logger.With().Str("run_id", task.RunID.String()).Str("phase", task.Phase).Logger()

		actor := migration.Actor{UserID: task.UserID, ClinicID: task.ClinicID}
		res, err := runner.RunPhase(ctx, actor, task.RunID, phase)
		switch {
		case err == nil:
			log.Info().Str("outcome", string(res.Outcome)).Int("batches", res.Batches).Msg("queued phase finished")
			return nil
		case isSettled(err):
			log.Warn().Err(err).Msg("queued phase not executed")
			return nil
		}
		return fmt.Errorf("run phase %s of %s: %w", phase, task.RunID, err)
	}
}

func NewRunPhaseQueue(runner PhaseRunner, logger zerolog.Logger) backlite.Queue {
	return backlite.NewQueue(RunPhaseProcessor(runner, logger))
}

// Dispatcher enqueues phases instead of running them on the caller's
// goroutine. It satisfies migration.Dispatcher.
type Dispatcher struct {
	client *Client
}

func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) Dispatch(_ context.Context, actor migration.Actor, runID uuid.UUID, phase migration.Phase) (string, error) {
	ids, err := d.client.Add(RunPhaseTask{
		RunID:    runID,
		Phase:    string(phase),
		UserID:   actor.UserID,
		ClinicID: actor.ClinicID,
	}).Save()
	if err != nil {
		return "", fmt.Errorf("enqueue %s for run %s: %w", phase, runID, err)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("enqueue %s for run %s: no task id returned", phase, runID)
	}
	return ids[0], nil
}

// TaskStatus satisfies migration.TaskTracker.
func (d *Dispatcher) TaskStatus(ctx context.Context, taskID string) (string, error) {
	status, err := d.client.Status(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("task %s status: %w", taskID, err)
	}
	return fmt.Sprint(status), nil
}
