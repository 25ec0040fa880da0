package migration

import (
	"context"

	"github.com/google/uuid"
)

type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	ListByClinic(ctx context.Context, clinicID string, limit, offset int) ([]*Run, int, error)
	// TransitionStatus moves the run to `to` only if its current status is one
	// of from. mutate, when non-nil, sees the run before the status changes and
	// may set paused_from, current_phase, started_at, completed_at and
	// error_message. A status miss returns ErrInvalidTransition.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, mutate func(*Run)) (*Run, error)
	// SaveProgress writes the counters and checkpoint of one phase and nothing
	// else.
	SaveProgress(ctx context.Context, id uuid.UUID, phase Phase, progress Progress, cp Checkpoint) error
	SavePhaseResult(ctx context.Context, id uuid.UUID, phase Phase, result *PhaseResult) error
	AppendLog(ctx context.Context, id uuid.UUID, entry LogEntry) error
	SetApprovedMapping(ctx context.Context, id uuid.UUID, version int) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

type MappingRepository interface {
	// Append stores spec as the next version of the run's mapping history and
	// sets v.Version.
	Append(ctx context.Context, v *MappingSpecVersion) error
	Get(ctx context.Context, runID uuid.UUID, version int) (*MappingSpecVersion, error)
	Latest(ctx context.Context, runID uuid.UUID) (*MappingSpecVersion, error)
	List(ctx context.Context, runID uuid.UUID) ([]*MappingSpecVersion, error)
	MarkApproved(ctx context.Context, runID uuid.UUID, version int) error
}

type EntityMapRepository interface {
	Lookup(ctx context.Context, runID uuid.UUID, entityType, sourceID string) (string, bool, error)
	// Insert is a no-op when the source id is already mapped.
	Insert(ctx context.Context, e *EntityMapEntry) error
	CountByType(ctx context.Context, runID uuid.UUID) (map[string]int, error)
}

type AuditRepository interface {
	Append(ctx context.Context, e *AuditEvent) error
	ListByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]*AuditEvent, int, error)
}

type FailureRepository interface {
	// Append ignores failures already recorded for the same record, phase,
	// code and field.
	Append(ctx context.Context, failures []*RecordFailure) error
	ListByRun(ctx context.Context, runID uuid.UUID, phase Phase, limit, offset int) ([]*RecordFailure, int, error)
	CountByCode(ctx context.Context, runID uuid.UUID) (map[string]int, error)
}

// TxRunner executes fn in one transaction carried by the context passed to
// fn. Repository calls made with that context join it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
