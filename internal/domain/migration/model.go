// Package migration drives a clinic's data from a source vendor into the
// canonical store. A Run moves through ingest, draft_mapping, transform,
// validate, load and verify; every phase works in batches, persists progress
// after each one, and can be paused between batches and resumed.
package migration

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migration/internal/domain/ingest"
	"github.com/ehr/migration/internal/domain/mapping"
)

var (
	ErrConsentRequired    = errors.New("consent text is required")
	ErrRunNotFound        = errors.New("migration run not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrPhaseInFlight      = errors.New("a phase is already running for this run")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPhaseOutOfOrder    = errors.New("phase prerequisites not met")
	ErrRunPaused          = errors.New("run is paused")
	ErrRunTerminal        = errors.New("run is completed or failed")
	ErrMappingNotApproved = errors.New("no approved mapping for run")
	ErrMappingNotFound    = errors.New("mapping version not found")
	ErrUnknownPhase       = errors.New("unknown phase")
	ErrInvalidInput       = errors.New("invalid input")
)

// ---------------------------------------------------------------------------
// Status and phases
// ---------------------------------------------------------------------------

type Status string

const (
	StatusCreated        Status = "created"
	StatusIngesting      Status = "ingesting"
	StatusMappingDrafted Status = "mapping_drafted"
	StatusTransforming   Status = "transforming"
	StatusValidating     Status = "validating"
	StatusLoading        Status = "loading"
	StatusVerifying      Status = "verifying"
	StatusCompleted      Status = "completed"
	StatusPaused         Status = "paused"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further phase or operator action can change
// the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// activeStatuses are the statuses a run can be paused from.
var activeStatuses = []Status{
	StatusCreated, StatusIngesting, StatusMappingDrafted, StatusTransforming,
	StatusValidating, StatusLoading, StatusVerifying,
}

type Phase string

const (
	PhaseIngest       Phase = "ingest"
	PhaseDraftMapping Phase = "draft_mapping"
	PhaseTransform    Phase = "transform"
	PhaseValidate     Phase = "validate"
	PhaseLoad         Phase = "load"
	PhaseVerify       Phase = "verify"
)

// AllPhases returns the phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseIngest, PhaseDraftMapping, PhaseTransform, PhaseValidate, PhaseLoad, PhaseVerify}
}

func ParsePhase(s string) (Phase, error) {
	for _, p := range AllPhases() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", ErrUnknownPhase
}

// Prerequisite returns the phase that must have completed first, or "" for
// ingest.
func (p Phase) Prerequisite() Phase {
	phases := AllPhases()
	for i, q := range phases {
		if q == p && i > 0 {
			return phases[i-1]
		}
	}
	return ""
}

// Status is the run status held while the phase executes and until the next
// phase starts.
func (p Phase) Status() Status {
	switch p {
	case PhaseIngest:
		return StatusIngesting
	case PhaseDraftMapping:
		return StatusMappingDrafted
	case PhaseTransform:
		return StatusTransforming
	case PhaseValidate:
		return StatusValidating
	case PhaseLoad:
		return StatusLoading
	case PhaseVerify:
		return StatusVerifying
	}
	return ""
}

// PhaseForStatus is the inverse of Phase.Status.
func PhaseForStatus(s Status) (Phase, bool) {
	for _, p := range AllPhases() {
		if p.Status() == s {
			return p, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Counters are the per-entity outcome buckets. Within a run they only grow.
type Counters struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func (c Counters) Processed() int { return c.Imported + c.Skipped + c.Failed }

// Progress holds one counter set per entity name for one phase. Entities are
// keyed by canonical type; ingest falls back to the source entity name for
// records no vendor profile recognises.
type Progress map[string]*Counters

func (p Progress) For(entity string) *Counters {
	c, ok := p[entity]
	if !ok {
		c = &Counters{}
		p[entity] = c
	}
	return c
}

func (p Progress) Clone() Progress {
	out := make(Progress, len(p))
	for k, v := range p {
		c := *v
		out[k] = &c
	}
	return out
}

// Checkpoint records how far a phase got. Marker is the ingest resume
// position; the other phases resume by BatchesDone.
type Checkpoint struct {
	BatchesDone int    `json:"batches_done"`
	Marker      string `json:"marker,omitempty"`
	// Exhausted is set with the batch that consumed the source's last page.
	Exhausted bool `json:"exhausted,omitempty"`
	Done      bool `json:"done"`
}

type LogEntry struct {
	At      time.Time `json:"at"`
	Phase   Phase     `json:"phase,omitempty"`
	Message string    `json:"message"`
}

type Run struct {
	ID                     uuid.UUID              `db:"id" json:"id"`
	ClinicID               string                 `db:"clinic_id" json:"clinic_id"`
	SourceVendor           ingest.Vendor          `db:"source_vendor" json:"source_vendor"`
	Status                 Status                 `db:"status" json:"status"`
	PausedFrom             *Status                `db:"paused_from" json:"paused_from,omitempty"`
	CurrentPhase           *Phase                 `db:"current_phase" json:"current_phase,omitempty"`
	Progress               map[Phase]Progress     `db:"progress" json:"progress"`
	Checkpoints            map[Phase]*Checkpoint  `db:"checkpoints" json:"checkpoints"`
	PhaseResults           map[Phase]*PhaseResult `db:"phase_results" json:"phase_results,omitempty"`
	ConsentText            string                 `db:"consent_text" json:"consent_text"`
	ConsentSignedAt        time.Time              `db:"consent_signed_at" json:"consent_signed_at"`
	CreatedBy              string                 `db:"created_by" json:"created_by"`
	CredentialsRef         string                 `db:"credentials_ref" json:"credentials_ref,omitempty"`
	ExcludedEntities       []string               `db:"excluded_entities" json:"excluded_entities,omitempty"`
	ApprovedMappingVersion *int                   `db:"approved_mapping_version" json:"approved_mapping_version,omitempty"`
	StartedAt              *time.Time             `db:"started_at" json:"started_at,omitempty"`
	CompletedAt            *time.Time             `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage           *string                `db:"error_message" json:"error_message,omitempty"`
	Log                    []LogEntry             `db:"log" json:"log"`
	CreatedAt              time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time              `db:"updated_at" json:"updated_at"`
}

// Checkpoint returns the checkpoint for p, zero-valued if the phase never ran.
func (r *Run) Checkpoint(p Phase) Checkpoint {
	if cp, ok := r.Checkpoints[p]; ok && cp != nil {
		return *cp
	}
	return Checkpoint{}
}

func (r *Run) PhaseDone(p Phase) bool { return r.Checkpoint(p).Done }

// PhaseProgress returns a copy of the counters of p.
func (r *Run) PhaseProgress(p Phase) Progress {
	if pr, ok := r.Progress[p]; ok {
		return pr.Clone()
	}
	return Progress{}
}

func (r *Run) excluded(entity string) bool {
	for _, e := range r.ExcludedEntities {
		if e == entity {
			return true
		}
	}
	return false
}

// PhaseOutcome says how a RunPhase call ended.
type PhaseOutcome string

const (
	OutcomeCompleted PhaseOutcome = "completed"
	OutcomePaused    PhaseOutcome = "paused"
)

// PhaseResult is what RunPhase returns. Completed results are persisted on
// the run and returned verbatim on later calls for the same phase.
type PhaseResult struct {
	Phase       Phase           `json:"phase"`
	Outcome     PhaseOutcome    `json:"outcome"`
	Batches     int             `json:"batches"`
	Progress    Progress        `json:"progress"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Bookkeeping records
// ---------------------------------------------------------------------------

// MappingSpecVersion is one entry of the append-only mapping history of a run.
type MappingSpecVersion struct {
	RunID     uuid.UUID     `db:"run_id" json:"run_id"`
	Version   int           `db:"version" json:"version"`
	Spec      *mapping.Spec `db:"spec" json:"spec"`
	CreatedBy string        `db:"created_by" json:"created_by"`
	Approved  bool          `db:"approved" json:"approved"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// EntityMapEntry ties a source record id to the canonical id it was loaded
// under.
type EntityMapEntry struct {
	RunID       uuid.UUID `db:"run_id" json:"run_id"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	SourceID    string    `db:"source_id" json:"source_id"`
	CanonicalID string    `db:"canonical_id" json:"canonical_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type AuditAction string

const (
	ActionRunCreated      AuditAction = "run_created"
	ActionPhaseEntered    AuditAction = "phase_entered"
	ActionPhaseCompleted  AuditAction = "phase_completed"
	ActionPaused          AuditAction = "paused"
	ActionResumed         AuditAction = "resumed"
	ActionFailed          AuditAction = "failed"
	ActionMappingDrafted  AuditAction = "mapping_drafted"
	ActionMappingRevised  AuditAction = "mapping_revised"
	ActionMappingApproved AuditAction = "mapping_approved"
	ActionRunCompleted    AuditAction = "run_completed"
)

// AuditEvent is immutable once written.
type AuditEvent struct {
	ID        uuid.UUID              `db:"id" json:"id"`
	RunID     uuid.UUID              `db:"run_id" json:"run_id"`
	ClinicID  string                 `db:"clinic_id" json:"clinic_id"`
	Phase     *Phase                 `db:"phase" json:"phase,omitempty"`
	Action    AuditAction            `db:"action" json:"action"`
	Actor     string                 `db:"actor" json:"actor"`
	Metadata  map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}

// RecordFailure is kept for manual remediation of a record that failed
// transform, validation or load.
type RecordFailure struct {
	RunID      uuid.UUID `db:"run_id" json:"run_id"`
	Phase      Phase     `db:"phase" json:"phase"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	SourceID   string    `db:"source_id" json:"source_id"`
	Code       string    `db:"code" json:"code"`
	Field      string    `db:"field" json:"field,omitempty"`
	Message    string    `db:"message" json:"message"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Load-phase failure codes.
const (
	CodeUnresolvedReference = "UNRESOLVED_REFERENCE"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID   string
	ClinicID string
}

// CreateRunInput carries the operator's request to start a migration.
type CreateRunInput struct {
	SourceVendor     ingest.Vendor `json:"source_vendor"`
	ConsentText      string        `json:"consent_text"`
	CredentialsRef   string        `json:"credentials_ref,omitempty"`
	ExcludedEntities []string      `json:"excluded_entities,omitempty"`
}

func (r *Run) ensureMaps() {
	if r.Progress == nil {
		r.Progress = make(map[Phase]Progress)
	}
	if r.Checkpoints == nil {
		r.Checkpoints = make(map[Phase]*Checkpoint)
	}
	if r.PhaseResults == nil {
		r.PhaseResults = make(map[Phase]*PhaseResult)
	}
	if r.ExcludedEntities == nil {
		r.ExcludedEntities = []string{}
	}
	if r.Log == nil {
		r.Log = []LogEntry{}
	}
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
