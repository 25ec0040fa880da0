package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/migration/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Run Repository ===========

type runRepoPG struct {
	pool *pgxpool.Pool
	tx   *db.TxRunner
}

func NewRunRepoPG(pool *pgxpool.Pool) RunRepository {
	return &runRepoPG{pool: pool, tx: db.NewTxRunner(pool)}
}

func (r *runRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const runCols = `id, clinic_id, source_vendor, status, paused_from, current_phase,
	progress, checkpoints, phase_results, consent_text, consent_signed_at, created_by,
	COALESCE(credentials_ref, ''), excluded_entities, approved_mapping_version,
	started_at, completed_at, error_message, log, created_at, updated_at`

func (r *runRepoPG) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.ClinicID, &run.SourceVendor, &run.Status, &run.PausedFrom, &run.CurrentPhase,
		&run.Progress, &run.Checkpoints, &run.PhaseResults, &run.ConsentText, &run.ConsentSignedAt, &run.CreatedBy,
		&run.CredentialsRef, &run.ExcludedEntities, &run.ApprovedMappingVersion,
		&run.StartedAt, &run.CompletedAt, &run.ErrorMessage, &run.Log, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.ensureMaps()
	return &run, nil
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	run.ensureMaps()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO migration_runs (id, clinic_id, source_vendor, status, progress, checkpoints,
			phase_results, consent_text, consent_signed_at, created_by, credentials_ref,
			excluded_entities, log)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		run.ID, run.ClinicID, run.SourceVendor, run.Status, run.Progress, run.Checkpoints,
		run.PhaseResults, run.ConsentText, run.ConsentSignedAt, run.CreatedBy, nullable(run.CredentialsRef),
		run.ExcludedEntities, run.Log,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (r *runRepoPG) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM migration_runs WHERE id = $1`, id))
}

func (r *runRepoPG) ListByClinic(ctx context.Context, clinicID string, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM migration_runs WHERE clinic_id = $1`, clinicID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM migration_runs WHERE clinic_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, clinicID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}

func (r *runRepoPG) TransitionStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, mutate func(*Run)) (*Run, error) {
	var out *Run
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err := r.scanRun(r.conn(ctx).QueryRow(ctx,
			`SELECT `+runCols+` FROM migration_runs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !statusIn(run.Status, from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, to)
		}
		if mutate != nil {
			mutate(run)
		}
		run.Status = to
		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE migration_runs SET status = $2, paused_from = $3, current_phase = $4,
				started_at = $5, completed_at = $6, error_message = $7, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			run.ID, run.Status, run.PausedFrom, run.CurrentPhase,
			run.StartedAt, run.CompletedAt, run.ErrorMessage,
		).Scan(&run.UpdatedAt)
		if err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

func (r *runRepoPG) SaveProgress(ctx context.Context, id uuid.UUID, phase Phase, progress Progress, cp Checkpoint) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE migration_runs SET
			progress = jsonb_set(progress, ARRAY[$2::text], $3::jsonb),
			checkpoints = jsonb_set(checkpoints, ARRAY[$2::text], $4::jsonb),
			updated_at = NOW()
		WHERE id = $1`,
		id, string(phase), progress, cp)
	return affected(tag, err)
}

func (r *runRepoPG) SavePhaseResult(ctx context.Context, id uuid.UUID, phase Phase, result *PhaseResult) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE migration_runs SET
			phase_results = jsonb_set(phase_results, ARRAY[$2::text], $3::jsonb),
			updated_at = NOW()
		WHERE id = $1`,
		id, string(phase), result)
	return affected(tag, err)
}

func (r *runRepoPG) AppendLog(ctx context.Context, id uuid.UUID, entry LogEntry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE migration_runs SET log = log || jsonb_build_array($2::jsonb), updated_at = NOW()
		WHERE id = $1`, id, entry)
	return affected(tag, err)
}

func (r *runRepoPG) SetApprovedMapping(ctx context.Context, id uuid.UUID, version int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE migration_runs SET approved_mapping_version = $2, updated_at = NOW() WHERE id = $1`,
		id, version)
	return affected(tag, err)
}

func (r *runRepoPG) Fail(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE migration_runs SET status = $2, error_message = $3, paused_from = NULL, updated_at = NOW()
		WHERE id = $1`, id, StatusFailed, message)
	return affected(tag, err)
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =========== Mapping Repository ===========

type mappingRepoPG struct {
	pool *pgxpool.Pool
	tx   *db.TxRunner
}

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool, tx: db.NewTxRunner(pool)}
}

func (r *mappingRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const mappingCols = `run_id, version, spec, created_by, approved, created_at`

func (r *mappingRepoPG) scanVersion(row pgx.Row) (*MappingSpecVersion, error) {
	var v MappingSpecVersion
	err := row.Scan(&v.RunID, &v.Version, &v.Spec, &v.CreatedBy, &v.Approved, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	return &v, err
}

// Append serialises concurrent appends on the run row so max(version)+1 is
// never handed out twice.
func (r *mappingRepoPG) Append(ctx context.Context, v *MappingSpecVersion) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		var locked uuid.UUID
		err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM migration_runs WHERE id = $1 FOR UPDATE`, v.RunID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO migration_mapping_versions (run_id, version, spec, created_by, approved)
			SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, FALSE
			FROM migration_mapping_versions WHERE run_id = $1
			RETURNING version, created_at`,
			v.RunID, v.Spec, v.CreatedBy,
		).Scan(&v.Version, &v.CreatedAt)
	})
}

func (r *mappingRepoPG) Get(ctx context.Context, runID uuid.UUID, version int) (*MappingSpecVersion, error) {
	return r.scanVersion(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM migration_mapping_versions WHERE run_id = $1 AND version = $2`, runID, version))
}

func (r *mappingRepoPG) Latest(ctx context.Context, runID uuid.UUID) (*MappingSpecVersion, error) {
	return r.scanVersion(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM migration_mapping_versions WHERE run_id = $1 ORDER BY version DESC LIMIT 1`, runID))
}

func (r *mappingRepoPG) List(ctx context.Context, runID uuid.UUID) ([]*MappingSpecVersion, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+mappingCols+` FROM migration_mapping_versions WHERE run_id = $1 ORDER BY version`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MappingSpecVersion
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *mappingRepoPG) MarkApproved(ctx context.Context, runID uuid.UUID, version int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE migration_mapping_versions SET approved = TRUE WHERE run_id = $1 AND version = $2`, runID, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// =========== Entity Map Repository ===========

type entityMapRepoPG struct{ pool *pgxpool.Pool }

func NewEntityMapRepoPG(pool *pgxpool.Pool) EntityMapRepository { return &entityMapRepoPG{pool: pool} }

func (r *entityMapRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *entityMapRepoPG) Lookup(ctx context.Context, runID uuid.UUID, entityType, sourceID string) (string, bool, error) {
	var id string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT canonical_id::text FROM migration_entity_map
		WHERE run_id = $1 AND entity_type = $2 AND source_id = $3`,
		runID, entityType, sourceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (r *entityMapRepoPG) Insert(ctx context.Context, e *EntityMapEntry) error {
	canonicalID, err := uuid.Parse(e.CanonicalID)
	if err != nil {
		return fmt.Errorf("entity map: canonical id %q: %w", e.CanonicalID, err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO migration_entity_map (run_id, entity_type, source_id, canonical_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, entity_type, source_id) DO NOTHING`,
		e.RunID, e.EntityType, e.SourceID, canonicalID)
	return err
}

func (r *entityMapRepoPG) CountByType(ctx context.Context, runID uuid.UUID) (map[string]int, error) {
	return countBy(ctx, r.conn(ctx),
		`SELECT entity_type, COUNT(*) FROM migration_entity_map WHERE run_id = $1 GROUP BY entity_type`, runID)
}

func countBy(ctx context.Context, q queryable, sql string, args ...interface{}) (map[string]int, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *auditRepoPG) Append(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO migration_audit_events (id, run_id, clinic_id, phase, action, actor, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		e.ID, e.RunID, e.ClinicID, e.Phase, e.Action, e.Actor, e.Metadata,
	).Scan(&e.CreatedAt)
}

func (r *auditRepoPG) ListByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]*AuditEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM migration_audit_events WHERE run_id = $1`, runID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, run_id, clinic_id, phase, action, actor, metadata, created_at
		FROM migration_audit_events WHERE run_id = $1
		ORDER BY created_at, id LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.ClinicID, &e.Phase, &e.Action, &e.Actor, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}

// =========== Failure Repository ===========

type failureRepoPG struct{ pool *pgxpool.Pool }

func NewFailureRepoPG(pool *pgxpool.Pool) FailureRepository { return &failureRepoPG{pool: pool} }

func (r *failureRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *failureRepoPG) Append(ctx context.Context, failures []*RecordFailure) error {
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(`
			INSERT INTO migration_record_failures (run_id, phase, entity_type, source_id, code, field, message)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (run_id, phase, entity_type, source_id, code, field) DO NOTHING`,
			f.RunID, f.Phase, f.EntityType, f.SourceID, f.Code, f.Field, f.Message)
	}
	br := r.conn(ctx).SendBatch(ctx, batch)
	for range failures {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("record failure: %w", err)
		}
	}
	return br.Close()
}

func (r *failureRepoPG) ListByRun(ctx context.Context, runID uuid.UUID, phase Phase, limit, offset int) ([]*RecordFailure, int, error) {
	where := `WHERE run_id = $1`
	args := []interface{}{runID}
	if phase != "" {
		where += ` AND phase = $2`
		args = append(args, phase)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM migration_record_failures `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT run_id, phase, entity_type, source_id, code, field, message, created_at
		FROM migration_record_failures %s
		ORDER BY id LIMIT $%d OFFSET $%d`, where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*RecordFailure
	for rows.Next() {
		var f RecordFailure
		if err := rows.Scan(&f.RunID, &f.Phase, &f.EntityType, &f.SourceID, &f.Code, &f.Field, &f.Message, &f.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &f)
	}
	return items, total, rows.Err()
}

func (r *failureRepoPG) CountByCode(ctx context.Context, runID uuid.UUID) (map[string]int, error) {
	return countBy(ctx, r.conn(ctx),
		`SELECT code, COUNT(*) FROM migration_record_failures WHERE run_id = $1 GROUP BY code`, runID)
}
