package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
	"github.com/ehr/migration/internal/domain/mapping"
	"github.com/ehr/migration/internal/domain/validation"
	"github.com/ehr/migration/internal/platform/runlock"
)

// errPaused stops a phase loop at a batch boundary after a pause request.
var errPaused = errors.New("phase paused")

const (
	batchPrefix  = "batch-"
	reportPrefix = "report-"
)

func batchKey(n int) string { return fmt.Sprintf("%s%06d", batchPrefix, n) }

func reportKey(batch string) string { return reportPrefix + strings.TrimPrefix(batch, batchPrefix) }

func mappingKey(version int) string { return fmt.Sprintf("mapping-v%d.json", version) }

func marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

// phaseRun carries the mutable state of one RunPhase execution.
type phaseRun struct {
	svc      *Service
	run      *Run
	phase    Phase
	actor    Actor
	lease    runlock.Lease
	progress Progress
	cp       Checkpoint
	log      zerolog.Logger
}

func (p *phaseRun) execute(ctx context.Context) (interface{}, error) {
	switch p.phase {
	case PhaseIngest:
		return p.ingest(ctx)
	case PhaseDraftMapping:
		return p.draftMapping(ctx)
	case PhaseTransform:
		return p.transform(ctx)
	case PhaseValidate:
		return p.validate(ctx)
	case PhaseLoad:
		return p.load(ctx)
	case PhaseVerify:
		return p.verify(ctx)
	}
	return nil, ErrUnknownPhase
}

// beforeBatch is the cooperative stop point of every phase loop. It re-reads
// the run so a pause issued from any process is observed, and refreshes the
// lock lease.
func (p *phaseRun) beforeBatch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run, err := p.svc.runs.Get(ctx, p.run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	switch {
	case run.Status == StatusPaused:
		return errPaused
	case run.Status.Terminal():
		return ErrRunTerminal
	}
	if err := p.lease.Extend(ctx); err != nil {
		return fmt.Errorf("extend run lock: %w", err)
	}
	return nil
}

// commit persists counters and checkpoint, plus any record failures, in one
// transaction. extra runs inside the same transaction.
func (p *phaseRun) commit(ctx context.Context, progress Progress, cp Checkpoint, failures []*RecordFailure, extra func(ctx context.Context) error) error {
	err := p.svc.tx.WithinTx(ctx, func(ctx context.Context) error {
		if extra != nil {
			if err := extra(ctx); err != nil {
				return err
			}
		}
		if err := p.svc.failures.Append(ctx, failures); err != nil {
			return err
		}
		return p.svc.runs.SaveProgress(ctx, p.run.ID, p.phase, progress, cp)
	})
	if err != nil {
		return err
	}
	p.progress, p.cp = progress, cp
	return nil
}

func (p *phaseRun) failure(entity, sourceID, code, field, msg string) *RecordFailure {
	return &RecordFailure{
		RunID:      p.run.ID,
		Phase:      p.phase,
		EntityType: entity,
		SourceID:   sourceID,
		Code:       code,
		Field:      field,
		Message:    msg,
	}
}

// ---------------------------------------------------------------------------
// ingest
// ---------------------------------------------------------------------------

type ingestDetail struct {
	Batches int `json:"batches"`
	Records int `json:"records"`
}

func (p *phaseRun) ingest(ctx context.Context) (interface{}, error) {
	if !p.cp.Exhausted {
		if err := p.fetchSource(ctx); err != nil {
			return nil, err
		}
	}

	total := 0
	for _, c := range p.progress {
		total += c.Total
	}
	return ingestDetail{Batches: p.cp.BatchesDone, Records: total}, nil
}

// fetchSource streams the remaining source pages from the checkpoint marker.
func (p *phaseRun) fetchSource(ctx context.Context) error {
	adapter, err := p.svc.adapters.Get(p.run.SourceVendor)
	if err != nil {
		return err
	}
	creds, err := p.svc.credentials.Resolve(ctx, p.run)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	names := sourceNames(p.run.SourceVendor)

	return ingest.Stream(ctx, adapter, creds, p.cp.Marker, func(page *ingest.Page) error {
		if err := p.beforeBatch(ctx); err != nil {
			return err
		}
		progress, cp := p.progress.Clone(), p.cp
		if len(page.Records) > 0 {
			payload, err := marshal(page.Records)
			if err != nil {
				return err
			}
			cp.BatchesDone++
			if err := p.svc.artifacts.Put(ctx, p.run.ID.String(), string(PhaseIngest), batchKey(cp.BatchesDone), payload); err != nil {
				return fmt.Errorf("store ingest batch: %w", err)
			}
			for _, rec := range page.Records {
				c := progress.For(entityName(names, rec.SourceEntityType))
				c.Total++
				c.Imported++
			}
		}
		cp.Marker = page.NextMarker
		cp.Exhausted = page.Done
		if err := p.commit(ctx, progress, cp, nil, nil); err != nil {
			return err
		}
		p.log.Debug().Int("batch", cp.BatchesDone).Int("records", len(page.Records)).Msg("ingest page stored")
		return nil
	})
}

// sourceNames maps vendor source entities to canonical type names so ingest
// counters line up with the later phases.
func sourceNames(v ingest.Vendor) map[string]string {
	out := make(map[string]string)
	profile, err := mapping.LoadProfile(v)
	if err != nil {
		return out
	}
	for t, ep := range profile.Entities {
		out[ep.SourceEntity] = string(t)
	}
	return out
}

func entityName(names map[string]string, source string) string {
	if n, ok := names[source]; ok {
		return n
	}
	return source
}

// ---------------------------------------------------------------------------
// draft_mapping
// ---------------------------------------------------------------------------

type draftDetail struct {
	Version  int                 `json:"version"`
	Samples  int                 `json:"samples"`
	Unmapped map[string][]string `json:"unmapped,omitempty"`
}

func (p *phaseRun) draftMapping(ctx context.Context) (interface{}, error) {
	if err := p.beforeBatch(ctx); err != nil {
		return nil, err
	}
	keys, err := p.batchKeys(ctx, PhaseIngest)
	if err != nil {
		return nil, err
	}

	perSource := make(map[string]int)
	var samples []ingest.RawRecord
	for _, key := range keys {
		var raws []ingest.RawRecord
		if err := p.getJSON(ctx, PhaseIngest, key, &raws); err != nil {
			return nil, err
		}
		for _, r := range raws {
			if perSource[r.SourceEntityType] < p.svc.samplesPerEntity {
				perSource[r.SourceEntityType]++
				samples = append(samples, r)
			}
		}
	}

	spec, err := mapping.Propose(p.run.SourceVendor, samples)
	if err != nil {
		return nil, err
	}
	if err := mapping.Validate(spec); err != nil {
		return nil, err
	}

	v := &MappingSpecVersion{RunID: p.run.ID, Spec: spec, CreatedBy: p.actor.UserID}
	cp := p.cp
	cp.BatchesDone = len(keys)
	err = p.commit(ctx, p.progress, cp, nil, func(ctx context.Context) error {
		if err := p.svc.mappings.Append(ctx, v); err != nil {
			return err
		}
		return p.svc.recordAudit(ctx, p.run, &p.phase, ActionMappingDrafted, p.actor, map[string]interface{}{
			"version": v.Version,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := p.svc.putJSON(ctx, p.run.ID, PhaseDraftMapping, mappingKey(v.Version), spec); err != nil {
		return nil, err
	}

	detail := draftDetail{Version: v.Version, Samples: len(samples), Unmapped: map[string][]string{}}
	for t, em := range spec.Entities {
		if len(em.Unmapped) > 0 {
			detail.Unmapped[string(t)] = em.Unmapped
		}
	}
	return detail, nil
}

// ---------------------------------------------------------------------------
// transform
// ---------------------------------------------------------------------------

type transformDetail struct {
	MappingVersion int `json:"mapping_version"`
}

func (p *phaseRun) transform(ctx context.Context) (interface{}, error) {
	version := *p.run.ApprovedMappingVersion
	mv, err := p.svc.mappings.Get(ctx, p.run.ID, version)
	if err != nil {
		return nil, fmt.Errorf("load mapping v%d: %w", version, err)
	}
	keys, err := p.batchKeys(ctx, PhaseIngest)
	if err != nil {
		return nil, err
	}

	for i := p.cp.BatchesDone; i < len(keys); i++ {
		if err := p.beforeBatch(ctx); err != nil {
			return nil, err
		}
		var raws []ingest.RawRecord
		if err := p.getJSON(ctx, PhaseIngest, keys[i], &raws); err != nil {
			return nil, err
		}

		progress := p.progress.Clone()
		var out []canonical.Record
		var failures []*RecordFailure
		for _, raw := range raws {
			entity := raw.SourceEntityType
			if t, _, ok := mv.Spec.ForSource(raw.SourceEntityType); ok {
				entity = string(t)
			}
			c := progress.For(entity)
			c.Total++
			if p.run.excluded(entity) {
				c.Skipped++
				continue
			}
			rec, err := mapping.Apply(mv.Spec, p.run.ID, raw)
			if err != nil {
				var te *mapping.TransformError
				if !errors.As(err, &te) {
					return nil, err
				}
				c.Failed++
				failures = append(failures, p.failure(entity, raw.SourceID, te.Code, te.Field, te.Message))
				continue
			}
			c.Imported++
			out = append(out, rec)
		}
		sortForLoad(out)

		if err := p.svc.putJSON(ctx, p.run.ID, PhaseTransform, keys[i], out); err != nil {
			return nil, err
		}
		cp := p.cp
		cp.BatchesDone = i + 1
		if err := p.commit(ctx, progress, cp, failures, nil); err != nil {
			return nil, err
		}
		p.log.Debug().Int("batch", i+1).Int("records", len(out)).Int("failed", len(failures)).Msg("transform batch done")
	}
	return transformDetail{MappingVersion: version}, nil
}

// sortForLoad orders records by entity load order so patients precede the
// records that reference them.
func sortForLoad(records []canonical.Record) {
	rank := make(map[canonical.EntityType]int)
	for i, t := range canonical.AllEntityTypes() {
		rank[t] = i
	}
	sort.SliceStable(records, func(i, j int) bool { return rank[records[i].Type] < rank[records[j].Type] })
}

// ---------------------------------------------------------------------------
// validate
// ---------------------------------------------------------------------------

func (p *phaseRun) validate(ctx context.Context) (interface{}, error) {
	keys, err := p.batchKeys(ctx, PhaseTransform)
	if err != nil {
		return nil, err
	}

	// The import batch is every record the transform produced for this run.
	index := validation.NewIDIndex(nil)
	for _, key := range keys {
		var recs []canonical.Record
		if err := p.getJSON(ctx, PhaseTransform, key, &recs); err != nil {
			return nil, err
		}
		for _, rec := range recs {
			index.Add(rec.Type, rec.ID())
		}
	}

	for i := p.cp.BatchesDone; i < len(keys); i++ {
		if err := p.beforeBatch(ctx); err != nil {
			return nil, err
		}
		var recs []canonical.Record
		if err := p.getJSON(ctx, PhaseTransform, keys[i], &recs); err != nil {
			return nil, err
		}

		orphans := make(map[string][]validation.Issue)
		for _, issue := range index.Orphans(recs) {
			orphans[issue.CanonicalID] = append(orphans[issue.CanonicalID], issue)
		}

		progress := p.progress.Clone()
		report := validation.NewBatchReport()
		var valid []canonical.Record
		var failures []*RecordFailure
		for _, rec := range recs {
			res := validation.ValidateRecord(rec)
			if extra := orphans[rec.ID()]; len(extra) > 0 {
				res.Errors = append(res.Errors, extra...)
				res.Valid = false
			}
			report.Add(rec, res)

			c := progress.For(string(rec.Type))
			c.Total++
			if res.Valid {
				c.Imported++
				valid = append(valid, rec)
				continue
			}
			c.Failed++
			for _, e := range res.Errors {
				failures = append(failures, p.failure(string(rec.Type), rec.SourceID(), e.Code, e.Field, e.Message))
			}
		}

		if err := p.svc.putJSON(ctx, p.run.ID, PhaseValidate, keys[i], valid); err != nil {
			return nil, err
		}
		if err := p.svc.putJSON(ctx, p.run.ID, PhaseValidate, reportKey(keys[i]), report); err != nil {
			return nil, err
		}
		cp := p.cp
		cp.BatchesDone = i + 1
		if err := p.commit(ctx, progress, cp, failures, nil); err != nil {
			return nil, err
		}
		p.log.Debug().Int("batch", i+1).Int("valid", report.ValidRecords).Int("invalid", report.InvalidRecords).
			Msg("validate batch done")
	}

	// Per-batch reports are merged so a resumed phase still reports on every
	// batch.
	merged := validation.NewBatchReport()
	for _, key := range keys {
		var r validation.BatchReport
		if err := p.getJSON(ctx, PhaseValidate, reportKey(key), &r); err != nil {
			return nil, err
		}
		merged.Merge(&r)
	}
	if err := p.svc.putJSON(ctx, p.run.ID, PhaseValidate, "report.json", merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ---------------------------------------------------------------------------
// load
// ---------------------------------------------------------------------------

func (p *phaseRun) load(ctx context.Context) (interface{}, error) {
	keys, err := p.batchKeys(ctx, PhaseValidate)
	if err != nil {
		return nil, err
	}

	for i := p.cp.BatchesDone; i < len(keys); i++ {
		if err := p.beforeBatch(ctx); err != nil {
			return nil, err
		}
		var recs []canonical.Record
		if err := p.getJSON(ctx, PhaseValidate, keys[i], &recs); err != nil {
			return nil, err
		}

		progress := p.progress.Clone()
		cp := p.cp
		cp.BatchesDone = i + 1
		var failures []*RecordFailure

		// The whole batch, its entity map rows and its progress commit
		// together, so a crash never leaves a batch half applied.
		err := p.commit(ctx, progress, cp, nil, func(ctx context.Context) error {
			for _, rec := range recs {
				f, err := p.loadRecord(ctx, progress, rec)
				if err != nil {
					return err
				}
				if f != nil {
					failures = append(failures, f)
				}
			}
			return p.svc.failures.Append(ctx, failures)
		})
		if err != nil {
			return nil, err
		}
		p.log.Debug().Int("batch", i+1).Int("records", len(recs)).Int("failed", len(failures)).Msg("load batch done")
	}
	return nil, nil
}

// loadRecord writes one record. It returns a RecordFailure for a record that
// cannot be loaded and an error only for infrastructure problems.
func (p *phaseRun) loadRecord(ctx context.Context, progress Progress, rec canonical.Record) (*RecordFailure, error) {
	entity := string(rec.Type)
	c := progress.For(entity)
	c.Total++

	if _, found, err := p.svc.entityMap.Lookup(ctx, p.run.ID, entity, rec.SourceID()); err != nil {
		return nil, err
	} else if found {
		c.Skipped++
		return nil, nil
	}

	for _, ref := range rec.References() {
		id, found, err := p.svc.entityMap.Lookup(ctx, p.run.ID, string(ref.TargetType), ref.SourceID)
		if err != nil {
			return nil, err
		}
		if !found {
			c.Failed++
			return p.failure(entity, rec.SourceID(), CodeUnresolvedReference, ref.Field,
				fmt.Sprintf("%s %q has not been loaded", ref.TargetType, ref.SourceID)), nil
		}
		rec.SetPatientLink(id)
	}

	if err := p.svc.target.Write(ctx, p.run.ClinicID, p.run.ID, rec); err != nil {
		return nil, err
	}
	if err := p.svc.entityMap.Insert(ctx, &EntityMapEntry{
		RunID:       p.run.ID,
		EntityType:  entity,
		SourceID:    rec.SourceID(),
		CanonicalID: rec.ID(),
	}); err != nil {
		return nil, err
	}
	c.Imported++
	return nil, nil
}

// ---------------------------------------------------------------------------
// verify
// ---------------------------------------------------------------------------

// EntityReconciliation follows one entity type through every phase.
type EntityReconciliation struct {
	Ingested    int      `json:"ingested"`
	Transform   Counters `json:"transform"`
	Validate    Counters `json:"validate"`
	Load        Counters `json:"load"`
	EntityMap   int      `json:"entity_map"`
	TargetRows  int      `json:"target_rows"`
	Balanced    bool     `json:"balanced"`
	Discrepancy []string `json:"discrepancy,omitempty"`
}

type ReconciliationReport struct {
	Entities       map[string]*EntityReconciliation `json:"entities"`
	Unrecognised   map[string]int                   `json:"unrecognised_sources,omitempty"`
	FailuresByCode map[string]int                   `json:"failures_by_code"`
	Balanced       bool                             `json:"balanced"`
	GeneratedAt    time.Time                        `json:"generated_at"`
}

func (p *phaseRun) verify(ctx context.Context) (interface{}, error) {
	if err := p.beforeBatch(ctx); err != nil {
		return nil, err
	}
	mapped, err := p.svc.entityMap.CountByType(ctx, p.run.ID)
	if err != nil {
		return nil, err
	}
	failures, err := p.svc.failures.CountByCode(ctx, p.run.ID)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		Entities:       make(map[string]*EntityReconciliation),
		Unrecognised:   make(map[string]int),
		FailuresByCode: failures,
		Balanced:       true,
		GeneratedAt:    p.svc.now(),
	}
	ingested := p.run.PhaseProgress(PhaseIngest)
	transformed := p.run.PhaseProgress(PhaseTransform)
	validated := p.run.PhaseProgress(PhaseValidate)
	loaded := p.run.PhaseProgress(PhaseLoad)

	for _, t := range canonical.AllEntityTypes() {
		name := string(t)
		rows, err := p.svc.target.Count(ctx, p.run.ID, t)
		if err != nil {
			return nil, err
		}
		e := &EntityReconciliation{
			Ingested:   ingested.For(name).Total,
			Transform:  *transformed.For(name),
			Validate:   *validated.For(name),
			Load:       *loaded.For(name),
			EntityMap:  mapped[name],
			TargetRows: rows,
		}
		check := func(ok bool, format string, args ...interface{}) {
			if !ok {
				e.Discrepancy = append(e.Discrepancy, fmt.Sprintf(format, args...))
			}
		}
		check(e.Transform.Total == e.Ingested, "transform saw %d of %d ingested", e.Transform.Total, e.Ingested)
		check(e.Transform.Processed() == e.Transform.Total, "transform accounted for %d of %d", e.Transform.Processed(), e.Transform.Total)
		check(e.Validate.Total == e.Transform.Imported, "validate saw %d of %d transformed", e.Validate.Total, e.Transform.Imported)
		check(e.Load.Total == e.Validate.Imported, "load saw %d of %d validated", e.Load.Total, e.Validate.Imported)
		check(e.Load.Processed() == e.Load.Total, "load accounted for %d of %d", e.Load.Processed(), e.Load.Total)
		check(e.EntityMap == e.Load.Imported, "entity map has %d, load imported %d", e.EntityMap, e.Load.Imported)
		check(e.TargetRows == e.EntityMap, "target has %d rows, entity map %d", e.TargetRows, e.EntityMap)
		e.Balanced = len(e.Discrepancy) == 0
		report.Balanced = report.Balanced && e.Balanced
		report.Entities[name] = e
	}
	for name, c := range ingested {
		if !canonical.EntityType(name).Valid() {
			report.Unrecognised[name] = c.Total
		}
	}

	if err := p.svc.putJSON(ctx, p.run.ID, PhaseVerify, "reconciliation.json", report); err != nil {
		return nil, err
	}
	cp := p.cp
	cp.BatchesDone = 1
	if err := p.commit(ctx, p.progress, cp, nil, nil); err != nil {
		return nil, err
	}
	if !report.Balanced {
		p.log.Warn().Msg("reconciliation found discrepancies")
	}
	return report, nil
}

// ---------------------------------------------------------------------------
// Artifact helpers
// ---------------------------------------------------------------------------

func (s *Service) putJSON(ctx context.Context, runID uuid.UUID, phase Phase, key string, v interface{}) error {
	payload, err := marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", phase, key, err)
	}
	if err := s.artifacts.Put(ctx, runID.String(), string(phase), key, payload); err != nil {
		return fmt.Errorf("store %s/%s: %w", phase, key, err)
	}
	return nil
}

func (p *phaseRun) getJSON(ctx context.Context, phase Phase, key string, v interface{}) error {
	payload, err := p.svc.artifacts.Get(ctx, p.run.ID.String(), string(phase), key)
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", phase, key, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", phase, key, err)
	}
	return nil
}

// batchKeys lists the batch artifacts of phase in production order.
func (p *phaseRun) batchKeys(ctx context.Context, phase Phase) ([]string, error) {
	keys, err := p.svc.artifacts.List(ctx, p.run.ID.String(), string(phase))
	if err != nil {
		return nil, fmt.Errorf("list %s artifacts: %w", phase, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, batchPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func sortedKeys(p Progress) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
