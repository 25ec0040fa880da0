package validation

import (
	"fmt"

	"github.com/ehr/migration/internal/domain/canonical"
)

// RecordResult ties a Result back to the record it describes.
type RecordResult struct {
	EntityType  canonical.EntityType `json:"entity_type"`
	CanonicalID string               `json:"canonical_id"`
	SourceID    string               `json:"source_id"`
	Result
}

// BatchReport aggregates per-record results. ErrorsByEntity counts invalid
// records per entity type, not individual errors.
type BatchReport struct {
	TotalRecords   int                          `json:"total_records"`
	ValidRecords   int                          `json:"valid_records"`
	InvalidRecords int                          `json:"invalid_records"`
	ErrorsByCode   map[string]int               `json:"errors_by_code"`
	WarningsByCode map[string]int               `json:"warnings_by_code"`
	ErrorsByEntity map[canonical.EntityType]int `json:"errors_by_entity"`
	Results        []RecordResult               `json:"results,omitempty"`
}

func NewBatchReport() *BatchReport {
	return &BatchReport{
		ErrorsByCode:   make(map[string]int),
		WarningsByCode: make(map[string]int),
		ErrorsByEntity: make(map[canonical.EntityType]int),
	}
}

// Add folds one record result into the report.
func (r *BatchReport) Add(rec canonical.Record, res Result) {
	r.TotalRecords++
	if res.Valid {
		r.ValidRecords++
	} else {
		r.InvalidRecords++
		r.ErrorsByEntity[rec.Type]++
	}
	for _, e := range res.Errors {
		r.ErrorsByCode[e.Code]++
	}
	for _, w := range res.Warnings {
		r.WarningsByCode[w.Code]++
	}
	r.Results = append(r.Results, RecordResult{
		EntityType:  rec.Type,
		CanonicalID: rec.ID(),
		SourceID:    rec.SourceID(),
		Result:      res,
	})
}

// Merge adds the counters of other into r. Per-record results are not copied
// so a run-level report stays small.
func (r *BatchReport) Merge(other *BatchReport) {
	if other == nil {
		return
	}
	r.TotalRecords += other.TotalRecords
	r.ValidRecords += other.ValidRecords
	r.InvalidRecords += other.InvalidRecords
	for k, v := range other.ErrorsByCode {
		r.ErrorsByCode[k] += v
	}
	for k, v := range other.WarningsByCode {
		r.WarningsByCode[k] += v
	}
	for k, v := range other.ErrorsByEntity {
		r.ErrorsByEntity[k] += v
	}
}

// ValidateBatch runs every record through ValidateRecord and aggregates.
func ValidateBatch(records []canonical.Record) *BatchReport {
	report := NewBatchReport()
	for _, rec := range records {
		report.Add(rec, ValidateRecord(rec))
	}
	return report
}

// IDIndex holds the canonical ids present in one import batch, grouped by
// entity type.
type IDIndex struct {
	ids map[canonical.EntityType]map[string]struct{}
}

func NewIDIndex(records []canonical.Record) *IDIndex {
	idx := &IDIndex{ids: make(map[canonical.EntityType]map[string]struct{})}
	for _, rec := range records {
		idx.Add(rec.Type, rec.ID())
	}
	return idx
}

func (idx *IDIndex) Add(entityType canonical.EntityType, id string) {
	if id == "" {
		return
	}
	set, ok := idx.ids[entityType]
	if !ok {
		set = make(map[string]struct{})
		idx.ids[entityType] = set
	}
	set[id] = struct{}{}
}

func (idx *IDIndex) Has(entityType canonical.EntityType, id string) bool {
	_, ok := idx.ids[entityType][id]
	return ok
}

// Orphans returns one ORPHANED_REFERENCE error per reference in records that
// does not resolve within the index. Empty references are left to the
// per-record validators.
func (idx *IDIndex) Orphans(records []canonical.Record) []Issue {
	var issues []Issue
	for _, rec := range records {
		for _, ref := range rec.References() {
			if ref.TargetID == "" || idx.Has(ref.TargetType, ref.TargetID) {
				continue
			}
			issues = append(issues, Issue{
				Code:        CodeOrphanedReference,
				Field:       ref.Field,
				Message:     fmt.Sprintf("%s %q not present in batch", ref.TargetType, ref.TargetID),
				EntityType:  rec.Type,
				CanonicalID: rec.ID(),
				SourceID:    rec.SourceID(),
			})
		}
	}
	return issues
}

// ValidateReferentialIntegrity checks references between records of a single
// batch. It does not consult previously loaded data.
func ValidateReferentialIntegrity(records []canonical.Record) []Issue {
	return NewIDIndex(records).Orphans(records)
}
