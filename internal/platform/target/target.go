// Package target persists validated canonical records into the destination
// tables during the load phase.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/platform/db"
)

// Writer stores canonical records for a clinic. Writes are idempotent on the
// canonical id: writing the same record twice stores it once.
type Writer interface {
	Write(ctx context.Context, clinicID string, runID uuid.UUID, rec canonical.Record) error
	Count(ctx context.Context, runID uuid.UUID, t canonical.EntityType) (int, error)
}

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Postgres ===========

type PGWriter struct{ pool *pgxpool.Pool }

func NewPGWriter(pool *pgxpool.Pool) *PGWriter { return &PGWriter{pool: pool} }

func (w *PGWriter) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return w.pool
}

var tables = map[canonical.EntityType]string{
	canonical.EntityPatient:     "migrated_patient",
	canonical.EntityAppointment: "migrated_appointment",
	canonical.EntityChart:       "migrated_chart",
	canonical.EntityInvoice:     "migrated_invoice",
}

func (w *PGWriter) Write(ctx context.Context, clinicID string, runID uuid.UUID, rec canonical.Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	id, err := uuid.Parse(rec.ID())
	if err != nil {
		return fmt.Errorf("canonical id %q: %w", rec.ID(), err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", rec.Type, rec.ID(), err)
	}

	switch rec.Type {
	case canonical.EntityPatient:
		p := rec.Patient
		_, err = w.conn(ctx).Exec(ctx, `
			INSERT INTO migrated_patient (canonical_id, clinic_id, run_id, source_record_id,
				first_name, last_name, email, phone, date_of_birth, gender, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (canonical_id) DO NOTHING`,
			id, clinicID, runID, p.SourceRecordID,
			p.FirstName, p.LastName, nullable(p.Email), nullable(p.Phone), p.DateOfBirth, nullable(p.Gender), payload)

	case canonical.EntityAppointment:
		a := rec.Appointment
		pid, perr := uuid.Parse(a.CanonicalPatientID)
		if perr != nil {
			return fmt.Errorf("appointment %s: patient link: %w", a.CanonicalID, perr)
		}
		_, err = w.conn(ctx).Exec(ctx, `
			INSERT INTO migrated_appointment (canonical_id, clinic_id, run_id, source_record_id,
				patient_id, provider_name, start_time, end_time, status, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (canonical_id) DO NOTHING`,
			id, clinicID, runID, a.SourceRecordID,
			pid, a.ProviderName, a.StartTime, a.EndTime, a.Status, payload)

	case canonical.EntityChart:
		c := rec.Chart
		pid, perr := uuid.Parse(c.CanonicalPatientID)
		if perr != nil {
			return fmt.Errorf("chart %s: patient link: %w", c.CanonicalID, perr)
		}
		_, err = w.conn(ctx).Exec(ctx, `
			INSERT INTO migrated_chart (canonical_id, clinic_id, run_id, source_record_id,
				patient_id, provider_name, chart_date, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (canonical_id) DO NOTHING`,
			id, clinicID, runID, c.SourceRecordID,
			pid, c.ProviderName, c.ChartDate, payload)

	case canonical.EntityInvoice:
		inv := rec.Invoice
		pid, perr := uuid.Parse(inv.CanonicalPatientID)
		if perr != nil {
			return fmt.Errorf("invoice %s: patient link: %w", inv.CanonicalID, perr)
		}
		_, err = w.conn(ctx).Exec(ctx, `
			INSERT INTO migrated_invoice (canonical_id, clinic_id, run_id, source_record_id,
				patient_id, invoice_number, issued_at, total_cents, currency, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (canonical_id) DO NOTHING`,
			id, clinicID, runID, inv.SourceRecordID,
			pid, nullable(inv.InvoiceNumber), inv.IssuedAt, inv.Total, nullable(inv.Currency), payload)
	}
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", rec.Type, rec.ID(), err)
	}
	return nil
}

func (w *PGWriter) Count(ctx context.Context, runID uuid.UUID, t canonical.EntityType) (int, error) {
	table, ok := tables[t]
	if !ok {
		return 0, fmt.Errorf("unknown entity type %q", t)
	}
	var n int
	err := w.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =========== In-memory ===========

// MemoryWriter keeps records in process. It backs dry runs and tests.
type MemoryWriter struct {
	mu      sync.RWMutex
	records map[string]stored
}

type stored struct {
	clinicID string
	runID    uuid.UUID
	rec      canonical.Record
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{records: make(map[string]stored)}
}

func (w *MemoryWriter) Write(_ context.Context, clinicID string, runID uuid.UUID, rec canonical.Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.records[rec.ID()]; exists {
		return nil
	}
	w.records[rec.ID()] = stored{clinicID: clinicID, runID: runID, rec: rec}
	return nil
}

func (w *MemoryWriter) Count(_ context.Context, runID uuid.UUID, t canonical.EntityType) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, s := range w.records {
		if s.runID == runID && s.rec.Type == t {
			n++
		}
	}
	return n, nil
}

// Get returns a stored record by canonical id.
func (w *MemoryWriter) Get(canonicalID string) (canonical.Record, string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.records[canonicalID]
	return s.rec, s.clinicID, ok
}
