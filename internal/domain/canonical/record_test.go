package canonical

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestCanonicalID_StableAndScoped(t *testing.T) {
	run := uuid.New()
	a := CanonicalID(run, EntityPatient, "p-1")
	b := CanonicalID(run, EntityPatient, "p-1")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if CanonicalID(run, EntityAppointment, "p-1") == a {
		t.Error("expected entity type to scope the id")
	}
	if CanonicalID(uuid.New(), EntityPatient, "p-1") == a {
		t.Error("expected run to scope the id")
	}
}

func TestRecord_Accessors(t *testing.T) {
	rec := NewAppointmentRecord(&Appointment{
		Base:               Base{CanonicalID: "a-1", SourceRecordID: "src-a-1"},
		CanonicalPatientID: "p-1",
		SourcePatientID:    "src-p-1",
	})
	if rec.ID() != "a-1" || rec.SourceID() != "src-a-1" {
		t.Errorf("unexpected ids: %s %s", rec.ID(), rec.SourceID())
	}
	refs := rec.References()
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(refs))
	}
	if refs[0].Field != FieldCanonicalPatientID || refs[0].TargetID != "p-1" || refs[0].TargetType != EntityPatient {
		t.Errorf("unexpected reference: %+v", refs[0])
	}

	rec.SetPatientLink("p-2")
	if rec.Appointment.CanonicalPatientID != "p-2" {
		t.Errorf("expected relinked patient, got %s", rec.Appointment.CanonicalPatientID)
	}
}

func TestRecord_Check(t *testing.T) {
	if err := NewPatientRecord(&Patient{}).Check(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Record{Type: EntityChart}).Check(); err == nil {
		t.Error("expected error for missing payload")
	}
	if err := (Record{Type: "lab_result"}).Check(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestRecord_JSONEnvelope(t *testing.T) {
	rec := NewInvoiceRecord(&Invoice{
		Base:      Base{CanonicalID: "i-1", SourceRecordID: "inv-1"},
		Total:     1250,
		LineItems: []LineItem{{Description: "Consult", Quantity: 1, UnitPrice: 1250, Amount: 1250}},
	})
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "invoice" {
		t.Errorf("expected type invoice, got %v", m["type"])
	}
	if _, ok := m["patient"]; ok {
		t.Error("expected unset variants to be omitted")
	}
}
