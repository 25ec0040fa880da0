package canonical

import "fmt"

// Record is a tagged union over the canonical entity types. Exactly one of the
// entity pointers is set and it matches Type.
type Record struct {
	Type        EntityType   `json:"type"`
	Patient     *Patient     `json:"patient,omitempty"`
	Appointment *Appointment `json:"appointment,omitempty"`
	Chart       *Chart       `json:"chart,omitempty"`
	Invoice     *Invoice     `json:"invoice,omitempty"`
}

func NewPatientRecord(p *Patient) Record { return Record{Type: EntityPatient, Patient: p} }

func NewAppointmentRecord(a *Appointment) Record {
	return Record{Type: EntityAppointment, Appointment: a}
}

func NewChartRecord(c *Chart) Record { return Record{Type: EntityChart, Chart: c} }

func NewInvoiceRecord(i *Invoice) Record { return Record{Type: EntityInvoice, Invoice: i} }

// Reference is a foreign-key-shaped field on a canonical record.
type Reference struct {
	Field      string
	TargetType EntityType
	TargetID   string
	SourceID   string
}

func (r Record) base() *Base {
	switch r.Type {
	case EntityPatient:
		if r.Patient != nil {
			return &r.Patient.Base
		}
	case EntityAppointment:
		if r.Appointment != nil {
			return &r.Appointment.Base
		}
	case EntityChart:
		if r.Chart != nil {
			return &r.Chart.Base
		}
	case EntityInvoice:
		if r.Invoice != nil {
			return &r.Invoice.Base
		}
	}
	return nil
}

// ID returns the canonical id, or "" for a malformed record.
func (r Record) ID() string {
	if b := r.base(); b != nil {
		return b.CanonicalID
	}
	return ""
}

// SourceID returns the source-system record id.
func (r Record) SourceID() string {
	if b := r.base(); b != nil {
		return b.SourceRecordID
	}
	return ""
}

// Check returns an error when the tag and the populated variant disagree.
func (r Record) Check() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", r.Type)
	}
	if r.base() == nil {
		return fmt.Errorf("%s record has no %s payload", r.Type, r.Type)
	}
	return nil
}

// References lists the foreign-key-shaped fields of the record. Empty
// references are included so callers can decide how to treat them.
func (r Record) References() []Reference {
	switch r.Type {
	case EntityAppointment:
		if r.Appointment != nil {
			return []Reference{patientRef(r.Appointment.CanonicalPatientID, r.Appointment.SourcePatientID)}
		}
	case EntityChart:
		if r.Chart != nil {
			return []Reference{patientRef(r.Chart.CanonicalPatientID, r.Chart.SourcePatientID)}
		}
	case EntityInvoice:
		if r.Invoice != nil {
			return []Reference{patientRef(r.Invoice.CanonicalPatientID, r.Invoice.SourcePatientID)}
		}
	}
	return nil
}

// FieldCanonicalPatientID is the field name reported for patient references.
const FieldCanonicalPatientID = "canonicalPatientId"

func patientRef(canonicalID, sourceID string) Reference {
	return Reference{
		Field:      FieldCanonicalPatientID,
		TargetType: EntityPatient,
		TargetID:   canonicalID,
		SourceID:   sourceID,
	}
}

// SetPatientLink rewrites the canonical patient reference. It is used by the
// load phase after resolving the source patient id through the entity map.
func (r *Record) SetPatientLink(canonicalID string) {
	switch r.Type {
	case EntityAppointment:
		if r.Appointment != nil {
			r.Appointment.CanonicalPatientID = canonicalID
		}
	case EntityChart:
		if r.Chart != nil {
			r.Chart.CanonicalPatientID = canonicalID
		}
	case EntityInvoice:
		if r.Invoice != nil {
			r.Invoice.CanonicalPatientID = canonicalID
		}
	}
}
