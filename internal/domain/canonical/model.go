// Package canonical defines the source-agnostic record shapes that every
// ingest source is translated into before validation and load.
package canonical

import (
	"time"

	"github.com/google/uuid"
)

// EntityType tags a canonical record with the kind of entity it carries.
type EntityType string

const (
	EntityPatient     EntityType = "patient"
	EntityAppointment EntityType = "appointment"
	EntityChart       EntityType = "chart"
	EntityInvoice     EntityType = "invoice"
)

// AllEntityTypes returns every entity type in load order. Patients come first
// because every other entity references a patient.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityPatient, EntityAppointment, EntityChart, EntityInvoice}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPatient, EntityAppointment, EntityChart, EntityInvoice:
		return true
	}
	return false
}

// Base carries the identity shared by every canonical record.
type Base struct {
	CanonicalID    string `json:"canonicalId"`
	SourceRecordID string `json:"sourceRecordId"`
}

type Patient struct {
	Base
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
}

type Appointment struct {
	Base
	CanonicalPatientID string     `json:"canonicalPatientId"`
	SourcePatientID    string     `json:"sourcePatientId,omitempty"`
	ProviderName       string     `json:"providerName"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	Status             string     `json:"status"`
	Notes              string     `json:"notes,omitempty"`
}

type ChartSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Chart struct {
	Base
	CanonicalPatientID string         `json:"canonicalPatientId"`
	SourcePatientID    string         `json:"sourcePatientId,omitempty"`
	ProviderName       string         `json:"providerName"`
	ChartDate          *time.Time     `json:"chartDate,omitempty"`
	Sections           []ChartSection `json:"sections"`
}

// LineItem amounts are in minor currency units (cents).
type LineItem struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	Amount      int64  `json:"amount"`
}

// Invoice amounts are in minor currency units (cents).
type Invoice struct {
	Base
	CanonicalPatientID string     `json:"canonicalPatientId"`
	SourcePatientID    string     `json:"sourcePatientId,omitempty"`
	InvoiceNumber      string     `json:"invoiceNumber,omitempty"`
	IssuedAt           *time.Time `json:"issuedAt,omitempty"`
	Total              int64      `json:"total"`
	Currency           string     `json:"currency,omitempty"`
	LineItems          []LineItem `json:"lineItems"`
}

// idNamespace scopes deterministic canonical ids to this pipeline.
var idNamespace = uuid.MustParse("6f1c8a52-3d0e-4f55-9b7a-2c4e1d9f0a13")

// CanonicalID derives the canonical id for a source record. The id is a
// name-based UUID over (run, entity type, source id), so it is assigned once
// and stays stable when a phase is retried or resumed.
func CanonicalID(runID uuid.UUID, entityType EntityType, sourceID string) string {
	runSpace := uuid.NewSHA1(idNamespace, runID[:])
	return uuid.NewSHA1(runSpace, []byte(string(entityType)+"/"+sourceID)).String()
}
