// Package validation checks canonical records against domain rules. Per-record
// validators are pure functions; batch helpers aggregate their results and
// cross-check references between records of one import batch.
package validation

import (
	"fmt"
	"strings"

	"github.com/ehr/migration/internal/domain/canonical"
)

// Issue codes.
const (
	CodeMissingRequired    = "MISSING_REQUIRED"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeMissingPatientLink = "MISSING_PATIENT_LINK"
	CodeMissingProvider    = "MISSING_PROVIDER"
	CodeEmptySections      = "EMPTY_SECTIONS"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeMissingLineItems   = "MISSING_LINE_ITEMS"
	CodeOrphanedReference  = "ORPHANED_REFERENCE"
	CodeMalformedRecord    = "MALFORMED_RECORD"
	CodeUnknownEntityType  = "UNKNOWN_ENTITY_TYPE"
)

// Issue is a single validation finding. Whether it blocks the record depends on
// which list of a Result it appears in.
type Issue struct {
	Code        string               `json:"code"`
	Field       string               `json:"field,omitempty"`
	Message     string               `json:"message"`
	EntityType  canonical.EntityType `json:"entity_type,omitempty"`
	CanonicalID string               `json:"canonical_id,omitempty"`
	SourceID    string               `json:"source_id,omitempty"`
}

// Result is the outcome of validating one record. Valid is true iff Errors is
// empty; warnings never affect validity.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

type collector struct {
	entity   canonical.EntityType
	base     canonical.Base
	errors   []Issue
	warnings []Issue
}

func newCollector(entity canonical.EntityType, base canonical.Base) *collector {
	return &collector{entity: entity, base: base}
}

func (c *collector) issue(code, field, msg string) Issue {
	return Issue{
		Code:        code,
		Field:       field,
		Message:     msg,
		EntityType:  c.entity,
		CanonicalID: c.base.CanonicalID,
		SourceID:    c.base.SourceRecordID,
	}
}

func (c *collector) err(code, field, msg string)  { c.errors = append(c.errors, c.issue(code, field, msg)) }
func (c *collector) warn(code, field, msg string) { c.warnings = append(c.warnings, c.issue(code, field, msg)) }

func (c *collector) result() Result {
	return Result{Valid: len(c.errors) == 0, Errors: c.errors, Warnings: c.warnings}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// ValidatePatient requires both names. A malformed email is only a warning;
// the patient still loads.
func ValidatePatient(p *canonical.Patient) Result {
	c := newCollector(canonical.EntityPatient, p.Base)
	if blank(p.FirstName) {
		c.err(CodeMissingRequired, "firstName", "first name is required")
	}
	if blank(p.LastName) {
		c.err(CodeMissingRequired, "lastName", "last name is required")
	}
	if !blank(p.Email) && !plausibleEmail(strings.TrimSpace(p.Email)) {
		c.warn(CodeInvalidEmail, "email", fmt.Sprintf("email %q does not look deliverable", p.Email))
	}
	return c.result()
}

// ValidateAppointment requires a patient link, a provider, a start time and
// a status.
func ValidateAppointment(a *canonical.Appointment) Result {
	c := newCollector(canonical.EntityAppointment, a.Base)
	if blank(a.CanonicalPatientID) {
		c.err(CodeMissingPatientLink, canonical.FieldCanonicalPatientID, "appointment is not linked to a patient")
	}
	if blank(a.ProviderName) {
		c.err(CodeMissingProvider, "providerName", "provider name is required")
	}
	if a.StartTime == nil || a.StartTime.IsZero() {
		c.err(CodeMissingRequired, "startTime", "start time is required")
	}
	if blank(a.Status) {
		c.err(CodeMissingRequired, "status", "status is required")
	}
	return c.result()
}

// ValidateChart accepts charts without sections: an empty chart is still
// migrated for historical completeness and only draws a warning.
func ValidateChart(ch *canonical.Chart) Result {
	c := newCollector(canonical.EntityChart, ch.Base)
	if blank(ch.ProviderName) {
		c.err(CodeMissingProvider, "providerName", "chart has no provider attribution")
	}
	if len(ch.Sections) == 0 {
		c.warn(CodeEmptySections, "sections", "chart has no content sections")
	}
	return c.result()
}

// ValidateInvoice rejects negative totals and warns when there are no line
// items.
func ValidateInvoice(inv *canonical.Invoice) Result {
	c := newCollector(canonical.EntityInvoice, inv.Base)
	if inv.Total < 0 {
		c.err(CodeInvalidAmount, "total", fmt.Sprintf("invoice total %d is negative", inv.Total))
	}
	if len(inv.LineItems) == 0 {
		c.warn(CodeMissingLineItems, "lineItems", "invoice has no line items")
	}
	return c.result()
}

// ValidateRecord dispatches to the validator for the record's entity type.
func ValidateRecord(rec canonical.Record) Result {
	if !rec.Type.Valid() {
		return unknownType(rec.Type)
	}
	if err := rec.Check(); err != nil {
		c := newCollector(rec.Type, canonical.Base{})
		c.err(CodeMalformedRecord, string(rec.Type), err.Error())
		return c.result()
	}
	switch rec.Type {
	case canonical.EntityPatient:
		return ValidatePatient(rec.Patient)
	case canonical.EntityAppointment:
		return ValidateAppointment(rec.Appointment)
	case canonical.EntityChart:
		return ValidateChart(rec.Chart)
	case canonical.EntityInvoice:
		return ValidateInvoice(rec.Invoice)
	default:
		return unknownType(rec.Type)
	}
}

func unknownType(t canonical.EntityType) Result {
	c := newCollector(t, canonical.Base{})
	c.err(CodeUnknownEntityType, "type", fmt.Sprintf("unknown entity type %q", t))
	return c.result()
}

// plausibleEmail is a shape check, not deliverability verification.
func plausibleEmail(email string) bool {
	if len(email) < 5 || len(email) > 254 || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || at >= len(email)-1 || strings.Count(email, "@") != 1 {
		return false
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || len(domain) < 3 {
		return false
	}
	return !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
