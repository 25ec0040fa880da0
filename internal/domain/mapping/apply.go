package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
)

// Transform error codes.
const (
	CodeUnknownSourceEntity = "UNKNOWN_SOURCE_ENTITY"
	CodeMalformedPayload    = "MALFORMED_PAYLOAD"
	CodeInvalidFieldFormat  = "INVALID_FIELD_FORMAT"
)

// TransformError is a record-level failure to build a canonical record. It is
// reported per record and never aborts a phase.
type TransformError struct {
	Code    string
	Field   string
	Message string
}

func (e *TransformError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return e.Code + ": " + e.Message
}

func fieldErr(field, format string, args ...interface{}) *TransformError {
	return &TransformError{Code: CodeInvalidFieldFormat, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Apply builds the canonical record for raw. Canonical ids, including the
// patient link, are derived from source ids so they agree across batches.
func Apply(spec *Spec, runID uuid.UUID, raw ingest.RawRecord) (canonical.Record, error) {
	t, em, ok := spec.ForSource(raw.SourceEntityType)
	if !ok {
		return canonical.Record{}, &TransformError{
			Code:    CodeUnknownSourceEntity,
			Message: fmt.Sprintf("no mapping for source entity %q", raw.SourceEntityType),
		}
	}

	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return canonical.Record{}, &TransformError{Code: CodeMalformedPayload, Message: "payload is not a JSON object"}
	}
	if rowErr, ok := fields[ingest.RowErrorField]; ok {
		return canonical.Record{}, &TransformError{Code: CodeMalformedPayload, Message: fmt.Sprint(rowErr)}
	}
	if strings.TrimSpace(raw.SourceID) == "" {
		return canonical.Record{}, &TransformError{Code: CodeMalformedPayload, Message: "record has no source id"}
	}

	r := reader{fields: fields, mapping: em}
	base := canonical.Base{
		CanonicalID:    canonical.CanonicalID(runID, t, raw.SourceID),
		SourceRecordID: raw.SourceID,
	}

	switch t {
	case canonical.EntityPatient:
		p := &canonical.Patient{
			Base:      base,
			FirstName: r.str(FieldFirstName),
			LastName:  r.str(FieldLastName),
			Email:     r.str(FieldEmail),
			Phone:     r.str(FieldPhone),
			Gender:    r.str(FieldGender),
		}
		p.DateOfBirth = r.time(FieldDateOfBirth)
		return canonical.NewPatientRecord(p), r.err

	case canonical.EntityAppointment:
		a := &canonical.Appointment{
			Base:         base,
			ProviderName: r.str(FieldProviderName),
			Status:       strings.ToLower(r.str(FieldStatus)),
			Notes:        r.str(FieldNotes),
		}
		a.SourcePatientID, a.CanonicalPatientID = r.patientLink(runID)
		a.StartTime = r.time(FieldStartTime)
		a.EndTime = r.time(FieldEndTime)
		return canonical.NewAppointmentRecord(a), r.err

	case canonical.EntityChart:
		c := &canonical.Chart{Base: base, ProviderName: r.str(FieldProviderName)}
		c.SourcePatientID, c.CanonicalPatientID = r.patientLink(runID)
		c.ChartDate = r.time(FieldChartDate)
		c.Sections = r.sections(FieldSections)
		return canonical.NewChartRecord(c), r.err

	case canonical.EntityInvoice:
		inv := &canonical.Invoice{
			Base:          base,
			InvoiceNumber: r.str(FieldInvoiceNumber),
			Currency:      strings.ToUpper(r.str(FieldCurrency)),
		}
		inv.SourcePatientID, inv.CanonicalPatientID = r.patientLink(runID)
		inv.IssuedAt = r.time(FieldIssuedAt)
		inv.LineItems = r.lineItems(FieldLineItems)
		if total, ok := r.money(FieldTotal); ok {
			inv.Total = total
		} else {
			for _, li := range inv.LineItems {
				sum, ok := addCents(inv.Total, li.Amount)
				if !ok {
					r.fail(fieldErr(FieldLineItems, "line item total out of range"))
					break
				}
				inv.Total = sum
			}
		}
		return canonical.NewInvoiceRecord(inv), r.err
	}
	return canonical.Record{}, &TransformError{Code: CodeUnknownSourceEntity, Message: fmt.Sprintf("entity type %q is not mappable", t)}
}

// reader extracts typed canonical fields from a decoded payload and keeps the
// first format error it meets.
type reader struct {
	fields  map[string]interface{}
	mapping *EntityMapping
	err     error
}

func (r *reader) raw(field string) (interface{}, bool) {
	src, ok := r.mapping.Fields[field]
	if !ok {
		return nil, false
	}
	v, ok := r.fields[src]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

func (r *reader) fail(e *TransformError) {
	if r.err == nil {
		r.err = e
	}
}

func (r *reader) str(field string) string {
	v, ok := r.raw(field)
	if !ok {
		return ""
	}
	return strings.TrimSpace(scalarString(v))
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func (r *reader) patientLink(runID uuid.UUID) (sourceID, canonicalID string) {
	sourceID = r.str(FieldSourcePatientID)
	if sourceID == "" {
		return "", ""
	}
	return sourceID, canonical.CanonicalID(runID, canonical.EntityPatient, sourceID)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

func (r *reader) time(field string) *time.Time {
	s := r.str(field)
	if s == "" {
		return nil
	}
	t, err := ParseTime(s)
	if err != nil {
		r.fail(fieldErr(field, "unrecognised date/time %q", s))
		return nil
	}
	return &t
}

// ParseTime accepts the date and timestamp layouts seen in vendor exports.
// Values without a zone are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func (r *reader) money(field string) (int64, bool) {
	v, ok := r.raw(field)
	if !ok {
		return 0, false
	}
	cents, err := ParseCents(scalarString(v))
	if err != nil {
		r.fail(fieldErr(field, "%v", err))
		return 0, false
	}
	return cents, true
}

// ParseCents converts a decimal amount in major units ("1,250.5", "$12",
// "-3.10") into minor units without going through floating point.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimLeft(s, "$€£")
	// "$-5.00" puts the sign after the symbol.
	if !neg && strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(nonEmpty(whole), 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if w > (math.MaxInt64-f)/100 {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

func addCents(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func mulCents(price int64, qty int) (int64, bool) {
	if price == 0 || qty == 0 {
		return 0, true
	}
	out := price * int64(qty)
	if out/int64(qty) != price || (qty == -1 && price == math.MinInt64) {
		return 0, false
	}
	return out, true
}

func nonEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// list returns an array value, decoding JSON text when a flat export stored
// the array as a string.
func (r *reader) list(field string) ([]interface{}, string, bool) {
	v, ok := r.raw(field)
	if !ok {
		return nil, "", false
	}
	switch x := v.(type) {
	case []interface{}:
		return x, "", true
	case string:
		trimmed := strings.TrimSpace(x)
		if strings.HasPrefix(trimmed, "[") {
			var arr []interface{}
			dec := json.NewDecoder(strings.NewReader(trimmed))
			dec.UseNumber()
			if err := dec.Decode(&arr); err != nil {
				r.fail(fieldErr(field, "invalid JSON array"))
				return nil, "", false
			}
			return arr, "", true
		}
		return nil, trimmed, true
	default:
		r.fail(fieldErr(field, "expected a list"))
		return nil, "", false
	}
}

var (
	sectionTitleKeys = []string{"title", "heading", "name", "question", "label"}
	sectionBodyKeys  = []string{"body", "text", "content", "answer", "value", "note"}
	itemDescKeys     = []string{"description", "desc", "item", "name", "service"}
	itemQtyKeys      = []string{"quantity", "qty", "units", "count"}
	itemPriceKeys    = []string{"unitprice", "price", "rate", "unitamount"}
	itemAmountKeys   = []string{"amount", "total", "linetotal", "subtotal"}
)

// pick finds the first of keys present in obj, comparing normalised names.
func pick(obj map[string]interface{}, keys []string) (interface{}, bool) {
	byNorm := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		byNorm[NormalizeKey(k)] = v
	}
	for _, k := range keys {
		if v, ok := byNorm[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r *reader) sections(field string) []canonical.ChartSection {
	items, text, ok := r.list(field)
	if !ok {
		return nil
	}
	if items == nil {
		return []canonical.ChartSection{{Title: "Notes", Body: text}}
	}
	out := make([]canonical.ChartSection, 0, len(items))
	for i, it := range items {
		switch x := it.(type) {
		case string:
			out = append(out, canonical.ChartSection{Title: fmt.Sprintf("Section %d", i+1), Body: x})
		case map[string]interface{}:
			sec := canonical.ChartSection{}
			if v, ok := pick(x, sectionTitleKeys); ok {
				sec.Title = strings.TrimSpace(scalarString(v))
			}
			if v, ok := pick(x, sectionBodyKeys); ok {
				sec.Body = strings.TrimSpace(scalarString(v))
			}
			out = append(out, sec)
		default:
			r.fail(fieldErr(field, "section %d is not an object", i))
			return nil
		}
	}
	return out
}

func (r *reader) lineItems(field string) []canonical.LineItem {
	items, text, ok := r.list(field)
	if !ok {
		return nil
	}
	if items == nil {
		r.fail(fieldErr(field, "expected a list of line items, got %q", text))
		return nil
	}
	out := make([]canonical.LineItem, 0, len(items))
	for i, it := range items {
		obj, ok := it.(map[string]interface{})
		if !ok {
			r.fail(fieldErr(field, "line item %d is not an object", i))
			return nil
		}
		li := canonical.LineItem{Quantity: 1}
		if v, ok := pick(obj, itemDescKeys); ok {
			li.Description = strings.TrimSpace(scalarString(v))
		}
		if v, ok := pick(obj, itemQtyKeys); ok {
			q, err := strconv.Atoi(strings.TrimSpace(scalarString(v)))
			if err != nil {
				r.fail(fieldErr(field, "line item %d: invalid quantity %q", i, scalarString(v)))
				return nil
			}
			li.Quantity = q
		}
		if v, ok := pick(obj, itemPriceKeys); ok {
			c, err := ParseCents(scalarString(v))
			if err != nil {
				r.fail(fieldErr(field, "line item %d: %v", i, err))
				return nil
			}
			li.UnitPrice = c
		}
		if v, ok := pick(obj, itemAmountKeys); ok {
			c, err := ParseCents(scalarString(v))
			if err != nil {
				r.fail(fieldErr(field, "line item %d: %v", i, err))
				return nil
			}
			li.Amount = c
		} else {
			amount, ok := mulCents(li.UnitPrice, li.Quantity)
			if !ok {
				r.fail(fieldErr(field, "line item %d: amount out of range", i))
				return nil
			}
			li.Amount = amount
		}
		out = append(out, li)
	}
	return out
}
