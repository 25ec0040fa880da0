// Package mapping translates vendor records into the canonical schema. A Spec
// says, per canonical entity type, which source entity feeds it and which
// source field feeds each canonical field. Specs are proposed automatically
// from vendor profiles, reviewed by an operator, and applied during transform.
package mapping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
)

// Canonical field names addressable by a mapping.
const (
	FieldFirstName       = "firstName"
	FieldLastName        = "lastName"
	FieldEmail           = "email"
	FieldPhone           = "phone"
	FieldDateOfBirth     = "dateOfBirth"
	FieldGender          = "gender"
	FieldSourcePatientID = "sourcePatientId"
	FieldProviderName    = "providerName"
	FieldStartTime       = "startTime"
	FieldEndTime         = "endTime"
	FieldStatus          = "status"
	FieldNotes           = "notes"
	FieldChartDate       = "chartDate"
	FieldSections        = "sections"
	FieldInvoiceNumber   = "invoiceNumber"
	FieldIssuedAt        = "issuedAt"
	FieldTotal           = "total"
	FieldCurrency        = "currency"
	FieldLineItems       = "lineItems"
)

var knownFields = map[canonical.EntityType][]string{
	canonical.EntityPatient: {
		FieldFirstName, FieldLastName, FieldEmail, FieldPhone, FieldDateOfBirth, FieldGender,
	},
	canonical.EntityAppointment: {
		FieldSourcePatientID, FieldProviderName, FieldStartTime, FieldEndTime, FieldStatus, FieldNotes,
	},
	canonical.EntityChart: {
		FieldSourcePatientID, FieldProviderName, FieldChartDate, FieldSections,
	},
	canonical.EntityInvoice: {
		FieldSourcePatientID, FieldInvoiceNumber, FieldIssuedAt, FieldTotal, FieldCurrency, FieldLineItems,
	},
}

// KnownFields lists the mappable canonical fields of an entity type.
func KnownFields(t canonical.EntityType) []string {
	return append([]string(nil), knownFields[t]...)
}

func isKnownField(t canonical.EntityType, field string) bool {
	for _, f := range knownFields[t] {
		if f == field {
			return true
		}
	}
	return false
}

// EntityMapping maps one source entity onto one canonical entity type. Fields
// is keyed by canonical field name; values are source field names. Unmapped
// lists source fields nothing claimed, for operator review.
type EntityMapping struct {
	SourceEntity string            `json:"sourceEntity" yaml:"source_entity"`
	Fields       map[string]string `json:"fields" yaml:"fields"`
	Unmapped     []string          `json:"unmapped,omitempty" yaml:"unmapped,omitempty"`
}

type Spec struct {
	Vendor   ingest.Vendor                            `json:"vendor"`
	Entities map[canonical.EntityType]*EntityMapping `json:"entities"`
}

// ForSource returns the entity type and mapping fed by sourceEntity.
func (s *Spec) ForSource(sourceEntity string) (canonical.EntityType, *EntityMapping, bool) {
	for t, em := range s.Entities {
		if em != nil && em.SourceEntity == sourceEntity {
			return t, em, true
		}
	}
	return "", nil, false
}

// ErrInvalidSpec wraps every structural problem reported by Validate.
var ErrInvalidSpec = errors.New("invalid mapping spec")

// Validate checks a spec before it is stored: entity types and canonical
// fields must exist, source entities must be distinct, and every non-patient
// entity must map its patient link.
func Validate(spec *Spec) error {
	if spec == nil || len(spec.Entities) == 0 {
		return fmt.Errorf("%w: no entities mapped", ErrInvalidSpec)
	}

	var problems []error
	sources := make(map[string]canonical.EntityType)
	types := make([]canonical.EntityType, 0, len(spec.Entities))
	for t := range spec.Entities {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		em := spec.Entities[t]
		if !t.Valid() {
			problems = append(problems, fmt.Errorf("unknown entity type %q", t))
			continue
		}
		if em == nil || em.SourceEntity == "" {
			problems = append(problems, fmt.Errorf("%s: source entity is required", t))
			continue
		}
		if prev, dup := sources[em.SourceEntity]; dup {
			problems = append(problems, fmt.Errorf("%s: source entity %q already feeds %s", t, em.SourceEntity, prev))
		}
		sources[em.SourceEntity] = t

		fields := make([]string, 0, len(em.Fields))
		for f := range em.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if !isKnownField(t, f) {
				problems = append(problems, fmt.Errorf("%s: unknown canonical field %q", t, f))
			} else if em.Fields[f] == "" {
				problems = append(problems, fmt.Errorf("%s.%s: source field is empty", t, f))
			}
		}
		if t != canonical.EntityPatient && em.Fields[FieldSourcePatientID] == "" {
			problems = append(problems, fmt.Errorf("%s: %s must be mapped", t, FieldSourcePatientID))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(problems...))
	}
	return nil
}
