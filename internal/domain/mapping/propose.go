package mapping

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
)

// Propose drafts a Spec for vendor from sampled raw records. For each
// canonical entity in the vendor profile it collects the payload keys seen on
// samples of the matching source entity and claims, per canonical field, the
// first key matching one of the field's aliases. Keys nothing claims land in
// Unmapped. Entities without samples fall back to the profile's preferred
// alias so the draft is still complete.
func Propose(vendor ingest.Vendor, samples []ingest.RawRecord) (*Spec, error) {
	profile, err := LoadProfile(vendor)
	if err != nil {
		return nil, err
	}

	keysBySource := make(map[string]map[string]struct{})
	for _, rec := range samples {
		keys, ok := keysBySource[rec.SourceEntityType]
		if !ok {
			keys = make(map[string]struct{})
			keysBySource[rec.SourceEntityType] = keys
		}
		for _, k := range payloadKeys(rec.Payload) {
			keys[k] = struct{}{}
		}
	}

	spec := &Spec{Vendor: vendor, Entities: make(map[canonical.EntityType]*EntityMapping)}
	for _, t := range canonical.AllEntityTypes() {
		ep, ok := profile.Entities[t]
		if !ok {
			continue
		}
		em := &EntityMapping{SourceEntity: ep.SourceEntity, Fields: make(map[string]string)}
		seen, sampled := keysBySource[ep.SourceEntity]
		if !sampled {
			for _, field := range knownFields[t] {
				if aliases := ep.Fields[field]; len(aliases) > 0 {
					em.Fields[field] = aliases[0]
				}
			}
			spec.Entities[t] = em
			continue
		}

		byNorm := make(map[string][]string)
		sorted := make([]string, 0, len(seen))
		for k := range seen {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			n := NormalizeKey(k)
			byNorm[n] = append(byNorm[n], k)
		}

		claimed := make(map[string]bool)
		for _, field := range knownFields[t] {
			for _, alias := range ep.Fields[field] {
				match := ""
				for _, k := range byNorm[NormalizeKey(alias)] {
					if !claimed[k] {
						match = k
						break
					}
				}
				if match != "" {
					em.Fields[field] = match
					claimed[match] = true
					break
				}
			}
		}
		for _, k := range sorted {
			if !claimed[k] && k != "id" && k != ingest.RowErrorField {
				em.Unmapped = append(em.Unmapped, k)
			}
		}
		spec.Entities[t] = em
	}
	return spec, nil
}

func payloadKeys(payload json.RawMessage) []string {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&fields); err != nil {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	return keys
}
