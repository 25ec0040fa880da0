package mapping

import (
	"embed"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/ehr/migration/internal/domain/canonical"
	"github.com/ehr/migration/internal/domain/ingest"
)

//go:embed profiles/*.yaml
var profileFS embed.FS

// EntityProfile names the source entity for one canonical type and the
// aliases under which each canonical field tends to appear.
type EntityProfile struct {
	SourceEntity string              `yaml:"source_entity"`
	Fields       map[string][]string `yaml:"fields"`
}

// Profile is the mapping knowledge shipped for one vendor.
type Profile struct {
	Vendor   ingest.Vendor                            `yaml:"vendor"`
	Entities map[canonical.EntityType]EntityProfile `yaml:"entities"`
}

var (
	profilesOnce sync.Once
	profiles     map[ingest.Vendor]*Profile
	profilesErr  error
)

// LoadProfile returns the embedded profile for vendor.
func LoadProfile(vendor ingest.Vendor) (*Profile, error) {
	profilesOnce.Do(func() {
		profiles, profilesErr = loadProfiles()
	})
	if profilesErr != nil {
		return nil, profilesErr
	}
	p, ok := profiles[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: no mapping profile for %q", ingest.ErrUnknownVendor, vendor)
	}
	return p, nil
}

func loadProfiles() (map[ingest.Vendor]*Profile, error) {
	entries, err := profileFS.ReadDir("profiles")
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	out := make(map[ingest.Vendor]*Profile, len(entries))
	for _, e := range entries {
		data, err := profileFS.ReadFile("profiles/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", e.Name(), err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", e.Name(), err)
		}
		if !p.Vendor.Valid() {
			return nil, fmt.Errorf("profile %s: unknown vendor %q", e.Name(), p.Vendor)
		}
		for t, ep := range p.Entities {
			for field := range ep.Fields {
				if !isKnownField(t, field) {
					return nil, fmt.Errorf("profile %s: %s has unknown field %q", e.Name(), t, field)
				}
			}
		}
		out[p.Vendor] = &p
	}
	return out, nil
}

// NormalizeKey folds a source field name for alias matching: NFKC, lower
// case, and separators dropped, so "First Name", "first_name" and "firstName"
// compare equal.
func NormalizeKey(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
