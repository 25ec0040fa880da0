// Package ingest pulls raw records out of source systems. Every source is an
// Adapter that yields pages of RawRecord; a page carries the marker needed to
// resume after it, so an interrupted ingest restarts from the last stored page.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Vendor string

const (
	VendorA   Vendor = "vendor_a"
	VendorB   Vendor = "vendor_b"
	VendorCSV Vendor = "csv_upload"
)

func (v Vendor) Valid() bool {
	switch v {
	case VendorA, VendorB, VendorCSV:
		return true
	}
	return false
}

var (
	ErrUnknownVendor = errors.New("unknown source vendor")
	ErrInvalidMarker = errors.New("invalid ingest marker")
)

// RawRecord is one source record as delivered by the vendor, before mapping.
type RawRecord struct {
	SourceEntityType string          `json:"sourceEntityType"`
	SourceID         string          `json:"sourceId"`
	Payload          json.RawMessage `json:"payload"`
}

// Page is one unit of ingest. Marker is the position the page was read from;
// NextMarker resumes after it. Done is set on the last page of the source.
type Page struct {
	Records    []RawRecord
	Marker     string
	NextMarker string
	Done       bool
}

// Credentials locate and authenticate against a source. The run stores only a
// reference; resolved values never leave the process.
type Credentials struct {
	APIToken  string
	BaseURL   string
	Directory string
}

type Adapter interface {
	Vendor() Vendor
	FetchPage(ctx context.Context, creds Credentials, marker string) (*Page, error)
}

// Stream fetches pages starting at marker and hands each to fn until the
// source is exhausted or fn returns an error.
func Stream(ctx context.Context, a Adapter, creds Credentials, marker string, fn func(*Page) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := a.FetchPage(ctx, creds, marker)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
		if page.Done {
			return nil
		}
		if page.NextMarker == marker {
			return fmt.Errorf("%s adapter did not advance past marker %q", a.Vendor(), marker)
		}
		marker = page.NextMarker
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type Registry struct {
	adapters map[Vendor]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Vendor]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Vendor()] = a
	}
	return r
}

func (r *Registry) Get(v Vendor) (Adapter, error) {
	a, ok := r.adapters[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, v)
	}
	return a, nil
}

// Vendors lists registered vendors in name order.
func (r *Registry) Vendors() []Vendor {
	out := make([]Vendor, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------------------------------------------------------------------------
// Markers
// ---------------------------------------------------------------------------

// position is a decoded marker: which source entity and where inside it.
type position struct {
	entity int
	cursor string
}

func (p position) String() string {
	return strconv.Itoa(p.entity) + ":" + p.cursor
}

func parseMarker(marker string, entities int) (position, error) {
	if marker == "" {
		return position{}, nil
	}
	idx, cursor, ok := strings.Cut(marker, ":")
	if !ok {
		return position{}, fmt.Errorf("%w: %q", ErrInvalidMarker, marker)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 || n >= entities {
		return position{}, fmt.Errorf("%w: %q", ErrInvalidMarker, marker)
	}
	return position{entity: n, cursor: cursor}, nil
}

// advance returns the page tail for an exhausted entity: either the start of
// the next entity or Done.
func advance(page *Page, pos position, entities int) {
	if pos.entity+1 >= entities {
		page.Done = true
		page.NextMarker = ""
		return
	}
	page.NextMarker = position{entity: pos.entity + 1}.String()
}

// sourceID reads the id field of a decoded payload.
func sourceID(fields map[string]interface{}, idField string) string {
	switch v := fields[idField].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}
