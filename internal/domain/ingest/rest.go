package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehr/migration/internal/platform/httpretry"
)

// Pagination selects how a vendor API pages through an entity.
type Pagination int

const (
	// PageNumber: GET {base}/api/{entity}?page=N&per_page=M, body
	// {"data": [...], "page": N, "total_pages": T}.
	PageNumber Pagination = iota
	// Cursor: GET {base}/v2/{entity}?cursor=C&limit=M, body
	// {"data": [...], "next_cursor": "..."}; an empty next_cursor ends the entity.
	Cursor
)

// ErrVendorStatus wraps non-2xx responses from a vendor API.
var ErrVendorStatus = errors.New("vendor API returned an error status")

// RESTAdapter pulls source entities from a vendor HTTP API.
type RESTAdapter struct {
	vendor     Vendor
	pagination Pagination
	entities   []string
	pageSize   int
	idField    string
	baseURL    string
	doer       httpretry.Doer
}

type RESTOption func(*RESTAdapter)

// WithBaseURL sets the default API base; Credentials.BaseURL overrides it.
func WithBaseURL(u string) RESTOption { return func(a *RESTAdapter) { a.baseURL = u } }

func WithPageSize(n int) RESTOption {
	return func(a *RESTAdapter) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// WithIDField names the payload field holding the vendor's record id.
func WithIDField(f string) RESTOption {
	return func(a *RESTAdapter) {
		if f != "" {
			a.idField = f
		}
	}
}

// VendorAEntities and VendorBEntities are the source entity names, in ingest
// order, exposed by each vendor API.
var (
	VendorAEntities = []string{"patients", "appointments", "charts", "invoices"}
	VendorBEntities = []string{"clients", "bookings", "treatment_notes", "bills"}
)

func NewVendorAAdapter(doer httpretry.Doer, opts ...RESTOption) *RESTAdapter {
	return newRESTAdapter(VendorA, PageNumber, VendorAEntities, doer, opts...)
}

func NewVendorBAdapter(doer httpretry.Doer, opts ...RESTOption) *RESTAdapter {
	return newRESTAdapter(VendorB, Cursor, VendorBEntities, doer, opts...)
}

func newRESTAdapter(v Vendor, p Pagination, entities []string, doer httpretry.Doer, opts ...RESTOption) *RESTAdapter {
	a := &RESTAdapter{
		vendor:     v,
		pagination: p,
		entities:   entities,
		pageSize:   100,
		idField:    "id",
		doer:       doer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *RESTAdapter) Vendor() Vendor     { return a.vendor }
func (a *RESTAdapter) Entities() []string { return a.entities }

type restResponse struct {
	Data       []json.RawMessage `json:"data"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
	NextCursor string            `json:"next_cursor"`
}

func (a *RESTAdapter) FetchPage(ctx context.Context, creds Credentials, marker string) (*Page, error) {
	pos, err := parseMarker(marker, len(a.entities))
	if err != nil {
		return nil, err
	}
	base := creds.BaseURL
	if base == "" {
		base = a.baseURL
	}
	if base == "" {
		return nil, fmt.Errorf("%s: base URL is required", a.vendor)
	}

	entity := a.entities[pos.entity]
	reqURL, pageNum, err := a.pageURL(base, entity, pos.cursor)
	if err != nil {
		return nil, err
	}

	body, err := a.get(ctx, reqURL, creds.APIToken)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", a.vendor, entity, err)
	}

	var resp restResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s %s: decode response: %w", a.vendor, entity, err)
	}

	page := &Page{Marker: marker, Records: make([]RawRecord, 0, len(resp.Data))}
	for i, raw := range resp.Data {
		var fields map[string]interface{}
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		id := ""
		if err := d.Decode(&fields); err == nil {
			id = sourceID(fields, a.idField)
		}
		if id == "" {
			id = fmt.Sprintf("%s-%s-%d", entity, pos.cursor, i)
		}
		page.Records = append(page.Records, RawRecord{SourceEntityType: entity, SourceID: id, Payload: raw})
	}

	switch a.pagination {
	case PageNumber:
		if len(resp.Data) == 0 || pageNum >= resp.TotalPages {
			advance(page, pos, len(a.entities))
		} else {
			page.NextMarker = position{entity: pos.entity, cursor: strconv.Itoa(pageNum + 1)}.String()
		}
	case Cursor:
		if resp.NextCursor == "" {
			advance(page, pos, len(a.entities))
		} else {
			page.NextMarker = position{entity: pos.entity, cursor: resp.NextCursor}.String()
		}
	}
	return page, nil
}

func (a *RESTAdapter) pageURL(base, entity, cursor string) (string, int, error) {
	base = strings.TrimRight(base, "/")
	q := url.Values{}
	switch a.pagination {
	case PageNumber:
		pageNum := 1
		if cursor != "" {
			n, err := strconv.Atoi(cursor)
			if err != nil || n < 1 {
				return "", 0, fmt.Errorf("%w: page %q", ErrInvalidMarker, cursor)
			}
			pageNum = n
		}
		q.Set("page", strconv.Itoa(pageNum))
		q.Set("per_page", strconv.Itoa(a.pageSize))
		return base + "/api/" + url.PathEscape(entity) + "?" + q.Encode(), pageNum, nil
	default:
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		q.Set("limit", strconv.Itoa(a.pageSize))
		return base + "/v2/" + url.PathEscape(entity) + "?" + q.Encode(), 0, nil
	}
}

func (a *RESTAdapter) get(ctx context.Context, reqURL, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("%w: %d %s", ErrVendorStatus, resp.StatusCode, snippet)
	}
	return body, nil
}
