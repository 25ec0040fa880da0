package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// RowErrorField is set on payloads of CSV rows that could not be read
// cleanly. The mapper rejects such records during transform.
const RowErrorField = "_row_error"

// CSVEntities are the file names, without extension, of a CSV export.
var CSVEntities = []string{"patients", "appointments", "charts", "invoices"}

// CSVAdapter reads one "<entity>.csv" file per source entity from
// Credentials.Directory. Missing files are treated as empty entities.
type CSVAdapter struct {
	entities []string
	pageSize int
	idField  string
}

func NewCSVAdapter(entities []string, pageSize int) *CSVAdapter {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &CSVAdapter{entities: entities, pageSize: pageSize, idField: "id"}
}

func (a *CSVAdapter) Vendor() Vendor     { return VendorCSV }
func (a *CSVAdapter) Entities() []string { return a.entities }

func (a *CSVAdapter) FetchPage(ctx context.Context, creds Credentials, marker string) (*Page, error) {
	if creds.Directory == "" {
		return nil, errors.New("csv upload directory is required")
	}
	if len(a.entities) == 0 {
		return &Page{Marker: marker, Done: true}, nil
	}
	pos, err := parseMarker(marker, len(a.entities))
	if err != nil {
		return nil, err
	}
	from, err := parseCSVCursor(pos.cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarker, marker)
	}

	entity := a.entities[pos.entity]
	page := &Page{Marker: marker}
	rows, next, exhausted, err := a.readRows(ctx, filepath.Join(creds.Directory, entity+".csv"), entity, from)
	if err != nil {
		return nil, err
	}
	page.Records = rows
	if exhausted {
		advance(page, pos, len(a.entities))
	} else {
		page.NextMarker = position{entity: pos.entity, cursor: next.String()}.String()
	}
	return page, nil
}

// csvCursor is where the next page of a file starts: the number of data rows
// already read and the byte offset just past the last of them.
type csvCursor struct {
	row    int
	offset int64
}

func (c csvCursor) String() string {
	return strconv.Itoa(c.row) + "/" + strconv.FormatInt(c.offset, 10)
}

func parseCSVCursor(s string) (csvCursor, error) {
	if s == "" {
		return csvCursor{}, nil
	}
	row, off, ok := strings.Cut(s, "/")
	if !ok {
		return csvCursor{}, fmt.Errorf("cursor %q has no offset", s)
	}
	n, err := strconv.Atoi(row)
	if err != nil || n < 0 {
		return csvCursor{}, fmt.Errorf("bad row in cursor %q", s)
	}
	o, err := strconv.ParseInt(off, 10, 64)
	if err != nil || o < 0 {
		return csvCursor{}, fmt.Errorf("bad offset in cursor %q", s)
	}
	return csvCursor{row: n, offset: o}, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// readRows returns up to pageSize data rows starting at from, and the cursor
// after the last returned row. The header is always read from the top; the
// rows are read after seeking to from.offset. exhausted reports that the
// file has no rows beyond the returned ones.
func (a *CSVAdapter) readRows(ctx context.Context, path, entity string, from csvCursor) ([]RawRecord, csvCursor, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, from, true, nil
	}
	if err != nil {
		return nil, from, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	base, err := bomLength(f)
	if err != nil {
		return nil, from, false, fmt.Errorf("read %s: %w", path, err)
	}
	r := newCSVReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, from, true, nil
	}
	if err != nil {
		return nil, from, false, fmt.Errorf("read header of %s: %w", path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if from.offset > 0 {
		if _, err := f.Seek(from.offset, io.SeekStart); err != nil {
			return nil, from, false, fmt.Errorf("seek %s: %w", path, err)
		}
		r, base = newCSVReader(f), from.offset
	}

	var out []RawRecord
	next := from
	row := from.row
	for {
		if row%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, from, false, err
			}
		}
		cols, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, next, true, nil
		}
		if len(out) == a.pageSize {
			return out, next, false, nil
		}
		row++

		fields := make(map[string]interface{}, len(header)+1)
		var parseErr *csv.ParseError
		switch {
		case errors.As(err, &parseErr):
			fields[RowErrorField] = parseErr.Error()
		case err != nil:
			return nil, from, false, fmt.Errorf("read %s: %w", path, err)
		case len(cols) != len(header):
			fields[RowErrorField] = fmt.Sprintf("row %d: expected %d columns, got %d", row, len(header), len(cols))
		}
		for i, name := range header {
			if i < len(cols) && name != "" {
				fields[name] = cols[i]
			}
		}

		id := sourceID(fields, a.idField)
		if id == "" {
			id = entity + "-row-" + strconv.Itoa(row)
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, from, false, fmt.Errorf("encode row %d of %s: %w", row, path, err)
		}
		out = append(out, RawRecord{SourceEntityType: entity, SourceID: id, Payload: payload})
		next = csvCursor{row: row, offset: base + r.InputOffset()}
	}
}

// bomLength skips a UTF-8 byte order mark and reports its length, leaving f
// positioned at the first byte of content.
func bomLength(f *os.File) (int64, error) {
	buf := make([]byte, len(utf8BOM))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	if n == len(utf8BOM) && bytes.Equal(buf, utf8BOM) {
		return int64(n), nil
	}
	_, err = f.Seek(0, io.SeekStart)
	return 0, err
}
