package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// delimiterCandidates are separators whose presence inside a lone header field means
// the file was not split into columns.
const delimiterCandidates = ",;\t|"

// utf8BOM is stripped from the first header field.
const utf8BOM = "\ufeff"

// timestampLayouts are tried in order when parsing an optional timestamp column.
// Layouts without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type (
	// rawRow is one unvalidated CSV data row. malformed is set when the record could not
	// be tokenized; the row is then rejected on its own.
	rawRow struct {
		num       int
		fields    []string
		malformed error
	}

	// csvSource reads data rows one at a time behind a normalized header index.
	csvSource struct {
		reader *csv.Reader
		index  map[string]int
		rows   int
	}
)

// newCSVSource reads and normalizes the header. Any failure here is structural.
func newCSVSource(r io.Reader) (*csvSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", ErrCSVFormat)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: unreadable header: %w", ErrCSVFormat, err)
	}

	if len(header) == 1 && strings.ContainsAny(header[0], delimiterCandidates) {
		return nil, fmt.Errorf("%w: header %q was not split into columns", ErrCSVFormat, header[0])
	}

	index := make(map[string]int, len(header))

	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}

		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}

		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}

	if len(index) == 0 {
		return nil, fmt.Errorf("%w: header has no column names", ErrCSVFormat)
	}

	return &csvSource{reader: reader, index: index}, nil
}

// next returns the next data row or io.EOF. A record that cannot be tokenized comes back
// as a malformed row; only a failure of the underlying reader aborts the stream.
func (s *csvSource) next() (rawRow, error) {
	fields, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return rawRow{}, io.EOF
	}

	var parseErr *csv.ParseError
	if err != nil && !errors.As(err, &parseErr) {
		return rawRow{}, fmt.Errorf("%w: after row %d: %w", ErrCSVFormat, s.rows, err)
	}

	s.rows++

	if parseErr != nil {
		return rawRow{num: s.rows, malformed: parseErr.Err}, nil
	}

	return rawRow{num: s.rows, fields: fields}, nil
}

// value returns the trimmed value of a named column and whether it is present and non-empty.
func (s *csvSource) value(row rawRow, column string) (string, bool) {
	i, ok := s.index[column]
	if !ok || i >= len(row.fields) {
		return "", false
	}

	v := strings.TrimSpace(row.fields[i])

	return v, v != ""
}

// required returns the values of the named columns in order, plus the comma-joined names
// of those that are absent or empty.
func (s *csvSource) required(row rawRow, columns ...string) ([]string, string) {
	values := make([]string, len(columns))
	missing := make([]string, 0, len(columns))

	for i, column := range columns {
		v, ok := s.value(row, column)
		if !ok {
			missing = append(missing, column)

			continue
		}

		values[i] = v
	}

	return values, strings.Join(missing, ", ")
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
