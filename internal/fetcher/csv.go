package fetcher

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one data row keyed by header name. Err is set instead of Fields
// when the row could not be parsed; the stream continues past it.
type Row struct {
	Line   int
	Fields map[string]string
	Err    error
}

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	// StrictWidth reports rows whose width differs from the header as row
	// errors instead of padding or truncating them.
	StrictWidth bool
}

// HeaderKey normalizes a header cell for use as a field key: trimmed,
// lower-cased, inner whitespace collapsed to underscores.
func HeaderKey(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(h))), "_")
}

// StreamCSV reads a headed CSV document and sends each data row to a
// channel keyed by HeaderKey of its column. Malformed rows arrive as Rows
// with Err set. A fatal read error is sent on the error channel. Both
// channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(skipBOM(r))
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}
		keys := make([]string, len(header))
		for i, h := range header {
			keys[i] = HeaderKey(h)
		}

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}

			var row Row
			var parseErr *csv.ParseError
			switch {
			case errors.As(err, &parseErr):
				row.Line = parseErr.Line
				row.Err = eris.Wrapf(err, "csv: line %d", parseErr.Line)
			case err != nil:
				errCh <- eris.Wrap(err, "csv: read row")
				return
			default:
				row.Line, _ = reader.FieldPos(0)
				if opts.StrictWidth && len(record) != len(keys) {
					row.Err = eris.Errorf("csv: line %d has %d fields, header has %d", row.Line, len(record), len(keys))
				} else {
					row.Fields = zipRow(keys, record)
				}
			}

			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// zipRow pairs header keys with cell values. Blank header cells and empty
// values are skipped; extra cells beyond the header are dropped.
func zipRow(keys, cells []string) map[string]string {
	fields := make(map[string]string, len(keys))
	for i, k := range keys {
		if k == "" || i >= len(cells) {
			continue
		}
		if v := strings.TrimSpace(cells[i]); v != "" {
			fields[k] = v
		}
	}
	return fields
}

// skipBOM drops a leading UTF-8 byte order mark, common in spreadsheet exports.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}
