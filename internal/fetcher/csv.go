// Package fetcher streams rows out of the tabular input files.
package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter rune // default ','
	HasHeader bool // if true, the first row is skipped
	TrimSpace bool
	// Limit stops reading after this many data rows (0 = unlimited).
	Limit int
}

// Row is one parsed CSV record with its 1-based line number, so malformed
// rows can be reported with their position.
type Row struct {
	Line   int
	Fields []string
}

// StreamCSV reads CSV records from r and sends them to the returned channel.
// The caller must drain the row channel; both channels are closed when the
// stream ends. Parse errors end the stream via the error channel.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.FieldsPerRecord = -1 // allow variable fields; loader validates

		line := 0
		sent := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			line++

			if line == 1 && opts.HasHeader {
				continue
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- Row{Line: line, Fields: record}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			sent++
			if opts.Limit > 0 && sent >= opts.Limit {
				return
			}
		}
	}()

	return rowCh, errCh
}

// StreamCSVFile opens path and streams it like StreamCSV. The file is closed
// when the stream ends.
func StreamCSVFile(ctx context.Context, path string, opts CSVOptions) (<-chan Row, <-chan error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "csv: open %s", path)
	}

	rowCh, innerErr := StreamCSV(ctx, f, opts)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer f.Close()
		if err := <-innerErr; err != nil {
			errCh <- err
		}
	}()
	return rowCh, errCh, nil
}
