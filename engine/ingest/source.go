package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/WessleyAI/tyrefit/engine/domain"
)

// DefaultBatchSize caps how many rows are held in memory at once.
const DefaultBatchSize = 10000

// Source yields raw rows in bounded batches. Next returns io.EOF once the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) ([]RawRecord, error)
}

// CSVSource streams a CSV file with a header row.
type CSVSource struct {
	r         *csv.Reader
	name      string
	columns   []string // canonical column name per position, "" if unknown
	batchSize int
	line      int
	done      bool
}

// NewCSVSource reads the header of r and checks that every required column
// is present. A missing column is a *domain.SchemaError.
func NewCSVSource(r io.Reader, name string, batchSize int) (*CSVSource, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.SchemaError{Source: name, Missing: RequiredColumns, Detail: "empty input"}
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read header of %s: %w", name, err)
	}

	known := make(map[string]string, len(KnownColumns))
	for _, c := range KnownColumns {
		known[domain.FoldText(c)] = c
	}
	present := make(map[string]bool, len(header))
	columns := make([]string, len(header))
	for i, h := range header {
		if c, ok := known[domain.FoldText(trimBOM(h))]; ok {
			columns[i] = c
			present[c] = true
		}
	}
	var missing []string
	for _, c := range RequiredColumns {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.SchemaError{Source: name, Missing: missing}
	}

	return &CSVSource{r: cr, name: name, columns: columns, batchSize: batchSize, line: 1}, nil
}

// Next reads up to batchSize rows. Per-row parse errors are attached to the
// row and left for the normalizer to count.
func (s *CSVSource) Next(ctx context.Context) ([]RawRecord, error) {
	if s.done {
		return nil, io.EOF
	}
	batch := make([]RawRecord, 0, min(s.batchSize, 1024))
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			s.line = perr.StartLine
			batch = append(batch, RawRecord{Line: perr.StartLine, Err: perr})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: read %s after line %d: %w", s.name, s.line, err)
		}
		s.line, _ = s.r.FieldPos(0)
		if isBlank(row) {
			continue
		}
		fields := make(map[string]string, len(row))
		for i, v := range row {
			if i < len(s.columns) && s.columns[i] != "" {
				fields[s.columns[i]] = v
			}
		}
		batch = append(batch, RawRecord{Line: s.line, Fields: fields})
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func isBlank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

func trimBOM(s string) string {
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF {
		return s[3:]
	}
	return s
}
