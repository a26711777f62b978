package ingest

import (
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/WessleyAI/tyrefit/engine/domain"
)

// RawRecord is one source row keyed by canonical column name.
type RawRecord struct {
	Line   int
	Fields map[string]string
	// Err is set when the row itself could not be parsed.
	Err error
}

// Get returns the trimmed value of a column, or "" when absent. Spreadsheet
// null markers read as empty.
func (r RawRecord) Get(col string) string {
	v := strings.TrimSpace(r.Fields[col])
	switch strings.ToLower(v) {
	case "nan", "null", "none", "n/a":
		return ""
	}
	return v
}

// Record is a validated row: one vehicle spec and the tyre offerings listed
// with it. Downstream packages only ever see Records.
type Record struct {
	Line      int
	Spec      domain.VehicleSpec
	Front     domain.TyreSpec
	Rear      domain.TyreSpec
	Offerings []domain.TyreOffering
}

// Report counts the outcome of one ingestion run.
type Report struct {
	Batches   int            `json:"batches"`
	Total     int            `json:"total"`
	Accepted  int            `json:"accepted"`
	Rejected  int            `json:"rejected"`
	Offerings int            `json:"offerings"`
	Reasons   map[string]int `json:"reasons,omitempty"`
}

func (r *Report) reject(reason string) {
	if r.Reasons == nil {
		r.Reasons = make(map[string]int)
	}
	r.Rejected++
	r.Reasons[reason]++
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("batches", r.Batches),
		slog.Int("total", r.Total),
		slog.Int("accepted", r.Accepted),
		slog.Int("rejected", r.Rejected),
		slog.Int("offerings", r.Offerings),
	}
	for _, reason := range slices.Sorted(maps.Keys(r.Reasons)) {
		attrs = append(attrs, slog.Int("rejected."+reason, r.Reasons[reason]))
	}
	return slog.GroupValue(attrs...)
}
