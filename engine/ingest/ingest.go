// Package ingest turns a flat tyre catalogue export into validated Records.
// Rows are read in bounded batches, normalized, counted, and handed to any
// number of sinks (the index builder, the training-set collector).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/fn"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
)

// Sink receives every valid record. An error from a sink aborts the run.
type Sink interface {
	Accept(rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record) error

func (f SinkFunc) Accept(rec Record) error { return f(rec) }

// Rejection is a row the normalizer refused, with the reason.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Options configures a run. All fields are optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	// Workers bounds the goroutines normalizing one batch. Zero means
	// GOMAXPROCS.
	Workers int
	// OnReject is called for every rejected row, e.g. to publish it to a
	// dead-letter subject.
	OnReject func(context.Context, Rejection)
}

// rowOutcome is one normalized row: a record, or the rejection that replaced it.
type rowOutcome struct {
	rec      Record
	rejected *Rejection
}

// batchOutcome is the result of normalizing one batch, in source order.
type batchOutcome struct {
	records    []Record
	rejections []Rejection
}

// normalizeRow never fails on a bad row; the rejection is the outcome.
var normalizeRow fn.Stage[RawRecord, rowOutcome] = func(_ context.Context, raw RawRecord) fn.Result[rowOutcome] {
	rec, err := Normalize(raw)
	if err != nil {
		rj := rejectionOf(raw, err)
		return fn.Ok(rowOutcome{rejected: &rj})
	}
	return fn.Ok(rowOutcome{rec: rec})
}

var splitOutcomes fn.Stage[[]rowOutcome, batchOutcome] = func(_ context.Context, rows []rowOutcome) fn.Result[batchOutcome] {
	out := batchOutcome{records: make([]Record, 0, len(rows))}
	for _, r := range rows {
		if r.rejected != nil {
			out.rejections = append(out.rejections, *r.rejected)
			continue
		}
		out.records = append(out.records, r.rec)
	}
	return fn.Ok(out)
}

// countBatch records the batch outcome in reg and passes it through.
func countBatch(reg *metrics.Registry) fn.Stage[batchOutcome, batchOutcome] {
	return func(_ context.Context, out batchOutcome) fn.Result[batchOutcome] {
		if reg == nil {
			return fn.Ok(out)
		}
		reg.Counter("tyrefit_ingest_records_total", "Rows accepted by the normalizer").Add(int64(len(out.records)))
		for _, rj := range out.rejections {
			reg.Counter(metrics.WithLabels("tyrefit_ingest_rejected_total", "reason", rj.Reason), "Rows rejected by the normalizer").Inc()
		}
		return fn.Ok(out)
	}
}

// normalizeStage normalizes a batch across workers goroutines, keeping row
// order, then counts it.
func normalizeStage(workers int, reg *metrics.Registry) fn.Stage[[]RawRecord, batchOutcome] {
	return fn.Then(fn.Then(fn.BatchStage(workers, normalizeRow), splitOutcomes), countBatch(reg))
}

func rejectionOf(raw RawRecord, err error) Rejection {
	reason := "row/invalid"
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		reason = verr.Reason()
	}
	return Rejection{Line: raw.Line, Reason: reason, Error: err.Error()}
}

// Run drains src, normalizing each batch and feeding valid records to the
// sinks in source order. It returns early with ctx.Err() if the context is
// cancelled between or during batches; sinks then hold a partial load and
// must not be published.
func Run(ctx context.Context, src Source, opts Options, sinks ...Sink) (Report, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	stage := fn.TracedStage("ingest.normalize", normalizeStage(workers, opts.Metrics))

	var rep Report
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("ingest: cancelled after %d batches: %w", rep.Batches, err)
		}
		rows, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rep, fmt.Errorf("ingest: batch %d: %w", rep.Batches+1, err)
		}

		out, err := stage(ctx, rows).Unwrap()
		if err != nil {
			return rep, fmt.Errorf("ingest: batch %d: %w", rep.Batches+1, err)
		}
		rep.Batches++
		rep.Total += len(rows)
		for _, rj := range out.rejections {
			rep.reject(rj.Reason)
			if opts.OnReject != nil {
				opts.OnReject(ctx, rj)
			}
		}
		for _, rec := range out.records {
			for _, s := range sinks {
				if err := s.Accept(rec); err != nil {
					return rep, fmt.Errorf("ingest: line %d: %w", rec.Line, err)
				}
			}
			rep.Accepted++
			rep.Offerings += len(rec.Offerings)
		}

		log.Info("ingest batch",
			"batch", rep.Batches,
			"rows", len(rows),
			"accepted", len(out.records),
			"rejected", len(out.rejections),
		)
	}
	log.Info("ingest complete", "report", rep, "duration", time.Since(start))
	return rep, nil
}
