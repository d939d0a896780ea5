// Package pipeline implements the in-process row pipeline backing job
// execution: required-field validation, strict-mode checks, null
// handling, dedupe, and numeric aggregation over a submitted payload.
//
// The payload arrives as opaque JSON, so the walk is defensive: shape
// mismatches count rows as invalid instead of failing the run.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/srirohitha/job-queue/internal/adapter/observability"
	"github.com/srirohitha/job-queue/internal/domain"
	"github.com/srirohitha/job-queue/pkg/rowx"
)

const (
	// progressProcessing and progressFinalizing are the two stage
	// checkpoints reported to the engine around the row walk.
	progressProcessing = 20
	progressFinalizing = 90

	// outputDataCap bounds how many valid rows echo back in the result.
	outputDataCap = 50

	// ctxCheckEvery is the row-walk cadence for cancellation checks.
	ctxCheckEvery = 1024
)

// Processor implements domain.RowPipeline in-process.
type Processor struct{}

// New constructs a Processor.
func New() *Processor { return &Processor{} }

// Run validates and aggregates the payload rows, reporting the two
// stage checkpoints through report when it is non-nil. A report error
// aborts the run: the engine refused the update, so the job is no
// longer ours.
func (p *Processor) Run(ctx context.Context, payload domain.InputPayload, report domain.ProgressFn) (map[string]any, error) {
	rows := payload.Rows()
	cfg := ParseConfig(payload.Config())
	total := len(rows)

	if report != nil {
		if err := report(ctx, progressProcessing, total*progressProcessing/100, domain.StageProcessing); err != nil {
			return nil, fmt.Errorf("report processing: %w", err)
		}
	}

	sum, err := processRows(ctx, rows, cfg)
	if err != nil {
		return nil, err
	}
	observability.PipelineRowsProcessed.Observe(float64(total))

	if report != nil {
		if err := report(ctx, progressFinalizing, total*progressFinalizing/100, domain.StageFinalizing); err != nil {
			return nil, fmt.Errorf("report finalizing: %w", err)
		}
	}

	out := map[string]any{
		"totalProcessed":    total,
		"totalValid":        len(sum.valid),
		"totalInvalid":      sum.invalid,
		"duplicatesRemoved": sum.duplicates,
		"nullsDropped":      sum.nullsDropped,
	}
	if cfg.NumericField != "" {
		if stats := numericStats(sum.valid, cfg.NumericField); stats != nil {
			out["numericStats"] = stats
		}
	}
	if len(sum.valid) > 0 {
		out["outputData"] = sum.valid[:min(len(sum.valid), outputDataCap)]
	}
	return out, nil
}

type rowSummary struct {
	valid        []map[string]any
	invalid      int
	duplicates   int
	nullsDropped int
}

// processRows applies the validation order the output contract relies
// on: shape, missing required keys, null required values, strict extra
// keys, whole-row null scan, then dedupe. Duplicates are removed but
// never counted invalid.
func processRows(ctx context.Context, rows []any, cfg Config) (rowSummary, error) {
	requiredSet := make(map[string]struct{}, len(cfg.RequiredFields))
	for _, f := range cfg.RequiredFields {
		requiredSet[f] = struct{}{}
	}
	seen := make(map[string]struct{})

	var sum rowSummary
	for i, raw := range rows {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
		}
		row, ok := raw.(map[string]any)
		if !ok {
			sum.invalid++
			continue
		}

		if len(cfg.RequiredFields) > 0 {
			if missingRequired(row, cfg.RequiredFields) {
				sum.invalid++
				continue
			}
			if nullRequired(row, cfg.RequiredFields) {
				if cfg.DropNulls {
					sum.nullsDropped++
				}
				sum.invalid++
				continue
			}
		}

		if cfg.StrictMode && len(requiredSet) > 0 && hasExtraKeys(row, requiredSet) {
			sum.invalid++
			continue
		}

		if cfg.DropNulls && anyNull(row) {
			sum.nullsDropped++
			sum.invalid++
			continue
		}

		if len(cfg.DedupeOn) > 0 {
			key := dedupeKey(row, cfg.DedupeOn)
			if _, dup := seen[key]; dup {
				sum.duplicates++
				continue
			}
			seen[key] = struct{}{}
		}

		sum.valid = append(sum.valid, row)
	}
	return sum, nil
}

func missingRequired(row map[string]any, required []string) bool {
	for _, f := range required {
		if _, ok := row[f]; !ok {
			return true
		}
	}
	return false
}

func nullRequired(row map[string]any, required []string) bool {
	for _, f := range required {
		if rowx.IsNull(row[f]) {
			return true
		}
	}
	return false
}

func hasExtraKeys(row map[string]any, allowed map[string]struct{}) bool {
	for k := range row {
		if _, ok := allowed[k]; !ok {
			return true
		}
	}
	return false
}

func anyNull(row map[string]any) bool {
	for _, v := range row {
		if rowx.IsNull(v) {
			return true
		}
	}
	return false
}

// dedupeKey joins the stringified key fields with a unit separator.
// Absent fields render "" while explicit nulls render "null", keeping
// the two distinct.
func dedupeKey(row map[string]any, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		if v, ok := row[f]; ok {
			parts[i] = rowx.Stringify(v)
		}
	}
	return strings.Join(parts, "\x1f")
}

// numericStats aggregates the numeric field over valid rows, or nil
// when no row carries a usable number.
func numericStats(rows []map[string]any, field string) map[string]any {
	var (
		n      int
		sum    float64
		lo, hi float64
	)
	for _, row := range rows {
		f, ok := rowx.Float(row[field])
		if !ok {
			continue
		}
		if n == 0 {
			lo, hi = f, f
		} else {
			if f < lo {
				lo = f
			}
			if f > hi {
				hi = f
			}
		}
		sum += f
		n++
	}
	if n == 0 {
		return nil
	}
	return map[string]any{
		"field": field,
		"sum":   sum,
		"avg":   sum / float64(n),
		"min":   lo,
		"max":   hi,
	}
}
