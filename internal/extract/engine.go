// Package extract turns a period's portal summary into raw documents,
// choosing per document type between per-record detail, daily aggregates
// and a single monthly aggregate.
package extract

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/portal"
	"github.com/yourorg/taxsync/pkg/types"
)

// Source is the portal data surface the engine reads.
// Each call returns the rows it could read plus the rows it could not.
type Source interface {
	Summary(ctx context.Context, p types.Period, dir types.Direction) ([]types.PeriodSummaryLine, []portal.RowError, error)
	Details(ctx context.Context, p types.Period, dir types.Direction, typeCode string) ([]types.RawDocument, []portal.RowError, error)
	DailyAggregates(ctx context.Context, p types.Period, dir types.Direction, typeCode string) ([]portal.DailyAggregate, []portal.RowError, error)
}

// IDCapturer resolves the internal id of a detailed record.
type IDCapturer interface {
	Capture(ctx context.Context, doc types.RawDocument) (string, []IDState, error)
}

// Strategy names how one summary line is extracted.
type Strategy string

const (
	StrategyDetail  Strategy = "detail"
	StrategyDaily   Strategy = "daily_aggregate"
	StrategyMonthly Strategy = "monthly_aggregate"
)

// Result is what one period and direction produced. Documents are in
// summary line order; Errors hold per-type and per-row failures that did
// not stop the rest.
type Result struct {
	Period    types.Period
	Direction types.Direction
	Lines     []types.PeriodSummaryLine
	Documents []types.RawDocument
	Errors    []*types.ExtractionError
	// Aborted is set when the summary itself could not be read.
	Aborted bool
}

// Degraded counts documents carrying a warning.
func (r *Result) Degraded() int {
	n := 0
	for _, d := range r.Documents {
		if d.Degraded() {
			n++
		}
	}
	return n
}

type Engine struct {
	cfg    config.ExtractionConfig
	ids    IDCapturer
	logger *slog.Logger
}

// New builds an engine. ids may be nil, in which case records of types that
// need an internal id are emitted degraded.
func New(cfg config.ExtractionConfig, ids IDCapturer, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, ids: ids, logger: logging.OrDiscard(logger)}
}

// ChooseStrategy decides how a summary line is extracted.
func (e *Engine) ChooseStrategy(line types.PeriodSummaryLine) Strategy {
	if line.Mode == types.DetailAvailable {
		return StrategyDetail
	}
	if e.cfg.IsHighVolume(line.TypeCode) {
		return StrategyDaily
	}
	return StrategyMonthly
}

// ExtractPeriod extracts both directions of a period, one after the other.
func (e *Engine) ExtractPeriod(ctx context.Context, src Source, p types.Period) []*Result {
	out := make([]*Result, 0, len(types.Directions))
	for _, dir := range types.Directions {
		out = append(out, e.Extract(ctx, src, p, dir))
	}
	return out
}

// Extract extracts one direction of a period. Only a summary failure aborts
// it; failures of a single type are recorded and the other types continue.
func (e *Engine) Extract(ctx context.Context, src Source, p types.Period, dir types.Direction) *Result {
	res := &Result{Period: p, Direction: dir}
	log := e.logger.With("period", p.String(), "direction", string(dir))

	lines, bad, err := src.Summary(ctx, p, dir)
	if err != nil {
		res.Aborted = true
		res.Errors = append(res.Errors, &types.ExtractionError{Period: p, Direction: dir, Op: "summary", Err: err})
		log.Error("summary failed", "error", err)
		return res
	}
	res.Lines = lines
	for _, re := range bad {
		log.Warn("summary row skipped", "row", re.Index, "error", re.Err)
		res.Errors = append(res.Errors, rowError(p, dir, "", re))
	}

	perLine := make([][]types.RawDocument, len(lines))
	var (
		mu   sync.Mutex
		errs []*types.ExtractionError
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, line := range lines {
		if line.DocumentCount == 0 && line.TotalAmount.IsZero() {
			continue
		}
		g.Go(func() error {
			docs, xerrs := e.extractLine(gctx, src, p, dir, line)
			mu.Lock()
			defer mu.Unlock()
			perLine[i] = docs
			for _, xerr := range xerrs {
				log.Warn("type extraction failed", "type", line.TypeCode, "op", xerr.Op, "folio", xerr.Folio, "error", xerr.Err)
			}
			errs = append(errs, xerrs...)
			return nil
		})
	}
	_ = g.Wait()

	for _, docs := range perLine {
		res.Documents = append(res.Documents, docs...)
	}
	sortErrors(errs)
	res.Errors = append(res.Errors, errs...)
	log.Info("direction extracted", "types", len(lines), "documents", len(res.Documents), "errors", len(res.Errors), "degraded", res.Degraded())
	return res
}

// extractLine returns the documents of one type. A failed call yields a
// single error and no documents; unreadable rows yield one error each and
// the remaining documents are kept.
func (e *Engine) extractLine(ctx context.Context, src Source, p types.Period, dir types.Direction, line types.PeriodSummaryLine) ([]types.RawDocument, []*types.ExtractionError) {
	var (
		docs []types.RawDocument
		bad  []portal.RowError
	)
	switch e.ChooseStrategy(line) {
	case StrategyDaily:
		days, rows, err := src.DailyAggregates(ctx, p, dir, line.TypeCode)
		if err != nil {
			return nil, []*types.ExtractionError{{Period: p, Direction: dir, TypeCode: line.TypeCode, Op: "daily", Err: err}}
		}
		docs, bad = dailyDocuments(line.TypeCode, days), rows
	case StrategyMonthly:
		return []types.RawDocument{monthlyDocument(p, line)}, nil
	default:
		var err error
		docs, bad, err = src.Details(ctx, p, dir, line.TypeCode)
		if err != nil {
			return nil, []*types.ExtractionError{{Period: p, Direction: dir, TypeCode: line.TypeCode, Op: "detail", Err: err}}
		}
		if e.cfg.NeedsInternalID(line.TypeCode) {
			e.captureIDs(ctx, docs)
		}
	}
	var errs []*types.ExtractionError
	for _, re := range bad {
		errs = append(errs, rowError(p, dir, line.TypeCode, re))
	}
	return docs, errs
}

func rowError(p types.Period, dir types.Direction, typeCode string, re portal.RowError) *types.ExtractionError {
	return &types.ExtractionError{Period: p, Direction: dir, TypeCode: typeCode, Folio: re.Folio, Op: "row", Err: re}
}

// captureIDs fills InternalID in place. Records whose id cannot be
// captured stay in the batch with a warning.
func (e *Engine) captureIDs(ctx context.Context, docs []types.RawDocument) {
	for i := range docs {
		if docs[i].Folio == "" {
			continue
		}
		if e.ids == nil || ctx.Err() != nil {
			docs[i].Warnings = append(docs[i].Warnings, types.WarnMissingInternalID)
			continue
		}
		id, trace, err := e.ids.Capture(ctx, docs[i])
		if err != nil {
			e.logger.Warn("internal id not captured", "folio", docs[i].Folio, "type", docs[i].TypeCode, "trace", traceString(trace), "error", err)
			docs[i].Warnings = append(docs[i].Warnings, types.WarnMissingInternalID)
			continue
		}
		docs[i].InternalID = id
	}
}

// DailyFolio is the synthetic folio of a day's aggregate: YYYYMMDD + type.
func DailyFolio(d portal.DailyAggregate, typeCode string) string {
	return d.Date.Format("20060102") + typeCode
}

// MonthlyFolio is the synthetic folio of a month's aggregate: YYYYMM + type.
func MonthlyFolio(p types.Period, typeCode string) string {
	return p.Compact() + typeCode
}

func dailyDocuments(typeCode string, days []portal.DailyAggregate) []types.RawDocument {
	out := make([]types.RawDocument, 0, len(days))
	for _, d := range days {
		if d.DocumentCount == 0 && d.TotalAmount.IsZero() {
			continue
		}
		out = append(out, types.RawDocument{
			Folio:         DailyFolio(d, typeCode),
			IssueDate:     d.Date,
			NetAmount:     d.NetAmount,
			TaxAmount:     d.TaxAmount,
			ExemptAmount:  d.ExemptAmount,
			TotalAmount:   d.TotalAmount,
			TypeCode:      typeCode,
			Kind:          types.KindDaily,
			DocumentCount: d.DocumentCount,
			RawPayload:    d.Raw,
		})
	}
	return out
}

func monthlyDocument(p types.Period, line types.PeriodSummaryLine) types.RawDocument {
	return types.RawDocument{
		Folio:         MonthlyFolio(p, line.TypeCode),
		IssueDate:     p.Start(),
		NetAmount:     line.NetAmount,
		TaxAmount:     line.TaxAmount,
		ExemptAmount:  line.ExemptAmount,
		TotalAmount:   line.TotalAmount,
		TypeCode:      line.TypeCode,
		Kind:          types.KindMonthly,
		DocumentCount: line.DocumentCount,
		Warnings:      []string{types.WarnLowFidelity},
		RawPayload:    line.Raw,
	}
}
