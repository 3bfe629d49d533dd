package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rowbus/internal/checkpoint"
	"rowbus/internal/metrics"
	"rowbus/internal/model"
	"rowbus/internal/normalizer"
	"rowbus/internal/publisher"
	"rowbus/internal/source"
)

// InvalidRowPolicy decides what happens to a row that cannot be normalized.
type InvalidRowPolicy string

const (
	// PolicyHalt stops the source at the invalid row, like a failed publish.
	PolicyHalt InvalidRowPolicy = "halt"
	// PolicySkip logs and counts the row, then moves on.
	PolicySkip InvalidRowPolicy = "skip"
)

// ParseInvalidRowPolicy accepts "halt" or "skip"; empty means halt.
func ParseInvalidRowPolicy(s string) (InvalidRowPolicy, error) {
	switch InvalidRowPolicy(s) {
	case "", PolicyHalt:
		return PolicyHalt, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown invalid row policy %q (want halt or skip)", s)
	}
}

type Options struct {
	Channel          string
	PublishRetries   int
	InvalidRowPolicy InvalidRowPolicy
}

// Engine runs one synchronization pass for a source: fetch rows past the
// watermark, publish them in order and advance the watermark after each ack.
type Engine struct {
	publisher    publisher.Publisher
	checkpointer *checkpoint.Manager
	opts         Options
	stats        *metrics.Stats
	logger       *zap.Logger
	promMetrics  *metrics.Metrics
}

func NewEngine(pub publisher.Publisher, checkpointer *checkpoint.Manager, opts Options, stats *metrics.Stats, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = metrics.NewStats()
	}
	if opts.InvalidRowPolicy == "" {
		opts.InvalidRowPolicy = PolicyHalt
	}
	return &Engine{
		publisher:    pub,
		checkpointer: checkpointer,
		opts:         opts,
		stats:        stats,
		logger:       logger,
		promMetrics:  metrics.GlobalMetrics,
	}
}

// Result summarizes one SyncSource call.
type Result struct {
	Source    string
	Fetched   int
	Published int
	Skipped   int
	// Watermark is the source watermark after the pass; zero when none exists.
	Watermark time.Time
	// Stopped is set when the stop signal ended the pass between rows.
	Stopped bool
	// CheckpointErrs counts advances that were kept in memory only.
	CheckpointErrs int
	// Err is a *model.FetchError, *model.PublishError or *model.NormalizationError.
	Err error
}

// SyncSource publishes every row of src that is newer than its watermark.
// It never returns early with a gap: a failed row leaves the watermark before it.
// Cancellation of ctx is honoured between rows only.
func (e *Engine) SyncSource(ctx context.Context, fetcher source.Fetcher, src model.Source) Result {
	res := Result{Source: src.Name}
	log := e.logger.With(zap.String("source", src.Name))

	var since *time.Time
	if wm, ok := e.checkpointer.Get(ctx, src.Name); ok {
		since = &wm
		res.Watermark = wm
	}

	rows, err := fetcher.Fetch(ctx, src, since)
	if err != nil {
		res.Err = &model.FetchError{Source: src.Name, Err: err}
		e.stats.FetchErrors.Inc()
		e.promMetrics.FetchErrors.WithLabelValues(src.Name).Inc()
		log.Error("fetch failed", zap.Error(res.Err))
		return res
	}
	res.Fetched = len(rows)
	e.promMetrics.RowsFetched.WithLabelValues(src.Name).Add(float64(len(rows)))
	log.Info("fetched rows", zap.Int("rows", len(rows)), zap.String("since", formatSince(since)))
	if len(rows) == 0 {
		return res
	}

	eventTimes := make([]eventTime, len(rows))
	for i, row := range rows {
		t, err := normalizer.EventTime(row.Columns, src.EventTimeColumn)
		eventTimes[i] = eventTime{t: t, err: err}
	}

	// Publishing and persisting are never interrupted once started.
	ioCtx := context.WithoutCancel(ctx)

	for i, row := range rows {
		if ctx.Err() != nil {
			res.Stopped = true
			log.Info("stop requested, leaving source", zap.Int("remaining", len(rows)-i))
			return res
		}

		payload, normErr := e.encode(src, row, eventTimes[i])
		if normErr != nil {
			e.stats.InvalidRows.Inc()
			e.promMetrics.NormalizationErrors.WithLabelValues(src.Name).Inc()
			if e.opts.InvalidRowPolicy != PolicySkip {
				res.Err = normErr
				log.Error("row cannot be normalized, halting source", zap.Int("row", i), zap.Error(normErr))
				return res
			}
			res.Skipped++
			e.promMetrics.SkippedRows.WithLabelValues(src.Name).Inc()
			log.Warn("skipping row that cannot be normalized", zap.Int("row", i), zap.Error(normErr))
		} else {
			if err := e.publisher.PublishWithRetries(ioCtx, e.opts.Channel, payload, true, e.opts.PublishRetries); err != nil {
				res.Err = &model.PublishError{Source: src.Name, Channel: e.opts.Channel, Err: err}
				e.stats.PublishErrors.Inc()
				e.promMetrics.PublishFailures.WithLabelValues(src.Name).Inc()
				log.Error("publish failed, source halted until next cycle",
					zap.Int("row", i),
					zap.String("watermark", formatSince(since)),
					zap.Error(res.Err))
				return res
			}
			res.Published++
			e.stats.RowsPublished.Inc()
			e.promMetrics.RowsPublished.WithLabelValues(src.Name).Inc()
		}

		if !settled(eventTimes, i) {
			continue
		}
		t := eventTimes[i].t
		if err := e.checkpointer.Advance(ioCtx, src.Name, t); err != nil {
			res.CheckpointErrs++
			e.stats.CheckpointErrs.Inc()
		}
		res.Watermark = t
		since = &t
	}
	log.Info("source synced",
		zap.Int("rows", res.Published),
		zap.Int("skipped", res.Skipped),
		zap.String("watermark", model.FormatWatermark(res.Watermark)))
	return res
}

type eventTime struct {
	t   time.Time
	err error
}

// settled reports whether the watermark may move to the event-time of row i:
// every row sharing its second must already be handled.
func settled(times []eventTime, i int) bool {
	if times[i].err != nil {
		return false
	}
	for j := i + 1; j < len(times); j++ {
		if times[j].err != nil {
			continue
		}
		return times[j].t.After(times[i].t)
	}
	return true
}

// encode builds the bus payload for a row. Every failure is a NormalizationError.
func (e *Engine) encode(src model.Source, raw model.RawRow, et eventTime) ([]byte, error) {
	if et.err != nil {
		return nil, &model.NormalizationError{Source: src.Name, Column: src.EventTimeColumn, Err: et.err}
	}
	row, err := normalizer.Normalize(src.Name, raw.Columns)
	if err != nil {
		var normErr *model.NormalizationError
		if errors.As(err, &normErr) {
			return nil, normErr
		}
		return nil, &model.NormalizationError{Source: src.Name, Err: err}
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, &model.NormalizationError{Source: src.Name, Err: err}
	}
	return payload, nil
}

func formatSince(since *time.Time) string {
	if since == nil {
		return "beginning"
	}
	return model.FormatWatermark(*since)
}
