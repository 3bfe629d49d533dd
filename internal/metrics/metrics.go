package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Counter is a lightweight counter abstraction.
type Counter struct {
	val  uint64
	desc string
}

func NewCounter(desc string) *Counter {
	return &Counter{desc: desc}
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.val, 1)
}

func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.val, n)
}

func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.val)
}

func (c *Counter) Name() string { return c.desc }

// Gauge tracks an int64 value atomically (e.g., last cycle time).
type Gauge struct {
	val  int64
	desc string
}

func NewGauge(desc string) *Gauge {
	return &Gauge{desc: desc}
}

func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.val, v)
}

func (g *Gauge) Get() int64 {
	return atomic.LoadInt64(&g.val)
}

func (g *Gauge) Name() string { return g.desc }

// Stats holds process-local totals that the reporter logs and tests can read back.
type Stats struct {
	RowsPublished  *Counter
	PublishErrors  *Counter
	FetchErrors    *Counter
	InvalidRows    *Counter
	CheckpointErrs *Counter
	Cycles         *Counter
	LastCycleUnix  *Gauge
}

func NewStats() *Stats {
	return &Stats{
		RowsPublished:  NewCounter("rows_published"),
		PublishErrors:  NewCounter("publish_errors"),
		FetchErrors:    NewCounter("fetch_errors"),
		InvalidRows:    NewCounter("invalid_rows"),
		CheckpointErrs: NewCounter("checkpoint_errors"),
		Cycles:         NewCounter("cycles"),
		LastCycleUnix:  NewGauge("last_cycle_unix"),
	}
}

// Counters returns every counter in Stats, in a stable order.
func (s *Stats) Counters() []*Counter {
	return []*Counter{s.RowsPublished, s.PublishErrors, s.FetchErrors, s.InvalidRows, s.CheckpointErrs, s.Cycles}
}

// Gauges returns every gauge in Stats.
func (s *Stats) Gauges() []*Gauge {
	return []*Gauge{s.LastCycleUnix}
}

// Reporter periodically logs metrics values.
type Reporter struct {
	interval time.Duration
	counters []*Counter
	gauges   []*Gauge
	logger   *zap.Logger
}

func NewReporter(interval time.Duration, counters []*Counter, gauges []*Gauge, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{interval: interval, counters: counters, gauges: gauges, logger: logger}
}

func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	t := time.NewTicker(r.interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.report()
			}
		}
	}()
}

func (r *Reporter) report() {
	fields := make([]zap.Field, 0, len(r.counters)+len(r.gauges))
	for _, c := range r.counters {
		fields = append(fields, zap.Uint64(c.desc, c.Value()))
	}
	for _, g := range r.gauges {
		fields = append(fields, zap.Int64(g.desc, g.Get()))
	}
	r.logger.Info("sync stats", fields...)
}
