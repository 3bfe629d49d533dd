// Package scheduler drives sync cycles over every configured source.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rowbus/internal/engine"
	"rowbus/internal/metrics"
	"rowbus/internal/model"
	"rowbus/internal/source"
)

// Syncer is the per-source pass run by the scheduler.
type Syncer interface {
	SyncSource(ctx context.Context, fetcher source.Fetcher, src model.Source) engine.Result
}

// Bus is connected before every cycle; Connect must be cheap when already connected.
type Bus interface {
	Connect(ctx context.Context) error
}

type Options struct {
	Interval time.Duration
	// Parallel runs each source on its own goroutine and connection.
	Parallel bool
	// Bus, when set, must be reachable for a cycle to run.
	Bus Bus
}

// Scheduler runs a cycle over all sources, then idles until the next one.
// A failing or panicking source never affects the others.
type Scheduler struct {
	connector source.Connector
	syncer    Syncer
	sources   []model.Source
	opts      Options
	stats     *metrics.Stats
	logger    *zap.Logger

	promMetrics *metrics.Metrics

	mu        sync.Mutex
	lastCycle time.Time
}

func New(connector source.Connector, syncer Syncer, sources []model.Source, opts Options, stats *metrics.Stats, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = metrics.NewStats()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Scheduler{
		connector:   connector,
		syncer:      syncer,
		sources:     sources,
		opts:        opts,
		stats:       stats,
		logger:      logger,
		promMetrics: metrics.GlobalMetrics,
	}
}

// Run loops until ctx is cancelled. The stop signal is observed between cycles
// and, inside a cycle, between rows.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		zap.Int("sources", len(s.sources)),
		zap.Duration("interval", s.opts.Interval),
		zap.Bool("parallel", s.opts.Parallel))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}
		s.RunOnce(ctx)
		timer.Reset(s.opts.Interval)
	}
}

// RunOnce performs a single cycle and returns the per-source results in source order.
func (s *Scheduler) RunOnce(ctx context.Context) []engine.Result {
	start := time.Now()
	var results []engine.Result
	if err := s.connectBus(ctx); err != nil {
		results = s.failAll(err)
	} else if s.opts.Parallel {
		results = s.runParallel(ctx)
	} else {
		results = s.runSequential(ctx)
	}

	elapsed := time.Since(start)
	s.promMetrics.Cycles.Inc()
	s.promMetrics.CycleDuration.Observe(elapsed.Seconds())
	s.stats.Cycles.Inc()
	s.stats.LastCycleUnix.Set(time.Now().Unix())
	s.mu.Lock()
	s.lastCycle = time.Now()
	s.mu.Unlock()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info("cycle complete", zap.Duration("elapsed", elapsed), zap.Int("sources", len(results)), zap.Int("failed", failed))
	return results
}

// LastCycle returns when the most recent cycle finished; zero before the first.
func (s *Scheduler) LastCycle() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// Interval is the configured idle time between cycles.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

func (s *Scheduler) runSequential(ctx context.Context) []engine.Result {
	results := make([]engine.Result, len(s.sources))
	conn, err := s.connect(ctx)
	if err != nil {
		return s.failAll(err)
	}
	defer s.closeConn(conn)

	for i, src := range s.sources {
		if ctx.Err() != nil {
			results[i] = engine.Result{Source: src.Name, Stopped: true}
			continue
		}
		results[i] = s.syncIsolated(ctx, conn, src)
	}
	return results
}

func (s *Scheduler) runParallel(ctx context.Context) []engine.Result {
	results := make([]engine.Result, len(s.sources))
	var g errgroup.Group
	for i, src := range s.sources {
		i, src := i, src
		g.Go(func() error {
			conn, err := s.connect(ctx)
			if err != nil {
				results[i] = engine.Result{Source: src.Name, Err: err}
				return nil
			}
			defer s.closeConn(conn)
			results[i] = s.syncIsolated(ctx, conn, src)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) failAll(err error) []engine.Result {
	results := make([]engine.Result, len(s.sources))
	for i, src := range s.sources {
		results[i] = engine.Result{Source: src.Name, Err: err}
	}
	return results
}

func (s *Scheduler) connectBus(ctx context.Context) error {
	if s.opts.Bus == nil {
		return nil
	}
	if err := s.opts.Bus.Connect(ctx); err != nil {
		var connErr *model.ConnectionError
		if !errors.As(err, &connErr) {
			err = &model.ConnectionError{Target: "bus", Err: err}
		}
		s.promMetrics.ConnectionErrors.Inc()
		s.logger.Error("bus connection failed, skipping cycle", zap.Error(err))
		return err
	}
	return nil
}

func (s *Scheduler) connect(ctx context.Context) (source.Conn, error) {
	conn, err := s.connector.Connect(ctx)
	if err != nil {
		var connErr *model.ConnectionError
		if !errors.As(err, &connErr) {
			err = &model.ConnectionError{Target: "database", Err: err}
		}
		s.promMetrics.ConnectionErrors.Inc()
		s.logger.Error("database connection failed, skipping sources this cycle", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

func (s *Scheduler) closeConn(conn source.Conn) {
	// Close even when the cycle was cancelled.
	if err := conn.Close(context.Background()); err != nil {
		s.logger.Warn("close database connection", zap.Error(err))
	}
}

// syncIsolated runs one source and turns a panic into an error result.
func (s *Scheduler) syncIsolated(ctx context.Context, fetcher source.Fetcher, src model.Source) (res engine.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.promMetrics.SourcePanics.WithLabelValues(src.Name).Inc()
			s.logger.Error("source panicked", zap.String("source", src.Name), zap.Any("panic", r), zap.Stack("stack"))
			res = engine.Result{Source: src.Name, Err: fmt.Errorf("source %s panicked: %v", src.Name, r)}
		}
	}()
	return s.syncer.SyncSource(ctx, fetcher, src)
}
