package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"rowbus/internal/checkpoint"
	"rowbus/internal/engine"
	"rowbus/internal/model"
	"rowbus/internal/publisher"
	"rowbus/internal/source"
)

func at(hms string) time.Time {
	t, err := model.ParseWatermark("2024-05-01 " + hms)
	if err != nil {
		panic(err)
	}
	return t
}

// fakeDB serves per-source rows; a source listed in failing returns a fetch error.
type fakeDB struct {
	mu         sync.Mutex
	rows       map[string][]time.Time
	failing    map[string]bool
	connectErr error
	opens      atomic.Int32
	closes     atomic.Int32
}

func (d *fakeDB) Connect(ctx context.Context) (source.Conn, error) {
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	d.opens.Add(1)
	return &fakeConn{db: d}, nil
}

type fakeConn struct{ db *fakeDB }

func (c *fakeConn) Fetch(ctx context.Context, src model.Source, since *time.Time) ([]model.RawRow, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failing[src.Name] {
		return nil, errors.New("invalid object name")
	}
	var out []model.RawRow
	for _, ts := range c.db.rows[src.Name] {
		if since != nil && !ts.After(*since) {
			continue
		}
		out = append(out, model.RawRow{Columns: []model.Column{{Name: "SCAN_TIME", Value: ts}}})
	}
	return out, nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.db.closes.Add(1)
	return nil
}

var sources = []model.Source{
	{Name: "A", EventTimeColumn: "SCAN_TIME"},
	{Name: "B", EventTimeColumn: "SCAN_TIME"},
	{Name: "C", EventTimeColumn: "SCAN_TIME"},
}

func newPipeline(db *fakeDB, parallel bool) (*Scheduler, *checkpoint.Manager, *publisher.NoopPublisher) {
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), zap.NewNop())
	pub := publisher.NewNoopPublisher(zap.NewNop())
	eng := engine.NewEngine(pub, mgr, engine.Options{Channel: "ucaltes"}, nil, zap.NewNop())
	return New(db, eng, sources, Options{Interval: time.Hour, Parallel: parallel}, nil, zap.NewNop()), mgr, pub
}

func TestRunOnce_FetchErrorIsIsolated(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			db := &fakeDB{
				rows: map[string][]time.Time{
					"A": {at("10:00:00")},
					"B": {at("10:00:01"), at("10:00:02")},
					"C": {at("10:00:03")},
				},
				failing: map[string]bool{"A": true},
			}
			s, mgr, pub := newPipeline(db, parallel)

			results := s.RunOnce(context.Background())
			var fetchErr *model.FetchError
			if !errors.As(results[0].Err, &fetchErr) {
				t.Fatalf("A: expected FetchError, got %v", results[0].Err)
			}
			if results[1].Err != nil || results[2].Err != nil {
				t.Fatalf("B/C should succeed: %+v", results)
			}
			ctx := context.Background()
			if _, ok := mgr.Get(ctx, "A"); ok {
				t.Fatal("A must not have a watermark")
			}
			if wm, _ := mgr.Get(ctx, "B"); !wm.Equal(at("10:00:02")) {
				t.Fatalf("B watermark = %v", wm)
			}
			if wm, _ := mgr.Get(ctx, "C"); !wm.Equal(at("10:00:03")) {
				t.Fatalf("C watermark = %v", wm)
			}
			if len(pub.Messages()) != 3 {
				t.Fatalf("published %d messages, want 3", len(pub.Messages()))
			}
			if db.opens.Load() != db.closes.Load() {
				t.Fatalf("opened %d connections, closed %d", db.opens.Load(), db.closes.Load())
			}
			if parallel && db.opens.Load() != 3 {
				t.Fatalf("parallel mode opened %d connections, want one per source", db.opens.Load())
			}
			if !parallel && db.opens.Load() != 1 {
				t.Fatalf("sequential mode opened %d connections, want 1", db.opens.Load())
			}
		})
	}
}

type panickySyncer struct {
	calls []string
}

func (p *panickySyncer) SyncSource(ctx context.Context, fetcher source.Fetcher, src model.Source) engine.Result {
	p.calls = append(p.calls, src.Name)
	if src.Name == "B" {
		panic("nil map write")
	}
	return engine.Result{Source: src.Name}
}

func TestRunOnce_PanicIsRecovered(t *testing.T) {
	db := &fakeDB{}
	syncer := &panickySyncer{}
	s := New(db, syncer, sources, Options{}, nil, zap.NewNop())

	results := s.RunOnce(context.Background())
	if results[1].Err == nil {
		t.Fatal("expected B to report the panic")
	}
	if len(syncer.calls) != 3 {
		t.Fatalf("calls = %v, want all three sources", syncer.calls)
	}
	if db.closes.Load() != 1 {
		t.Fatal("connection must be closed after a panic")
	}
	if s.LastCycle().IsZero() {
		t.Fatal("cycle should be recorded")
	}
}

func TestRunOnce_ConnectionFailureSkipsCycle(t *testing.T) {
	db := &fakeDB{connectErr: errors.New("login failed")}
	syncer := &panickySyncer{}
	s := New(db, syncer, sources, Options{}, nil, zap.NewNop())

	results := s.RunOnce(context.Background())
	for _, r := range results {
		var connErr *model.ConnectionError
		if !errors.As(r.Err, &connErr) {
			t.Fatalf("%s: expected ConnectionError, got %v", r.Source, r.Err)
		}
	}
	if len(syncer.calls) != 0 {
		t.Fatalf("no source should run without a connection: %v", syncer.calls)
	}
}

func TestRun_StopsBetweenCycles(t *testing.T) {
	db := &fakeDB{rows: map[string][]time.Time{"A": {at("10:00:00")}}}
	s, _, _ := newPipeline(db, false)
	s.opts.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for s.stats.Cycles.Value() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler did not cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if db.opens.Load() != db.closes.Load() {
		t.Fatalf("opened %d connections, closed %d", db.opens.Load(), db.closes.Load())
	}
}

func TestNew_DefaultsInterval(t *testing.T) {
	s := New(&fakeDB{}, &panickySyncer{}, nil, Options{}, nil, nil)
	if s.Interval() != 60*time.Second {
		t.Fatalf("interval = %s", s.Interval())
	}
}

type flakyBus struct{ err error }

func (b *flakyBus) Connect(context.Context) error { return b.err }

func TestRunOnce_BusUnreachableSkipsCycle(t *testing.T) {
	db := &fakeDB{rows: map[string][]time.Time{"A": {at("10:00:00")}}}
	bus := &flakyBus{err: errors.New("connection refused")}
	syncer := &panickySyncer{}
	s := New(db, syncer, sources, Options{Bus: bus}, nil, zap.NewNop())

	results := s.RunOnce(context.Background())
	var connErr *model.ConnectionError
	if !errors.As(results[0].Err, &connErr) || connErr.Target != "bus" {
		t.Fatalf("expected bus ConnectionError, got %v", results[0].Err)
	}
	if db.opens.Load() != 0 || len(syncer.calls) != 0 {
		t.Fatal("no database work without a bus")
	}

	bus.err = nil
	syncer.calls = nil
	s.RunOnce(context.Background())
	if len(syncer.calls) != 3 {
		t.Fatalf("calls after recovery = %v", syncer.calls)
	}
}
