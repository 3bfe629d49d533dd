package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rowbus/internal/checkpoint"
	"rowbus/internal/model"
)

const channel = "ucaltes"

func at(hms string) time.Time {
	t, err := model.ParseWatermark("2024-05-01 " + hms)
	if err != nil {
		panic(err)
	}
	return t
}

// fakeTable behaves like an append-only table behind the incremental query.
type fakeTable struct {
	mu       sync.Mutex
	rows     []model.RawRow
	fetchErr error
	fetches  int
}

func (f *fakeTable) add(id string, ts interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, model.RawRow{Columns: []model.Column{
		{Name: "ID", DatabaseType: "NVARCHAR", Value: id},
		{Name: "SCAN_TIME", DatabaseType: "DATETIME", Value: ts},
	}})
}

func (f *fakeTable) Fetch(ctx context.Context, src model.Source, since *time.Time) ([]model.RawRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []model.RawRow
	for _, r := range f.rows {
		ts, ok := r.Columns[1].Value.(time.Time)
		if ok && since != nil && !model.WatermarkOf(ts).After(*since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Columns[1].Value.(time.Time)
		tj, _ := out[j].Columns[1].Value.(time.Time)
		return ti.Before(tj)
	})
	return out, nil
}

// fakePublisher acknowledges publishes until failOn says otherwise.
type fakePublisher struct {
	mu      sync.Mutex
	sent    []map[string]interface{}
	retains []bool
	// failOn returns an error for the given row id.
	failOn func(id string) error
	onSend func()
}

func (p *fakePublisher) Connect(ctx context.Context) error { return nil }
func (p *fakePublisher) Close() error                      { return nil }

func (p *fakePublisher) Publish(ctx context.Context, ch string, data []byte, retain bool) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if p.failOn != nil {
		if err := p.failOn(m["ID"].(string)); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.retains = append(p.retains, retain)
	p.mu.Unlock()
	if p.onSend != nil {
		p.onSend()
	}
	return nil
}

func (p *fakePublisher) PublishWithRetries(ctx context.Context, ch string, data []byte, retain bool, maxRetries int) error {
	return p.Publish(ctx, ch, data, retain)
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, m := range p.sent {
		out[i] = m["ID"].(string)
	}
	return out
}

var t1 = model.Source{Name: "T1", EventTimeColumn: "SCAN_TIME"}

func newTestEngine(pub *fakePublisher, store checkpoint.Store, policy InvalidRowPolicy) (*Engine, *checkpoint.Manager) {
	mgr := checkpoint.NewManager(store, zap.NewNop())
	return NewEngine(pub, mgr, Options{Channel: channel, PublishRetries: 0, InvalidRowPolicy: policy}, nil, zap.NewNop()), mgr
}

func assertIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("published %v, want %v", got, want)
		}
	}
}

func TestSyncSource_T1Scenario(t *testing.T) {
	table := &fakeTable{}
	table.add("r1", at("10:00:00"))
	table.add("r2", at("10:00:05"))
	pub := &fakePublisher{}
	store := checkpoint.NewMemoryStore()
	e, mgr := newTestEngine(pub, store, PolicyHalt)
	ctx := context.Background()

	res := e.SyncSource(ctx, table, t1)
	if res.Err != nil || res.Published != 2 {
		t.Fatalf("first cycle: %+v", res)
	}
	assertIDs(t, pub.ids(), "r1", "r2")
	if wm, _ := mgr.Get(ctx, "T1"); !wm.Equal(at("10:00:05")) {
		t.Fatalf("watermark = %v", wm)
	}
	for _, r := range pub.retains {
		if !r {
			t.Fatal("rows must be published retained")
		}
	}

	saves := store.Saves()
	res = e.SyncSource(ctx, table, t1)
	if res.Err != nil || res.Fetched != 0 || res.Published != 0 {
		t.Fatalf("second cycle: %+v", res)
	}
	if store.Saves() != saves {
		t.Fatal("empty cycle must not save")
	}

	// Appended at the watermark second: not delivered.
	table.add("late", at("10:00:05"))
	res = e.SyncSource(ctx, table, t1)
	if res.Published != 0 {
		t.Fatalf("row equal to the watermark was delivered: %v", pub.ids())
	}
	assertIDs(t, pub.ids(), "r1", "r2")
}

func TestSyncSource_PublishFailureLeavesNoGap(t *testing.T) {
	table := &fakeTable{}
	for i, ts := range []string{"10:00:01", "10:00:02", "10:00:03", "10:00:04", "10:00:05"} {
		table.add(string(rune('a'+i)), at(ts))
	}
	broken := true
	pub := &fakePublisher{failOn: func(id string) error {
		if id == "c" && broken {
			return errors.New("broker timeout")
		}
		return nil
	}}
	store := checkpoint.NewMemoryStore()
	e, mgr := newTestEngine(pub, store, PolicyHalt)
	ctx := context.Background()

	res := e.SyncSource(ctx, table, t1)
	var pubErr *model.PublishError
	if !errors.As(res.Err, &pubErr) || pubErr.Source != "T1" || pubErr.Channel != channel {
		t.Fatalf("expected PublishError, got %v", res.Err)
	}
	assertIDs(t, pub.ids(), "a", "b")
	if wm, _ := mgr.Get(ctx, "T1"); !wm.Equal(at("10:00:02")) {
		t.Fatalf("watermark = %v, want row K-1", wm)
	}
	persisted, _ := store.Load(ctx)
	if !persisted["T1"].Equal(at("10:00:02")) {
		t.Fatalf("persisted = %v", persisted)
	}

	// Next cycle resumes at the failed row.
	broken = false
	res = e.SyncSource(ctx, table, t1)
	if res.Err != nil || res.Fetched != 3 {
		t.Fatalf("retry cycle: %+v", res)
	}
	assertIDs(t, pub.ids(), "a", "b", "c", "d", "e")
	if !res.Watermark.Equal(at("10:00:05")) {
		t.Fatalf("watermark = %v", res.Watermark)
	}
}

func TestSyncSource_EqualSecondsAdvanceTogether(t *testing.T) {
	table := &fakeTable{}
	table.add("a", at("10:00:01"))
	table.add("b", at("10:00:02").Add(100*time.Millisecond))
	table.add("c", at("10:00:02").Add(600*time.Millisecond))
	table.add("d", at("10:00:03"))
	pub := &fakePublisher{failOn: func(id string) error {
		if id == "c" {
			return errors.New("nack")
		}
		return nil
	}}
	e, mgr := newTestEngine(pub, checkpoint.NewMemoryStore(), PolicyHalt)
	ctx := context.Background()

	e.SyncSource(ctx, table, t1)
	// b shares a second with the failed c, so the watermark holds at a.
	if wm, _ := mgr.Get(ctx, "T1"); !wm.Equal(at("10:00:01")) {
		t.Fatalf("watermark = %v, want 10:00:01", wm)
	}

	pub.failOn = nil
	e.SyncSource(ctx, table, t1)
	assertIDs(t, pub.ids(), "a", "b", "b", "c", "d")
}

func TestSyncSource_FetchErrorLeavesWatermark(t *testing.T) {
	table := &fakeTable{fetchErr: errors.New("invalid object name")}
	store := checkpoint.NewMemoryStore()
	_ = store.Save(context.Background(), model.WatermarkSet{"T1": at("09:00:00")})
	pub := &fakePublisher{}
	e, mgr := newTestEngine(pub, store, PolicyHalt)

	res := e.SyncSource(context.Background(), table, t1)
	var fetchErr *model.FetchError
	if !errors.As(res.Err, &fetchErr) || fetchErr.Source != "T1" {
		t.Fatalf("expected FetchError, got %v", res.Err)
	}
	if wm, _ := mgr.Get(context.Background(), "T1"); !wm.Equal(at("09:00:00")) {
		t.Fatalf("watermark moved to %v", wm)
	}
	if len(pub.ids()) != 0 {
		t.Fatal("nothing should be published")
	}
}

func TestSyncSource_EmptySourceLogsZeroRows(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := checkpoint.NewMemoryStore()
	mgr := checkpoint.NewManager(store, zap.NewNop())
	e := NewEngine(&fakePublisher{}, mgr, Options{Channel: channel}, nil, zap.New(core))

	res := e.SyncSource(context.Background(), &fakeTable{}, t1)
	if res.Err != nil || res.Fetched != 0 {
		t.Fatalf("result = %+v", res)
	}
	if store.Saves() != 0 {
		t.Fatal("empty source must not touch the checkpoint")
	}
	entries := logs.FilterMessage("fetched rows").All()
	if len(entries) != 1 || entries[0].ContextMap()["rows"] != int64(0) {
		t.Fatalf("expected one 0 rows entry, got %v", entries)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected only the row count entry, got %d entries", logs.Len())
	}
}

func TestSyncSource_RestartDoesNotRedeliver(t *testing.T) {
	table := &fakeTable{}
	table.add("a", at("10:00:01"))
	table.add("b", at("10:00:02"))
	table.add("c", at("10:00:03"))
	store := checkpoint.NewMemoryStore()

	// The process dies right after b is persisted.
	ctx, cancel := context.WithCancel(context.Background())
	pub := &fakePublisher{}
	pub.onSend = func() {
		if len(pub.sent) == 2 {
			cancel()
		}
	}
	e, _ := newTestEngine(pub, store, PolicyHalt)
	res := e.SyncSource(ctx, table, t1)
	if !res.Stopped {
		t.Fatalf("expected stop between rows, got %+v", res)
	}
	assertIDs(t, pub.ids(), "a", "b")

	restarted := &fakePublisher{}
	e2, _ := newTestEngine(restarted, store, PolicyHalt)
	e2.SyncSource(context.Background(), table, t1)
	assertIDs(t, restarted.ids(), "c")
}

func TestSyncSource_InvalidRowPolicy(t *testing.T) {
	newTable := func() *fakeTable {
		table := &fakeTable{}
		table.add("a", at("10:00:01"))
		table.rows = append(table.rows, model.RawRow{Columns: []model.Column{
			{Name: "ID", Value: "bad"},
			{Name: "SCAN_TIME", Value: at("10:00:02")},
			{Name: "BLOB", DatabaseType: "VARBINARY", Value: []byte{0xff, 0xfe}},
		}})
		table.add("c", at("10:00:03"))
		return table
	}

	t.Run("halt", func(t *testing.T) {
		pub := &fakePublisher{}
		e, mgr := newTestEngine(pub, checkpoint.NewMemoryStore(), PolicyHalt)
		res := e.SyncSource(context.Background(), newTable(), t1)
		var normErr *model.NormalizationError
		if !errors.As(res.Err, &normErr) || normErr.Column != "BLOB" {
			t.Fatalf("expected NormalizationError on BLOB, got %v", res.Err)
		}
		assertIDs(t, pub.ids(), "a")
		if wm, _ := mgr.Get(context.Background(), "T1"); !wm.Equal(at("10:00:01")) {
			t.Fatalf("watermark = %v", wm)
		}
	})

	t.Run("skip", func(t *testing.T) {
		pub := &fakePublisher{}
		e, mgr := newTestEngine(pub, checkpoint.NewMemoryStore(), PolicySkip)
		res := e.SyncSource(context.Background(), newTable(), t1)
		if res.Err != nil || res.Skipped != 1 || res.Published != 2 {
			t.Fatalf("result = %+v", res)
		}
		assertIDs(t, pub.ids(), "a", "c")
		if wm, _ := mgr.Get(context.Background(), "T1"); !wm.Equal(at("10:00:03")) {
			t.Fatalf("watermark = %v", wm)
		}
	})
}

func TestSyncSource_SaveFailureContinues(t *testing.T) {
	table := &fakeTable{}
	table.add("a", at("10:00:01"))
	table.add("b", at("10:00:02"))
	pub := &fakePublisher{}
	e, mgr := newTestEngine(pub, failingStore{}, PolicyHalt)

	res := e.SyncSource(context.Background(), table, t1)
	if res.Err != nil || res.Published != 2 || res.CheckpointErrs != 2 {
		t.Fatalf("result = %+v", res)
	}
	if wm, _ := mgr.Get(context.Background(), "T1"); !wm.Equal(at("10:00:02")) {
		t.Fatalf("in-memory watermark = %v", wm)
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context) (model.WatermarkSet, error) { return model.WatermarkSet{}, nil }
func (failingStore) Save(context.Context, model.WatermarkSet) error {
	return errors.New("read-only file system")
}

func TestSyncSource_PayloadShape(t *testing.T) {
	table := &fakeTable{}
	table.add("a", at("10:00:01"))
	pub := &fakePublisher{}
	e, _ := newTestEngine(pub, checkpoint.NewMemoryStore(), PolicyHalt)
	e.SyncSource(context.Background(), table, t1)

	got := pub.sent[0]
	if got["SCAN_TIME"] != "2024-05-01 10:00:01" || got["source"] != "T1" {
		t.Fatalf("payload = %v", got)
	}
}

func TestSettled(t *testing.T) {
	bad := errors.New("bad")
	times := []eventTime{
		{t: at("10:00:01")},
		{t: at("10:00:02")},
		{t: at("10:00:02")},
		{err: bad},
		{t: at("10:00:03")},
		{err: bad},
	}
	want := []bool{true, false, true, false, true, false}
	for i := range times {
		if got := settled(times, i); got != want[i] {
			t.Errorf("settled(%d) = %v, want %v", i, got, want[i])
		}
	}
}

func TestParseInvalidRowPolicy(t *testing.T) {
	for in, want := range map[string]InvalidRowPolicy{"": PolicyHalt, "halt": PolicyHalt, "skip": PolicySkip} {
		got, err := ParseInvalidRowPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseInvalidRowPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseInvalidRowPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
