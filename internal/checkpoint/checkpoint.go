package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rowbus/internal/metrics"
	"rowbus/internal/model"
)

// ErrCorruptCheckpoint marks a durable record that exists but cannot be decoded.
var ErrCorruptCheckpoint = errors.New("checkpoint record is malformed")

// Store persists per-source watermarks to support restart recovery.
// Save must be atomic: a crash leaves either the previous or the new set readable.
type Store interface {
	Save(ctx context.Context, set model.WatermarkSet) error
	Load(ctx context.Context) (model.WatermarkSet, error)
}

// MemoryStore is a simple in-memory checkpoint store useful for tests and
// runs without durable state.
type MemoryStore struct {
	mu    sync.Mutex
	last  model.WatermarkSet
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: model.WatermarkSet{}}
}

func (s *MemoryStore) Save(ctx context.Context, set model.WatermarkSet) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = set.Clone()
	s.saves++
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (model.WatermarkSet, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone(), nil
}

// Saves reports how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Manager owns the in-memory watermark set and is its only writer. It loads the
// durable set once and then serves reads from memory; every advance is flushed
// synchronously through the store.
type Manager struct {
	store       Store
	mu          sync.Mutex
	marks       model.WatermarkSet
	loaded      bool
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, promMetrics: metrics.GlobalMetrics}
}

// Load reads the durable watermarks. An unreadable record is logged and treated
// as empty so every source replays from the beginning.
func (m *Manager) Load(ctx context.Context) model.WatermarkSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	return m.marks.Clone()
}

func (m *Manager) loadLocked(ctx context.Context) {
	set, err := m.store.Load(ctx)
	if err != nil {
		m.promMetrics.CheckpointLoadErrors.Inc()
		m.logger.Error("checkpoint unreadable, replaying all sources from the beginning",
			zap.Error(&model.CheckpointIOError{Op: "load", Err: err}))
		set = model.WatermarkSet{}
	}
	if set == nil {
		set = model.WatermarkSet{}
	}
	m.marks = set
	m.loaded = true
	for source, wm := range set {
		m.promMetrics.SetWatermark(source, wm)
		m.logger.Info("loaded watermark", zap.String("source", source), zap.String("watermark", model.FormatWatermark(wm)))
	}
}

// Get returns the watermark of source; ok is false when the source has none.
func (m *Manager) Get(ctx context.Context, source string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		m.loadLocked(ctx)
	}
	wm, ok := m.marks[source]
	return wm, ok
}

// Snapshot returns a copy of the in-memory watermarks.
func (m *Manager) Snapshot() model.WatermarkSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks.Clone()
}

// Advance moves the watermark of source to t and persists the whole set. It never
// moves a watermark backwards or sideways. A failed save leaves the in-memory
// advance in place and returns a CheckpointIOError.
func (m *Manager) Advance(ctx context.Context, source string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		m.loadLocked(ctx)
	}
	if cur, ok := m.marks[source]; ok && !t.After(cur) {
		return nil
	}
	m.marks[source] = t
	m.promMetrics.SetWatermark(source, t)

	if err := m.store.Save(ctx, m.marks.Clone()); err != nil {
		m.promMetrics.CheckpointSaveErrors.Inc()
		ioErr := &model.CheckpointIOError{Op: "save", Err: err}
		m.logger.Error("save checkpoint failed, watermark advanced in memory only",
			zap.String("source", source),
			zap.String("watermark", model.FormatWatermark(t)),
			zap.Error(ioErr))
		return ioErr
	}
	m.promMetrics.CheckpointSaves.Inc()
	m.logger.Debug("saved checkpoint", zap.String("source", source), zap.String("watermark", model.FormatWatermark(t)))
	return nil
}

// decodeEntries parses persisted watermark strings. Entries that do not parse are
// dropped so only the affected source replays.
func decodeEntries(raw map[string]string, logger *zap.Logger) model.WatermarkSet {
	out := make(model.WatermarkSet, len(raw))
	for source, value := range raw {
		wm, err := model.ParseWatermark(value)
		if err != nil {
			logger.Warn("dropping unreadable watermark entry", zap.String("source", source), zap.Error(err))
			continue
		}
		out[source] = wm
	}
	return out
}
