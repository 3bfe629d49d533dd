package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"rowbus/internal/model"
)

// renameFile is swapped in tests to simulate a crash between write and rename.
var renameFile = os.Rename

// FileStore keeps watermarks in a single human-readable JSON file:
//
//	{
//	    "BODY_LEAK_TESTING": "2024-05-01 10:00:05"
//	}
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// OpenFileStore returns a store at path, creating an empty record if none exists.
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("missing checkpoint path")
	}
	s := &FileStore{path: path, logger: logger}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := s.write([]byte("{}\n")); err != nil {
			return nil, fmt.Errorf("create checkpoint file: %w", err)
		}
		logger.Info("created empty checkpoint file", zap.String("path", path))
	} else if err != nil {
		return nil, fmt.Errorf("stat checkpoint file: %w", err)
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (model.WatermarkSet, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.WatermarkSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptCheckpoint, s.path)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	return decodeEntries(raw, s.logger), nil
}

func (s *FileStore) Save(ctx context.Context, set model.WatermarkSet) error {
	_ = ctx
	data, err := json.MarshalIndent(set.Encode(), "", "    ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(data)
}

// write replaces the file via temp file, fsync and rename in the same directory.
func (s *FileStore) write(data []byte) (err error) {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err = renameFile(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	if d, derr := os.Open(dir); derr == nil {
		if serr := d.Sync(); serr != nil {
			s.logger.Warn("sync checkpoint dir failed", zap.String("dir", dir), zap.Error(serr))
		}
		_ = d.Close()
	}
	return nil
}
