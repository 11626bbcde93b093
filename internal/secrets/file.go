package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// keyFile is the on-disk layout:
//
//	default:
//	  anthropic: sk-ant-...
//	owners:
//	  user-123:
//	    openai: sk-...
type keyFile struct {
	Default map[string]string            `yaml:"default"`
	Owners  map[string]map[string]string `yaml:"owners"`
}

// FileStore serves keys from a YAML file and hot-reloads on change, so
// operators can rotate credentials without a restart.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data keyFile

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewFileStore loads path and returns the store. The file must exist.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{path: path, logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, ownerID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key := s.data.Owners[ownerID][provider]; key != "" {
		return key, nil
	}
	if key := s.data.Default[provider]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: owner=%s provider=%s", ErrNotFound, ownerID, provider)
}

func (s *FileStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	var parsed keyFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse key file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.data = parsed
	s.mu.Unlock()
	return nil
}

// StartWatching reloads the key file whenever it changes. Editors and
// rotation scripts often replace the file, so the parent directory is
// watched and events are debounced.
func (s *FileStore) StartWatching(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := s.reload(); err != nil {
				s.logger.Warn("key file reload failed", "path", s.path, "error", err)
				return
			}
			s.logger.Info("key file reloaded", "path", s.path)
		})
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("key file watch error", "error", err)
		}
	}
}
