// Package auth guards the status API with access keys read from a JSON file.
// Without a keys file, or with an empty one, the API is open.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Key is one named client of the status API.
type Key struct {
	AccessKey string `json:"access_key"`
	Comment   string `json:"comment,omitempty"`
}

// Service verifies access keys. The keys file is reloaded when it changes.
type Service struct {
	mu      sync.RWMutex
	path    string
	keys    map[string]Key
	watcher *fsnotify.Watcher
}

// NewService loads the keys file at path and watches it for changes. An
// empty path gives a service in open mode that never reloads.
func NewService(path string) (*Service, error) {
	s := &Service{path: path, keys: make(map[string]Key)}
	if path == "" {
		return s, nil
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("auth: could not create fsnotify watcher", "err", err)
		return s, nil
	}
	s.watcher = watcher

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("auth: could not watch keys dir", "err", err)
	}

	go s.watchLoop()
	return s, nil
}

// Reload re-reads the keys file. A missing file clears all keys.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.keys = make(map[string]Key)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("auth: read %s: %w", s.path, err)
	}

	var keys map[string]Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("auth: decode %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	slog.Debug("auth: reloaded keys", "count", len(keys))
	return nil
}

// IsOpenMode returns true when no key is configured.
func (s *Service) IsOpenMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.AccessKey != "" {
			return false
		}
	}
	return true
}

// VerifyKey reports whether key matches a configured access key. Comparison
// is constant-time.
func (s *Service) VerifyKey(key string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.AccessKey == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(k.AccessKey)) == 1 {
			return true
		}
	}
	return false
}

// Close stops the file watcher.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Service) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := s.Reload(); err != nil {
					slog.Warn("auth: failed to reload keys", "err", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("auth: watcher error", "err", err)
		}
	}
}
