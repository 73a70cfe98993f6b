package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aircast-bridge/aircast/internal/models"
)

const filePrefix = "session_"

// FileStore keeps one JSON file per device in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created lazily.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory used by this store.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(deviceID string) string {
	return filepath.Join(s.dir, filePrefix+models.Slug(deviceID)+".json")
}

// Save writes the record atomically (temp file, then rename).
func (s *FileStore) Save(rec Record) error {
	if rec.DeviceID == "" {
		return errors.New("handoff: record without device id")
	}
	if rec.Version == 0 {
		rec.Version = RecordVersion
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("handoff: marshal %s: %w", rec.DeviceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path(rec.DeviceID), data); err != nil {
		return fmt.Errorf("handoff: save %s: %w", rec.DeviceID, err)
	}
	return nil
}

// Load reads the record for deviceID. A missing file yields ErrNotFound; a
// corrupt file is reported as an error so callers can log and carry on.
func (s *FileStore) Load(deviceID string) (Record, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(deviceID))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("handoff: load %s: %w", deviceID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("handoff: corrupt record for %s: %w", deviceID, err)
	}
	if rec.DeviceID == "" {
		rec.DeviceID = deviceID
	}
	if rec.DeviceID != deviceID {
		// Another device whose id maps to the same file name.
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete removes the record file, ignoring a missing file.
func (s *FileStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(deviceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("handoff: delete %s: %w", deviceID, err)
	}
	return nil
}

// List returns every readable record sorted by device ID. Corrupt files are
// logged and skipped.
func (s *FileStore) List() ([]Record, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("handoff: list: %w", err)
	}

	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.DeviceID == "" {
			slog.Warn("handoff: skipping unreadable record", "file", name, "err", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// writeFileAtomic writes content to a file atomically (write temp, rename).
func writeFileAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ Store = (*FileStore)(nil)
