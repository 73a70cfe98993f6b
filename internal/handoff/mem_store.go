package handoff

import (
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests that never writes to disk.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Save stores a copy of rec.
func (m *MemStore) Save(rec Record) error {
	if rec.Version == 0 {
		rec.Version = RecordVersion
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.DeviceID] = rec
	return nil
}

// Load returns the stored record or ErrNotFound.
func (m *MemStore) Load(deviceID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[deviceID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete removes the record if present.
func (m *MemStore) Delete(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, deviceID)
	return nil
}

// List returns all records sorted by device ID.
func (m *MemStore) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

var _ Store = (*MemStore)(nil)
