package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps archive entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries map[int64]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[int64]Entry{}}
}

func (m *MemoryStore) Insert(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.SlipID != nil {
		for _, existing := range m.entries {
			if existing.SlipID != nil && *existing.SlipID == *e.SlipID {
				return Entry{}, fmt.Errorf("%w: slip %d", ErrAlreadyArchived, *e.SlipID)
			}
		}
	}
	m.seq++
	e.ID = m.seq
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryStore) BySlip(_ context.Context, slipID int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.SlipID != nil && *e.SlipID == slipID {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m *MemoryStore) RecordDownload(_ context.Context, id int64, at time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.DownloadCount++
	stamp := at
	e.LastDownloadAt = &stamp
	m.entries[id] = e
	return e, nil
}

func (m *MemoryStore) List(_ context.Context, afterID int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for id, e := range m.entries {
		if id > afterID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Checkpoint captures the entries; the returned func restores them.
func (m *MemoryStore) Checkpoint() func() {
	m.mu.Lock()
	seq := m.seq
	saved := make(map[int64]Entry, len(m.entries))
	for id, e := range m.entries {
		saved[id] = e
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.seq, m.entries = seq, saved
		m.mu.Unlock()
	}
}

// DetachSlip mirrors the ON DELETE SET NULL of a removed slip.
func (m *MemoryStore) DetachSlip(slipID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.SlipID != nil && *e.SlipID == slipID {
			e.SlipID = nil
			m.entries[id] = e
		}
	}
}
