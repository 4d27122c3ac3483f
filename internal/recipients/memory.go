package recipients

import (
	"context"
	"sort"
	"sync"
	"time"

	"qrnotify/internal/domain"
)

// Memory is a Store over a fixed set of recipients (tests, demos).
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]domain.Recipient
	stats map[string]Stats
}

func NewMemory(rs ...domain.Recipient) *Memory {
	m := &Memory{byID: map[string]domain.Recipient{}, stats: map[string]Stats{}}
	for _, r := range rs {
		m.byID[r.ID] = r
	}
	return m
}

// Put inserts or replaces a recipient.
func (m *Memory) Put(r domain.Recipient) {
	m.mu.Lock()
	m.byID[r.ID] = r
	m.mu.Unlock()
}

// SetStats sets what ReportStats returns for id.
func (m *Memory) SetStats(id string, s Stats) {
	m.mu.Lock()
	m.stats[id] = s
	m.mu.Unlock()
}

func (m *Memory) Page(ctx context.Context, cursor string, limit int) ([]domain.Recipient, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]domain.Recipient, 0, limit)
	for _, id := range ids[:limit] {
		out = append(out, m.byID[id])
	}
	next := ""
	if limit < len(ids) {
		next = ids[limit-1]
	}
	return out, next, nil
}

func (m *Memory) Get(ctx context.Context, id string) (domain.Recipient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	return r, ok, nil
}

func (m *Memory) ReportStats(ctx context.Context, id string, from, to time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stats[id]; ok {
		return s, nil
	}
	return Stats{TotalQR: m.byID[id].QRCount}, nil
}

func (m *Memory) Close() error { return nil }
