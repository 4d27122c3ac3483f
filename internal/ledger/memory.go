package ledger

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"qrnotify/internal/domain"
)

// Memory is an in-process Ledger. Entries vanish with the process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*domain.LedgerEntry
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]*domain.LedgerEntry{}}
}

func (m *Memory) Reserve(ctx context.Context, r Reservation) (Result, error) {
	if r.Decision.DedupKey == "" {
		return 0, errors.New("ledger: empty dedup key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if _, ok := m.entries[r.Decision.DedupKey]; ok {
		return AlreadyTaken, nil
	}
	e := newEntry(r)
	e.Payload = maps.Clone(e.Payload)
	m.entries[e.DedupKey] = &e
	return Acquired, nil
}

func (m *Memory) mutable(key string) (*domain.LedgerEntry, error) {
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status.Terminal() {
		return nil, ErrTerminal
	}
	return e, nil
}

func (m *Memory) MarkAttempt(ctx context.Context, key string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.mutable(key)
	if err != nil {
		return 0, err
	}
	e.AttemptCount++
	e.LastAttemptAt = at
	return e.AttemptCount, nil
}

func (m *Memory) Commit(ctx context.Context, key string, o Outcome) error {
	if err := validOutcome(o); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.mutable(key)
	if err != nil {
		return err
	}
	e.Status = o.Status
	e.ProviderResponse = o.ProviderResponse
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.LedgerEntry{}, false, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return domain.LedgerEntry{}, false, nil
	}
	cp := *e
	cp.Payload = maps.Clone(e.Payload)
	return cp, true, nil
}

func (m *Memory) Stale(ctx context.Context, before time.Time, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.Status.Terminal() || !activityAt(*e).Before(before) {
			continue
		}
		cp := *e
		cp.Payload = maps.Clone(e.Payload)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := activityAt(out[i]), activityAt(out[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return out[i].DedupKey < out[j].DedupKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, want domain.LedgerEntry, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.mutable(want.DedupKey)
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return false, nil
		}
		return false, err
	}
	if e.Status != want.Status || !e.LastAttemptAt.Equal(want.LastAttemptAt) {
		return false, nil
	}
	e.AttemptCount++
	e.LastAttemptAt = now
	e.Recovered = true
	return true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len reports the number of entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
