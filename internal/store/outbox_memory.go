package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bazaar/internal/domain"
)

// MemoryOutbox is an in-process OutboxStore.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[string]domain.OutboxEntry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[string]domain.OutboxEntry)}
}

// Len reports how many entries are queued.
func (s *MemoryOutbox) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryOutbox) Enqueue(_ context.Context, e domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Relays = append([]string(nil), e.Relays...)
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryOutbox) Due(_ context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEntry
	for _, e := range s.entries {
		if !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOutbox) Update(_ context.Context, e domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return domain.ErrNotFound
	}
	e.Relays = append([]string(nil), e.Relays...)
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryOutbox) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

var _ domain.OutboxStore = (*MemoryOutbox)(nil)
