package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/domain"
	"bazaar/internal/store"
)

func outboxStores(t *testing.T) map[string]domain.OutboxStore {
	t.Helper()
	sq, err := store.OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]domain.OutboxStore{
		"sqlite": sq,
		"memory": store.NewMemoryOutbox(),
	}
}

func TestOutbox_DueUpdateDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	for name, s := range outboxStores(t) {
		t.Run(name, func(t *testing.T) {
			ev := nostr.Event{ID: "abc", Kind: 1, Content: "hi", Tags: nostr.Tags{{"p", "x"}}}
			entries := []domain.OutboxEntry{
				{ID: "a", Event: ev, Relays: []string{"wss://one"}, NextAttemptAt: now, CreatedAt: now},
				{ID: "b", Event: ev, Relays: []string{"wss://two"}, NextAttemptAt: now.Add(time.Hour), CreatedAt: now},
			}
			for _, e := range entries {
				if err := s.Enqueue(ctx, e); err != nil {
					t.Fatalf("enqueue %s: %v", e.ID, err)
				}
			}

			due, err := s.Due(ctx, now, 10)
			if err != nil {
				t.Fatalf("due: %v", err)
			}
			if len(due) != 1 || due[0].ID != "a" {
				t.Fatalf("due=%+v", due)
			}
			if due[0].Event.Content != "hi" || len(due[0].Event.Tags) != 1 || due[0].Relays[0] != "wss://one" {
				t.Fatalf("entry not round-tripped: %+v", due[0])
			}
			if !due[0].NextAttemptAt.Equal(now) {
				t.Fatalf("next=%v want %v", due[0].NextAttemptAt, now)
			}

			e := due[0]
			e.Attempts = 2
			e.LastError = "rejected"
			e.NextAttemptAt = now.Add(2 * time.Hour)
			if err := s.Update(ctx, e); err != nil {
				t.Fatalf("update: %v", err)
			}
			due, _ = s.Due(ctx, now.Add(90*time.Minute), 0)
			if len(due) != 1 || due[0].ID != "b" {
				t.Fatalf("due after update=%+v", due)
			}

			if err := s.Delete(ctx, "b"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			due, _ = s.Due(ctx, now.Add(3*time.Hour), 0)
			if len(due) != 1 || due[0].ID != "a" || due[0].Attempts != 2 {
				t.Fatalf("due after delete=%+v", due)
			}

			if err := s.Update(ctx, domain.OutboxEntry{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("update missing err=%v", err)
			}
		})
	}
}

func TestOutbox_DueLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range outboxStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"1", "2", "3"} {
				_ = s.Enqueue(ctx, domain.OutboxEntry{ID: id, NextAttemptAt: now.Add(-time.Minute), CreatedAt: now})
			}
			due, err := s.Due(ctx, now, 2)
			if err != nil || len(due) != 2 {
				t.Fatalf("due=%d err=%v", len(due), err)
			}
		})
	}
}

func TestOpenOutbox_RequiresPath(t *testing.T) {
	if _, err := store.OpenOutbox("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
