package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"bazaar/internal/domain"
	"bazaar/internal/services/outbox"
	"bazaar/internal/store"
)

// scriptedPool accepts an event on a relay unless the relay is marked down.
type scriptedPool struct {
	mu    sync.Mutex
	down  map[string]bool
	err   error
	calls [][]string
}

func (p *scriptedPool) setDown(relay string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[relay] = v
}

func (p *scriptedPool) Subscribe(context.Context, nostr.Filters, domain.SubscriptionHandlers, ...string) (domain.Subscription, error) {
	return nil, errors.New("not used")
}

func (p *scriptedPool) Fetch(context.Context, nostr.Filters, domain.FetchOptions, ...string) ([]*nostr.Event, error) {
	return nil, errors.New("not used")
}

func (p *scriptedPool) Publish(_ context.Context, _ nostr.Event, relays ...string) ([]domain.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]string(nil), relays...))
	if p.err != nil {
		return nil, p.err
	}
	out := make([]domain.PublishResult, 0, len(relays))
	for _, r := range relays {
		if p.down[r] {
			out = append(out, domain.PublishResult{Relay: r, Message: "blocked: down"})
			continue
		}
		out = append(out, domain.PublishResult{Relay: r, OK: true})
	}
	return out, nil
}

func setup(t *testing.T) (*outbox.Service, *scriptedPool, *store.MemoryOutbox, *clockwork.FakeClock) {
	t.Helper()
	pool := &scriptedPool{down: map[string]bool{}}
	st := store.NewMemoryOutbox()
	clk := clockwork.NewFakeClock()
	svc := outbox.New(pool, st, outbox.Options{
		BaseDelay:   time.Minute,
		MaxDelay:    10 * time.Minute,
		MaxAttempts: 4,
		Clock:       clk,
	})
	return svc, pool, st, clk
}

var ev = nostr.Event{ID: "e1", Kind: 1059}

func TestPublish_AllAcceptedQueuesNothing(t *testing.T) {
	svc, _, st, _ := setup(t)
	res, err := svc.Publish(context.Background(), ev, []string{"wss://a", "wss://b"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, 0, st.Len())
}

func TestPublish_QueuesOnlyFailedRelays(t *testing.T) {
	svc, pool, st, clk := setup(t)
	ctx := context.Background()
	pool.setDown("wss://b", true)

	res, err := svc.Publish(ctx, ev, []string{"wss://a", "wss://b"})
	require.NoError(t, err)
	require.True(t, res[0].OK)
	require.False(t, res[1].OK)

	due, _ := st.Due(ctx, clk.Now().Add(time.Minute), 0)
	require.Len(t, due, 1)
	require.Equal(t, []string{"wss://b"}, due[0].Relays)
	require.Equal(t, "blocked: down", due[0].LastError)

	// Not due yet.
	rep, err := svc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rep.Attempted)

	pool.setDown("wss://b", false)
	clk.Advance(time.Minute)
	rep, err = svc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, outbox.Report{Attempted: 1, Delivered: 1}, rep)
	require.Equal(t, 0, st.Len())
	require.Equal(t, []string{"wss://b"}, pool.calls[len(pool.calls)-1])
}

func TestRetryFailed_BacksOffThenDrops(t *testing.T) {
	svc, pool, st, clk := setup(t)
	ctx := context.Background()
	pool.setDown("wss://b", true)

	_, err := svc.Publish(ctx, ev, []string{"wss://b"})
	require.NoError(t, err)

	// attempts 2 and 3 reschedule at 2m then 4m.
	for _, wait := range []time.Duration{time.Minute, 2 * time.Minute} {
		clk.Advance(wait)
		rep, err := svc.RetryFailed(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Pending)

		due, _ := st.Due(ctx, clk.Now().Add(2*wait), 0)
		require.Len(t, due, 1)
		require.Equal(t, clk.Now().Add(2*wait), due[0].NextAttemptAt)
	}

	clk.Advance(4 * time.Minute)
	rep, err := svc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Dropped)
	require.Equal(t, 0, st.Len())
}

func TestPublish_PoolFailureQueuesEverything(t *testing.T) {
	svc, pool, st, clk := setup(t)
	ctx := context.Background()
	pool.err = errors.New("pool closed")

	_, err := svc.Publish(ctx, ev, []string{"wss://a", "wss://b"})
	require.Error(t, err)

	due, _ := st.Due(ctx, clk.Now().Add(time.Hour), 0)
	require.Len(t, due, 1)
	require.ElementsMatch(t, []string{"wss://a", "wss://b"}, due[0].Relays)
}
