package settlement_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/domain"
	"bazaar/internal/protocol/giftwrap"
	"bazaar/internal/signer"
)

// bus is an in-memory stand-in for a relay pool: it stores every published
// event and replays matches to subscribers.
type bus struct {
	mu     sync.Mutex
	events []nostr.Event
	subs   map[*busSub]struct{}
}

type busSub struct {
	b       *bus
	filters nostr.Filters
	h       domain.SubscriptionHandlers
}

func (s *busSub) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s)
}

func newBus() *bus { return &bus{subs: map[*busSub]struct{}{}} }

func (b *bus) Subscribe(_ context.Context, filters nostr.Filters, h domain.SubscriptionHandlers, _ ...string) (domain.Subscription, error) {
	b.mu.Lock()
	sub := &busSub{b: b, filters: filters, h: h}
	var stored []nostr.Event
	for _, ev := range b.events {
		if filters.Match(&ev) {
			stored = append(stored, ev)
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	for i := range stored {
		h.OnEvent(&stored[i])
	}
	if h.OnEOSE != nil {
		h.OnEOSE()
	}
	return sub, nil
}

func (b *bus) Fetch(_ context.Context, filters nostr.Filters, _ domain.FetchOptions, _ ...string) ([]*nostr.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*nostr.Event
	for i := range b.events {
		if filters.Match(&b.events[i]) {
			ev := b.events[i]
			out = append(out, &ev)
		}
	}
	return out, nil
}

func (b *bus) Publish(_ context.Context, ev nostr.Event, relays ...string) ([]domain.PublishResult, error) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	var live []*busSub
	for s := range b.subs {
		if s.filters.Match(&ev) {
			live = append(live, s)
		}
	}
	b.mu.Unlock()

	for _, s := range live {
		cp := ev
		s.h.OnEvent(&cp)
	}
	return []domain.PublishResult{{Relay: "wss://bus", OK: true}}, nil
}

// party is a buyer or seller with a local key.
type party struct {
	signer *signer.Local
	pub    string
}

func newParty(t *testing.T) party {
	t.Helper()
	l, err := signer.GenerateLocal()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := l.GetPublicKey(context.Background())
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	return party{signer: l, pub: pub}
}

// orderWrap builds the gift wrap a buyer sends for msg.
func orderWrap(t *testing.T, buyer party, seller string, msg domain.OrderMessage) nostr.Event {
	t.Helper()
	content, _ := json.Marshal(msg)
	wrap, err := giftwrap.Wrap(context.Background(), buyer.signer, seller, nostr.Event{
		Kind:    domain.KindRumor,
		Tags:    nostr.Tags{{"p", seller}},
		Content: string(content),
	})
	if err != nil {
		t.Fatalf("wrap order: %v", err)
	}
	return wrap
}

// inbox returns every order message on the bus addressed to p.
func (b *bus) inbox(t *testing.T, p party) []domain.OrderMessage {
	t.Helper()
	evs, _ := b.Fetch(context.Background(), nostr.Filters{{
		Kinds: []int{domain.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{p.pub}},
	}}, domain.FetchOptions{})
	var out []domain.OrderMessage
	for _, ev := range evs {
		rumor, err := giftwrap.Unwrap(context.Background(), p.signer, ev)
		if err != nil {
			continue
		}
		var m domain.OrderMessage
		if err := json.Unmarshal([]byte(rumor.Content), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// autoAdvance moves clk forward by step whenever something sleeps on it,
// until the test ends or stop is called.
func autoAdvance(t *testing.T, clk *clockwork.FakeClock, step time.Duration) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := clk.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			clk.Advance(step)
		}
	}()
	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}
