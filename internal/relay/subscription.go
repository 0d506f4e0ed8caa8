package relay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/domain"
)

// Subscription is a logical subscription fanned out to one leg per relay.
//
// Events are verified, checked against the filters and de-duplicated by id
// before reaching OnEvent. A relay that sends more than was asked for is not
// trusted. OnEOSE
// fires once, when every leg has reached end-of-stored-events or ended.
type Subscription struct {
	pool     *Pool
	id       string
	filters  nostr.Filters
	handlers domain.SubscriptionHandlers
	grace    time.Duration

	mu         sync.Mutex
	legs       map[string]*conn
	pending    map[string]bool
	seen       map[string]struct{}
	eoseFired  bool
	graceTimer clockwork.Timer
	closed     bool
}

func newSubscription(
	p *Pool,
	id string,
	filters nostr.Filters,
	h domain.SubscriptionHandlers,
	grace time.Duration,
) *Subscription {
	return &Subscription{
		pool:     p,
		id:       id,
		filters:  filters,
		handlers: h,
		grace:    grace,
		legs:     make(map[string]*conn),
		pending:  make(map[string]bool),
		seen:     make(map[string]struct{}),
	}
}

// ID returns the subscription id sent to relays.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) addLeg(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legs[c.url] = c
}

func (s *Subscription) dropLeg(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.legs, url)
}

func (s *Subscription) deliver(ev *nostr.Event) {
	if !s.pool.opts.Verify(ev) || !s.filters.Match(ev) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[ev.ID] = struct{}{}
	s.mu.Unlock()

	if s.handlers.OnEvent != nil {
		s.handlers.OnEvent(ev)
	}
}

// legEnded records that a relay reached EOSE (eose) or dropped out.
func (s *Subscription) legEnded(url string, eose bool, reason string) {
	s.mu.Lock()
	if !s.pending[url] && eose {
		s.mu.Unlock()
		return
	}
	delete(s.pending, url)
	fire := s.checkEOSE()
	if eose && !fire && s.grace > 0 && s.graceTimer == nil {
		s.graceTimer = s.pool.clk.AfterFunc(s.grace, s.abandonPending)
	}
	closed := s.closed
	s.mu.Unlock()

	if !eose && reason != "" && !closed && s.handlers.OnClosed != nil {
		s.handlers.OnClosed(url, reason)
	}
	if fire && s.handlers.OnEOSE != nil {
		s.handlers.OnEOSE()
	}
}

// checkEOSE reports whether OnEOSE should fire now. Callers hold s.mu.
func (s *Subscription) checkEOSE() bool {
	if s.eoseFired || s.closed || len(s.pending) > 0 {
		return false
	}
	s.eoseFired = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	return true
}

func (s *Subscription) abandonPending() {
	s.mu.Lock()
	for url := range s.pending {
		s.pool.log.Debug("relay too slow, not waiting for EOSE", "relay", url, "sub", s.id)
		delete(s.pending, url)
	}
	fire := s.checkEOSE()
	s.mu.Unlock()
	if fire && s.handlers.OnEOSE != nil {
		s.handlers.OnEOSE()
	}
}

// Close ends the subscription on every relay. It is safe to call twice.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	legs := make([]*conn, 0, len(s.legs))
	for _, c := range s.legs {
		legs = append(legs, c)
	}
	s.legs = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range legs {
		c.removeSub(s.id, true)
	}
}

// Compile-time assertion that Subscription implements domain.Subscription.
var _ domain.Subscription = (*Subscription)(nil)
