package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"bazaar/internal/bounded"
	"bazaar/internal/domain"
)

var (
	// ErrNotReadable is returned by Subscribe and Fetch on a write-only pool.
	ErrNotReadable = errors.New("relay pool is not readable")
	// ErrNotWritable is returned by Publish on a read-only pool.
	ErrNotWritable = errors.New("relay pool is not writable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay pool closed")
	// ErrNoRelays is returned when a call names no usable relay.
	ErrNoRelays = errors.New("no relays")
)

// Defaults for zero-valued Options fields.
const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultEOSEGrace      = 3 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// Options configure a Pool.
type Options struct {
	// KeepAlive is both the idle threshold and the sweep interval.
	KeepAlive      time.Duration
	FetchTimeout   time.Duration
	PublishTimeout time.Duration
	// EOSEGrace is how long Fetch waits for slow relays once the first relay
	// has reached end-of-stored-events.
	EOSEGrace   time.Duration
	DialTimeout time.Duration

	ReadDisabled  bool
	WriteDisabled bool

	Clock  clockwork.Clock
	Logger *slog.Logger
	Dialer *websocket.Dialer
	// Verify checks inbound events; nil means signature verification.
	Verify func(*nostr.Event) bool
}

func (o *Options) setDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.EOSEGrace <= 0 {
		o.EOSEGrace = DefaultEOSEGrace
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = o.DialTimeout
		o.Dialer = &d
	}
	if o.Verify == nil {
		o.Verify = verifySignature
	}
}

func verifySignature(ev *nostr.Event) bool {
	if ev.ID != ev.GetID() {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// Pool multiplexes subscriptions and publishes over shared relay connections.
type Pool struct {
	opts Options
	log  *slog.Logger
	clk  clockwork.Clock

	mu     sync.Mutex
	relays map[string]*conn
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Pool and starts its idle-connection sweep.
func New(opts Options) *Pool {
	opts.setDefaults()
	p := &Pool{
		opts:   opts,
		log:    opts.Logger.With("component", "relay_pool"),
		clk:    opts.Clock,
		relays: make(map[string]*conn),
		stop:   make(chan struct{}),
	}
	ticker := p.clk.NewTicker(opts.KeepAlive)
	p.wg.Add(1)
	go p.sweepLoop(ticker)
	return p
}

// NormalizeURL canonicalises a relay URL and rejects non-websocket schemes.
func NormalizeURL(raw string) (string, error) {
	n := nostr.NormalizeURL(raw)
	u, err := url.Parse(n)
	if err != nil {
		return "", fmt.Errorf("relay url %q: %w", raw, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return "", fmt.Errorf("relay url %q: want ws:// or wss://", raw)
	}
	return n, nil
}

// AddRelay registers a relay without connecting to it. It is idempotent and
// returns the normalised URL.
func (p *Pool) AddRelay(raw string) (string, error) {
	u, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	if _, err := p.relay(u); err != nil {
		return "", err
	}
	return u, nil
}

func (p *Pool) relay(u string) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	c, ok := p.relays[u]
	if !ok {
		c = newConn(p, u)
		p.relays[u] = c
	}
	return c, nil
}

// resolve normalises and de-duplicates urls, skipping invalid ones.
func (p *Pool) resolve(urls []string) []*conn {
	seen := make(map[string]bool, len(urls))
	out := make([]*conn, 0, len(urls))
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			p.log.Warn("skipping relay", "relay", raw, "error", err)
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		c, err := p.relay(u)
		if err != nil {
			return nil
		}
		out = append(out, c)
	}
	return out
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Subscribe opens one logical subscription across relays.
func (p *Pool) Subscribe(
	ctx context.Context,
	filters nostr.Filters,
	handlers domain.SubscriptionHandlers,
	relays ...string,
) (domain.Subscription, error) {
	sub, err := p.subscribe(ctx, filters, handlers, 0, relays)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *Pool) subscribe(
	ctx context.Context,
	filters nostr.Filters,
	handlers domain.SubscriptionHandlers,
	grace time.Duration,
	relays []string,
) (*Subscription, error) {
	if p.opts.ReadDisabled {
		return nil, ErrNotReadable
	}
	if p.isClosed() {
		return nil, ErrClosed
	}
	conns := p.resolve(relays)
	if len(conns) == 0 {
		return nil, ErrNoRelays
	}

	sub := newSubscription(p, "sub-"+uuid.NewString()[:8], filters, handlers, grace)
	for _, c := range conns {
		sub.pending[c.url] = true
	}

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := c.subscribe(ctx, sub); err != nil {
				p.log.Warn("subscribe failed", "relay", c.url, "error", err)
				sub.legEnded(c.url, false, err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
	return sub, nil
}

// Fetch returns the stored events matching filters.
//
// It resolves once every relay has reached end-of-stored-events or dropped
// out. After the first relay finishes the rest get EOSEGrace. ErrTimeout is
// returned only when no relay finished before the timeout.
func (p *Pool) Fetch(
	ctx context.Context,
	filters nostr.Filters,
	opts domain.FetchOptions,
	relays ...string,
) ([]*nostr.Event, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.opts.FetchTimeout
	}

	var (
		subMu    sync.Mutex
		sub      *Subscription
		finished bool
	)
	events, err := bounded.Run(ctx, bounded.Options{Timeout: timeout, Clock: p.clk},
		func(ctx context.Context, s *bounded.Settler[[]*nostr.Event]) error {
			var (
				mu  sync.Mutex
				out []*nostr.Event
			)
			h := domain.SubscriptionHandlers{
				OnEvent: func(ev *nostr.Event) {
					mu.Lock()
					out = append(out, ev)
					mu.Unlock()
				},
				OnEOSE: func() {
					mu.Lock()
					got := append([]*nostr.Event(nil), out...)
					mu.Unlock()
					s.Resolve(got)
				},
			}
			opened, err := p.subscribe(ctx, filters, h, p.opts.EOSEGrace, relays)
			if err != nil {
				return err
			}
			subMu.Lock()
			defer subMu.Unlock()
			if finished {
				opened.Close()
				return nil
			}
			sub = opened
			return nil
		})

	subMu.Lock()
	finished = true
	if sub != nil {
		sub.Close()
	}
	subMu.Unlock()

	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })
	return events, nil
}

// Publish sends event to every relay and waits for each OK.
//
// A relay that rejects the event, times out or cannot be reached is reported
// in its PublishResult; the call itself only fails when the pool is not
// writable, closed, or given no relays.
func (p *Pool) Publish(
	ctx context.Context,
	event nostr.Event,
	relays ...string,
) ([]domain.PublishResult, error) {
	if p.opts.WriteDisabled {
		return nil, ErrNotWritable
	}
	if p.isClosed() {
		return nil, ErrClosed
	}
	conns := p.resolve(relays)
	if len(conns) == 0 {
		return nil, ErrNoRelays
	}

	results := make([]domain.PublishResult, len(conns))
	var g errgroup.Group
	for i, c := range conns {
		g.Go(func() error {
			results[i] = c.publish(ctx, event)
			if results[i].Err != nil {
				p.log.Warn("publish failed", "relay", c.url, "event", event.ID, "error", results[i].Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Status returns a snapshot of every pooled relay, sorted by URL.
func (p *Pool) Status() []domain.RelayStatus {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.relays))
	for _, c := range p.relays {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	out := make([]domain.RelayStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (p *Pool) sweepLoop(t clockwork.Ticker) {
	defer p.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.Chan():
			p.collectIdle()
		}
	}
}

// collectIdle puts to sleep every relay without subscriptions that has been
// idle for longer than the keep-alive window.
func (p *Pool) collectIdle() {
	now := p.clk.Now()
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.relays))
	for _, c := range p.relays {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		if c.sleepIfIdle(now, p.opts.KeepAlive) {
			p.log.Debug("relay idle, disconnected", "relay", c.url)
		}
	}
}

// Close stops the sweep, ends every subscription and disconnects all relays.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.relays))
	for _, c := range p.relays {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for _, c := range conns {
		c.shutdown()
	}
	return nil
}

// Compile-time assertion that Pool implements domain.RelayPool.
var _ domain.RelayPool = (*Pool)(nil)
