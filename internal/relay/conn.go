package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/bounded"
	"bazaar/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

var errConnLost = errors.New("connection lost")

type okResult struct {
	ok  bool
	msg string
	err error
}

// conn is one pooled relay. A nil ws means the relay is sleeping.
type conn struct {
	pool *Pool
	url  string

	mu         sync.Mutex
	ws         *websocket.Conn
	closed     bool
	gen        uint64
	lastActive time.Time
	subs       map[string]*Subscription
	waiters    map[string][]chan okResult

	writeMu sync.Mutex
}

func newConn(p *Pool, u string) *conn {
	return &conn{
		pool:       p,
		url:        u,
		lastActive: p.clk.Now(),
		subs:       make(map[string]*Subscription),
		waiters:    make(map[string][]chan okResult),
	}
}

func (c *conn) status() domain.RelayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := domain.RelaySleeping
	if c.ws != nil {
		st = domain.RelayActive
	}
	return domain.RelayStatus{
		URL:           c.url,
		State:         st,
		Subscriptions: len(c.subs),
		LastActive:    c.lastActive,
	}
}

// touch marks the relay as used now. Callers hold c.mu.
func (c *conn) touch() { c.lastActive = c.pool.clk.Now() }

// connect wakes the relay if it is sleeping. On success it returns with c.mu
// held; the dial itself runs unlocked so status and other callers are not
// stuck behind a slow handshake.
func (c *conn) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.ws != nil {
		return c.ws, nil
	}
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.pool.opts.DialTimeout)
	defer cancel()
	ws, _, err := c.pool.opts.Dialer.DialContext(dctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		_ = ws.Close()
		return nil, ErrClosed
	case c.ws != nil:
		// Another caller connected first.
		_ = ws.Close()
		return c.ws, nil
	}
	ws.SetReadLimit(readLimit)
	c.ws = ws
	c.gen++
	c.touch()
	go c.readLoop(ws, c.gen)
	c.pool.log.Debug("relay connected", "relay", c.url)
	return ws, nil
}

func (c *conn) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(v)
}

func (c *conn) subscribe(ctx context.Context, sub *Subscription) error {
	ws, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.subs[sub.id] = sub
	c.touch()
	c.mu.Unlock()

	sub.addLeg(c)
	msg := make([]any, 0, 2+len(sub.filters))
	msg = append(msg, "REQ", sub.id)
	for _, f := range sub.filters {
		msg = append(msg, f)
	}
	if err := c.write(ws, msg); err != nil {
		c.removeSub(sub.id, false)
		sub.dropLeg(c.url)
		return fmt.Errorf("send REQ: %w", err)
	}
	return nil
}

// removeSub deregisters a subscription and, if asked, tells the relay.
func (c *conn) removeSub(id string, sendClose bool) {
	c.mu.Lock()
	if _, ok := c.subs[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)
	c.touch()
	ws := c.ws
	c.mu.Unlock()

	if sendClose && ws != nil {
		if err := c.write(ws, []any{"CLOSE", id}); err != nil {
			c.pool.log.Debug("send CLOSE failed", "relay", c.url, "sub", id, "error", err)
		}
	}
}

func (c *conn) publish(ctx context.Context, ev nostr.Event) domain.PublishResult {
	res := domain.PublishResult{Relay: c.url}
	ch := make(chan okResult, 1)

	ws, err := c.connect(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	c.waiters[ev.ID] = append(c.waiters[ev.ID], ch)
	c.touch()
	c.mu.Unlock()
	defer c.dropWaiter(ev.ID, ch)

	if err := c.write(ws, []any{"EVENT", ev}); err != nil {
		res.Err = fmt.Errorf("send EVENT: %w", err)
		return res
	}

	ok, err := bounded.Run(ctx, bounded.Options{Timeout: c.pool.opts.PublishTimeout, Clock: c.pool.clk},
		func(ctx context.Context, s *bounded.Settler[okResult]) error {
			go func() {
				select {
				case r := <-ch:
					s.Resolve(r)
				case <-ctx.Done():
				}
			}()
			return nil
		})
	switch {
	case err != nil:
		res.Err = err
	case ok.err != nil:
		res.Err = ok.err
	default:
		res.OK, res.Message = ok.ok, ok.msg
		if !ok.ok {
			res.Err = fmt.Errorf("rejected: %s", ok.msg)
		}
	}
	return res
}

func (c *conn) dropWaiter(id string, ch chan okResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, id)
	} else {
		c.waiters[id] = list
	}
}

func (c *conn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *conn) dispatch(data []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		return
	}
	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		var id string
		_ = json.Unmarshal(msg[1], &id)
		ev := new(nostr.Event)
		if err := json.Unmarshal(msg[2], ev); err != nil {
			return
		}
		if sub := c.sub(id); sub != nil {
			sub.deliver(ev)
		}
	case "EOSE":
		var id string
		_ = json.Unmarshal(msg[1], &id)
		if sub := c.sub(id); sub != nil {
			sub.legEnded(c.url, true, "")
		}
	case "CLOSED":
		var id, reason string
		_ = json.Unmarshal(msg[1], &id)
		if len(msg) > 2 {
			_ = json.Unmarshal(msg[2], &reason)
		}
		if sub := c.sub(id); sub != nil {
			c.removeSub(id, false)
			sub.dropLeg(c.url)
			sub.legEnded(c.url, false, reason)
		}
	case "OK":
		if len(msg) < 3 {
			return
		}
		var (
			id   string
			ok   bool
			text string
		)
		_ = json.Unmarshal(msg[1], &id)
		_ = json.Unmarshal(msg[2], &ok)
		if len(msg) > 3 {
			_ = json.Unmarshal(msg[3], &text)
		}
		c.mu.Lock()
		list := c.waiters[id]
		delete(c.waiters, id)
		c.mu.Unlock()
		for _, w := range list {
			select {
			case w <- okResult{ok: ok, msg: text}:
			default:
			}
		}
	case "NOTICE":
		var text string
		_ = json.Unmarshal(msg[1], &text)
		c.pool.log.Info("relay notice", "relay", c.url, "notice", text)
	}
}

func (c *conn) sub(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

// lost handles a read failure on connection generation gen.
func (c *conn) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	_ = c.ws.Close()
	c.ws = nil
	subs, waiters := c.detach()
	c.mu.Unlock()

	c.pool.log.Warn("relay connection lost", "relay", c.url, "error", cause)
	c.endAll(subs, waiters, errConnLost)
}

// detach empties the subscription and waiter tables. Callers hold c.mu.
func (c *conn) detach() (map[string]*Subscription, map[string][]chan okResult) {
	subs, waiters := c.subs, c.waiters
	c.subs = make(map[string]*Subscription)
	c.waiters = make(map[string][]chan okResult)
	return subs, waiters
}

func (c *conn) endAll(subs map[string]*Subscription, waiters map[string][]chan okResult, cause error) {
	for _, sub := range subs {
		sub.dropLeg(c.url)
		sub.legEnded(c.url, false, cause.Error())
	}
	for _, list := range waiters {
		for _, w := range list {
			select {
			case w <- okResult{err: cause}:
			default:
			}
		}
	}
}

// sleepIfIdle disconnects the relay when it has no subscriptions and has been
// idle for longer than keepAlive. It reports whether it disconnected.
func (c *conn) sleepIfIdle(now time.Time, keepAlive time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || len(c.subs) > 0 || now.Sub(c.lastActive) <= keepAlive {
		return false
	}
	_ = c.ws.Close()
	c.ws = nil
	c.gen++
	for id, list := range c.waiters {
		for _, w := range list {
			select {
			case w <- okResult{err: errConnLost}:
			default:
			}
		}
		delete(c.waiters, id)
	}
	return true
}

func (c *conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.gen++
	subs, waiters := c.detach()
	c.mu.Unlock()
	c.endAll(subs, waiters, ErrClosed)
}
