// Package devrelay is a small in-memory Nostr relay for development and tests.
//
// It speaks the client protocol (EVENT, REQ, CLOSE, EOSE, OK, CLOSED, NOTICE)
// over websockets and keeps every accepted event in memory. Two switches make
// it misbehave on purpose: Mute swallows all traffic without replying, and
// Reject answers every EVENT with OK false.
package devrelay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Options configure a Relay.
type Options struct {
	// VerifySignatures rejects events whose id or signature does not check out.
	VerifySignatures bool
	Logger           *slog.Logger
}

// Relay is an http.Handler serving the Nostr relay protocol from memory.
type Relay struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mute   atomic.Bool
	reject atomic.Bool

	mu      sync.RWMutex
	events  []nostr.Event
	ids     map[string]bool
	clients map[*client]struct{}
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]nostr.Filters
}

// New returns an empty relay.
func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		opts: opts,
		log:  opts.Logger.With("component", "devrelay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ids:     make(map[string]bool),
		clients: make(map[*client]struct{}),
	}
}

// SetMute makes the relay read and drop every message without answering.
func (r *Relay) SetMute(v bool) { r.mute.Store(v) }

// SetReject makes the relay answer every EVENT with OK false.
func (r *Relay) SetReject(v bool) { r.reject.Store(v) }

// Events returns a copy of every stored event.
func (r *Relay) Events() []nostr.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]nostr.Event(nil), r.events...)
}

// Connections returns the number of open client connections.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscriptions returns the number of open subscriptions across clients.
func (r *Relay) Subscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for c := range r.clients {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

// DropConnections closes every client connection.
func (r *Relay) DropConnections() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		_ = c.ws.Close()
	}
}

// Inject stores ev as if a client had published it and fans it out.
func (r *Relay) Inject(ev nostr.Event) { r.store(ev) }

// ServeHTTP upgrades the request and serves one client.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":           "bazaar devrelay",
			"supported_nips": []int{1, 11, 44, 46, 57, 59},
		})
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("upgrade failed", "error", err)
		return
	}
	c := &client{ws: ws, subs: make(map[string]nostr.Filters)}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if r.mute.Load() {
			continue
		}
		r.handle(c, data)
	}
}

func (r *Relay) handle(c *client, data []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		c.send([]any{"NOTICE", "invalid: malformed message"})
		return
	}
	var label string
	_ = json.Unmarshal(msg[0], &label)

	switch label {
	case "EVENT":
		var ev nostr.Event
		if err := json.Unmarshal(msg[1], &ev); err != nil {
			c.send([]any{"NOTICE", "invalid: bad event"})
			return
		}
		if r.reject.Load() {
			c.send([]any{"OK", ev.ID, false, "blocked: relay is rejecting writes"})
			return
		}
		if r.opts.VerifySignatures {
			if ok, err := ev.CheckSignature(); err != nil || !ok || ev.GetID() != ev.ID {
				c.send([]any{"OK", ev.ID, false, "invalid: bad signature"})
				return
			}
		}
		dup := !r.store(ev)
		text := ""
		if dup {
			text = "duplicate: already have this event"
		}
		c.send([]any{"OK", ev.ID, true, text})
	case "REQ":
		var id string
		_ = json.Unmarshal(msg[1], &id)
		filters := make(nostr.Filters, 0, len(msg)-2)
		for _, raw := range msg[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				c.send([]any{"CLOSED", id, "invalid: bad filter"})
				return
			}
			filters = append(filters, f)
		}
		c.mu.Lock()
		c.subs[id] = filters
		c.mu.Unlock()
		for _, ev := range r.Events() {
			if filters.Match(&ev) {
				c.send([]any{"EVENT", id, ev})
			}
		}
		c.send([]any{"EOSE", id})
	case "CLOSE":
		var id string
		_ = json.Unmarshal(msg[1], &id)
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	default:
		c.send([]any{"NOTICE", "unsupported: " + strings.ToLower(label)})
	}
}

// store keeps ev and fans it out to live subscriptions. It reports false for
// an event already seen.
func (r *Relay) store(ev nostr.Event) bool {
	r.mu.Lock()
	if r.ids[ev.ID] {
		r.mu.Unlock()
		return false
	}
	r.ids[ev.ID] = true
	r.events = append(r.events, ev)
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var hits []string
		for id, filters := range c.subs {
			if filters.Match(&ev) {
				hits = append(hits, id)
			}
		}
		c.mu.Unlock()
		for _, id := range hits {
			c.send([]any{"EVENT", id, ev})
		}
	}
	return true
}

func (c *client) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.ws.WriteJSON(v)
}

// WebsocketURL turns an http:// test server URL into its ws:// form.
func WebsocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
