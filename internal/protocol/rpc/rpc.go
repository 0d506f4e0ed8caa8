package rpc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// AuthURL is the result value announcing an authorization challenge.
const AuthURL = "auth_url"

var (
	// ErrChallengeAborted rejects a request whose auth challenge was aborted.
	ErrChallengeAborted = errors.New("auth challenge aborted")
	// ErrClosed rejects requests still pending when the table is closed.
	ErrClosed = errors.New("rpc session closed")
	// ErrDuplicateID is returned when an id is registered twice.
	ErrDuplicateID = errors.New("duplicate request id")
)

// Request is the plaintext of an outbound call.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is the plaintext of an inbound reply.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// RemoteError is an error reported by the remote signer.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote signer: %s: %s", e.Method, e.Message)
}

// Outcome settles one pending request.
type Outcome struct {
	Result string
	Err    error
}

// Challenge is an authorization step the user has to complete out of band.
type Challenge struct {
	ID     string
	Method string
	URL    string

	abort func()
}

// Abort gives up on the challenged request.
func (c Challenge) Abort() {
	if c.abort != nil {
		c.abort()
	}
}

// ChallengeHandler is told about auth challenges. It must not block.
type ChallengeHandler func(Challenge)

// IDGenerator yields "<prefix>-<session>-<n>" ids, unique per process session.
type IDGenerator struct {
	prefix  string
	session string
	n       atomic.Uint64
}

// NewIDGenerator returns a generator with a fresh random session component.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix, session: uuid.NewString()[:8]}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%s-%s-%d", g.prefix, g.session, g.n.Add(1))
}

type pending struct {
	method     string
	ch         chan Outcome
	challenged bool
}

// Table correlates responses with pending requests.
type Table struct {
	onChallenge ChallengeHandler

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// NewTable returns an empty table. onChallenge may be nil.
func NewTable(onChallenge ChallengeHandler) *Table {
	return &Table{onChallenge: onChallenge, pending: make(map[string]*pending)}
}

// Register adds a pending request and returns the channel it settles on.
func (t *Table) Register(id, method string) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, dup := t.pending[id]; dup {
		return nil, ErrDuplicateID
	}
	p := &pending{method: method, ch: make(chan Outcome, 1)}
	t.pending[id] = p
	return p.ch, nil
}

// Dispatch routes one response. It reports whether the id was pending.
func (t *Table) Dispatch(resp Response) bool {
	t.mu.Lock()
	p, ok := t.pending[resp.ID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if resp.Result == AuthURL {
		first := !p.challenged
		p.challenged = true
		t.mu.Unlock()
		if first && t.onChallenge != nil {
			id := resp.ID
			t.onChallenge(Challenge{
				ID:     id,
				Method: p.method,
				URL:    resp.Error,
				abort:  func() { t.Abort(id) },
			})
		}
		return true
	}
	delete(t.pending, resp.ID)
	t.mu.Unlock()

	if resp.Error != "" {
		p.ch <- Outcome{Err: &RemoteError{Method: p.method, Message: resp.Error}}
	} else {
		p.ch <- Outcome{Result: resp.Result}
	}
	return true
}

// Abort removes id and rejects it with ErrChallengeAborted.
func (t *Table) Abort(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		p.ch <- Outcome{Err: ErrChallengeAborted}
	}
	return ok
}

// Forget removes id without settling it, for callers that stopped waiting.
func (t *Table) Forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close rejects every pending request with ErrClosed.
func (t *Table) Close() {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[string]*pending)
	t.closed = true
	t.mu.Unlock()
	for _, p := range all {
		p.ch <- Outcome{Err: ErrClosed}
	}
}
