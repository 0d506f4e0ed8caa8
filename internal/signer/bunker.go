package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/bounded"
	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/protocol/rpc"
	"bazaar/internal/util/memzero"
)

// idPrefix starts every request id this client sends.
const idPrefix = "bazaar"

// DefaultPermittedKinds are the event kinds a bunker session asks to sign.
var DefaultPermittedKinds = []int{domain.KindSeal, domain.KindZapRequest, 1}

// BunkerOptions configure a Bunker.
type BunkerOptions struct {
	// ClientKey is the session key; a fresh one is generated when empty.
	ClientKey string
	// UserPubKey is the identity behind the bunker, if already known.
	UserPubKey      string
	PermittedKinds  []int
	Timeout         time.Duration
	OnAuthChallenge rpc.ChallengeHandler
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// Bunker forwards signer calls to a remote signer over relays.
type Bunker struct {
	pool   domain.RelayPool
	remote string
	relays []string
	secret string
	opts   BunkerOptions
	log    *slog.Logger

	clientSK string
	clientPK string

	ids   *rpc.IDGenerator
	table *rpc.Table

	mu     sync.Mutex
	userPK string
	sub    domain.Subscription
	subGen uint64
	closed bool
}

// ParseBunkerURL splits bunker://<remote-pubkey>?relay=...&secret=...
func ParseBunkerURL(raw string) (remote string, relays []string, secret string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", nil, "", fmt.Errorf("%w: %v", ErrInvalidBunkerURL, err)
	}
	if u.Scheme != "bunker" {
		return "", nil, "", fmt.Errorf("%w: scheme %q", ErrInvalidBunkerURL, u.Scheme)
	}
	remote = u.Host
	if remote == "" {
		remote = strings.TrimPrefix(u.Opaque, "//")
	}
	if !crypto.ValidPublicKey(remote) {
		return "", nil, "", fmt.Errorf("%w: bad remote pubkey", ErrInvalidBunkerURL)
	}
	q := u.Query()
	for _, r := range q["relay"] {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}
	if len(relays) == 0 {
		return "", nil, "", fmt.Errorf("%w: no relay", ErrInvalidBunkerURL)
	}
	return remote, relays, q.Get("secret"), nil
}

// NewBunker prepares a session with the signer named by bunkerURL. No traffic
// is sent until the first call.
func NewBunker(pool domain.RelayPool, bunkerURL string, opts BunkerOptions) (*Bunker, error) {
	remote, relays, secret, err := ParseBunkerURL(bunkerURL)
	if err != nil {
		return nil, err
	}
	return newBunker(pool, remote, relays, secret, opts)
}

func newBunker(pool domain.RelayPool, remote string, relays []string, secret string, opts BunkerOptions) (*Bunker, error) {
	if pool == nil {
		return nil, errors.New("bunker signer needs a relay pool")
	}
	if opts.ClientKey == "" {
		opts.ClientKey = crypto.GenerateSecretKey()
	}
	clientPK, err := crypto.PublicKey(opts.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	if len(opts.PermittedKinds) == 0 {
		opts.PermittedKinds = DefaultPermittedKinds
	}
	if opts.Timeout <= 0 {
		opts.Timeout = bounded.DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bunker{
		pool:     pool,
		remote:   remote,
		relays:   relays,
		secret:   secret,
		opts:     opts,
		log:      opts.Logger.With("component", "bunker", "remote", crypto.Fingerprint(remote)),
		clientSK: opts.ClientKey,
		clientPK: clientPK,
		ids:      rpc.NewIDGenerator(idPrefix),
		table:    rpc.NewTable(opts.OnAuthChallenge),
		userPK:   opts.UserPubKey,
	}, nil
}

type bunkerSecrets struct {
	ClientKey string `json:"client_key"`
	Secret    string `json:"secret,omitempty"`
}

func restoreBunker(cfg Config, opts RestoreOptions) (*Bunker, error) {
	raw, err := cfg.Key.Open(opts.Passphrase)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	var sec bunkerSecrets
	if err := json.Unmarshal(raw, &sec); err != nil {
		return nil, fmt.Errorf("decode bunker secrets: %w", err)
	}
	return newBunker(opts.Pool, cfg.Remote, cfg.Relays, sec.Secret, BunkerOptions{
		ClientKey:       sec.ClientKey,
		UserPubKey:      cfg.PubKey,
		Timeout:         opts.Timeout,
		OnAuthChallenge: opts.OnAuthChallenge,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
	})
}

func (b *Bunker) Type() string { return TypeBunker }

// ClientPubKey is the session key the remote signer sees.
func (b *Bunker) ClientPubKey() string { return b.clientPK }

// listen opens the response subscription unless one is live.
func (b *Bunker) listen(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.sub != nil {
		return nil
	}
	b.subGen++
	gen := b.subGen
	since := nostr.Now() - 60
	sub, err := b.pool.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{domain.KindRemoteSigning},
		Authors: []string{b.remote},
		Tags:    nostr.TagMap{"p": []string{b.clientPK}},
		Since:   &since,
	}}, domain.SubscriptionHandlers{
		OnEvent: b.handle,
		// Runs apart: a failed leg can be reported before Subscribe returns.
		OnClosed: func(relay, reason string) { go b.dropSub(gen, relay, reason) },
	}, b.relays...)
	if err != nil {
		return fmt.Errorf("listen for bunker responses: %w", err)
	}
	b.sub = sub
	return nil
}

// dropSub forgets subscription gen once one of its relays ended it, so the
// next call subscribes again.
func (b *Bunker) dropSub(gen uint64, relay, reason string) {
	b.mu.Lock()
	if gen != b.subGen || b.sub == nil {
		b.mu.Unlock()
		return
	}
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	sub.Close()
	b.log.Warn("bunker subscription ended", "relay", relay, "reason", reason)
}

// handle is the single entry point for inbound bunker traffic.
func (b *Bunker) handle(ev *nostr.Event) {
	if ev.PubKey != b.remote {
		return
	}
	plain, err := crypto.Decrypt(b.clientSK, ev.PubKey, ev.Content)
	if err != nil {
		b.log.Debug("undecryptable bunker message", "event", ev.ID, "error", err)
		return
	}
	var resp rpc.Response
	if err := json.Unmarshal([]byte(plain), &resp); err != nil || resp.ID == "" {
		return
	}
	if !b.table.Dispatch(resp) {
		b.log.Debug("response for unknown request", "id", resp.ID)
	}
}

func (b *Bunker) call(ctx context.Context, method string, params ...string) (string, error) {
	if err := b.listen(ctx); err != nil {
		return "", err
	}
	if params == nil {
		params = []string{}
	}
	id := b.ids.Next()
	ch, err := b.table.Register(id, method)
	if err != nil {
		return "", err
	}

	ev, err := b.request(rpc.Request{ID: id, Method: method, Params: params})
	if err != nil {
		b.table.Forget(id)
		return "", err
	}
	results, err := b.pool.Publish(ctx, ev, b.relays...)
	if err != nil {
		b.table.Forget(id)
		return "", fmt.Errorf("publish %s: %w", method, err)
	}
	if !anyAccepted(results) {
		b.table.Forget(id)
		return "", fmt.Errorf("publish %s: no relay accepted the request: %w", method, firstError(results))
	}

	out, err := bounded.Run(ctx, bounded.Options{Timeout: b.opts.Timeout, Clock: b.opts.Clock},
		func(ctx context.Context, s *bounded.Settler[string]) error {
			go func() {
				select {
				case o := <-ch:
					if o.Err != nil {
						s.Reject(o.Err)
					} else {
						s.Resolve(o.Result)
					}
				case <-ctx.Done():
				}
			}()
			return nil
		})
	if err != nil {
		b.table.Forget(id)
		return "", fmt.Errorf("bunker %s: %w", method, err)
	}
	return out, nil
}

func (b *Bunker) request(req rpc.Request) (nostr.Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := crypto.Encrypt(b.clientSK, b.remote, string(payload))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt request: %w", err)
	}
	ev := nostr.Event{
		Kind:      domain.KindRemoteSigning,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", b.remote}},
		Content:   content,
	}
	if err := ev.Sign(b.clientSK); err != nil {
		return nostr.Event{}, fmt.Errorf("sign request: %w", err)
	}
	return ev, nil
}

func anyAccepted(results []domain.PublishResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}

func firstError(results []domain.PublishResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return errors.New("no result")
}

// perms lists what the session asks the remote signer to allow.
func (b *Bunker) perms() string {
	parts := make([]string, 0, len(b.opts.PermittedKinds)+2)
	for _, k := range b.opts.PermittedKinds {
		parts = append(parts, "sign_event:"+strconv.Itoa(k))
	}
	parts = append(parts, "nip44_encrypt", "nip44_decrypt")
	return strings.Join(parts, ",")
}

// Connect sends the connect request with the permission grant.
func (b *Bunker) Connect(ctx context.Context) (string, error) {
	res, err := b.call(ctx, "connect", b.remote, b.secret, b.perms())
	if err != nil {
		return "", err
	}
	if res != "ack" && (b.secret == "" || res != b.secret) {
		return "", fmt.Errorf("bunker connect: unexpected reply %q", res)
	}
	return "connected", nil
}

// Ping checks that the remote signer is answering.
func (b *Bunker) Ping(ctx context.Context) error {
	res, err := b.call(ctx, "ping")
	if err != nil {
		return err
	}
	if res != "pong" {
		return fmt.Errorf("bunker ping: unexpected reply %q", res)
	}
	return nil
}

func (b *Bunker) GetPublicKey(ctx context.Context) (string, error) {
	b.mu.Lock()
	pk := b.userPK
	b.mu.Unlock()
	if pk != "" {
		return pk, nil
	}
	pk, err := b.call(ctx, "get_public_key")
	if err != nil {
		return "", err
	}
	if !crypto.ValidPublicKey(pk) {
		return "", fmt.Errorf("bunker get_public_key: invalid key %q", pk)
	}
	b.mu.Lock()
	b.userPK = pk
	b.mu.Unlock()
	return pk, nil
}

func (b *Bunker) SignEvent(ctx context.Context, tmpl nostr.Event) (nostr.Event, error) {
	pk, err := b.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, err
	}
	if tmpl.CreatedAt == 0 {
		tmpl.CreatedAt = nostr.Now()
	}
	if tmpl.Tags == nil {
		tmpl.Tags = nostr.Tags{}
	}
	tmpl.PubKey, tmpl.ID, tmpl.Sig = pk, "", ""
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return nostr.Event{}, err
	}
	res, err := b.call(ctx, "sign_event", string(raw))
	if err != nil {
		return nostr.Event{}, err
	}
	var ev nostr.Event
	if err := json.Unmarshal([]byte(res), &ev); err != nil {
		return nostr.Event{}, fmt.Errorf("bunker sign_event: decode: %w", err)
	}
	return checkSigned(ev, pk)
}

func (b *Bunker) Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	return b.call(ctx, "nip44_encrypt", peer, plaintext)
}

func (b *Bunker) Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	return b.call(ctx, "nip44_decrypt", peer, ciphertext)
}

// Close ends the response subscription and fails pending calls.
func (b *Bunker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	b.table.Close()
	return nil
}

func (b *Bunker) config(passphrase string) (Config, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return Config{}, err
	}
	raw, err := json.Marshal(bunkerSecrets{ClientKey: b.clientSK, Secret: b.secret})
	if err != nil {
		return Config{}, err
	}
	defer memzero.Zero(raw)
	sealed, err := crypto.Seal(passphrase, raw)
	if err != nil {
		return Config{}, err
	}
	b.mu.Lock()
	pk := b.userPK
	b.mu.Unlock()
	return Config{
		Type:   TypeBunker,
		PubKey: pk,
		Key:    sealed,
		Remote: b.remote,
		Relays: append([]string(nil), b.relays...),
	}, nil
}

// Compile-time assertion that Bunker implements domain.Signer.
var _ domain.Signer = (*Bunker)(nil)
