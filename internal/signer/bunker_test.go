package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/bounded"
	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/protocol/rpc"
	"bazaar/internal/relay"
	"bazaar/internal/relay/devrelay"
)

type bunkerMode int32

const (
	modeServe bunkerMode = iota
	modeDeny
	modeSilent
	modeAuth
)

// fakeBunker is a remote signer answering NIP-46 requests through a relay.
type fakeBunker struct {
	t      *testing.T
	sk, pk string
	user   *Local
	secret string
	url    string
	dev    *devrelay.Relay
	pool   *relay.Pool
	mode   atomic.Int32
	subs   atomic.Int32

	mu       sync.Mutex
	requests []rpc.Request
}

func startFakeBunker(t *testing.T, secret string) *fakeBunker {
	t.Helper()
	dr := devrelay.New(devrelay.Options{})
	srv := httptest.NewServer(dr)
	t.Cleanup(srv.Close)

	sk := crypto.GenerateSecretKey()
	user, _ := NewLocal(sk)
	pk, _ := user.GetPublicKey(context.Background())
	fb := &fakeBunker{
		t:      t,
		sk:     sk,
		pk:     pk,
		user:   user,
		secret: secret,
		url:    devrelay.WebsocketURL(srv.URL),
		dev:    dr,
		pool:   relay.New(relay.Options{}),
	}
	t.Cleanup(func() { _ = fb.pool.Close() })

	eose := make(chan struct{})
	if err := fb.listen(func() { close(eose) }); err != nil {
		t.Fatalf("fake bunker subscribe: %v", err)
	}
	<-eose
	return fb
}

// listen subscribes to requests and subscribes again whenever the relay
// connection drops.
func (fb *fakeBunker) listen(onEOSE func()) error {
	_, err := fb.pool.Subscribe(context.Background(), nostr.Filters{{
		Kinds: []int{domain.KindRemoteSigning},
		Tags:  nostr.TagMap{"p": []string{fb.pk}},
	}}, domain.SubscriptionHandlers{
		OnEvent: func(ev *nostr.Event) { go fb.serve(*ev) },
		OnEOSE: func() {
			fb.subs.Add(1)
			if onEOSE != nil {
				onEOSE()
			}
		},
		OnClosed: func(string, string) { go func() { _ = fb.listen(nil) }() },
	}, fb.url)
	return err
}

func (fb *fakeBunker) bunkerURL() string {
	u := "bunker://" + fb.pk + "?relay=" + fb.url
	if fb.secret != "" {
		u += "&secret=" + fb.secret
	}
	return u
}

func (fb *fakeBunker) serve(ev nostr.Event) {
	ctx := context.Background()
	plain, err := crypto.Decrypt(fb.sk, ev.PubKey, ev.Content)
	if err != nil {
		return
	}
	var req rpc.Request
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		return
	}
	fb.mu.Lock()
	fb.requests = append(fb.requests, req)
	fb.mu.Unlock()

	resp := rpc.Response{ID: req.ID}
	switch bunkerMode(fb.mode.Load()) {
	case modeSilent:
		return
	case modeDeny:
		resp.Error = "permission denied"
		fb.reply(ev.PubKey, resp)
		return
	case modeAuth:
		fb.reply(ev.PubKey, rpc.Response{ID: req.ID, Result: rpc.AuthURL, Error: "https://signer.example/approve"})
		time.Sleep(100 * time.Millisecond)
	}

	switch req.Method {
	case "connect":
		if len(req.Params) < 2 || req.Params[1] != fb.secret {
			resp.Error = "invalid secret"
		} else {
			resp.Result = "ack"
		}
	case "get_public_key":
		resp.Result = fb.pk
	case "ping":
		resp.Result = "pong"
	case "sign_event":
		var tmpl nostr.Event
		if err := json.Unmarshal([]byte(req.Params[0]), &tmpl); err != nil {
			resp.Error = err.Error()
			break
		}
		signed, err := fb.user.SignEvent(ctx, tmpl)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		raw, _ := json.Marshal(signed)
		resp.Result = string(raw)
	case "nip44_encrypt":
		resp.Result, err = fb.user.Encrypt(ctx, req.Params[0], req.Params[1])
	case "nip44_decrypt":
		resp.Result, err = fb.user.Decrypt(ctx, req.Params[0], req.Params[1])
	default:
		resp.Error = "unsupported method"
	}
	if err != nil {
		resp.Result, resp.Error = "", err.Error()
	}
	fb.reply(ev.PubKey, resp)
}

func (fb *fakeBunker) reply(client string, resp rpc.Response) {
	raw, _ := json.Marshal(resp)
	content, err := crypto.Encrypt(fb.sk, client, string(raw))
	if err != nil {
		return
	}
	ev := nostr.Event{
		Kind:      domain.KindRemoteSigning,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", client}},
		Content:   content,
	}
	if err := ev.Sign(fb.sk); err != nil {
		return
	}
	_, _ = fb.pool.Publish(context.Background(), ev, fb.url)
}

func (fb *fakeBunker) lastRequest() rpc.Request {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.requests[len(fb.requests)-1]
}

func newClient(t *testing.T, fb *fakeBunker, opts BunkerOptions) *Bunker {
	t.Helper()
	pool := relay.New(relay.Options{})
	t.Cleanup(func() { _ = pool.Close() })
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	b, err := NewBunker(pool, fb.bunkerURL(), opts)
	if err != nil {
		t.Fatalf("NewBunker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestParseBunkerURL(t *testing.T) {
	pk, _ := crypto.PublicKey(crypto.GenerateSecretKey())
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", "bunker://" + pk + "?relay=wss://relay.example&secret=s3", true},
		{"two relays", "bunker://" + pk + "?relay=wss://a.example&relay=wss://b.example", true},
		{"wrong scheme", "nostrconnect://" + pk + "?relay=wss://a.example", false},
		{"bad pubkey", "bunker://nothex?relay=wss://a.example", false},
		{"no relay", "bunker://" + pk, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote, relays, _, err := ParseBunkerURL(tc.raw)
			if tc.ok {
				if err != nil || remote != pk || len(relays) == 0 {
					t.Fatalf("ParseBunkerURL = %q, %v, %v", remote, relays, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidBunkerURL) {
				t.Fatalf("err = %v, want ErrInvalidBunkerURL", err)
			}
		})
	}
}

func TestBunkerRoundTrip(t *testing.T) {
	ctx := context.Background()
	fb := startFakeBunker(t, "s3cret")
	b := newClient(t, fb, BunkerOptions{})

	if status, err := b.Connect(ctx); err != nil || status != "connected" {
		t.Fatalf("Connect = %q, %v", status, err)
	}
	connect := fb.lastRequest()
	if connect.Method != "connect" || len(connect.Params) != 3 {
		t.Fatalf("connect request %+v", connect)
	}
	if want := "sign_event:13,sign_event:9734,sign_event:1,nip44_encrypt,nip44_decrypt"; connect.Params[2] != want {
		t.Fatalf("perms %q, want %q", connect.Params[2], want)
	}

	pk, err := b.GetPublicKey(ctx)
	if err != nil || pk != fb.pk {
		t.Fatalf("GetPublicKey = %q, %v", pk, err)
	}

	ev, err := b.SignEvent(ctx, nostr.Event{Kind: 1, Content: "remote"})
	if err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if ev.PubKey != fb.pk {
		t.Fatalf("signed by %s", ev.PubKey)
	}

	peer, _ := GenerateLocal()
	peerPub, _ := peer.GetPublicKey(ctx)
	ct, err := b.Encrypt(ctx, peerPub, "for peer")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if pt, err := peer.Decrypt(ctx, fb.pk, ct); err != nil || pt != "for peer" {
		t.Fatalf("peer Decrypt = %q, %v", pt, err)
	}
	back, _ := peer.Encrypt(ctx, fb.pk, "for bunker")
	if pt, err := b.Decrypt(ctx, peerPub, back); err != nil || pt != "for bunker" {
		t.Fatalf("Decrypt = %q, %v", pt, err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if n := b.table.Len(); n != 0 {
		t.Fatalf("%d requests still pending", n)
	}
}

func TestBunkerRemoteError(t *testing.T) {
	fb := startFakeBunker(t, "")
	fb.mode.Store(int32(modeDeny))
	b := newClient(t, fb, BunkerOptions{})

	_, err := b.SignEvent(context.Background(), nostr.Event{Kind: 1})
	var re *rpc.RemoteError
	if !errors.As(err, &re) || re.Message != "permission denied" {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}

func TestBunkerTimeout(t *testing.T) {
	fb := startFakeBunker(t, "")
	fb.mode.Store(int32(modeSilent))
	b := newClient(t, fb, BunkerOptions{Timeout: 300 * time.Millisecond})

	if err := b.Ping(context.Background()); !errors.Is(err, bounded.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := b.table.Len(); n != 0 {
		t.Fatalf("timed-out request left %d pending", n)
	}
}

func TestBunkerAuthChallenge(t *testing.T) {
	fb := startFakeBunker(t, "")
	fb.mode.Store(int32(modeAuth))

	urls := make(chan string, 4)
	b := newClient(t, fb, BunkerOptions{OnAuthChallenge: func(c rpc.Challenge) { urls <- c.URL }})

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after challenge: %v", err)
	}
	select {
	case u := <-urls:
		if u != "https://signer.example/approve" {
			t.Fatalf("challenge url %q", u)
		}
	default:
		t.Fatal("challenge handler not called")
	}
}

func TestBunkerAbortChallenge(t *testing.T) {
	fb := startFakeBunker(t, "")
	fb.mode.Store(int32(modeAuth))
	b := newClient(t, fb, BunkerOptions{OnAuthChallenge: func(c rpc.Challenge) { c.Abort() }})

	if err := b.Ping(context.Background()); !errors.Is(err, rpc.ErrChallengeAborted) {
		t.Fatalf("err = %v, want ErrChallengeAborted", err)
	}
}

func TestBunkerWrongSecret(t *testing.T) {
	fb := startFakeBunker(t, "right")
	pool := relay.New(relay.Options{})
	t.Cleanup(func() { _ = pool.Close() })
	b, err := NewBunker(pool, "bunker://"+fb.pk+"?relay="+fb.url+"&secret=wrong", BunkerOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewBunker: %v", err)
	}
	defer b.Close()

	var re *rpc.RemoteError
	if _, err := b.Connect(context.Background()); !errors.As(err, &re) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}

func TestBunkerMarshalRestore(t *testing.T) {
	ctx := context.Background()
	fb := startFakeBunker(t, "s3cret")
	b := newClient(t, fb, BunkerOptions{})
	if _, err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := b.GetPublicKey(ctx); err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	data, err := Marshal(b, testPassphrase)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	pool := relay.New(relay.Options{})
	t.Cleanup(func() { _ = pool.Close() })
	s, err := Restore(data, RestoreOptions{Passphrase: testPassphrase, Pool: pool, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer s.Close()

	rb, ok := s.(*Bunker)
	if !ok {
		t.Fatalf("restored %T", s)
	}
	if rb.ClientPubKey() != b.ClientPubKey() {
		t.Fatal("client session key not restored")
	}
	if pk, _ := rb.GetPublicKey(ctx); pk != fb.pk {
		t.Fatalf("restored user pubkey %q", pk)
	}
	if err := rb.Ping(ctx); err != nil {
		t.Fatalf("Ping on restored session: %v", err)
	}
}

func TestBunkerResubscribesAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	fb := startFakeBunker(t, "")
	b := newClient(t, fb, BunkerOptions{})

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	fb.dev.DropConnections()
	deadline := time.Now().Add(3 * time.Second)
	for {
		b.mu.Lock()
		dropped := b.sub == nil
		b.mu.Unlock()
		if dropped && fb.subs.Load() >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("after drop: client sub cleared=%v, fake bunker subscriptions=%d", dropped, fb.subs.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping after connection loss: %v", err)
	}
	if n := b.table.Len(); n != 0 {
		t.Fatalf("%d requests still pending", n)
	}
}
