package rpc_test

import (
	"errors"
	"strings"
	"testing"

	"bazaar/internal/protocol/rpc"
)

func TestIDGeneratorUnique(t *testing.T) {
	g := rpc.NewIDGenerator("bazaar")
	a, b := g.Next(), g.Next()
	if a == b {
		t.Fatalf("duplicate ids %q", a)
	}
	if !strings.HasPrefix(a, "bazaar-") || !strings.HasSuffix(b, "-2") {
		t.Fatalf("unexpected id shape %q, %q", a, b)
	}
	if other := rpc.NewIDGenerator("bazaar").Next(); other == a {
		t.Fatalf("two sessions produced the same id %q", a)
	}
}

func TestDispatchResult(t *testing.T) {
	tab := rpc.NewTable(nil)
	ch, err := tab.Register("1", "sign_event")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !tab.Dispatch(rpc.Response{ID: "1", Result: "ok"}) {
		t.Fatal("pending id not dispatched")
	}
	out := <-ch
	if out.Err != nil || out.Result != "ok" {
		t.Fatalf("outcome %+v", out)
	}
	if tab.Len() != 0 {
		t.Fatalf("table still has %d entries", tab.Len())
	}
}

func TestDispatchRemoteError(t *testing.T) {
	tab := rpc.NewTable(nil)
	ch, _ := tab.Register("1", "sign_event")
	tab.Dispatch(rpc.Response{ID: "1", Error: "denied"})
	out := <-ch
	var re *rpc.RemoteError
	if !errors.As(out.Err, &re) || re.Message != "denied" || re.Method != "sign_event" {
		t.Fatalf("err = %v, want RemoteError{denied}", out.Err)
	}
}

func TestDispatchUnknownIDIsNoop(t *testing.T) {
	tab := rpc.NewTable(nil)
	ch, _ := tab.Register("known", "ping")
	if tab.Dispatch(rpc.Response{ID: "stranger", Result: "pong"}) {
		t.Fatal("unknown id reported as handled")
	}
	select {
	case out := <-ch:
		t.Fatalf("known request settled by a stranger: %+v", out)
	default:
	}
	if tab.Len() != 1 {
		t.Fatalf("table has %d entries, want 1", tab.Len())
	}
}

func TestAuthChallengeKeepsPendingAndFiresOnce(t *testing.T) {
	var challenges []rpc.Challenge
	tab := rpc.NewTable(func(c rpc.Challenge) { challenges = append(challenges, c) })
	ch, _ := tab.Register("1", "connect")

	tab.Dispatch(rpc.Response{ID: "1", Result: rpc.AuthURL, Error: "https://signer.example/auth"})
	tab.Dispatch(rpc.Response{ID: "1", Result: rpc.AuthURL, Error: "https://signer.example/auth"})
	if len(challenges) != 1 {
		t.Fatalf("challenge fired %d times", len(challenges))
	}
	if challenges[0].URL != "https://signer.example/auth" || challenges[0].Method != "connect" {
		t.Fatalf("challenge %+v", challenges[0])
	}
	if tab.Len() != 1 {
		t.Fatal("challenged request no longer pending")
	}

	tab.Dispatch(rpc.Response{ID: "1", Result: "ack"})
	if out := <-ch; out.Result != "ack" {
		t.Fatalf("outcome %+v", out)
	}
}

func TestAbortChallenge(t *testing.T) {
	var got rpc.Challenge
	tab := rpc.NewTable(func(c rpc.Challenge) { got = c })
	ch, _ := tab.Register("1", "connect")
	tab.Dispatch(rpc.Response{ID: "1", Result: rpc.AuthURL, Error: "https://x"})

	got.Abort()
	if out := <-ch; !errors.Is(out.Err, rpc.ErrChallengeAborted) {
		t.Fatalf("err = %v, want ErrChallengeAborted", out.Err)
	}
	if tab.Dispatch(rpc.Response{ID: "1", Result: rpc.AuthURL, Error: "https://x"}) {
		t.Fatal("stale challenge after abort was handled")
	}
}

func TestCloseRejectsPending(t *testing.T) {
	tab := rpc.NewTable(nil)
	ch, _ := tab.Register("1", "ping")
	tab.Close()
	if out := <-ch; !errors.Is(out.Err, rpc.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", out.Err)
	}
	if _, err := tab.Register("2", "ping"); !errors.Is(err, rpc.ErrClosed) {
		t.Fatalf("Register after Close: %v", err)
	}
}
