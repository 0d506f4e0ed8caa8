package devrelay

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

func TestRelayStoresAndReplays(t *testing.T) {
	r := New(Options{VerifySignatures: true})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(WebsocketURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	ev := nostr.Event{Kind: 1, Content: "hi", CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	if err := ev.Sign(nostr.GeneratePrivateKey()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := ws.WriteJSON([]any{"EVENT", ev}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ok []any
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("read OK: %v", err)
	}
	if ok[0] != "OK" || ok[2] != true {
		t.Fatalf("unexpected reply %v", ok)
	}

	if err := ws.WriteJSON([]any{"REQ", "s1", nostr.Filter{Kinds: []int{1}}}); err != nil {
		t.Fatalf("write REQ: %v", err)
	}
	var got []any
	if err := ws.ReadJSON(&got); err != nil || got[0] != "EVENT" {
		t.Fatalf("want EVENT, got %v (%v)", got, err)
	}
	if err := ws.ReadJSON(&got); err != nil || got[0] != "EOSE" {
		t.Fatalf("want EOSE, got %v (%v)", got, err)
	}

	forged := ev
	forged.Content = "changed"
	if err := ws.WriteJSON([]any{"EVENT", forged}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.ReadJSON(&ok); err != nil || ok[2] != false {
		t.Fatalf("forged event accepted: %v (%v)", ok, err)
	}
	if n := len(r.Events()); n != 1 {
		t.Fatalf("stored %d events, want 1", n)
	}
}
