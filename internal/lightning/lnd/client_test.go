package lnd

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"bazaar/internal/domain"
)

// fakeNode records hold-invoice calls and serves lookups from a table.
type fakeNode struct {
	invoicesrpc.UnimplementedInvoicesServer
	lnrpc.UnimplementedLightningServer

	mu       sync.Mutex
	added    []*invoicesrpc.AddHoldInvoiceRequest
	settled  [][]byte
	canceled [][]byte
	states   map[lntypes.Hash]*lnrpc.Invoice
}

func (n *fakeNode) AddHoldInvoice(_ context.Context, req *invoicesrpc.AddHoldInvoiceRequest) (*invoicesrpc.AddHoldInvoiceResp, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, req)
	return &invoicesrpc.AddHoldInvoiceResp{PaymentRequest: "lnbcrt1fake"}, nil
}

func (n *fakeNode) SettleInvoice(_ context.Context, req *invoicesrpc.SettleInvoiceMsg) (*invoicesrpc.SettleInvoiceResp, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled = append(n.settled, req.Preimage)
	return &invoicesrpc.SettleInvoiceResp{}, nil
}

func (n *fakeNode) CancelInvoice(_ context.Context, req *invoicesrpc.CancelInvoiceMsg) (*invoicesrpc.CancelInvoiceResp, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, req.PaymentHash)
	return &invoicesrpc.CancelInvoiceResp{}, nil
}

func (n *fakeNode) LookupInvoice(_ context.Context, req *lnrpc.PaymentHash) (*lnrpc.Invoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var h lntypes.Hash
	copy(h[:], req.RHash)
	inv, ok := n.states[h]
	if !ok {
		return nil, status.Error(codes.NotFound, "there are no existing invoices")
	}
	return inv, nil
}

func startNode(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	invoicesrpc.RegisterInvoicesServer(srv, node)
	lnrpc.RegisterLightningServer(srv, node)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := newClient(conn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_HoldInvoiceLifecycle(t *testing.T) {
	preimage := lntypes.Preimage{1, 2, 3}
	hash := preimage.Hash()
	node := &fakeNode{states: map[lntypes.Hash]*lnrpc.Invoice{
		hash: {State: lnrpc.Invoice_ACCEPTED, AmtPaidSat: 150},
	}}
	c := startNode(t, node)
	ctx := context.Background()

	bolt11, err := c.MakeHoldInvoice(ctx, domain.HoldInvoiceRequest{
		Hash:      hash,
		AmountSat: 150,
		Memo:      "order o1",
		Expiry:    15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	if bolt11 != "lnbcrt1fake" {
		t.Fatalf("invoice=%q", bolt11)
	}
	req := node.added[0]
	if req.Value != 150 || req.Expiry != 900 || req.CltvExpiry != DefaultCltvExpiry || lntypes.Hash(req.Hash) != hash {
		t.Fatalf("unexpected request: %+v", req)
	}

	got, err := c.LookupInvoice(ctx, hash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.State != domain.InvoiceStateHeld || got.AmountPaid != 150 {
		t.Fatalf("lookup=%+v", got)
	}

	if err := c.SettleHoldInvoice(ctx, preimage); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := c.CancelHoldInvoice(ctx, hash); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if lntypes.Preimage(node.settled[0]) != preimage || lntypes.Hash(node.canceled[0]) != hash {
		t.Fatal("settle/cancel sent wrong bytes")
	}
}

func TestClient_LookupMissing(t *testing.T) {
	c := startNode(t, &fakeNode{states: map[lntypes.Hash]*lnrpc.Invoice{}})
	_, err := c.LookupInvoice(context.Background(), lntypes.Hash{9})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestStateFromLND(t *testing.T) {
	cases := map[lnrpc.Invoice_InvoiceState]domain.InvoiceState{
		lnrpc.Invoice_OPEN:     domain.InvoiceStateOpen,
		lnrpc.Invoice_ACCEPTED: domain.InvoiceStateHeld,
		lnrpc.Invoice_SETTLED:  domain.InvoiceStateSettled,
		lnrpc.Invoice_CANCELED: domain.InvoiceStateCancelled,
		99:                     domain.InvoiceStateUnknown,
	}
	for in, want := range cases {
		if got := stateFromLND(in); got != want {
			t.Fatalf("state %v: got %v want %v", in, got, want)
		}
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without host")
	}
	if _, err := NewClient(Config{Host: "localhost:10009"}); err == nil {
		t.Fatal("expected error without tls cert")
	}
	if _, err := NewClient(Config{Host: "localhost:10009", TLSCert: "-----BEGIN CERTIFICATE-----\nbad\n-----END CERTIFICATE-----"}); err == nil {
		t.Fatal("expected error for invalid inline cert")
	}
}
