package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"

	"bazaar/internal/domain"
	"bazaar/internal/lightning/mock"
)

func TestNode_Lifecycle(t *testing.T) {
	ctx := context.Background()
	n := mock.New()
	pre := lntypes.Preimage{7}
	hash := pre.Hash()

	if _, err := n.MakeHoldInvoice(ctx, domain.HoldInvoiceRequest{Hash: hash, AmountSat: 10}); err != nil {
		t.Fatalf("make: %v", err)
	}
	if err := n.SettleHoldInvoice(ctx, pre); err == nil {
		t.Fatal("settling an open invoice should fail")
	}
	if err := n.Pay(hash); err != nil {
		t.Fatalf("pay: %v", err)
	}
	n.FailSettles(1)
	if err := n.SettleHoldInvoice(ctx, pre); !errors.Is(err, mock.ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if err := n.SettleHoldInvoice(ctx, pre); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ := n.LookupInvoice(ctx, hash)
	if got.State != domain.InvoiceStateSettled || got.AmountPaid != 10 {
		t.Fatalf("lookup=%+v", got)
	}
	if n.SettleCalls() != 3 {
		t.Fatalf("settle calls=%d", n.SettleCalls())
	}
	if err := n.CancelHoldInvoice(ctx, hash); err == nil {
		t.Fatal("cancelling a settled invoice should fail")
	}
}
