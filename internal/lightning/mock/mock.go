// Package mock provides an in-memory hold-invoice node. It is scriptable:
// tests can mark invoices as paid and make settlement fail a number of times.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"bazaar/internal/domain"
)

// ErrUnavailable is the scripted transient failure.
var ErrUnavailable = errors.New("mock: node unavailable")

type invoice struct {
	req       domain.HoldInvoiceRequest
	state     domain.InvoiceState
	paid      int64
	settledAt time.Time
}

// Node is a fake Lightning node implementing domain.PaymentChannel.
type Node struct {
	mu          sync.Mutex
	invoices    map[lntypes.Hash]*invoice
	settleFails int
	makeErr     error
	lookupErr   error
	settleCalls int
	cancelCalls int
}

func New() *Node {
	return &Node{invoices: make(map[lntypes.Hash]*invoice)}
}

// Pay moves an open invoice to held, as if the buyer's HTLC arrived.
func (n *Node) Pay(hash lntypes.Hash) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	inv, ok := n.invoices[hash]
	if !ok {
		return domain.ErrNotFound
	}
	if inv.state != domain.InvoiceStateOpen {
		return fmt.Errorf("mock: invoice is %s", inv.state)
	}
	inv.state = domain.InvoiceStateHeld
	inv.paid = inv.req.AmountSat
	return nil
}

// SetState forces the node-side state of an invoice.
func (n *Node) SetState(hash lntypes.Hash, s domain.InvoiceState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if inv, ok := n.invoices[hash]; ok {
		inv.state = s
	}
}

// FailSettles makes the next k settle calls fail with ErrUnavailable.
func (n *Node) FailSettles(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settleFails = k
}

// FailMake makes MakeHoldInvoice return err until reset with nil.
func (n *Node) FailMake(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.makeErr = err
}

// FailLookup makes LookupInvoice return err until reset with nil.
func (n *Node) FailLookup(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookupErr = err
}

// SettleCalls counts SettleHoldInvoice calls, failed ones included.
func (n *Node) SettleCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.settleCalls
}

// CancelCalls counts CancelHoldInvoice calls.
func (n *Node) CancelCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelCalls
}

// Invoice returns the request an invoice was created from and its state.
func (n *Node) Invoice(hash lntypes.Hash) (domain.HoldInvoiceRequest, domain.InvoiceState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inv, ok := n.invoices[hash]
	if !ok {
		return domain.HoldInvoiceRequest{}, domain.InvoiceStateUnknown, false
	}
	return inv.req, inv.state, true
}

// Count reports how many invoices were created.
func (n *Node) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.invoices)
}

func (n *Node) MakeHoldInvoice(_ context.Context, req domain.HoldInvoiceRequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.makeErr != nil {
		return "", n.makeErr
	}
	if _, dup := n.invoices[req.Hash]; dup {
		return "", fmt.Errorf("mock: invoice with hash %s already exists", req.Hash)
	}
	n.invoices[req.Hash] = &invoice{req: req, state: domain.InvoiceStateOpen}
	return fmt.Sprintf("lnbcrt%dn1mock%s", req.AmountSat, req.Hash.String()[:16]), nil
}

func (n *Node) LookupInvoice(_ context.Context, hash lntypes.Hash) (domain.InvoiceLookup, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lookupErr != nil {
		return domain.InvoiceLookup{}, n.lookupErr
	}
	inv, ok := n.invoices[hash]
	if !ok {
		return domain.InvoiceLookup{}, domain.ErrNotFound
	}
	return domain.InvoiceLookup{
		State:       inv.state,
		AmountPaid:  inv.paid,
		SettledAt:   inv.settledAt,
		PaymentHash: hash,
	}, nil
}

func (n *Node) SettleHoldInvoice(_ context.Context, preimage lntypes.Preimage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settleCalls++
	if n.settleFails > 0 {
		n.settleFails--
		return ErrUnavailable
	}
	inv, ok := n.invoices[preimage.Hash()]
	if !ok {
		return domain.ErrNotFound
	}
	if inv.state != domain.InvoiceStateHeld {
		return fmt.Errorf("mock: cannot settle %s invoice", inv.state)
	}
	inv.state = domain.InvoiceStateSettled
	inv.settledAt = time.Now()
	return nil
}

func (n *Node) CancelHoldInvoice(_ context.Context, hash lntypes.Hash) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelCalls++
	inv, ok := n.invoices[hash]
	if !ok {
		return domain.ErrNotFound
	}
	if inv.state == domain.InvoiceStateSettled {
		return errors.New("mock: invoice already settled")
	}
	inv.state = domain.InvoiceStateCancelled
	return nil
}

var _ domain.PaymentChannel = (*Node)(nil)
