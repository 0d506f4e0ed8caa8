package interfaces

import (
	"context"

	"github.com/lightningnetwork/lnd/lntypes"

	domaintypes "bazaar/internal/domain/types"
)

// PaymentChannel is the seller's Lightning node, restricted to hold invoices.
type PaymentChannel interface {
	// MakeHoldInvoice returns a BOLT11 invoice locked to req.Hash.
	MakeHoldInvoice(ctx context.Context, req domaintypes.HoldInvoiceRequest) (string, error)
	LookupInvoice(ctx context.Context, hash lntypes.Hash) (domaintypes.InvoiceLookup, error)
	SettleHoldInvoice(ctx context.Context, preimage lntypes.Preimage) error
	CancelHoldInvoice(ctx context.Context, hash lntypes.Hash) error
}
