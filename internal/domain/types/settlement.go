package types

import (
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

// InvoiceStatus is the engine-side status of a hold invoice record.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoiceSettled   InvoiceStatus = "settled"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// HoldInvoice is the persisted record for one offered order.
//
// PaymentHash is unique, and so is (Seller, OrderID). Preimage is hex and is
// the only copy of the secret; it never leaves the seller side.
type HoldInvoice struct {
	PaymentHash string        `json:"payment_hash"`
	Preimage    string        `json:"-"`
	OrderID     string        `json:"order_id"`
	Seller      string        `json:"seller"`
	Buyer       string        `json:"buyer"`
	ProductIDs  []string      `json:"product_ids"`
	Amount      int64         `json:"amount"`
	Invoice     string        `json:"invoice"`
	Status      InvoiceStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Reservation holds decremented stock for one product under a payment hash.
type Reservation struct {
	PaymentHash string    `json:"payment_hash"`
	ProductID   string    `json:"product_id"`
	Seller      string    `json:"seller"`
	Quantity    int       `json:"quantity"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FailedSettlement is a queued settle that exhausted its immediate retries.
type FailedSettlement struct {
	PaymentHash string    `json:"payment_hash"`
	Preimage    string    `json:"-"`
	Seller      string    `json:"seller"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// InvoiceState is the state of a hold invoice as reported by the node.
type InvoiceState int

const (
	InvoiceStateUnknown InvoiceState = iota
	InvoiceStateOpen
	InvoiceStateHeld
	InvoiceStateSettled
	InvoiceStateCancelled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceStateOpen:
		return "open"
	case InvoiceStateHeld:
		return "held"
	case InvoiceStateSettled:
		return "settled"
	case InvoiceStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// HoldInvoiceRequest asks the payment channel for a hold invoice locked to Hash.
type HoldInvoiceRequest struct {
	Hash      lntypes.Hash
	AmountSat int64
	Memo      string
	Expiry    time.Duration
}

// InvoiceLookup is the node's view of a hold invoice.
type InvoiceLookup struct {
	State       InvoiceState
	AmountPaid  int64
	SettledAt   time.Time
	PaymentHash lntypes.Hash
}
