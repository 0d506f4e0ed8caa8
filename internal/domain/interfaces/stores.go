package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	domaintypes "bazaar/internal/domain/types"
)

// SettlementStore persists products, sellers and the settlement state machine.
//
// The settlement engine is the only writer of invoices, reservations and the
// retry queue. Implementations must make ReserveInventory atomic across all
// items and must reject a second claim or invoice for the same
// (seller, order id) with ErrDuplicateOrder, across processes sharing the
// store.
type SettlementStore interface {
	// ProductPrice returns the authoritative price of a product in satoshis.
	ProductPrice(ctx context.Context, seller, productID string) (decimal.Decimal, error)

	// ClaimOrder marks an order as taken before any stock or invoice exists
	// for it. A claim outlives the sweep that made it, so an order answered
	// with FAILED is never answered again.
	ClaimOrder(ctx context.Context, seller, orderID string, at time.Time) error
	// ReleaseOrder drops a claim so a later sweep may retry the order.
	ReleaseOrder(ctx context.Context, seller, orderID string) error

	// ReserveInventory decrements stock for every item (ids may repeat) under
	// paymentHash. It reports false, with nothing changed, when any item is
	// out of stock.
	ReserveInventory(
		ctx context.Context,
		seller string,
		productIDs []string,
		paymentHash string,
		expiresAt time.Time,
	) (bool, error)
	// DeleteReservation releases the reservation and restores its stock.
	DeleteReservation(ctx context.Context, paymentHash string) error
	// CompleteReservation drops the reservation without restocking.
	CompleteReservation(ctx context.Context, paymentHash string) error
	// ExpiredReservations lists payment hashes with a reservation past now.
	ExpiredReservations(ctx context.Context, seller string, now time.Time) ([]string, error)

	SaveHoldInvoice(ctx context.Context, inv domaintypes.HoldInvoice) error
	// AttachInvoice records the BOLT11 string once the node has issued it.
	AttachInvoice(ctx context.Context, paymentHash, invoice string) error
	HoldInvoiceByOrder(ctx context.Context, seller, orderID string) (domaintypes.HoldInvoice, error)
	HoldInvoice(ctx context.Context, paymentHash string) (domaintypes.HoldInvoice, error)
	PendingInvoices(ctx context.Context, seller string) ([]domaintypes.HoldInvoice, error)
	UpdateInvoiceStatus(ctx context.Context, paymentHash string, status domaintypes.InvoiceStatus) error
	GetPreimage(ctx context.Context, paymentHash string) (string, error)

	QueueFailedSettlement(ctx context.Context, entry domaintypes.FailedSettlement) error
	FailedSettlement(ctx context.Context, paymentHash string) (domaintypes.FailedSettlement, error)
	DueSettlements(ctx context.Context, seller string, now time.Time) ([]domaintypes.FailedSettlement, error)
	RescheduleFailedSettlement(ctx context.Context, paymentHash string, next time.Time, lastErr string) error
	RemoveFailedSettlement(ctx context.Context, paymentHash string) error

	Seller(ctx context.Context, pubkey string) (domaintypes.Seller, error)
	ActiveSellers(ctx context.Context) ([]domaintypes.Seller, error)
}

// OutboxStore persists events that some relays have not accepted yet.
type OutboxStore interface {
	Enqueue(ctx context.Context, entry domaintypes.OutboxEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]domaintypes.OutboxEntry, error)
	Update(ctx context.Context, entry domaintypes.OutboxEntry) error
	Delete(ctx context.Context, id string) error
}

// SignerStore keeps the local signer session for the CLI.
type SignerStore interface {
	SaveSigner(passphrase string, data json.RawMessage) error
	LoadSigner(passphrase string) (json.RawMessage, error)
}
