package domain

import (
	interfaces "bazaar/internal/domain/interfaces"
	types "bazaar/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Fingerprint          = types.Fingerprint
	MessageType          = types.MessageType
	OrderMessage         = types.OrderMessage
	InvoiceStatus        = types.InvoiceStatus
	InvoiceState         = types.InvoiceState
	HoldInvoice          = types.HoldInvoice
	HoldInvoiceRequest   = types.HoldInvoiceRequest
	InvoiceLookup        = types.InvoiceLookup
	Reservation          = types.Reservation
	FailedSettlement     = types.FailedSettlement
	Product              = types.Product
	Seller               = types.Seller
	LightningConfig      = types.LightningConfig
	SubscriptionHandlers = types.SubscriptionHandlers
	FetchOptions         = types.FetchOptions
	PublishResult        = types.PublishResult
	RelayState           = types.RelayState
	RelayStatus          = types.RelayStatus
	OutboxEntry          = types.OutboxEntry
	ZapReceipt           = types.ZapReceipt
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	Signer          = interfaces.Signer
	Subscription    = interfaces.Subscription
	RelayPool       = interfaces.RelayPool
	Publisher       = interfaces.Publisher
	PaymentChannel  = interfaces.PaymentChannel
	SettlementStore = interfaces.SettlementStore
	OutboxStore     = interfaces.OutboxStore
	SignerStore     = interfaces.SignerStore
)

const (
	MessageRequest = types.MessageRequest
	MessageOffer   = types.MessageOffer
	MessageFailed  = types.MessageFailed
	MessagePaid    = types.MessagePaid

	ReasonOutOfStock = types.ReasonOutOfStock

	InvoicePending   = types.InvoicePending
	InvoiceSettled   = types.InvoiceSettled
	InvoiceCancelled = types.InvoiceCancelled

	InvoiceStateUnknown   = types.InvoiceStateUnknown
	InvoiceStateOpen      = types.InvoiceStateOpen
	InvoiceStateHeld      = types.InvoiceStateHeld
	InvoiceStateSettled   = types.InvoiceStateSettled
	InvoiceStateCancelled = types.InvoiceStateCancelled

	RelaySleeping = types.RelaySleeping
	RelayActive   = types.RelayActive

	KindRumor         = types.KindRumor
	KindSeal          = types.KindSeal
	KindGiftWrap      = types.KindGiftWrap
	KindZapRequest    = types.KindZapRequest
	KindZapReceipt    = types.KindZapReceipt
	KindRemoteSigning = types.KindRemoteSigning
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound            = types.ErrNotFound
	ErrDuplicateOrder      = types.ErrDuplicateOrder
	ErrReservationConflict = types.ErrReservationConflict
	ErrSettlementTransient = types.ErrSettlementTransient
	ErrInvalidOrder        = types.ErrInvalidOrder
	ErrSellerNotActive     = types.ErrSellerNotActive
)
