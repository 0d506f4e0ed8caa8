package types

// MessageType tags order protocol messages exchanged inside gift wraps.
type MessageType string

const (
	MessageRequest MessageType = "REQUEST"
	MessageOffer   MessageType = "OFFER"
	MessageFailed  MessageType = "FAILED"
	MessagePaid    MessageType = "PAID"
)

// ReasonOutOfStock is sent in a FAILED message when reservation fails.
const ReasonOutOfStock = "out_of_stock"

// OrderMessage is the JSON content of an order protocol rumor.
//
// Buyers send REQUEST with Items (product ids, repeated for quantity) and an
// optional quoted Price, which the seller ignores in favour of stored prices.
// Sellers answer with OFFER, FAILED or, once settled, PAID.
type OrderMessage struct {
	Type        MessageType `json:"type"`
	OrderID     string      `json:"order_id"`
	Items       []string    `json:"items,omitempty"`
	Price       int64       `json:"price,omitempty"`
	Invoice     string      `json:"invoice,omitempty"`
	PaymentHash string      `json:"payment_hash,omitempty"`
	Amount      int64       `json:"amount,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}
