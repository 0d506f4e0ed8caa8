package types

import "github.com/nbd-wtf/go-nostr"

// ZapReceipt is a validated kind 9735 receipt with its embedded zap request.
type ZapReceipt struct {
	Receipt    nostr.Event `json:"receipt"`
	Request    nostr.Event `json:"request"`
	Bolt11     string      `json:"bolt11"`
	AmountMsat int64       `json:"amount_msat"`
	Preimage   string      `json:"preimage,omitempty"`
}
