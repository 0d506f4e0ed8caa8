package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Product is a sellable item. Price is in satoshis and is authoritative.
type Product struct {
	ID     string          `json:"id"`
	Seller string          `json:"seller"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
}

// Seller is the settlement configuration for one seller.
//
// Signer holds a serialized signer (normally a bunker session) restored for
// each sweep; Lightning describes the seller's node.
type Seller struct {
	PubKey    string          `json:"pubkey"`
	Active    bool            `json:"active"`
	Relays    []string        `json:"relays"`
	Signer    json.RawMessage `json:"signer"`
	Lightning LightningConfig `json:"lightning"`
}

// LightningConfig locates and authenticates a seller's LND node.
type LightningConfig struct {
	Host     string `json:"host"`
	TLSCert  string `json:"tls_cert,omitempty"`
	Macaroon string `json:"macaroon,omitempty"`
	Network  string `json:"network,omitempty"`
}
