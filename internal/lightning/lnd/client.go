package lnd

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"bazaar/internal/domain"
)

// DefaultCltvExpiry is the final CLTV delta requested for hold invoices.
const DefaultCltvExpiry = 80

// Config holds connection configuration. TLSCert and Macaroon accept either a
// file path or inline material (PEM for the certificate, hex for the
// macaroon).
type Config struct {
	Host       string
	TLSCert    string
	Macaroon   string
	Network    string
	CltvExpiry uint64
}

// FromSeller converts a seller's stored node settings.
func FromSeller(lc domain.LightningConfig) Config {
	return Config{Host: lc.Host, TLSCert: lc.TLSCert, Macaroon: lc.Macaroon, Network: lc.Network}
}

// Client implements domain.PaymentChannel using lnrpc and invoicesrpc.
type Client struct {
	lnClient       lnrpc.LightningClient
	invoicesClient invoicesrpc.InvoicesClient
	conn           *grpc.ClientConn
	cltvExpiry     uint64
}

// NewClient creates a new LND client. The connection is established lazily
// by gRPC on the first call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("lnd: host is required")
	}
	creds, err := transportCredentials(cfg.TLSCert)
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.Macaroon != "" {
		mac, err := loadMacaroon(cfg.Macaroon)
		if err != nil {
			return nil, err
		}
		macCreds, err := macaroons.NewMacaroonCredential(mac)
		if err != nil {
			return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
		}
		opts = append(opts, grpc.WithPerRPCCredentials(macCreds))
	}

	conn, err := grpc.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial LND: %w", err)
	}
	c := newClient(conn)
	if cfg.CltvExpiry > 0 {
		c.cltvExpiry = cfg.CltvExpiry
	}
	return c, nil
}

func newClient(conn *grpc.ClientConn) *Client {
	return &Client{
		lnClient:       lnrpc.NewLightningClient(conn),
		invoicesClient: invoicesrpc.NewInvoicesClient(conn),
		conn:           conn,
		cltvExpiry:     DefaultCltvExpiry,
	}
}

func transportCredentials(cert string) (credentials.TransportCredentials, error) {
	if cert == "" {
		return nil, errors.New("lnd: tls certificate is required")
	}
	if strings.Contains(cert, "-----BEGIN CERTIFICATE-----") {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cert)) {
			return nil, errors.New("lnd: invalid inline tls certificate")
		}
		return credentials.NewClientTLSFromCert(pool, ""), nil
	}
	creds, err := credentials.NewClientTLSFromFile(cert, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}
	return creds, nil
}

func loadMacaroon(src string) (*macaroon.Macaroon, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(src))
	if err != nil {
		raw, err = os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon: %w", err)
		}
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	return mac, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// MakeHoldInvoice adds a hold invoice locked to req.Hash.
func (c *Client) MakeHoldInvoice(ctx context.Context, req domain.HoldInvoiceRequest) (string, error) {
	resp, err := c.invoicesClient.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Memo:       req.Memo,
		Hash:       req.Hash[:],
		Value:      req.AmountSat,
		Expiry:     int64(req.Expiry / time.Second),
		CltvExpiry: c.cltvExpiry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add hold invoice: %w", err)
	}
	return resp.PaymentRequest, nil
}

// LookupInvoice reports the node's state for the invoice locked to hash.
func (c *Client) LookupInvoice(ctx context.Context, hash lntypes.Hash) (domain.InvoiceLookup, error) {
	inv, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hash[:]})
	if status.Code(err) == codes.NotFound || (err != nil && strings.Contains(err.Error(), "unable to locate invoice")) {
		return domain.InvoiceLookup{}, fmt.Errorf("invoice %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return domain.InvoiceLookup{}, fmt.Errorf("failed to lookup invoice: %w", err)
	}

	out := domain.InvoiceLookup{
		State:       stateFromLND(inv.State),
		AmountPaid:  inv.AmtPaidSat,
		PaymentHash: hash,
	}
	if inv.SettleDate > 0 {
		out.SettledAt = time.Unix(inv.SettleDate, 0)
	}
	return out, nil
}

// SettleHoldInvoice reveals preimage to the node and claims the held HTLCs.
func (c *Client) SettleHoldInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	if _, err := c.invoicesClient.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage[:],
	}); err != nil {
		return fmt.Errorf("failed to settle invoice: %w", err)
	}
	return nil
}

// CancelHoldInvoice cancels the invoice and returns held funds to the payer.
func (c *Client) CancelHoldInvoice(ctx context.Context, hash lntypes.Hash) error {
	if _, err := c.invoicesClient.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hash[:],
	}); err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return nil
}

// An ACCEPTED invoice has its HTLCs locked in, which is what the engine
// calls held.
func stateFromLND(s lnrpc.Invoice_InvoiceState) domain.InvoiceState {
	switch s {
	case lnrpc.Invoice_OPEN:
		return domain.InvoiceStateOpen
	case lnrpc.Invoice_ACCEPTED:
		return domain.InvoiceStateHeld
	case lnrpc.Invoice_SETTLED:
		return domain.InvoiceStateSettled
	case lnrpc.Invoice_CANCELED:
		return domain.InvoiceStateCancelled
	default:
		return domain.InvoiceStateUnknown
	}
}

// Compile-time assertion that Client implements domain.PaymentChannel.
var _ domain.PaymentChannel = (*Client)(nil)
