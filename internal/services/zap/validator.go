package zap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jonboulle/clockwork"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/bounded"
	"bazaar/internal/domain"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 2 * time.Minute
)

var (
	ErrNotReceipt      = errors.New("zap: not a zap receipt")
	ErrBadSignature    = errors.New("zap: invalid signature")
	ErrWrongProvider   = errors.New("zap: receipt not signed by the expected provider")
	ErrBadRequest      = errors.New("zap: invalid embedded zap request")
	ErrRequestMismatch = errors.New("zap: receipt is for a different zap request")
	ErrBadInvoice      = errors.New("zap: invalid bolt11 invoice")
	ErrAmountMismatch  = errors.New("zap: paid amount does not match")
	ErrDescriptionHash = errors.New("zap: invoice description hash does not commit to the zap request")
)

// DecodedInvoice is the part of a BOLT11 invoice a receipt check needs.
type DecodedInvoice struct {
	AmountMsat      int64
	DescriptionHash []byte
}

// InvoiceDecoder decodes a BOLT11 string.
type InvoiceDecoder func(bolt11 string) (DecodedInvoice, error)

// Expectation describes the zap being waited for.
type Expectation struct {
	// Recipient is the zapped pubkey (receipt "p" tag). Required for Await.
	Recipient string
	// EventID, when set, is the zapped event (receipt "e" tag).
	EventID string
	// RequestID, when set, must be the id of the embedded zap request.
	RequestID string
	// Provider, when set, must be the receipt author (the recipient's
	// LNURL server key).
	Provider string
	// AmountMsat, when positive, must equal the invoice amount.
	AmountMsat int64
	// Since bounds the receipt search; zero means no lower bound.
	Since  time.Time
	Relays []string
}

// Options configure a Validator.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Decoder      InvoiceDecoder
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Validator finds and checks zap receipts.
type Validator struct {
	pool domain.RelayPool
	opts Options
	log  *slog.Logger
}

func New(pool domain.RelayPool, opts Options) *Validator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Decoder == nil {
		opts.Decoder = DecodeBolt11
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Validator{pool: pool, opts: opts, log: log.With("component", "zap")}
}

// Await polls relays until a receipt satisfying exp appears. It fails with
// bounded.ErrTimeout when none does within the configured timeout.
func (v *Validator) Await(ctx context.Context, exp Expectation) (*domain.ZapReceipt, error) {
	if exp.Recipient == "" {
		return nil, errors.New("zap: recipient is required")
	}
	f := nostr.Filter{
		Kinds: []int{domain.KindZapReceipt},
		Tags:  nostr.TagMap{"p": []string{exp.Recipient}},
	}
	if exp.EventID != "" {
		f.Tags["e"] = []string{exp.EventID}
	}
	if !exp.Since.IsZero() {
		since := nostr.Timestamp(exp.Since.Unix())
		f.Since = &since
	}

	return bounded.Run(ctx, bounded.Options{Timeout: v.opts.Timeout, Clock: v.opts.Clock},
		func(ctx context.Context, s *bounded.Settler[*domain.ZapReceipt]) error {
			ticker := v.opts.Clock.NewTicker(v.opts.PollInterval)
			defer ticker.Stop()
			for {
				if zr := v.poll(ctx, nostr.Filters{f}, exp); zr != nil {
					s.Resolve(zr)
					return nil
				}
				select {
				case <-ticker.Chan():
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
}

func (v *Validator) poll(ctx context.Context, filters nostr.Filters, exp Expectation) *domain.ZapReceipt {
	evs, err := v.pool.Fetch(ctx, filters, domain.FetchOptions{Timeout: v.opts.PollInterval}, exp.Relays...)
	if err != nil {
		v.log.Debug("fetch receipts", "error", err)
		return nil
	}
	for _, ev := range evs {
		zr, err := v.Validate(ev, exp)
		if err != nil {
			v.log.Debug("rejecting receipt", "event_id", ev.ID, "error", err)
			continue
		}
		return zr
	}
	return nil
}

// Validate checks a single receipt against exp.
func (v *Validator) Validate(receipt *nostr.Event, exp Expectation) (*domain.ZapReceipt, error) {
	if receipt == nil || receipt.Kind != domain.KindZapReceipt {
		return nil, ErrNotReceipt
	}
	if ok, err := receipt.CheckSignature(); err != nil || !ok {
		return nil, ErrBadSignature
	}
	if exp.Provider != "" && receipt.PubKey != exp.Provider {
		return nil, ErrWrongProvider
	}

	description := tagValue(receipt.Tags, "description")
	var req nostr.Event
	if err := json.Unmarshal([]byte(description), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Kind != domain.KindZapRequest {
		return nil, fmt.Errorf("%w: kind %d", ErrBadRequest, req.Kind)
	}
	if ok, err := req.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: signature", ErrBadRequest)
	}
	if exp.RequestID != "" && req.ID != exp.RequestID {
		return nil, ErrRequestMismatch
	}
	if exp.Recipient != "" && tagValue(req.Tags, "p") != exp.Recipient {
		return nil, ErrRequestMismatch
	}

	bolt11 := tagValue(receipt.Tags, "bolt11")
	inv, err := v.opts.Decoder(bolt11)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInvoice, err)
	}
	if exp.AmountMsat > 0 && inv.AmountMsat != exp.AmountMsat {
		return nil, fmt.Errorf("%w: paid %d msat, want %d", ErrAmountMismatch, inv.AmountMsat, exp.AmountMsat)
	}
	if amt := tagValue(req.Tags, "amount"); amt != "" {
		if n, err := strconv.ParseInt(amt, 10, 64); err != nil || n != inv.AmountMsat {
			return nil, fmt.Errorf("%w: request asked for %s msat, invoice is %d", ErrAmountMismatch, amt, inv.AmountMsat)
		}
	}
	sum := sha256.Sum256([]byte(description))
	if !bytes.Equal(inv.DescriptionHash, sum[:]) {
		return nil, ErrDescriptionHash
	}

	return &domain.ZapReceipt{
		Receipt:    *receipt,
		Request:    req,
		Bolt11:     bolt11,
		AmountMsat: inv.AmountMsat,
		Preimage:   tagValue(receipt.Tags, "preimage"),
	}, nil
}

func tagValue(tags nostr.Tags, key string) string {
	if t := tags.GetFirst([]string{key, ""}); t != nil && len(*t) > 1 {
		return (*t)[1]
	}
	return ""
}

// DecodeBolt11 decodes an invoice with zpay32, picking the network from the
// human-readable prefix.
func DecodeBolt11(bolt11 string) (DecodedInvoice, error) {
	s := strings.ToLower(strings.TrimSpace(bolt11))
	net, err := networkFor(s)
	if err != nil {
		return DecodedInvoice{}, err
	}
	inv, err := zpay32.Decode(s, net)
	if err != nil {
		return DecodedInvoice{}, err
	}
	if inv.MilliSat == nil {
		return DecodedInvoice{}, errors.New("invoice has no amount")
	}
	out := DecodedInvoice{AmountMsat: int64(*inv.MilliSat)}
	if inv.DescriptionHash != nil {
		out.DescriptionHash = inv.DescriptionHash[:]
	}
	return out, nil
}

// Longer prefixes first: "lnbcrt" would otherwise match "lnbc".
func networkFor(s string) (*chaincfg.Params, error) {
	switch {
	case strings.HasPrefix(s, "lnbcrt"):
		return &chaincfg.RegressionNetParams, nil
	case strings.HasPrefix(s, "lntbs"):
		return &chaincfg.SigNetParams, nil
	case strings.HasPrefix(s, "lntb"):
		return &chaincfg.TestNet3Params, nil
	case strings.HasPrefix(s, "lnsb"):
		return &chaincfg.SimNetParams, nil
	case strings.HasPrefix(s, "lnbc"):
		return &chaincfg.MainNetParams, nil
	default:
		return nil, fmt.Errorf("unknown invoice network prefix")
	}
}
