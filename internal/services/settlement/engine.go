package settlement

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/nbd-wtf/go-nostr"
	"github.com/shopspring/decimal"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/protocol/giftwrap"
)

// Deps are the collaborators of an Engine. Publisher may be nil, in which
// case messages go straight to the pool.
type Deps struct {
	Store     domain.SettlementStore
	Payments  domain.PaymentChannel
	Pool      domain.RelayPool
	Signer    domain.Signer
	Publisher domain.Publisher
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Engine settles orders for one seller.
type Engine struct {
	seller    string
	store     domain.SettlementStore
	payments  domain.PaymentChannel
	pool      domain.RelayPool
	signer    domain.Signer
	publisher domain.Publisher
	cfg       Config
	clk       clockwork.Clock
	log       *slog.Logger

	// intakeMu orders the deliveries this engine sees. Engines sharing a
	// store are kept apart by ClaimOrder.
	intakeMu sync.Mutex
}

// New constructs an Engine for seller (hex pubkey).
func New(seller string, deps Deps, cfg Config) (*Engine, error) {
	if !crypto.ValidPublicKey(seller) {
		return nil, fmt.Errorf("settlement: invalid seller pubkey %q", seller)
	}
	if deps.Store == nil || deps.Payments == nil || deps.Pool == nil || deps.Signer == nil {
		return nil, errors.New("settlement: store, payments, pool and signer are required")
	}
	cfg.setDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = poolPublisher{deps.Pool}
	}
	return &Engine{
		seller:    seller,
		store:     deps.Store,
		payments:  deps.Payments,
		pool:      deps.Pool,
		signer:    deps.Signer,
		publisher: pub,
		cfg:       cfg,
		clk:       clk,
		log:       log.With("seller", string(crypto.Fingerprint(seller))),
	}, nil
}

// Init runs one sweep: reconcile pending invoices, drain the retry queue,
// then listen for new orders. Per-record failures are logged, not returned;
// the error reports only a step that could not run at all.
func (e *Engine) Init(ctx context.Context) (Report, error) {
	rep := Report{Seller: e.seller}
	var errs []error

	r, err := e.CheckPendingInvoices(ctx)
	rep.add(r)
	if err != nil {
		errs = append(errs, fmt.Errorf("check pending invoices: %w", err))
	}

	r, err = e.ProcessRetryQueue(ctx)
	rep.add(r)
	if err != nil {
		errs = append(errs, fmt.Errorf("process retry queue: %w", err))
	}

	if ctx.Err() == nil {
		r, err = e.ListenForOrders(ctx)
		rep.add(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("listen for orders: %w", err))
		}
	}

	e.log.Info("sweep finished",
		"requests", rep.Requests, "offers", rep.Offers, "out_of_stock", rep.OutOfStock,
		"settled", rep.Settled, "cancelled", rep.Cancelled, "queued", rep.Queued)
	return rep, errors.Join(errs...)
}

// inbox buffers relay deliveries so relay read loops never wait on the
// engine.
type inbox struct {
	mu     sync.Mutex
	events []*nostr.Event
	ready  chan struct{}
}

func newInbox() *inbox { return &inbox{ready: make(chan struct{}, 1)} }

func (q *inbox) push(ev *nostr.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inbox) take() []*nostr.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// ListenForOrders subscribes to gift wraps addressed to the seller within
// IntakeWindow and handles them for ListenFor.
func (e *Engine) ListenForOrders(ctx context.Context) (Report, error) {
	var rep Report
	q := newInbox()
	since := nostr.Timestamp(e.clk.Now().Add(-e.cfg.IntakeWindow).Unix())
	filters := nostr.Filters{{
		Kinds: []int{domain.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{e.seller}},
		Since: &since,
	}}

	sub, err := e.pool.Subscribe(ctx, filters, domain.SubscriptionHandlers{OnEvent: q.push}, e.cfg.Relays...)
	if err != nil {
		return rep, err
	}
	defer sub.Close()

	timer := e.clk.NewTimer(e.cfg.ListenFor)
	defer timer.Stop()

	drain := func() {
		for _, ev := range q.take() {
			e.handleOrder(ctx, ev, &rep)
		}
	}
	for {
		select {
		case <-q.ready:
			drain()
		case <-timer.Chan():
			sub.Close()
			drain()
			return rep, nil
		case <-ctx.Done():
			return rep, ctx.Err()
		}
	}
}

// HandleWrap processes one gift-wrapped event as ListenForOrders would.
func (e *Engine) HandleWrap(ctx context.Context, wrap *nostr.Event) Report {
	var rep Report
	e.handleOrder(ctx, wrap, &rep)
	return rep
}

func (e *Engine) handleOrder(ctx context.Context, wrap *nostr.Event, rep *Report) {
	rumor, err := giftwrap.Unwrap(ctx, e.signer, wrap)
	if err != nil {
		e.log.Debug("ignoring undecryptable wrap", "event_id", wrap.ID, "error", err)
		return
	}
	var msg domain.OrderMessage
	if err := json.Unmarshal([]byte(rumor.Content), &msg); err != nil || msg.Type != domain.MessageRequest {
		return
	}
	rep.Requests++
	log := e.log.With("order_id", msg.OrderID, "buyer", string(crypto.Fingerprint(rumor.PubKey)))

	if msg.OrderID == "" || len(msg.Items) == 0 {
		rep.Rejected++
		log.Warn("dropping order", "error", domain.ErrInvalidOrder)
		return
	}

	e.intakeMu.Lock()
	defer e.intakeMu.Unlock()

	_, err = e.store.HoldInvoiceByOrder(ctx, e.seller, msg.OrderID)
	switch {
	case err == nil:
		rep.Duplicates++
		log.Debug("order already has an invoice")
		return
	case !errors.Is(err, domain.ErrNotFound):
		log.Error("lookup order", "error", err)
		return
	}

	amount, err := e.price(ctx, msg.Items)
	if err != nil {
		rep.Rejected++
		log.Warn("dropping unpriceable order", "error", err)
		return
	}
	if msg.Price > 0 && msg.Price != amount {
		log.Info("buyer quote differs from store price", "quoted", msg.Price, "amount", amount)
	}

	if err := e.store.ClaimOrder(ctx, e.seller, msg.OrderID, e.clk.Now()); err != nil {
		if errors.Is(err, domain.ErrDuplicateOrder) {
			rep.Duplicates++
			log.Debug("order already answered")
		} else {
			log.Error("claim order", "error", err)
		}
		return
	}
	if !e.createOffer(ctx, log, rumor.PubKey, msg, amount, rep) {
		if err := e.store.ReleaseOrder(ctx, e.seller, msg.OrderID); err != nil {
			log.Error("release order claim", "error", err)
		}
	}
}

// price sums the authoritative store price of every item.
func (e *Engine) price(ctx context.Context, items []string) (int64, error) {
	total := decimal.Zero
	for _, id := range items {
		p, err := e.store.ProductPrice(ctx, e.seller, id)
		if err != nil {
			return 0, fmt.Errorf("%w: item %s: %v", domain.ErrInvalidOrder, id, err)
		}
		if !p.IsPositive() {
			return 0, fmt.Errorf("%w: item %s has price %s", domain.ErrInvalidOrder, id, p)
		}
		total = total.Add(p)
	}
	// Amounts are whole satoshis.
	return total.Ceil().IntPart(), nil
}

// createOffer reserves stock, records the invoice and sends the buyer an
// OFFER or FAILED. It reports false when nothing was answered and the order
// may be retried.
func (e *Engine) createOffer(ctx context.Context, log *slog.Logger, buyer string, msg domain.OrderMessage, amount int64, rep *Report) bool {
	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		log.Error("generate preimage", "error", err)
		return false
	}
	hash := preimage.Hash()
	now := e.clk.Now()
	log = log.With("payment_hash", hash.String())

	ok, err := e.store.ReserveInventory(ctx, e.seller, msg.Items, hash.String(), now.Add(e.cfg.ReservationTTL))
	if err != nil {
		log.Error("reserve inventory", "error", err)
		return false
	}
	if !ok {
		// The claim stays: the buyer gets exactly one FAILED.
		rep.OutOfStock++
		log.Info("order out of stock", "error", domain.ErrReservationConflict)
		e.send(ctx, buyer, domain.OrderMessage{
			Type:    domain.MessageFailed,
			OrderID: msg.OrderID,
			Reason:  domain.ReasonOutOfStock,
		})
		return true
	}

	record := domain.HoldInvoice{
		PaymentHash: hash.String(),
		Preimage:    preimage.String(),
		OrderID:     msg.OrderID,
		Seller:      e.seller,
		Buyer:       buyer,
		ProductIDs:  msg.Items,
		Amount:      amount,
		Status:      domain.InvoicePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveHoldInvoice(ctx, record); err != nil {
		e.release(ctx, log, hash.String())
		if errors.Is(err, domain.ErrDuplicateOrder) {
			rep.Duplicates++
			log.Info("order recorded by another worker")
			return true
		}
		log.Error("save hold invoice", "error", err)
		return false
	}

	invoice, err := e.payments.MakeHoldInvoice(ctx, domain.HoldInvoiceRequest{
		Hash:      hash,
		AmountSat: amount,
		Memo:      "order " + msg.OrderID,
		Expiry:    e.cfg.InvoiceExpiry,
	})
	if err != nil {
		log.Error("make hold invoice", "error", err)
		if err := e.store.UpdateInvoiceStatus(ctx, hash.String(), domain.InvoiceCancelled); err != nil {
			log.Error("cancel record", "error", err)
		}
		e.release(ctx, log, hash.String())
		return true
	}
	if err := e.store.AttachInvoice(ctx, hash.String(), invoice); err != nil {
		log.Error("attach invoice", "error", err)
	}

	rep.Offers++
	log.Info("offer created", "amount", amount)
	e.send(ctx, buyer, domain.OrderMessage{
		Type:        domain.MessageOffer,
		OrderID:     msg.OrderID,
		Invoice:     invoice,
		PaymentHash: hash.String(),
		Amount:      amount,
	})
	return true
}

// release drops a reservation and restocks its items.
func (e *Engine) release(ctx context.Context, log *slog.Logger, paymentHash string) {
	if err := e.store.DeleteReservation(ctx, paymentHash); err != nil {
		log.Error("release reservation", "error", err)
	}
}

// send gift-wraps msg to buyer and publishes it.
func (e *Engine) send(ctx context.Context, buyer string, msg domain.OrderMessage) {
	content, err := json.Marshal(msg)
	if err != nil {
		e.log.Error("encode message", "type", msg.Type, "error", err)
		return
	}
	rumor := nostr.Event{
		Kind:      domain.KindRumor,
		CreatedAt: nostr.Timestamp(e.clk.Now().Unix()),
		Tags:      nostr.Tags{{"p", buyer}},
		Content:   string(content),
	}
	wrap, err := giftwrap.Wrap(ctx, e.signer, buyer, rumor)
	if err != nil {
		e.log.Error("wrap message", "type", msg.Type, "order_id", msg.OrderID, "error", err)
		return
	}
	if _, err := e.publisher.Publish(ctx, wrap, e.cfg.Relays); err != nil {
		e.log.Warn("publish message", "type", msg.Type, "order_id", msg.OrderID, "error", err)
	}
}

// CheckPendingInvoices cancels offers whose reservation expired and moves
// every pending invoice along according to the node's view of it.
func (e *Engine) CheckPendingInvoices(ctx context.Context) (Report, error) {
	var rep Report

	expired, err := e.store.ExpiredReservations(ctx, e.seller, e.clk.Now())
	if err != nil {
		return rep, err
	}
	for _, h := range expired {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		e.expire(ctx, h, &rep)
	}

	pending, err := e.store.PendingInvoices(ctx, e.seller)
	if err != nil {
		return rep, err
	}
	for _, inv := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		e.reconcile(ctx, inv, &rep)
	}
	return rep, nil
}

func (e *Engine) expire(ctx context.Context, paymentHash string, rep *Report) {
	log := e.log.With("payment_hash", paymentHash)

	inv, err := e.store.HoldInvoice(ctx, paymentHash)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// A reservation left behind by an offer that never got a record.
		e.release(ctx, log, paymentHash)
		return
	case err != nil:
		log.Error("load invoice", "error", err)
		return
	}

	switch inv.Status {
	case domain.InvoiceSettled:
		if err := e.store.CompleteReservation(ctx, paymentHash); err != nil {
			log.Error("complete reservation", "error", err)
		}
		return
	case domain.InvoiceCancelled:
		e.release(ctx, log, paymentHash)
		return
	}

	hash, err := lntypes.MakeHashFromStr(paymentHash)
	if err != nil {
		log.Error("bad payment hash", "error", err)
		return
	}
	// A payment that locked in before the sweep is honoured, not cancelled.
	if st, err := e.payments.LookupInvoice(ctx, hash); err == nil && st.State == domain.InvoiceStateHeld {
		return
	}

	if err := e.payments.CancelHoldInvoice(ctx, hash); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn("cancel hold invoice", "error", err)
		return
	}
	if err := e.store.UpdateInvoiceStatus(ctx, paymentHash, domain.InvoiceCancelled); err != nil {
		log.Error("mark cancelled", "error", err)
		return
	}
	e.release(ctx, log, paymentHash)
	rep.Expired++
	rep.Cancelled++
	log.Info("expired offer cancelled", "order_id", inv.OrderID)
}

func (e *Engine) reconcile(ctx context.Context, inv domain.HoldInvoice, rep *Report) {
	log := e.log.With("payment_hash", inv.PaymentHash, "order_id", inv.OrderID)
	hash, err := lntypes.MakeHashFromStr(inv.PaymentHash)
	if err != nil {
		log.Error("bad payment hash", "error", err)
		return
	}
	st, err := e.payments.LookupInvoice(ctx, hash)
	if err != nil {
		log.Warn("lookup invoice", "error", err)
		return
	}

	switch st.State {
	case domain.InvoiceStateHeld:
		// Queued settlements belong to ProcessRetryQueue.
		if _, err := e.store.FailedSettlement(ctx, inv.PaymentHash); err == nil {
			return
		}
		preimage, err := e.preimage(ctx, inv.PaymentHash, hash)
		if err != nil {
			log.Error("load preimage", "error", err)
			return
		}
		if e.settleWithRetry(ctx, inv, preimage) {
			rep.Settled++
		} else {
			rep.Queued++
		}
	case domain.InvoiceStateSettled:
		e.finalize(ctx, inv)
		rep.Settled++
	case domain.InvoiceStateCancelled:
		if err := e.store.UpdateInvoiceStatus(ctx, inv.PaymentHash, domain.InvoiceCancelled); err != nil {
			log.Error("mark cancelled", "error", err)
			return
		}
		e.release(ctx, log, inv.PaymentHash)
		rep.Cancelled++
	}
}

// preimage loads the stored preimage and checks it opens hash.
func (e *Engine) preimage(ctx context.Context, paymentHash string, hash lntypes.Hash) (lntypes.Preimage, error) {
	raw, err := e.store.GetPreimage(ctx, paymentHash)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	p, err := lntypes.MakePreimageFromStr(raw)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	if !p.Matches(hash) {
		return lntypes.Preimage{}, fmt.Errorf("stored preimage does not match %s", hash)
	}
	return p, nil
}

// settleWithRetry makes up to SettleAttempts settle calls with exponential
// backoff. When all fail the settlement is queued; it reports whether the
// invoice was settled.
func (e *Engine) settleWithRetry(ctx context.Context, inv domain.HoldInvoice, preimage lntypes.Preimage) bool {
	log := e.log.With("payment_hash", inv.PaymentHash, "order_id", inv.OrderID)

	var lastErr error
	for attempt := 0; attempt < e.cfg.SettleAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.cfg.SettleBaseDelay<<(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr = e.payments.SettleHoldInvoice(ctx, preimage); lastErr == nil {
			e.finalize(ctx, inv)
			return true
		}
		log.Warn("settle attempt failed", "attempt", attempt+1, "error", lastErr)
	}

	entry := domain.FailedSettlement{
		PaymentHash: inv.PaymentHash,
		Preimage:    preimage.String(),
		Seller:      e.seller,
		Attempts:    e.cfg.SettleAttempts,
		LastError:   lastErr.Error(),
		NextRetryAt: e.clk.Now().Add(e.cfg.RetryBackoff),
	}
	if err := e.store.QueueFailedSettlement(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("queue failed settlement", "error", err)
		return false
	}
	log.Warn("settlement queued for retry",
		"error", fmt.Errorf("%w: %v", domain.ErrSettlementTransient, lastErr),
		"next_retry_at", entry.NextRetryAt)
	return false
}

// finalize records a settled sale: the invoice is settled, the reservation
// becomes final and the buyer is told.
func (e *Engine) finalize(ctx context.Context, inv domain.HoldInvoice) {
	log := e.log.With("payment_hash", inv.PaymentHash, "order_id", inv.OrderID)
	if err := e.store.UpdateInvoiceStatus(ctx, inv.PaymentHash, domain.InvoiceSettled); err != nil {
		log.Error("mark settled", "error", err)
	}
	if err := e.store.CompleteReservation(ctx, inv.PaymentHash); err != nil {
		log.Error("complete reservation", "error", err)
	}
	if err := e.store.RemoveFailedSettlement(ctx, inv.PaymentHash); err != nil {
		log.Error("remove queued settlement", "error", err)
	}
	log.Info("invoice settled", "amount", inv.Amount)
	if inv.Buyer != "" {
		e.send(ctx, inv.Buyer, domain.OrderMessage{
			Type:        domain.MessagePaid,
			OrderID:     inv.OrderID,
			PaymentHash: inv.PaymentHash,
		})
	}
}

// ProcessRetryQueue makes one settle attempt for every due queue entry.
func (e *Engine) ProcessRetryQueue(ctx context.Context) (Report, error) {
	var rep Report
	due, err := e.store.DueSettlements(ctx, e.seller, e.clk.Now())
	if err != nil {
		return rep, err
	}
	for _, entry := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Retried++
		e.retry(ctx, entry, &rep)
	}
	return rep, nil
}

func (e *Engine) retry(ctx context.Context, entry domain.FailedSettlement, rep *Report) {
	log := e.log.With("payment_hash", entry.PaymentHash)

	inv, err := e.store.HoldInvoice(ctx, entry.PaymentHash)
	if err != nil {
		log.Error("load invoice for queued settlement", "error", err)
		return
	}
	preimage, err := lntypes.MakePreimageFromStr(entry.Preimage)
	if err != nil {
		log.Error("bad queued preimage", "error", err)
		return
	}

	serr := e.payments.SettleHoldInvoice(ctx, preimage)
	if serr == nil {
		e.finalize(ctx, inv)
		rep.Settled++
		return
	}

	// The node may have moved on without us.
	if st, err := e.payments.LookupInvoice(ctx, preimage.Hash()); err == nil {
		switch st.State {
		case domain.InvoiceStateSettled:
			e.finalize(ctx, inv)
			rep.Settled++
			return
		case domain.InvoiceStateCancelled:
			if err := e.store.RemoveFailedSettlement(ctx, entry.PaymentHash); err != nil {
				log.Error("remove queued settlement", "error", err)
				return
			}
			if err := e.store.UpdateInvoiceStatus(ctx, entry.PaymentHash, domain.InvoiceCancelled); err != nil {
				log.Error("mark cancelled", "error", err)
			}
			e.release(ctx, log, entry.PaymentHash)
			rep.Cancelled++
			return
		}
	}

	next := e.clk.Now().Add(e.cfg.RetryBackoff)
	if err := e.store.RescheduleFailedSettlement(ctx, entry.PaymentHash, next, serr.Error()); err != nil {
		log.Error("reschedule settlement", "error", err)
		return
	}
	log.Warn("queued settlement failed again", "error", serr, "next_retry_at", next)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := e.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type poolPublisher struct{ pool domain.RelayPool }

func (p poolPublisher) Publish(ctx context.Context, ev nostr.Event, relays []string) ([]domain.PublishResult, error) {
	return p.pool.Publish(ctx, ev, relays...)
}
