package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"bazaar/internal/domain"
	"bazaar/internal/services/outbox"
)

// PaymentsFactory opens a payment channel to a seller's node. A returned
// channel that implements io.Closer is closed after the sweep.
type PaymentsFactory func(ctx context.Context, seller domain.Seller) (domain.PaymentChannel, error)

// SignerFactory restores a seller's signer from its stored configuration.
type SignerFactory func(ctx context.Context, seller domain.Seller) (domain.Signer, error)

// OutboxRetrier re-publishes events relays did not accept.
type OutboxRetrier interface {
	RetryFailed(ctx context.Context) (outbox.Report, error)
}

// SchedulerDeps are the shared collaborators of every seller's engine.
type SchedulerDeps struct {
	Store     domain.SettlementStore
	Pool      domain.RelayPool
	Publisher domain.Publisher
	Payments  PaymentsFactory
	Signers   SignerFactory
	// Outbox is drained after RunAll; optional.
	Outbox OutboxRetrier
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// SchedulerOptions tune a Scheduler.
type SchedulerOptions struct {
	// Engine is the template config; a seller's own relays replace
	// Engine.Relays when set.
	Engine Config
	// Concurrency bounds how many sellers sweep at once (default 4).
	Concurrency int
}

// Scheduler runs engine sweeps for active sellers.
type Scheduler struct {
	deps SchedulerDeps
	opts SchedulerOptions
	log  *slog.Logger

	// sweeping maps a seller pubkey to a one-slot semaphore, so sweeps of
	// the same seller never overlap.
	sweeping sync.Map
}

// SweepReport is the outcome of RunAll.
type SweepReport struct {
	Sellers []Report          `json:"sellers"`
	Failed  map[string]string `json:"failed,omitempty"`
	Outbox  *outbox.Report    `json:"outbox,omitempty"`
}

func NewScheduler(deps SchedulerDeps, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	deps.Logger = log
	return &Scheduler{deps: deps, opts: opts, log: log.With("component", "scheduler")}
}

// RunSeller runs one sweep for the seller with the given pubkey.
func (s *Scheduler) RunSeller(ctx context.Context, pubkey string) (Report, error) {
	seller, err := s.deps.Store.Seller(ctx, pubkey)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !seller.Active) {
		return Report{}, fmt.Errorf("%w: %s", domain.ErrSellerNotActive, pubkey)
	}
	if err != nil {
		return Report{}, err
	}
	return s.run(ctx, seller)
}

// RunAll sweeps every active seller. One seller failing does not stop the
// others; failures are collected in the report.
func (s *Scheduler) RunAll(ctx context.Context) (SweepReport, error) {
	sellers, err := s.deps.Store.ActiveSellers(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list active sellers: %w", err)
	}

	var (
		mu  sync.Mutex
		out = SweepReport{Failed: map[string]string{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, seller := range sellers {
		g.Go(func() error {
			rep, err := s.run(gctx, seller)
			mu.Lock()
			defer mu.Unlock()
			out.Sellers = append(out.Sellers, rep)
			if err != nil {
				out.Failed[seller.PubKey] = err.Error()
				s.log.Error("seller sweep failed", "seller", seller.PubKey, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.deps.Outbox != nil && ctx.Err() == nil {
		rep, err := s.deps.Outbox.RetryFailed(ctx)
		if err != nil {
			s.log.Error("outbox retry failed", "error", err)
		}
		out.Outbox = &rep
	}
	if len(out.Failed) == 0 {
		out.Failed = nil
	}
	return out, ctx.Err()
}

// lockSeller waits for the seller's running sweep, if any, to finish.
func (s *Scheduler) lockSeller(ctx context.Context, pubkey string) (unlock func(), err error) {
	v, _ := s.sweeping.LoadOrStore(pubkey, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, seller domain.Seller) (Report, error) {
	rep := Report{Seller: seller.PubKey}

	unlock, err := s.lockSeller(ctx, seller.PubKey)
	if err != nil {
		return rep, err
	}
	defer unlock()

	signer, err := s.deps.Signers(ctx, seller)
	if err != nil {
		return rep, fmt.Errorf("restore signer: %w", err)
	}
	defer signer.Close()

	payments, err := s.deps.Payments(ctx, seller)
	if err != nil {
		return rep, fmt.Errorf("open payment channel: %w", err)
	}
	if c, ok := payments.(io.Closer); ok {
		defer c.Close()
	}

	cfg := s.opts.Engine
	if len(seller.Relays) > 0 {
		cfg.Relays = seller.Relays
	}
	eng, err := New(seller.PubKey, Deps{
		Store:     s.deps.Store,
		Payments:  payments,
		Pool:      s.deps.Pool,
		Signer:    signer,
		Publisher: s.deps.Publisher,
		Clock:     s.deps.Clock,
		Logger:    s.deps.Logger,
	}, cfg)
	if err != nil {
		return rep, err
	}
	return eng.Init(ctx)
}
