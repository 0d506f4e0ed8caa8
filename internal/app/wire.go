package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/time/rate"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/httpapi"
	"bazaar/internal/lightning/lnd"
	"bazaar/internal/lightning/mock"
	"bazaar/internal/protocol/rpc"
	"bazaar/internal/relay"
	"bazaar/internal/services/outbox"
	"bazaar/internal/services/settlement"
	"bazaar/internal/services/zap"
	"bazaar/internal/signer"
	"bazaar/internal/store"
)

// Wire bundles all stores, services and clients.
type Wire struct {
	Config    Config
	Log       *slog.Logger
	Pool      *relay.Pool
	Store     domain.SettlementStore
	Outbox    *outbox.Service
	Scheduler *settlement.Scheduler
	Zap       *zap.Validator
	Router    http.Handler
	// Node is the shared in-memory node in mock lightning mode.
	Node *mock.Node

	closers []func() error
}

// NewWire constructs the dependency graph from cfg.
func NewWire(ctx context.Context, cfg Config, log *slog.Logger) (_ *Wire, err error) {
	if log == nil {
		log = slog.Default()
	}
	w := &Wire{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	w.Pool = relay.New(relay.Options{
		KeepAlive:    cfg.RelayKeepAlive,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       log,
	})
	w.closers = append(w.closers, w.Pool.Close)
	for _, u := range cfg.Relays {
		if _, err := w.Pool.AddRelay(u); err != nil {
			return nil, fmt.Errorf("relay %q: %w", u, err)
		}
	}

	if w.Store, err = openStore(ctx, cfg, log, w); err != nil {
		return nil, err
	}

	outboxStore, err := openOutbox(cfg, w)
	if err != nil {
		return nil, err
	}
	w.Outbox = outbox.New(w.Pool, outboxStore, outbox.Options{Logger: log})

	payments, err := w.paymentsFactory()
	if err != nil {
		return nil, err
	}
	w.Scheduler = settlement.NewScheduler(settlement.SchedulerDeps{
		Store:     w.Store,
		Pool:      w.Pool,
		Publisher: w.Outbox,
		Payments:  payments,
		Signers:   w.signerFactory(),
		Outbox:    w.Outbox,
		Logger:    log,
	}, settlement.SchedulerOptions{
		Engine:      cfg.Engine(),
		Concurrency: cfg.SweepConcurrency,
	})

	w.Zap = zap.New(w.Pool, zap.Options{Logger: log})

	w.Router = httpapi.NewRouter(w.Scheduler, httpapi.Options{
		Secret:       cfg.CronSecret,
		SellerRate:   rate.Every(cfg.SellerRateEvery),
		SellerBurst:  cfg.SellerRateBurst,
		SweepTimeout: cfg.SweepTimeout,
		Logger:       log,
	})
	return w, nil
}

func openStore(ctx context.Context, cfg Config, log *slog.Logger, w *Wire) (domain.SettlementStore, error) {
	if cfg.MongoURI == "" {
		log.Warn("no mongo uri configured, using in-memory marketplace store")
		return store.NewMemoryStore(), nil
	}
	client, err := store.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func() error { return client.Disconnect(context.Background()) })
	s := store.NewMongoStore(client, cfg.MongoDB)
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func openOutbox(cfg Config, w *Wire) (domain.OutboxStore, error) {
	if cfg.OutboxPath == "memory" {
		return store.NewMemoryOutbox(), nil
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	ob, err := store.OpenOutbox(cfg.OutboxPath)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, ob.Close)
	return ob, nil
}

func (w *Wire) paymentsFactory() (settlement.PaymentsFactory, error) {
	switch w.Config.Lightning {
	case LightningMock:
		w.Node = mock.New()
		return func(context.Context, domain.Seller) (domain.PaymentChannel, error) {
			return w.Node, nil
		}, nil
	case LightningLND:
		return func(_ context.Context, seller domain.Seller) (domain.PaymentChannel, error) {
			c, err := lnd.NewClient(lnd.FromSeller(seller.Lightning))
			if err != nil {
				return nil, err
			}
			return c, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown lightning mode %q", w.Config.Lightning)
	}
}

func (w *Wire) signerFactory() settlement.SignerFactory {
	return func(ctx context.Context, seller domain.Seller) (domain.Signer, error) {
		if len(seller.Signer) == 0 {
			return nil, fmt.Errorf("seller %s has no signer", crypto.Fingerprint(seller.PubKey))
		}
		s, err := signer.Restore(seller.Signer, signer.RestoreOptions{
			Passphrase: w.Config.Passphrase,
			Pool:       w.Pool,
			Timeout:    w.Config.SignerTimeout,
			Logger:     w.Log,
			OnAuthChallenge: func(c rpc.Challenge) {
				w.Log.Warn("signer requires authorization",
					"seller", crypto.Fingerprint(seller.PubKey), "method", c.Method, "url", c.URL)
			},
		})
		if err != nil {
			return nil, err
		}
		pk, err := s.GetPublicKey(ctx)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("signer public key: %w", err)
		}
		if pk != seller.PubKey {
			_ = s.Close()
			return nil, fmt.Errorf("%w: signer is %s", signer.ErrPubKeyMismatch, crypto.Fingerprint(pk))
		}
		return s, nil
	}
}

// Close releases everything NewWire opened, in reverse order.
func (w *Wire) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
