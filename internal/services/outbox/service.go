package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/domain"
)

const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = time.Hour
	DefaultMaxAttempts = 8
	DefaultBatchSize   = 100
)

// Options tunes retry behaviour. Zero values take the defaults.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	BatchSize   int
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Report summarises one RetryFailed pass.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Pending   int `json:"pending"`
	Dropped   int `json:"dropped"`
}

// Service is a domain.Publisher that never loses an event to a flaky relay.
type Service struct {
	pool  domain.RelayPool
	store domain.OutboxStore
	opts  Options
	clk   clockwork.Clock
	log   *slog.Logger
}

// New constructs an outbox Service.
func New(pool domain.RelayPool, store domain.OutboxStore, opts Options) *Service {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{pool: pool, store: store, opts: opts, clk: clk, log: log.With("component", "outbox")}
}

// Publish sends event to relays and queues the ones that did not accept it.
// The per-relay results are returned unchanged; a pool-level failure queues
// every relay and is returned.
func (s *Service) Publish(ctx context.Context, event nostr.Event, relays []string) ([]domain.PublishResult, error) {
	results, err := s.pool.Publish(ctx, event, relays...)
	if err != nil {
		if qerr := s.enqueue(ctx, event, relays, err.Error()); qerr != nil {
			return nil, errors.Join(err, qerr)
		}
		return nil, err
	}

	failed, lastErr := failedRelays(results)
	if len(failed) == 0 {
		return results, nil
	}
	if err := s.enqueue(ctx, event, failed, lastErr); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Service) enqueue(ctx context.Context, event nostr.Event, relays []string, lastErr string) error {
	now := s.clk.Now()
	entry := domain.OutboxEntry{
		ID:            uuid.NewString(),
		Event:         event,
		Relays:        relays,
		Attempts:      1,
		LastError:     lastErr,
		NextAttemptAt: now.Add(s.backoff(1)),
		CreatedAt:     now,
	}
	if err := s.store.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("queue event %s: %w", event.ID, err)
	}
	s.log.Info("queued event for retry", "event_id", event.ID, "relays", relays, "error", lastErr)
	return nil
}

// RetryFailed re-publishes every due entry once.
func (s *Service) RetryFailed(ctx context.Context) (Report, error) {
	var rep Report
	due, err := s.store.Due(ctx, s.clk.Now(), s.opts.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("load due entries: %w", err)
	}

	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++

		results, perr := s.pool.Publish(ctx, e.Event, e.Relays...)
		var remaining []string
		lastErr := ""
		if perr != nil {
			remaining, lastErr = e.Relays, perr.Error()
		} else {
			remaining, lastErr = failedRelays(results)
		}

		if len(remaining) == 0 {
			if err := s.store.Delete(ctx, e.ID); err != nil {
				s.log.Error("delete delivered entry", "id", e.ID, "error", err)
				continue
			}
			rep.Delivered++
			continue
		}

		e.Attempts++
		if e.Attempts >= s.opts.MaxAttempts {
			s.log.Error("dropping undeliverable event",
				"id", e.ID, "event_id", e.Event.ID, "relays", remaining, "attempts", e.Attempts, "error", lastErr)
			if err := s.store.Delete(ctx, e.ID); err != nil {
				s.log.Error("delete dropped entry", "id", e.ID, "error", err)
			}
			rep.Dropped++
			continue
		}

		e.Relays = remaining
		e.LastError = lastErr
		e.NextAttemptAt = s.clk.Now().Add(s.backoff(e.Attempts))
		if err := s.store.Update(ctx, e); err != nil {
			s.log.Error("reschedule entry", "id", e.ID, "error", err)
			continue
		}
		rep.Pending++
	}
	return rep, nil
}

// backoff is BaseDelay doubled per previous attempt, capped at MaxDelay.
func (s *Service) backoff(attempts int) time.Duration {
	d := s.opts.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.opts.MaxDelay {
			return s.opts.MaxDelay
		}
	}
	return d
}

func failedRelays(results []domain.PublishResult) ([]string, string) {
	var failed []string
	lastErr := ""
	for _, r := range results {
		if r.OK {
			continue
		}
		failed = append(failed, r.Relay)
		switch {
		case r.Err != nil:
			lastErr = r.Err.Error()
		case r.Message != "":
			lastErr = r.Message
		}
	}
	return failed, lastErr
}

var _ domain.Publisher = (*Service)(nil)
