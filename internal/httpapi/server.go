package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/services/settlement"
)

// Sweeper runs settlement sweeps.
type Sweeper interface {
	RunSeller(ctx context.Context, pubkey string) (settlement.Report, error)
	RunAll(ctx context.Context) (settlement.SweepReport, error)
}

// Options configure the router.
type Options struct {
	// Secret is the shared bearer secret for the sweep triggers.
	Secret string
	// SellerRate and SellerBurst limit unauthenticated per-seller triggers
	// per client (default one per minute, burst 1).
	SellerRate   rate.Limit
	SellerBurst  int
	SweepTimeout time.Duration
	Logger       *slog.Logger
}

type server struct {
	sweeper Sweeper
	opts    Options
	log     *slog.Logger
}

// NewRouter returns the HTTP handler for the service.
func NewRouter(sw Sweeper, opts Options) http.Handler {
	if opts.SellerRate <= 0 {
		opts.SellerRate = rate.Every(time.Minute)
	}
	if opts.SellerBurst <= 0 {
		opts.SellerBurst = 1
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = 2 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &server{sweeper: sw, opts: opts, log: log.With("component", "http")}

	r := chi.NewRouter()
	r.Use(accessLog(s.log), recoverer(s.log))
	r.Get("/health", s.health)
	r.Route("/v1", func(api chi.Router) {
		api.With(requireSecret(opts.Secret)).Post("/sweep", s.sweepAll)
		api.With(secretOrRateLimit(opts.Secret, newClientLimiter(opts.SellerRate, opts.SellerBurst))).
			Post("/sellers/{pubkey}/sweep", s.sweepSeller)
	})
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) sweepSeller(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")
	if !crypto.ValidPublicKey(pubkey) {
		writeError(w, http.StatusBadRequest, "invalid seller pubkey")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.SweepTimeout)
	defer cancel()

	rep, err := s.sweeper.RunSeller(ctx, pubkey)
	switch {
	case errors.Is(err, domain.ErrSellerNotActive):
		writeError(w, http.StatusNotFound, "seller not active")
	case err != nil:
		s.log.Error("seller sweep", "seller", pubkey, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": rep})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *server) sweepAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.SweepTimeout)
	defer cancel()

	rep, err := s.sweeper.RunAll(ctx)
	if err != nil {
		s.log.Error("sweep", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Compile-time assertion that the scheduler serves the routes.
var _ Sweeper = (*settlement.Scheduler)(nil)
