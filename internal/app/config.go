package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"bazaar/internal/services/settlement"
)

// Lightning modes.
const (
	LightningLND  = "lnd"
	LightningMock = "mock"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Addr string `env:"BAZAAR_ADDR" envDefault:":8080"`
	// Env is "production" or "development".
	Env  string `env:"BAZAAR_ENV"  envDefault:"production"`
	Home string `env:"BAZAAR_HOME"` // config directory, default $HOME/.bazaar

	// MongoURI selects the marketplace store; empty means in-memory.
	MongoURI string `env:"BAZAAR_MONGO_URI"`
	MongoDB  string `env:"BAZAAR_MONGO_DB"  envDefault:"bazaar"`
	// OutboxPath is the SQLite outbox file, default <Home>/outbox.db.
	// "memory" keeps the outbox in memory.
	OutboxPath string `env:"BAZAAR_OUTBOX_PATH"`

	Relays         []string      `env:"BAZAAR_RELAYS"          envSeparator:","`
	RelayKeepAlive time.Duration `env:"BAZAAR_RELAY_KEEPALIVE" envDefault:"60s"`
	FetchTimeout   time.Duration `env:"BAZAAR_FETCH_TIMEOUT"   envDefault:"10s"`
	SignerTimeout  time.Duration `env:"BAZAAR_SIGNER_TIMEOUT"  envDefault:"30s"`

	// CronSecret guards the sweep triggers.
	CronSecret string `env:"BAZAAR_CRON_SECRET"`
	// SellerRateEvery is the minimum interval between anonymous per-seller
	// triggers from one client.
	SellerRateEvery  time.Duration `env:"BAZAAR_SELLER_RATE_EVERY" envDefault:"1m"`
	SellerRateBurst  int           `env:"BAZAAR_SELLER_RATE_BURST" envDefault:"1"`
	SweepTimeout     time.Duration `env:"BAZAAR_SWEEP_TIMEOUT"     envDefault:"2m"`
	SweepConcurrency int           `env:"BAZAAR_SWEEP_CONCURRENCY" envDefault:"4"`

	Passphrase string `env:"BAZAAR_SIGNER_PASSPHRASE"`
	// Lightning is LightningLND or LightningMock.
	Lightning string `env:"BAZAAR_LIGHTNING" envDefault:"lnd"`

	ListenFor       time.Duration `env:"BAZAAR_LISTEN_FOR"        envDefault:"10s"`
	IntakeWindow    time.Duration `env:"BAZAAR_INTAKE_WINDOW"     envDefault:"1h"`
	ReservationTTL  time.Duration `env:"BAZAAR_RESERVATION_TTL"   envDefault:"15m"`
	InvoiceExpiry   time.Duration `env:"BAZAAR_INVOICE_EXPIRY"    envDefault:"15m"`
	SettleAttempts  int           `env:"BAZAAR_SETTLE_ATTEMPTS"   envDefault:"3"`
	SettleBaseDelay time.Duration `env:"BAZAAR_SETTLE_BASE_DELAY" envDefault:"1s"`
	RetryBackoff    time.Duration `env:"BAZAAR_RETRY_BACKOFF"     envDefault:"10m"`
}

// LoadConfig reads Config from the environment and fills derived paths.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills derived defaults and validates enumerations.
func (c *Config) Normalize() error {
	if c.Home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home: %w", err)
		}
		c.Home = filepath.Join(h, ".bazaar")
	}
	if c.OutboxPath == "" {
		c.OutboxPath = filepath.Join(c.Home, "outbox.db")
	}
	switch c.Lightning {
	case LightningLND, LightningMock:
	default:
		return fmt.Errorf("unknown lightning mode %q", c.Lightning)
	}
	return nil
}

// Development reports whether the service runs in development mode.
func (c Config) Development() bool { return c.Env == "development" }

// Engine is the settlement engine template derived from c.
func (c Config) Engine() settlement.Config {
	return settlement.Config{
		Relays:          c.Relays,
		IntakeWindow:    c.IntakeWindow,
		ListenFor:       c.ListenFor,
		ReservationTTL:  c.ReservationTTL,
		InvoiceExpiry:   c.InvoiceExpiry,
		SettleAttempts:  c.SettleAttempts,
		SettleBaseDelay: c.SettleBaseDelay,
		RetryBackoff:    c.RetryBackoff,
	}
}
