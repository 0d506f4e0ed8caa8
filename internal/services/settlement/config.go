package settlement

import "time"

const (
	DefaultIntakeWindow    = time.Hour
	DefaultListenFor       = 10 * time.Second
	DefaultReservationTTL  = 15 * time.Minute
	DefaultInvoiceExpiry   = 15 * time.Minute
	DefaultSettleAttempts  = 3
	DefaultSettleBaseDelay = time.Second
	DefaultRetryBackoff    = 600 * time.Second
)

// Config holds the engine timings. Zero values take the defaults.
type Config struct {
	// Relays receive the seller's outgoing messages and are watched for
	// incoming orders.
	Relays []string
	// IntakeWindow is how far back order requests are picked up.
	IntakeWindow time.Duration
	// ListenFor is how long one sweep listens for new orders.
	ListenFor      time.Duration
	ReservationTTL time.Duration
	InvoiceExpiry  time.Duration
	// SettleAttempts immediate settle attempts are made, waiting
	// SettleBaseDelay, then twice that, and so on between them.
	SettleAttempts  int
	SettleBaseDelay time.Duration
	// RetryBackoff is the delay before a queued settlement is retried.
	RetryBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.IntakeWindow <= 0 {
		c.IntakeWindow = DefaultIntakeWindow
	}
	if c.ListenFor <= 0 {
		c.ListenFor = DefaultListenFor
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.InvoiceExpiry <= 0 {
		c.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if c.SettleAttempts <= 0 {
		c.SettleAttempts = DefaultSettleAttempts
	}
	if c.SettleBaseDelay <= 0 {
		c.SettleBaseDelay = DefaultSettleBaseDelay
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
}
