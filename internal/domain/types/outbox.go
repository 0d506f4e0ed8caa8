package types

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// OutboxEntry is a signed event still owed to some relays.
type OutboxEntry struct {
	ID            string      `json:"id"`
	Event         nostr.Event `json:"event"`
	Relays        []string    `json:"relays"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	CreatedAt     time.Time   `json:"created_at"`
}
