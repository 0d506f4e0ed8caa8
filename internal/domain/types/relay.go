package types

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// SubscriptionHandlers receive events for a logical subscription.
//
// OnEvent is called once per distinct verified event. OnEOSE is called once,
// after every relay leg has reached end-of-stored-events or ended.
type SubscriptionHandlers struct {
	OnEvent  func(*nostr.Event)
	OnEOSE   func()
	OnClosed func(relay, reason string)
}

// FetchOptions bounds a one-shot query.
type FetchOptions struct {
	Timeout time.Duration
}

// PublishResult is the outcome of publishing to a single relay.
type PublishResult struct {
	Relay   string
	OK      bool
	Message string
	Err     error
}

// RelayState describes a pooled relay connection.
type RelayState string

const (
	RelaySleeping RelayState = "sleeping"
	RelayActive   RelayState = "active"
)

// RelayStatus is a snapshot of one pooled relay.
type RelayStatus struct {
	URL           string     `json:"url"`
	State         RelayState `json:"state"`
	Subscriptions int        `json:"subscriptions"`
	LastActive    time.Time  `json:"last_active"`
}
