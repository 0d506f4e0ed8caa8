package interfaces

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	domaintypes "bazaar/internal/domain/types"
)

// Subscription is a live logical subscription spanning several relays.
type Subscription interface {
	Close()
}

// RelayPool is how services talk to Nostr relays, all with context.
type RelayPool interface {
	Subscribe(
		ctx context.Context,
		filters nostr.Filters,
		handlers domaintypes.SubscriptionHandlers,
		relays ...string,
	) (Subscription, error)
	Fetch(
		ctx context.Context,
		filters nostr.Filters,
		opts domaintypes.FetchOptions,
		relays ...string,
	) ([]*nostr.Event, error)
	Publish(
		ctx context.Context,
		event nostr.Event,
		relays ...string,
	) ([]domaintypes.PublishResult, error)
}

// Publisher sends signed events to relays, keeping failures for later retry.
type Publisher interface {
	Publish(
		ctx context.Context,
		event nostr.Event,
		relays []string,
	) ([]domaintypes.PublishResult, error)
}
