// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// RelayClient is the consumed query/subscribe/publish transport. The engine
// never talks wire protocol itself; relaypool provides the production
// implementation, tests inject a fake.
type RelayClient interface {
	// Query runs the filters against the backing relays and returns the
	// merged, id-deduplicated result. Partial results with a nil error are
	// legal when some relays fail or the context expires mid-flight.
	Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error)

	// Subscribe opens a long-lived subscription. The returned Subscription
	// must be closed by the caller; its event channel closes afterwards.
	Subscribe(ctx context.Context, filters []nostr.Filter) (Subscription, error)

	// Publish sends a signed event to the backing relays.
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Subscription is a live event stream with an explicit close handle.
type Subscription interface {
	Events() <-chan *nostr.Event
	Close()
}
