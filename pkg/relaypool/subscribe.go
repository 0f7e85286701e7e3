// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package relaypool

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/lrhodin/nostrdm/pkg/dmsync"
)

// subscription fans several per-relay subscriptions into one event channel.
// Close unsubscribes everywhere and the channel closes once all forwarders
// have exited; duplicate delivery across relays is the consumer's concern
// (the engine keeps a per-subscription seen set).
type subscription struct {
	events chan *nostr.Event
	cancel context.CancelFunc
	once   sync.Once
	wg     *sync.WaitGroup
}

var _ dmsync.Subscription = (*subscription)(nil)

func (s *subscription) Events() <-chan *nostr.Event {
	return s.events
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		go func() {
			s.wg.Wait()
			close(s.events)
		}()
	})
}

// Subscribe opens the filters on every connected relay. Relays that fail to
// subscribe are skipped; the call errors only when none succeed.
func (p *Pool) Subscribe(ctx context.Context, filters []nostr.Filter) (dmsync.Subscription, error) {
	urls := p.relayURLs()
	subCtx, cancel := context.WithCancel(ctx)

	out := &subscription{
		events: make(chan *nostr.Event, 64),
		cancel: cancel,
		wg:     &sync.WaitGroup{},
	}

	opened := 0
	var lastErr error
	for _, url := range urls {
		conn, err := p.relay(subCtx, url)
		if err != nil {
			p.log.Warn().Err(err).Str("relay", url).Msg("Relay unavailable for subscription")
			lastErr = err
			continue
		}
		sub, err := conn.Subscribe(subCtx, filters)
		if err != nil {
			p.log.Warn().Err(err).Str("relay", url).Msg("Relay subscribe failed")
			lastErr = err
			continue
		}
		opened++
		out.wg.Add(1)
		go func() {
			defer out.wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-subCtx.Done():
					return
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case out.events <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}()
	}

	if opened == 0 {
		cancel()
		close(out.events)
		if lastErr == nil {
			lastErr = fmt.Errorf("no relays configured")
		}
		return nil, fmt.Errorf("subscribe: %w", lastErr)
	}
	return out, nil
}
