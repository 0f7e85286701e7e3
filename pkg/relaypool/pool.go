// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package relaypool implements the engine's relay transport over a set of
// real relay connections: queries fan out to every relay and merge with id
// dedup, subscriptions fan in to one channel, publishes succeed when at
// least one relay accepts.
package relaypool

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/lrhodin/nostrdm/pkg/dmsync"
)

type Pool struct {
	log zerolog.Logger

	mu    sync.Mutex
	urls  []string
	conns map[string]*nostr.Relay
}

var _ dmsync.RelayClient = (*Pool)(nil)

func New(urls []string, log zerolog.Logger) *Pool {
	return &Pool{
		log:   log.With().Str("component", "relaypool").Logger(),
		urls:  append([]string(nil), urls...),
		conns: make(map[string]*nostr.Relay),
	}
}

// SetRelays swaps the relay set. Existing connections to removed relays are
// closed; in-flight operations on them run to completion. New relays take
// effect on the next query/subscribe/publish.
func (p *Pool) SetRelays(urls []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		keep[url] = struct{}{}
	}
	for url, conn := range p.conns {
		if _, ok := keep[url]; !ok {
			conn.Close()
			delete(p.conns, url)
		}
	}
	p.urls = append([]string(nil), urls...)
	p.log.Info().Int("relays", len(urls)).Msg("Relay set updated")
}

func (p *Pool) relayURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

func (p *Pool) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if conn, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[url]; ok {
		conn.Close()
		return existing, nil
	}
	p.conns[url] = conn
	return conn, nil
}

// Query runs every filter against every relay concurrently and returns the
// merged, id-deduplicated events. Individual relay failures are logged and
// tolerated; the call errors only when no relay produced a result.
func (p *Pool) Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	urls := p.relayURLs()
	if len(urls) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}

	var mu sync.Mutex
	var events []*nostr.Event
	failures := 0
	var lastErr error

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.relay(ctx, url)
			if err == nil {
				var evs []*nostr.Event
				for _, filter := range filters {
					var batch []*nostr.Event
					batch, err = conn.QuerySync(ctx, filter)
					if err != nil {
						break
					}
					evs = append(evs, batch...)
				}
				if err == nil {
					mu.Lock()
					events = append(events, evs...)
					mu.Unlock()
					return
				}
			}
			p.log.Warn().Err(err).Str("relay", url).Msg("Relay query failed")
			mu.Lock()
			failures++
			lastErr = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	if failures == len(urls) {
		return nil, fmt.Errorf("all %d relays failed: %w", failures, lastErr)
	}
	return dedupEvents(events), nil
}

func dedupEvents(events []*nostr.Event) []*nostr.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0]
	for _, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// Publish sends the event to every relay; it succeeds when at least one
// accepts.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	urls := p.relayURLs()
	if len(urls) == 0 {
		return fmt.Errorf("no relays configured")
	}

	var mu sync.Mutex
	accepted := 0
	var lastErr error

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.relay(ctx, url)
			if err == nil {
				err = conn.Publish(ctx, *ev)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				p.log.Warn().Err(err).Str("relay", url).Str("event", ev.ID).Msg("Relay publish failed")
				return
			}
			accepted++
		}()
	}
	wg.Wait()

	if accepted == 0 {
		return fmt.Errorf("no relay accepted event %s: %w", ev.ID, lastErr)
	}
	return nil
}

// Close shuts down all connections. The pool is not reusable afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, conn := range p.conns {
		conn.Close()
		delete(p.conns, url)
	}
}
