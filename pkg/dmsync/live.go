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
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// liveSub is one open conversation's subscription. The seen set is scoped to
// the subscription, not the engine: relays re-deliver events freely and each
// reopened subscription starts with a fresh overlap window.
type liveSub struct {
	partner string
	sub     Subscription
	seen    map[string]struct{}
	once    sync.Once
	done    chan struct{}
}

func (ls *liveSub) close() {
	ls.once.Do(func() {
		ls.sub.Close()
		<-ls.done
	})
}

// OpenLive subscribes to the partner's conversation from just before the
// latest known message. An existing subscription for the same partner is
// closed first so events are never delivered twice.
func (e *Engine) OpenLive(ctx context.Context, partner string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.CloseLive(partner)

	latest := e.store.latestTimestamp(partner)
	if latest == 0 {
		latest = nostr.Now()
	}
	since := latest - nostr.Timestamp(int64(liveOverlap.Seconds()))
	// Wrapper timestamps are backdated on send, so the sealed window opens
	// earlier by the jitter margin.
	sealedSince := since - nostr.Timestamp(int64(sealedTimestampJitter.Seconds()))

	var filters []nostr.Filter
	if e.caps.Legacy {
		filters = append(filters,
			nostr.Filter{Kinds: []int{KindLegacyDM}, Authors: []string{partner},
				Tags: nostr.TagMap{"p": []string{e.codec.self}}, Since: &since},
			nostr.Filter{Kinds: []int{KindLegacyDM}, Authors: []string{e.codec.self},
				Tags: nostr.TagMap{"p": []string{partner}}, Since: &since},
		)
	}
	if e.sealedEnabled() {
		filters = append(filters,
			nostr.Filter{Kinds: []int{KindWrapper},
				Tags: nostr.TagMap{"p": []string{e.codec.self}}, Since: &sealedSince},
		)
	}

	sub, err := e.relays.Subscribe(ctx, filters)
	if err != nil {
		return err
	}
	ls := &liveSub{
		partner: partner,
		sub:     sub,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Close()
		close(ls.done)
		return ErrEngineClosed
	}
	e.live[partner] = ls
	e.mu.Unlock()

	log := e.log.With().Str("component", "live").Str("partner", partner).Logger()
	go e.runLive(ls, log)
	log.Debug().Int("filters", len(filters)).Msg("Live subscription opened")
	return nil
}

// CloseLive closes the partner's live subscription, if any.
func (e *Engine) CloseLive(partner string) {
	e.mu.Lock()
	ls := e.live[partner]
	delete(e.live, partner)
	e.mu.Unlock()
	if ls != nil {
		ls.close()
	}
}

func (e *Engine) runLive(ls *liveSub, log zerolog.Logger) {
	defer close(ls.done)
	// Decrypts inherit the engine lifetime, so a closed engine aborts
	// remote signer calls instead of letting them dangle.
	ctx := e.ctx

	for ev := range ls.sub.Events() {
		if ev == nil {
			continue
		}
		if _, dup := ls.seen[ev.ID]; dup {
			continue
		}
		ls.seen[ev.ID] = struct{}{}

		msg, err := e.decodeLiveEvent(ctx, ls.partner, ev)
		if err != nil || msg == nil {
			continue
		}
		// mergeConfirmed replaces a matching optimistic entry in place
		// (preserving local id and insertion time) or appends and resorts.
		e.store.mergeConfirmed(ls.partner, []*DecryptedMessage{msg})
	}
	log.Debug().Msg("Live subscription drained")
}

// decodeLiveEvent turns an incoming raw event into a message for this
// conversation, or (nil, nil) when the event belongs elsewhere.
func (e *Engine) decodeLiveEvent(ctx context.Context, partner string, ev *nostr.Event) (*DecryptedMessage, error) {
	switch ev.Kind {
	case KindLegacyDM:
		if !e.fetcher.legacyPairMatches(ev, partner) {
			return nil, nil
		}
		return e.codec.decodeLegacy(ctx, ev)
	case KindWrapper:
		msg, err := e.codec.decodeSealed(ctx, ev)
		if err != nil {
			return nil, err
		}
		if msg.Partner != partner {
			return nil, nil
		}
		return msg, nil
	default:
		return nil, nil
	}
}
