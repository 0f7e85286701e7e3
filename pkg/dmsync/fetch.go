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
	"errors"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// protoSummary is one protocol's view of one conversation, produced by a
// discovery scan. Recent is newest-first and capped at discoveryRecentKeep.
type protoSummary struct {
	Partner         string
	Protocol        Protocol
	LastActivity    nostr.Timestamp
	Recent          []*DecryptedMessage
	SelfAuthored    bool
	PartnerAuthored bool
}

// fetcher retrieves and decodes envelopes for one engine instance. Decrypts
// run sequentially within a batch (the signer is a shared single-capacity
// resource); only relay queries fan out.
type fetcher struct {
	codec  *codec
	relays RelayClient
	self   string
	log    zerolog.Logger
}

// discoverLegacy walks kind-4 envelopes backward across all partners until
// exhaustion or the scan cap, folding each decoded message into a partner
// summary map. Transport errors end the walk with the partial map intact;
// they are never fatal to the discovery run.
func (f *fetcher) discoverLegacy(ctx context.Context) (map[string]*protoSummary, scanCounters) {
	return f.discover(ctx, ProtocolLegacy, func(until nostr.Timestamp) []nostr.Filter {
		u := until
		return []nostr.Filter{
			{Kinds: []int{KindLegacyDM}, Tags: nostr.TagMap{"p": []string{f.self}}, Until: &u, Limit: discoveryBatchSize},
			{Kinds: []int{KindLegacyDM}, Authors: []string{f.self}, Until: &u, Limit: discoveryBatchSize},
		}
	})
}

// discoverSealed walks kind-1059 wrappers addressed to self. The cursor moves
// in wrapper-timestamp space; summaries are keyed on identities derived from
// the decrypted layers, never the wrapper's own tags.
func (f *fetcher) discoverSealed(ctx context.Context) (map[string]*protoSummary, scanCounters) {
	return f.discover(ctx, ProtocolSealed, func(until nostr.Timestamp) []nostr.Filter {
		u := until
		return []nostr.Filter{
			{Kinds: []int{KindWrapper}, Tags: nostr.TagMap{"p": []string{f.self}}, Until: &u, Limit: discoveryBatchSize},
		}
	})
}

func (f *fetcher) discover(ctx context.Context, proto Protocol, makeFilters func(until nostr.Timestamp) []nostr.Filter) (map[string]*protoSummary, scanCounters) {
	log := f.log.With().Str("protocol", proto.String()).Str("mode", "discovery").Logger()

	summaries := make(map[string]*protoSummary)
	seen := make(map[string]struct{})
	var counters scanCounters
	cursor := nostr.Now()

	for counters.Fetched < discoveryScanCap {
		if ctx.Err() != nil {
			// Abort mid-scan: everything already folded stays valid.
			log.Debug().Int("fetched", counters.Fetched).Msg("Discovery scan aborted, keeping partial results")
			break
		}

		events, err := f.relays.Query(ctx, makeFilters(cursor))
		if err != nil {
			log.Warn().Err(err).Int("fetched", counters.Fetched).
				Msg("Discovery batch failed, surfacing partial results")
			break
		}
		if len(events) == 0 {
			break
		}

		oldest := cursor
		fresh := 0
		for _, ev := range events {
			if _, dup := seen[ev.ID]; dup {
				counters.Duplicate++
				continue
			}
			seen[ev.ID] = struct{}{}
			if ev.CreatedAt < oldest {
				oldest = ev.CreatedAt
			}
			counters.Fetched++
			fresh++

			msg, err := f.decode(ctx, proto, ev)
			counters.count(err)
			if err != nil {
				continue
			}
			foldSummary(summaries, msg, proto, f.self)
		}

		// Fewer than requested signals exhaustion; a stuck cursor means the
		// relay keeps returning the same window.
		if len(events) < discoveryBatchSize || fresh == 0 || oldest >= cursor {
			break
		}
		cursor = oldest - 1
	}

	log.Info().
		Int("fetched", counters.Fetched).
		Int("decrypted", counters.Decrypted).
		Int("undecryptable", counters.Undecryptable).
		Int("malformed", counters.Malformed).
		Int("duplicate", counters.Duplicate).
		Int("partners", len(summaries)).
		Msg("Discovery scan complete")
	return summaries, counters
}

func (f *fetcher) decode(ctx context.Context, proto Protocol, ev *nostr.Event) (*DecryptedMessage, error) {
	if proto == ProtocolLegacy {
		return f.codec.decodeLegacy(ctx, ev)
	}
	return f.codec.decodeSealed(ctx, ev)
}

func foldSummary(summaries map[string]*protoSummary, msg *DecryptedMessage, proto Protocol, self string) {
	sum, ok := summaries[msg.Partner]
	if !ok {
		sum = &protoSummary{Partner: msg.Partner, Protocol: proto}
		summaries[msg.Partner] = sum
	}
	if msg.CreatedAt > sum.LastActivity {
		sum.LastActivity = msg.CreatedAt
	}
	if msg.Author == self {
		sum.SelfAuthored = true
	} else {
		sum.PartnerAuthored = true
	}

	sum.Recent = append(sum.Recent, msg)
	sort.SliceStable(sum.Recent, func(i, j int) bool {
		return sum.Recent[i].CreatedAt > sum.Recent[j].CreatedAt
	})
	if len(sum.Recent) > discoveryRecentKeep {
		sum.Recent = sum.Recent[:discoveryRecentKeep]
	}
}

// convPage is one conversation-mode batch result. Oldest carries the raw
// envelope timestamp for the next cursor position (wrapper-timestamp space
// for the sealed protocol).
type convPage struct {
	Messages  []*DecryptedMessage
	Oldest    nostr.Timestamp
	Exhausted bool
	Fetched   int
}

// legacyConversationPage runs the two direction-bound queries for one batch
// in parallel and merges the results. Loose tag matching is not enough
// (multiple recipients can share a tag value), so each envelope must match
// the (self, partner) pair exactly in one direction.
func (f *fetcher) legacyConversationPage(ctx context.Context, partner string, until nostr.Timestamp) (*convPage, error) {
	u := until
	toSelf := nostr.Filter{
		Kinds: []int{KindLegacyDM}, Authors: []string{partner},
		Tags: nostr.TagMap{"p": []string{f.self}}, Until: &u, Limit: conversationBatchSize,
	}
	fromSelf := nostr.Filter{
		Kinds: []int{KindLegacyDM}, Authors: []string{f.self},
		Tags: nostr.TagMap{"p": []string{partner}}, Until: &u, Limit: conversationBatchSize,
	}

	var mu sync.Mutex
	var events []*nostr.Event
	shortCount := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, filter := range []nostr.Filter{toSelf, fromSelf} {
		g.Go(func() error {
			evs, err := f.relays.Query(gctx, []nostr.Filter{filter})
			if err != nil {
				return err
			}
			mu.Lock()
			events = append(events, evs...)
			if len(evs) < conversationBatchSize {
				shortCount++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page := &convPage{Oldest: until, Exhausted: shortCount == 2}
	dedup := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if _, dup := dedup[ev.ID]; dup {
			continue
		}
		dedup[ev.ID] = struct{}{}
		// The cursor tracks every envelope the relay returned, matching or
		// not. A batch full of multi-recipient envelopes that fail the pair
		// check must still move the walk downward instead of ending it.
		page.Fetched++
		if ev.CreatedAt < page.Oldest {
			page.Oldest = ev.CreatedAt
		}
		if !f.legacyPairMatches(ev, partner) {
			continue
		}
		msg, err := f.codec.decodeLegacy(ctx, ev)
		if err != nil {
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

func (f *fetcher) legacyPairMatches(ev *nostr.Event, partner string) bool {
	recipient := firstTagValue(ev, "p")
	if ev.PubKey == partner && recipient == f.self {
		return true
	}
	if ev.PubKey == f.self && recipient == partner {
		return true
	}
	return false
}

// sealedConversationPage fetches one batch of self-addressed wrappers below
// the cursor and keeps only messages belonging to the partner. Both
// directions arrive through self-addressed wraps (the sender publishes an
// independent self-copy), so a single query covers the conversation.
func (f *fetcher) sealedConversationPage(ctx context.Context, partner string, until nostr.Timestamp) (*convPage, error) {
	u := until
	filter := nostr.Filter{
		Kinds: []int{KindWrapper}, Tags: nostr.TagMap{"p": []string{f.self}},
		Until: &u, Limit: conversationBatchSize,
	}
	events, err := f.relays.Query(ctx, []nostr.Filter{filter})
	if err != nil {
		return nil, err
	}

	page := &convPage{Oldest: until, Exhausted: len(events) < conversationBatchSize}
	dedup := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if _, dup := dedup[ev.ID]; dup {
			continue
		}
		dedup[ev.ID] = struct{}{}
		page.Fetched++
		if ev.CreatedAt < page.Oldest {
			page.Oldest = ev.CreatedAt
		}
		msg, err := f.codec.decodeSealed(ctx, ev)
		if err != nil {
			continue
		}
		if msg.Partner != partner {
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// errTransient reports whether a fetch error should be treated as partial
// data rather than a failure of the whole operation.
func errTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
