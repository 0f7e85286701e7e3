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
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// probeConversations is the cheap existence pass: it collects a bounded
// candidate set (mutual contacts first, then remaining follows) and checks
// for legacy envelopes from them without decrypting anything. Results only
// prove a conversation exists; any full scan summary overrides them.
//
// The sealed protocol cannot be probed this way: wrapper authors are
// ephemeral keys, so attribution requires decryption.
func (f *fetcher) probeConversations(ctx context.Context) map[string]*protoSummary {
	log := f.log.With().Str("mode", "probe").Logger()

	follows := f.fetchFollows(ctx)
	followers := f.fetchFollowers(ctx)

	candidates := make([]string, 0, probeCandidateCap)
	picked := make(map[string]struct{})
	for _, pk := range follows {
		if _, isMutual := followers[pk]; isMutual && len(candidates) < probeCandidateCap {
			candidates = append(candidates, pk)
			picked[pk] = struct{}{}
		}
	}
	for _, pk := range follows {
		if len(candidates) >= probeCandidateCap {
			break
		}
		if _, ok := picked[pk]; !ok {
			candidates = append(candidates, pk)
			picked[pk] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	events, err := f.relays.Query(ctx, []nostr.Filter{{
		Kinds:   []int{KindLegacyDM},
		Authors: candidates,
		Tags:    nostr.TagMap{"p": []string{f.self}},
		Limit:   discoveryBatchSize,
	}})
	if err != nil {
		log.Warn().Err(err).Msg("Probe query failed, skipping heuristic pass")
		return nil
	}

	summaries := make(map[string]*protoSummary)
	for _, ev := range events {
		sum, ok := summaries[ev.PubKey]
		if !ok {
			sum = &protoSummary{Partner: ev.PubKey, Protocol: ProtocolLegacy, PartnerAuthored: true}
			summaries[ev.PubKey] = sum
		}
		if ev.CreatedAt > sum.LastActivity {
			sum.LastActivity = ev.CreatedAt
		}
	}
	log.Debug().Int("candidates", len(candidates)).Int("hits", len(summaries)).Msg("Probe pass complete")
	return summaries
}

func (f *fetcher) fetchFollows(ctx context.Context) []string {
	events, err := f.relays.Query(ctx, []nostr.Filter{{
		Kinds: []int{3}, Authors: []string{f.self}, Limit: 1,
	}})
	if err != nil || len(events) == 0 {
		return nil
	}
	var follows []string
	for _, tag := range events[0].Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			follows = append(follows, tag[1])
		}
	}
	return follows
}

func (f *fetcher) fetchFollowers(ctx context.Context) map[string]struct{} {
	events, err := f.relays.Query(ctx, []nostr.Filter{{
		Kinds: []int{3}, Tags: nostr.TagMap{"p": []string{f.self}}, Limit: probeCandidateCap,
	}})
	if err != nil {
		return nil
	}
	followers := make(map[string]struct{}, len(events))
	for _, ev := range events {
		followers[ev.PubKey] = struct{}{}
	}
	return followers
}

// mergeConversations combines the probe pass and the per-protocol discovery
// scans into the final conversation list, newest activity first.
//
// Precedence: scan summaries always override probe placeholders (scans carry
// decrypted content, the probe only proves existence). Between protocols the
// newer LastActivity wins the summary fields, while recent messages from
// both are unioned; sealed messages are as authoritative as legacy ones.
func mergeConversations(probe, legacy, sealed map[string]*protoSummary, sealedEnabled bool, self string) []*Conversation {
	if !sealedEnabled {
		// Conversations that exist purely through the sealed protocol are
		// dropped entirely when it is disabled.
		sealed = nil
	}

	partners := make(map[string]struct{})
	for p := range legacy {
		partners[p] = struct{}{}
	}
	for p := range sealed {
		partners[p] = struct{}{}
	}
	for p := range probe {
		partners[p] = struct{}{}
	}

	out := make([]*Conversation, 0, len(partners))
	for partner := range partners {
		if partner == self {
			continue
		}
		lg := legacy[partner]
		sl := sealed[partner]

		conv := &Conversation{
			Partner:   partner,
			HasLegacy: lg != nil,
			HasSealed: sl != nil,
		}

		var recents []*DecryptedMessage
		selfAuthored := false
		partnerAuthored := false
		for _, sum := range []*protoSummary{lg, sl} {
			if sum == nil {
				continue
			}
			recents = append(recents, sum.Recent...)
			selfAuthored = selfAuthored || sum.SelfAuthored
			partnerAuthored = partnerAuthored || sum.PartnerAuthored
			if sum.LastActivity > conv.LastActivity {
				conv.LastActivity = sum.LastActivity
			}
		}

		if len(recents) > 0 {
			sort.SliceStable(recents, func(i, j int) bool {
				return recents[i].CreatedAt > recents[j].CreatedAt
			})
			recents = dedupByID(recents)
			if len(recents) > mergedRecentKeep {
				recents = recents[:mergedRecentKeep]
			}
			conv.RecentMessages = recents
			conv.LastMessage = recents[0]
			conv.LastMessageFromSelf = recents[0].Author == self
		} else if pb := probe[partner]; pb != nil {
			// Probe-only placeholder: existence without content.
			conv.HasLegacy = true
			conv.LastActivity = pb.LastActivity
			partnerAuthored = true
		} else {
			continue
		}

		// Known requires an observed self-authored message. A window
		// truncated at its collection limit with no self-authored message
		// classifies as request, even if an older unfetched message was
		// actually self-authored.
		conv.Known = selfAuthored
		conv.Request = !selfAuthored && partnerAuthored
		out = append(out, conv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].Partner < out[j].Partner
	})
	return out
}

func dedupByID(msgs []*DecryptedMessage) []*DecryptedMessage {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}
