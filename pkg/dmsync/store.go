// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// sessionStore holds the per-partner timelines for one engine instance.
// It is session-scoped by construction (owned by the Engine, never global)
// so concurrent engines do not interfere.
//
// Every mutation rebuilds and swaps the whole message slice. Readers only
// ever observe a fully-sorted list, never an interleaved partial state.
type sessionStore struct {
	mu        sync.RWMutex
	timelines map[string]*timeline
}

type timeline struct {
	messages []*DecryptedMessage // ascending by CreatedAt, ties by ID
	ids      map[string]struct{} // network ids already present
}

func newSessionStore() *sessionStore {
	return &sessionStore{timelines: make(map[string]*timeline)}
}

func (s *sessionStore) timelineLocked(partner string) *timeline {
	tl, ok := s.timelines[partner]
	if !ok {
		tl = &timeline{ids: make(map[string]struct{})}
		s.timelines[partner] = tl
	}
	return tl
}

// mergeConfirmed folds a batch of decoded confirmed messages into the
// partner's timeline. Duplicate ids are dropped; a message matching an
// optimistic entry replaces it in place, preserving the entry's local id and
// insertion time. Returns how many messages were actually new or resolved.
func (s *sessionStore) mergeConfirmed(partner string, msgs []*DecryptedMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.timelineLocked(partner)
	next := make([]*DecryptedMessage, len(tl.messages))
	copy(next, tl.messages)

	applied := 0
	for _, msg := range msgs {
		if msg.ID != "" {
			if _, dup := tl.ids[msg.ID]; dup {
				continue
			}
		}
		if idx := matchOptimistic(next, msg); idx >= 0 {
			confirmed := *msg
			confirmed.LocalID = next[idx].LocalID
			confirmed.InsertedAt = next[idx].InsertedAt
			confirmed.SendState = SendStateConfirmed
			next[idx] = &confirmed
		} else {
			cp := *msg
			next = append(next, &cp)
		}
		if msg.ID != "" {
			tl.ids[msg.ID] = struct{}{}
		}
		applied++
	}

	sortTimeline(next)
	tl.messages = next
	return applied
}

// matchOptimistic finds a pending optimistic entry for the same author and
// content within the match window. At most one such entry can exist, by the
// insertOptimistic invariant.
func matchOptimistic(msgs []*DecryptedMessage, confirmed *DecryptedMessage) int {
	for i, m := range msgs {
		if m.SendState != SendStateOptimistic {
			continue
		}
		if m.Author != confirmed.Author || m.Content != confirmed.Content {
			continue
		}
		delta := m.CreatedAt.Time().Sub(confirmed.CreatedAt.Time())
		if delta < 0 {
			delta = -delta
		}
		if delta <= optimisticMatchWindow {
			return i
		}
	}
	return -1
}

// insertOptimistic adds a locally-originated entry. If an optimistic entry
// for the same (author, content, +-window) already exists it is reused
// instead of duplicated.
func (s *sessionStore) insertOptimistic(partner string, msg *DecryptedMessage) *DecryptedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.timelineLocked(partner)
	if idx := matchOptimistic(tl.messages, msg); idx >= 0 {
		return tl.messages[idx]
	}

	cp := *msg
	next := make([]*DecryptedMessage, 0, len(tl.messages)+1)
	next = append(next, tl.messages...)
	next = append(next, &cp)
	sortTimeline(next)
	tl.messages = next
	return &cp
}

// setSendState transitions the entry with the given local id, returning the
// updated copy. Used for Failed marking and retry back to Optimistic.
func (s *sessionStore) setSendState(partner, localID string, state SendState, sendErr string) *DecryptedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.timelines[partner]
	if !ok {
		return nil
	}
	next := make([]*DecryptedMessage, len(tl.messages))
	copy(next, tl.messages)
	var updated *DecryptedMessage
	for i, m := range next {
		if m.LocalID != localID || m.LocalID == "" {
			continue
		}
		cp := *m
		cp.SendState = state
		cp.SendError = sendErr
		next[i] = &cp
		updated = &cp
		break
	}
	if updated == nil {
		return nil
	}
	tl.messages = next
	return updated
}

// retryLocal flips a failed entry back to optimistic with a fresh timestamp
// (so the confirming event still matches) while keeping its local id and
// insertion time. Returns nil when no failed entry matches.
func (s *sessionStore) retryLocal(partner, localID string, createdAt nostr.Timestamp) *DecryptedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.timelines[partner]
	if !ok {
		return nil
	}
	next := make([]*DecryptedMessage, len(tl.messages))
	copy(next, tl.messages)
	var updated *DecryptedMessage
	for i, m := range next {
		if m.LocalID != localID || m.LocalID == "" || m.SendState != SendStateFailed {
			continue
		}
		cp := *m
		cp.SendState = SendStateOptimistic
		cp.SendError = ""
		cp.CreatedAt = createdAt
		next[i] = &cp
		updated = &cp
		break
	}
	if updated == nil {
		return nil
	}
	sortTimeline(next)
	tl.messages = next
	return updated
}

// removeLocal drops the entry with the given local id (explicit discard of a
// failed send). Confirmed entries are never removed this way.
func (s *sessionStore) removeLocal(partner, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.timelines[partner]
	if !ok {
		return false
	}
	next := make([]*DecryptedMessage, 0, len(tl.messages))
	removed := false
	for _, m := range tl.messages {
		if m.LocalID == localID && m.LocalID != "" && m.SendState != SendStateConfirmed {
			removed = true
			continue
		}
		next = append(next, m)
	}
	if removed {
		tl.messages = next
	}
	return removed
}

// snapshot returns a copy of the partner's timeline, oldest first.
func (s *sessionStore) snapshot(partner string) []*DecryptedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.timelines[partner]
	if !ok {
		return nil
	}
	out := make([]*DecryptedMessage, len(tl.messages))
	copy(out, tl.messages)
	return out
}

func (s *sessionStore) find(partner, localID string) *DecryptedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.timelines[partner]
	if !ok {
		return nil
	}
	for _, m := range tl.messages {
		if m.LocalID == localID && m.LocalID != "" {
			return m
		}
	}
	return nil
}

// drop discards a partner's accumulated timeline. Called when the pagination
// session for a different partner begins, so stale cross-partner state never
// leaks into a newly opened conversation.
func (s *sessionStore) drop(partner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timelines, partner)
}

// latestTimestamp returns the newest confirmed timestamp in the partner's
// timeline, or zero when empty. Used as the live subscription base.
func (s *sessionStore) latestTimestamp(partner string) nostr.Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.timelines[partner]
	if !ok || len(tl.messages) == 0 {
		return 0
	}
	var latest nostr.Timestamp
	for _, m := range tl.messages {
		if m.SendState == SendStateConfirmed && m.CreatedAt > latest {
			latest = m.CreatedAt
		}
	}
	return latest
}

func sortTimeline(msgs []*DecryptedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}
