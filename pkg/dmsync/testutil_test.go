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
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

// fakeRelay is an in-memory RelayClient. Query applies filters against the
// stored events the way a relay would (newest first, per-filter limit);
// Subscribe delivers stored matches plus anything pushed later.
type fakeRelay struct {
	mu          sync.Mutex
	events      []*nostr.Event
	published   []*nostr.Event
	subs        []*fakeSub
	failPublish error
	failQuery   error
}

type fakeSub struct {
	ch      chan *nostr.Event
	filters []nostr.Filter
	once    sync.Once
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{}
}

func (f *fakeRelay) add(evs ...*nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
}

func (f *fakeRelay) Query(_ context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQuery != nil {
		return nil, f.failQuery
	}
	var out []*nostr.Event
	for _, filter := range filters {
		var matched []*nostr.Event
		for _, ev := range f.events {
			if matchFilter(filter, ev) {
				matched = append(matched, ev)
			}
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt > matched[j].CreatedAt
		})
		if filter.Limit > 0 && len(matched) > filter.Limit {
			matched = matched[:filter.Limit]
		}
		out = append(out, matched...)
	}
	return out, nil
}

func (f *fakeRelay) Subscribe(_ context.Context, filters []nostr.Filter) (Subscription, error) {
	sub := &fakeSub{ch: make(chan *nostr.Event, 128), filters: filters}
	f.mu.Lock()
	for _, ev := range f.events {
		for _, filter := range filters {
			if matchFilter(filter, ev) {
				sub.ch <- ev
				break
			}
		}
	}
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

// push delivers an event to all live subscriptions with a matching filter,
// without adding it to the query store.
func (f *fakeRelay) push(ev *nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		for _, filter := range sub.filters {
			if matchFilter(filter, ev) {
				sub.ch <- ev
				break
			}
		}
	}
}

func (f *fakeRelay) Publish(_ context.Context, ev *nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish != nil {
		return f.failPublish
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeRelay) publishedByKind(kind int) []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range f.published {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *fakeSub) Events() <-chan *nostr.Event { return s.ch }

func (s *fakeSub) Close() {
	s.once.Do(func() { close(s.ch) })
}

func matchFilter(filter nostr.Filter, ev *nostr.Event) bool {
	if len(filter.Kinds) > 0 && !containsInt(filter.Kinds, ev.Kind) {
		return false
	}
	if len(filter.Authors) > 0 && !containsString(filter.Authors, ev.PubKey) {
		return false
	}
	for key, values := range filter.Tags {
		found := false
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == key && containsString(values, tag[1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Since != nil && ev.CreatedAt < *filter.Since {
		return false
	}
	if filter.Until != nil && ev.CreatedAt > *filter.Until {
		return false
	}
	return true
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	signer, err := NewLocalSigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return signer
}

// legacyEventBetween builds a real signed kind-4 envelope from the sender to
// the recipient.
func legacyEventBetween(t *testing.T, sender *LocalSigner, recipient string, content string, at nostr.Timestamp) *nostr.Event {
	t.Helper()
	ev, err := buildLegacyEvent(context.Background(), sender, recipient, content, at)
	require.NoError(t, err)
	return ev
}

func newTestEngine(t *testing.T, signer *LocalSigner, relay RelayClient) *Engine {
	t.Helper()
	cfg := &Config{Relays: []string{"wss://fake.test"}}
	engine, err := New(cfg, signer, relay)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

var errFakeNetwork = errors.New("fake network down")
