// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package relaypool

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDedupEvents(t *testing.T) {
	a := &nostr.Event{ID: "a"}
	b := &nostr.Event{ID: "b"}
	out := dedupEvents([]*nostr.Event{a, b, a, b, a})
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].ID)
	require.Equal(t, "b", out[1].ID)
}

func TestSetRelaysSwapsURLs(t *testing.T) {
	pool := New([]string{"wss://one.example.com"}, zerolog.Nop())
	require.Equal(t, []string{"wss://one.example.com"}, pool.relayURLs())

	pool.SetRelays([]string{"wss://two.example.com", "wss://three.example.com"})
	require.Equal(t, []string{"wss://two.example.com", "wss://three.example.com"}, pool.relayURLs())
}

func TestQueryWithoutRelays(t *testing.T) {
	pool := New(nil, zerolog.Nop())
	_, err := pool.Query(t.Context(), []nostr.Filter{{Kinds: []int{4}}})
	require.Error(t, err)
}
