// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetDelete(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set("k", []byte("v1")))
	val, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), val)

	// Upsert overwrites.
	require.NoError(t, store.Set("k", []byte("v2")))
	val, ok, err = store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), val)

	require.NoError(t, store.Delete("k"))
	_, ok, err = store.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyKeyRejected(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.Set("", []byte("x")))
	_, _, err := store.Get("")
	require.Error(t, err)
	require.Error(t, store.Delete(""))
}

func TestPruneOlderThan(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("old", []byte("x")))

	// Everything written so far is older than a future cutoff.
	pruned, err := store.PruneOlderThan(time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	_, ok, err := store.Get("old")
	require.NoError(t, err)
	require.False(t, ok)
}
