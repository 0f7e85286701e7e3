// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import (
	"encoding/json"
)

// Cache is the consumed persistent key-value store. Implementations decide
// durability and location; dmcache provides a sqlite-backed one.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

func (e *Engine) conversationsCacheKey() string {
	return "conversations:" + e.codec.self
}

// CachedConversations returns the conversation list persisted by the last
// completed discovery run, marked stale. Callers can render it immediately
// while DiscoverConversations refreshes in the background. Returns nil when
// no cache is attached or nothing was stored.
func (e *Engine) CachedConversations() []*Conversation {
	if e.cache == nil {
		return nil
	}
	raw, ok, err := e.cache.Get(e.conversationsCacheKey())
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to read cached conversations")
		return nil
	}
	if !ok {
		return nil
	}
	var convs []*Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		e.log.Warn().Err(err).Msg("Cached conversation list is corrupt, dropping it")
		_ = e.cache.Delete(e.conversationsCacheKey())
		return nil
	}
	for _, conv := range convs {
		conv.Stale = true
	}
	return convs
}

func (e *Engine) storeCachedConversations(convs []*Conversation) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(convs)
	if err != nil {
		return
	}
	if err := e.cache.Set(e.conversationsCacheKey(), raw); err != nil {
		e.log.Warn().Err(err).Msg("Failed to persist conversation summaries")
	}
}
