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
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Engine is one synchronization session: it owns the per-partner timelines,
// the pagination state and the live subscriptions, and talks to the relays
// and the signer only through their consumed interfaces. All session state
// dies with the engine; cross-restart persistence belongs to the Cache.
type Engine struct {
	cfg    *Config
	signer Signer
	relays RelayClient
	cache  Cache
	log    zerolog.Logger

	codec   *codec
	fetcher *fetcher
	store   *sessionStore
	caps    CapabilitySet

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	convs   map[string]*Conversation // latest discovery output by partner
	session *convSession             // active pagination session, one partner at a time
	live    map[string]*liveSub
	closed  bool
}

type Option func(*Engine)

// WithLogger replaces the default nop logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithCache attaches the persistent key-value cache used for discovery
// summaries. The engine is fully functional without one.
func WithCache(cache Cache) Option {
	return func(e *Engine) { e.cache = cache }
}

func New(cfg *Config, signer Signer, relays RelayClient, opts ...Option) (*Engine, error) {
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	self := signer.PublicKey()
	if self == "" {
		return nil, fmt.Errorf("signer has no public key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		signer: signer,
		relays: relays,
		log:    zerolog.Nop(),
		store:  newSessionStore(),
		caps:   signer.Capabilities(),
		ctx:    ctx,
		cancel: cancel,
		convs:  make(map[string]*Conversation),
		live:   make(map[string]*liveSub),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.codec = &codec{signer: signer, self: self}
	e.fetcher = &fetcher{codec: e.codec, relays: relays, self: self, log: e.log}

	if !e.caps.Legacy && !e.sealedEnabled() {
		cancel()
		return nil, fmt.Errorf("%w: no usable protocol for this session", ErrNoSignerCapability)
	}
	e.log.Info().
		Str("self", self).
		Bool("legacy", e.caps.Legacy).
		Bool("sealed", e.sealedEnabled()).
		Msg("Engine initialized")
	return e, nil
}

func (e *Engine) Self() string {
	return e.codec.self
}

// sealedEnabled combines signer capability with configuration. A signer
// without the sealed scheme disables the protocol for the whole session
// instead of erroring per message.
func (e *Engine) sealedEnabled() bool {
	return e.caps.Sealed && !e.cfg.DisableSealed
}

// DiscoverConversations runs the heuristic probe and the per-protocol bulk
// scans, then merges everything into one conversation list. A scan aborted
// by ctx or transport failure contributes whatever it folded so far; the
// call only errors when nothing at all could be retrieved.
func (e *Engine) DiscoverConversations(ctx context.Context) ([]*Conversation, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	probe := e.fetcher.probeConversations(ctx)

	// Scans run sequentially: decrypt calls share the single-capacity
	// signer, and each scan already fans out its relay queries internally.
	var legacy, sealed map[string]*protoSummary
	var counters scanCounters
	if e.caps.Legacy {
		var c scanCounters
		legacy, c = e.fetcher.discoverLegacy(ctx)
		counters.add(c)
	}
	if e.sealedEnabled() {
		var c scanCounters
		sealed, c = e.fetcher.discoverSealed(ctx)
		counters.add(c)
	}

	if counters.Fetched == 0 && len(probe) == 0 && ctx.Err() != nil {
		return nil, fmt.Errorf("discovery aborted before any data arrived: %w", ctx.Err())
	}

	convs := mergeConversations(probe, legacy, sealed, e.sealedEnabled(), e.codec.self)

	e.mu.Lock()
	e.convs = make(map[string]*Conversation, len(convs))
	for _, conv := range convs {
		e.convs[conv.Partner] = conv
	}
	e.mu.Unlock()

	e.storeCachedConversations(convs)
	return convs, nil
}

func (e *Engine) conversation(partner string) *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convs[partner]
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close ends the session: all live subscriptions are closed and in-memory
// state becomes unreachable.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := make([]*liveSub, 0, len(e.live))
	for _, ls := range e.live {
		subs = append(subs, ls)
	}
	e.live = make(map[string]*liveSub)
	e.mu.Unlock()

	for _, ls := range subs {
		ls.close()
	}
	e.cancel()
	e.log.Info().Msg("Engine closed")
}
