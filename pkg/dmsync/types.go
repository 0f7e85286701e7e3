// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used on the wire. Seal and Chat are never queried directly;
// they only exist inside a decrypted Wrapper.
const (
	KindLegacyDM = 4    // directly-addressed encrypted DM (single layer)
	KindWrapper  = 1059 // outer envelope of the sealed protocol
	KindSeal     = 13   // middle layer, authored by the real sender
	KindChat     = 14   // innermost message record
)

// Protocol identifies which of the two incompatible DM schemes produced a
// message, or lets the caller defer the choice to the engine.
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolLegacy
	ProtocolSealed
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLegacy:
		return "legacy"
	case ProtocolSealed:
		return "sealed"
	default:
		return "auto"
	}
}

// SendState tracks a timeline entry's position in the outgoing state machine.
// Received messages are always Confirmed.
type SendState int

const (
	SendStateOptimistic SendState = iota
	SendStateConfirmed
	SendStateFailed
)

func (s SendState) String() string {
	switch s {
	case SendStateOptimistic:
		return "optimistic"
	case SendStateFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// DecryptedMessage is the canonical form both protocols decode into.
//
// ID is the network event id (the inner record's id for sealed messages,
// since the two outer wraps of one logical message have different ids).
// LocalID is assigned at optimistic insertion and survives confirmation, so
// callers can track an entry across the Optimistic -> Confirmed transition.
type DecryptedMessage struct {
	ID        string
	LocalID   string
	Partner   string
	Author    string
	CreatedAt nostr.Timestamp
	Protocol  Protocol
	Content   string
	SendState SendState

	// InsertedAt is the local wall-clock insertion time. It is preserved when
	// a confirmed event replaces an optimistic entry so UI timing is stable.
	InsertedAt time.Time

	// SendError holds the failure reason for SendStateFailed entries.
	SendError string
}

// Conversation is the per-partner summary returned by discovery.
// Known/Request are derived from observed authorship, never stored.
type Conversation struct {
	Partner             string
	LastMessage         *DecryptedMessage
	LastActivity        nostr.Timestamp
	HasLegacy           bool
	HasSealed           bool
	RecentMessages      []*DecryptedMessage
	Known               bool
	Request             bool
	LastMessageFromSelf bool

	// Stale marks a summary served from the persistent cache before the
	// first full scan of this session has replaced it.
	Stale bool
}

// ScanCursor tracks one (partner, protocol) pagination session. It is owned
// by the engine's pagination path and discarded when the active partner
// changes or the session ends.
type ScanCursor struct {
	OldestSeen     nostr.Timestamp
	TotalProcessed int
	Exhausted      bool
}

// MessagePage is one page of a conversation timeline, oldest first.
type MessagePage struct {
	Messages        []*DecryptedMessage
	HasMore         bool
	OldestTimestamp nostr.Timestamp
}

// Scan tuning. Discovery walks backward in fixed batches until the cap;
// conversation fetches are smaller and bounded per direction.
const (
	discoveryBatchSize = 1000
	discoveryScanCap   = 20000

	conversationBatchSize = 100
	conversationScanCap   = 2000

	// Per-partner decoded messages retained during discovery. Memory bound,
	// not a correctness requirement.
	discoveryRecentKeep = 5

	// Merged recent window per conversation after combining both protocols.
	mergedRecentKeep = 20

	// Candidate partners probed by the cheap existence pass.
	probeCandidateCap = 200
)

// Reconciliation windows.
const (
	// optimisticMatchWindow bounds |created_at delta| when matching a
	// confirmed event against an optimistic entry.
	optimisticMatchWindow = 30 * time.Second

	// liveOverlap is subtracted from the latest known timestamp when opening
	// a live subscription, to tolerate clock skew between encrypt and publish.
	liveOverlap = 60 * time.Second

	// sealedTimestampJitter is the maximum backdating applied to Wrapper and
	// Seal created_at on send. Inner Chat records keep the honest timestamp,
	// so sealed since-bounds must be widened by this margin.
	sealedTimestampJitter = 48 * time.Hour
)

func firstTagValue(ev *nostr.Event, key string) string {
	tag := ev.Tags.GetFirst([]string{key})
	if tag == nil {
		return ""
	}
	return tag.Value()
}
