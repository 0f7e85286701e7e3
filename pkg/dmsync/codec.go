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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// codec turns raw envelopes into DecryptedMessages. Decode failures are soft:
// the envelope is skipped and counted, the batch continues.
type codec struct {
	signer Signer
	self   string
}

// scanCounters accumulates per-run decode statistics, logged when a scan
// completes.
type scanCounters struct {
	Fetched       int
	Decrypted     int
	Undecryptable int
	Malformed     int
	Duplicate     int
}

func (c *scanCounters) add(other scanCounters) {
	c.Fetched += other.Fetched
	c.Decrypted += other.Decrypted
	c.Undecryptable += other.Undecryptable
	c.Malformed += other.Malformed
	c.Duplicate += other.Duplicate
}

func (c *scanCounters) count(err error) {
	switch {
	case err == nil:
		c.Decrypted++
	case errors.Is(err, ErrUndecryptable):
		c.Undecryptable++
	default:
		c.Malformed++
	}
}

// decodeLegacy decodes a kind-4 envelope. The counterparty is the author for
// received envelopes and the p-tag recipient for self-authored ones. A
// failing decrypt yields a placeholder body instead of dropping the message,
// so ordering in the conversation is preserved.
func (c *codec) decodeLegacy(ctx context.Context, ev *nostr.Event) (*DecryptedMessage, error) {
	if ev.Kind != KindLegacyDM {
		return nil, fmt.Errorf("%w: kind %d is not a legacy envelope", ErrMalformedLayer, ev.Kind)
	}
	partner := ev.PubKey
	if ev.PubKey == c.self {
		partner = firstTagValue(ev, "p")
	}
	if partner == "" {
		return nil, fmt.Errorf("%w: legacy envelope has no recipient tag", ErrMalformedLayer)
	}

	content, err := c.signer.LegacyDecrypt(ctx, partner, ev.Content)
	if err != nil {
		content = legacyDecryptPlaceholder
	}

	return &DecryptedMessage{
		ID:        ev.ID,
		Partner:   partner,
		Author:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Protocol:  ProtocolLegacy,
		Content:   content,
		SendState: SendStateConfirmed,
	}, nil
}

// decodeSealed unwraps a kind-1059 envelope: Wrapper -> Seal -> Chat.
//
// The Wrapper's own recipient tag is never read for identity: producers may
// randomize it for metadata hiding. Partner identity comes from the Seal's
// author (received) or the Chat's addressee tag (authored by self).
//
// Some producers skip the Seal layer and put the Chat record directly inside
// the Wrapper; that flat variant is accepted as a fallback.
func (c *codec) decodeSealed(ctx context.Context, ev *nostr.Event) (*DecryptedMessage, error) {
	if ev.Kind != KindWrapper {
		return nil, fmt.Errorf("%w: kind %d is not a wrapper", ErrMalformedLayer, ev.Kind)
	}

	innerJSON, err := c.signer.SealedDecrypt(ctx, ev.PubKey, ev.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapper: %v", ErrUndecryptable, err)
	}

	var inner nostr.Event
	if err := json.Unmarshal([]byte(innerJSON), &inner); err != nil {
		return nil, fmt.Errorf("%w: wrapper payload is not an event: %v", ErrMalformedLayer, err)
	}

	switch inner.Kind {
	case KindSeal:
		return c.decodeSeal(ctx, &inner)
	case KindChat:
		// Flat variant: no seal layer, the chat record sits in the wrapper.
		return c.chatToMessage(&inner, inner.PubKey)
	default:
		return nil, fmt.Errorf("%w: unexpected inner kind %d", ErrMalformedLayer, inner.Kind)
	}
}

func (c *codec) decodeSeal(ctx context.Context, seal *nostr.Event) (*DecryptedMessage, error) {
	chatJSON, err := c.signer.SealedDecrypt(ctx, seal.PubKey, seal.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrUndecryptable, err)
	}

	var chat nostr.Event
	if err := json.Unmarshal([]byte(chatJSON), &chat); err != nil {
		return nil, fmt.Errorf("%w: seal payload is not an event: %v", ErrMalformedLayer, err)
	}
	if chat.Kind != KindChat {
		return nil, fmt.Errorf("%w: seal carries kind %d, want %d", ErrMalformedLayer, chat.Kind, KindChat)
	}
	// The seal author is the authoritative sender; a chat record claiming a
	// different author is a spoof attempt.
	if chat.PubKey != seal.PubKey {
		return nil, fmt.Errorf("%w: chat author does not match seal author", ErrMalformedLayer)
	}
	return c.chatToMessage(&chat, seal.PubKey)
}

func (c *codec) chatToMessage(chat *nostr.Event, sender string) (*DecryptedMessage, error) {
	partner := sender
	if sender == c.self {
		partner = firstTagValue(chat, "p")
		if partner == "" {
			return nil, fmt.Errorf("%w: self-authored chat has no addressee tag", ErrMalformedLayer)
		}
	}

	id := chat.ID
	if id == "" {
		// Unsigned inner records may omit the id; compute it so dedup works
		// across the partner-copy and self-copy wraps.
		id = chat.GetID()
	}

	return &DecryptedMessage{
		ID:        id,
		Partner:   partner,
		Author:    chat.PubKey,
		CreatedAt: chat.CreatedAt,
		Protocol:  ProtocolSealed,
		Content:   chat.Content,
		SendState: SendStateConfirmed,
	}, nil
}
