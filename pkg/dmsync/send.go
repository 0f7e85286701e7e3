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
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// SendMessage inserts an optimistic entry for the partner's timeline and
// publishes the encrypted envelope(s). On failure the entry stays visible in
// the failed state so the caller can RetrySend or DiscardFailed explicitly.
// On success the entry stays optimistic until the live reconciler (or a
// later fetch) matches the confirmed network event against it.
func (e *Engine) SendMessage(ctx context.Context, partner, content string, proto Protocol) (*DecryptedMessage, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	proto = e.resolveProtocol(partner, proto)
	if err := e.checkCapability(proto); err != nil {
		return nil, err
	}

	entry := e.store.insertOptimistic(partner, &DecryptedMessage{
		LocalID:    uuid.NewString(),
		Partner:    partner,
		Author:     e.codec.self,
		CreatedAt:  nostr.Now(),
		Protocol:   proto,
		Content:    content,
		SendState:  SendStateOptimistic,
		InsertedAt: time.Now(),
	})

	if err := e.publishMessage(ctx, entry); err != nil {
		failed := e.store.setSendState(partner, entry.LocalID, SendStateFailed, err.Error())
		e.log.Warn().Err(err).Str("partner", partner).Str("protocol", proto.String()).Msg("Send failed")
		return failed, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	e.log.Debug().Str("partner", partner).Str("protocol", proto.String()).Msg("Message published")
	return entry, nil
}

// RetrySend re-publishes a failed entry, preserving its local id and
// insertion time. The entry's timestamp is refreshed so the confirming
// event still falls inside the optimistic match window.
func (e *Engine) RetrySend(ctx context.Context, partner, localID string) (*DecryptedMessage, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	existing := e.store.find(partner, localID)
	if existing == nil || existing.SendState != SendStateFailed {
		return nil, ErrUnknownLocalID
	}

	entry := e.store.retryLocal(partner, localID, nostr.Now())
	if entry == nil {
		return nil, ErrUnknownLocalID
	}
	if err := e.publishMessage(ctx, entry); err != nil {
		failed := e.store.setSendState(partner, localID, SendStateFailed, err.Error())
		return failed, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return entry, nil
}

// DiscardFailed removes a failed entry from the timeline. Only failed
// entries can be discarded; pending and confirmed entries never vanish
// through this path.
func (e *Engine) DiscardFailed(partner, localID string) error {
	existing := e.store.find(partner, localID)
	if existing == nil || existing.SendState != SendStateFailed {
		return ErrUnknownLocalID
	}
	if !e.store.removeLocal(partner, localID) {
		return ErrUnknownLocalID
	}
	return nil
}

// resolveProtocol picks the concrete protocol for ProtocolAuto: sealed when
// the session supports it and the partner has been seen on sealed (or never
// seen at all), legacy when the partner only ever appeared on legacy.
func (e *Engine) resolveProtocol(partner string, proto Protocol) Protocol {
	if proto != ProtocolAuto {
		return proto
	}
	if !e.sealedEnabled() {
		return ProtocolLegacy
	}
	conv := e.conversation(partner)
	if conv != nil && conv.HasLegacy && !conv.HasSealed {
		return ProtocolLegacy
	}
	return ProtocolSealed
}

func (e *Engine) checkCapability(proto Protocol) error {
	switch proto {
	case ProtocolLegacy:
		if !e.caps.Legacy {
			return fmt.Errorf("%w: legacy", ErrNoSignerCapability)
		}
	case ProtocolSealed:
		if !e.sealedEnabled() {
			return fmt.Errorf("%w: sealed", ErrNoSignerCapability)
		}
	default:
		return fmt.Errorf("cannot send with unresolved protocol %v", proto)
	}
	return nil
}

func (e *Engine) publishMessage(ctx context.Context, entry *DecryptedMessage) error {
	var events []*nostr.Event
	var err error
	switch entry.Protocol {
	case ProtocolLegacy:
		var ev *nostr.Event
		ev, err = buildLegacyEvent(ctx, e.signer, entry.Partner, entry.Content, entry.CreatedAt)
		if ev != nil {
			events = []*nostr.Event{ev}
		}
	case ProtocolSealed:
		events, err = buildSealedWraps(ctx, e.signer, e.codec.self, entry.Partner, entry.Content, entry.CreatedAt)
	}
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := e.relays.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish kind %d: %w", ev.Kind, err)
		}
	}
	return nil
}

func buildLegacyEvent(ctx context.Context, signer Signer, partner, content string, createdAt nostr.Timestamp) (*nostr.Event, error) {
	ciphertext, err := signer.LegacyEncrypt(ctx, partner, content)
	if err != nil {
		return nil, fmt.Errorf("legacy encrypt: %w", err)
	}
	ev := &nostr.Event{
		CreatedAt: createdAt,
		Kind:      KindLegacyDM,
		Tags:      nostr.Tags{{"p", partner}},
		Content:   ciphertext,
	}
	if err := signer.SignEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("sign legacy envelope: %w", err)
	}
	return ev, nil
}

// buildSealedWraps performs the dual-seal construction: the chat record is
// sealed and wrapped once for the partner and once, independently encrypted,
// for self: the single-recipient cipher cannot target two readers, and
// without the self-copy the sender's own outbox would be undecryptable.
// Exactly two wrappers are returned.
//
// Seal and wrapper timestamps are backdated by a random jitter for metadata
// hiding; the inner chat record keeps the honest timestamp.
func buildSealedWraps(ctx context.Context, signer Signer, self, partner, content string, createdAt nostr.Timestamp) ([]*nostr.Event, error) {
	chat := nostr.Event{
		PubKey:    self,
		CreatedAt: createdAt,
		Kind:      KindChat,
		Tags:      nostr.Tags{{"p", partner}},
		Content:   content,
	}
	chat.ID = chat.GetID()
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("marshal chat record: %w", err)
	}

	wraps := make([]*nostr.Event, 0, 2)
	for _, recipient := range []string{partner, self} {
		sealContent, err := signer.SealedEncrypt(ctx, recipient, string(chatJSON))
		if err != nil {
			return nil, fmt.Errorf("seal encrypt for %s: %w", recipient, err)
		}
		seal := nostr.Event{
			PubKey:    self,
			CreatedAt: jitteredTimestamp(createdAt),
			Kind:      KindSeal,
			Tags:      nostr.Tags{},
			Content:   sealContent,
		}
		if err := signer.SignEvent(ctx, &seal); err != nil {
			return nil, fmt.Errorf("sign seal: %w", err)
		}
		sealJSON, err := json.Marshal(seal)
		if err != nil {
			return nil, fmt.Errorf("marshal seal: %w", err)
		}

		wrap, err := wrapSeal(string(sealJSON), recipient, createdAt)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, wrap)
	}
	return wraps, nil
}

// wrapSeal encrypts the seal to the recipient under a throwaway key and
// signs the wrapper with it, so the wrapper reveals neither party. The
// recipient tag must name the real recipient or relays could never route
// the wrap; it is still never trusted for identity on the read side.
func wrapSeal(sealJSON, recipient string, createdAt nostr.Timestamp) (*nostr.Event, error) {
	ephemeral := nostr.GeneratePrivateKey()
	convKey, err := nip44.GenerateConversationKey(recipient, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("wrap conversation key: %w", err)
	}
	wrapContent, err := nip44.Encrypt(sealJSON, convKey)
	if err != nil {
		return nil, fmt.Errorf("wrap encrypt: %w", err)
	}
	wrap := &nostr.Event{
		CreatedAt: jitteredTimestamp(createdAt),
		Kind:      KindWrapper,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   wrapContent,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nil, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

func jitteredTimestamp(ts nostr.Timestamp) nostr.Timestamp {
	return ts - nostr.Timestamp(rand.Int64N(int64(sealedTimestampJitter/time.Second)))
}
