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
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestLegacyDecodeBothDirections(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)

	ev := legacyEventBetween(t, alice, bob.PublicKey(), "hi bob", nostr.Now())

	// Received by bob: partner is the author.
	bobCodec := &codec{signer: bob, self: bob.PublicKey()}
	msg, err := bobCodec.decodeLegacy(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, alice.PublicKey(), msg.Partner)
	require.Equal(t, alice.PublicKey(), msg.Author)
	require.Equal(t, "hi bob", msg.Content)
	require.Equal(t, ProtocolLegacy, msg.Protocol)
	require.Equal(t, SendStateConfirmed, msg.SendState)

	// Read back by alice: partner comes from the recipient tag.
	aliceCodec := &codec{signer: alice, self: alice.PublicKey()}
	msg, err = aliceCodec.decodeLegacy(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, bob.PublicKey(), msg.Partner)
	require.Equal(t, "hi bob", msg.Content)
}

func TestLegacyDecodeBadPayloadYieldsPlaceholder(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)

	ev := legacyEventBetween(t, alice, bob.PublicKey(), "secret", nostr.Now())
	ev.Content = "not-a-ciphertext"

	bobCodec := &codec{signer: bob, self: bob.PublicKey()}
	msg, err := bobCodec.decodeLegacy(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, legacyDecryptPlaceholder, msg.Content)
}

func TestLegacyDecodeMissingRecipient(t *testing.T) {
	alice := newTestSigner(t)
	ev := &nostr.Event{PubKey: alice.PublicKey(), Kind: KindLegacyDM, CreatedAt: nostr.Now(), Content: "x"}

	aliceCodec := &codec{signer: alice, self: alice.PublicKey()}
	_, err := aliceCodec.decodeLegacy(context.Background(), ev)
	require.ErrorIs(t, err, ErrMalformedLayer)
}

// Both wraps of a dual-seal send must decode back to the original content:
// the partner-copy as the partner, the self-copy as the sender.
func TestSealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	at := nostr.Now()

	wraps, err := buildSealedWraps(ctx, alice, alice.PublicKey(), bob.PublicKey(), "sealed hello", at)
	require.NoError(t, err)
	require.Len(t, wraps, 2)

	partnerWrap, selfWrap := wraps[0], wraps[1]
	require.Equal(t, bob.PublicKey(), firstTagValue(partnerWrap, "p"))
	require.Equal(t, alice.PublicKey(), firstTagValue(selfWrap, "p"))

	bobCodec := &codec{signer: bob, self: bob.PublicKey()}
	msg, err := bobCodec.decodeSealed(ctx, partnerWrap)
	require.NoError(t, err)
	require.Equal(t, "sealed hello", msg.Content)
	require.Equal(t, alice.PublicKey(), msg.Partner)
	require.Equal(t, alice.PublicKey(), msg.Author)
	require.Equal(t, at, msg.CreatedAt)

	aliceCodec := &codec{signer: alice, self: alice.PublicKey()}
	msg2, err := aliceCodec.decodeSealed(ctx, selfWrap)
	require.NoError(t, err)
	require.Equal(t, "sealed hello", msg2.Content)
	require.Equal(t, bob.PublicKey(), msg2.Partner)
	require.Equal(t, alice.PublicKey(), msg2.Author)

	// Both copies decode to the same logical message id.
	require.Equal(t, msg.ID, msg2.ID)
}

// Wrapper and seal timestamps are jittered; only the inner chat record keeps
// the honest time.
func TestSealedTimestampsBackdated(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	at := nostr.Now()

	wraps, err := buildSealedWraps(ctx, alice, alice.PublicKey(), bob.PublicKey(), "x", at)
	require.NoError(t, err)
	for _, wrap := range wraps {
		require.LessOrEqual(t, wrap.CreatedAt, at)
	}
}

// Some producers skip the seal layer; the chat record sits directly inside
// the wrapper.
func TestSealedDecodeFlatVariant(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	at := nostr.Now()

	chat := nostr.Event{
		PubKey:    alice.PublicKey(),
		CreatedAt: at,
		Kind:      KindChat,
		Tags:      nostr.Tags{{"p", bob.PublicKey()}},
		Content:   "flat sealed",
	}
	chat.ID = chat.GetID()
	chatJSON, err := json.Marshal(chat)
	require.NoError(t, err)

	wrap, err := wrapSeal(string(chatJSON), bob.PublicKey(), at)
	require.NoError(t, err)

	bobCodec := &codec{signer: bob, self: bob.PublicKey()}
	msg, err := bobCodec.decodeSealed(ctx, wrap)
	require.NoError(t, err)
	require.Equal(t, "flat sealed", msg.Content)
	require.Equal(t, alice.PublicKey(), msg.Partner)
}

func TestSealedDecodeRejectsForeignWrap(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	carol := newTestSigner(t)

	wraps, err := buildSealedWraps(ctx, alice, alice.PublicKey(), bob.PublicKey(), "not for carol", nostr.Now())
	require.NoError(t, err)

	carolCodec := &codec{signer: carol, self: carol.PublicKey()}
	_, err = carolCodec.decodeSealed(ctx, wraps[0])
	require.ErrorIs(t, err, ErrUndecryptable)
}

func TestSealedDecodeRejectsWrongInnerKind(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)

	note := nostr.Event{PubKey: alice.PublicKey(), CreatedAt: nostr.Now(), Kind: 1, Content: "public note"}
	noteJSON, err := json.Marshal(note)
	require.NoError(t, err)
	wrap, err := wrapSeal(string(noteJSON), bob.PublicKey(), nostr.Now())
	require.NoError(t, err)

	bobCodec := &codec{signer: bob, self: bob.PublicKey()}
	_, err = bobCodec.decodeSealed(ctx, wrap)
	require.ErrorIs(t, err, ErrMalformedLayer)
}

// A chat record claiming a different author than the seal is a spoof and
// must be rejected at the structural stage.
func TestSealedDecodeRejectsAuthorMismatch(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	mallory := newTestSigner(t)

	chat := nostr.Event{
		PubKey:    mallory.PublicKey(),
		CreatedAt: nostr.Now(),
		Kind:      KindChat,
		Tags:      nostr.Tags{{"p", bob.PublicKey()}},
		Content:   "spoofed",
	}
	chat.ID = chat.GetID()
	chatJSON, err := json.Marshal(chat)
	require.NoError(t, err)

	sealContent, err := alice.SealedEncrypt(ctx, bob.PublicKey(), string(chatJSON))
	require.NoError(t, err)
	seal := nostr.Event{PubKey: alice.PublicKey(), CreatedAt: nostr.Now(), Kind: KindSeal, Tags: nostr.Tags{}, Content: sealContent}
	require.NoError(t, alice.SignEvent(ctx, &seal))
	sealJSON, err := json.Marshal(seal)
	require.NoError(t, err)
	wrap, err := wrapSeal(string(sealJSON), bob.PublicKey(), nostr.Now())
	require.NoError(t, err)

	bobCodec := &codec{signer: bob, self: bob.PublicKey()}
	_, err = bobCodec.decodeSealed(ctx, wrap)
	require.ErrorIs(t, err, ErrMalformedLayer)
}
