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

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// CapabilitySet reports which encryption schemes a signer supports.
// A missing capability disables the corresponding protocol for the session.
type CapabilitySet struct {
	Legacy bool
	Sealed bool
}

// Signer performs all cryptographic primitives on behalf of the engine.
// Implementations may be remote (hardware or extension signers), so every
// call takes a context and is treated as a suspension point: the engine
// never issues concurrent calls against one signer.
type Signer interface {
	PublicKey() string
	SignEvent(ctx context.Context, ev *nostr.Event) error

	LegacyEncrypt(ctx context.Context, peer, plaintext string) (string, error)
	LegacyDecrypt(ctx context.Context, peer, ciphertext string) (string, error)

	SealedEncrypt(ctx context.Context, peer, plaintext string) (string, error)
	SealedDecrypt(ctx context.Context, peer, ciphertext string) (string, error)

	Capabilities() CapabilitySet
}

// LocalSigner implements Signer over an in-process secret key.
type LocalSigner struct {
	secretKey string
	publicKey string
}

var _ Signer = (*LocalSigner)(nil)

func NewLocalSigner(secretKey string) (*LocalSigner, error) {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &LocalSigner{secretKey: secretKey, publicKey: pub}, nil
}

func (s *LocalSigner) PublicKey() string {
	return s.publicKey
}

func (s *LocalSigner) Capabilities() CapabilitySet {
	return CapabilitySet{Legacy: true, Sealed: true}
}

func (s *LocalSigner) SignEvent(_ context.Context, ev *nostr.Event) error {
	return ev.Sign(s.secretKey)
}

func (s *LocalSigner) LegacyEncrypt(_ context.Context, peer, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peer, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("legacy shared secret: %w", err)
	}
	return nip04.Encrypt(plaintext, shared)
}

func (s *LocalSigner) LegacyDecrypt(_ context.Context, peer, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peer, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("legacy shared secret: %w", err)
	}
	return nip04.Decrypt(ciphertext, shared)
}

func (s *LocalSigner) SealedEncrypt(_ context.Context, peer, plaintext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peer, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sealed conversation key: %w", err)
	}
	return nip44.Encrypt(plaintext, key)
}

func (s *LocalSigner) SealedDecrypt(_ context.Context, peer, ciphertext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peer, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sealed conversation key: %w", err)
	}
	return nip44.Decrypt(ciphertext, key)
}
