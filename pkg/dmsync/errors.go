// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import "errors"

// Decode and send failures are classified so callers can distinguish noise
// (malformed envelopes from unrelated producers) from real problems.
var (
	// ErrUndecryptable means the signer could not decrypt an envelope
	// (key mismatch or foreign recipient). The envelope is skipped and
	// counted, never surfaced as content.
	ErrUndecryptable = errors.New("envelope is not decryptable with the active keys")

	// ErrMalformedLayer means a sealed envelope failed structural validation
	// at the Wrapper, Seal or Chat stage. Expected background noise.
	ErrMalformedLayer = errors.New("sealed envelope layer is malformed")

	// ErrNoSignerCapability means the active signer lacks the encryption
	// scheme required by the requested protocol. The protocol is disabled
	// for the session rather than failing per message.
	ErrNoSignerCapability = errors.New("signer lacks the required encryption capability")

	// ErrSendFailed wraps network or signing errors on an outgoing message.
	// The optimistic entry stays visible in the failed state for retry.
	ErrSendFailed = errors.New("send failed")

	// ErrUnknownLocalID is returned by retry/discard when no failed entry
	// with the given local id exists for the partner.
	ErrUnknownLocalID = errors.New("no failed entry with that local id")

	// ErrEngineClosed is returned by operations issued after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// legacyDecryptPlaceholder is shown in place of content when a legacy
// envelope is structurally fine but the payload will not decrypt. Keeping
// the message (with a placeholder) preserves conversation ordering.
const legacyDecryptPlaceholder = "<message could not be decrypted>"
