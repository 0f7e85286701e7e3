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
)

// convSession is the pagination state for the single active conversation.
// One cursor per protocol: the sealed cursor moves in wrapper-timestamp
// space, the legacy cursor in envelope-timestamp space.
type convSession struct {
	partner string
	legacy  ScanCursor
	sealed  ScanCursor
}

func (s *convSession) exhausted(legacyOn, sealedOn bool) bool {
	legacyDone := !legacyOn || s.legacy.Exhausted
	sealedDone := !sealedOn || s.sealed.Exhausted
	return legacyDone && sealedDone
}

// GetMessages returns the partner's accumulated timeline, fetching the first
// page if this partner is not the active pagination session yet. The until
// bound seeds a fresh session's cursors only; while a session for the partner
// is already active it is ignored and the accumulated timeline is returned
// as is. Switching partners discards the previous session's cursor and
// message list entirely.
func (e *Engine) GetMessages(ctx context.Context, partner string, until *nostr.Timestamp) (*MessagePage, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	session := e.session
	fresh := session == nil || session.partner != partner
	if fresh {
		if session != nil {
			e.store.drop(session.partner)
		}
		start := nostr.Now()
		if until != nil {
			start = *until
		}
		session = &convSession{
			partner: partner,
			legacy:  ScanCursor{OldestSeen: start},
			sealed:  ScanCursor{OldestSeen: start},
		}
		e.session = session
	}
	e.mu.Unlock()

	if fresh {
		if err := e.fetchConversationPage(ctx, session); err != nil {
			return nil, err
		}
	}
	return e.pageFor(session), nil
}

// LoadOlder advances the cursors past the oldest accumulated message and
// fetches one more page, prepending only messages not already present.
func (e *Engine) LoadOlder(ctx context.Context, partner string) (*MessagePage, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session == nil || session.partner != partner {
		return e.GetMessages(ctx, partner, nil)
	}
	if session.exhausted(e.caps.Legacy, e.sealedEnabled()) {
		return e.pageFor(session), nil
	}
	if err := e.fetchConversationPage(ctx, session); err != nil {
		return nil, err
	}
	return e.pageFor(session), nil
}

// fetchConversationPage pulls one batch per enabled protocol below each
// cursor and merges the decoded messages into the store. Transient transport
// errors surface the partial page; hard errors propagate.
func (e *Engine) fetchConversationPage(ctx context.Context, s *convSession) error {
	if e.caps.Legacy && !s.legacy.Exhausted {
		page, err := e.fetcher.legacyConversationPage(ctx, s.partner, s.legacy.OldestSeen)
		if err != nil {
			if !errTransient(err) {
				return fmt.Errorf("legacy conversation fetch: %w", err)
			}
			e.log.Warn().Err(err).Msg("Legacy conversation batch timed out, keeping partial page")
		} else {
			advanceCursor(&s.legacy, page)
			e.store.mergeConfirmed(s.partner, page.Messages)
		}
	}

	if e.sealedEnabled() && !s.sealed.Exhausted {
		page, err := e.fetcher.sealedConversationPage(ctx, s.partner, s.sealed.OldestSeen)
		if err != nil {
			if !errTransient(err) {
				return fmt.Errorf("sealed conversation fetch: %w", err)
			}
			e.log.Warn().Err(err).Msg("Sealed conversation batch timed out, keeping partial page")
		} else {
			advanceCursor(&s.sealed, page)
			e.store.mergeConfirmed(s.partner, page.Messages)
		}
	}
	return nil
}

func advanceCursor(cursor *ScanCursor, page *convPage) {
	cursor.TotalProcessed += page.Fetched
	if page.Oldest < cursor.OldestSeen {
		cursor.OldestSeen = page.Oldest - 1
	} else {
		// No progress below the bound: the window is drained.
		cursor.Exhausted = true
	}
	if page.Exhausted || cursor.TotalProcessed >= conversationScanCap {
		cursor.Exhausted = true
	}
}

func (e *Engine) pageFor(s *convSession) *MessagePage {
	msgs := e.store.snapshot(s.partner)
	page := &MessagePage{
		Messages: msgs,
		HasMore:  !s.exhausted(e.caps.Legacy, e.sealedEnabled()),
	}
	if len(msgs) > 0 {
		page.OldestTimestamp = msgs[0].CreatedAt
	}
	return page
}
