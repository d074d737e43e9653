// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// Sessions returns the identity's active sessions.
func (e *Engine) Sessions(ctx context.Context, identityID string) ([]*storage.Session, error) {
	return e.store.Sessions().ListSessions(ctx, identityID, true)
}

// RevokeSession terminates one session of the identity and every token
// anchored to it. A session belonging to someone else reads as not found
// so the endpoint does not confirm foreign session ids.
func (e *Engine) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	session, err := e.store.Sessions().GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IdentityID != identityID {
		return errors.NewNotFoundError("session not found", nil)
	}
	if err := e.tokens.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	e.emit(ctx, Event{Type: EventSessionRevoked, IdentityID: identityID, SessionID: sessionID})
	return nil
}

// Logout terminates the caller's own session. Logging out of a session
// that is already gone succeeds, so retries are harmless.
func (e *Engine) Logout(ctx context.Context, identityID, sessionID string) error {
	session, err := e.store.Sessions().GetSession(ctx, sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if session.IdentityID != identityID {
		return errors.NewUnauthenticatedError("session does not belong to this identity", nil)
	}
	if err := e.tokens.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	e.emit(ctx, Event{Type: EventLogout, IdentityID: identityID, SessionID: sessionID})
	return nil
}
