// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/token"
)

// defaultLoginScopes is what a first-party login asks for when the
// request names no scopes.
var defaultLoginScopes = []string{"openid", "profile", "email", "offline_access"}

// LoginRequest carries one password login attempt. ClientID is optional;
// an empty one attributes the session to the configured first-party
// client.
type LoginRequest struct {
	Email    string             `json:"email"`
	Password string             `json:"password"`
	ClientID string             `json:"client_id,omitempty"`
	Scopes   []string           `json:"scopes,omitempty"`
	Device   storage.DeviceInfo `json:"device,omitempty"`
}

// MFAGate is the pending half of a login that still owes a second factor.
// The ticket comes back with the answered challenge to finish the login.
type MFAGate struct {
	Ticket    string               `json:"mfa_ticket"`
	Challenge *mfa.IssuedChallenge `json:"challenge"`
}

// LoginResult is either a finished login (Pair set) or a pending one
// (MFA set), never both.
type LoginResult struct {
	IdentityID string      `json:"identity_id"`
	SessionID  string      `json:"session_id"`
	Pair       *token.Pair `json:"tokens,omitempty"`
	MFA        *MFAGate    `json:"mfa,omitempty"`
}

// Login authenticates an email/password pair. A wrong password counts
// toward the lockout cap; crossing it locks the account for the
// configured window, during which even the correct password is refused.
// When policy demands a second factor the result carries a challenge and
// an MFA ticket instead of tokens.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, errors.NewInvalidCredentialsError("email and password are required", nil)
	}

	client, err := e.loginClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	identity, err := e.store.Identities().GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.IsNotFound(err) {
			// Burn the KDF cost a real verification would have taken so
			// response timing does not reveal whether the email exists.
			if _, hashErr := e.hasher.Hash(req.Password); hashErr != nil {
				logger.Warnw("login decoy hash failed", "error", hashErr)
			}
			return nil, errors.NewInvalidCredentialsError("email or password is incorrect", nil)
		}
		return nil, err
	}

	now := e.clock.Now().UTC()
	if identity.Locked(now) {
		return nil, errors.NewAccountLockedError("account is temporarily locked", nil)
	}

	verdict, err := e.hasher.Verify(req.Password, identity.PasswordHash)
	if err != nil {
		return nil, err
	}
	if verdict == crypto.VerifyNo {
		e.recordLoginFailure(ctx, identity)
		return nil, errors.NewInvalidCredentialsError("email or password is incorrect", nil)
	}

	if identity.Status != storage.IdentityActive {
		return nil, errors.NewAccountInactiveError("account is not active", nil)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = defaultLoginScopes
	}
	session := &storage.Session{
		ID:           uuid.NewString(),
		IdentityID:   identity.ID,
		ClientID:     client.ClientID,
		Device:       req.Device,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(e.tokens.SessionTTL()),
		IsActive:     true,
	}

	// The session is recorded before the MFA gate because a pending login
	// pins its session id into the MFA ticket.
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		fresh, err := tx.Identities().GetIdentity(ctx, identity.ID)
		if err != nil {
			return err
		}
		fresh.FailedLoginAttempts = 0
		fresh.LockedUntil = nil
		if verdict == crypto.VerifyOKRehash {
			if rehash, err := e.hasher.Hash(req.Password); err == nil {
				fresh.PasswordHash = rehash
			} else {
				logger.Warnw("opportunistic re-hash failed", "identity_id", fresh.ID, "error", err)
			}
		}
		if err := tx.Identities().UpdateIdentity(ctx, fresh); err != nil {
			return err
		}
		identity = fresh
		return tx.Sessions().CreateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	decision, err := e.mfa.Require(ctx, identity, nil, storage.PurposeLogin)
	if err != nil {
		return nil, err
	}
	if !decision.Satisfied {
		ticket, err := e.tokens.IssueMFATicket(ctx, e.store, identity, client, session, scopes)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			IdentityID: identity.ID,
			SessionID:  session.ID,
			MFA:        &MFAGate{Ticket: ticket, Challenge: decision.Challenge},
		}, nil
	}

	var pair *token.Pair
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		p, err := e.tokens.IssuePair(ctx, tx, identity, client, session, scopes)
		if err != nil {
			return err
		}
		pair = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Type:       EventLogin,
		IdentityID: identity.ID,
		SessionID:  session.ID,
		Detail:     "password",
	})
	return &LoginResult{IdentityID: identity.ID, SessionID: session.ID, Pair: pair}, nil
}

// MFALoginRequest answers the second-factor half of a pending login.
type MFALoginRequest struct {
	Ticket      string `json:"mfa_ticket"`
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// CompleteMFALogin finishes a login that was gated on a second factor.
// The code is checked before the ticket is burned, so a mistyped digit
// costs a challenge attempt, not the whole login.
func (e *Engine) CompleteMFALogin(ctx context.Context, req MFALoginRequest) (*LoginResult, error) {
	if req.Ticket == "" || req.ChallengeID == "" || req.Code == "" {
		return nil, errors.NewInvalidArgumentError("mfa ticket, challenge id and code are required", nil)
	}

	challenge, err := e.mfa.Verify(ctx, req.ChallengeID, req.Code)
	if err != nil {
		return nil, err
	}
	if challenge.Purpose != storage.PurposeLogin {
		return nil, errors.NewMFAFailedError("challenge was not issued for login", nil)
	}

	var (
		pair    *token.Pair
		session *storage.Session
	)
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		ticket, err := e.tokens.ConsumeMFATicket(ctx, tx, req.Ticket)
		if err != nil {
			return err
		}
		if ticket.IdentityID != challenge.IdentityID {
			return errors.NewMFAFailedError("challenge does not belong to this login", nil)
		}
		identity, err := tx.Identities().GetIdentity(ctx, ticket.IdentityID)
		if err != nil {
			return err
		}
		if identity.Status != storage.IdentityActive {
			return errors.NewAccountInactiveError("account is not active", nil)
		}
		client, err := tx.Clients().GetClient(ctx, ticket.ClientID)
		if err != nil {
			return err
		}
		session, err = tx.Sessions().GetSession(ctx, ticket.SessionID)
		if err != nil {
			return err
		}

		now := e.clock.Now().UTC()
		session.MFAAsserted = true
		session.MFAAssertedAt = &now
		session.MFAMethodID = challenge.MethodID
		session.LastActiveAt = now
		if err := tx.Sessions().UpdateSession(ctx, session); err != nil {
			return err
		}

		pair, err = e.tokens.IssuePair(ctx, tx, identity, client, session, ticket.Scopes)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Type:       EventLogin,
		IdentityID: challenge.IdentityID,
		SessionID:  session.ID,
		Detail:     "password+mfa",
	})
	return &LoginResult{IdentityID: challenge.IdentityID, SessionID: session.ID, Pair: pair}, nil
}

// loginClient resolves the client a login is recorded against: the one
// the request names, or the configured first-party default. Only trusted
// clients may take the password grant.
func (e *Engine) loginClient(ctx context.Context, clientID string) (*storage.OAuthClient, error) {
	if clientID == "" {
		clientID = e.cfg.DefaultClientID
	}
	if clientID == "" {
		return nil, errors.NewInvalidClientError("no client to attribute the login to", nil)
	}
	client, err := e.store.Clients().GetClient(ctx, clientID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewInvalidClientError("unknown client", nil)
		}
		return nil, err
	}
	if !client.Trusted {
		return nil, errors.NewInvalidClientError("only first-party clients may log in with a password", nil)
	}
	return client, nil
}

// recordLoginFailure counts one wrong password and locks the account when
// the counter reaches the cap. It runs in its own transaction after the
// verdict is already decided; a lost version race here undercounts by one
// attempt and nothing else, so the error is logged, not surfaced.
func (e *Engine) recordLoginFailure(ctx context.Context, identity *storage.Identity) {
	var locked bool
	err := e.store.Tx(ctx, func(tx storage.Store) error {
		locked = false
		fresh, err := tx.Identities().GetIdentity(ctx, identity.ID)
		if err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		if fresh.Locked(now) {
			return nil
		}
		if fresh.LockedUntil != nil {
			// A previous lockout expired; this failure starts a new window.
			fresh.LockedUntil = nil
			fresh.FailedLoginAttempts = 0
		}
		fresh.FailedLoginAttempts++
		if fresh.FailedLoginAttempts >= e.cfg.MaxAttempts {
			until := now.Add(e.cfg.LockoutDuration)
			fresh.LockedUntil = &until
			locked = true
		}
		return tx.Identities().UpdateIdentity(ctx, fresh)
	})
	if err != nil {
		logger.Warnw("recording login failure", "identity_id", identity.ID, "error", err)
		return
	}

	e.emit(ctx, Event{Type: EventLoginFailed, IdentityID: identity.ID})
	if locked {
		e.emit(ctx, Event{
			Type:       EventLocked,
			IdentityID: identity.ID,
			Email:      identity.Email,
			Detail:     fmt.Sprintf("locked for %s after %d failed attempts", e.cfg.LockoutDuration, e.cfg.MaxAttempts),
		})
	}
}
