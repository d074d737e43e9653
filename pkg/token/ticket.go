// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"

	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// Tickets are the short-lived single-use credentials that bridge
// multi-step flows: a password reset token carried out of band, and an
// MFA ticket handed back when a login still owes a second factor. Both
// take the caller's transactional store so issuance and consumption
// commit with the flow that needs them.

// IssueResetToken mints a password-reset token for the identity. The raw
// token is returned once for out-of-band delivery; only its hash is kept.
func (s *Service) IssueResetToken(ctx context.Context, st storage.Store, identityID string) (string, error) {
	raw, err := crypto.RandomToken(opaqueTokenBytes)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	row := &storage.Token{
		ID:         uuid.NewString(),
		Kind:       storage.KindReset,
		Hash:       hashToken(raw),
		IdentityID: identityID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.ResetTokenTTL),
		MaxUses:    1,
		Status:     storage.TokenActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Tokens().CreateToken(ctx, row); err != nil {
		return "", err
	}
	return raw, nil
}

// ConsumeResetToken burns a reset token and returns its row so the caller
// knows which identity it was issued to.
func (s *Service) ConsumeResetToken(ctx context.Context, st storage.Store, raw string) (*storage.Token, error) {
	return s.consumeTicket(ctx, st, raw, storage.KindReset, "reset token")
}

// CheckResetToken reports whether a reset token is still redeemable
// without consuming it. Reset forms call this before showing the
// new-password prompt so a dead link fails early.
func (s *Service) CheckResetToken(ctx context.Context, raw string) (*storage.Token, error) {
	if raw == "" {
		return nil, errors.NewInvalidGrantError("no reset token presented", nil)
	}
	row, err := s.store.Tokens().GetTokenByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewInvalidGrantError("unknown reset token", nil)
		}
		return nil, err
	}
	if row.Kind != storage.KindReset {
		return nil, errors.NewInvalidGrantError("unknown reset token", nil)
	}
	if row.Status != storage.TokenActive {
		return nil, errors.NewInvalidGrantError("reset token already used", nil)
	}
	if row.Expired(s.clock.Now()) {
		return nil, errors.NewInvalidGrantError("reset token expired", nil)
	}
	return row, nil
}

// CancelResetToken withdraws an unconsumed reset token, backing the
// "I did not request this" link in the notification email. Unknown and
// already-dead tokens succeed silently so the endpoint stays idempotent.
func (s *Service) CancelResetToken(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	return s.store.Tx(ctx, func(st storage.Store) error {
		row, err := st.Tokens().GetTokenByHash(ctx, hashToken(raw))
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if row.Kind != storage.KindReset || row.Status != storage.TokenActive {
			return nil
		}
		row.Status = storage.TokenRevoked
		return st.Tokens().UpdateToken(ctx, row)
	})
}

// IssueMFATicket mints the ticket a half-finished login carries between
// the password step and the second factor. It pins the identity, client,
// session, and scope set the eventual pair will be issued for.
func (s *Service) IssueMFATicket(ctx context.Context, st storage.Store, identity *storage.Identity, client *storage.OAuthClient, session *storage.Session, scopes []string) (string, error) {
	raw, err := crypto.RandomToken(opaqueTokenBytes)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	row := &storage.Token{
		ID:         uuid.NewString(),
		Kind:       storage.KindMFATicket,
		Hash:       hashToken(raw),
		IdentityID: identity.ID,
		ClientID:   client.ClientID,
		SessionID:  session.ID,
		Scopes:     scopes,
		Audience:   client.ClientID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.MFATicketTTL),
		MaxUses:    1,
		Status:     storage.TokenActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Tokens().CreateToken(ctx, row); err != nil {
		return "", err
	}
	return raw, nil
}

// ConsumeMFATicket burns an MFA ticket and returns its row carrying the
// pinned identity, client, session, and scopes.
func (s *Service) ConsumeMFATicket(ctx context.Context, st storage.Store, raw string) (*storage.Token, error) {
	return s.consumeTicket(ctx, st, raw, storage.KindMFATicket, "ticket")
}

func (s *Service) consumeTicket(ctx context.Context, st storage.Store, raw string, kind storage.TokenKind, label string) (*storage.Token, error) {
	if raw == "" {
		return nil, errors.NewInvalidGrantError("no "+label+" presented", nil)
	}
	row, err := st.Tokens().GetTokenByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewInvalidGrantError("unknown "+label, nil)
		}
		return nil, err
	}
	if row.Kind != kind {
		return nil, errors.NewInvalidGrantError("unknown "+label, nil)
	}
	now := s.clock.Now()
	if row.Status != storage.TokenActive {
		return nil, errors.NewInvalidGrantError(label+" already used", nil)
	}
	if row.Expired(now) {
		row.Status = storage.TokenExpired
		if err := st.Tokens().UpdateToken(ctx, row); err != nil {
			return nil, err
		}
		return nil, errors.NewInvalidGrantError(label+" expired", nil)
	}
	if err := st.Tokens().ConsumeToken(ctx, row.ID, now); err != nil {
		if errors.IsConflict(err) {
			return nil, errors.NewInvalidGrantError(label+" already used", nil)
		}
		return nil, err
	}
	return row, nil
}
