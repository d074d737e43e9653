// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"
)

// Store aggregates the typed entity stores and the transaction scope.
//
// Tx runs fn inside one database transaction; the Store passed to fn routes
// every entity store through that transaction. Returning an error rolls the
// transaction back, nil commits it. Nested Tx calls join the ongoing
// transaction.
//
// Implementations translate uniqueness violations and failed optimistic
// version checks into the pkg/errors taxonomy (conflict, taken, not_found)
// so engines never see driver-level errors.
type Store interface {
	Identities() IdentityStore
	Profiles() ProfileStore
	Handles() HandleStore
	ReservedHandles() ReservedHandleStore
	ProtectedEntities() ProtectedEntityStore
	MFA() MFAStore
	Sessions() SessionStore
	Tokens() TokenStore
	Clients() ClientStore
	Verifications() VerificationStore
	SyncJobs() SyncJobStore

	Tx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

// IdentityStore persists identities and their profiles' parent rows.
type IdentityStore interface {
	// CreateIdentity inserts a new identity. A duplicate email returns a
	// conflict error.
	CreateIdentity(ctx context.Context, identity *Identity) error

	// GetIdentity returns the identity with the given id.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// GetIdentityByEmail returns the identity registered under the
	// normalized email.
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)

	// UpdateIdentity writes the identity back, guarded by its Version. On
	// success the struct's Version and UpdatedAt are advanced in place; a
	// stale version returns a conflict error.
	UpdateIdentity(ctx context.Context, identity *Identity) error
}

// ProfileStore persists the replicated display fields of an identity.
type ProfileStore interface {
	CreateProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, identityID string) (*Profile, error)
	UpdateProfile(ctx context.Context, profile *Profile) error
}

// HandleStore persists handle rows.
type HandleStore interface {
	// CreateHandle inserts a handle row. Inserting a second active row for
	// the same folded handle returns a taken error.
	CreateHandle(ctx context.Context, handle *Handle) error

	GetHandle(ctx context.Context, id string) (*Handle, error)

	// GetActiveHandleByLower returns the single active row for the folded
	// handle, or not_found.
	GetActiveHandleByLower(ctx context.Context, lower string) (*Handle, error)

	ListHandlesByOwner(ctx context.Context, identityID string) ([]*Handle, error)

	// ListExpiredTransfers returns handles stuck in transferring whose
	// window closed before the given instant.
	ListExpiredTransfers(ctx context.Context, before time.Time) ([]*Handle, error)

	// UpdateHandle writes the handle back, guarded by its Version.
	UpdateHandle(ctx context.Context, handle *Handle) error
}

// ReservedHandleStore persists the reserved-handle list.
type ReservedHandleStore interface {
	GetReservedHandle(ctx context.Context, lower string) (*ReservedHandle, error)
	CreateReservedHandle(ctx context.Context, reserved *ReservedHandle) error
	DeleteReservedHandle(ctx context.Context, lower string) error
	CountReservedHandles(ctx context.Context) (int64, error)
}

// ProtectedEntityStore persists the protected figures, brands and
// trademarks the similarity check guards.
type ProtectedEntityStore interface {
	ListProtectedEntities(ctx context.Context) ([]*ProtectedEntity, error)
	GetProtectedEntity(ctx context.Context, id string) (*ProtectedEntity, error)
	GetProtectedEntityByHandle(ctx context.Context, handleLower string) (*ProtectedEntity, error)
	CreateProtectedEntity(ctx context.Context, entity *ProtectedEntity) error
	UpdateProtectedEntity(ctx context.Context, entity *ProtectedEntity) error
	CountProtectedEntities(ctx context.Context) (int64, error)
}

// MFAStore persists second-factor methods, challenges and backup codes.
type MFAStore interface {
	CreateMFAMethod(ctx context.Context, method *MFAMethod) error
	GetMFAMethod(ctx context.Context, id string) (*MFAMethod, error)
	ListMFAMethods(ctx context.Context, identityID string) ([]*MFAMethod, error)
	UpdateMFAMethod(ctx context.Context, method *MFAMethod) error
	DeleteMFAMethod(ctx context.Context, id string) error

	CreateMFAChallenge(ctx context.Context, challenge *MFAChallenge) error
	GetMFAChallenge(ctx context.Context, id string) (*MFAChallenge, error)
	UpdateMFAChallenge(ctx context.Context, challenge *MFAChallenge) error

	// ExpireMFAChallenges marks pending challenges past their deadline as
	// expired and reports how many it touched.
	ExpireMFAChallenges(ctx context.Context, now time.Time) (int64, error)

	// CreateBackupCodes inserts one row per code in a single statement
	// batch.
	CreateBackupCodes(ctx context.Context, codes []*BackupCode) error
	ListBackupCodes(ctx context.Context, methodID string) ([]*BackupCode, error)

	// MarkBackupCodeUsed consumes a code. Consuming an already-used code
	// returns a conflict error, which callers treat as a failed match.
	MarkBackupCodeUsed(ctx context.Context, id string, usedAt time.Time) error
	DeleteBackupCodes(ctx context.Context, methodID string) error
}

// SessionStore persists authenticated device contexts.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, identityID string, activeOnly bool) ([]*Session, error)
	UpdateSession(ctx context.Context, session *Session) error

	// DeactivateSessions marks every active session of the identity
	// inactive, except the one named by keepSessionID when non-empty.
	// Returns the number of sessions deactivated.
	DeactivateSessions(ctx context.Context, identityID, keepSessionID string) (int64, error)
}

// TokenStore persists the token union.
type TokenStore interface {
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)

	// GetTokenByHash resolves a wire token by its SHA-256 hash.
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)

	UpdateToken(ctx context.Context, token *Token) error

	// ConsumeToken atomically transitions an active token to used. It
	// returns a conflict error when the token was already consumed, revoked
	// or expired, making single-use enforcement a database property.
	ConsumeToken(ctx context.Context, id string, now time.Time) error

	// TouchToken records one use of a reusable token.
	TouchToken(ctx context.Context, id string, now time.Time) error

	// RevokeFamily marks every non-terminal token in the refresh family
	// revoked and returns how many rows changed.
	RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error)

	// RevokeSessionTokens revokes every active token bound to the session.
	RevokeSessionTokens(ctx context.Context, sessionID string, now time.Time) (int64, error)

	ListTokensByFamily(ctx context.Context, family string) ([]*Token, error)

	// ListSessionTokens returns every token bound to the session, newest
	// first.
	ListSessionTokens(ctx context.Context, sessionID string) ([]*Token, error)

	// DeleteExpiredTokens removes terminal tokens that expired before the
	// cutoff. Returns the number of rows deleted.
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// ClientStore persists registered OAuth applications.
type ClientStore interface {
	CreateClient(ctx context.Context, client *OAuthClient) error
	GetClient(ctx context.Context, clientID string) (*OAuthClient, error)
	ListClients(ctx context.Context) ([]*OAuthClient, error)
	UpdateClient(ctx context.Context, client *OAuthClient) error
}

// VerificationStore persists verification requests and their documents.
type VerificationStore interface {
	CreateVerificationRequest(ctx context.Context, request *VerificationRequest) error
	GetVerificationRequest(ctx context.Context, id string) (*VerificationRequest, error)
	UpdateVerificationRequest(ctx context.Context, request *VerificationRequest) error

	// ListVerificationQueue returns requests in the given states ordered by
	// (priority, created_at), bounded by limit.
	ListVerificationQueue(ctx context.Context, statuses []RequestStatus, limit int) ([]*VerificationRequest, error)

	ListVerificationRequestsByIdentity(ctx context.Context, identityID string) ([]*VerificationRequest, error)

	AddVerificationDocument(ctx context.Context, doc *VerificationDocument) error
	ListVerificationDocuments(ctx context.Context, requestID string) ([]*VerificationDocument, error)
}

// SyncJobStore persists the durable job queue and its event log.
type SyncJobStore interface {
	// CreateSyncJob inserts the job and its dependency edges. A duplicate
	// job id returns a conflict error.
	CreateSyncJob(ctx context.Context, job *SyncJob) error

	GetSyncJob(ctx context.Context, id string) (*SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *SyncJob) error

	// AcquireLeases selects up to limit runnable jobs and marks them leased
	// by owner in one transaction. A job is runnable when its status is
	// pending, ready or retrying, it is scheduled at or before now, every
	// dependency is satisfied, no older non-terminal job exists for the
	// same entity, and its batch's parallelism budget is not exhausted.
	// Selection order is (priority, scheduled_at, job_id).
	AcquireLeases(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]*SyncJob, error)

	// ReclaimExpiredLeases resets leased or processing jobs whose lease
	// expired before now back to retrying with an attempt consumed, and
	// returns them.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*SyncJob, error)

	// PromoteWaitingJobs moves waiting_deps jobs whose dependencies are all
	// satisfied to ready. Returns the number promoted.
	PromoteWaitingJobs(ctx context.Context, now time.Time) (int64, error)

	// ListOpenJobsByEntity returns the non-terminal jobs for one entity in
	// creation order.
	ListOpenJobsByEntity(ctx context.Context, entityType, entityID string) ([]*SyncJob, error)

	// ListDependents returns jobs that declare a dependency on jobID.
	ListDependents(ctx context.Context, jobID string) ([]*SyncJob, error)

	ListJobsByBatch(ctx context.Context, batchID string) ([]*SyncJob, error)

	// ListRecentJobs returns jobs newest first, optionally filtered by
	// status. A non-positive limit applies a default of 50.
	ListRecentJobs(ctx context.Context, status JobStatus, limit int) ([]*SyncJob, error)

	AppendJobEvent(ctx context.Context, event *JobEvent) error
	ListJobEvents(ctx context.Context, jobID string) ([]*JobEvent, error)
}
