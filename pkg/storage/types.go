// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persisted entities of the identity authority
// and the typed store interfaces the engines program against. Entities
// reference each other by UUID, never by pointer; every mutable row carries
// a Version column for optimistic concurrency.
package storage

import (
	"encoding/json"
	"time"
)

// IdentityStatus is the lifecycle state of an identity.
type IdentityStatus string

// Identity lifecycle states.
const (
	IdentityActive              IdentityStatus = "active"
	IdentitySuspended           IdentityStatus = "suspended"
	IdentityDeactivated         IdentityStatus = "deactivated"
	IdentityPendingVerification IdentityStatus = "pending_verification"
	IdentityPendingDeletion     IdentityStatus = "pending_deletion"
)

// VerificationState is the identity-level verification status.
type VerificationState string

// Identity verification states.
const (
	VerificationNone     VerificationState = "none"
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
)

// Badge is the visible verification tier marker.
type Badge string

// Verification badges.
const (
	BadgeNone       Badge = ""
	BadgeBlue       Badge = "blue"
	BadgeGold       Badge = "gold"
	BadgeBusiness   Badge = "business"
	BadgeGovernment Badge = "government"
)

// Identity is the core account entity. It owns its credentials, MFA
// methods, sessions and tokens; the handle is weakly owned and referenced
// by id.
type Identity struct {
	ID       string
	Email    string
	Phone    string
	HandleID string

	// PasswordHash is the PHC-encoded credential. The encoding carries the
	// KDF tag, salt and parameters.
	PasswordHash      string
	PasswordChangedAt time.Time
	PasswordRotations int

	Status             IdentityStatus
	VerificationStatus VerificationState
	VerificationBadge  Badge
	ReputationScore    int

	FailedLoginAttempts int
	LockedUntil         *time.Time

	MFAEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	Version   int64
}

// Locked reports whether the identity is locked out at the given instant.
func (i *Identity) Locked(now time.Time) bool {
	return i.LockedUntil != nil && i.LockedUntil.After(now)
}

// SocialLinks is the strict-schema profile link set replicated downstream.
type SocialLinks struct {
	Website   string `json:"website,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	Instagram string `json:"instagram,omitempty"`
	YouTube   string `json:"youtube,omitempty"`
}

// PlatformPreferences controls which downstream platforms a profile field
// set replicates to.
type PlatformPreferences struct {
	SyncAvatar      bool     `json:"sync_avatar"`
	SyncDisplayName bool     `json:"sync_display_name"`
	SyncBio         bool     `json:"sync_bio"`
	ExcludedTargets []string `json:"excluded_targets,omitempty"`
}

// Profile carries the replicated display fields of an identity.
type Profile struct {
	IdentityID  string
	DisplayName string
	Bio         string
	AvatarURL   string
	Links       SocialLinks
	Preferences PlatformPreferences

	// CustomAttributes is explicitly free-form; unknown fields are kept.
	CustomAttributes map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// HandleStatus is the lifecycle state of a handle row.
type HandleStatus string

// Handle lifecycle states.
const (
	HandleActive       HandleStatus = "active"
	HandleReserved     HandleStatus = "reserved"
	HandleTransferring HandleStatus = "transferring"
	HandleSuspended    HandleStatus = "suspended"
	HandleReleased     HandleStatus = "released"
)

// Handle is a globally unique, case-folded identifier. At most one row per
// HandleLower may be active; the database enforces this with a partial
// unique index.
type Handle struct {
	ID          string
	Handle      string
	HandleLower string

	OwnerIdentityID  string
	Status           HandleStatus
	ReservationClass string
	IsProtected      bool
	OriginalOwnerID  string

	// Transfer state: the token is stored hashed; the plaintext goes to the
	// receiver out of band and is never persisted.
	TransferTokenHash  string
	TransferToIdentity string
	TransferExpiresAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// ReservedHandle blocks registration of a handle until released.
type ReservedHandle struct {
	HandleLower string
	Class       string
	Reason      string
	CreatedAt   time.Time
}

// ProtectionTier ranks protected entities; it drives claim priority.
type ProtectionTier string

// Protection tiers, highest first.
const (
	TierUltraHigh ProtectionTier = "ultra_high"
	TierHigh      ProtectionTier = "high"
	TierMedium    ProtectionTier = "medium"
)

// ClaimPriority maps a protection tier to a verification queue priority.
func ClaimPriority(tier ProtectionTier) int {
	switch tier {
	case TierUltraHigh:
		return 1
	case TierHigh:
		return 2
	default:
		return 3
	}
}

// ProtectedEntity guards the handles of known figures, brands and
// trademarks against look-alike registration.
type ProtectedEntity struct {
	ID      string
	Name    string
	Handle  string
	Aliases []string
	Type    string // person, company, brand, government

	Tier                ProtectionTier
	SimilarityThreshold float64

	ClaimedBy string
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MFAType identifies a second-factor method kind.
type MFAType string

// MFA method kinds.
const (
	MFATOTP        MFAType = "totp"
	MFASMS         MFAType = "sms"
	MFAEmail       MFAType = "email"
	MFABackupCodes MFAType = "backup_codes"
	MFAHardwareKey MFAType = "hardware_key"
	MFABiometric   MFAType = "biometric"
)

// MFAMethod is one enrolled second factor. Identifier and secret are
// envelope-encrypted at rest; the store treats them as opaque strings.
type MFAMethod struct {
	ID         string
	IdentityID string
	Type       MFAType

	// Identifier is the encrypted destination or binding (phone number,
	// email address, credential id, biometric template hash).
	Identifier string

	// MaskedIdentifier is the displayable hint, e.g. "+1•••••1234".
	MaskedIdentifier string

	// SecretCiphertext holds the envelope-encrypted shared secret for TOTP
	// and the public key material for hardware keys.
	SecretCiphertext string

	IsPrimary  bool
	IsVerified bool
	Priority   int
	TrustLevel int

	UseCount    int64
	FailedCount int
	LastUsedAt  *time.Time
	LockedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// ChallengeStatus is the lifecycle state of an MFA challenge.
type ChallengeStatus string

// MFA challenge states.
const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeConsumed ChallengeStatus = "consumed"
	ChallengeExpired  ChallengeStatus = "expired"
	ChallengeFailed   ChallengeStatus = "failed"
)

// ChallengePurpose names the operation a challenge gates.
type ChallengePurpose string

// MFA challenge purposes.
const (
	PurposeLogin          ChallengePurpose = "login"
	PurposePasswordChange ChallengePurpose = "password_change"
	PurposeSensitiveOp    ChallengePurpose = "sensitive_op"
	PurposeEnrollment     ChallengePurpose = "enrollment"
)

// MFAChallenge is a single-use second-factor challenge.
type MFAChallenge struct {
	ID         string
	IdentityID string
	MethodID   string
	Purpose    ChallengePurpose

	// CodeHash is set for SMS and email challenges; TOTP and backup-code
	// challenges verify against the method instead.
	CodeHash string

	IssuedAt    time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Status      ChallengeStatus

	Version int64
}

// BackupCode is one single-use recovery code, stored as a bcrypt hash.
type BackupCode struct {
	ID         string
	IdentityID string
	MethodID   string
	CodeHash   string
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// DeviceInfo describes the device a session was established from.
type DeviceInfo struct {
	OS          string `json:"os,omitempty"`
	Browser     string `json:"browser,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// Session is one authenticated device context. It owns zero or more live
// token pairs.
type Session struct {
	ID         string
	IdentityID string
	ClientID   string
	Device     DeviceInfo

	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
	IsActive     bool

	MFAAsserted   bool
	MFAAssertedAt *time.Time
	MFAMethodID   string

	Version int64
}

// TokenKind discriminates the token union. Single-use kinds carry
// MaxUses=1; the distinction is enforced at write time, not by a flag the
// caller can forget.
type TokenKind string

// Token kinds.
const (
	KindAccess            TokenKind = "access"
	KindRefresh           TokenKind = "refresh"
	KindAuthorizationCode TokenKind = "authorization_code"
	KindDeviceCode        TokenKind = "device_code"
	KindID                TokenKind = "id"
	KindReset             TokenKind = "reset"
	KindMFATicket         TokenKind = "mfa_ticket"
)

// TokenStatus is the lifecycle state of a token row. Terminal states never
// transition back.
type TokenStatus string

// Token states.
const (
	TokenActive  TokenStatus = "active"
	TokenUsed    TokenStatus = "used"
	TokenRevoked TokenStatus = "revoked"
	TokenExpired TokenStatus = "expired"
)

// Token is the persisted form of every issued credential. The raw secret
// is never stored; Hash is the SHA-256 of the wire token.
type Token struct {
	ID   string
	Kind TokenKind
	Hash string

	IdentityID string
	ClientID   string
	SessionID  string

	Scopes   []string
	Audience string

	IssuedAt  time.Time
	ExpiresAt time.Time
	NotBefore *time.Time

	UseCount   int
	MaxUses    int // 0 means unlimited
	Status     TokenStatus
	LastUsedAt *time.Time

	// Refresh lineage. Family is shared by every rotation of one originally
	// issued refresh token; Generation increases by one per rotation.
	Family      string
	Generation  int
	ParentID    string
	RotatedToID string

	// Authorization-code fields.
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string

	// JWT binding for access and id tokens.
	Algorithm string
	KeyID     string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// OAuthClient is a registered application.
type OAuthClient struct {
	ClientID string
	Name     string

	// SecretHash is the SHA-256 of the client secret. Public clients have
	// no secret and must use PKCE.
	SecretHash string
	Public     bool

	RedirectURIs  []string
	AllowedScopes []string
	Trusted       bool

	OwnerIdentityID string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// RequestStatus is the verification request state machine.
type RequestStatus string

// Verification request states.
const (
	RequestSubmitted   RequestStatus = "submitted"
	RequestUnderReview RequestStatus = "under_review"
	RequestApproved    RequestStatus = "approved"
	RequestRejected    RequestStatus = "rejected"
	RequestNeedsInfo   RequestStatus = "needs_info"
)

// VerificationRequest tracks one badge application through review.
type VerificationRequest struct {
	ID         string
	IdentityID string

	// Type drives the badge on approval: celebrity, business, government
	// or individual.
	Type     string
	Priority int
	Status   RequestStatus

	AssignedReviewer string
	Reason           string

	// Claim-driven requests carry the handle and protected entity they
	// unlock on approval.
	HandleID          string
	ProtectedEntityID string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// BadgeForType maps a verification request type to the badge granted on
// approval.
func BadgeForType(requestType string) Badge {
	switch requestType {
	case "celebrity":
		return BadgeGold
	case "business":
		return BadgeBusiness
	case "government":
		return BadgeGovernment
	default:
		return BadgeBlue
	}
}

// VerificationDocument is one submitted document, content-addressed by
// SHA-256 so the same document can back multiple requests.
type VerificationDocument struct {
	ID        string
	RequestID string
	Type      string
	BlobURL   string
	SHA256    string
	SizeBytes int64
	MimeType  string
	Verified  bool
	CreatedAt time.Time
}

// JobStatus is the sync job state machine.
type JobStatus string

// Sync job states.
const (
	JobPending     JobStatus = "pending"
	JobWaitingDeps JobStatus = "waiting_deps"
	JobReady       JobStatus = "ready"
	JobLeased      JobStatus = "leased"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobRetrying    JobStatus = "retrying"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobPriority orders the queue; lower runs first.
type JobPriority int

// Job priorities.
const (
	PriorityCritical JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityNormal   JobPriority = 3
	PriorityLow      JobPriority = 4
)

// ConflictStrategy selects how a version conflict at a target is resolved.
type ConflictStrategy string

// Conflict resolution strategies.
const (
	ConflictLatestWins ConflictStrategy = "latest_wins"
	ConflictSourceWins ConflictStrategy = "source_wins"
	ConflictManual     ConflictStrategy = "manual"
)

// SyncJob is one unit of downstream propagation. It is written in the same
// transaction as the mutation it replicates (outbox pattern) and carries
// the lease fields the worker protocol needs; everything historical goes
// to the append-only event log.
type SyncJob struct {
	ID         string
	EntityType string
	EntityID   string

	SourcePlatform  string
	TargetPlatforms []string

	Payload         json.RawMessage
	Delta           json.RawMessage
	PayloadChecksum string

	Status      JobStatus
	Priority    JobPriority
	Attempts    int
	MaxAttempts int

	ScheduledAt time.Time
	NextRetryAt *time.Time

	LeaseOwner     string
	LeaseExpiresAt *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time

	// DependsOn lists jobs that must reach a terminal state first.
	// AdvanceOnCancel lets a cancelled dependency count as satisfied; a
	// failed dependency always blocks.
	DependsOn       []string
	AdvanceOnCancel bool

	ParentJobID   string
	RollbackData  json.RawMessage
	RollbackJobID string

	ConflictResolution ConflictStrategy
	HasConflicts       bool

	IsBatch            bool
	BatchID            string
	BatchIndex         int
	TotalBatches       int
	ParallelProcessing bool
	MaxParallelJobs    int

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// JobEventType names a sync job transition or per-target outcome.
type JobEventType string

// Job event types.
const (
	EventEnqueued         JobEventType = "enqueued"
	EventLeased           JobEventType = "leased"
	EventProcessing       JobEventType = "processing"
	EventTargetSucceeded  JobEventType = "target_succeeded"
	EventTargetFailed     JobEventType = "target_failed"
	EventCompleted        JobEventType = "completed"
	EventRetrying         JobEventType = "retrying"
	EventFailed           JobEventType = "failed"
	EventCancelled        JobEventType = "cancelled"
	EventLeaseReclaimed   JobEventType = "lease_reclaimed"
	EventConflictDetected JobEventType = "conflict_detected"
	EventConflictResolved JobEventType = "conflict_resolved"
	EventRollbackEnqueued JobEventType = "rollback_enqueued"
)

// JobEvent is one append-only record in a job's history.
type JobEvent struct {
	ID      int64
	JobID   string
	Type    JobEventType
	Target  string
	Attempt int
	Detail  string

	CreatedAt time.Time
}
