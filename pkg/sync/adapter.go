// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sync replicates identity mutations to the downstream platforms.
//
// Mutating engines enqueue jobs through the Outbox inside the same
// transaction as the write they describe, so a committed mutation always has
// a queued replication job. The Engine's workers lease runnable jobs, push
// the payload to each target platform through its Adapter, and settle the
// job: completed, retrying with exponential backoff, or failed with an
// optional compensating rollback job. Every transition lands in the
// append-only job event log.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_adapter.go -package=mocks -source=adapter.go Adapter

// Outcome classifies one target's response to an upsert.
type Outcome string

// Upsert outcomes.
const (
	// OutcomeOK means the target applied the payload, or had already
	// applied it (same checksum twice is a no-op on the receiving side).
	OutcomeOK Outcome = "ok"
	// OutcomeConflict means the target holds a different version of the
	// entity; Result carries the remote version and usually its payload.
	OutcomeConflict Outcome = "conflict"
	// OutcomeNotFound means the target does not know the entity and cannot
	// create it from this payload. Retrying will not help.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeTransient means the target is temporarily unavailable.
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent means the target rejected the payload.
	OutcomePermanent Outcome = "permanent"
)

// Retryable reports whether another attempt could change the outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeTransient
}

// Upsert is one replication request against a single target.
type Upsert struct {
	EntityType string
	EntityID   string
	Payload    json.RawMessage

	// Checksum fingerprints the payload so the receiving side can drop
	// replays without re-applying them.
	Checksum string

	// ExpectedVersion, when set, asks the target to apply the payload only
	// if its copy still has this version. Used when re-issuing after a
	// conflict.
	ExpectedVersion string
}

// Result is a target's answer to an Upsert.
type Result struct {
	Outcome Outcome

	// RemoteVersion and RemotePayload describe the target's copy when the
	// outcome is a conflict.
	RemoteVersion string
	RemotePayload json.RawMessage

	Detail string
}

// Adapter pushes entity state to one downstream platform.
//
// Upsert returns a Result for every answer the platform gives, including
// rejections; a non-nil error means the attempt itself did not complete
// (network failure, timeout) and is treated as transient.
type Adapter interface {
	Platform() string
	Upsert(ctx context.Context, req Upsert) (Result, error)
}

// Checksum fingerprints a payload for replay detection.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
