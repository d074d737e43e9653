// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the TTL cache every hot path reads through. The
// cache is an availability optimization, never a source of truth: a miss is
// never an error and no component may assume a write survives.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Default TTLs for the well-known cache consumers.
const (
	// HandleValidationTTL bounds cached handle-validation verdicts.
	HandleValidationTTL = 60 * time.Minute

	// TokenValidationTTL bounds cached access-token validation results.
	TokenValidationTTL = 5 * time.Minute

	// SessionTTL bounds cached session snapshots.
	SessionTTL = time.Hour
)

// Cache is a byte-oriented TTL cache.
type Cache interface {
	// Get returns the value stored under key. A miss returns (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes key. Removing an absent key is not an error.
	Invalidate(ctx context.Context, key string) error

	// InvalidatePrefix removes every key starting with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// GetJSON reads key and unmarshals it into out. Returns false on miss or
// when the stored bytes no longer parse (stale entries are treated as
// misses, not errors).
func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		// a stale or truncated entry is just a miss
		_ = c.Invalidate(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON marshals v and stores it under key for ttl.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling cache value: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}
