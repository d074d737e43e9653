// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend pairs a cache with the lever that moves its notion of time, so
// the same behavioral suite runs against both implementations.
type backend struct {
	cache   Cache
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]backend {
	t.Helper()

	clock := clockwork.NewFakeClock()
	mem := NewMemory(WithClock(clock))
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]backend{
		"memory": {cache: mem, advance: clock.Advance},
		"redis":  {cache: NewRedisWithClient(client, "eid:cache:"), advance: mr.FastForward},
	}
}

func TestSetAndGet(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := b.cache.Get(ctx, "absent")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.cache.Set(ctx, "greeting", []byte("hello"), time.Minute))
			value, ok, err := b.cache.Get(ctx, "greeting")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("hello"), value)
		})
	}
}

func TestEntriesExpire(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.cache.Set(ctx, "ephemeral", []byte("x"), time.Minute))
			b.advance(61 * time.Second)

			_, ok, err := b.cache.Get(ctx, "ephemeral")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestNonPositiveTTLStoresNothing(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.cache.Set(ctx, "zero", []byte("x"), 0))
			require.NoError(t, b.cache.Set(ctx, "negative", []byte("x"), -time.Second))

			for _, key := range []string{"zero", "negative"} {
				_, ok, err := b.cache.Get(ctx, key)
				require.NoError(t, err)
				assert.False(t, ok, "key %q should not have been stored", key)
			}
		})
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.cache.Set(ctx, "doomed", []byte("x"), time.Minute))
			require.NoError(t, b.cache.Invalidate(ctx, "doomed"))

			_, ok, err := b.cache.Get(ctx, "doomed")
			require.NoError(t, err)
			assert.False(t, ok)

			// Removing an absent key is not an error.
			require.NoError(t, b.cache.Invalidate(ctx, "doomed"))
		})
	}
}

func TestInvalidatePrefix(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.cache.Set(ctx, "handle:check:wren", []byte("a"), time.Minute))
			require.NoError(t, b.cache.Set(ctx, "handle:check:zahra", []byte("b"), time.Minute))
			require.NoError(t, b.cache.Set(ctx, "token:validate:abc", []byte("c"), time.Minute))

			require.NoError(t, b.cache.InvalidatePrefix(ctx, "handle:check:"))

			for _, key := range []string{"handle:check:wren", "handle:check:zahra"} {
				_, ok, err := b.cache.Get(ctx, key)
				require.NoError(t, err)
				assert.False(t, ok, "key %q should have been invalidated", key)
			}
			_, ok, err := b.cache.Get(ctx, "token:validate:abc")
			require.NoError(t, err)
			assert.True(t, ok, "keys outside the prefix must survive")
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			type verdict struct {
				Handle    string `json:"handle"`
				Available bool   `json:"available"`
			}

			require.NoError(t, SetJSON(ctx, b.cache, "verdict:wren", verdict{Handle: "wren", Available: true}, time.Minute))

			var out verdict
			ok, err := GetJSON(ctx, b.cache, "verdict:wren", &out)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, verdict{Handle: "wren", Available: true}, out)

			ok, err = GetJSON(ctx, b.cache, "verdict:absent", &out)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCorruptEntryReadsAsMiss(t *testing.T) {
	t.Parallel()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.cache.Set(ctx, "mangled", []byte("not json {"), time.Minute))

			var out map[string]string
			ok, err := GetJSON(ctx, b.cache, "mangled", &out)
			require.NoError(t, err)
			require.False(t, ok)

			// The unreadable entry is dropped so it cannot keep failing.
			_, ok, err = b.cache.Get(ctx, "mangled")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestJanitorRemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	mem := NewMemory(WithClock(clock), WithCleanupInterval(time.Second))
	t.Cleanup(func() { _ = mem.Close() })

	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "short", []byte("x"), 500*time.Millisecond))
	require.NoError(t, mem.Set(ctx, "long", []byte("y"), time.Hour))

	// Wait for the janitor to arm its ticker before moving time.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		_, shortPresent := mem.entries["short"]
		_, longPresent := mem.entries["long"]
		return !shortPresent && longPresent
	}, time.Second, 10*time.Millisecond, "janitor should sweep only the expired entry")
}

func TestMemorySetCopiesValue(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	ctx := context.Background()
	value := []byte("original")
	require.NoError(t, mem.Set(ctx, "aliased", value, time.Minute))
	value[0] = 'X'

	stored, ok, err := mem.Get(ctx, "aliased")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), stored)
}
