// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterPruneInterval = time.Minute
	limiterIdleAfter     = 10 * time.Minute
)

// Limiter enforces a per-key request budget with token buckets. Keys are
// whatever the caller wants to meter (an identity ID, a client ID, a
// remote address); buckets refill continuously and idle ones are pruned.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*limiterBucket
	limit     rate.Limit
	burst     int
	clock     clockwork.Clock
	lastPrune time.Time
}

type limiterBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter builds a limiter allowing perMinute requests per key, with a
// burst of the same size.
func NewLimiter(perMinute int, clock clockwork.Clock) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		buckets:   make(map[string]*limiterBucket),
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     perMinute,
		clock:     clock,
		lastPrune: clock.Now(),
	}
}

// Allow reports whether the key has budget for one more request and
// spends it if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &limiterBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if now.Sub(l.lastPrune) >= limiterPruneInterval {
		l.pruneLocked(now)
	}
	return b.lim.AllowN(now, 1)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= limiterIdleAfter {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}
