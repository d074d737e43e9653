// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entativa/eid/pkg/logger"
)

// Event names emitted by the façade.
const (
	EventRegistered             = "identity.registered"
	EventLogin                  = "identity.login"
	EventLoginFailed            = "identity.login_failed"
	EventLocked                 = "identity.locked"
	EventPasswordChanged        = "identity.password_changed"
	EventPasswordResetRequested = "identity.password_reset_requested"
	EventPasswordReset          = "identity.password_reset"
	EventLogout                 = "identity.logout"
	EventSessionRevoked         = "identity.session_revoked"
)

// Event is one audit or notification fact. Events that trigger an email
// carry the address; the reset-request event additionally carries the raw
// token for out-of-band delivery.
type Event struct {
	Type       string
	IdentityID string
	SessionID  string
	Email      string
	Detail     string

	// Token is the secret a delivery channel must carry to the user.
	// Emitters must never log it.
	Token string
}

// Emitter receives audit and notification events. Delivery over email or
// SMS is out of scope for this repository; production deployments wire a
// dispatcher, tests record, and the default implementation logs and
// counts.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

var accountEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "eid",
	Subsystem: "identity",
	Name:      "events_total",
	Help:      "Audit and notification events emitted by the identity façade.",
}, []string{"type"})

// LogEmitter is the in-process Emitter: a structured log line plus a
// counter per event type.
type LogEmitter struct{}

// Emit logs the event without its secret field and counts it.
func (LogEmitter) Emit(_ context.Context, event Event) {
	logger.Infow("identity event",
		"type", event.Type,
		"identity_id", event.IdentityID,
		"session_id", event.SessionID,
		"detail", event.Detail,
	)
	accountEvents.WithLabelValues(event.Type).Inc()
}
