// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the REST API of the identity authority.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/entativa/eid/pkg/api/v1"
	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/handle"
	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/token"
	"github.com/entativa/eid/pkg/verification"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxRequestBody    = 1 << 20 // 1MB
)

// Deps carries the engines the API serves. The composition root builds
// them once and shares them with the background workers; the API never
// constructs engines of its own.
type Deps struct {
	Store        storage.Store
	Health       v1.Pinger
	Identity     *identity.Engine
	Handles      *handle.Engine
	MFA          *mfa.Engine
	Tokens       *token.Service
	Verification *verification.Engine
	Clock        clockwork.Clock
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func requestBodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// Router assembles the full route tree from cfg and deps. It is split from
// Serve so tests can drive the exact tree the daemon mounts.
func Router(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestMetricsMiddleware,
		middleware.Timeout(middlewareTimeout),
		requestBodySizeLimitMiddleware(maxRequestBody),
		headersMiddleware,
	)

	authn := v1.NewAuthenticator(deps.Tokens)
	loginLimiter := token.NewLimiter(cfg.RateLimit.LoginPerMinute, deps.Clock)
	tokenLimiter := token.NewLimiter(cfg.RateLimit.TokenPerMinute, deps.Clock)

	routers := map[string]http.Handler{
		"/health":      v1.HealthcheckRouter(deps.Health),
		"/version":     v1.VersionRouter(),
		"/metrics":     promhttp.Handler(),
		"/.well-known": v1.WellKnownRouter(deps.Tokens, cfg.Server.ExternalURL),

		"/api/v1/eid/identity":       v1.IdentityRouter(deps.Identity, authn),
		"/api/v1/eid/auth":           v1.AuthRouter(deps.Identity, deps.Tokens, authn, loginLimiter),
		"/api/v1/eid/oauth":          v1.OAuthRouter(deps.Tokens, deps.Identity, authn, tokenLimiter),
		"/api/v1/eid/password-reset": v1.PasswordResetRouter(deps.Identity),
		"/api/v1/eid/handles":        v1.HandleRouter(deps.Handles, authn),
		"/api/v1/eid/mfa":            v1.MFARouter(deps.MFA, deps.Identity, authn),
		"/api/v1/eid/verification":   v1.VerificationRouter(deps.Verification, authn),
		"/api/v1/eid/sync":           v1.SyncRouter(deps.Store, authn),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve starts the server on the configured address and serves the API
// until ctx is cancelled. It is assumed that the caller sets up
// appropriate signal handling.
func Serve(ctx context.Context, cfg *config.Config, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.Server.Address,
		Handler:           Router(cfg, deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
	}

	logger.Infow("starting HTTP server", "address", cfg.Server.Address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("HTTP server stopped")
	return nil
}
