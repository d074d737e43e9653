// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entativa/eid/pkg/api"
	"github.com/entativa/eid/pkg/cache"
	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/handle"
	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/storage/sqlite"
	eidsync "github.com/entativa/eid/pkg/sync"
	"github.com/entativa/eid/pkg/token"
	"github.com/entativa/eid/pkg/verification"
)

// janitorInterval paces the expiry sweeps for handle transfers, MFA
// challenges and terminal tokens.
const janitorInterval = time.Minute

// tokenRetention keeps terminal tokens past expiry so recent token history
// stays inspectable before the janitor removes the rows.
const tokenRetention = 7 * 24 * time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the identity authority",
		Long: `Run the Entativa ID daemon: the HTTP API, the replication workers and
the background expiry sweeps. The process stops on SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	clock := clockwork.NewRealClock()

	c, closeCache, err := buildCache(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeCache()

	deps, syncEngine, err := buildEngines(ctx, cfg, st, c, clock)
	if err != nil {
		return err
	}

	adapters := registerAdapters(syncEngine, cfg.Sync)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(ctx, cfg, deps)
	})
	if adapters > 0 {
		g.Go(func() error {
			return syncEngine.Run(ctx)
		})
	} else {
		logger.Warn("no sync endpoints configured; replication jobs stay queued")
	}
	g.Go(func() error {
		return runJanitor(ctx, st, deps.Handles, deps.MFA, clock)
	})

	logger.Infow("identity authority started", "address", cfg.Server.Address)
	return g.Wait()
}

// buildCache returns the shared cache: Redis when configured, the
// in-process cache otherwise.
func buildCache(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (cache.Cache, func(), error) {
	if cfg.Redis.Addr != "" {
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: "eid:cache:",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Infow("using the redis cache", "addr", cfg.Redis.Addr)
		return r, func() { _ = r.Close() }, nil
	}

	m := cache.NewMemory(cache.WithClock(clock))
	logger.Info("redis is not configured; using the in-process cache")
	return m, func() { _ = m.Close() }, nil
}

// buildEngines wires the engine graph the API and the workers share.
func buildEngines(ctx context.Context, cfg *config.Config, st *sqlite.Store, c cache.Cache, clock clockwork.Clock) (api.Deps, *eidsync.Engine, error) {
	masterKey := cfg.MasterKeyBytes()
	if masterKey == nil {
		var err error
		masterKey, err = crypto.RandomBytes(config.MasterKeySize)
		if err != nil {
			return api.Deps{}, nil, err
		}
		logger.Warn("crypto.master_key is not set; encrypted secrets will not survive a restart")
	}
	envelope, err := crypto.NewEnvelope(cfg.Crypto.MasterKeyID, masterKey)
	if err != nil {
		return api.Deps{}, nil, err
	}

	keys, err := token.NewProvider(cfg.Token.SigningKeyFile, cfg.Token.Algorithm)
	if err != nil {
		return api.Deps{}, nil, err
	}

	outbox := eidsync.NewOutbox(clock, cfg.Sync)
	handles := handle.NewEngine(st, c, outbox, clock, cfg.Handle)
	if err := handles.SeedDefaults(ctx); err != nil {
		return api.Deps{}, nil, fmt.Errorf("seeding reserved handles: %w", err)
	}

	// No out-of-band sender is wired in this build; SMS and email factors
	// can be enrolled but their codes are dropped.
	mfaEngine := mfa.NewEngine(st, envelope, nil, clock, cfg.MFA, mfa.DefaultPolicy())

	tokens := token.NewService(st, c, keys, clock, cfg.Token)
	verif := verification.NewEngine(st, handles, outbox, clock, cfg.Verification)

	id := identity.NewEngine(identity.Deps{
		Store:   st,
		Hasher:  crypto.NewHasher(),
		Handles: handles,
		MFA:     mfaEngine,
		Tokens:  tokens,
		Outbox:  outbox,
	}, clock, cfg.Login, cfg.Sync.Platforms)

	if err := ensureDefaultClient(ctx, st, clock, cfg); err != nil {
		return api.Deps{}, nil, err
	}

	deps := api.Deps{
		Store:        st,
		Health:       st,
		Identity:     id,
		Handles:      handles,
		MFA:          mfaEngine,
		Tokens:       tokens,
		Verification: verif,
		Clock:        clock,
	}
	return deps, eidsync.NewEngine(st, outbox, clock, cfg.Sync), nil
}

// ensureDefaultClient seeds the first-party client logins are recorded
// against. The generated secret is discarded: first-party logins never
// authenticate with it, and integrations get their own clients through
// `eid clients create`.
func ensureDefaultClient(ctx context.Context, st storage.Store, clock clockwork.Clock, cfg *config.Config) error {
	_, err := st.Clients().GetClient(ctx, cfg.Login.DefaultClientID)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return fmt.Errorf("looking up the default client: %w", err)
	}

	secret, err := crypto.RandomToken(32)
	if err != nil {
		return err
	}
	now := clock.Now().UTC()
	if err := st.Clients().CreateClient(ctx, &storage.OAuthClient{
		ClientID:      cfg.Login.DefaultClientID,
		Name:          "Entativa Web",
		SecretHash:    token.HashSecret(secret),
		RedirectURIs:  []string{cfg.Server.ExternalURL + "/callback"},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access"},
		Trusted:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return fmt.Errorf("seeding the default client: %w", err)
	}
	logger.Infow("seeded the default first-party client", "client_id", cfg.Login.DefaultClientID)
	return nil
}

// registerAdapters wires one HTTP adapter per configured platform endpoint
// and returns how many were registered.
func registerAdapters(eng *eidsync.Engine, cfg config.SyncConfig) int {
	registered := 0
	for _, platform := range cfg.Platforms {
		base := cfg.Endpoints[platform]
		if base == "" {
			logger.Warnw("no sync endpoint configured for platform", "platform", platform)
			continue
		}
		eng.RegisterAdapter(eidsync.NewHTTPAdapter(platform, base, nil))
		registered++
	}
	return registered
}

// runJanitor periodically releases expired handle transfers, expires stale
// MFA challenges and prunes terminal tokens past retention.
func runJanitor(ctx context.Context, st storage.Store, handles *handle.Engine, mfaEngine *mfa.Engine, clock clockwork.Clock) error {
	ticker := clock.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		if n, err := handles.ExpireTransfers(ctx); err != nil && ctx.Err() == nil {
			logger.Warnw("expiring handle transfers", "error", err)
		} else if n > 0 {
			logger.Infow("released expired handle transfers", "count", n)
		}

		if n, err := mfaEngine.ExpireChallenges(ctx); err != nil && ctx.Err() == nil {
			logger.Warnw("expiring mfa challenges", "error", err)
		} else if n > 0 {
			logger.Infow("expired stale mfa challenges", "count", n)
		}

		cutoff := clock.Now().UTC().Add(-tokenRetention)
		if n, err := st.Tokens().DeleteExpiredTokens(ctx, cutoff); err != nil && ctx.Err() == nil {
			logger.Warnw("pruning expired tokens", "error", err)
		} else if n > 0 {
			logger.Debugw("pruned expired tokens", "count", n)
		}
	}
}
