// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Store on SQLite via modernc.org/sqlite.
// The connection pool is capped at one connection; combined with immediate
// transactions this serializes every write, which the lease-acquisition and
// single-use token paths rely on.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/entativa/eid/pkg/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store implements storage.Store. The zero value is not usable; use Open.
type Store struct {
	db *sql.DB
	q  querier
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) the database at path and applies all
// pending migrations. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite serializes access per connection; one connection
	// avoids SQLITE_BUSY between the pool's own handles.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, q: db}, nil
}

// runMigrations applies all pending migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("creating goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if _, ok := s.q.(*sql.Tx); ok {
		// transactional views do not own the connection
		return nil
	}
	return s.db.Close()
}

// Tx implements storage.Store. Nested calls join the ongoing transaction.
func (s *Store) Tx(ctx context.Context, fn func(tx storage.Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	view := &Store{db: s.db, q: tx}
	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, joining the current one when the
// store is already a transactional view.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	if tx, ok := s.q.(*sql.Tx); ok {
		return fn(tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Identities implements storage.Store.
func (s *Store) Identities() storage.IdentityStore { return &identityStore{s: s} }

// Profiles implements storage.Store.
func (s *Store) Profiles() storage.ProfileStore { return &profileStore{s: s} }

// Handles implements storage.Store.
func (s *Store) Handles() storage.HandleStore { return &handleStore{s: s} }

// ReservedHandles implements storage.Store.
func (s *Store) ReservedHandles() storage.ReservedHandleStore { return &reservedHandleStore{s: s} }

// ProtectedEntities implements storage.Store.
func (s *Store) ProtectedEntities() storage.ProtectedEntityStore { return &protectedEntityStore{s: s} }

// MFA implements storage.Store.
func (s *Store) MFA() storage.MFAStore { return &mfaStore{s: s} }

// Sessions implements storage.Store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{s: s} }

// Tokens implements storage.Store.
func (s *Store) Tokens() storage.TokenStore { return &tokenStore{s: s} }

// Clients implements storage.Store.
func (s *Store) Clients() storage.ClientStore { return &clientStore{s: s} }

// Verifications implements storage.Store.
func (s *Store) Verifications() storage.VerificationStore { return &verificationStore{s: s} }

// SyncJobs implements storage.Store.
func (s *Store) SyncJobs() storage.SyncJobStore { return &syncJobStore{s: s} }
