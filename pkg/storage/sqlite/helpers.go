// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/entativa/eid/pkg/errors"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// timeLayout is RFC 3339 with fractional seconds padded to nanosecond
// width. RFC3339Nano trims trailing zeros, which breaks lexical ordering;
// the lease and expiry scans compare timestamp columns as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp for storage. All timestamps are stored as
// fixed-width UTC strings so lexical order equals chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullTime renders an optional timestamp, nil when absent.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullTime reads an optional timestamp column.
func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeJSON marshals a value into a TEXT JSON column.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeJSON unmarshals a TEXT JSON column.
func decodeJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return nil
}

// optimisticOutcome translates the result of a version-guarded UPDATE:
// zero rows affected means either the row is gone or the caller's version
// is stale, and the two surface as different taxonomy errors.
func optimisticOutcome(ctx context.Context, q querier, res sql.Result, existsQuery string, existsArgs ...any) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var one int
	err = q.QueryRowContext(ctx, existsQuery, existsArgs...).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("row does not exist", nil)
	}
	if err != nil {
		return fmt.Errorf("checking row existence: %w", err)
	}
	return errors.NewConflictError("version conflict", nil)
}
