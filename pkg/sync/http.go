// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Header names of the internal replication protocol.
const (
	headerChecksum        = "X-Sync-Checksum"
	headerExpectedVersion = "X-Sync-Expected-Version"
	headerEntityVersion   = "X-Sync-Entity-Version"
)

// maxRemoteBody bounds how much of a response body is read back; conflict
// responses carry the remote copy, everything else at most a short message.
const maxRemoteBody = 1 << 20

// HTTPAdapter replicates entities to a downstream platform's internal sync
// endpoint with PUT /internal/sync/{entity_type}/{entity_id}. The checksum
// header lets the receiving side drop replays; 409 responses carry the
// remote copy and its version for conflict resolution.
type HTTPAdapter struct {
	platform string
	base     string
	client   *http.Client
}

// NewHTTPAdapter builds an adapter for one platform rooted at baseURL.
// A nil client gets a 30 second timeout; per-job deadlines come from the
// request context either way.
func NewHTTPAdapter(platform, baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{
		platform: platform,
		base:     strings.TrimRight(baseURL, "/"),
		client:   client,
	}
}

// Platform returns the platform this adapter pushes to.
func (a *HTTPAdapter) Platform() string {
	return a.platform
}

// Upsert pushes one entity payload and maps the response status to an
// outcome. Network errors surface as errors and count as transient.
func (a *HTTPAdapter) Upsert(ctx context.Context, req Upsert) (Result, error) {
	url := fmt.Sprintf("%s/internal/sync/%s/%s", a.base, req.EntityType, req.EntityID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(req.Payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerChecksum, req.Checksum)
	if req.ExpectedVersion != "" {
		httpReq.Header.Set(headerExpectedVersion, req.ExpectedVersion)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if readErr != nil {
		return Result{}, readErr
	}

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusNoContent:
		return Result{Outcome: OutcomeOK}, nil

	case resp.StatusCode == http.StatusConflict:
		return Result{
			Outcome:       OutcomeConflict,
			RemoteVersion: resp.Header.Get(headerEntityVersion),
			RemotePayload: body,
			Detail:        "remote holds a different version",
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		return Result{Outcome: OutcomeNotFound, Detail: "entity unknown downstream"}, nil

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Result{Outcome: OutcomeTransient, Detail: fmt.Sprintf("status %d", resp.StatusCode)}, nil

	default:
		return Result{Outcome: OutcomePermanent, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, trim(body))}, nil
	}
}

func trim(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
