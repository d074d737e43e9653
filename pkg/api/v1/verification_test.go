// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/errors"
)

func TestVerificationSubmitAndApprove(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := VerificationRouter(fx.verification, fx.authn)
	summary := registerUser(t, fx, "zahra", "zahra@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "zahra@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/", bearer, map[string]any{
		"type":      "individual",
		"documents": []documentInput{evidence("passport")},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var opened verificationRequestResponse
	decodeBody(t, rec, &opened)
	assert.Equal(t, summary.ID, opened.IdentityID)
	assert.Equal(t, "submitted", opened.Status)

	rec = do(t, router, http.MethodGet, "/", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []verificationRequestResponse
	decodeBody(t, rec, &mine)
	require.Len(t, mine, 1)

	rec = do(t, router, http.MethodGet, "/"+opened.ID, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail verificationDetailResponse
	decodeBody(t, rec, &detail)
	require.Len(t, detail.Documents, 1)
	assert.Equal(t, "passport", detail.Documents[0].Type)

	admin := adminBearer(t, fx)
	rec = do(t, router, http.MethodGet, "/queue", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queued []verificationRequestResponse
	decodeBody(t, rec, &queued)
	require.NotEmpty(t, queued)

	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/assign", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var assigned verificationRequestResponse
	decodeBody(t, rec, &assigned)
	assert.Equal(t, "under_review", assigned.Status)
	assert.NotEmpty(t, assigned.AssignedReviewer)

	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved verificationRequestResponse
	decodeBody(t, rec, &approved)
	assert.Equal(t, "approved", approved.Status)

	// Approval stamps the badge onto the identity.
	after, err := fx.identity.Get(t.Context(), summary.ID)
	require.NoError(t, err)
	assert.EqualValues(t, "verified", after.VerificationStatus)
	assert.EqualValues(t, "blue", after.VerificationBadge)
}

func TestVerificationHiddenFromOthers(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := VerificationRouter(fx.verification, fx.authn)
	registerUser(t, fx, "maya", "maya@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "maya@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/", bearer, map[string]any{
		"type":      "individual",
		"documents": []documentInput{evidence("passport")},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var opened verificationRequestResponse
	decodeBody(t, rec, &opened)

	registerUser(t, fx, "rival", "rival@entativa.com", "a long password")
	rivalBearer := bearerFor(t, fx, "rival@entativa.com", "a long password")

	// Someone else's application reads as absent, not forbidden.
	rec = do(t, router, http.MethodGet, "/"+opened.ID, rivalBearer, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.ErrNotFound, errorCode(t, rec))

	rec = do(t, router, http.MethodGet, "/", rivalBearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var foreign []verificationRequestResponse
	decodeBody(t, rec, &foreign)
	assert.Empty(t, foreign)
}

func TestVerificationQueueNeedsAdminScope(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := VerificationRouter(fx.verification, fx.authn)
	registerUser(t, fx, "noa", "noa@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "noa@entativa.com", "a long password")

	rec := do(t, router, http.MethodGet, "/queue", bearer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, errors.ErrInvalidScope, errorCode(t, rec))

	admin := adminBearer(t, fx)
	rec = do(t, router, http.MethodGet, "/queue?limit=nope", admin, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrInvalidArgument, errorCode(t, rec))
}

func TestVerificationNeedsInfoRoundTrip(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := VerificationRouter(fx.verification, fx.authn)
	registerUser(t, fx, "omar", "omar@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "omar@entativa.com", "a long password")
	admin := adminBearer(t, fx)

	rec := do(t, router, http.MethodPost, "/", bearer, map[string]any{
		"type":      "business",
		"documents": []documentInput{evidence("registration")},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var opened verificationRequestResponse
	decodeBody(t, rec, &opened)

	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/assign", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/request-info", admin, map[string]string{
		"reason": "the registration certificate is cropped",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var waiting verificationRequestResponse
	decodeBody(t, rec, &waiting)
	assert.Equal(t, "needs_info", waiting.Status)
	assert.Equal(t, "the registration certificate is cropped", waiting.Reason)

	// The applicant answers with fresh evidence, which reopens the
	// request and clears the reviewer.
	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/resubmit", bearer, map[string]any{
		"documents": []documentInput{evidence("registration-full")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reopened verificationRequestResponse
	decodeBody(t, rec, &reopened)
	assert.Equal(t, "submitted", reopened.Status)
	assert.Empty(t, reopened.AssignedReviewer)

	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/assign", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, http.MethodPost, "/"+opened.ID+"/reject", admin, map[string]string{
		"reason": "the company could not be confirmed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rejected verificationRequestResponse
	decodeBody(t, rec, &rejected)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "the company could not be confirmed", rejected.Reason)
}

func TestVerificationSubmitValidation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := VerificationRouter(fx.verification, fx.authn)
	registerUser(t, fx, "lena", "lena@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "lena@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/", bearer, map[string]any{
		"type":      "individual",
		"documents": []documentInput{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrInvalidArgument, errorCode(t, rec))

	rec = do(t, router, http.MethodPost, "/", bearer, map[string]any{
		"type":      "pet",
		"documents": []documentInput{evidence("collar")},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/", "", map[string]any{
		"type":      "individual",
		"documents": []documentInput{evidence("passport")},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
