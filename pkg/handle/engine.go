// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/cache"
	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// validationCachePrefix keys cached validation verdicts by folded handle.
// Every mutation that can change availability invalidates the whole prefix.
const validationCachePrefix = "handle:validation:"

// Enqueuer writes replication jobs into the outbox inside the caller's
// transaction. The sync engine provides the production implementation; a
// nil Enqueuer disables downstream propagation.
type Enqueuer interface {
	Enqueue(ctx context.Context, st storage.Store, job *storage.SyncJob) error
}

// ValidationResult is the verdict of the validation pipeline for one
// candidate handle. Errors carries taxonomy codes; SimilarEntity and
// ProtectedSimilarity are set when a protected entry won the similarity
// check.
type ValidationResult struct {
	Handle              string   `json:"handle"`
	Available           bool     `json:"available"`
	Errors              []string `json:"errors,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Suggestions         []string `json:"suggestions,omitempty"`
	SimilarEntity       string   `json:"similar_entity,omitempty"`
	ProtectedSimilarity float64  `json:"protected_similarity,omitempty"`
	ReservationClass    string   `json:"reservation_class,omitempty"`
}

func (r *ValidationResult) reject(code string) {
	r.Available = false
	r.Errors = append(r.Errors, code)
}

// Engine is the handle engine. It owns every decision about handle
// availability, protection, claims and transfers; other components never
// touch handle rows directly.
type Engine struct {
	store  storage.Store
	cache  cache.Cache
	outbox Enqueuer
	clock  clockwork.Clock
	cfg    config.HandleConfig
}

// NewEngine creates a handle engine on the given store and cache. outbox
// may be nil when downstream propagation is not wired (tests, CLI tools).
func NewEngine(store storage.Store, c cache.Cache, outbox Enqueuer, clock clockwork.Clock, cfg config.HandleConfig) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.SuggestionCount <= 0 {
		cfg.SuggestionCount = 5
	}
	return &Engine{
		store:  store,
		cache:  c,
		outbox: outbox,
		clock:  clock,
		cfg:    cfg,
	}
}

// Check runs the validation pipeline for a candidate handle. The verdict
// is cached for an hour keyed on the folded form; mutations that change
// availability invalidate the prefix. Only infrastructure failures return
// an error; validation outcomes are part of the result.
func (e *Engine) Check(ctx context.Context, candidate string) (*ValidationResult, error) {
	key := validationCachePrefix + Fold(candidate)

	var cached ValidationResult
	if ok, err := cache.GetJSON(ctx, e.cache, key, &cached); err == nil && ok {
		return &cached, nil
	}

	result, err := e.validate(ctx, e.store, candidate, true)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, e.cache, key, result, cache.HandleValidationTTL); err != nil {
		logger.Warnf("caching handle validation for %q: %v", candidate, err)
	}
	return result, nil
}

// validate runs the pipeline against the given store view so callers inside
// a transaction see their own writes. Order: format, exact availability,
// reserved list, protected similarity, content policy.
func (e *Engine) validate(ctx context.Context, st storage.Store, candidate string, withSuggestions bool) (*ValidationResult, error) {
	result := &ValidationResult{Handle: candidate}

	if err := ValidateFormat(candidate); err != nil {
		result.reject(errors.TypeOf(err))
		return result, nil
	}
	folded := Fold(candidate)

	if _, err := st.Handles().GetActiveHandleByLower(ctx, folded); err == nil {
		result.reject(errors.ErrTaken)
		if withSuggestions {
			if err := e.attachSuggestions(ctx, st, candidate, result); err != nil {
				return nil, err
			}
		}
		return result, nil
	} else if !errors.IsNotFound(err) {
		return nil, fmt.Errorf("checking handle availability: %w", err)
	}

	if reserved, err := st.ReservedHandles().GetReservedHandle(ctx, folded); err == nil {
		result.reject(errors.ErrReserved)
		result.ReservationClass = reserved.Class
		return result, nil
	} else if !errors.IsNotFound(err) {
		return nil, fmt.Errorf("checking reserved handles: %w", err)
	}

	entities, err := st.ProtectedEntities().ListProtectedEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing protected entities: %w", err)
	}
	var (
		winner   *storage.ProtectedEntity
		winScore float64
		winMatch string
	)
	for _, entity := range entities {
		score, matched := bestMatch(folded, entity)
		threshold := entity.SimilarityThreshold
		if threshold <= 0 {
			threshold = e.cfg.SimilarityThreshold
		}
		if score >= threshold && score > winScore {
			winner, winScore, winMatch = entity, score, matched
		}
	}
	if winner != nil {
		// An exact, unclaimed protected handle is obtainable through the
		// claim workflow; everything else is a plain look-alike rejection.
		if Fold(winner.Handle) == folded && winner.ClaimedBy == "" {
			result.reject(errors.ErrClaimRequired)
		} else {
			result.reject(errors.ErrSimilarToProtected)
		}
		result.SimilarEntity = Fold(winMatch)
		result.ProtectedSimilarity = winScore
		if withSuggestions {
			if err := e.attachSuggestions(ctx, st, candidate, result); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	if err := CheckContent(folded); err != nil {
		result.reject(errors.ErrInappropriate)
		return result, nil
	}

	result.Available = true
	if withSuggestions {
		if err := e.attachSuggestions(ctx, st, candidate, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// suggestionCandidates generates the deterministic transform list for a
// base handle. Candidates that fail validation are filtered out later.
func (e *Engine) suggestionCandidates(base string) []string {
	out := make([]string, 0, 14)
	for i := 1; i <= 9; i++ {
		out = append(out, fmt.Sprintf("%s%d", base, i))
	}
	out = append(out,
		fmt.Sprintf("%s%d", base, e.clock.Now().UTC().Year()),
		base+"_",
		"_"+base,
		base+"official",
		base+"real",
	)
	return out
}

func (e *Engine) attachSuggestions(ctx context.Context, st storage.Store, base string, result *ValidationResult) error {
	for _, candidate := range e.suggestionCandidates(base) {
		verdict, err := e.validate(ctx, st, candidate, false)
		if err != nil {
			return err
		}
		if verdict.Available {
			result.Suggestions = append(result.Suggestions, candidate)
			if len(result.Suggestions) >= e.cfg.SuggestionCount {
				break
			}
		}
	}
	return nil
}

// resultError converts a non-available validation result into its taxonomy
// error for callers that need an error, not a verdict.
func resultError(result *ValidationResult) error {
	if result.Available || len(result.Errors) == 0 {
		return nil
	}
	switch result.Errors[0] {
	case errors.ErrInvalidFormat:
		return errors.NewInvalidFormatError("handle format is invalid", nil)
	case errors.ErrTaken:
		return errors.NewTakenError("handle is already taken", nil)
	case errors.ErrReserved:
		return errors.NewReservedError(
			fmt.Sprintf("handle is reserved (%s)", result.ReservationClass), nil)
	case errors.ErrClaimRequired:
		return errors.NewClaimRequiredError(
			fmt.Sprintf("handle belongs to %s and must be claimed through verification", result.SimilarEntity), nil)
	case errors.ErrSimilarToProtected:
		return errors.NewSimilarToProtectedError(
			fmt.Sprintf("handle is too similar to %s (%.3f)", result.SimilarEntity, result.ProtectedSimilarity), nil)
	case errors.ErrInappropriate:
		return errors.NewInappropriateError("handle contains a disallowed word", nil)
	default:
		return errors.NewInvalidArgumentError("handle is not available", nil)
	}
}

// Allocate validates the candidate against the caller's store view and
// creates the active handle row for the owner. Meant to run inside the
// registration transaction; the unique index turns races into taken errors.
func (e *Engine) Allocate(ctx context.Context, st storage.Store, ownerIdentityID, candidate string) (*storage.Handle, error) {
	result, err := e.validate(ctx, st, candidate, false)
	if err != nil {
		return nil, err
	}
	if !result.Available {
		return nil, resultError(result)
	}

	now := e.clock.Now().UTC()
	h := &storage.Handle{
		ID:              uuid.NewString(),
		Handle:          candidate,
		HandleLower:     Fold(candidate),
		OwnerIdentityID: ownerIdentityID,
		Status:          storage.HandleActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.Handles().CreateHandle(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Release frees an active handle. The row stays for history with status
// released; the folded form becomes immediately available again.
func (e *Engine) Release(ctx context.Context, identityID, handleID string) error {
	err := e.store.Tx(ctx, func(tx storage.Store) error {
		h, err := tx.Handles().GetHandle(ctx, handleID)
		if err != nil {
			return err
		}
		if h.OwnerIdentityID != identityID {
			return errors.NewInvalidArgumentError("handle is not owned by this identity", nil)
		}
		if h.Status != storage.HandleActive {
			return errors.NewConflictError("only active handles can be released", nil)
		}
		h.Status = storage.HandleReleased
		return tx.Handles().UpdateHandle(ctx, h)
	})
	if err != nil {
		return err
	}
	e.InvalidateValidations(ctx)
	return nil
}

// Get returns a handle row by id.
func (e *Engine) Get(ctx context.Context, handleID string) (*storage.Handle, error) {
	return e.store.Handles().GetHandle(ctx, handleID)
}

// Resolve returns the active handle row for a folded handle.
func (e *Engine) Resolve(ctx context.Context, candidate string) (*storage.Handle, error) {
	return e.store.Handles().GetActiveHandleByLower(ctx, Fold(candidate))
}

// InvalidateValidations drops every cached validation verdict. Mutations
// that change availability call this after their transaction commits; the
// façade calls it after registration. The cache is best-effort: on failure
// stale verdicts age out within the TTL.
func (e *Engine) InvalidateValidations(ctx context.Context) {
	if err := e.cache.InvalidatePrefix(ctx, validationCachePrefix); err != nil {
		logger.Warnf("invalidating handle validation cache: %v", err)
	}
}

// ownershipPayload is the replicated view of a handle carried by sync jobs.
type ownershipPayload struct {
	Handle          string `json:"handle"`
	OwnerIdentityID string `json:"owner_identity_id"`
	Status          string `json:"status"`
	UpdatedAt       string `json:"updated_at"`
}

// EnqueueOwnership writes a handle replication job inside the caller's
// transaction. Claims and transfers call it on resolution; registration
// calls it for the freshly allocated handle. A nil outbox is a no-op.
func (e *Engine) EnqueueOwnership(ctx context.Context, st storage.Store, h *storage.Handle, priority storage.JobPriority) error {
	if e.outbox == nil {
		return nil
	}
	payload, err := json.Marshal(ownershipPayload{
		Handle:          h.Handle,
		OwnerIdentityID: h.OwnerIdentityID,
		Status:          string(h.Status),
		UpdatedAt:       e.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshalling handle payload: %w", err)
	}
	return e.outbox.Enqueue(ctx, st, &storage.SyncJob{
		EntityType: "handle",
		EntityID:   h.ID,
		Payload:    payload,
		Priority:   priority,
	})
}
