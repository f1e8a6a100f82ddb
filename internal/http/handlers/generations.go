package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tryon/internal/cache"
	"tryon/internal/domain"
	"tryon/internal/providers/replicate"
)

type createGenerationRequest struct {
	Prompt    string `json:"prompt" validate:"required,min=3,max=500"`
	ModelType string `json:"model_type" validate:"required"`
	Quality   string `json:"quality" validate:"omitempty,oneof=preview standard high"`
	Width     int    `json:"width" validate:"omitempty,min=256,max=2048"`
	Height    int    `json:"height" validate:"omitempty,min=256,max=2048"`
	Seed      *int64 `json:"seed"`
}

type generationResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Kind          string     `json:"kind"`
	Prompt        string     `json:"prompt"`
	ModelType     string     `json:"model_type"`
	Quality       string     `json:"quality"`
	ResultURL     string     `json:"result_url,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	EstimatedCost float64    `json:"estimated_cost"`
	ActualCost    float64    `json:"actual_cost"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Cached        bool       `json:"cached,omitempty"`
}

func toGenerationResponse(gen *domain.Generation, cached bool) generationResponse {
	return generationResponse{
		ID:            gen.ID,
		Status:        string(gen.Status),
		Kind:          string(gen.Kind),
		Prompt:        gen.Prompt,
		ModelType:     gen.ModelType,
		Quality:       gen.Quality,
		ResultURL:     gen.ResultURL,
		FailureReason: gen.FailureReason,
		EstimatedCost: gen.EstimatedCost,
		ActualCost:    gen.ActualCost,
		CreatedAt:     gen.CreatedAt,
		CompletedAt:   gen.CompletedAt,
		Cached:        cached,
	}
}

// GenerationsCreate accepts a new generation request. A cache hit resolves
// immediately with the previously produced artifact; otherwise the request is
// queued for dispatch to the provider by the worker.
func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload: "+err.Error())
		return
	}
	if _, ok := replicate.LookupModel(req.ModelType); !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported model type")
		return
	}
	if req.Quality == "" {
		req.Quality = replicate.DefaultQuality
	}
	if req.Width == 0 {
		req.Width = 1024
	}
	if req.Height == 0 {
		req.Height = 1024
	}

	if _, err := a.Usage.CheckAndIncrement(r.Context(), userID, a.DailyQuota); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			a.error(w, http.StatusTooManyRequests, "quota_exceeded", "daily generation quota exceeded")
			return
		}
		a.Logger.Error().Err(err).Msg("generations: quota check failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		return
	}

	now := time.Now()
	gen := &domain.Generation{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          replicate.KindForModel(req.ModelType),
		Status:        domain.GenerationStatusPending,
		Prompt:        req.Prompt,
		ModelType:     req.ModelType,
		Quality:       req.Quality,
		Width:         req.Width,
		Height:        req.Height,
		Seed:          req.Seed,
		EstimatedCost: replicate.EstimateCost(req.ModelType, req.Quality),
	}

	// Identical parameters resolve from the result cache without a provider
	// round-trip; the record is born terminal at zero cost.
	if a.Cache != nil {
		fp := cache.Fingerprint(req.Prompt, req.ModelType, req.Quality, req.Width, req.Height)
		if cachedURL := a.Cache.Get(r.Context(), fp); cachedURL != "" {
			gen.Status = domain.GenerationStatusSucceeded
			gen.ResultURL = cachedURL
			gen.EstimatedCost = 0
			gen.StartedAt = &now
			gen.CompletedAt = &now
			if err := a.Gens.Create(r.Context(), gen); err != nil {
				a.Logger.Error().Err(err).Msg("generations: create cached record failed")
				a.error(w, http.StatusInternalServerError, "internal", "failed to record generation")
				return
			}
			a.json(w, http.StatusOK, toGenerationResponse(gen, true))
			return
		}
	}

	if err := a.Gens.Create(r.Context(), gen); err != nil {
		a.Logger.Error().Err(err).Msg("generations: create record failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		return
	}
	if err := a.Queue.Enqueue(r.Context(), &domain.QueueItem{GenerationID: gen.ID}); err != nil {
		a.Logger.Error().Err(err).Str("generation_id", gen.ID).Msg("generations: enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		return
	}

	a.json(w, http.StatusAccepted, toGenerationResponse(gen, false))
}

// GenerationsGet returns the current snapshot of one generation, refreshing
// non-terminal records from the provider through the reconciliation path.
func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")

	gen, err := a.Gens.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		a.Logger.Error().Err(err).Str("generation_id", id).Msg("generations: lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load generation")
		return
	}
	if gen.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}

	ctx, cancel := a.providerContext(r.Context())
	defer cancel()

	result, err := a.Reconciler.Poll(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			a.error(w, http.StatusServiceUnavailable, "provider_unavailable", "status check unavailable, try again")
			return
		}
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		a.Logger.Error().Err(err).Str("generation_id", id).Msg("generations: poll failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to check generation status")
		return
	}

	a.json(w, http.StatusOK, toGenerationResponse(result.Generation, false))
}

// GenerationsList returns the caller's recent generations.
func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	gens, err := a.Gens.ListByUser(r.Context(), userID, 50)
	if err != nil {
		a.Logger.Error().Err(err).Msg("generations: list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list generations")
		return
	}

	out := make([]generationResponse, 0, len(gens))
	for i := range gens {
		out = append(out, toGenerationResponse(&gens[i], false))
	}
	a.json(w, http.StatusOK, map[string]any{"generations": out})
}
