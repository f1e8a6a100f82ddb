package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"tryon/internal/domain"
	"tryon/internal/providers/replicate"
	"tryon/internal/reconcile"
)

const webhookBodyLimit = 1 << 20

// WebhookReplicate receives completion push notifications from the provider.
// Deliveries are at-least-once: a duplicate, or one that lost the race against
// the polling path, is acknowledged with duplicate=true so the provider stops
// resending.
func (a *App) WebhookReplicate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	if a.WebhookSecret == "" {
		// Development relaxation only; a production deployment configures the
		// secret and never takes this path.
		a.Logger.Warn().Msg("webhook: no secret configured, skipping signature verification")
	} else {
		err := replicate.VerifyWebhookSignature(
			a.WebhookSecret,
			r.Header.Get("webhook-id"),
			r.Header.Get("webhook-timestamp"),
			r.Header.Get("webhook-signature"),
			body,
			time.Now(),
		)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("webhook: signature rejected")
			a.error(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
			return
		}
	}

	event, err := replicate.ParseWebhook(body)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("webhook: malformed payload")
		a.error(w, http.StatusBadRequest, "bad_request", "malformed webhook payload")
		return
	}

	gen, err := a.Gens.GetByProviderJobID(r.Context(), event.PredictionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.Logger.Warn().Str("prediction_id", event.PredictionID).Msg("webhook: unknown prediction")
			a.error(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		a.Logger.Error().Err(err).Msg("webhook: lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "webhook processing failed")
		return
	}

	obs, err := event.Prediction.ToObservation()
	if err != nil {
		a.Logger.Warn().Err(err).Str("prediction_id", event.PredictionID).Msg("webhook: unrecognized status")
		a.error(w, http.StatusBadRequest, "bad_request", "unrecognized prediction status")
		return
	}

	result, err := a.Reconciler.Reconcile(r.Context(), gen.ID, obs)
	if err != nil {
		a.Logger.Error().Err(err).Str("generation_id", gen.ID).Msg("webhook: reconcile failed")
		a.error(w, http.StatusInternalServerError, "internal", "webhook processing failed")
		return
	}

	resp := map[string]any{
		"success":       true,
		"status":        string(result.Generation.Status),
		"generation_id": result.Generation.ID,
	}
	if result.Outcome == reconcile.OutcomeAlreadyFinalized {
		resp["duplicate"] = true
	}
	a.json(w, http.StatusOK, resp)
}
