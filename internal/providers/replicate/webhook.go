package replicate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tryon/internal/domain"
)

// ReplayWindow bounds how far a webhook timestamp may drift from the
// receiver's clock before the delivery is rejected.
const ReplayWindow = 300 * time.Second

// WebhookEvent is the parsed body of a provider push notification. It carries
// the same shape as a polled prediction.
type WebhookEvent struct {
	PredictionID string
	Prediction   Prediction
}

// ParseWebhook decodes a webhook body into an event. A missing prediction id
// is a malformed delivery.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var decoded predictionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("replicate: decode webhook body: %w", err)
	}
	if decoded.ID == "" {
		return nil, fmt.Errorf("%w: webhook missing prediction id", domain.ErrBadRequest)
	}
	pred, err := normalizePrediction(decoded)
	if err != nil {
		return nil, err
	}
	return &WebhookEvent{PredictionID: pred.ID, Prediction: *pred}, nil
}

// VerifyWebhookSignature authenticates a webhook delivery.
//
// The provider signs `{messageID}.{timestamp}.{body}` with HMAC-SHA256 using
// the shared secret (base64-encoded after the "whsec_" prefix) and sends one
// or more comma-separated candidates in the signature header, each optionally
// carrying a "v1=" version prefix. The delivery is accepted when the timestamp
// is within ReplayWindow of now and any candidate matches in constant time.
func VerifyWebhookSignature(secret, messageID, timestamp, sigHeader string, body []byte, now time.Time) error {
	key, err := webhookKey(secret)
	if err != nil {
		return err
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", domain.ErrInvalidSignature)
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > ReplayWindow {
		return fmt.Errorf("%w: timestamp outside replay window", domain.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", messageID, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Split(sigHeader, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "v1=")
		if candidate == "" {
			continue
		}
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", domain.ErrInvalidSignature)
}

func webhookKey(secret string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty secret", domain.ErrInvalidSignature)
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	// Secrets issued without the base64 envelope are used as-is.
	return []byte(trimmed), nil
}
