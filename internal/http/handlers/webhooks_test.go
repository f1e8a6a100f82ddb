package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tryon/internal/domain"
)

// Secret without a base64 envelope; verification accepts it verbatim.
const webhookTestSecret = "hook-test-secret"

func signWebhook(messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookTestSecret))
	fmt.Fprintf(mac, "%s.%s.", messageID, timestamp)
	mac.Write(body)
	return "v1=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedWebhookRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/replicate", strings.NewReader(body))
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("webhook-id", "msg-1")
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", signWebhook("msg-1", ts, []byte(body)))
	return req
}

func processingWebhookEnv() *testEnv {
	env := newTestEnv(&domain.Generation{
		ID: "g1", UserID: "user-1", Status: domain.GenerationStatusProcessing,
		ProviderJobID: "pred-1", ModelType: "nail_generator_1", EstimatedCost: 0.025,
	})
	env.app.WebhookSecret = webhookTestSecret
	return env
}

func TestWebhookFinalizesGeneration(t *testing.T) {
	env := processingWebhookEnv()
	body := `{"id":"pred-1","status":"succeeded","output":["https://x/img.jpg"],"metrics":{"predict_time":3.1}}`

	rec := env.do(signedWebhookRequest(body), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != true || resp["status"] != "succeeded" {
		t.Fatalf("response = %v", resp)
	}
	if _, dup := resp["duplicate"]; dup {
		t.Fatal("first delivery marked duplicate")
	}

	stored, _ := env.gens.GetByID(context.Background(), "g1")
	if stored.Status != domain.GenerationStatusSucceeded || stored.ResultURL != "https://x/img.jpg" {
		t.Fatalf("record = %+v, want finalized", stored)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := processingWebhookEnv()
	body := `{"id":"pred-1","status":"succeeded","output":["https://x/img.jpg"]}`

	if rec := env.do(signedWebhookRequest(body), ""); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d: %s", rec.Code, rec.Body)
	}
	first, _ := env.gens.GetByID(context.Background(), "g1")

	rec := env.do(signedWebhookRequest(body), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status = %d, want 200 ack", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["duplicate"] != true {
		t.Fatalf("response = %v, want duplicate=true", resp)
	}

	second, _ := env.gens.GetByID(context.Background(), "g1")
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("CompletedAt changed on duplicate: %v vs %v", second.CompletedAt, first.CompletedAt)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := processingWebhookEnv()
	body := `{"id":"pred-1","status":"succeeded","output":["https://x/img.jpg"]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/replicate", strings.NewReader(body))
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("webhook-id", "msg-1")
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", "v1=bm90LWEtcmVhbC1zaWduYXR1cmU=")

	rec := env.do(req, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	stored, _ := env.gens.GetByID(context.Background(), "g1")
	if stored.Status != domain.GenerationStatusProcessing {
		t.Fatalf("unauthenticated delivery mutated record: %q", stored.Status)
	}
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	env := processingWebhookEnv()
	body := `{"id":"pred-1","status":"succeeded","output":["https://x/img.jpg"]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/replicate", strings.NewReader(body))
	ts := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
	req.Header.Set("webhook-id", "msg-1")
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", signWebhook("msg-1", ts, []byte(body)))

	if rec := env.do(req, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for replayed delivery", rec.Code)
	}
}

func TestWebhookSkipsVerificationWithoutSecret(t *testing.T) {
	env := processingWebhookEnv()
	env.app.WebhookSecret = ""

	body := `{"id":"pred-1","status":"succeeded","output":["https://x/img.jpg"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/replicate", strings.NewReader(body))

	rec := env.do(req, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with verification disabled: %s", rec.Code, rec.Body)
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	env := processingWebhookEnv()
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"id":`},
		{"missing prediction id", `{"status":"succeeded"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := env.do(signedWebhookRequest(tc.body), ""); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestWebhookUnknownPrediction(t *testing.T) {
	env := processingWebhookEnv()
	body := `{"id":"pred-unknown","status":"succeeded","output":["https://x/img.jpg"]}`
	if rec := env.do(signedWebhookRequest(body), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookUnrecognizedStatus(t *testing.T) {
	env := processingWebhookEnv()
	body := `{"id":"pred-1","status":"exploded"}`
	if rec := env.do(signedWebhookRequest(body), ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
