package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tryon/internal/domain"
	"tryon/internal/infra"
)

// ErrMissingAPIToken indicates that the client was configured without credentials.
var ErrMissingAPIToken = errors.New("replicate: api token is required")

// Options configures the Replicate client.
type Options struct {
	APIToken   string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client performs HTTP calls to the Replicate predictions API.
type Client struct {
	apiToken   string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient validates options and constructs a client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIToken) == "" {
		return nil, ErrMissingAPIToken
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiToken:   opts.APIToken,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// CreateRequest captures the inputs for starting a prediction.
type CreateRequest struct {
	ModelType  string
	Prompt     string
	Quality    string
	Width      int
	Height     int
	Seed       *int64
	WebhookURL string
}

// Prediction is the normalized provider view of one job.
type Prediction struct {
	ID          string
	Status      string
	OutputURL   string
	Error       string
	PredictTime float64
}

type predictionInput struct {
	Prompt        string  `json:"prompt"`
	Steps         int     `json:"num_inference_steps"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	GuidanceScale float64 `json:"guidance_scale,omitempty"`
	LoRAWeights   string  `json:"lora_weights,omitempty"`
	Seed          *int64  `json:"seed,omitempty"`
}

type createPayload struct {
	Version             string          `json:"version"`
	Input               predictionInput `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

type predictionResponse struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output"`
	Error   string          `json:"error"`
	Metrics struct {
		PredictTime float64 `json:"predict_time"`
	} `json:"metrics"`
	Detail string `json:"detail"`
}

// CreatePrediction submits a new prediction and returns the provider-assigned id.
func (c *Client) CreatePrediction(ctx context.Context, req CreateRequest) (*Prediction, error) {
	cfg, ok := LookupModel(req.ModelType)
	if !ok {
		return nil, fmt.Errorf("replicate: unknown model type %q", req.ModelType)
	}

	input := predictionInput{
		Prompt: BuildPrompt(cfg, req.Prompt),
		Steps:  cfg.DefaultSteps,
		Width:  req.Width,
		Height: req.Height,
		Seed:   req.Seed,
	}
	if q, ok := Qualities[req.Quality]; ok {
		input.Steps = q.Steps
		if q.Guidance > 0 {
			input.GuidanceScale = q.Guidance
		}
	} else if cfg.DefaultGuidance > 0 {
		input.GuidanceScale = cfg.DefaultGuidance
	}
	if cfg.LoRAWeights != "" {
		input.LoRAWeights = cfg.LoRAWeights
	}

	payload := createPayload{Version: cfg.Model, Input: input}
	if req.WebhookURL != "" {
		payload.Webhook = req.WebhookURL
		payload.WebhookEventsFilter = []string{"completed"}
	}

	var decoded predictionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/predictions", payload, &decoded); err != nil {
		return nil, err
	}
	return normalizePrediction(decoded)
}

// GetPrediction fetches the current provider-side status of a prediction.
func (c *Client) GetPrediction(ctx context.Context, predictionID string) (*Prediction, error) {
	var decoded predictionResponse
	path := "/predictions/" + predictionID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	return normalizePrediction(decoded)
}

// Observe fetches the current prediction state and validates it into a
// domain observation. This is the polling entry point for reconciliation.
func (c *Client) Observe(ctx context.Context, predictionID string) (domain.Observation, error) {
	pred, err := c.GetPrediction(ctx, predictionID)
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return domain.Observation{}, err
		}
		// Any fetch failure here, including a rejected request, means the
		// provider could not be observed right now. Callers retry later.
		return domain.Observation{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return pred.ToObservation()
}

// CancelPrediction asks the provider to stop a running prediction.
func (c *Client) CancelPrediction(ctx context.Context, predictionID string) error {
	path := "/predictions/" + predictionID + "/cancel"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("replicate: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("replicate: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.apiToken)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var detail predictionResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
			return fmt.Errorf("replicate: status %d: %s", resp.StatusCode, detail.Detail)
		}
		return fmt.Errorf("replicate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("replicate: decode response: %w", err)
	}
	return nil
}

func normalizePrediction(resp predictionResponse) (*Prediction, error) {
	if resp.ID == "" {
		return nil, errors.New("replicate: response missing prediction id")
	}
	return &Prediction{
		ID:          resp.ID,
		Status:      resp.Status,
		OutputURL:   firstOutputURL(resp.Output),
		Error:       resp.Error,
		PredictTime: resp.Metrics.PredictTime,
	}, nil
}

// firstOutputURL unwraps the output field, which the API returns either as a
// bare string or as an array of URLs.
func firstOutputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

// ToObservation validates a provider report at the boundary, collapsing the
// provider's status vocabulary into the domain's four states. Unknown statuses
// are rejected before they can reach the reconciler.
func (p *Prediction) ToObservation() (domain.Observation, error) {
	switch p.Status {
	case "queued":
		return domain.Observation{Status: domain.GenerationStatusPending}, nil
	case "starting", "processing":
		// The provider reports "starting" once the job is accepted; from the
		// record's point of view work has begun.
		return domain.Observation{Status: domain.GenerationStatusProcessing}, nil
	case "succeeded":
		if p.OutputURL == "" {
			return domain.Observation{}, errors.New("replicate: succeeded prediction without output")
		}
		return domain.Observation{
			Status:      domain.GenerationStatusSucceeded,
			ResultURL:   p.OutputURL,
			PredictTime: p.PredictTime,
		}, nil
	case "failed":
		reason := p.Error
		if reason == "" {
			reason = "generation failed"
		}
		return domain.Observation{
			Status:        domain.GenerationStatusFailed,
			FailureReason: reason,
			FailureCode:   "GENERATION_FAILED",
		}, nil
	case "canceled":
		return domain.Observation{
			Status:        domain.GenerationStatusFailed,
			FailureReason: "generation canceled",
			FailureCode:   "GENERATION_CANCELED",
		}, nil
	default:
		return domain.Observation{}, fmt.Errorf("replicate: unknown prediction status %q", p.Status)
	}
}
