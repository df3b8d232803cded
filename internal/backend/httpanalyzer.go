package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonesrussell/mailtriage/internal/apierrors"
	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// defaultHTTPTimeout bounds one analysis call against a sidecar service.
const defaultHTTPTimeout = 60 * time.Second

// HTTP analyzes messages through a self-hosted analysis sidecar speaking a
// simple JSON protocol: POST /analyze with the prompt, verdict JSON back.
type HTTP struct {
	name    string
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  logging.Logger
}

// NewHTTP creates an analyzer for a JSON analysis sidecar at baseURL.
// The API key is optional for local deployments.
func NewHTTP(name, model, baseURL, apiKey string, logger logging.Logger) (*HTTP, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend %s: base URL is required", name)
	}
	return &HTTP{
		name:    name,
		model:   model,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger,
	}, nil
}

// Name implements Analyzer.
func (h *HTTP) Name() string { return h.name }

// Model implements Analyzer.
func (h *HTTP) Model() string { return h.model }

// analyzeRequest is the request body for POST /analyze.
type analyzeRequest struct {
	Model  string `json:"model,omitempty"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

// Analyze implements Analyzer. Non-2xx responses become HTTPError so the
// retry layer can distinguish 429/5xx from permanent failures.
func (h *HTTP) Analyze(ctx context.Context, msg *domain.EmailMessage, tags []domain.KnownTag) (*domain.AnalysisResult, error) {
	body, err := json.Marshal(analyzeRequest{
		Model:  h.model,
		System: systemPrompt,
		Prompt: buildPrompt(msg, tags),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apierrors.WrapWithContextf(err, "backend %s call failed", h.name)
	}
	defer resp.Body.Close()

	if err := apierrors.ParseHTTPError(resp); err != nil {
		h.logger.Warn("Backend API error",
			logging.String("backend", h.name),
			logging.String("message_id", msg.ID),
			logging.Int("status", resp.StatusCode),
		)
		return nil, err
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	v, err := parseVerdict(payload.Text)
	if err != nil {
		return nil, err
	}

	return &domain.AnalysisResult{
		Tags:       v.Tags,
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
		ScamSignal: v.ScamSignal,
		AuthSignal: v.AuthSignal,
		Backend:    h.name,
		Model:      h.model,
		AnalyzedAt: time.Now(),
	}, nil
}
