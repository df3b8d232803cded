// Package backend adapts external AI providers to the analysis pipeline.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jonesrussell/mailtriage/internal/domain"
)

// ErrMissingCredentials is returned when a backend has no API key configured.
var ErrMissingCredentials = errors.New("missing backend credentials")

// ErrNotConfigured is returned when an unknown backend is requested.
var ErrNotConfigured = errors.New("backend not configured")

// Analyzer performs one analysis call against an external AI provider.
type Analyzer interface {
	// Analyze evaluates one message against the candidate tags.
	Analyze(ctx context.Context, msg *domain.EmailMessage, tags []domain.KnownTag) (*domain.AnalysisResult, error)
	// Name returns the backend identifier.
	Name() string
	// Model returns the configured model identifier.
	Model() string
}

// Registry holds the analyzers built at startup from configuration.
type Registry struct {
	analyzers map[string]Analyzer
}

// NewRegistry creates a registry from the given analyzers.
func NewRegistry(analyzers ...Analyzer) *Registry {
	r := &Registry{analyzers: make(map[string]Analyzer, len(analyzers))}
	for _, a := range analyzers {
		r.analyzers[a.Name()] = a
	}
	return r
}

// Get returns the analyzer for a backend identifier.
func (r *Registry) Get(backendID string) (Analyzer, error) {
	a, ok := r.analyzers[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, backendID)
	}
	return a, nil
}

// verdict is the JSON document backends are instructed to return.
type verdict struct {
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	ScamSignal bool     `json:"scam_signal"`
	AuthSignal string   `json:"auth_signal"`
}

// parseVerdict extracts the JSON verdict from a model response, tolerating
// surrounding prose and markdown code fences.
func parseVerdict(text string) (*verdict, error) {
	raw := strings.TrimSpace(text)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("malformed backend response: %w", err)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("backend confidence %v out of range [0,1]", v.Confidence)
	}
	return &v, nil
}

// buildPrompt renders the analysis request for one message.
func buildPrompt(msg *domain.EmailMessage, tags []domain.KnownTag) string {
	var b strings.Builder

	b.WriteString("Candidate tags:\n")
	for _, t := range tags {
		fmt.Fprintf(&b, "- %s (%s)\n", t.Key, t.Name)
	}

	b.WriteString("\nHeaders:\n")
	for _, h := range []string{"From", "To", "Subject", "Date", "Reply-To", "Authentication-Results"} {
		if v, ok := msg.Headers[h]; ok {
			fmt.Fprintf(&b, "%s: %s\n", h, v)
		}
	}

	if len(msg.Attachments) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", a.Name, a.ContentType, a.Size)
		}
	}

	b.WriteString("\nBody:\n")
	b.WriteString(truncate(msg.Body, maxBodyChars))

	return b.String()
}

// maxBodyChars bounds the prompt size for very large messages.
const maxBodyChars = 16000

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

// systemPrompt instructs the model to return a strict JSON verdict.
const systemPrompt = `You are an email triage assistant. Analyze the email and decide which of the candidate tags apply.

Respond with a single JSON object and nothing else:
{"tags": ["..."], "confidence": 0.0, "reasoning": "...", "scam_signal": false, "auth_signal": "pass|fail|none"}

"tags" must only contain candidate tag keys. "confidence" is your overall confidence in the chosen tags, between 0 and 1.`
