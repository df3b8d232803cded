//nolint:testpackage // Testing internal parsing requires same package access
package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jonesrussell/mailtriage/internal/domain"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *verdict
		wantErr bool
	}{
		{
			name: "clean json",
			text: `{"tags": ["is_urgent"], "confidence": 0.9, "reasoning": "deadline mentioned"}`,
			want: &verdict{Tags: []string{"is_urgent"}, Confidence: 0.9, Reasoning: "deadline mentioned"},
		},
		{
			name: "json inside markdown fence",
			text: "```json\n{\"tags\": [\"is_business\"], \"confidence\": 0.8}\n```",
			want: &verdict{Tags: []string{"is_business"}, Confidence: 0.8},
		},
		{
			name: "surrounding prose",
			text: `Here is my analysis: {"tags": [], "confidence": 0.3, "reasoning": "unclear"} Hope that helps!`,
			want: &verdict{Tags: []string{}, Confidence: 0.3, Reasoning: "unclear"},
		},
		{
			name: "scam signal",
			text: `{"tags": ["is_scam"], "confidence": 0.95, "scam_signal": true, "auth_signal": "fail"}`,
			want: &verdict{Tags: []string{"is_scam"}, Confidence: 0.95, ScamSignal: true, AuthSignal: "fail"},
		},
		{name: "not json", text: "I cannot analyze this email.", wantErr: true},
		{name: "empty", text: "", wantErr: true},
		{name: "confidence above one", text: `{"tags": [], "confidence": 1.5}`, wantErr: true},
		{name: "negative confidence", text: `{"tags": [], "confidence": -0.1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdict(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Confidence != tt.want.Confidence {
				t.Errorf("confidence: got %v, want %v", got.Confidence, tt.want.Confidence)
			}
			if len(got.Tags) != len(tt.want.Tags) {
				t.Fatalf("tags: got %v, want %v", got.Tags, tt.want.Tags)
			}
			for i := range got.Tags {
				if got.Tags[i] != tt.want.Tags[i] {
					t.Errorf("tags[%d]: got %s, want %s", i, got.Tags[i], tt.want.Tags[i])
				}
			}
			if got.ScamSignal != tt.want.ScamSignal || got.AuthSignal != tt.want.AuthSignal {
				t.Errorf("signals: got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	msg := &domain.EmailMessage{
		ID: "msg-1",
		Headers: map[string]string{
			"From":         "alice@example.com",
			"Subject":      "Wire transfer needed",
			"X-Spam-Score": "9.9",
		},
		Body: "Please wire the funds today.",
		Attachments: []domain.AttachmentMeta{
			{Name: "details.pdf", ContentType: "application/pdf", Size: 1024},
		},
	}
	tags := []domain.KnownTag{
		{Key: "is_scam", Name: "Scam"},
		{Key: "is_urgent", Name: "Urgent"},
	}

	prompt := buildPrompt(msg, tags)

	for _, want := range []string{
		"is_scam (Scam)",
		"is_urgent (Urgent)",
		"From: alice@example.com",
		"Subject: Wire transfer needed",
		"details.pdf (application/pdf, 1024 bytes)",
		"Please wire the funds today.",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// Only the vetted header set goes to the model.
	if strings.Contains(prompt, "X-Spam-Score") {
		t.Error("unexpected header leaked into the prompt")
	}
}

func TestBuildPrompt_TruncatesLargeBody(t *testing.T) {
	msg := &domain.EmailMessage{
		Headers: map[string]string{"Subject": "big"},
		Body:    strings.Repeat("a", maxBodyChars+500),
	}

	prompt := buildPrompt(msg, nil)

	if !strings.Contains(prompt, "[truncated]") {
		t.Error("oversized body must be truncated")
	}
	if len(prompt) > maxBodyChars+1000 {
		t.Errorf("prompt still oversized: %d chars", len(prompt))
	}
}

func TestRegistry(t *testing.T) {
	a := &staticAnalyzer{name: "anthropic", model: "claude-sonnet-4-5"}
	r := NewRegistry(a)

	got, err := r.Get("anthropic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != Analyzer(a) {
		t.Error("registry returned a different analyzer")
	}

	_, err = r.Get("missing")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err: got %v, want ErrNotConfigured", err)
	}
}

type staticAnalyzer struct {
	name  string
	model string
}

func (s *staticAnalyzer) Name() string  { return s.name }
func (s *staticAnalyzer) Model() string { return s.model }

func (s *staticAnalyzer) Analyze(_ context.Context, _ *domain.EmailMessage, _ []domain.KnownTag) (*domain.AnalysisResult, error) {
	return nil, nil
}
