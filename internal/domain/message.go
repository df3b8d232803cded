// Package domain defines the core types shared across the mailtriage service.
package domain

import "time"

// AttachmentMeta describes an attachment without carrying its content.
// Only metadata participates in analysis and cache key derivation.
type AttachmentMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// EmailMessage is a fully fetched message ready for analysis.
type EmailMessage struct {
	ID          string            `json:"id"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	Attachments []AttachmentMeta  `json:"attachments,omitempty"`
}

// Subject returns the subject header, if present.
func (m *EmailMessage) Subject() string {
	return m.Headers["Subject"]
}

// From returns the from header, if present.
func (m *EmailMessage) From() string {
	return m.Headers["From"]
}

// KnownTag is a tag key registered with the mail client, optionally carrying
// a confidence threshold override (0-100).
type KnownTag struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Threshold *int   `json:"threshold,omitempty"`
}

// AnalysisResult is the outcome of one backend analysis of one message.
// Immutable after creation; cached verbatim.
type AnalysisResult struct {
	Tags       []string  `json:"tags"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	ScamSignal bool      `json:"scam_signal,omitempty"`
	AuthSignal string    `json:"auth_signal,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Model      string    `json:"model,omitempty"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}
