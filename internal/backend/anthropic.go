package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jonesrussell/mailtriage/internal/apierrors"
	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// defaultMaxTokens bounds the verdict size; the JSON verdict is small.
const defaultMaxTokens = 1024

// Anthropic analyzes messages through the Anthropic Messages API.
type Anthropic struct {
	name   string
	model  string
	client anthropic.Client
	logger logging.Logger
}

// NewAnthropic creates an Anthropic-backed analyzer. The API key must be
// non-empty; a missing key is a configuration error surfaced before any work
// is dispatched.
func NewAnthropic(name, model, apiKey string, logger logging.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &Anthropic{
		name:   name,
		model:  model,
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}, nil
}

// Name implements Analyzer.
func (a *Anthropic) Name() string { return a.name }

// Model implements Analyzer.
func (a *Anthropic) Model() string { return a.model }

// Analyze implements Analyzer. API failures are converted to
// apierrors.HTTPError so the retry layer can classify them by status code.
func (a *Anthropic) Analyze(ctx context.Context, msg *domain.EmailMessage, tags []domain.KnownTag) (*domain.AnalysisResult, error) {
	start := time.Now()

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(msg, tags))),
		},
	})
	if err != nil {
		return nil, a.classifyError(msg.ID, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}

	v, err := parseVerdict(text.String())
	if err != nil {
		a.logger.Warn("Backend returned unparseable verdict",
			logging.String("backend", a.name),
			logging.String("message_id", msg.ID),
			logging.Error(err),
		)
		return nil, err
	}

	a.logger.Debug("Analysis complete",
		logging.String("backend", a.name),
		logging.String("message_id", msg.ID),
		logging.Strings("tags", v.Tags),
		logging.Float64("confidence", v.Confidence),
		logging.Duration("duration", time.Since(start)),
	)

	return &domain.AnalysisResult{
		Tags:       v.Tags,
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
		ScamSignal: v.ScamSignal,
		AuthSignal: v.AuthSignal,
		Backend:    a.name,
		Model:      a.model,
		AnalyzedAt: time.Now(),
	}, nil
}

// classifyError maps SDK errors to HTTPError so retry classification sees
// the status code. Non-API errors (dial failures, timeouts) pass through and
// are classified as network errors upstream.
func (a *Anthropic) classifyError(messageID string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		a.logger.Warn("Backend API error",
			logging.String("backend", a.name),
			logging.String("message_id", messageID),
			logging.Int("status", apiErr.StatusCode),
		)
		return apierrors.NewHTTPError(apiErr.StatusCode, err.Error())
	}
	return apierrors.WrapWithContextf(err, "backend %s call failed", a.name)
}
