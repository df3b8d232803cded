package orchestrator

import (
	"context"

	"github.com/jonesrussell/mailtriage/internal/domain"
)

// MailStore is the external message source and tag writer.
type MailStore interface {
	// ListMessages returns the message IDs in a folder; empty folder means
	// all messages.
	ListMessages(ctx context.Context, folder string) ([]string, error)
	// FetchFullMessage returns headers, body, and attachment metadata.
	FetchFullMessage(ctx context.Context, id string) (*domain.EmailMessage, error)
	// GetMessageTags returns the tag keys currently on a message.
	GetMessageTags(ctx context.Context, id string) ([]string, error)
	// SetMessageTags replaces the tag keys on a message.
	SetMessageTags(ctx context.Context, id string, tags []string) error
}

// TagRegistry is the external source of known tags and their thresholds.
type TagRegistry interface {
	// ListKnownTags returns the configured tags. Re-read per analysis; the
	// configuration may change between batches.
	ListKnownTags(ctx context.Context) ([]domain.KnownTag, error)
	// EnsureTagExists registers a tag key before it is applied.
	EnsureTagExists(ctx context.Context, key, name, color string) error
}

// ProgressSink persists batch progress for polling by an external UI.
type ProgressSink interface {
	Persist(ctx context.Context, progress *domain.BatchProgress) error
	Read(ctx context.Context) (*domain.BatchProgress, error)
}

// ReviewSink records tags withheld from a message for human review.
type ReviewSink interface {
	RecordFlagged(ctx context.Context, runID, messageID string, flagged []domain.FlaggedTag) error
}

// Notifier receives fire-and-forget run lifecycle events. Never awaited.
type Notifier interface {
	BatchFinished(progress domain.BatchProgress)
}
