// Package notify publishes batch lifecycle events for external observers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// Channel is the Redis pub/sub channel for batch events.
const Channel = "mailtriage:batch-events"

// publishTimeout bounds one fire-and-forget publish.
const publishTimeout = 5 * time.Second

// BatchEvent is the envelope published when a run reaches a terminal state.
type BatchEvent struct {
	EventID   uuid.UUID            `json:"event_id"`
	RunID     string               `json:"run_id"`
	Status    domain.BatchStatus   `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Progress  domain.BatchProgress `json:"progress"`
}

// RedisNotifier publishes batch events on a Redis channel. Publishes are
// fire-and-forget; failures are logged and dropped.
type RedisNotifier struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedis creates a Redis-backed notifier.
func NewRedis(client *redis.Client, logger logging.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

// BatchFinished publishes the terminal progress of a run.
func (n *RedisNotifier) BatchFinished(progress domain.BatchProgress) {
	event := BatchEvent{
		EventID:   uuid.New(),
		RunID:     progress.RunID,
		Status:    progress.Status,
		Timestamp: time.Now(),
		Progress:  progress,
	}

	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("Failed to marshal batch event", logging.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := n.client.Publish(ctx, Channel, data).Err(); err != nil {
		n.logger.Warn("Failed to publish batch event",
			logging.String("run_id", progress.RunID),
			logging.Error(err),
		)
	}
}

// LogNotifier logs batch events when no Redis is configured.
type LogNotifier struct {
	logger logging.Logger
}

// NewLog creates a log-only notifier.
func NewLog(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// BatchFinished logs the terminal progress of a run.
func (n *LogNotifier) BatchFinished(progress domain.BatchProgress) {
	n.logger.Info("Batch finished",
		logging.String("run_id", progress.RunID),
		logging.String("status", string(progress.Status)),
		logging.Int("total", progress.Total),
		logging.Int("successful", progress.Successful),
		logging.Int("failed", progress.Failed),
	)
}
