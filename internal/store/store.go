// Package store persists batch progress and flagged-review records in
// sqlite so an external UI can poll run state across process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/jonesrussell/mailtriage/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS batch_progress (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	run_id        TEXT NOT NULL,
	status        TEXT NOT NULL,
	total         INTEGER NOT NULL,
	processed     INTEGER NOT NULL,
	successful    INTEGER NOT NULL,
	failed        INTEGER NOT NULL,
	start_time    TIMESTAMP NOT NULL,
	end_time      TIMESTAMP,
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS flagged_reviews (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	message_id     TEXT NOT NULL,
	tag            TEXT NOT NULL,
	confidence     INTEGER NOT NULL,
	threshold      INTEGER NOT NULL,
	threshold_type TEXT NOT NULL,
	flagged_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flagged_reviews_run ON flagged_reviews (run_id);
`

// Store wraps the sqlite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Persist upserts the single live batch progress row.
func (s *Store) Persist(ctx context.Context, progress *domain.BatchProgress) error {
	query := `
		INSERT INTO batch_progress (
			id, run_id, status, total, processed, successful, failed,
			start_time, end_time, error_message
		)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			total = excluded.total,
			processed = excluded.processed,
			successful = excluded.successful,
			failed = excluded.failed,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error_message = excluded.error_message
	`
	_, err := s.db.ExecContext(ctx, query,
		progress.RunID,
		progress.Status,
		progress.Total,
		progress.Processed,
		progress.Successful,
		progress.Failed,
		progress.StartTime,
		progress.EndTime,
		progress.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("persist batch progress: %w", err)
	}
	return nil
}

// Read returns the persisted batch progress, or nil when no run was ever
// recorded.
func (s *Store) Read(ctx context.Context) (*domain.BatchProgress, error) {
	var progress domain.BatchProgress
	query := `
		SELECT run_id, status, total, processed, successful, failed,
		       start_time, end_time, error_message
		FROM batch_progress WHERE id = 1
	`
	err := s.db.GetContext(ctx, &progress, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch progress: %w", err)
	}
	return &progress, nil
}

// RecordFlagged stores the tags withheld from one message for review.
func (s *Store) RecordFlagged(ctx context.Context, runID, messageID string, flagged []domain.FlaggedTag) error {
	if len(flagged) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flagged tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO flagged_reviews (
			run_id, message_id, tag, confidence, threshold, threshold_type, flagged_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	for _, f := range flagged {
		if _, err := tx.ExecContext(ctx, query,
			runID, messageID, f.Tag, f.Confidence, f.Threshold, f.ThresholdType, now,
		); err != nil {
			return fmt.Errorf("record flagged tag %s: %w", f.Tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flagged tx: %w", err)
	}
	return nil
}

// FlaggedReview is one stored review record.
type FlaggedReview struct {
	ID            int64     `db:"id"             json:"id"`
	RunID         string    `db:"run_id"         json:"run_id"`
	MessageID     string    `db:"message_id"     json:"message_id"`
	Tag           string    `db:"tag"            json:"tag"`
	Confidence    int       `db:"confidence"     json:"confidence"`
	Threshold     int       `db:"threshold"      json:"threshold"`
	ThresholdType string    `db:"threshold_type" json:"threshold_type"`
	FlaggedAt     time.Time `db:"flagged_at"     json:"flagged_at"`
}

// ListFlagged returns the flagged-review records for a run, newest first.
func (s *Store) ListFlagged(ctx context.Context, runID string) ([]FlaggedReview, error) {
	var reviews []FlaggedReview
	query := `
		SELECT id, run_id, message_id, tag, confidence, threshold, threshold_type, flagged_at
		FROM flagged_reviews
		WHERE run_id = ?
		ORDER BY flagged_at DESC, id DESC
	`
	if err := s.db.SelectContext(ctx, &reviews, query, runID); err != nil {
		return nil, fmt.Errorf("list flagged reviews: %w", err)
	}
	return reviews, nil
}
