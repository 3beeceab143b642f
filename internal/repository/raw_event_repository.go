package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

type RawEventRepository struct {
	db *pgxpool.Pool
}

func NewRawEventRepository(db *pgxpool.Pool) *RawEventRepository {
	return &RawEventRepository{db: db}
}

// Insert stores the event unless its id is already known; false means duplicate.
func (r *RawEventRepository) Insert(ctx context.Context, e *entities.RawEvent) (bool, error) {
	var normalized any
	if len(e.Normalized) > 0 {
		normalized = string(e.Normalized)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO raw_events (event_id, channel_id, platform, type, payload, normalized, received_at, expires_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.ChannelID, string(e.Platform), e.Type, payload, normalized, e.ReceivedAt, e.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert raw event %s: %w", e.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RawEventRepository) MarkProcessed(ctx context.Context, eventID string, processErr string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE raw_events SET processed_at = $2, process_error = $3 WHERE event_id = $1
	`, eventID, at, processErr)
	return err
}

// RecordFailure leaves processed_at empty so a replay retries the event.
func (r *RawEventRepository) RecordFailure(ctx context.Context, eventID string, processErr string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE raw_events SET process_error = $2, attempts = attempts + 1
		WHERE event_id = $1 AND processed_at IS NULL
	`, eventID, processErr)
	if err != nil {
		return fmt.Errorf("record failure of raw event %s: %w", eventID, err)
	}
	return nil
}

// ListUnprocessed returns events received after since that were never settled, oldest first.
func (r *RawEventRepository) ListUnprocessed(ctx context.Context, since time.Time, maxAttempts, limit int) ([]entities.RawEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT event_id, channel_id, platform, type, payload, COALESCE(normalized, 'null'::jsonb),
			received_at, expires_at, process_error, attempts
		FROM raw_events
		WHERE processed_at IS NULL AND received_at >= $1 AND attempts < $2
		ORDER BY received_at ASC
		LIMIT $3
	`, since, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []entities.RawEvent{}
	for rows.Next() {
		var e entities.RawEvent
		var payload, normalized []byte
		if err := rows.Scan(&e.EventID, &e.ChannelID, &e.Platform, &e.Type, &payload, &normalized,
			&e.ReceivedAt, &e.ExpiresAt, &e.ProcessError, &e.Attempts); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.Normalized = normalized
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeExpired deletes events whose retention ended.
func (r *RawEventRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM raw_events WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge raw events: %w", err)
	}
	return tag.RowsAffected(), nil
}
