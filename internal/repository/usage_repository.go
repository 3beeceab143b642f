package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

// UsageRepository keeps the lifetime counters on owners and the daily owner_usage rows in step.
type UsageRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

func (r *UsageRepository) today() string {
	return r.now().UTC().Format("2006-01-02")
}

// RecordMessage increments messages received for today
func (r *UsageRepository) RecordMessage(ctx context.Context, ownerID int64) error {
	_, err := r.db.Exec(ctx, `
		WITH o AS (
			UPDATE owners SET message_count = message_count + 1, updated_at = NOW() WHERE id = $1
		)
		INSERT INTO owner_usage (owner_id, date, messages_received)
		VALUES ($1, $2, 1)
		ON CONFLICT (owner_id, date)
		DO UPDATE SET messages_received = owner_usage.messages_received + 1
	`, ownerID, r.today())
	if err != nil {
		return fmt.Errorf("record message usage: %w", err)
	}
	return nil
}

// RecordSessionClosed increments sessions closed for today
func (r *UsageRepository) RecordSessionClosed(ctx context.Context, ownerID int64) error {
	_, err := r.db.Exec(ctx, `
		WITH o AS (
			UPDATE owners SET session_count = session_count + 1, updated_at = NOW() WHERE id = $1
		)
		INSERT INTO owner_usage (owner_id, date, sessions_closed)
		VALUES ($1, $2, 1)
		ON CONFLICT (owner_id, date)
		DO UPDATE SET sessions_closed = owner_usage.sessions_closed + 1
	`, ownerID, r.today())
	if err != nil {
		return fmt.Errorf("record session usage: %w", err)
	}
	return nil
}

// RecordSummary counts a completed summary and the tokens it consumed
func (r *UsageRepository) RecordSummary(ctx context.Context, ownerID int64, tokens int) error {
	_, err := r.db.Exec(ctx, `
		WITH o AS (
			UPDATE owners SET summary_count = summary_count + 1, updated_at = NOW() WHERE id = $1
		)
		INSERT INTO owner_usage (owner_id, date, summaries_completed, tokens_used)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (owner_id, date)
		DO UPDATE SET summaries_completed = owner_usage.summaries_completed + 1,
			tokens_used = owner_usage.tokens_used + EXCLUDED.tokens_used
	`, ownerID, r.today(), tokens)
	if err != nil {
		return fmt.Errorf("record summary usage: %w", err)
	}
	return nil
}

// History returns last N days of usage
func (r *UsageRepository) History(ctx context.Context, ownerID int64, days int) ([]entities.DailyUsage, error) {
	startDate := r.now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := r.db.Query(ctx, `
		SELECT date, messages_received, sessions_closed, summaries_completed, tokens_used
		FROM owner_usage
		WHERE owner_id = $1 AND date >= $2
		ORDER BY date ASC
	`, ownerID, startDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := []entities.DailyUsage{}
	for rows.Next() {
		var u entities.DailyUsage
		if err := rows.Scan(&u.Date, &u.MessagesReceived, &u.SessionsClosed, &u.SummariesCompleted, &u.TokensUsed); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
