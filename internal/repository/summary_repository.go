package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

type SummaryRepository struct {
	db *pgxpool.Pool
}

func NewSummaryRepository(db *pgxpool.Pool) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// CreateProcessing inserts the placeholder row. entities.ErrConflict when the session already has a summary.
func (r *SummaryRepository) CreateProcessing(ctx context.Context, summary *entities.Summary) error {
	summary.Status = entities.SummaryProcessing
	err := r.db.QueryRow(ctx, `
		INSERT INTO summaries (session_id, room_id, owner_id, status, model)
		VALUES ($1, $2, $3, 'processing', $4)
		RETURNING id, created_at
	`, summary.SessionID, summary.RoomID, summary.OwnerID, summary.Model).Scan(&summary.ID, &summary.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

// Finalize writes the terminal fields once; a summary that already left processing is not overwritten.
func (r *SummaryRepository) Finalize(ctx context.Context, s *entities.Summary) error {
	topics := s.KeyTopics
	if topics == nil {
		topics = []string{}
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE summaries SET
			status = $2, content = $3, key_topics = $4, analysis = $5, degraded = $6, model = $7,
			prompt_tokens = $8, completion_tokens = $9, total_tokens = $10, latency_ms = $11,
			estimated_cost = $12, error = $13, completed_at = $14
		WHERE id = $1 AND status = 'processing'
	`, s.ID, string(s.Status), s.Content, topics, s.Analysis, s.Degraded, s.Model,
		s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.LatencyMs,
		s.EstimatedCost, s.Error, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("finalize summary %d: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (r *SummaryRepository) GetBySession(ctx context.Context, sessionID int64) (*entities.Summary, error) {
	var s entities.Summary
	err := r.db.QueryRow(ctx, `
		SELECT id, session_id, room_id, owner_id, status, content, key_topics, analysis, degraded, model,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, estimated_cost, error, created_at, completed_at
		FROM summaries WHERE session_id = $1
	`, sessionID).Scan(&s.ID, &s.SessionID, &s.RoomID, &s.OwnerID, &s.Status, &s.Content, &s.KeyTopics, &s.Analysis,
		&s.Degraded, &s.Model, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.LatencyMs,
		&s.EstimatedCost, &s.Error, &s.CreatedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary for session %d: %w", sessionID, err)
	}
	return &s, nil
}
