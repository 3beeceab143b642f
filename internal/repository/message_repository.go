package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Insert(ctx context.Context, msg *entities.Message) error {
	if msg.MediaStatus == "" {
		msg.MediaStatus = entities.MediaNone
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (
			external_id, session_id, room_id, owner_id, direction, type, text,
			sender_id, sender_name, room_name, room_type, is_group,
			media_key, media_status, latitude, longitude, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at
	`, msg.ExternalID, msg.SessionID, msg.RoomID, msg.OwnerID, msg.Direction, msg.Type, msg.Text,
		msg.SenderID, msg.SenderName, msg.RoomName, msg.RoomType, msg.IsGroup,
		msg.MediaKey, msg.MediaStatus, msg.Latitude, msg.Longitude, msg.SentAt).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if mapped := mapWriteError(err); mapped == entities.ErrConflict {
			return mapped
		}
		return fmt.Errorf("insert message %s: %w", msg.ExternalID, err)
	}
	return nil
}

func (r *MessageRepository) Exists(ctx context.Context, roomID int64, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE room_id = $1 AND external_id = $2)
	`, roomID, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", externalID, err)
	}
	return exists, nil
}

// ListBySession returns the session's messages in send order.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID int64) ([]entities.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, external_id, session_id, room_id, owner_id, direction, type, text,
			sender_id, sender_name, room_name, room_type, is_group,
			media_key, media_status, latitude, longitude, sent_at, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY sent_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []entities.Message{}
	for rows.Next() {
		var m entities.Message
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.SessionID, &m.RoomID, &m.OwnerID, &m.Direction, &m.Type, &m.Text,
			&m.SenderID, &m.SenderName, &m.RoomName, &m.RoomType, &m.IsGroup,
			&m.MediaKey, &m.MediaStatus, &m.Latitude, &m.Longitude, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
