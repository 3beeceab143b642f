package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

type RoomRepository struct {
	db *pgxpool.Pool
}

func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

const roomColumns = `id, owner_id, external_id, display_name, type, message_count, session_count, last_activity_at, created_at`

func scanRoom(row pgx.Row) (*entities.Room, error) {
	var rm entities.Room
	err := row.Scan(&rm.ID, &rm.OwnerID, &rm.ExternalID, &rm.DisplayName, &rm.Type,
		&rm.MessageCount, &rm.SessionCount, &rm.LastActivityAt, &rm.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

func (r *RoomRepository) FindByExternalID(ctx context.Context, ownerID int64, externalID string) (*entities.Room, error) {
	rm, err := scanRoom(r.db.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE owner_id = $1 AND external_id = $2
	`, ownerID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find room %s: %w", externalID, err)
	}
	return rm, nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id int64) (*entities.Room, error) {
	rm, err := scanRoom(r.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %d: %w", id, err)
	}
	return rm, nil
}

// Create inserts the room. entities.ErrConflict when (owner, external id) already exists.
func (r *RoomRepository) Create(ctx context.Context, room *entities.Room) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO rooms (owner_id, external_id, display_name, type, last_activity_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, room.OwnerID, room.ExternalID, room.DisplayName, room.Type, room.LastActivityAt).Scan(&room.ID, &room.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

// Touch bumps the message counter and activity time; a non-empty display name replaces the stored one.
func (r *RoomRepository) Touch(ctx context.Context, roomID int64, displayName string, at time.Time) (*entities.Room, error) {
	rm, err := scanRoom(r.db.QueryRow(ctx, `
		UPDATE rooms SET
			message_count = message_count + 1,
			last_activity_at = GREATEST(last_activity_at, $3),
			display_name = CASE WHEN $2 <> '' THEN $2 ELSE display_name END
		WHERE id = $1
		RETURNING `+roomColumns, roomID, displayName, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touch room %d: %w", roomID, err)
	}
	return rm, nil
}

func (r *RoomRepository) IncrementSessions(ctx context.Context, roomID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE rooms SET session_count = session_count + 1 WHERE id = $1`, roomID)
	return err
}

func (r *RoomRepository) ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]entities.Room, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE owner_id = $1
		ORDER BY last_activity_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []entities.Room{}
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *rm)
	}
	return rooms, rows.Err()
}
