package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, owner_id, room_id, status, start_time, end_time, message_count, message_log, summary_id, close_reason, created_at, updated_at`

func scanSession(row pgx.Row) (*entities.ChatSession, error) {
	var s entities.ChatSession
	err := row.Scan(&s.ID, &s.OwnerID, &s.RoomID, &s.Status, &s.StartTime, &s.EndTime,
		&s.MessageCount, &s.Log, &s.SummaryID, &s.CloseReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if s.Log == nil {
		s.Log = []entities.LogEntry{}
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]entities.ChatSession, error) {
	defer rows.Close()
	sessions := []entities.ChatSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// FindActive returns the earliest-started active session of the room, or nil.
func (r *SessionRepository) FindActive(ctx context.Context, roomID int64) (*entities.ChatSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE room_id = $1 AND status = 'active'
		ORDER BY start_time ASC, id ASC
		LIMIT 1
	`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session for room %d: %w", roomID, err)
	}
	return s, nil
}

// CreateActive inserts an empty active session. entities.ErrConflict when the room already has one.
func (r *SessionRepository) CreateActive(ctx context.Context, session *entities.ChatSession) error {
	session.Status = entities.SessionActive
	session.Log = []entities.LogEntry{}
	err := r.db.QueryRow(ctx, `
		INSERT INTO chat_sessions (owner_id, room_id, status, start_time)
		VALUES ($1, $2, 'active', $3)
		RETURNING id, created_at, updated_at
	`, session.OwnerID, session.RoomID, session.StartTime).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

const (
	appendLogSQL = `
		UPDATE chat_sessions SET
			message_log = CASE
				WHEN jsonb_array_length(message_log) < $3 THEN message_log || jsonb_build_array($2::jsonb)
				ELSE message_log
			END,
			message_count = message_count + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
			AND NOT ($4::text <> '' AND message_log @> jsonb_build_array(jsonb_build_object('message_id', $4::text)))
		RETURNING jsonb_array_length(message_log), message_count, start_time`

	appendCheckSQL = `
		SELECT status = 'active', ($2::text <> '' AND message_log @> jsonb_build_array(jsonb_build_object('message_id', $2::text)))
		FROM chat_sessions WHERE id = $1`
)

// AppendLog appends entry to the embedded log while it holds fewer than limit entries.
// message_count always advances so the session keeps an exact total even past the cap.
// An entry whose message id is already logged is refused with entities.ErrDuplicateEntry.
func (r *SessionRepository) AppendLog(ctx context.Context, sessionID int64, entry entities.LogEntry, limit int) (*entities.AppendResult, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}

	var res entities.AppendResult
	err = r.db.QueryRow(ctx, appendLogSQL, sessionID, string(payload), limit, entry.MessageID).
		Scan(&res.LogSize, &res.MessageCount, &res.StartTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyRejectedAppend(ctx, sessionID, entry.MessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("append to session %d: %w", sessionID, err)
	}
	return &res, nil
}

func (r *SessionRepository) classifyRejectedAppend(ctx context.Context, sessionID int64, messageID string) error {
	var active, logged bool
	err := r.db.QueryRow(ctx, appendCheckSQL, sessionID, messageID).Scan(&active, &logged)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return entities.ErrSessionNotActive
	case err != nil:
		return fmt.Errorf("inspect session %d: %w", sessionID, err)
	case active && logged:
		return entities.ErrDuplicateEntry
	default:
		return entities.ErrSessionNotActive
	}
}

func (r *SessionRepository) MarkSummarizing(ctx context.Context, sessionID int64, reason entities.CloseReason) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE chat_sessions SET status = 'summarizing', close_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, sessionID, reason)
	if err != nil {
		return false, fmt.Errorf("mark session %d summarizing: %w", sessionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SessionRepository) Close(ctx context.Context, sessionID int64, reason entities.CloseReason, summaryID *int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chat_sessions SET
			status = 'closed',
			close_reason = CASE WHEN close_reason = '' THEN $2 ELSE close_reason END,
			summary_id = COALESCE($3, summary_id),
			end_time = COALESCE(end_time, $4),
			updated_at = NOW()
		WHERE id = $1
	`, sessionID, string(reason), summaryID, at)
	if err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id int64) (*entities.ChatSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	return s, nil
}

// ListByRoom lists sessions newest first; an empty status matches every state.
func (r *SessionRepository) ListByRoom(ctx context.Context, roomID int64, status entities.SessionStatus, limit, offset int) ([]entities.ChatSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE room_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY start_time DESC, id DESC
		LIMIT $3 OFFSET $4
	`, roomID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *SessionRepository) ListActiveByRoom(ctx context.Context, roomID int64) ([]entities.ChatSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE room_id = $1 AND status = 'active'
		ORDER BY start_time ASC, id ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *SessionRepository) RoomsWithDuplicateActive(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT room_id FROM chat_sessions
		WHERE status = 'active'
		GROUP BY room_id
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSummarizingBefore returns sessions that entered summarizing and were not touched since before.
func (r *SessionRepository) ListSummarizingBefore(ctx context.Context, before time.Time) ([]entities.ChatSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE status = 'summarizing' AND updated_at < $1
		ORDER BY updated_at ASC
	`, before)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}
