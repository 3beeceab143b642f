package usecases

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ProjectionUsecase serves the read-only views of rooms, sessions, messages and summaries.
type ProjectionUsecase struct {
	owners    interfaces.OwnerStore
	rooms     interfaces.RoomStore
	sessions  interfaces.SessionStore
	messages  interfaces.MessageStore
	summaries interfaces.SummaryStore
	usage     interfaces.UsageStore
}

func NewProjectionUsecase(
	owners interfaces.OwnerStore,
	rooms interfaces.RoomStore,
	sessions interfaces.SessionStore,
	messages interfaces.MessageStore,
	summaries interfaces.SummaryStore,
	usage interfaces.UsageStore,
) *ProjectionUsecase {
	return &ProjectionUsecase{
		owners:    owners,
		rooms:     rooms,
		sessions:  sessions,
		messages:  messages,
		summaries: summaries,
		usage:     usage,
	}
}

// Page clamps list paging parameters.
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (u *ProjectionUsecase) GetOwner(ctx context.Context, ownerID int64) (*entities.Owner, error) {
	return u.owners.GetByID(ctx, ownerID)
}

func (u *ProjectionUsecase) ListRooms(ctx context.Context, ownerID int64, limit, offset int) ([]entities.Room, error) {
	if _, err := u.owners.GetByID(ctx, ownerID); err != nil {
		return nil, err
	}
	limit, offset = Page(limit, offset)
	return u.rooms.ListByOwner(ctx, ownerID, limit, offset)
}

func (u *ProjectionUsecase) ListSessions(ctx context.Context, roomID int64, status entities.SessionStatus, limit, offset int) ([]entities.ChatSession, error) {
	switch status {
	case "", entities.SessionActive, entities.SessionSummarizing, entities.SessionClosed:
	default:
		return nil, fmt.Errorf("%w: unknown session status %q", entities.ErrInvalidArgument, status)
	}
	if _, err := u.rooms.GetByID(ctx, roomID); err != nil {
		return nil, err
	}
	limit, offset = Page(limit, offset)
	return u.sessions.ListByRoom(ctx, roomID, status, limit, offset)
}

func (u *ProjectionUsecase) GetSession(ctx context.Context, sessionID int64) (*entities.ChatSession, error) {
	return u.sessions.GetByID(ctx, sessionID)
}

func (u *ProjectionUsecase) ListMessages(ctx context.Context, sessionID int64) ([]entities.Message, error) {
	if _, err := u.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return u.messages.ListBySession(ctx, sessionID)
}

// GetSummary returns entities.ErrNotFound while the session has no summary.
func (u *ProjectionUsecase) GetSummary(ctx context.Context, sessionID int64) (*entities.Summary, error) {
	summary, err := u.summaries.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, entities.ErrNotFound
	}
	return summary, nil
}

func (u *ProjectionUsecase) UsageHistory(ctx context.Context, ownerID int64, days int) ([]entities.DailyUsage, error) {
	if days <= 0 || days > 366 {
		days = 30
	}
	return u.usage.History(ctx, ownerID, days)
}

// SessionExport bundles everything known about one session.
type SessionExport struct {
	Session  *entities.ChatSession `json:"session"`
	Room     *entities.Room        `json:"room,omitempty"`
	Messages []entities.Message    `json:"messages"`
	Summary  *entities.Summary     `json:"summary,omitempty"`
}

func (u *ProjectionUsecase) ExportSession(ctx context.Context, sessionID int64) (*SessionExport, error) {
	session, err := u.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := u.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		msgs = MessagesFromLog(session)
	}
	summary, err := u.summaries.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}

	export := &SessionExport{Session: session, Messages: msgs, Summary: summary}
	if room, err := u.rooms.GetByID(ctx, session.RoomID); err == nil {
		export.Room = room
	}
	return export, nil
}

var exportCSVHeader = []string{"session_id", "message_id", "sent_at", "direction", "type", "sender_id", "sender_name", "text", "media_status"}

// WriteCSV writes one row per message.
func (e *SessionExport) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportCSVHeader); err != nil {
		return err
	}
	sessionID := strconv.FormatInt(e.Session.ID, 10)
	for _, m := range e.Messages {
		status := m.MediaStatus
		if status == "" {
			status = entities.MediaNone
		}
		row := []string{
			sessionID,
			m.ExternalID,
			m.SentAt.UTC().Format(time.RFC3339),
			string(m.Direction),
			string(m.Type),
			m.SenderID,
			m.SenderName,
			m.Text,
			string(status),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
