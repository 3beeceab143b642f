package usecases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

type SessionConfig struct {
	MessageThreshold int
	TimeThreshold    time.Duration
}

// DefaultSessionConfig closes a session at 50 logged messages or after 24 hours.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{MessageThreshold: 50, TimeThreshold: 24 * time.Hour}
}

// SessionCloser finishes a session that was moved to summarizing.
type SessionCloser interface {
	SummarizeAndClose(ctx context.Context, session *entities.ChatSession) *entities.Summary
}

// SessionManager owns the active → summarizing → closed lifecycle of room sessions.
// Single-active-session is enforced by the store (partial unique index + CAS updates).
type SessionManager struct {
	sessions interfaces.SessionStore
	rooms    interfaces.RoomStore
	closer   SessionCloser
	cfg      SessionConfig
	now      func() time.Time
	log      zerolog.Logger
}

func NewSessionManager(sessions interfaces.SessionStore, rooms interfaces.RoomStore, closer SessionCloser, cfg SessionConfig) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		rooms:    rooms,
		closer:   closer,
		cfg:      cfg,
		now:      time.Now,
		log:      infrastructure.Component("session"),
	}
}

// GetOrCreateActive returns the room's active session, starting one when there is none.
func (m *SessionManager) GetOrCreateActive(ctx context.Context, room *entities.Room) (*entities.ChatSession, error) {
	session, err := m.sessions.FindActive(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	session = &entities.ChatSession{
		OwnerID:   room.OwnerID,
		RoomID:    room.ID,
		StartTime: m.now().UTC(),
	}
	err = m.sessions.CreateActive(ctx, session)
	if errors.Is(err, entities.ErrConflict) {
		session, err = m.sessions.FindActive(ctx, room.ID)
		if err == nil && session == nil {
			err = fmt.Errorf("active session for room %d conflicted but cannot be read back", room.ID)
		}
		return session, err
	}
	if err != nil {
		return nil, fmt.Errorf("create session for room %d: %w", room.ID, err)
	}

	if err := m.rooms.IncrementSessions(ctx, room.ID); err != nil {
		m.log.Warn().Err(err).Int64(infrastructure.FieldRoomID, room.ID).Msg("failed to bump room session count")
	}
	m.log.Debug().Int64(infrastructure.FieldRoomID, room.ID).Int64(infrastructure.FieldSessionID, session.ID).Msg("session started")
	return session, nil
}

// Append adds entry to the room's active session. A session that left active between lookup
// and append is replaced by a fresh lookup once. An entry already in the log yields the
// session together with entities.ErrDuplicateEntry.
func (m *SessionManager) Append(ctx context.Context, room *entities.Room, entry entities.LogEntry) (*entities.ChatSession, *entities.AppendResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		session, err := m.GetOrCreateActive(ctx, room)
		if err != nil {
			return nil, nil, err
		}
		res, err := m.sessions.AppendLog(ctx, session.ID, entry, entities.MaxLogEntries)
		if errors.Is(err, entities.ErrSessionNotActive) {
			lastErr = err
			continue
		}
		if errors.Is(err, entities.ErrDuplicateEntry) {
			return session, nil, err
		}
		if err != nil {
			return nil, nil, err
		}
		return session, res, nil
	}
	return nil, nil, fmt.Errorf("append to room %d: %w", room.ID, lastErr)
}

// Evaluate reports whether the session must close after an append, and why.
func (m *SessionManager) Evaluate(res *entities.AppendResult) (entities.CloseReason, bool) {
	switch {
	case m.cfg.MessageThreshold > 0 && res.LogSize >= m.cfg.MessageThreshold:
		return entities.CloseMessageThreshold, true
	case res.LogSize >= entities.MaxLogEntries:
		return entities.CloseLogCap, true
	case m.cfg.TimeThreshold > 0 && m.now().Sub(res.StartTime) >= m.cfg.TimeThreshold:
		return entities.CloseTimeThreshold, true
	}
	return "", false
}

// Close moves the session to summarizing and runs the closer. It returns nil when another
// caller already claimed the session.
func (m *SessionManager) Close(ctx context.Context, session *entities.ChatSession, reason entities.CloseReason) (*entities.Summary, error) {
	won, err := m.sessions.MarkSummarizing(ctx, session.ID, reason)
	if err != nil {
		return nil, err
	}
	if !won {
		m.log.Debug().Int64(infrastructure.FieldSessionID, session.ID).Msg("session already claimed for close")
		return nil, nil
	}

	session.Status = entities.SessionSummarizing
	session.CloseReason = reason
	m.log.Info().
		Int64(infrastructure.FieldSessionID, session.ID).
		Int64(infrastructure.FieldRoomID, session.RoomID).
		Str("reason", string(reason)).
		Msg("closing session")

	// A dropped webhook client must not strand the session in summarizing.
	return m.closer.SummarizeAndClose(context.WithoutCancel(ctx), session), nil
}
