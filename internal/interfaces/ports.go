package interfaces

import (
	"context"
	"time"

	"project_chatdigest/internal/entities"
)

// Completion is one provider answer with the usage the provider reported (zero when unknown).
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

type AIClient interface {
	Generate(ctx context.Context, prompt string) (*Completion, error)
}

// Media is a downloaded attachment.
type Media struct {
	Data        []byte
	ContentType string
}

type MediaFetcher interface {
	Fetch(ctx context.Context, owner *entities.Owner, image entities.ImagePayload) (*Media, error)
}

type MediaStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Delete removes key; a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// EventSink receives normalized events from any channel source.
type EventSink interface {
	ProcessDelivery(ctx context.Context, channelID string, platform entities.Platform, events []entities.InboundEvent) entities.DeliveryReport
}

// Store ports. Lookups return (nil, nil) when nothing matches unless documented otherwise;
// inserts rejected by a unique index return entities.ErrConflict.

type OwnerStore interface {
	FindByChannel(ctx context.Context, channelID string) (*entities.Owner, error)
	Create(ctx context.Context, owner *entities.Owner) error
	UpdateCredentials(ctx context.Context, ownerID int64, accessToken string) error
	GetByID(ctx context.Context, id int64) (*entities.Owner, error) // entities.ErrNotFound
}

type UsageStore interface {
	RecordMessage(ctx context.Context, ownerID int64) error
	RecordSessionClosed(ctx context.Context, ownerID int64) error
	RecordSummary(ctx context.Context, ownerID int64, tokens int) error
	History(ctx context.Context, ownerID int64, days int) ([]entities.DailyUsage, error)
}

type RoomStore interface {
	FindByExternalID(ctx context.Context, ownerID int64, externalID string) (*entities.Room, error)
	Create(ctx context.Context, room *entities.Room) error
	// Touch refreshes activity statistics and returns the updated room.
	Touch(ctx context.Context, roomID int64, displayName string, at time.Time) (*entities.Room, error)
	IncrementSessions(ctx context.Context, roomID int64) error
	GetByID(ctx context.Context, id int64) (*entities.Room, error) // entities.ErrNotFound
	ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]entities.Room, error)
}

type SessionStore interface {
	FindActive(ctx context.Context, roomID int64) (*entities.ChatSession, error)
	CreateActive(ctx context.Context, session *entities.ChatSession) error
	// AppendLog adds entry while the log holds fewer than limit entries; entities.ErrSessionNotActive
	// when the session already left the active state, entities.ErrDuplicateEntry when the log
	// already holds entry.MessageID.
	AppendLog(ctx context.Context, sessionID int64, entry entities.LogEntry, limit int) (*entities.AppendResult, error)
	// MarkSummarizing moves active → summarizing; false when another caller already did.
	MarkSummarizing(ctx context.Context, sessionID int64, reason entities.CloseReason) (bool, error)
	// Close moves the session to closed unconditionally, keeping an earlier close reason.
	Close(ctx context.Context, sessionID int64, reason entities.CloseReason, summaryID *int64, at time.Time) error
	GetByID(ctx context.Context, id int64) (*entities.ChatSession, error) // entities.ErrNotFound
	ListByRoom(ctx context.Context, roomID int64, status entities.SessionStatus, limit, offset int) ([]entities.ChatSession, error)
	ListActiveByRoom(ctx context.Context, roomID int64) ([]entities.ChatSession, error)
	RoomsWithDuplicateActive(ctx context.Context) ([]int64, error)
	ListSummarizingBefore(ctx context.Context, before time.Time) ([]entities.ChatSession, error)
}

type MessageStore interface {
	// Insert returns entities.ErrConflict when the room already has a message with the same external id.
	Insert(ctx context.Context, msg *entities.Message) error
	Exists(ctx context.Context, roomID int64, externalID string) (bool, error)
	ListBySession(ctx context.Context, sessionID int64) ([]entities.Message, error)
}

type SummaryStore interface {
	CreateProcessing(ctx context.Context, summary *entities.Summary) error
	// Finalize writes the terminal state; entities.ErrNotFound when the summary is no longer processing.
	Finalize(ctx context.Context, summary *entities.Summary) error
	GetBySession(ctx context.Context, sessionID int64) (*entities.Summary, error)
}

type RawEventStore interface {
	// Insert returns false when the event id was already stored.
	Insert(ctx context.Context, event *entities.RawEvent) (bool, error)
	// MarkProcessed settles the event; processErr records why it was settled without ingestion.
	MarkProcessed(ctx context.Context, eventID string, processErr string, at time.Time) error
	// RecordFailure keeps the event unprocessed for replay and counts the attempt.
	RecordFailure(ctx context.Context, eventID string, processErr string) error
	// ListUnprocessed returns unsettled events received at or after since with fewer than maxAttempts failures.
	ListUnprocessed(ctx context.Context, since time.Time, maxAttempts, limit int) ([]entities.RawEvent, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
