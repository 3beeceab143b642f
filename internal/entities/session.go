package entities

import "time"

// MaxLogEntries caps the embedded message log of a session.
const MaxLogEntries = 100

type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionSummarizing SessionStatus = "summarizing"
	SessionClosed      SessionStatus = "closed"
)

type CloseReason string

const (
	CloseMessageThreshold CloseReason = "message_threshold"
	CloseLogCap           CloseReason = "log_cap"
	CloseTimeThreshold    CloseReason = "time_threshold"
	CloseReconciled       CloseReason = "reconciled_duplicate"
	CloseInterrupted      CloseReason = "summarization_interrupted"
)

// LogEntry is one compact element of the embedded message log.
type LogEntry struct {
	MessageID  string      `json:"message_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	Direction  Direction   `json:"direction"`
	Type       MessageKind `json:"type"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ChatSession is the bounded conversation unit of one room.
type ChatSession struct {
	ID           int64         `json:"id"`
	OwnerID      int64         `json:"owner_id"`
	RoomID       int64         `json:"room_id"`
	Status       SessionStatus `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	MessageCount int           `json:"message_count"`
	Log          []LogEntry    `json:"message_log"`
	SummaryID    *int64        `json:"summary_id,omitempty"`
	CloseReason  CloseReason   `json:"close_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AppendResult is the session state observed right after an append.
type AppendResult struct {
	LogSize      int
	MessageCount int
	StartTime    time.Time
}
