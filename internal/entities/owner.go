package entities

import "time"

// Platform identifies the messaging channel family an owner is bound to.
type Platform string

const (
	PlatformGeneric  Platform = "generic"
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
)

// Owner is the tenant bound to one messaging channel.
type Owner struct {
	ID           int64     `json:"id"`
	ChannelID    string    `json:"channel_id"`
	Platform     Platform  `json:"platform"`
	Name         string    `json:"name"`
	AccessToken  string    `json:"-"` // channel credential, never projected
	MessageCount int64     `json:"message_count"`
	SessionCount int64     `json:"session_count"`
	SummaryCount int64     `json:"summary_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DailyUsage is one row of per-owner usage counters.
type DailyUsage struct {
	Date               time.Time `json:"date"`
	MessagesReceived   int       `json:"messages_received"`
	SessionsClosed     int       `json:"sessions_closed"`
	SummariesCompleted int       `json:"summaries_completed"`
	TokensUsed         int       `json:"tokens_used"`
}
