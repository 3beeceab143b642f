package entities

import "time"

type SummaryStatus string

const (
	SummaryProcessing SummaryStatus = "processing"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

// Analysis holds the structured fields requested from the provider.
type Analysis struct {
	Sentiment              string            `json:"sentiment"`
	Urgency                string            `json:"urgency"`
	Category               string            `json:"category"`
	ActionItems            []string          `json:"action_items"`
	ParticipantsAnalysis   map[string]string `json:"participants_analysis,omitempty"`
	ConversationHighlights []string          `json:"conversation_highlights"`
	FollowUpNeeded         bool              `json:"follow_up_needed"`
	Tags                   []string          `json:"tags"`
}

// Summary is the one-to-one result of summarizing a closed session.
type Summary struct {
	ID               int64         `json:"id"`
	SessionID        int64         `json:"session_id"`
	RoomID           int64         `json:"room_id"`
	OwnerID          int64         `json:"owner_id"`
	Status           SummaryStatus `json:"status"`
	Content          string        `json:"content"`
	KeyTopics        []string      `json:"key_topics"`
	Analysis         Analysis      `json:"analysis"`
	Degraded         bool          `json:"degraded"` // produced by the keyword fallback, not the provider schema
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	LatencyMs        int64         `json:"latency_ms"`
	EstimatedCost    float64       `json:"estimated_cost"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the summary reached completed or failed.
func (s *Summary) IsTerminal() bool {
	return s.Status == SummaryCompleted || s.Status == SummaryFailed
}
