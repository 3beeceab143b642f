package usecases

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"project_chatdigest/internal/entities"
)

const transcriptTimeLayout = "2006-01-02 15:04"

// Speaker placeholders used when a message carries no usable name.
const (
	speakerBot    = "Bot"
	speakerSystem = "System"
	speakerUser   = "User"
)

// SessionMeta is the context handed to the provider next to the transcript.
type SessionMeta struct {
	SessionID    int64
	RoomName     string
	RoomType     entities.RoomType
	StartTime    time.Time
	EndTime      time.Time
	MessageCount int
	Participants []string
}

func speakerName(m entities.Message) string {
	switch m.Direction {
	case entities.DirectionBot:
		return speakerBot
	case entities.DirectionSystem:
		return speakerSystem
	}
	if name := strings.TrimSpace(m.SenderName); name != "" {
		return name
	}
	return speakerUser
}

// MessagesFromLog rebuilds minimal records from the embedded log when no Message rows exist.
func MessagesFromLog(session *entities.ChatSession) []entities.Message {
	msgs := make([]entities.Message, 0, len(session.Log))
	for _, e := range session.Log {
		msgs = append(msgs, entities.Message{
			ExternalID: e.MessageID,
			SessionID:  session.ID,
			RoomID:     session.RoomID,
			OwnerID:    session.OwnerID,
			Direction:  e.Direction,
			Type:       e.Type,
			Text:       e.Text,
			SenderID:   e.SenderID,
			SenderName: e.SenderName,
			SentAt:     e.Timestamp,
		})
	}
	return msgs
}

// BuildTranscript renders one "[time] Speaker: text" line per message in send order.
func BuildTranscript(msgs []entities.Message, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	ordered := make([]entities.Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SentAt.Before(ordered[j].SentAt) })

	var b strings.Builder
	for _, m := range ordered {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			text = "[" + string(m.Type) + "]"
		}
		text = strings.ReplaceAll(text, "\n", " ")
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.In(loc).Format(transcriptTimeLayout), speakerName(m), text)
	}
	return b.String()
}

// Participants lists distinct speaker names in order of first appearance.
func Participants(msgs []entities.Message) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range msgs {
		name := speakerName(m)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

const summaryPromptTemplate = `You are analyzing a chat conversation. Summarize it and return ONLY a JSON object, no prose and no markdown.

Conversation metadata:
- Session: %d
- Room: %s (%s)
- Period: %s to %s
- Messages: %d
- Participants: %s

Transcript:
%s
Return exactly this JSON schema:
{
  "summary": "2-4 sentence summary of the conversation",
  "key_topics": ["topic", "..."],
  "sentiment": "positive | neutral | negative | mixed",
  "urgency": "low | medium | high",
  "category": "short category label",
  "action_items": ["action", "..."],
  "participants_analysis": {"participant name": "role and behaviour in one sentence"},
  "conversation_highlights": ["notable moment", "..."],
  "follow_up_needed": true,
  "tags": ["tag", "..."]
}`

// BuildPrompt embeds the transcript, session metadata and the expected output schema.
func BuildPrompt(meta SessionMeta, transcript string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	roomName := meta.RoomName
	if roomName == "" {
		roomName = "unnamed room"
	}
	participants := strings.Join(meta.Participants, ", ")
	if participants == "" {
		participants = "unknown"
	}
	return fmt.Sprintf(summaryPromptTemplate,
		meta.SessionID,
		roomName, meta.RoomType,
		meta.StartTime.In(loc).Format(transcriptTimeLayout), meta.EndTime.In(loc).Format(transcriptTimeLayout),
		meta.MessageCount,
		participants,
		transcript,
	)
}

// ApproxTokens estimates tokens as one per four bytes when the provider reports no usage.
func ApproxTokens(s string) int {
	return len(s) / 4
}

// EstimateCost splits total tokens evenly between input and output rates (per 1K tokens).
// Advisory only.
func EstimateCost(totalTokens int, inputPer1K, outputPer1K float64) float64 {
	half := float64(totalTokens) / 2
	return half/1000*inputPer1K + half/1000*outputPer1K
}
