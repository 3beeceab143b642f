package entities

import (
	"encoding/json"
	"time"
)

// RawEvent is the append-only audit copy of an inbound platform event.
type RawEvent struct {
	EventID      string          `json:"event_id"`
	ChannelID    string          `json:"channel_id"`
	Platform     Platform        `json:"platform"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Normalized   json.RawMessage `json:"normalized"`
	ReceivedAt   time.Time       `json:"received_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ProcessError string          `json:"process_error,omitempty"`
	Attempts     int             `json:"attempts"`
}

// DeliveryReport counts what happened to the events of one webhook delivery.
type DeliveryReport struct {
	Received   int `json:"received"`
	Processed  int `json:"processed"`
	Ignored    int `json:"ignored"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// StoredEvent is the normalized form of an InboundEvent kept next to the raw payload for replay.
type StoredEvent struct {
	EventID        string        `json:"event_id"`
	Type           string        `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	RoomExternalID string        `json:"room_external_id"`
	RoomType       RoomType      `json:"room_type"`
	RoomName       string        `json:"room_name,omitempty"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Direction      Direction     `json:"direction"`
	MessageID      string        `json:"message_id,omitempty"`
	Kind           MessageKind   `json:"kind,omitempty"`
	Text           *TextPayload  `json:"text,omitempty"`
	Image          *ImagePayload `json:"image,omitempty"`
	Other          *OtherPayload `json:"other,omitempty"`
	DecodeError    string        `json:"decode_error,omitempty"`
}

func NewStoredEvent(e InboundEvent) StoredEvent {
	s := StoredEvent{
		EventID:        e.EventID,
		Type:           e.Type,
		Timestamp:      e.Timestamp,
		RoomExternalID: e.RoomExternalID,
		RoomType:       e.RoomType,
		RoomName:       e.RoomName,
		SenderID:       e.SenderID,
		SenderName:     e.SenderName,
		Direction:      e.Direction,
		MessageID:      e.MessageID,
		DecodeError:    e.DecodeError,
	}
	switch p := e.Payload.(type) {
	case TextPayload:
		s.Kind, s.Text = KindText, &p
	case ImagePayload:
		s.Kind, s.Image = KindImage, &p
	case OtherPayload:
		s.Kind, s.Other = KindOther, &p
	}
	return s
}

// Event rebuilds the InboundEvent; inline image bytes are not persisted and must be fetched again.
func (s StoredEvent) Event(raw json.RawMessage) InboundEvent {
	e := InboundEvent{
		EventID:        s.EventID,
		Type:           s.Type,
		Timestamp:      s.Timestamp,
		RoomExternalID: s.RoomExternalID,
		RoomType:       s.RoomType,
		RoomName:       s.RoomName,
		SenderID:       s.SenderID,
		SenderName:     s.SenderName,
		Direction:      s.Direction,
		MessageID:      s.MessageID,
		DecodeError:    s.DecodeError,
		Raw:            raw,
	}
	switch s.Kind {
	case KindText:
		if s.Text != nil {
			e.Payload = *s.Text
		}
	case KindImage:
		if s.Image != nil {
			e.Payload = *s.Image
		}
	case KindOther:
		if s.Other != nil {
			e.Payload = *s.Other
		}
	}
	return e
}
