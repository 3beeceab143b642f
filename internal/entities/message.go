package entities

import (
	"encoding/json"
	"strings"
	"time"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindOther MessageKind = "other"
)

type Direction string

const (
	DirectionUser   Direction = "user"
	DirectionBot    Direction = "bot"
	DirectionSystem Direction = "system"
)

type MediaStatus string

const (
	MediaNone   MediaStatus = "none"
	MediaStored MediaStatus = "stored"
	MediaFailed MediaStatus = "failed"
)

// MediaFailureMarker replaces binary content when an image could not be fetched.
const MediaFailureMarker = "[image download failed]"

// Payload is the closed set of message bodies: TextPayload, ImagePayload, OtherPayload.
type Payload interface {
	Kind() MessageKind
	// Preview is the single-line text used in the embedded log and transcripts.
	Preview() string
	sealed()
}

type TextPayload struct {
	Text string `json:"text"`
}

// ImagePayload references platform media. Data is set when the source already downloaded the bytes.
type ImagePayload struct {
	MediaID  string `json:"media_id"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

// OtherPayload covers stickers, files, locations and anything else the platform sends.
type OtherPayload struct {
	RawType  string    `json:"raw_type"`
	Text     string    `json:"text,omitempty"`
	Location *Location `json:"location,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

func (TextPayload) Kind() MessageKind  { return KindText }
func (ImagePayload) Kind() MessageKind { return KindImage }
func (OtherPayload) Kind() MessageKind { return KindOther }

func (p TextPayload) Preview() string { return p.Text }

func (p ImagePayload) Preview() string {
	if p.Caption != "" {
		return "[image] " + p.Caption
	}
	return "[image]"
}

func (p OtherPayload) Preview() string {
	switch {
	case p.Text != "":
		return p.Text
	case p.Location != nil && p.Location.Address != "":
		return "[location] " + p.Location.Address
	case p.RawType != "":
		return "[" + p.RawType + "]"
	default:
		return "[message]"
	}
}

func (TextPayload) sealed()  {}
func (ImagePayload) sealed() {}
func (OtherPayload) sealed() {}

// Message is the immutable, queryable record written alongside each embedded log append.
type Message struct {
	ID          int64       `json:"id"`
	ExternalID  string      `json:"external_id"`
	SessionID   int64       `json:"session_id"`
	RoomID      int64       `json:"room_id"`
	OwnerID     int64       `json:"owner_id"`
	Direction   Direction   `json:"direction"`
	Type        MessageKind `json:"type"`
	Text        string      `json:"text"`
	SenderID    string      `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	RoomName    string      `json:"room_name"`
	RoomType    RoomType    `json:"room_type"`
	IsGroup     bool        `json:"is_group"`
	MediaKey    string      `json:"media_key,omitempty"`
	MediaStatus MediaStatus `json:"media_status"`
	Latitude    *float64    `json:"latitude,omitempty"`
	Longitude   *float64    `json:"longitude,omitempty"`
	SentAt      time.Time   `json:"sent_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

// InboundEvent is a platform-neutral, already-authenticated event.
type InboundEvent struct {
	EventID        string
	Type           string // "message", "follow", "join", ...
	Timestamp      time.Time
	RoomExternalID string
	RoomType       RoomType
	RoomName       string
	SenderID       string
	SenderName     string
	Direction      Direction
	MessageID      string
	Payload        Payload
	Raw            json.RawMessage
	// DecodeError is set when the platform payload could not be decoded; the event is only recorded.
	DecodeError string
}

const (
	EventTypeMessage   = "message"
	EventTypeMalformed = "malformed"
)

// IsMessage reports whether the event carries a message that should be ingested.
func (e InboundEvent) IsMessage() bool {
	return strings.EqualFold(e.Type, EventTypeMessage) && e.Payload != nil && e.RoomExternalID != ""
}
