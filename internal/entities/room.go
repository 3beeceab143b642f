package entities

import "time"

type RoomType string

const (
	RoomTypeUser  RoomType = "user"
	RoomTypeGroup RoomType = "group"
	RoomTypeRoom  RoomType = "room"
)

// IsGroup reports whether more than one human can speak in the room.
func (t RoomType) IsGroup() bool {
	return t == RoomTypeGroup || t == RoomTypeRoom
}

// Room is one conversation endpoint, unique per (owner, external id).
type Room struct {
	ID             int64     `json:"id"`
	OwnerID        int64     `json:"owner_id"`
	ExternalID     string    `json:"external_id"`
	DisplayName    string    `json:"display_name"`
	Type           RoomType  `json:"type"`
	MessageCount   int64     `json:"message_count"`
	SessionCount   int64     `json:"session_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}
