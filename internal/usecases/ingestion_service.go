package usecases

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

// IngestResult describes what one message did to its room.
type IngestResult struct {
	Room    *entities.Room
	Session *entities.ChatSession
	Message *entities.Message
	Closed  bool
	Summary *entities.Summary
	// Duplicate is set when the message was already ingested by an earlier attempt.
	Duplicate bool
}

// IngestionService writes one inbound message into its room's active session.
type IngestionService struct {
	resolver *IdentityResolver
	sessions *SessionManager
	messages interfaces.MessageStore
	fetcher  interfaces.MediaFetcher
	store    interfaces.MediaStore
	usage    interfaces.UsageStore
	now      func() time.Time
	log      zerolog.Logger
}

func NewIngestionService(
	resolver *IdentityResolver,
	sessions *SessionManager,
	messages interfaces.MessageStore,
	fetcher interfaces.MediaFetcher,
	store interfaces.MediaStore,
	usage interfaces.UsageStore,
) *IngestionService {
	return &IngestionService{
		resolver: resolver,
		sessions: sessions,
		messages: messages,
		fetcher:  fetcher,
		store:    store,
		usage:    usage,
		now:      time.Now,
		log:      infrastructure.Component("ingestion"),
	}
}

// Ingest appends the message to the embedded log, writes the Message record and closes the
// session when a trigger fires. Media problems never fail ingestion. Re-ingesting a message
// that is already recorded changes nothing, so failed events can be replayed.
func (s *IngestionService) Ingest(ctx context.Context, owner *entities.Owner, event entities.InboundEvent) (*IngestResult, error) {
	if !event.IsMessage() {
		return nil, fmt.Errorf("event %s is not a message", event.EventID)
	}

	sentAt := event.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	sentAt = sentAt.UTC()

	if dup, err := s.alreadyRecorded(ctx, owner, event); err != nil || dup != nil {
		return dup, err
	}

	room, err := s.resolver.ResolveRoom(ctx, owner, event.RoomExternalID, event.RoomName, event.RoomType, sentAt)
	if err != nil {
		return nil, fmt.Errorf("resolve room: %w", err)
	}

	msg := s.buildMessage(ctx, owner, room, event, sentAt)

	entry := entities.LogEntry{
		MessageID:  msg.ExternalID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Direction:  msg.Direction,
		Type:       msg.Type,
		Text:       msg.Text,
		Timestamp:  sentAt,
	}
	session, res, err := s.sessions.Append(ctx, room, entry)
	if errors.Is(err, entities.ErrDuplicateEntry) {
		return s.repairRecord(ctx, room, session, msg)
	}
	if err != nil {
		s.discardMedia(ctx, msg)
		return nil, fmt.Errorf("append to session: %w", err)
	}

	result := &IngestResult{Room: room, Session: session, Message: msg}
	logger := s.log.With().
		Int64(infrastructure.FieldRoomID, room.ID).
		Int64(infrastructure.FieldSessionID, session.ID).
		Str("message_id", msg.ExternalID).
		Logger()

	// The log entry is already in; a failed record write must not skip trigger evaluation.
	msg.SessionID = session.ID
	var insertErr error
	if err := s.messages.Insert(ctx, msg); err != nil {
		// Only the record references the blob.
		s.discardMedia(ctx, msg)
		if !errors.Is(err, entities.ErrConflict) {
			insertErr = fmt.Errorf("persist message: %w", err)
			logger.Error().Err(err).Msg("message record not persisted")
		}
	}

	if err := s.usage.RecordMessage(ctx, owner.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to record message usage")
	}

	if reason, ok := s.sessions.Evaluate(res); ok {
		summary, err := s.sessions.Close(ctx, session, reason)
		if err != nil {
			logger.Error().Err(err).Msg("failed to close session")
			return result, errors.Join(insertErr, fmt.Errorf("close session: %w", err))
		}
		result.Closed = summary != nil
		result.Summary = summary
	}

	return result, insertErr
}

func externalMessageID(event entities.InboundEvent) string {
	if event.MessageID != "" {
		return event.MessageID
	}
	return event.EventID
}

// alreadyRecorded returns a Duplicate result when the room already holds this message.
func (s *IngestionService) alreadyRecorded(ctx context.Context, owner *entities.Owner, event entities.InboundEvent) (*IngestResult, error) {
	room, err := s.resolver.FindRoom(ctx, owner, event.RoomExternalID)
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	if room == nil {
		return nil, nil
	}
	exists, err := s.messages.Exists(ctx, room.ID, externalMessageID(event))
	if err != nil {
		return nil, fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return nil, nil
	}
	return &IngestResult{Room: room, Duplicate: true}, nil
}

// repairRecord writes the Message record for an entry that reached the log on an earlier
// attempt whose record write failed. Counters and triggers already ran for that entry.
func (s *IngestionService) repairRecord(ctx context.Context, room *entities.Room, session *entities.ChatSession, msg *entities.Message) (*IngestResult, error) {
	msg.SessionID = session.ID
	err := s.messages.Insert(ctx, msg)
	if err != nil {
		s.discardMedia(ctx, msg)
	}
	if err != nil && !errors.Is(err, entities.ErrConflict) {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return &IngestResult{Room: room, Session: session, Message: msg, Duplicate: true}, nil
}

// discardMedia removes a blob stored for a message that never got a record.
func (s *IngestionService) discardMedia(ctx context.Context, msg *entities.Message) {
	if msg.MediaKey == "" || s.store == nil {
		return
	}
	if err := s.store.Delete(context.WithoutCancel(ctx), msg.MediaKey); err != nil {
		s.log.Warn().Err(err).Str("media_key", msg.MediaKey).Msg("failed to discard orphaned media")
		return
	}
	msg.MediaKey = ""
}

// buildMessage maps the payload onto a Message record; images are fetched and stored here.
func (s *IngestionService) buildMessage(ctx context.Context, owner *entities.Owner, room *entities.Room, event entities.InboundEvent, sentAt time.Time) *entities.Message {
	externalID := externalMessageID(event)
	direction := event.Direction
	if direction == "" {
		direction = entities.DirectionUser
	}

	msg := &entities.Message{
		ExternalID:  externalID,
		RoomID:      room.ID,
		OwnerID:     owner.ID,
		Direction:   direction,
		Type:        event.Payload.Kind(),
		SenderID:    event.SenderID,
		SenderName:  event.SenderName,
		RoomName:    room.DisplayName,
		RoomType:    room.Type,
		IsGroup:     room.Type.IsGroup(),
		MediaStatus: entities.MediaNone,
		SentAt:      sentAt,
	}

	switch p := event.Payload.(type) {
	case entities.TextPayload:
		msg.Text = p.Text
	case entities.ImagePayload:
		key, err := s.storeImage(ctx, owner, room, externalID, p)
		if err != nil {
			s.log.Warn().Err(err).Int64(infrastructure.FieldRoomID, room.ID).Str("message_id", externalID).Msg("image unavailable")
			msg.Text = entities.MediaFailureMarker
			if p.Caption != "" {
				msg.Text += " " + p.Caption
			}
			msg.MediaStatus = entities.MediaFailed
		} else {
			msg.Text = p.Preview()
			msg.MediaKey = key
			msg.MediaStatus = entities.MediaStored
		}
	case entities.OtherPayload:
		msg.Text = p.Preview()
		if p.Location != nil {
			lat, lng := p.Location.Latitude, p.Location.Longitude
			msg.Latitude, msg.Longitude = &lat, &lng
		}
	}
	return msg
}

func (s *IngestionService) storeImage(ctx context.Context, owner *entities.Owner, room *entities.Room, messageID string, image entities.ImagePayload) (string, error) {
	if s.fetcher == nil || s.store == nil {
		return "", errors.New("media fetch is not configured")
	}
	media, err := s.fetcher.Fetch(ctx, owner, image)
	if err != nil {
		return "", err
	}
	if len(media.Data) == 0 {
		return "", errors.New("empty media body")
	}

	key := fmt.Sprintf("%d/%d/%s%s", owner.ID, room.ID, uuid.NewString(), extensionFor(media.ContentType))
	if err := s.store.Put(ctx, key, media.Data, media.ContentType); err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return key, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
