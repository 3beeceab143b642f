package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

// ConvertTelegramUpdate normalizes a Telegram update. Updates without a message become
// non-message events so they are still recorded.
func ConvertTelegramUpdate(channelID string, update tgbotapi.Update) entities.InboundEvent {
	raw, _ := json.Marshal(update)
	event := entities.InboundEvent{
		EventID:   fmt.Sprintf("tg:%s:%d", channelID, update.UpdateID),
		Type:      telegramUpdateType(update),
		Timestamp: time.Now().UTC(),
		Direction: entities.DirectionUser,
		Raw:       raw,
	}

	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return event
	}

	event.Type = entities.EventTypeMessage
	event.Timestamp = time.Unix(int64(msg.Date), 0).UTC()
	event.MessageID = strconv.Itoa(msg.MessageID)
	event.RoomExternalID = strconv.FormatInt(msg.Chat.ID, 10)
	event.RoomType = telegramRoomType(msg.Chat)
	event.RoomName = telegramChatName(msg.Chat)

	if msg.From != nil {
		event.SenderID = strconv.FormatInt(msg.From.ID, 10)
		event.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if event.SenderName == "" {
			event.SenderName = msg.From.UserName
		}
		if msg.From.IsBot {
			event.Direction = entities.DirectionBot
		}
	} else {
		// Channel posts carry no author
		event.SenderID = event.RoomExternalID
		event.SenderName = event.RoomName
	}

	event.Payload = telegramPayload(msg)
	return event
}

func telegramUpdateType(update tgbotapi.Update) string {
	switch {
	case update.Message != nil, update.ChannelPost != nil:
		return entities.EventTypeMessage
	case update.EditedMessage != nil, update.EditedChannelPost != nil:
		return "edited_message"
	case update.CallbackQuery != nil:
		return "callback_query"
	case update.MyChatMember != nil, update.ChatMember != nil:
		return "member"
	default:
		return "update"
	}
}

func telegramRoomType(chat *tgbotapi.Chat) entities.RoomType {
	switch chat.Type {
	case "group", "supergroup":
		return entities.RoomTypeGroup
	case "channel":
		return entities.RoomTypeRoom
	default:
		return entities.RoomTypeUser
	}
}

func telegramChatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if name := strings.TrimSpace(chat.FirstName + " " + chat.LastName); name != "" {
		return name
	}
	return chat.UserName
}

func telegramPayload(msg *tgbotapi.Message) entities.Payload {
	switch {
	case msg.Text != "":
		return entities.TextPayload{Text: msg.Text}
	case len(msg.Photo) > 0:
		// Photo sizes are ascending; the last one is the original
		largest := msg.Photo[len(msg.Photo)-1]
		return entities.ImagePayload{MediaID: largest.FileID, Caption: msg.Caption, MimeType: "image/jpeg"}
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		return entities.ImagePayload{MediaID: msg.Document.FileID, Caption: msg.Caption, MimeType: msg.Document.MimeType}
	case msg.Venue != nil:
		return entities.OtherPayload{RawType: "location", Text: msg.Venue.Title, Location: &entities.Location{
			Latitude: msg.Venue.Location.Latitude, Longitude: msg.Venue.Location.Longitude, Address: msg.Venue.Address,
		}}
	case msg.Location != nil:
		return entities.OtherPayload{RawType: "location", Location: &entities.Location{
			Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude,
		}}
	case msg.Sticker != nil:
		return entities.OtherPayload{RawType: "sticker", Text: msg.Sticker.Emoji}
	case msg.Document != nil:
		return entities.OtherPayload{RawType: "file", Text: msg.Document.FileName}
	case msg.Voice != nil, msg.Audio != nil:
		return entities.OtherPayload{RawType: "audio", Text: msg.Caption}
	case msg.Video != nil:
		return entities.OtherPayload{RawType: "video", Text: msg.Caption}
	default:
		return entities.OtherPayload{RawType: "unsupported", Text: msg.Caption}
	}
}

type telegramFileLinker interface {
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramMediaFetcher resolves a Telegram file id through the owner's bot and downloads it.
type TelegramMediaFetcher struct {
	bots   func(owner *entities.Owner) (telegramFileLinker, error)
	client *http.Client
}

func NewTelegramMediaFetcher(manager *TelegramBotManager, timeout time.Duration) *TelegramMediaFetcher {
	return &TelegramMediaFetcher{
		bots: func(owner *entities.Owner) (telegramFileLinker, error) {
			return manager.BotFor(owner.ChannelID, owner.AccessToken)
		},
		client: &http.Client{Timeout: timeout},
	}
}

func (f *TelegramMediaFetcher) Fetch(ctx context.Context, owner *entities.Owner, image entities.ImagePayload) (*interfaces.Media, error) {
	bot, err := f.bots(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	fileURL, err := bot.GetFileDirectURL(image.MediaID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve telegram file: %v", ErrMediaUnavailable, err)
	}
	return downloadMedia(ctx, f.client, fileURL, "")
}
