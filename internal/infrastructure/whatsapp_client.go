package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"project_chatdigest/internal/entities"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

type WhatsAppClient struct {
	Client    *whatsmeow.Client
	ChannelID string

	qrCode string
	qrLock sync.RWMutex
	log    zerolog.Logger
}

func NewWhatsAppClient(ctx context.Context, dbPath, channelID string) (*WhatsAppClient, error) {
	logger := Component("whatsapp").With().Str(FieldChannel, channelID).Logger()

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", zerologWA{logger.With().Str("module", "Database").Logger()})
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, zerologWA{logger.With().Str("module", "Client").Logger()})

	return &WhatsAppClient{
		Client:    client,
		ChannelID: channelID,
		log:       logger,
	}, nil
}

func (w *WhatsAppClient) Connect(ctx context.Context) error {
	if w.Client.Store.ID != nil {
		if err := w.Client.Connect(); err != nil {
			return err
		}
		w.log.Info().Msg("connected (existing session)")
		return nil
	}

	// No ID stored, new login
	qrChan, err := w.Client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := w.Client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event == whatsmeow.QRChannelEventCode {
			w.qrLock.Lock()
			w.qrCode = evt.Code
			w.qrLock.Unlock()
			w.log.Info().Msg("new pairing QR code available")
		} else {
			w.log.Info().Str("event", evt.Event).Msg("login event")
		}
	}
}

func (w *WhatsAppClient) GetQR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

func (w *WhatsAppClient) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

// IsConnected returns true if client is connected and logged in
func (w *WhatsAppClient) IsConnected() bool {
	return w.Client.IsConnected() && w.Client.Store.ID != nil
}

// GetPhoneNumber returns the connected phone number
func (w *WhatsAppClient) GetPhoneNumber() string {
	if w.Client.Store.ID == nil {
		return ""
	}
	return w.Client.Store.ID.User
}

// Logout clears the pairing and reconnects so a fresh QR is issued.
func (w *WhatsAppClient) Logout(ctx context.Context) error {
	w.qrLock.Lock()
	w.qrCode = ""
	w.qrLock.Unlock()

	if err := w.Client.Logout(ctx); err != nil {
		return err
	}
	w.Client.Disconnect()

	qrChan, err := w.Client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := w.Client.Connect(); err != nil {
		w.log.Error().Err(err).Msg("failed to reconnect after logout")
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) Disconnect() {
	w.Client.Disconnect()
}

func (w *WhatsAppClient) AddHandler(handler func(interface{})) {
	w.Client.AddEventHandler(handler)
}

// DownloadImage fetches and decrypts the image attached to a message.
func (w *WhatsAppClient) DownloadImage(ctx context.Context, img *waProto.ImageMessage) ([]byte, error) {
	return w.Client.Download(ctx, img)
}

// ConvertWhatsAppMessage normalizes a whatsmeow message event.
func ConvertWhatsAppMessage(channelID string, evt *events.Message) entities.InboundEvent {
	info := evt.Info
	event := entities.InboundEvent{
		EventID:        fmt.Sprintf("wa:%s:%s", channelID, info.ID),
		Type:           entities.EventTypeMessage,
		Timestamp:      info.Timestamp.UTC(),
		RoomExternalID: info.Chat.String(),
		RoomType:       entities.RoomTypeUser,
		SenderID:       info.Sender.User,
		SenderName:     info.PushName,
		Direction:      entities.DirectionUser,
		MessageID:      info.ID,
	}
	if info.IsGroup {
		event.RoomType = entities.RoomTypeGroup
	} else {
		event.RoomName = info.PushName
	}
	if info.IsFromMe {
		event.Direction = entities.DirectionBot
	}

	event.Payload = whatsAppPayload(evt.Message)
	return event
}

func whatsAppPayload(msg *waProto.Message) entities.Payload {
	if msg == nil {
		return entities.OtherPayload{RawType: "unsupported"}
	}
	switch {
	case msg.GetConversation() != "":
		return entities.TextPayload{Text: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		return entities.TextPayload{Text: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return entities.ImagePayload{
			MediaID:  img.GetDirectPath(),
			Caption:  img.GetCaption(),
			MimeType: img.GetMimetype(),
		}
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		return entities.OtherPayload{RawType: "location", Text: loc.GetName(), Location: &entities.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Address:   loc.GetAddress(),
		}}
	case msg.GetStickerMessage() != nil:
		return entities.OtherPayload{RawType: "sticker"}
	case msg.GetDocumentMessage() != nil:
		return entities.OtherPayload{RawType: "file", Text: msg.GetDocumentMessage().GetFileName()}
	case msg.GetAudioMessage() != nil:
		return entities.OtherPayload{RawType: "audio"}
	case msg.GetVideoMessage() != nil:
		return entities.OtherPayload{RawType: "video", Text: msg.GetVideoMessage().GetCaption()}
	default:
		return entities.OtherPayload{RawType: "unsupported"}
	}
}

// zerologWA adapts zerolog to the whatsmeow logger interface.
type zerologWA struct {
	l zerolog.Logger
}

func (z zerologWA) Warnf(msg string, args ...interface{})  { z.l.Warn().Msgf(msg, args...) }
func (z zerologWA) Errorf(msg string, args ...interface{}) { z.l.Error().Msgf(msg, args...) }
func (z zerologWA) Infof(msg string, args ...interface{})  { z.l.Info().Msgf(msg, args...) }
func (z zerologWA) Debugf(msg string, args ...interface{}) { z.l.Debug().Msgf(msg, args...) }
func (z zerologWA) Sub(module string) waLog.Logger {
	return zerologWA{z.l.With().Str("module", strings.ToLower(module)).Logger()}
}
