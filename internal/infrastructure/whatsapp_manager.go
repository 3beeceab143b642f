package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types/events"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

// WhatsAppManager manages one whatsmeow client per channel and feeds their messages to the sink
type WhatsAppManager struct {
	clients      map[string]*WhatsAppClient
	mu           sync.RWMutex
	baseDir      string
	sink         interfaces.EventSink
	mediaTimeout time.Duration
	log          zerolog.Logger
}

func NewWhatsAppManager(baseDir string, sink interfaces.EventSink, mediaTimeout time.Duration) *WhatsAppManager {
	logger := Component("whatsapp")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		logger.Warn().Err(err).Str("dir", baseDir).Msg("could not create devices directory")
	}

	return &WhatsAppManager{
		clients:      make(map[string]*WhatsAppClient),
		baseDir:      baseDir,
		sink:         sink,
		mediaTimeout: mediaTimeout,
		log:          logger,
	}
}

// GetClient returns the channel's client (nil if not created)
func (m *WhatsAppManager) GetClient(channelID string) *WhatsAppClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[channelID]
}

// GetOrCreateClient gets or creates the channel's client with its own device store
func (m *WhatsAppManager) GetOrCreateClient(ctx context.Context, channelID string) (*WhatsAppClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[channelID]; exists {
		return client, nil
	}

	dbPath := filepath.Join(m.baseDir, fmt.Sprintf("channel_%s.db", channelID))
	client, err := NewWhatsAppClient(ctx, dbPath, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to create WhatsApp client for channel %s: %w", channelID, err)
	}
	client.AddHandler(m.eventHandler(ctx, client))

	m.clients[channelID] = client
	return client, nil
}

// ConnectClient connects the channel's client (creates if needed)
func (m *WhatsAppManager) ConnectClient(ctx context.Context, channelID string) (*WhatsAppClient, error) {
	client, err := m.GetOrCreateClient(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if client.Client.IsConnected() {
		return client, nil
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect WhatsApp for channel %s: %w", channelID, err)
	}
	return client, nil
}

// LogoutClient logs the channel out; nil when it was never connected
func (m *WhatsAppManager) LogoutClient(ctx context.Context, channelID string) error {
	m.mu.RLock()
	client, exists := m.clients[channelID]
	m.mu.RUnlock()

	if !exists || client == nil {
		return nil
	}
	if !client.IsLoggedIn() && !client.Client.IsConnected() {
		return nil
	}
	return client.Logout(ctx)
}

// DisconnectAll disconnects all clients (for graceful shutdown)
func (m *WhatsAppManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		client.Disconnect()
	}
	m.clients = make(map[string]*WhatsAppClient)
}

// eventHandler converts message events, downloads images inline and hands them to the sink.
// whatsmeow delivers events of one connection sequentially, which keeps room order.
func (m *WhatsAppManager) eventHandler(ctx context.Context, client *WhatsAppClient) func(interface{}) {
	return func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			event := ConvertWhatsAppMessage(client.ChannelID, v)
			if img, ok := event.Payload.(entities.ImagePayload); ok {
				event.Payload = m.attachImage(ctx, client, v, img)
			}
			m.sink.ProcessDelivery(ctx, client.ChannelID, entities.PlatformWhatsApp, []entities.InboundEvent{event})
		case *events.Connected:
			m.log.Info().Str(FieldChannel, client.ChannelID).Str("phone", client.GetPhoneNumber()).Msg("connected")
		case *events.LoggedOut:
			m.log.Warn().Str(FieldChannel, client.ChannelID).Msg("logged out")
		}
	}
}

// attachImage downloads the image; on failure the payload stays without bytes and ingestion records the failure marker.
func (m *WhatsAppManager) attachImage(ctx context.Context, client *WhatsAppClient, evt *events.Message, img entities.ImagePayload) entities.ImagePayload {
	dlCtx, cancel := context.WithTimeout(ctx, m.mediaTimeout)
	defer cancel()

	data, err := client.DownloadImage(dlCtx, evt.Message.GetImageMessage())
	if err != nil {
		m.log.Warn().Err(err).Str(FieldChannel, client.ChannelID).Str("message_id", evt.Info.ID).Msg("image download failed")
		return img
	}
	img.Data = data
	return img
}
