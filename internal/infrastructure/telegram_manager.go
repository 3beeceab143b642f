package infrastructure

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

// TelegramBotInstance is one bot bound to a channel
type TelegramBotInstance struct {
	Bot       *tgbotapi.BotAPI
	ChannelID string
	StopChan  chan struct{}
	IsRunning bool
	mu        sync.Mutex
}

func (i *TelegramBotInstance) running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.IsRunning
}

// TelegramBotManager owns the bots of every Telegram channel and feeds polled updates to the sink
type TelegramBotManager struct {
	bots map[string]*TelegramBotInstance
	mu   sync.RWMutex
	sink interfaces.EventSink
	log  zerolog.Logger
}

func NewTelegramBotManager(sink interfaces.EventSink) *TelegramBotManager {
	return &TelegramBotManager{
		bots: make(map[string]*TelegramBotInstance),
		sink: sink,
		log:  Component("telegram"),
	}
}

// GetBot returns the bot of a channel (nil if none)
func (m *TelegramBotManager) GetBot(channelID string) *TelegramBotInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bots[channelID]
}

// ValidateToken checks a token against getMe and returns the bot user name
func (m *TelegramBotManager) ValidateToken(token string) (string, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return bot.Self.UserName, nil
}

// BotFor returns the channel's bot, creating an idle (non-polling) one from token when missing.
func (m *TelegramBotManager) BotFor(channelID, token string) (*tgbotapi.BotAPI, error) {
	if instance := m.GetBot(channelID); instance != nil {
		return instance.Bot, nil
	}
	if token == "" {
		return nil, fmt.Errorf("no telegram bot for channel %s", channelID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, ok := m.bots[channelID]; ok {
		return instance.Bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	m.bots[channelID] = &TelegramBotInstance{Bot: bot, ChannelID: channelID, StopChan: make(chan struct{})}
	return bot, nil
}

// ConnectBot creates the channel's bot and starts long polling
func (m *TelegramBotManager) ConnectBot(ctx context.Context, channelID, token string) (*TelegramBotInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bots[channelID]; ok {
		if existing.running() {
			return existing, nil
		}
		close(existing.StopChan)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	instance := &TelegramBotInstance{
		Bot:       bot,
		ChannelID: channelID,
		StopChan:  make(chan struct{}),
		IsRunning: true,
	}
	m.bots[channelID] = instance

	go m.startPolling(ctx, instance)

	return instance, nil
}

// startPolling runs the update loop; updates are handled one at a time to keep room order
func (m *TelegramBotManager) startPolling(ctx context.Context, instance *TelegramBotInstance) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := instance.Bot.GetUpdatesChan(u)

	logger := m.log.With().Str(FieldChannel, instance.ChannelID).Logger()
	logger.Info().Str("bot", instance.Bot.Self.UserName).Msg("started polling")

	defer func() {
		instance.Bot.StopReceivingUpdates()
		instance.mu.Lock()
		instance.IsRunning = false
		instance.mu.Unlock()
		logger.Info().Msg("stopped polling")
	}()

	for {
		select {
		case <-instance.StopChan:
			return
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			event := ConvertTelegramUpdate(instance.ChannelID, update)
			report := m.sink.ProcessDelivery(ctx, instance.ChannelID, entities.PlatformTelegram, []entities.InboundEvent{event})
			if report.Failed > 0 {
				logger.Warn().Str(FieldEventID, event.EventID).Msg("update failed to process")
			}
		}
	}
}

// DisconnectBot stops a channel's bot
func (m *TelegramBotManager) DisconnectBot(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instance, ok := m.bots[channelID]; ok {
		close(instance.StopChan)
		delete(m.bots, channelID)
	}
}

// GetStatus returns polling status for a channel
func (m *TelegramBotManager) GetStatus(channelID string) (connected bool, botName string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if instance, ok := m.bots[channelID]; ok && instance.running() {
		return true, instance.Bot.Self.UserName
	}
	return false, ""
}

// DisconnectAll stops all bots (for graceful shutdown)
func (m *TelegramBotManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, instance := range m.bots {
		close(instance.StopChan)
	}
	m.bots = make(map[string]*TelegramBotInstance)
}
