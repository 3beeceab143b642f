package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

// TelegramHandler handles Telegram webhook deliveries and bot management endpoints
type TelegramHandler struct {
	sink      interfaces.EventSink
	tgManager *infrastructure.TelegramBotManager
	registrar ChannelRegistrar
	log       zerolog.Logger
}

func NewTelegramHandler(sink interfaces.EventSink, tgManager *infrastructure.TelegramBotManager, registrar ChannelRegistrar) *TelegramHandler {
	return &TelegramHandler{
		sink:      sink,
		tgManager: tgManager,
		registrar: registrar,
		log:       infrastructure.Component("http"),
	}
}

// RegisterRoutes registers Telegram management routes
func (h *TelegramHandler) RegisterRoutes(api *gin.RouterGroup) {
	tg := api.Group("/telegram")
	{
		tg.POST("/validate", h.ValidateToken)
		tg.GET("/:channel/status", h.GetStatus)
		tg.POST("/:channel/token", h.SaveToken)
		tg.POST("/:channel/connect", h.Connect)
		tg.POST("/:channel/disconnect", h.Disconnect)
	}
}

// HandleWebhook accepts one Telegram Update pushed by the Bot API
func (h *TelegramHandler) HandleWebhook(c *gin.Context) {
	channelID := c.Param("channel")
	if !ValidChannelID(channelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed update"})
		return
	}

	event := infrastructure.ConvertTelegramUpdate(channelID, update)
	h.sink.ProcessDelivery(c.Request.Context(), channelID, entities.PlatformTelegram, []entities.InboundEvent{event})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *TelegramHandler) channel(c *gin.Context) (string, bool) {
	channelID := c.Param("channel")
	if !ValidChannelID(channelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return "", false
	}
	if h.tgManager == nil || h.registrar == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Telegram not configured"})
		return "", false
	}
	return channelID, true
}

// GetStatus returns the polling status of the channel's bot
func (h *TelegramHandler) GetStatus(c *gin.Context) {
	channelID, ok := h.channel(c)
	if !ok {
		return
	}

	owner, err := h.registrar.RegisterChannel(c.Request.Context(), channelID, entities.PlatformTelegram, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load channel"})
		return
	}

	connected, botName := h.tgManager.GetStatus(channelID)
	c.JSON(http.StatusOK, gin.H{
		"has_token": owner.AccessToken != "",
		"connected": connected,
		"bot_name":  botName,
	})
}

// SaveToken validates and stores the channel's bot token
func (h *TelegramHandler) SaveToken(c *gin.Context) {
	channelID, ok := h.channel(c)
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	botName, err := h.tgManager.ValidateToken(req.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid token: " + err.Error()})
		return
	}

	if _, err := h.registrar.RegisterChannel(c.Request.Context(), channelID, entities.PlatformTelegram, req.Token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "saved", "bot_name": "@" + botName})
}

// ValidateToken checks if a token is valid without saving
func (h *TelegramHandler) ValidateToken(c *gin.Context) {
	if h.tgManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Telegram not configured"})
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	botName, err := h.tgManager.ValidateToken(req.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":    true,
		"bot_name": "@" + botName,
	})
}

// Connect starts long polling with the stored token
func (h *TelegramHandler) Connect(c *gin.Context) {
	channelID, ok := h.channel(c)
	if !ok {
		return
	}

	owner, err := h.registrar.RegisterChannel(c.Request.Context(), channelID, entities.PlatformTelegram, "")
	if err != nil || owner.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No token configured. Please save your bot token first."})
		return
	}

	// polling outlives the request
	instance, err := h.tgManager.ConnectBot(context.WithoutCancel(c.Request.Context()), channelID, owner.AccessToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to connect: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "connected",
		"bot_name": "@" + instance.Bot.Self.UserName,
	})
}

// Disconnect stops the channel's bot
func (h *TelegramHandler) Disconnect(c *gin.Context) {
	channelID, ok := h.channel(c)
	if !ok {
		return
	}

	h.tgManager.DisconnectBot(channelID)

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}
