package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
	"project_chatdigest/internal/usecases"
)

// Projections is the read side served under /api.
type Projections interface {
	GetOwner(ctx context.Context, ownerID int64) (*entities.Owner, error)
	ListRooms(ctx context.Context, ownerID int64, limit, offset int) ([]entities.Room, error)
	UsageHistory(ctx context.Context, ownerID int64, days int) ([]entities.DailyUsage, error)
	ListSessions(ctx context.Context, roomID int64, status entities.SessionStatus, limit, offset int) ([]entities.ChatSession, error)
	GetSession(ctx context.Context, sessionID int64) (*entities.ChatSession, error)
	ListMessages(ctx context.Context, sessionID int64) ([]entities.Message, error)
	GetSummary(ctx context.Context, sessionID int64) (*entities.Summary, error)
	ExportSession(ctx context.Context, sessionID int64) (*usecases.SessionExport, error)
}

// ChannelRegistrar binds a channel to its owner and stores the channel credential.
type ChannelRegistrar interface {
	RegisterChannel(ctx context.Context, channelID string, platform entities.Platform, accessToken string) (*entities.Owner, error)
}

// Deps are the collaborators of the HTTP layer. The platform managers may be nil when the
// platform is disabled.
type Deps struct {
	Sink        interfaces.EventSink
	Projections Projections
	Registrar   ChannelRegistrar
	WhatsApp    *infrastructure.WhatsAppManager
	Telegram    *infrastructure.TelegramBotManager
	MaxBody     int64
}

type Handler struct {
	sink        interfaces.EventSink
	projections Projections
	waManager   *infrastructure.WhatsAppManager
	log         zerolog.Logger
}

func NewHandler(sink interfaces.EventSink, projections Projections, waManager *infrastructure.WhatsAppManager) *Handler {
	return &Handler{
		sink:        sink,
		projections: projections,
		waManager:   waManager,
		log:         infrastructure.Component("http"),
	}
}

func SetupRoutes(r *gin.Engine, deps Deps, middleware *Middleware) {
	h := NewHandler(deps.Sink, deps.Projections, deps.WhatsApp)
	telegramHandler := NewTelegramHandler(deps.Sink, deps.Telegram, deps.Registrar)

	maxBody := deps.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r.Use(middleware.RequestLogger())
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(maxBody))
	r.Use(middleware.CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Inbound platform events
	r.POST("/webhook/:channel", h.HandleGenericWebhook)
	r.POST("/telegram/webhook/:channel", telegramHandler.HandleWebhook)

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerUser())
	{
		api.GET("/owners/:id", h.GetOwner)
		api.GET("/owners/:id/rooms", h.ListRooms)
		api.GET("/owners/:id/usage", h.GetUsage)
		api.GET("/rooms/:id/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/messages", h.ListMessages)
		api.GET("/sessions/:id/summary", h.GetSummary)
		api.GET("/sessions/:id/export", h.ExportSession)

		wa := api.Group("/whatsapp/:channel")
		{
			wa.GET("/qr", h.GetWhatsAppQRCode)
			wa.GET("/status", h.GetWhatsAppStatus)
			wa.POST("/connect", h.ConnectWhatsApp)
			wa.POST("/logout", h.LogoutWhatsApp)
		}

		telegramHandler.RegisterRoutes(api)
	}
}

// webhookBody is the generic channel delivery: a batch of events.
type webhookBody struct {
	Events []json.RawMessage `json:"events"`
}

type webhookEvent struct {
	Type           string          `json:"type"`
	WebhookEventID string          `json:"webhookEventId"`
	Timestamp      int64           `json:"timestamp"` // unix milliseconds
	Source         webhookSource   `json:"source"`
	Message        *webhookMessage `json:"message"`
	SenderName     string          `json:"senderName"`
	RoomName       string          `json:"roomName"`
	Direction      string          `json:"direction"`
}

type webhookSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	RoomID  string `json:"roomId"`
}

type webhookMessage struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Text      string   `json:"text"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
	FileName  string   `json:"fileName"`
}

// HandleGenericWebhook ingests a delivery synchronously; once the body parses the answer is
// always 200, per-event failures stay in the raw event store. An event that does not decode
// is recorded as malformed and never blocks the rest of the delivery.
func (h *Handler) HandleGenericWebhook(c *gin.Context) {
	channelID := c.Param("channel")
	if !ValidChannelID(channelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return
	}

	var body webhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}

	events := make([]entities.InboundEvent, 0, len(body.Events))
	for _, raw := range body.Events {
		var we webhookEvent
		if err := json.Unmarshal(raw, &we); err != nil {
			events = append(events, malformedWebhookEvent(raw, err))
			continue
		}
		events = append(events, convertWebhookEvent(we, raw))
	}

	if len(events) > 0 {
		report := h.sink.ProcessDelivery(c.Request.Context(), channelID, entities.PlatformGeneric, events)
		infrastructure.LoggerFrom(c.Request.Context(), h.log).Debug().
			Str(infrastructure.FieldChannel, channelID).
			Interface("report", report).
			Msg("webhook delivery")
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func malformedWebhookEvent(raw json.RawMessage, decodeErr error) entities.InboundEvent {
	var ident struct {
		WebhookEventID string `json:"webhookEventId"`
	}
	_ = json.Unmarshal(raw, &ident)
	return entities.InboundEvent{
		EventID:     ident.WebhookEventID,
		Type:        entities.EventTypeMalformed,
		Raw:         raw,
		DecodeError: decodeErr.Error(),
	}
}

func convertWebhookEvent(we webhookEvent, raw json.RawMessage) entities.InboundEvent {
	event := entities.InboundEvent{
		EventID:    we.WebhookEventID,
		Type:       strings.ToLower(we.Type),
		SenderID:   we.Source.UserID,
		SenderName: SanitizeString(we.SenderName),
		RoomName:   SanitizeString(we.RoomName),
		Direction:  webhookDirection(we.Direction),
		Raw:        raw,
	}
	if we.Timestamp > 0 {
		event.Timestamp = time.UnixMilli(we.Timestamp).UTC()
	}

	switch strings.ToLower(we.Source.Type) {
	case "group":
		event.RoomType, event.RoomExternalID = entities.RoomTypeGroup, we.Source.GroupID
	case "room":
		event.RoomType, event.RoomExternalID = entities.RoomTypeRoom, we.Source.RoomID
	default:
		event.RoomType, event.RoomExternalID = entities.RoomTypeUser, we.Source.UserID
	}

	if we.Message != nil {
		event.MessageID = we.Message.ID
		event.Payload = webhookPayload(we.Message)
	}
	return event
}

func webhookDirection(s string) entities.Direction {
	switch entities.Direction(strings.ToLower(s)) {
	case entities.DirectionBot:
		return entities.DirectionBot
	case entities.DirectionSystem:
		return entities.DirectionSystem
	default:
		return entities.DirectionUser
	}
}

func webhookPayload(m *webhookMessage) entities.Payload {
	text := SanitizeString(m.Text)
	switch strings.ToLower(m.Type) {
	case "text":
		return entities.TextPayload{Text: text}
	case "image":
		return entities.ImagePayload{MediaID: m.ID, Caption: text}
	case "location":
		p := entities.OtherPayload{RawType: "location", Text: text}
		if m.Latitude != nil && m.Longitude != nil {
			p.Location = &entities.Location{Latitude: *m.Latitude, Longitude: *m.Longitude, Address: SanitizeString(m.Address)}
		}
		return p
	case "file":
		return entities.OtherPayload{RawType: "file", Text: SanitizeString(m.FileName)}
	default:
		rawType := strings.ToLower(m.Type)
		if rawType == "" {
			rawType = "message"
		}
		return entities.OtherPayload{RawType: rawType, Text: text}
	}
}

// ========================================
// WhatsApp pairing
// ========================================

func (h *Handler) whatsAppChannel(c *gin.Context) (string, bool) {
	channelID := c.Param("channel")
	if !ValidChannelID(channelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return "", false
	}
	if h.waManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WhatsApp not configured"})
		return "", false
	}
	return channelID, true
}

// ConnectWhatsApp creates and connects the channel's WhatsApp client
func (h *Handler) ConnectWhatsApp(c *gin.Context) {
	channelID, ok := h.whatsAppChannel(c)
	if !ok {
		return
	}

	client, err := h.waManager.ConnectClient(context.WithoutCancel(c.Request.Context()), channelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "connecting",
		"connected": client.IsLoggedIn(),
		"phone":     client.GetPhoneNumber(),
	})
}

// GetWhatsAppQRCode returns the pairing QR code as PNG
func (h *Handler) GetWhatsAppQRCode(c *gin.Context) {
	channelID, ok := h.whatsAppChannel(c)
	if !ok {
		return
	}

	client, err := h.waManager.ConnectClient(context.WithoutCancel(c.Request.Context()), channelID)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to connect: "+err.Error())
		return
	}

	qrCodeString := client.GetQR()
	if qrCodeString == "" {
		if client.IsLoggedIn() {
			c.String(http.StatusOK, "Already logged in")
			return
		}
		c.String(http.StatusAccepted, "QR code not yet available. Please wait...")
		return
	}

	png, err := qrcode.Encode(qrCodeString, qrcode.Medium, 256)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to generate QR code")
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

// GetWhatsAppStatus returns the connection status of the channel's client
func (h *Handler) GetWhatsAppStatus(c *gin.Context) {
	channelID, ok := h.whatsAppChannel(c)
	if !ok {
		return
	}

	client := h.waManager.GetClient(channelID)
	if client == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "initialized": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":   client.IsConnected(),
		"logged_in":   client.IsLoggedIn(),
		"initialized": true,
		"phone":       client.GetPhoneNumber(),
		"has_qr":      client.GetQR() != "",
	})
}

// LogoutWhatsApp unpairs the channel's device
func (h *Handler) LogoutWhatsApp(c *gin.Context) {
	channelID, ok := h.whatsAppChannel(c)
	if !ok {
		return
	}

	if err := h.waManager.LogoutClient(c.Request.Context(), channelID); err != nil {
		// already logged out is still a logout
		infrastructure.LoggerFrom(c.Request.Context(), h.log).Warn().Err(err).Str(infrastructure.FieldChannel, channelID).Msg("whatsapp logout")
	}

	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}
