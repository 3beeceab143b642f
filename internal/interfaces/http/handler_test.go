package http

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/usecases"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type recordingSink struct {
	mu       sync.Mutex
	channel  string
	platform entities.Platform
	events   []entities.InboundEvent
}

func (s *recordingSink) ProcessDelivery(ctx context.Context, channelID string, platform entities.Platform, events []entities.InboundEvent) entities.DeliveryReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel, s.platform = channelID, platform
	s.events = append(s.events, events...)
	return entities.DeliveryReport{Received: len(events), Processed: len(events)}
}

type stubProjections struct {
	session *entities.ChatSession
	export  *usecases.SessionExport
}

func (p stubProjections) GetOwner(ctx context.Context, ownerID int64) (*entities.Owner, error) {
	return nil, entities.ErrNotFound
}

func (p stubProjections) ListRooms(ctx context.Context, ownerID int64, limit, offset int) ([]entities.Room, error) {
	return []entities.Room{{ID: 1, OwnerID: ownerID, ExternalID: "U1"}}, nil
}

func (p stubProjections) UsageHistory(ctx context.Context, ownerID int64, days int) ([]entities.DailyUsage, error) {
	return []entities.DailyUsage{}, nil
}

func (p stubProjections) ListSessions(ctx context.Context, roomID int64, status entities.SessionStatus, limit, offset int) ([]entities.ChatSession, error) {
	if status == "bogus" {
		return nil, entities.ErrInvalidArgument
	}
	return []entities.ChatSession{}, nil
}

func (p stubProjections) GetSession(ctx context.Context, sessionID int64) (*entities.ChatSession, error) {
	if p.session == nil || p.session.ID != sessionID {
		return nil, entities.ErrNotFound
	}
	return p.session, nil
}

func (p stubProjections) ListMessages(ctx context.Context, sessionID int64) ([]entities.Message, error) {
	return []entities.Message{}, nil
}

func (p stubProjections) GetSummary(ctx context.Context, sessionID int64) (*entities.Summary, error) {
	return nil, entities.ErrNotFound
}

func (p stubProjections) ExportSession(ctx context.Context, sessionID int64) (*usecases.SessionExport, error) {
	if p.export == nil {
		return nil, entities.ErrNotFound
	}
	return p.export, nil
}

func newTestRouter(sink *recordingSink, projections Projections, limiter *infrastructure.KeyedRateLimiter) *gin.Engine {
	if limiter == nil {
		limiter = infrastructure.NewKeyedRateLimiter(100, 100)
	}
	r := gin.New()
	SetupRoutes(r, Deps{Sink: sink, Projections: projections}, NewMiddleware(testSecret, limiter, "*"))
	return r
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func do(r http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGenericWebhookConvertsEvents(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRouter(sink, stubProjections{}, nil)

	body := `{"events":[
		{"type":"message","webhookEventId":"e1","timestamp":1767225600000,
		 "source":{"type":"user","userId":"U1"},"senderName":"Ana",
		 "message":{"id":"m1","type":"text","text":"hello"}},
		{"type":"message","webhookEventId":"e2","timestamp":1767225601000,
		 "source":{"type":"group","userId":"U2","groupId":"G1"},
		 "message":{"id":"m2","type":"image","text":"receipt"}},
		{"type":"message","webhookEventId":"e3",
		 "source":{"type":"room","userId":"U3","roomId":"R1"},"direction":"bot",
		 "message":{"id":"m3","type":"location","latitude":-6.2,"longitude":106.8,"address":"Jakarta"}},
		{"type":"follow","webhookEventId":"e4","source":{"type":"user","userId":"U4"}}
	]}`
	w := do(r, http.MethodPost, "/webhook/line-main", body, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "line-main", sink.channel)
	assert.Equal(t, entities.PlatformGeneric, sink.platform)
	require.Len(t, sink.events, 4)

	text := sink.events[0]
	assert.Equal(t, "e1", text.EventID)
	assert.Equal(t, "U1", text.RoomExternalID)
	assert.Equal(t, entities.RoomTypeUser, text.RoomType)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), text.Timestamp)
	assert.Equal(t, entities.TextPayload{Text: "hello"}, text.Payload)
	assert.Equal(t, entities.DirectionUser, text.Direction)
	assert.True(t, text.IsMessage())
	assert.NotEmpty(t, text.Raw)

	image := sink.events[1]
	assert.Equal(t, "G1", image.RoomExternalID)
	assert.Equal(t, "U2", image.SenderID)
	assert.Equal(t, entities.ImagePayload{MediaID: "m2", Caption: "receipt"}, image.Payload)

	loc := sink.events[2]
	assert.Equal(t, "R1", loc.RoomExternalID)
	assert.Equal(t, entities.RoomTypeRoom, loc.RoomType)
	assert.Equal(t, entities.DirectionBot, loc.Direction)
	other, ok := loc.Payload.(entities.OtherPayload)
	require.True(t, ok)
	require.NotNil(t, other.Location)
	assert.Equal(t, "Jakarta", other.Location.Address)

	assert.False(t, sink.events[3].IsMessage())
}

func TestGenericWebhookRejectsMalformedBody(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRouter(sink, stubProjections{}, nil)

	w := do(r, http.MethodPost, "/webhook/line-main", `{"events": [`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, sink.events)

	w = do(r, http.MethodPost, "/webhook/line-main", `{"events": []}`, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenericWebhookKeepsGoodEventsBesideMalformedOne(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRouter(sink, stubProjections{}, nil)

	body := `{"events":[
		{"type":"message","webhookEventId":"e1","timestamp":1767225600000,
		 "source":{"type":"user","userId":"U1"},"message":{"id":"m1","type":"text","text":"hello"}},
		{"type":"message","webhookEventId":"e2","timestamp":"yesterday",
		 "source":{"type":"user","userId":"U1"},"message":{"id":"m2","type":"text","text":"lost?"}},
		42
	]}`
	w := do(r, http.MethodPost, "/webhook/line-main", body, "")

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sink.events, 3)
	assert.True(t, sink.events[0].IsMessage())
	assert.Equal(t, "e1", sink.events[0].EventID)

	bad := sink.events[1]
	assert.Equal(t, "e2", bad.EventID)
	assert.Equal(t, entities.EventTypeMalformed, bad.Type)
	assert.False(t, bad.IsMessage())
	assert.NotEmpty(t, bad.DecodeError)
	assert.Contains(t, string(bad.Raw), "yesterday")

	assert.Equal(t, entities.EventTypeMalformed, sink.events[2].Type)
	assert.Empty(t, sink.events[2].EventID)
}

func TestTelegramWebhook(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRouter(sink, stubProjections{}, nil)

	body := `{"update_id":77,"message":{"message_id":5,"date":1767225600,
		"chat":{"id":-100,"type":"supergroup","title":"Team"},
		"from":{"id":9,"first_name":"Budi"},"text":"halo"}}`
	w := do(r, http.MethodPost, "/telegram/webhook/tg-bot", body, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entities.PlatformTelegram, sink.platform)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "tg:tg-bot:77", sink.events[0].EventID)
	assert.Equal(t, "-100", sink.events[0].RoomExternalID)
	assert.Equal(t, entities.TextPayload{Text: "halo"}, sink.events[0].Payload)
}

func TestAPIRequiresToken(t *testing.T) {
	r := newTestRouter(&recordingSink{}, stubProjections{}, nil)

	w := do(r, http.MethodGet, "/api/owners/1/rooms", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/api/owners/1/rooms", "", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/api/owners/1/rooms", "", signedToken(t, "admin"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"external_id":"U1"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAPIRateLimitedPerSubject(t *testing.T) {
	r := newTestRouter(&recordingSink{}, stubProjections{}, infrastructure.NewKeyedRateLimiter(0.001, 1))

	alice := signedToken(t, "alice")
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/owners/1/rooms", "", alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/api/owners/1/rooms", "", alice).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/owners/1/rooms", "", signedToken(t, "bob")).Code)
}

func TestProjectionErrorMapping(t *testing.T) {
	r := newTestRouter(&recordingSink{}, stubProjections{session: &entities.ChatSession{ID: 3, Status: entities.SessionActive}}, nil)
	token := signedToken(t, "admin")

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/sessions/3", "", token).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/sessions/4", "", token).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/sessions/abc", "", token).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/sessions/3/summary", "", token).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/rooms/1/sessions?status=bogus", "", token).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/owners/1", "", token).Code)
}

func TestExportSessionCSV(t *testing.T) {
	export := &usecases.SessionExport{
		Session: &entities.ChatSession{ID: 3},
		Messages: []entities.Message{{
			ExternalID: "m1", Direction: entities.DirectionUser, Type: entities.KindText,
			SenderID: "U1", Text: "hi", SentAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		}},
	}
	r := newTestRouter(&recordingSink{}, stubProjections{export: export}, nil)
	token := signedToken(t, "admin")

	w := do(r, http.MethodGet, "/api/sessions/3/export?format=csv", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "session-3.csv")
	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "hi", rows[1][7])

	w = do(r, http.MethodGet, "/api/sessions/3/export", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"session"`)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/sessions/3/export?format=xml", "", token).Code)
}

func TestWhatsAppEndpointsWithoutManager(t *testing.T) {
	r := newTestRouter(&recordingSink{}, stubProjections{}, nil)

	w := do(r, http.MethodGet, "/api/whatsapp/wa-main/status", "", signedToken(t, "admin"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidChannelID("line-main_01"))
	assert.False(t, ValidChannelID(""))
	assert.False(t, ValidChannelID("../etc"))
	assert.Equal(t, "ab", SanitizeString("a\x00b"))

	id, ok := ParseID("12")
	assert.True(t, ok)
	assert.EqualValues(t, 12, id)
	_, ok = ParseID("-1")
	assert.False(t, ok)
	assert.Equal(t, 7, QueryInt("x", 7))
}
