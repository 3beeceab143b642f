package usecases

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

func TestIngestFirstMessageCreatesRoomSessionAndRecord(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())

	res := h.ingestText(t, "U1", "hello")

	require.NotNil(t, res.Room)
	assert.Equal(t, "U1", res.Room.ExternalID)
	assert.Equal(t, h.owner.ID, res.Room.OwnerID)
	assert.EqualValues(t, 1, res.Room.MessageCount)
	assert.False(t, res.Closed)

	sessions := h.store.sessionsOfRoom(res.Room.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, entities.SessionActive, sessions[0].Status)
	require.Len(t, sessions[0].Log, 1)
	assert.Equal(t, "hello", sessions[0].Log[0].Text)

	msgs := h.store.allMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, entities.DirectionUser, msgs[0].Direction)
	assert.Equal(t, entities.KindText, msgs[0].Type)
	assert.Equal(t, sessions[0].ID, msgs[0].SessionID)
	assert.Equal(t, entities.MediaNone, msgs[0].MediaStatus)
	assert.Equal(t, 1, h.store.usageCalls["message"])
}

func TestMessageThresholdClosesSessionAndStartsNext(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())

	var last *IngestResult
	for i := 1; i <= 50; i++ {
		last = h.ingestText(t, "U1", fmt.Sprintf("message %d", i))
		if i < 50 {
			require.False(t, last.Closed, "closed early at %d", i)
		}
	}
	require.True(t, last.Closed)
	require.NotNil(t, last.Summary)
	assert.Equal(t, entities.SummaryCompleted, last.Summary.Status)
	assert.Equal(t, 1, h.ai.calls)

	closed, err := sessionStore{h.store}.GetByID(context.Background(), last.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.SessionClosed, closed.Status)
	assert.Equal(t, entities.CloseMessageThreshold, closed.CloseReason)
	assert.Len(t, closed.Log, 50)
	require.NotNil(t, closed.EndTime)
	require.NotNil(t, closed.SummaryID)
	assert.Equal(t, last.Summary.ID, *closed.SummaryID)

	next := h.ingestText(t, "U1", "message 51")
	assert.NotEqual(t, last.Session.ID, next.Session.ID)
	fresh, err := sessionStore{h.store}.GetByID(context.Background(), next.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.SessionActive, fresh.Status)
	assert.Len(t, fresh.Log, 1)

	room, err := roomStore{h.store}.GetByID(context.Background(), next.Room.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, room.SessionCount)
	assert.EqualValues(t, 51, room.MessageCount)
}

func TestTimeThresholdClosesSession(t *testing.T) {
	h := newHarness(t, SessionConfig{MessageThreshold: 50, TimeThreshold: 24 * time.Hour})

	first := h.ingestText(t, "U1", "morning")
	assert.False(t, first.Closed)

	h.clock.Advance(25 * time.Hour)
	second := h.ingestText(t, "U1", "next day")
	require.True(t, second.Closed)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	closed, err := sessionStore{h.store}.GetByID(context.Background(), first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CloseTimeThreshold, closed.CloseReason)
	assert.Len(t, closed.Log, 2)
}

func TestLogCapClosesSessionAboveThreshold(t *testing.T) {
	h := newHarness(t, SessionConfig{MessageThreshold: 200})

	var last *IngestResult
	for i := 1; i <= entities.MaxLogEntries; i++ {
		last = h.ingestText(t, "U1", fmt.Sprintf("m%d", i))
	}
	require.True(t, last.Closed)

	closed, err := sessionStore{h.store}.GetByID(context.Background(), last.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CloseLogCap, closed.CloseReason)
	assert.Len(t, closed.Log, entities.MaxLogEntries)
}

func TestImageFetchFailureRecordsMarker(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())
	h.ingest.fetcher = stubFetcher{err: fmt.Errorf("status 404")}

	event := h.textEvent("U1", "")
	event.Payload = entities.ImagePayload{MediaID: "m-404", Caption: "receipt"}
	res, err := h.ingest.Ingest(context.Background(), h.owner, event)
	require.NoError(t, err)

	assert.Equal(t, entities.KindImage, res.Message.Type)
	assert.Equal(t, entities.MediaFailed, res.Message.MediaStatus)
	assert.Equal(t, entities.MediaFailureMarker+" receipt", res.Message.Text)
	assert.Empty(t, res.Message.MediaKey)

	session, err := sessionStore{h.store}.GetByID(context.Background(), res.Session.ID)
	require.NoError(t, err)
	require.Len(t, session.Log, 1)
	assert.Equal(t, res.Message.Text, session.Log[0].Text)
}

func TestImageStoredUnderOwnerAndRoom(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())
	h.ingest.fetcher = stubFetcher{media: &interfaces.Media{Data: []byte{0xff, 0xd8, 0xff}, ContentType: "image/jpeg"}}

	event := h.textEvent("U1", "")
	event.Payload = entities.ImagePayload{MediaID: "m-1"}
	res, err := h.ingest.Ingest(context.Background(), h.owner, event)
	require.NoError(t, err)

	assert.Equal(t, entities.MediaStored, res.Message.MediaStatus)
	assert.Equal(t, "[image]", res.Message.Text)
	prefix := fmt.Sprintf("%d/%d/", h.owner.ID, res.Room.ID)
	assert.True(t, strings.HasPrefix(res.Message.MediaKey, prefix), res.Message.MediaKey)
	assert.True(t, strings.HasSuffix(res.Message.MediaKey, ".jpg"), res.Message.MediaKey)
	assert.Contains(t, h.media.files, res.Message.MediaKey)
}

func TestOtherPayloadKeepsLocation(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())

	event := h.textEvent("U1", "")
	event.Payload = entities.OtherPayload{RawType: "location", Location: &entities.Location{Latitude: -6.2, Longitude: 106.8, Address: "Jakarta"}}
	res, err := h.ingest.Ingest(context.Background(), h.owner, event)
	require.NoError(t, err)

	assert.Equal(t, entities.KindOther, res.Message.Type)
	assert.Equal(t, "[location] Jakarta", res.Message.Text)
	require.NotNil(t, res.Message.Latitude)
	assert.InDelta(t, -6.2, *res.Message.Latitude, 1e-9)
}

func TestMessageInsertFailureStillEvaluatesTriggers(t *testing.T) {
	h := newHarness(t, SessionConfig{MessageThreshold: 1})
	h.store.failMessageInsert = true

	res, err := h.ingest.Ingest(context.Background(), h.owner, h.textEvent("U1", "only message"))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Closed)
	require.NotNil(t, res.Summary)
	assert.Equal(t, entities.SummaryCompleted, res.Summary.Status, "summarized from the embedded log")
}

func TestConcurrentIngestKeepsSingleActiveSession(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())

	const n = 20
	events := make([]entities.InboundEvent, n)
	for i := range events {
		events[i] = h.textEvent("U1", fmt.Sprintf("parallel %d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, event := range events {
		wg.Add(1)
		go func(e entities.InboundEvent) {
			defer wg.Done()
			_, err := h.ingest.Ingest(context.Background(), h.owner, e)
			errs <- err
		}(event)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for roomID, active := range h.store.activeCountByRoom() {
		assert.LessOrEqual(t, active, 1, "room %d", roomID)
	}
	rooms, err := roomStore{h.store}.ListByOwner(context.Background(), h.owner.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	sessions := h.store.sessionsOfRoom(rooms[0].ID)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Log, n)
}

func TestIngestRejectsNonMessage(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())
	event := h.textEvent("U1", "x")
	event.Type = "follow"

	_, err := h.ingest.Ingest(context.Background(), h.owner, event)
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".png", extensionFor("image/png; charset=binary"))
	assert.Equal(t, "", extensionFor("not a type"))
}

func TestReingestOfRecordedMessageChangesNothing(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())
	event := h.textEvent("U1", "hello")

	first, err := h.ingest.Ingest(context.Background(), h.owner, event)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := h.ingest.Ingest(context.Background(), h.owner, event)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Room.ID, again.Room.ID)

	session, err := sessionStore{h.store}.GetByID(context.Background(), first.Session.ID)
	require.NoError(t, err)
	assert.Len(t, session.Log, 1)
	assert.Equal(t, 1, session.MessageCount)
	assert.Len(t, h.store.allMessages(), 1)
}

func TestAppendFailureDiscardsStoredMedia(t *testing.T) {
	h := newHarness(t, DefaultSessionConfig())
	h.ingest.fetcher = stubFetcher{media: &interfaces.Media{Data: []byte{0xff, 0xd8, 0xff}, ContentType: "image/jpeg"}}
	h.store.failAppend = true

	event := h.textEvent("U1", "")
	event.Payload = entities.ImagePayload{MediaID: "m-1"}
	_, err := h.ingest.Ingest(context.Background(), h.owner, event)
	require.Error(t, err)

	assert.Empty(t, h.media.files, "blob of a message that was never logged is removed")
	assert.Empty(t, h.store.allMessages())
}
