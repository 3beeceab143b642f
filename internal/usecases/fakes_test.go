package usecases

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

// memStore is an in-memory implementation of every store port with the same uniqueness
// rules as the Postgres schema.
type memStore struct {
	mu sync.Mutex

	seq int64

	owners     map[int64]*entities.Owner
	rooms      map[int64]*entities.Room
	sessions   map[int64]*entities.ChatSession
	messages   []entities.Message
	summaries  map[int64]*entities.Summary // by session id
	rawEvents  map[string]*entities.RawEvent
	rawOrder   []string
	usageCalls map[string]int

	// allowDuplicateActive disables the partial unique index, as before it is created.
	allowDuplicateActive bool
	// raceOwner / raceRoom make the next Create lose a race against a concurrent insert.
	raceOwner bool
	raceRoom  bool
	// failMessageInsert makes Message inserts fail.
	failMessageInsert bool
	// failInsertFor fails message inserts whose external id matches.
	failInsertFor map[string]bool
	// failAppend makes AppendLog fail with a store error.
	failAppend bool
	// panicOnFinalize makes summary Finalize panic.
	panicOnFinalize bool
}

func newMemStore() *memStore {
	return &memStore{
		owners:        make(map[int64]*entities.Owner),
		rooms:         make(map[int64]*entities.Room),
		sessions:      make(map[int64]*entities.ChatSession),
		summaries:     make(map[int64]*entities.Summary),
		rawEvents:     make(map[string]*entities.RawEvent),
		usageCalls:    make(map[string]int),
		failInsertFor: make(map[string]bool),
	}
}

func (m *memStore) nextID() int64 {
	m.seq++
	return m.seq
}

type ownerStore struct{ *memStore }
type roomStore struct{ *memStore }
type sessionStore struct{ *memStore }
type messageStore struct{ *memStore }
type summaryStore struct{ *memStore }
type rawEventStore struct{ *memStore }
type usageStore struct{ *memStore }

var (
	_ interfaces.OwnerStore    = ownerStore{}
	_ interfaces.RoomStore     = roomStore{}
	_ interfaces.SessionStore  = sessionStore{}
	_ interfaces.MessageStore  = messageStore{}
	_ interfaces.SummaryStore  = summaryStore{}
	_ interfaces.RawEventStore = rawEventStore{}
	_ interfaces.UsageStore    = usageStore{}
)

// Owners

func (s ownerStore) FindByChannel(ctx context.Context, channelID string) (*entities.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.owners {
		if o.ChannelID == channelID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s ownerStore) Create(ctx context.Context, owner *entities.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raceOwner {
		s.raceOwner = false
		winner := *owner
		winner.ID = s.nextID()
		s.owners[winner.ID] = &winner
		return entities.ErrConflict
	}
	for _, o := range s.owners {
		if o.ChannelID == owner.ChannelID {
			return entities.ErrConflict
		}
	}
	owner.ID = s.nextID()
	owner.CreatedAt = time.Now()
	cp := *owner
	s.owners[owner.ID] = &cp
	return nil
}

func (s ownerStore) UpdateCredentials(ctx context.Context, ownerID int64, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.owners[ownerID]; ok {
		o.AccessToken = accessToken
	}
	return nil
}

func (s ownerStore) GetByID(ctx context.Context, id int64) (*entities.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// Rooms

func (s roomStore) FindByExternalID(ctx context.Context, ownerID int64, externalID string) (*entities.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.OwnerID == ownerID && r.ExternalID == externalID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s roomStore) Create(ctx context.Context, room *entities.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raceRoom {
		s.raceRoom = false
		winner := *room
		winner.ID = s.nextID()
		s.rooms[winner.ID] = &winner
		return entities.ErrConflict
	}
	for _, r := range s.rooms {
		if r.OwnerID == room.OwnerID && r.ExternalID == room.ExternalID {
			return entities.ErrConflict
		}
	}
	room.ID = s.nextID()
	cp := *room
	s.rooms[room.ID] = &cp
	return nil
}

func (s roomStore) Touch(ctx context.Context, roomID int64, displayName string, at time.Time) (*entities.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, entities.ErrNotFound
	}
	r.MessageCount++
	if at.After(r.LastActivityAt) {
		r.LastActivityAt = at
	}
	if displayName != "" {
		r.DisplayName = displayName
	}
	cp := *r
	return &cp, nil
}

func (s roomStore) IncrementSessions(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.SessionCount++
	}
	return nil
}

func (s roomStore) GetByID(ctx context.Context, id int64) (*entities.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s roomStore) ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]entities.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.Room{}
	for _, r := range s.rooms {
		if r.OwnerID == ownerID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Sessions

func copySession(s *entities.ChatSession) *entities.ChatSession {
	cp := *s
	cp.Log = append([]entities.LogEntry{}, s.Log...)
	return &cp
}

func (s sessionStore) FindActive(ctx context.Context, roomID int64) (*entities.ChatSession, error) {
	active, _ := s.ListActiveByRoom(ctx, roomID)
	if len(active) == 0 {
		return nil, nil
	}
	return &active[0], nil
}

func (s sessionStore) CreateActive(ctx context.Context, session *entities.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allowDuplicateActive {
		for _, existing := range s.sessions {
			if existing.RoomID == session.RoomID && existing.Status == entities.SessionActive {
				return entities.ErrConflict
			}
		}
	}
	session.ID = s.nextID()
	session.Status = entities.SessionActive
	session.Log = []entities.LogEntry{}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s sessionStore) AppendLog(ctx context.Context, sessionID int64, entry entities.LogEntry, limit int) (*entities.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return nil, errors.New("append failed")
	}
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status != entities.SessionActive {
		return nil, entities.ErrSessionNotActive
	}
	if entry.MessageID != "" {
		for _, logged := range sess.Log {
			if logged.MessageID == entry.MessageID {
				return nil, entities.ErrDuplicateEntry
			}
		}
	}
	if len(sess.Log) < limit {
		sess.Log = append(sess.Log, entry)
	}
	sess.MessageCount++
	return &entities.AppendResult{LogSize: len(sess.Log), MessageCount: sess.MessageCount, StartTime: sess.StartTime}, nil
}

func (s sessionStore) MarkSummarizing(ctx context.Context, sessionID int64, reason entities.CloseReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status != entities.SessionActive {
		return false, nil
	}
	sess.Status = entities.SessionSummarizing
	sess.CloseReason = reason
	sess.UpdatedAt = time.Now()
	return true, nil
}

func (s sessionStore) Close(ctx context.Context, sessionID int64, reason entities.CloseReason, summaryID *int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.Status = entities.SessionClosed
	if sess.CloseReason == "" {
		sess.CloseReason = reason
	}
	if summaryID != nil {
		id := *summaryID
		sess.SummaryID = &id
	}
	if sess.EndTime == nil {
		end := at
		sess.EndTime = &end
	}
	return nil
}

func (s sessionStore) GetByID(ctx context.Context, id int64) (*entities.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return copySession(sess), nil
}

func (s sessionStore) ListByRoom(ctx context.Context, roomID int64, status entities.SessionStatus, limit, offset int) ([]entities.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.ChatSession{}
	for _, sess := range s.sessions {
		if sess.RoomID == roomID && (status == "" || sess.Status == status) {
			out = append(out, *copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, limit, offset), nil
}

func (s sessionStore) ListActiveByRoom(ctx context.Context, roomID int64) ([]entities.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.ChatSession{}
	for _, sess := range s.sessions {
		if sess.RoomID == roomID && sess.Status == entities.SessionActive {
			out = append(out, *copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s sessionStore) RoomsWithDuplicateActive(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int64]int)
	for _, sess := range s.sessions {
		if sess.Status == entities.SessionActive {
			counts[sess.RoomID]++
		}
	}
	out := []int64{}
	for roomID, n := range counts {
		if n > 1 {
			out = append(out, roomID)
		}
	}
	return out, nil
}

func (s sessionStore) ListSummarizingBefore(ctx context.Context, before time.Time) ([]entities.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.ChatSession{}
	for _, sess := range s.sessions {
		if sess.Status == entities.SessionSummarizing && sess.UpdatedAt.Before(before) {
			out = append(out, *copySession(sess))
		}
	}
	return out, nil
}

// Messages

func (s messageStore) Insert(ctx context.Context, msg *entities.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMessageInsert || s.failInsertFor[msg.ExternalID] {
		return errors.New("insert failed")
	}
	for _, m := range s.messages {
		if msg.ExternalID != "" && m.RoomID == msg.RoomID && m.ExternalID == msg.ExternalID {
			return entities.ErrConflict
		}
	}
	msg.ID = s.nextID()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s messageStore) Exists(ctx context.Context, roomID int64, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if externalID != "" && m.RoomID == roomID && m.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (s messageStore) ListBySession(ctx context.Context, sessionID int64) ([]entities.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.Message{}
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Summaries

func (s summaryStore) CreateProcessing(ctx context.Context, summary *entities.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[summary.SessionID]; ok {
		return entities.ErrConflict
	}
	summary.ID = s.nextID()
	summary.Status = entities.SummaryProcessing
	cp := *summary
	s.summaries[summary.SessionID] = &cp
	return nil
}

func (s summaryStore) Finalize(ctx context.Context, summary *entities.Summary) error {
	if s.panicOnFinalize {
		panic("finalize exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.summaries[summary.SessionID]
	if !ok || existing.Status != entities.SummaryProcessing {
		return entities.ErrNotFound
	}
	cp := *summary
	s.summaries[summary.SessionID] = &cp
	return nil
}

func (s summaryStore) GetBySession(ctx context.Context, sessionID int64) (*entities.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sum
	return &cp, nil
}

// Raw events

func (s rawEventStore) Insert(ctx context.Context, event *entities.RawEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rawEvents[event.EventID]; ok {
		return false, nil
	}
	cp := *event
	s.rawEvents[event.EventID] = &cp
	s.rawOrder = append(s.rawOrder, event.EventID)
	return true, nil
}

func (s rawEventStore) MarkProcessed(ctx context.Context, eventID string, processErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rawEvents[eventID]; ok {
		t := at
		e.ProcessedAt = &t
		e.ProcessError = processErr
	}
	return nil
}

func (s rawEventStore) RecordFailure(ctx context.Context, eventID string, processErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rawEvents[eventID]; ok && e.ProcessedAt == nil {
		e.ProcessError = processErr
		e.Attempts++
	}
	return nil
}

func (s rawEventStore) ListUnprocessed(ctx context.Context, since time.Time, maxAttempts, limit int) ([]entities.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.RawEvent{}
	for _, id := range s.rawOrder {
		e := s.rawEvents[id]
		if e.ProcessedAt == nil && !e.ReceivedAt.Before(since) && e.Attempts < maxAttempts {
			out = append(out, *e)
		}
	}
	return paginate(out, limit, 0), nil
}

func (s rawEventStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.rawOrder[:0]
	for _, id := range s.rawOrder {
		if s.rawEvents[id].ExpiresAt.Before(now) {
			delete(s.rawEvents, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.rawOrder = kept
	return n, nil
}

// Usage

func (s usageStore) RecordMessage(ctx context.Context, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCalls["message"]++
	return nil
}

func (s usageStore) RecordSessionClosed(ctx context.Context, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCalls["session_closed"]++
	return nil
}

func (s usageStore) RecordSummary(ctx context.Context, ownerID int64, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCalls["summary"]++
	s.usageCalls["tokens"] += tokens
	return nil
}

func (s usageStore) History(ctx context.Context, ownerID int64, days int) ([]entities.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []entities.DailyUsage{{MessagesReceived: s.usageCalls["message"]}}, nil
}

// Test helpers over the raw maps.

func (m *memStore) activeCountByRoom() map[int64]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int)
	for _, s := range m.sessions {
		if s.Status == entities.SessionActive {
			out[s.RoomID]++
		}
	}
	return out
}

func (m *memStore) sessionsOfRoom(roomID int64) []*entities.ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.ChatSession
	for _, s := range m.sessions {
		if s.RoomID == roomID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) allMessages() []entities.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entities.Message{}, m.messages...)
}

func (m *memStore) summaryOf(sessionID int64) *entities.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.summaries[sessionID]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// AI and media stubs.

type stubAI struct {
	mu     sync.Mutex
	text   string
	err    error
	panics bool
	usage  [2]int
	calls  int
	prompt string
}

func (a *stubAI) Generate(ctx context.Context, prompt string) (*interfaces.Completion, error) {
	a.mu.Lock()
	a.calls++
	a.prompt = prompt
	a.mu.Unlock()
	if a.panics {
		panic("provider exploded")
	}
	if a.err != nil {
		return nil, a.err
	}
	return &interfaces.Completion{Text: a.text, Model: "stub-model", PromptTokens: a.usage[0], CompletionTokens: a.usage[1]}, nil
}

type stubFetcher struct {
	media *interfaces.Media
	err   error
}

func (f stubFetcher) Fetch(ctx context.Context, owner *entities.Owner, image entities.ImagePayload) (*interfaces.Media, error) {
	return f.media, f.err
}

type memMediaStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *memMediaStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[key] = data
	return nil
}

func (s *memMediaStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, key)
	return nil
}

// fakeClock is a settable clock shared by all components of a harness.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
