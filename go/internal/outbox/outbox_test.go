package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	events []Event
	sent   map[uuid.UUID]bool
}

func newFakeSource(events ...Event) *fakeSource {
	return &fakeSource{events: events, sent: make(map[uuid.UUID]bool)}
}

func (f *fakeSource) FetchUnsent(_ context.Context, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if !f.sent[e.ID] && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) FetchByID(_ context.Context, id uuid.UUID) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ID == id && !f.sent[id] {
			return &e, nil
		}
	}
	return nil, ErrEventNotFound
}

func (f *fakeSource) MarkSent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = true
	return nil
}

func (f *fakeSource) CountPending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events) - len(f.sent), nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []uuid.UUID
	failures  int
}

func (p *fakePublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("nats: no responders")
	}
	p.published = append(p.published, event.ID)
	return nil
}

func (p *fakePublisher) ids() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.published...)
}

func testEvent(t *testing.T, coll models.Collection, id string) Event {
	t.Helper()
	doc, err := models.NewDocument("club.1", coll, id, map[string]any{"id": id})
	require.NoError(t, err)
	doc.Version = 2
	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	return Event{
		ID:         uuid.New(),
		ClubID:     "club.1",
		Collection: coll,
		DocumentID: id,
		ChangeType: models.ChangeTypeUpsert,
		Version:    2,
		Payload:    payload,
		Metadata:   json.RawMessage(`{"origin":"desk-1"}`),
	}
}

func notice(t *testing.T, e Event) string {
	t.Helper()
	b, err := json.Marshal(models.ChangeNotice{EventID: e.ID.String(), ClubID: e.ClubID, Collection: e.Collection, DocumentID: e.DocumentID})
	require.NoError(t, err)
	return string(b)
}

func testConfig() ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.MaxRetries = 2
	return cfg
}

func TestHandleNotificationPublishesAndMarksSent(t *testing.T) {
	e := testEvent(t, models.CollectionSessions, "t-1")
	src := newFakeSource(e)
	pub := &fakePublisher{}
	l := NewListener(src, pub, clockwork.NewFakeClock(), testConfig())

	require.NoError(t, l.handleNotification(context.Background(), notice(t, e)))
	assert.Equal(t, []uuid.UUID{e.ID}, pub.ids())
	assert.True(t, src.sent[e.ID])

	processed, last := l.Stats()
	assert.Equal(t, uint64(1), processed)
	assert.False(t, last.IsZero())

	// already swept
	require.NoError(t, l.handleNotification(context.Background(), notice(t, e)))
	assert.Len(t, pub.ids(), 1)

	assert.Error(t, l.handleNotification(context.Background(), "not json"))
}

func TestProcessUnsentKeepsOrderOnFailure(t *testing.T) {
	first := testEvent(t, models.CollectionSessions, "t-1")
	second := testEvent(t, models.CollectionSessions, "t-1")
	src := newFakeSource(first, second)
	pub := &fakePublisher{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 0
	l := NewListener(src, pub, clockwork.NewFakeClock(), cfg)

	assert.Error(t, l.processUnsent(context.Background()))
	assert.Empty(t, pub.ids())
	assert.False(t, src.sent[second.ID], "later events wait for earlier ones")

	pub.failures = 0
	require.NoError(t, l.processUnsent(context.Background()))
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, pub.ids())
}

func TestPublishRetriesWithBackoff(t *testing.T) {
	e := testEvent(t, models.CollectionTables, "t-2")
	src := newFakeSource(e)
	pub := &fakePublisher{failures: 1}
	fc := clockwork.NewFakeClock()
	l := NewListener(src, pub, fc, testConfig())

	done := make(chan error, 1)
	go func() { done <- l.publishWithRetry(context.Background(), e) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(testConfig().RetryDelay)

	require.NoError(t, <-done)
	assert.Equal(t, []uuid.UUID{e.ID}, pub.ids())
}

func TestPublishGivesUp(t *testing.T) {
	e := testEvent(t, models.CollectionTables, "t-2")
	pub := &fakePublisher{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 0
	l := NewListener(newFakeSource(e), pub, clockwork.NewFakeClock(), cfg)

	err := l.publishWithRetry(context.Background(), e)
	assert.ErrorContains(t, err, "publish failed after 1 attempts")
}

func TestMessage(t *testing.T) {
	e := testEvent(t, models.CollectionSessions, "t-1")

	msg, err := Message("club.changes", e)
	require.NoError(t, err)
	assert.Equal(t, "club.changes.club_1.sessions", msg.Subject)
	assert.Equal(t, e.ID.String(), msg.Header.Get("Event-ID"))
	assert.Equal(t, "desk-1", msg.Header.Get("Origin"))

	var change models.ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Data, &change))
	assert.Equal(t, e.ID.String(), change.ID)
	assert.Equal(t, models.ChangeTypeUpsert, change.Type)
	assert.Equal(t, "t-1", change.Document.ID)
	assert.Equal(t, int64(2), change.Document.Version)

	e.Payload = json.RawMessage(`[`)
	_, err = Message("club.changes", e)
	assert.Error(t, err)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type bus bool

func (b bus) Connected() bool { return bool(b) }

func TestHealthChecker(t *testing.T) {
	e := testEvent(t, models.CollectionTables, "t-1")
	src := newFakeSource(e)
	l := NewListener(src, &fakePublisher{}, clockwork.NewFakeClock(), testConfig())
	l.setRunning(true)

	checker := NewHealthChecker(l, src, pinger{}, bus(true), clockwork.NewFakeClock(), time.Minute)
	status := checker.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.PendingEvents)

	rec := httptest.NewRecorder()
	NewHealthChecker(l, src, pinger{err: errors.New("refused")}, bus(false), nil, time.Minute).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/outbox", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.DatabaseConnected)
	assert.Len(t, body.Errors, 2)
}
