package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/mcdev12/cuehall/go/internal/store/memstore"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, s store.Store) (*Service, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JetStreamConfig.URL = ""
	svc, err := NewService(cfg, s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.connectionManager.Start(ctx)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/club?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func changeFor(t *testing.T, club string, coll models.Collection, id string) models.ChangeEvent {
	t.Helper()
	doc, err := models.NewDocument(club, coll, id, map[string]any{"status": "in_use"})
	require.NoError(t, err)
	doc.Version = 3
	return models.ChangeEvent{ID: "ev-" + id, Type: models.ChangeTypeUpsert, Document: doc}
}

func TestBroadcastReachesOnlyMatchingPool(t *testing.T) {
	svc, srv := newTestService(t, memstore.New(nil))

	tables := dial(t, srv, "club_id=club-1&collection=tables&device_id=desk-1")
	sessions := dial(t, srv, "club_id=club-1&collection=sessions&device_id=desk-2")

	require.Eventually(t, func() bool { return svc.Stats().TotalConnections == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, svc.Stats().Pools["club-1/tables"])

	require.NoError(t, svc.Broadcast(changeFor(t, "club-2", models.CollectionTables, "t-9")))
	require.NoError(t, svc.Broadcast(changeFor(t, "club-1", models.CollectionTables, "t-1")))

	require.NoError(t, tables.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := tables.ReadMessage()
	require.NoError(t, err)

	ev, err := DecodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, "t-1", ev.Document.ID)
	assert.Equal(t, "club-1", ev.Document.ClubID)
	assert.Equal(t, int64(3), ev.Document.Version)

	require.NoError(t, sessions.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = sessions.ReadMessage()
	assert.Error(t, err, "sessions pool must not see table changes")
}

func TestConnectionRequiresClubAndCollection(t *testing.T) {
	_, srv := newTestService(t, memstore.New(nil))

	for _, q := range []string{"collection=tables", "club_id=club-1"} {
		resp, err := http.Get(srv.URL + "/ws/club?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestDisconnectLeavesPool(t *testing.T) {
	svc, srv := newTestService(t, memstore.New(nil))

	conn := dial(t, srv, "club_id=club-1&collection=tables")
	require.Eventually(t, func() bool { return svc.Stats().TotalConnections == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return svc.Stats().TotalConnections == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, svc.Stats().Pools)
}

func TestStatsEndpoint(t *testing.T) {
	svc, srv := newTestService(t, memstore.New(nil))
	dial(t, srv, "club_id=club-1&collection=tables")
	require.Eventually(t, func() bool { return svc.Stats().TotalConnections == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, map[string]int{"club-1/tables": 1}, stats.Pools)
}

func TestSnapshot(t *testing.T) {
	ms := memstore.New(nil)
	a := changeFor(t, "club-1", models.CollectionTables, "t-2").Document
	b := changeFor(t, "club-1", models.CollectionTables, "t-1").Document
	gone := changeFor(t, "club-1", models.CollectionTables, "t-3").Document
	gone.Deleted = true
	ms.Seed(a, b, gone)
	_, srv := newTestService(t, ms)

	resp, err := http.Get(srv.URL + "/api/clubs/club-1/collections/tables")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body snapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Documents, 2)
	assert.Equal(t, "t-1", body.Documents[0].ID)
	assert.Equal(t, "t-2", body.Documents[1].ID)

	resp, err = http.Get(srv.URL + "/api/clubs/club-9/collections/tables")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Documents)
	assert.NotNil(t, body.Documents)
}

func TestSnapshotMapsStoreErrors(t *testing.T) {
	ms := memstore.New(nil)
	ms.FailNext(memstore.OpFetch, models.CollectionTables, store.E(store.KindPermission, memstore.OpFetch, "tables", errors.New("denied")))
	_, srv := newTestService(t, ms)

	resp, err := http.Get(srv.URL + "/api/clubs/club-1/collections/tables")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "permission", body.Kind)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind store.Kind
		want int
	}{
		{store.KindNotFound, http.StatusNotFound},
		{store.KindShape, http.StatusBadRequest},
		{store.KindAuth, http.StatusUnauthorized},
		{store.KindConflict, http.StatusConflict},
		{store.KindTimeout, http.StatusGatewayTimeout},
		{store.KindNetwork, http.StatusServiceUnavailable},
		{store.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(store.E(tt.kind, "fetch", "tables", errors.New("x"))))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}

func TestDecodeChange(t *testing.T) {
	ev := changeFor(t, "club-1", models.CollectionSessions, "t-1")
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := DecodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.JSONEq(t, string(ev.Document.Data), string(got.Document.Data))

	_, err = DecodeChange([]byte(`{"id":"x","type":"upsert","document":{"id":"t-1"}}`))
	assert.ErrorContains(t, err, "missing document key")

	_, err = DecodeChange([]byte(`{"id":"x","type":"rename","document":{"id":"t-1","club_id":"c","collection":"tables"}}`))
	assert.ErrorContains(t, err, "unknown change type")

	_, err = DecodeChange([]byte(`nope`))
	assert.Error(t, err)
}

type recorder struct {
	events []models.ChangeEvent
	busy   bool
}

func (r *recorder) Broadcast(ev models.ChangeEvent) error {
	if r.busy {
		return ErrBroadcastBusy
	}
	r.events = append(r.events, ev)
	return nil
}

func TestProcessMessageBroadcasts(t *testing.T) {
	rec := &recorder{}
	ec := &EventConsumer{broadcaster: rec}

	data, err := json.Marshal(changeFor(t, "club-1", models.CollectionTables, "t-4"))
	require.NoError(t, err)

	require.NoError(t, ec.processMessage("club.changes.club-1.tables", data))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "t-4", rec.events[0].Document.ID)

	assert.Error(t, ec.processMessage("club.changes.club-1.tables", []byte(`{}`)))
	assert.Len(t, rec.events, 1)

	rec.busy = true
	assert.ErrorIs(t, ec.processMessage("club.changes.club-1.tables", data), ErrBroadcastBusy)
}

func TestBroadcastReportsFullQueue(t *testing.T) {
	cm := &ConnectionManager{broadcastCh: make(chan BroadcastMessage, 1)}

	require.NoError(t, cm.Broadcast(changeFor(t, "club-1", models.CollectionTables, "t-1")))
	err := cm.Broadcast(changeFor(t, "club-1", models.CollectionTables, "t-2"))
	assert.ErrorIs(t, err, ErrBroadcastBusy)
}

type fakeMsg struct {
	jetstream.Msg
	acked, nakked, termed bool
	delay                 time.Duration
}

func (m *fakeMsg) Subject() string { return "club.changes.club-1.tables" }

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Term() error {
	m.termed = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.nakked, m.delay = true, d
	return nil
}

func TestSettleAcksRedeliversOrDrops(t *testing.T) {
	ec := &EventConsumer{config: DefaultJetStreamConsumerConfig()}

	ok := &fakeMsg{}
	ec.settle(ok, nil)
	assert.True(t, ok.acked)

	busy := &fakeMsg{}
	ec.settle(busy, fmt.Errorf("%w: club-1/tables", ErrBroadcastBusy))
	assert.True(t, busy.nakked)
	assert.False(t, busy.acked)
	assert.Equal(t, time.Second, busy.delay)

	bad := &fakeMsg{}
	ec.settle(bad, errors.New("unmarshal change event: bad"))
	assert.True(t, bad.termed)
	assert.False(t, bad.acked)
}
