package rpcstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/cuehall/go/internal/gateway"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/mcdev12/cuehall/go/internal/store/memstore"
	"github.com/mcdev12/cuehall/go/internal/storeservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	Label  string `json:"label"`
	Status string `json:"status"`
}

type harness struct {
	backend  *memstore.Store
	gw       *gateway.Service
	client   *Store
	shutdown context.CancelFunc
}

func setup(t *testing.T) *harness {
	t.Helper()
	backend := memstore.New(nil)

	cfg := gateway.DefaultConfig()
	cfg.JetStreamConfig.URL = ""
	gw, err := gateway.NewService(cfg, backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = gw.Start(ctx) }()

	mux := http.NewServeMux()
	mux.Handle(storeservice.NewService(backend).Handler())
	gw.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	client, err := New(srv.Client(), Config{BaseURL: srv.URL, DeviceID: "desk-1"})
	require.NoError(t, err)
	return &harness{backend: backend, gw: gw, client: client, shutdown: cancel}
}

func newTable(t *testing.T, id, status string) models.Document {
	t.Helper()
	doc, err := models.NewDocument("club-1", models.CollectionTables, id, table{Label: id, Status: status})
	require.NoError(t, err)
	return doc
}

func TestWriteAndFetch(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	doc, err := h.client.Write(ctx, store.WriteOp{Kind: store.WriteInsert, Document: newTable(t, "t-1", "available")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.False(t, doc.UpdatedAt.IsZero())

	writes := h.backend.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "desk-1", writes[0].Origin)

	upd := newTable(t, "t-1", "in_use")
	doc, err = h.client.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: upd, BaseVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)

	docs, err := h.client.Fetch(ctx, "club-1", models.CollectionTables)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	var got table
	require.NoError(t, docs[0].Decode(&got))
	assert.Equal(t, "in_use", got.Status)
	assert.Equal(t, int64(2), docs[0].Version)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.client.Write(ctx, store.WriteOp{Kind: store.WriteInsert, Document: newTable(t, "t-1", "available")})
	require.NoError(t, err)

	_, err = h.client.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: newTable(t, "t-1", "in_use"), BaseVersion: 7})
	assert.Equal(t, store.KindConflict, store.KindOf(err))
	assert.Equal(t, "tables", store.CollectionOf(err))

	_, err = h.client.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: newTable(t, "t-404", "in_use")})
	assert.Equal(t, store.KindNotFound, store.KindOf(err))

	_, err = h.client.Write(ctx, store.WriteOp{Kind: "rename", Document: newTable(t, "t-1", "in_use")})
	assert.Equal(t, store.KindShape, store.KindOf(err))

	h.backend.FailNext(memstore.OpFetch, models.CollectionTables, store.E(store.KindPermission, memstore.OpFetch, "tables", errors.New("denied")))
	_, err = h.client.Fetch(ctx, "club-1", models.CollectionTables)
	assert.Equal(t, store.KindPermission, store.KindOf(err))
}

func TestSubscribeReceivesGatewayBroadcasts(t *testing.T) {
	h := setup(t)

	sub, err := h.client.Subscribe(context.Background(), "club-1", models.CollectionTables)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return h.gw.Stats().TotalConnections == 1 }, time.Second, 10*time.Millisecond)

	doc := newTable(t, "t-2", "in_use")
	doc.Version = 4
	require.NoError(t, h.gw.Broadcast(models.ChangeEvent{ID: "ev-1", Type: models.ChangeTypeUpsert, Document: doc}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "ev-1", ev.ID)
		assert.Equal(t, "t-2", ev.Document.ID)
		assert.Equal(t, int64(4), ev.Document.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, sub.Close())
	<-sub.Done()
	assert.NoError(t, sub.Err())
}

func TestSubscribeFailsWhenGatewayShutsDown(t *testing.T) {
	h := setup(t)

	sub, err := h.client.Subscribe(context.Background(), "club-1", models.CollectionTables)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return h.gw.Stats().TotalConnections == 1 }, time.Second, 10*time.Millisecond)

	h.shutdown()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived the gateway")
	}
	assert.Equal(t, store.KindNetwork, store.KindOf(sub.Err()))
}

// silentGateway accepts websocket subscriptions and then sends only pings, every interval, or
// nothing at all when interval is zero.
func silentGateway(t *testing.T, interval time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// pongs are only consumed while something reads
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		if interval == 0 {
			<-done
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})
	return srv
}

func TestSubscribeFailsWhenGatewayGoesSilent(t *testing.T) {
	srv := silentGateway(t, 0)
	client, err := New(srv.Client(), Config{BaseURL: srv.URL, ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "club-1", models.CollectionTables)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("half-open subscription was never failed")
	}
	assert.Equal(t, store.KindNetwork, store.KindOf(sub.Err()))
}

func TestGatewayPingsKeepSubscriptionAlive(t *testing.T) {
	srv := silentGateway(t, 20*time.Millisecond)
	client, err := New(srv.Client(), Config{BaseURL: srv.URL, ReadTimeout: 150 * time.Millisecond})
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "club-1", models.CollectionTables)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-sub.Done():
		t.Fatalf("subscription failed despite pings: %v", sub.Err())
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSubscribeRejectsMissingClub(t *testing.T) {
	h := setup(t)

	_, err := h.client.Subscribe(context.Background(), "", models.CollectionTables)
	assert.Equal(t, store.KindShape, store.KindOf(err))
}

func TestNewRejectsBadScheme(t *testing.T) {
	_, err := New(nil, Config{BaseURL: "ftp://club"})
	assert.Error(t, err)
}

func TestKindFor(t *testing.T) {
	tests := map[connect.Code]store.Kind{
		connect.CodeNotFound:         store.KindNotFound,
		connect.CodeAborted:          store.KindConflict,
		connect.CodePermissionDenied: store.KindPermission,
		connect.CodeUnauthenticated:  store.KindAuth,
		connect.CodeInvalidArgument:  store.KindShape,
		connect.CodeDeadlineExceeded: store.KindTimeout,
		connect.CodeUnavailable:      store.KindNetwork,
		connect.CodeInternal:         store.KindUnknown,
	}
	for code, kind := range tests {
		assert.Equal(t, kind, storeservice.KindFor(code), code.String())
		if kind != store.KindUnknown {
			assert.Equal(t, code, storeservice.CodeFor(kind), kind.String())
		}
	}
}
