// Package rpcstore is a store.Store client for a remote cuehall server. Fetch and Write go over
// Connect; Subscribe opens a gateway websocket.
package rpcstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/mcdev12/cuehall/go/internal/storeservice"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	opFetch     = "fetch"
	opWrite     = "write"
	opSubscribe = "subscribe"
)

type Config struct {
	// BaseURL is the server root, e.g. http://club-server:8080.
	BaseURL    string
	DeviceID   string
	FeedBuffer int
	// DialTimeout bounds the websocket handshake when the caller's context has no deadline.
	DialTimeout time.Duration
	// ReadTimeout fails a subscription that receives neither a change nor a gateway ping for
	// this long. It must exceed the gateway's ping interval.
	ReadTimeout time.Duration
}

// Store talks to a remote store service.
type Store struct {
	cfg    Config
	fetch  *connect.Client[structpb.Struct, structpb.Struct]
	write  *connect.Client[structpb.Struct, structpb.Struct]
	dialer *websocket.Dialer
	wsURL  *url.URL
}

var _ store.Store = (*Store)(nil)

// New creates a client. httpClient nil uses http.DefaultClient.
func New(httpClient connect.HTTPClient, cfg Config, opts ...connect.ClientOption) (*Store, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	ws.Path = "/ws/club"

	return &Store{
		cfg:    cfg,
		fetch:  connect.NewClient[structpb.Struct, structpb.Struct](httpClient, cfg.BaseURL+storeservice.FetchProcedure, opts...),
		write:  connect.NewClient[structpb.Struct, structpb.Struct](httpClient, cfg.BaseURL+storeservice.WriteProcedure, opts...),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		wsURL:  &ws,
	}, nil
}

func (s *Store) Fetch(ctx context.Context, clubID string, coll models.Collection) ([]models.Document, error) {
	req, err := storeservice.ToStruct(storeservice.FetchRequest{ClubID: clubID, Collection: coll})
	if err != nil {
		return nil, store.E(store.KindShape, opFetch, string(coll), err)
	}

	res, err := s.fetch.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(opFetch, string(coll), err)
	}

	var out storeservice.FetchResponse
	if err := storeservice.FromStruct(res.Msg, &out); err != nil {
		return nil, store.E(store.KindShape, opFetch, string(coll), err)
	}
	return out.Documents, nil
}

func (s *Store) Write(ctx context.Context, op store.WriteOp) (models.Document, error) {
	coll := string(op.Document.Collection)
	if op.Origin == "" {
		op.Origin = s.cfg.DeviceID
	}

	req, err := storeservice.ToStruct(op)
	if err != nil {
		return models.Document{}, store.E(store.KindShape, opWrite, coll, err)
	}

	res, err := s.write.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return models.Document{}, fromConnectError(opWrite, coll, err)
	}

	var doc models.Document
	if err := storeservice.FromStruct(res.Msg, &doc); err != nil {
		return models.Document{}, store.E(store.KindShape, opWrite, coll, err)
	}
	return doc, nil
}

// Subscribe opens a gateway websocket for the collection. ctx bounds the handshake only; the
// subscription lives until Close or a transport failure.
func (s *Store) Subscribe(ctx context.Context, clubID string, coll models.Collection) (store.Subscription, error) {
	u := *s.wsURL
	q := url.Values{}
	q.Set("club_id", clubID)
	q.Set("collection", string(coll))
	if s.cfg.DeviceID != "" {
		q.Set("device_id", s.cfg.DeviceID)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		kind := store.KindNetwork
		if ctx.Err() != nil {
			kind = store.KindTimeout
		} else if resp != nil {
			kind = kindForStatus(resp.StatusCode)
		}
		return nil, store.E(kind, opSubscribe, string(coll), err)
	}

	feed := store.NewFeed(s.cfg.FeedBuffer, func() { conn.Close() })
	go s.relay(conn, feed, clubID, coll)

	log.Debug().Str("club_id", clubID).Str("collection", string(coll)).Msg("subscribed to gateway")
	return feed, nil
}

func (s *Store) relay(conn *websocket.Conn, feed *store.Feed, clubID string, coll models.Collection) {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-feed.Done():
				// closed by the caller
			default:
				feed.Fail(store.E(store.KindNetwork, opSubscribe, string(coll), err))
			}
			return
		}
		extend()

		var ev models.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			feed.Fail(store.E(store.KindShape, opSubscribe, string(coll), err))
			return
		}
		if ev.Document.ClubID != clubID || ev.Document.Collection != coll {
			continue
		}
		if !feed.Send(ev) {
			return
		}
	}
}

func fromConnectError(op, coll string, err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return store.E(storeservice.KindFor(ce.Code()), op, coll, errors.New(ce.Message()))
	}
	return store.E(storeservice.KindFor(connect.CodeOf(err)), op, coll, err)
}

func kindForStatus(status int) store.Kind {
	switch status {
	case http.StatusUnauthorized:
		return store.KindAuth
	case http.StatusForbidden:
		return store.KindPermission
	case http.StatusBadRequest:
		return store.KindShape
	default:
		return store.KindNetwork
	}
}
