package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Subscribe opens a LISTEN connection and relays notices for one club collection. The
// subscription ends with a network error when the connection drops, since notices sent while
// disconnected are lost and the subscriber has to refetch.
func (s *Store) Subscribe(ctx context.Context, clubID string, coll models.Collection) (store.Subscription, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	feed := store.NewFeed(s.cfg.FeedBuffer, cancel)

	listener := pq.NewListener(
		s.cfg.DSN,
		s.cfg.MinReconnectInterval,
		s.cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected:
				log.Warn().Err(err).Str("collection", string(coll)).Msg("change listener disconnected")
				feed.Fail(store.E(store.KindNetwork, "subscribe", string(coll), errors.New("listener disconnected")))
			case pq.ListenerEventConnectionAttemptFailed:
				log.Error().Err(err).Str("collection", string(coll)).Msg("change listener connection attempt failed")
			}
		},
	)

	listening := make(chan error, 1)
	go func() { listening <- listener.Listen(s.cfg.NotifyChannel) }()

	select {
	case err := <-listening:
		if err != nil {
			cancel()
			_ = listener.Close()
			return nil, classify("subscribe", string(coll), err)
		}
	case <-ctx.Done():
		cancel()
		_ = listener.Close()
		return nil, store.E(store.KindTimeout, "subscribe", string(coll), ctx.Err())
	}

	log.Info().
		Str("club_id", clubID).
		Str("collection", string(coll)).
		Str("channel", s.cfg.NotifyChannel).
		Msg("listening for changes")

	go s.relay(runCtx, listener, feed, clubID, coll)
	return feed, nil
}

func (s *Store) relay(ctx context.Context, listener *pq.Listener, feed *store.Feed, clubID string, coll models.Collection) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	defer func() {
		if err := listener.Close(); err != nil {
			log.Debug().Err(err).Msg("close change listener")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-listener.Notify:
			if note == nil {
				// nil means the connection was re-established and notices may have been missed
				feed.Fail(store.E(store.KindNetwork, "subscribe", string(coll), errors.New("listener reconnected")))
				return
			}
			if err := s.handleNotice(ctx, feed, note.Extra, clubID, coll); err != nil {
				if ctx.Err() != nil {
					return
				}
				// the subscriber cannot know what changed and has to refetch
				log.Error().Err(err).Str("collection", string(coll)).Msg("failed to relay change")
				feed.Fail(err)
				return
			}
		case <-pingTicker.C:
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping change listener")
			}
		}
	}
}

// handleNotice loads the announced document and pushes it when it belongs to this feed. An error
// means a change for this feed may have been lost.
func (s *Store) handleNotice(ctx context.Context, feed *store.Feed, extra, clubID string, coll models.Collection) error {
	var notice models.ChangeNotice
	if err := json.Unmarshal([]byte(extra), &notice); err != nil {
		return store.E(store.KindShape, "subscribe", string(coll), err)
	}
	if notice.ClubID != clubID || notice.Collection != coll {
		return nil
	}

	getCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	doc, err := s.Get(getCtx, clubID, coll, notice.DocumentID)
	if err != nil {
		return store.E(store.KindNetwork, "subscribe", string(coll), err)
	}

	feed.Send(models.ChangeEvent{ID: notice.EventID, Type: store.ChangeTypeOf(doc), Document: doc})
	return nil
}
