// Package memstore is an in-memory Store with version checks, push updates and fault injection.
// The terminal uses it for offline demos and every sync test uses it as the backend.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Ops accepted by the fault injection helpers.
const (
	OpFetch     = "fetch"
	OpWrite     = "write"
	OpSubscribe = "subscribe"
)

type feedKey struct {
	clubID string
	coll   models.Collection
}

type faultKey struct {
	op   string
	coll models.Collection
}

// Store implements store.Store in memory.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	docs  map[string]map[models.Collection]map[string]models.Document
	feeds map[feedKey]map[*store.Feed]struct{}

	failNext      map[faultKey][]error
	failAlways    map[faultKey]error
	hangSubscribe bool
	gate          chan struct{}

	writes []store.WriteOp
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New(c clockwork.Clock) *Store {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Store{
		clock:      c,
		docs:       make(map[string]map[models.Collection]map[string]models.Document),
		feeds:      make(map[feedKey]map[*store.Feed]struct{}),
		failNext:   make(map[faultKey][]error),
		failAlways: make(map[faultKey]error),
	}
}

func (s *Store) collection(clubID string, coll models.Collection) map[string]models.Document {
	byColl, ok := s.docs[clubID]
	if !ok {
		byColl = make(map[models.Collection]map[string]models.Document)
		s.docs[clubID] = byColl
	}
	docs, ok := byColl[coll]
	if !ok {
		docs = make(map[string]models.Document)
		byColl[coll] = docs
	}
	return docs
}

// fault returns the injected error for op on coll, consuming one-shot faults first.
func (s *Store) fault(op string, coll models.Collection) error {
	for _, key := range []faultKey{{op, coll}, {op, ""}} {
		if queue := s.failNext[key]; len(queue) > 0 {
			s.failNext[key] = queue[1:]
			return queue[0]
		}
		if err, ok := s.failAlways[key]; ok {
			return err
		}
	}
	return nil
}

// Seed stores documents as-is without emitting change events. Zero versions become 1.
func (s *Store) Seed(docs ...models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		if d.Version == 0 {
			d.Version = 1
		}
		if d.UpdatedAt.IsZero() {
			d.UpdatedAt = s.clock.Now()
		}
		s.collection(d.ClubID, d.Collection)[d.ID] = d
	}
}

// Fetch returns the live documents of a collection ordered by id.
func (s *Store) Fetch(ctx context.Context, clubID string, coll models.Collection) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.E(store.KindTimeout, OpFetch, string(coll), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpFetch, coll); err != nil {
		return nil, err
	}

	docs := s.collection(clubID, coll)
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if d.Deleted {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Write applies op. BaseVersion, when set, must match the stored version.
func (s *Store) Write(ctx context.Context, op store.WriteOp) (models.Document, error) {
	coll := string(op.Document.Collection)

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Document{}, store.E(store.KindTimeout, OpWrite, coll, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes = append(s.writes, op)
	if err := s.fault(OpWrite, op.Document.Collection); err != nil {
		return models.Document{}, err
	}

	docs := s.collection(op.Document.ClubID, op.Document.Collection)
	var current *models.Document
	if d, ok := docs[op.Document.ID]; ok {
		current = &d
	}
	doc, err := store.Apply(op, current, s.clock.Now())
	if err != nil {
		return models.Document{}, err
	}
	docs[doc.ID] = doc

	s.broadcast(models.ChangeEvent{ID: uuid.NewString(), Type: store.ChangeTypeOf(doc), Document: doc})
	return doc, nil
}

func (s *Store) broadcast(ev models.ChangeEvent) {
	key := feedKey{clubID: ev.Document.ClubID, coll: ev.Document.Collection}
	for feed := range s.feeds[key] {
		feed.Send(ev)
	}
}

// Subscribe opens a push feed for one collection.
func (s *Store) Subscribe(ctx context.Context, clubID string, coll models.Collection) (store.Subscription, error) {
	s.mu.Lock()
	hang := s.hangSubscribe
	err := s.fault(OpSubscribe, coll)
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, store.E(store.KindTimeout, OpSubscribe, string(coll), ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	key := feedKey{clubID: clubID, coll: coll}
	var feed *store.Feed
	// A feed can end from inside broadcast while s.mu is held.
	feed = store.NewFeed(store.DefaultFeedBuffer, func() {
		go func() {
			s.mu.Lock()
			delete(s.feeds[key], feed)
			s.mu.Unlock()
		}()
	})

	s.mu.Lock()
	if s.feeds[key] == nil {
		s.feeds[key] = make(map[*store.Feed]struct{})
	}
	s.feeds[key][feed] = struct{}{}
	s.mu.Unlock()

	log.Debug().Str("club_id", clubID).Str("collection", string(coll)).Msg("memstore subscription opened")
	return feed, nil
}

// FailNext makes the next op on coll fail with err. An empty coll matches any collection.
func (s *Store) FailNext(op string, coll models.Collection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := faultKey{op, coll}
	s.failNext[key] = append(s.failNext[key], err)
}

// FailAlways makes every op on coll fail with err until Heal.
func (s *Store) FailAlways(op string, coll models.Collection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlways[faultKey{op, coll}] = err
}

// HangSubscribe makes Subscribe block until its context ends.
func (s *Store) HangSubscribe(hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangSubscribe = hang
}

// Heal clears every injected fault.
func (s *Store) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = make(map[faultKey][]error)
	s.failAlways = make(map[faultKey]error)
	s.hangSubscribe = false
}

// DropSubscriptions ends every open feed with err, or a network error when err is nil.
func (s *Store) DropSubscriptions(err error) {
	if err == nil {
		err = store.E(store.KindNetwork, OpSubscribe, "", errors.New("channel closed"))
	}
	s.mu.Lock()
	var feeds []*store.Feed
	for _, set := range s.feeds {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Fail(err)
	}
}

// Subscribers returns the number of open feeds on a collection.
func (s *Store) Subscribers(clubID string, coll models.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds[feedKey{clubID, coll}])
}

// HoldWrites blocks every Write until the returned release func is called.
func (s *Store) HoldWrites() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Writes returns every write attempted so far, including failed ones.
func (s *Store) Writes() []store.WriteOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.WriteOp{}, s.writes...)
}

// Get returns the stored document, including tombstones.
func (s *Store) Get(clubID string, coll models.Collection, id string) (models.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.collection(clubID, coll)[id]
	return d, ok
}
