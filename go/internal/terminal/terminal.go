// Package terminal is the staff terminal service: one object per signed-in device that owns the
// sync engine and exposes table actions to the presentation layer.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/clock"
	"github.com/mcdev12/cuehall/go/internal/config"
	"github.com/mcdev12/cuehall/go/internal/health"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/mutation"
	"github.com/mcdev12/cuehall/go/internal/realtime"
	"github.com/mcdev12/cuehall/go/internal/session"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBlocked is returned while the blocking overlay is open.
	ErrBlocked = errors.New("connection lost: retry or sync before continuing")
	// ErrActionInFlight is returned when the same action on the same table is still settling.
	ErrActionInFlight = errors.New("action already in progress")
	ErrUnknownTable   = errors.New("unknown table")
	// ErrNoCheckout is returned when confirming payment before ending the session.
	ErrNoCheckout = errors.New("session has not been ended")
	// ErrCheckoutStale is returned when the session changed since it was ended here.
	ErrCheckoutStale = errors.New("session changed since the bill was shown")
	// ErrAwaitingPayment is returned for table actions between OnEndSession and payment.
	ErrAwaitingPayment = errors.New("session ended and awaiting payment: cancel the checkout to keep playing")
)

// Config configures a Terminal.
type Config struct {
	ClubID string
	// Origin identifies this device on writes. Generated when empty.
	Origin      string
	Plan        models.RatePlan
	Location    *time.Location
	Tables      []models.TableConfig
	Collections []models.Collection
	Policy      mutation.Policy

	Tick             time.Duration
	Debounce         time.Duration
	SubscribeTimeout time.Duration
	RetryInterval    time.Duration
	FallbackInterval time.Duration
	WriteTimeout     time.Duration

	// OnTick is called once per tick with the current views. It must not block.
	OnTick func(views []TableView)
}

// ConfigFromClub builds a terminal config from the club file.
func ConfigFromClub(c *config.Club, origin string) Config {
	return Config{
		ClubID:           c.ID,
		Origin:           origin,
		Plan:             c.RatePlan,
		Location:         c.Location(),
		Tables:           c.Tables,
		Collections:      c.Collections,
		Policy:           c.Policy,
		Tick:             c.Sync.Tick,
		Debounce:         c.Sync.Debounce,
		SubscribeTimeout: c.Sync.SubscribeTimeout,
		RetryInterval:    c.Sync.RetryInterval,
		FallbackInterval: c.Sync.FallbackInterval,
		WriteTimeout:     c.Sync.WriteTimeout,
	}
}

// pendingCheckout is an ended session together with the session payload it was billed from.
type pendingCheckout struct {
	session.Checkout
	billed []byte
}

type actionKey struct {
	action  string
	tableID string
}

// Terminal is safe for concurrent use.
type Terminal struct {
	cfg    Config
	clock  clockwork.Clock
	store  store.Store
	health *health.Monitor
	layer  *mutation.Layer
	rec    *realtime.Reconciler

	mu        sync.Mutex
	inflight  map[actionKey]struct{}
	checkouts map[string]pendingCheckout
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	closed    bool
}

// New wires the health monitor, mutation layer and reconciler around s.
func New(s store.Store, c clockwork.Clock, cfg Config) *Terminal {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = models.PrimaryCollections
	}

	t := &Terminal{
		cfg:       cfg,
		clock:     c,
		store:     s,
		inflight:  make(map[actionKey]struct{}),
		checkouts: make(map[string]pendingCheckout),
	}
	t.health = health.NewMonitor(c, health.Config{Debounce: cfg.Debounce})
	t.layer = mutation.New(s, t.health, mutation.Config{
		Origin:       cfg.Origin,
		Policy:       cfg.Policy,
		WriteTimeout: cfg.WriteTimeout,
		Gate:         t.gate,
		OnConflict:   t.onConflict,
	})
	t.rec = realtime.New(s, t.layer, t.health, c, realtime.Config{
		ClubID:           cfg.ClubID,
		Collections:      cfg.Collections,
		SubscribeTimeout: cfg.SubscribeTimeout,
		RetryInterval:    cfg.RetryInterval,
		FallbackInterval: cfg.FallbackInterval,
	})
	return t
}

// Start loads every collection, seeds missing table documents, opens subscriptions and starts
// the display tick. A failed initial load is returned but the terminal keeps running so the
// recovery actions can be used.
func (t *Terminal) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("terminal already started")
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	log.Info().Str("club_id", t.cfg.ClubID).Str("origin", t.cfg.Origin).Int("tables", len(t.cfg.Tables)).Msg("starting terminal")

	err := t.rec.Start(runCtx)
	if err == nil {
		t.bootstrap(runCtx)
	} else {
		log.Error().Err(err).Msg("initial sync incomplete")
	}

	ticker := clock.NewTicker(t.clock, t.cfg.Tick, t.render)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker.Run(runCtx)
	}()
	return err
}

// bootstrap writes the table and free session documents the store does not have yet.
func (t *Terminal) bootstrap(ctx context.Context) {
	var docs []models.Document
	for _, raw := range t.cfg.Tables {
		cfg, _ := t.configured(raw.ID)
		if _, ok := t.layer.Get(tableKey(cfg.ID)); !ok {
			table := cfg
			table.Status = models.TableStatusFree
			if d, err := models.NewDocument(t.cfg.ClubID, models.CollectionTables, cfg.ID, table); err == nil {
				docs = append(docs, d)
			}
		}
		if _, ok := t.layer.Get(sessionKey(cfg.ID)); !ok {
			if d, err := models.NewDocument(t.cfg.ClubID, models.CollectionSessions, cfg.ID, models.NewFreeSession(cfg)); err == nil {
				docs = append(docs, d)
			}
		}
	}
	if len(docs) == 0 {
		return
	}
	if _, err := t.layer.ApplyAndSync(ctx, docs...); err != nil {
		log.Warn().Err(err).Msg("failed to seed table documents")
		return
	}
	log.Info().Int("documents", len(docs)).Msg("seeding table documents")
}

// Close tears down subscriptions and timers. Writes already in flight still complete.
func (t *Terminal) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.rec.Stop()
	t.wg.Wait()
	t.layer.Close()
	t.health.Close()
	log.Info().Str("club_id", t.cfg.ClubID).Msg("terminal closed")
}

// Notices delivers toasts, overlay changes and the realtime badge.
func (t *Terminal) Notices() <-chan health.Notice {
	return t.health.Notices()
}

// Health returns the current connection state.
func (t *Terminal) Health() health.State {
	return t.health.State()
}

// Settle waits for every dispatched write to get a response.
func (t *Terminal) Settle(ctx context.Context) error {
	return t.layer.Settle(ctx)
}

// Retry is the full reload: it forgets local state, clears the overlay and refetches everything.
func (t *Terminal) Retry(ctx context.Context) error {
	log.Info().Msg("retry requested")
	t.health.Clear()
	t.layer.Reset()
	t.mu.Lock()
	t.checkouts = make(map[string]pendingCheckout)
	t.mu.Unlock()

	err := t.rec.SyncNow(ctx)
	t.rec.ReconnectRealtime()
	return err
}

// SyncNow clears the overlay and refetches every collection.
func (t *Terminal) SyncNow(ctx context.Context) error {
	log.Info().Msg("sync requested")
	t.health.Clear()
	return t.rec.SyncNow(ctx)
}

// ReconnectRealtime rebuilds every push subscription.
func (t *Terminal) ReconnectRealtime() {
	t.rec.ReconnectRealtime()
}

// OnVisible recovers after the terminal returns to the foreground.
func (t *Terminal) OnVisible(ctx context.Context) error {
	return t.rec.OnVisible(ctx)
}

func (t *Terminal) gate() error {
	if t.health.Blocked() {
		return ErrBlocked
	}
	return nil
}

func (t *Terminal) onConflict(coll models.Collection) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	log.Info().Str("collection", string(coll)).Msg("write conflict, refetching")
	if err := t.rec.Refetch(context.Background(), coll); err != nil {
		log.Warn().Err(err).Str("collection", string(coll)).Msg("refetch after conflict failed")
	}
}

func (t *Terminal) now() time.Time {
	return t.clock.Now().In(t.cfg.Location)
}

func (t *Terminal) render(time.Time) {
	if t.cfg.OnTick == nil {
		return
	}
	t.cfg.OnTick(t.Tables())
}

// acquire claims an action slot. The returned release is idempotent.
func (t *Terminal) acquire(action, tableID string) (func(), error) {
	key := actionKey{action: action, tableID: tableID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inflight[key]; busy {
		return nil, fmt.Errorf("%w: %s on table %s", ErrActionInFlight, action, tableID)
	}
	t.inflight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.inflight, key)
			t.mu.Unlock()
		})
	}, nil
}

// releaseWhenSettled frees the action slot once batch settles and logs partial failures.
func (t *Terminal) releaseWhenSettled(batch *mutation.Batch, release func(), action, tableID string) {
	go func() {
		<-batch.Done()
		release()

		results := batch.Results()
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 && failed < len(results) {
			log.Warn().Str("action", action).Str("table_id", tableID).Msg("partial write, table marked stale")
			for _, r := range results {
				t.layer.MarkStale(r.Key, "partial write")
			}
		}
	}()
}
