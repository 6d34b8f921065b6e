// Package realtime keeps local collections in step with the store through push subscriptions,
// falling back to periodic full fetches while push is unavailable.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/health"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSubscribeTimeout = 5 * time.Second
	DefaultRetryInterval    = 2 * time.Second
	DefaultFallbackInterval = 30 * time.Second
	DefaultFetchTimeout     = 10 * time.Second
)

// Sink receives authoritative data.
type Sink interface {
	Reconcile(coll models.Collection, docs []models.Document)
	ApplyRemote(ev models.ChangeEvent)
	Clear(coll models.Collection)
}

// Health receives fetch and channel outcomes.
type Health interface {
	ReportFailure(collection string, err error) health.Tier
	ReportSuccess(collection string)
	ReportRealtimeDown(err error)
	ReportRealtimeUp()
}

// Config configures a Reconciler.
type Config struct {
	ClubID           string
	Collections      []models.Collection
	SubscribeTimeout time.Duration
	RetryInterval    time.Duration
	FallbackInterval time.Duration
	FetchTimeout     time.Duration
	// OnUpdate runs after a collection received authoritative data.
	OnUpdate func(coll models.Collection)
}

// Reconciler owns one subscription per collection.
type Reconciler struct {
	store  store.Store
	sink   Sink
	health Health
	clock  clockwork.Clock
	cfg    Config

	mu         sync.Mutex
	rootCtx    context.Context
	rootCancel context.CancelFunc
	genCancel  context.CancelFunc
	genWG      sync.WaitGroup
	live       map[models.Collection]bool
	down       map[models.Collection]error
	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
	started    bool
}

// New creates a Reconciler. Zero durations take the package defaults.
func New(s store.Store, sink Sink, h Health, c clockwork.Clock, cfg Config) *Reconciler {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = DefaultFallbackInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = models.PrimaryCollections
	}
	return &Reconciler{
		store:  s,
		sink:   sink,
		health: h,
		clock:  c,
		cfg:    cfg,
		live:   make(map[models.Collection]bool),
		down:   make(map[models.Collection]error),
	}
}

// Start fetches every collection and opens the subscriptions. The initial fetch error is
// returned for logging; subscriptions start regardless.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("reconciler already started")
	}
	r.started = true
	r.rootCtx, r.rootCancel = context.WithCancel(ctx)
	r.mu.Unlock()

	err := r.SyncNow(ctx)
	r.subscribeAll()
	return err
}

// Stop tears down every subscription and the fallback poller.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.rootCancel()
	r.mu.Unlock()

	r.genWG.Wait()
	r.pollWG.Wait()
	log.Info().Str("club_id", r.cfg.ClubID).Msg("realtime reconciler stopped")
}

// ReconnectRealtime tears down and rebuilds every subscription.
func (r *Reconciler) ReconnectRealtime() {
	r.mu.Lock()
	if !r.started || r.rootCtx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if r.genCancel != nil {
		r.genCancel()
	}
	r.mu.Unlock()

	r.genWG.Wait()
	log.Info().Str("club_id", r.cfg.ClubID).Msg("reconnecting realtime channels")
	r.subscribeAll()
}

// OnVisible recovers after the terminal returns to the foreground.
func (r *Reconciler) OnVisible(ctx context.Context) error {
	r.ReconnectRealtime()
	return r.SyncNow(ctx)
}

// SyncNow refetches every collection concurrently. Health is reported once every fetch has
// returned, successes first, so the round ends with the failing collections still flagged.
func (r *Reconciler) SyncNow(ctx context.Context) error {
	errs := make([]error, len(r.cfg.Collections))
	var wg sync.WaitGroup
	for i, coll := range r.cfg.Collections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.fetch(ctx, coll)
		}()
	}
	wg.Wait()

	for i, coll := range r.cfg.Collections {
		if errs[i] == nil {
			r.health.ReportSuccess(string(coll))
		}
	}
	for i, coll := range r.cfg.Collections {
		if errs[i] != nil {
			errs[i] = r.fetchFailed(coll, errs[i])
		}
	}
	return errors.Join(errs...)
}

// Refetch loads one collection and installs it. A query-level failure empties the local copy.
func (r *Reconciler) Refetch(ctx context.Context, coll models.Collection) error {
	if err := r.fetch(ctx, coll); err != nil {
		return r.fetchFailed(coll, err)
	}
	r.health.ReportSuccess(string(coll))
	return nil
}

func (r *Reconciler) fetch(ctx context.Context, coll models.Collection) error {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	docs, err := r.store.Fetch(fetchCtx, r.cfg.ClubID, coll)
	if err != nil {
		return err
	}
	r.sink.Reconcile(coll, docs)
	r.notify(coll)
	return nil
}

func (r *Reconciler) fetchFailed(coll models.Collection, err error) error {
	tier := r.health.ReportFailure(string(coll), err)
	if tier == health.TierQuery {
		r.sink.Clear(coll)
	}
	log.Warn().Err(err).Str("collection", string(coll)).Str("tier", tier.String()).Msg("fetch failed")
	return fmt.Errorf("failed to fetch %s: %w", coll, err)
}

// Live reports whether coll has an open subscription.
func (r *Reconciler) Live(coll models.Collection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[coll]
}

// Polling reports whether the fallback poller is running.
func (r *Reconciler) Polling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollCancel != nil
}

func (r *Reconciler) notify(coll models.Collection) {
	if r.cfg.OnUpdate != nil {
		r.cfg.OnUpdate(coll)
	}
}

func (r *Reconciler) subscribeAll() {
	r.mu.Lock()
	genCtx, cancel := context.WithCancel(r.rootCtx)
	r.genCancel = cancel
	r.mu.Unlock()

	for _, coll := range r.cfg.Collections {
		r.genWG.Add(1)
		go func() {
			defer r.genWG.Done()
			r.watch(genCtx, coll)
		}()
	}
}

// subscribe opens one channel, bounded by the subscribe timeout.
func (r *Reconciler) subscribe(ctx context.Context, coll models.Collection) (store.Subscription, error) {
	subCtx, cancel := clockwork.WithTimeout(ctx, r.clock, r.cfg.SubscribeTimeout)
	defer cancel()

	sub, err := r.store.Subscribe(subCtx, r.cfg.ClubID, coll)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// wait sleeps for the retry interval. It returns false if ctx ended first.
func (r *Reconciler) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(r.cfg.RetryInterval):
		return true
	}
}

// watch runs one collection's subscription. Setup is tried twice; an established channel that
// closes is reopened once. When both attempts fail the collection is marked down and the loop
// exits until the next reconnect.
func (r *Reconciler) watch(ctx context.Context, coll models.Collection) {
	logger := log.With().Str("club_id", r.cfg.ClubID).Str("collection", string(coll)).Logger()

	sub, err := r.subscribe(ctx, coll)
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("subscribe failed, retrying once")
		if !r.wait(ctx) {
			return
		}
		sub, err = r.subscribe(ctx, coll)
	}

	for {
		if ctx.Err() != nil {
			if sub != nil {
				sub.Close()
			}
			r.setLive(coll, false)
			return
		}
		if err != nil {
			r.markDown(coll, err)
			return
		}

		r.markUp(coll)
		// Pick up anything missed while the channel was closed.
		if ferr := r.Refetch(ctx, coll); ferr != nil {
			logger.Debug().Err(ferr).Msg("refetch after subscribe failed")
		}

		cerr := r.consume(ctx, sub, coll)
		sub.Close()
		r.setLive(coll, false)
		if ctx.Err() != nil {
			return
		}

		logger.Warn().Err(cerr).Msg("realtime channel closed, resubscribing")
		if !r.wait(ctx) {
			return
		}
		sub, err = r.subscribe(ctx, coll)
	}
}

// consume applies events until the subscription ends or ctx is cancelled.
func (r *Reconciler) consume(ctx context.Context, sub store.Subscription, coll models.Collection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Events():
			r.sink.ApplyRemote(ev)
			r.notify(coll)
		case <-sub.Done():
			// Drain what was buffered before the close.
			for {
				select {
				case ev := <-sub.Events():
					r.sink.ApplyRemote(ev)
				default:
					if err := sub.Err(); err != nil {
						return err
					}
					return errors.New("subscription closed")
				}
			}
		}
	}
}

func (r *Reconciler) setLive(coll models.Collection, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[coll] = live
}

func (r *Reconciler) markUp(coll models.Collection) {
	r.mu.Lock()
	r.live[coll] = true
	_, wasDown := r.down[coll]
	delete(r.down, coll)
	allUp := len(r.down) == 0
	var stopPoll context.CancelFunc
	if allUp && r.pollCancel != nil {
		stopPoll = r.pollCancel
		r.pollCancel = nil
	}
	r.mu.Unlock()

	if wasDown {
		log.Info().Str("collection", string(coll)).Msg("realtime channel restored")
	}
	if allUp {
		r.health.ReportRealtimeUp()
	}
	if stopPoll != nil {
		stopPoll()
		log.Info().Msg("fallback polling stopped")
	}
}

func (r *Reconciler) markDown(coll models.Collection, err error) {
	r.mu.Lock()
	r.live[coll] = false
	r.down[coll] = err
	startPoll := r.pollCancel == nil && r.rootCtx.Err() == nil
	var pollCtx context.Context
	if startPoll {
		pollCtx, r.pollCancel = context.WithCancel(r.rootCtx)
		r.pollWG.Add(1)
	}
	r.mu.Unlock()

	log.Error().Err(err).Str("collection", string(coll)).Msg("realtime unavailable")
	r.health.ReportRealtimeDown(err)

	if startPoll {
		go r.poll(pollCtx)
	}
}

// poll refetches everything on the fallback interval until cancelled.
func (r *Reconciler) poll(ctx context.Context) {
	defer r.pollWG.Done()

	ticker := r.clock.NewTicker(r.cfg.FallbackInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.cfg.FallbackInterval).Msg("fallback polling started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := r.SyncNow(ctx); err != nil {
				log.Debug().Err(err).Msg("fallback poll incomplete")
			}
		}
	}
}
