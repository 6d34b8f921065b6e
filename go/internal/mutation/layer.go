// Package mutation applies local changes optimistically and syncs them to the store.
//
// Each document key has an entry holding the last authoritative snapshot and the value shown
// locally. Writes for one key are queued and sent in order; writes for different keys run
// concurrently. A failed write does not roll back the local value: the next authoritative
// read replaces it.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mcdev12/cuehall/go/internal/health"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("mutation layer closed")

// DefaultWriteTimeout bounds a single remote write.
const DefaultWriteTimeout = 10 * time.Second

// Policy selects the concurrency policy for writes.
type Policy string

const (
	// PolicyVersioned sends the base version and lets the store reject stale writes.
	PolicyVersioned Policy = "versioned"
	// PolicyLastWriterWins always overwrites.
	PolicyLastWriterWins Policy = "last_writer_wins"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyVersioned || p == PolicyLastWriterWins
}

// State is the sync state of one entry.
type State int

const (
	StateCommitted State = iota
	StatePending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	default:
		return "committed"
	}
}

// Writer is the part of the store the layer writes through.
type Writer interface {
	Write(ctx context.Context, op store.WriteOp) (models.Document, error)
}

// Reporter receives write failures.
type Reporter interface {
	ReportFailure(collection string, err error) health.Tier
}

// Config configures a Layer.
type Config struct {
	Origin       string
	Policy       Policy
	WriteTimeout time.Duration
	// Gate is checked before every ApplyAndSync. A non-nil error rejects the batch.
	Gate func() error
	// OnConflict runs when the store rejects a stale write.
	OnConflict func(coll models.Collection)
}

type entry struct {
	snapshot *models.Document
	local    models.Document
	state    State
	err      error
	seq      uint64
	stale    string
}

// Entry is a read-only view of one key's sync state.
type Entry struct {
	Document models.Document
	State    State
	Err      error
	Stale    bool
	Reason   string
}

// Layer is safe for concurrent use.
type Layer struct {
	mu      sync.Mutex
	writer  Writer
	health  Reporter
	cfg     Config
	entries map[models.Key]*entry
	// tails holds the last dispatched write per key. It outlives Reset so writes for one key
	// stay ordered across a reload.
	tails    map[models.Key]chan struct{}
	seq      uint64
	inflight int
	idle     chan struct{}
	closed   bool
}

// New creates a Layer writing through w. health may be nil.
func New(w Writer, health Reporter, cfg Config) *Layer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if !cfg.Policy.Valid() {
		cfg.Policy = PolicyVersioned
	}
	return &Layer{
		writer:  w,
		health:  health,
		cfg:     cfg,
		entries: make(map[models.Key]*entry),
		tails:   make(map[models.Key]chan struct{}),
	}
}

// Result is the outcome of one write in a batch.
type Result struct {
	Key      models.Key
	Document models.Document
	Err      error
}

// Batch tracks the writes dispatched by one ApplyAndSync call.
type Batch struct {
	mu      sync.Mutex
	keys    []models.Key
	results []Result
	pending int
	done    chan struct{}
}

func newBatch(n int) *Batch {
	b := &Batch{pending: n, done: make(chan struct{})}
	if n == 0 {
		close(b.done)
	}
	return b
}

func (b *Batch) finish(r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, r)
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

// Keys returns the keys whose change was applied locally and dispatched.
func (b *Batch) Keys() []models.Key { return b.keys }

// Empty reports whether the batch carried no changes.
func (b *Batch) Empty() bool { return len(b.keys) == 0 }

// Done is closed once every write in the batch settled.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Results returns settled write outcomes.
func (b *Batch) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Result{}, b.results...)
}

// Err joins the errors of every settled write.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, r := range b.results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until the batch settles or ctx ends and returns the joined write errors.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// changed reports whether next differs from the value currently shown for its key.
func changed(current *models.Document, next models.Document) (bool, string) {
	if current == nil {
		return true, "new"
	}
	if current.Deleted != next.Deleted {
		return true, "deleted flag"
	}
	var a, b any
	if json.Unmarshal(current.Data, &a) != nil || json.Unmarshal(next.Data, &b) != nil {
		return true, "undecodable payload"
	}
	diff := cmp.Diff(a, b)
	return diff != "", diff
}

// ApplyAndSync shows each changed document locally at once and dispatches its write. Documents
// equal to the value already shown are skipped. The returned batch settles when every
// dispatched write has a response.
func (l *Layer) ApplyAndSync(ctx context.Context, docs ...models.Document) (*Batch, error) {
	if l.cfg.Gate != nil {
		if err := l.cfg.Gate(); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	type dispatch struct {
		key  models.Key
		doc  models.Document
		seq  uint64
		prev chan struct{}
		mine chan struct{}
	}
	var out []dispatch

	for _, doc := range docs {
		key := doc.Key()
		e, ok := l.entries[key]
		var current *models.Document
		if ok {
			current = &e.local
		} else {
			e = &entry{}
			l.entries[key] = e
		}

		isChanged, diff := changed(current, doc)
		if !isChanged {
			continue
		}
		log.Debug().Str("key", key.String()).Str("diff", diff).Msg("applying optimistic change")

		if e.snapshot != nil {
			doc.Version = e.snapshot.Version
		}
		l.seq++
		e.seq = l.seq
		e.local = doc
		e.state = StatePending
		e.err = nil

		mine := make(chan struct{})
		out = append(out, dispatch{key: key, doc: doc, seq: e.seq, prev: l.tails[key], mine: mine})
		l.tails[key] = mine
	}

	batch := newBatch(len(out))
	for _, d := range out {
		batch.keys = append(batch.keys, d.key)
		l.startWriteLocked()
		go func() {
			defer l.finishWrite(d.key, d.mine)
			if d.prev != nil {
				<-d.prev
			}
			batch.finish(l.send(d.key, d.doc, d.seq))
		}()
	}
	return batch, nil
}

func (l *Layer) startWriteLocked() {
	if l.inflight == 0 {
		l.idle = make(chan struct{})
	}
	l.inflight++
}

// finishWrite releases the next write queued on key and wakes Settle when nothing is in flight.
func (l *Layer) finishWrite(key models.Key, mine chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tails[key] == mine {
		delete(l.tails, key)
	}
	close(mine)
	l.inflight--
	if l.inflight == 0 {
		close(l.idle)
	}
}

// send writes one queued change. The write kind and base version are taken from the
// snapshot at send time, after every earlier write for the key has settled.
func (l *Layer) send(key models.Key, doc models.Document, seq uint64) Result {
	l.mu.Lock()
	e := l.entries[key]
	op := store.WriteOp{Document: doc, Origin: l.cfg.Origin}
	switch {
	case doc.Deleted:
		op.Kind = store.WriteDelete
	case e == nil || e.snapshot == nil || e.snapshot.Deleted:
		op.Kind = store.WriteInsert
	default:
		op.Kind = store.WriteUpdate
	}
	if l.cfg.Policy == PolicyVersioned && e != nil && e.snapshot != nil && !e.snapshot.Deleted {
		op.BaseVersion = e.snapshot.Version
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	written, err := l.writer.Write(ctx, op)

	l.mu.Lock()
	e = l.entries[key]
	if e == nil {
		// Reset while in flight.
		l.mu.Unlock()
		return Result{Key: key, Document: written, Err: err}
	}
	if err != nil {
		if e.seq == seq {
			e.state = StateFailed
			e.err = err
			e.stale = "write failed"
		}
		l.mu.Unlock()

		log.Error().Err(err).Str("key", key.String()).Str("kind", string(op.Kind)).Msg("remote write failed")
		if l.health != nil {
			l.health.ReportFailure(string(key.Collection), err)
		}
		if store.KindOf(err) == store.KindConflict && l.cfg.OnConflict != nil {
			l.cfg.OnConflict(key.Collection)
		}
		return Result{Key: key, Err: err}
	}

	if e.snapshot == nil || written.Version >= e.snapshot.Version {
		w := written
		e.snapshot = &w
	}
	if e.seq == seq {
		e.local = written
		e.state = StateCommitted
		e.err = nil
		e.stale = ""
	} else {
		e.local.Version = written.Version
	}
	l.mu.Unlock()

	log.Debug().Str("key", key.String()).Int64("version", written.Version).Msg("remote write committed")
	return Result{Key: key, Document: written}
}

// applyAuthoritativeLocked installs doc as the authoritative value. A pending entry keeps its
// local value; anything else is replaced. Versions older than the snapshot are ignored.
func (l *Layer) applyAuthoritativeLocked(doc models.Document) {
	key := doc.Key()
	e, ok := l.entries[key]
	if !ok {
		if doc.Deleted {
			return
		}
		d := doc
		l.entries[key] = &entry{snapshot: &d, local: doc, state: StateCommitted}
		return
	}
	if e.snapshot != nil && doc.Version < e.snapshot.Version {
		return
	}
	d := doc
	e.snapshot = &d
	if e.state == StatePending {
		return
	}
	if doc.Deleted {
		delete(l.entries, key)
		return
	}
	e.local = doc
	e.state = StateCommitted
	e.err = nil
	e.stale = ""
}

// Reconcile installs a full authoritative fetch of coll. Committed entries missing from docs
// were deleted remotely and are dropped.
func (l *Layer) Reconcile(coll models.Collection, docs []models.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		seen[d.ID] = struct{}{}
		l.applyAuthoritativeLocked(d)
	}
	for key, e := range l.entries {
		if key.Collection != coll {
			continue
		}
		if _, ok := seen[key.ID]; ok {
			continue
		}
		if e.state == StatePending {
			continue
		}
		delete(l.entries, key)
	}
}

// ApplyRemote installs a pushed change.
func (l *Layer) ApplyRemote(ev models.ChangeEvent) {
	doc := ev.Document
	if ev.Type == models.ChangeTypeDelete {
		doc.Deleted = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyAuthoritativeLocked(doc)
}

// Get returns the locally visible document for key.
func (l *Layer) Get(key models.Key) (models.Document, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.local.Deleted {
		return models.Document{}, false
	}
	return e.local, true
}

// Entry returns the sync state of key.
func (l *Layer) Entry(key models.Key) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Document: e.local,
		State:    e.state,
		Err:      e.err,
		Stale:    e.stale != "",
		Reason:   e.stale,
	}, true
}

// List returns the visible documents of coll ordered by id.
func (l *Layer) List(coll models.Collection) []models.Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Document
	for key, e := range l.entries {
		if key.Collection == coll && !e.local.Deleted {
			out = append(out, e.local)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkStale flags key until its next authoritative value or committed write.
func (l *Layer) MarkStale(key models.Key, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.stale = reason
	}
}

// Clear drops every entry of coll that is not pending. Used when a collection's data can no
// longer be trusted.
func (l *Layer) Clear(coll models.Collection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if key.Collection == coll && e.state != StatePending {
			delete(l.entries, key)
		}
	}
}

// Reset forgets every entry. In-flight writes still complete but no longer touch local state;
// a new write for the same key is sent after them.
func (l *Layer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[models.Key]*entry)
}

// Settle blocks until no write is in flight or ctx ends. Writes dispatched while it waits are
// waited for too.
func (l *Layer) Settle(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.inflight == 0 {
			l.mu.Unlock()
			return nil
		}
		idle := l.idle
		l.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further batches. Writes already in flight are not cancelled.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
