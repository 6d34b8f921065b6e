// Package health tracks connection health and decides how failures surface to staff.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long a critical failure must persist before the overlay opens.
const DefaultDebounce = 3 * time.Second

// Tier is the severity of a failure.
type Tier int

const (
	// TierQuery affects a single collection and never blocks.
	TierQuery Tier = iota
	// TierCritical blocks mutations once it outlives the debounce window.
	TierCritical
	// TierRealtime means push channels are down while request/response still works.
	TierRealtime
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierRealtime:
		return "realtime"
	default:
		return "query"
	}
}

// Classify maps a store failure to its tier.
func Classify(err error) Tier {
	switch store.KindOf(err) {
	case store.KindAuth, store.KindNetwork, store.KindTimeout:
		return TierCritical
	case store.KindPermission, store.KindShape, store.KindNotFound, store.KindConflict, store.KindUnknown:
		return TierQuery
	default:
		return TierQuery
	}
}

// NoticeKind is how a notice is presented.
type NoticeKind string

const (
	NoticeToast   NoticeKind = "toast"
	NoticeOverlay NoticeKind = "overlay"
	NoticeBadge   NoticeKind = "badge"
	NoticeCleared NoticeKind = "cleared"
)

// Notice is a message for the presentation layer.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	Tier       Tier       `json:"tier"`
	Collection string     `json:"collection,omitempty"`
	Message    string     `json:"message"`
	At         time.Time  `json:"at"`
}

// State is a snapshot of connection health.
type State struct {
	OK           bool       `json:"ok"`
	Critical     bool       `json:"critical"`
	Overlay      bool       `json:"overlay"`
	Degraded     []string   `json:"degraded"`
	RealtimeDown bool       `json:"realtime_down"`
	LastError    string     `json:"last_error,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
}

// Config configures a Monitor.
type Config struct {
	Debounce     time.Duration
	NoticeBuffer int
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	debounce time.Duration

	critical      bool
	criticalSince time.Time
	overlay       bool
	timer         clockwork.Timer

	degraded         map[string]struct{}
	realtimeDown     bool
	realtimeNotified bool
	lastErr          string

	notices chan Notice
	closed  bool
}

// NewMonitor creates a Monitor in the ok state.
func NewMonitor(c clockwork.Clock, cfg Config) *Monitor {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = 32
	}
	return &Monitor{
		clock:    c,
		debounce: cfg.Debounce,
		degraded: make(map[string]struct{}),
		notices:  make(chan Notice, cfg.NoticeBuffer),
	}
}

// Notices delivers toasts, overlay changes and the realtime badge.
func (m *Monitor) Notices() <-chan Notice {
	return m.notices
}

// ReportFailure records a failed fetch or write on collection and returns its tier.
func (m *Monitor) ReportFailure(collection string, err error) Tier {
	tier := Classify(err)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.lastErr = err.Error()

	switch tier {
	case TierCritical:
		if !m.critical {
			m.critical = true
			m.criticalSince = now
			m.armLocked()
			log.Warn().Err(err).Str("collection", collection).Dur("debounce", m.debounce).Msg("critical store failure")
		}
	default:
		if collection != "" {
			m.degraded[collection] = struct{}{}
		}
		log.Warn().Err(err).Str("collection", collection).Msg("collection degraded")
		m.emitLocked(Notice{Kind: NoticeToast, Tier: tier, Collection: collection, Message: err.Error(), At: now})
	}
	return tier
}

// ReportSuccess records a successful fetch. While the overlay is closed any success resets the
// critical flag and every query flag; an open overlay stays until Clear.
func (m *Monitor) ReportSuccess(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked(m.clock.Now())
	if m.overlay {
		return
	}
	if m.critical || len(m.degraded) > 0 {
		log.Info().Str("collection", collection).Int("degraded", len(m.degraded)).Msg("store healthy again")
	}
	m.resetLocked()
}

// ReportRealtimeDown marks push channels unavailable. The badge is shown once per monitor.
func (m *Monitor) ReportRealtimeDown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.realtimeDown = true
	if m.realtimeNotified {
		return
	}
	m.realtimeNotified = true

	msg := "live updates unavailable"
	if err != nil {
		msg += ": " + err.Error()
	}
	log.Warn().Err(err).Msg("realtime down, falling back to polling")
	m.emitLocked(Notice{Kind: NoticeBadge, Tier: TierRealtime, Message: msg, At: m.clock.Now()})
}

// ReportRealtimeUp marks push channels available again.
func (m *Monitor) ReportRealtimeUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.realtimeDown {
		log.Info().Msg("realtime restored")
	}
	m.realtimeDown = false
}

// Blocked reports whether the overlay is open.
func (m *Monitor) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked(m.clock.Now())
	return m.overlay
}

// State returns a snapshot of the current health.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked(m.clock.Now())
	degraded := make([]string, 0, len(m.degraded))
	for c := range m.degraded {
		degraded = append(degraded, c)
	}
	sort.Strings(degraded)

	st := State{
		OK:           !m.critical && len(degraded) == 0,
		Critical:     m.critical,
		Overlay:      m.overlay,
		Degraded:     degraded,
		RealtimeDown: m.realtimeDown,
		LastError:    m.lastErr,
	}
	if m.critical {
		since := m.criticalSince
		st.Since = &since
	}
	return st
}

// IsDegraded reports whether collection's last query failed.
func (m *Monitor) IsDegraded(collection string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.degraded[collection]
	return ok
}

// Clear is the user-triggered resync: it closes the overlay and resets every flag except
// realtime-down, which only ReportRealtimeUp resets.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOverlay := m.overlay
	m.resetLocked()
	if wasOverlay {
		log.Info().Msg("blocking overlay cleared")
		m.emitLocked(Notice{Kind: NoticeCleared, Tier: TierCritical, Message: "connection restored", At: m.clock.Now()})
	}
}

// Close stops the debounce timer and closes the notices channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopTimerLocked()
	close(m.notices)
}

func (m *Monitor) resetLocked() {
	m.critical = false
	m.criticalSince = time.Time{}
	m.overlay = false
	m.degraded = make(map[string]struct{})
	m.lastErr = ""
	m.stopTimerLocked()
}

// armLocked schedules the overlay check at the end of the debounce window.
func (m *Monitor) armLocked() {
	m.stopTimerLocked()
	m.timer = m.clock.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.refreshLocked(m.clock.Now())
	})
}

func (m *Monitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// refreshLocked opens the overlay once a critical failure has outlived the debounce window.
func (m *Monitor) refreshLocked(now time.Time) {
	if !m.critical || m.overlay {
		return
	}
	if now.Sub(m.criticalSince) < m.debounce {
		return
	}
	m.overlay = true
	log.Error().Str("last_error", m.lastErr).Msg("blocking overlay opened")
	m.emitLocked(Notice{Kind: NoticeOverlay, Tier: TierCritical, Message: m.lastErr, At: now})
}

func (m *Monitor) emitLocked(n Notice) {
	if m.closed {
		return
	}
	select {
	case m.notices <- n:
	default:
		log.Warn().Str("kind", string(n.Kind)).Msg("notice buffer full, dropping notice")
	}
}
