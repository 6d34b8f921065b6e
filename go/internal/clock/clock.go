// Package clock computes elapsed active time for table sessions and drives the display tick.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock = clockwork.Clock

// DefaultTickInterval refreshes elapsed time once per second.
const DefaultTickInterval = time.Second

// Elapsed returns the active play time of s at now.
//
// A session without a start time has zero elapsed time. While occupied the value is
// now - start - paused. While paused it is frozen at the instant the pause began.
func Elapsed(s models.TableSession, now time.Time) time.Duration {
	if s.StartTime == nil {
		return 0
	}

	var until time.Time
	switch s.Status {
	case models.TableStatusOccupied:
		until = now
	case models.TableStatusPaused:
		if s.PausedAt == nil {
			until = now
		} else {
			until = *s.PausedAt
		}
	default:
		return 0
	}

	elapsed := until.Sub(*s.StartTime) - time.Duration(s.PausedAccumulatedMs)*time.Millisecond
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// PauseDuration returns how long a paused session has been paused at now.
// This is the amount resume adds to the paused accumulator.
func PauseDuration(s models.TableSession, now time.Time) time.Duration {
	if s.PausedAt == nil {
		return 0
	}
	d := now.Sub(*s.PausedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Ticker calls render on a fixed interval. It performs no other work.
type Ticker struct {
	clock    Clock
	interval time.Duration
	render   func(now time.Time)
}

// NewTicker creates a display ticker. A non-positive interval uses DefaultTickInterval.
func NewTicker(c Clock, interval time.Duration, render func(now time.Time)) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		clock:    c,
		interval: interval,
		render:   render,
	}
}

// Run blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	log.Debug().Dur("interval", t.interval).Msg("display ticker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("display ticker stopped")
			return
		case now := <-ticker.Chan():
			t.render(now)
		}
	}
}
