package store

import (
	"errors"
	"sync"

	"github.com/mcdev12/cuehall/go/internal/models"
)

// DefaultFeedBuffer is the event buffer of a Feed.
const DefaultFeedBuffer = 64

// ErrSlowSubscriber ends a feed whose buffer overflowed.
var ErrSlowSubscriber = errors.New("subscriber fell behind")

// Feed is a Subscription backed by a buffered channel. Store implementations push into it.
// The events channel is never closed; readers select on Done.
type Feed struct {
	events  chan models.ChangeEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

// NewFeed creates a feed. onClose, if set, runs once when the feed ends.
func NewFeed(buffer int, onClose func()) *Feed {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Feed{
		events:  make(chan models.ChangeEvent, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Send delivers ev without blocking. A full buffer ends the feed with a network error so the
// subscriber resubscribes and refetches instead of silently missing updates.
func (f *Feed) Send(ev models.ChangeEvent) bool {
	select {
	case <-f.done:
		return false
	default:
	}

	select {
	case f.events <- ev:
		return true
	default:
		f.Fail(E(KindNetwork, "subscribe", string(ev.Document.Collection), ErrSlowSubscriber))
		return false
	}
}

// Fail ends the feed with err.
func (f *Feed) Fail(err error) {
	f.finish(err)
}

func (f *Feed) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
}

func (f *Feed) Events() <-chan models.ChangeEvent { return f.events }

func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close ends the feed without an error.
func (f *Feed) Close() error {
	f.finish(nil)
	return nil
}
