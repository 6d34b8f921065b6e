// Package store defines the persistence boundary the sync engine talks to.
package store

import (
	"context"

	"github.com/mcdev12/cuehall/go/internal/models"
)

// WriteKind selects insert, update or delete semantics.
type WriteKind string

const (
	WriteInsert WriteKind = "insert"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteOp is a single document write.
type WriteOp struct {
	Kind     WriteKind       `json:"kind"`
	Document models.Document `json:"document"`
	// BaseVersion is the version the writer last saw. Zero skips the version check.
	BaseVersion int64 `json:"base_version,omitempty"`
	// Origin identifies the writing device, echoed on change events.
	Origin string `json:"origin,omitempty"`
}

// Store is an authoritative club-scoped document store with push updates.
type Store interface {
	Fetch(ctx context.Context, clubID string, coll models.Collection) ([]models.Document, error)
	Write(ctx context.Context, op WriteOp) (models.Document, error)
	Subscribe(ctx context.Context, clubID string, coll models.Collection) (Subscription, error)
}

// Subscription is a push channel for one collection. It may stop emitting silently; callers
// detect that through Done and their own timeouts.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	// Err reports why the subscription ended, nil if closed by the caller.
	Err() error
	Close() error
}
