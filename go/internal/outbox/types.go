// Package outbox relays committed document changes from the change_outbox table to JetStream.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/cuehall/go/internal/models"
)

// Event is one change_outbox row.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	ClubID     string            `json:"club_id"`
	Collection models.Collection `json:"collection"`
	DocumentID string            `json:"document_id"`
	ChangeType models.ChangeType `json:"change_type"`
	Version    int64             `json:"version"`
	// Payload is the stored document.
	Payload json.RawMessage `json:"payload"`
	// Metadata carries the writing device, when known.
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// ChangeEvent decodes the payload into the push update devices receive.
func (e Event) ChangeEvent() (models.ChangeEvent, error) {
	var doc models.Document
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to decode outbox payload %s: %w", e.ID, err)
	}
	return models.ChangeEvent{ID: e.ID.String(), Type: e.ChangeType, Document: doc}, nil
}

// Origin returns the writing device recorded in the metadata.
func (e Event) Origin() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var meta struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(e.Metadata, &meta); err != nil {
		return ""
	}
	return meta.Origin
}

// Subject returns the subject a change for club and coll is published on. Characters NATS
// reserves in subject tokens are replaced.
func Subject(prefix, clubID string, coll models.Collection) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(clubID), subjectToken(string(coll)))
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

// Source is the outbox table as the listener sees it.
type Source interface {
	FetchUnsent(ctx context.Context, limit int) ([]Event, error)
	FetchByID(ctx context.Context, id uuid.UUID) (*Event, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	CountPending(ctx context.Context) (int, error)
}

// Publisher delivers an event to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
