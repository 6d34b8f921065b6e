package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names a club-scoped collection in the remote store.
type Collection string

const (
	CollectionMembers     Collection = "members"
	CollectionTables      Collection = "tables"
	CollectionSessions    Collection = "sessions"
	CollectionBookings    Collection = "bookings"
	CollectionTournaments Collection = "tournaments"
	CollectionInventory   Collection = "inventory"
	CollectionPromotions  Collection = "promotions"
	CollectionMatches     Collection = "matches"
)

// PrimaryCollections are fetched on every broad invalidate.
var PrimaryCollections = []Collection{
	CollectionMembers,
	CollectionTables,
	CollectionSessions,
	CollectionBookings,
	CollectionTournaments,
	CollectionInventory,
	CollectionPromotions,
}

// Document is the envelope every entity travels in across the persistence boundary.
type Document struct {
	ID         string          `json:"id"`
	ClubID     string          `json:"club_id"`
	Collection Collection      `json:"collection"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Data       json.RawMessage `json:"data"`
}

// NewDocument encodes v as the payload of a new document.
func NewDocument(clubID string, coll Collection, id string, v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("failed to encode %s/%s: %w", coll, id, err)
	}
	return Document{ID: id, ClubID: clubID, Collection: coll, Data: data}, nil
}

// Decode unmarshals the payload into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Key identifies a document within a club.
type Key struct {
	Collection Collection
	ID         string
}

func (d Document) Key() Key {
	return Key{Collection: d.Collection, ID: d.ID}
}

func (k Key) String() string {
	return string(k.Collection) + "/" + k.ID
}

// ChangeType defines the kind of change a push update carries.
type ChangeType string

const (
	ChangeTypeUpsert ChangeType = "upsert"
	ChangeTypeDelete ChangeType = "delete"
)

// ChangeEvent is a push update for one document.
type ChangeEvent struct {
	ID       string     `json:"id"`
	Type     ChangeType `json:"type"`
	Document Document   `json:"document"`
}

// ChangeNotice is the compact payload sent over pg_notify when a document changes.
type ChangeNotice struct {
	EventID    string     `json:"event_id"`
	ClubID     string     `json:"club_id"`
	Collection Collection `json:"collection"`
	DocumentID string     `json:"document_id"`
}
