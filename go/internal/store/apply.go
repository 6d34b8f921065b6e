package store

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/cuehall/go/internal/models"
)

// Apply checks op against the stored document (nil when the store has none) and returns the
// document to persist: version bumped, timestamped and tombstoned for deletes.
func Apply(op WriteOp, current *models.Document, now time.Time) (models.Document, error) {
	doc := op.Document
	coll := string(doc.Collection)
	if doc.ClubID == "" || doc.Collection == "" || doc.ID == "" {
		return models.Document{}, Errorf(KindShape, "write", coll, "club, collection and id are required")
	}
	if op.Kind != WriteDelete && !json.Valid(doc.Data) {
		return models.Document{}, Errorf(KindShape, "write", coll, "document %s is not valid json", doc.ID)
	}

	var version int64
	live := false
	if current != nil {
		version = current.Version
		live = !current.Deleted
	}

	switch op.Kind {
	case WriteInsert:
		if live {
			return models.Document{}, Errorf(KindConflict, "write", coll, "document %s already exists", doc.ID)
		}
	case WriteUpdate, WriteDelete:
		if !live {
			return models.Document{}, Errorf(KindNotFound, "write", coll, "document %s not found", doc.ID)
		}
	default:
		return models.Document{}, Errorf(KindShape, "write", coll, "unknown write kind %q", op.Kind)
	}
	if op.BaseVersion > 0 && op.BaseVersion != version {
		return models.Document{}, Errorf(KindConflict, "write", coll,
			"document %s is at version %d, write based on %d", doc.ID, version, op.BaseVersion)
	}

	doc.Version = version + 1
	doc.UpdatedAt = now
	doc.Deleted = op.Kind == WriteDelete
	if doc.Deleted && len(doc.Data) == 0 && current != nil {
		doc.Data = current.Data
	}
	return doc, nil
}

// ChangeTypeOf returns the change type a stored document is announced with.
func ChangeTypeOf(doc models.Document) models.ChangeType {
	if doc.Deleted {
		return models.ChangeTypeDelete
	}
	return models.ChangeTypeUpsert
}
