package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	doc := models.Document{ClubID: "c", Collection: models.CollectionTables, ID: "t-1", Data: json.RawMessage(`{"number":1}`)}
	stored := doc
	stored.Version = 3
	tomb := stored
	tomb.Deleted = true

	tests := []struct {
		name    string
		op      WriteOp
		current *models.Document
		kind    Kind
		version int64
	}{
		{"insert new", WriteOp{Kind: WriteInsert, Document: doc}, nil, KindUnknown, 1},
		{"insert over tombstone", WriteOp{Kind: WriteInsert, Document: doc}, &tomb, KindUnknown, 4},
		{"insert existing", WriteOp{Kind: WriteInsert, Document: doc}, &stored, KindConflict, 0},
		{"update missing", WriteOp{Kind: WriteUpdate, Document: doc}, nil, KindNotFound, 0},
		{"update deleted", WriteOp{Kind: WriteUpdate, Document: doc}, &tomb, KindNotFound, 0},
		{"update matching base", WriteOp{Kind: WriteUpdate, Document: doc, BaseVersion: 3}, &stored, KindUnknown, 4},
		{"update stale base", WriteOp{Kind: WriteUpdate, Document: doc, BaseVersion: 2}, &stored, KindConflict, 0},
		{"update without base", WriteOp{Kind: WriteUpdate, Document: doc}, &stored, KindUnknown, 4},
		{"unknown kind", WriteOp{Kind: "upsert", Document: doc}, nil, KindShape, 0},
		{"invalid json", WriteOp{Kind: WriteInsert, Document: models.Document{ClubID: "c", Collection: "tables", ID: "x", Data: json.RawMessage(`{`)}}, nil, KindShape, 0},
		{"missing id", WriteOp{Kind: WriteInsert, Document: models.Document{ClubID: "c", Collection: "tables"}}, nil, KindShape, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.op, tt.current, now)
			if tt.kind != KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, got.Version)
			assert.Equal(t, now, got.UpdatedAt)
			assert.Equal(t, models.ChangeTypeUpsert, ChangeTypeOf(got))
		})
	}
}

func TestApplyDeleteKeepsPayload(t *testing.T) {
	stored := models.Document{ClubID: "c", Collection: models.CollectionSessions, ID: "t-1", Version: 1, Data: json.RawMessage(`{"status":"free"}`)}
	op := WriteOp{Kind: WriteDelete, Document: models.Document{ClubID: "c", Collection: models.CollectionSessions, ID: "t-1"}}

	got, err := Apply(op, &stored, time.Now())
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.JSONEq(t, `{"status":"free"}`, string(got.Data))
	assert.Equal(t, models.ChangeTypeDelete, ChangeTypeOf(got))
}
