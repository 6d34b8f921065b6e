package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want store.Kind
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, store.KindConflict},
		{"serialization failure", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), store.KindConflict},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, store.KindPermission},
		{"bad password", &pgconn.PgError{Code: "28P01"}, store.KindAuth},
		{"invalid json", &pgconn.PgError{Code: "22P02"}, store.KindShape},
		{"not null", &pgconn.PgError{Code: "23502"}, store.KindShape},
		{"connection failure", &pgconn.PgError{Code: "08006"}, store.KindNetwork},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, store.KindNetwork},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, store.KindTimeout},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, store.KindUnknown},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), store.KindTimeout},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, store.KindNetwork},
		{"other", errors.New("boom"), store.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("fetch", "tables", tt.err)
			assert.Equal(t, tt.want, store.KindOf(err))
			assert.Equal(t, "tables", store.CollectionOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	original := store.Errorf(store.KindNotFound, "write", "sessions", "document t-1 not found")
	assert.Same(t, original, classify("write", "tables", original))
	assert.NoError(t, classify("write", "tables", nil))
}
