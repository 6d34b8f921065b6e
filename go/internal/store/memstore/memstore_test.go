package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const club = "club-1"

func doc(t *testing.T, id string, v any) models.Document {
	t.Helper()
	d, err := models.NewDocument(club, models.CollectionSessions, id, v)
	require.NoError(t, err)
	return d
}

func TestWriteVersioning(t *testing.T) {
	ctx := context.Background()
	s := New(clockwork.NewFakeClock())

	inserted, err := s.Write(ctx, store.WriteOp{Kind: store.WriteInsert, Document: doc(t, "t-1", map[string]int{"frames": 0})})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted.Version)

	_, err = s.Write(ctx, store.WriteOp{Kind: store.WriteInsert, Document: doc(t, "t-1", map[string]int{"frames": 0})})
	assert.Equal(t, store.KindConflict, store.KindOf(err))

	updated, err := s.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: doc(t, "t-1", map[string]int{"frames": 1}), BaseVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: doc(t, "t-1", map[string]int{"frames": 9}), BaseVersion: 1})
	assert.Equal(t, store.KindConflict, store.KindOf(err))

	_, err = s.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: doc(t, "t-1", map[string]int{"frames": 9})})
	require.NoError(t, err, "zero base version skips the check")

	_, err = s.Write(ctx, store.WriteOp{Kind: store.WriteUpdate, Document: doc(t, "missing", map[string]int{})})
	assert.Equal(t, store.KindNotFound, store.KindOf(err))

	_, err = s.Write(ctx, store.WriteOp{Kind: store.WriteDelete, Document: models.Document{ClubID: club, Collection: models.CollectionSessions, ID: "t-1"}})
	require.NoError(t, err)

	docs, err := s.Fetch(ctx, club, models.CollectionSessions)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	sub, err := s.Subscribe(ctx, club, models.CollectionSessions)
	require.NoError(t, err)
	defer sub.Close()

	other, err := s.Subscribe(ctx, "club-2", models.CollectionSessions)
	require.NoError(t, err)
	defer other.Close()

	_, err = s.Write(ctx, store.WriteOp{Kind: store.WriteInsert, Document: doc(t, "t-1", map[string]int{})})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.ChangeTypeUpsert, ev.Type)
		assert.Equal(t, "t-1", ev.Document.ID)
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event for another club: %+v", ev)
	default:
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	boom := store.E(store.KindPermission, OpFetch, "members", errors.New("denied"))

	s.FailNext(OpFetch, models.CollectionMembers, boom)
	_, err := s.Fetch(ctx, club, models.CollectionMembers)
	assert.Equal(t, store.KindPermission, store.KindOf(err))

	_, err = s.Fetch(ctx, club, models.CollectionMembers)
	assert.NoError(t, err)

	s.FailAlways(OpFetch, "", store.E(store.KindNetwork, OpFetch, "", errors.New("offline")))
	_, err = s.Fetch(ctx, club, models.CollectionTables)
	assert.Equal(t, store.KindNetwork, store.KindOf(err))

	s.Heal()
	_, err = s.Fetch(ctx, club, models.CollectionTables)
	assert.NoError(t, err)
}

func TestDropSubscriptions(t *testing.T) {
	s := New(nil)
	sub, err := s.Subscribe(context.Background(), club, models.CollectionTables)
	require.NoError(t, err)

	s.DropSubscriptions(nil)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still open")
	}
	assert.Equal(t, store.KindNetwork, store.KindOf(sub.Err()))
	require.Eventually(t, func() bool { return s.Subscribers(club, models.CollectionTables) == 0 }, time.Second, time.Millisecond)
}

func TestHangSubscribeTimesOut(t *testing.T) {
	s := New(nil)
	s.HangSubscribe(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Subscribe(ctx, club, models.CollectionTables)
	assert.Equal(t, store.KindTimeout, store.KindOf(err))
}

func TestHoldWrites(t *testing.T) {
	s := New(nil)
	release := s.HoldWrites()
	d := doc(t, "t-1", map[string]int{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Write(context.Background(), store.WriteOp{Kind: store.WriteInsert, Document: d})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write completed while held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-done)
}
