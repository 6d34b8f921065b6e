// Package pgstore is the Postgres-backed authoritative store. Every write bumps the document
// version and records an outbox row in the same transaction, then announces the change on a
// NOTIFY channel.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/sqlutil"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// DefaultNotifyChannel is the NOTIFY channel change notices are sent on.
const DefaultNotifyChannel = "cuehall_changes"

const (
	fetchSQL = `
SELECT club_id, collection, id, version, deleted, data, updated_at
FROM documents
WHERE club_id = $1 AND collection = $2 AND NOT deleted
ORDER BY id`

	getSQL = `
SELECT club_id, collection, id, version, deleted, data, updated_at
FROM documents
WHERE club_id = $1 AND collection = $2 AND id = $3`

	lockSQL = getSQL + `
FOR UPDATE`

	upsertSQL = `
INSERT INTO documents (club_id, collection, id, version, deleted, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (club_id, collection, id) DO UPDATE
SET version = EXCLUDED.version,
    deleted = EXCLUDED.deleted,
    data = EXCLUDED.data,
    updated_at = EXCLUDED.updated_at`

	insertOutboxSQL = `
INSERT INTO change_outbox (id, club_id, collection, document_id, change_type, version, payload, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	notifySQL = `SELECT pg_notify($1, $2)`
)

// Config configures a Store.
type Config struct {
	// DSN is used by the LISTEN connection of each subscription.
	DSN           string
	NotifyChannel string
	// FeedBuffer is the per-subscription event buffer.
	FeedBuffer           int
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// DefaultConfig returns the listener settings used by the server.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:                  dsn,
		NotifyChannel:        DefaultNotifyChannel,
		FeedBuffer:           store.DefaultFeedBuffer,
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		PingInterval:         90 * time.Second,
	}
}

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	cfg  Config
}

var _ store.Store = (*Store)(nil)

// New wraps pool. Zero config fields take the defaults.
func New(pool *pgxpool.Pool, cfg Config) *Store {
	def := DefaultConfig(cfg.DSN)
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = def.NotifyChannel
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = def.FeedBuffer
	}
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = def.MinReconnectInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Store{pool: pool, cfg: cfg}
}

// Connect opens a pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Fetch returns the live documents of one collection ordered by id.
func (s *Store) Fetch(ctx context.Context, clubID string, coll models.Collection) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, fetchSQL, clubID, string(coll))
	if err != nil {
		return nil, classify("fetch", string(coll), err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Document, error) {
		return scanDocument(row)
	})
	if err != nil {
		return nil, classify("fetch", string(coll), err)
	}
	return docs, nil
}

// Get returns one document, tombstones included.
func (s *Store) Get(ctx context.Context, clubID string, coll models.Collection, id string) (models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, getSQL, clubID, string(coll), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, store.Errorf(store.KindNotFound, "fetch", string(coll), "document %s not found", id)
	}
	if err != nil {
		return models.Document{}, classify("fetch", string(coll), err)
	}
	return doc, nil
}

// Write applies op under a row lock, records the change in the outbox and notifies listeners.
func (s *Store) Write(ctx context.Context, op store.WriteOp) (models.Document, error) {
	coll := string(op.Document.Collection)

	var written models.Document
	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		var current *models.Document
		stored, err := scanDocument(tx.QueryRow(ctx, lockSQL, op.Document.ClubID, coll, op.Document.ID))
		switch {
		case err == nil:
			current = &stored
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		doc, err := store.Apply(op, current, time.Now().UTC())
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, upsertSQL,
			doc.ClubID, coll, doc.ID, doc.Version, doc.Deleted, []byte(doc.Data), doc.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to store document: %w", err)
		}

		eventID := uuid.New()
		if err := s.insertOutbox(ctx, tx, eventID, doc, op.Origin); err != nil {
			return err
		}

		notice, err := json.Marshal(models.ChangeNotice{
			EventID:    eventID.String(),
			ClubID:     doc.ClubID,
			Collection: doc.Collection,
			DocumentID: doc.ID,
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, notifySQL, s.cfg.NotifyChannel, string(notice)); err != nil {
			return fmt.Errorf("failed to notify: %w", err)
		}

		written = doc
		return nil
	})
	if err != nil {
		return models.Document{}, classify("write", coll, err)
	}

	log.Debug().
		Str("club_id", written.ClubID).
		Str("collection", coll).
		Str("id", written.ID).
		Int64("version", written.Version).
		Msg("document written")
	return written, nil
}

func (s *Store) insertOutbox(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, doc models.Document, origin string) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var metadata json.RawMessage
	if origin != "" {
		if metadata, err = json.Marshal(map[string]string{"origin": origin}); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, insertOutboxSQL,
		eventID,
		doc.ClubID,
		string(doc.Collection),
		doc.ID,
		string(store.ChangeTypeOf(doc)),
		doc.Version,
		payload,
		sqlutil.ToNullRawMessage(metadata),
	); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (models.Document, error) {
	var (
		d    models.Document
		coll string
		data []byte
	)
	if err := row.Scan(&d.ClubID, &coll, &d.ID, &d.Version, &d.Deleted, &data, &d.UpdatedAt); err != nil {
		return models.Document{}, err
	}
	d.Collection = models.Collection(coll)
	d.Data = data
	return d, nil
}
