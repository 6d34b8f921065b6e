package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

// ErrEventNotFound is returned for ids that are unknown or already sent.
var ErrEventNotFound = errors.New("outbox event not found or already sent")

const (
	eventColumns = `id, club_id, collection, document_id, change_type, version, payload, metadata, created_at, sent_at`

	fetchUnsentSQL = `SELECT ` + eventColumns + `
FROM change_outbox
WHERE sent_at IS NULL
ORDER BY created_at
LIMIT $1`

	fetchByIDSQL = `SELECT ` + eventColumns + `
FROM change_outbox
WHERE id = $1 AND sent_at IS NULL`

	markSentSQL = `UPDATE change_outbox SET sent_at = now() WHERE id = $1`

	countPendingSQL = `SELECT COUNT(*) FROM change_outbox WHERE sent_at IS NULL`
)

// Repository reads and acknowledges outbox rows over database/sql.
type Repository struct {
	db *sql.DB
}

var _ Source = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FetchUnsent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, fetchUnsentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	return events, nil
}

func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	event, err := scanEvent(r.db.QueryRowContext(ctx, fetchByIDSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}
	return &event, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, markSentSQL, id); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, countPendingSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var (
		e          Event
		coll       string
		changeType string
		payload    []byte
		metadata   pqtype.NullRawMessage
		sentAt     sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.ClubID, &coll, &e.DocumentID, &changeType, &e.Version,
		&payload, &metadata, &e.CreatedAt, &sentAt); err != nil {
		return Event{}, err
	}
	e.Collection = models.Collection(coll)
	e.ChangeType = models.ChangeType(changeType)
	e.Payload = payload
	e.Metadata = sqlutil.FromNullRawMessage(metadata)
	e.SentAt = sqlutil.FromSqlTime(sentAt)
	return e, nil
}
