package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/cuehall/go/internal/billing"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/mutation"
	"github.com/mcdev12/cuehall/go/internal/session"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

type transition func(s models.TableSession, env session.Env) (models.TableSession, error)

// mutate runs one table action: it computes the next session, shows it locally and dispatches
// the session write plus the table status write when the status changed. The action slot stays
// claimed until both writes settle.
func (t *Terminal) mutate(ctx context.Context, action, tableID string, fn transition) (models.TableSession, error) {
	if err := t.gate(); err != nil {
		return models.TableSession{}, err
	}
	release, err := t.acquire(action, tableID)
	if err != nil {
		return models.TableSession{}, err
	}
	if t.awaitingPayment(tableID) {
		release()
		return models.TableSession{}, fmt.Errorf("%w: table %s", ErrAwaitingPayment, tableID)
	}

	cfg, err := t.tableConfig(tableID)
	if err != nil {
		release()
		return models.TableSession{}, err
	}
	current, err := t.currentSession(cfg)
	if err != nil {
		release()
		return models.TableSession{}, err
	}

	next, err := fn(current, t.env(cfg))
	if err != nil {
		release()
		return models.TableSession{}, fmt.Errorf("%s table %d: %w", action, cfg.Number, err)
	}

	docs, err := t.documentsFor(cfg, next)
	if err != nil {
		release()
		return models.TableSession{}, err
	}

	batch, err := t.layer.ApplyAndSync(ctx, docs...)
	if err != nil {
		release()
		return models.TableSession{}, err
	}
	t.releaseWhenSettled(batch, release, action, tableID)

	log.Info().
		Str("action", action).
		Str("table_id", tableID).
		Str("status", string(next.Status)).
		Str("total", next.TotalBill.StringFixed(2)).
		Msg("table action applied")
	return next, nil
}

// documentsFor encodes the session and, when its status moved, the table document.
func (t *Terminal) documentsFor(cfg models.TableConfig, next models.TableSession) ([]models.Document, error) {
	sessionDoc, err := models.NewDocument(t.cfg.ClubID, models.CollectionSessions, cfg.ID, next)
	if err != nil {
		return nil, err
	}
	docs := []models.Document{sessionDoc}

	if cfg.Status != next.Status {
		table := cfg
		table.Status = next.Status
		tableDoc, err := models.NewDocument(t.cfg.ClubID, models.CollectionTables, cfg.ID, table)
		if err != nil {
			return nil, err
		}
		docs = append(docs, tableDoc)
	}
	return docs, nil
}

// OnStart opens a session. An empty mode uses the table's default billing mode.
func (t *Terminal) OnStart(ctx context.Context, tableID string, mode models.BillingMode) (models.TableSession, error) {
	return t.mutate(ctx, "start", tableID, func(s models.TableSession, env session.Env) (models.TableSession, error) {
		return session.Start(s, mode, env)
	})
}

func (t *Terminal) OnPause(ctx context.Context, tableID string) (models.TableSession, error) {
	return t.mutate(ctx, "pause", tableID, session.Pause)
}

func (t *Terminal) OnResume(ctx context.Context, tableID string) (models.TableSession, error) {
	return t.mutate(ctx, "resume", tableID, session.Resume)
}

func (t *Terminal) OnAddFrame(ctx context.Context, tableID string) (models.TableSession, error) {
	return t.mutate(ctx, "add_frame", tableID, session.AddFrame)
}

func (t *Terminal) OnRemoveFrame(ctx context.Context, tableID string) (models.TableSession, error) {
	return t.mutate(ctx, "remove_frame", tableID, session.RemoveFrame)
}

func (t *Terminal) OnAddOrderItem(ctx context.Context, tableID string, item models.OrderItem) (models.TableSession, error) {
	return t.mutate(ctx, "add_item", tableID, func(s models.TableSession, env session.Env) (models.TableSession, error) {
		return session.AddOrderItem(s, item, env)
	})
}

func (t *Terminal) OnRemoveOrderItem(ctx context.Context, tableID, itemID string) (models.TableSession, error) {
	return t.mutate(ctx, "remove_item", tableID, func(s models.TableSession, env session.Env) (models.TableSession, error) {
		return session.RemoveOrderItem(s, itemID, env)
	})
}

func (t *Terminal) OnAddPlayer(ctx context.Context, tableID, name string) (models.TableSession, error) {
	return t.mutate(ctx, "add_player", tableID, func(s models.TableSession, env session.Env) (models.TableSession, error) {
		return session.AddPlayer(s, name, env)
	})
}

func (t *Terminal) OnRemovePlayer(ctx context.Context, tableID, name string) (models.TableSession, error) {
	return t.mutate(ctx, "remove_player", tableID, func(s models.TableSession, env session.Env) (models.TableSession, error) {
		return session.RemovePlayer(s, name, env)
	})
}

func (t *Terminal) OnSetBillingMode(ctx context.Context, tableID string, mode models.BillingMode) (models.TableSession, error) {
	return t.mutate(ctx, "set_mode", tableID, func(s models.TableSession, env session.Env) (models.TableSession, error) {
		return session.SetBillingMode(s, mode, env)
	})
}

// OnEndSession validates the declared results and returns the bill for the payment step. The
// table stays live until OnConfirmPayment; nothing is written.
func (t *Terminal) OnEndSession(_ context.Context, tableID string, req session.EndRequest) (billing.Summary, error) {
	cfg, err := t.tableConfig(tableID)
	if err != nil {
		return billing.Summary{}, err
	}
	current, err := t.currentSession(cfg)
	if err != nil {
		return billing.Summary{}, err
	}

	checkout, err := session.End(current, req, t.env(cfg))
	if err != nil {
		return billing.Summary{}, fmt.Errorf("end table %d: %w", cfg.Number, err)
	}

	t.mu.Lock()
	t.checkouts[tableID] = pendingCheckout{Checkout: checkout, billed: fingerprint(current)}
	t.mu.Unlock()

	log.Info().Str("table_id", tableID).Str("total", checkout.Summary.Total.StringFixed(2)).Msg("session ended, awaiting payment")
	return checkout.Summary, nil
}

// CancelCheckout discards an ended-but-unpaid session so play can continue.
func (t *Terminal) CancelCheckout(tableID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.checkouts, tableID)
}

func (t *Terminal) awaitingPayment(tableID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.checkouts[tableID]
	return ok
}

// fingerprint re-encodes a session so equal sessions compare equal whatever store encoded them.
func fingerprint(s models.TableSession) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}

// OnConfirmPayment records the match and frees the table. The match record is written and
// awaited before the table is reset; replaying a confirm for the same session cycle returns the
// existing record instead of creating another.
func (t *Terminal) OnConfirmPayment(ctx context.Context, tableID string, meta models.PaymentMeta) (models.MatchRecord, error) {
	if err := t.gate(); err != nil {
		return models.MatchRecord{}, err
	}
	release, err := t.acquire("confirm_payment", tableID)
	if err != nil {
		return models.MatchRecord{}, err
	}
	held := false
	defer func() {
		if !held {
			release()
		}
	}()

	t.mu.Lock()
	checkout, ok := t.checkouts[tableID]
	t.mu.Unlock()
	if !ok {
		return models.MatchRecord{}, ErrNoCheckout
	}

	cfg, err := t.tableConfig(tableID)
	if err != nil {
		return models.MatchRecord{}, err
	}
	current, err := t.currentSession(cfg)
	if err != nil {
		return models.MatchRecord{}, err
	}
	// another device may have changed the session after the bill was shown
	if current.CycleID != checkout.Session.CycleID || !bytes.Equal(fingerprint(current), checkout.billed) {
		t.CancelCheckout(tableID)
		return models.MatchRecord{}, ErrCheckoutStale
	}

	env := t.env(cfg)
	record, reset, err := session.Confirm(checkout.Checkout, meta, env)
	if err != nil {
		return models.MatchRecord{}, err
	}

	record, err = t.writeMatchRecord(ctx, record)
	if err != nil {
		return models.MatchRecord{}, err
	}

	docs, err := t.documentsFor(cfg, reset)
	if err != nil {
		return models.MatchRecord{}, err
	}
	batch, err := t.layer.ApplyAndSync(ctx, docs...)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("match recorded but table reset failed: %w", err)
	}
	held = true
	t.releaseWhenSettled(batch, release, "confirm_payment", tableID)
	t.CancelCheckout(tableID)

	log.Info().
		Str("table_id", tableID).
		Str("match_id", record.ID).
		Str("total", record.TotalBill.StringFixed(2)).
		Str("method", record.Payment.Method).
		Msg("payment confirmed")
	return record, nil
}

// writeMatchRecord inserts the record. An existing record with the same id means an earlier
// confirm already landed; that record is returned.
func (t *Terminal) writeMatchRecord(ctx context.Context, record models.MatchRecord) (models.MatchRecord, error) {
	doc, err := models.NewDocument(t.cfg.ClubID, models.CollectionMatches, record.ID, record)
	if err != nil {
		return models.MatchRecord{}, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout())
	defer cancel()

	_, err = t.store.Write(writeCtx, store.WriteOp{Kind: store.WriteInsert, Document: doc, Origin: t.cfg.Origin})
	if err == nil {
		return record, nil
	}
	if store.KindOf(err) != store.KindConflict {
		t.health.ReportFailure(string(models.CollectionMatches), err)
		return models.MatchRecord{}, fmt.Errorf("failed to record match: %w", err)
	}

	existing, ferr := t.findMatch(writeCtx, record.ID)
	if ferr != nil {
		return models.MatchRecord{}, fmt.Errorf("failed to load existing match record: %w", ferr)
	}
	log.Info().Str("match_id", record.ID).Msg("match already recorded")
	return existing, nil
}

func (t *Terminal) findMatch(ctx context.Context, id string) (models.MatchRecord, error) {
	docs, err := t.store.Fetch(ctx, t.cfg.ClubID, models.CollectionMatches)
	if err != nil {
		return models.MatchRecord{}, err
	}
	for _, d := range docs {
		if d.ID != id {
			continue
		}
		var rec models.MatchRecord
		if err := d.Decode(&rec); err != nil {
			return models.MatchRecord{}, err
		}
		return rec, nil
	}
	return models.MatchRecord{}, errors.New("conflicting match record not found")
}

func (t *Terminal) writeTimeout() time.Duration {
	if t.cfg.WriteTimeout > 0 {
		return t.cfg.WriteTimeout
	}
	return mutation.DefaultWriteTimeout
}
