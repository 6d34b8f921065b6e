package terminal

import (
	"fmt"
	"sort"
	"time"

	"github.com/mcdev12/cuehall/go/internal/clock"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/mutation"
	"github.com/mcdev12/cuehall/go/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TableView is a table joined with its live session at read time.
type TableView struct {
	Config    models.TableConfig  `json:"config"`
	Session   models.TableSession `json:"session"`
	Plan      models.RatePlan     `json:"plan"`
	Elapsed   time.Duration       `json:"elapsed"`
	LiveTotal decimal.Decimal     `json:"live_total"`
	// Pending is set while a local change awaits the store.
	Pending bool `json:"pending"`
	// Stale is set when the two aggregates disagree, a write failed or the data could not be read.
	Stale       bool   `json:"stale"`
	StaleReason string `json:"stale_reason,omitempty"`
	// AwaitingPayment is set between OnEndSession and OnConfirmPayment.
	AwaitingPayment bool `json:"awaiting_payment"`
}

func tableKey(id string) models.Key {
	return models.Key{Collection: models.CollectionTables, ID: id}
}

func sessionKey(id string) models.Key {
	return models.Key{Collection: models.CollectionSessions, ID: id}
}

func (t *Terminal) configured(id string) (models.TableConfig, bool) {
	for _, cfg := range t.cfg.Tables {
		if cfg.ID == id {
			if cfg.ClubID == "" {
				cfg.ClubID = t.cfg.ClubID
			}
			return cfg, true
		}
	}
	return models.TableConfig{}, false
}

// tableConfig returns the table document from the store, or the configured table when the
// store has none yet.
func (t *Terminal) tableConfig(id string) (models.TableConfig, error) {
	cfg, known := t.configured(id)
	if doc, ok := t.layer.Get(tableKey(id)); ok {
		var remote models.TableConfig
		if err := doc.Decode(&remote); err != nil {
			log.Warn().Err(err).Str("table_id", id).Msg("undecodable table document, using configured table")
		} else {
			cfg, known = remote, true
		}
	}
	if !known {
		return models.TableConfig{}, fmt.Errorf("%w: %s", ErrUnknownTable, id)
	}
	if cfg.Status == "" {
		cfg.Status = models.TableStatusFree
	}
	if cfg.ClubID == "" {
		cfg.ClubID = t.cfg.ClubID
	}
	return cfg, nil
}

func (t *Terminal) currentSession(cfg models.TableConfig) (models.TableSession, error) {
	doc, ok := t.layer.Get(sessionKey(cfg.ID))
	if !ok {
		return models.NewFreeSession(cfg), nil
	}
	var s models.TableSession
	if err := doc.Decode(&s); err != nil {
		return models.TableSession{}, err
	}
	return s, nil
}

func (t *Terminal) env(cfg models.TableConfig) session.Env {
	return session.NewEnv(cfg, t.cfg.Plan, t.now())
}

// Table returns the merged view of one table.
func (t *Terminal) Table(id string) (TableView, error) {
	cfg, err := t.tableConfig(id)
	if err != nil {
		return TableView{}, err
	}
	return t.view(cfg), nil
}

// Tables returns every known table ordered by number.
func (t *Terminal) Tables() []TableView {
	ids := make(map[string]struct{})
	for _, cfg := range t.cfg.Tables {
		ids[cfg.ID] = struct{}{}
	}
	for _, doc := range t.layer.List(models.CollectionTables) {
		ids[doc.ID] = struct{}{}
	}

	views := make([]TableView, 0, len(ids))
	for id := range ids {
		cfg, err := t.tableConfig(id)
		if err != nil {
			continue
		}
		views = append(views, t.view(cfg))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Config.Number < views[j].Config.Number })
	return views
}

func (t *Terminal) view(cfg models.TableConfig) TableView {
	env := t.env(cfg)
	v := TableView{Config: cfg, Plan: env.Plan, LiveTotal: decimal.Zero}

	s, err := t.currentSession(cfg)
	if err != nil {
		v.Session = models.NewFreeSession(cfg)
		v.Stale, v.StaleReason = true, "undecodable session"
		return v
	}
	v.Session = s
	v.Elapsed = clock.Elapsed(s, env.Now)
	if summary, err := session.Summary(s, env); err == nil {
		v.LiveTotal = summary.Total
	}

	for _, key := range []models.Key{tableKey(cfg.ID), sessionKey(cfg.ID)} {
		e, ok := t.layer.Entry(key)
		if !ok {
			continue
		}
		if e.State == mutation.StatePending {
			v.Pending = true
		}
		if e.Stale && !v.Stale {
			v.Stale, v.StaleReason = true, e.Reason
		}
	}
	if !v.Stale && cfg.Status != s.Status {
		v.Stale, v.StaleReason = true, fmt.Sprintf("table is %s but session is %s", cfg.Status, s.Status)
	}
	for _, coll := range []models.Collection{models.CollectionTables, models.CollectionSessions} {
		if !v.Stale && t.health.IsDegraded(string(coll)) {
			v.Stale, v.StaleReason = true, string(coll)+" unavailable"
		}
	}

	t.mu.Lock()
	_, v.AwaitingPayment = t.checkouts[cfg.ID]
	t.mu.Unlock()
	return v
}
