package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcdev12/cuehall/go/internal/models"
)

// matchRecordNamespace derives match record ids from session cycle ids.
var matchRecordNamespace = uuid.MustParse("6f1c3e0a-8f5d-4f0e-9a41-5b7de2c0a9d3")

var validate = validator.New()

// MatchRecordID returns the id of the single record a session cycle can produce.
func MatchRecordID(cycleID string) string {
	return uuid.NewSHA1(matchRecordNamespace, []byte(cycleID)).String()
}

// End closes play on a live session and produces the checkout for the payment step.
//
// Every seated player needs a result. Draws are all-or-none and otherwise at least one player
// must win. A session with nobody seated can only end through NoWinner.
func End(s models.TableSession, req EndRequest, env Env) (Checkout, error) {
	if err := requireLive(s); err != nil {
		return Checkout{}, err
	}
	results, err := resolveResults(s.Players, req)
	if err != nil {
		return Checkout{}, err
	}

	snapshot, err := recompute(s.Clone(), env)
	if err != nil {
		return Checkout{}, err
	}
	summary, err := Summary(snapshot, env)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to summarize session: %w", err)
	}

	return Checkout{
		Session: snapshot,
		Results: results,
		Summary: summary,
		EndedAt: env.Now,
	}, nil
}

func resolveResults(players []string, req EndRequest) ([]models.PlayerResult, error) {
	if len(players) == 0 {
		if !req.NoWinner {
			return nil, invalid("players", "no players seated; add a player or end without a winner")
		}
		return []models.PlayerResult{}, nil
	}

	results := make([]models.PlayerResult, 0, len(players))
	if req.NoWinner {
		for _, p := range players {
			results = append(results, models.PlayerResult{Name: p, Result: models.MatchResultDraw})
		}
		return results, nil
	}

	var missing []string
	wins, draws := 0, 0
	for _, p := range players {
		r, ok := req.Results[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		if !r.Valid() {
			return nil, invalid("result", fmt.Sprintf("unknown result %q for %s", r, p))
		}
		switch r {
		case models.MatchResultWin:
			wins++
		case models.MatchResultDraw:
			draws++
		}
		results = append(results, models.PlayerResult{Name: p, Result: r})
	}
	if len(missing) > 0 {
		return nil, invalid("result", "no result declared for "+strings.Join(missing, ", "))
	}

	var unknown []string
	for name := range req.Results {
		if !contains(players, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, invalid("result", "not seated: "+strings.Join(unknown, ", "))
	}

	if draws > 0 && draws != len(players) {
		return nil, invalid("result", "a draw must apply to every player")
	}
	if draws == 0 && wins == 0 {
		return nil, invalid("result", "declare a winner or a draw")
	}
	return results, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Confirm takes payment for a checkout. It returns the immutable match record and the free
// session the table is recycled into.
func Confirm(c Checkout, meta models.PaymentMeta, env Env) (models.MatchRecord, models.TableSession, error) {
	if err := validatePayment(meta); err != nil {
		return models.MatchRecord{}, models.TableSession{}, err
	}
	if meta.Amount.IsZero() {
		meta.Amount = c.Summary.Total
	}
	if meta.Amount.LessThan(c.Summary.Total) {
		return models.MatchRecord{}, models.TableSession{}, invalid("amount",
			fmt.Sprintf("%s is less than the total %s", meta.Amount.StringFixed(2), c.Summary.Total.StringFixed(2)))
	}
	if c.Session.CycleID == "" {
		return models.MatchRecord{}, models.TableSession{}, fmt.Errorf("%w: checkout has no session cycle", ErrInvalidTransition)
	}

	s := c.Session
	var startedAt time.Time
	if s.StartTime != nil {
		startedAt = *s.StartTime
	}
	record := models.MatchRecord{
		ID:          MatchRecordID(s.CycleID),
		ClubID:      s.ClubID,
		TableID:     s.ID,
		TableNumber: s.TableNumber,
		CycleID:     s.CycleID,
		Players:     append([]models.PlayerResult{}, c.Results...),
		StartedAt:   startedAt,
		EndedAt:     c.EndedAt,
		DurationMs:  c.Summary.Elapsed.Milliseconds(),
		BillingMode: s.BillingMode,
		FrameCount:  s.FrameCount,
		OrderItems:  append([]models.OrderItem{}, s.OrderItems...),
		TableCharge: c.Summary.TableCharge,
		ItemsTotal:  c.Summary.ItemsTotal,
		TotalBill:   c.Summary.Total,
		Payment:     meta,
		RecordedAt:  env.Now,
	}

	return record, Reset(s, env.DefaultMode), nil
}

func validatePayment(meta models.PaymentMeta) error {
	err := validate.Struct(meta)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return invalid("payment."+strings.ToLower(fe.Field()), "failed "+fe.Tag())
	}
	return fmt.Errorf("failed to validate payment: %w", err)
}
