// Package session implements the table-session state machine.
//
// Every transition takes a session by value and returns the next one; the input is never
// mutated. Each successful transition recomputes TotalBill.
package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcdev12/cuehall/go/internal/billing"
	"github.com/mcdev12/cuehall/go/internal/clock"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/shopspring/decimal"
)

var allowedTransitions = map[models.TableStatus][]models.TableStatus{
	models.TableStatusFree:     {models.TableStatusOccupied},
	models.TableStatusOccupied: {models.TableStatusPaused, models.TableStatusFree},
	models.TableStatusPaused:   {models.TableStatusOccupied, models.TableStatusFree},
}

// validateStatusTransition validates if a status transition is allowed
func validateStatusTransition(current, next models.TableStatus) error {
	allowedNext, exists := allowedTransitions[current]
	if !exists {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
	for _, allowed := range allowedNext {
		if next == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

func requireLive(s models.TableSession) error {
	if s.Status == models.TableStatusFree {
		return ErrNotActive
	}
	return nil
}

// recompute refreshes TotalBill from the billing calculator.
func recompute(s models.TableSession, env Env) (models.TableSession, error) {
	summary, err := billing.Summarize(s, env.Plan, env.Now)
	if err != nil {
		return models.TableSession{}, fmt.Errorf("failed to compute bill: %w", err)
	}
	s.TotalBill = summary.Total
	return s, nil
}

// Start opens a session on a free table. An empty mode uses the table's default.
func Start(s models.TableSession, mode models.BillingMode, env Env) (models.TableSession, error) {
	if s.Status != models.TableStatusFree {
		return models.TableSession{}, fmt.Errorf("%w: table %d is %s", ErrTableBusy, s.TableNumber, s.Status)
	}
	if mode == "" {
		mode = env.DefaultMode
	}
	if mode == "" {
		mode = models.BillingModeHourly
	}
	if !mode.Valid() {
		return models.TableSession{}, invalid("billing_mode", fmt.Sprintf("unknown mode %q", mode))
	}

	next := s.Clone()
	now := env.Now
	next.Status = models.TableStatusOccupied
	next.CycleID = uuid.NewString()
	next.StartTime = &now
	next.PausedAt = nil
	next.PausedAccumulatedMs = 0
	next.FrameCount = 0
	next.BillingMode = mode
	if next.Players == nil {
		next.Players = []string{}
	}
	if next.OrderItems == nil {
		next.OrderItems = []models.OrderItem{}
	}
	return recompute(next, env)
}

// Pause freezes elapsed time.
func Pause(s models.TableSession, env Env) (models.TableSession, error) {
	if err := validateStatusTransition(s.Status, models.TableStatusPaused); err != nil {
		return models.TableSession{}, err
	}
	next := s.Clone()
	now := env.Now
	next.Status = models.TableStatusPaused
	next.PausedAt = &now
	return recompute(next, env)
}

// Resume restarts the clock, adding only the time spent paused to the accumulator.
func Resume(s models.TableSession, env Env) (models.TableSession, error) {
	if err := validateStatusTransition(s.Status, models.TableStatusOccupied); err != nil {
		return models.TableSession{}, err
	}
	next := s.Clone()
	next.PausedAccumulatedMs += clock.PauseDuration(s, env.Now).Milliseconds()
	next.PausedAt = nil
	next.Status = models.TableStatusOccupied
	return recompute(next, env)
}

// AddFrame counts one more frame. Status is unchanged.
func AddFrame(s models.TableSession, env Env) (models.TableSession, error) {
	if err := requireLive(s); err != nil {
		return models.TableSession{}, err
	}
	next := s.Clone()
	next.FrameCount++
	return recompute(next, env)
}

// RemoveFrame takes one frame off, never going below zero.
func RemoveFrame(s models.TableSession, env Env) (models.TableSession, error) {
	if err := requireLive(s); err != nil {
		return models.TableSession{}, err
	}
	next := s.Clone()
	if next.FrameCount > 0 {
		next.FrameCount--
	}
	return recompute(next, env)
}

// AddOrderItem puts one unit of item on the bill. A repeated item increments its quantity.
func AddOrderItem(s models.TableSession, item models.OrderItem, env Env) (models.TableSession, error) {
	if err := requireLive(s); err != nil {
		return models.TableSession{}, err
	}
	if item.ItemID == "" {
		return models.TableSession{}, invalid("item_id", "required")
	}
	if item.UnitPrice.LessThan(decimal.Zero) {
		return models.TableSession{}, invalid("unit_price", "must not be negative")
	}

	next := s.Clone()
	for i := range next.OrderItems {
		if next.OrderItems[i].ItemID == item.ItemID {
			next.OrderItems[i].Quantity++
			return recompute(next, env)
		}
	}
	item.Quantity = 1
	next.OrderItems = append(next.OrderItems, item)
	return recompute(next, env)
}

// RemoveOrderItem takes one unit of an item off the bill, dropping the line at zero.
func RemoveOrderItem(s models.TableSession, itemID string, env Env) (models.TableSession, error) {
	if err := requireLive(s); err != nil {
		return models.TableSession{}, err
	}
	next := s.Clone()
	for i := range next.OrderItems {
		if next.OrderItems[i].ItemID != itemID {
			continue
		}
		next.OrderItems[i].Quantity--
		if next.OrderItems[i].Quantity <= 0 {
			next.OrderItems = append(next.OrderItems[:i], next.OrderItems[i+1:]...)
		}
		return recompute(next, env)
	}
	return models.TableSession{}, invalid("item_id", fmt.Sprintf("%q is not on the bill", itemID))
}

// AddPlayer seats a player. Names are trimmed and must be unique at the table.
func AddPlayer(s models.TableSession, name string, env Env) (models.TableSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.TableSession{}, invalid("player", "name is required")
	}
	if s.HasPlayer(name) {
		return models.TableSession{}, invalid("player", fmt.Sprintf("%q is already seated", name))
	}
	next := s.Clone()
	next.Players = append(next.Players, name)
	return recompute(next, env)
}

// RemovePlayer unseats a player.
func RemovePlayer(s models.TableSession, name string, env Env) (models.TableSession, error) {
	name = strings.TrimSpace(name)
	next := s.Clone()
	for i, p := range next.Players {
		if p == name {
			next.Players = append(next.Players[:i], next.Players[i+1:]...)
			return recompute(next, env)
		}
	}
	return models.TableSession{}, invalid("player", fmt.Sprintf("%q is not seated", name))
}

// SetBillingMode switches how the live session is charged.
func SetBillingMode(s models.TableSession, mode models.BillingMode, env Env) (models.TableSession, error) {
	if err := requireLive(s); err != nil {
		return models.TableSession{}, err
	}
	if !mode.Valid() {
		return models.TableSession{}, invalid("billing_mode", fmt.Sprintf("unknown mode %q", mode))
	}
	next := s.Clone()
	next.BillingMode = mode
	return recompute(next, env)
}

// Summary bills the session at env.Now.
func Summary(s models.TableSession, env Env) (billing.Summary, error) {
	return billing.Summarize(s, env.Plan, env.Now)
}

// Reset returns the free session the table is recycled into.
func Reset(s models.TableSession, defaultMode models.BillingMode) models.TableSession {
	if defaultMode == "" {
		defaultMode = s.BillingMode
	}
	return models.TableSession{
		ID:          s.ID,
		ClubID:      s.ClubID,
		TableNumber: s.TableNumber,
		Status:      models.TableStatusFree,
		Players:     []string{},
		BillingMode: defaultMode,
		OrderItems:  []models.OrderItem{},
		TotalBill:   decimal.Zero,
	}
}
