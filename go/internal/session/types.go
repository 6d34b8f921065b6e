package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/cuehall/go/internal/billing"
	"github.com/mcdev12/cuehall/go/internal/models"
)

var (
	// ErrInvalidTransition is returned when an action is not legal from the session's status.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrTableBusy is returned when starting a table that already has a live session.
	ErrTableBusy = errors.New("table already has a live session")
	// ErrNotActive is returned for actions that need a live session on a free table.
	ErrNotActive = errors.New("table has no live session")
)

// ValidationError is a local validation failure. It is raised before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Env carries what a transition needs besides the session itself.
type Env struct {
	// Plan is the resolved rate plan for the table.
	Plan models.RatePlan
	// DefaultMode is used by start when no mode is chosen and by the reset after payment.
	DefaultMode models.BillingMode
	Now         time.Time
}

// NewEnv resolves the table's rate plan against the club default.
func NewEnv(table models.TableConfig, clubPlan models.RatePlan, now time.Time) Env {
	return Env{
		Plan:        clubPlan.WithOverride(table.Override),
		DefaultMode: table.DefaultMode,
		Now:         now,
	}
}

// EndRequest declares the outcome of a session.
type EndRequest struct {
	Results map[string]models.MatchResult
	// NoWinner ends the session as a draw for everyone. It is the only way to end a session
	// with no players seated.
	NoWinner bool
}

// Checkout is an ended session awaiting payment. The table is still live until Confirm.
type Checkout struct {
	Session models.TableSession   `json:"session"`
	Results []models.PlayerResult `json:"results"`
	Summary billing.Summary       `json:"summary"`
	EndedAt time.Time             `json:"ended_at"`
}
