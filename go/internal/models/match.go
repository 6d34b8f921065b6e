package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchResult is a player's outcome for a session.
type MatchResult string

const (
	MatchResultWin  MatchResult = "win"
	MatchResultLoss MatchResult = "loss"
	MatchResultDraw MatchResult = "draw"
)

// Valid reports whether r is a known result.
func (r MatchResult) Valid() bool {
	switch r {
	case MatchResultWin, MatchResultLoss, MatchResultDraw:
		return true
	default:
		return false
	}
}

// PlayerResult pairs a player with their result.
type PlayerResult struct {
	Name   string      `json:"name"`
	Result MatchResult `json:"result"`
}

// PaymentMeta describes how a session was paid.
type PaymentMeta struct {
	Method     string          `json:"method" validate:"required,oneof=cash card transfer account"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  string          `json:"reference,omitempty" validate:"max=128"`
	ReceivedBy string          `json:"received_by" validate:"required"`
	MemberID   string          `json:"member_id,omitempty"`
}

// MatchRecord is the immutable snapshot written once per ended session.
type MatchRecord struct {
	ID          string          `json:"id"`
	ClubID      string          `json:"club_id"`
	TableID     string          `json:"table_id"`
	TableNumber int             `json:"table_number"`
	CycleID     string          `json:"cycle_id"`
	Players     []PlayerResult  `json:"players"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
	DurationMs  int64           `json:"duration_ms"`
	BillingMode BillingMode     `json:"billing_mode"`
	FrameCount  int             `json:"frame_count"`
	OrderItems  []OrderItem     `json:"order_items"`
	TableCharge decimal.Decimal `json:"table_charge"`
	ItemsTotal  decimal.Decimal `json:"items_total"`
	TotalBill   decimal.Decimal `json:"total_bill"`
	Payment     PaymentMeta     `json:"payment"`
	RecordedAt  time.Time       `json:"recorded_at"`
}
