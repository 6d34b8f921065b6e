package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem is a food/drink line on a table session.
type OrderItem struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// LineTotal returns UnitPrice × Quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TableSession is the live session aggregate stored in the sessions collection.
// ID equals the table ID: the entity is recycled between sessions, never destroyed.
type TableSession struct {
	ID          string      `json:"id"`
	ClubID      string      `json:"club_id"`
	TableNumber int         `json:"table_number"`
	CycleID     string      `json:"cycle_id,omitempty"`
	Status      TableStatus `json:"status"`
	Players     []string    `json:"players"`
	StartTime   *time.Time  `json:"start_time,omitempty"`
	// PausedAt is set while Status is paused.
	PausedAt            *time.Time      `json:"paused_at,omitempty"`
	PausedAccumulatedMs int64           `json:"paused_accumulated_ms"`
	BillingMode         BillingMode     `json:"billing_mode"`
	FrameCount          int             `json:"frame_count"`
	OrderItems          []OrderItem     `json:"order_items"`
	TotalBill           decimal.Decimal `json:"total_bill"`
}

// NewFreeSession returns the idle session for a table.
func NewFreeSession(table TableConfig) TableSession {
	return TableSession{
		ID:          table.ID,
		ClubID:      table.ClubID,
		TableNumber: table.Number,
		Status:      TableStatusFree,
		Players:     []string{},
		BillingMode: table.DefaultMode,
		OrderItems:  []OrderItem{},
		TotalBill:   decimal.Zero,
	}
}

// Clone returns a deep copy of the session.
func (s TableSession) Clone() TableSession {
	out := s
	out.Players = append([]string{}, s.Players...)
	out.OrderItems = append([]OrderItem{}, s.OrderItems...)
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		out.PausedAt = &t
	}
	return out
}

// HasPlayer reports whether name is seated at the table.
func (s TableSession) HasPlayer(name string) bool {
	for _, p := range s.Players {
		if p == name {
			return true
		}
	}
	return false
}
