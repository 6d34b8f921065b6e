// Package billing computes table charges. Every function is pure.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/cuehall/go/internal/clock"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/shopspring/decimal"
)

// ErrUnknownMode is returned for a billing mode the calculator does not know.
var ErrUnknownMode = errors.New("unknown billing mode")

const (
	msPerHour   = int64(time.Hour / time.Millisecond)
	msPerMinute = int64(time.Minute / time.Millisecond)
)

// Input is everything a table charge depends on.
type Input struct {
	Mode    models.BillingMode
	Elapsed time.Duration
	Frames  int
	Plan    models.RatePlan
	// At is the calculation instant in club-local time. Only peak pricing reads it.
	At time.Time
}

// Charge is a table charge with the units and rate it was computed from.
type Charge struct {
	Mode   models.BillingMode `json:"mode"`
	Units  int64              `json:"units"`
	Rate   decimal.Decimal    `json:"rate"`
	Amount decimal.Decimal    `json:"amount"`
}

// Summary is the bill presented at the payment step.
type Summary struct {
	Mode        models.BillingMode `json:"mode"`
	Elapsed     time.Duration      `json:"elapsed"`
	Frames      int                `json:"frames"`
	Units       int64              `json:"units"`
	Rate        decimal.Decimal    `json:"rate"`
	TableCharge decimal.Decimal    `json:"table_charge"`
	ItemsTotal  decimal.Decimal    `json:"items_total"`
	Total       decimal.Decimal    `json:"total"`
}

// ceilDiv divides non-negative a by b rounding up.
func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// HourlyUnits returns the number of started hours in elapsed.
func HourlyUnits(elapsed time.Duration) int64 {
	return ceilDiv(elapsed.Milliseconds(), msPerHour)
}

// MinuteUnits returns the number of started minutes in elapsed.
func MinuteUnits(elapsed time.Duration) int64 {
	return ceilDiv(elapsed.Milliseconds(), msPerMinute)
}

// HourlyCharge charges every started hour at perHour.
func HourlyCharge(elapsed time.Duration, perHour decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(HourlyUnits(elapsed)).Mul(perHour)
}

// PerMinuteCharge charges every started minute at perMinute.
func PerMinuteCharge(elapsed time.Duration, perMinute decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(MinuteUnits(elapsed)).Mul(perMinute)
}

// PerFrameCharge charges frames at perFrame. Time plays no part.
func PerFrameCharge(frames int, perFrame decimal.Decimal) decimal.Decimal {
	if frames < 0 {
		frames = 0
	}
	return decimal.NewFromInt(int64(frames)).Mul(perFrame)
}

// EffectiveHourlyRate resolves the per-hour rate at the given instant.
//
// With peak pricing off the plan's PerHour applies. With it on, PeakRate applies inside the
// peak window and OffPeakRate outside it; a zero rate for the matching side falls back to PerHour.
func EffectiveHourlyRate(plan models.RatePlan, at time.Time) decimal.Decimal {
	if !plan.PeakPricing {
		return plan.PerHour
	}
	rate := plan.OffPeakRate
	if plan.InPeakWindow(at) {
		rate = plan.PeakRate
	}
	if rate.IsZero() {
		return plan.PerHour
	}
	return rate
}

// TableCharge computes the table-time charge for in.
func TableCharge(in Input) (Charge, error) {
	switch in.Mode {
	case models.BillingModeHourly:
		rate := EffectiveHourlyRate(in.Plan, in.At)
		units := HourlyUnits(in.Elapsed)
		return Charge{Mode: in.Mode, Units: units, Rate: rate, Amount: decimal.NewFromInt(units).Mul(rate)}, nil
	case models.BillingModePerMinute:
		units := MinuteUnits(in.Elapsed)
		return Charge{Mode: in.Mode, Units: units, Rate: in.Plan.PerMinute, Amount: PerMinuteCharge(in.Elapsed, in.Plan.PerMinute)}, nil
	case models.BillingModePerFrame:
		frames := in.Frames
		if frames < 0 {
			frames = 0
		}
		return Charge{Mode: in.Mode, Units: int64(frames), Rate: in.Plan.PerFrame, Amount: PerFrameCharge(frames, in.Plan.PerFrame)}, nil
	default:
		return Charge{}, fmt.Errorf("%w: %q", ErrUnknownMode, in.Mode)
	}
}

// ItemsTotal sums unitPrice × quantity over items.
func ItemsTotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Summarize bills session s at now under plan.
func Summarize(s models.TableSession, plan models.RatePlan, now time.Time) (Summary, error) {
	if s.StartTime == nil {
		return Summary{
			Mode:        s.BillingMode,
			TableCharge: decimal.Zero,
			ItemsTotal:  ItemsTotal(s.OrderItems),
			Total:       ItemsTotal(s.OrderItems),
		}, nil
	}

	elapsed := clock.Elapsed(s, now)
	charge, err := TableCharge(Input{
		Mode:    s.BillingMode,
		Elapsed: elapsed,
		Frames:  s.FrameCount,
		Plan:    plan,
		At:      now,
	})
	if err != nil {
		return Summary{}, err
	}

	items := ItemsTotal(s.OrderItems)
	return Summary{
		Mode:        s.BillingMode,
		Elapsed:     elapsed,
		Frames:      s.FrameCount,
		Units:       charge.Units,
		Rate:        charge.Rate,
		TableCharge: charge.Amount,
		ItemsTotal:  items,
		Total:       charge.Amount.Add(items),
	}, nil
}
