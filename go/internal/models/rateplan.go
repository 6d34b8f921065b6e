package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
// It encodes as "HH:MM".
type TimeOfDay struct {
	Minutes int
}

// NewTimeOfDay builds a TimeOfDay from hours and minutes.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay{Minutes: hour*60 + minute}
}

// TimeOfDayOf returns the time of day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Minutes/60, t.Minutes%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(text []byte) error {
	var h, m int
	if _, err := fmt.Sscanf(string(text), "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("invalid time of day %q: %w", string(text), err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("invalid time of day %q", string(text))
	}
	t.Minutes = h*60 + m
	return nil
}

// RatePlan holds the prices used to charge table time.
type RatePlan struct {
	PerHour     decimal.Decimal `json:"per_hour" yaml:"per_hour"`
	PerMinute   decimal.Decimal `json:"per_minute" yaml:"per_minute"`
	PerFrame    decimal.Decimal `json:"per_frame" yaml:"per_frame"`
	PeakRate    decimal.Decimal `json:"peak_rate" yaml:"peak_rate"`
	OffPeakRate decimal.Decimal `json:"off_peak_rate" yaml:"off_peak_rate"`
	// PeakPricing switches hourly billing to PeakRate/OffPeakRate.
	PeakPricing bool      `json:"peak_pricing" yaml:"peak_pricing"`
	PeakStart   TimeOfDay `json:"peak_start" yaml:"peak_start"`
	PeakEnd     TimeOfDay `json:"peak_end" yaml:"peak_end"`
}

// RatePlanOverride replaces the club-wide plan field by field. Nil fields keep the default.
type RatePlanOverride struct {
	PerHour     *decimal.Decimal `json:"per_hour,omitempty" yaml:"per_hour"`
	PerMinute   *decimal.Decimal `json:"per_minute,omitempty" yaml:"per_minute"`
	PerFrame    *decimal.Decimal `json:"per_frame,omitempty" yaml:"per_frame"`
	PeakRate    *decimal.Decimal `json:"peak_rate,omitempty" yaml:"peak_rate"`
	OffPeakRate *decimal.Decimal `json:"off_peak_rate,omitempty" yaml:"off_peak_rate"`
	PeakPricing *bool            `json:"peak_pricing,omitempty" yaml:"peak_pricing"`
	PeakStart   *TimeOfDay       `json:"peak_start,omitempty" yaml:"peak_start"`
	PeakEnd     *TimeOfDay       `json:"peak_end,omitempty" yaml:"peak_end"`
}

// WithOverride returns the plan with every non-nil override field applied.
func (p RatePlan) WithOverride(o *RatePlanOverride) RatePlan {
	if o == nil {
		return p
	}
	if o.PerHour != nil {
		p.PerHour = *o.PerHour
	}
	if o.PerMinute != nil {
		p.PerMinute = *o.PerMinute
	}
	if o.PerFrame != nil {
		p.PerFrame = *o.PerFrame
	}
	if o.PeakRate != nil {
		p.PeakRate = *o.PeakRate
	}
	if o.OffPeakRate != nil {
		p.OffPeakRate = *o.OffPeakRate
	}
	if o.PeakPricing != nil {
		p.PeakPricing = *o.PeakPricing
	}
	if o.PeakStart != nil {
		p.PeakStart = *o.PeakStart
	}
	if o.PeakEnd != nil {
		p.PeakEnd = *o.PeakEnd
	}
	return p
}

// InPeakWindow reports whether t falls in [PeakStart, PeakEnd). Windows may wrap midnight.
// An empty window (start == end) never matches.
func (p RatePlan) InPeakWindow(t time.Time) bool {
	start, end := p.PeakStart.Minutes, p.PeakEnd.Minutes
	if start == end {
		return false
	}
	now := TimeOfDayOf(t).Minutes
	if start < end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
