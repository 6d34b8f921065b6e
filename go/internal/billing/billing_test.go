package billing

import (
	"testing"
	"time"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func plan() models.RatePlan {
	return models.RatePlan{
		PerHour:   dec("12"),
		PerMinute: dec("10"),
		PerFrame:  dec("50"),
	}
}

func TestHourlyChargeRoundsUpPartialHours(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "0"},
		{time.Millisecond, "12"},
		{time.Hour, "12"},
		{time.Hour + time.Millisecond, "24"},
		{150 * time.Minute, "36"},
	}

	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			assert.True(t, dec(tt.want).Equal(HourlyCharge(tt.elapsed, dec("12"))), "elapsed %s", tt.elapsed)
		})
	}
}

func TestHourlyChargeIsNonDecreasing(t *testing.T) {
	prev := decimal.Zero
	for ms := int64(0); ms <= 5*3_600_000; ms += 59_999 {
		elapsed := time.Duration(ms) * time.Millisecond
		got := HourlyCharge(elapsed, dec("12"))
		assert.False(t, got.LessThan(prev), "charge decreased at %dms", ms)

		want := decimal.NewFromInt((ms + 3_599_999) / 3_600_000).Mul(dec("12"))
		assert.True(t, want.Equal(got), "ceil mismatch at %dms", ms)
		prev = got
	}
}

func TestPerMinuteScenario(t *testing.T) {
	charge, err := TableCharge(Input{
		Mode:    models.BillingModePerMinute,
		Elapsed: 125 * time.Second,
		Plan:    plan(),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), charge.Units)
	assert.True(t, dec("30").Equal(charge.Amount), "got %s", charge.Amount)
}

func TestPerFrameIgnoresTime(t *testing.T) {
	for _, elapsed := range []time.Duration{0, time.Minute, 9 * time.Hour} {
		charge, err := TableCharge(Input{
			Mode:    models.BillingModePerFrame,
			Elapsed: elapsed,
			Frames:  5,
			Plan:    plan(),
		})
		require.NoError(t, err)
		assert.True(t, dec("250").Equal(charge.Amount), "elapsed %s got %s", elapsed, charge.Amount)
	}
}

func TestUnknownMode(t *testing.T) {
	_, err := TableCharge(Input{Mode: "weekly", Plan: plan()})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestEffectiveHourlyRate(t *testing.T) {
	p := plan()
	p.PeakRate = dec("18")
	p.OffPeakRate = dec("9")
	p.PeakStart = models.NewTimeOfDay(18, 0)
	p.PeakEnd = models.NewTimeOfDay(23, 0)

	evening := time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)
	morning := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	t.Run("peak pricing off ignores peak fields", func(t *testing.T) {
		assert.True(t, dec("12").Equal(EffectiveHourlyRate(p, evening)))
	})

	p.PeakPricing = true

	t.Run("inside window", func(t *testing.T) {
		assert.True(t, dec("18").Equal(EffectiveHourlyRate(p, evening)))
	})
	t.Run("outside window", func(t *testing.T) {
		assert.True(t, dec("9").Equal(EffectiveHourlyRate(p, morning)))
	})
	t.Run("zero side falls back to per hour", func(t *testing.T) {
		q := p
		q.OffPeakRate = decimal.Zero
		assert.True(t, dec("12").Equal(EffectiveHourlyRate(q, morning)))
	})
	t.Run("window wrapping midnight", func(t *testing.T) {
		q := p
		q.PeakStart = models.NewTimeOfDay(22, 0)
		q.PeakEnd = models.NewTimeOfDay(2, 0)
		late := time.Date(2026, 3, 15, 1, 15, 0, 0, time.UTC)
		assert.True(t, dec("18").Equal(EffectiveHourlyRate(q, late)))
		assert.True(t, dec("9").Equal(EffectiveHourlyRate(q, evening)))
	})
}

func TestSummarize(t *testing.T) {
	start := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	s := models.TableSession{
		Status:      models.TableStatusOccupied,
		StartTime:   &start,
		BillingMode: models.BillingModeHourly,
		OrderItems: []models.OrderItem{
			{ItemID: "cola", UnitPrice: dec("2.50"), Quantity: 2},
			{ItemID: "chips", UnitPrice: dec("1.75"), Quantity: 1},
		},
	}

	summary, err := Summarize(s, plan(), start.Add(61*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Units)
	assert.True(t, dec("24").Equal(summary.TableCharge))
	assert.True(t, dec("6.75").Equal(summary.ItemsTotal))
	assert.True(t, dec("30.75").Equal(summary.Total))
}
