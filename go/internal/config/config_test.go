package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/mutation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
id: club-1
name: Green Baize
timezone: UTC
rate_plan:
  per_hour: 12
  per_minute: "0.25"
  per_frame: 5
  peak_rate: 18
  off_peak_rate: 10
  peak_pricing: true
  peak_start: "18:00"
  peak_end: "23:30"
tables:
  - number: 1
    default_mode: per_frame
  - id: snooker-2
    number: 2
    override:
      per_hour: 20
sync:
  debounce: 4s
  subscribe_timeout: 6s
policy: last_writer_wins
`

func TestParse(t *testing.T) {
	club, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "club-1", club.ID)
	assert.True(t, decimal.RequireFromString("0.25").Equal(club.RatePlan.PerMinute))
	assert.True(t, club.RatePlan.PeakPricing)
	assert.Equal(t, models.NewTimeOfDay(23, 30), club.RatePlan.PeakEnd)
	assert.Equal(t, 4*time.Second, club.Sync.Debounce)
	assert.Equal(t, mutation.PolicyLastWriterWins, club.Policy)
	assert.Equal(t, models.PrimaryCollections, club.Collections)
	assert.Equal(t, time.UTC, club.Location())

	require.Len(t, club.Tables, 2)
	assert.Equal(t, "table-1", club.Tables[0].ID)
	assert.Equal(t, models.BillingModePerFrame, club.Tables[0].DefaultMode)
	assert.Equal(t, "club-1", club.Tables[0].ClubID)

	snooker, ok := club.Table("snooker-2")
	require.True(t, ok)
	assert.Equal(t, models.BillingModeHourly, snooker.DefaultMode)
	require.NotNil(t, snooker.Override)
	assert.True(t, decimal.NewFromInt(20).Equal(club.RatePlan.WithOverride(snooker.Override).PerHour))
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "tables: [{number: 1}]"},
		{"no tables", "id: c"},
		{"duplicate number", "id: c\ntables: [{number: 1}, {id: x, number: 1}]"},
		{"bad mode", "id: c\ntables: [{number: 1, default_mode: weekly}]"},
		{"bad policy", "id: c\npolicy: merge\ntables: [{number: 1}]"},
		{"bad peak time", "id: c\nrate_plan: {peak_start: '25:00'}\ntables: [{number: 1}]"},
		{"bad timezone", "id: c\ntimezone: Mars/Olympus\ntables: [{number: 1}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "club.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	club, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Green Baize", club.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CUEHALL_TEST_INT", "42")
	t.Setenv("CUEHALL_TEST_DUR", "750ms")
	t.Setenv("CUEHALL_TEST_BAD", "nope")

	assert.Equal(t, 42, GetEnvAsInt("CUEHALL_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("CUEHALL_TEST_BAD", 1))
	assert.Equal(t, 750*time.Millisecond, GetEnvAsDuration("CUEHALL_TEST_DUR", time.Second))
	assert.Equal(t, "fallback", GetEnv("CUEHALL_TEST_UNSET", "fallback"))
	assert.True(t, GetEnvAsBool("CUEHALL_TEST_UNSET", true))
}
