package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestElapsed(t *testing.T) {
	tests := []struct {
		name    string
		session models.TableSession
		now     time.Time
		want    time.Duration
	}{
		{
			name:    "no start time",
			session: models.TableSession{Status: models.TableStatusFree},
			now:     base.Add(time.Hour),
			want:    0,
		},
		{
			name:    "occupied",
			session: models.TableSession{Status: models.TableStatusOccupied, StartTime: ptr(base)},
			now:     base.Add(25 * time.Minute),
			want:    25 * time.Minute,
		},
		{
			name: "occupied minus accumulated pause",
			session: models.TableSession{
				Status:              models.TableStatusOccupied,
				StartTime:           ptr(base),
				PausedAccumulatedMs: (10 * time.Minute).Milliseconds(),
			},
			now:  base.Add(40 * time.Minute),
			want: 30 * time.Minute,
		},
		{
			name: "paused is frozen at pause instant",
			session: models.TableSession{
				Status:    models.TableStatusPaused,
				StartTime: ptr(base),
				PausedAt:  ptr(base.Add(15 * time.Minute)),
			},
			now:  base.Add(3 * time.Hour),
			want: 15 * time.Minute,
		},
		{
			name:    "clock behind start clamps to zero",
			session: models.TableSession{Status: models.TableStatusOccupied, StartTime: ptr(base)},
			now:     base.Add(-time.Minute),
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Elapsed(tt.session, tt.now))
		})
	}
}

func TestPauseDuration(t *testing.T) {
	s := models.TableSession{Status: models.TableStatusPaused, StartTime: ptr(base), PausedAt: ptr(base.Add(time.Hour))}

	assert.Equal(t, 20*time.Minute, PauseDuration(s, base.Add(80*time.Minute)))
	assert.Equal(t, time.Duration(0), PauseDuration(models.TableSession{}, base))
}

func TestTickerRendersOnEachTick(t *testing.T) {
	fc := clockwork.NewFakeClockAt(base)
	var ticks atomic.Int32
	ticker := NewTicker(fc, time.Second, func(time.Time) { ticks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ticker.Run(ctx)
		close(done)
	}()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	for i := 0; i < 3; i++ {
		fc.Advance(time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return ticks.Load() == want }, time.Second, time.Millisecond)
	}

	cancel()
	<-done
}
