package proactive_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/malbeclabs/nl2sql/pkg/proactive"
)

func TestNextRun(t *testing.T) {
	t.Parallel()

	// Wednesday.
	now := time.Date(2025, 5, 14, 10, 30, 0, 0, time.UTC)
	early := time.Date(2025, 5, 14, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		freq proactive.Frequency
		prev time.Time
		now  time.Time
		want time.Time
	}{
		{"real-time", proactive.FrequencyRealTime, time.Time{}, now, now.Add(time.Minute)},
		{"hourly", proactive.FrequencyHourly, time.Time{}, now, now.Add(time.Hour)},
		{"daily after run hour", proactive.FrequencyDaily, time.Time{}, now, time.Date(2025, 5, 15, 8, 0, 0, 0, time.UTC)},
		{"daily before run hour", proactive.FrequencyDaily, time.Time{}, early, time.Date(2025, 5, 14, 8, 0, 0, 0, time.UTC)},
		{"daily at run hour", proactive.FrequencyDaily, time.Time{}, time.Date(2025, 5, 14, 8, 0, 0, 0, time.UTC), time.Date(2025, 5, 15, 8, 0, 0, 0, time.UTC)},
		{"daily strictly after prev", proactive.FrequencyDaily, time.Date(2025, 5, 15, 8, 0, 0, 0, time.UTC), now, time.Date(2025, 5, 16, 8, 0, 0, 0, time.UTC)},
		{"daily does not replay missed runs", proactive.FrequencyDaily, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC), now, time.Date(2025, 5, 15, 8, 0, 0, 0, time.UTC)},
		{"weekly", proactive.FrequencyWeekly, time.Time{}, now, time.Date(2025, 5, 19, 8, 0, 0, 0, time.UTC)},
		{"weekly on monday morning", proactive.FrequencyWeekly, time.Time{}, time.Date(2025, 5, 19, 7, 0, 0, 0, time.UTC), time.Date(2025, 5, 19, 8, 0, 0, 0, time.UTC)},
		{"weekly on monday after run hour", proactive.FrequencyWeekly, time.Time{}, time.Date(2025, 5, 19, 9, 0, 0, 0, time.UTC), time.Date(2025, 5, 26, 8, 0, 0, 0, time.UTC)},
		{"monthly", proactive.FrequencyMonthly, time.Time{}, now, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		{"monthly across year", proactive.FrequencyMonthly, time.Time{}, time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)},
		{"non-utc input", proactive.FrequencyHourly, time.Time{}, now.In(time.FixedZone("X", 3*3600)), now.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := proactive.NextRun(tt.freq, tt.prev, tt.now)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.True(t, got.After(tt.now))
		})
	}
}
