package rss

import (
	"testing"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

func intp(v int) *int { return &v }

func TestClampInterval(t *testing.T) {
	tests := []struct{ in, want int }{
		{-5, 60},
		{0, 60},
		{59, 60},
		{60, 60},
		{1440, 1440},
		{10080, 10080},
		{20000, 10080},
	}
	for _, tc := range tests {
		if got := ClampInterval(tc.in); got != tc.want {
			t.Errorf("ClampInterval(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestObservedCadence(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)

	t.Run("no articles", func(t *testing.T) {
		if _, ok := ObservedCadence(nil, 0, created, now); ok {
			t.Error("expected no estimate")
		}
	})

	t.Run("single article uses feed age", func(t *testing.T) {
		got, ok := ObservedCadence([]time.Time{now.Add(-time.Hour)}, 1, created, now)
		if !ok || got != 48*60 {
			t.Errorf("got %d, %v; want %d", got, ok, 48*60)
		}
	})

	t.Run("median of gaps", func(t *testing.T) {
		// Gaps (newest first): 30m, 2h, 3h, 10h. Median = 2.5h.
		arrivals := []time.Time{
			now,
			now.Add(-30 * time.Minute),
			now.Add(-150 * time.Minute),
			now.Add(-330 * time.Minute),
			now.Add(-930 * time.Minute),
		}
		got, ok := ObservedCadence(arrivals, 5, created, now)
		if !ok || got != 150 {
			t.Errorf("got %d, %v; want 150", got, ok)
		}
	})

	t.Run("unsorted input", func(t *testing.T) {
		arrivals := []time.Time{
			now.Add(-4 * time.Hour),
			now,
			now.Add(-1 * time.Hour),
		}
		got, ok := ObservedCadence(arrivals, 3, created, now)
		// Gaps: 1h, 3h. Median = 2h.
		if !ok || got != 120 {
			t.Errorf("got %d, %v; want 120", got, ok)
		}
	})
}

func TestNextInterval(t *testing.T) {
	adaptive := model.Feed{FetchFrequency: model.FrequencyAdaptive, FetchIntervalMinutes: 60}

	tests := []struct {
		name    string
		feed    model.Feed
		ttl     *int
		cadence *int
		want    int
	}{
		{"ttl only", adaptive, intp(1440), nil, 1440},
		{"cadence only", adaptive, nil, intp(300), 300},
		{"max of both", adaptive, intp(120), intp(600), 600},
		{"ttl wins", adaptive, intp(900), intp(200), 900},
		{"clamped low", adaptive, intp(5), intp(10), 60},
		{"clamped high", adaptive, intp(50000), nil, 10080},
		{"no signal keeps current", model.Feed{FetchFrequency: model.FrequencyAdaptive, FetchIntervalMinutes: 240}, nil, nil, 240},
		{"custom bypasses", model.Feed{FetchFrequency: model.FrequencyCustom, FetchIntervalMinutes: 30}, intp(1440), intp(9000), 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextInterval(tc.feed, tc.ttl, tc.cadence); got != tc.want {
				t.Errorf("NextInterval = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNextIntervalAlwaysInBounds(t *testing.T) {
	feed := model.Feed{FetchFrequency: model.FrequencyAdaptive, FetchIntervalMinutes: 60}
	for _, ttl := range []int{-1, 0, 1, 59, 61, 5000, 10081, 1 << 20} {
		for _, cad := range []int{0, 30, 70, 9999, 1 << 22} {
			got := NextInterval(feed, intp(ttl), intp(cad))
			if got < model.MinIntervalMinutes || got > model.MaxIntervalMinutes {
				t.Fatalf("ttl=%d cadence=%d gave %d", ttl, cad, got)
			}
		}
	}
}
