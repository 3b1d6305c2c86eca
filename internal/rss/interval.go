package rss

import (
	"math"
	"sort"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// CadenceWindow is how many of the newest articles feed the cadence estimate.
const CadenceWindow = 10

// ClampInterval bounds an adaptive interval to [MinIntervalMinutes, MaxIntervalMinutes].
func ClampInterval(minutes int) int {
	if minutes < model.MinIntervalMinutes {
		return model.MinIntervalMinutes
	}
	if minutes > model.MaxIntervalMinutes {
		return model.MaxIntervalMinutes
	}
	return minutes
}

// ObservedCadence estimates minutes between new articles.
//
// With two or more arrival times it is the median gap between consecutive
// arrivals. With fewer, it is the feed's age divided by its article count.
// It reports false when the feed has no articles.
func ObservedCadence(arrivals []time.Time, articleCount int, feedCreated, now time.Time) (int, bool) {
	if len(arrivals) >= 2 {
		sorted := make([]time.Time, len(arrivals))
		copy(sorted, arrivals)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].After(sorted[j]) })

		gaps := make([]float64, 0, len(sorted)-1)
		for i := 0; i+1 < len(sorted); i++ {
			gaps = append(gaps, sorted[i].Sub(sorted[i+1]).Minutes())
		}
		sort.Float64s(gaps)

		var median float64
		if n := len(gaps); n%2 == 1 {
			median = gaps[n/2]
		} else {
			median = (gaps[n/2-1] + gaps[n/2]) / 2
		}
		return int(math.Round(median)), true
	}

	if articleCount <= 0 {
		return 0, false
	}
	age := now.Sub(feedCreated).Minutes()
	if age < 0 {
		age = 0
	}
	return int(math.Round(age / float64(articleCount))), true
}

// NextInterval computes the polling interval after a successful parsed fetch.
//
// Custom feeds keep their fixed interval. Adaptive feeds take the larger of
// the TTL hint and the observed cadence, whichever exist, clamped to the
// allowed range. With neither signal the current interval is kept.
func NextInterval(feed model.Feed, ttl *int, cadence *int) int {
	if feed.FetchFrequency == model.FrequencyCustom {
		return feed.FetchIntervalMinutes
	}

	candidate, ok := 0, false
	if ttl != nil {
		candidate, ok = *ttl, true
	}
	if cadence != nil && (!ok || *cadence > candidate) {
		candidate, ok = *cadence, true
	}
	if !ok {
		candidate = feed.FetchIntervalMinutes
	}
	return ClampInterval(candidate)
}
