// Package model defines shared data structures.
package model

import "time"

// FetchFrequency selects how a feed's polling interval is derived.
type FetchFrequency string

const (
	// FrequencyAdaptive computes the interval from TTL hints and article cadence.
	FrequencyAdaptive FetchFrequency = "adaptive"
	// FrequencyCustom uses a fixed, user-chosen number of hours.
	FrequencyCustom FetchFrequency = "custom"
)

// Interval bounds for adaptive feeds, in minutes.
const (
	MinIntervalMinutes     = 60
	MaxIntervalMinutes     = 10080
	DefaultIntervalMinutes = MinIntervalMinutes
)

// Feed represents an RSS/Atom feed subscription.
type Feed struct {
	ID                   int64
	URL                  string
	Title                string
	Description          *string
	SiteURL              *string
	LastFetchedAt        *time.Time // nil until the first fetch attempt
	ETag                 *string
	LastModified         *string
	FetchIntervalMinutes int
	FetchFrequency       FetchFrequency
	TTLMinutes           *int
	IgnorePattern        *string
	CreatedAt            time.Time
}

// IsDue reports whether the feed should be fetched at now.
func (f Feed) IsDue(now time.Time) bool {
	if f.LastFetchedAt == nil {
		return true
	}
	next := f.LastFetchedAt.Add(time.Duration(f.FetchIntervalMinutes) * time.Minute)
	return !next.After(now)
}

// NewFeed holds the fields needed to register a feed.
type NewFeed struct {
	URL            string
	Title          string
	FetchFrequency FetchFrequency
	// CustomHours is only used with FrequencyCustom.
	CustomHours   int
	IgnorePattern *string
}

// FeedUpdate carries the result of a successful, parsed fetch.
// Nil pointers leave the stored column unchanged, except ETag and
// LastModified which always replace the stored validators.
type FeedUpdate struct {
	Title                *string
	Description          *string
	SiteURL              *string
	ETag                 *string
	LastModified         *string
	TTLMinutes           *int
	FetchIntervalMinutes int
	FetchedAt            time.Time
}

// Article represents a single entry ingested from a feed.
type Article struct {
	ID            int64
	FeedID        int64
	GUID          string // de-duplication key within a feed
	Title         string
	URL           *string
	Content       *string
	Summary       *string
	Author        *string
	PublishedAt   *time.Time
	IsRead        bool
	IsStarred     bool
	OGImage       *string
	OGDescription *string
	OGSiteName    *string
	CreatedAt     time.Time
}

// NewArticle is an article as produced by the fetch pipeline.
type NewArticle struct {
	FeedID      int64
	GUID        string
	Title       string
	URL         *string
	Content     *string
	Summary     *string
	Author      *string
	PublishedAt *time.Time
}

// Enrichment is link-preview metadata extracted from an article page.
type Enrichment struct {
	OGImage       *string
	OGDescription *string
	OGSiteName    *string
}

// Empty reports whether no field was extracted.
func (e Enrichment) Empty() bool {
	return e.OGImage == nil && e.OGDescription == nil && e.OGSiteName == nil
}

// LogType classifies one fetch attempt.
type LogType string

const (
	LogSuccess     LogType = "success"
	LogNotModified LogType = "not_modified"
	LogError       LogType = "error"
)

// FetchLog is an append-only record of one fetch attempt.
type FetchLog struct {
	ID           int64
	FeedID       int64
	Type         LogType
	ErrorKind    *string // network, status, parse or blocked; nil unless Type is error
	StatusCode   *int
	ErrorMessage *string
	RetryAfter   *string
	FetchedAt    time.Time
}

// ImportStatus is the lifecycle state of a bulk import job.
type ImportStatus string

const (
	ImportProcessing ImportStatus = "processing"
	ImportComplete   ImportStatus = "complete"
)

// ImportResult is the outcome for one URL of an import job.
type ImportResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Success bool   `json:"success"`
	FeedID  *int64 `json:"feed_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ImportJob is a point-in-time snapshot of a bulk import.
type ImportJob struct {
	ID           string         `json:"job_id"`
	Status       ImportStatus   `json:"status"`
	Total        int            `json:"total"`
	Processed    int            `json:"processed"`
	SuccessCount int            `json:"success_count"`
	Results      []ImportResult `json:"results"`
	CreatedAt    time.Time      `json:"created_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}
