// Package database provides storage backends for feed synchronization.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateURL is returned when a feed with the same URL is already registered.
	ErrDuplicateURL = errors.New("feed URL already exists")
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Feed operations
	GetDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error)
	GetFeed(ctx context.Context, feedID int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	CreateFeed(ctx context.Context, nf model.NewFeed) (*model.Feed, error)
	UpdateFeedMetadata(ctx context.Context, feedID int64, u model.FeedUpdate) error
	TouchFeed(ctx context.Context, feedID int64, t time.Time) error
	DeleteFeed(ctx context.Context, feedID int64) error

	// Article operations

	// InsertArticleIfNew returns nil without error when (feed_id, guid) already exists.
	InsertArticleIfNew(ctx context.Context, a model.NewArticle) (*model.Article, error)
	GetArticle(ctx context.Context, articleID int64) (*model.Article, error)
	ListArticles(ctx context.Context, feedID int64, limit int) ([]model.Article, error)
	CountArticles(ctx context.Context, feedID int64) (int, error)
	// RecentArrivals returns COALESCE(published_at, created_at) of the newest
	// articles of a feed, newest first.
	RecentArrivals(ctx context.Context, feedID int64, limit int) ([]time.Time, error)
	UpdateArticleEnrichment(ctx context.Context, articleID int64, e model.Enrichment) error

	// Fetch log operations
	InsertLog(ctx context.Context, l model.FetchLog) error
	ListLogs(ctx context.Context, feedID int64, limit int) ([]model.FetchLog, error)
}

// initialInterval returns the interval a newly registered feed starts with.
func initialInterval(nf model.NewFeed) (model.FetchFrequency, int) {
	if nf.FetchFrequency == model.FrequencyCustom && nf.CustomHours > 0 {
		return model.FrequencyCustom, nf.CustomHours * 60
	}
	return model.FrequencyAdaptive, model.DefaultIntervalMinutes
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
