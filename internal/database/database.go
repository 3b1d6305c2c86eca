package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
	_ "modernc.org/sqlite"
)

// timeLayout is how timestamps are stored in SQLite TEXT columns. It matches
// the output of SQLite's datetime() so due-feed arithmetic compares correctly.
const timeLayout = "2006-01-02 15:04:05"

const (
	feedColumns = `id, url, title, description, site_url, last_fetched_at, etag, last_modified,
		fetch_interval_minutes, fetch_frequency, ttl_minutes, ignore_pattern, created_at`
	articleColumns = `id, feed_id, guid, title, url, content, summary, author, published_at,
		is_read, is_starred, og_image, og_description, og_site_name, created_at`
	logColumns = `id, feed_id, log_type, error_kind, status_code, error_message, retry_after, fetched_at`
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

// --- Feed Methods ---

// GetDueFeeds returns feeds never fetched or whose interval has elapsed at now.
func (db *DB) GetDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds
		WHERE last_fetched_at IS NULL
		   OR datetime(last_fetched_at, '+' || fetch_interval_minutes || ' minutes') <= ?
		ORDER BY last_fetched_at IS NOT NULL, last_fetched_at, id`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeeds(rows)
}

// GetFeed returns a feed by ID, or ErrNotFound.
func (db *DB) GetFeed(ctx context.Context, feedID int64) (*model.Feed, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFeeds returns all feeds ordered by title.
func (db *DB) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY title, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeeds(rows)
}

// CreateFeed registers a feed with last_fetched_at unset so the scheduler
// picks it up on its next cycle. Returns ErrDuplicateURL if the URL exists.
func (db *DB) CreateFeed(ctx context.Context, nf model.NewFeed) (*model.Feed, error) {
	freq, interval := initialInterval(nf)
	createdAt := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO feeds (url, title, fetch_interval_minutes, fetch_frequency, ignore_pattern, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		nf.URL, nf.Title, interval, string(freq), nf.IgnorePattern, formatTime(createdAt))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrDuplicateURL
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.GetFeed(ctx, id)
}

// UpdateFeedMetadata applies the result of a successful parsed fetch.
func (db *DB) UpdateFeedMetadata(ctx context.Context, feedID int64, u model.FeedUpdate) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE feeds SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			site_url = COALESCE(?, site_url),
			etag = ?,
			last_modified = ?,
			ttl_minutes = COALESCE(?, ttl_minutes),
			fetch_interval_minutes = ?,
			last_fetched_at = ?
		WHERE id = ?`,
		u.Title, u.Description, u.SiteURL, u.ETag, u.LastModified, u.TTLMinutes,
		u.FetchIntervalMinutes, formatTime(u.FetchedAt), feedID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TouchFeed advances last_fetched_at without changing anything else.
func (db *DB) TouchFeed(ctx context.Context, feedID int64, t time.Time) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE feeds SET last_fetched_at = ? WHERE id = ?", formatTime(t), feedID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteFeed removes a feed; articles and logs cascade.
func (db *DB) DeleteFeed(ctx context.Context, feedID int64) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", feedID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Article Methods ---

// InsertArticleIfNew inserts an article unless its GUID already exists for the feed.
func (db *DB) InsertArticleIfNew(ctx context.Context, a model.NewArticle) (*model.Article, error) {
	createdAt := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO articles (feed_id, guid, title, url, content, summary, author, published_at, is_read, is_starred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(feed_id, guid) DO NOTHING`,
		a.FeedID, a.GUID, a.Title, a.URL, a.Content, a.Summary, a.Author,
		formatTimePtr(a.PublishedAt), formatTime(createdAt))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Article{
		ID:          id,
		FeedID:      a.FeedID,
		GUID:        a.GUID,
		Title:       a.Title,
		URL:         a.URL,
		Content:     a.Content,
		Summary:     a.Summary,
		Author:      a.Author,
		PublishedAt: a.PublishedAt,
		CreatedAt:   createdAt.Truncate(time.Second),
	}, nil
}

// GetArticle returns an article by ID, or ErrNotFound.
func (db *DB) GetArticle(ctx context.Context, articleID int64) (*model.Article, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+articleColumns+" FROM articles WHERE id = ?", articleID)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListArticles returns a feed's newest articles first.
func (db *DB) ListArticles(ctx context.Context, feedID int64, limit int) ([]model.Article, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+articleColumns+` FROM articles
		WHERE feed_id = ?
		ORDER BY COALESCE(published_at, created_at) DESC, id DESC
		LIMIT ?`, feedID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// CountArticles returns the number of stored articles for a feed.
func (db *DB) CountArticles(ctx context.Context, feedID int64) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles WHERE feed_id = ?", feedID).Scan(&n)
	return n, err
}

// RecentArrivals returns arrival times of the newest articles, newest first.
func (db *DB) RecentArrivals(ctx context.Context, feedID int64, limit int) ([]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT COALESCE(published_at, created_at) AS arrived FROM articles
		WHERE feed_id = ?
		ORDER BY arrived DESC
		LIMIT ?`, feedID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var times []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		t, err := parseTime(s)
		if err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// UpdateArticleEnrichment stores link-preview fields; nil fields are left unchanged.
func (db *DB) UpdateArticleEnrichment(ctx context.Context, articleID int64, e model.Enrichment) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE articles SET
			og_image = COALESCE(?, og_image),
			og_description = COALESCE(?, og_description),
			og_site_name = COALESCE(?, og_site_name)
		WHERE id = ?`,
		e.OGImage, e.OGDescription, e.OGSiteName, articleID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Fetch Log Methods ---

// InsertLog appends a fetch log row.
func (db *DB) InsertLog(ctx context.Context, l model.FetchLog) error {
	fetchedAt := l.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO fetch_logs (feed_id, log_type, error_kind, status_code, error_message, retry_after, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.FeedID, string(l.Type), l.ErrorKind, l.StatusCode, l.ErrorMessage, l.RetryAfter, formatTime(fetchedAt))
	return err
}

// ListLogs returns a feed's most recent fetch logs first.
func (db *DB) ListLogs(ctx context.Context, feedID int64, limit int) ([]model.FetchLog, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+logColumns+` FROM fetch_logs
		WHERE feed_id = ?
		ORDER BY id DESC
		LIMIT ?`, feedID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []model.FetchLog
	for rows.Next() {
		var l model.FetchLog
		var logType, fetchedAt string
		if err := rows.Scan(&l.ID, &l.FeedID, &logType, &l.ErrorKind, &l.StatusCode, &l.ErrorMessage, &l.RetryAfter, &fetchedAt); err != nil {
			return nil, err
		}
		l.Type = model.LogType(logType)
		if l.FetchedAt, err = parseTime(fetchedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var f model.Feed
	var freq, createdAt string
	var lastFetched sql.NullString
	if err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Description, &f.SiteURL, &lastFetched, &f.ETag, &f.LastModified,
		&f.FetchIntervalMinutes, &freq, &f.TTLMinutes, &f.IgnorePattern, &createdAt); err != nil {
		return nil, err
	}
	f.FetchFrequency = model.FetchFrequency(freq)
	var err error
	if f.LastFetchedAt, err = parseNullTime(lastFetched); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func scanArticle(row rowScanner) (*model.Article, error) {
	var a model.Article
	var publishedAt sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.URL, &a.Content, &a.Summary, &a.Author, &publishedAt,
		&a.IsRead, &a.IsStarred, &a.OGImage, &a.OGDescription, &a.OGSiteName, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if a.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
