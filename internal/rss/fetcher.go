// Package rss provides conditional feed fetching, adaptive scheduling and parsing.
package rss

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/events"
	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/sanitize"
	"github.com/bryan-buckman/feedsync/internal/ssrf"
)

// Fetch defaults.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
	DefaultUserAgent    = "feedsync/dev"
	maxLoggedErrorLen   = 500
)

// Enqueuer accepts new articles for background enrichment. Enqueue must not
// block; it reports false when the job was dropped.
type Enqueuer interface {
	Enqueue(articleID int64, articleURL string) bool
}

// FetcherConfig wires a Fetcher. Store, Guard and Sanitizer are required.
type FetcherConfig struct {
	Store     database.Store
	Guard     *ssrf.Guard
	Sanitizer sanitize.Sanitizer

	Parser    Parser           // defaults to NewParser()
	Enricher  Enqueuer         // optional
	Publisher events.Publisher // defaults to events.Noop{}
	Client    *http.Client     // defaults to ssrf.NewClient(Guard, Timeout)

	Timeout              time.Duration
	MaxBodyBytes         int64
	UserAgent            string
	PerDomainConcurrency int
	PerDomainDelay       time.Duration

	// Now overrides the clock used for fetch timestamps.
	Now func() time.Time
}

// Fetcher performs one feed's conditional fetch and persists the outcome.
type Fetcher struct {
	db            database.Store
	guard         *ssrf.Guard
	sanitizer     sanitize.Sanitizer
	parser        Parser
	enricher      Enqueuer
	publisher     events.Publisher
	client        *http.Client
	domainLimiter *domainLimiter

	timeout   time.Duration
	maxBody   int64
	userAgent string
	now       func() time.Time
}

// NewFetcher creates a fetcher from cfg, filling in defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Parser == nil {
		cfg.Parser = NewParser()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Noop{}
	}
	if cfg.Client == nil {
		cfg.Client = ssrf.NewClient(cfg.Guard, cfg.Timeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Fetcher{
		db:            cfg.Store,
		guard:         cfg.Guard,
		sanitizer:     cfg.Sanitizer,
		parser:        cfg.Parser,
		enricher:      cfg.Enricher,
		publisher:     cfg.Publisher,
		client:        cfg.Client,
		domainLimiter: newDomainLimiter(cfg.PerDomainConcurrency, cfg.PerDomainDelay),
		timeout:       cfg.Timeout,
		maxBody:       cfg.MaxBodyBytes,
		userAgent:     cfg.UserAgent,
		now:           cfg.Now,
	}
}

// Result summarizes one fetch attempt.
type Result struct {
	FeedID          int64
	LogType         model.LogType
	NewArticles     int
	IntervalMinutes int
	Err             *FetchError // set when LogType is error
}

// FetchFeed fetches a single feed and records the outcome: exactly one log
// row, a feed update, and any new articles. The returned error is only
// non-nil when the outcome itself could not be persisted; fetch failures
// are reported through Result.Err.
func (f *Fetcher) FetchFeed(ctx context.Context, feed model.Feed) (*Result, error) {
	start := time.Now()
	defer func() { metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	resp, body, fetchErr := f.fetch(ctx, feed)
	now := f.now().UTC()

	if fetchErr != nil {
		return f.recordError(ctx, feed, fetchErr, now)
	}

	if resp.StatusCode == http.StatusNotModified {
		return f.recordNotModified(ctx, feed, now)
	}

	parsed, err := f.parser.Parse(body)
	if err != nil {
		return f.recordError(ctx, feed, &FetchError{Kind: KindParse, Err: err}, now)
	}
	return f.recordSuccess(ctx, feed, resp.Header, parsed, now)
}

// fetch performs the conditional GET. On success resp is either a 304 or a
// 2xx whose body has been fully read into body.
func (f *Fetcher) fetch(ctx context.Context, feed model.Feed) (*http.Response, []byte, *FetchError) {
	if f.guard != nil {
		if err := f.guard.Check(ctx, feed.URL); err != nil {
			if errors.Is(err, ssrf.ErrResolve) {
				return nil, nil, &FetchError{Kind: KindNetwork, Err: err}
			}
			return nil, nil, &FetchError{Kind: KindBlocked, Err: err}
		}
	}

	domain := extractDomain(feed.URL)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return nil, nil, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("rate limit cancelled: %w", err)}
	}
	defer f.domainLimiter.release(domain)

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, nil, &FetchError{Kind: KindBlocked, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if feed.ETag != nil && *feed.ETag != "" {
		req.Header.Set("If-None-Match", *feed.ETag)
	}
	if feed.LastModified != nil && *feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", *feed.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ssrf.ErrPrivateAddress) || errors.Is(err, ssrf.ErrScheme) {
			return nil, nil, &FetchError{Kind: KindBlocked, Err: err}
		}
		return nil, nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return resp, nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &FetchError{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			RetryAfter: strings.TrimSpace(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, nil, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.maxBody {
		return nil, nil, &FetchError{Kind: KindParse, Err: fmt.Errorf("feed body exceeds %d bytes", f.maxBody)}
	}
	return resp, body, nil
}

func (f *Fetcher) recordNotModified(ctx context.Context, feed model.Feed, now time.Time) (*Result, error) {
	metrics.FetchesTotal.WithLabelValues(string(model.LogNotModified)).Inc()
	logger.Debugf("[fetch] %s not modified", feed.URL)

	res := &Result{FeedID: feed.ID, LogType: model.LogNotModified, IntervalMinutes: feed.FetchIntervalMinutes}
	return res, f.persistAttempt(ctx, feed.ID, model.FetchLog{FeedID: feed.ID, Type: model.LogNotModified, FetchedAt: now}, now)
}

// persistAttempt writes the log row and advances last_fetched_at. The feed
// is touched even when the log insert fails so it keeps its interval.
func (f *Fetcher) persistAttempt(ctx context.Context, feedID int64, entry model.FetchLog, now time.Time) error {
	logErr := f.db.InsertLog(ctx, entry)
	if err := f.db.TouchFeed(ctx, feedID, now); err != nil {
		return fmt.Errorf("touch feed %d: %w", feedID, err)
	}
	if logErr != nil {
		return fmt.Errorf("insert log for feed %d: %w", feedID, logErr)
	}
	return nil
}

func (f *Fetcher) recordError(ctx context.Context, feed model.Feed, fe *FetchError, now time.Time) (*Result, error) {
	metrics.FetchesTotal.WithLabelValues(string(model.LogError)).Inc()
	metrics.FetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()
	logger.Warnf("[fetch] %s failed: %v", feed.URL, fe)

	entry := model.FetchLog{
		FeedID:       feed.ID,
		Type:         model.LogError,
		ErrorKind:    strPtr(string(fe.Kind)),
		ErrorMessage: strPtr(truncate(fe.Error(), maxLoggedErrorLen)),
		FetchedAt:    now,
	}
	if fe.StatusCode != 0 {
		code := fe.StatusCode
		entry.StatusCode = &code
	}
	if fe.RetryAfter != "" {
		entry.RetryAfter = strPtr(fe.RetryAfter)
	}
	res := &Result{FeedID: feed.ID, LogType: model.LogError, IntervalMinutes: feed.FetchIntervalMinutes, Err: fe}
	return res, f.persistAttempt(ctx, feed.ID, entry, now)
}

func (f *Fetcher) recordSuccess(ctx context.Context, feed model.Feed, header http.Header, parsed *ParsedFeed, now time.Time) (*Result, error) {
	// The cadence estimate uses history from before this fetch's inserts.
	interval, err := f.nextInterval(ctx, feed, parsed.TTLMinutes, now)
	if err != nil {
		logger.Warnf("[fetch] feed %d: keeping %dm interval: %v", feed.ID, feed.FetchIntervalMinutes, err)
		interval = NextInterval(feed, nil, nil)
	}

	inserted := f.insertEntries(ctx, feed, parsed.Entries)

	update := model.FeedUpdate{
		ETag:                 headerPtr(header, "ETag"),
		LastModified:         headerPtr(header, "Last-Modified"),
		TTLMinutes:           parsed.TTLMinutes,
		FetchIntervalMinutes: interval,
		FetchedAt:            now,
	}
	if title := f.sanitizer.Text(parsed.Title); title != "" {
		update.Title = &title
	}
	if parsed.SiteURL != "" {
		update.SiteURL = strPtr(parsed.SiteURL)
	}
	if feed.Description == nil {
		update.Description = strPtr(f.describe(feed, parsed))
	}
	if err := f.db.UpdateFeedMetadata(ctx, feed.ID, update); err != nil {
		return nil, fmt.Errorf("update feed %d: %w", feed.ID, err)
	}
	if err := f.db.InsertLog(ctx, model.FetchLog{FeedID: feed.ID, Type: model.LogSuccess, FetchedAt: now}); err != nil {
		return nil, fmt.Errorf("insert log for feed %d: %w", feed.ID, err)
	}

	metrics.FetchesTotal.WithLabelValues(string(model.LogSuccess)).Inc()
	metrics.ArticlesIngested.Add(float64(len(inserted)))
	metrics.IntervalMinutes.Observe(float64(interval))
	if len(inserted) > 0 {
		logger.Infof("[fetch] %s: %d new articles, next in %dm", feed.URL, len(inserted), interval)
	}

	f.afterInsert(ctx, feed, inserted)

	return &Result{FeedID: feed.ID, LogType: model.LogSuccess, NewArticles: len(inserted), IntervalMinutes: interval}, nil
}

func (f *Fetcher) nextInterval(ctx context.Context, feed model.Feed, parsedTTL *int, now time.Time) (int, error) {
	if feed.FetchFrequency == model.FrequencyCustom {
		return NextInterval(feed, nil, nil), nil
	}

	ttl := parsedTTL
	if ttl == nil {
		ttl = feed.TTLMinutes
	}

	arrivals, err := f.db.RecentArrivals(ctx, feed.ID, CadenceWindow)
	if err != nil {
		return 0, fmt.Errorf("recent arrivals for feed %d: %w", feed.ID, err)
	}
	count := len(arrivals)
	if count < 2 {
		if count, err = f.db.CountArticles(ctx, feed.ID); err != nil {
			return 0, fmt.Errorf("count articles for feed %d: %w", feed.ID, err)
		}
	}

	var cadence *int
	if c, ok := ObservedCadence(arrivals, count, feed.CreatedAt, now); ok {
		cadence = &c
	}
	return NextInterval(feed, ttl, cadence), nil
}

// insertEntries stores entries not seen before and not matched by the
// feed's ignore pattern. Per-article storage errors are logged and skipped.
func (f *Fetcher) insertEntries(ctx context.Context, feed model.Feed, entries []ParsedEntry) []model.Article {
	var ignore *regexp.Regexp
	if feed.IgnorePattern != nil && *feed.IgnorePattern != "" {
		re, err := regexp.Compile(*feed.IgnorePattern)
		if err != nil {
			logger.Warnf("[fetch] feed %d has invalid ignore pattern %q: %v", feed.ID, *feed.IgnorePattern, err)
		} else {
			ignore = re
		}
	}

	var inserted []model.Article
	for _, entry := range entries {
		title := f.sanitizer.Text(entry.Title)
		if ignore != nil && ignore.MatchString(html.UnescapeString(title)) {
			continue
		}

		na := model.NewArticle{
			FeedID:      feed.ID,
			GUID:        entry.GUID(),
			Title:       title,
			Content:     sanitize.OptionalHTML(f.sanitizer, nonEmpty(entry.Content)),
			Summary:     sanitize.OptionalHTML(f.sanitizer, nonEmpty(entry.Summary)),
			PublishedAt: entry.PublishedAt,
		}
		if entry.Link != "" {
			na.URL = strPtr(entry.Link)
		}
		if author := f.sanitizer.Text(entry.Author); author != "" {
			na.Author = &author
		}

		a, err := f.db.InsertArticleIfNew(ctx, na)
		if err != nil {
			logger.Warnf("[fetch] feed %d: insert article %s: %v", feed.ID, na.GUID, err)
			continue
		}
		if a != nil {
			inserted = append(inserted, *a)
		}
	}
	return inserted
}

// afterInsert hands new articles to enrichment and event publishing
// without waiting on either.
func (f *Fetcher) afterInsert(ctx context.Context, feed model.Feed, inserted []model.Article) {
	for _, a := range inserted {
		if f.enricher != nil && a.URL != nil && *a.URL != "" {
			f.enricher.Enqueue(a.ID, *a.URL)
		}
		if err := f.publisher.PublishArticle(ctx, events.NewArticleMessage(feed, a)); err != nil {
			logger.Warnf("[fetch] publish article %d: %v", a.ID, err)
		}
	}
}

// describe picks a description for a feed that has none stored.
func (f *Fetcher) describe(feed model.Feed, parsed *ParsedFeed) string {
	if d := f.sanitizer.Text(parsed.Description); d != "" {
		return d
	}
	if t := f.sanitizer.Text(parsed.Title); t != "" {
		return t
	}
	return feed.URL
}

func headerPtr(h http.Header, key string) *string {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return nil
	}
	return &v
}

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func strPtr(s string) *string { return &s }

// truncate keeps at most n runes of s and replaces invalid UTF-8.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
