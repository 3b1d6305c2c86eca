package server

import (
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
)

type feedView struct {
	ID                   int64      `json:"id"`
	URL                  string     `json:"url"`
	Title                string     `json:"title"`
	Description          *string    `json:"description,omitempty"`
	SiteURL              *string    `json:"site_url,omitempty"`
	LastFetchedAt        *time.Time `json:"last_fetched_at"`
	NextFetchAt          *time.Time `json:"next_fetch_at"`
	FetchIntervalMinutes int        `json:"fetch_interval_minutes"`
	FetchFrequency       string     `json:"fetch_frequency"`
	TTLMinutes           *int       `json:"ttl_minutes,omitempty"`
	IgnorePattern        *string    `json:"ignore_pattern,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func newFeedView(f model.Feed) feedView {
	v := feedView{
		ID:                   f.ID,
		URL:                  f.URL,
		Title:                f.Title,
		Description:          f.Description,
		SiteURL:              f.SiteURL,
		LastFetchedAt:        f.LastFetchedAt,
		FetchIntervalMinutes: f.FetchIntervalMinutes,
		FetchFrequency:       string(f.FetchFrequency),
		TTLMinutes:           f.TTLMinutes,
		IgnorePattern:        f.IgnorePattern,
		CreatedAt:            f.CreatedAt,
	}
	if f.LastFetchedAt != nil {
		next := f.LastFetchedAt.Add(time.Duration(f.FetchIntervalMinutes) * time.Minute)
		v.NextFetchAt = &next
	}
	return v
}

type articleView struct {
	ID            int64      `json:"id"`
	FeedID        int64      `json:"feed_id"`
	GUID          string     `json:"guid"`
	Title         string     `json:"title"`
	URL           *string    `json:"url,omitempty"`
	Summary       *string    `json:"summary,omitempty"`
	Author        *string    `json:"author,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	OGImage       *string    `json:"og_image,omitempty"`
	OGDescription *string    `json:"og_description,omitempty"`
	OGSiteName    *string    `json:"og_site_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newArticleView(a model.Article) articleView {
	return articleView{
		ID:            a.ID,
		FeedID:        a.FeedID,
		GUID:          a.GUID,
		Title:         a.Title,
		URL:           a.URL,
		Summary:       a.Summary,
		Author:        a.Author,
		PublishedAt:   a.PublishedAt,
		OGImage:       a.OGImage,
		OGDescription: a.OGDescription,
		OGSiteName:    a.OGSiteName,
		CreatedAt:     a.CreatedAt,
	}
}

type logView struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	ErrorKind    *string   `json:"error_kind,omitempty"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	RetryAfter   *string   `json:"retry_after,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

func newLogView(l model.FetchLog) logView {
	return logView{
		ID:           l.ID,
		Type:         string(l.Type),
		ErrorKind:    l.ErrorKind,
		StatusCode:   l.StatusCode,
		ErrorMessage: l.ErrorMessage,
		RetryAfter:   l.RetryAfter,
		FetchedAt:    l.FetchedAt,
	}
}

type fetchView struct {
	Result          string `json:"result"`
	NewArticles     int    `json:"new_articles"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	Error           string `json:"error,omitempty"`
}

func newFetchView(r *rss.Result) *fetchView {
	if r == nil {
		return nil
	}
	v := &fetchView{
		Result:          string(r.LogType),
		NewArticles:     r.NewArticles,
		IntervalMinutes: r.IntervalMinutes,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}
