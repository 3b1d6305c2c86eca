// Package events publishes notifications about newly ingested articles.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// ArticleMessage is the JSON payload published for each new article.
type ArticleMessage struct {
	ArticleID   int64      `json:"article_id"`
	FeedID      int64      `json:"feed_id"`
	FeedURL     string     `json:"feed_url"`
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	URL         *string    `json:"url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Source      string     `json:"source"`
}

// NewArticleMessage builds the payload for a stored article.
func NewArticleMessage(feed model.Feed, a model.Article) ArticleMessage {
	return ArticleMessage{
		ArticleID:   a.ID,
		FeedID:      feed.ID,
		FeedURL:     feed.URL,
		GUID:        a.GUID,
		Title:       a.Title,
		URL:         a.URL,
		PublishedAt: a.PublishedAt,
		Timestamp:   time.Now().UTC(),
		Source:      "feedsync",
	}
}

// Publisher sends article notifications.
type Publisher interface {
	PublishArticle(ctx context.Context, msg ArticleMessage) error
	Close()
}

// Noop discards all events.
type Noop struct{}

func (Noop) PublishArticle(context.Context, ArticleMessage) error { return nil }
func (Noop) Close()                                               {}

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes article events to a NATS subject.
type NATSPublisher struct {
	conn    Conn
	subject string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("feedsync"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisherWithConn(nc, subject), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn Conn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// PublishArticle marshals msg and publishes it. Core NATS publish is
// buffered and does not block on the server.
func (p *NATSPublisher) PublishArticle(ctx context.Context, msg ArticleMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
