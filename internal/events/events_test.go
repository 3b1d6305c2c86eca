package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bryan-buckman/feedsync/internal/model"
)

type fakeConn struct {
	subject string
	data    []byte
	err     error
	closed  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return c.err
}

func (c *fakeConn) Close() { c.closed = true }

func TestNATSPublisherPublishArticle(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisherWithConn(conn, "feedsync.articles.new")

	link := "https://example.com/post"
	msg := NewArticleMessage(
		model.Feed{ID: 3, URL: "https://example.com/feed.xml"},
		model.Article{ID: 9, GUID: "g-1", Title: "Hello", URL: &link},
	)
	if err := p.PublishArticle(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.subject != "feedsync.articles.new" {
		t.Errorf("unexpected subject %q", conn.subject)
	}

	var got ArticleMessage
	if err := json.Unmarshal(conn.data, &got); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if got.ArticleID != 9 || got.FeedID != 3 || got.GUID != "g-1" || got.URL == nil || *got.URL != link {
		t.Errorf("unexpected payload %+v", got)
	}

	p.Close()
	if !conn.closed {
		t.Error("expected connection to be closed")
	}
}

func TestNATSPublisherError(t *testing.T) {
	p := NewNATSPublisherWithConn(&fakeConn{err: errors.New("nats: connection closed")}, "s")
	if err := p.PublishArticle(context.Background(), ArticleMessage{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.PublishArticle(context.Background(), ArticleMessage{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Close()
}
