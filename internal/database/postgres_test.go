package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// openTestPostgres connects to FEEDSYNC_TEST_POSTGRES_DSN and truncates all
// tables. Tests are skipped when the variable is unset.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("FEEDSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FEEDSYNC_TEST_POSTGRES_DSN not set")
	}
	db, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	if _, err := db.conn.Exec("TRUNCATE feeds RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresFeedLifecycle(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f := createFeed(t, db, "https://example.com/pg.xml")
	if _, err := db.CreateFeed(ctx, model.NewFeed{URL: f.URL}); !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("expected ErrDuplicateURL, got %v", err)
	}

	due, err := db.GetDueFeeds(ctx, now)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due feed, got %d (%v)", len(due), err)
	}

	if err := db.TouchFeed(ctx, f.ID, now); err != nil {
		t.Fatal(err)
	}
	due, _ = db.GetDueFeeds(ctx, now.Add(59*time.Minute))
	if len(due) != 0 {
		t.Errorf("expected no due feeds, got %d", len(due))
	}
	due, _ = db.GetDueFeeds(ctx, now.Add(60*time.Minute))
	if len(due) != 1 {
		t.Errorf("expected feed due after interval, got %d", len(due))
	}

	a, err := db.InsertArticleIfNew(ctx, model.NewArticle{FeedID: f.ID, GUID: "g", Title: "T"})
	if err != nil || a == nil {
		t.Fatalf("expected insert, got %v %v", a, err)
	}
	dup, err := db.InsertArticleIfNew(ctx, model.NewArticle{FeedID: f.ID, GUID: "g", Title: "T2"})
	if err != nil || dup != nil {
		t.Fatalf("expected duplicate skip, got %v %v", dup, err)
	}

	if err := db.InsertLog(ctx, model.FetchLog{FeedID: f.ID, Type: model.LogNotModified}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteFeed(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetArticle(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected cascade delete, got %v", err)
	}
}
