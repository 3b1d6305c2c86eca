package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all SQLite schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS feeds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    description TEXT,
    site_url TEXT,
    last_fetched_at TEXT,
    etag TEXT,
    last_modified TEXT,
    fetch_interval_minutes INTEGER NOT NULL DEFAULT 60,
    fetch_frequency TEXT NOT NULL DEFAULT 'adaptive' CHECK(fetch_frequency IN ('adaptive', 'custom')),
    ttl_minutes INTEGER,
    ignore_pattern TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
    guid TEXT NOT NULL,
    title TEXT NOT NULL,
    url TEXT,
    content TEXT,
    summary TEXT,
    author TEXT,
    published_at TEXT,
    is_read INTEGER NOT NULL DEFAULT 0,
    is_starred INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(feed_id, guid)
);

CREATE TABLE IF NOT EXISTS fetch_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
    log_type TEXT NOT NULL CHECK(log_type IN ('success', 'not_modified', 'error')),
    status_code INTEGER,
    error_message TEXT,
    retry_after TEXT,
    fetched_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_articles_feed_id ON articles(feed_id);
CREATE INDEX IF NOT EXISTS idx_fetch_logs_feed_id ON fetch_logs(feed_id);
CREATE INDEX IF NOT EXISTS idx_feeds_last_fetched ON feeds(last_fetched_at);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "article enrichment columns",
		Up: func(tx *sql.Tx) error {
			for _, stmt := range []string{
				"ALTER TABLE articles ADD COLUMN og_image TEXT",
				"ALTER TABLE articles ADD COLUMN og_description TEXT",
				"ALTER TABLE articles ADD COLUMN og_site_name TEXT",
			} {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "fetch log error kind",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE fetch_logs ADD COLUMN error_kind TEXT")
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
