package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.Scheduler.CheckInterval != time.Minute {
		t.Errorf("expected 1m check interval, got %v", cfg.Scheduler.CheckInterval)
	}
	if cfg.Scheduler.FetchTimeout != 30*time.Second {
		t.Errorf("expected 30s fetch timeout, got %v", cfg.Scheduler.FetchTimeout)
	}
	if cfg.Scheduler.PerDomainDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms per-domain delay, got %v", cfg.Scheduler.PerDomainDelay)
	}
	if cfg.Enrichment.Workers != 2 {
		t.Errorf("expected 2 enrichment workers, got %d", cfg.Enrichment.Workers)
	}
	if cfg.Events.Subject != "feedsync.articles.new" {
		t.Errorf("unexpected subject %q", cfg.Events.Subject)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := parse([]byte("server:\n  addr: \":9999\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected :9999, got %q", cfg.Server.Addr)
	}
	if cfg.Scheduler.MaxBodyBytes != 10<<20 {
		t.Errorf("expected default body limit, got %d", cfg.Scheduler.MaxBodyBytes)
	}
	if cfg.Enrichment.QueueSize != 256 {
		t.Errorf("expected default queue size, got %d", cfg.Enrichment.QueueSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info level, got %q", cfg.Log.Level)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("FEEDSYNC_TEST_DSN", "postgres://u:p@db:5432/feeds")
	cfg, err := parse([]byte("database:\n  driver: postgres\n  dsn: \"${FEEDSYNC_TEST_DSN}\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.DSN != "postgres://u:p@db:5432/feeds" {
		t.Errorf("unexpected dsn %q", cfg.Database.DSN)
	}
}

func TestParseRejectsUnknownDriver(t *testing.T) {
	if _, err := parse([]byte("database:\n  driver: mysql\n")); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := parse([]byte("scheduler:\n  check_interval: [")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveConfigPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != path {
		t.Errorf("expected %s, got %s", path, got)
	}

	cfg, err := Load(got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":1" {
		t.Errorf("expected :1, got %q", cfg.Server.Addr)
	}
}

func TestResolveConfigPathMissing(t *testing.T) {
	if _, err := ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestGetDatabasePath(t *testing.T) {
	cfg := &Config{Database: Database{Path: "/tmp/x.db"}}
	if got := cfg.GetDatabasePath(); got != "/tmp/x.db" {
		t.Errorf("expected explicit path, got %s", got)
	}
	cfg.Database.Path = ""
	if got := cfg.GetDatabasePath(); filepath.Base(got) != "feedsync.db" {
		t.Errorf("expected default db filename, got %s", got)
	}
}
