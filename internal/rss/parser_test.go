package rss

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Feed</title>
  <link>https://example.com/</link>
  <description>An example feed</description>
  <ttl>1440</ttl>
  <item>
    <title>First post</title>
    <link>https://example.com/posts/1</link>
    <guid>post-1</guid>
    <author>alice@example.com (Alice)</author>
    <description>&lt;p&gt;Hello&lt;/p&gt;&lt;script&gt;alert(1)&lt;/script&gt;</description>
    <pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Sponsored: buy now</title>
    <link>https://example.com/posts/2</link>
    <guid>post-2</guid>
    <pubDate>Mon, 02 Mar 2026 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>No guid here</title>
    <description>Plain summary</description>
  </item>
</channel>
</rss>`

const testAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Example</title>
  <link href="https://atom.example/"/>
  <id>urn:uuid:feed</id>
  <updated>2026-03-02T10:00:00Z</updated>
  <entry>
    <title>Atom entry</title>
    <link href="https://atom.example/1"/>
    <id>urn:uuid:entry-1</id>
    <updated>2026-03-02T10:00:00Z</updated>
    <content type="html">&lt;b&gt;bold&lt;/b&gt;</content>
  </entry>
</feed>`

func TestGofeedParserRSS(t *testing.T) {
	feed, err := NewParser().Parse([]byte(testRSS))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feed.Title != "Example Feed" || feed.Description != "An example feed" || feed.SiteURL != "https://example.com/" {
		t.Errorf("unexpected metadata: %+v", feed)
	}
	if feed.TTLMinutes == nil || *feed.TTLMinutes != 1440 {
		t.Errorf("expected ttl 1440, got %v", feed.TTLMinutes)
	}
	if len(feed.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(feed.Entries))
	}
	first := feed.Entries[0]
	if first.GUID() != "post-1" || first.Link != "https://example.com/posts/1" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if first.PublishedAt == nil || first.PublishedAt.Hour() != 10 {
		t.Errorf("unexpected published time %v", first.PublishedAt)
	}
	if feed.Entries[2].PublishedAt != nil {
		t.Errorf("expected nil published time, got %v", feed.Entries[2].PublishedAt)
	}
}

func TestGofeedParserAtomHasNoTTL(t *testing.T) {
	feed, err := NewParser().Parse([]byte(testAtom))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feed.TTLMinutes != nil {
		t.Errorf("expected no ttl for atom, got %d", *feed.TTLMinutes)
	}
	if len(feed.Entries) != 1 || feed.Entries[0].GUID() != "urn:uuid:entry-1" {
		t.Fatalf("unexpected entries: %+v", feed.Entries)
	}
	if feed.Entries[0].Content == "" {
		t.Error("expected atom content")
	}
}

func TestGofeedParserRejectsGarbage(t *testing.T) {
	if _, err := NewParser().Parse([]byte("this is not a feed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRSSTTLIgnoresInvalid(t *testing.T) {
	for _, ttl := range []string{"", "abc", "0", "-30"} {
		body := `<rss version="2.0"><channel><title>t</title><ttl>` + ttl + `</ttl></channel></rss>`
		if got := rssTTL([]byte(body)); got != nil {
			t.Errorf("ttl %q: expected nil, got %d", ttl, *got)
		}
	}
}

func TestEntryGUIDFallback(t *testing.T) {
	e := ParsedEntry{Title: "Hello", Link: "https://example.com/h"}
	sum := sha256.Sum256([]byte("https://example.com/h\nHello"))
	if got := e.GUID(); got != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected fallback guid %s", got)
	}
	if e.GUID() != (ParsedEntry{Title: "Hello", Link: "https://example.com/h"}).GUID() {
		t.Error("fallback guid must be deterministic")
	}
	if (ParsedEntry{ID: "  id-1 "}).GUID() != "id-1" {
		t.Error("expected trimmed document id")
	}
}

func TestEntryGUIDUsesPublishedTime(t *testing.T) {
	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tuesday := monday.Add(24 * time.Hour)

	a := ParsedEntry{PublishedAt: &monday}
	b := ParsedEntry{PublishedAt: &tuesday}
	if a.GUID() == b.GUID() {
		t.Error("untitled entries published at different times must not collide")
	}

	sameInstant := monday.In(time.FixedZone("CET", 3600))
	if a.GUID() != (ParsedEntry{PublishedAt: &sameInstant}).GUID() {
		t.Error("guid must not depend on the time zone of the published time")
	}
}
