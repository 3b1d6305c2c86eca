package rss

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	rssfmt "github.com/mmcdole/gofeed/rss"
)

// ParsedFeed is a feed document reduced to what the fetch pipeline needs.
type ParsedFeed struct {
	Title       string
	Description string
	SiteURL     string
	TTLMinutes  *int
	Entries     []ParsedEntry
}

// ParsedEntry is one entry of a parsed feed, in document order.
type ParsedEntry struct {
	ID          string
	Title       string
	Link        string
	Content     string
	Summary     string
	Author      string
	PublishedAt *time.Time
}

// GUID returns the entry's de-duplication key: the document-level id when
// present, else a SHA-256 of link, title and publication time.
func (e ParsedEntry) GUID() string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return id
	}
	key := e.Link + "\n" + e.Title
	if e.PublishedAt != nil {
		key += "\n" + e.PublishedAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Parser turns a raw feed document into a ParsedFeed.
type Parser interface {
	Parse(body []byte) (*ParsedFeed, error)
}

// GofeedParser parses RSS, Atom and JSON feeds with gofeed.
type GofeedParser struct {
	parser *gofeed.Parser
}

// NewParser returns the default gofeed-backed parser.
func NewParser() *GofeedParser {
	return &GofeedParser{parser: gofeed.NewParser()}
}

func (p *GofeedParser) Parse(body []byte) (*ParsedFeed, error) {
	feed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := &ParsedFeed{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
		SiteURL:     strings.TrimSpace(feed.Link),
		Entries:     make([]ParsedEntry, 0, len(feed.Items)),
	}
	if feed.FeedType == "rss" {
		out.TTLMinutes = rssTTL(body)
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entry := ParsedEntry{
			ID:      item.GUID,
			Title:   strings.TrimSpace(item.Title),
			Link:    strings.TrimSpace(item.Link),
			Content: item.Content,
			Summary: item.Description,
		}
		if item.Author != nil {
			entry.Author = strings.TrimSpace(item.Author.Name)
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			entry.Author = strings.TrimSpace(item.Authors[0].Name)
		}
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			entry.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			entry.PublishedAt = &t
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// rssTTL reads <channel><ttl>, which the universal gofeed model drops.
// Only positive integer minutes are accepted.
func rssTTL(body []byte) *int {
	feed, err := (&rssfmt.Parser{}).Parse(bytes.NewReader(body))
	if err != nil || feed == nil {
		return nil
	}
	ttl, err := strconv.Atoi(strings.TrimSpace(feed.TTL))
	if err != nil || ttl <= 0 {
		return nil
	}
	return &ttl
}
