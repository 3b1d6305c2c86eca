package importer

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/bryan-buckman/feedsync/internal/opml"
)

// Entry is one feed to register.
type Entry struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ParseLines reads one entry per line in the form "URL [optional title]".
// Blank lines and lines starting with '#' are skipped.
func ParseLines(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e := Entry{URL: line}
		if i := strings.IndexFunc(line, unicode.IsSpace); i > 0 {
			e.URL = line[:i]
			e.Title = strings.TrimSpace(line[i:])
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read import list: %w", err)
	}
	return entries, nil
}

// ParseOPML flattens an OPML document into entries.
func ParseOPML(r io.Reader) ([]Entry, error) {
	feeds, err := opml.Parse(r)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(feeds))
	for _, f := range feeds {
		entries = append(entries, Entry{URL: f.URL, Title: f.Title})
	}
	return entries, nil
}

// FromURLs wraps bare URLs as entries.
func FromURLs(urls []string) []Entry {
	entries := make([]Entry, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			entries = append(entries, Entry{URL: u})
		}
	}
	return entries
}
