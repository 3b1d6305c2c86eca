// Package enrich fetches article pages in the background and stores their
// OpenGraph link-preview metadata.
package enrich

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/sanitize"
	"github.com/bryan-buckman/feedsync/internal/ssrf"
)

const (
	DefaultWorkers      = 2
	DefaultQueueSize    = 256
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 2 << 20

	maxDescriptionLen = 500
	maxSiteNameLen    = 200
	maxImageURLLen    = 2048
)

// Store is the storage the pool writes enrichment results to.
type Store interface {
	UpdateArticleEnrichment(ctx context.Context, articleID int64, e model.Enrichment) error
}

// Config tunes the pool. Zero values pick defaults.
type Config struct {
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	Client       *http.Client // defaults to ssrf.NewClient(guard, Timeout)
}

type job struct {
	articleID int64
	url       string
}

// Pool is a fixed-size worker pool fed by a bounded queue.
type Pool struct {
	store     Store
	guard     *ssrf.Guard
	sanitizer sanitize.Sanitizer
	client    *http.Client
	cfg       Config

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates a pool. Call Start to launch the workers.
func New(store Store, guard *ssrf.Guard, sanitizer sanitize.Sanitizer, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "feedsync/dev"
	}
	client := cfg.Client
	if client == nil {
		client = ssrf.NewClient(guard, cfg.Timeout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:     store,
		guard:     guard,
		sanitizer: sanitizer,
		client:    client,
		cfg:       cfg,
		queue:     make(chan job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				p.process(j)
			}
		}()
	}
	logger.Infof("[enrich] started %d workers (queue %d)", p.cfg.Workers, p.cfg.QueueSize)
}

// Enqueue schedules an article for enrichment without blocking. It returns
// false if the queue is full or the pool is stopped; the job is dropped.
func (p *Pool) Enqueue(articleID int64, articleURL string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- job{articleID: articleID, url: articleURL}:
		return true
	default:
		metrics.EnrichmentDropped.Inc()
		logger.Debugf("[enrich] queue full, dropping article %d", articleID)
		return false
	}
}

// Drain rejects new jobs and waits for the queued ones to finish.
func (p *Pool) Drain() {
	p.closeQueue()
	p.wg.Wait()
}

// Stop rejects new jobs, cancels outstanding requests and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.closeQueue()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

func (p *Pool) process(j job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[enrich] article %d panicked: %v", j.articleID, r)
		}
	}()
	if err := p.Enrich(p.ctx, j.articleID, j.url); err != nil {
		metrics.EnrichmentTotal.WithLabelValues("failed").Inc()
		logger.Debugf("[enrich] article %d (%s): %v", j.articleID, j.url, err)
	}
}

// Enrich fetches one article page and stores any preview metadata found.
func (p *Pool) Enrich(ctx context.Context, articleID int64, articleURL string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if p.guard != nil {
		if err := p.guard.Check(ctx, articleURL); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, _ := mime.ParseMediaType(ct)
		if mediaType != "text/html" && mediaType != "application/xhtml+xml" {
			return fmt.Errorf("not an HTML page: %s", mediaType)
		}
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("decode charset: %w", err)
	}
	raw, err := Extract(body)
	if err != nil {
		return err
	}

	e := p.clean(raw)
	if e.Empty() {
		metrics.EnrichmentTotal.WithLabelValues("empty").Inc()
		return nil
	}
	if err := p.store.UpdateArticleEnrichment(ctx, articleID, e); err != nil {
		return fmt.Errorf("store enrichment: %w", err)
	}
	metrics.EnrichmentTotal.WithLabelValues("updated").Inc()
	return nil
}

// OpenGraph holds raw, unsanitized og:* values from a page.
type OpenGraph struct {
	Image       string
	Description string
	SiteName    string
}

// Extract reads og:image, og:description and og:site_name from an HTML
// document. Both property= and name= attributes are accepted; the first
// non-empty value wins.
func Extract(r io.Reader) (OpenGraph, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return OpenGraph{}, fmt.Errorf("parse html: %w", err)
	}
	return OpenGraph{
		Image:       metaContent(doc, "og:image"),
		Description: metaContent(doc, "og:description"),
		SiteName:    metaContent(doc, "og:site_name"),
	}, nil
}

func metaContent(doc *goquery.Document, key string) string {
	var value string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		prop, _ := s.Attr("property")
		name, _ := s.Attr("name")
		if !strings.EqualFold(prop, key) && !strings.EqualFold(name, key) {
			return true
		}
		if content := strings.TrimSpace(s.AttrOr("content", "")); content != "" {
			value = content
			return false
		}
		return true
	})
	return value
}

// clean sanitizes text fields and validates the image URL. Raw values are
// cut to length first so truncation never splits an escaped entity.
func (p *Pool) clean(og OpenGraph) model.Enrichment {
	var e model.Enrichment
	if img, ok := ValidImageURL(og.Image); ok {
		e.OGImage = &img
	}
	if d := p.sanitizer.Text(truncateRunes(og.Description, maxDescriptionLen)); d != "" {
		e.OGDescription = &d
	}
	if s := p.sanitizer.Text(truncateRunes(og.SiteName, maxSiteNameLen)); s != "" {
		e.OGSiteName = &s
	}
	return e
}

// ValidImageURL accepts only absolute http(s) URLs with a host.
func ValidImageURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxImageURLLen {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
