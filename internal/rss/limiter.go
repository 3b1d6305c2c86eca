package rss

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// Per-domain politeness defaults.
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single host.
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum spacing between request
	// starts against the same host.
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// hostState tracks in-flight requests and the earliest start time that can
// be handed out next for one host.
type hostState struct {
	slots chan struct{}
	next  time.Time
}

// domainLimiter bounds concurrency per host and spaces request starts by a
// fixed delay. Start times are reserved under the lock, so concurrent
// callers for the same host line up one delay apart.
type domainLimiter struct {
	perDomain int
	delay     time.Duration

	mu    sync.Mutex
	hosts map[string]*hostState
}

// newDomainLimiter creates a per-domain limiter. Non-positive perDomain
// falls back to MaxConcurrencyPerDomain; a zero delay disables spacing.
func newDomainLimiter(perDomain int, delay time.Duration) *domainLimiter {
	if perDomain <= 0 {
		perDomain = MaxConcurrencyPerDomain
	}
	if delay < 0 {
		delay = 0
	}
	return &domainLimiter{
		perDomain: perDomain,
		delay:     delay,
		hosts:     make(map[string]*hostState),
	}
}

func (dl *domainLimiter) host(domain string) *hostState {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	h, ok := dl.hosts[domain]
	if !ok {
		h = &hostState{slots: make(chan struct{}, dl.perDomain)}
		dl.hosts[domain] = h
	}
	return h
}

// reserve claims the next start time for h and returns how long the caller
// must wait for it.
func (dl *domainLimiter) reserve(h *hostState) time.Duration {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	now := time.Now()
	start := now
	if h.next.After(start) {
		start = h.next
	}
	h.next = start.Add(dl.delay)
	return start.Sub(now)
}

// acquire blocks until the domain has a free slot and its reserved start
// time has arrived. On error no slot is held.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	h := dl.host(domain)

	select {
	case h.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	wait := dl.reserve(h)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		<-h.slots
		return ctx.Err()
	}
}

// release frees the slot taken by acquire.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	h, ok := dl.hosts[domain]
	dl.mu.Unlock()
	if ok {
		<-h.slots
	}
}

// extractDomain returns the host (with port) a feed URL points at.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}
