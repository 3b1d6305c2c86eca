package rss

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel fetches for PostgreSQL
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is the number of parallel fetches for SQLite (writes serialize on the file lock)
	MaxConcurrencySQLite = 4

	DefaultCheckInterval = time.Minute
	DefaultTaskTimeout   = 2 * time.Minute
)

// FeedFetcher fetches and persists a single feed. *Fetcher satisfies it.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, feed model.Feed) (*Result, error)
}

// PollerConfig tunes the scheduler loop. Zero values pick defaults.
type PollerConfig struct {
	CheckInterval time.Duration
	// MaxConcurrency caps simultaneous fetches; 0 chooses by database backend.
	MaxConcurrency int
	// TaskTimeout bounds one dispatched fetch, including per-domain waits
	// and persistence.
	TaskTimeout time.Duration
	Now         func() time.Time
}

// Poller runs the scheduler loop: on every tick it loads due feeds and
// dispatches each to the fetcher, bounded by a global semaphore.
type Poller struct {
	db          database.Store
	fetcher     FeedFetcher
	sem         *semaphore.Weighted
	concurrency int
	interval    time.Duration
	taskTimeout time.Duration
	now         func() time.Time

	stopCtx     context.Context
	cancelWaits context.CancelFunc
	stopChan    chan struct{}
	stopOnce    sync.Once
	loopWG      sync.WaitGroup
	fetchWG     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewPoller creates a background poller.
func NewPoller(db database.Store, fetcher FeedFetcher, cfg PollerConfig) *Poller {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = MaxConcurrencySQLite
		if db.SupportsHighConcurrency() {
			concurrency = MaxConcurrencyPostgres
		}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	stopCtx, cancel := context.WithCancel(context.Background())
	return &Poller{
		db:          db,
		fetcher:     fetcher,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: concurrency,
		interval:    cfg.CheckInterval,
		taskTimeout: cfg.TaskTimeout,
		now:         cfg.Now,
		stopCtx:     stopCtx,
		cancelWaits: cancel,
		stopChan:    make(chan struct{}),
		inFlight:    make(map[int64]struct{}),
	}
}

// Concurrency returns the global fetch cap.
func (p *Poller) Concurrency() int {
	return p.concurrency
}

// Start begins the polling loop. The first cycle runs immediately.
func (p *Poller) Start() {
	p.loopWG.Add(1)
	go func() {
		defer p.loopWG.Done()
		logger.Infof("[scheduler] started (every %s, concurrency=%d)", p.interval, p.concurrency)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			if _, err := p.RunOnce(p.stopCtx); err != nil {
				logger.Errorf("[scheduler] cycle failed: %v", err)
			}
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts scheduling immediately, abandons dispatched feeds still waiting
// for a slot and waits for running fetches, which are bounded by TaskTimeout.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.cancelWaits()
	})
	p.loopWG.Wait()
	p.fetchWG.Wait()
	logger.Infof("[scheduler] stopped")
}

// Drain waits until every dispatched fetch has finished.
func (p *Poller) Drain() {
	p.fetchWG.Wait()
}

// RunOnce runs one scheduler cycle: it loads due feeds and dispatches those
// not already in flight. It returns the number dispatched without waiting
// for the fetches to complete.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	feeds, err := p.db.GetDueFeeds(queryCtx, p.now())
	cancel()
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, feed := range feeds {
		if !p.markInFlight(feed.ID) {
			metrics.FeedsSkippedInFlight.Inc()
			continue
		}
		dispatched++
		p.fetchWG.Add(1)
		go p.run(feed)
	}

	if len(feeds) > 0 {
		logger.Infof("[scheduler] %d feeds due, %d dispatched", len(feeds), dispatched)
	}
	return dispatched, nil
}

func (p *Poller) run(feed model.Feed) {
	defer p.fetchWG.Done()
	defer p.clearInFlight(feed.ID)

	if err := p.sem.Acquire(p.stopCtx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	metrics.FetchesInFlight.Inc()
	defer metrics.FetchesInFlight.Dec()

	// Running fetches are not cancelled by Stop; only the timeout cuts them off.
	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[scheduler] fetch of feed %d panicked: %v", feed.ID, r)
		}
	}()

	if _, err := p.fetcher.FetchFeed(ctx, feed); err != nil {
		logger.Errorf("[scheduler] feed %d (%s): %v", feed.ID, feed.URL, err)
	}
}

// markInFlight records feedID as being fetched, returning false if it already is.
func (p *Poller) markInFlight(feedID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[feedID]; busy {
		return false
	}
	p.inFlight[feedID] = struct{}{}
	return true
}

func (p *Poller) clearInFlight(feedID int64) {
	p.mu.Lock()
	delete(p.inFlight, feedID)
	p.mu.Unlock()
}

// InFlight returns the number of feeds currently dispatched.
func (p *Poller) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
