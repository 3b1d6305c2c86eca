package importer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
)

const (
	DefaultRetention = time.Hour
	MaxEntries       = 5000
)

var (
	ErrJobNotFound = errors.New("import job not found")
	ErrNoEntries   = errors.New("no feeds to import")
	ErrTooMany     = errors.New("too many feeds in one import")
)

// Manager runs bulk imports in the background and keeps their progress in
// memory. Finished jobs are forgotten after the retention period.
type Manager struct {
	registrar *Registrar
	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*model.ImportJob
	wg   sync.WaitGroup
}

// NewManager creates a job manager. retention <= 0 uses DefaultRetention.
func NewManager(registrar *Registrar, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		registrar: registrar,
		retention: retention,
		now:       time.Now,
		jobs:      make(map[string]*model.ImportJob),
	}
}

// Submit records a new job and starts processing it in the background. It
// returns as soon as the job is registered; no feed is fetched.
func (m *Manager) Submit(ctx context.Context, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", ErrNoEntries
	}
	if len(entries) > MaxEntries {
		return "", ErrTooMany
	}

	job := &model.ImportJob{
		ID:        uuid.NewString(),
		Status:    model.ImportProcessing,
		Total:     len(entries),
		Results:   make([]model.ImportResult, 0, len(entries)),
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	m.pruneLocked()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	metrics.ImportJobsTotal.WithLabelValues(string(model.ImportProcessing)).Inc()
	logger.Infof("[import] job %s started with %d feeds", job.ID, job.Total)

	// The job outlives the request that submitted it.
	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.process(bg, job.ID, entries)
	}()
	return job.ID, nil
}

// Poll returns a snapshot of the job. It has no side effects.
func (m *Manager) Poll(id string) (model.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.ImportJob{}, ErrJobNotFound
	}
	snap := *job
	snap.Results = append([]model.ImportResult(nil), job.Results...)
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		snap.FinishedAt = &t
	}
	return snap, nil
}

// Wait blocks until every submitted job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) process(ctx context.Context, id string, entries []Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[import] job %s panicked: %v", id, r)
			m.finish(id)
		}
	}()

	for _, e := range entries {
		res := model.ImportResult{URL: e.URL, Title: e.Title}
		feed, err := m.registrar.CreateDeferred(ctx, model.NewFeed{URL: e.URL, Title: e.Title})
		if err != nil {
			res.Error = err.Error()
			metrics.ImportFeedsTotal.WithLabelValues("rejected").Inc()
			logger.Debugf("[import] job %s: %s rejected: %v", id, e.URL, err)
		} else {
			res.Success = true
			res.FeedID = &feed.ID
			metrics.ImportFeedsTotal.WithLabelValues("created").Inc()
		}

		m.mu.Lock()
		if job, ok := m.jobs[id]; ok {
			job.Results = append(job.Results, res)
			job.Processed++
			if res.Success {
				job.SuccessCount++
			}
		}
		m.mu.Unlock()
	}
	m.finish(id)
}

func (m *Manager) finish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status == model.ImportComplete {
		return
	}
	now := m.now().UTC()
	job.Status = model.ImportComplete
	job.FinishedAt = &now
	metrics.ImportJobsTotal.WithLabelValues(string(model.ImportComplete)).Inc()
	logger.Infof("[import] job %s complete: %d/%d feeds created", id, job.SuccessCount, job.Total)
}

func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, job := range m.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}
