// Package importer registers feeds, one at a time or in bulk background jobs.
package importer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/ssrf"
)

const maxURLLength = 2048

var (
	ErrEmptyURL      = errors.New("feed URL is required")
	ErrURLTooLong    = errors.New("feed URL is too long")
	ErrBadPattern    = errors.New("invalid ignore pattern")
	ErrBadCustomRate = errors.New("custom frequency requires a positive number of hours")
	ErrBadFrequency  = errors.New("unknown fetch frequency")
)

// FeedCreator is the storage the registrar needs.
type FeedCreator interface {
	CreateFeed(ctx context.Context, nf model.NewFeed) (*model.Feed, error)
}

// Registrar validates and stores new feeds.
type Registrar struct {
	store   FeedCreator
	guard   *ssrf.Guard
	fetcher rss.FeedFetcher
}

// NewRegistrar creates a registrar. fetcher may be nil, in which case
// Register behaves like CreateDeferred.
func NewRegistrar(store FeedCreator, guard *ssrf.Guard, fetcher rss.FeedFetcher) *Registrar {
	return &Registrar{store: store, guard: guard, fetcher: fetcher}
}

// Validate normalizes nf and rejects malformed or internal-network URLs.
func (r *Registrar) Validate(ctx context.Context, nf *model.NewFeed) error {
	nf.URL = strings.TrimSpace(nf.URL)
	nf.Title = strings.TrimSpace(nf.Title)
	if nf.URL == "" {
		return ErrEmptyURL
	}
	if len(nf.URL) > maxURLLength {
		return ErrURLTooLong
	}
	if err := r.guard.Check(ctx, nf.URL); err != nil {
		return err
	}
	switch nf.FetchFrequency {
	case "":
		nf.FetchFrequency = model.FrequencyAdaptive
	case model.FrequencyAdaptive:
	case model.FrequencyCustom:
		if nf.CustomHours <= 0 {
			return ErrBadCustomRate
		}
	default:
		return fmt.Errorf("%w %q", ErrBadFrequency, nf.FetchFrequency)
	}
	if nf.IgnorePattern != nil {
		p := strings.TrimSpace(*nf.IgnorePattern)
		if p == "" {
			nf.IgnorePattern = nil
		} else {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("%w: %v", ErrBadPattern, err)
			}
			nf.IgnorePattern = &p
		}
	}
	return nil
}

// CreateDeferred stores the feed without fetching it. The feed is left
// never-fetched so the next scheduler cycle picks it up.
func (r *Registrar) CreateDeferred(ctx context.Context, nf model.NewFeed) (*model.Feed, error) {
	if err := r.Validate(ctx, &nf); err != nil {
		return nil, err
	}
	return r.store.CreateFeed(ctx, nf)
}

// Register stores the feed and fetches it once right away. A failed first
// fetch is recorded in the feed's log and does not fail the registration.
func (r *Registrar) Register(ctx context.Context, nf model.NewFeed) (*model.Feed, *rss.Result, error) {
	feed, err := r.CreateDeferred(ctx, nf)
	if err != nil {
		return nil, nil, err
	}
	if r.fetcher == nil {
		return feed, nil, nil
	}
	res, err := r.fetcher.FetchFeed(ctx, *feed)
	if err != nil {
		logger.Warnf("[import] initial fetch of %s failed: %v", feed.URL, err)
	}
	return feed, res, nil
}

// IsRejection reports whether err means the feed itself was refused, as
// opposed to a storage failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrEmptyURL, ErrURLTooLong, ErrBadPattern, ErrBadCustomRate, ErrBadFrequency,
		ssrf.ErrInvalidURL, ssrf.ErrScheme, ssrf.ErrPrivateAddress, ssrf.ErrResolve,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
