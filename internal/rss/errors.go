package rss

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch so logs can tell an unreachable
// source apart from one that returned malformed content.
type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindStatus  ErrorKind = "status"
	KindParse   ErrorKind = "parse"
	KindBlocked ErrorKind = "blocked"
)

// FetchError describes why a feed fetch failed.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int    // 0 unless Kind is KindStatus
	RetryAfter string // raw Retry-After header, if any
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	case KindParse:
		return fmt.Sprintf("parse error: %v", e.Err)
	case KindBlocked:
		return fmt.Sprintf("blocked: %v", e.Err)
	default:
		return fmt.Sprintf("network error: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// AsFetchError extracts a *FetchError from err, classifying anything else
// as a network failure.
func AsFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: KindNetwork, Err: err}
}
