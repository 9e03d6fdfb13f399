package highlight

import (
	"errors"
	"fmt"
	"time"
)

// Every error below is fatal for a sync run.
var (
	ErrAuthExpired = errors.New("authentication expired")
	ErrRateLimited = errors.New("rate limited")
	ErrUpstream    = errors.New("upstream error")
	ErrIntegrity   = errors.New("integrity error")
)

type AuthExpiredError struct {
	Source string
	// Renewed reports whether a renewal was applied before the final 401.
	Renewed bool
}

func (e *AuthExpiredError) Error() string {
	if e.Renewed {
		return fmt.Sprintf("%s authentication expired after credential renewal", e.Source)
	}
	return fmt.Sprintf("%s authentication expired and renewal failed", e.Source)
}

func (e *AuthExpiredError) Is(target error) bool {
	return target == ErrAuthExpired
}

type RateLimitedError struct {
	Path       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s (retry after %s)", e.Path, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type UpstreamError struct {
	Status  int
	Path    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %s returned %d: %s", e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s returned %d", e.Path, e.Status)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

type IntegrityError struct {
	Source string
	Record string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Record != "" {
		return fmt.Sprintf("%s record %s: %s", e.Source, e.Record, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
