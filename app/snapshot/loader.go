// Package snapshot loads the full job list from the server into the store.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/store"
)

// FetchError is returned when the bulk fetch fails. The store is left untouched.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "snapshot fetch failed: " + e.Err.Error() }

// Unwrap returns the underlying error
func (e *FetchError) Unwrap() error { return e.Err }

//go:generate moq -out mocks/fetcher.go -pkg mocks -skip-ensure -fmt goimports . Fetcher

// Fetcher returns all jobs known to the server
type Fetcher interface {
	Jobs(ctx context.Context) ([]job.Record, error)
}

// Loader fetches the job list and applies it to the store. Load seeds the store wholesale,
// Resync reconciles a fresh list with the current state. Neither retries on its own.
type Loader struct {
	fetcher Fetcher
	store   *store.Store
	mu      sync.Mutex // serializes resyncs
}

// New makes Loader
func New(f Fetcher, s *store.Store) *Loader {
	return &Loader{fetcher: f, store: s}
}

// Load fetches all jobs and seeds the store with them. Used once, at startup.
func (l *Loader) Load(ctx context.Context) ([]job.Record, error) {
	records, err := l.fetcher.Jobs(ctx)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	if err := l.store.Seed(records); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}
	log.Printf("[INFO] loaded %d jobs", len(records))
	return records, nil
}

// Resync fetches all jobs and reconciles them with the store. Records inserted while the
// request was in flight are kept even if the response doesn't have them.
func (l *Loader) Resync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	since := l.store.Generation()
	records, err := l.fetcher.Jobs(ctx)
	if err != nil {
		return &FetchError{Err: err}
	}
	if err := l.store.Reconcile(records, since); err != nil {
		return fmt.Errorf("failed to reconcile store: %w", err)
	}
	log.Printf("[DEBUG] resynced %d jobs", len(records))
	return nil
}
