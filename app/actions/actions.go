// Package actions implements user-issued mutations. Every action goes to the server first and
// is applied to the store only on success, so a failed request never leaves a phantom record.
package actions

import (
	"context"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/remote"
	"github.com/umputun/jobsync/app/store"
)

//go:generate moq -out mocks/server.go -pkg mocks -skip-ensure -fmt goimports . Server

// Server is the subset of remote API used by actions
type Server interface {
	Generate(ctx context.Context, req job.GenerateRequest) (job.Record, error)
	Delete(ctx context.Context, id string) error
	Job(ctx context.Context, id string) (job.Record, error)
}

// Op is an action name
type Op string

// enum of action ops
const (
	OpSubmit  Op = "submit"
	OpDelete  Op = "delete"
	OpRefresh Op = "refresh"
)

// ErrInvalidRequest wrapped by ActionError when submit parameters are rejected locally
var ErrInvalidRequest = errors.New("invalid request")

// ActionError is returned when an action fails. The store is not changed.
type ActionError struct {
	Op  Op
	ID  string // empty for submit
	Err error
}

func (e *ActionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the underlying error
func (e *ActionError) Unwrap() error { return e.Err }

// Actions applies user mutations to server and store
type Actions struct {
	server Server
	store  *store.Store
}

// New makes Actions
func New(srv Server, s *store.Store) *Actions {
	return &Actions{server: srv, store: s}
}

// Submit validates the request, sends it to the server and merges the created record.
// Invalid parameters are rejected without a network call.
func (a *Actions) Submit(ctx context.Context, req job.GenerateRequest) (job.Record, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return job.Record{}, &ActionError{Op: OpSubmit, Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
	}

	rec, err := a.server.Generate(ctx, req)
	if err != nil {
		return job.Record{}, &ActionError{Op: OpSubmit, Err: err}
	}

	// the stream may have delivered this job already, merge is idempotent
	if _, err := a.store.Merge(rec); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		return rec, &ActionError{Op: OpSubmit, ID: rec.ID, Err: err}
	}
	log.Printf("[INFO] submitted job %s, %q", rec.ID, rec.Prompt)
	return rec, nil
}

// Delete removes the job on the server, then locally. On failure the record stays visible.
// A job unknown to the server is gone already and removed locally as well.
func (a *Actions) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &ActionError{Op: OpDelete, Err: store.ErrEmptyID}
	}
	if err := a.server.Delete(ctx, id); err != nil {
		if !remote.IsNotFound(err) {
			return &ActionError{Op: OpDelete, ID: id, Err: err}
		}
		log.Printf("[INFO] job %s not found on server, removing locally", id)
	}
	if a.store.Remove(id) {
		log.Printf("[INFO] deleted job %s", id)
	}
	return nil
}

// Refresh fetches a single job and merges it. A job unknown to the server is removed locally.
func (a *Actions) Refresh(ctx context.Context, id string) (job.Record, error) {
	if id == "" {
		return job.Record{}, &ActionError{Op: OpRefresh, Err: store.ErrEmptyID}
	}
	rec, err := a.server.Job(ctx, id)
	if err != nil {
		if remote.IsNotFound(err) {
			a.store.Remove(id)
		}
		return job.Record{}, &ActionError{Op: OpRefresh, ID: id, Err: err}
	}
	if _, err := a.store.Merge(rec); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		return job.Record{}, &ActionError{Op: OpRefresh, ID: id, Err: err}
	}
	cur, _ := a.store.Get(id)
	return cur, nil
}
