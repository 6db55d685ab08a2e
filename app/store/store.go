// Package store keeps the client-side view of all known jobs. It is the single
// identity-keyed authority: one record per job id, an insertion-recency ordered view
// derived from it, and change notifications for the presentation layer.
//
// The store is written by three independent sources (snapshot loader, update stream,
// user actions) which race with each other without shared sequence numbers. Merge
// relies on job.CheckTransition to drop stale or out-of-order deltas.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobsync/app/job"
)

// ErrClosed returned by mutations after Close
var ErrClosed = errors.New("store closed")

// ErrEmptyID returned when a record without job id is merged
var ErrEmptyID = errors.New("empty job id")

// Recorder receives every change applied to the store. Record is called with the store
// lock held and must not block.
type Recorder interface {
	Record(ch Change)
}

// Store is an in-memory, id-keyed collection of job records. Safe for concurrent use,
// every public method is atomic with respect to readers.
type Store struct {
	mu       sync.RWMutex
	items    map[string]entry
	order    []string // job ids, newest insert first
	gen      uint64            // last assigned insertion or removal sequence
	removed  map[string]uint64 // removal sequence by job id, see Reconcile
	closed   bool
	subs     map[int]chan struct{}
	nextSub  int
	recorder Recorder
}

type entry struct {
	rec job.Record
	seq uint64 // insertion sequence, see Generation
}

// Option configures Store
type Option func(s *Store)

// WithRecorder sets change recorder, e.g. journal or notifier
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// New makes empty store
func New(opts ...Option) *Store {
	s := &Store{items: make(map[string]entry), removed: make(map[string]uint64), subs: make(map[int]chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed replaces store content wholesale. Duplicate ids collapse to the last occurrence.
// Records are ordered newest first by creation time, payload order breaks ties.
func (s *Store) Seed(records []job.Record) error {
	uniq, dups := dedup(records)
	if dups > 0 {
		log.Printf("[WARN] snapshot contains %d duplicate job records, collapsed by id", dups)
	}
	sortNewestFirst(uniq)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.items = make(map[string]entry, len(uniq))
	s.order = make([]string, 0, len(uniq))
	s.removed = make(map[string]uint64)
	// oldest gets the lowest sequence, so the generation reflects insertion recency
	for i := len(uniq) - 1; i >= 0; i-- {
		s.gen++
		s.items[uniq[i].ID] = entry{rec: uniq[i], seq: s.gen}
	}
	for _, rec := range uniq {
		s.order = append(s.order, rec.ID)
	}
	s.record(Change{Kind: ChangeSeeded, Count: len(uniq)})
	log.Printf("[DEBUG] store seeded with %d jobs", len(uniq))
	s.notify()
	return nil
}

// Merge inserts a record with unseen id at the front, or updates the existing one if the
// status transition is valid. Returns true if the store changed. Merging the same record
// twice is a no-op. Invalid transitions are dropped and reported as job.ErrInvalidTransition.
func (s *Store) Merge(rec job.Record) (bool, error) {
	if rec.ID == "" {
		return false, ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	changed, err := s.merge(rec)
	if err != nil {
		return false, err
	}
	if changed {
		s.notify()
	}
	return changed, nil
}

// merge applies a single record, lock must be held
func (s *Store) merge(rec job.Record) (bool, error) {
	cur, ok := s.items[rec.ID]
	if !ok {
		if !rec.Status.Valid() {
			return false, fmt.Errorf("%w: unknown status %q for new job %s", job.ErrInvalidTransition, rec.Status, rec.ID)
		}
		s.insertFront(rec)
		s.record(Change{Kind: ChangeInserted, JobID: rec.ID, After: rec})
		return true, nil
	}

	updated := cur.rec.Update(rec)
	if updated.Equal(cur.rec) {
		return false, nil // duplicate delivery
	}
	if err := job.CheckTransition(cur.rec.Status, rec.Status); err != nil {
		log.Printf("[DEBUG] drop delta for job %s: %v", rec.ID, err)
		s.record(Change{Kind: ChangeDropped, JobID: rec.ID, Before: cur.rec, After: rec, Reason: err.Error()})
		return false, fmt.Errorf("job %s: %w", rec.ID, err)
	}
	s.items[rec.ID] = entry{rec: updated, seq: cur.seq}
	s.record(Change{Kind: ChangeUpdated, JobID: rec.ID, Before: cur.rec, After: updated})
	return true, nil
}

// Remove deletes record by id. Returns false if no such record, which is not an error.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.remove(id) {
		return false
	}
	s.notify()
	return true
}

func (s *Store) remove(id string) bool {
	cur, ok := s.items[id]
	if !ok {
		return false
	}
	delete(s.items, id)
	s.gen++
	s.removed[id] = s.gen
	if idx := slices.Index(s.order, id); idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	s.record(Change{Kind: ChangeRemoved, JobID: id, Before: cur.rec})
	return true
}

// Reconcile applies a fresh snapshot on top of the current state without erasing what was
// learned through other channels. Every snapshot record is merged (transition guard applies),
// then records absent from the snapshot are removed unless they were inserted after
// generation since, i.e. while the snapshot request was in flight. Snapshot records removed
// after since are not brought back.
func (s *Store) Reconcile(records []job.Record, since uint64) error {
	uniq, _ := dedup(records)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	seen := make(map[string]bool, len(uniq))
	var fresh []job.Record
	changed, dropped, removed := 0, 0, 0
	for _, rec := range uniq {
		seen[rec.ID] = true
		if _, ok := s.items[rec.ID]; !ok {
			if s.removed[rec.ID] > since {
				continue // deleted while the snapshot was in flight
			}
			fresh = append(fresh, rec)
			continue
		}
		ok, err := s.merge(rec)
		if err != nil {
			dropped++
			continue
		}
		if ok {
			changed++
		}
	}

	// unseen records are inserted oldest first, so the newest ends up at the front
	sortNewestFirst(fresh)
	for i := len(fresh) - 1; i >= 0; i-- {
		if ok, err := s.merge(fresh[i]); err == nil && ok {
			changed++
		}
	}

	for _, id := range slices.Clone(s.order) {
		if seen[id] || s.items[id].seq > since {
			continue
		}
		if s.remove(id) {
			removed++
		}
	}

	for id, seq := range s.removed {
		if seq <= since {
			delete(s.removed, id)
		}
	}

	log.Printf("[DEBUG] reconciled %d snapshot jobs: %d changed, %d removed, %d stale dropped",
		len(uniq), changed, removed, dropped)
	if changed+removed > 0 {
		s.notify()
	}
	return nil
}

// Generation returns the sequence of the most recent insertion or removal. Records inserted
// or removed later have a greater sequence; used by Reconcile to keep in-flight changes.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Get returns record by id
func (s *Store) Get(id string) (job.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	return e.rec, ok
}

// Len returns number of records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// List returns all records, newest insert first
func (s *Store) List() []job.Record {
	return s.FilterByStatus(job.FilterAll)
}

// FilterByStatus returns records matching the filter, keeping List order
func (s *Store) FilterByStatus(f job.Filter) []job.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]job.Record, 0, len(s.order))
	for _, id := range s.order {
		if rec := s.items[id].rec; f.Match(rec) {
			res = append(res, rec)
		}
	}
	return res
}

// Counts holds number of records per status
type Counts struct {
	All        int `json:"all"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Counts returns number of records per status
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := Counts{All: len(s.items)}
	for _, e := range s.items {
		switch e.rec.Status {
		case job.StatusQueued:
			res.Queued++
		case job.StatusProcessing:
			res.Processing++
		case job.StatusCompleted:
			res.Completed++
		case job.StatusFailed:
			res.Failed++
		}
	}
	return res
}

// Close stops all further mutations and closes subscriber channels. Safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) insertFront(rec job.Record) {
	s.gen++
	s.items[rec.ID] = entry{rec: rec, seq: s.gen}
	delete(s.removed, rec.ID)
	s.order = slices.Insert(s.order, 0, rec.ID)
}

func (s *Store) record(ch Change) {
	if s.recorder != nil {
		s.recorder.Record(ch)
	}
}

// dedup collapses records by id keeping the last occurrence at its position
func dedup(records []job.Record) (uniq []job.Record, dups int) {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[rec.ID] = i
	}
	uniq = make([]job.Record, 0, len(last))
	for i, rec := range records {
		if rec.ID == "" {
			log.Printf("[WARN] skip snapshot record without job id, %s", rec)
			continue
		}
		if last[rec.ID] != i {
			dups++
			continue
		}
		uniq = append(uniq, rec)
	}
	return uniq, dups
}

// sortNewestFirst orders records by creation time descending, stable for equal or missing times
func sortNewestFirst(records []job.Record) {
	slices.SortStableFunc(records, func(a, b job.Record) int {
		return b.CreatedAt.Compare(a.CreatedAt.Time)
	})
}
