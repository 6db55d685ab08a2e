package store

import (
	"github.com/umputun/jobsync/app/job"
)

// ChangeKind describes what happened to the store
type ChangeKind string

// enum of change kinds
const (
	ChangeSeeded   ChangeKind = "seeded"
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeRemoved  ChangeKind = "removed"
	ChangeDropped  ChangeKind = "dropped" // invalid transition, not applied
)

// Change is a single applied (or dropped) mutation reported to Recorder
type Change struct {
	Kind   ChangeKind
	JobID  string
	Before job.Record // empty for inserts and seeds
	After  job.Record // empty for removals and seeds
	Count  int        // number of records for seeds
	Reason string     // why a delta was dropped
}

// Recorders fans a change out to multiple recorders
type Recorders []Recorder

// Record implements Recorder
func (rs Recorders) Record(ch Change) {
	for _, r := range rs {
		if r != nil {
			r.Record(ch)
		}
	}
}

// Subscribe registers an observer. The returned channel receives a signal after every
// state-changing call; signals are coalesced, so a burst of mutations made before the
// observer drains the channel results in a single pending signal. Observers read the
// current state with List or FilterByStatus. The channel is closed on unsubscribe or Close.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
	return ch, unsubscribe
}

// notify signals all subscribers without blocking, lock must be held
func (s *Store) notify() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default: // signal already pending
		}
	}
}
