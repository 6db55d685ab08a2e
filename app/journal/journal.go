// Package journal keeps a sqlite log of every change applied to (or dropped by) the job store.
// Writes are asynchronous, the store never waits for the database.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/jobsync/app/store"
)

const defaultBufferSize = 1000

// Entry is a single journal record
type Entry struct {
	ID         int64     `db:"id" json:"id"`
	JobID      string    `db:"job_id" json:"job_id,omitempty"`
	Kind       string    `db:"kind" json:"kind"`
	FromStatus string    `db:"from_status" json:"from_status,omitempty"`
	ToStatus   string    `db:"to_status" json:"to_status,omitempty"`
	Progress   int       `db:"progress" json:"progress"`
	Count      int       `db:"count" json:"count,omitempty"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	TS         int64     `db:"ts" json:"-"` // unix milliseconds
	At         time.Time `db:"-" json:"at"`
}

// Journal is a store.Recorder writing changes to sqlite
type Journal struct {
	db   *sqlx.DB
	lock *flock.Flock

	mu     sync.RWMutex // guards ch against send after close
	ch     chan store.Change
	closed bool
	wg     sync.WaitGroup

	lost atomic.Int64 // changes dropped because the buffer was full
}

// New opens (or creates) journal database. The file is locked for the lifetime of Journal,
// a second process can't share it.
func New(dbPath string, bufferSize int) (*Journal, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	lock := flock.New(dbPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock journal %s: %w", dbPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("journal %s is used by another process", dbPath)
	}

	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, avoids SQLITE_BUSY between pooled connections

	res := &Journal{db: db, lock: lock, ch: make(chan store.Change, bufferSize)}
	if err := res.initialize(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	res.wg.Add(1)
	go res.writer()
	log.Printf("[INFO] journal opened, %s", dbPath)
	return res, nil
}

func (j *Journal) initialize() error {
	queries := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			count INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_job_id ON changes(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_kind ON changes(kind)`,
	}
	for _, q := range queries {
		if _, err := j.db.Exec(q); err != nil {
			return fmt.Errorf("failed to initialize journal: %w", err)
		}
	}
	return nil
}

// Record queues a change for writing. Never blocks, drops the change if the buffer is full.
func (j *Journal) Record(ch store.Change) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- ch:
	default:
		j.lost.Add(1)
		log.Printf("[WARN] journal buffer full, dropping %s change for job %q", ch.Kind, ch.JobID)
	}
}

// Lost returns number of changes dropped because of full buffer
func (j *Journal) Lost() int64 { return j.lost.Load() }

func (j *Journal) writer() {
	defer j.wg.Done()
	for ch := range j.ch {
		if err := j.write(ch); err != nil {
			log.Printf("[WARN] failed to write journal entry, %v", err)
		}
	}
}

func (j *Journal) write(ch store.Change) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := Entry{JobID: ch.JobID, Kind: string(ch.Kind), Count: ch.Count, Reason: ch.Reason, TS: time.Now().UnixMilli()}
	if ch.Before.Status != "" {
		e.FromStatus = string(ch.Before.Status)
	}
	if ch.After.Status != "" {
		e.ToStatus = string(ch.After.Status)
		e.Progress = ch.After.Progress
	}

	_, err := j.db.NamedExecContext(ctx, `INSERT INTO changes (job_id, kind, from_status, to_status, progress, count, reason, ts)
		VALUES (:job_id, :kind, :from_status, :to_status, :progress, :count, :reason, :ts)`, e)
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}
	return nil
}

// History returns the latest changes of a job, newest first
func (j *Journal) History(ctx context.Context, jobID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []Entry
	err := j.db.SelectContext(ctx, &res,
		"SELECT * FROM changes WHERE job_id = ? ORDER BY id DESC LIMIT ?", jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history of %s: %w", jobID, err)
	}
	return withTime(res), nil
}

// Dropped returns the latest invalid transitions rejected by the store, newest first
func (j *Journal) Dropped(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []Entry
	err := j.db.SelectContext(ctx, &res,
		"SELECT * FROM changes WHERE kind = ? ORDER BY id DESC LIMIT ?", string(store.ChangeDropped), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get dropped changes: %w", err)
	}
	return withTime(res), nil
}

// Cleanup keeps only maxPerJob newest entries for every job, returns number of removed entries
func (j *Journal) Cleanup(ctx context.Context, maxPerJob int) (int64, error) {
	if maxPerJob <= 0 {
		return 0, errors.New("max entries per job must be positive")
	}
	res, err := j.db.ExecContext(ctx, `DELETE FROM changes WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY job_id ORDER BY id DESC) AS rn FROM changes
		) WHERE rn > ?)`, maxPerJob)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n > 0 {
		log.Printf("[DEBUG] journal cleanup removed %d entries", n)
	}
	return n, nil
}

// Close flushes pending changes and closes the database. Safe to call multiple times.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	var errs []error
	if err := j.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	if err := j.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock journal: %w", err))
	}
	return errors.Join(errs...)
}

func withTime(entries []Entry) []Entry {
	for i := range entries {
		entries[i].At = time.UnixMilli(entries[i].TS)
	}
	return entries
}
