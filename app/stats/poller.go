// Package stats polls aggregated counters from the server. It runs independently of the job
// store and keeps the last successfully fetched value.
package stats

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/jobsync/app/remote"
)

// Source provides stats and health
type Source interface {
	Stats(ctx context.Context) (remote.Stats, error)
	Health(ctx context.Context) (remote.Health, error)
}

// Snapshot is the last polled value
type Snapshot struct {
	Stats     remote.Stats   `json:"stats"`
	Health    *remote.Health `json:"health,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Failures  int            `json:"failures"` // consecutive failed polls
}

// Poller fetches stats every interval
type Poller struct {
	src      Source
	interval time.Duration
	timeout  time.Duration

	mu   sync.RWMutex
	last Snapshot
	ok   bool
}

// New makes Poller, interval defaults to 5s
func New(src Source, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{src: src, interval: interval, timeout: interval}
}

// Run polls immediately and then every interval until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	log.Printf("[INFO] stats poller started, every %v", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches stats and health once. Stats failure keeps the previous value, health is optional.
func (p *Poller) Poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var st remote.Stats
	var health *remote.Health
	statsErr := context.Canceled // group skips functions if ctx is done already

	gr := syncs.NewSizedGroup(2, syncs.Context(ctx))
	gr.Go(func(ctx context.Context) {
		st, statsErr = p.src.Stats(ctx)
	})
	gr.Go(func(ctx context.Context) {
		h, err := p.src.Health(ctx)
		if err != nil {
			log.Printf("[DEBUG] health check failed, %v", err)
			return
		}
		health = &h
	})
	gr.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if statsErr != nil {
		p.last.Failures++
		log.Printf("[WARN] failed to poll stats, keep previous value, %v", statsErr)
		return
	}
	p.last = Snapshot{Stats: st, Health: health, UpdatedAt: time.Now(), Failures: 0}
	p.ok = true
}

// Last returns the last successfully polled value, false if nothing polled yet
func (p *Poller) Last() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.ok
}
