// Package engine wires the job store with its sources (snapshot loader, update stream, user
// actions) and the supporting components, and manages their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/umputun/jobsync/app/actions"
	"github.com/umputun/jobsync/app/journal"
	"github.com/umputun/jobsync/app/notify"
	"github.com/umputun/jobsync/app/remote"
	"github.com/umputun/jobsync/app/snapshot"
	"github.com/umputun/jobsync/app/stats"
	"github.com/umputun/jobsync/app/store"
	"github.com/umputun/jobsync/app/stream"
)

// Params for Engine
type Params struct {
	APIURL        string // api root, i.e. http://host:8000/api
	StreamURL     string // websocket, i.e. ws://host:8000/ws
	HTTPTimeout   time.Duration
	StreamHeader  http.Header
	Backoff       stream.Backoff // used for the update stream reconnects and the initial load
	PingInterval  time.Duration
	StatsInterval time.Duration
	ResyncSpec    string // cron spec of periodic resync, empty to disable
	JournalPath   string // sqlite file, empty to disable
	JournalKeep   int    // entries kept per job on daily cleanup
	Notifier      *notify.Service
}

// Engine owns the store and all components feeding it
type Engine struct {
	Store   *store.Store
	Loader  *snapshot.Loader
	Stream  *stream.Stream
	Actions *actions.Actions
	Stats   *stats.Poller
	Journal *journal.Journal // nil if disabled
	Client  *remote.Client

	params   Params
	cron     *cron.Cron
	once     sync.Once
	closeErr error

	mu     sync.Mutex
	cancel context.CancelFunc // stops Run
	closed bool
}

// New makes Engine, opens the journal if configured
func New(p Params) (*Engine, error) {
	if p.APIURL == "" || p.StreamURL == "" {
		return nil, errors.New("api and stream urls are required")
	}
	if p.ResyncSpec != "" {
		if _, err := cron.ParseStandard(p.ResyncSpec); err != nil {
			return nil, fmt.Errorf("invalid resync spec %q: %w", p.ResyncSpec, err)
		}
	}

	res := &Engine{params: p, cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))}

	var recorders store.Recorders
	if p.JournalPath != "" {
		j, err := journal.New(p.JournalPath, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		res.Journal = j
		recorders = append(recorders, j)
	}
	if p.Notifier != nil {
		recorders = append(recorders, p.Notifier)
	}

	var opts []store.Option
	if len(recorders) > 0 {
		opts = append(opts, store.WithRecorder(recorders))
	}
	res.Store = store.New(opts...)

	var clientOpts []remote.Option
	if p.HTTPTimeout > 0 {
		clientOpts = append(clientOpts, remote.WithTimeout(p.HTTPTimeout))
	}
	res.Client = remote.New(p.APIURL, clientOpts...)
	res.Loader = snapshot.New(res.Client, res.Store)
	res.Actions = actions.New(res.Client, res.Store)
	res.Stats = stats.New(res.Client, p.StatsInterval)
	res.Stream = stream.New(res.Store, stream.Params{
		URL:          p.StreamURL,
		Header:       p.StreamHeader,
		Backoff:      p.Backoff,
		PingInterval: p.PingInterval,
		OnReconnect:  res.resync,
		OnGiveUp:     res.giveUp,
		OnState:      func(st stream.State) { log.Printf("[INFO] update stream %s", st) },
	})
	return res, nil
}

// Run loads the initial snapshot and runs the stream, stats poller, notifier and scheduled
// resyncs until ctx is canceled. Returns *snapshot.FetchError if the initial load fails after
// retries and *stream.TransportError if the stream gives up reconnecting.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.initialLoad(ctx); err != nil {
		return err
	}

	if err := e.schedule(ctx); err != nil {
		return err
	}
	e.cron.Start()
	defer func() { <-e.cron.Stop().Done() }()

	var streamErr error
	gr := syncs.NewErrSizedGroup(3, syncs.Context(ctx))
	gr.Go(func() error {
		err := e.Stream.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			streamErr = err
			cancel() // stream is the only source of updates, stop everything
			return err
		}
		return nil
	})
	gr.Go(func() error {
		if err := e.Stats.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if e.params.Notifier != nil {
		gr.Go(func() error {
			if err := e.params.Notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	err := gr.Wait()

	if e.params.Notifier != nil {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), e.params.Notifier.Timeout)
		e.params.Notifier.Flush(flushCtx)
		flushCancel()
	}
	if streamErr != nil {
		return streamErr // typed error, multi-error of the group doesn't unwrap
	}
	return err
}

// initialLoad seeds the store, retrying with the stream backoff
func (e *Engine) initialLoad(ctx context.Context) error {
	b := e.params.Backoff
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: b.Attempts, Duration: b.Delay, Factor: b.Factor, Jitter: b.Jitter})
	var lastErr error
	err := rptr.Do(ctx, func() error {
		_, err := e.Loader.Load(ctx)
		if err != nil {
			log.Printf("[WARN] initial load failed, %v", err)
			lastErr = err
		}
		return err
	}, store.ErrClosed)
	if err != nil {
		if lastErr != nil && ctx.Err() == nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (e *Engine) schedule(ctx context.Context) error {
	if e.params.ResyncSpec != "" {
		if _, err := e.cron.AddFunc(e.params.ResyncSpec, func() { e.resync(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule resync: %w", err)
		}
		log.Printf("[INFO] periodic resync scheduled, %s", e.params.ResyncSpec)
	}
	if e.Journal != nil && e.params.JournalKeep > 0 {
		_, err := e.cron.AddFunc("@daily", func() {
			if _, err := e.Journal.Cleanup(ctx, e.params.JournalKeep); err != nil {
				log.Printf("[WARN] %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule journal cleanup: %w", err)
		}
	}
	return nil
}

// resync reconciles the store with a fresh snapshot, used after reconnects and by schedule
func (e *Engine) resync(ctx context.Context) {
	if err := e.Loader.Resync(ctx); err != nil {
		log.Printf("[WARN] resync failed, %v", err)
	}
}

func (e *Engine) giveUp(err *stream.TransportError) {
	if e.params.Notifier != nil {
		e.params.Notifier.GiveUp(err)
	}
}

// Close stops Run, the stream and closes the store and the journal. Safe to call multiple times.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()

		var errs []error
		if err := e.Stream.Close(); err != nil {
			errs = append(errs, err)
		}
		e.Store.Close()
		if e.Journal != nil {
			if err := e.Journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
