// Package web implements local JSON and SSE api over the job store, for the presentation layer
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/journal"
	"github.com/umputun/jobsync/app/stats"
	"github.com/umputun/jobsync/app/store"
	"github.com/umputun/jobsync/app/stream"
)

// JobStore is a read side of the store
type JobStore interface {
	List() []job.Record
	FilterByStatus(f job.Filter) []job.Record
	Get(id string) (job.Record, bool)
	Counts() store.Counts
	Subscribe() (<-chan struct{}, func())
}

// Actions changes jobs on the server and merges the result
type Actions interface {
	Submit(ctx context.Context, req job.GenerateRequest) (job.Record, error)
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (job.Record, error)
}

// StreamInfo reports update stream state
type StreamInfo interface {
	State() stream.State
	Counters() stream.Counters
}

// StatsSource returns the last polled server stats
type StatsSource interface {
	Last() (stats.Snapshot, bool)
}

// Journal returns recorded store changes
type Journal interface {
	History(ctx context.Context, jobID string, limit int) ([]journal.Entry, error)
	Dropped(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds server configuration
type Config struct {
	Store        JobStore
	Actions      Actions
	Stream       StreamInfo
	Stats        StatsSource
	Journal      Journal // optional
	BaseURL      string  // base URL path for reverse proxy (e.g., /jobsync), empty for root
	Version      string
	PasswordHash string        // bcrypt hash for basic auth, empty to disable
	SubmitRate   float64       // max submits per second per client
	KeepAlive    time.Duration // sse keepalive comment interval
}

// Server is a web server
type Server struct {
	Config
	submitLimiter *limiter.Limiter
}

// New makes web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Actions == nil {
		return nil, errors.New("web server initialization failed: store and actions are required")
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 1
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	lmt := tollbooth.NewLimiter(cfg.SubmitRate, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessage(`{"error":"too many requests"}`)
	lmt.SetMessageContentType("application/json")
	return &Server{Config: cfg, submitLimiter: lmt}, nil
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second, // sse handler lifts it per request
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.BaseURL == "" {
		return routes
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.BaseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.BaseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.BaseURL+"/", http.StripPrefix(s.BaseURL, routes))
	return mux
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("jobsync", "umputun", s.Version),
		rest.Ping,
	)
	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for web api")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /events", s.handleEvents) // long-lived, not logged and not size limited

		api.Group().Route(func(g *routegroup.Bundle) {
			g.Use(
				rest.Trace,
				rest.SizeLimit(64*1024),
				logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
			)
			g.HandleFunc("GET /jobs", s.handleJobs)
			g.HandleFunc("GET /jobs/{id}", s.handleJob)
			g.With(tollbooth.HTTPMiddleware(s.submitLimiter)).HandleFunc("POST /jobs", s.handleSubmit)
			g.HandleFunc("DELETE /jobs/{id}", s.handleDelete)
			g.HandleFunc("POST /jobs/{id}/refresh", s.handleRefresh)
			g.HandleFunc("GET /jobs/{id}/history", s.handleHistory)
			g.HandleFunc("GET /dropped", s.handleDropped)
			g.HandleFunc("GET /status", s.handleStatus)
			g.HandleFunc("GET /stats", s.handleStats)
			g.HandleFunc("GET /schema", s.handleSchema)
		})
	})
	return router
}
