package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobsync/app/job"
)

// handleEvents streams the job list as server-sent events. The current list is sent on connect
// and again after every store change, filtered by ?status= the same way as /jobs.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := job.ParseFilter(r.URL.Query().Get("status"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	changes, unsubscribe := s.Store.Subscribe()
	defer unsubscribe()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Printf("[DEBUG] can't reset write deadline for events, %v", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		payload, err := json.Marshal(nonNil(s.Store.FilterByStatus(f)))
		if err != nil {
			log.Printf("[WARN] failed to marshal jobs, %v", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: jobs\ndata: %s\n\n", payload); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send() {
		return
	}

	keepAlive := time.NewTicker(s.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-changes:
			if !ok { // store closed
				return
			}
			if !send() {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		}
	}
}
