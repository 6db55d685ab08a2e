package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"

	"github.com/umputun/jobsync/app/actions"
	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/remote"
	"github.com/umputun/jobsync/app/stats"
	"github.com/umputun/jobsync/app/store"
	"github.com/umputun/jobsync/app/stream"
)

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Jobs      []job.Record    `json:"jobs"`
	Counts    store.Counts    `json:"counts"`
	Stream    APIStreamStatus `json:"stream"`
	Stats     *stats.Snapshot `json:"stats,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// APIStreamStatus is the update stream part of status response
type APIStreamStatus struct {
	State    stream.State    `json:"state"`
	Counters stream.Counters `json:"counters"`
}

// handleJobs returns jobs, optionally filtered by ?status=
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	f, err := job.ParseFilter(r.URL.Query().Get("status"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(s.Store.FilterByStatus(f)))
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Store.Get(r.PathValue("id"))
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleSubmit sends generation request to the server, responds with the created job
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req job.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.Actions.Submit(r.Context(), req)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Actions.Delete(r.Context(), id); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleRefresh re-fetches a single job from the server
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Actions.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		s.writeJSONError(w, http.StatusNotFound, "journal disabled")
		return
	}
	entries, err := s.Journal.History(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(entries))
}

// handleDropped returns the latest rejected updates
func (s *Server) handleDropped(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		s.writeJSONError(w, http.StatusNotFound, "journal disabled")
		return
	}
	entries, err := s.Journal.Dropped(r.Context(), queryLimit(r))
	if err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load dropped updates")
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(entries))
}

// handleStatus returns everything the presentation layer needs in one call
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := APIStatusResponse{Jobs: nonNil(s.Store.List()), Counts: s.Store.Counts(), Timestamp: time.Now()}
	if s.Stream != nil {
		resp.Stream = APIStreamStatus{State: s.Stream.State(), Counters: s.Stream.Counters()}
	}
	if s.Stats != nil {
		if snap, ok := s.Stats.Last(); ok {
			resp.Stats = &snap
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.Stats == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "stats not available")
		return
	}
	snap, ok := s.Stats.Last()
	if !ok {
		s.writeJSONError(w, http.StatusServiceUnavailable, "stats not available")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleSchema returns json schema of job record, or of generation request with ?of=request
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	reflector := jsonschema.Reflector{Mapper: func(t reflect.Type) *jsonschema.Schema {
		if t == reflect.TypeFor[job.Timestamp]() {
			return &jsonschema.Schema{Type: "string", Format: "date-time"}
		}
		return nil
	}}
	var schema *jsonschema.Schema
	switch r.URL.Query().Get("of") {
	case "", "record":
		schema = reflector.Reflect(&job.Record{})
		schema.Title = "Job record"
	case "request":
		schema = reflector.Reflect(&job.GenerateRequest{})
		schema.Title = "Generation request"
	default:
		s.writeJSONError(w, http.StatusBadRequest, "unknown schema, use record or request")
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

// writeActionError maps action failures to http status
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	var se *remote.StatusError
	switch {
	case errors.Is(err, actions.ErrInvalidRequest), errors.Is(err, store.ErrEmptyID):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case remote.IsNotFound(err):
		s.writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrClosed):
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity:
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[WARN] %v", err)
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// queryLimit returns ?limit= value, 0 (meaning default) if missing or invalid
func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// nonNil makes empty lists encode as [] instead of null
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
