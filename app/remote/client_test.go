package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/jobsync/app/job"
)

func TestClient_Jobs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"job_id":"a","status":"completed","prompt":"p1","progress":100,
			"created_at":"2025-01-01T10:00:00","duration":12.5},
			{"job_id":"b","status":"queued","prompt":"p2","progress":0,"created_at":"2025-01-01T10:01:00",
			"completed_at":null,"video_path":null,"error":null}]`))
	}))
	defer ts.Close()

	c := New(ts.URL + "/api/")
	res, err := c.Jobs(t.Context())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].ID)
	assert.Equal(t, job.StatusCompleted, res[0].Status)
	require.NotNil(t, res[0].Duration)
	assert.InDelta(t, 12.5, *res[0].Duration, 0.001)
	assert.Equal(t, job.StatusQueued, res[1].Status)
	assert.True(t, res[1].CompletedAt.IsZero())
}

func TestClient_Generate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req job.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a fox", req.Prompt)
		assert.Equal(t, 540, req.VideoSize)

		_, _ = w.Write([]byte(`{"job_id":"new1","status":"queued","prompt":"a fox","progress":0,
			"created_at":"2025-01-01T10:00:00"}`))
	}))
	defer ts.Close()

	c := New(ts.URL + "/api")
	rec, err := c.Generate(t.Context(), job.GenerateRequest{Prompt: "a fox", VideoSize: 540}.WithDefaults())
	require.NoError(t, err)
	assert.Equal(t, "new1", rec.ID)
	assert.Equal(t, job.StatusQueued, rec.Status)
}

func TestClient_GenerateWithoutID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Generate(t.Context(), job.GenerateRequest{Prompt: "x"}.WithDefaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without job id")
}

func TestClient_Delete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/api/jobs/a":
			_, _ = w.Write([]byte(`{"message":"Job deleted"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Job not found"}`))
		}
	}))
	defer ts.Close()

	c := New(ts.URL + "/api")
	require.NoError(t, c.Delete(t.Context(), "a"))

	err := c.Delete(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Job not found", se.Detail)
	assert.Contains(t, err.Error(), "failed to delete job missing")
}

func TestClient_StatsAndHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stats":
			_, _ = w.Write([]byte(`{"total_generations":5,"completed":3,"failed":1,"in_progress":1,"queued":0,
				"avg_duration":100.5,"total_duration":301.5}`))
		case "/api/health":
			_, _ = w.Write([]byte(`{"status":"healthy","container_running":true,"active_jobs":1,"total_jobs":5}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(ts.URL + "/api")
	st, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalGenerations: 5, Completed: 3, Failed: 1, InProgress: 1,
		AvgDuration: 100.5, TotalDuration: 301.5}, st)

	h, err := c.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "healthy", ContainerRunning: true, ActiveJobs: 1, TotalJobs: 5}, h)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		wantDetail string
	}{
		{"string detail", http.StatusNotFound, `{"detail":"Job not found"}`, "Job not found"},
		{"validation detail", http.StatusUnprocessableEntity,
			`{"detail":[{"loc":["body","video_size"],"msg":"value is not a valid integer"}]}`,
			"body.video_size: value is not a valid integer"},
		{"plain body", http.StatusBadGateway, "upstream down\n", "upstream down"},
		{"empty body", http.StatusInternalServerError, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := New(ts.URL).Jobs(t.Context())
			require.Error(t, err)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.wantDetail, se.Detail)
		})
	}

	t.Run("bad json", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		}))
		defer ts.Close()
		_, err := New(ts.URL).Jobs(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse response")
	})

	t.Run("connection refused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()
		_, err := New(url).Jobs(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to send request")
	})

	t.Run("context timeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer ts.Close()
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		_, err := New(ts.URL).Jobs(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}
