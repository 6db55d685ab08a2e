package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/store"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	opts.Notify.OnCompleted, opts.Notify.OnFailed, opts.Notify.OnGiveUp = false, false, false
	opts.Notify.FromEmail = ""
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier())

	opts.Notify.OnCompleted = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.Equal(t, "jobsync@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From is setting the From based on hostname")

	opts.Notify.ToEmails = nil
	assert.Nil(t, makeNotifier(), "no destinations")
	opts.Notify.OnCompleted = false
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "jobsync-log")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false
	defer func() {
		opts.Log.Enabled = false
		setupLogs()
	}()

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_validateBaseURL(t *testing.T) {
	tests := []struct{ name, input, want string }{
		{"empty string", "", ""},
		{"root path", "/", ""},
		{"path without trailing slash", "/jobsync", "/jobsync"},
		{"path with trailing slash", "/jobsync/", "/jobsync"},
		{"multi-segment path", "/app/jobsync", "/app/jobsync"},
		{"missing leading slash", "jobsync", "/jobsync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateBaseURL(tt.input))
		})
	}
}

func Test_streamURLFromAPI(t *testing.T) {
	tests := []struct {
		api, want string
		wantErr   bool
	}{
		{api: "http://localhost:8000/api", want: "ws://localhost:8000/ws"},
		{api: "http://localhost:8000/api/", want: "ws://localhost:8000/ws"},
		{api: "https://gen.example.com/hv/api", want: "wss://gen.example.com/hv/ws"},
		{api: "http://localhost:8000", want: "ws://localhost:8000/ws"},
		{api: "ftp://localhost/api", wantErr: true},
		{api: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.api, func(t *testing.T) {
			res, err := streamURLFromAPI(tt.api)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func Test_renderJobs(t *testing.T) {
	dur := 65.0
	jobs := []job.Record{
		{ID: "a1", Status: job.StatusCompleted, Progress: 100, Prompt: "a cat", Duration: &dur,
			CreatedAt: job.NewTimestamp(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))},
		{ID: "b2", Status: job.StatusProcessing, Progress: 40, Prompt: "a dog"},
	}
	counts := store.Counts{All: 3, Processing: 1, Completed: 1, Failed: 1}

	t.Run("terminal", func(t *testing.T) {
		buf := bytes.Buffer{}
		require.NoError(t, renderJobs(&buf, jobs, counts, true))
		out := buf.String()
		assert.Contains(t, out, "╭")
		assert.Contains(t, out, "a1")
		assert.Contains(t, out, "1m5s")
		assert.Contains(t, out, "40%")
		assert.Contains(t, out, "2 of 3")
		assert.Contains(t, out, "queued 0, processing 1")
	})

	t.Run("csv", func(t *testing.T) {
		buf := bytes.Buffer{}
		require.NoError(t, renderJobs(&buf, jobs, counts, false))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "ID,Status,Progress,Created,Duration,Prompt", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "a1,completed,100%,"))
		assert.Equal(t, "b2,processing,40%,,,a dog", lines[2])
	})
}

func Test_listJobs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]job.Record{
			{ID: "a1", Status: job.StatusCompleted, Prompt: "a cat"},
			{ID: "b2", Status: job.StatusFailed, Prompt: "a dog", Error: "oom"},
		})
	}))
	defer ts.Close()

	opts.API, opts.Timeout, opts.Status = ts.URL+"/api", time.Second, "failed"
	defer func() { opts.Status = "all" }()

	buf := bytes.Buffer{}
	require.NoError(t, listJobs(t.Context(), &buf, false))
	assert.Contains(t, buf.String(), "b2,failed")
	assert.NotContains(t, buf.String(), "a1")

	opts.Status = "paused"
	require.Error(t, listJobs(t.Context(), &buf, false))

	opts.Status, opts.API = "all", "http://127.0.0.1:1/api"
	require.Error(t, listJobs(t.Context(), &buf, false))
}

func Test_run(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]job.Record{{ID: "a1", Status: job.StatusQueued}})
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"total_generations":1,"queued":1}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","job":{"job_id":"a1","status":"processing","progress":10}}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	opts.API, opts.WS, opts.Timeout, opts.Resync = ts.URL+"/api", "", time.Second, "@every 1m"
	opts.StatsEvery = time.Second
	opts.Stream.Attempts, opts.Stream.Delay, opts.Stream.Factor, opts.Stream.Ping = 2, 10*time.Millisecond, 1, time.Second
	opts.Journal.Enabled, opts.Journal.Path, opts.Journal.Keep = true, t.TempDir()+"/journal.db", 10
	opts.Web.Enabled, opts.Web.Address, opts.Web.SubmitRate = true, "127.0.0.1:18734", 1

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	waitForHTTPServerStart(t, opts.Web.Address)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + opts.Web.Address + "/api/v1/jobs/a1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec job.Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return false
		}
		return rec.Status == job.StatusProcessing
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run not finished")
	}
	opts.Web.Enabled, opts.Journal.Enabled = false, false
}

func waitForHTTPServerStart(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "server not started")
}
