package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/store"
)

// newWSServer starts websocket server calling handler for every connection, n is 1-based connection number
func newWSServer(t *testing.T, handler func(n int, c *websocket.Conn)) (ts *httptest.Server, wsURL string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var count atomic.Int32
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(int(count.Add(1)), c)
	}))
	t.Cleanup(ts.Close)
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func send(_ *testing.T, c *websocket.Conn, msg string) {
	_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
}

// drain reads until the client goes away, needed for ping/pong and close handling
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Delay: 10 * time.Millisecond, Factor: 1}
}

func TestStream_AppliesUpdates(t *testing.T) {
	_, url := newWSServer(t, func(_ int, c *websocket.Conn) {
		send(t, c, `{"type":"initial_state","jobs":[{"job_id":"zzz","status":"queued"}]}`)
		send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"queued","prompt":"cat","progress":0}}`)
		send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"processing","progress":40}}`)
		send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"processing","progress":40}}`)
		send(t, c, `not a json`)
		send(t, c, `{"type":"status_update","job":{"job_id":"b","status":"paused"}}`)
		send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"completed","progress":100,"duration":300}}`)
		send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"processing","progress":90}}`)
		drain(c)
	})

	s := store.New()
	st := New(s, Params{URL: url, Backoff: fastBackoff(3)})
	errCh := make(chan error, 1)
	go func() { errCh <- st.Run(t.Context()) }()

	require.Eventually(t, func() bool { return st.Counters().Received == 8 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, st.State())

	list := s.List()
	require.Len(t, list, 1, "initial_state ignored, never seeded")
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, job.StatusCompleted, list[0].Status)
	assert.Equal(t, "cat", list[0].Prompt)
	require.NotNil(t, list[0].Duration)
	assert.InDelta(t, 300.0, *list[0].Duration, 0.001)

	cnt := st.Counters()
	assert.Equal(t, int64(3), cnt.Applied)
	assert.Equal(t, int64(1), cnt.Duplicates)
	assert.Equal(t, int64(2), cnt.Malformed, "bad json and unknown status")
	assert.Equal(t, int64(1), cnt.Dropped, "stale processing after completed")
	assert.Equal(t, int64(1), cnt.Ignored)

	require.NoError(t, st.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run didn't stop on close")
	}
	assert.Equal(t, StateDisconnected, st.State())
}

func TestStream_ReconnectKeepsState(t *testing.T) {
	_, url := newWSServer(t, func(n int, c *websocket.Conn) {
		switch n {
		case 1:
			send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"queued"}}`)
			// drop the connection without close handshake
		default:
			send(t, c, `{"type":"status_update","job":{"job_id":"b","status":"queued"}}`)
			send(t, c, `{"type":"status_update","job":{"job_id":"a","status":"processing","progress":10}}`)
			drain(c)
		}
	})

	s := store.New()
	var resyncs atomic.Int32
	var mu sync.Mutex
	var states []State
	st := New(s, Params{
		URL:         url,
		Backoff:     fastBackoff(5),
		OnReconnect: func(context.Context) { resyncs.Add(1) },
		OnState: func(state State) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- st.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Len() == 2 && st.Counters().Applied == 3 }, 2*time.Second, 10*time.Millisecond)
	a, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, job.StatusProcessing, a.Status, "state learned before disconnect kept and updated")
	assert.Equal(t, []string{"b", "a"}, []string{s.List()[0].ID, s.List()[1].ID})
	assert.Equal(t, int32(1), resyncs.Load())
	assert.Equal(t, int64(1), st.Counters().Reconnects)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run didn't stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 5)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected, StateReconnecting, StateConnecting},
		states[:5])
}

func TestStream_GivesUp(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	var gaveUp *TransportError
	st := New(store.New(), Params{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		Backoff:  fastBackoff(3),
		OnGiveUp: func(err *TransportError) { gaveUp = err },
	})

	err := st.Run(t.Context())
	require.Error(t, err)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempts)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, int32(3), hits.Load())
	require.NotNil(t, gaveUp)
	assert.Equal(t, te, gaveUp)
	assert.Equal(t, StateDisconnected, st.State())
}

func TestStream_GiveUpCancelsReconnectHook(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close() // first and second connections drop right away
	}))
	defer ts.Close()

	hookDone := make(chan error, 1)
	st := New(store.New(), Params{
		URL:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		Backoff: fastBackoff(3),
		OnReconnect: func(ctx context.Context) {
			select {
			case <-ctx.Done():
				hookDone <- ctx.Err()
			case <-time.After(5 * time.Second):
				hookDone <- errors.New("hook not canceled")
			}
		},
	})

	start := time.Now()
	err := st.Run(t.Context())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Less(t, time.Since(start), 2*time.Second, "run waited for the reconnect hook")
	require.ErrorIs(t, <-hookDone, context.Canceled)
}

func TestStream_Keepalive(t *testing.T) {
	_, url := newWSServer(t, func(_ int, c *websocket.Conn) {
		drain(c) // default ping handler answers with pong while reading
	})

	st := New(store.New(), Params{URL: url, Backoff: fastBackoff(2), PingInterval: 20 * time.Millisecond,
		PongWait: 60 * time.Millisecond})
	errCh := make(chan error, 1)
	go func() { errCh <- st.Run(t.Context()) }()

	require.Eventually(t, func() bool { return st.State() == StateConnected }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond) // several read deadlines, each extended by pong
	assert.Equal(t, StateConnected, st.State())
	assert.Equal(t, int64(0), st.Counters().Reconnects)

	require.NoError(t, st.Close())
	require.NoError(t, <-errCh)
}

func TestStream_ReadDeadline(t *testing.T) {
	_, url := newWSServer(t, func(n int, c *websocket.Conn) {
		if n == 1 {
			// silent peer, never reads so pings are not answered
			time.Sleep(300 * time.Millisecond)
			return
		}
		drain(c)
	})

	st := New(store.New(), Params{URL: url, Backoff: fastBackoff(3), PingInterval: 20 * time.Millisecond,
		PongWait: 50 * time.Millisecond})
	go func() { _ = st.Run(t.Context()) }()
	defer st.Close()

	require.Eventually(t, func() bool { return st.Counters().Reconnects == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_CloseBeforeRun(t *testing.T) {
	st := New(store.New(), Params{URL: "ws://127.0.0.1:1/ws"})
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.NoError(t, st.Run(t.Context()))
	assert.Equal(t, StateDisconnected, st.State())
}
