// Package stream implements the websocket client consuming per-job status updates.
// Every status update is merged into the store, never seeded, so jobs learned from
// other sources survive reconnects.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/gorilla/websocket"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/store"
)

// message types sent by the server
const (
	MsgStatusUpdate = "status_update"
	MsgInitialState = "initial_state" // legacy full-state push, ignored
)

const (
	maxMessageSize = 1024 * 1024
	writeWait      = 5 * time.Second
)

// State of the connection
type State string

// enum of connection states
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Message is a push message from the server
type Message struct {
	Type string          `json:"type"`
	Job  json.RawMessage `json:"job,omitempty"`
}

// TransportError is returned by Run when the reconnect budget is exhausted
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("update stream unavailable after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last connection error
func (e *TransportError) Unwrap() error { return e.Err }

// Merger applies a single job record, implemented by store.Store
type Merger interface {
	Merge(rec job.Record) (bool, error)
}

// Backoff defines reconnect budget
type Backoff struct {
	Attempts int
	Delay    time.Duration
	Factor   float64
	Jitter   bool
}

// Params for Stream
type Params struct {
	URL              string
	Header           http.Header
	Backoff          Backoff
	PingInterval     time.Duration
	PongWait         time.Duration // read deadline, extended on every message and pong
	HandshakeTimeout time.Duration
	OnReconnect      func(ctx context.Context) // called after every successful reconnect, not the first connect
	OnGiveUp         func(err *TransportError)
	OnState          func(st State)
}

// Counters are cumulative message counters
type Counters struct {
	Received   int64 `json:"received"`
	Applied    int64 `json:"applied"`
	Duplicates int64 `json:"duplicates"`
	Dropped    int64 `json:"dropped"`
	Malformed  int64 `json:"malformed"`
	Ignored    int64 `json:"ignored"`
	Reconnects int64 `json:"reconnects"`
}

// Stream is a websocket client with automatic reconnect
type Stream struct {
	Params
	merger Merger
	dialer *websocket.Dialer

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool

	received, applied, duplicates, dropped, malformed, ignored, reconnects atomic.Int64
}

// New makes Stream with defaults for unset params
func New(m Merger, p Params) *Stream {
	if p.Backoff.Attempts <= 0 {
		p.Backoff.Attempts = 12
	}
	if p.Backoff.Delay <= 0 {
		p.Backoff.Delay = time.Second
	}
	if p.Backoff.Factor < 1 {
		p.Backoff.Factor = 1.5
	}
	if p.PingInterval <= 0 {
		p.PingInterval = 30 * time.Second
	}
	if p.PongWait <= p.PingInterval {
		p.PongWait = 2 * p.PingInterval
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = 10 * time.Second
	}
	return &Stream{
		Params: p,
		merger: m,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: p.HandshakeTimeout},
		state:  StateDisconnected,
	}
}

// Run connects and consumes updates until ctx is canceled or Close is called, reconnecting on
// failures. Returns *TransportError if connection can't be established within the backoff budget.
// Individual disconnects are only logged.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	defer func() {
		cancel() // stops reconnect hooks still in flight
		wg.Wait()
	}()

	connectedOnce := false
	for {
		conn, err := s.connect(ctx, connectedOnce)
		if err != nil {
			s.setState(StateDisconnected)
			if s.isClosed() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var te *TransportError
			if errors.As(err, &te) {
				log.Printf("[ERROR] %v, giving up", te)
				if s.OnGiveUp != nil {
					s.OnGiveUp(te)
				}
			}
			return err
		}

		if connectedOnce {
			s.reconnects.Add(1)
			if s.OnReconnect != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.OnReconnect(ctx)
				}()
			}
		}
		connectedOnce = true

		err = s.consume(ctx, conn)
		s.setState(StateDisconnected)
		if s.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[WARN] update stream disconnected: %v", err)
	}
}

// connect dials the server, retrying with backoff
func (s *Stream) connect(ctx context.Context, reconnect bool) (*websocket.Conn, error) {
	attempts := 0
	var conn *websocket.Conn
	rptr := repeater.New(&strategy.Backoff{
		Repeats:  s.Backoff.Attempts,
		Duration: s.Backoff.Delay,
		Factor:   s.Backoff.Factor,
		Jitter:   s.Backoff.Jitter,
	})

	err := rptr.Do(ctx, func() error {
		attempts++
		if reconnect || attempts > 1 {
			s.setState(StateReconnecting)
		}
		s.setState(StateConnecting)

		c, _, err := s.dialer.DialContext(ctx, s.URL, s.Header)
		if err != nil {
			log.Printf("[DEBUG] connect to %s failed, attempt %d/%d: %v", s.URL, attempts, s.Backoff.Attempts, err)
			s.setState(StateDisconnected)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Attempts: attempts, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateConnected)
	log.Printf("[INFO] connected to update stream %s", s.URL)
	return conn, nil
}

// consume reads messages until the connection fails or ctx is done
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(s.PongWait)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		if err := conn.Close(); err != nil {
			log.Printf("[DEBUG] close connection: %v", err)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.PongWait)); err != nil {
			return fmt.Errorf("failed to extend read deadline: %w", err)
		}
		s.handle(data)
	}
}

// keepalive sends pings and closes the connection on ctx cancel
func (s *Stream) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close() // unblocks ReadMessage
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Printf("[WARN] ping failed: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// handle decodes a single message and merges status updates into the store
func (s *Stream) handle(data []byte) {
	s.received.Add(1)
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.malformed.Add(1)
		log.Printf("[WARN] skip malformed message: %v", err)
		return
	}

	switch msg.Type {
	case MsgStatusUpdate:
		var rec job.Record
		if err := json.Unmarshal(msg.Job, &rec); err != nil {
			s.malformed.Add(1)
			log.Printf("[WARN] skip malformed status update: %v", err)
			return
		}
		changed, err := s.merger.Merge(rec)
		switch {
		case errors.Is(err, job.ErrInvalidTransition):
			s.dropped.Add(1)
		case err != nil:
			s.dropped.Add(1)
			log.Printf("[WARN] failed to merge update for job %s: %v", rec.ID, err)
		case changed:
			s.applied.Add(1)
			log.Printf("[DEBUG] applied update %s", rec)
		default:
			s.duplicates.Add(1)
		}
	case MsgInitialState:
		s.ignored.Add(1)
		log.Printf("[DEBUG] ignore %s message", msg.Type)
	default:
		s.ignored.Add(1)
		log.Printf("[DEBUG] ignore unknown message type %q", msg.Type)
	}
}

// State returns current connection state
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counters returns message counters
func (s *Stream) Counters() Counters {
	return Counters{
		Received:   s.received.Load(),
		Applied:    s.applied.Load(),
		Duplicates: s.duplicates.Load(),
		Dropped:    s.dropped.Load(),
		Malformed:  s.malformed.Load(),
		Ignored:    s.ignored.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Close stops Run and closes the connection. Safe to call multiple times and before Run.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close() // read loop may have closed it already
	}
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()

	log.Printf("[DEBUG] update stream %s -> %s", prev, st)
	if s.OnState != nil {
		s.OnState(st)
	}
}

var _ Merger = (*store.Store)(nil)
