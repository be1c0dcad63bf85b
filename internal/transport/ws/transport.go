// Package ws provides the WebSocket transport used for run event streams.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/runsync/internal/hub"
)

// Options configures the dialer.
type Options struct {
	BaseURL        string // ws(s)://host[:port]
	UserID         string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	Logger         logr.Logger
}

// Dialer opens run streams at {BaseURL}/api/ws/runs/{runID}.
type Dialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewDialer creates a new Dialer.
func NewDialer(opts Options) *Dialer {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Dialer{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// URL returns the stream address for a run.
func (d *Dialer) URL(runID string) string {
	u := strings.TrimRight(d.opts.BaseURL, "/") + "/api/ws/runs/" + url.PathEscape(runID)
	if d.opts.UserID != "" {
		u += "?user_id=" + url.QueryEscape(d.opts.UserID)
	}
	return u
}

// Dial starts connecting in the background and returns immediately.
func (d *Dialer) Dial(sessionID, runID string, rx hub.Receiver) (hub.Transport, error) {
	if d.opts.BaseURL == "" {
		return nil, errors.New("websocket base URL is not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:        uuid.New().String(),
		sessionID: sessionID,
		runID:     runID,
		opts:      d.opts,
		logger:    d.opts.Logger.WithValues("session_id", sessionID, "run_id", runID),
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.connect(ctx, d.dialer, d.URL(runID), rx)
	return t, nil
}

// Transport is a single WebSocket connection.
type Transport struct {
	id        string
	sessionID string
	runID     string
	opts      Options
	logger    logr.Logger
	cancel    context.CancelFunc

	ready chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	err    error

	writeMu sync.Mutex
}

func (t *Transport) ID() string             { return t.id }
func (t *Transport) Ready() <-chan struct{} { return t.ready }
func (t *Transport) Done() <-chan struct{}  { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) connect(ctx context.Context, dialer *websocket.Dialer, addr string, rx hub.Receiver) {
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		if t.finish(fmt.Errorf("dial: %w", err)) {
			rx.Closed(t.Err())
		}
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	close(t.ready)
	t.mu.Unlock()

	t.logger.V(1).Info("websocket connected")

	if t.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(t.opts.MaxMessageSize)
	}
	if t.opts.PingInterval > 0 {
		pongWait := 2 * t.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop(conn)
	}

	t.readPump(conn, rx)
}

// readPump delivers frames in arrival order until the connection ends.
func (t *Transport) readPump(conn *websocket.Conn, rx hub.Receiver) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("websocket read failed", "error", err.Error())
			}
			if t.finish(err) {
				rx.Closed(err)
			}
			return
		}
		if t.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * t.opts.PingInterval))
		}
		rx.Frame(data)
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// finish marks the transport closed by the remote side or a failure. It
// reports false when the transport was already closed.
func (t *Transport) finish(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.err = err
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.cancel()
	close(t.done)
	return true
}

// Send writes v as a JSON text frame.
func (t *Transport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return hub.ErrClosed
	}
	if conn == nil {
		return errors.New("transport not open")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close closes the connection locally. The receiver is not notified.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return hub.ErrClosed
	}
	t.closed = true
	t.err = hub.ErrClosed
	t.cancel()
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = t.conn.Close()
	}
	close(t.done)
	t.logger.V(1).Info("websocket closed")
	return nil
}
