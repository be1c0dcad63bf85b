// Package hub provides the connection registry: at most one live transport
// per session.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/xiaot623/gogo/runsync/internal/metrics"
)

// Transport is a duplex connection carrying envelopes for one run.
// Close must not invoke Receiver callbacks synchronously.
type Transport interface {
	ID() string
	Send(ctx context.Context, v any) error
	// Ready is closed once the transport is open.
	Ready() <-chan struct{}
	// Done is closed once the transport has closed, from either side.
	Done() <-chan struct{}
	// Err returns the close cause after Done is closed.
	Err() error
	Close() error
}

// Receiver gets the inbound traffic of one transport, in order.
type Receiver interface {
	Frame(data []byte)
	Closed(err error)
}

// Dialer opens transports. Dial must not block on the network: the
// transport completes its handshake asynchronously and signals Ready.
type Dialer interface {
	Dial(sessionID, runID string, rx Receiver) (Transport, error)
}

// Sink receives traffic from the current transport of each session.
// Frames from replaced or released transports are never delivered.
type Sink interface {
	HandleFrame(sessionID string, data []byte)
	HandleClosed(sessionID string, err error)
}

// Handle associates a session with its transport.
type Handle struct {
	SessionID string
	RunID     string
	Transport Transport
}

// IsOpen reports whether the transport has opened and not yet closed.
func (h *Handle) IsOpen() bool {
	if h == nil || h.Transport == nil {
		return false
	}
	select {
	case <-h.Transport.Done():
		return false
	default:
	}
	select {
	case <-h.Transport.Ready():
		return true
	default:
		return false
	}
}

// IsClosed reports whether the transport has closed.
func (h *Handle) IsClosed() bool {
	if h == nil || h.Transport == nil {
		return true
	}
	select {
	case <-h.Transport.Done():
		return true
	default:
		return false
	}
}

// Hub manages the transports of all sessions.
type Hub struct {
	dialer  Dialer
	logger  logr.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	sink    Sink
	handles map[string]*Handle
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l logr.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the hub metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a new Hub.
func NewHub(dialer Dialer, opts ...Option) *Hub {
	h := &Hub{
		dialer:  dialer,
		logger:  logr.Discard(),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSink sets the consumer of inbound traffic.
func (h *Hub) SetSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = s
}

// Get returns the current handle for the session, or nil.
func (h *Hub) Get(sessionID string) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles[sessionID]
}

// OpenFresh closes any existing transport for the session, then opens and
// stores a new one.
func (h *Hub) OpenFresh(sessionID, runID string) (*Handle, error) {
	h.mu.Lock()
	prev := h.handles[sessionID]
	delete(h.handles, sessionID)
	h.mu.Unlock()

	if prev != nil {
		h.closeHandle(prev, "replaced")
	}

	handle := &Handle{SessionID: sessionID, RunID: runID}

	h.mu.Lock()
	t, err := h.dialer.Dial(sessionID, runID, &receiver{hub: h, handle: handle})
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	handle.Transport = t
	raced := h.handles[sessionID]
	h.handles[sessionID] = handle
	h.metrics.SetConnections(len(h.handles))
	h.mu.Unlock()

	if raced != nil {
		h.closeHandle(raced, "replaced")
	}

	h.logger.V(1).Info("transport opened", "session_id", sessionID, "run_id", runID, "transport_id", t.ID())
	return handle, nil
}

// GetOrOpen returns the existing live handle unless forceFresh is set. When
// existingOnly is set it never opens a transport and returns nil instead.
func (h *Hub) GetOrOpen(sessionID, runID string, forceFresh, existingOnly bool) (*Handle, error) {
	if !forceFresh {
		if existing := h.Get(sessionID); existing != nil && !existing.IsClosed() {
			return existing, nil
		}
	}
	if existingOnly {
		return nil, nil
	}
	return h.OpenFresh(sessionID, runID)
}

// Release closes and forgets the session's transport. It reports whether a
// transport was held.
func (h *Hub) Release(sessionID string) bool {
	h.mu.Lock()
	handle := h.handles[sessionID]
	delete(h.handles, sessionID)
	h.metrics.SetConnections(len(h.handles))
	h.mu.Unlock()

	if handle == nil {
		return false
	}
	h.closeHandle(handle, "released")
	return true
}

// ReleaseHandle releases the session's transport only if it is still handle.
func (h *Hub) ReleaseHandle(handle *Handle) bool {
	if handle == nil {
		return false
	}
	h.mu.Lock()
	if h.handles[handle.SessionID] != handle {
		h.mu.Unlock()
		return false
	}
	delete(h.handles, handle.SessionID)
	h.metrics.SetConnections(len(h.handles))
	h.mu.Unlock()

	h.closeHandle(handle, "released")
	return true
}

// Count returns the number of held transports.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

// CloseAll closes every transport.
func (h *Hub) CloseAll() error {
	h.mu.Lock()
	handles := h.handles
	h.handles = make(map[string]*Handle)
	h.metrics.SetConnections(0)
	h.mu.Unlock()

	var result *multierror.Error
	for id, handle := range handles {
		if err := handle.Transport.Close(); err != nil && !errors.Is(err, ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

func (h *Hub) closeHandle(handle *Handle, reason string) {
	if err := handle.Transport.Close(); err != nil && !errors.Is(err, ErrClosed) {
		h.logger.Error(err, "failed to close transport", "session_id", handle.SessionID, "reason", reason)
		return
	}
	h.logger.V(1).Info("transport closed", "session_id", handle.SessionID, "run_id", handle.RunID, "reason", reason)
}

func (h *Hub) current(handle *Handle) (Sink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink, h.handles[handle.SessionID] == handle
}

// dropClosed forgets handle if it is still current.
func (h *Hub) dropClosed(handle *Handle) (Sink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handles[handle.SessionID] != handle {
		return h.sink, false
	}
	delete(h.handles, handle.SessionID)
	h.metrics.SetConnections(len(h.handles))
	return h.sink, true
}

// receiver forwards one transport's traffic while it is current.
type receiver struct {
	hub    *Hub
	handle *Handle
}

func (r *receiver) Frame(data []byte) {
	sink, ok := r.hub.current(r.handle)
	if !ok || sink == nil {
		return
	}
	sink.HandleFrame(r.handle.SessionID, data)
}

func (r *receiver) Closed(err error) {
	sink, ok := r.hub.dropClosed(r.handle)
	if !ok {
		return
	}
	r.hub.logger.Info("transport lost", "session_id", r.handle.SessionID, "run_id", r.handle.RunID, "error", fmt.Sprint(err))
	if sink != nil {
		sink.HandleClosed(r.handle.SessionID, err)
	}
}

// ErrClosed is returned by transports that are already closed.
var ErrClosed = errors.New("transport closed")
