// Package hubtest provides in-memory transports for tests.
package hubtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/runsync/internal/hub"
)

// Transport is a controllable hub.Transport.
type Transport struct {
	SessionID string
	RunID     string

	id    string
	rx    hub.Receiver
	ready chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	readyOnce sync.Once
	doneOnce  sync.Once
	sent      []any
	sendErr   error
	onSend    func(v any)
	err       error
	closed    bool
}

// NewTransport creates a transport that delivers to rx.
func NewTransport(id, sessionID, runID string, rx hub.Receiver) *Transport {
	return &Transport{
		SessionID: sessionID,
		RunID:     runID,
		id:        id,
		rx:        rx,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (t *Transport) ID() string             { return t.id }
func (t *Transport) Ready() <-chan struct{} { return t.ready }
func (t *Transport) Done() <-chan struct{}  { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Open marks the transport as open.
func (t *Transport) Open() {
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *Transport) Send(_ context.Context, v any) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return hub.ErrClosed
	}
	if t.sendErr != nil {
		t.mu.Unlock()
		return t.sendErr
	}
	t.sent = append(t.sent, v)
	onSend := t.onSend
	t.mu.Unlock()

	// Runs before Send returns, like a backend answering faster than the
	// write completes.
	if onSend != nil {
		onSend(v)
	}
	return nil
}

// OnSend registers fn to run inside every successful Send.
func (t *Transport) OnSend(fn func(v any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return hub.ErrClosed
	}
	t.closed = true
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

// Deliver pushes an inbound frame through the hub.
func (t *Transport) Deliver(data []byte) {
	t.rx.Frame(data)
}

// Drop simulates the remote side closing the connection.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	t.closed = true
	t.err = err
	t.doneOnce.Do(func() { close(t.done) })
	t.mu.Unlock()
	t.rx.Closed(err)
}

// SetSendError makes subsequent sends fail with err.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Sent returns everything sent so far.
func (t *Transport) Sent() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.sent...)
}

// Closed reports whether the transport has been closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Dialer records every transport it opens.
type Dialer struct {
	// AutoOpen opens each transport as soon as it is dialed.
	AutoOpen bool
	// Err fails every dial when set.
	Err error

	mu         sync.Mutex
	transports []*Transport
}

func (d *Dialer) Dial(sessionID, runID string, rx hub.Receiver) (hub.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	t := NewTransport(fmt.Sprintf("fake-%d", len(d.transports)+1), sessionID, runID, rx)
	if d.AutoOpen {
		t.Open()
	}
	d.transports = append(d.transports, t)
	return t, nil
}

// Transports returns all dialed transports in order.
func (d *Dialer) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}

// Last returns the most recently dialed transport.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// ErrDropped is a convenience close cause.
var ErrDropped = errors.New("connection dropped")
