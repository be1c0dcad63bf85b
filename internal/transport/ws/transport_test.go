package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) Frame(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(data))
}

func (r *recorder) Closed(err error) {
	r.closed <- err
}

func (r *recorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

// newRunServer echoes every frame back and records the request query.
func newRunServer(t *testing.T, onConn func(*websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	queries := make(chan string, 4)

	e := echo.New()
	e.GET("/api/ws/runs/:run_id", func(c echo.Context) error {
		queries <- c.Param("run_id") + "?" + c.QueryString()
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		onConn(conn)
		return nil
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, queries
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitReady(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not become ready")
	}
}

func TestDialSendAndReceive(t *testing.T) {
	srv, queries := newRunServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	d := NewDialer(Options{BaseURL: wsBase(srv), UserID: "alice@example.com", ConnectTimeout: time.Second})
	rx := newRecorder()
	tr, err := d.Dial("s1", "42", rx)
	require.NoError(t, err)
	waitReady(t, tr.Ready())

	assert.Equal(t, "42?user_id=alice%40example.com", <-queries)

	require.NoError(t, tr.Send(context.Background(), map[string]string{"type": "pause"}))
	assert.Eventually(t, func() bool {
		frames := rx.Frames()
		return len(frames) == 1 && strings.Contains(frames[0], `"pause"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())
	<-tr.Done()
	assert.Error(t, tr.Send(context.Background(), map[string]string{"type": "stop"}))
	assert.Error(t, tr.Close())
}

func TestRemoteCloseNotifiesReceiver(t *testing.T) {
	srv, _ := newRunServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"system","status":"active"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		_ = conn.Close()
	})

	d := NewDialer(Options{BaseURL: wsBase(srv)})
	rx := newRecorder()
	tr, err := d.Dial("s1", "1", rx)
	require.NoError(t, err)

	select {
	case err := <-rx.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not notified")
	}
	<-tr.Done()
	assert.Equal(t, []string{`{"type":"system","status":"active"}`}, rx.Frames())
}

func TestDialFailureClosesTransport(t *testing.T) {
	d := NewDialer(Options{BaseURL: "ws://127.0.0.1:1", ConnectTimeout: 500 * time.Millisecond})
	rx := newRecorder()
	tr, err := d.Dial("s1", "1", rx)
	require.NoError(t, err)

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not close after dial failure")
	}
	assert.Error(t, tr.Err())
	select {
	case <-tr.Ready():
		t.Fatal("failed transport must not be ready")
	default:
	}
}

func TestURL(t *testing.T) {
	d := NewDialer(Options{BaseURL: "wss://example.com/", UserID: "u1"})
	assert.Equal(t, "wss://example.com/api/ws/runs/7?user_id=u1", d.URL("7"))

	d = NewDialer(Options{BaseURL: "ws://localhost:8081"})
	assert.Equal(t, "ws://localhost:8081/api/ws/runs/7", d.URL("7"))
}

func TestDialRequiresBaseURL(t *testing.T) {
	_, err := NewDialer(Options{}).Dial("s1", "1", newRecorder())
	assert.Error(t, err)
}
