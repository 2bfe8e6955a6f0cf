package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rallyclub/rally/internal/auth"
	apperrors "github.com/rallyclub/rally/internal/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEvents struct {
	mu       sync.Mutex
	events   []string
	reasons  []string
	received chan struct{}
	dropped  chan struct{}
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		received: make(chan struct{}, 16),
		dropped:  make(chan struct{}, 1),
	}
}

func (r *recordingEvents) OnEvent(event string, data json.RawMessage) {
	r.mu.Lock()
	r.events = append(r.events, event+":"+string(data))
	r.mu.Unlock()
	r.received <- struct{}{}
}

func (r *recordingEvents) OnDisconnect(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	r.dropped <- struct{}{}
}

// chatServer acks send_message, echoes "hello" as a message event and, on
// "bye", sends a disconnect frame then closes.
func chatServer(authHeader chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authHeader != nil {
			authHeader <- r.Header.Get("Authorization")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Event {
			case "send_message":
				_ = conn.WriteJSON(Frame{Event: EventAck, Ack: frame.Ack, Data: json.RawMessage(`{"message":{"id":"srv-1"}}`)})
			case "hello":
				_ = conn.WriteJSON(Frame{Event: "message", Data: json.RawMessage(`{"roomId":"r1"}`)})
			case "bye":
				_ = conn.WriteJSON(Frame{Event: EventDisconnect, Data: json.RawMessage(`{"reason":"io server disconnect"}`)})
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			case "drop":
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket callback")
	}
}

func TestWebsocketAckAndEvents(t *testing.T) {
	authHeader := make(chan string, 1)
	srv := chatServer(authHeader)
	defer srv.Close()

	ev := newRecordingEvents()
	d := &WebsocketDialer{URL: wsURL(srv)}
	sock, err := d.Dial(context.Background(), "tok-123", ev)
	require.NoError(t, err)
	defer sock.Close()

	acked := make(chan json.RawMessage, 1)
	require.NoError(t, sock.Emit("send_message", map[string]string{"content": "<b>hi</b>"}, func(data json.RawMessage, err error) {
		assert.NoError(t, err)
		acked <- data
	}))

	select {
	case data := <-acked:
		assert.JSONEq(t, `{"message":{"id":"srv-1"}}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
	assert.Equal(t, "Bearer tok-123", <-authHeader)

	require.NoError(t, sock.Emit("hello", nil, nil))
	waitFor(t, ev.received)

	ev.mu.Lock()
	assert.Equal(t, []string{`message:{"roomId":"r1"}`}, ev.events)
	ev.mu.Unlock()
}

func TestWebsocketServerDisconnectReason(t *testing.T) {
	srv := chatServer(nil)
	defer srv.Close()

	ev := newRecordingEvents()
	sock, err := (&WebsocketDialer{URL: wsURL(srv)}).Dial(context.Background(), "tok", ev)
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, sock.Emit("bye", nil, nil))
	waitFor(t, ev.dropped)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Equal(t, []string{ReasonServer}, ev.reasons)
}

func TestWebsocketDroppedConnectionIsTransient(t *testing.T) {
	srv := chatServer(nil)
	defer srv.Close()

	ev := newRecordingEvents()
	sock, err := (&WebsocketDialer{URL: wsURL(srv)}).Dial(context.Background(), "tok", ev)
	require.NoError(t, err)
	defer sock.Close()

	pendingErr := make(chan error, 1)
	require.NoError(t, sock.Emit("drop", nil, func(_ json.RawMessage, err error) { pendingErr <- err }))
	waitFor(t, ev.dropped)

	ev.mu.Lock()
	reason := ev.reasons[0]
	ev.mu.Unlock()
	assert.True(t, IsTransient(reason), reason)

	select {
	case err := <-pendingErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack not failed")
	}
}

func TestWebsocketUnansweredAckExpires(t *testing.T) {
	srv := chatServer(nil)
	defer srv.Close()

	ev := newRecordingEvents()
	sock, err := (&WebsocketDialer{URL: wsURL(srv), AckTimeout: 50 * time.Millisecond}).Dial(context.Background(), "tok", ev)
	require.NoError(t, err)
	defer sock.Close()
	ws := sock.(*wsSocket)

	pendingCount := func() int {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return len(ws.pending)
	}

	expired := make(chan error, 1)
	require.NoError(t, sock.Emit("ignored", nil, func(_ json.RawMessage, err error) { expired <- err }))
	assert.Equal(t, 1, pendingCount())

	select {
	case err := <-expired:
		assert.ErrorIs(t, err, apperrors.ErrAckTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("ack never expired")
	}
	assert.Equal(t, 0, pendingCount())

	acked := make(chan error, 1)
	require.NoError(t, sock.Emit("send_message", nil, func(_ json.RawMessage, err error) { acked <- err }))
	select {
	case err := <-acked:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
	assert.Equal(t, 0, pendingCount())

	select {
	case err := <-acked:
		t.Fatalf("answered ack fired twice: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebsocketLocalClose(t *testing.T) {
	srv := chatServer(nil)
	defer srv.Close()

	ev := newRecordingEvents()
	sock, err := (&WebsocketDialer{URL: wsURL(srv)}).Dial(context.Background(), "tok", ev)
	require.NoError(t, err)

	require.NoError(t, sock.Close())
	waitFor(t, ev.dropped)

	ev.mu.Lock()
	assert.Equal(t, []string{ReasonClient}, ev.reasons)
	ev.mu.Unlock()

	assert.Error(t, sock.Emit("hello", nil, nil))
}

func TestWebsocketConnectorEndToEnd(t *testing.T) {
	srv := chatServer(nil)
	defer srv.Close()

	opts := fastOptions()
	opts.AckTimeout = 2 * time.Second
	c := NewConnector(&WebsocketDialer{URL: wsURL(srv)}, auth.Static("tok"), opts)
	defer c.Close()

	require.NoError(t, c.Initialize(context.Background(), "u1"))

	data, err := c.Request(context.Background(), "send_message", map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "srv-1")
}
