package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rallyclub/rally/internal/auth"
	apperrors "github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/notify"
	"github.com/rallyclub/rally/internal/queue"
	"github.com/rallyclub/rally/internal/receipts"
	"github.com/rallyclub/rally/internal/retry"
	"github.com/rallyclub/rally/internal/rooms"
	"github.com/rallyclub/rally/internal/storage"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer plays the chat server behind a transport.Dialer.
type fakeServer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	nextID  int
	reject  string
	silent  bool
	down    bool

	// echoFirst broadcasts the stored message before acknowledging it.
	echoFirst bool
}

func (f *fakeServer) Dial(_ context.Context, _ string, ev transport.Events) (transport.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, fmt.Errorf("connection refused")
	}
	s := &fakeSocket{srv: f, events: ev}
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeServer) set(fn func(*fakeServer)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeServer) socket() *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[len(f.sockets)-1]
}

// emitted returns every event name received across all sockets.
func (f *fakeServer) emitted() []string {
	f.mu.Lock()
	sockets := append([]*fakeSocket(nil), f.sockets...)
	f.mu.Unlock()

	var out []string
	for _, s := range sockets {
		s.mu.Lock()
		out = append(out, s.received...)
		s.mu.Unlock()
	}
	return out
}

func (f *fakeServer) count(event string) int {
	n := 0
	for _, e := range f.emitted() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeSocket struct {
	srv    *fakeServer
	events transport.Events

	mu       sync.Mutex
	received []string
	sent     []map[string]any
}

func (s *fakeSocket) Emit(event string, payload any, ack transport.AckFunc) error {
	raw, _ := json.Marshal(payload)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	s.mu.Lock()
	s.received = append(s.received, event)
	s.sent = append(s.sent, body)
	s.mu.Unlock()

	if event != EventSendMessage || ack == nil {
		return nil
	}

	s.srv.mu.Lock()
	reject, silent, echoFirst := s.srv.reject, s.srv.silent, s.srv.echoFirst
	s.srv.nextID++
	id := fmt.Sprintf("srv-%d", s.srv.nextID)
	s.srv.mu.Unlock()

	if silent {
		return nil
	}

	if reject != "" {
		reply, _ := json.Marshal(map[string]any{"error": reject})
		go ack(reply, nil)
		return nil
	}

	stored := map[string]any{
		"id":          id,
		"roomId":      body["roomId"],
		"content":     body["content"],
		"messageType": body["messageType"],
		"tempId":      body["tempId"],
		"senderId":    "me",
		"timestamp":   time.Now(),
	}
	reply, _ := json.Marshal(map[string]any{"message": stored})
	if !echoFirst {
		go ack(reply, nil)
		return nil
	}

	echo, _ := json.Marshal(map[string]any{"roomId": body["roomId"], "message": stored})
	go func() {
		s.events.OnEvent(EventMessage, echo)
		ack(reply, nil)
	}()
	return nil
}

func (s *fakeSocket) Close() error { return nil }

func (s *fakeSocket) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	s.events.OnEvent(event, data)
}

type harness struct {
	svc     *Service
	conn    *transport.Connector
	srv     *fakeServer
	store   *store.Store
	queue   *queue.Queue
	notes   chan notify.Notification
	changes *statusLog
}

type statusLog struct {
	mu      sync.Mutex
	changes []receipts.StatusChange
}

func (l *statusLog) add(c receipts.StatusChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *statusLog) path(messageID string) []messages.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []messages.Status
	for _, c := range l.changes {
		if c.MessageID == messageID {
			out = append(out, c.To)
		}
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemory()
	srv := &fakeServer{}

	conn := transport.NewConnector(srv, auth.Static("tok"), transport.Options{
		ConnectTimeout: time.Second,
		AckTimeout:     100 * time.Millisecond,
		Backoff:        retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
	})
	st := store.Open(ctx, kv, store.Options{})
	q := queue.Open(ctx, kv, queue.Options{})
	tracker := receipts.NewTracker(st, conn, receipts.Options{})
	coord := rooms.NewCoordinator(conn, st, rooms.Options{})

	notes := make(chan notify.Notification, 8)
	policy := notify.NewPolicy(notify.LogSender{}, notify.Options{})
	bridge := notify.BridgeFunc(func(_ context.Context, n notify.Notification) {
		if _, ok := policy.Decide(n); ok {
			notes <- n
		}
	})

	svc := New(Deps{
		Conn:              conn,
		Store:             st,
		Queue:             q,
		Tracker:           tracker,
		Rooms:             coord,
		Bridge:            bridge,
		ReadBatchInterval: 10 * time.Millisecond,
	})
	log := &statusLog{}
	svc.OnStatus(log.add)

	t.Cleanup(func() {
		_ = svc.Stop(ctx)
		coord.Close()
		_ = st.Close(ctx)
	})

	return &harness{svc: svc, conn: conn, srv: srv, store: st, queue: q, notes: notes, changes: log}
}

// start connects as "me" and waits for the replay that follows connecting.
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background(), "me"))
	h.svc.wg.Wait()
}

func TestQueuedWhileOfflineThenSentOnConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, messages.StatusQueued, m.Status)
	assert.Equal(t, 1, h.queue.Len("r1"))
	assert.Equal(t, 0, h.srv.count(EventSendMessage))

	h.start(t)

	assert.Equal(t, 0, h.queue.Len("r1"))
	list := h.svc.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, messages.StatusSent, list[0].Status)
	assert.Equal(t, "srv-1", list[0].ID)
	assert.False(t, list[0].IsTemporary)
	assert.Equal(t, "hello", list[0].Content)

	assert.Equal(t, []messages.Status{
		messages.StatusQueued, messages.StatusSending,
	}, h.changes.path(m.ID))
	assert.Equal(t, []messages.Status{messages.StatusSent}, h.changes.path("srv-1"))
}

func TestSendWhileConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "<b>rally</b> at 7"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", m.ID)
	assert.Equal(t, messages.StatusSent, m.Status)

	sock := h.srv.socket()
	sock.mu.Lock()
	body := sock.sent[len(sock.sent)-1]
	sock.mu.Unlock()
	assert.Equal(t, "r1", body["roomId"])
	assert.Equal(t, "text", body["messageType"])
	assert.Contains(t, body["tempId"], "temp_")
	assert.Equal(t, []any{}, body["attachments"])
}

func TestRejectedSendFailsThenRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	h.srv.set(func(f *fakeServer) { f.reject = "message too long" })
	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServerRejected)
	assert.Equal(t, messages.StatusFailed, m.Status)
	assert.Equal(t, 0, h.queue.Len("r1"))

	h.srv.set(func(f *fakeServer) { f.reject = "" })
	retried, err := h.svc.RetryMessage(ctx, "r1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusSent, retried.Status)

	_, err = h.svc.RetryMessage(ctx, "r1", retried.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	_, err = h.svc.RetryMessage(ctx, "r1", "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUnacknowledgedSendIsQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	h.srv.set(func(f *fakeServer) { f.silent = true })
	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, messages.StatusQueued, m.Status)
	assert.Equal(t, 1, h.queue.Len("r1"))

	h.srv.set(func(f *fakeServer) { f.silent = false })
	outcomes, err := h.svc.ProcessOfflineQueue(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, queue.OutcomeSent, outcomes[0].Kind)
}

func TestEchoAfterUnacknowledgedSendSettlesQueuedCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	h.srv.set(func(f *fakeServer) { f.silent = true })
	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "see you at the net"})
	require.NoError(t, err)
	require.Equal(t, messages.StatusQueued, m.Status)
	require.Equal(t, 1, h.queue.Len("r1"))

	h.srv.socket().push(t, EventMessage, map[string]any{
		"roomId": "r1",
		"message": map[string]any{
			"id": "srv-1", "roomId": "r1", "tempId": m.ID, "senderId": "me",
			"content": "see you at the net", "timestamp": time.Now(),
		},
	})

	assert.Equal(t, 0, h.queue.Len("r1"))
	assert.Equal(t, []messages.Status{messages.StatusQueued, messages.StatusSending}, h.changes.path(m.ID))
	assert.Equal(t, []messages.Status{messages.StatusSent}, h.changes.path("srv-1"))

	list := h.svc.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, "srv-1", list[0].ID)
	assert.Equal(t, m.ID, list[0].TempID)
	assert.False(t, list[0].IsTemporary)
	assert.Equal(t, messages.StatusSent, list[0].Status)

	h.srv.set(func(f *fakeServer) { f.silent = false })
	outcomes, err := h.svc.ProcessOfflineQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 1, h.srv.count(EventSendMessage))

	select {
	case n := <-h.notes:
		t.Fatalf("unexpected notification for own message %s", n.Message.ID)
	default:
	}
}

func TestEchoBeforeAckPublishesSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	h.srv.set(func(f *fakeServer) { f.echoFirst = true })
	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "rematch?"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", m.ID)
	assert.Equal(t, messages.StatusSent, m.Status)

	assert.Equal(t, []messages.Status{messages.StatusSent}, h.changes.path("srv-1"))
	assert.Empty(t, h.changes.path(m.TempID))
	assert.Len(t, h.svc.Messages("r1"), 1)
	assert.Equal(t, 0, h.queue.Len("r1"))
}

func TestDrainDropsEntryConfirmedMeanwhile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "x"})
	require.NoError(t, err)
	require.Equal(t, 1, h.queue.Len("r1"))

	require.NoError(t, h.svc.tracker.Confirm("r1", m.ID, &messages.Message{ID: "srv-9", SenderID: "me"}))
	h.start(t)

	assert.Equal(t, 0, h.queue.Len("r1"))
	assert.Equal(t, 0, h.srv.count(EventSendMessage))
	cur, ok := h.store.Message("r1", "srv-9")
	require.True(t, ok)
	assert.Equal(t, messages.StatusSent, cur.Status)
}

func TestQueuedMessageFailsAfterRetryCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "x"})
	require.NoError(t, err)

	h.srv.set(func(f *fakeServer) { f.reject = "room closed" })
	h.start(t)

	assert.Equal(t, 1, h.srv.count(EventSendMessage))
	cur, _ := h.store.Message("r1", m.ID)
	assert.Equal(t, messages.StatusQueued, cur.Status)

	for i := 0; i < 2; i++ {
		_, err := h.svc.ProcessOfflineQueue(ctx)
		require.NoError(t, err)
	}

	cur, _ = h.store.Message("r1", m.ID)
	assert.Equal(t, messages.StatusFailed, cur.Status)
	assert.Equal(t, 0, h.queue.Len("r1"))
	assert.Equal(t, 3, h.srv.count(EventSendMessage))

	_, err = h.svc.ProcessOfflineQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.srv.count(EventSendMessage))
}

func TestInboundMessageNotifiesAndAcceptsReceipts(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	sock := h.srv.socket()

	sock.push(t, EventMessageDelivered, map[string]string{"roomId": "r1", "messageId": "m1"})
	assert.Empty(t, h.svc.Messages("r1"))

	sock.push(t, EventMessage, map[string]any{
		"roomId": "r1",
		"message": map[string]any{
			"id": "m1", "roomId": "r1", "senderId": "alice", "senderName": "Alice",
			"content": "court 3 is free", "messageType": "text", "timestamp": time.Now(),
		},
	})

	list := h.svc.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, messages.StatusSent, list[0].Status)

	select {
	case n := <-h.notes:
		assert.Equal(t, "m1", n.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	h.svc.SetActiveRoom("r1")
	sock.push(t, EventMessage, map[string]any{
		"id": "m2", "roomId": "r1", "senderId": "alice", "content": "bare", "timestamp": time.Now(),
	})
	assert.Len(t, h.svc.Messages("r1"), 2)
	select {
	case n := <-h.notes:
		t.Fatalf("unexpected notification for %s", n.Message.ID)
	default:
	}

	sock.push(t, EventMessageRead, map[string]string{"roomId": "r1", "messageId": "m1"})
	assert.Equal(t, []messages.Status{messages.StatusDelivered, messages.StatusRead}, h.changes.path("m1"))

	sock.events.OnEvent(EventMessage, json.RawMessage(`{not json`))
	assert.Len(t, h.svc.Messages("r1"), 2)
}

func TestHistoryTypingAndPresence(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	sock := h.srv.socket()

	sock.push(t, EventMessageHistory, map[string]any{
		"roomId": "r1",
		"messages": []map[string]any{
			{"id": "h1", "content": "one", "timestamp": time.Now()},
			{"id": "h2", "content": "two", "timestamp": time.Now()},
		},
	})
	assert.Len(t, h.svc.Messages("r1"), 2)

	sock.push(t, EventTyping, rooms.TypingEvent{RoomID: "r1", UserID: "bob", IsTyping: true})
	require.Len(t, h.svc.rooms.TypingUsers("r1"), 1)

	sock.push(t, EventMessage, map[string]any{"id": "h3", "roomId": "r1", "senderId": "bob", "content": "hi"})
	assert.Empty(t, h.svc.rooms.TypingUsers("r1"))

	sock.push(t, EventOnlineUsers, rooms.PresenceEvent{RoomID: "r1", Users: []rooms.User{{UserID: "bob"}}})
	assert.Len(t, h.svc.rooms.OnlineUsers("r1"), 1)
}

func TestMarkViewedBatchesReceipts(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	sock := h.srv.socket()

	for _, id := range []string{"a", "b"} {
		sock.push(t, EventMessage, map[string]any{"id": id, "roomId": "r1", "senderId": "alice", "content": id})
	}

	h.svc.MarkViewed("r1", "a")
	h.svc.MarkViewed("r1", "b")

	require.Eventually(t, func() bool {
		return h.srv.count(receipts.EventBatchReadReceipts) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.srv.count(receipts.EventMessageRead))
}

func TestJoinWhileDisconnectedAndRejoinOnReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err1 := h.svc.JoinRoom(ctx, "r1", messages.RoomInfo{Name: "club"})
	_, err2 := h.svc.JoinRoom(ctx, "r1", messages.RoomInfo{Name: "club"})
	assert.True(t, apperrors.IsNotConnected(err1))
	assert.Equal(t, err1.Error(), err2.Error())

	h.start(t)
	_, err := h.svc.JoinRoom(ctx, "r1", messages.RoomInfo{Name: "club"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.srv.count(rooms.EventJoinRoom))

	first := h.srv.socket()
	first.events.OnDisconnect(transport.ReasonTransportClose)

	require.Eventually(t, func() bool {
		return h.conn.IsConnected() && h.srv.socket() != first && h.srv.count(rooms.EventJoinRoom) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteMessageDropsQueuedCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "oops"})
	require.NoError(t, err)

	assert.True(t, h.svc.DeleteMessage(ctx, "r1", m.ID))
	assert.Equal(t, 0, h.queue.Len("r1"))
	assert.Empty(t, h.svc.Messages("r1"))
}

func TestSendValidatesDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "   "})
	assert.Equal(t, apperrors.Code(apperrors.BadRequest("")), apperrors.Code(err))

	_, err = h.svc.SendMessage(ctx, "r1", messages.Draft{Content: "x", Type: "video"})
	assert.Error(t, err)

	_, err = h.svc.SendMessage(ctx, "", messages.Draft{Content: "x"})
	assert.Error(t, err)
}

func TestParseAck(t *testing.T) {
	m, err := parseAck(json.RawMessage(`{"message":{"id":"s1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", m.ID)

	_, err = parseAck(json.RawMessage(`{"error":{"message":"slow down"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")

	_, err = parseAck(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, apperrors.ErrServerRejected)

	_, err = parseAck(json.RawMessage(`nope`))
	assert.Error(t, err)
}
