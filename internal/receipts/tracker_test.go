package receipts

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/storage"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emit struct {
	event   string
	payload map[string]any
}

type fakeEmitter struct {
	mu    sync.Mutex
	emits []emit
	err   error
}

func (f *fakeEmitter) Emit(event string, payload any, _ transport.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := payload.(map[string]any)
	f.emits = append(f.emits, emit{event: event, payload: p})
	return f.err
}

func (f *fakeEmitter) all() []emit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emit(nil), f.emits...)
}

func setup(t *testing.T) (*store.Store, *Tracker, *fakeEmitter) {
	t.Helper()
	st := store.Open(context.Background(), storage.NewMemory(), store.Options{})
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	em := &fakeEmitter{}
	tr := NewTracker(st, em, Options{})
	tr.SetUser("me")
	return st, tr, em
}

func inbound(id, sender string, at time.Time) *messages.Message {
	return &messages.Message{ID: id, SenderID: sender, Content: id, Type: messages.TypeText, Timestamp: at}
}

func record(tr *Tracker) *[]StatusChange {
	var mu sync.Mutex
	var changes []StatusChange
	tr.Subscribe(func(c StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	return &changes
}

func statuses(changes []StatusChange) []messages.Status {
	out := make([]messages.Status, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.To)
	}
	return out
}

func TestReadExpandsThroughDelivered(t *testing.T) {
	st, tr, _ := setup(t)
	st.AddMessage("r1", inbound("m1", "me", time.Now()))
	changes := record(tr)

	assert.True(t, tr.HandleRead("r1", "m1"))
	assert.Equal(t, []messages.Status{messages.StatusDelivered, messages.StatusRead}, statuses(*changes))

	m, _ := st.Message("r1", "m1")
	assert.Equal(t, messages.StatusRead, m.Status)
	require.NotNil(t, m.DeliveredAt)
	require.NotNil(t, m.ReadAt)
	assert.False(t, m.ReadAt.Before(*m.DeliveredAt))

	assert.False(t, tr.HandleDelivered("r1", "m1"))
	assert.Len(t, *changes, 2)
}

func TestSendingCannotJumpToRead(t *testing.T) {
	st, tr, _ := setup(t)
	temp := messages.NewProvisional("r1", "me", messages.Draft{Content: "hi"}, time.Now())
	st.AddMessage("r1", temp)

	_, err := tr.Transition("r1", temp.ID, messages.StatusRead)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.False(t, tr.HandleRead("r1", temp.ID))

	m, _ := st.Message("r1", temp.ID)
	assert.Equal(t, messages.StatusSending, m.Status)
}

func TestDeliveredForUnknownMessageIsNoop(t *testing.T) {
	st, tr, _ := setup(t)
	changes := record(tr)

	assert.False(t, tr.HandleDelivered("r1", "m1"))
	assert.Empty(t, st.RoomMessages("r1"))
	assert.Empty(t, *changes)

	ok, err := tr.Transition("r1", "m1", messages.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirmReplacesAndMarksSent(t *testing.T) {
	st, tr, _ := setup(t)
	temp := messages.NewProvisional("r1", "me", messages.Draft{Content: "hi"}, time.Now())
	st.AddMessage("r1", temp)
	changes := record(tr)

	require.NoError(t, tr.Confirm("r1", temp.ID, &messages.Message{ID: "srv-1", Content: "hi"}))

	list := st.RoomMessages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, "srv-1", list[0].ID)
	assert.Equal(t, messages.StatusSent, list[0].Status)
	require.Len(t, *changes, 1)
	assert.Equal(t, messages.StatusSending, (*changes)[0].From)
	assert.Equal(t, messages.StatusSent, (*changes)[0].To)
}

func TestConfirmQueuedPassesThroughSending(t *testing.T) {
	st, tr, _ := setup(t)
	temp := messages.NewProvisional("r1", "me", messages.Draft{Content: "hi"}, time.Now())
	st.AddMessage("r1", temp)
	_, err := tr.Transition("r1", temp.ID, messages.StatusQueued)
	require.NoError(t, err)
	changes := record(tr)

	require.NoError(t, tr.Confirm("r1", temp.ID, &messages.Message{ID: "srv-1"}))

	assert.Equal(t, []messages.Status{messages.StatusSending, messages.StatusSent}, statuses(*changes))
	assert.Equal(t, temp.ID, (*changes)[0].MessageID)
	assert.Equal(t, "srv-1", (*changes)[1].MessageID)
	m, ok := st.Message("r1", "srv-1")
	require.True(t, ok)
	assert.Equal(t, messages.StatusSent, m.Status)
	assert.Equal(t, "hi", m.Content)
}

func TestFailedRetryCycle(t *testing.T) {
	st, tr, _ := setup(t)
	temp := messages.NewProvisional("r1", "me", messages.Draft{Content: "hi"}, time.Now())
	st.AddMessage("r1", temp)

	for _, to := range []messages.Status{messages.StatusFailed, messages.StatusSending, messages.StatusQueued, messages.StatusSending, messages.StatusSent} {
		ok, err := tr.Transition("r1", temp.ID, to)
		require.NoError(t, err, to)
		assert.True(t, ok, to)
	}

	_, err := tr.Transition("r1", temp.ID, messages.StatusQueued)
	assert.Error(t, err)
}

func TestMarkReadSendsOneBatch(t *testing.T) {
	st, tr, em := setup(t)
	base := time.Now().Add(-time.Minute)
	st.UpsertRoom("r1", messages.RoomInfo{Name: "club"})
	st.AddMessage("r1", inbound("a", "alice", base))
	st.AddMessage("r1", inbound("b", "bob", base.Add(time.Second)))
	st.AddMessage("r1", inbound("c", "alice", base.Add(2*time.Second)))
	st.AddMessage("r1", inbound("mine", "me", base.Add(3*time.Second)))

	require.NoError(t, tr.MarkRead(context.Background(), "r1", []string{"a", "b", "c", "mine", "ghost", "a"}))

	emits := em.all()
	require.Len(t, emits, 1)
	assert.Equal(t, EventBatchReadReceipts, emits[0].event)
	assert.Equal(t, []string{"a", "b", "c"}, emits[0].payload["messageIds"])

	for _, id := range []string{"a", "b", "c"} {
		m, _ := st.Message("r1", id)
		assert.Equal(t, messages.StatusRead, m.Status, id)
	}
	mine, _ := st.Message("r1", "mine")
	assert.Equal(t, messages.StatusSent, mine.Status)

	meta, _ := st.Room("r1")
	assert.True(t, meta.LastReadAt.Equal(base.Add(2*time.Second)))

	require.NoError(t, tr.MarkRead(context.Background(), "r1", []string{"a", "b"}))
	assert.Len(t, em.all(), 1)
}

func TestMarkReadSingleUsesMessageRead(t *testing.T) {
	st, tr, em := setup(t)
	st.AddMessage("r1", inbound("a", "alice", time.Now()))

	require.NoError(t, tr.MarkRead(context.Background(), "r1", []string{"a"}))

	emits := em.all()
	require.Len(t, emits, 1)
	assert.Equal(t, EventMessageRead, emits[0].event)
	assert.Equal(t, "a", emits[0].payload["messageId"])
}

func TestMarkReadWhileDisconnectedKeepsLocalState(t *testing.T) {
	st, tr, em := setup(t)
	em.err = apperrors.NotConnected("emit message_read")
	st.AddMessage("r1", inbound("a", "alice", time.Now()))

	err := tr.MarkRead(context.Background(), "r1", []string{"a"})
	assert.True(t, apperrors.IsNotConnected(err))

	m, _ := st.Message("r1", "a")
	assert.Equal(t, messages.StatusRead, m.Status)
}

func TestBatcherCoalescesPasses(t *testing.T) {
	st, tr, em := setup(t)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		st.AddMessage("r1", inbound(id, "alice", now))
	}
	st.AddMessage("r2", inbound("x", "bob", now))

	b := NewBatcher(tr, 20*time.Millisecond)
	b.Report("r1", "a", "b")
	b.Report("r1", "b", "c")
	b.Report("r2", "x")

	require.Eventually(t, func() bool { return len(em.all()) == 2 }, time.Second, 5*time.Millisecond)

	emits := em.all()
	assert.Equal(t, EventBatchReadReceipts, emits[0].event)
	assert.Equal(t, []string{"a", "b", "c"}, emits[0].payload["messageIds"])
	assert.Equal(t, EventMessageRead, emits[1].event)

	require.NoError(t, b.Stop(context.Background()))
	b.Report("r1", "a")
	require.NoError(t, b.Flush(context.Background()))
	assert.Len(t, em.all(), 2)
}
