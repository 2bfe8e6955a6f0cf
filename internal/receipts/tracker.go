package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/events"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/observability"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"go.uber.org/zap"
)

const (
	EventMessageRead       = "message_read"
	EventBatchReadReceipts = "batch_read_receipts"
)

// Emitter is the outbound half of the connection.
type Emitter interface {
	Emit(event string, payload any, ack transport.AckFunc) error
}

// StatusChange is one observed step of a message's status.
type StatusChange struct {
	RoomID    string
	MessageID string
	From      messages.Status
	To        messages.Status
	At        time.Time
}

type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Tracker drives message status through the store. Forward jumps are
// expanded so listeners see every intermediate status.
type Tracker struct {
	store   *store.Store
	emitter Emitter
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	userID string

	listeners *events.Registry[StatusChange]
}

func NewTracker(st *store.Store, emitter Emitter, opts Options) *Tracker {
	logger := logging.OrNop(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store:     st,
		emitter:   emitter,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
		listeners: events.NewRegistry[StatusChange]("status", logger),
	}
}

// SetUser names the local user; read receipts are never sent for their own
// messages.
func (t *Tracker) SetUser(userID string) {
	t.mu.Lock()
	t.userID = userID
	t.mu.Unlock()
}

func (t *Tracker) Subscribe(fn func(StatusChange)) (unsubscribe func()) {
	return t.listeners.Subscribe(fn)
}

// Transition moves a message to status `to`, stepping through every
// intermediate status. It reports false with no error when the message is
// unknown.
func (t *Tracker) Transition(roomID, messageID string, to messages.Status) (bool, error) {
	m, ok := t.store.Message(roomID, messageID)
	if !ok {
		return false, nil
	}

	path, err := messages.Path(m.Status, to)
	if err != nil {
		return false, err
	}

	from := m.Status
	for _, step := range path {
		at := t.now()
		var patch store.Patch
		switch step {
		case messages.StatusDelivered:
			patch.DeliveredAt = &at
		case messages.StatusRead:
			patch.ReadAt = &at
		}

		updated, err := t.store.UpdateMessageStatus(roomID, messageID, step, patch)
		if err != nil {
			return false, err
		}
		if !updated {
			return false, nil
		}

		change := StatusChange{RoomID: roomID, MessageID: messageID, From: from, To: step, At: at}
		t.metrics.RecordListenerFailures("status", t.listeners.Publish(change))
		from = step
	}
	return true, nil
}

// Confirm swaps a provisional message for the server's copy and marks it
// sent. A provisional that was queued or failed meanwhile passes through
// sending first. A server copy already further along is followed through.
func (t *Tracker) Confirm(roomID, tempID string, confirmed *messages.Message) error {
	c := confirmed.Clone()
	target := c.Status
	c.Status = ""

	if m, ok := t.store.Message(roomID, tempID); ok && messages.CanTransition(m.Status, messages.StatusSending) {
		if _, err := t.Transition(roomID, tempID, messages.StatusSending); err != nil {
			return err
		}
	}

	if !t.store.ReplaceTemporary(roomID, tempID, c) {
		t.logger.Debug("temporary message already replaced",
			zap.String("room_id", roomID),
			zap.String("temp_id", tempID),
		)
	}

	if _, err := t.Transition(roomID, c.ID, messages.StatusSent); err != nil {
		return err
	}
	if target != "" && messages.Reached(target, messages.StatusDelivered) {
		if _, err := t.Transition(roomID, c.ID, target); err != nil {
			return err
		}
	}
	return nil
}

// HandleDelivered applies a message_delivered event. Unknown ids and
// messages already past delivered are ignored.
func (t *Tracker) HandleDelivered(roomID, messageID string) bool {
	return t.advance(roomID, messageID, messages.StatusDelivered)
}

// HandleRead applies a message_read event from the server.
func (t *Tracker) HandleRead(roomID, messageID string) bool {
	return t.advance(roomID, messageID, messages.StatusRead)
}

func (t *Tracker) advance(roomID, messageID string, to messages.Status) bool {
	m, ok := t.store.Message(roomID, messageID)
	if !ok {
		t.logger.Debug("receipt for unknown message",
			zap.String("room_id", roomID),
			zap.String("message_id", messageID),
			zap.String("status", string(to)),
		)
		return false
	}
	if messages.Reached(m.Status, to) {
		return false
	}

	ok, err := t.Transition(roomID, messageID, to)
	if err != nil {
		t.logger.Debug("receipt ignored",
			zap.String("room_id", roomID),
			zap.String("message_id", messageID),
			zap.String("from", string(m.Status)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return false
	}
	if ok {
		t.metrics.RecordReadReceipt(string(to))
	}
	return ok
}

// MarkRead optimistically marks the given messages read and tells the server
// with a single event: message_read for one id, batch_read_receipts for
// more. Own messages, unknown ids and messages already read are skipped.
// The room's LastReadAt advances even when the emit fails.
func (t *Tracker) MarkRead(ctx context.Context, roomID string, ids []string) error {
	t.mu.RLock()
	self := t.userID
	t.mu.RUnlock()

	at := t.now()
	seen := make(map[string]struct{}, len(ids))
	var marked []string
	latest := time.Time{}

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m, ok := t.store.Message(roomID, id)
		if !ok || m.IsTemporary || (self != "" && m.SenderID == self) {
			continue
		}
		if m.Status == messages.StatusRead {
			continue
		}
		if _, err := t.Transition(roomID, id, messages.StatusRead); err != nil {
			logging.FromContext(ctx).Debug("cannot mark read",
				zap.String("room_id", roomID),
				zap.String("message_id", id),
				zap.Error(err),
			)
			continue
		}
		marked = append(marked, id)
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}

	if len(marked) == 0 {
		return nil
	}
	if latest.IsZero() || latest.After(at) {
		latest = at
	}
	t.store.MarkRoomRead(roomID, latest)

	var err error
	if len(marked) == 1 {
		err = t.emitter.Emit(EventMessageRead, map[string]any{
			"roomId":    roomID,
			"messageId": marked[0],
			"readAt":    at,
		}, nil)
		t.metrics.RecordReadReceipt("single")
	} else {
		err = t.emitter.Emit(EventBatchReadReceipts, map[string]any{
			"roomId":     roomID,
			"messageIds": marked,
			"readAt":     at,
		}, nil)
		t.metrics.RecordReadReceipt("batch")
	}
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Debug("read receipts sent",
		zap.String("room_id", roomID),
		zap.Int("count", len(marked)),
	)
	return nil
}
