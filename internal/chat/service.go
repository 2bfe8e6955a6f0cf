package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/notify"
	"github.com/rallyclub/rally/internal/observability"
	"github.com/rallyclub/rally/internal/queue"
	"github.com/rallyclub/rally/internal/receipts"
	"github.com/rallyclub/rally/internal/rooms"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"go.uber.org/zap"
)

const EventSendMessage = "send_message"

// Connection is the connector surface the service drives.
type Connection interface {
	IsConnected() bool
	Initialize(ctx context.Context, userID string) error
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	On(event string, handler transport.Handler) (unsubscribe func())
	OnStateChange(fn func(transport.StateChange)) (unsubscribe func())
	Disconnect()
}

type Deps struct {
	Conn    Connection
	Store   *store.Store
	Queue   *queue.Queue
	Tracker *receipts.Tracker
	Rooms   *rooms.Coordinator
	Bridge  notify.Bridge

	ReadBatchInterval time.Duration
	Logger            *zap.Logger
	Metrics           *observability.Metrics
	Now               func() time.Time
}

// Service ties the connection, store, offline queue, receipts and rooms
// together into the client chat flow.
type Service struct {
	conn    Connection
	store   *store.Store
	queue   *queue.Queue
	tracker *receipts.Tracker
	rooms   *rooms.Coordinator
	bridge  notify.Bridge
	batcher *receipts.Batcher
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	userID     string
	foreground bool
	activeRoom string
	unsubs     []func()
	started    bool

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(d Deps) *Service {
	bridge := d.Bridge
	if bridge == nil {
		bridge = notify.Nop{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	bg, cancel := context.WithCancel(context.Background())

	return &Service{
		conn:       d.Conn,
		store:      d.Store,
		queue:      d.Queue,
		tracker:    d.Tracker,
		rooms:      d.Rooms,
		bridge:     bridge,
		batcher:    receipts.NewBatcher(d.Tracker, d.ReadBatchInterval),
		logger:     logging.OrNop(d.Logger),
		metrics:    d.Metrics,
		now:        now,
		foreground: true,
		bg:         bg,
		cancel:     cancel,
	}
}

type userSetter interface {
	SetUser(userID string)
}

// Start registers inbound handlers and opens the connection for userID.
// Messages already queued are replayed once the connection is up.
func (s *Service) Start(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.userID = userID
	if !s.started {
		s.started = true
		s.unsubs = append(s.unsubs, s.registerHandlers()...)
		s.unsubs = append(s.unsubs, s.conn.OnStateChange(s.onStateChange))
	}
	s.mu.Unlock()

	s.tracker.SetUser(userID)
	s.rooms.SetUser(userID)
	if u, ok := s.bridge.(userSetter); ok {
		u.SetUser(userID)
	}

	return s.conn.Initialize(ctx, userID)
}

func (s *Service) onStateChange(change transport.StateChange) {
	if change.To != transport.StateConnected {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.bg
		if n := s.rooms.Rejoin(ctx); n > 0 {
			s.logger.Info("rooms rejoined", zap.Int("count", n))
		}
		if _, err := s.ProcessOfflineQueue(ctx); err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
			s.logger.Warn("offline queue replay stopped", zap.Error(err))
		}
	}()
}

func (s *Service) user() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SendMessage creates a provisional message and sends it, or queues it when
// the connection is down. The returned copy carries the status reached.
func (s *Service) SendMessage(ctx context.Context, roomID string, d messages.Draft) (*messages.Message, error) {
	if roomID == "" {
		return nil, errors.BadRequest("room id is required")
	}
	if d.Type == "" {
		d.Type = messages.TypeText
	}
	if !d.Type.Valid() {
		return nil, errors.BadRequest("unknown message type " + string(d.Type))
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return nil, errors.BadRequest("message is empty")
	}

	m := messages.NewProvisional(roomID, s.user(), d, s.now())
	s.store.AddMessage(roomID, m)

	if !s.conn.IsConnected() {
		s.enqueue(ctx, roomID, m.ID)
		return s.current(roomID, m.ID), nil
	}

	id, err := s.deliver(ctx, roomID, m)
	switch {
	case err == nil:
		s.metrics.RecordMessage("sent")
		return s.current(roomID, id), nil
	case transient(err):
		s.enqueue(ctx, roomID, m.ID)
	default:
		s.moveTo(roomID, m.ID, messages.StatusFailed)
		s.metrics.RecordMessage("failed")
		return s.current(roomID, m.ID), err
	}
	return s.current(roomID, m.ID), nil
}

// RetryMessage resends a failed message.
func (s *Service) RetryMessage(ctx context.Context, roomID, messageID string) (*messages.Message, error) {
	m, ok := s.store.Message(roomID, messageID)
	if !ok {
		return nil, errors.NotFound("message " + messageID)
	}
	if m.Status != messages.StatusFailed {
		return nil, errors.InvalidTransition(string(m.Status), string(messages.StatusSending))
	}
	if _, err := s.tracker.Transition(roomID, messageID, messages.StatusSending); err != nil {
		return nil, err
	}

	if !s.conn.IsConnected() {
		s.enqueue(ctx, roomID, messageID)
		return s.current(roomID, messageID), nil
	}

	m, _ = s.store.Message(roomID, messageID)
	id, err := s.deliver(ctx, roomID, m)
	switch {
	case err == nil:
		s.metrics.RecordMessage("sent")
		return s.current(roomID, id), nil
	case transient(err):
		s.enqueue(ctx, roomID, messageID)
		return s.current(roomID, messageID), nil
	default:
		s.moveTo(roomID, messageID, messages.StatusFailed)
		s.metrics.RecordMessage("failed")
		return s.current(roomID, messageID), err
	}
}

// enqueue parks a provisional message in the offline queue. A message the
// server already echoed back is no longer provisional and is left alone.
func (s *Service) enqueue(ctx context.Context, roomID, messageID string) {
	s.moveTo(roomID, messageID, messages.StatusQueued)
	m, ok := s.store.Message(roomID, messageID)
	if !ok || !m.IsTemporary {
		return
	}
	s.queue.Add(ctx, roomID, m)
	s.metrics.RecordMessage("queued")
}

// deliver emits send_message and confirms the provisional entry on ack. It
// returns the server id the entry now carries.
func (s *Service) deliver(ctx context.Context, roomID string, m *messages.Message) (string, error) {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []messages.Attachment{}
	}
	payload := map[string]any{
		"roomId":      roomID,
		"content":     m.Content,
		"messageType": m.Type,
		"attachments": attachments,
		"tempId":      m.ID,
	}

	data, err := s.conn.Request(ctx, EventSendMessage, payload)
	if err != nil {
		return "", err
	}

	confirmed, err := parseAck(data)
	if err != nil {
		return "", err
	}
	if confirmed.RoomID == "" {
		confirmed.RoomID = roomID
	}
	return confirmed.ID, s.tracker.Confirm(roomID, m.ID, confirmed)
}

// ProcessOfflineQueue replays queued messages now. It is also run on every
// transition to connected.
func (s *Service) ProcessOfflineQueue(ctx context.Context) ([]queue.Outcome, error) {
	if !s.conn.IsConnected() {
		return nil, errors.NotConnected("process offline queue")
	}

	outcomes, err := s.queue.Drain(ctx, func(ctx context.Context, roomID string, m *messages.Message) error {
		if cur := s.current(roomID, m.ID); cur != nil && !cur.IsTemporary {
			return queue.ErrSettled
		}
		s.moveTo(roomID, m.ID, messages.StatusSending)
		_, err := s.deliver(ctx, roomID, m)
		return err
	})

	for _, o := range outcomes {
		id := o.Entry.Message.ID
		switch o.Kind {
		case queue.OutcomeSent:
			s.metrics.RecordMessage("sent")
		case queue.OutcomeRetry:
			s.moveTo(o.RoomID, id, messages.StatusQueued)
		case queue.OutcomeGaveUp:
			s.moveTo(o.RoomID, id, messages.StatusFailed)
			s.metrics.RecordMessage("failed")
		}
	}
	return outcomes, err
}

// moveTo applies a status change and logs an illegal one instead of failing
// the caller; the message may have been deleted or confirmed meanwhile.
func (s *Service) moveTo(roomID, messageID string, to messages.Status) {
	if _, err := s.tracker.Transition(roomID, messageID, to); err != nil {
		s.logger.Debug("status change skipped",
			zap.String("room_id", roomID),
			zap.String("message_id", messageID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

// current returns the stored copy of a message. A provisional id that has
// been replaced resolves to the server copy carrying it as TempID.
func (s *Service) current(roomID, messageID string) *messages.Message {
	if m, ok := s.store.Message(roomID, messageID); ok {
		return m
	}
	for _, m := range s.store.RoomMessages(roomID) {
		if m.TempID == messageID {
			return m
		}
	}
	return nil
}

// DeleteMessage removes a message locally, including any queued copy.
func (s *Service) DeleteMessage(ctx context.Context, roomID, messageID string) bool {
	queued := s.queue.Remove(ctx, roomID, messageID)
	return s.store.DeleteMessage(roomID, messageID) || queued
}

// Flush writes pending store changes now.
func (s *Service) Flush(ctx context.Context) error {
	return s.store.Flush(ctx)
}

func (s *Service) Messages(roomID string) []*messages.Message {
	return s.store.RoomMessages(roomID)
}

func (s *Service) JoinRoom(ctx context.Context, roomID string, info messages.RoomInfo) (messages.RoomMeta, error) {
	return s.rooms.JoinRoom(s.roomContext(ctx, roomID), roomID, info)
}

func (s *Service) LeaveRoom(ctx context.Context, roomID string) {
	s.rooms.LeaveRoom(s.roomContext(ctx, roomID), roomID)
}

func (s *Service) roomContext(ctx context.Context, roomID string) context.Context {
	return logging.WithRoom(logging.WithLogger(ctx, s.logger), roomID)
}

func (s *Service) SendTyping(roomID string, isTyping bool) bool {
	return s.rooms.SendTyping(roomID, isTyping)
}

// MarkViewed reports messages that scrolled into view. Receipts go out in
// batches.
func (s *Service) MarkViewed(roomID string, ids ...string) {
	s.batcher.Report(roomID, ids...)
}

func (s *Service) SetForeground(foreground bool) {
	s.mu.Lock()
	s.foreground = foreground
	s.mu.Unlock()
}

// SetActiveRoom names the room on screen; "" means none.
func (s *Service) SetActiveRoom(roomID string) {
	s.mu.Lock()
	s.activeRoom = roomID
	s.mu.Unlock()
}

func (s *Service) OnStatus(fn func(receipts.StatusChange)) (unsubscribe func()) {
	return s.tracker.Subscribe(fn)
}

func (s *Service) OnChange(fn func(store.Change)) (unsubscribe func()) {
	return s.store.Subscribe(fn)
}

// Stop flushes pending read receipts, waits for background replay and
// disconnects. The store and queue stay open for their owner to close.
func (s *Service) Stop(ctx context.Context) error {
	err := s.batcher.Stop(ctx)

	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.started = false
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	s.cancel()
	s.conn.Disconnect()
	s.wg.Wait()
	return err
}

func transient(err error) bool {
	return errors.IsNotConnected(err) || errors.Is(err, errors.ErrAckTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

type ackPayload struct {
	Message *messages.Message `json:"message"`
	Error   json.RawMessage   `json:"error"`
}

// parseAck reads a send_message acknowledgement: {message} on success,
// {error} with a string or {message} object on rejection.
func parseAck(data json.RawMessage) (*messages.Message, error) {
	var ack ackPayload
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, errors.Internal("malformed send_message ack", err)
	}

	if len(ack.Error) > 0 && string(ack.Error) != "null" {
		var text string
		if err := json.Unmarshal(ack.Error, &text); err != nil {
			var obj struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(ack.Error, &obj)
			text = obj.Message
		}
		if text == "" {
			text = "send rejected"
		}
		return nil, errors.Rejected(text)
	}

	if ack.Message == nil || ack.Message.ID == "" {
		return nil, errors.Rejected("ack carried no message")
	}
	return ack.Message, nil
}
