package chat

import (
	"encoding/json"

	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/notify"
	"github.com/rallyclub/rally/internal/rooms"
	"github.com/rallyclub/rally/internal/transport"
	"go.uber.org/zap"
)

// Inbound events.
const (
	EventMessage          = "message"
	EventMessageHistory   = "message_history"
	EventTyping           = "typing"
	EventOnlineUsers      = "online_users"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
)

func (s *Service) registerHandlers() []func() {
	handlers := map[string]transport.Handler{
		EventMessage:          s.handleMessage,
		EventMessageHistory:   s.handleHistory,
		EventTyping:           s.handleTyping,
		EventOnlineUsers:      s.handleOnlineUsers,
		EventMessageDelivered: s.handleDelivered,
		EventMessageRead:      s.handleRead,
	}

	unsubs := make([]func(), 0, len(handlers))
	for event, h := range handlers {
		unsubs = append(unsubs, s.conn.On(event, h))
	}
	return unsubs
}

func (s *Service) decode(event string, data json.RawMessage, dest any) bool {
	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// handleMessage accepts either {roomId, message} or a bare message.
func (s *Service) handleMessage(data json.RawMessage) {
	var envelope struct {
		RoomID  string            `json:"roomId"`
		Message *messages.Message `json:"message"`
	}
	if !s.decode(EventMessage, data, &envelope) {
		return
	}

	m := envelope.Message
	if m == nil {
		m = &messages.Message{}
		if !s.decode(EventMessage, data, m) {
			return
		}
	}
	roomID := envelope.RoomID
	if roomID == "" {
		roomID = m.RoomID
	}
	if roomID == "" || m.ID == "" {
		s.logger.Warn("dropping message without room or id")
		return
	}
	m.RoomID = roomID
	m.IsTemporary = false
	if m.Type == "" {
		m.Type = messages.TypeText
	}

	s.metrics.RecordMessage("received")
	if m.SenderID != "" {
		s.rooms.HandleTyping(rooms.TypingEvent{RoomID: roomID, UserID: m.SenderID})
	}

	if s.confirmEcho(roomID, m) {
		return
	}
	added := s.store.AddMessage(roomID, m)
	if !added || m.SenderID == s.user() {
		return
	}

	meta, ok := s.store.Room(roomID)
	if !ok {
		meta = messages.RoomMeta{RoomID: roomID}
	}

	s.mu.RLock()
	n := notify.Notification{
		Room:         meta,
		Message:      m,
		Foreground:   s.foreground,
		ActiveRoomID: s.activeRoom,
	}
	s.mu.RUnlock()

	s.bridge.Notify(s.bg, n)
}

// confirmEcho settles a local provisional message from the server's copy of
// it. The copy can arrive before the send ack, or after an unacknowledged
// send was queued; either way the queued entry goes and the status moves
// through the tracker.
func (s *Service) confirmEcho(roomID string, m *messages.Message) bool {
	if m.TempID == "" || m.TempID == m.ID {
		return false
	}
	local, ok := s.store.Message(roomID, m.TempID)
	if !ok || !local.IsTemporary {
		return false
	}

	s.queue.Remove(s.bg, roomID, m.TempID)
	if err := s.tracker.Confirm(roomID, m.TempID, m); err != nil {
		s.logger.Warn("failed to confirm echoed message",
			zap.String("room_id", roomID),
			zap.String("temp_id", m.TempID),
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
	}
	return true
}

func (s *Service) handleHistory(data json.RawMessage) {
	var body struct {
		RoomID   string              `json:"roomId"`
		Messages []*messages.Message `json:"messages"`
	}
	if !s.decode(EventMessageHistory, data, &body) || body.RoomID == "" {
		return
	}
	s.store.MergeHistory(body.RoomID, body.Messages)
	s.logger.Debug("history merged",
		zap.String("room_id", body.RoomID),
		zap.Int("count", len(body.Messages)),
	)
}

func (s *Service) handleTyping(data json.RawMessage) {
	var ev rooms.TypingEvent
	if s.decode(EventTyping, data, &ev) {
		s.rooms.HandleTyping(ev)
	}
}

func (s *Service) handleOnlineUsers(data json.RawMessage) {
	var ev rooms.PresenceEvent
	if s.decode(EventOnlineUsers, data, &ev) {
		s.rooms.HandleOnlineUsers(ev)
	}
}

type receiptEvent struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

func (s *Service) handleDelivered(data json.RawMessage) {
	var ev receiptEvent
	if s.decode(EventMessageDelivered, data, &ev) {
		s.tracker.HandleDelivered(ev.RoomID, ev.MessageID)
	}
}

func (s *Service) handleRead(data json.RawMessage) {
	var ev receiptEvent
	if s.decode(EventMessageRead, data, &ev) {
		s.tracker.HandleRead(ev.RoomID, ev.MessageID)
	}
}
