package rooms

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// TypingEvent is the inbound typing payload.
type TypingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type TypingUser struct {
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// SendTyping emits a typing indicator and reports whether it went out. It is
// dropped while disconnected and start events are throttled per room; stop
// events are never throttled.
func (c *Coordinator) SendTyping(roomID string, isTyping bool) bool {
	if !c.conn.IsConnected() {
		return false
	}

	if isTyping {
		if !c.throttle.AllowAt(roomID, c.now()) {
			return false
		}
	} else {
		c.throttle.Reset(roomID)
	}

	err := c.conn.Emit(EventTyping, map[string]any{"roomId": roomID, "isTyping": isTyping}, nil)
	if err != nil {
		c.logger.Debug("typing indicator dropped", zap.String("room_id", roomID), zap.Error(err))
		return false
	}
	return true
}

// HandleTyping applies a remote typing event. Listeners are only told about
// changes.
func (c *Coordinator) HandleTyping(ev TypingEvent) {
	if ev.RoomID == "" || ev.UserID == "" {
		return
	}

	c.mu.Lock()
	if ev.UserID == c.userID {
		c.mu.Unlock()
		return
	}

	users := c.typing[ev.RoomID]
	_, was := users[ev.UserID]
	if ev.IsTyping {
		if users == nil {
			users = make(map[string]TypingUser)
			c.typing[ev.RoomID] = users
		}
		users[ev.UserID] = TypingUser{
			UserID:    ev.UserID,
			UserName:  ev.UserName,
			ExpiresAt: c.now().Add(c.ttl),
		}
	} else {
		delete(users, ev.UserID)
		if len(users) == 0 {
			delete(c.typing, ev.RoomID)
		}
	}
	c.mu.Unlock()

	if was != ev.IsTyping {
		c.typingListeners.Publish(ev)
	}
}

// TypingUsers returns who is typing in the room, dropping expired entries.
func (c *Coordinator) TypingUsers(roomID string) []TypingUser {
	now := c.now()

	c.mu.Lock()
	users := c.typing[roomID]
	var out []TypingUser
	var expired []TypingUser
	for id, u := range users {
		if !now.Before(u.ExpiresAt) {
			delete(users, id)
			expired = append(expired, u)
			continue
		}
		out = append(out, u)
	}
	if len(users) == 0 {
		delete(c.typing, roomID)
	}
	c.mu.Unlock()

	for _, u := range expired {
		c.typingListeners.Publish(TypingEvent{RoomID: roomID, UserID: u.UserID, UserName: u.UserName})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (c *Coordinator) OnTyping(fn func(TypingEvent)) (unsubscribe func()) {
	return c.typingListeners.Subscribe(fn)
}
