package rooms

type User struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Status   string `json:"status,omitempty"`
}

// PresenceEvent is the inbound online_users payload.
type PresenceEvent struct {
	RoomID string `json:"roomId"`
	Users  []User `json:"users"`
}

// HandleOnlineUsers replaces the room's online snapshot with the server's.
func (c *Coordinator) HandleOnlineUsers(ev PresenceEvent) {
	if ev.RoomID == "" {
		return
	}

	users := append([]User(nil), ev.Users...)

	c.mu.Lock()
	c.online[ev.RoomID] = users
	c.mu.Unlock()

	c.presenceListeners.Publish(PresenceEvent{RoomID: ev.RoomID, Users: append([]User(nil), users...)})
}

// OnlineUsers returns the last snapshot pushed for the room.
func (c *Coordinator) OnlineUsers(roomID string) []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]User(nil), c.online[roomID]...)
}

func (c *Coordinator) OnPresence(fn func(PresenceEvent)) (unsubscribe func()) {
	return c.presenceListeners.Subscribe(fn)
}
