package messages

import "time"

type RoomType string

const (
	RoomGroup   RoomType = "group"
	RoomPrivate RoomType = "private"
)

type RoomMeta struct {
	RoomID       string     `json:"roomId"`
	Name         string     `json:"name,omitempty"`
	Type         RoomType   `json:"type,omitempty"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LeftAt       *time.Time `json:"leftAt,omitempty"`
	LastActivity time.Time  `json:"lastActivity"`
	LastReadAt   time.Time  `json:"lastReadAt"`
}

// AdvanceRead moves LastReadAt forward; older timestamps are ignored.
func (r *RoomMeta) AdvanceRead(t time.Time) bool {
	if !t.After(r.LastReadAt) {
		return false
	}
	r.LastReadAt = t
	return true
}

func (r *RoomMeta) Active() bool {
	return r.LeftAt == nil
}

// RoomInfo is what a caller supplies when joining.
type RoomInfo struct {
	Name string   `json:"name,omitempty"`
	Type RoomType `json:"type,omitempty"`
}
