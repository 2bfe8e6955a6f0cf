package store

import (
	"sort"
	"time"

	"github.com/rallyclub/rally/internal/messages"
)

// UpsertRoom records a join. Rejoining clears LeftAt and keeps LastReadAt.
func (s *Store) UpsertRoom(roomID string, info messages.RoomInfo) messages.RoomMeta {
	now := s.now()

	s.mu.Lock()
	meta, ok := s.meta[roomID]
	if !ok {
		meta = &messages.RoomMeta{RoomID: roomID}
		s.meta[roomID] = meta
	}
	if info.Name != "" {
		meta.Name = info.Name
	}
	if info.Type != "" {
		meta.Type = info.Type
	}
	meta.JoinedAt = now
	meta.LeftAt = nil
	meta.LastActivity = now
	out := cloneMeta(meta)
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeRoom, RoomID: roomID})
	return out
}

// MarkLeft stamps LeftAt, creating the metadata entry if needed.
func (s *Store) MarkLeft(roomID string) {
	now := s.now()

	s.mu.Lock()
	meta, ok := s.meta[roomID]
	if !ok {
		meta = &messages.RoomMeta{RoomID: roomID}
		s.meta[roomID] = meta
	}
	meta.LeftAt = &now
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeRoom, RoomID: roomID})
}

func (s *Store) Touch(roomID string, at time.Time) {
	s.mu.Lock()
	meta, ok := s.meta[roomID]
	if !ok || !at.After(meta.LastActivity) {
		s.mu.Unlock()
		return
	}
	meta.LastActivity = at
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeRoom, RoomID: roomID})
}

// MarkRoomRead advances LastReadAt; it never moves backwards.
func (s *Store) MarkRoomRead(roomID string, at time.Time) bool {
	s.mu.Lock()
	meta, ok := s.meta[roomID]
	if !ok {
		meta = &messages.RoomMeta{RoomID: roomID}
		s.meta[roomID] = meta
	}
	advanced := meta.AdvanceRead(at)
	s.mu.Unlock()

	if advanced {
		s.changed(Change{Kind: ChangeRoom, RoomID: roomID})
	}
	return advanced
}

func (s *Store) Room(roomID string) (messages.RoomMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.meta[roomID]
	if !ok {
		return messages.RoomMeta{}, false
	}
	return cloneMeta(meta), true
}

// Rooms returns all room metadata ordered by room id.
func (s *Store) Rooms() []messages.RoomMeta {
	s.mu.Lock()
	out := make([]messages.RoomMeta, 0, len(s.meta))
	for _, meta := range s.meta {
		out = append(out, cloneMeta(meta))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func cloneMeta(m *messages.RoomMeta) messages.RoomMeta {
	c := *m
	if m.LeftAt != nil {
		t := *m.LeftAt
		c.LeftAt = &t
	}
	return c
}
