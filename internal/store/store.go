package store

import (
	"context"
	"sync"
	"time"

	"github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/events"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/retry"
	"github.com/rallyclub/rally/internal/storage"
	"go.uber.org/zap"
)

const DefaultWindow = 500

type Options struct {
	// Window is the number of most recent messages kept per room.
	Window     int
	// CloseRetry bounds the attempts at the final snapshot written by Close.
	CloseRetry retry.Config
	Logger     *zap.Logger
	Now        func() time.Time
}

func defaultCloseRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     time.Second,
		MaxJitter:   50 * time.Millisecond,
	}
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeReplaced ChangeKind = "replaced"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeHistory  ChangeKind = "history"
	ChangeRoom     ChangeKind = "room"
)

type Change struct {
	Kind      ChangeKind
	RoomID    string
	MessageID string
	// TempID is set on ChangeReplaced.
	TempID string
}

// Patch carries the optional fields merged alongside a status update.
type Patch struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// Store is the in-memory view of messages and room metadata. Every mutation
// marks the snapshot dirty; a background writer persists the latest state.
type Store struct {
	kv         storage.KV
	window     int
	closeRetry retry.Config
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	rooms map[string][]*messages.Message
	meta  map[string]*messages.RoomMeta

	persistMu sync.Mutex
	dirty     chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	listeners *events.Registry[Change]
}

// Open loads the last snapshot from kv and starts the background writer.
// Snapshot read failures leave the store empty.
func Open(ctx context.Context, kv storage.KV, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	closeRetry := opts.CloseRetry
	if closeRetry.MaxAttempts <= 0 {
		closeRetry = defaultCloseRetry()
	}

	s := &Store{
		kv:         kv,
		window:     window,
		closeRetry: closeRetry,
		logger:     logger,
		now:        now,
		rooms:      make(map[string][]*messages.Message),
		meta:       make(map[string]*messages.RoomMeta),
		dirty:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		listeners:  events.NewRegistry[Change]("store", logger),
	}

	s.load(ctx)
	go s.persistLoop()

	return s
}

func (s *Store) load(ctx context.Context) {
	var rooms map[string][]*messages.Message
	if err := storage.GetJSON(ctx, s.kv, storage.KeyRooms, &rooms); err != nil {
		if !errors.IsNotFound(err) {
			s.logger.Warn("failed to load room snapshot", zap.Error(err))
		}
	}
	for roomID, list := range rooms {
		s.rooms[roomID] = s.trim(dedupe(list))
	}

	var meta map[string]*messages.RoomMeta
	if err := storage.GetJSON(ctx, s.kv, storage.KeyRoomMetadata, &meta); err != nil {
		if !errors.IsNotFound(err) {
			s.logger.Warn("failed to load room metadata snapshot", zap.Error(err))
		}
	}
	for roomID, m := range meta {
		if m != nil {
			s.meta[roomID] = m
		}
	}

	s.logger.Debug("store loaded", zap.Int("rooms", len(s.rooms)), zap.Int("metadata", len(s.meta)))
}

// Subscribe registers fn for every store change.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	return s.listeners.Subscribe(fn)
}

// AddMessage appends msg to its room. A message whose id is already present
// updates that entry in place, and a server copy that names a pending
// temporary id takes over that entry and keeps its status. It reports
// whether a new entry was appended.
func (s *Store) AddMessage(roomID string, msg *messages.Message) bool {
	m := msg.Clone()
	m.RoomID = roomID
	if m.Status == "" {
		m.Status = messages.StatusSent
	}

	s.mu.Lock()
	list := s.rooms[roomID]
	change := Change{Kind: ChangeAdded, RoomID: roomID, MessageID: m.ID}

	if i := indexByID(list, m.ID); i >= 0 {
		list[i] = mergeInto(list[i], m)
		change.Kind = ChangeUpdated
	} else if i := indexByID(list, m.TempID); m.TempID != "" && m.TempID != m.ID && i >= 0 {
		m.IsTemporary = false
		m.Status = list[i].Status
		list[i] = mergeInto(list[i], m)
		change.Kind = ChangeReplaced
		change.TempID = m.TempID
	} else {
		list = s.trim(append(list, m))
	}
	s.rooms[roomID] = list

	if meta := s.meta[roomID]; meta != nil && m.Timestamp.After(meta.LastActivity) {
		meta.LastActivity = m.Timestamp
	}
	s.mu.Unlock()

	s.changed(change)
	return change.Kind == ChangeAdded
}

// ReplaceTemporary swaps the entry holding tempID for confirmed at the same
// position. If confirmed's id is already present (the server copy arrived
// first) that duplicate is dropped. It reports false when tempID is gone.
func (s *Store) ReplaceTemporary(roomID, tempID string, confirmed *messages.Message) bool {
	c := confirmed.Clone()
	c.RoomID = roomID
	c.TempID = tempID
	c.IsTemporary = false

	s.mu.Lock()
	list := s.rooms[roomID]
	i := indexByID(list, tempID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}

	prev := list[i]
	if c.Status == "" {
		c.Status = prev.Status
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = prev.Timestamp
	}
	if c.Content == "" && len(c.Attachments) == 0 {
		c.Content = prev.Content
		c.Attachments = prev.Attachments
	}
	if c.Type == "" {
		c.Type = prev.Type
	}
	list[i] = c

	if j := indexByIDExcept(list, c.ID, i); j >= 0 {
		list = append(list[:j], list[j+1:]...)
	}
	s.rooms[roomID] = list
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeReplaced, RoomID: roomID, MessageID: c.ID, TempID: tempID})
	return true
}

// UpdateMessageStatus moves a message one legal step and merges patch. A
// missing message is a no-op that reports false with no error.
func (s *Store) UpdateMessageStatus(roomID, messageID string, status messages.Status, patch Patch) (bool, error) {
	s.mu.Lock()
	list := s.rooms[roomID]
	i := indexByID(list, messageID)
	if i < 0 {
		s.mu.Unlock()
		return false, nil
	}

	m := list[i]
	if m.Status != status && !messages.CanTransition(m.Status, status) {
		s.mu.Unlock()
		return false, errors.InvalidTransition(string(m.Status), string(status))
	}

	m.Status = status
	if patch.DeliveredAt != nil {
		t := *patch.DeliveredAt
		m.DeliveredAt = &t
	}
	if patch.ReadAt != nil {
		t := *patch.ReadAt
		m.ReadAt = &t
	}
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeUpdated, RoomID: roomID, MessageID: messageID})
	return true, nil
}

func (s *Store) Message(roomID, messageID string) (*messages.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.rooms[roomID]
	if i := indexByID(list, messageID); i >= 0 {
		return list[i].Clone(), true
	}
	return nil, false
}

// RoomMessages returns a copy of the room's messages, oldest first.
func (s *Store) RoomMessages(roomID string) []*messages.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.rooms[roomID]
	out := make([]*messages.Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.Clone())
	}
	return out
}

func (s *Store) DeleteMessage(roomID, messageID string) bool {
	s.mu.Lock()
	list := s.rooms[roomID]
	i := indexByID(list, messageID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.rooms[roomID] = append(list[:i], list[i+1:]...)
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeDeleted, RoomID: roomID, MessageID: messageID})
	return true
}

// MergeHistory replaces the room's confirmed messages with the server's
// history and keeps the local messages the server has not confirmed yet at
// the tail. Local statuses further along the forward chain are kept.
func (s *Store) MergeHistory(roomID string, history []*messages.Message) {
	s.mu.Lock()
	local := s.rooms[roomID]

	merged := make([]*messages.Message, 0, len(history)+len(local))
	seen := make(map[string]struct{}, len(history))
	for _, h := range history {
		if h == nil || h.ID == "" {
			continue
		}
		if _, dup := seen[h.ID]; dup {
			continue
		}
		seen[h.ID] = struct{}{}

		m := h.Clone()
		m.RoomID = roomID
		m.IsTemporary = false
		if m.Status == "" {
			m.Status = messages.StatusSent
		}
		if i := indexByID(local, m.ID); i >= 0 {
			m = mergeInto(local[i], m)
		}
		merged = append(merged, m)
	}

	for _, m := range local {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if m.TempID != "" {
			if _, ok := seen[m.TempID]; ok {
				continue
			}
		}
		if unconfirmed(m) {
			merged = append(merged, m)
		}
	}

	s.rooms[roomID] = s.trim(merged)
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeHistory, RoomID: roomID})
}

// RoomIDs lists the ids of rooms holding messages or metadata.
func (s *Store) RoomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.rooms)+len(s.meta))
	seen := make(map[string]struct{})
	for id := range s.meta {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for id := range s.rooms {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func unconfirmed(m *messages.Message) bool {
	if m.IsTemporary {
		return true
	}
	switch m.Status {
	case messages.StatusSending, messages.StatusQueued, messages.StatusFailed:
		return true
	}
	return false
}

// mergeInto returns incoming with the fields the server copy may omit taken
// from existing. The existing status wins when it is further along.
func mergeInto(existing, incoming *messages.Message) *messages.Message {
	m := incoming
	if m.Status == "" || messages.Reached(existing.Status, m.Status) {
		m.Status = existing.Status
	}
	if m.DeliveredAt == nil {
		m.DeliveredAt = existing.DeliveredAt
	}
	if m.ReadAt == nil {
		m.ReadAt = existing.ReadAt
	}
	if m.TempID == "" {
		m.TempID = existing.TempID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = existing.Timestamp
	}
	return m
}

func (s *Store) trim(list []*messages.Message) []*messages.Message {
	if over := len(list) - s.window; over > 0 {
		kept := make([]*messages.Message, s.window)
		copy(kept, list[over:])
		return kept
	}
	return list
}

func dedupe(list []*messages.Message) []*messages.Message {
	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, m := range list {
		if m == nil {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func indexByID(list []*messages.Message, id string) int {
	return indexByIDExcept(list, id, -1)
}

func indexByIDExcept(list []*messages.Message, id string, skip int) int {
	for i, m := range list {
		if i != skip && m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) changed(change Change) {
	s.markDirty()
	s.listeners.Publish(change)
}
