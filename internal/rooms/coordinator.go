package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/events"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/ratelimit"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"go.uber.org/zap"
)

const (
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"
	EventTyping    = "typing"

	DefaultTypingInterval = 2 * time.Second
	DefaultTypingTTL      = 5 * time.Second
)

// Conn is the part of the connector the coordinator needs.
type Conn interface {
	IsConnected() bool
	Emit(event string, payload any, ack transport.AckFunc) error
}

type Options struct {
	// TypingInterval is the minimum gap between typing-start events per room.
	TypingInterval time.Duration
	// TypingTTL is how long a remote typing indicator stays visible without
	// a refresh.
	TypingTTL time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

type Coordinator struct {
	conn   Conn
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
	ttl    time.Duration

	throttle *ratelimit.Limiter

	mu     sync.Mutex
	userID string
	typing map[string]map[string]TypingUser
	online map[string][]User

	typingListeners   *events.Registry[TypingEvent]
	presenceListeners *events.Registry[PresenceEvent]
}

func NewCoordinator(conn Conn, st *store.Store, opts Options) *Coordinator {
	logger := logging.OrNop(opts.Logger)
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		conn:              conn,
		store:             st,
		logger:            logger,
		now:               now,
		ttl:               opts.TypingTTL,
		throttle:          ratelimit.NewLimiter(opts.TypingInterval, 1),
		typing:            make(map[string]map[string]TypingUser),
		online:            make(map[string][]User),
		typingListeners:   events.NewRegistry[TypingEvent]("typing", logger),
		presenceListeners: events.NewRegistry[PresenceEvent]("presence", logger),
	}
}

// SetUser names the local user so their own typing echoes are ignored.
func (c *Coordinator) SetUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// JoinRoom announces the join and records the room. It fails with a
// not-connected error, and changes nothing, while the connection is down.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string, info messages.RoomInfo) (messages.RoomMeta, error) {
	if !c.conn.IsConnected() {
		return messages.RoomMeta{}, errors.NotConnected(EventJoinRoom)
	}

	payload := map[string]any{"roomId": roomID}
	if info.Name != "" {
		payload["name"] = info.Name
	}
	if info.Type != "" {
		payload["type"] = info.Type
	}
	if err := c.conn.Emit(EventJoinRoom, payload, nil); err != nil {
		return messages.RoomMeta{}, err
	}

	meta := c.store.UpsertRoom(roomID, info)
	logging.FromContext(ctx).Info("joined room",
		zap.String("room_id", roomID),
		zap.String("name", meta.Name),
	)
	return meta, nil
}

// LeaveRoom tells the server when it can and always records the leave
// locally.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomID string) {
	if c.conn.IsConnected() {
		if err := c.conn.Emit(EventLeaveRoom, map[string]any{"roomId": roomID}, nil); err != nil {
			logging.FromContext(ctx).Warn("leave_room not delivered",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
		}
	}

	c.store.MarkLeft(roomID)
	c.throttle.Reset(roomID)

	c.mu.Lock()
	delete(c.typing, roomID)
	delete(c.online, roomID)
	c.mu.Unlock()
}

// Rejoin re-announces every room the user has not left. It is called after
// a reconnect; failures are logged and skipped.
func (c *Coordinator) Rejoin(ctx context.Context) int {
	joined := 0
	for _, meta := range c.store.Rooms() {
		if !meta.Active() {
			continue
		}
		info := messages.RoomInfo{Name: meta.Name, Type: meta.Type}
		if _, err := c.JoinRoom(ctx, meta.RoomID, info); err != nil {
			c.logger.Warn("rejoin failed", zap.String("room_id", meta.RoomID), zap.Error(err))
			continue
		}
		joined++
	}
	return joined
}

// ActiveRooms lists the ids of joined rooms not yet left.
func (c *Coordinator) ActiveRooms() []string {
	var ids []string
	for _, meta := range c.store.Rooms() {
		if meta.Active() {
			ids = append(ids, meta.RoomID)
		}
	}
	return ids
}

func (c *Coordinator) Close() {
	c.throttle.Close()
	c.typingListeners.Clear()
	c.presenceListeners.Clear()
}
