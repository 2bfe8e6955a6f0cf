package notify

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rallyclub/rally/internal/circuitbreaker"
	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/messages"
	"go.uber.org/zap"
)

const previewLimit = 100

// Notification is what the chat core knows when a message arrives.
type Notification struct {
	Room         messages.RoomMeta
	Message      *messages.Message
	Foreground   bool
	ActiveRoomID string
}

// Bridge decides whether an inbound message raises a notification. The core
// does not depend on the outcome.
type Bridge interface {
	Notify(ctx context.Context, n Notification)
}

type BridgeFunc func(ctx context.Context, n Notification)

func (f BridgeFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Push is a rendered notification.
type Push struct {
	Title     string
	Body      string
	RoomID    string
	MessageID string
}

type Sender interface {
	Send(ctx context.Context, p Push) error
}

// LogSender writes pushes to the log instead of a device.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(ctx context.Context, p Push) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	logger.Info("notification",
		zap.String("room_id", p.RoomID),
		zap.String("message_id", p.MessageID),
		zap.String("title", p.Title),
		zap.String("body", p.Body),
	)
	return nil
}

type Options struct {
	// MaxFailures consecutive send errors open the breaker for Cooldown.
	MaxFailures int
	Cooldown    time.Duration
	Logger      *zap.Logger
}

// Policy is the default Bridge. It skips the user's own messages and
// messages for the room already on screen, renders a preview and sends it
// through a circuit breaker.
type Policy struct {
	sender  Sender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	mu     sync.RWMutex
	userID string
}

func NewPolicy(sender Sender, opts Options) *Policy {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &Policy{
		sender:  sender,
		breaker: circuitbreaker.New(opts.MaxFailures, opts.Cooldown),
		logger:  logging.OrNop(opts.Logger),
	}
}

func (p *Policy) SetUser(userID string) {
	p.mu.Lock()
	p.userID = userID
	p.mu.Unlock()
}

// Decide renders the push for n, or reports false when none should be shown.
func (p *Policy) Decide(n Notification) (Push, bool) {
	m := n.Message
	if m == nil {
		return Push{}, false
	}

	p.mu.RLock()
	self := p.userID
	p.mu.RUnlock()

	if self != "" && m.SenderID == self {
		return Push{}, false
	}
	if n.Foreground && n.ActiveRoomID == m.RoomID {
		return Push{}, false
	}

	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}

	push := Push{RoomID: m.RoomID, MessageID: m.ID}
	body := Preview(m)
	switch {
	case n.Room.Type == messages.RoomPrivate || n.Room.Name == "":
		push.Title = sender
		push.Body = body
	default:
		push.Title = n.Room.Name
		push.Body = sender + ": " + body
	}
	return push, true
}

func (p *Policy) Notify(ctx context.Context, n Notification) {
	push, ok := p.Decide(n)
	if !ok {
		return
	}

	err := p.breaker.Call(ctx, func(ctx context.Context) error {
		return p.sender.Send(ctx, push)
	})
	if err != nil {
		p.logger.Warn("notification not sent",
			zap.String("room_id", push.RoomID),
			zap.String("breaker", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
}

// Preview is the one-line body shown for a message.
func Preview(m *messages.Message) string {
	switch m.Type {
	case messages.TypeImage:
		if len(m.Attachments) > 1 {
			return "Sent photos"
		}
		return "Sent a photo"
	case messages.TypeEmoji:
		return m.Content
	}

	text := strings.Join(strings.Fields(m.Content), " ")
	if text == "" && len(m.Attachments) > 0 {
		return "Sent an attachment"
	}
	if utf8.RuneCountInString(text) > previewLimit {
		runes := []rune(text)
		text = string(runes[:previewLimit]) + "…"
	}
	return text
}
