package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rallyclub/rally/internal/auth"
	"github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/events"
	"github.com/rallyclub/rally/internal/observability"
	"github.com/rallyclub/rally/internal/retry"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

type Options struct {
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	Backoff        retry.Config
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 20 * time.Second,
		AckTimeout:     10 * time.Second,
		Backoff:        retry.DefaultConfig(),
	}
}

// Connector owns the single logical connection of a user session. State
// transitions happen under mu; listeners are notified after mu is released,
// on the goroutine that caused the transition.
type Connector struct {
	mu      sync.Mutex
	dialer  Dialer
	tokens  auth.TokenSource
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics

	state      State
	socket     Socket
	userID     string
	attempts   int
	dialing    bool
	dropReason string
	generation uint64
	timer      *time.Timer

	handlersMu     sync.Mutex
	handlers       map[string]*events.Registry[json.RawMessage]
	stateListeners *events.Registry[StateChange]
}

func NewConnector(dialer Dialer, tokens auth.TokenSource, opts Options) *Connector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		dialer:         dialer,
		tokens:         tokens,
		opts:           opts,
		logger:         logger,
		metrics:        opts.Metrics,
		state:          StateDisconnected,
		handlers:       make(map[string]*events.Registry[json.RawMessage]),
		stateListeners: events.NewRegistry[StateChange]("connection_state", logger),
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) IsConnected() bool {
	return c.State() == StateConnected
}

// Attempts is the number of consecutive failed connection attempts.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Initialize connects on behalf of userID. It is a no-op when already
// connected and fails fast when no bearer token is stored.
func (c *Connector) Initialize(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.userID = userID
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		return nil
	}

	if _, err := c.tokens.Token(ctx); err != nil {
		c.logger.Error("cannot initialize connection", zap.String("user_id", userID), zap.Error(err))
		return err
	}

	return c.Connect(ctx)
}

func (c *Connector) Connect(ctx context.Context) error {
	return c.dial(ctx, StateConnecting)
}

// Reconnect is the manual way out of StateFailed; it resets the attempt
// counter before dialing.
func (c *Connector) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.stopTimerLocked()
	c.mu.Unlock()

	return c.dial(ctx, StateConnecting)
}

func (c *Connector) dial(ctx context.Context, via State) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.dialing {
		c.mu.Unlock()
		return ErrConnectInFlight
	}
	c.dialing = true
	c.dropReason = ""
	c.stopTimerLocked()
	c.generation++
	gen := c.generation
	change := c.setStateLocked(via, "", nil)
	c.mu.Unlock()
	c.publish(change)

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		var changes []StateChange
		if gen == c.generation {
			changes = append(changes, c.setStateLocked(StateError, "", err))
		}
		c.mu.Unlock()
		c.publish(changes...)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	sock, err := c.dialer.Dial(dialCtx, tok.Raw, &socketEvents{c: c, gen: gen})
	cancel()

	c.mu.Lock()
	c.dialing = false

	if gen != c.generation {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		if err == nil {
			err = errors.NotConnected("connect aborted")
		}
		return err
	}

	if err == nil && c.dropReason != "" {
		err = errors.NewAppError(codes.Unavailable, "connection dropped during handshake", errors.ErrNotConnected)
		_ = sock.Close()
	}

	if err != nil {
		c.attempts++
		attempts := c.attempts
		changes := []StateChange{c.setStateLocked(StateError, "", err)}
		changes = append(changes, c.scheduleReconnectLocked()...)
		c.mu.Unlock()

		c.logger.Warn("connect failed",
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		c.publish(changes...)
		return err
	}

	c.socket = sock
	c.attempts = 0
	userID := c.userID
	change = c.setStateLocked(StateConnected, "", nil)
	c.mu.Unlock()

	if userID != "" {
		if err := sock.Emit("join_user", map[string]string{"userId": userID}, nil); err != nil {
			c.logger.Warn("failed to join user channel", zap.String("user_id", userID), zap.Error(err))
		}
	}

	c.publish(change)
	return nil
}

// scheduleReconnectLocked arms the backoff timer, or moves to StateFailed once
// the attempt budget is spent.
func (c *Connector) scheduleReconnectLocked() []StateChange {
	if c.opts.Backoff.Exhausted(c.attempts) {
		c.logger.Error("giving up reconnecting", zap.Int("attempts", c.attempts))
		return []StateChange{c.setStateLocked(StateFailed, "max reconnect attempts reached", nil)}
	}

	n := c.attempts
	if n < 1 {
		n = 1
	}
	delay := retry.Backoff(c.opts.Backoff, n)
	gen := c.generation

	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, func() { c.fireReconnect(gen) })

	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", c.attempts+1))
	return nil
}

func (c *Connector) fireReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateConnected || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.metrics.RecordReconnectAttempt()
	_ = c.dial(context.Background(), StateReconnecting)
}

func (c *Connector) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Disconnect tears the connection down and does not reconnect.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.stopTimerLocked()
	sock := c.socket
	c.socket = nil
	c.attempts = 0
	change := c.setStateLocked(StateDisconnected, ReasonClient, nil)
	c.mu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			c.logger.Debug("socket close", zap.Error(err))
		}
	}
	c.publish(change)
}

func (c *Connector) handleDisconnect(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.dialing {
		c.dropReason = reason
		c.mu.Unlock()
		return
	}

	c.socket = nil
	var changes []StateChange
	if IsTransient(reason) {
		changes = append(changes, c.setStateLocked(StateReconnecting, reason, nil))
		changes = append(changes, c.scheduleReconnectLocked()...)
	} else {
		changes = append(changes, c.setStateLocked(StateDisconnected, reason, nil))
	}
	c.mu.Unlock()

	c.logger.Warn("disconnected",
		zap.String("reason", reason),
		zap.Bool("auto_reconnect", IsTransient(reason)),
	)
	c.publish(changes...)
}

// Emit forwards an event when connected. Otherwise it logs, hands ack the
// not-connected error and returns that same error.
func (c *Connector) Emit(event string, payload any, ack AckFunc) error {
	c.mu.Lock()
	sock := c.socket
	connected := c.state == StateConnected && sock != nil
	c.mu.Unlock()

	if !connected {
		c.logger.Warn("emit while not connected", zap.String("event", event))
		err := errors.NotConnected("emit " + event)
		if ack != nil {
			ack(nil, err)
		}
		return err
	}

	return sock.Emit(event, payload, ack)
}

// Request emits and waits for the acknowledgement, the ack timeout, or ctx.
func (c *Connector) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)

	err := c.Emit(event, payload, func(data json.RawMessage, err error) {
		select {
		case ch <- result{data: data, err: err}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if c.opts.AckTimeout > 0 {
		t := time.NewTimer(c.opts.AckTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-timeout:
		return nil, errors.NewAppError(codes.DeadlineExceeded, event, errors.ErrAckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On registers handler for an inbound event.
func (c *Connector) On(event string, handler Handler) (unsubscribe func()) {
	c.handlersMu.Lock()
	reg, ok := c.handlers[event]
	if !ok {
		reg = events.NewRegistry[json.RawMessage]("event:"+event, c.logger)
		c.handlers[event] = reg
	}
	c.handlersMu.Unlock()

	return reg.Subscribe(func(data json.RawMessage) { handler(data) })
}

func (c *Connector) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return c.stateListeners.Subscribe(fn)
}

func (c *Connector) dispatch(gen uint64, event string, data json.RawMessage) {
	c.mu.Lock()
	current := gen == c.generation
	c.mu.Unlock()
	if !current {
		return
	}

	c.handlersMu.Lock()
	reg := c.handlers[event]
	c.handlersMu.Unlock()

	if reg == nil {
		c.logger.Debug("unhandled event", zap.String("event", event))
		return
	}
	c.metrics.RecordListenerFailures("event:"+event, reg.Publish(data))
}

// Close disconnects and drops every registered handler.
func (c *Connector) Close() {
	c.Disconnect()

	c.handlersMu.Lock()
	c.handlers = make(map[string]*events.Registry[json.RawMessage])
	c.handlersMu.Unlock()
	c.stateListeners.Clear()
}

func (c *Connector) setStateLocked(to State, reason string, err error) StateChange {
	change := StateChange{From: c.state, To: to, Reason: reason, Err: err}
	c.state = to
	return change
}

func (c *Connector) publish(changes ...StateChange) {
	for _, change := range changes {
		if change.From == change.To {
			continue
		}
		c.metrics.SetConnectionState(string(change.To))
		c.logger.Info("connection state changed",
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.String("reason", change.Reason),
		)
		c.metrics.RecordListenerFailures("connection_state", c.stateListeners.Publish(change))
	}
}

type socketEvents struct {
	c   *Connector
	gen uint64
}

func (e *socketEvents) OnEvent(event string, data json.RawMessage) {
	e.c.dispatch(e.gen, event, data)
}

func (e *socketEvents) OnDisconnect(reason string) {
	e.c.handleDisconnect(e.gen, reason)
}
