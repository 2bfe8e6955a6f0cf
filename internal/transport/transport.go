package transport

import (
	"context"
	"encoding/json"
	"errors"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateFailed       State = "failed"
)

// Disconnect reasons reported by a Socket.
const (
	ReasonServer         = "io server disconnect"
	ReasonClient         = "io client disconnect"
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

var ErrConnectInFlight = errors.New("connection attempt already in flight")

// IsTransient reports whether a disconnect reason warrants automatic
// reconnection. Anything unrecognized is treated as not transient.
func IsTransient(reason string) bool {
	switch reason {
	case ReasonTransportClose, ReasonTransportError, ReasonPingTimeout:
		return true
	}
	return false
}

// AckFunc receives the server acknowledgement payload, or an error when the
// emit could not be acknowledged.
type AckFunc func(data json.RawMessage, err error)

type Handler func(data json.RawMessage)

// Socket is one live duplex connection to the chat server.
type Socket interface {
	Emit(event string, payload any, ack AckFunc) error
	Close() error
}

// Events receives what a Socket reads. OnDisconnect is called at most once.
type Events interface {
	OnEvent(event string, data json.RawMessage)
	OnDisconnect(reason string)
}

type Dialer interface {
	Dial(ctx context.Context, token string, events Events) (Socket, error)
}

type StateChange struct {
	From   State
	To     State
	Reason string
	Err    error
}
