package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/rallyclub/rally/internal/common/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// Frame is the wire envelope. An emit that wants an acknowledgement carries a
// non-zero Ack id; the peer answers with Event "ack" and the same id.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

const (
	EventAck        = "ack"
	EventDisconnect = "disconnect"
)

// WebsocketDialer opens framed websocket sessions. A non-zero AckTimeout
// fails and forgets an acknowledgement the server never answers.
type WebsocketDialer struct {
	URL          string
	PingInterval time.Duration
	AckTimeout   time.Duration
	Header       http.Header
	Logger       *zap.Logger
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string, ev Events) (Socket, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Unauthorized("server rejected token", err)
		}
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &wsSocket{
		conn:       conn,
		events:     ev,
		pending:    make(map[uint64]*pendingAck),
		ackTimeout: d.AckTimeout,
		ping:       d.PingInterval,
		done:       make(chan struct{}),
		logger:     logger,
	}

	if s.ping > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * s.ping))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * s.ping))
		})
		go s.pingLoop()
	}
	go s.readPump()

	return s, nil
}

type wsSocket struct {
	conn    *websocket.Conn
	events  Events
	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[uint64]*pendingAck
	nextAck      uint64
	closing      bool
	serverReason string

	ackTimeout time.Duration
	ping       time.Duration
	done       chan struct{}
	logger     *zap.Logger
}

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

func (s *wsSocket) Emit(event string, payload any, ack AckFunc) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}

	frame := Frame{Event: event, Data: data}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return apperrors.NotConnected("emit " + event)
	}
	if ack != nil {
		s.nextAck++
		id := s.nextAck
		frame.Ack = id
		p := &pendingAck{fn: ack}
		if s.ackTimeout > 0 {
			p.timer = time.AfterFunc(s.ackTimeout, func() { s.expire(id, event) })
		}
		s.pending[id] = p
	}
	s.mu.Unlock()

	if err := s.write(frame); err != nil {
		if frame.Ack != 0 {
			s.take(frame.Ack)
		}
		return err
	}
	return nil
}

// take removes a pending acknowledgement and stops its expiry timer.
func (s *wsSocket) take(id uint64) AckFunc {
	s.mu.Lock()
	p := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.fn
}

func (s *wsSocket) expire(id uint64, event string) {
	if ack := s.take(id); ack != nil {
		s.logger.Debug("acknowledgement expired", zap.String("event", event), zap.Uint64("ack", id))
		ack(nil, apperrors.NewAppError(codes.DeadlineExceeded, event, apperrors.ErrAckTimeout))
	}
}

// write encodes without HTML escaping so message content reaches the server
// byte for byte.
func (s *wsSocket) write(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(frame); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *wsSocket) readPump() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(s.reasonFor(err))
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Event {
		case EventAck:
			if ack := s.take(frame.Ack); ack != nil {
				ack(frame.Data, nil)
			}
		case EventDisconnect:
			var body struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(frame.Data, &body)
			if body.Reason == "" {
				body.Reason = ReasonServer
			}
			s.mu.Lock()
			s.serverReason = body.Reason
			s.mu.Unlock()
		default:
			s.events.OnEvent(frame.Event, frame.Data)
		}
	}
}

func (s *wsSocket) reasonFor(err error) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return ReasonClient
	}
	if s.serverReason != "" {
		return s.serverReason
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	if _, ok := err.(*websocket.CloseError); ok {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

func (s *wsSocket) finish(reason string) {
	s.mu.Lock()
	s.closing = true
	pending := s.pending
	s.pending = make(map[uint64]*pendingAck)
	s.mu.Unlock()

	_ = s.conn.Close()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.fn(nil, apperrors.NotConnected("connection closed before ack"))
	}
	s.events.OnDisconnect(reason)
}

func (s *wsSocket) pingLoop() {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ping))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}
