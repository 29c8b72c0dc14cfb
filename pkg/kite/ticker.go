package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// TickerConfig configures ticker sessions.
type TickerConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	EventBuffer      int
}

// TickerConnector dials the Kite ticker websocket.
type TickerConnector struct {
	config TickerConfig
	dialer *websocket.Dialer
}

func NewTickerConnector(config TickerConfig) *TickerConnector {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 15 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.EventBuffer == 0 {
		config.EventBuffer = 256
	}
	return &TickerConnector{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}
}

// Connect opens a session. The first event delivered is EventConnected.
func (c *TickerConnector) Connect(ctx context.Context, accessToken string) (Session, error) {
	endpoint, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid ticker url: %w", err)
	}
	q := endpoint.Query()
	q.Set("api_key", c.config.APIKey)
	q.Set("access_token", accessToken)
	endpoint.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &TickerSession{
		conn:         conn,
		writeTimeout: c.config.WriteTimeout,
		events:       make(chan Event, c.config.EventBuffer),
		done:         make(chan struct{}),
	}
	s.connected.Store(true)
	go s.readLoop()
	return s, nil
}

// DialError is a handshake the ticker rejected with an HTTP status.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("websocket dial: %v (status %d)", e.Err, e.StatusCode)
}

func (e *DialError) Unwrap() error { return e.Err }

// TickerSession is a single websocket connection to the ticker.
type TickerSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

type tickerRequest struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *TickerSession) Events() <-chan Event {
	return s.events
}

func (s *TickerSession) IsConnected() bool {
	return s.connected.Load()
}

func (s *TickerSession) Subscribe(tokens []uint32) error {
	return s.write(tickerRequest{Action: "subscribe", Value: tokens})
}

func (s *TickerSession) SetMode(mode Mode, tokens []uint32) error {
	return s.write(tickerRequest{Action: "mode", Value: []any{mode, tokens}})
}

// Close ends the session. It is safe to call more than once.
func (s *TickerSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.connected.Store(false)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *TickerSession) write(req tickerRequest) error {
	if !s.IsConnected() {
		return errors.New("kite: session not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write %s: %w", req.Action, err)
	}
	return nil
}

func (s *TickerSession) emit(ev Event) bool {
	ev.At = time.Now()
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *TickerSession) readLoop() {
	defer close(s.events)
	defer s.connected.Store(false)

	if !s.emit(Event{Kind: EventConnected}) {
		return
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.connected.Store(false)

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.emit(Event{Kind: EventClosed, Code: closeErr.Code, Reason: closeErr.Text})
				return
			}
			s.emit(Event{Kind: EventError, Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			// A truncated frame still yields the packets decoded before it.
			ticks, _ := ParseBinary(data)
			if len(ticks) > 0 && !s.emit(Event{Kind: EventTicks, Ticks: ticks}) {
				return
			}

		case websocket.TextMessage:
			var msg textMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "error" {
				var reason string
				if err := json.Unmarshal(msg.Data, &reason); err != nil {
					reason = string(msg.Data)
				}
				if !s.emit(Event{Kind: EventError, Reason: reason}) {
					return
				}
			}
		}
	}
}
