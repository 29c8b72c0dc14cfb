package kite_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/tickstream-go/pkg/kite"
)

type tickerServer struct {
	*httptest.Server
	requests chan map[string]any
	query    chan string
	conns    chan *websocket.Conn
}

func newTickerServer(t *testing.T) *tickerServer {
	t.Helper()
	ts := &tickerServer{
		requests: make(chan map[string]any, 16),
		query:    make(chan string, 1),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if json.Unmarshal(data, &req) == nil {
				ts.requests <- req
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tickerServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func nextEvent(t *testing.T, s kite.Session) kite.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return kite.Event{}
}

func TestTickerSession_ConnectSubscribeAndTicks(t *testing.T) {
	server := newTickerServer(t)
	connector := kite.NewTickerConnector(kite.TickerConfig{URL: server.wsURL(), APIKey: "key"})

	session, err := connector.Connect(context.Background(), "token")
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	assert.Contains(t, <-server.query, "access_token=token")
	assert.Equal(t, kite.EventConnected, nextEvent(t, session).Kind)
	assert.True(t, session.IsConnected())

	require.NoError(t, session.Subscribe([]uint32{256265, 10001}))
	require.NoError(t, session.SetMode(kite.ModeFull, []uint32{256265, 10001}))

	sub := <-server.requests
	assert.Equal(t, "subscribe", sub["a"])
	assert.Equal(t, []any{float64(256265), float64(10001)}, sub["v"])

	mode := <-server.requests
	assert.Equal(t, "mode", mode["a"])
	assert.Equal(t, []any{"full", []any{float64(256265), float64(10001)}}, mode["v"])

	conn := <-server.conns
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(packet(8, map[int]uint32{0: 10001, 4: 10050}))))

	ev := nextEvent(t, session)
	require.Equal(t, kite.EventTicks, ev.Kind, "heartbeat produces no event")
	require.Len(t, ev.Ticks, 1)
	assert.Equal(t, "100.5", ev.Ticks[0].LastPrice.String())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":"invalid token"}`)))
	ev = nextEvent(t, session)
	assert.Equal(t, kite.EventError, ev.Kind)
	assert.Equal(t, "invalid token", ev.Reason)
}

func TestTickerSession_ServerClose(t *testing.T) {
	server := newTickerServer(t)
	connector := kite.NewTickerConnector(kite.TickerConfig{URL: server.wsURL(), APIKey: "key"})

	session, err := connector.Connect(context.Background(), "token")
	require.NoError(t, err)
	defer func() { _ = session.Close() }()
	assert.Equal(t, kite.EventConnected, nextEvent(t, session).Kind)

	conn := <-server.conns
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"), time.Now().Add(time.Second)))

	ev := nextEvent(t, session)
	assert.Equal(t, kite.EventClosed, ev.Kind)
	assert.Equal(t, kite.CloseGoingAway, ev.Code)
	assert.True(t, kite.IsNormalClosure(ev.Code))
	assert.False(t, session.IsConnected())
}

func TestTickerSession_CloseStopsEvents(t *testing.T) {
	server := newTickerServer(t)
	connector := kite.NewTickerConnector(kite.TickerConfig{URL: server.wsURL(), APIKey: "key"})

	session, err := connector.Connect(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, kite.EventConnected, nextEvent(t, session).Kind)

	require.NoError(t, session.Close())
	assert.NoError(t, session.Close(), "close is idempotent")
	assert.False(t, session.IsConnected())
	assert.Error(t, session.Subscribe([]uint32{1}))

	select {
	case _, ok := <-session.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestTickerConnector_DialFailure(t *testing.T) {
	connector := kite.NewTickerConnector(kite.TickerConfig{URL: "ws://127.0.0.1:1", APIKey: "key", HandshakeTimeout: 200 * time.Millisecond})
	_, err := connector.Connect(context.Background(), "token")
	assert.Error(t, err)
}

func TestTickerConnector_RejectedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid access token", http.StatusForbidden)
	}))
	defer server.Close()

	connector := kite.NewTickerConnector(kite.TickerConfig{URL: "ws" + strings.TrimPrefix(server.URL, "http"), APIKey: "key"})
	_, err := connector.Connect(context.Background(), "expired")

	var dialErr *kite.DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, http.StatusForbidden, dialErr.StatusCode)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}
