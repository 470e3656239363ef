package channel

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

	"github.com/counselcomm/comms/internal/config"
	"github.com/counselcomm/comms/internal/model"
)

// wsServer is a minimal relay endpoint: it accepts upgrades and hands each
// connection to the test.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auths chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns: make(chan *websocket.Conn, 4),
		auths: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auths <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func newConnectedChannel(t *testing.T, s *wsServer, reconnect config.Reconnect) *Channel {
	t.Helper()
	c := New(Options{
		SocketURL:       s.url(),
		Reconnect:       reconnect,
		ConnectTimeout:  2 * time.Second,
		AckTimeout:      time.Second,
		TypingExpiry:    time.Second,
		DiagCapacity:    32,
		HistoryCapacity: 16,
	}, testSelf)
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), "tok-123"))
	return c
}

func TestConnectSendsBearerToken(t *testing.T) {
	s := newWSServer(t)
	c := newConnectedChannel(t, s, config.Reconnect{MaxAttempts: 1, InitialDelayMs: 10, MaxDelayMs: 20})
	defer c.Close()

	assert.Equal(t, "Bearer tok-123", <-s.auths)
	assert.True(t, c.IsConnected())

	diag := c.Diagnostics()
	require.NotEmpty(t, diag)
	assert.Equal(t, DiagConnect, diag[len(diag)-1].Kind)
}

func TestJoinAndReceiveOverSocket(t *testing.T) {
	s := newWSServer(t)
	c := newConnectedChannel(t, s, config.Reconnect{MaxAttempts: 1, InitialDelayMs: 10, MaxDelayMs: 20})
	server := s.accept(t)

	require.NoError(t, c.JoinRoom("room-1"))
	join := readEnvelope(t, server)
	assert.Equal(t, EvJoinRoom, join.Event)
	assert.Equal(t, "room-1", join.RoomID)
	assert.Equal(t, testSelf.ID, join.From)

	data, _ := json.Marshal(model.Message{ID: "m1", Sender: model.Participant{ID: "peer"}, Body: "from server"})
	require.NoError(t, server.WriteJSON(Envelope{Event: EvReceiveMessage, RoomID: "room-1", From: "peer", Data: data}))

	assert.Eventually(t, func() bool {
		msgs := c.Messages("room-1")
		return len(msgs) == 1 && msgs[0].Body == "from server"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectAndRejoinAfterDrop(t *testing.T) {
	s := newWSServer(t)
	c := newConnectedChannel(t, s, config.Reconnect{MaxAttempts: 0, InitialDelayMs: 10, MaxDelayMs: 40})
	server := s.accept(t)

	require.NoError(t, c.JoinRoom("room-1"))
	readEnvelope(t, server) // join_room

	// Kill the connection from the server side.
	server.Close()

	// The client reconnects on its own and re-subscribes the joined room.
	server2 := s.accept(t)
	rejoin := readEnvelope(t, server2)
	assert.Equal(t, EvJoinRoom, rejoin.Event)
	assert.Equal(t, "room-1", rejoin.RoomID)

	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	kinds := diagKinds(c)
	assert.Contains(t, kinds, DiagDisconnect)
	assert.Contains(t, kinds, DiagReconnectAttempt)
	assert.Contains(t, kinds, DiagReconnectOK)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	s := newWSServer(t)
	c := newConnectedChannel(t, s, config.Reconnect{MaxAttempts: 2, InitialDelayMs: 10, MaxDelayMs: 20})
	server := s.accept(t)

	// Take the endpoint away entirely, then drop the connection.
	s.srv.CloseClientConnections()
	s.srv.Close()
	server.Close()

	assert.Eventually(t, func() bool {
		for _, k := range diagKinds(c) {
			if k == DiagGiveUp {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestInitialConnectFailureStartsBackgroundRetry(t *testing.T) {
	s := newWSServer(t)
	s.srv.Close() // nothing listening

	c := New(Options{
		SocketURL:       s.url(),
		Reconnect:       config.Reconnect{MaxAttempts: 1, InitialDelayMs: 10, MaxDelayMs: 20},
		ConnectTimeout:  200 * time.Millisecond,
		AckTimeout:      time.Second,
		TypingExpiry:    time.Second,
		DiagCapacity:    32,
		HistoryCapacity: 16,
	}, testSelf)
	t.Cleanup(c.Close)

	err := c.Connect(context.Background(), "tok")
	require.Error(t, err)

	// The background loop runs its single attempt and gives up.
	assert.Eventually(t, func() bool {
		for _, k := range diagKinds(c) {
			if k == DiagGiveUp {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func diagKinds(c *Channel) []string {
	events := c.Diagnostics()
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}
