// Package channel owns the single persistent socket connection of the
// authenticated session and exposes per-room pub/sub semantics on top of it:
// chat messages, typing indicators, read receipts, presence, and the raw
// signaling envelopes consumed by the media negotiation coordinator.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/counselcomm/comms/internal/config"
	"github.com/counselcomm/comms/internal/model"
	"github.com/counselcomm/comms/internal/util"
)

// ErrNotConnected is returned when a write is attempted with no live socket.
// Optimistic local state is still updated by the caller in that case.
var ErrNotConnected = errors.New("channel: not connected")

// Options configures a Channel. Zero values are filled from config defaults.
type Options struct {
	SocketURL       string
	Reconnect       config.Reconnect
	ConnectTimeout  time.Duration
	AckTimeout      time.Duration
	TypingExpiry    time.Duration
	DiagCapacity    int
	HistoryCapacity int
}

// OptionsFromConfig maps the config file sections onto channel Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SocketURL:       cfg.Server.SocketURL,
		Reconnect:       cfg.Reconnect,
		ConnectTimeout:  cfg.Channel.ConnectTimeout(),
		AckTimeout:      cfg.Channel.AckTimeout(),
		TypingExpiry:    cfg.Channel.TypingExpiry(),
		DiagCapacity:    cfg.Channel.DiagCapacity,
		HistoryCapacity: cfg.Channel.HistoryCapacity,
	}
}

// RoomHandler receives room events as they are applied.
type RoomHandler func(RoomEvent)

// Channel multiplexes all room traffic over one socket connection.
// Lifecycle is init-on-login, teardown-on-logout: construct with New, call
// Connect once with the session token, Close on logout. It is an explicitly
// constructed, dependency-injected instance — never an ambient global.
type Channel struct {
	opts Options
	self model.Participant

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	retrying  bool
	token     string
	joined    map[string]struct{}
	rooms     map[string]*roomState
	handlers  map[string][]RoomHandler

	// writeMu serializes frames on the socket.
	writeMu sync.Mutex

	sigMu   sync.RWMutex
	sigSubs map[chan *Signal]struct{}

	diag *util.RingBuffer[DiagEvent]

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Channel for the given local participant. No I/O happens
// until Connect.
func New(opts Options, self model.Participant) *Channel {
	def := config.Default()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.Channel.ConnectTimeout()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.Channel.AckTimeout()
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = def.Channel.TypingExpiry()
	}
	if opts.DiagCapacity <= 0 {
		opts.DiagCapacity = def.Channel.DiagCapacity
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = def.Channel.HistoryCapacity
	}
	if opts.Reconnect.InitialDelayMs <= 0 {
		opts.Reconnect = def.Reconnect
	}

	return &Channel{
		opts:     opts,
		self:     self,
		joined:   make(map[string]struct{}),
		rooms:    make(map[string]*roomState),
		handlers: make(map[string][]RoomHandler),
		sigSubs:  make(map[chan *Signal]struct{}),
		diag:     util.NewRingBuffer[DiagEvent](opts.DiagCapacity),
		done:     make(chan struct{}),
	}
}

// Connect establishes the underlying connection, attaching the bearer token
// to the handshake. On handshake failure the error is returned and the
// reconnect loop takes over in the background, so a transient outage at
// login does not leave the channel permanently dead.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logDiag(DiagDisconnect, fmt.Sprintf("initial connect failed: %v", err))
		c.startReconnect()
		return fmt.Errorf("channel: connect: %w", err)
	}

	c.adopt(conn)
	c.logDiag(DiagConnect, "")
	log.Printf("CHANNEL: connected to %s", c.opts.SocketURL)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.opts.SocketURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// adopt installs a freshly dialed connection and starts its read loop.
func (c *Channel) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.retrying = false
	c.mu.Unlock()

	go c.readLoop(conn)
}

// IsConnected reports the last-known transport state.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Diagnostics returns a snapshot of the connection lifecycle log
// (oldest first, capped at DiagCapacity entries).
func (c *Channel) Diagnostics() []DiagEvent {
	return c.diag.Snapshot()
}

// Close tears the connection down for good. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connected = false
		for _, rs := range c.rooms {
			rs.stopTimers()
		}
		c.rooms = make(map[string]*roomState)
		c.joined = make(map[string]struct{})
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		c.sigMu.Lock()
		for ch := range c.sigSubs {
			close(ch)
		}
		c.sigSubs = nil
		c.sigMu.Unlock()

		log.Printf("CHANNEL: closed")
	})
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readLoop decodes envelopes off one connection until it dies, then hands
// over to the reconnect loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.closed() {
				return
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()
			c.logDiag(DiagDisconnect, err.Error())
			log.Printf("CHANNEL: disconnected: %v", err)
			c.startReconnect()
			return
		}
		c.apply(env)
	}
}

// startReconnect launches a single reconnect loop if none is running.
func (c *Channel) startReconnect() {
	if c.closed() {
		return
	}
	c.mu.Lock()
	if c.retrying || c.connected {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff from InitialDelay up to
// MaxDelay. MaxAttempts 0 retries forever — availability over fast failure.
func (c *Channel) reconnectLoop() {
	delay := c.opts.Reconnect.InitialDelay()
	maxDelay := c.opts.Reconnect.MaxDelay()

	for attempt := 1; ; attempt++ {
		if max := c.opts.Reconnect.MaxAttempts; max > 0 && attempt > max {
			c.logDiag(DiagGiveUp, fmt.Sprintf("after %d attempts", max))
			log.Printf("CHANNEL: giving up after %d reconnect attempts", max)
			c.mu.Lock()
			c.retrying = false
			c.mu.Unlock()
			return
		}

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		c.logDiag(DiagReconnectAttempt, fmt.Sprintf("attempt %d", attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.adopt(conn)
			c.logDiag(DiagReconnectOK, fmt.Sprintf("attempt %d", attempt))
			log.Printf("CHANNEL: reconnected (attempt %d)", attempt)
			c.rejoinAll()
			return
		}

		log.Printf("CHANNEL: reconnect attempt %d failed: %v", attempt, err)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// rejoinAll re-subscribes every joined room after a reconnect.
func (c *Channel) rejoinAll() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if err := c.writeEnvelope(Envelope{Event: EvJoinRoom, RoomID: id, From: c.self.ID}); err != nil {
			log.Printf("CHANNEL [%s]: rejoin failed: %v", id, err)
		}
	}
}

// JoinRoom subscribes to server-pushed events for the room. Idempotent:
// joining an already-joined room is a no-op.
func (c *Channel) JoinRoom(roomID string) error {
	c.mu.Lock()
	if _, ok := c.joined[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.joined[roomID] = struct{}{}
	c.ensureRoomLocked(roomID)
	c.mu.Unlock()

	log.Printf("CHANNEL [%s]: joined", roomID)
	if err := c.writeEnvelope(Envelope{Event: EvJoinRoom, RoomID: roomID, From: c.self.ID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// LeaveRoom unsubscribes and drops the room's transient state. Peer sessions
// signaling through this room must already have been torn down by the caller;
// the channel does not cascade.
func (c *Channel) LeaveRoom(roomID string) error {
	c.mu.Lock()
	if _, ok := c.joined[roomID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.joined, roomID)
	if rs, ok := c.rooms[roomID]; ok {
		rs.stopTimers()
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	log.Printf("CHANNEL [%s]: left", roomID)
	if err := c.writeEnvelope(Envelope{Event: EvLeaveRoom, RoomID: roomID, From: c.self.ID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// SendMessage constructs a message with a fresh client id, appends it
// optimistically to the local sequence, and transmits it. The returned
// message is in DeliveryPending state; it moves to delivered on transport
// ack, or to failed when the ack timeout passes first.
func (c *Channel) SendMessage(roomID, body string) (model.Message, error) {
	msg := model.NewMessage(roomID, c.self, body)

	c.mu.Lock()
	rs := c.ensureRoomLocked(roomID)
	rs.append(msg)
	c.mu.Unlock()

	c.armAckTimeout(roomID, msg.ID)
	c.notify(RoomEvent{Type: EvSendMessage, RoomID: roomID, Message: &msg})

	data, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("channel: encode message: %w", err)
	}
	if err := c.writeEnvelope(Envelope{Event: EvSendMessage, RoomID: roomID, From: c.self.ID, Data: data}); err != nil {
		// Keep the optimistic entry; the ack timer will mark it failed.
		log.Printf("CHANNEL [%s]: send failed, message %s stays pending: %v", roomID, msg.ID, err)
	}
	return msg, nil
}

// armAckTimeout marks the message failed if no delivery ack arrives in time.
func (c *Channel) armAckTimeout(roomID, msgID string) {
	time.AfterFunc(c.opts.AckTimeout, func() {
		if c.closed() {
			return
		}
		if c.setDelivery(roomID, msgID, model.DeliveryFailed, model.DeliveryPending) {
			log.Printf("CHANNEL [%s]: message %s not acked, marked failed", roomID, msgID)
			c.notify(RoomEvent{Type: EvMessageAck, RoomID: roomID, MessageID: msgID})
		}
	})
}

// SendTyping announces that the local user is typing in the room.
func (c *Channel) SendTyping(roomID string) error {
	data, _ := json.Marshal(typingPayload{ParticipantID: c.self.ID})
	return c.writeEnvelope(Envelope{Event: EvUserTyping, RoomID: roomID, From: c.self.ID, Data: data})
}

// MarkRead sends a read receipt for a message in the room.
func (c *Channel) MarkRead(roomID, messageID string) error {
	data, _ := json.Marshal(readPayload{MessageID: messageID, ParticipantID: c.self.ID})
	return c.writeEnvelope(Envelope{Event: EvMessageRead, RoomID: roomID, From: c.self.ID, Data: data})
}

// SendSignal relays a signaling payload (offer, answer, ice candidate) to a
// specific participant through the room. The payload is opaque to the channel.
func (c *Channel) SendSignal(roomID, to, event string, seq uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encode signal: %w", err)
	}
	return c.writeEnvelope(Envelope{Event: event, RoomID: roomID, From: c.self.ID, To: to, Seq: seq, Data: data})
}

// OnRoomEvent registers a handler for one room's events. Handlers are called
// from the socket read goroutine; they must not block.
func (c *Channel) OnRoomEvent(roomID string, h RoomHandler) {
	c.mu.Lock()
	c.handlers[roomID] = append(c.handlers[roomID], h)
	c.mu.Unlock()
}

// SubscribeSignals returns a channel of signaling envelopes and a cancel
// function. Slow subscribers drop signals rather than stall the read loop.
func (c *Channel) SubscribeSignals() (ch chan *Signal, cancel func()) {
	ch = make(chan *Signal, 64)

	c.sigMu.Lock()
	if c.sigSubs == nil {
		c.sigMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.sigSubs[ch] = struct{}{}
	c.sigMu.Unlock()

	cancel = func() {
		c.sigMu.Lock()
		if _, ok := c.sigSubs[ch]; ok {
			delete(c.sigSubs, ch)
			close(ch)
		}
		c.sigMu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) writeEnvelope(env Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("channel: write %s: %w", env.Event, err)
	}
	return nil
}

// notify fans a room event out to that room's handlers, outside any lock.
func (c *Channel) notify(ev RoomEvent) {
	c.mu.RLock()
	hs := make([]RoomHandler, len(c.handlers[ev.RoomID]))
	copy(hs, c.handlers[ev.RoomID])
	c.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

func (c *Channel) logDiag(kind, detail string) {
	c.diag.Push(DiagEvent{Time: time.Now(), Kind: kind, Detail: detail})
}
