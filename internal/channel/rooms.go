package channel

import (
	"encoding/json"
	"log"
	"time"

	"github.com/counselcomm/comms/internal/model"
)

// roomState is the transient per-room view kept while the room is joined:
// the message sequence in local receipt order, typing indicators, and
// last-known presence. Dropped entirely on LeaveRoom.
type roomState struct {
	msgs []model.Message
	// seen indexes message ids for O(1) de-duplication.
	seen     map[string]struct{}
	typing   map[string]*typingEntry
	presence map[string]bool
	cap      int
}

type typingEntry struct {
	expiresAt time.Time
	timer     *time.Timer
}

func newRoomState(historyCap int) *roomState {
	return &roomState{
		seen:     make(map[string]struct{}),
		typing:   make(map[string]*typingEntry),
		presence: make(map[string]bool),
		cap:      historyCap,
	}
}

// ensureRoomLocked returns the room state, creating it if needed.
// Caller holds c.mu.
func (c *Channel) ensureRoomLocked(roomID string) *roomState {
	rs, ok := c.rooms[roomID]
	if !ok {
		rs = newRoomState(c.opts.HistoryCapacity)
		c.rooms[roomID] = rs
	}
	return rs
}

// append adds a message to the sequence, trimming the oldest entries past
// the history cap. The id is recorded as seen even after trimming so a late
// redelivery of a trimmed message is still discarded.
func (rs *roomState) append(msg model.Message) {
	rs.seen[msg.ID] = struct{}{}
	rs.msgs = append(rs.msgs, msg)
	if len(rs.msgs) > rs.cap {
		rs.msgs = rs.msgs[len(rs.msgs)-rs.cap:]
	}
}

func (rs *roomState) stopTimers() {
	for _, t := range rs.typing {
		t.timer.Stop()
	}
	rs.typing = make(map[string]*typingEntry)
}

// Messages returns a copy of the room's message sequence in local receipt
// order. No global order across clients is guaranteed.
func (c *Channel) Messages(roomID string) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(rs.msgs))
	copy(out, rs.msgs)
	return out
}

// Typing returns the unexpired typing indicators for the room.
func (c *Channel) Typing(roomID string) []model.TypingState {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.TypingState, 0, len(rs.typing))
	for id, t := range rs.typing {
		if t.expiresAt.After(now) {
			out = append(out, model.TypingState{RoomID: roomID, ParticipantID: id, ExpiresAt: t.expiresAt})
		}
	}
	return out
}

// Presence returns the last-known online state of a participant in a room.
func (c *Channel) Presence(roomID, participantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	return rs.presence[participantID]
}

// apply routes one inbound envelope. All room-state mutation happens here,
// serialized by the read loop that calls it.
func (c *Channel) apply(env Envelope) {
	switch env.Event {
	case EvReceiveMessage:
		c.applyMessage(env)
	case EvMessageAck:
		c.applyAck(env)
	case EvUserTyping:
		c.applyTyping(env)
	case EvMessageRead:
		c.applyRead(env)
	case EvUserJoined, EvUserLeft:
		c.applyPresence(env)
	case EvOffer, EvAnswer, EvICECandidate:
		c.fanOutSignal(env)
	default:
		log.Printf("CHANNEL [%s]: unknown event %q dropped", env.RoomID, env.Event)
	}
}

// applyMessage appends an incoming chat message, discarding duplicates by id
// and self-echoes of optimistically sent messages.
func (c *Channel) applyMessage(env Envelope) {
	var msg model.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		log.Printf("CHANNEL [%s]: bad message payload: %v", env.RoomID, err)
		return
	}
	if msg.RoomID == "" {
		msg.RoomID = env.RoomID
	}
	if msg.Sender.ID == c.self.ID {
		return // self-echo of an optimistic send
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.Delivery = ""

	c.mu.Lock()
	rs := c.ensureRoomLocked(msg.RoomID)
	if _, dup := rs.seen[msg.ID]; dup {
		c.mu.Unlock()
		return
	}
	rs.append(msg)
	c.mu.Unlock()

	c.notify(RoomEvent{Type: EvReceiveMessage, RoomID: msg.RoomID, Message: &msg})
}

// applyAck moves a pending message to delivered.
func (c *Channel) applyAck(env Envelope) {
	var ack ackPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil || ack.ID == "" {
		return
	}
	if c.setDelivery(env.RoomID, ack.ID, model.DeliveryDelivered, model.DeliveryPending) {
		c.notify(RoomEvent{Type: EvMessageAck, RoomID: env.RoomID, MessageID: ack.ID})
	}
}

// setDelivery transitions a message's delivery state when it currently has
// the expected state. Returns whether a transition happened.
func (c *Channel) setDelivery(roomID, msgID string, to, expect model.DeliveryState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	for i := range rs.msgs {
		if rs.msgs[i].ID == msgID {
			if rs.msgs[i].Delivery != expect {
				return false
			}
			rs.msgs[i].Delivery = to
			return true
		}
	}
	return false
}

// applyTyping records a typing indicator that expires TypingExpiry after the
// latest renewal. A renewal before expiry extends the window.
func (c *Channel) applyTyping(env Envelope) {
	var p typingPayload
	_ = json.Unmarshal(env.Data, &p)
	id := p.ParticipantID
	if id == "" {
		id = env.From
	}
	if id == "" || id == c.self.ID {
		return
	}

	expiry := c.opts.TypingExpiry
	expiresAt := time.Now().Add(expiry)

	c.mu.Lock()
	rs := c.ensureRoomLocked(env.RoomID)
	if t, ok := rs.typing[id]; ok {
		t.expiresAt = expiresAt
		t.timer.Reset(expiry)
	} else {
		roomID := env.RoomID
		rs.typing[id] = &typingEntry{
			expiresAt: expiresAt,
			timer: time.AfterFunc(expiry, func() {
				c.expireTyping(roomID, id)
			}),
		}
	}
	c.mu.Unlock()

	c.notify(RoomEvent{Type: EvUserTyping, RoomID: env.RoomID, Typing: &model.TypingState{
		RoomID:        env.RoomID,
		ParticipantID: id,
		ExpiresAt:     expiresAt,
	}})
}

// expireTyping drops a typing entry once its latest expiry has passed.
// A renewal that raced the timer keeps the entry alive.
func (c *Channel) expireTyping(roomID, participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return
	}
	t, ok := rs.typing[participantID]
	if !ok {
		return
	}
	if t.expiresAt.After(time.Now()) {
		return
	}
	delete(rs.typing, participantID)
}

// applyRead grows a message's ReadBy set. It never shrinks.
func (c *Channel) applyRead(env Envelope) {
	var p readPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.MessageID == "" || p.ParticipantID == "" {
		return
	}

	c.mu.Lock()
	rs, ok := c.rooms[env.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	updated := false
	for i := range rs.msgs {
		if rs.msgs[i].ID == p.MessageID && !rs.msgs[i].ReadByContains(p.ParticipantID) {
			rs.msgs[i].ReadBy = append(rs.msgs[i].ReadBy, p.ParticipantID)
			updated = true
			break
		}
	}
	c.mu.Unlock()

	if updated {
		c.notify(RoomEvent{Type: EvMessageRead, RoomID: env.RoomID, MessageID: p.MessageID, ParticipantID: p.ParticipantID})
	}
}

// applyPresence updates last-known presence from join/leave events.
func (c *Channel) applyPresence(env Envelope) {
	if env.From == "" || env.From == c.self.ID {
		return
	}
	online := env.Event == EvUserJoined

	c.mu.Lock()
	rs := c.ensureRoomLocked(env.RoomID)
	rs.presence[env.From] = online
	c.mu.Unlock()

	c.notify(RoomEvent{Type: env.Event, RoomID: env.RoomID, ParticipantID: env.From})
}

// fanOutSignal hands a signaling envelope to subscribers untouched. Signals
// addressed to another participant are dropped here rather than by every
// subscriber.
func (c *Channel) fanOutSignal(env Envelope) {
	if env.To != "" && env.To != c.self.ID {
		return
	}
	sig := &Signal{
		RoomID: env.RoomID,
		From:   env.From,
		To:     env.To,
		Event:  env.Event,
		Seq:    env.Seq,
		Data:   env.Data,
	}

	c.sigMu.RLock()
	for ch := range c.sigSubs {
		select {
		case ch <- sig:
		default:
			log.Printf("CHANNEL [%s]: signal subscriber full, dropping %s", env.RoomID, env.Event)
		}
	}
	c.sigMu.RUnlock()
}
