package channel

import (
	"encoding/json"
	"time"

	"github.com/counselcomm/comms/internal/model"
)

// Named events of the messaging transport. The server relays every payload
// to the other members of the room; it is an external collaborator whose
// contract is assumed, not defined here.
const (
	EvJoinRoom       = "join_room"
	EvLeaveRoom      = "leave_room"
	EvSendMessage    = "send_message"
	EvReceiveMessage = "receive_message"
	EvMessageAck     = "message_ack"
	EvUserTyping     = "user_typing"
	EvMessageRead    = "message_read"
	EvUserJoined     = "user_joined"
	EvUserLeft       = "user_left"

	// Signaling envelopes, relayed verbatim for the media coordinator.
	EvOffer        = "offer"
	EvAnswer       = "answer"
	EvICECandidate = "ice_candidate"
)

// Envelope is one frame on the socket. Data carries the event-specific
// payload untouched; signaling payloads are never interpreted here.
type Envelope struct {
	Event  string          `json:"event"`
	RoomID string          `json:"roomId"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Signal is a signaling envelope handed to SubscribeSignals consumers
// (the media negotiation coordinator).
type Signal struct {
	RoomID string
	From   string
	To     string
	Event  string
	Seq    uint64
	Data   json.RawMessage
}

// ackPayload confirms delivery of a sent message.
type ackPayload struct {
	ID string `json:"id"`
}

// typingPayload announces that a participant is typing in a room.
type typingPayload struct {
	ParticipantID string `json:"participantId"`
}

// readPayload acknowledges that a participant has read a message.
type readPayload struct {
	MessageID     string `json:"messageId"`
	ParticipantID string `json:"participantId"`
}

// Diagnostic log entry kinds.
const (
	DiagConnect          = "connect"
	DiagDisconnect       = "disconnect"
	DiagReconnectAttempt = "reconnect_attempt"
	DiagReconnectOK      = "reconnect_ok"
	DiagGiveUp           = "give_up"
)

// DiagEvent is one connection lifecycle entry in the diagnostic ring buffer.
type DiagEvent struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// RoomEvent is delivered to OnRoomEvent handlers whenever room state changes.
// Exactly one of the optional fields is set, matching Type.
type RoomEvent struct {
	Type   string
	RoomID string

	Message       *model.Message
	Typing        *model.TypingState
	ParticipantID string
	MessageID     string
}
