// Package model holds the shared data types of the communication subsystem:
// rooms, participants, messages, and typing state. Rooms are value objects —
// a reload replaces them wholesale, nothing is mutated in place.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantType distinguishes the portal roles. One parameterized model,
// not one code path per role.
type ParticipantType string

const (
	ParticipantStudent   ParticipantType = "student"
	ParticipantCounselor ParticipantType = "counselor"
	ParticipantAdmin     ParticipantType = "admin"
)

// Participant is a counterparty in a Room.
type Participant struct {
	ID          string          `json:"id"`
	Type        ParticipantType `json:"type"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	// IsOnline is last-known presence, updated from presence events.
	// Best-effort only — there is no liveness protocol on this side.
	IsOnline bool `json:"isOnline"`
}

// Room is one appointment-scoped communication context.
type Room struct {
	ID           string        `json:"roomId"`
	Participants []Participant `json:"participants"`
	// StartTime and EndTime are advisory scheduling bounds, not enforced here.
	StartTime time.Time `json:"startTime,omitempty"`
	EndTime   time.Time `json:"endTime,omitempty"`
}

// Participant returns the room participant with the given id.
func (r Room) Participant(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Remotes returns every participant except selfID.
func (r Room) Remotes(selfID string) []Participant {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.ID != selfID {
			out = append(out, p)
		}
	}
	return out
}

// AppointmentParty is the counselor/student record shape supplied by the
// external appointment system.
type AppointmentParty struct {
	Email          string `json:"email"`
	FullName       string `json:"fullName"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	IsOnline       bool   `json:"isOnline"`
}

// Appointment is one record from the external appointment source. Each
// appointment maps 1:1 to a Room via RoomID.
type Appointment struct {
	ID        string            `json:"id"`
	RoomID    string            `json:"roomId"`
	Date      string            `json:"date"`
	TimeSlot  string            `json:"timeSlot"`
	Reason    string            `json:"reason,omitempty"`
	Status    string            `json:"status"`
	StartTime time.Time         `json:"startTime,omitempty"`
	EndTime   time.Time         `json:"endTime,omitempty"`
	Counselor *AppointmentParty `json:"counselor,omitempty"`
	Student   *AppointmentParty `json:"student,omitempty"`
}

// Room converts the appointment into a Room containing self plus whichever
// counterparty records the appointment carries.
func (a Appointment) Room(self Participant) Room {
	parts := []Participant{self}
	if a.Counselor != nil && a.Counselor.Email != self.ID {
		parts = append(parts, a.Counselor.participant(ParticipantCounselor))
	}
	if a.Student != nil && a.Student.Email != self.ID {
		parts = append(parts, a.Student.participant(ParticipantStudent))
	}
	return Room{
		ID:           a.RoomID,
		Participants: parts,
		StartTime:    a.StartTime,
		EndTime:      a.EndTime,
	}
}

func (p *AppointmentParty) participant(t ParticipantType) Participant {
	return Participant{
		ID:          p.Email,
		Type:        t,
		DisplayName: p.FullName,
		AvatarURL:   p.ProfilePicture,
		IsOnline:    p.IsOnline,
	}
}

// DeliveryState tracks an optimistically sent message through the transport.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one chat message within a Room. The ID is client-generated —
// the server is not assumed to assign or echo a canonical id.
type Message struct {
	ID       string      `json:"id"`
	RoomID   string      `json:"roomId"`
	Sender   Participant `json:"sender"`
	Body     string      `json:"body"`
	// Timestamp is the client-observed time of send or receipt, unix millis.
	Timestamp int64 `json:"timestamp"`
	// ReadBy holds participant ids that acknowledged the message.
	// It grows monotonically, never shrinks.
	ReadBy   []string      `json:"readBy,omitempty"`
	Delivery DeliveryState `json:"deliveryState,omitempty"`
}

// NewMessage builds an outbound message with a fresh client-generated id,
// prefixed with the sender id for easy correlation in logs.
func NewMessage(roomID string, sender Participant, body string) Message {
	return Message{
		ID:        sender.ID + "-" + uuid.NewString(),
		RoomID:    roomID,
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
		Delivery:  DeliveryPending,
	}
}

// ReadByContains reports whether participantID already acknowledged the message.
func (m Message) ReadByContains(participantID string) bool {
	for _, id := range m.ReadBy {
		if id == participantID {
			return true
		}
	}
	return false
}

// TypingState is a transient per-room typing indicator. It is never
// persisted and expires when ExpiresAt passes without a renewal.
type TypingState struct {
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}
