package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageGeneratesCorrelatableID(t *testing.T) {
	sender := Participant{ID: "me@school.edu"}
	m := NewMessage("room-1", sender, "hello")

	assert.True(t, strings.HasPrefix(m.ID, "me@school.edu-"))
	assert.Equal(t, DeliveryPending, m.Delivery)
	assert.NotZero(t, m.Timestamp)

	m2 := NewMessage("room-1", sender, "hello")
	assert.NotEqual(t, m.ID, m2.ID)
}

func TestReadByContains(t *testing.T) {
	m := Message{ReadBy: []string{"a", "b"}}
	assert.True(t, m.ReadByContains("a"))
	assert.False(t, m.ReadByContains("c"))
}

func TestAppointmentToRoom(t *testing.T) {
	self := Participant{ID: "student@school.edu", Type: ParticipantStudent}
	a := Appointment{
		ID:     "appt-1",
		RoomID: "room-1",
		Counselor: &AppointmentParty{
			Email:    "counselor@school.edu",
			FullName: "Dr. Counselor",
			IsOnline: true,
		},
		Student: &AppointmentParty{Email: "student@school.edu", FullName: "The Student"},
	}

	room := a.Room(self)
	assert.Equal(t, "room-1", room.ID)

	// Self appears once even though the appointment also names us.
	require.Len(t, room.Participants, 2)
	assert.Equal(t, self.ID, room.Participants[0].ID)

	counselor, ok := room.Participant("counselor@school.edu")
	require.True(t, ok)
	assert.Equal(t, ParticipantCounselor, counselor.Type)
	assert.Equal(t, "Dr. Counselor", counselor.DisplayName)
	assert.True(t, counselor.IsOnline)

	remotes := room.Remotes(self.ID)
	require.Len(t, remotes, 1)
	assert.Equal(t, "counselor@school.edu", remotes[0].ID)
}
