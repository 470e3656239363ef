package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counselcomm/comms/internal/model"
)

var self = model.Participant{ID: "me@school.edu", Type: model.ParticipantStudent}

func appt(id, roomID, counselor string) model.Appointment {
	return model.Appointment{
		ID:        id,
		RoomID:    roomID,
		Counselor: &model.AppointmentParty{Email: counselor, FullName: "C " + counselor},
	}
}

func TestLoadRoomsBuildsOrderedList(t *testing.T) {
	r := New(self)
	res := r.LoadRooms([]model.Appointment{
		appt("a1", "room-1", "c1@school.edu"),
		appt("a2", "room-2", "c2@school.edu"),
	})

	assert.Empty(t, res.Dropped)
	assert.False(t, res.ActiveCleared)

	rooms := r.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "room-1", rooms[0].ID)
	assert.Equal(t, "room-2", rooms[1].ID)

	// Each room holds self plus the counterparty.
	require.Len(t, rooms[0].Participants, 2)
	assert.Equal(t, self.ID, rooms[0].Participants[0].ID)
	assert.Equal(t, "c1@school.edu", rooms[0].Participants[1].ID)
}

func TestLoadRoomsSkipsEmptyAndDuplicateIDs(t *testing.T) {
	r := New(self)
	r.LoadRooms([]model.Appointment{
		appt("a1", "", "c1@school.edu"),
		appt("a2", "room-1", "c1@school.edu"),
		appt("a3", "room-1", "c2@school.edu"),
	})

	rooms := r.Rooms()
	require.Len(t, rooms, 1)
	// First appointment for a room id wins.
	assert.Equal(t, "c1@school.edu", rooms[0].Participants[1].ID)
}

func TestReloadReportsDroppedRooms(t *testing.T) {
	r := New(self)
	r.LoadRooms([]model.Appointment{
		appt("a1", "room-1", "c1@school.edu"),
		appt("a2", "room-2", "c2@school.edu"),
	})

	res := r.LoadRooms([]model.Appointment{
		appt("a2", "room-2", "c2@school.edu"),
	})

	assert.Equal(t, []string{"room-1"}, res.Dropped)
	assert.False(t, res.ActiveCleared)
	assert.Len(t, r.Rooms(), 1)
}

func TestReloadInvalidatesActiveRoom(t *testing.T) {
	r := New(self)
	r.LoadRooms([]model.Appointment{appt("a1", "room-1", "c1@school.edu")})

	_, err := r.SelectRoom("room-1")
	require.NoError(t, err)

	res := r.LoadRooms([]model.Appointment{appt("a2", "room-2", "c2@school.edu")})

	assert.True(t, res.ActiveCleared)
	assert.Equal(t, []string{"room-1"}, res.Dropped)
	_, ok := r.ActiveRoom()
	assert.False(t, ok, "stale active room must not survive a reload")
}

func TestReloadKeepsActiveRoomWhenStillPresent(t *testing.T) {
	r := New(self)
	r.LoadRooms([]model.Appointment{appt("a1", "room-1", "c1@school.edu")})
	_, err := r.SelectRoom("room-1")
	require.NoError(t, err)

	res := r.LoadRooms([]model.Appointment{
		appt("a1", "room-1", "c1@school.edu"),
		appt("a2", "room-2", "c2@school.edu"),
	})

	assert.False(t, res.ActiveCleared)
	active, ok := r.ActiveRoom()
	require.True(t, ok)
	assert.Equal(t, "room-1", active.ID)
}

func TestSelectUnknownRoom(t *testing.T) {
	r := New(self)
	_, err := r.SelectRoom("nope")

	var notFound *RoomNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.RoomID)
}

func TestDeselectReturnsPrevious(t *testing.T) {
	r := New(self)
	r.LoadRooms([]model.Appointment{appt("a1", "room-1", "c1@school.edu")})

	assert.Equal(t, "", r.DeselectRoom())

	_, err := r.SelectRoom("room-1")
	require.NoError(t, err)
	assert.Equal(t, "room-1", r.DeselectRoom())
	_, ok := r.ActiveRoom()
	assert.False(t, ok)
}
