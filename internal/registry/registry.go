// Package registry maintains the local list of rooms available to the
// current user and which one, if any, is active. It performs no I/O; the
// appointment list is fetched elsewhere and handed in whole.
package registry

import (
	"fmt"
	"log"
	"sync"

	"github.com/counselcomm/comms/internal/model"
)

// RoomNotFoundError is returned by SelectRoom for an unknown room id.
type RoomNotFoundError struct {
	RoomID string
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room not found: %s", e.RoomID)
}

// ReloadResult tells the caller what a LoadRooms replaced, so it can cascade
// teardown of channel subscriptions and peer sessions tied to dropped rooms.
type ReloadResult struct {
	// Dropped lists room ids that existed before the reload and are absent
	// from the new appointment list.
	Dropped []string
	// ActiveCleared is true when the previously active room was dropped.
	ActiveCleared bool
}

// Registry is the authoritative local room list. Single-writer state under a
// mutex; safe for concurrent readers.
type Registry struct {
	self model.Participant

	mu       sync.RWMutex
	rooms    map[string]model.Room
	order    []string
	activeID string
}

func New(self model.Participant) *Registry {
	return &Registry{
		self:  self,
		rooms: make(map[string]model.Room),
	}
}

// LoadRooms replaces the full room list from the appointment list. There are
// no partial merge semantics — prior Room objects are discarded. Any live
// peer sessions tied to dropped rooms must be torn down by the caller using
// the returned ReloadResult.
func (r *Registry) LoadRooms(appointments []model.Appointment) ReloadResult {
	next := make(map[string]model.Room, len(appointments))
	order := make([]string, 0, len(appointments))
	for _, a := range appointments {
		if a.RoomID == "" {
			continue
		}
		if _, dup := next[a.RoomID]; dup {
			continue
		}
		next[a.RoomID] = a.Room(r.self)
		order = append(order, a.RoomID)
	}

	r.mu.Lock()
	var res ReloadResult
	for id := range r.rooms {
		if _, ok := next[id]; !ok {
			res.Dropped = append(res.Dropped, id)
		}
	}
	if r.activeID != "" {
		if _, ok := next[r.activeID]; !ok {
			res.ActiveCleared = true
			r.activeID = ""
		}
	}
	r.rooms = next
	r.order = order
	r.mu.Unlock()

	log.Printf("REGISTRY: loaded %d rooms (%d dropped)", len(order), len(res.Dropped))
	return res
}

// SelectRoom sets the active room. Returns *RoomNotFoundError when the id is
// not in the registry.
func (r *Registry) SelectRoom(roomID string) (model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return model.Room{}, &RoomNotFoundError{RoomID: roomID}
	}
	r.activeID = roomID
	return room, nil
}

// DeselectRoom clears the active room and returns the id that was active,
// or "" if none was.
func (r *Registry) DeselectRoom() string {
	r.mu.Lock()
	prev := r.activeID
	r.activeID = ""
	r.mu.Unlock()
	return prev
}

// Rooms returns the rooms in appointment-list order.
func (r *Registry) Rooms() []model.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Room, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rooms[id])
	}
	return out
}

// ActiveRoom returns the active room, if one is selected.
func (r *Registry) ActiveRoom() (model.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.activeID == "" {
		return model.Room{}, false
	}
	room, ok := r.rooms[r.activeID]
	return room, ok
}

// Self returns the local participant identity the registry was built with.
func (r *Registry) Self() model.Participant {
	return r.self
}
