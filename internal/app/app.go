// Package app wires the communication subsystem together: the room registry,
// the messaging channel, and one media coordinator per room. It owns the
// lifecycle — construct on login, Init to go online, Dispose on logout — and
// enforces the teardown ordering between layers.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/counselcomm/comms/internal/channel"
	"github.com/counselcomm/comms/internal/config"
	"github.com/counselcomm/comms/internal/model"
	"github.com/counselcomm/comms/internal/registry"
	"github.com/counselcomm/comms/internal/rtc"
)

// ErrNoActiveRoom is returned by operations that require a selected room.
var ErrNoActiveRoom = fmt.Errorf("app: no active room")

// channelSignaler adapts the messaging channel to the media coordinator's
// Signaler. It is the only seam between the two packages.
type channelSignaler struct {
	ch *channel.Channel
}

func (s channelSignaler) SendSignal(roomID, to, event string, seq uint64, payload any) error {
	return s.ch.SendSignal(roomID, to, event, seq, payload)
}

// App is the explicitly constructed session manager. There is exactly one per
// authenticated session, handed to callers by whoever owns the login flow —
// never reached through a package-level singleton.
type App struct {
	cfg  config.Config
	self model.Participant

	reg *registry.Registry
	ch  *channel.Channel

	mu     sync.Mutex
	coords map[string]*rtc.Coordinator

	sigCancel func()
	sigDone   chan struct{}
}

// New builds the session manager. No I/O happens until Init.
func New(cfg config.Config, self model.Participant) *App {
	return &App{
		cfg:    cfg,
		self:   self,
		reg:    registry.New(self),
		ch:     channel.New(channel.OptionsFromConfig(cfg), self),
		coords: make(map[string]*rtc.Coordinator),
	}
}

// Init connects the messaging channel and starts routing inbound signaling
// envelopes to the per-room coordinators. A failed initial dial is returned
// but not fatal: the channel keeps retrying in the background and the signal
// pump runs regardless.
func (a *App) Init(ctx context.Context, token string) error {
	sigs, cancel := a.ch.SubscribeSignals()
	a.mu.Lock()
	a.sigCancel = cancel
	a.sigDone = make(chan struct{})
	a.mu.Unlock()

	go a.pumpSignals(sigs)

	if err := a.ch.Connect(ctx, token); err != nil {
		return fmt.Errorf("app: init: %w", err)
	}
	return nil
}

// pumpSignals routes signaling envelopes to the coordinator of their room.
// Signals for rooms without a coordinator are dropped — the peer will re-offer
// once this side joins.
func (a *App) pumpSignals(sigs chan *channel.Signal) {
	defer close(a.sigDone)
	for sig := range sigs {
		a.mu.Lock()
		coord := a.coords[sig.RoomID]
		a.mu.Unlock()
		if coord == nil {
			log.Printf("APP [%s]: signal %s from %s for inactive room dropped", sig.RoomID, sig.Event, sig.From)
			continue
		}
		if err := coord.HandleSignal(sig.From, sig.Event, sig.Seq, sig.Data); err != nil {
			log.Printf("APP [%s]: signal %s from %s: %v", sig.RoomID, sig.Event, sig.From, err)
		}
	}
}

// Dispose tears everything down in dependency order: peer sessions first,
// then the channel. Idempotent enough for a logout path that may run twice.
func (a *App) Dispose() {
	a.mu.Lock()
	coords := a.coords
	a.coords = make(map[string]*rtc.Coordinator)
	cancel := a.sigCancel
	a.sigCancel = nil
	done := a.sigDone
	a.mu.Unlock()

	for _, coord := range coords {
		coord.TeardownAll()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	a.ch.Close()
	log.Printf("APP: disposed")
}

// LoadRooms replaces the room list from a fresh appointment fetch and
// cascades teardown for every dropped room: peer sessions first, then the
// channel subscription.
func (a *App) LoadRooms(appointments []model.Appointment) registry.ReloadResult {
	res := a.reg.LoadRooms(appointments)
	for _, roomID := range res.Dropped {
		a.dropRoom(roomID)
	}
	if res.ActiveCleared {
		log.Printf("APP: active room dropped by reload")
	}
	return res
}

func (a *App) dropRoom(roomID string) {
	a.mu.Lock()
	coord := a.coords[roomID]
	delete(a.coords, roomID)
	a.mu.Unlock()

	if coord != nil {
		coord.TeardownAll()
	}
	if err := a.ch.LeaveRoom(roomID); err != nil {
		log.Printf("APP [%s]: leave on drop: %v", roomID, err)
	}
}

// SelectRoom makes a room active, joins its channel subscription, and
// ensures a media coordinator exists for it.
func (a *App) SelectRoom(roomID string) (model.Room, error) {
	room, err := a.reg.SelectRoom(roomID)
	if err != nil {
		return model.Room{}, err
	}
	if err := a.ch.JoinRoom(roomID); err != nil {
		return room, err
	}

	a.mu.Lock()
	if _, ok := a.coords[roomID]; !ok {
		a.coords[roomID] = rtc.NewCoordinator(roomID, a.self.ID, channelSignaler{ch: a.ch}, rtc.OptionsFromConfig(a.cfg))
	}
	a.mu.Unlock()
	return room, nil
}

// DeselectRoom leaves the active room. Peer sessions are torn down before
// the channel subscription is dropped, synchronously, so no signaling
// envelope is emitted into a room we no longer listen to.
func (a *App) DeselectRoom() error {
	roomID := a.reg.DeselectRoom()
	if roomID == "" {
		return nil
	}

	a.mu.Lock()
	coord := a.coords[roomID]
	delete(a.coords, roomID)
	a.mu.Unlock()

	if coord != nil {
		coord.TeardownAll()
	}
	return a.ch.LeaveRoom(roomID)
}

// Coordinator returns the media coordinator of a room, if the room has been
// selected at least once since login.
func (a *App) Coordinator(roomID string) (*rtc.Coordinator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	coord, ok := a.coords[roomID]
	return coord, ok
}

// Call starts media negotiation with every remote participant of the active
// room. Per-peer failures are logged and skipped; the first error is returned.
func (a *App) Call() error {
	room, ok := a.reg.ActiveRoom()
	if !ok {
		return ErrNoActiveRoom
	}
	coord, ok := a.Coordinator(room.ID)
	if !ok {
		return ErrNoActiveRoom
	}

	var firstErr error
	for _, p := range room.Remotes(a.self.ID) {
		if err := coord.Initiate(p.ID); err != nil {
			log.Printf("APP [%s]: initiate %s: %v", room.ID, p.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HangUp tears down every peer session in the active room, keeping the chat
// subscription alive.
func (a *App) HangUp() error {
	room, ok := a.reg.ActiveRoom()
	if !ok {
		return ErrNoActiveRoom
	}
	if coord, ok := a.Coordinator(room.ID); ok {
		coord.TeardownAll()
	}
	return nil
}

// SendMessage sends a chat message to the active room.
func (a *App) SendMessage(body string) (model.Message, error) {
	room, ok := a.reg.ActiveRoom()
	if !ok {
		return model.Message{}, ErrNoActiveRoom
	}
	return a.ch.SendMessage(room.ID, body)
}

// SendTyping announces typing in the active room.
func (a *App) SendTyping() error {
	room, ok := a.reg.ActiveRoom()
	if !ok {
		return ErrNoActiveRoom
	}
	return a.ch.SendTyping(room.ID)
}

// MarkRead sends a read receipt for a message in the active room.
func (a *App) MarkRead(messageID string) error {
	room, ok := a.reg.ActiveRoom()
	if !ok {
		return ErrNoActiveRoom
	}
	return a.ch.MarkRead(room.ID, messageID)
}

// ToggleTrack flips the local audio or video track of the active room's call.
func (a *App) ToggleTrack(kind string) (bool, error) {
	room, ok := a.reg.ActiveRoom()
	if !ok {
		return false, ErrNoActiveRoom
	}
	coord, ok := a.Coordinator(room.ID)
	if !ok {
		return false, ErrNoActiveRoom
	}
	return coord.ToggleLocalTrack(kind)
}

// Observables, delegated to the owning layer.

func (a *App) Rooms() []model.Room                      { return a.reg.Rooms() }
func (a *App) ActiveRoom() (model.Room, bool)           { return a.reg.ActiveRoom() }
func (a *App) Messages(roomID string) []model.Message   { return a.ch.Messages(roomID) }
func (a *App) Typing(roomID string) []model.TypingState { return a.ch.Typing(roomID) }
func (a *App) IsConnected() bool                        { return a.ch.IsConnected() }
func (a *App) Diagnostics() []channel.DiagEvent         { return a.ch.Diagnostics() }

// OnRoomEvent registers a handler for one room's channel events.
func (a *App) OnRoomEvent(roomID string, h channel.RoomHandler) {
	a.ch.OnRoomEvent(roomID, h)
}

// PeerSessions returns the negotiation state of every peer in a room.
func (a *App) PeerSessions(roomID string) []rtc.SessionInfo {
	coord, ok := a.Coordinator(roomID)
	if !ok {
		return nil
	}
	return coord.Sessions()
}
