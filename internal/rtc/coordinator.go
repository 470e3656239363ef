package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/counselcomm/comms/internal/config"
)

// ErrSessionNotFound is returned when an operation names a peer with no
// session in this room.
var ErrSessionNotFound = errors.New("rtc: peer session not found")

// Signaler relays negotiation payloads to a remote peer. The messaging
// channel satisfies it through a small adapter in the session manager; tests
// satisfy it with a recorder.
type Signaler interface {
	SendSignal(roomID, to, event string, seq uint64, payload any) error
}

// Options configures media negotiation for one room.
type Options struct {
	// ICEServers are STUN URLs handed to every peer connection. Media flows
	// peer to peer or not at all; there is no relay fallback.
	ICEServers []string

	PreferredCam  string
	PreferredMic  string
	VideoDisabled bool
}

// OptionsFromConfig maps the media section of the config file onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ICEServers:    append([]string(nil), cfg.Media.ICEServers...),
		PreferredCam:  cfg.Media.PreferredCam,
		PreferredMic:  cfg.Media.PreferredMic,
		VideoDisabled: cfg.Media.VideoDisabled,
	}
}

// Coordinator drives media negotiation for one room: one PeerSession per
// remote participant, all sharing a single local capture feed. Sessions fail
// independently; the shared capture is released when the last session is
// torn down.
type Coordinator struct {
	roomID string
	selfID string
	sig    Signaler
	opts   Options

	newPC   peerConnFactory
	capture captureFunc

	mu    sync.Mutex
	peers map[string]*PeerSession
	// flows carries the signaling sequence state per peer. Unlike peers it
	// is never dropped on session teardown: sequence numbers stay monotonic
	// across retries and repeat calls within the room.
	flows map[string]*signalFlow
	// media is the shared local capture, acquired lazily on the first
	// session and released with the last. mediaTried distinguishes "capture
	// yielded nothing, run receive-only" from "not attempted yet".
	media      *localMedia
	mediaTried bool
}

// NewCoordinator builds a coordinator for one room. sig must not be nil.
func NewCoordinator(roomID, selfID string, sig Signaler, opts Options) *Coordinator {
	return &Coordinator{
		roomID:  roomID,
		selfID:  selfID,
		sig:     sig,
		opts:    opts,
		newPC:   newPionPeerConn,
		capture: captureLocalMedia,
		peers:   make(map[string]*PeerSession),
		flows:   make(map[string]*signalFlow),
	}
}

func (c *Coordinator) flowFor(peerID string) *signalFlow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowForLocked(peerID)
}

func (c *Coordinator) flowForLocked(peerID string) *signalFlow {
	f, ok := c.flows[peerID]
	if !ok {
		f = newSignalFlow(c.roomID, peerID)
		c.flows[peerID] = f
	}
	return f
}

// ensureMediaLocked acquires the shared local capture on first use. A capture
// error is returned to the caller and not cached, so a later attempt can
// succeed once the device frees up.
func (c *Coordinator) ensureMediaLocked() (*localMedia, error) {
	if c.mediaTried {
		return c.media, nil
	}
	media, err := c.capture(c.opts.PreferredCam, c.opts.PreferredMic, c.opts.VideoDisabled)
	if err != nil {
		return nil, err
	}
	c.media = media
	c.mediaTried = true
	return media, nil
}

// attachPeerConn creates the peer connection for a session and wires the
// local tracks, honoring the current enable state. With no capture available
// it adds recvonly transceivers so the SDP still carries media sections.
func (c *Coordinator) attachPeerConn(s *PeerSession, flow *signalFlow, media *localMedia) error {
	pc, err := c.newPC(c.opts.ICEServers, c.eventsFor(s, flow))
	if err != nil {
		return fmt.Errorf("rtc: create peer connection: %w", err)
	}
	s.setConn(pc)

	if media == nil {
		return pc.AddRecvOnlyTransceivers()
	}

	added := false
	for _, kind := range []string{KindVideo, KindAudio} {
		t := media.track(kind)
		if t == nil {
			continue
		}
		snd, err := pc.AddSendTrack(t)
		if err != nil {
			return fmt.Errorf("rtc: add %s track: %w", kind, err)
		}
		s.setSender(kind, snd)
		added = true
		if media.outbound(kind) == nil {
			// Kind is currently toggled off; park the sender muted.
			if err := snd.ReplaceTrack(nil); err != nil {
				log.Printf("RTC [%s/%s]: mute %s sender: %v", c.roomID, s.peerID, kind, err)
			}
		}
	}
	if !added {
		return pc.AddRecvOnlyTransceivers()
	}
	return nil
}

// eventsFor wires one session's peer connection callbacks. Candidates are
// relayed on the peer's signal flow; the first remote media packet completes
// the CONNECTING → CONNECTED transition.
func (c *Coordinator) eventsFor(s *PeerSession, flow *signalFlow) peerEvents {
	return peerEvents{
		onCandidate: func(cand Candidate) {
			if s.State().Terminal() {
				return
			}
			if err := c.sig.SendSignal(c.roomID, s.peerID, SignalCandidate, flow.nextSendSeq(), cand); err != nil {
				log.Printf("RTC [%s/%s]: send candidate: %v", c.roomID, s.peerID, err)
			}
		},
		onFirstFrame: func(kind string) {
			s.markMediaFlowing()
		},
		onConnState: func(state string) {
			switch state {
			case "connecting":
				s.advanceConnecting()
			case "failed":
				s.fail(errors.New("rtc: ice connection failed"))
			}
		},
	}
}

// Initiate starts an offer toward a peer. An existing live session is left
// alone; a CLOSED or FAILED one is replaced. A capture failure is reported
// synchronously and leaves no session behind.
func (c *Coordinator) Initiate(peerID string) error {
	c.mu.Lock()
	if s, ok := c.peers[peerID]; ok && !s.State().Terminal() {
		c.mu.Unlock()
		return nil
	}
	media, err := c.ensureMediaLocked()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("rtc: acquire local media: %w", err)
	}
	s := newPeerSession(c.roomID, peerID)
	c.peers[peerID] = s
	flow := c.flowForLocked(peerID)
	c.mu.Unlock()

	if err := s.transition(StateNegotiating); err != nil {
		return err
	}
	if err := c.attachPeerConn(s, flow, media); err != nil {
		s.fail(err)
		return err
	}

	pc := s.conn()
	offer, err := pc.CreateOffer()
	if err != nil {
		s.fail(err)
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.fail(err)
		return err
	}
	if err := c.sig.SendSignal(c.roomID, peerID, SignalOffer, flow.nextSendSeq(), offer); err != nil {
		s.fail(err)
		return err
	}
	return s.transition(StateOfferSent)
}

// HandleSignal routes one inbound signaling payload for this room. Signals
// are applied in per-peer sequence order; early arrivals are buffered and
// drained when the gap closes.
func (c *Coordinator) HandleSignal(from, event string, seq uint64, data json.RawMessage) error {
	if from == c.selfID {
		return nil
	}
	flow := c.flowFor(from)

	var firstErr error
	for _, sg := range flow.order(seq, event, data) {
		var err error
		switch sg.event {
		case SignalOffer, SignalAnswer:
			var d Description
			if err = json.Unmarshal(sg.data, &d); err == nil {
				err = c.HandleRemoteDescription(from, d)
			}
		case SignalCandidate:
			var cand Candidate
			if err = json.Unmarshal(sg.data, &cand); err == nil {
				err = c.HandleRemoteCandidate(from, cand)
			}
		default:
			log.Printf("RTC [%s/%s]: ignoring unknown signal %q", c.roomID, from, sg.event)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coordinator) ensureSession(peerID string) *PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.peers[peerID]; ok {
		return s
	}
	s := newPeerSession(c.roomID, peerID)
	c.peers[peerID] = s
	return s
}

// HandleRemoteDescription applies a remote offer or answer. An offer makes
// this side the responder; an answer is only valid while an offer is
// outstanding. A mismatch fails that session alone.
func (c *Coordinator) HandleRemoteDescription(peerID string, d Description) error {
	switch d.Type {
	case "offer":
		return c.handleRemoteOffer(peerID, d)
	case "answer":
		return c.handleRemoteAnswer(peerID, d)
	default:
		return fmt.Errorf("rtc: unexpected description type %q from %s", d.Type, peerID)
	}
}

func (c *Coordinator) handleRemoteOffer(peerID string, d Description) error {
	c.mu.Lock()
	s, ok := c.peers[peerID]
	if !ok || s.State().Terminal() {
		// A fresh offer after FAILED or CLOSED restarts negotiation with a
		// clean session; the signal flow keeps counting.
		s = newPeerSession(c.roomID, peerID)
		c.peers[peerID] = s
	}
	flow := c.flowForLocked(peerID)
	media, err := c.ensureMediaLocked()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("rtc: acquire local media: %w", err)
	}
	c.mu.Unlock()

	switch s.State() {
	case StateIdle:
		if err := s.transition(StateNegotiating); err != nil {
			return err
		}
	case StateNegotiating:
		// Already preparing — adopt the responder role.
	default:
		// Glare or a stray re-offer mid-negotiation. Fail this session;
		// the user can retry, which starts a clean exchange.
		err := fmt.Errorf("rtc: offer from %s in state %s", peerID, s.State())
		s.fail(err)
		return err
	}

	if s.conn() == nil {
		if err := c.attachPeerConn(s, flow, media); err != nil {
			s.fail(err)
			return err
		}
	}

	pc := s.conn()
	if err := pc.SetRemoteDescription(d); err != nil {
		s.fail(err)
		return err
	}
	s.setRemoteApplied()
	c.flushCandidates(s)

	answer, err := pc.CreateAnswer()
	if err != nil {
		s.fail(err)
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail(err)
		return err
	}
	if err := c.sig.SendSignal(c.roomID, peerID, SignalAnswer, flow.nextSendSeq(), answer); err != nil {
		s.fail(err)
		return err
	}
	return s.transition(StateAnswerSent)
}

func (c *Coordinator) handleRemoteAnswer(peerID string, d Description) error {
	c.mu.Lock()
	s, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrSessionNotFound, peerID)
	}
	if st := s.State(); st != StateOfferSent {
		err := fmt.Errorf("rtc: answer from %s in state %s", peerID, st)
		s.fail(err)
		return err
	}

	pc := s.conn()
	if err := pc.SetRemoteDescription(d); err != nil {
		s.fail(err)
		return err
	}
	s.setRemoteApplied()
	c.flushCandidates(s)
	return s.transition(StateConnecting)
}

// HandleRemoteCandidate applies one remote ICE candidate, buffering it if the
// remote description is not in place yet.
func (c *Coordinator) HandleRemoteCandidate(peerID string, cand Candidate) error {
	s := c.ensureSession(peerID)
	if s.State().Terminal() {
		return nil // late candidate for a finished session
	}
	if !s.remoteApplied() {
		s.bufferCandidate(cand)
		return nil
	}
	if err := s.conn().AddICECandidate(cand); err != nil {
		err = fmt.Errorf("rtc: apply candidate from %s: %w", peerID, err)
		s.fail(err)
		return err
	}
	s.advanceConnecting()
	return nil
}

// flushCandidates applies candidates that arrived before the remote
// description, in arrival order.
func (c *Coordinator) flushCandidates(s *PeerSession) {
	pending := s.takePending()
	if len(pending) == 0 {
		return
	}
	log.Printf("RTC [%s/%s]: flushing %d buffered candidates", c.roomID, s.peerID, len(pending))
	pc := s.conn()
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("RTC [%s/%s]: buffered candidate rejected: %v", c.roomID, s.peerID, err)
		}
	}
}

// ToggleLocalTrack flips the enable state of a local track kind and swaps the
// track in or out of every session's sender. No renegotiation happens; the
// m-line stays, the sender just goes silent. Returns the new enabled state.
func (c *Coordinator) ToggleLocalTrack(kind string) (bool, error) {
	if kind != KindAudio && kind != KindVideo {
		return false, fmt.Errorf("rtc: unknown track kind %q", kind)
	}
	c.mu.Lock()
	if c.media == nil || c.media.track(kind) == nil {
		c.mu.Unlock()
		return false, ErrMediaUnavailable
	}
	enabled := !c.media.enabled[kind]
	c.media.enabled[kind] = enabled
	track := c.media.track(kind)
	sessions := c.liveSessionsLocked()
	c.mu.Unlock()

	var t webrtc.TrackLocal
	if enabled {
		t = track
	}
	for _, s := range sessions {
		s.replaceSender(kind, t)
	}
	log.Printf("RTC [%s]: local %s %s across %d sessions", c.roomID, kind, onOff(enabled), len(sessions))
	return enabled, nil
}

// ReplaceOutboundVideo swaps the outbound video feed — e.g. camera to screen
// capture — on every live session without renegotiation. The new track also
// becomes the feed future sessions start with.
func (c *Coordinator) ReplaceOutboundVideo(t webrtc.TrackLocal) error {
	if t == nil {
		return errors.New("rtc: nil replacement track")
	}
	c.mu.Lock()
	if c.media == nil || c.media.video == nil {
		c.mu.Unlock()
		return ErrMediaUnavailable
	}
	c.media.video = t
	enabled := c.media.enabled[KindVideo]
	sessions := c.liveSessionsLocked()
	c.mu.Unlock()

	if !enabled {
		return nil // swapped feed takes effect when video is toggled back on
	}
	for _, s := range sessions {
		s.replaceSender(KindVideo, t)
	}
	log.Printf("RTC [%s]: outbound video replaced across %d sessions", c.roomID, len(sessions))
	return nil
}

// liveSessionsLocked returns the sessions still negotiating or connected.
// CLOSED and FAILED sessions have released their peer connections; track
// swaps no longer apply to them.
func (c *Coordinator) liveSessionsLocked() []*PeerSession {
	out := make([]*PeerSession, 0, len(c.peers))
	for _, s := range c.peers {
		if s.State().Terminal() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Teardown closes one peer's session. The shared capture is released when
// this was the last session in the room.
func (c *Coordinator) Teardown(peerID string) error {
	c.mu.Lock()
	s, ok := c.peers[peerID]
	if !ok {
		c.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(c.peers, peerID)
	media := c.releaseIfIdleLocked()
	c.mu.Unlock()

	s.close()
	releaseMedia(media)
	return nil
}

// TeardownAll closes every session in the room and releases the shared
// capture. Safe to call on a room with no sessions.
func (c *Coordinator) TeardownAll() {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*PeerSession)
	media := c.media
	c.media = nil
	c.mediaTried = false
	c.mu.Unlock()

	for _, s := range peers {
		s.close()
	}
	releaseMedia(media)
}

func (c *Coordinator) releaseIfIdleLocked() *localMedia {
	if len(c.peers) > 0 {
		return nil
	}
	media := c.media
	c.media = nil
	c.mediaTried = false
	return media
}

func releaseMedia(m *localMedia) {
	if m == nil || m.release == nil {
		return
	}
	m.release()
}

// Retry restarts negotiation with a peer whose session FAILED. Any other
// state is rejected — live sessions are not restarted out from under the
// user, and CLOSED means the peer is gone.
func (c *Coordinator) Retry(peerID string) error {
	c.mu.Lock()
	s, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if st := s.State(); st != StateFailed {
		return fmt.Errorf("rtc: retry from state %s", st)
	}
	return c.Initiate(peerID)
}

// Session returns the observable view of one peer's session.
func (c *Coordinator) Session(peerID string) (SessionInfo, bool) {
	c.mu.Lock()
	s, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{PeerID: peerID, State: s.State()}, true
}

// Sessions returns the observable view of every session, ordered by peer id.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	out := make([]SessionInfo, 0, len(c.peers))
	for id, s := range c.peers {
		out = append(out, SessionInfo{PeerID: id, State: s.State()})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// RoomID returns the room this coordinator serves.
func (c *Coordinator) RoomID() string { return c.roomID }

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
