package rtc

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// SessionState is the negotiation state of one PeerSession.
type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateOfferSent
	StateAnswerSent
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state admits no further negotiation.
// FAILED is terminal but recoverable through an explicit Retry.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition encodes the per-session state machine. CLOSED is reachable
// from everywhere (teardown), FAILED from every live state (fatal error),
// and FAILED recovers to NEGOTIATING only on explicit retry.
func canTransition(from, to SessionState) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	if to == StateFailed {
		return from != StateFailed
	}
	switch from {
	case StateIdle:
		return to == StateNegotiating
	case StateNegotiating:
		return to == StateOfferSent || to == StateAnswerSent
	case StateOfferSent, StateAnswerSent:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected
	case StateFailed:
		return to == StateNegotiating
	default:
		return false
	}
}

// orderedSignal is one signaling payload queued for in-order application.
type orderedSignal struct {
	event string
	data  json.RawMessage
}

// PeerSession is one media negotiation with one remote participant inside a
// room. It is created when the remote announces presence or the local user
// initiates, and never reused across rooms.
type PeerSession struct {
	roomID string
	peerID string

	mu        sync.Mutex
	state     SessionState
	pc        peerConn
	senders   map[string]trackSender
	pending   []Candidate
	remoteSet bool
	lastErr   error
}

func newPeerSession(roomID, peerID string) *PeerSession {
	return &PeerSession{
		roomID:  roomID,
		peerID:  peerID,
		state:   StateIdle,
		senders: make(map[string]trackSender),
	}
}

// PeerID returns the remote participant's id.
func (s *PeerSession) PeerID() string { return s.peerID }

// State returns the current negotiation state.
func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to FAILED, if any.
func (s *PeerSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// transition moves the session to a new state, rejecting moves the state
// machine does not allow.
func (s *PeerSession) transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *PeerSession) transitionLocked(to SessionState) error {
	if s.state == to {
		return nil
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("rtc: invalid transition %s → %s for peer %s", s.state, to, s.peerID)
	}
	log.Printf("RTC [%s/%s]: %s → %s", s.roomID, s.peerID, s.state, to)
	s.state = to
	return nil
}

// fail moves the session to FAILED and closes its peer connection. The
// failure never propagates to sibling sessions.
func (s *PeerSession) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	log.Printf("RTC [%s/%s]: %s → failed: %v", s.roomID, s.peerID, s.state, err)
	s.state = StateFailed
	s.lastErr = err
	pc := s.pc
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
}

// close moves the session to CLOSED and releases its peer connection and
// remote stream handles. Idempotent.
func (s *PeerSession) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	log.Printf("RTC [%s/%s]: %s → closed", s.roomID, s.peerID, s.state)
	s.state = StateClosed
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
}

// signalFlow is the bidirectional signaling sequence state with one peer in
// a room. It is owned by the Coordinator and outlives individual
// PeerSessions: a retry after FAILED replaces the session but continues the
// same monotonic sequence, so the responder never mistakes the fresh offer
// for a redelivery.
type signalFlow struct {
	roomID string
	peerID string

	mu       sync.Mutex
	sendSeq  uint64
	recvNext uint64
	recvBuf  map[uint64]orderedSignal
}

func newSignalFlow(roomID, peerID string) *signalFlow {
	return &signalFlow{
		roomID:  roomID,
		peerID:  peerID,
		recvBuf: make(map[uint64]orderedSignal),
	}
}

// nextSendSeq returns the next outbound signaling sequence number.
func (f *signalFlow) nextSendSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendSeq++
	return f.sendSeq
}

// order accepts one inbound signal and returns the signals that are now
// applicable in sequence order. Signals without a sequence number are applied
// immediately; duplicates and already-applied sequences are dropped.
func (f *signalFlow) order(seq uint64, event string, data json.RawMessage) []orderedSignal {
	if seq == 0 {
		return []orderedSignal{{event: event, data: data}}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if seq <= f.recvNext {
		return nil // redelivery of an applied signal
	}
	if _, dup := f.recvBuf[seq]; dup {
		return nil
	}
	if seq != f.recvNext+1 {
		f.recvBuf[seq] = orderedSignal{event: event, data: data}
		log.Printf("RTC [%s/%s]: buffering out-of-order signal seq=%d (next=%d)", f.roomID, f.peerID, seq, f.recvNext+1)
		return nil
	}

	ready := []orderedSignal{{event: event, data: data}}
	f.recvNext = seq
	for {
		next, ok := f.recvBuf[f.recvNext+1]
		if !ok {
			break
		}
		delete(f.recvBuf, f.recvNext+1)
		f.recvNext++
		ready = append(ready, next)
	}
	return ready
}

// bufferCandidate holds a candidate that arrived before the remote
// description was set; flushed by flushCandidates.
func (s *PeerSession) bufferCandidate(c Candidate) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	n := len(s.pending)
	s.mu.Unlock()
	log.Printf("RTC [%s/%s]: buffered early candidate (%d pending)", s.roomID, s.peerID, n)
}

// takePending returns and clears the buffered early candidates.
func (s *PeerSession) takePending() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *PeerSession) conn() peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *PeerSession) setConn(pc peerConn) {
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
}

func (s *PeerSession) setSender(kind string, snd trackSender) {
	s.mu.Lock()
	s.senders[kind] = snd
	s.mu.Unlock()
}

// replaceSender swaps the outbound track on this session's sender for a
// kind. A nil track mutes the sender. No-op when the session never added a
// sender of that kind (receive-only).
func (s *PeerSession) replaceSender(kind string, t webrtc.TrackLocal) {
	s.mu.Lock()
	snd := s.senders[kind]
	s.mu.Unlock()
	if snd == nil {
		return
	}
	if err := snd.ReplaceTrack(t); err != nil {
		log.Printf("RTC [%s/%s]: replace %s track: %v", s.roomID, s.peerID, kind, err)
	}
}

func (s *PeerSession) remoteApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *PeerSession) setRemoteApplied() {
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
}

// advanceConnecting moves an OFFER_SENT or ANSWER_SENT session to
// CONNECTING. Called when the answer lands or candidates start applying.
func (s *PeerSession) advanceConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOfferSent || s.state == StateAnswerSent {
		_ = s.transitionLocked(StateConnecting)
	}
}

// markMediaFlowing moves a CONNECTING session to CONNECTED on the first
// observed remote media frame.
func (s *PeerSession) markMediaFlowing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		_ = s.transitionLocked(StateConnected)
	}
}

// SessionInfo is the read-only view of a PeerSession exposed to observers.
type SessionInfo struct {
	PeerID string       `json:"peerId"`
	State  SessionState `json:"state"`
}
