package rtc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitionTable(t *testing.T) {
	allowed := []struct{ from, to SessionState }{
		{StateIdle, StateNegotiating},
		{StateNegotiating, StateOfferSent},
		{StateNegotiating, StateAnswerSent},
		{StateOfferSent, StateConnecting},
		{StateAnswerSent, StateConnecting},
		{StateConnecting, StateConnected},
		{StateFailed, StateNegotiating},
		{StateConnected, StateClosed},
		{StateIdle, StateClosed},
		{StateConnecting, StateFailed},
	}
	for _, tc := range allowed {
		assert.True(t, canTransition(tc.from, tc.to), "%s → %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to SessionState }{
		{StateIdle, StateOfferSent},
		{StateIdle, StateConnected},
		{StateOfferSent, StateConnected},
		{StateConnected, StateConnecting},
		{StateClosed, StateNegotiating},
		{StateClosed, StateFailed},
		{StateFailed, StateFailed},
		{StateFailed, StateOfferSent},
	}
	for _, tc := range denied {
		assert.False(t, canTransition(tc.from, tc.to), "%s → %s should be rejected", tc.from, tc.to)
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	s := newPeerSession("room-1", "peer")
	err := s.transition(StateConnected)
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	s := newPeerSession("room-1", "peer")
	s.close()
	s.close()
	assert.Equal(t, StateClosed, s.State())

	assert.Error(t, s.transition(StateNegotiating))
}

func TestFailRecordsErrorOnce(t *testing.T) {
	s := newPeerSession("room-1", "peer")
	require.NoError(t, s.transition(StateNegotiating))

	s.fail(assert.AnError)
	s.fail(errors.New("second failure is ignored"))

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, assert.AnError, s.Err())
}

func TestOrderSequential(t *testing.T) {
	f := newSignalFlow("room-1", "peer")

	ready := f.order(1, SignalOffer, json.RawMessage(`1`))
	require.Len(t, ready, 1)
	assert.Equal(t, SignalOffer, ready[0].event)

	ready = f.order(2, SignalCandidate, json.RawMessage(`2`))
	require.Len(t, ready, 1)
}

func TestOrderReordersEarlyArrivals(t *testing.T) {
	f := newSignalFlow("room-1", "peer")

	// Candidates raced ahead of the offer on the transport.
	assert.Empty(t, f.order(3, SignalCandidate, json.RawMessage(`3`)))
	assert.Empty(t, f.order(2, SignalCandidate, json.RawMessage(`2`)))

	ready := f.order(1, SignalOffer, json.RawMessage(`1`))
	require.Len(t, ready, 3)
	assert.Equal(t, SignalOffer, ready[0].event)
	assert.Equal(t, json.RawMessage(`1`), ready[0].data)
	assert.Equal(t, json.RawMessage(`2`), ready[1].data)
	assert.Equal(t, json.RawMessage(`3`), ready[2].data)
}

func TestOrderDropsDuplicatesAndReplays(t *testing.T) {
	f := newSignalFlow("room-1", "peer")

	require.Len(t, f.order(1, SignalOffer, nil), 1)

	// Replay of an applied sequence.
	assert.Empty(t, f.order(1, SignalOffer, nil))

	// Duplicate of a buffered sequence.
	assert.Empty(t, f.order(3, SignalCandidate, nil))
	assert.Empty(t, f.order(3, SignalCandidate, nil))

	ready := f.order(2, SignalCandidate, nil)
	assert.Len(t, ready, 2)
}

func TestOrderZeroSeqIsImmediate(t *testing.T) {
	f := newSignalFlow("room-1", "peer")

	// Unnumbered signals (older clients) bypass ordering entirely.
	require.Len(t, f.order(0, SignalCandidate, nil), 1)
	require.Len(t, f.order(0, SignalCandidate, nil), 1)

	// Numbered flow is unaffected.
	require.Len(t, f.order(1, SignalOffer, nil), 1)
}

func TestNextSendSeqIsMonotonic(t *testing.T) {
	f := newSignalFlow("room-1", "peer")
	assert.Equal(t, uint64(1), f.nextSendSeq())
	assert.Equal(t, uint64(2), f.nextSendSeq())
	assert.Equal(t, uint64(3), f.nextSendSeq())
}

func TestCandidateBuffer(t *testing.T) {
	s := newPeerSession("room-1", "peer")
	s.bufferCandidate(Candidate{Candidate: "a"})
	s.bufferCandidate(Candidate{Candidate: "b"})

	pending := s.takePending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Candidate)
	assert.Equal(t, "b", pending[1].Candidate)

	assert.Empty(t, s.takePending())
}
