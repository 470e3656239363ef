package rtc

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Signaling payload shapes, relayed as opaque JSON through the messaging
// channel. Mirrors the standard offer/answer/candidate objects.

// Description is a session description (offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal event names on the wire. Kept as local constants so this package
// does not import the channel package; the session manager adapts between
// the two.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice_candidate"
)

// pliInterval is how often a keyframe is requested on a live remote video
// track. Keeps recovery after packet loss or a late join under a few seconds.
const pliInterval = 3 * time.Second

// trackSender swaps the outbound track feeding one sender without
// renegotiation. *webrtc.RTPSender satisfies it.
type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// peerConn is the narrow surface the coordinator needs from a peer
// connection. The concrete pion implementation lives below; tests substitute
// a fake so the negotiation state machine runs without network or devices.
type peerConn interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error
	AddSendTrack(t webrtc.TrackLocal) (trackSender, error)
	AddRecvOnlyTransceivers() error
	Close() error
}

// peerEvents are the callbacks a peer connection reports into. All may be
// invoked from pion goroutines.
type peerEvents struct {
	// onCandidate fires for each gathered local ICE candidate.
	onCandidate func(Candidate)
	// onFirstFrame fires once per remote track kind when the first media
	// packet is observed — the CONNECTING → CONNECTED trigger.
	onFirstFrame func(kind string)
	// onConnState reports pion connection state names
	// ("connecting", "connected", "disconnected", "failed", "closed").
	onConnState func(state string)
}

type peerConnFactory func(iceServers []string, ev peerEvents) (peerConn, error)

// newPionPeerConn builds a real pion PeerConnection with default codecs and
// interceptors, STUN-only ICE, and the event plumbing above.
func newPionPeerConn(iceServers []string, ev peerEvents) (peerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{pc: pc, ev: ev}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		ev.onCandidate(Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go p.drainTrack(tr)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		ev.onConnState(s.String())
	})

	return p, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	ev     peerEvents
	closed atomic.Bool
}

func (p *pionPeer) CreateOffer() (Description, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (Description, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(d Description) error {
	sd, err := d.sessionDescription()
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeer) SetRemoteDescription(d Description) error {
	sd, err := d.sessionDescription()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) AddICECandidate(c Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) AddSendTrack(t webrtc.TrackLocal) (trackSender, error) {
	return p.pc.AddTrack(t)
}

// AddRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer produce valid m-lines even without local media.
func (p *pionPeer) AddRecvOnlyTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) Close() error {
	p.closed.Store(true)
	return p.pc.Close()
}

// drainTrack reads the remote track, reporting the first observed packet.
// The packets themselves are consumed by the embedding application through
// pion's own track APIs; draining here keeps the interceptor chain fed.
func (p *pionPeer) drainTrack(tr *webrtc.TrackRemote) {
	kind := tr.Kind().String()
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go p.pliLoop(tr)
	}

	first := true
	for {
		var (
			pkt *rtp.Packet
			err error
		)
		pkt, _, err = tr.ReadRTP()
		if err != nil {
			return
		}
		if first {
			first = false
			log.Printf("RTC: first remote %s packet (seq=%d ssrc=%d)", kind, pkt.SequenceNumber, tr.SSRC())
			p.ev.onFirstFrame(kind)
		}
	}
}

// pliLoop periodically asks the remote for a keyframe while the connection
// is alive.
func (p *pionPeer) pliLoop(tr *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for range ticker.C {
		if p.closed.Load() {
			return
		}
		err := p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

func (d Description) sessionDescription() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	case "rollback":
		t = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: unknown sdp type %q", d.Type)
	}
	if d.SDP == "" && d.Type != "rollback" {
		return webrtc.SessionDescription{}, errors.New("rtc: empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}
