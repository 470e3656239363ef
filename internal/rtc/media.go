package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable is returned by track operations when no local capture
// of the requested kind is held.
var ErrMediaUnavailable = errors.New("rtc: local media not available")

// Track kinds accepted by ToggleLocalTrack.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// localMedia is the shared local capture feed of one room. It is owned by
// the coordinator, implicitly reference-counted by the number of live peer
// sessions, and released when that count reaches zero.
type localMedia struct {
	video webrtc.TrackLocal
	audio webrtc.TrackLocal
	// enabled is the track-enable state per kind. Toggling swaps the track
	// in or out of every sender; it never triggers renegotiation.
	enabled map[string]bool
	release func()
}

func newLocalMedia(video, audio webrtc.TrackLocal, release func()) *localMedia {
	return &localMedia{
		video:   video,
		audio:   audio,
		enabled: map[string]bool{KindAudio: audio != nil, KindVideo: video != nil},
		release: release,
	}
}

// track returns the capture track for a kind, or nil if not captured.
func (m *localMedia) track(kind string) webrtc.TrackLocal {
	switch kind {
	case KindVideo:
		return m.video
	case KindAudio:
		return m.audio
	default:
		return nil
	}
}

// outbound returns the track a new sender should carry for a kind, honoring
// the current enable state.
func (m *localMedia) outbound(kind string) webrtc.TrackLocal {
	if !m.enabled[kind] {
		return nil
	}
	return m.track(kind)
}

// captureFunc acquires the local capture devices. The platform default lives
// in media_linux.go / media_fallback.go; tests substitute their own.
// A (nil, nil) return means no capture is available and sessions proceed
// receive-only — a denied or absent device is an error only when the
// platform attempted capture and failed outright.
type captureFunc func(preferredCam, preferredMic string, videoDisabled bool) (*localMedia, error)
