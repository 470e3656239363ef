//go:build linux && cgo

package rtc

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureLocalMedia acquires camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux).
//
// GetUserMedia fails as a unit if either requested track can't be opened, so
// try video+audio first, then video-only, then audio-only — a missing or
// busy microphone must not prevent the camera from working and vice versa.
// When every attempt fails, return (nil, nil) and let sessions run
// receive-only.
func captureLocalMedia(preferredCam, preferredMic string, videoDisabled bool) (*localMedia, error) {
	if preferredCam != "" || preferredMic != "" {
		// Device selection is advisory: enumeration order on V4L2 already
		// honors the default device; log the preference for diagnostics.
		log.Printf("RTC: preferred devices cam=%q mic=%q", preferredCam, preferredMic)
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if videoDisabled {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("RTC: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		var video, audio webrtc.TrackLocal
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("RTC: local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				video = track
			case webrtc.RTPCodecTypeAudio:
				audio = track
			}
		}

		log.Printf("RTC: local media captured (%s) — %d tracks", a.label, len(tracks))
		release := func() {
			for _, t := range tracks {
				t.Close()
			}
			log.Printf("RTC: local media released")
		}
		return newLocalMedia(video, audio, release), nil
	}

	log.Printf("RTC: all media capture attempts failed — proceeding receive-only")
	return nil, nil
}
