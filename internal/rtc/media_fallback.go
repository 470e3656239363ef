//go:build !linux || !cgo

package rtc

import "log"

// captureLocalMedia on non-Linux platforms attempts no hardware capture —
// pion/mediadevices needs platform drivers (V4L2/malgo) that are only wired
// for Linux here. Sessions proceed receive-only.
func captureLocalMedia(_, _ string, _ bool) (*localMedia, error) {
	log.Printf("RTC: no local capture on this platform — receive-only")
	return nil, nil
}
