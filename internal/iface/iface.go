// Package iface defines the interfaces to the external collaborators
// spec.md §1 excludes from this CORE: HID/keyboard/mouse injection and
// audio capture. Both are treated as black-box byte-stream sources; the
// video dataplane only needs a narrow contract to hand input events off
// and pull audio samples in, never their implementation.
package iface

import "time"

// HIDSink receives raw input-event payloads carried over the WebRTC
// DataChannel (spec.md §6) and forwards them to the out-of-scope
// keyboard/mouse injector. The wire encoding of payload is owned by that
// external collaborator, not by this module.
type HIDSink interface {
	HandleInput(payload []byte) error
}

// AudioSource supplies pre-encoded Opus samples for the WebRTC audio
// track (spec.md §6: "audio track is Opus, sourced from the external
// audio collaborator"). Capture itself — microphone, loopback, or
// virtual device — lives outside this module.
type AudioSource interface {
	ReadOpusSample() (data []byte, duration time.Duration, err error)
	Close() error
}

// NullHIDSink discards every input payload. Used when no HID collaborator
// is wired in (the default: HID injection is a Non-goal of this CORE).
type NullHIDSink struct{}

func (NullHIDSink) HandleInput([]byte) error { return nil }

// NullAudioSource never produces samples. Used when no audio collaborator
// is wired in; the WebRTC session still negotiates an audio m-line
// (recvonly/inactive) so SDP stays valid without one.
type NullAudioSource struct{}

func (NullAudioSource) ReadOpusSample() ([]byte, time.Duration, error) {
	select {}
}

func (NullAudioSource) Close() error { return nil }
