// Package streammode implements the stream-mode manager (spec.md §4.8,
// C8): single-flight switching between the MJPEG and WebRTC distribution
// modes, at most one of which is Active at any time.
//
// The single-flight guard is grounded on the teacher's
// call.Manager.Close() idempotent-shutdown shape (check a guard before
// mutating, CAS to claim it) and the async-switch goroutine is grounded
// on internal/p2p/node.go's StartRelayRefresh/recoverRelay
// spawn-with-guard-flag pattern, generalized from "relay recovery" to
// "mode transition".
package streammode

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/onekvm-go/kvmstreamd/internal/codecpolicy"
	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/events"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

// Mode is spec.md §3's StreamMode.
type Mode int

const (
	Mjpeg Mode = iota
	WebRTC
)

func (m Mode) String() string {
	if m == WebRTC {
		return "webrtc"
	}
	return "mjpeg"
}

// MJPEGControl is the subset of internal/mjpeg.Distributor the manager
// drives when entering or leaving Mjpeg mode.
type MJPEGControl interface {
	Start()
	Stop()
}

// WebRTCControl is the subset of internal/webrtcsink's session manager
// the mode manager drives when entering or leaving WebRTC mode.
type WebRTCControl interface {
	Start(ctx context.Context, codec encoder.CodecFormat) error
	CloseAllSessions()
}

// DeviceControl lets the manager auto-switch the capture pixel format
// when entering Mjpeg mode on a device that natively supports MJPEG
// capture (spec.md §4.8 step 4).
type DeviceControl interface {
	CurrentFormat() frame.PixelFormat
	SupportsFormat(frame.PixelFormat) bool
	SwitchFormat(ctx context.Context, format frame.PixelFormat) error
}

// Result is the synchronous return of Switch.
type Result struct {
	Accepted     bool
	Switching    bool
	TransitionID string
}

// StreamModeSwitching, StreamModeChanged, and StreamModeReady are the
// payloads published alongside their like-named events.Topic.
type StreamModeSwitching struct {
	TransitionID string
	From, To     Mode
}

type StreamModeChanged struct {
	TransitionID string
	From, To     Mode
}

type StreamModeReady struct {
	TransitionID string
	Mode         Mode
}

// StreamCodecSwitched is published alongside events.StreamCodecSwitched
// when SwitchCodec swaps the active WebRTC codec in place.
type StreamCodecSwitched struct {
	From, To encoder.CodecFormat
}

// Manager owns the current StreamMode and coordinates hand-off between
// the MJPEG distributor and the WebRTC sink. At most one is active.
type Manager struct {
	bus *events.Bus

	mjpeg  MJPEGControl
	webrtc WebRTCControl
	device DeviceControl

	mu           sync.Mutex
	current      Mode
	currentCodec encoder.CodecFormat

	switching    atomic.Bool
	transitionMu sync.Mutex
	transitionID string
}

// New constructs a Manager starting in initial mode, wired to the given
// controls. device may be nil if no auto-format-switch is desired.
func New(bus *events.Bus, mjpeg MJPEGControl, webrtc WebRTCControl, device DeviceControl, initial Mode) *Manager {
	return &Manager{bus: bus, mjpeg: mjpeg, webrtc: webrtc, device: device, current: initial}
}

// Current returns the active mode.
func (m *Manager) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Switch implements switch_mode_transaction (spec.md §4.8). codec is the
// WebRTC codec to enter with when newMode == WebRTC; ignored otherwise.
func (m *Manager) Switch(ctx context.Context, newMode Mode, codec encoder.CodecFormat) Result {
	m.mu.Lock()
	from := m.current
	m.mu.Unlock()

	if from == newMode {
		return Result{Accepted: false, Switching: false}
	}

	if !m.switching.CompareAndSwap(false, true) {
		m.transitionMu.Lock()
		id := m.transitionID
		m.transitionMu.Unlock()
		return Result{Accepted: false, Switching: true, TransitionID: id}
	}

	id := uuid.NewString()
	m.transitionMu.Lock()
	m.transitionID = id
	m.transitionMu.Unlock()

	m.bus.Publish(events.Event{Topic: events.StreamModeSwitching, Payload: StreamModeSwitching{TransitionID: id, From: from, To: newMode}})

	go m.runSwitch(ctx, id, from, newMode, codec)

	return Result{Accepted: true, Switching: true, TransitionID: id}
}

func (m *Manager) runSwitch(ctx context.Context, id string, from, to Mode, codec encoder.CodecFormat) {
	defer func() {
		m.transitionMu.Lock()
		m.transitionID = ""
		m.transitionMu.Unlock()
		m.switching.Store(false)
	}()

	m.bus.Publish(events.Event{Topic: events.StreamModeChanged, Payload: StreamModeChanged{TransitionID: id, From: from, To: to}})

	switch from {
	case Mjpeg:
		if m.mjpeg != nil {
			m.mjpeg.Stop()
		}
	case WebRTC:
		if m.webrtc != nil {
			m.webrtc.CloseAllSessions()
		}
	}

	m.mu.Lock()
	m.current = to
	if to == WebRTC {
		m.currentCodec = codec
	}
	m.mu.Unlock()

	switch to {
	case Mjpeg:
		if m.device != nil && m.device.SupportsFormat(frame.FormatMJPEG) && m.device.CurrentFormat() != frame.FormatMJPEG {
			_ = m.device.SwitchFormat(ctx, frame.FormatMJPEG)
		}
		if m.mjpeg != nil {
			m.mjpeg.Start()
		}
	case WebRTC:
		if m.webrtc != nil {
			_ = m.webrtc.Start(ctx, codec)
		}
	}

	m.bus.Publish(events.Event{Topic: events.StreamModeReady, Payload: StreamModeReady{TransitionID: id, Mode: to}})
}

// ReconcileConstraints re-evaluates codec constraints (C12) against the
// current mode on a configuration change (spec.md §4.8's closing
// paragraph): if the active mode violates a newly imposed lock, switch
// to a compatible codec/mode and emit an informational event.
func (m *Manager) ReconcileConstraints(ctx context.Context, c codecpolicy.Constraints) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if !c.AllowMJPEG && current == Mjpeg {
		m.Switch(ctx, WebRTC, c.PreferredCodec())
		return
	}
	if current == WebRTC && c.LockedCodec != nil {
		m.SwitchCodec(ctx, *c.LockedCodec)
	}
}

// SwitchCodec implements spec.md §4.12's "If the current codec is no
// longer allowed, switch codec" enforcement: while already in WebRTC
// mode, it swaps the active codec in place (no MJPEG<->WebRTC transition)
// by closing existing sessions and re-running WebRTCControl.Start with
// the new codec, which rebuilds the shared pipeline for it. It is a
// no-op unless the manager is in WebRTC mode with a different codec
// currently active, and is serialized by the same single-flight guard
// Switch uses so it cannot race a concurrent mode transition.
func (m *Manager) SwitchCodec(ctx context.Context, codec encoder.CodecFormat) {
	m.mu.Lock()
	current := m.current
	from := m.currentCodec
	m.mu.Unlock()

	if current != WebRTC || from == codec || m.webrtc == nil {
		return
	}

	if !m.switching.CompareAndSwap(false, true) {
		return
	}
	defer m.switching.Store(false)

	m.webrtc.CloseAllSessions()
	if err := m.webrtc.Start(ctx, codec); err != nil {
		return
	}

	m.mu.Lock()
	m.currentCodec = codec
	m.mu.Unlock()

	m.bus.Publish(events.Event{Topic: events.StreamCodecSwitched, Payload: StreamCodecSwitched{From: from, To: codec}})
}
