// Package errs defines the sentinel error taxonomy shared across the video
// dataplane. Callers compare with errors.Is; wrapping with fmt.Errorf("...: %w")
// is expected at each layer boundary.
package errs

import "errors"

var (
	// ErrDeviceBusy is transient; the capturer retries internally and only
	// surfaces this after exhausting its retry budget.
	ErrDeviceBusy = errors.New("device busy")

	// ErrUnsupportedFormat is returned by the converter or encoder when asked
	// for a conversion/encode path that has no implementation.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrBackendUnavailable means the requested encoder backend is
	// registered but cannot run on this host.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoBackend means the registry has no entry at all for a codec format.
	ErrNoBackend = errors.New("no backend for codec format")

	// ErrFrameTooSmall means a raw input buffer was smaller than the
	// declared frame geometry requires.
	ErrFrameTooSmall = errors.New("frame too small")

	// ErrBufferUnderrun means a source buffer was shorter than its declared
	// format and geometry require; no partial output is written.
	ErrBufferUnderrun = errors.New("buffer underrun")

	// ErrConfigChangeInProgress is returned by start() while a destructive
	// video-config change is in flight.
	ErrConfigChangeInProgress = errors.New("config change in progress")

	// ErrInputTooSmall is returned by an encoder adapter when the raw buffer
	// is smaller than its backend's declared frame size.
	ErrInputTooSmall = errors.New("encoder input too small")

	// ErrBackendFault signals an internal codec fault from an adapter.
	ErrBackendFault = errors.New("encoder backend fault")

	// ErrDeviceLost means the capturer observed an OS error class
	// (ENXIO/ENODEV/EIO/EPIPE/ESHUTDOWN) indicating the device disappeared.
	ErrDeviceLost = errors.New("capture device lost")
)

// RendezvousError carries one of the mediator's distinguishable result
// codes (2 UUID_MISMATCH, 3 ID_EXISTS, 4 TOO_FREQUENT, 5 INVALID_ID_FORMAT).
type RendezvousError struct {
	Code int
	Msg  string
}

func (e *RendezvousError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	switch e.Code {
	case 2:
		return "rendezvous: uuid mismatch"
	case 3:
		return "rendezvous: id already exists"
	case 4:
		return "rendezvous: too frequent"
	case 5:
		return "rendezvous: invalid id format"
	default:
		return "rendezvous: error"
	}
}

// Terminal reports whether the result code ends registration attempts
// rather than being retried (ID_EXISTS, INVALID_ID_FORMAT).
func (e *RendezvousError) Terminal() bool {
	return e.Code == 3 || e.Code == 5
}
