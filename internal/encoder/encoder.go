// Package encoder provides a uniform interface over H.264/H.265/VP8/VP9/
// JPEG backends plus the process-wide backend registry, per spec.md §4.5.
// Concrete backends live in subpackages (vpx, openh264, jpeg, hwstub) and
// register themselves into the registry via an init()-time Register call,
// mirroring the database/sql driver-registration idiom — the "explicit
// init phase ordered before any capture start" spec.md §9 calls for.
package encoder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

// Backend enumerates the hardware/software encoder backend families.
type Backend int

const (
	BackendSoftware Backend = iota
	BackendNVENC
	BackendQSV
	BackendAMF
	BackendVAAPI
	BackendRKMPP
	BackendV4L2M2M
)

func (b Backend) IsHardware() bool { return b != BackendSoftware }

func (b Backend) String() string {
	switch b {
	case BackendSoftware:
		return "software"
	case BackendNVENC:
		return "nvenc"
	case BackendQSV:
		return "qsv"
	case BackendAMF:
		return "amf"
	case BackendVAAPI:
		return "vaapi"
	case BackendRKMPP:
		return "rkmpp"
	case BackendV4L2M2M:
		return "v4l2m2m"
	default:
		return "unknown"
	}
}

// CodecFormat is the output bitstream format an encoder produces.
type CodecFormat int

const (
	CodecH264 CodecFormat = iota
	CodecH265
	CodecVP8
	CodecVP9
	CodecJPEG
)

func (c CodecFormat) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

// Config is the construction input for an encoder adapter.
type Config struct {
	Resolution   frame.Resolution
	InputFormat  frame.PixelFormat
	BitrateKbps  int // 0 means "use quality-based default" for JPEG
	Quality      int // 1-100, JPEG only
	FPS          int
	GOPSize      int
}

// EncodedFrame is one compressed output unit.
type EncodedFrame struct {
	Bytes      []byte
	Format     CodecFormat
	Resolution frame.Resolution
	KeyFrame   bool
	Sequence   uint64
	PTSMillis  int64
	DTSMillis  int64
	CaptureTS  int64 // unix nanos, copied from the source raw frame
}

// Adapter is the common interface every encoder backend implements.
type Adapter interface {
	// Encode synchronously encodes one raw frame. It returns the first
	// output frame with ownership of its backing bytes; an adapter that
	// produces more than one NAL/packet per input drains the rest
	// internally and only exposes them via subsequent Encode calls that
	// flush the queue (software encoders here are all 1-in/≤1-out).
	Encode(raw []byte, sequence uint64) (EncodedFrame, error)
	SetBitrate(kbps int)
	RequestKeyframe()
	SupportsFormat(px frame.PixelFormat) bool
	Close() error
}

// Factory constructs an Adapter for a given Config. Implementations return
// errs.ErrBackendUnavailable if the backend cannot run on this host (e.g.
// a hardware SDK is absent).
type Factory func(cfg Config) (Adapter, error)

// entry is one registered (codec, backend) pairing.
type entry struct {
	codec    CodecFormat
	backend  Backend
	name     string
	priority int
	inputFmt frame.PixelFormat
	factory  Factory
}

var (
	registryMu sync.RWMutex
	registry   []entry
)

// Register adds a backend entry to the process-wide registry. Called from
// subpackage init() functions. priority breaks ties within the same
// (codec, hardware-ness) class; higher wins.
func Register(codec CodecFormat, backend Backend, name string, inputFmt frame.PixelFormat, priority int, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, entry{
		codec: codec, backend: backend, name: name,
		inputFmt: inputFmt, priority: priority, factory: factory,
	})
}

// candidates returns all entries for codec, hardware-before-software, then
// by priority descending.
func candidates(codec CodecFormat) []entry {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var out []entry
	for _, e := range registry {
		if e.codec == codec {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].backend.IsHardware() != out[j].backend.IsHardware() {
			return out[i].backend.IsHardware()
		}
		return out[i].priority > out[j].priority
	})
	return out
}

// BestEncoder returns the top-priority matching entry, optionally
// restricted to hardware backends.
func BestEncoder(codec CodecFormat, requireHardware bool) (Backend, string, frame.PixelFormat, error) {
	for _, e := range candidates(codec) {
		if requireHardware && !e.backend.IsHardware() {
			continue
		}
		return e.backend, e.name, e.inputFmt, nil
	}
	return 0, "", 0, fmt.Errorf("encoder: %s (require_hardware=%v): %w", codec, requireHardware, errs.ErrNoBackend)
}

// SelectableFormats returns the set of codec formats with at least one
// working backend registered.
func SelectableFormats() []CodecFormat {
	registryMu.RLock()
	defer registryMu.RUnlock()
	seen := map[CodecFormat]bool{}
	var out []CodecFormat
	for _, e := range registry {
		if !seen[e.codec] {
			seen[e.codec] = true
			out = append(out, e.codec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New constructs an adapter for codec, trying the registered backends in
// candidates order (hardware first) until one factory succeeds. With
// requireHardware, software entries are skipped and never tried.
func New(codec CodecFormat, cfg Config, requireHardware bool) (Adapter, error) {
	cands := candidates(codec)
	if len(cands) == 0 {
		return nil, fmt.Errorf("encoder: %s: %w", codec, errs.ErrNoBackend)
	}
	var lastErr error
	for _, e := range cands {
		if requireHardware && !e.backend.IsHardware() {
			continue
		}
		a, err := e.factory(cfg)
		if err == nil {
			return a, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errs.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("encoder: %s: %w", codec, lastErr)
}
