// Package frame holds the immutable, reference-counted video frame type and
// its bounded retention ring. Grounded on original_source/src/video/frame.rs
// for exact semantics (lazy fingerprint, JPEG validity markers, offline
// placeholder), and on the teacher's internal/util/ringbuf.go for the Go
// ring-buffer coding idiom.
package frame

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Frame is a shared-ownership, immutable payload plus its capture metadata.
// Once constructed, the payload bytes never change; copies of a *Frame are
// just pointer copies (the type is always handled by pointer).
type Frame struct {
	data []byte

	Resolution Resolution
	Format     PixelFormat
	Stride     uint32
	KeyFrame   bool
	Sequence   uint64
	CaptureTS  time.Time
	Online     bool

	hashOnce sync.Once
	hash     uint64
}

// New creates a frame taking ownership of data (callers must not mutate it
// afterward).
func New(data []byte, res Resolution, format PixelFormat, stride uint32, sequence uint64) *Frame {
	return &Frame{
		data:       data,
		Resolution: res,
		Format:     format,
		Stride:     stride,
		KeyFrame:   true,
		Sequence:   sequence,
		CaptureTS:  time.Now(),
		Online:     true,
	}
}

// Offline builds a placeholder frame representing "no signal" for a given
// target geometry/format.
func Offline(res Resolution, format PixelFormat) *Frame {
	return &Frame{
		data:       nil,
		Resolution: res,
		Format:     format,
		Stride:     0,
		KeyFrame:   true,
		Sequence:   0,
		CaptureTS:  time.Now(),
		Online:     false,
	}
}

// Data returns the frame's payload. Callers must treat it as read-only.
func (f *Frame) Data() []byte { return f.data }

func (f *Frame) Len() int { return len(f.data) }

func (f *Frame) IsEmpty() bool { return len(f.data) == 0 }

func (f *Frame) Width() uint32 { return f.Resolution.Width }

func (f *Frame) Height() uint32 { return f.Resolution.Height }

// Age returns the time elapsed since capture.
func (f *Frame) Age() time.Duration { return time.Since(f.CaptureTS) }

// IsFresh reports whether the frame is still within maxAge of its capture.
func (f *Frame) IsFresh(maxAge time.Duration) bool {
	return f.Age() < maxAge
}

// Hash returns the frame's 64-bit content fingerprint, computed at most
// once and cached. Uses xxHash64 with the library's default seed of 0,
// matching the original's xxhash_rust::xxh64(data, 0).
func (f *Frame) Hash() uint64 {
	f.hashOnce.Do(func() {
		f.hash = xxhash.Sum64(f.data)
	})
	return f.hash
}

// Equal implements the dedup comparison from spec.md §4.1: same length,
// geometry, format, stride, online flag, and fingerprint.
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	if len(f.data) != len(other.data) {
		return false
	}
	if f.Resolution != other.Resolution || f.Format != other.Format {
		return false
	}
	if f.Stride != other.Stride || f.Online != other.Online {
		return false
	}
	return f.Hash() == other.Hash()
}

// IsJPEG reports whether this frame's format is a compressed (MJPEG) one.
func (f *Frame) IsJPEG() bool { return f.Format.IsCompressed() }

// IsValidJPEG checks minimal structural validity: length and SOI/EOI markers.
func (f *Frame) IsValidJPEG() bool {
	if !f.IsJPEG() {
		return false
	}
	if len(f.data) < 125 {
		return false
	}
	start := uint16(f.data[0])<<8 | uint16(f.data[1])
	if start != 0xFFD8 {
		return false
	}
	n := len(f.data)
	end := uint16(f.data[n-2])<<8 | uint16(f.data[n-1])
	switch end {
	case 0xFFD9, 0xD900, 0x0000:
		return true
	default:
		return false
	}
}

// Meta is frame metadata without the payload, for logging/stats.
type Meta struct {
	Resolution Resolution
	Format     PixelFormat
	Size       int
	Sequence   uint64
	KeyFrame   bool
	Online     bool
}

func (f *Frame) Meta() Meta {
	return Meta{
		Resolution: f.Resolution,
		Format:     f.Format,
		Size:       f.Len(),
		Sequence:   f.Sequence,
		KeyFrame:   f.KeyFrame,
		Online:     f.Online,
	}
}
