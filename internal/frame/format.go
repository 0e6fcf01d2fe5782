package frame

import "fmt"

// Resolution is a capture or encode frame size in pixels.
type Resolution struct {
	Width  uint32
	Height uint32
}

// Valid reports whether the resolution falls within the supported range.
func (r Resolution) Valid() bool {
	return r.Width >= 160 && r.Width <= 15360 && r.Height >= 120 && r.Height <= 8640
}

func (r Resolution) PixelCount() uint64 {
	return uint64(r.Width) * uint64(r.Height)
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// PixelFormat is a tagged raw or compressed pixel layout. The zero value is
// not a valid format; use the named constants.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatYUYV
	FormatUYVY
	FormatYVYU
	FormatNV12
	FormatNV16
	FormatI420  // aka YUV420P
	FormatYVU420
	FormatRGB24
	FormatBGR24
	FormatMJPEG
)

// FourCC returns the V4L2-style four-character code for this format.
func (f PixelFormat) FourCC() string {
	switch f {
	case FormatYUYV:
		return "YUYV"
	case FormatUYVY:
		return "UYVY"
	case FormatYVYU:
		return "YVYU"
	case FormatNV12:
		return "NV12"
	case FormatNV16:
		return "NV16"
	case FormatI420:
		return "YU12"
	case FormatYVU420:
		return "YV12"
	case FormatRGB24:
		return "RGB3"
	case FormatBGR24:
		return "BGR3"
	case FormatMJPEG:
		return "MJPG"
	default:
		return "????"
	}
}

// FourCCToFormat reverses FourCC for device enumeration.
func FourCCToFormat(fourcc string) PixelFormat {
	switch fourcc {
	case "YUYV":
		return FormatYUYV
	case "UYVY":
		return FormatUYVY
	case "YVYU":
		return FormatYVYU
	case "NV12":
		return FormatNV12
	case "NV16":
		return FormatNV16
	case "YU12":
		return FormatI420
	case "YV12":
		return FormatYVU420
	case "RGB3":
		return FormatRGB24
	case "BGR3":
		return FormatBGR24
	case "MJPG", "JPEG":
		return FormatMJPEG
	default:
		return FormatUnknown
	}
}

// IsCompressed reports whether the format's payload is an encoded bitstream
// (only MJPEG among the raw capture formats we model).
func (f PixelFormat) IsCompressed() bool {
	return f == FormatMJPEG
}

// CapturePriority ranks formats for device/format selection: compressed
// formats (MJPEG, which lets a USB bus carry higher resolutions at lower
// bandwidth) rank highest for capture.
func (f PixelFormat) CapturePriority() int {
	if f.IsCompressed() {
		return 100
	}
	switch f {
	case FormatNV12, FormatI420:
		return 50
	case FormatYUYV, FormatUYVY, FormatYVYU:
		return 40
	case FormatNV16:
		return 35
	case FormatYVU420:
		return 30
	case FormatRGB24, FormatBGR24:
		return 10
	default:
		return 0
	}
}

// EncodePriority ranks formats for encoder-input selection: planar NV12/I420
// rank highest since that's what hardware/software encoders want directly.
func (f PixelFormat) EncodePriority() int {
	switch f {
	case FormatNV12:
		return 100
	case FormatI420:
		return 90
	case FormatYVU420:
		return 80
	case FormatNV16:
		return 50
	case FormatYUYV, FormatUYVY, FormatYVYU:
		return 30
	case FormatRGB24, FormatBGR24:
		return 20
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	return f.FourCC()
}

// BytesPerFrame returns the packed/planar buffer size for a raw (non
// compressed) format at the given resolution, or 0 if unknown/compressed.
func BytesPerFrame(f PixelFormat, res Resolution) int {
	w, h := int(res.Width), int(res.Height)
	switch f {
	case FormatYUYV, FormatUYVY, FormatYVYU:
		return w * h * 2
	case FormatNV12, FormatI420, FormatYVU420:
		return w * h * 3 / 2
	case FormatNV16:
		return w * h * 2
	case FormatRGB24, FormatBGR24:
		return w * h * 3
	default:
		return 0
	}
}
