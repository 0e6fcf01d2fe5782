// Package device enumerates V4L2-style capture devices and ranks them by
// capability, per spec.md §4.2. It wraps github.com/blackjack/webcam, a
// dependency already present transitively in the retrieval pack (pulled in
// by pion/mediadevices), promoted here to a direct dependency since it is
// the only pure-Go V4L2 mmap capture library the pack offers.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blackjack/webcam"

	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

// FrameSize describes one supported width/height pair (or stepped range)
// for a given pixel format.
type FrameSize struct {
	MinWidth, MaxWidth, StepWidth    uint32
	MinHeight, MaxHeight, StepHeight uint32
}

// MaxPixels returns the largest resolution this FrameSize range reaches.
func (s FrameSize) MaxPixels() uint64 {
	return uint64(s.MaxWidth) * uint64(s.MaxHeight)
}

// FormatDescriptor is one pixel format a device supports, with its sizes
// sorted by maximum pixel count, largest first. A device's descriptors
// themselves are sorted by PixelFormat capture priority.
type FormatDescriptor struct {
	Format frame.PixelFormat
	Sizes  []FrameSize
}

// Info describes one discovered capture device.
type Info struct {
	Path    string
	Name    string
	Driver  string
	Formats []FormatDescriptor
	Score   int
}

// SupportsMJPEGAt1080p reports whether the device's MJPEG format descriptor
// reaches at least 1920x1080.
func (i Info) SupportsMJPEGAt1080p() bool {
	for _, fd := range i.Formats {
		if fd.Format != frame.FormatMJPEG {
			continue
		}
		for _, sz := range fd.Sizes {
			if sz.MaxWidth >= 1920 && sz.MaxHeight >= 1080 {
				return true
			}
		}
	}
	return false
}

func (i Info) supportsMJPEG() bool {
	return i.Supports(frame.FormatMJPEG)
}

// Supports reports whether the device has a format descriptor for format.
func (i Info) Supports(format frame.PixelFormat) bool {
	for _, fd := range i.Formats {
		if fd.Format == format {
			return true
		}
	}
	return false
}

func (i Info) maxPixelCount() uint64 {
	var max uint64
	for _, fd := range i.Formats {
		for _, sz := range fd.Sizes {
			if p := sz.MaxPixels(); p > max {
				max = p
			}
		}
	}
	return max
}

var hdmiNameHints = []string{"hdmi", "capture", "grabber", "ms2109", "ms2130", "macrosilicon", "tc358743", "uvc"}

var knownGoodDrivers = map[string]bool{
	"uvcvideo":  true,
	"tc358743":  true,
}

// score implements the exact formula from spec.md §4.2.
func score(i Info) int {
	s := 0

	name := strings.ToLower(i.Name + " " + i.Driver)
	isHDMILike := i.SupportsMJPEGAt1080p()
	if !isHDMILike {
		for _, hint := range hdmiNameHints {
			if strings.Contains(name, hint) {
				isHDMILike = true
				break
			}
		}
	}
	if isHDMILike {
		s += 1000
	}

	if i.supportsMJPEG() {
		s += 100
	}

	s += int(i.maxPixelCount() / 100000)

	if knownGoodDrivers[strings.ToLower(i.Driver)] {
		s += 50
	}

	return s
}

// OpenFunc abstracts webcam.Open for testability.
type OpenFunc func(path string) (Camera, error)

// Camera is the subset of *webcam.Camera's behavior device needs, so tests
// can substitute a fake.
type Camera interface {
	GetSupportedFormats() map[webcam.PixelFormat]string
	GetSupportedFrameSizes(f webcam.PixelFormat) []webcam.FrameSize
	Close() error
}

func defaultOpen(path string) (Camera, error) {
	return webcam.Open(path)
}

// Enumerator scans the OS capture-device namespace.
type Enumerator struct {
	Glob string // default "/dev/video*"
	Open OpenFunc
}

func NewEnumerator() *Enumerator {
	return &Enumerator{Glob: "/dev/video*", Open: defaultOpen}
}

// Enumerate scans candidate device paths, opens each, queries its format
// and frame-size descriptors, and returns a list ordered by device score
// (highest first).
func (e *Enumerator) Enumerate() ([]Info, error) {
	glob := e.Glob
	if glob == "" {
		glob = "/dev/video*"
	}
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("device: glob %q: %w", glob, err)
	}
	sort.Strings(paths)

	open := e.Open
	if open == nil {
		open = defaultOpen
	}

	var out []Info
	for _, p := range paths {
		info, err := probe(p, open)
		if err != nil {
			continue // unreadable/busy device: skip, not fatal to enumeration
		}
		info.Score = score(info)
		out = append(out, info)
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Score > out[b].Score
	})
	return out, nil
}

// FindBest returns the highest scoring device, or ok=false if none found.
func (e *Enumerator) FindBest() (Info, bool, error) {
	infos, err := e.Enumerate()
	if err != nil {
		return Info{}, false, err
	}
	if len(infos) == 0 {
		return Info{}, false, nil
	}
	return infos[0], true, nil
}

func probe(path string, open OpenFunc) (Info, error) {
	cam, err := open(path)
	if err != nil {
		return Info{}, err
	}
	defer cam.Close()

	info := Info{Path: path, Name: filepath.Base(path)}

	formats := cam.GetSupportedFormats()
	for pf, name := range formats {
		fmtType := frame.FourCCToFormat(fourCCString(pf))
		if fmtType == frame.FormatUnknown {
			// Some drivers report names like "Motion-JPEG" instead of a
			// clean FourCC; fall back to substring sniffing.
			if strings.Contains(strings.ToUpper(name), "JPEG") || strings.Contains(strings.ToUpper(name), "MJPG") {
				fmtType = frame.FormatMJPEG
			} else {
				continue
			}
		}
		sizes := cam.GetSupportedFrameSizes(pf)
		fd := FormatDescriptor{Format: fmtType}
		for _, sz := range sizes {
			fd.Sizes = append(fd.Sizes, FrameSize{
				MinWidth: sz.MinWidth, MaxWidth: sz.MaxWidth, StepWidth: sz.StepWidth,
				MinHeight: sz.MinHeight, MaxHeight: sz.MaxHeight, StepHeight: sz.StepHeight,
			})
		}
		sort.Slice(fd.Sizes, func(a, b int) bool {
			return fd.Sizes[a].MaxPixels() > fd.Sizes[b].MaxPixels()
		})
		info.Formats = append(info.Formats, fd)
	}

	sort.Slice(info.Formats, func(a, b int) bool {
		return info.Formats[a].Format.CapturePriority() > info.Formats[b].Format.CapturePriority()
	})

	if driver, err := os.Readlink(filepath.Join("/sys/class/video4linux", filepath.Base(path), "device/driver")); err == nil {
		info.Driver = filepath.Base(driver)
	}

	return info, nil
}

// fourCCString renders a webcam.PixelFormat (a uint32 V4L2 FourCC) as its
// 4-character string, matching frame.FourCCToFormat's expected input.
func fourCCString(pf webcam.PixelFormat) string {
	v := uint32(pf)
	b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return string(b[:])
}
