package device

import (
	"testing"

	"github.com/blackjack/webcam"
)

const (
	fourCCMJPG webcam.PixelFormat = 0x47504a4d // "MJPG" little-endian packed
	fourCCYUYV webcam.PixelFormat = 0x56595559 // "YUYV"
)

type fakeCamera struct {
	formats map[webcam.PixelFormat]string
	sizes   map[webcam.PixelFormat][]webcam.FrameSize
}

func (f *fakeCamera) GetSupportedFormats() map[webcam.PixelFormat]string { return f.formats }
func (f *fakeCamera) GetSupportedFrameSizes(pf webcam.PixelFormat) []webcam.FrameSize {
	return f.sizes[pf]
}
func (f *fakeCamera) Close() error { return nil }

func TestScorePrefersHDMIAndMJPEG(t *testing.T) {
	plain := Info{Name: "Plain Webcam"}
	withHDMIName := Info{Name: "Macrosilicon Capture Card"}

	if score(withHDMIName) <= score(plain) {
		t.Fatalf("device with hdmi-like name should score higher: %d vs %d", score(withHDMIName), score(plain))
	}
}

func TestProbeScoreRanksMJPEG1080pAboveYUYV(t *testing.T) {
	e := &Enumerator{
		Glob: "",
		Open: func(path string) (Camera, error) {
			switch path {
			case "/dev/video0":
				return &fakeCamera{
					formats: map[webcam.PixelFormat]string{fourCCYUYV: "YUYV"},
					sizes: map[webcam.PixelFormat][]webcam.FrameSize{
						fourCCYUYV: {{MaxWidth: 640, MaxHeight: 480}},
					},
				}, nil
			case "/dev/video1":
				return &fakeCamera{
					formats: map[webcam.PixelFormat]string{
						fourCCMJPG: "MJPG",
						fourCCYUYV: "YUYV",
					},
					sizes: map[webcam.PixelFormat][]webcam.FrameSize{
						fourCCMJPG: {{MaxWidth: 1920, MaxHeight: 1080}},
						fourCCYUYV: {{MaxWidth: 1920, MaxHeight: 1080}},
					},
				}, nil
			}
			return nil, errNotFound
		},
	}

	infos := make([]Info, 0, 2)
	for _, p := range []string{"/dev/video0", "/dev/video1"} {
		info, err := probe(p, e.Open)
		if err != nil {
			t.Fatalf("probe(%s): %v", p, err)
		}
		info.Score = score(info)
		infos = append(infos, info)
	}

	if infos[1].Score <= infos[0].Score {
		t.Fatalf("MJPEG-at-1080p device should outrank a 640x480 YUYV-only device: %+v", infos)
	}
	if !infos[1].SupportsMJPEGAt1080p() {
		t.Fatalf("expected device 1 to support MJPEG at 1080p")
	}
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "device not found" }

var errNotFound = notFoundErr{}
