// Package hwstub registers placeholder entries for the hardware encoder
// backends spec.md §3 enumerates (NVENC, QSV, AMF, VAAPI, RKMPP, V4L2M2M).
// spec.md treats the actual codec SDK as an external black-box collaborator
// ("the bundled C++/FFmpeg bindings" are explicitly out of scope), so this
// package carries no cgo or vendor SDK dependency: each factory reports
// errs.ErrBackendUnavailable, matching "registry priority: hardware before
// software" while making it impossible to actually construct one of these
// adapters in this build. A real deployment swaps this package for one
// backed by the vendor SDK bindings without touching internal/encoder's
// registry contract (Factory is a plain function value).
//
// H.265 is deliberately NOT registered here: the pack has no software H.265
// encoder, so with no hardware SDK bound, encoder.BestEncoder(CodecH265, _)
// and encoder.New(CodecH265, _, _) correctly return errs.ErrNoBackend
// (registry has no entry at all), per spec.md §4.5 and §9's note that
// H.265 is hardware-only in this build.
package hwstub

import (
	"fmt"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

var hardwareBackends = []encoder.Backend{
	encoder.BackendNVENC,
	encoder.BackendQSV,
	encoder.BackendAMF,
	encoder.BackendVAAPI,
	encoder.BackendRKMPP,
	encoder.BackendV4L2M2M,
}

// codecs lists the (codec, priority) pairs a real hardware SDK would
// typically cover; H.265 is intentionally omitted (see package doc).
var codecs = []struct {
	format   encoder.CodecFormat
	priority int
}{
	{encoder.CodecH264, 100},
	{encoder.CodecVP8, 80},
	{encoder.CodecVP9, 80},
	{encoder.CodecJPEG, 60},
}

func init() {
	for _, backend := range hardwareBackends {
		for _, c := range codecs {
			backend := backend
			encoder.Register(c.format, backend, backend.String(), frame.FormatNV12, c.priority, func(cfg encoder.Config) (encoder.Adapter, error) {
				return nil, fmt.Errorf("hwstub: %s: no vendor SDK bound in this build: %w", backend, errs.ErrBackendUnavailable)
			})
		}
	}
}
