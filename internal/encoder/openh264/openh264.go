// Package openh264 implements the Software H.264 encoder backend using
// github.com/y9o/go-openh264, a cgo-free binding to Cisco's OpenH264
// shared library. Grounded on other_examples/...Ohio15-Sentinel.../
// webrtc.go's h264Encoder (WelsCreateSVCEncoder / SEncParamBase /
// EncodeFrame / SFrameBSInfo usage), adapted here to encode directly from
// I420 planar byte slices instead of image.YCbCr, since the pipeline
// (internal/pipeline) already stages raw frames to I420 before handing
// them to this adapter.
package openh264

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/y9o/go-openh264"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

func init() {
	encoder.Register(encoder.CodecH264, encoder.BackendSoftware, "openh264", frame.FormatI420, 20, New)
}

type adapter struct {
	mu      sync.Mutex
	enc     *openh264.ISVCEncoder
	width   int32
	height  int32
	frameNo int64
	pinner  runtime.Pinner

	keyframeRequested bool
}

func alignTo16(v int) int {
	if v%16 == 0 {
		return v
	}
	return ((v / 16) + 1) * 16
}

// New constructs the software H.264 adapter. It fails with
// errs.ErrBackendUnavailable if the OpenH264 shared library cannot be
// loaded or the encoder cannot be created/initialized.
func New(cfg encoder.Config) (encoder.Adapter, error) {
	w := alignTo16(int(cfg.Resolution.Width))
	h := alignTo16(int(cfg.Resolution.Height))

	var enc *openh264.ISVCEncoder
	if ret := openh264.WelsCreateSVCEncoder(&enc); ret != 0 || enc == nil {
		return nil, fmt.Errorf("openh264: create encoder: %d: %w", ret, errs.ErrBackendUnavailable)
	}

	bitrate := cfg.BitrateKbps * 1000
	if bitrate <= 0 {
		bitrate = 2_000_000
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}

	params := openh264.SEncParamBase{
		IUsageType:     openh264.CAMERA_VIDEO_REAL_TIME,
		IPicWidth:      int32(w),
		IPicHeight:     int32(h),
		ITargetBitrate: int32(bitrate),
		FMaxFrameRate:  float32(fps),
	}
	if ret := enc.Initialize(&params); ret != 0 {
		openh264.WelsDestroySVCEncoder(enc)
		return nil, fmt.Errorf("openh264: initialize: %d: %w", ret, errs.ErrBackendUnavailable)
	}

	return &adapter{enc: enc, width: int32(w), height: int32(h)}, nil
}

func (a *adapter) SupportsFormat(px frame.PixelFormat) bool { return px == frame.FormatI420 }

func (a *adapter) SetBitrate(kbps int) {
	// go-openh264 doesn't expose SetOption dynamic bitrate in the binding
	// used here; bitrate changes take effect on the next adapter rebuild
	// (each new pipeline.Pipeline builds its own adapter, e.g. when
	// streammode.Manager.SwitchCodec restarts the WebRTC sink), matching the dynamic-but-best-effort
	// contract spec.md §4.5 describes for adapters lacking live controls.
}

func (a *adapter) RequestKeyframe() {
	a.mu.Lock()
	a.keyframeRequested = true
	a.mu.Unlock()
}

func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc != nil {
		a.enc.Uninitialize()
		openh264.WelsDestroySVCEncoder(a.enc)
		a.enc = nil
	}
	return nil
}

func (a *adapter) Encode(raw []byte, sequence uint64) (encoder.EncodedFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := frame.BytesPerFrame(frame.FormatI420, frame.Resolution{Width: uint32(a.width), Height: uint32(a.height)})
	if len(raw) < want {
		return encoder.EncodedFrame{}, fmt.Errorf("openh264 encode: %w", errs.ErrInputTooSmall)
	}

	ySize := int(a.width) * int(a.height)
	cSize := (int(a.width) / 2) * (int(a.height) / 2)
	y := raw[:ySize]
	u := raw[ySize : ySize+cSize]
	v := raw[ySize+cSize : ySize+2*cSize]

	a.pinner.Pin(&y[0])
	a.pinner.Pin(&u[0])
	a.pinner.Pin(&v[0])
	defer a.pinner.Unpin()

	if a.keyframeRequested {
		// go-openh264 has no ForceIntraFrame call in this binding; the
		// request is a no-op and the keyframe occurs at the next GOP
		// boundary, matching spec.md §4.5's fallback rule for adapters
		// that lack the capability.
		a.keyframeRequested = false
	}

	src := openh264.SSourcePicture{
		IColorFormat: openh264.VideoFormatI420,
		IStride:      [4]int32{a.width, a.width / 2, a.width / 2, 0},
		IPicWidth:    a.width,
		IPicHeight:   a.height,
		UiTimeStamp:  a.frameNo * 33,
	}
	src.PData[0] = (*uint8)(unsafe.Pointer(&y[0]))
	src.PData[1] = (*uint8)(unsafe.Pointer(&u[0]))
	src.PData[2] = (*uint8)(unsafe.Pointer(&v[0]))
	a.frameNo++

	var info openh264.SFrameBSInfo
	if ret := a.enc.EncodeFrame(&src, &info); ret != openh264.CmResultSuccess {
		return encoder.EncodedFrame{}, fmt.Errorf("openh264: encode: %d: %w", ret, errs.ErrBackendFault)
	}
	if info.EFrameType == openh264.VideoFrameTypeSkip {
		return encoder.EncodedFrame{}, nil
	}

	var out []byte
	for layer := 0; layer < int(info.ILayerNum); layer++ {
		li := &info.SLayerInfo[layer]
		var size int32
		lens := unsafe.Slice(li.PNalLengthInByte, li.INalCount)
		for _, l := range lens {
			size += l
		}
		out = append(out, unsafe.Slice(li.PBsBuf, size)...)
	}

	return encoder.EncodedFrame{
		Bytes:      out,
		Format:     encoder.CodecH264,
		Resolution: frame.Resolution{Width: uint32(a.width), Height: uint32(a.height)},
		KeyFrame:   info.EFrameType == openh264.VideoFrameTypeIDR,
		Sequence:   sequence,
	}, nil
}
