// Package vpx implements the Software VP8/VP9 encoder backends on top of
// github.com/pion/mediadevices/pkg/codec/vpx, the same codec package the
// teacher's internal/call/session.go already imports for its browser call
// path (vpx.NewVP8Params()). mediadevices builds encoders around a
// video.Reader pull model rather than a synchronous push call, so this
// adapter bridges encoder.Adapter's synchronous Encode(raw) contract onto
// that model with a single-slot image buffer: Encode stores the frame,
// then pulls exactly once from the codec.ReadCloser, which in turn pulls
// exactly once from our video.Reader — no buffering, no goroutines.
package vpx

import (
	"fmt"
	"image"
	"sync"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

func init() {
	encoder.Register(encoder.CodecVP8, encoder.BackendSoftware, "mediadevices/vpx8", frame.FormatI420, 15, newVP8)
	encoder.Register(encoder.CodecVP9, encoder.BackendSoftware, "mediadevices/vpx9", frame.FormatI420, 15, newVP9)
}

type adapter struct {
	codec  encoder.CodecFormat
	res    frame.Resolution
	mu     sync.Mutex
	enc    codec.ReadCloser
	pull   chan *image.YCbCr
	frames int
}

func newVP8(cfg encoder.Config) (encoder.Adapter, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vpx: vp8 params: %w: %w", err, errs.ErrBackendUnavailable)
	}
	applyCommon(&params.BaseParams, cfg)
	return build(encoder.CodecVP8, cfg, params)
}

func newVP9(cfg encoder.Config) (encoder.Adapter, error) {
	params, err := vpx.NewVP9Params()
	if err != nil {
		return nil, fmt.Errorf("vpx: vp9 params: %w: %w", err, errs.ErrBackendUnavailable)
	}
	applyCommon(&params.BaseParams, cfg)
	return build(encoder.CodecVP9, cfg, params)
}

func applyCommon(base *vpx.BaseParams, cfg encoder.Config) {
	bitrate := cfg.BitrateKbps
	if bitrate <= 0 {
		bitrate = 2000
	}
	base.BitRate = bitrate * 1000
	base.KeyFrameInterval = cfg.GOPSize
	if base.KeyFrameInterval <= 0 {
		base.KeyFrameInterval = 60
	}
}

type vpxParams interface {
	BuildVideoEncoder(r video.Reader, property prop.Media) (codec.ReadCloser, error)
}

func build(cf encoder.CodecFormat, cfg encoder.Config, params vpxParams) (encoder.Adapter, error) {
	a := &adapter{codec: cf, res: cfg.Resolution, pull: make(chan *image.YCbCr, 1)}

	reader := video.Reader(func() (image.Image, func(), error) {
		img := <-a.pull
		return img, func() {}, nil
	})

	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	enc, err := params.BuildVideoEncoder(reader, prop.Media{
		Video: prop.Video{
			Width:       int(cfg.Resolution.Width),
			Height:      int(cfg.Resolution.Height),
			FrameRate:   float32(fps),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vpx: build encoder: %w: %w", err, errs.ErrBackendUnavailable)
	}
	a.enc = enc
	return a, nil
}

func (a *adapter) SupportsFormat(px frame.PixelFormat) bool { return px == frame.FormatI420 }

func (a *adapter) SetBitrate(kbps int) {
	if ctl, ok := a.enc.(interface{ SetBitRate(int) error }); ok {
		_ = ctl.SetBitRate(kbps * 1000)
	}
}

func (a *adapter) RequestKeyframe() {
	if ctl, ok := a.enc.(interface{ ForceKeyFrame() error }); ok {
		_ = ctl.ForceKeyFrame()
	}
}

func (a *adapter) Close() error {
	return a.enc.Close()
}

func (a *adapter) Encode(raw []byte, sequence uint64) (encoder.EncodedFrame, error) {
	want := frame.BytesPerFrame(frame.FormatI420, a.res)
	if len(raw) < want {
		return encoder.EncodedFrame{}, fmt.Errorf("vpx encode: %w", errs.ErrInputTooSmall)
	}

	w, h := int(a.res.Width), int(a.res.Height)
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	ySize := w * h
	cSize := (w / 2) * (h / 2)
	copy(img.Y, raw[:ySize])
	copy(img.Cb, raw[ySize:ySize+cSize])
	copy(img.Cr, raw[ySize+cSize:ySize+2*cSize])
	img.YStride = w
	img.CStride = w / 2

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pull <- img
	a.frames++
	data, _, err := a.enc.Read()
	if err != nil {
		return encoder.EncodedFrame{}, fmt.Errorf("vpx: read: %w: %w", err, errs.ErrBackendFault)
	}

	return encoder.EncodedFrame{
		Bytes:      append([]byte(nil), data...),
		Format:     a.codec,
		Resolution: a.res,
		KeyFrame:   a.frames == 1,
		Sequence:   sequence,
	}, nil
}
