// Package jpeg implements the Software JPEG encoder backend using the
// standard library's image/jpeg, registered as the Software adapter for
// encoder.CodecJPEG. This is the concrete backend MJPEG distribution (C7)
// falls back to when re-encoding non-JPEG frames, and is deliberately
// stdlib-only: image/jpeg is the idiomatic, already-present choice for
// baseline JPEG in Go and nothing in the retrieval pack offers a turbo-jpeg
// binding.
package jpeg

import (
	"bytes"
	"fmt"
	"image"
	stdjpeg "image/jpeg"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

func init() {
	encoder.Register(encoder.CodecJPEG, encoder.BackendSoftware, "image/jpeg", frame.FormatI420, 10, New)
}

type adapter struct {
	res     frame.Resolution
	quality int
}

// New constructs the software JPEG adapter. It always succeeds: image/jpeg
// is part of the standard library and has no hardware dependency.
func New(cfg encoder.Config) (encoder.Adapter, error) {
	q := cfg.Quality
	if q <= 0 {
		q = 80
	}
	return &adapter{res: cfg.Resolution, quality: q}, nil
}

func (a *adapter) SupportsFormat(px frame.PixelFormat) bool {
	return px == frame.FormatI420
}

func (a *adapter) SetBitrate(kbps int) {
	// JPEG is quality-driven, not bitrate-driven; approximate by scaling
	// quality with a coarse table so callers expecting dynamic bitrate
	// control still see some effect.
	switch {
	case kbps <= 0:
		return
	case kbps < 500:
		a.quality = 50
	case kbps < 2000:
		a.quality = 75
	default:
		a.quality = 90
	}
}

// RequestKeyframe is a no-op: every JPEG frame is already a complete,
// independently decodable image.
func (a *adapter) RequestKeyframe() {}

func (a *adapter) Close() error { return nil }

func (a *adapter) Encode(raw []byte, sequence uint64) (encoder.EncodedFrame, error) {
	want := frame.BytesPerFrame(frame.FormatI420, a.res)
	if len(raw) < want {
		return encoder.EncodedFrame{}, fmt.Errorf("jpeg encode: %w", errs.ErrInputTooSmall)
	}

	w, h := int(a.res.Width), int(a.res.Height)
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)

	ySize := w * h
	cSize := (w / 2) * (h / 2)
	copy(img.Y, raw[:ySize])
	copy(img.Cb, raw[ySize:ySize+cSize])
	copy(img.Cr, raw[ySize+cSize:ySize+2*cSize])
	// image.YCbCr strides default to tight packing matching our planar
	// layout only when NewYCbCr's allocation matches (w, h) exactly, which
	// it does for even dimensions under 4:2:0.
	img.YStride = w
	img.CStride = w / 2

	var buf bytes.Buffer
	if err := stdjpeg.Encode(&buf, img, &stdjpeg.Options{Quality: a.quality}); err != nil {
		return encoder.EncodedFrame{}, fmt.Errorf("jpeg encode: %w", errs.ErrBackendFault)
	}

	return encoder.EncodedFrame{
		Bytes:      buf.Bytes(),
		Format:     encoder.CodecJPEG,
		Resolution: a.res,
		KeyFrame:   true,
		Sequence:   sequence,
	}, nil
}
