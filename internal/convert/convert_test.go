package convert

import (
	"testing"

	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

func TestUnsupportedEdgeErrors(t *testing.T) {
	_, err := New(frame.FormatMJPEG, frame.FormatRGB24, frame.Resolution{Width: 4, Height: 4})
	if err == nil {
		t.Fatalf("expected error for unimplemented edge")
	}
}

func TestPassThroughI420(t *testing.T) {
	res := frame.Resolution{Width: 4, Height: 4}
	c, err := New(frame.FormatI420, frame.FormatI420, res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := make([]byte, frame.BytesPerFrame(frame.FormatI420, res))
	for i := range src {
		src[i] = byte(i)
	}
	out, err := c.Convert(src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	for i := range src {
		if out[i] != src[i] {
			t.Fatalf("pass-through mismatch at %d: got %d want %d", i, out[i], src[i])
		}
	}
}

func TestYUYVToI420Geometry(t *testing.T) {
	res := frame.Resolution{Width: 4, Height: 2}
	c, err := New(frame.FormatYUYV, frame.FormatI420, res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := make([]byte, frame.BytesPerFrame(frame.FormatYUYV, res))
	// Fill with a uniform color so every Y/U/V sample is predictable.
	for i := 0; i < len(src); i += 4 {
		src[i], src[i+1], src[i+2], src[i+3] = 100, 128, 100, 128
	}
	out, err := c.Convert(src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	ySize := 4 * 2
	uSize := 2 * 1
	if len(out) != ySize+2*uSize {
		t.Fatalf("unexpected output size: got %d want %d", len(out), ySize+2*uSize)
	}
	for i := 0; i < ySize; i++ {
		if out[i] != 100 {
			t.Fatalf("Y plane byte %d: got %d want 100", i, out[i])
		}
	}
	for i := ySize; i < ySize+2*uSize; i++ {
		if out[i] != 128 {
			t.Fatalf("chroma plane byte %d: got %d want 128", i, out[i])
		}
	}
}

func TestBufferUnderrunNoPartialOutput(t *testing.T) {
	res := frame.Resolution{Width: 8, Height: 8}
	c, err := New(frame.FormatYUYV, frame.FormatI420, res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Convert(make([]byte, 4)) // far too short
	if err == nil {
		t.Fatalf("expected error for undersized input")
	}
}

func TestNV16ToNV12Averaging(t *testing.T) {
	res := frame.Resolution{Width: 2, Height: 4}
	c, err := New(frame.FormatNV16, frame.FormatNV12, res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ySize := 2 * 4
	src := make([]byte, frame.BytesPerFrame(frame.FormatNV16, res))
	for i := 0; i < ySize; i++ {
		src[i] = 1
	}
	uv := src[ySize:]
	// Row 0: (10,20) Row 1: (30,40) -> averaged row should be (20,30)
	uv[0], uv[1] = 10, 20
	uv[2], uv[3] = 30, 40
	out, err := c.Convert(src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	outUV := out[ySize:]
	if outUV[0] != 20 || outUV[1] != 30 {
		t.Fatalf("expected averaged chroma (20,30), got (%d,%d)", outUV[0], outUV[1])
	}
}
