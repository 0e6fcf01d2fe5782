// Package convert implements pixel format conversions among
// YUYV/UYVY/YVYU/NV12/NV16/I420/YVU420/RGB24/BGR24, per spec.md §4.4.
//
// No vendor SIMD library (the original's libyuv) has a Go binding anywhere
// in the retrieval pack, so every edge here is a plain, correct software
// implementation — see DESIGN.md for the stdlib-only justification. Each
// Converter is built for one (src, dst, resolution) tuple and reuses its
// output buffer across calls, matching the "(&mut Buffer, &src)" redesign
// spec.md §9 calls out for languages without borrow checking.
package convert

import (
	"fmt"

	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

// Converter converts raw frames between two fixed pixel formats at a fixed
// resolution, reusing an internal output buffer.
type Converter struct {
	src, dst frame.PixelFormat
	res      frame.Resolution
	out      []byte
}

// New constructs a converter for (src, dst, res). Returns
// errs.ErrUnsupportedFormat if no conversion edge exists for the pair.
func New(src, dst frame.PixelFormat, res frame.Resolution) (*Converter, error) {
	if !hasEdge(src, dst) {
		return nil, fmt.Errorf("convert: %s -> %s: %w", src, dst, errs.ErrUnsupportedFormat)
	}
	size := frame.BytesPerFrame(dst, res)
	return &Converter{src: src, dst: dst, res: res, out: make([]byte, size)}, nil
}

func hasEdge(src, dst frame.PixelFormat) bool {
	if src == dst {
		return true
	}
	switch dst {
	case frame.FormatI420:
		switch src {
		case frame.FormatYUYV, frame.FormatUYVY, frame.FormatYVYU, frame.FormatNV12, frame.FormatYVU420, frame.FormatRGB24, frame.FormatBGR24:
			return true
		}
	case frame.FormatNV12:
		switch src {
		case frame.FormatYUYV, frame.FormatRGB24, frame.FormatBGR24, frame.FormatNV16:
			return true
		}
	}
	return false
}

// Convert converts src into the internal output buffer and returns a
// read-only view of it. The returned slice is only valid until the next
// call to Convert on the same Converter.
func (c *Converter) Convert(src []byte) ([]byte, error) {
	want := frame.BytesPerFrame(c.src, c.res)
	if want > 0 && len(src) < want {
		return nil, fmt.Errorf("convert: input %d bytes, want %d: %w", len(src), want, errs.ErrBufferUnderrun)
	}

	if c.src == c.dst {
		n := copy(c.out, src)
		return c.out[:n], nil
	}

	w, h := int(c.res.Width), int(c.res.Height)

	switch {
	case c.dst == frame.FormatI420 && c.src == frame.FormatYUYV:
		packedToI420(src, c.out, w, h, true)
	case c.dst == frame.FormatI420 && c.src == frame.FormatUYVY:
		packedToI420(src, c.out, w, h, false)
	case c.dst == frame.FormatI420 && c.src == frame.FormatYVYU:
		yvyuToI420(src, c.out, w, h)
	case c.dst == frame.FormatI420 && c.src == frame.FormatNV12:
		nv12ToI420(src, c.out, w, h)
	case c.dst == frame.FormatI420 && c.src == frame.FormatYVU420:
		yvu420ToI420(src, c.out, w, h)
	case c.dst == frame.FormatI420 && c.src == frame.FormatRGB24:
		rgbToI420(src, c.out, w, h, true)
	case c.dst == frame.FormatI420 && c.src == frame.FormatBGR24:
		rgbToI420(src, c.out, w, h, false)
	case c.dst == frame.FormatNV12 && c.src == frame.FormatYUYV:
		packedToNV12(src, c.out, w, h, true)
	case c.dst == frame.FormatNV12 && c.src == frame.FormatRGB24:
		rgbToNV12(src, c.out, w, h, true)
	case c.dst == frame.FormatNV12 && c.src == frame.FormatBGR24:
		rgbToNV12(src, c.out, w, h, false)
	case c.dst == frame.FormatNV12 && c.src == frame.FormatNV16:
		nv16ToNV12(src, c.out, w, h)
	default:
		return nil, fmt.Errorf("convert: %s -> %s: %w", c.src, c.dst, errs.ErrUnsupportedFormat)
	}

	return c.out, nil
}

func clampByte(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

func rgbToYUV(r, g, b byte) (y, u, v byte) {
	ri, gi, bi := int32(r), int32(g), int32(b)
	yy := (66*ri + 129*gi + 25*bi + 128) >> 8
	uu := (-38*ri - 74*gi + 112*bi + 128) >> 8
	vv := (112*ri - 94*gi - 18*bi + 128) >> 8
	return clampByte(yy + 16), clampByte(uu + 128), clampByte(vv + 128)
}

// packedToI420 converts a 4:2:2 packed format (YUYV or UYVY) to planar I420
// by 2x horizontal (already present in the source) and 2x vertical chroma
// subsampling: the chroma sample for each 2x2 luma block is taken from its
// even source row only, nearest-neighbor style (odd rows contribute Y
// samples but no chroma).
func packedToI420(src, dst []byte, w, h int, yFirst bool) {
	ySize := w * h
	uSize := (w / 2) * (h / 2)
	yPlane := dst[:ySize]
	uPlane := dst[ySize : ySize+uSize]
	vPlane := dst[ySize+uSize : ySize+2*uSize]

	stride := w * 2
	for row := 0; row < h; row++ {
		rowBase := row * stride
		for col := 0; col < w; col += 2 {
			off := rowBase + col*2
			var y0, u, y1, v byte
			if yFirst {
				y0, u, y1, v = src[off], src[off+1], src[off+2], src[off+3]
			} else {
				u, y0, v, y1 = src[off], src[off+1], src[off+2], src[off+3]
			}
			yPlane[row*w+col] = y0
			yPlane[row*w+col+1] = y1
			if row%2 == 0 {
				ci := (row/2)*(w/2) + col/2
				uPlane[ci] = u
				vPlane[ci] = v
			}
		}
	}
}

// yvyuToI420 is YVYU's packed layout (Y0 V Y1 U) converted to planar I420.
// Per spec.md §4.4, this edge does true 2x2 block averaging: each output
// chroma sample is the rounded mean of the even row's and the following odd
// row's chroma at that column pair, not a nearest-neighbor pick from one row.
func yvyuToI420(src, dst []byte, w, h int) {
	ySize := w * h
	uSize := (w / 2) * (h / 2)
	yPlane := dst[:ySize]
	uPlane := dst[ySize : ySize+uSize]
	vPlane := dst[ySize+uSize : ySize+2*uSize]

	stride := w * 2
	for row := 0; row < h; row++ {
		rowBase := row * stride
		for col := 0; col < w; col += 2 {
			off := rowBase + col*2
			y0, v0, y1, u0 := src[off], src[off+1], src[off+2], src[off+3]
			yPlane[row*w+col] = y0
			yPlane[row*w+col+1] = y1
			if row%2 == 0 {
				u, v := uint16(u0), uint16(v0)
				if row+1 < h {
					off1 := rowBase + stride + col*2
					v1, u1 := src[off1+1], src[off1+3]
					u = (u + uint16(u1) + 1) / 2
					v = (v + uint16(v1) + 1) / 2
				}
				ci := (row/2)*(w/2) + col/2
				uPlane[ci] = byte(u)
				vPlane[ci] = byte(v)
			}
		}
	}
}

func nv12ToI420(src, dst []byte, w, h int) {
	ySize := w * h
	uSize := (w / 2) * (h / 2)
	copy(dst[:ySize], src[:ySize])
	uv := src[ySize : ySize+2*uSize]
	uPlane := dst[ySize : ySize+uSize]
	vPlane := dst[ySize+uSize : ySize+2*uSize]
	for i := 0; i < uSize; i++ {
		uPlane[i] = uv[2*i]
		vPlane[i] = uv[2*i+1]
	}
}

// yvu420ToI420 is a Y-copy plus U/V plane swap, per spec.md §4.4.
func yvu420ToI420(src, dst []byte, w, h int) {
	ySize := w * h
	uSize := (w / 2) * (h / 2)
	copy(dst[:ySize], src[:ySize])
	// YVU420 stores V then U; I420 stores U then V.
	copy(dst[ySize:ySize+uSize], src[ySize+uSize:ySize+2*uSize])
	copy(dst[ySize+uSize:ySize+2*uSize], src[ySize:ySize+uSize])
}

func rgbToI420(src, dst []byte, w, h int, rgbOrder bool) {
	ySize := w * h
	uSize := (w / 2) * (h / 2)
	yPlane := dst[:ySize]
	uPlane := dst[ySize : ySize+uSize]
	vPlane := dst[ySize+uSize : ySize+2*uSize]

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			off := (row*w + col) * 3
			var r, g, b byte
			if rgbOrder {
				r, g, b = src[off], src[off+1], src[off+2]
			} else {
				b, g, r = src[off], src[off+1], src[off+2]
			}
			y, u, v := rgbToYUV(r, g, b)
			yPlane[row*w+col] = y
			if row%2 == 0 && col%2 == 0 {
				ci := (row/2)*(w/2) + col/2
				uPlane[ci] = u
				vPlane[ci] = v
			}
		}
	}
}

func packedToNV12(src, dst []byte, w, h int, yFirst bool) {
	ySize := w * h
	yPlane := dst[:ySize]
	uvPlane := dst[ySize:]

	stride := w * 2
	for row := 0; row < h; row++ {
		rowBase := row * stride
		for col := 0; col < w; col += 2 {
			off := rowBase + col*2
			var y0, u, y1, v byte
			if yFirst {
				y0, u, y1, v = src[off], src[off+1], src[off+2], src[off+3]
			} else {
				u, y0, v, y1 = src[off], src[off+1], src[off+2], src[off+3]
			}
			yPlane[row*w+col] = y0
			yPlane[row*w+col+1] = y1
			if row%2 == 0 {
				ci := (row/2)*(w/2) + col/2
				uvPlane[2*ci] = u
				uvPlane[2*ci+1] = v
			}
		}
	}
}

func rgbToNV12(src, dst []byte, w, h int, rgbOrder bool) {
	ySize := w * h
	yPlane := dst[:ySize]
	uvPlane := dst[ySize:]

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			off := (row*w + col) * 3
			var r, g, b byte
			if rgbOrder {
				r, g, b = src[off], src[off+1], src[off+2]
			} else {
				b, g, r = src[off], src[off+1], src[off+2]
			}
			y, u, v := rgbToYUV(r, g, b)
			yPlane[row*w+col] = y
			if row%2 == 0 && col%2 == 0 {
				ci := (row/2)*(w/2) + col/2
				uvPlane[2*ci] = u
				uvPlane[2*ci+1] = v
			}
		}
	}
}

// nv16ToNV12 is a software fallback (vertical-only chroma subsampling,
// averaging adjacent row pairs) for when the vendor library lacks a direct
// NV16->NV12 path, per spec.md §4.4. NV16 already matches NV12's horizontal
// chroma resolution (w bytes per UV row); only vertical resolution halves.
func nv16ToNV12(src, dst []byte, w, h int) {
	ySize := w * h
	copy(dst[:ySize], src[:ySize])
	srcUV := src[ySize:] // h rows of w bytes each (full vertical chroma resolution)
	dstUV := dst[ySize:] // h/2 rows of w bytes each

	for row := 0; row < h; row += 2 {
		top := srcUV[row*w : row*w+w]
		bot := srcUV[(row+1)*w : (row+1)*w+w]
		outRow := dstUV[(row/2)*w : (row/2)*w+w]
		for col := 0; col < w; col++ {
			outRow[col] = byte((int(top[col]) + int(bot[col])) / 2)
		}
	}
}
