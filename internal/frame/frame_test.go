package frame

import (
	"testing"
	"time"
)

func TestHashComputedOnce(t *testing.T) {
	f := New([]byte("hello-world-payload"), Resolution{Width: 640, Height: 480}, FormatYUYV, 1280, 1)
	h1 := f.Hash()
	h2 := f.Hash()
	if h1 != h2 {
		t.Fatalf("hash not stable across calls: %x vs %x", h1, h2)
	}
	if h1 == 0 {
		t.Fatalf("unexpected zero hash")
	}
}

func TestEqualSameBytes(t *testing.T) {
	data := []byte("identical-payload-bytes")
	res := Resolution{Width: 320, Height: 240}
	a := New(append([]byte(nil), data...), res, FormatNV12, 320, 1)
	b := New(append([]byte(nil), data...), res, FormatNV12, 320, 2)
	if !a.Equal(b) {
		t.Fatalf("expected frames with identical content to be Equal regardless of sequence")
	}
}

func TestEqualDifferentGeometry(t *testing.T) {
	data := []byte("same-bytes")
	a := New(data, Resolution{Width: 640, Height: 480}, FormatNV12, 640, 1)
	b := New(data, Resolution{Width: 320, Height: 240}, FormatNV12, 640, 1)
	if a.Equal(b) {
		t.Fatalf("frames with different geometry must not be Equal")
	}
}

func TestIsValidJPEG(t *testing.T) {
	payload := make([]byte, 130)
	payload[0], payload[1] = 0xFF, 0xD8
	payload[len(payload)-2], payload[len(payload)-1] = 0xFF, 0xD9
	f := New(payload, Resolution{Width: 1, Height: 1}, FormatMJPEG, 0, 1)
	if !f.IsValidJPEG() {
		t.Fatalf("expected valid JPEG markers to pass")
	}

	bad := New(make([]byte, 130), Resolution{Width: 1, Height: 1}, FormatMJPEG, 0, 1)
	if bad.IsValidJPEG() {
		t.Fatalf("expected missing SOI/EOI markers to fail validation")
	}
}

func TestOfflineFrame(t *testing.T) {
	f := Offline(Resolution{Width: 1280, Height: 720}, FormatNV12)
	if f.Online {
		t.Fatalf("offline frame must have Online=false")
	}
	if !f.IsEmpty() {
		t.Fatalf("offline frame must have empty payload")
	}
	if f.Sequence != 0 || !f.KeyFrame {
		t.Fatalf("offline frame must have sequence=0, key_frame=true")
	}
}

func TestIsFresh(t *testing.T) {
	f := New([]byte("x"), Resolution{Width: 1, Height: 1}, FormatYUYV, 0, 1)
	if !f.IsFresh(time.Second) {
		t.Fatalf("freshly created frame should be fresh")
	}
	f.CaptureTS = time.Now().Add(-5 * time.Second)
	if f.IsFresh(2 * time.Second) {
		t.Fatalf("old frame should not be fresh")
	}
}

func TestRingLatestAndOverwrite(t *testing.T) {
	r := NewRing(3)
	if r.Latest() != nil {
		t.Fatalf("empty ring should return nil Latest()")
	}
	for i := uint64(1); i <= 5; i++ {
		r.Push(New([]byte{byte(i)}, Resolution{Width: 1, Height: 1}, FormatYUYV, 0, i))
	}
	if r.Len() != 3 {
		t.Fatalf("ring should cap at capacity 3, got %d", r.Len())
	}
	latest := r.Latest()
	if latest == nil || latest.Sequence != 5 {
		t.Fatalf("expected latest sequence 5, got %+v", latest)
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(2)
	r.Push(New([]byte{1}, Resolution{Width: 1, Height: 1}, FormatYUYV, 0, 1))
	r.Clear()
	if !r.IsEmpty() {
		t.Fatalf("expected ring to be empty after Clear")
	}
}

func TestResolutionValid(t *testing.T) {
	if !(Resolution{Width: 1920, Height: 1080}).Valid() {
		t.Fatalf("1920x1080 should be valid")
	}
	if (Resolution{Width: 10, Height: 10}).Valid() {
		t.Fatalf("10x10 should be invalid (below minimum)")
	}
}

func TestFourCCRoundTrip(t *testing.T) {
	for _, f := range []PixelFormat{FormatYUYV, FormatNV12, FormatI420, FormatMJPEG, FormatBGR24} {
		if got := FourCCToFormat(f.FourCC()); got != f {
			t.Fatalf("FourCC round trip failed for %v: got %v", f, got)
		}
	}
}
