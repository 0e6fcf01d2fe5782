package mjpeg

import (
	"testing"
	"time"

	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

func jpegFrame(t *testing.T, payload []byte, seq uint64) *frame.Frame {
	t.Helper()
	// A minimal structurally-valid JPEG: SOI ... EOI, long enough to pass
	// Frame.IsValidJPEG's length check.
	data := make([]byte, 0, len(payload)+130)
	data = append(data, 0xFF, 0xD8)
	data = append(data, payload...)
	for len(data) < 123 {
		data = append(data, 0x00)
	}
	data = append(data, 0xFF, 0xD9)
	return frame.New(data, frame.Resolution{Width: 320, Height: 240}, frame.FormatMJPEG, 0, seq)
}

func TestPublishDropsIdenticalFrameWithinLivenessWindow(t *testing.T) {
	d := New(Config{MaxDropSameFrames: 100})
	f1 := jpegFrame(t, []byte("same"), 1)
	f2 := jpegFrame(t, []byte("same"), 2)

	if err := d.Publish(f1); err != nil {
		t.Fatalf("Publish f1: %v", err)
	}
	firstSeq := d.Current().Sequence

	if err := d.Publish(f2); err != nil {
		t.Fatalf("Publish f2: %v", err)
	}
	if d.Current().Sequence != firstSeq {
		t.Fatalf("expected duplicate frame dropped (Current unchanged at seq %d), got seq %d", firstSeq, d.Current().Sequence)
	}
	if d.dupCount.Load() != 1 {
		t.Fatalf("expected dupCount=1 after one dropped duplicate, got %d", d.dupCount.Load())
	}
}

func TestPublishDifferentFrameResetsAndPublishes(t *testing.T) {
	d := New(Config{MaxDropSameFrames: 100})
	f1 := jpegFrame(t, []byte("aaaa"), 1)
	f2 := jpegFrame(t, []byte("bbbb"), 2)

	_ = d.Publish(f1)
	_ = d.Publish(f2)

	if d.Current().Sequence != 2 {
		t.Fatalf("expected a distinct frame to be published immediately, got seq %d", d.Current().Sequence)
	}
	if d.dupCount.Load() != 0 {
		t.Fatalf("expected dupCount reset to 0 on a distinct frame, got %d", d.dupCount.Load())
	}
}

func TestPublishLivenessForcePublishAfterOneSecond(t *testing.T) {
	d := New(Config{MaxDropSameFrames: 100})
	f1 := jpegFrame(t, []byte("same"), 1)
	_ = d.Publish(f1)

	// Manually age the last-publish timestamp past the liveness window,
	// rather than sleeping a full second in the test.
	d.lastPublishAt.Store(time.Now().Add(-2 * time.Second).UnixNano())

	f2 := jpegFrame(t, []byte("same"), 2)
	if err := d.Publish(f2); err != nil {
		t.Fatalf("Publish f2: %v", err)
	}
	if d.Current().Sequence != 2 {
		t.Fatalf("expected liveness force-publish of the identical frame after 1s, Current stayed at seq %d", d.Current().Sequence)
	}
}

func TestClientGuardRegisterAndRelease(t *testing.T) {
	d := New(Config{})
	if d.ClientCount() != 0 {
		t.Fatalf("expected 0 clients initially, got %d", d.ClientCount())
	}

	guard := d.Register("client-1")
	if d.ClientCount() != 1 {
		t.Fatalf("expected 1 client after Register, got %d", d.ClientCount())
	}

	guard.Release()
	if d.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Release, got %d", d.ClientCount())
	}
}

func TestClientGuardReleaseIsIdempotent(t *testing.T) {
	d := New(Config{})
	guard := d.Register("client-1")
	guard.Release()
	guard.Release() // must not panic or double-decrement another client's slot
	if d.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after repeated Release, got %d", d.ClientCount())
	}
}

func TestSweepRemovesStaleClients(t *testing.T) {
	d := New(Config{ClientTimeout: 10 * time.Millisecond})
	guard := d.Register("stale-client")
	defer guard.Release()

	time.Sleep(20 * time.Millisecond)
	d.sweepOnce()

	if d.ClientCount() != 0 {
		t.Fatalf("expected sweep to remove a client idle past ClientTimeout, got count %d", d.ClientCount())
	}
}

func TestSweepKeepsActiveClients(t *testing.T) {
	d := New(Config{ClientTimeout: time.Minute})
	guard := d.Register("active-client")
	defer guard.Release()

	d.sweepOnce()
	if d.ClientCount() != 1 {
		t.Fatalf("expected active client to survive sweep, got count %d", d.ClientCount())
	}
}

func TestIdleForTracksEmptyClientSet(t *testing.T) {
	d := New(Config{})
	if d.IdleFor() == 0 {
		t.Fatal("expected IdleFor > 0 when no clients have ever connected")
	}
	guard := d.Register("c1")
	if d.IdleFor() != 0 {
		t.Fatal("expected IdleFor == 0 while a client is connected")
	}
	guard.Release()
	if d.IdleFor() == 0 {
		t.Fatal("expected IdleFor > 0 immediately after the last client releases")
	}
}
