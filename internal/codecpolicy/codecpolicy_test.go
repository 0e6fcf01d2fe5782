package codecpolicy

import (
	"testing"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
)

func TestUnrestrictedByDefault(t *testing.T) {
	c := Evaluate(Config{})
	if !c.AllowMJPEG {
		t.Fatal("expected MJPEG allowed with no RTSP/RustDesk config")
	}
	if c.LockedCodec != nil {
		t.Fatalf("expected no locked codec, got %v", *c.LockedCodec)
	}
	for _, codec := range []encoder.CodecFormat{encoder.CodecH264, encoder.CodecH265, encoder.CodecVP8, encoder.CodecVP9} {
		if !c.CodecAllowed(codec) {
			t.Fatalf("expected %s allowed unrestricted", codec)
		}
	}
}

func TestRTSPLocksSingleCodecAndForbidsMJPEG(t *testing.T) {
	c := Evaluate(Config{RTSP: RTSPConfig{Enabled: true, Codec: encoder.CodecH265}})
	if c.AllowMJPEG {
		t.Fatal("expected MJPEG forbidden when RTSP is enabled")
	}
	if c.LockedCodec == nil || *c.LockedCodec != encoder.CodecH265 {
		t.Fatalf("expected locked codec H265, got %v", c.LockedCodec)
	}
	if len(c.AllowedWebRTCCodecs) != 1 || c.AllowedWebRTCCodecs[0] != encoder.CodecH265 {
		t.Fatalf("expected allowed codecs = {H265}, got %v", c.AllowedWebRTCCodecs)
	}
	if c.CodecAllowed(encoder.CodecH264) {
		t.Fatal("expected H264 disallowed under RTSP H265 lock")
	}
	if c.PreferredCodec() != encoder.CodecH265 {
		t.Fatalf("expected preferred codec H265, got %v", c.PreferredCodec())
	}
}

func TestRustDeskWithoutRTSPAllowsAnyCodecButForbidsMJPEG(t *testing.T) {
	c := Evaluate(Config{RustDesk: RustDeskConfig{Enabled: true}})
	if c.AllowMJPEG {
		t.Fatal("expected MJPEG forbidden when RustDesk is enabled")
	}
	if c.LockedCodec != nil {
		t.Fatal("expected no locked codec under RustDesk-only constraint")
	}
	if !c.CodecAllowed(encoder.CodecVP9) {
		t.Fatal("expected VP9 allowed under RustDesk-only constraint")
	}
}

func TestRTSPTakesPrecedenceOverRustDesk(t *testing.T) {
	c := Evaluate(Config{
		RTSP:     RTSPConfig{Enabled: true, Codec: encoder.CodecH264},
		RustDesk: RustDeskConfig{Enabled: true},
	})
	if c.LockedCodec == nil || *c.LockedCodec != encoder.CodecH264 {
		t.Fatalf("expected RTSP's lock to win, got %v", c.LockedCodec)
	}
	if len(c.AllowedWebRTCCodecs) != 1 {
		t.Fatalf("expected single allowed codec under RTSP, got %v", c.AllowedWebRTCCodecs)
	}
}
