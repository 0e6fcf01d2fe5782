package addrmangle

import (
	"net/netip"
	"testing"
)

func TestEncodeDecodeV4RoundTrip(t *testing.T) {
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, 42}), 21116)

	enc := Encode(addr)
	if len(enc) == 0 || len(enc) > 16 {
		t.Fatalf("encode: expected 1-16 bytes, got %d", len(enc))
	}

	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != addr {
		t.Fatalf("round trip mismatch: want %v got %v", addr, got)
	}
}

func TestEncodeDecodeV6RoundTrip(t *testing.T) {
	addr := netip.AddrPortFrom(netip.MustParseAddr("2001:db8::1"), 443)

	enc := Encode(addr)
	if len(enc) != 18 {
		t.Fatalf("encode: expected 18 bytes for ipv6, got %d", len(enc))
	}

	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != addr {
		t.Fatalf("round trip mismatch: want %v got %v", addr, got)
	}
}

func TestEncodeIsTimeSalted(t *testing.T) {
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), 8000)

	a := Encode(addr)
	b := Encode(addr)

	if string(a) == string(b) {
		t.Skip("micros-resolution salt may collide within the same call in a fast test run")
	}
}

func TestDecodeRejectsBadIPv6Length(t *testing.T) {
	_, err := Decode(make([]byte, 17))
	if err == nil {
		t.Fatal("expected error for malformed ipv6 payload length")
	}
}

func TestU128ShiftRoundTrip(t *testing.T) {
	v := u128{hi: 0x1, lo: 0xFFFFFFFFFFFFFFFF}
	shifted := shl(v, 49)
	back := shr(shifted, 49)
	// The top 49 bits of v are lost by shr(shl(v, 49), 49); verify only the
	// low 79 bits survive the round trip.
	mask := shr(u128{hi: 0xFFFFFFFFFFFFFFFF, lo: 0xFFFFFFFFFFFFFFFF}, 49)
	wantLo := v.lo & mask.lo
	wantHi := v.hi & mask.hi
	if back.lo != wantLo || back.hi != wantHi {
		t.Fatalf("shift round trip mismatch: got {%x %x} want {%x %x}", back.hi, back.lo, wantHi, wantLo)
	}
}
