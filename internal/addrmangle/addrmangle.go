// Package addrmangle implements the reversible, time-salted address
// encoding described in spec.md §4.11 and §9's Open Question 4: it
// defeats naive middlebox rewriting of ip:port pairs carried on the
// rendezvous wire. Go has no native 128-bit integer, so the arithmetic is
// emulated with a hi/lo uint64 pair, with carry propagation on add/sub and
// shift-with-carry for the <<49/>>49/>>17 operations — matching
// original_source/src/rustdesk/rendezvous.rs's AddrMangle::encode/decode
// bit for bit, including wrapping-arithmetic semantics (Go's unsigned
// integer overflow already wraps, matching Rust's wrapping_add/
// wrapping_sub).
//
// Bit-for-bit wire compatibility with the real upstream rendezvous server
// is not verified in this environment — see DESIGN.md.
package addrmangle

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// u128 is a manual 128-bit unsigned integer: hi holds the upper 64 bits.
type u128 struct{ hi, lo uint64 }

func fromU64(x uint64) u128 { return u128{0, x} }

func (v u128) andU64(mask uint64) uint64 { return v.lo & mask }

func shl(v u128, n uint) u128 {
	switch {
	case n == 0:
		return v
	case n >= 128:
		return u128{}
	case n >= 64:
		return u128{hi: v.lo << (n - 64)}
	default:
		return u128{hi: (v.hi << n) | (v.lo >> (64 - n)), lo: v.lo << n}
	}
}

func shr(v u128, n uint) u128 {
	switch {
	case n == 0:
		return v
	case n >= 128:
		return u128{}
	case n >= 64:
		return u128{lo: v.hi >> (n - 64)}
	default:
		return u128{hi: v.hi >> n, lo: (v.lo >> n) | (v.hi << (64 - n))}
	}
}

func or(a, b u128) u128 { return u128{a.hi | b.hi, a.lo | b.lo} }

func add(a, b u128) u128 {
	lo := a.lo + b.lo
	carry := uint64(0)
	if lo < a.lo {
		carry = 1
	}
	return u128{a.hi + b.hi + carry, lo}
}

// sub performs a wrapping subtraction (a - b), matching Rust's wrapping_sub.
func sub(a, b u128) u128 {
	lo := a.lo - b.lo
	borrow := uint64(0)
	if a.lo < b.lo {
		borrow = 1
	}
	return u128{a.hi - b.hi - borrow, lo}
}

func (v u128) bytesLE() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], v.lo)
	binary.LittleEndian.PutUint64(b[8:16], v.hi)
	return b
}

func u128FromBytesLE(b []byte) u128 {
	var buf [16]byte
	copy(buf[:], b)
	return u128{
		hi: binary.LittleEndian.Uint64(buf[8:16]),
		lo: binary.LittleEndian.Uint64(buf[0:8]),
	}
}

// nowMicros32 returns the current unix time in microseconds, truncated
// (wrapping) to 32 bits, per spec.md §4.11 step 1.
func nowMicros32() uint32 {
	return uint32(time.Now().UnixMicro())
}

// Encode mangles addr per spec.md §4.11. IPv4 (and IPv4-mapped IPv6,
// normalized to plain IPv4 when non-loopback) produces up to 16 bytes
// with trailing zero bytes stripped; IPv6 produces exactly 18 bytes (16
// address bytes + 2-byte little-endian port).
func Encode(addr netip.AddrPort) []byte {
	ip := addr.Addr()
	if ip.Is4In6() && ip != netip.IPv6Loopback() {
		ip = ip.Unmap()
	}

	if ip.Is4() {
		return encodeV4(ip, addr.Port())
	}
	return encodeV6(ip, addr.Port())
}

func encodeV4(ip netip.Addr, port uint16) []byte {
	octets := ip.As4()
	ipLE := binary.LittleEndian.Uint32(octets[:])

	tm := nowMicros32()
	tmU := fromU64(uint64(tm))
	ipU := fromU64(uint64(ipLE))
	portU := fromU64(uint64(port))

	v := or(
		or(shl(add(ipU, tmU), 49), shl(tmU, 17)),
		add(portU, fromU64(uint64(tm)&0xFFFF)),
	)

	bytes := v.bytesLE()
	n := 16
	for n > 0 && bytes[n-1] == 0 {
		n--
	}
	out := make([]byte, n)
	copy(out, bytes[:n])
	return out
}

func encodeV6(ip netip.Addr, port uint16) []byte {
	octets := ip.As16()
	out := make([]byte, 18)
	copy(out[:16], octets[:])
	binary.LittleEndian.PutUint16(out[16:18], port)
	return out
}

// Decode reverses Encode. len(data) > 16 selects the IPv6 path (requires
// exactly 18 bytes); otherwise the IPv4 path pads to 16 bytes.
func Decode(data []byte) (netip.AddrPort, error) {
	if len(data) > 16 {
		if len(data) != 18 {
			return netip.AddrPort{}, fmt.Errorf("addrmangle: ipv6 payload must be 18 bytes, got %d", len(data))
		}
		var octets [16]byte
		copy(octets[:], data[:16])
		port := binary.LittleEndian.Uint16(data[16:18])
		return netip.AddrPortFrom(netip.AddrFrom16(octets), port), nil
	}

	v := u128FromBytesLE(data)
	tm := uint32(shr(v, 17).andU64(0xFFFFFFFF))
	tmU := fromU64(uint64(tm))

	ipRaw := sub(shr(v, 49), tmU)
	ipLE := uint32(ipRaw.lo)
	var octets [4]byte
	binary.LittleEndian.PutUint32(octets[:], ipLE)

	portRaw := sub(fromU64(v.andU64(0xFFFFFF)), fromU64(uint64(tm)&0xFFFF))
	port := uint16(portRaw.lo)

	return netip.AddrPortFrom(netip.AddrFrom4(octets), port), nil
}
