package encoder

import (
	"errors"
	"testing"

	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

type stubAdapter struct{ closed bool }

func (s *stubAdapter) Encode(raw []byte, sequence uint64) (EncodedFrame, error) {
	return EncodedFrame{Bytes: []byte{0x00}, Sequence: sequence}, nil
}
func (s *stubAdapter) SetBitrate(kbps int)                      {}
func (s *stubAdapter) RequestKeyframe()                         {}
func (s *stubAdapter) SupportsFormat(px frame.PixelFormat) bool { return true }
func (s *stubAdapter) Close() error                             { s.closed = true; return nil }

// registerStub registers a throwaway codec/backend pair for this test
// binary's lifetime; CodecFormat values above the real enum range keep it
// from colliding with any production registration.
const testCodec CodecFormat = 1000

func TestBestEncoderPrefersHardwareOverSoftware(t *testing.T) {
	Register(testCodec, BackendSoftware, "stub-sw", frame.FormatI420, 100, func(Config) (Adapter, error) {
		return &stubAdapter{}, nil
	})
	Register(testCodec, BackendVAAPI, "stub-vaapi", frame.FormatNV12, 10, func(Config) (Adapter, error) {
		return &stubAdapter{}, nil
	})

	backend, name, _, err := BestEncoder(testCodec, false)
	if err != nil {
		t.Fatalf("BestEncoder: %v", err)
	}
	if backend != BackendVAAPI || name != "stub-vaapi" {
		t.Fatalf("expected hardware backend preferred even with lower priority, got %s/%s", backend, name)
	}
}

func TestBestEncoderRequireHardwareNeverReturnsSoftware(t *testing.T) {
	const onlySoftwareCodec CodecFormat = 1001
	Register(onlySoftwareCodec, BackendSoftware, "only-sw", frame.FormatI420, 1, func(Config) (Adapter, error) {
		return &stubAdapter{}, nil
	})

	_, _, _, err := BestEncoder(onlySoftwareCodec, true)
	if err == nil {
		t.Fatal("expected ErrNoBackend when require_hardware=true and only software is registered")
	}
}

func TestBestEncoderUnknownCodecReturnsNoBackend(t *testing.T) {
	const unregisteredCodec CodecFormat = 1002
	_, _, _, err := BestEncoder(unregisteredCodec, false)
	if err == nil {
		t.Fatal("expected an error for an unregistered codec")
	}
	if !errors.Is(err, errs.ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend-classified error, got %v", err)
	}
}

func TestNewFallsBackToNextCandidateOnFactoryError(t *testing.T) {
	const codec CodecFormat = 1003
	Register(codec, BackendNVENC, "broken-hw", frame.FormatNV12, 100, func(Config) (Adapter, error) {
		return nil, errs.ErrBackendUnavailable
	})
	Register(codec, BackendSoftware, "working-sw", frame.FormatI420, 1, func(Config) (Adapter, error) {
		return &stubAdapter{}, nil
	})

	a, err := New(codec, Config{}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == nil {
		t.Fatal("expected a non-nil adapter from the working fallback")
	}
}

func TestSelectableFormatsIncludesRegisteredCodec(t *testing.T) {
	const codec CodecFormat = 1004
	Register(codec, BackendSoftware, "stub", frame.FormatI420, 1, func(Config) (Adapter, error) {
		return &stubAdapter{}, nil
	})
	found := false
	for _, c := range SelectableFormats() {
		if c == codec {
			found = true
		}
	}
	if !found {
		t.Fatal("expected registered codec in SelectableFormats")
	}
}
