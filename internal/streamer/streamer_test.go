package streamer

import (
	"context"
	"testing"
	"time"

	"github.com/onekvm-go/kvmstreamd/internal/device"
	"github.com/onekvm-go/kvmstreamd/internal/events"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
	"github.com/onekvm-go/kvmstreamd/internal/mjpeg"
)

func newTestStreamer(t *testing.T) *Streamer {
	t.Helper()
	bus := events.New()
	mj := mjpeg.New(mjpeg.Config{})
	dev := device.Info{
		Path: "/dev/video0",
		Formats: []device.FormatDescriptor{
			{Format: frame.FormatYUYV},
		},
	}
	cfg := VideoConfig{
		DevicePath: "/dev/video0",
		Format:     frame.FormatYUYV,
		Resolution: frame.Resolution{Width: 1920, Height: 1080},
	}
	return New(bus, mj, dev, cfg, 5*time.Second)
}

func TestConsumerCountCombinesMJPEGAndOthers(t *testing.T) {
	s := newTestStreamer(t)

	if s.consumerCount() != 0 {
		t.Fatalf("expected 0 consumers, got %d", s.consumerCount())
	}

	s.AddConsumer()
	if s.consumerCount() != 1 {
		t.Fatalf("expected 1 consumer after AddConsumer, got %d", s.consumerCount())
	}

	guard := s.mjpeg.Register("client-a")
	defer guard.Release()
	if s.consumerCount() != 2 {
		t.Fatalf("expected 2 consumers with one mjpeg client, got %d", s.consumerCount())
	}

	s.RemoveConsumer()
	if s.consumerCount() != 1 {
		t.Fatalf("expected 1 consumer after RemoveConsumer, got %d", s.consumerCount())
	}
}

func TestApplyVideoConfigRejectsUnsupportedFormat(t *testing.T) {
	s := newTestStreamer(t)

	err := s.ApplyVideoConfig(context.Background(), VideoConfig{
		DevicePath: "/dev/video0",
		Format:     frame.FormatNV12,
		Resolution: frame.Resolution{Width: 1920, Height: 1080},
	})
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if s.configChanging.Load() {
		t.Fatal("expected config_changing cleared after failed apply")
	}
}

func TestSupportsFormatDelegatesToDeviceInfo(t *testing.T) {
	s := newTestStreamer(t)
	if !s.SupportsFormat(frame.FormatYUYV) {
		t.Fatal("expected YUYV to be supported")
	}
	if s.SupportsFormat(frame.FormatNV12) {
		t.Fatal("expected NV12 to be unsupported")
	}
}
