// Package app wires the CORE's components into one running server: device
// selection, capture, the MJPEG/WebRTC distribution modes, the stream-mode
// manager, the optional RustDesk rendezvous mediator, and the HTTP surface
// that fronts all of it.
//
// Grounded on the teacher's internal/app package: a Services struct built
// once at startup (the teacher's run.go built *rendezvous.Server,
// *p2p.Node, *storage.Store etc. the same way) and threaded through the
// HTTP layer instead of a Wails-bound desktop shell, per spec.md §1's
// framing of this port as "a plain main.go + internal/app wiring layer in
// the same spirit".
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/onekvm-go/kvmstreamd/internal/capture"
	"github.com/onekvm-go/kvmstreamd/internal/codecpolicy"
	"github.com/onekvm-go/kvmstreamd/internal/config"
	"github.com/onekvm-go/kvmstreamd/internal/device"
	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/events"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
	"github.com/onekvm-go/kvmstreamd/internal/httpapi"
	"github.com/onekvm-go/kvmstreamd/internal/iface"
	"github.com/onekvm-go/kvmstreamd/internal/mjpeg"
	"github.com/onekvm-go/kvmstreamd/internal/rendezvous"
	"github.com/onekvm-go/kvmstreamd/internal/streamer"
	"github.com/onekvm-go/kvmstreamd/internal/streammode"
	"github.com/onekvm-go/kvmstreamd/internal/webrtcsink"
)

// Services is every long-lived component the server runs, built once in
// New and shared by the HTTP handlers.
type Services struct {
	Bus        *events.Bus
	Streamer   *streamer.Streamer
	MJPEG      *mjpeg.Distributor
	WebRTC     *webrtcsink.Manager
	Mode       *streammode.Manager
	Rendezvous *rendezvous.Mediator // nil when RustDesk is disabled

	cfg config.Config
}

// New constructs every component wired for cfg but starts nothing.
func New(cfg config.Config) (*Services, error) {
	bus := events.New()

	dev, err := resolveDevice(cfg.Device.Path)
	if err != nil {
		return nil, fmt.Errorf("app: resolve capture device: %w", err)
	}

	format, fourcc, ok := bestCaptureFormat(dev)
	if !ok {
		return nil, fmt.Errorf("app: device %s exposes no usable capture format", dev.Path)
	}

	mj := mjpeg.New(mjpeg.Config{
		MaxDropSameFrames: cfg.Stream.MaxDropSameFrame,
		ClientTimeout:     time.Duration(cfg.Stream.ClientTimeoutSec) * time.Second,
		ShutdownDelay:     time.Duration(cfg.Stream.ShutdownDelaySec) * time.Second,
	})

	videoCfg := streamer.VideoConfig{
		DevicePath: dev.Path,
		Format:     format,
		V4L2FourCC: fourcc,
		Resolution: frame.Resolution{Width: cfg.Stream.Width, Height: cfg.Stream.Height},
		FPS:        cfg.Stream.FPS,
	}

	strm := streamer.New(bus, mj, dev, videoCfg, time.Duration(cfg.Stream.ShutdownDelaySec)*time.Second)

	rtc := webrtcsink.New(bus, strm.Capturer(), iface.NullHIDSink{}, iface.NullAudioSource{}, webrtcsink.Config{
		Resolution:     videoCfg.Resolution,
		RawInputFormat: format,
		BitrateKbps:    cfg.Stream.BitrateKbps,
		FPS:            cfg.Stream.FPS,
		GOPSize:        cfg.Stream.GOPSize,
		ICEServers:     defaultICEServers(),
	})

	mode := streammode.New(bus, mj, rtc, strm, streammode.Mjpeg)

	var mediator *rendezvous.Mediator
	if cfg.RustDesk.Enabled {
		mediator, err = newRendezvousMediator(cfg.RustDesk)
		if err != nil {
			return nil, fmt.Errorf("app: configure rendezvous mediator: %w", err)
		}
	}

	return &Services{
		Bus:        bus,
		Streamer:   strm,
		MJPEG:      mj,
		WebRTC:     rtc,
		Mode:       mode,
		Rendezvous: mediator,
		cfg:        cfg,
	}, nil
}

// Start brings every component up in dependency order and applies the
// codec policy derived from cfg (spec.md §4.12).
func (s *Services) Start(ctx context.Context) error {
	if err := s.Streamer.Start(ctx); err != nil {
		return fmt.Errorf("app: start streamer: %w", err)
	}

	constraints := codecpolicy.Evaluate(codecpolicy.Config{
		RTSP: codecpolicy.RTSPConfig{
			Enabled: s.cfg.RTSP.Enabled,
			Codec:   codecFromString(s.cfg.RTSP.Codec),
		},
		RustDesk: codecpolicy.RustDeskConfig{Enabled: s.cfg.RustDesk.Enabled},
	})
	s.Mode.ReconcileConstraints(ctx, constraints)

	if s.Rendezvous != nil {
		go func() {
			if err := s.Rendezvous.Start(ctx); err != nil {
				log.Printf("app: rendezvous mediator stopped: %v", err)
			}
		}()
	}

	return nil
}

// Stop tears every component down. Safe to call once after Start.
func (s *Services) Stop() {
	if s.Rendezvous != nil {
		s.Rendezvous.Stop()
	}
	s.WebRTC.CloseAllSessions()
	s.MJPEG.Stop()
	s.Streamer.Stop()
}

// Mux builds the HTTP handler serving MJPEG, WebRTC signaling, and stats.
func (s *Services) Mux() http.Handler {
	mux := http.NewServeMux()
	httpapi.Register(mux, httpapi.Deps{
		Bus:      s.Bus,
		Streamer: s.Streamer,
		MJPEG:    s.MJPEG,
		Mode:     s.Mode,
		WebRTC:   s.WebRTC,
	})
	return mux
}

func resolveDevice(path string) (device.Info, error) {
	enum := device.NewEnumerator()
	if path == "" {
		best, found, err := enum.FindBest()
		if err != nil {
			return device.Info{}, err
		}
		if !found {
			return device.Info{}, fmt.Errorf("no capture device found")
		}
		return best, nil
	}

	infos, err := enum.Enumerate()
	if err != nil {
		return device.Info{}, err
	}
	for _, info := range infos {
		if info.Path == path {
			return info, nil
		}
	}
	return device.Info{}, fmt.Errorf("configured device %s not found", path)
}

// bestCaptureFormat picks the highest-CapturePriority format descriptor a
// device exposes and its matching V4L2 FourCC code.
func bestCaptureFormat(dev device.Info) (frame.PixelFormat, uint32, bool) {
	var best frame.PixelFormat
	bestPriority := -1
	for _, fd := range dev.Formats {
		if p := fd.Format.CapturePriority(); p > bestPriority {
			bestPriority = p
			best = fd.Format
		}
	}
	if bestPriority < 0 {
		return 0, 0, false
	}
	return best, fourCCCode(best), true
}

// fourCCCode packs a frame.PixelFormat's four-character code into the
// little-endian uint32 V4L2 expects (v4l2_fourcc(a,b,c,d)), the inverse of
// internal/device's fourCCString.
func fourCCCode(f frame.PixelFormat) uint32 {
	s := f.FourCC()
	var b [4]byte
	copy(b[:], s)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func codecFromString(s string) encoder.CodecFormat {
	switch s {
	case "h265":
		return encoder.CodecH265
	case "vp8":
		return encoder.CodecVP8
	case "vp9":
		return encoder.CodecVP9
	default:
		return encoder.CodecH264
	}
}

func newRendezvousMediator(cfg config.RustDesk) (*rendezvous.Mediator, error) {
	id, err := uuid.Parse(cfg.UUID)
	if err != nil {
		return nil, fmt.Errorf("parse rustdesk.uuid: %w", err)
	}
	rcfg := rendezvous.Config{
		Enabled:        cfg.Enabled,
		RendezvousAddr: cfg.RendezvousAddr,
		RelayAddr:      cfg.RelayAddr,
		DeviceID:       cfg.DeviceID,
		UUID:           id,
	}
	return rendezvous.New(rcfg), nil
}

func defaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
