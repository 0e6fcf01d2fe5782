// Package webrtcsink implements the WebRTC consumer side of the shared
// video pipeline (spec.md §4.6, C6 "WebRTC sinks" fan-out) and the
// WebRTC external interface (spec.md §6): SDP offer/answer, ICE
// (including the mDNS mode switch), a DataChannel carrying HID, one video
// track per pion/webrtc/v4 PeerConnection carrying H.264/H.265 Annex B,
// VP8, or VP9, and one Opus audio track sourced from the external audio
// collaborator (internal/iface.AudioSource).
//
// Grounded on the teacher's internal/call/session.go (SDP offer/answer
// state machine, OnICECandidate/OnConnectionStateChange wiring, buffered
// ICE candidates until SetRemoteDescription) generalized from a 2-peer
// call to a server-side WebRTC sink, and on
// other_examples/...LanternOps-breeze.../desktop/webrtc.go's
// TrackLocalStaticSample + media.Sample push loop for feeding
// already-encoded bitstream frames (rather than a raw camera/mic capture)
// into a pion video track.
package webrtcsink

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/events"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
	"github.com/onekvm-go/kvmstreamd/internal/iface"
	"github.com/onekvm-go/kvmstreamd/internal/pipeline"
)

// MDNSModeEnv is the environment variable spec.md §6 names for configuring
// ICE multicast-DNS gathering behavior.
const MDNSModeEnv = "ONE_KVM_WEBRTC_MDNS_MODE"

// WebRTCReady is the payload published alongside events.WebRTCReady.
type WebRTCReady struct {
	Codec    encoder.CodecFormat
	Hardware bool
}

// PipelineSource is the subset of internal/capture.Capturer (or any other
// raw-frame source) the manager needs to build a pipeline.
type PipelineSource interface {
	Subscribe() (<-chan *frame.Frame, func())
}

// Config is construction input for a Manager.
type Config struct {
	Resolution     frame.Resolution
	RawInputFormat frame.PixelFormat
	BitrateKbps    int
	FPS            int
	GOPSize        int
	ICEServers     []webrtc.ICEServer
}

// Manager is the stream-mode manager's WebRTCControl (internal/streammode):
// it owns the single shared pipeline for the current codec and every open
// PeerConnection session subscribed to it.
type Manager struct {
	bus    *events.Bus
	source PipelineSource
	hid    iface.HIDSink
	audio  iface.AudioSource
	cfg    Config

	mdnsMode ice.MulticastDNSMode

	mu       sync.Mutex
	pipe     *pipeline.Pipeline
	codec    encoder.CodecFormat
	sessions map[string]*Session
}

// New constructs a Manager. hid/audio may be iface.NullHIDSink{} /
// iface.NullAudioSource{} when no external collaborator is wired.
func New(bus *events.Bus, source PipelineSource, hid iface.HIDSink, audio iface.AudioSource, cfg Config) *Manager {
	return &Manager{
		bus:      bus,
		source:   source,
		hid:      hid,
		audio:    audio,
		cfg:      cfg,
		mdnsMode: mdnsModeFromEnv(),
		sessions: make(map[string]*Session),
	}
}

func mdnsModeFromEnv() ice.MulticastDNSMode {
	switch os.Getenv(MDNSModeEnv) {
	case "disabled":
		return ice.MulticastDNSModeDisabled
	case "query_only":
		return ice.MulticastDNSModeQueryOnly
	case "query_and_gather", "":
		return ice.MulticastDNSModeQueryAndGather
	default:
		return ice.MulticastDNSModeQueryAndGather
	}
}

// Start implements streammode.WebRTCControl: it (re)builds the shared
// pipeline for codec if none is running or the codec changed, and starts
// it. Individual PeerConnections are created independently via
// HandleOffer as browsers connect; Start only guarantees a pipeline to
// subscribe to exists.
func (m *Manager) Start(ctx context.Context, codec encoder.CodecFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pipe != nil && m.codec == codec && m.pipe.Running() {
		return nil
	}
	if m.pipe != nil {
		m.pipe.Stop()
	}

	raw, cancel := m.source.Subscribe()
	_ = cancel // the pipeline owns this subscription for its lifetime

	p, err := pipeline.New(pipeline.Config{
		Resolution:     m.cfg.Resolution,
		RawInputFormat: m.cfg.RawInputFormat,
		OutputCodec:    codec,
		BitrateKbps:    m.cfg.BitrateKbps,
		FPS:            m.cfg.FPS,
		GOPSize:        m.cfg.GOPSize,
	}, raw)
	if err != nil {
		return fmt.Errorf("webrtcsink: build pipeline: %w", err)
	}

	p.Start(ctx)
	m.pipe = p
	m.codec = codec

	_, hardware, _, _ := encoder.BestEncoder(codec, false)
	m.bus.Publish(events.Event{Topic: events.WebRTCReady, Payload: WebRTCReady{Codec: codec, Hardware: hardware.IsHardware()}})
	return nil
}

// CloseAllSessions implements streammode.WebRTCControl: it closes every
// open PeerConnection and stops the shared pipeline.
func (m *Manager) CloseAllSessions() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	p := m.pipe
	m.pipe = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if p != nil {
		p.Stop()
	}
}

// SessionCount reports the number of open PeerConnections.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RequestKeyframe asks the shared pipeline's encoder for a keyframe on
// its next output, e.g. because a new session just subscribed.
func (m *Manager) RequestKeyframe() {
	m.mu.Lock()
	p := m.pipe
	m.mu.Unlock()
	if p != nil {
		p.RequestKeyframe()
	}
}

// HandleOffer is the SDP offer/answer external interface (spec.md §6): it
// creates a new PeerConnection for offerSDP, wires it to the shared
// pipeline, and returns the local SDP answer plus a session id the
// caller can use to post trickled ICE candidates via AddICECandidate.
func (m *Manager) HandleOffer(ctx context.Context, id, offerSDP string) (answerSDP string, err error) {
	m.mu.Lock()
	p := m.pipe
	codec := m.codec
	m.mu.Unlock()
	if p == nil {
		return "", fmt.Errorf("webrtcsink: no active pipeline")
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICEMulticastDNSMode(m.mdnsMode)

	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodec(mediaEngine, codec); err != nil {
		return "", err
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return "", fmt.Errorf("webrtcsink: register opus: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return "", fmt.Errorf("webrtcsink: interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return "", fmt.Errorf("webrtcsink: new peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(rtpCapability(codec), "video", "kvmstreamd")
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtcsink: new video track: %w", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtcsink: add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "kvmstreamd")
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtcsink: new audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtcsink: add audio track: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sub, unsubscribe := p.Subscribe()
	s := &Session{
		id:         id,
		pc:         pc,
		videoTrack: videoTrack,
		audioTrack: audioTrack,
		hid:        m.hid,
		audio:      m.audio,
		cancel:     cancel,
		unsubscribe: unsubscribe,
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "hid" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if err := s.hid.HandleInput(msg.Data); err != nil {
				log.Printf("webrtcsink[%s]: hid handler: %v", id, err)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed ||
			state == webrtc.PeerConnectionStateDisconnected {
			m.removeSession(id)
		}
	})

	go s.pumpVideo(sessCtx, sub, p.Stats)
	go s.pumpAudio(sessCtx)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		s.Close()
		return "", fmt.Errorf("webrtcsink: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.Close()
		return "", fmt.Errorf("webrtcsink: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.Close()
		return "", fmt.Errorf("webrtcsink: set local description: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	p.RequestKeyframe()

	return answer.SDP, nil
}

// AddICECandidate forwards a trickled ICE candidate to the named session.
func (m *Manager) AddICECandidate(id string, init webrtc.ICECandidateInit) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtcsink: unknown session %q", id)
	}
	return s.pc.AddICECandidate(init)
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

func registerCodec(me *webrtc.MediaEngine, codec encoder.CodecFormat) error {
	switch codec {
	case encoder.CodecH264:
		return me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
			PayloadType: 102,
		}, webrtc.RTPCodecTypeVideo)
	case encoder.CodecH265:
		return me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH265, ClockRate: 90000},
			PayloadType:        103,
		}, webrtc.RTPCodecTypeVideo)
	case encoder.CodecVP8:
		return me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		}, webrtc.RTPCodecTypeVideo)
	case encoder.CodecVP9:
		return me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
			PayloadType:        98,
		}, webrtc.RTPCodecTypeVideo)
	default:
		return fmt.Errorf("webrtcsink: codec %v has no WebRTC track mapping", codec)
	}
}

func rtpCapability(codec encoder.CodecFormat) webrtc.RTPCodecCapability {
	switch codec {
	case encoder.CodecH265:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH265, ClockRate: 90000}
	case encoder.CodecVP8:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case encoder.CodecVP9:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	default:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"}
	}
}

// Session is one browser's PeerConnection, subscribed to the shared
// pipeline's encoded output.
type Session struct {
	id          string
	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticSample
	audioTrack  *webrtc.TrackLocalStaticSample
	hid         iface.HIDSink
	audio       iface.AudioSource
	cancel      context.CancelFunc
	unsubscribe func()

	closeOnce sync.Once
}

// ID returns the session identifier passed to HandleOffer.
func (s *Session) ID() string { return s.id }

// Close tears down the PeerConnection and unsubscribes from the pipeline.
// Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.unsubscribe()
		_ = s.pc.Close()
	})
}

// pumpVideo writes every EncodedFrame from sub into the video track as a
// media.Sample until the context is cancelled or the pipeline closes the
// channel. Per spec.md §4.6 / §8 invariant 1, frames from one pipeline
// arrive at each subscriber strictly in sequence order, so no
// re-ordering is needed here — the pipeline's broadcast preserves it.
func (s *Session) pumpVideo(ctx context.Context, sub <-chan encoder.EncodedFrame, _ func() pipeline.Stats) {
	var lastPTS int64
	for {
		select {
		case <-ctx.Done():
			return
		case ef, ok := <-sub:
			if !ok {
				return
			}
			dur := time.Duration(ef.PTSMillis-lastPTS) * time.Millisecond
			if dur <= 0 {
				dur = 33 * time.Millisecond
			}
			lastPTS = ef.PTSMillis
			if err := s.videoTrack.WriteSample(media.Sample{Data: ef.Bytes, Duration: dur}); err != nil {
				log.Printf("webrtcsink[%s]: write video sample: %v", s.id, err)
			}
		}
	}
}

// pumpAudio forwards Opus samples from the external audio collaborator
// (internal/iface.AudioSource) into the audio track. With the default
// iface.NullAudioSource this loop simply blocks until Close cancels ctx.
func (s *Session) pumpAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, dur, err := s.audio.ReadOpusSample()
		if err != nil {
			return
		}
		if err := s.audioTrack.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
			log.Printf("webrtcsink[%s]: write audio sample: %v", s.id, err)
		}
	}
}
