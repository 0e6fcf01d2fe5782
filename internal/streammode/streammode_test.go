package streammode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onekvm-go/kvmstreamd/internal/codecpolicy"
	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/events"
)

type fakeMJPEG struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (f *fakeMJPEG) Start() { f.mu.Lock(); f.started++; f.mu.Unlock() }
func (f *fakeMJPEG) Stop()  { f.mu.Lock(); f.stopped++; f.mu.Unlock() }

type fakeWebRTC struct {
	mu     sync.Mutex
	starts int
	closes int
}

func (f *fakeWebRTC) Start(ctx context.Context, codec encoder.CodecFormat) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return nil
}
func (f *fakeWebRTC) CloseAllSessions() { f.mu.Lock(); f.closes++; f.mu.Unlock() }

func drain(t *testing.T, ch <-chan events.Event, topics ...events.Topic) {
	t.Helper()
	for _, want := range topics {
		select {
		case ev := <-ch:
			if ev.Topic != want {
				t.Fatalf("expected topic %s, got %s", want, ev.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for topic %s", want)
		}
	}
}

// waitForSwitchToSettle blocks until an in-flight async Switch has fully
// released the single-flight guard, so a subsequent call (Switch or
// SwitchCodec) is guaranteed to observe the settled state rather than
// racing runSwitch's deferred cleanup.
func waitForSwitchToSettle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.After(time.Second)
	for m.switching.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the in-flight switch to settle")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSwitchSameModeIsNoop(t *testing.T) {
	bus := events.New()
	m := New(bus, &fakeMJPEG{}, &fakeWebRTC{}, nil, Mjpeg)

	res := m.Switch(context.Background(), Mjpeg, encoder.CodecH264)
	if res.Accepted {
		t.Fatal("expected no-op switch to be rejected")
	}
}

func TestSwitchSingleFlight(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	mj := &fakeMJPEG{}
	wr := &fakeWebRTC{}
	m := New(bus, mj, wr, nil, Mjpeg)

	res1 := m.Switch(context.Background(), WebRTC, encoder.CodecH264)
	if !res1.Accepted || res1.TransitionID == "" {
		t.Fatalf("expected first switch accepted, got %+v", res1)
	}

	res2 := m.Switch(context.Background(), WebRTC, encoder.CodecH264)
	if res2.Accepted {
		t.Fatal("expected concurrent switch to be rejected")
	}
	if !res2.Switching || res2.TransitionID != res1.TransitionID {
		t.Fatalf("expected in-progress transition id to match, got %+v vs %+v", res1, res2)
	}

	drain(t, ch, events.StreamModeSwitching, events.StreamModeChanged, events.StreamModeReady)

	if m.Current() != WebRTC {
		t.Fatalf("expected current mode WebRTC, got %s", m.Current())
	}
	if wr.starts != 1 {
		t.Fatalf("expected webrtc started once, got %d", wr.starts)
	}
	if mj.stopped != 1 {
		t.Fatalf("expected mjpeg stopped once, got %d", mj.stopped)
	}
}

func TestReconcileConstraintsSwitchesCodecInPlaceWhileInWebRTC(t *testing.T) {
	bus := events.New()
	mj := &fakeMJPEG{}
	wr := &fakeWebRTC{}
	m := New(bus, mj, wr, nil, Mjpeg)

	// Enter WebRTC with H.264 first (mirrors scenario S6's starting state).
	res := m.Switch(context.Background(), WebRTC, encoder.CodecH264)
	if !res.Accepted {
		t.Fatalf("expected initial mode switch accepted, got %+v", res)
	}
	waitForSwitchToSettle(t, m)

	ch, cancel := bus.Subscribe()
	defer cancel()

	startsBefore := wr.starts
	closesBefore := wr.closes

	// rtsp.enabled=true, codec=H265 while already in WebRTC-H264 (S6).
	c := codecpolicy.Evaluate(codecpolicy.Config{RTSP: codecpolicy.RTSPConfig{Enabled: true, Codec: encoder.CodecH265}})
	m.ReconcileConstraints(context.Background(), c)

	select {
	case ev := <-ch:
		if ev.Topic != events.StreamCodecSwitched {
			t.Fatalf("expected StreamCodecSwitched event, got %s", ev.Topic)
		}
		payload, ok := ev.Payload.(StreamCodecSwitched)
		if !ok || payload.From != encoder.CodecH264 || payload.To != encoder.CodecH265 {
			t.Fatalf("unexpected codec-switch payload: %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StreamCodecSwitched event")
	}

	if m.Current() != WebRTC {
		t.Fatalf("expected mode to remain WebRTC after an in-place codec switch, got %s", m.Current())
	}
	if wr.closes != closesBefore+1 {
		t.Fatalf("expected sessions closed once for the codec switch, got %d (was %d)", wr.closes, closesBefore)
	}
	if wr.starts != startsBefore+1 {
		t.Fatalf("expected webrtc restarted once with the new codec, got %d (was %d)", wr.starts, startsBefore)
	}
}

func TestReconcileConstraintsCodecSwitchIsNoopWhenAlreadyLocked(t *testing.T) {
	bus := events.New()
	mj := &fakeMJPEG{}
	wr := &fakeWebRTC{}
	m := New(bus, mj, wr, nil, Mjpeg)

	res := m.Switch(context.Background(), WebRTC, encoder.CodecH265)
	if !res.Accepted {
		t.Fatalf("expected initial mode switch accepted, got %+v", res)
	}
	waitForSwitchToSettle(t, m)

	startsBefore, closesBefore := wr.starts, wr.closes

	c := codecpolicy.Evaluate(codecpolicy.Config{RTSP: codecpolicy.RTSPConfig{Enabled: true, Codec: encoder.CodecH265}})
	m.ReconcileConstraints(context.Background(), c)

	if wr.starts != startsBefore || wr.closes != closesBefore {
		t.Fatalf("expected no-op when the locked codec already matches the active one, got starts=%d closes=%d", wr.starts, wr.closes)
	}
}

func TestReconcileConstraintsForcesOffMJPEG(t *testing.T) {
	bus := events.New()
	mj := &fakeMJPEG{}
	wr := &fakeWebRTC{}
	m := New(bus, mj, wr, nil, Mjpeg)

	c := codecpolicy.Evaluate(codecpolicy.Config{RustDesk: codecpolicy.RustDeskConfig{Enabled: true}})
	m.ReconcileConstraints(context.Background(), c)

	deadline := time.After(time.Second)
	for m.Current() != WebRTC {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconciliation switch to webrtc")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
