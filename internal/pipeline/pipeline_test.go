package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	_ "github.com/onekvm-go/kvmstreamd/internal/encoder/jpeg"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

func newTestPipeline(t *testing.T) (*Pipeline, chan *frame.Frame) {
	t.Helper()
	res := frame.Resolution{Width: 320, Height: 240}
	src := make(chan *frame.Frame, 4)
	p, err := New(Config{
		Resolution:     res,
		RawInputFormat: frame.FormatI420,
		OutputCodec:    encoder.CodecJPEG,
		FPS:            30,
	}, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, src
}

func pushFrame(src chan *frame.Frame, res frame.Resolution, seq uint64) {
	data := make([]byte, frame.BytesPerFrame(frame.FormatI420, res))
	src <- frame.New(data, res, frame.FormatI420, 0, seq)
}

func TestPipelineDeliversInOrderPerSubscriber(t *testing.T) {
	p, src := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	res := frame.Resolution{Width: 320, Height: 240}
	for i := 0; i < 5; i++ {
		pushFrame(src, res, uint64(i))
	}

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		select {
		case ef := <-ch:
			if ef.Sequence <= lastSeq && i > 0 {
				t.Fatalf("out-of-order delivery: got seq %d after %d", ef.Sequence, lastSeq)
			}
			lastSeq = ef.Sequence
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for encoded frame %d", i)
		}
	}
}

func TestPipelineSequenceMonotonicFromOne(t *testing.T) {
	p, src := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	res := frame.Resolution{Width: 320, Height: 240}
	pushFrame(src, res, 0)

	select {
	case ef := <-ch:
		if ef.Sequence != 1 {
			t.Fatalf("expected first sequence to be 1, got %d", ef.Sequence)
		}
		wantPTS := int64(1) * 1000 / 30
		if ef.PTSMillis != wantPTS {
			t.Fatalf("expected pts %d, got %d", wantPTS, ef.PTSMillis)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first encoded frame")
	}
}

func TestPipelineSubscriberCountTracksSubscribeUnsubscribe(t *testing.T) {
	p, _ := newTestPipeline(t)
	if p.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers initially, got %d", p.SubscriberCount())
	}
	_, unsub := p.Subscribe()
	if p.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after Subscribe, got %d", p.SubscriberCount())
	}
	unsub()
	if p.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", p.SubscriberCount())
	}
}

func TestPipelineAutoStopsWhenIdle(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	_, unsub := p.Subscribe()
	unsub()

	deadline := time.Now().Add(autoStopGrace + 2*time.Second)
	for time.Now().Before(deadline) {
		if !p.Running() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("expected pipeline to auto-stop after the idle grace period")
}

func TestPipelineRequestKeyframeConsumedOnce(t *testing.T) {
	p, src := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	p.RequestKeyframe()
	if !p.keyframeRequested.Load() {
		t.Fatal("expected keyframeRequested flag set after RequestKeyframe")
	}

	res := frame.Resolution{Width: 320, Height: 240}
	pushFrame(src, res, 0)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encoded frame")
	}

	if p.keyframeRequested.Load() {
		t.Fatal("expected keyframeRequested flag consumed by the encode loop")
	}
}
