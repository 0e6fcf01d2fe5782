// Package capture implements the memory-mapped capture loop described in
// spec.md §4.3: device open with retry, a dedicated capture goroutine,
// device-loss detection, FPS stats, and lossy fan-out to subscribers.
//
// Grounded on github.com/blackjack/webcam's WaitForFrame/ReadFrame loop
// shape (other_examples/...brutella-webcam.../main.go) for the mmap read
// cycle, and on the teacher's internal/call/session.go dedicated-read-loop
// pattern (a goroutine select-ing on a done channel around a blocking
// read) for how a capture-style loop should be structured in this
// codebase's idiom.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blackjack/webcam"

	"github.com/onekvm-go/kvmstreamd/internal/errs"
	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

// State is the capturer's observable lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateNoSignal
	StateError
	StateDeviceLost
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateNoSignal:
		return "no_signal"
	case StateError:
		return "error"
	case StateDeviceLost:
		return "device_lost"
	default:
		return "unknown"
	}
}

const (
	openRetries    = 5
	openRetryDelay = 200 * time.Millisecond
	frameTimeout   = 2 * time.Second
	minFrameBytes  = 128
	fpsWindow      = time.Second
	errorLogWindow = 5 * time.Second
)

// Config is the construction input for one capture device.
type Config struct {
	DevicePath string
	Format     frame.PixelFormat
	V4L2FourCC uint32 // the webcam.PixelFormat matching Format
	Resolution frame.Resolution
}

// Camera is the subset of *webcam.Camera the capturer needs, so tests can
// substitute a fake.
type Camera interface {
	SetImageFormat(f webcam.PixelFormat, width, height uint32) (webcam.PixelFormat, uint32, uint32, error)
	StartStreaming() error
	StopStreaming() error
	WaitForFrame(timeout uint32) error
	ReadFrame() ([]byte, error)
	Close() error
}

// OpenFunc abstracts webcam.Open for testability.
type OpenFunc func(path string) (Camera, error)

func defaultOpen(path string) (Camera, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, err
	}
	return cameraAdapter{cam}, nil
}

type cameraAdapter struct{ *webcam.Camera }

// Lost reports whether err is an OS error class that means the device
// disappeared (ENXIO/ENODEV/EIO/EPIPE/ESHUTDOWN), per spec.md §4.3.
func Lost(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.ENODEV) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ESHUTDOWN) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, errs.ErrDeviceLost)
}

// Stats is a snapshot of the 1-second FPS window.
type Stats struct {
	FPS            float64
	FramesObserved uint64
}

// Capturer owns one capture device and broadcasts VideoFrames to N
// subscribers. Backpressure is never propagated into the capture loop:
// slow subscribers miss frames.
type Capturer struct {
	cfg  Config
	open OpenFunc

	state    atomic.Int32
	lastErr  atomic.Value // string
	watchMu  sync.Mutex
	watchers []chan State

	subMu sync.RWMutex
	subs  map[chan *frame.Frame]struct{}

	statsMu sync.Mutex
	stats   Stats

	seq    atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}

	errClassMu   sync.Mutex
	errClassLast map[string]time.Time
	errClassSupp map[string]int
}

// New constructs a Capturer for cfg. It does not open the device; call
// Start for that.
func New(cfg Config) *Capturer {
	c := &Capturer{
		cfg:          cfg,
		open:         defaultOpen,
		subs:         make(map[chan *frame.Frame]struct{}),
		errClassLast: make(map[string]time.Time),
		errClassSupp: make(map[string]int),
	}
	c.state.Store(int32(StateStopped))
	return c
}

// State returns the current lifecycle state.
func (c *Capturer) State() State { return State(c.state.Load()) }

// LastError returns the last recorded error text, if any.
func (c *Capturer) LastError() string {
	v, _ := c.lastErr.Load().(string)
	return v
}

// Watch returns a channel that receives state transitions. The channel has
// a small buffer and a send to a full channel is dropped, so a caller that
// falls behind misses the transitions made while its buffer was full;
// State always reports the current state.
func (c *Capturer) Watch() <-chan State {
	ch := make(chan State, 4)
	c.watchMu.Lock()
	c.watchers = append(c.watchers, ch)
	c.watchMu.Unlock()
	return ch
}

func (c *Capturer) setState(s State) {
	c.state.Store(int32(s))
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe registers a new frame subscriber. Call the returned cancel
// func to unregister.
func (c *Capturer) Subscribe() (<-chan *frame.Frame, func()) {
	ch := make(chan *frame.Frame, 2)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	cancel := func() {
		c.subMu.Lock()
		delete(c.subs, ch)
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Capturer) publish(f *frame.Frame) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- f:
		default:
			// Lossy fan-out: a slow subscriber misses this frame rather
			// than stalling the capture loop.
		}
	}
}

// Start is idempotent: concurrent callers are serialized by an atomic CAS
// on the state, and a caller observing Running|Starting returns without
// side effects.
func (c *Capturer) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		cur := c.State()
		if cur == StateRunning || cur == StateStarting {
			return nil
		}
		// Error/NoSignal/DeviceLost: allow a restart attempt.
		if !c.state.CompareAndSwap(int32(cur), int32(StateStarting)) {
			return nil
		}
	}

	cam, err := c.openWithRetry()
	if err != nil {
		c.lastErr.Store(err.Error())
		c.setState(StateError)
		return err
	}

	_, _, _, err = cam.SetImageFormat(webcam.PixelFormat(c.cfg.V4L2FourCC), c.cfg.Resolution.Width, c.cfg.Resolution.Height)
	if err != nil {
		_ = cam.Close()
		c.lastErr.Store(err.Error())
		c.setState(StateError)
		return fmt.Errorf("capture: set format: %w", err)
	}
	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		c.lastErr.Store(err.Error())
		c.setState(StateError)
		return fmt.Errorf("capture: start streaming: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.setState(StateRunning)
	go c.loop(loopCtx, cam)
	return nil
}

func (c *Capturer) openWithRetry() (Camera, error) {
	var lastErr error
	for i := 0; i < openRetries; i++ {
		cam, err := c.open(c.cfg.DevicePath)
		if err == nil {
			return cam, nil
		}
		lastErr = err
		if !isBusyLike(err) {
			return nil, err
		}
		time.Sleep(openRetryDelay)
	}
	return nil, fmt.Errorf("capture: open %s: %w: %v", c.cfg.DevicePath, errs.ErrDeviceBusy, lastErr)
}

// isBusyLike classifies an open error as transient (spec.md §4.3: "retries
// up to 5 times ... on EBUSY-like errors"). Only the genuine busy class is
// retried; anything else (ENODEV, ENOENT, an unsupported format, ...) is a
// permanent failure and must surface immediately rather than burn the
// retry budget and get misreported as ErrDeviceBusy.
func isBusyLike(err error) bool {
	return errors.Is(err, syscall.EBUSY)
}

// Stop halts the capture loop and releases the device. Safe to call when
// already stopped.
func (c *Capturer) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	c.setState(StateStopped)
}

// CurrentStats returns a snapshot of the 1-second FPS window.
func (c *Capturer) CurrentStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// loop runs on a dedicated goroutine; capture I/O must not share a
// goroutine with anything latency sensitive.
func (c *Capturer) loop(ctx context.Context, cam Camera) {
	defer close(c.done)
	defer cam.Close()
	defer cam.StopStreaming()

	var windowStart time.Time
	var windowCount uint64
	var lastFrameAt time.Time

	timeoutTicker := time.NewTicker(200 * time.Millisecond)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := cam.WaitForFrame(uint32(frameTimeout / time.Second))
		switch e := err.(type) {
		case nil:
		case *webcam.Timeout:
			if c.State() == StateRunning {
				c.setState(StateNoSignal)
			}
			continue
		default:
			_ = e
			if Lost(err) {
				c.lastErr.Store(err.Error())
				c.setState(StateDeviceLost)
				return
			}
			c.logThrottled("wait_for_frame", err)
			continue
		}

		buf, err := cam.ReadFrame()
		if err != nil {
			if Lost(err) {
				c.lastErr.Store(err.Error())
				c.setState(StateDeviceLost)
				return
			}
			c.logThrottled("read_frame", err)
			continue
		}
		if len(buf) < minFrameBytes {
			continue
		}

		if c.State() != StateRunning {
			c.setState(StateRunning)
		}

		owned := make([]byte, len(buf))
		copy(owned, buf)
		seq := c.seq.Add(1)
		f := frame.New(owned, c.cfg.Resolution, c.cfg.Format, 0, seq)
		c.publish(f)

		now := time.Now()
		lastFrameAt = now
		if windowStart.IsZero() {
			windowStart = now
		}
		windowCount++
		if elapsed := now.Sub(windowStart); elapsed >= fpsWindow {
			c.statsMu.Lock()
			c.stats = Stats{FPS: float64(windowCount) / elapsed.Seconds(), FramesObserved: c.seq.Load()}
			c.statsMu.Unlock()
			windowStart = now
			windowCount = 0
		} else if elapsed > 100*time.Millisecond && windowCount > 0 {
			c.statsMu.Lock()
			c.stats = Stats{FPS: float64(windowCount) / elapsed.Seconds(), FramesObserved: c.seq.Load()}
			c.statsMu.Unlock()
		}
		_ = lastFrameAt
	}
}

// logThrottled classifies errors by (op, errno-ish string) and emits at
// most one log line per class per 5s, with a suppressed-repeat counter on
// the next eligible emission.
func (c *Capturer) logThrottled(op string, err error) {
	class := op + ":" + err.Error()
	c.errClassMu.Lock()
	defer c.errClassMu.Unlock()

	now := time.Now()
	last, seen := c.errClassLast[class]
	if seen && now.Sub(last) < errorLogWindow {
		c.errClassSupp[class]++
		return
	}
	supp := c.errClassSupp[class]
	c.errClassLast[class] = now
	c.errClassSupp[class] = 0
	if supp > 0 {
		log.Printf("capture: %s: %v (%d suppressed)", op, err, supp)
	} else {
		log.Printf("capture: %s: %v", op, err)
	}
}
