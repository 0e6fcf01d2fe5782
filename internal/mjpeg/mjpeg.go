// Package mjpeg implements the MJPEG distributor (spec.md §4.7): a single
// most-recent-frame store with lock-free reads, ustreamer-style frame
// dedup with a 1 FPS liveness guarantee, a per-client session map with
// scoped guards, a stale-client sweeper, and optional auto-pause.
//
// Grounded on other_examples/...marcopennelli-orbo.../stream/mjpeg.go's
// per-client chan []byte with non-blocking select/default send and
// multipart ServeHTTP writer loop, generalized here to the exact
// dedup/liveness/sweeper semantics spec.md §4.7 and
// original_source/src/stream/mjpeg.rs describe (fingerprint-based dedup,
// max_drop_same_frames=100, 1s forced publish).
package mjpeg

import (
	"fmt"
	"image"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	stdjpeg "image/jpeg"

	"github.com/onekvm-go/kvmstreamd/internal/frame"
)

const (
	defaultMaxDropSameFrames = 100
	defaultClientTimeout     = 30 * time.Second
	defaultShutdownDelay     = 10 * time.Second
	sweepInterval            = 5 * time.Second
	livenessWindow           = time.Second
	fpsWindow                = time.Second
)

// Config tunes the distributor's defaults; zero values fall back to
// spec.md's defaults.
type Config struct {
	MaxDropSameFrames int
	ClientTimeout     time.Duration
	ShutdownDelay     time.Duration
	JPEGQuality       int
}

func (c Config) withDefaults() Config {
	if c.MaxDropSameFrames <= 0 {
		c.MaxDropSameFrames = defaultMaxDropSameFrames
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = defaultClientTimeout
	}
	if c.ShutdownDelay <= 0 {
		c.ShutdownDelay = defaultShutdownDelay
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 80
	}
	return c
}

// ClientSession mirrors spec.md §3's ClientSession entity.
type ClientSession struct {
	ID            string
	ConnectedAt   time.Time
	lastActivity  atomic.Int64 // unix nano
	framesSent    atomic.Uint64
	sendTimesMu   sync.Mutex
	sendTimes     []time.Time
}

func (s *ClientSession) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *ClientSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// FPS returns the number of sends within the last second (O(1) read: the
// deque is trimmed on every send).
func (s *ClientSession) FPS() int {
	s.sendTimesMu.Lock()
	defer s.sendTimesMu.Unlock()
	return len(s.sendTimes)
}

func (s *ClientSession) FramesSent() uint64 { return s.framesSent.Load() }

func (s *ClientSession) recordSend(now time.Time) {
	s.touch()
	s.framesSent.Add(1)
	s.sendTimesMu.Lock()
	s.sendTimes = append(s.sendTimes, now)
	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(s.sendTimes) && s.sendTimes[i].Before(cutoff) {
		i++
	}
	s.sendTimes = s.sendTimes[i:]
	s.sendTimesMu.Unlock()
}

// Distributor holds the single most-recent JPEG frame and the client map.
type Distributor struct {
	cfg Config

	current atomic.Pointer[frame.Frame]
	updates chan struct{} // closed-and-replaced to notify waiting writers

	updatesMu sync.Mutex

	lastPublishAt atomic.Int64 // unix nano
	dupCount      atomic.Int64

	clientsMu sync.RWMutex
	clients   map[string]*ClientSession
	sendFns   map[string]func([]byte)

	jpegQuality int

	running   atomic.Bool
	zeroSince atomic.Int64

	stopSweep chan struct{}
}

// New constructs a Distributor. It does not start the sweeper; call Start.
func New(cfg Config) *Distributor {
	cfg = cfg.withDefaults()
	d := &Distributor{
		cfg:         cfg,
		clients:     make(map[string]*ClientSession),
		sendFns:     make(map[string]func([]byte)),
		jpegQuality: cfg.JPEGQuality,
		updates:     make(chan struct{}),
	}
	d.zeroSince.Store(time.Now().UnixNano())
	return d
}

// Start launches the stale-client sweeper.
func (d *Distributor) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.stopSweep = make(chan struct{})
	go d.sweepLoop()
}

// Stop halts the sweeper.
func (d *Distributor) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopSweep)
}

// Publish implements the dedup/liveness rule from spec.md §4.7 and
// invariant 4: drop a byte-identical, online frame up to
// MaxDropSameFrames times unless 1s has elapsed since the last
// publication, in which case force-publish for liveness.
func (d *Distributor) Publish(f *frame.Frame) error {
	jf := f
	if !f.IsJPEG() {
		encoded, err := encodeJPEG(f, d.jpegQuality)
		if err != nil {
			return fmt.Errorf("mjpeg: encode: %w", err)
		}
		jf = encoded
	}

	prev := d.current.Load()
	now := time.Now()
	lastPub := time.Unix(0, d.lastPublishAt.Load())

	if prev != nil && framesIdentical(prev, jf) && jf.Online {
		if d.dupCount.Load() < int64(d.cfg.MaxDropSameFrames) && now.Sub(lastPub) < livenessWindow {
			d.dupCount.Add(1)
			return nil
		}
	} else {
		d.dupCount.Store(0)
	}
	if prev != nil && framesIdentical(prev, jf) && jf.Online && d.dupCount.Load() >= int64(d.cfg.MaxDropSameFrames) {
		d.dupCount.Store(0)
	}

	d.current.Store(jf)
	d.lastPublishAt.Store(now.UnixNano())
	d.notifyUpdate()
	return nil
}

func framesIdentical(a, b *frame.Frame) bool {
	return a.Equal(b)
}

func (d *Distributor) notifyUpdate() {
	d.updatesMu.Lock()
	close(d.updates)
	d.updates = make(chan struct{})
	d.updatesMu.Unlock()
}

func (d *Distributor) waitChan() <-chan struct{} {
	d.updatesMu.Lock()
	defer d.updatesMu.Unlock()
	return d.updates
}

// Current returns the most recently published JPEG frame, or nil.
func (d *Distributor) Current() *frame.Frame { return d.current.Load() }

// ClientGuard registers a session on construction and unregisters it when
// released, guaranteeing release on panic or abrupt disconnect via defer.
type ClientGuard struct {
	d       *Distributor
	Session *ClientSession
	once    sync.Once
}

// Register creates a new ClientSession and returns a guard. Callers must
// defer guard.Release().
func (d *Distributor) Register(id string) *ClientGuard {
	sess := &ClientSession{ID: id, ConnectedAt: time.Now()}
	sess.touch()

	d.clientsMu.Lock()
	d.clients[id] = sess
	d.clientsMu.Unlock()
	if d.zeroSince.Load() != 0 {
		d.zeroSince.Store(0)
	}

	return &ClientGuard{d: d, Session: sess}
}

// Release unregisters the session. Safe to call multiple times or from a
// deferred panic recovery.
func (g *ClientGuard) Release() {
	g.once.Do(func() {
		g.d.clientsMu.Lock()
		delete(g.d.clients, g.Session.ID)
		empty := len(g.d.clients) == 0
		g.d.clientsMu.Unlock()
		if empty {
			g.d.zeroSince.Store(time.Now().UnixNano())
		}
	})
}

// ClientCount returns the number of currently registered sessions.
func (d *Distributor) ClientCount() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

// Sessions returns a snapshot of all current sessions, for stats reporting.
func (d *Distributor) Sessions() []*ClientSession {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	out := make([]*ClientSession, 0, len(d.clients))
	for _, s := range d.clients {
		out = append(out, s)
	}
	return out
}

// IdleFor reports how long the client count has been zero, or 0 if it is
// currently non-zero.
func (d *Distributor) IdleFor() time.Duration {
	since := d.zeroSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

func (d *Distributor) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopSweep:
			return
		case <-ticker.C:
			d.sweepOnce()
		}
	}
}

func (d *Distributor) sweepOnce() {
	cutoff := time.Now().Add(-d.cfg.ClientTimeout)
	d.clientsMu.Lock()
	for id, s := range d.clients {
		if s.LastActivity().Before(cutoff) {
			delete(d.clients, id)
		}
	}
	empty := len(d.clients) == 0
	d.clientsMu.Unlock()
	if empty {
		d.zeroSince.CompareAndSwap(0, time.Now().UnixNano())
	}
}

// ServeHTTP writes the multipart/x-mixed-replace MJPEG stream to one
// client until the request context is cancelled. The client is registered
// for the duration of the call and guaranteed to be released on return
// (including on panic, via the guard's deferred Release).
func (d *Distributor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	guard := d.Register(clientID(r))
	defer guard.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var lastSeq uint64
	for {
		f := d.current.Load()
		if f != nil && f.Sequence != lastSeq {
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", f.Len()); err != nil {
				return
			}
			if _, err := w.Write(f.Data()); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			lastSeq = f.Sequence
			guard.Session.recordSend(time.Now())
		}

		select {
		case <-r.Context().Done():
			return
		case <-d.waitChan():
		case <-time.After(time.Second):
			// Periodic wake to keep the 1 FPS liveness frame flowing even
			// if notifyUpdate races with a not-yet-registered waiter.
		}
	}
}

func clientID(r *http.Request) string {
	return fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
}

// encodeJPEG re-encodes a non-JPEG raw frame into a JPEG frame.Frame. Only
// I420 input is supported, matching the pipeline's staging formats.
func encodeJPEG(f *frame.Frame, quality int) (*frame.Frame, error) {
	if f.Format != frame.FormatI420 {
		return nil, fmt.Errorf("mjpeg: encode: unsupported source format %s", f.Format)
	}
	w, h := int(f.Resolution.Width), int(f.Resolution.Height)
	img := yCbCrFromI420(f.Data(), w, h)

	buf := new(bufferWriter)
	if err := stdjpeg.Encode(buf, img, &stdjpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	out := frame.New(buf.Bytes(), f.Resolution, frame.FormatMJPEG, 0, f.Sequence)
	out.Online = f.Online
	return out, nil
}

type bufferWriter struct{ b []byte }

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}
func (b *bufferWriter) Bytes() []byte { return b.b }

func yCbCrFromI420(data []byte, w, h int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	ySize := w * h
	cSize := (w / 2) * (h / 2)
	copy(img.Y, data[:ySize])
	copy(img.Cb, data[ySize:ySize+cSize])
	copy(img.Cr, data[ySize+cSize:ySize+2*cSize])
	img.YStride = w
	img.CStride = w / 2
	return img
}
