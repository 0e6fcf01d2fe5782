// Package config implements persisted server configuration: device
// selection, stream encoding parameters, the RTSP/RustDesk codec-lock
// inputs to internal/codecpolicy, and the RendezvousConfig spec.md §3
// requires to survive restarts ("uuid is persistent; regeneration
// triggers a server-side UUID_MISMATCH").
//
// Grounded on the teacher's internal/config/config.go: a single JSON
// struct with a Default(), a pure Validate() method, and Load/Save/Ensure
// helpers that start from defaults so missing fields stay initialized.
// The fsnotify hot-reload watch loop is grounded on the teacher's
// internal/lua/engine.go watcher (fsnotify.NewWatcher, a select loop over
// Events/Errors, debounced Create|Write handling).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/onekvm-go/kvmstreamd/internal/util"
)

type Config struct {
	Device   Device   `json:"device"`
	Stream   Stream   `json:"stream"`
	RTSP     RTSP     `json:"rtsp"`
	RustDesk RustDesk `json:"rustdesk"`
	HTTP     HTTP     `json:"http"`
}

// Device selects and validates the capture device (spec.md §4.2/§4.3).
type Device struct {
	// Path is the device node to open, e.g. /dev/video0. Empty means
	// "run the enumerator's find_best() at startup".
	Path string `json:"path"`
}

// Stream carries spec.md §3's EncoderConfig plus the codec choice and the
// distributor idle/timeout knobs.
type Stream struct {
	Width           uint32 `json:"width"`
	Height          uint32 `json:"height"`
	FPS             int    `json:"fps"`
	BitrateKbps     int    `json:"bitrate_kbps"`
	GOPSize         int    `json:"gop_size"`
	Codec           string `json:"codec"` // h264 | h265 | vp8 | vp9
	RequireHardware bool   `json:"require_hardware"`

	ClientTimeoutSec int `json:"client_timeout_seconds"` // stale-client sweeper (default 30)
	ShutdownDelaySec int `json:"shutdown_delay_seconds"` // auto-pause when idle (default 10)
	MaxDropSameFrame int `json:"max_drop_same_frame"`    // dedup cap (default 100)
}

// RTSP mirrors spec.md §3's StreamCodecConstraints input: when enabled, a
// single locked WebRTC codec is imposed and MJPEG is forbidden.
type RTSP struct {
	Enabled bool   `json:"enabled"`
	Codec   string `json:"codec"` // h264 | h265
}

// RustDesk mirrors spec.md §3's RendezvousConfig.
type RustDesk struct {
	Enabled        bool   `json:"enabled"`
	RendezvousAddr string `json:"rendezvous_addr"`
	RelayAddr      string `json:"relay_addr,omitempty"`
	DeviceID       string `json:"device_id"`
	Password       string `json:"password"`
	// UUID is persistent; regenerating it triggers a server-side
	// UUID_MISMATCH (spec.md §3/§6). Ensure() fills it in once and never
	// overwrites an existing value on reload.
	UUID string `json:"uuid"`
}

// HTTP configures the MJPEG/WebRTC/stats HTTP+WebSocket listener.
type HTTP struct {
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Device: Device{Path: ""},
		Stream: Stream{
			Width: 1920, Height: 1080,
			FPS: 30, BitrateKbps: 4000, GOPSize: 60,
			Codec:            "h264",
			RequireHardware:  false,
			ClientTimeoutSec: 30,
			ShutdownDelaySec: 10,
			MaxDropSameFrame: 100,
		},
		RTSP:     RTSP{Enabled: false, Codec: "h264"},
		RustDesk: RustDesk{Enabled: false, RendezvousAddr: "rs-ny.rustdesk.com:21116"},
		HTTP:     HTTP{Addr: ":8080"},
	}
}

var validCodecs = map[string]bool{"h264": true, "h265": true, "vp8": true, "vp9": true}

func (c *Config) Validate() error {
	if c.Stream.Width < 160 || c.Stream.Width > 15360 || c.Stream.Height < 120 || c.Stream.Height > 8640 {
		return errors.New("stream.width/height out of range (160..15360 x 120..8640)")
	}
	if c.Stream.FPS <= 0 || c.Stream.FPS > 240 {
		return errors.New("stream.fps must be 1..240")
	}
	if c.Stream.BitrateKbps <= 0 {
		return errors.New("stream.bitrate_kbps must be > 0")
	}
	if c.Stream.GOPSize <= 0 {
		return errors.New("stream.gop_size must be > 0")
	}
	if !validCodecs[c.Stream.Codec] {
		return fmt.Errorf("stream.codec must be one of h264/h265/vp8/vp9, got %q", c.Stream.Codec)
	}
	if c.Stream.ClientTimeoutSec <= 0 {
		return errors.New("stream.client_timeout_seconds must be > 0")
	}
	if c.Stream.ShutdownDelaySec <= 0 {
		return errors.New("stream.shutdown_delay_seconds must be > 0")
	}
	if c.Stream.MaxDropSameFrame <= 0 {
		return errors.New("stream.max_drop_same_frame must be > 0")
	}

	if c.RTSP.Enabled && c.RTSP.Codec != "h264" && c.RTSP.Codec != "h265" {
		return errors.New("rtsp.codec must be h264 or h265 when rtsp.enabled")
	}

	if c.RustDesk.Enabled {
		if strings.TrimSpace(c.RustDesk.RendezvousAddr) == "" {
			return errors.New("rustdesk.rendezvous_addr is required when rustdesk.enabled")
		}
		if strings.TrimSpace(c.RustDesk.DeviceID) == "" {
			return errors.New("rustdesk.device_id is required when rustdesk.enabled")
		}
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists, creating a default file otherwise.
// It always fills in RustDesk.UUID if empty (first run) and persists
// that before returning, since spec.md requires the uuid to survive
// restarts — regenerating it produces a server-side UUID_MISMATCH.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		if err != nil {
			return Config{}, false, err
		}
		if cfg.RustDesk.UUID == "" {
			cfg.RustDesk.UUID = uuid.NewString()
			if err := Save(path, cfg); err != nil {
				return Config{}, false, fmt.Errorf("persist generated uuid: %w", err)
			}
		}
		return cfg, false, nil
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.RustDesk.UUID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Watch invokes onChange with the freshly reloaded config every time path
// is written or replaced, until stop is closed, with the teacher's Lua
// engine watcher's debounced Create|Write handling. The returned error
// covers only watcher setup. A reload that fails (unreadable file, invalid
// JSON, failed Validate) is dropped without being reported: onChange is
// not called for it.
func Watch(path string, stop <-chan struct{}, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(150*time.Millisecond, func() {
					if cfg, err := Load(path); err == nil {
						onChange(cfg)
					}
				})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
