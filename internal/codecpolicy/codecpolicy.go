// Package codecpolicy implements the codec-constraint engine (spec.md
// §4.12, §8 invariant 7): a pure function from configuration to
// StreamCodecConstraints. Grounded on the teacher's config.Validate()
// style of pure validation functions over a config struct
// (internal/config/config.go in the teacher's original tree).
package codecpolicy

import "github.com/onekvm-go/kvmstreamd/internal/encoder"

// RTSPConfig mirrors the subset of spec.md §3's RTSP-related configuration
// the constraint engine consults.
type RTSPConfig struct {
	Enabled bool
	Codec   encoder.CodecFormat // H264 or H265
}

// RustDeskConfig mirrors the subset of RustDesk (rendezvous) configuration
// the constraint engine consults.
type RustDeskConfig struct {
	Enabled bool
}

// Config is the full input to Evaluate.
type Config struct {
	RTSP     RTSPConfig
	RustDesk RustDeskConfig
}

// Constraints is spec.md §3's StreamCodecConstraints.
type Constraints struct {
	AllowedWebRTCCodecs []encoder.CodecFormat
	AllowMJPEG          bool
	LockedCodec         *encoder.CodecFormat
}

var allWebRTCCodecs = []encoder.CodecFormat{encoder.CodecH264, encoder.CodecH265, encoder.CodecVP8, encoder.CodecVP9}

// Evaluate derives StreamCodecConstraints from cfg per spec.md §4.12:
//   - RTSP enabled: locked to one WebRTC codec; MJPEG forbidden.
//   - RustDesk enabled without RTSP: any WebRTC codec allowed; MJPEG forbidden.
//   - Neither: unrestricted.
func Evaluate(cfg Config) Constraints {
	if cfg.RTSP.Enabled {
		codec := cfg.RTSP.Codec
		return Constraints{
			AllowedWebRTCCodecs: []encoder.CodecFormat{codec},
			AllowMJPEG:          false,
			LockedCodec:         &codec,
		}
	}
	if cfg.RustDesk.Enabled {
		return Constraints{
			AllowedWebRTCCodecs: allWebRTCCodecs,
			AllowMJPEG:          false,
		}
	}
	return Constraints{
		AllowedWebRTCCodecs: allWebRTCCodecs,
		AllowMJPEG:          true,
	}
}

// CodecAllowed reports whether codec is permitted under c.
func (c Constraints) CodecAllowed(codec encoder.CodecFormat) bool {
	for _, allowed := range c.AllowedWebRTCCodecs {
		if allowed == codec {
			return true
		}
	}
	return false
}

// PreferredCodec returns the codec a mode switch into WebRTC should use:
// the locked codec if one is imposed, else the first allowed codec.
func (c Constraints) PreferredCodec() encoder.CodecFormat {
	if c.LockedCodec != nil {
		return *c.LockedCodec
	}
	if len(c.AllowedWebRTCCodecs) > 0 {
		return c.AllowedWebRTCCodecs[0]
	}
	return encoder.CodecH264
}
