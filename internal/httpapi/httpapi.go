// Package httpapi implements the in-scope slice of spec.md §6's external
// interfaces: the HTTP MJPEG multipart endpoint, the WebRTC SDP
// offer/answer + trickle-ICE endpoints, and the stats WebSocket. No HID or
// audio endpoint is served here; the WebRTC sink is wired with
// internal/iface's null collaborators for those.
//
// Handler registration style (generic handleGet/handlePost[T] helpers
// wrapping http.ServeMux, writeJSON) is grounded on the teacher's
// internal/viewer/routes/helpers.go. The stats WebSocket is grounded on
// internal/viewer/routes/call.go's gorilla/websocket upgrader usage,
// generalized from signaling call events to a periodic JSON stats push.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/onekvm-go/kvmstreamd/internal/encoder"
	"github.com/onekvm-go/kvmstreamd/internal/events"
	"github.com/onekvm-go/kvmstreamd/internal/mjpeg"
	"github.com/onekvm-go/kvmstreamd/internal/streamer"
	"github.com/onekvm-go/kvmstreamd/internal/streammode"
	"github.com/onekvm-go/kvmstreamd/internal/webrtcsink"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps are the server components an API instance wires HTTP routes to.
type Deps struct {
	Bus      *events.Bus
	Streamer *streamer.Streamer
	MJPEG    *mjpeg.Distributor
	Mode     *streammode.Manager
	WebRTC   *webrtcsink.Manager
}

// Register mounts every route this package serves onto mux.
func Register(mux *http.ServeMux, d Deps) {
	// MJPEG multipart stream — the distributor already implements
	// http.Handler (client-guard registration happens inside ServeHTTP).
	mux.Handle("/stream/mjpeg", d.MJPEG)

	handleGet(mux, "GET /api/mode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"mode": d.Mode.Current().String()})
	})

	handlePost(mux, "POST /api/mode", func(w http.ResponseWriter, r *http.Request, req struct {
		Mode  string `json:"mode"`
		Codec string `json:"codec"`
	}) {
		mode, ok := parseMode(req.Mode)
		if !ok {
			http.Error(w, "bad mode", http.StatusBadRequest)
			return
		}
		codec, ok := parseCodec(req.Codec)
		if !ok {
			codec = encoder.CodecH264
		}
		result := d.Mode.Switch(r.Context(), mode, codec)
		writeJSON(w, result)
	})

	handlePost(mux, "/api/webrtc/offer", func(w http.ResponseWriter, r *http.Request, req struct {
		SDP string `json:"sdp"`
	}) {
		if req.SDP == "" {
			http.Error(w, "missing sdp", http.StatusBadRequest)
			return
		}
		id := uuid.NewString()
		answer, err := d.WebRTC.HandleOffer(r.Context(), id, req.SDP)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"session_id": id, "sdp": answer})
	})

	handlePost(mux, "/api/webrtc/ice", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID     string  `json:"session_id"`
		Candidate     string  `json:"candidate"`
		SDPMid        string  `json:"sdpMid"`
		SDPMLineIndex uint16  `json:"sdpMLineIndex"`
	}) {
		mid := req.SDPMid
		idx := req.SDPMLineIndex
		err := d.WebRTC.AddICECandidate(req.SessionID, webrtc.ICECandidateInit{
			Candidate:     req.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/ws/stats", func(w http.ResponseWriter, r *http.Request) {
		serveStatsWS(w, r, d.Bus)
	})
}

func parseMode(s string) (streammode.Mode, bool) {
	switch s {
	case "mjpeg":
		return streammode.Mjpeg, true
	case "webrtc":
		return streammode.WebRTC, true
	default:
		return 0, false
	}
}

func parseCodec(s string) (encoder.CodecFormat, bool) {
	switch s {
	case "h264":
		return encoder.CodecH264, true
	case "h265":
		return encoder.CodecH265, true
	case "vp8":
		return encoder.CodecVP8, true
	case "vp9":
		return encoder.CodecVP9, true
	default:
		return 0, false
	}
}

// serveStatsWS upgrades the connection and relays every event published on
// the events.Bus, whatever its topic (StreamStatsUpdate, mode changes,
// device loss/recovery, ...), as JSON frames so a connected UI can reflect
// state without polling,
// per spec.md §7's "event bus is the authoritative channel for observable
// state" closing note.
func serveStatsWS(w http.ResponseWriter, r *http.Request, bus *events.Bus) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, cancel := bus.Subscribe()
	defer cancel()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(map[string]any{"topic": string(ev.Topic), "payload": ev.Payload}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: write json: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func handleGet(mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		fn(w, r)
	})
}
