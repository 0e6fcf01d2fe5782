// Package rendezvous implements the RustDesk-compatible rendezvous
// mediator (spec.md §4.10, C10): a UDP client that registers
// (device_id, public key, uuid) with a hbbs-compatible server and
// responds to peer-initiated NAT-traversal messages.
//
// Grounded directly on original_source/src/rustdesk/rendezvous.rs's
// RendezvousMediator: the same REG_INTERVAL/MIN_REG_TIMEOUT/
// MAX_REG_TIMEOUT/TIMER_INTERVAL constants, the same registration state
// machine, and the same FetchLocalAddr interface-filtering rules. The
// Rust callback closures (RelayCallback/PunchCallback/IntranetCallback)
// are redesigned per spec.md §9 into an explicit typed Event sent on an
// outbound Go channel — this makes the mediator testable without mocking
// closures, and matches the teacher's event/watch-channel idiom used
// throughout (capture.Capturer.Watch, events.Bus).
package rendezvous

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onekvm-go/kvmstreamd/internal/addrmangle"
	"github.com/onekvm-go/kvmstreamd/internal/rendezvous/wire"
)

const (
	regIntervalMS    = 12_000
	minRegTimeoutMS  = 3_000
	maxRegTimeoutMS  = 30_000
	timerIntervalMS  = 300
	defaultRelayPort = "21117"
)

// Status is the mediator's connection/registration state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Registered
	ErrorStatus
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case ErrorStatus:
		return "error"
	default:
		return "disconnected"
	}
}

// Config is spec.md §3's RendezvousConfig. UUID is persistent across
// restarts; regenerating it triggers a server-side UUID_MISMATCH.
type Config struct {
	Enabled         bool
	RendezvousAddr  string
	RelayAddr       string
	DeviceID        string
	UUID            [16]byte
	SigningPublicKey []byte
	ListenPort      uint16
}

// EventKind names the peer-initiated message kinds the mediator
// surfaces to its consumer.
type EventKind string

const (
	EventRelayRequest    EventKind = "RelayRequest"
	EventPunchRequest    EventKind = "PunchRequest"
	EventIntranetRequest EventKind = "IntranetRequest"
	EventStatusChanged   EventKind = "StatusChanged"
)

// Event is one occurrence published on the mediator's event channel.
type Event struct {
	Kind    EventKind
	Payload any
}

// RelayRequest asks the consumer to connect to relayServer and identify
// itself with uuid (spec.md §4.10's RequestRelay / relay leg of
// PunchHole).
type RelayRequest struct {
	RendezvousAddr string
	RelayServer    string
	UUID           string
	SocketAddr     []byte
	DeviceID       string
}

// PunchRequest asks the consumer to attempt a direct P2P connection to
// peerAddr, falling back to RelayServer on failure.
type PunchRequest struct {
	PeerAddr       *netip.AddrPort
	RendezvousAddr string
	RelayServer    string
	UUID           string
	SocketAddr     []byte
	DeviceID       string
}

// IntranetRequest asks the consumer to offer a same-LAN direct
// connection at LocalAddr.
type IntranetRequest struct {
	RendezvousAddr string
	PeerSocketAddr []byte
	LocalAddr      netip.AddrPort
	RelayServer    string
	DeviceID       string
}

// Mediator is the process-lifetime rendezvous client. Its single UDP
// socket is scoped to Start.
type Mediator struct {
	cfg Config

	status atomic.Int32
	lastErr atomic.Value // string

	serial       atomic.Int32
	keyConfirmed atomic.Bool
	keepAliveMS  atomic.Int32

	events chan Event

	mu   sync.Mutex
	done chan struct{}
}

// New constructs a Mediator for cfg. Call Start to begin registration.
func New(cfg Config) *Mediator {
	m := &Mediator{cfg: cfg, events: make(chan Event, 32)}
	m.status.Store(int32(Disconnected))
	return m
}

// Events returns the channel peer-initiated requests and status changes
// are published on.
func (m *Mediator) Events() <-chan Event { return m.events }

// Status returns the current registration status.
func (m *Mediator) Status() Status { return Status(m.status.Load()) }

func (m *Mediator) setStatus(s Status) {
	m.status.Store(int32(s))
	m.publish(Event{Kind: EventStatusChanged, Payload: s})
}

func (m *Mediator) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// DeviceID returns the configured device identifier.
func (m *Mediator) DeviceID() string { return m.cfg.DeviceID }

// IncrementSerial bumps the local change serial, wrapping on overflow
// (spec.md §4.10's "Serial" paragraph). Exported so callers (config
// mutation, listen-port changes) can trigger it.
func (m *Mediator) IncrementSerial() {
	for {
		cur := m.serial.Load()
		next := cur + 1
		if m.serial.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Start dials the rendezvous server and runs the registration loop until
// ctx is cancelled or Stop is called. A no-op (returns nil immediately)
// if the mediator is disabled or has no configured server, matching
// original_source's early-return.
func (m *Mediator) Start(ctx context.Context) error {
	if !m.cfg.Enabled || m.cfg.RendezvousAddr == "" {
		return nil
	}

	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return nil
	}
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.setStatus(Connecting)

	raddr, err := net.ResolveUDPAddr("udp", m.cfg.RendezvousAddr)
	if err != nil {
		m.setStatus(ErrorStatus)
		return fmt.Errorf("rendezvous: resolve %s: %w", m.cfg.RendezvousAddr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		m.setStatus(ErrorStatus)
		return fmt.Errorf("rendezvous: dial %s: %w", m.cfg.RendezvousAddr, err)
	}
	defer conn.Close()

	m.setStatus(Connected)
	return m.registrationLoop(ctx, conn)
}

// Stop halts the registration loop. Idempotent: a second call is a
// no-op, matching the teacher's call.Manager.Close() shape.
func (m *Mediator) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return
	}
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.setStatus(Disconnected)
}

func (m *Mediator) registrationLoop(ctx context.Context, conn *net.UDPConn) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	ticker := time.NewTicker(timerIntervalMS * time.Millisecond)
	defer ticker.Stop()

	recvCh := make(chan []byte, 8)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		buf := make([]byte, 65535)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case recvCh <- cp:
			case <-done:
				return
			}
		}
	}()

	var lastRegisterSent, lastRegisterResp time.Time
	regTimeout := int64(minRegTimeoutMS)
	fails := 0

	for {
		select {
		case <-ctx.Done():
			m.setStatus(Disconnected)
			return nil
		case <-done:
			m.setStatus(Disconnected)
			return nil
		case buf := <-recvCh:
			msg, err := wire.Unmarshal(buf)
			if err != nil {
				continue
			}
			lastRegisterResp = time.Now()
			fails = 0
			regTimeout = minRegTimeoutMS
			m.handleResponse(conn, msg)
		case <-ticker.C:
			now := time.Now()
			awaiting := !lastRegisterSent.IsZero() && lastRegisterResp.Before(lastRegisterSent)
			expired := lastRegisterResp.IsZero() || now.Sub(lastRegisterResp).Milliseconds() >= regIntervalMS
			timedOut := awaiting && now.Sub(lastRegisterSent).Milliseconds() >= regTimeout

			if timedOut && regTimeout < maxRegTimeoutMS {
				regTimeout += minRegTimeoutMS
				fails++
				if fails >= 4 {
					log.Printf("rendezvous: registration timeout, %d consecutive failures", fails)
				}
			}

			if timedOut || (!awaiting && expired) {
				m.sendRegister(conn)
				lastRegisterSent = now
			}
		}
	}
}

func (m *Mediator) sendRegister(conn *net.UDPConn) {
	if !m.keyConfirmed.Load() {
		m.sendRegisterPk(conn)
		return
	}
	m.sendRegisterPeer(conn)
}

func (m *Mediator) sendRegisterPeer(conn *net.UDPConn) {
	msg := &wire.Message{RegisterPeer: &wire.RegisterPeer{ID: m.cfg.DeviceID, Serial: m.serial.Load()}}
	m.send(conn, msg)
}

func (m *Mediator) sendRegisterPk(conn *net.UDPConn) {
	msg := &wire.Message{RegisterPk: &wire.RegisterPk{ID: m.cfg.DeviceID, UUID: m.cfg.UUID[:], PK: m.cfg.SigningPublicKey}}
	m.send(conn, msg)
}

func (m *Mediator) send(conn *net.UDPConn, msg *wire.Message) {
	if _, err := conn.Write(msg.Marshal()); err != nil {
		log.Printf("rendezvous: send: %v", err)
	}
}

func (m *Mediator) handleResponse(conn *net.UDPConn, msg *wire.Message) {
	switch {
	case msg.RegisterPeerResponse != nil:
		if msg.RegisterPeerResponse.RequestPk {
			m.keyConfirmed.Store(false)
			m.sendRegisterPk(conn)
		}
		m.setStatus(Registered)

	case msg.RegisterPkResponse != nil:
		rpr := msg.RegisterPkResponse
		switch rpr.Result {
		case wire.ResultOK:
			m.keyConfirmed.Store(true)
			m.IncrementSerial()
			m.setStatus(Registered)
		case wire.ResultUUIDMismatch:
			m.keyConfirmed.Store(false)
		case wire.ResultIDExists, wire.ResultInvalidIDFormat:
			m.setStatus(ErrorStatus)
		case wire.ResultTooFrequent:
			log.Printf("rendezvous: registration too frequent")
		}
		if rpr.KeepAlive > 0 {
			m.keepAliveMS.Store(rpr.KeepAlive * 1000)
		}

	case msg.PunchHole != nil:
		m.handlePunchHole(conn, msg.PunchHole)

	case msg.RequestRelay != nil:
		rr := msg.RequestRelay
		m.publish(Event{Kind: EventRelayRequest, Payload: RelayRequest{
			RendezvousAddr: m.cfg.RendezvousAddr,
			RelayServer:    normalizeRelayAddr(rr.RelayServer),
			UUID:           rr.UUID,
			SocketAddr:     rr.SocketAddr,
			DeviceID:       m.cfg.DeviceID,
		}})

	case msg.FetchLocalAddr != nil:
		m.handleFetchLocalAddr(conn, msg.FetchLocalAddr)

	case msg.ConfigureUpdate != nil:
		m.serial.Store(msg.ConfigureUpdate.Serial)
	}
}

func (m *Mediator) handlePunchHole(conn *net.UDPConn, ph *wire.PunchHole) {
	var peerAddr *netip.AddrPort
	if len(ph.SocketAddr) > 0 {
		if addr, err := addrmangle.Decode(ph.SocketAddr); err == nil {
			peerAddr = &addr
		}
	}

	sent := &wire.Message{PunchHoleSent: &wire.PunchHoleSent{
		SocketAddr:  ph.SocketAddr,
		ID:          m.cfg.DeviceID,
		RelayServer: ph.RelayServer,
		NatType:     ph.NatType,
	}}
	m.send(conn, sent)

	if ph.RelayServer == "" {
		return
	}

	m.publish(Event{Kind: EventPunchRequest, Payload: PunchRequest{
		PeerAddr:       peerAddr,
		RendezvousAddr: m.cfg.RendezvousAddr,
		RelayServer:    normalizeRelayAddr(ph.RelayServer),
		UUID:           uuid.NewString(),
		SocketAddr:     ph.SocketAddr,
		DeviceID:       m.cfg.DeviceID,
	}})
}

func (m *Mediator) handleFetchLocalAddr(_ *net.UDPConn, fla *wire.FetchLocalAddr) {
	addrs := localAddresses()
	if len(addrs) == 0 {
		return
	}
	local := netip.AddrPortFrom(addrs[0], m.cfg.ListenPort)
	m.publish(Event{Kind: EventIntranetRequest, Payload: IntranetRequest{
		RendezvousAddr: m.cfg.RendezvousAddr,
		PeerSocketAddr: fla.SocketAddr,
		LocalAddr:      local,
		RelayServer:    fla.RelayServer,
		DeviceID:       m.cfg.DeviceID,
	}})
}

func normalizeRelayAddr(addr string) string {
	if addr == "" {
		return addr
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return net.JoinHostPort(addr, defaultRelayPort)
}

// isVirtualInterface reports whether name belongs to a container,
// overlay, bridge, or VPN interface, carried verbatim from
// original_source/src/rustdesk/rendezvous.rs.
func isVirtualInterface(name string) bool {
	for _, prefix := range []string{"docker", "br-", "veth", "cni", "flannel", "calico", "weave", "virbr", "lxcbr", "lxdbr", "tun", "tap"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// isDockerIP reports whether ip falls in a Docker-managed private range,
// carried verbatim from original_source/src/rustdesk/rendezvous.rs.
func isDockerIP(ip netip.Addr) bool {
	if !ip.Is4() {
		return false
	}
	o := ip.As4()
	if o[0] == 172 && o[1] == 17 {
		return true
	}
	if o[0] == 172 && o[1] >= 18 && o[1] <= 31 {
		return true
	}
	if o[0] == 10 && o[1] == 0 && o[2] < 10 {
		return true
	}
	return false
}

// localAddresses enumerates non-loopback, non-virtual, non-Docker IPv4
// addresses across all interfaces, preferring net.Interfaces over
// shelling out to `ip addr` for portability and to avoid invoking an
// external process from a long-running daemon.
func localAddresses() []netip.Addr {
	var out []netip.Addr

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if isVirtualInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok || ip.IsLoopback() || isDockerIP(ip) {
				continue
			}
			out = append(out, ip)
		}
	}
	return out
}

// ParseListenPort parses a TCP listen port from its string form,
// returning 0 on error (used when loading persisted configuration).
func ParseListenPort(s string) uint16 {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
