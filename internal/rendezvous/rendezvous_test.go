package rendezvous

import (
	"net/netip"
	"testing"

	"github.com/onekvm-go/kvmstreamd/internal/rendezvous/wire"
)

func TestStartNoopWhenDisabled(t *testing.T) {
	m := New(Config{Enabled: false})
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("expected nil error for disabled mediator, got %v", err)
	}
	if m.Status() != Disconnected {
		t.Fatalf("expected status unchanged, got %v", m.Status())
	}
}

func TestHandleRegisterPkResponseOK(t *testing.T) {
	m := New(Config{Enabled: true, RendezvousAddr: "127.0.0.1:21116", DeviceID: "dev1"})

	m.handleResponse(nil, &wire.Message{RegisterPkResponse: &wire.RegisterPkResponse{Result: wire.ResultOK, KeepAlive: 30}})

	if !m.keyConfirmed.Load() {
		t.Fatal("expected key_confirmed true after result OK")
	}
	if m.Status() != Registered {
		t.Fatalf("expected status Registered, got %v", m.Status())
	}
	if m.serial.Load() != 1 {
		t.Fatalf("expected serial incremented to 1, got %d", m.serial.Load())
	}
	if m.keepAliveMS.Load() != 30000 {
		t.Fatalf("expected keep_alive_ms 30000, got %d", m.keepAliveMS.Load())
	}
}

func TestHandleRegisterPkResponseUUIDMismatch(t *testing.T) {
	m := New(Config{Enabled: true})
	m.keyConfirmed.Store(true)

	m.handleResponse(nil, &wire.Message{RegisterPkResponse: &wire.RegisterPkResponse{Result: wire.ResultUUIDMismatch}})

	if m.keyConfirmed.Load() {
		t.Fatal("expected key_confirmed cleared on UUID mismatch")
	}
}

func TestIsVirtualInterface(t *testing.T) {
	cases := map[string]bool{
		"eth0":    false,
		"docker0": true,
		"br-abcd": true,
		"veth123": true,
		"wlan0":   false,
		"tun0":    true,
	}
	for name, want := range cases {
		if got := isVirtualInterface(name); got != want {
			t.Errorf("isVirtualInterface(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsDockerIP(t *testing.T) {
	cases := map[string]bool{
		"172.17.0.1": true,
		"172.20.0.1": true,
		"172.16.0.1": false,
		"10.0.5.1":   true,
		"10.0.50.1":  false,
		"192.168.1.1": false,
	}
	for s, want := range cases {
		ip := netip.MustParseAddr(s)
		if got := isDockerIP(ip); got != want {
			t.Errorf("isDockerIP(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestNormalizeRelayAddr(t *testing.T) {
	if got := normalizeRelayAddr("relay.example.com"); got != "relay.example.com:21117" {
		t.Fatalf("expected default port appended, got %q", got)
	}
	if got := normalizeRelayAddr("relay.example.com:9999"); got != "relay.example.com:9999" {
		t.Fatalf("expected explicit port preserved, got %q", got)
	}
}

func TestIncrementSerialWraps(t *testing.T) {
	m := New(Config{})
	m.serial.Store(2147483647)
	m.IncrementSerial()
	if m.serial.Load() != -2147483648 {
		t.Fatalf("expected wraparound, got %d", m.serial.Load())
	}
}
