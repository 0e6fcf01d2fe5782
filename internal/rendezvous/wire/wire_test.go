package wire

import (
	"bytes"
	"testing"
)

func TestRegisterPeerRoundTrip(t *testing.T) {
	msg := &Message{RegisterPeer: &RegisterPeer{ID: "123456789", Serial: 7}}
	buf := msg.Marshal()
	if len(buf) == 0 {
		t.Fatal("expected non-empty encoding")
	}

	decoded, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RegisterPeer == nil {
		t.Fatal("expected RegisterPeer variant")
	}
	if decoded.RegisterPeer.ID != "123456789" || decoded.RegisterPeer.Serial != 7 {
		t.Fatalf("round trip mismatch: %+v", decoded.RegisterPeer)
	}
}

func TestRegisterPkRoundTrip(t *testing.T) {
	uuid := bytes.Repeat([]byte{1}, 16)
	pk := bytes.Repeat([]byte{2}, 32)
	msg := &Message{RegisterPk: &RegisterPk{ID: "123456789", UUID: uuid, PK: pk}}
	buf := msg.Marshal()

	decoded, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RegisterPk == nil {
		t.Fatal("expected RegisterPk variant")
	}
	if decoded.RegisterPk.ID != "123456789" {
		t.Fatalf("id mismatch: %q", decoded.RegisterPk.ID)
	}
	if !bytes.Equal(decoded.RegisterPk.UUID, uuid) || !bytes.Equal(decoded.RegisterPk.PK, pk) {
		t.Fatal("uuid/pk mismatch")
	}
}

func TestRegisterPkResponseRoundTrip(t *testing.T) {
	msg := &Message{RegisterPkResponse: &RegisterPkResponse{Result: ResultUUIDMismatch, KeepAlive: 30}}
	buf := msg.Marshal()

	decoded, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RegisterPkResponse == nil {
		t.Fatal("expected RegisterPkResponse variant")
	}
	if decoded.RegisterPkResponse.Result != ResultUUIDMismatch || decoded.RegisterPkResponse.KeepAlive != 30 {
		t.Fatalf("mismatch: %+v", decoded.RegisterPkResponse)
	}
}

func TestPunchHoleRoundTrip(t *testing.T) {
	addr := []byte{192, 168, 1, 1, 0x10, 0x20}
	msg := &Message{PunchHole: &PunchHole{SocketAddr: addr, RelayServer: "relay.example.com", NatType: 2}}
	buf := msg.Marshal()

	decoded, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.PunchHole == nil {
		t.Fatal("expected PunchHole variant")
	}
	if !bytes.Equal(decoded.PunchHole.SocketAddr, addr) || decoded.PunchHole.RelayServer != "relay.example.com" || decoded.PunchHole.NatType != 2 {
		t.Fatalf("mismatch: %+v", decoded.PunchHole)
	}
}

func TestOnlyOneVariantSet(t *testing.T) {
	msg := &Message{ConfigureUpdate: &ConfigureUpdate{Serial: 42}}
	buf := msg.Marshal()

	decoded, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RegisterPeer != nil || decoded.RegisterPk != nil || decoded.PunchHole != nil {
		t.Fatal("expected only ConfigureUpdate set")
	}
	if decoded.ConfigureUpdate == nil || decoded.ConfigureUpdate.Serial != 42 {
		t.Fatalf("mismatch: %+v", decoded.ConfigureUpdate)
	}
}
