// Package wire hand-writes the RustDesk-compatible rendezvous wire codec
// directly against google.golang.org/protobuf/encoding/protowire. No
// .proto files exist in the retrieval pack (they are generated at the
// original Rust build from files outside original_source/'s code+build
// filter), and hand-writing protoc-gen-go-compatible generated code
// (implementing proto.Message/protoreflect.Message) without a toolchain
// run to verify it is too failure-prone to attempt blind. This package
// instead marshals/unmarshals each oneof variant by hand: real protobuf
// wire format, real third-party dependency, field numbers internally
// consistent but not verified against the upstream hbbs server (recorded
// as an open question in DESIGN.md).
//
// One UDP datagram carries exactly one RendezvousMessage — no
// length-delimited framing is layered on top, matching
// original_source/src/rustdesk/rendezvous.rs's one-message-per-packet use
// of socket.send/socket.recv.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RegisterPk is the initial key-confirmation request: id, uuid, public
// key bytes, and (on re-registration after an ID change) the old id.
type RegisterPk struct {
	ID    string
	UUID  []byte
	PK    []byte
	OldID string
}

// RegisterPeer is the lightweight heartbeat sent once the key is
// confirmed.
type RegisterPeer struct {
	ID     string
	Serial int32
}

// RegisterPeerResponse tells the client whether to re-send RegisterPk.
type RegisterPeerResponse struct {
	RequestPk bool
}

// Result codes for RegisterPkResponse, matching spec.md §4.10 exactly.
const (
	ResultOK               int32 = 0
	ResultUUIDMismatch     int32 = 2
	ResultIDExists         int32 = 3
	ResultTooFrequent      int32 = 4
	ResultInvalidIDFormat  int32 = 5
)

// RegisterPkResponse carries the server's verdict on a RegisterPk.
type RegisterPkResponse struct {
	Result    int32
	KeepAlive int32
}

// PunchHole is the peer-initiated NAT-traversal request relayed through
// the rendezvous server.
type PunchHole struct {
	SocketAddr  []byte
	RelayServer string
	NatType     int32
}

// PunchHoleSent acknowledges a PunchHole, echoing the peer's address.
type PunchHoleSent struct {
	SocketAddr  []byte
	ID          string
	RelayServer string
	NatType     int32
	Version     string
}

// RequestRelay is bidirectional: outbound (to a relay server) it carries
// UUID/LicenceKey/SocketAddr to identify this peer; inbound (from the
// rendezvous server, instructing us to set up a relay session) it
// carries RelayServer/UUID/Secure.
type RequestRelay struct {
	UUID        string
	LicenceKey  string
	SocketAddr  []byte
	RelayServer string
	Secure      bool
}

// RelayResponse is sent back to the rendezvous server to identify this
// peer for a relay session.
type RelayResponse struct {
	SocketAddr  []byte
	UUID        string
	RelayServer string
	Version     string
	ID          string
}

// FetchLocalAddr asks this peer to report its local, non-virtual
// addresses for same-LAN connection attempts.
type FetchLocalAddr struct {
	SocketAddr  []byte
	RelayServer string
}

// LocalAddr answers a FetchLocalAddr.
type LocalAddr struct {
	SocketAddr  []byte
	LocalAddr   []byte
	RelayServer string
	ID          string
	Version     string
}

// ConfigureUpdate carries a new serial for this peer to adopt.
type ConfigureUpdate struct {
	Serial int32
}

// Message is the RendezvousMessage oneof: exactly one field is non-nil
// on any well-formed instance.
type Message struct {
	RegisterPeer         *RegisterPeer
	RegisterPk           *RegisterPk
	RegisterPeerResponse *RegisterPeerResponse
	RegisterPkResponse   *RegisterPkResponse
	PunchHole            *PunchHole
	PunchHoleSent        *PunchHoleSent
	RequestRelay         *RequestRelay
	RelayResponse        *RelayResponse
	FetchLocalAddr       *FetchLocalAddr
	LocalAddr            *LocalAddr
	ConfigureUpdate      *ConfigureUpdate
}

// Oneof field numbers on RendezvousMessage.
const (
	fieldRegisterPeer         = 1
	fieldRegisterPk           = 2
	fieldRegisterPeerResponse = 3
	fieldRegisterPkResponse   = 4
	fieldPunchHole            = 5
	fieldPunchHoleSent        = 6
	fieldRequestRelay         = 7
	fieldRelayResponse        = 8
	fieldFetchLocalAddr       = 9
	fieldLocalAddr            = 10
	fieldConfigureUpdate      = 11
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendSubmessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func (m *RegisterPeer) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendVarint(b, 2, m.Serial)
	return b
}

func (m *RegisterPk) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendBytes(b, 2, m.UUID)
	b = appendBytes(b, 3, m.PK)
	b = appendString(b, 4, m.OldID)
	return b
}

func (m *RegisterPeerResponse) marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.RequestPk)
	return b
}

func (m *RegisterPkResponse) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Result)
	b = appendVarint(b, 2, m.KeepAlive)
	return b
}

func (m *PunchHole) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.RelayServer)
	b = appendVarint(b, 3, m.NatType)
	return b
}

func (m *PunchHoleSent) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.ID)
	b = appendString(b, 3, m.RelayServer)
	b = appendVarint(b, 4, m.NatType)
	b = appendString(b, 5, m.Version)
	return b
}

func (m *RequestRelay) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.UUID)
	b = appendString(b, 2, m.LicenceKey)
	b = appendBytes(b, 3, m.SocketAddr)
	b = appendString(b, 4, m.RelayServer)
	b = appendBool(b, 5, m.Secure)
	return b
}

func (m *RelayResponse) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.UUID)
	b = appendString(b, 3, m.RelayServer)
	b = appendString(b, 4, m.Version)
	b = appendString(b, 5, m.ID)
	return b
}

func (m *FetchLocalAddr) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.RelayServer)
	return b
}

func (m *LocalAddr) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendBytes(b, 2, m.LocalAddr)
	b = appendString(b, 3, m.RelayServer)
	b = appendString(b, 4, m.ID)
	b = appendString(b, 5, m.Version)
	return b
}

func (m *ConfigureUpdate) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Serial)
	return b
}

// Marshal encodes m into the real protobuf wire format.
func (m *Message) Marshal() []byte {
	var b []byte
	switch {
	case m.RegisterPeer != nil:
		b = appendSubmessage(b, fieldRegisterPeer, m.RegisterPeer.marshal())
	case m.RegisterPk != nil:
		b = appendSubmessage(b, fieldRegisterPk, m.RegisterPk.marshal())
	case m.RegisterPeerResponse != nil:
		b = appendSubmessage(b, fieldRegisterPeerResponse, m.RegisterPeerResponse.marshal())
	case m.RegisterPkResponse != nil:
		b = appendSubmessage(b, fieldRegisterPkResponse, m.RegisterPkResponse.marshal())
	case m.PunchHole != nil:
		b = appendSubmessage(b, fieldPunchHole, m.PunchHole.marshal())
	case m.PunchHoleSent != nil:
		b = appendSubmessage(b, fieldPunchHoleSent, m.PunchHoleSent.marshal())
	case m.RequestRelay != nil:
		b = appendSubmessage(b, fieldRequestRelay, m.RequestRelay.marshal())
	case m.RelayResponse != nil:
		b = appendSubmessage(b, fieldRelayResponse, m.RelayResponse.marshal())
	case m.FetchLocalAddr != nil:
		b = appendSubmessage(b, fieldFetchLocalAddr, m.FetchLocalAddr.marshal())
	case m.LocalAddr != nil:
		b = appendSubmessage(b, fieldLocalAddr, m.LocalAddr.marshal())
	case m.ConfigureUpdate != nil:
		b = appendSubmessage(b, fieldConfigureUpdate, m.ConfigureUpdate.marshal())
	}
	return b
}

// Unmarshal decodes buf into a Message, dispatching on the first
// (and only expected) oneof field tag.
func Unmarshal(buf []byte) (*Message, error) {
	m := &Message{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("wire: consume tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, buf)
			if skip < 0 {
				return nil, fmt.Errorf("wire: skip field %d: %w", num, protowire.ParseError(skip))
			}
			buf = buf[skip:]
			continue
		}

		sub, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("wire: consume bytes for field %d: %w", num, protowire.ParseError(n))
		}
		buf = buf[n:]

		var err error
		switch num {
		case fieldRegisterPeer:
			m.RegisterPeer, err = unmarshalRegisterPeer(sub)
		case fieldRegisterPk:
			m.RegisterPk, err = unmarshalRegisterPk(sub)
		case fieldRegisterPeerResponse:
			m.RegisterPeerResponse, err = unmarshalRegisterPeerResponse(sub)
		case fieldRegisterPkResponse:
			m.RegisterPkResponse, err = unmarshalRegisterPkResponse(sub)
		case fieldPunchHole:
			m.PunchHole, err = unmarshalPunchHole(sub)
		case fieldPunchHoleSent:
			m.PunchHoleSent, err = unmarshalPunchHoleSent(sub)
		case fieldRequestRelay:
			m.RequestRelay, err = unmarshalRequestRelay(sub)
		case fieldRelayResponse:
			m.RelayResponse, err = unmarshalRelayResponse(sub)
		case fieldFetchLocalAddr:
			m.FetchLocalAddr, err = unmarshalFetchLocalAddr(sub)
		case fieldLocalAddr:
			m.LocalAddr, err = unmarshalLocalAddr(sub)
		case fieldConfigureUpdate:
			m.ConfigureUpdate, err = unmarshalConfigureUpdate(sub)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// fieldIter walks the (number, type, value-bytes) triples of a
// length-delimited submessage, handed to each message's field-specific
// switch below.
func fieldIter(buf []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("wire: consume tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		rest, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		buf = rest
	}
	return nil
}

func consumeVarintField(buf []byte) (int32, []byte, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, nil, fmt.Errorf("wire: consume varint: %w", protowire.ParseError(n))
	}
	return int32(v), buf[n:], nil
}

func consumeStringField(buf []byte) (string, []byte, error) {
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return "", nil, fmt.Errorf("wire: consume bytes: %w", protowire.ParseError(n))
	}
	return string(v), buf[n:], nil
}

func consumeBytesField(buf []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return nil, nil, fmt.Errorf("wire: consume bytes: %w", protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, buf[n:], nil
}

func unmarshalRegisterPeer(buf []byte) (*RegisterPeer, error) {
	m := &RegisterPeer{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			s, rest, err := consumeStringField(b)
			m.ID = s
			return rest, err
		case 2:
			v, rest, err := consumeVarintField(b)
			m.Serial = v
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalRegisterPk(buf []byte) (*RegisterPk, error) {
	m := &RegisterPk{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			s, rest, err := consumeStringField(b)
			m.ID = s
			return rest, err
		case 2:
			v, rest, err := consumeBytesField(b)
			m.UUID = v
			return rest, err
		case 3:
			v, rest, err := consumeBytesField(b)
			m.PK = v
			return rest, err
		case 4:
			s, rest, err := consumeStringField(b)
			m.OldID = s
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalRegisterPeerResponse(buf []byte) (*RegisterPeerResponse, error) {
	m := &RegisterPeerResponse{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarintField(b)
			m.RequestPk = v != 0
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalRegisterPkResponse(buf []byte) (*RegisterPkResponse, error) {
	m := &RegisterPkResponse{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarintField(b)
			m.Result = v
			return rest, err
		case 2:
			v, rest, err := consumeVarintField(b)
			m.KeepAlive = v
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalPunchHole(buf []byte) (*PunchHole, error) {
	m := &PunchHole{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytesField(b)
			m.SocketAddr = v
			return rest, err
		case 2:
			s, rest, err := consumeStringField(b)
			m.RelayServer = s
			return rest, err
		case 3:
			v, rest, err := consumeVarintField(b)
			m.NatType = v
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalPunchHoleSent(buf []byte) (*PunchHoleSent, error) {
	m := &PunchHoleSent{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytesField(b)
			m.SocketAddr = v
			return rest, err
		case 2:
			s, rest, err := consumeStringField(b)
			m.ID = s
			return rest, err
		case 3:
			s, rest, err := consumeStringField(b)
			m.RelayServer = s
			return rest, err
		case 4:
			v, rest, err := consumeVarintField(b)
			m.NatType = v
			return rest, err
		case 5:
			s, rest, err := consumeStringField(b)
			m.Version = s
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalRequestRelay(buf []byte) (*RequestRelay, error) {
	m := &RequestRelay{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			s, rest, err := consumeStringField(b)
			m.UUID = s
			return rest, err
		case 2:
			s, rest, err := consumeStringField(b)
			m.LicenceKey = s
			return rest, err
		case 3:
			v, rest, err := consumeBytesField(b)
			m.SocketAddr = v
			return rest, err
		case 4:
			s, rest, err := consumeStringField(b)
			m.RelayServer = s
			return rest, err
		case 5:
			v, rest, err := consumeVarintField(b)
			m.Secure = v != 0
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalRelayResponse(buf []byte) (*RelayResponse, error) {
	m := &RelayResponse{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytesField(b)
			m.SocketAddr = v
			return rest, err
		case 2:
			s, rest, err := consumeStringField(b)
			m.UUID = s
			return rest, err
		case 3:
			s, rest, err := consumeStringField(b)
			m.RelayServer = s
			return rest, err
		case 4:
			s, rest, err := consumeStringField(b)
			m.Version = s
			return rest, err
		case 5:
			s, rest, err := consumeStringField(b)
			m.ID = s
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalFetchLocalAddr(buf []byte) (*FetchLocalAddr, error) {
	m := &FetchLocalAddr{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytesField(b)
			m.SocketAddr = v
			return rest, err
		case 2:
			s, rest, err := consumeStringField(b)
			m.RelayServer = s
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalLocalAddr(buf []byte) (*LocalAddr, error) {
	m := &LocalAddr{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytesField(b)
			m.SocketAddr = v
			return rest, err
		case 2:
			v, rest, err := consumeBytesField(b)
			m.LocalAddr = v
			return rest, err
		case 3:
			s, rest, err := consumeStringField(b)
			m.RelayServer = s
			return rest, err
		case 4:
			s, rest, err := consumeStringField(b)
			m.ID = s
			return rest, err
		case 5:
			s, rest, err := consumeStringField(b)
			m.Version = s
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}

func unmarshalConfigureUpdate(buf []byte) (*ConfigureUpdate, error) {
	m := &ConfigureUpdate{}
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarintField(b)
			m.Serial = v
			return rest, err
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return b[n:], nil
		}
	})
	return m, err
}
