// Package packet models the packets the negotiation layer emits and reads,
// with just enough of the Engine.IO v4 text framing to carry them.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("malformed packet")

// Separator delimits packets inside a long-polling payload.
const Separator byte = 0x1e

// Type is the engine-level packet type.
type Type int

const (
	Open Type = iota
	Close
	Ping
	Pong
	Message
	Upgrade
	Noop
)

func (t Type) String() string {
	switch t {
	case Open:
		return "open"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Message:
		return "message"
	case Upgrade:
		return "upgrade"
	case Noop:
		return "noop"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// SubType is the socket-level type carried inside a Message packet.
type SubType int

const (
	Connect SubType = iota
	Disconnect
	Event
	Ack
	ConnectError
	BinaryEvent
	BinaryAck
)

func (s SubType) String() string {
	switch s {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Event:
		return "event"
	case Ack:
		return "ack"
	case ConnectError:
		return "connect_error"
	case BinaryEvent:
		return "binary_event"
	case BinaryAck:
		return "binary_ack"
	default:
		return "subtype(" + strconv.Itoa(int(s)) + ")"
	}
}

// Packet is a single frame. SubType and Namespace are meaningful only for
// Message packets. Data is JSON encoded for Open and Message packets and
// written verbatim when it is a string on Ping and Pong packets.
type Packet struct {
	Type      Type
	SubType   SubType
	Namespace string
	Data      any
}

// OpenPayload is the body of the OPEN packet that completes a handshake.
// Durations are expressed in milliseconds on the wire.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload,omitempty"`
}

// NewOpen returns the OPEN packet for p.
func NewOpen(p OpenPayload) Packet {
	if p.Upgrades == nil {
		p.Upgrades = []string{}
	}
	return Packet{Type: Open, Data: p}
}

// NewMessage returns a Message packet of the given subtype addressed to ns.
func NewMessage(sub SubType, ns string, data any) Packet {
	return Packet{Type: Message, SubType: sub, Namespace: ns, Data: data}
}

// Encode returns the text frame for p.
func Encode(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePayload frames pkts for a long-polling response.
func EncodePayload(pkts []Packet) ([]byte, error) {
	var buf bytes.Buffer
	for i, p := range pkts {
		if i > 0 {
			buf.WriteByte(Separator)
		}
		if err := encodeTo(&buf, p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, p Packet) error {
	if p.Type < Open || p.Type > Noop {
		return fmt.Errorf("encode: unknown packet type %d", int(p.Type))
	}
	buf.WriteString(strconv.Itoa(int(p.Type)))

	switch p.Type {
	case Open:
		return writeJSON(buf, p.Data)
	case Ping, Pong:
		if s, ok := p.Data.(string); ok {
			buf.WriteString(s)
		}
		return nil
	case Message:
		buf.WriteString(strconv.Itoa(int(p.SubType)))
		if p.Namespace != "" && p.Namespace != "/" {
			buf.WriteString(p.Namespace)
			if p.Data != nil {
				buf.WriteByte(',')
			}
		}
		return writeJSON(buf, p.Data)
	default:
		return nil
	}
}

func writeJSON(buf *bytes.Buffer, v any) error {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	buf.Write(b)
	return nil
}

// Decode parses a single text frame. Message payloads are returned as
// json.RawMessage; Ping and Pong payloads as string.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	t := Type(b[0] - '0')
	if t < Open || t > Noop {
		return Packet{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, b[0])
	}
	p := Packet{Type: t}
	rest := b[1:]

	switch t {
	case Ping, Pong:
		if len(rest) > 0 {
			p.Data = string(rest)
		}
	case Open:
		if len(rest) > 0 {
			p.Data = json.RawMessage(append([]byte(nil), rest...))
		}
	case Message:
		if len(rest) == 0 {
			return Packet{}, fmt.Errorf("%w: message without subtype", ErrMalformed)
		}
		sub := SubType(rest[0] - '0')
		if sub < Connect || sub > BinaryAck {
			return Packet{}, fmt.Errorf("%w: unknown subtype %q", ErrMalformed, rest[0])
		}
		p.SubType = sub
		rest = rest[1:]
		if len(rest) > 0 && rest[0] == '/' {
			end := bytes.IndexByte(rest, ',')
			if end < 0 {
				p.Namespace = string(rest)
				rest = nil
			} else {
				p.Namespace = string(rest[:end])
				rest = rest[end+1:]
			}
		}
		if len(rest) > 0 {
			if !json.Valid(rest) {
				return Packet{}, fmt.Errorf("%w: invalid json payload", ErrMalformed)
			}
			p.Data = json.RawMessage(append([]byte(nil), rest...))
		}
	}
	return p, nil
}

// DecodePayload splits a long-polling payload and decodes each frame.
func DecodePayload(b []byte) ([]Packet, error) {
	if len(b) == 0 {
		return nil, nil
	}
	parts := bytes.Split(b, []byte{Separator})
	out := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p, err := Decode(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
