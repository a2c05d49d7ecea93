package protocol

import (
	"errors"
	"fmt"
)

// Gossip packet types
const (
	TypeDiscovery PacketType = 0x01
	TypeHello     PacketType = 0x02
	TypeStatus    PacketType = 0x03
)

// HeaderSize is the fixed gossip header:
// [reserved (1 byte)] + [ttl (1 byte)] + [type (1 byte)] + [sender id length (1 byte)]
const HeaderSize = 4

// DefaultTTL is the hop budget given to flooded packets.
const DefaultTTL = 5

// MaxSenderIDLength is bounded by the one-byte length field.
const MaxSenderIDLength = 255

var (
	ErrShortPacket     = errors.New("gossip packet too short")
	ErrUnknownType     = errors.New("unknown gossip packet type")
	ErrSenderIDTooLong = errors.New("sender id exceeds 255 bytes")
)

type PacketType uint8

func (t PacketType) String() string {
	switch t {
	case TypeDiscovery:
		return "DISCOVERY"
	case TypeHello:
		return "HELLO"
	case TypeStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	return t == TypeDiscovery || t == TypeHello || t == TypeStatus
}

// Packet is the unit exchanged by the gossip transport.
type Packet struct {
	TTL      uint8
	Type     PacketType
	SenderID string
	Payload  []byte
}

// Marshal frames the packet for the wire.
func (p Packet) Marshal() ([]byte, error) {
	if len(p.SenderID) > MaxSenderIDLength {
		return nil, ErrSenderIDTooLong
	}
	buf := make([]byte, HeaderSize+len(p.SenderID)+len(p.Payload))
	buf[0] = 0x00
	buf[1] = p.TTL
	buf[2] = byte(p.Type)
	buf[3] = byte(len(p.SenderID))
	copy(buf[HeaderSize:], p.SenderID)
	copy(buf[HeaderSize+len(p.SenderID):], p.Payload)
	return buf, nil
}

// Unmarshal parses a datagram. The payload aliases data, copy it if data is reused.
// The type byte is not validated here so callers can still account for the sender.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	idLen := int(data[3])
	if len(data) < HeaderSize+idLen {
		return Packet{}, ErrShortPacket
	}
	return Packet{
		TTL:      data[1],
		Type:     PacketType(data[2]),
		SenderID: string(data[HeaderSize : HeaderSize+idLen]),
		Payload:  data[HeaderSize+idLen:],
	}, nil
}
