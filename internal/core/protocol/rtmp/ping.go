// This file implements the Ping (user control) message body.

package rtmp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortPing is returned when a ping body is too short for its type.
var ErrShortPing = errors.New("ping body too short")

// PingType is the 16-bit event type at the start of a ping body.
type PingType uint16

const (
	PingClear      PingType = 0 // stream begin
	PingPlay       PingType = 1 // stream EOF
	PingTime       PingType = 3 // set buffer length
	PingReset      PingType = 4 // stream is recorded
	PingClientPing PingType = 6
	PingClientPong PingType = 7
)

func (t PingType) String() string {
	switch t {
	case PingClear:
		return "clear"
	case PingPlay:
		return "play"
	case PingTime:
		return "time"
	case PingReset:
		return "reset"
	case PingClientPing:
		return "ping"
	case PingClientPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Ping is a decoded ping body. Param2 is only carried by PingTime.
type Ping struct {
	Type   PingType
	Target uint16
	Param1 uint16
	Param2 uint16
}

// paramCount returns how many 16-bit parameters follow the type.
func (t PingType) paramCount() int {
	if t == PingTime {
		return 3
	}
	return 2
}

// DecodePing parses a ping body. Trailing bytes beyond the type's parameters are ignored.
func DecodePing(body []byte) (Ping, error) {
	if len(body) < 2 {
		return Ping{}, errors.Wrapf(ErrShortPing, "%d bytes", len(body))
	}
	p := Ping{Type: PingType(binary.BigEndian.Uint16(body[0:2]))}
	need := 2 + 2*p.Type.paramCount()
	if len(body) < need {
		return Ping{}, errors.Wrapf(ErrShortPing, "%s needs %d bytes, got %d", p.Type, need, len(body))
	}
	p.Target = binary.BigEndian.Uint16(body[2:4])
	p.Param1 = binary.BigEndian.Uint16(body[4:6])
	if p.Type == PingTime {
		p.Param2 = binary.BigEndian.Uint16(body[6:8])
	}
	return p, nil
}

// Encode returns the ping body.
func (p Ping) Encode() []byte {
	body := make([]byte, 2+2*p.Type.paramCount())
	binary.BigEndian.PutUint16(body[0:2], uint16(p.Type))
	binary.BigEndian.PutUint16(body[2:4], p.Target)
	binary.BigEndian.PutUint16(body[4:6], p.Param1)
	if p.Type == PingTime {
		binary.BigEndian.PutUint16(body[6:8], p.Param2)
	}
	return body
}

// StreamID joins Target and Param1 into the 32-bit value most ping types carry.
func (p Ping) StreamID() uint32 {
	return uint32(p.Target)<<16 | uint32(p.Param1)
}

// NewStreamPing builds a ping whose first two parameters carry a 32-bit stream id.
func NewStreamPing(t PingType, streamID uint32) Ping {
	return Ping{Type: t, Target: uint16(streamID >> 16), Param1: uint16(streamID)}
}

// NewBufferPing builds a PingTime message: stream id followed by the buffer length in ms.
func NewBufferPing(streamID uint32, bufferMS uint16) Ping {
	p := NewStreamPing(PingTime, streamID)
	p.Param2 = bufferMS
	return p
}

// Pong answers a client ping, echoing its parameters.
func (p Ping) Pong() Ping {
	return Ping{Type: PingClientPong, Target: p.Target, Param1: p.Param1}
}
