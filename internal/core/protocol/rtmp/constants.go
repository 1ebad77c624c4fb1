// This file defines RTMP protocol constants, message types and channel assignments.

package rtmp

import "fmt"

// RTMP version constant
const RTMPVersion = 3

// Handshake sizes
const (
	HandshakePacketSize = 1536                    // time + zero/time + random
	HandshakeRandomSize = HandshakePacketSize - 8 // random block echoed by the peer
	HandshakeC0C1Size   = 1 + HandshakePacketSize // version byte + packet
)

// Default chunk size
const DefaultChunkSize = 128

// Maximum chunk size
const MaxChunkSize = 16777215 // 2^24 - 1

// MaxBodySize is the largest body a 24-bit size field can declare.
const MaxBodySize = 0xFFFFFF

// MaxChannel is the highest channel id a one-byte basic header can address.
const MaxChannel = 63

// MessageType is the one-byte message type carried in 8 and 12 byte headers.
type MessageType uint8

// Message type IDs
const (
	TypeChunkSize    MessageType = 0x01
	TypeAbort        MessageType = 0x02
	TypeBytesRead    MessageType = 0x03
	TypePing         MessageType = 0x04
	TypeServer       MessageType = 0x05 // window acknowledgement size
	TypeClient       MessageType = 0x06 // set peer bandwidth
	TypeAudio        MessageType = 0x08
	TypeVideo        MessageType = 0x09
	TypeNotify       MessageType = 0x12
	TypeSharedObject MessageType = 0x13
	TypeInvoke       MessageType = 0x14
	TypeAggregate    MessageType = 0x16
)

// String returns a human-readable message type name.
func (t MessageType) String() string {
	switch t {
	case TypeChunkSize:
		return "ChunkSize"
	case TypeAbort:
		return "Abort"
	case TypeBytesRead:
		return "BytesRead"
	case TypePing:
		return "Ping"
	case TypeServer:
		return "Server"
	case TypeClient:
		return "Client"
	case TypeAudio:
		return "Audio"
	case TypeVideo:
		return "Video"
	case TypeNotify:
		return "Notify"
	case TypeSharedObject:
		return "SharedObject"
	case TypeInvoke:
		return "Invoke"
	case TypeAggregate:
		return "Aggregate"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Channels used for outbound messages.
const (
	ChannelControl uint8 = 2 // chunk size, acks, bandwidth, ping
	ChannelCommand uint8 = 3 // NetConnection invoke results
	ChannelStream  uint8 = 5 // NetStream status and data
	ChannelAudio   uint8 = 6
	ChannelVideo   uint8 = 7
)

// Routing records which side of the connection produced a header.
type Routing uint8

const (
	FromClient Routing = iota
	FromServer
)

// String returns the routing direction name.
func (r Routing) String() string {
	if r == FromServer {
		return "server"
	}
	return "client"
}

// Peer bandwidth limit types
const (
	BandwidthLimitHard    = 0
	BandwidthLimitSoft    = 1
	BandwidthLimitDynamic = 2
)
