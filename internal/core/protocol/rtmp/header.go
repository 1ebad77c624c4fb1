// This file implements the RTMP chunk header codec and per-channel header state.
// Short headers inherit their missing fields from the last header seen on the same channel.

package rtmp

import (
	"encoding/binary"

	"rtmpd/internal/core/buffer"

	"github.com/pkg/errors"
	flv "github.com/yapingcat/gomedia/go-flv"
)

// ErrMalformedHeader is returned for headers that cannot be decoded or resolved.
var ErrMalformedHeader = errors.New("malformed RTMP header")

// HeaderSize is the on-wire size of a chunk header in bytes.
type HeaderSize uint8

const (
	HeaderSize12 HeaderSize = 12
	HeaderSize8  HeaderSize = 8
	HeaderSize4  HeaderSize = 4
	HeaderSize1  HeaderSize = 1
)

// HeaderSizeOf derives the header size from the top two bits of the first header byte.
func HeaderSizeOf(first byte) HeaderSize {
	switch first >> 6 {
	case 0:
		return HeaderSize12
	case 1:
		return HeaderSize8
	case 2:
		return HeaderSize4
	default:
		return HeaderSize1
	}
}

func (s HeaderSize) bits() (byte, error) {
	switch s {
	case HeaderSize12:
		return 0, nil
	case HeaderSize8:
		return 1, nil
	case HeaderSize4:
		return 2, nil
	case HeaderSize1:
		return 3, nil
	default:
		return 0, errors.Wrapf(ErrMalformedHeader, "unsupported header size %d", s)
	}
}

// Header is one decoded chunk header.
// Timestamp is absolute for 12 byte headers and a delta for 8 and 4 byte headers.
// BodySize and Type are carried by 12 and 8 byte headers; StreamID only by 12 byte headers.
type Header struct {
	Channel   uint8
	Size      HeaderSize
	Timestamp uint32
	BodySize  uint32
	Type      MessageType
	StreamID  uint32
	Routing   Routing
}

// EncodeHeader appends h to buf, writing only the fields h.Size carries.
func EncodeHeader(buf *buffer.Buffer, h Header) error {
	if h.Channel > MaxChannel {
		return errors.Wrapf(ErrMalformedHeader, "channel %d above %d", h.Channel, MaxChannel)
	}
	bits, err := h.Size.bits()
	if err != nil {
		return err
	}
	if h.BodySize > MaxBodySize {
		return errors.Wrapf(ErrMalformedHeader, "body size %d does not fit 24 bits", h.BodySize)
	}

	buf.AppendByte(bits<<6 | h.Channel)
	if h.Size == HeaderSize1 {
		return nil
	}

	var field [11]byte
	flv.PutUint24(field[0:3], h.Timestamp&0xFFFFFF)
	if h.Size == HeaderSize4 {
		buf.Append(field[:3])
		return nil
	}
	flv.PutUint24(field[3:6], h.BodySize)
	field[6] = byte(h.Type)
	if h.Size == HeaderSize8 {
		buf.Append(field[:7])
		return nil
	}
	// Stream ID is little-endian on the wire
	binary.LittleEndian.PutUint32(field[7:11], h.StreamID)
	buf.Append(field[:11])
	return nil
}

// DecodeHeader reads one header at the buffer cursor.
// Fields the header size does not carry are left zero; see ChannelTable.Resolve.
func DecodeHeader(buf *buffer.Buffer) (Header, error) {
	first, err := buf.ReadByte()
	if err != nil {
		return Header{}, errors.Wrap(ErrMalformedHeader, err.Error())
	}
	h := Header{
		Channel: first & 0x3F,
		Size:    HeaderSizeOf(first),
	}
	if h.Size == HeaderSize1 {
		return h, nil
	}

	rest, err := buf.Next(int(h.Size) - 1)
	if err != nil {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "%d byte header truncated: %v", h.Size, err)
	}
	h.Timestamp = flv.GetUint24(rest[0:3])
	if h.Size == HeaderSize4 {
		return h, nil
	}
	h.BodySize = flv.GetUint24(rest[3:6])
	h.Type = MessageType(rest[6])
	if h.Size == HeaderSize8 {
		return h, nil
	}
	h.StreamID = binary.LittleEndian.Uint32(rest[7:11])
	return h, nil
}

// channelState is the remembered header of one channel.
type channelState struct {
	valid     bool
	bodySize  uint32
	msgType   MessageType
	streamID  uint32
	timestamp uint32 // absolute
	delta     uint32
}

// ChannelTable holds the last header per channel for one direction of one connection.
// It is owned by a single session and is not safe for concurrent use.
type ChannelTable struct {
	routing  Routing
	channels [MaxChannel + 1]channelState
}

// NewChannelTable creates an empty table. Headers resolved or compressed through it
// are stamped with routing.
func NewChannelTable(routing Routing) *ChannelTable {
	return &ChannelTable{routing: routing}
}

// Resolve fills the fields h.Size does not carry from the channel's last header,
// records the result, and returns a complete header whose Timestamp is absolute.
func (t *ChannelTable) Resolve(h Header) (Header, error) {
	if h.Channel > MaxChannel {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "channel %d above %d", h.Channel, MaxChannel)
	}
	st := &t.channels[h.Channel]

	switch h.Size {
	case HeaderSize12:
		// A 1 byte header after a 12 byte one repeats its timestamp as the delta.
		*st = channelState{
			valid:     true,
			bodySize:  h.BodySize,
			msgType:   h.Type,
			streamID:  h.StreamID,
			timestamp: h.Timestamp,
			delta:     h.Timestamp,
		}
	case HeaderSize8, HeaderSize4, HeaderSize1:
		if !st.valid {
			return Header{}, errors.Wrapf(ErrMalformedHeader, "%d byte header on channel %d with no previous header", h.Size, h.Channel)
		}
		if h.Size == HeaderSize8 {
			st.bodySize = h.BodySize
			st.msgType = h.Type
		}
		if h.Size != HeaderSize1 {
			st.delta = h.Timestamp
		}
		st.timestamp += st.delta
	default:
		return Header{}, errors.Wrapf(ErrMalformedHeader, "unsupported header size %d", h.Size)
	}

	return Header{
		Channel:   h.Channel,
		Size:      h.Size,
		Timestamp: st.timestamp,
		BodySize:  st.bodySize,
		Type:      st.msgType,
		StreamID:  st.streamID,
		Routing:   t.routing,
	}, nil
}

// Compress picks the smallest header that lets the peer rebuild h from this table,
// records h, and returns the wire header. h.Timestamp is absolute; h.Size is ignored.
func (t *ChannelTable) Compress(h Header) (Header, error) {
	if h.Channel > MaxChannel {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "channel %d above %d", h.Channel, MaxChannel)
	}
	st := &t.channels[h.Channel]
	ts := h.Timestamp & 0xFFFFFF
	out := Header{
		Channel:  h.Channel,
		BodySize: h.BodySize,
		Type:     h.Type,
		StreamID: h.StreamID,
		Routing:  t.routing,
	}

	switch {
	case !st.valid || st.streamID != h.StreamID || ts < st.timestamp:
		out.Size = HeaderSize12
		out.Timestamp = ts
		*st = channelState{valid: true, bodySize: h.BodySize, msgType: h.Type, streamID: h.StreamID, timestamp: ts, delta: ts}
		return out, nil
	case st.bodySize != h.BodySize || st.msgType != h.Type:
		out.Size = HeaderSize8
	case ts-st.timestamp != st.delta:
		out.Size = HeaderSize4
	default:
		out.Size = HeaderSize1
	}

	delta := ts - st.timestamp
	out.Timestamp = delta
	st.bodySize = h.BodySize
	st.msgType = h.Type
	st.delta = delta
	st.timestamp = ts
	return out, nil
}

// Forget drops the remembered header of a channel.
func (t *ChannelTable) Forget(channel uint8) {
	if channel <= MaxChannel {
		t.channels[channel] = channelState{}
	}
}
