// This file defines MediaMessage, the unit of media flowing through the bus.
// Messages are immutable once published and shared by every subscriber.

package bus

import (
	flv "github.com/yapingcat/gomedia/go-flv"
)

// MessageType represents the type of media message.
type MessageType uint8

const (
	MessageTypeAudio MessageType = iota
	MessageTypeVideo
	// MessageTypeMetadata carries an AMF0 @setDataFrame/onMetaData body.
	MessageTypeMetadata
)

// MediaMessage is one audio frame, video frame or metadata body.
// Subscribers receive the same pointer and must not modify it.
type MediaMessage struct {
	Type      MessageType
	Timestamp uint32 // milliseconds, 24-bit RTMP clock
	Payload   []byte // FLV tag body
}

// NewMessage copies payload into a new message.
func NewMessage(typ MessageType, timestamp uint32, payload []byte) *MediaMessage {
	body := make([]byte, len(payload))
	copy(body, payload)
	return &MediaMessage{Type: typ, Timestamp: timestamp, Payload: body}
}

// IsKeyframe reports whether a video payload starts a keyframe.
// The upper nibble of the first byte is the FLV frame type.
func (m *MediaMessage) IsKeyframe() bool {
	return m.Type == MessageTypeVideo && len(m.Payload) >= 1 &&
		flv.FLV_VIDEO_FRAME_TYPE(m.Payload[0]>>4) == flv.KEY_FRAME
}

// IsSequenceHeader reports whether the payload is an AVC/HEVC decoder
// configuration record or an AAC AudioSpecificConfig. Decoders need these
// before any frame, so streams replay them to late subscribers.
func (m *MediaMessage) IsSequenceHeader() bool {
	if len(m.Payload) < 2 {
		return false
	}
	switch m.Type {
	case MessageTypeVideo:
		codec := flv.FLV_VIDEO_CODEC_ID(m.Payload[0] & 0x0F)
		return (codec == flv.FLV_AVC || codec == flv.FLV_HEVC) && m.Payload[1] == flv.AVC_SEQUENCE_HEADER
	case MessageTypeAudio:
		return flv.FLV_SOUND_FORMAT(m.Payload[0]>>4) == flv.FLV_AAC && m.Payload[1] == flv.AAC_SEQUENCE_HEADER
	}
	return false
}

// String returns a human-readable representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypeAudio:
		return "audio"
	case MessageTypeVideo:
		return "video"
	case MessageTypeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}
