// This file implements FLV tag encoding and tag header parsing.

package flv

import (
	"encoding/binary"

	"github.com/pkg/errors"
	gflv "github.com/yapingcat/gomedia/go-flv"
)

// Tag represents an FLV tag (audio, video, or script).
type Tag struct {
	Type      byte
	Timestamp uint32
	Data      []byte
	Offset    int64 // file offset of the tag header, set by Reader
}

// Bytes encodes the tag followed by its PreviousTagSize.
func (t *Tag) Bytes() []byte {
	result := make([]byte, TagHeaderSize+len(t.Data)+PrevTagSizeLen)
	result[0] = t.Type
	gflv.PutUint24(result[1:4], uint32(len(t.Data)))
	gflv.PutUint24(result[4:7], t.Timestamp&0xFFFFFF)
	result[7] = byte(t.Timestamp >> 24) // TimestampExtended
	// result[8:11] stream id, always 0
	copy(result[TagHeaderSize:], t.Data)
	binary.BigEndian.PutUint32(result[TagHeaderSize+len(t.Data):], uint32(TagHeaderSize+len(t.Data)))
	return result
}

// NewTag creates a new FLV tag from type, timestamp, and data.
func NewTag(tagType byte, timestamp uint32, data []byte) *Tag {
	return &Tag{
		Type:      tagType,
		Timestamp: timestamp,
		Data:      data,
	}
}

// TagHeader is a decoded 11-byte tag header.
type TagHeader struct {
	Type      byte
	DataSize  uint32
	Timestamp uint32
}

// ParseTagHeader decodes a tag header. The filter and reserved bits of the type byte are ignored.
func ParseTagHeader(b []byte) (TagHeader, error) {
	if len(b) < TagHeaderSize {
		return TagHeader{}, errors.Wrapf(ErrMalformed, "tag header is %d bytes", len(b))
	}
	h := TagHeader{
		Type:      b[0] & 0x1F,
		DataSize:  gflv.GetUint24(b[1:4]),
		Timestamp: gflv.GetUint24(b[4:7]) | uint32(b[7])<<24,
	}
	switch h.Type {
	case TagTypeAudio, TagTypeVideo, TagTypeScript:
	default:
		return TagHeader{}, errors.Wrapf(ErrMalformed, "tag type %d", h.Type)
	}
	return h, nil
}
