// This file implements the FLV file header.

package flv

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformed is returned for FLV data that cannot be parsed.
var ErrMalformed = errors.New("malformed FLV data")

// Header represents an FLV file header.
type Header struct {
	HasAudio   bool
	HasVideo   bool
	DataOffset uint32 // offset of the first PreviousTagSize field
}

// Bytes returns the FLV header as a byte slice.
func (h *Header) Bytes() []byte {
	header := make([]byte, FLVHeaderSize)
	copy(header[0:3], FLVSignature)
	header[3] = FLVVersion

	flags := byte(0)
	if h.HasAudio {
		flags |= 0x04
	}
	if h.HasVideo {
		flags |= 0x01
	}
	header[4] = flags

	offset := h.DataOffset
	if offset == 0 {
		offset = FLVHeaderSize
	}
	binary.BigEndian.PutUint32(header[5:9], offset)
	return header
}

// NewHeader creates a new FLV header with specified audio/video flags.
func NewHeader(hasAudio, hasVideo bool) *Header {
	return &Header{
		HasAudio:   hasAudio,
		HasVideo:   hasVideo,
		DataOffset: FLVHeaderSize,
	}
}

// ParseHeader decodes the 9-byte file header.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < FLVHeaderSize {
		return nil, errors.Wrapf(ErrMalformed, "header is %d bytes", len(b))
	}
	if string(b[0:3]) != FLVSignature {
		return nil, errors.Wrapf(ErrMalformed, "signature %q", b[0:3])
	}
	h := &Header{
		HasAudio:   b[4]&0x04 != 0,
		HasVideo:   b[4]&0x01 != 0,
		DataOffset: binary.BigEndian.Uint32(b[5:9]),
	}
	if h.DataOffset < FLVHeaderSize {
		return nil, errors.Wrapf(ErrMalformed, "data offset %d", h.DataOffset)
	}
	return h, nil
}
