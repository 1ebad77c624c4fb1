// This file defines FLV file constants and tag types.

package flv

import (
	gflv "github.com/yapingcat/gomedia/go-flv"
)

// FLV file signature
const FLVSignature = "FLV"

// FLV version
const FLVVersion = 1

// FLVHeaderSize is the size of the file header that precedes the first PreviousTagSize.
const FLVHeaderSize = 9

// TagHeaderSize is the size of a tag header: type, size, timestamp, stream id.
const TagHeaderSize = 11

// PrevTagSizeLen is the size of the back pointer that follows every tag.
const PrevTagSizeLen = 4

// Tag types share their values with the RTMP message types that carry them.
const (
	TagTypeAudio  = byte(gflv.AUDIO_TAG)
	TagTypeVideo  = byte(gflv.VIDEO_TAG)
	TagTypeScript = byte(gflv.SCRIPT_TAG)
)

// IsVideoKeyframe returns true if the FLV video payload represents a keyframe.
// byte[0] upper nibble = frame type (1=keyframe).
func IsVideoKeyframe(payload []byte) bool {
	return len(payload) >= 1 && gflv.FLV_VIDEO_FRAME_TYPE(payload[0]>>4) == gflv.KEY_FRAME
}
