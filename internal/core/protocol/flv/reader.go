// This file implements Reader, a random-access FLV tag reader for recorded files.
// It never holds more than one tag in memory.

package flv

import (
	"io"

	"github.com/pkg/errors"
)

// Reader reads tags from an FLV file through an io.ReaderAt.
type Reader struct {
	src    io.ReaderAt
	header *Header
	first  int64 // offset of the first tag header
	offset int64 // offset of the next tag header
}

// NewReader parses the file header and positions the reader at the first tag.
func NewReader(src io.ReaderAt) (*Reader, error) {
	b := make([]byte, FLVHeaderSize)
	if _, err := src.ReadAt(b, 0); err != nil {
		return nil, errors.Wrap(err, "read FLV header")
	}
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	first := int64(h.DataOffset) + PrevTagSizeLen
	return &Reader{src: src, header: h, first: first, offset: first}, nil
}

// Header returns the parsed file header.
func (r *Reader) Header() *Header {
	return r.header
}

// Offset returns the file offset of the next tag.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Rewind positions the reader at the first tag.
func (r *Reader) Rewind() {
	r.offset = r.first
}

// Next reads the tag at the current offset and advances past its PreviousTagSize.
// It returns io.EOF at a clean end of file and io.ErrUnexpectedEOF for a truncated tag.
func (r *Reader) Next() (*Tag, error) {
	hb := make([]byte, TagHeaderSize)
	n, err := r.src.ReadAt(hb, r.offset)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if n < TagHeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "tag header at %d", r.offset)
	}
	th, err := ParseTagHeader(hb)
	if err != nil {
		return nil, errors.Wrapf(err, "at offset %d", r.offset)
	}

	data := make([]byte, th.DataSize)
	if th.DataSize > 0 {
		n, err = r.src.ReadAt(data, r.offset+TagHeaderSize)
		if n < len(data) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrapf(err, "tag body at %d", r.offset)
		}
	}

	tag := &Tag{Type: th.Type, Timestamp: th.Timestamp, Data: data, Offset: r.offset}
	r.offset += TagHeaderSize + int64(th.DataSize) + PrevTagSizeLen
	return tag, nil
}

// Seek positions the reader so the next tag starts decoding at or before
// timestamp ms: the last video keyframe not later than ms, or for audio-only
// files the last tag not later than ms. It returns the timestamp of that tag.
// Script tags before the target are skipped.
func (r *Reader) Seek(ms uint32) (uint32, error) {
	r.Rewind()
	target := r.first
	targetTS := uint32(0)
	for {
		tag, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if tag.Timestamp > ms {
			break
		}
		if tag.Type == TagTypeScript {
			continue
		}
		if r.header.HasVideo && !(tag.Type == TagTypeVideo && IsVideoKeyframe(tag.Data)) {
			continue
		}
		target, targetTS = tag.Offset, tag.Timestamp
	}
	r.offset = target
	return targetTS, nil
}
