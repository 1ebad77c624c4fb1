// This file implements Buffer, the growable byte container every protocol layer builds on.
// A Buffer tracks its used size separately from its capacity and carries a read cursor.

package buffer

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrOutOfBounds is returned when a read or seek would pass the used size.
var ErrOutOfBounds = errors.New("buffer: read past end of data")

// Buffer is an explicitly sized byte container with a read cursor.
// Invariant: Cap() >= Len() and 0 <= cursor <= Len().
// A Buffer is owned by one goroutine at a time; queues transfer ownership on push/pop.
type Buffer struct {
	data   []byte
	cursor int
}

// New returns an empty buffer with at least size bytes of capacity.
func New(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	return &Buffer{data: make([]byte, 0, size)}
}

// From returns a buffer holding a private copy of b.
func From(b []byte) *Buffer {
	buf := New(len(b))
	buf.data = append(buf.data, b...)
	return buf
}

// Len returns the number of used bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the allocated capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Bytes returns the used bytes. The slice aliases the buffer storage.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reserve grows capacity to at least n bytes. Capacity never shrinks.
// Growth doubles the current capacity but never lands below n.
func (b *Buffer) Reserve(n int) {
	if n <= cap(b.data) {
		return
	}
	next := cap(b.data) * 2
	if next < n {
		next = n
	}
	grown := make([]byte, len(b.data), next)
	copy(grown, b.data)
	b.data = grown
}

// Copy replaces the contents with p and rewinds the cursor.
func (b *Buffer) Copy(p []byte) {
	b.Reserve(len(p))
	b.data = b.data[:len(p)]
	copy(b.data, p)
	b.cursor = 0
}

// Append grows the buffer as needed and concatenates p.
func (b *Buffer) Append(p []byte) {
	b.Reserve(len(b.data) + len(p))
	b.data = append(b.data, p...)
}

// Write implements io.Writer on top of Append.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.Reserve(len(b.data) + 1)
	b.data = append(b.data, c)
}

// AppendUint16 appends v big-endian.
func (b *Buffer) AppendUint16(v uint16) {
	b.Reserve(len(b.data) + 2)
	b.data = binary.BigEndian.AppendUint16(b.data, v)
}

// AppendUint24 appends the low 24 bits of v big-endian.
func (b *Buffer) AppendUint24(v uint32) {
	b.Append([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
}

// AppendUint32 appends v big-endian.
func (b *Buffer) AppendUint32(v uint32) {
	b.Reserve(len(b.data) + 4)
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

// AppendFloat64 appends v as an IEEE-754 big-endian double.
func (b *Buffer) AppendFloat64(v float64) {
	b.Reserve(len(b.data) + 8)
	b.data = binary.BigEndian.AppendUint64(b.data, math.Float64bits(v))
}

// RemoveByte deletes every occurrence of c. The cursor is clamped to the new size.
func (b *Buffer) RemoveByte(c byte) {
	out := b.data[:0]
	for _, x := range b.data {
		if x != c {
			out = append(out, x)
		}
	}
	b.data = out
	b.clampCursor()
}

// RemoveRange deletes bytes in [start, end).
func (b *Buffer) RemoveRange(start, end int) error {
	if start < 0 || end > len(b.data) || start > end {
		return errors.Wrapf(ErrOutOfBounds, "remove [%d,%d) of %d", start, end, len(b.data))
	}
	b.data = append(b.data[:start], b.data[end:]...)
	b.clampCursor()
	return nil
}

// Equal reports whether both buffers hold the same used bytes.
func (b *Buffer) Equal(o *Buffer) bool {
	if o == nil {
		return false
	}
	return bytes.Equal(b.data, o.data)
}

// Reset empties the buffer and keeps its capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.cursor = 0
}

// Position returns the read cursor.
func (b *Buffer) Position() int {
	return b.cursor
}

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.cursor
}

// Seek moves the read cursor to an absolute offset.
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > len(b.data) {
		return errors.Wrapf(ErrOutOfBounds, "seek to %d of %d", offset, len(b.data))
	}
	b.cursor = offset
	return nil
}

// Next returns the next n unread bytes and advances the cursor.
// The slice aliases the buffer storage.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || n > b.Remaining() {
		return nil, errors.Wrapf(ErrOutOfBounds, "need %d bytes at %d, have %d", n, b.cursor, b.Remaining())
	}
	p := b.data[b.cursor : b.cursor+n]
	b.cursor += n
	return p, nil
}

// ReadByte reads one byte.
func (b *Buffer) ReadByte() (byte, error) {
	p, err := b.Next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// PeekByte returns the next byte without consuming it.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Remaining() < 1 {
		return 0, errors.Wrapf(ErrOutOfBounds, "peek at %d", b.cursor)
	}
	return b.data[b.cursor], nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// ReadUint24 reads a big-endian 24-bit value.
func (b *Buffer) ReadUint24() (uint32, error) {
	p, err := b.Next(3)
	if err != nil {
		return 0, err
	}
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]), nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadFloat64 reads an IEEE-754 big-endian double.
func (b *Buffer) ReadFloat64() (float64, error) {
	p, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

func (b *Buffer) clampCursor() {
	if b.cursor > len(b.data) {
		b.cursor = len(b.data)
	}
}
