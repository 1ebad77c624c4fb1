// This file implements the bounded ring buffer behind each subscriber.
// Positions run freely and are masked only when indexing, so readPos == writePos
// means empty in every wrap state.

package bus

import (
	"sync"
)

// BackpressureStrategy defines how the ring buffer handles overflow.
type BackpressureStrategy uint8

const (
	// BackpressureDropOldest drops the oldest message when buffer is full.
	BackpressureDropOldest BackpressureStrategy = iota
	// BackpressureDropNewest drops the newest message when buffer is full.
	BackpressureDropNewest
)

// RingBuffer is a bounded circular buffer of messages.
// The publisher writes and the subscriber reads from different goroutines,
// and DropOldest moves the read position from the writer side, so both ends
// take the same lock.
type RingBuffer struct {
	mu       sync.Mutex
	buffer   []*MediaMessage
	size     uint32
	mask     uint32
	writePos uint32
	readPos  uint32
	strategy BackpressureStrategy
	dropped  uint64
}

// NewRingBuffer creates a ring buffer. Capacity is rounded up to a power of 2.
func NewRingBuffer(capacity uint32, strategy BackpressureStrategy) *RingBuffer {
	actualSize := uint32(1)
	for actualSize < capacity {
		actualSize <<= 1
	}

	return &RingBuffer{
		buffer:   make([]*MediaMessage, actualSize),
		size:     actualSize,
		mask:     actualSize - 1,
		strategy: strategy,
	}
}

// Write stores msg. It returns false if msg was dropped (DropNewest on a full buffer).
func (rb *RingBuffer) Write(msg *MediaMessage) bool {
	if msg == nil {
		return false
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Unsigned subtraction works after uint32 wrap.
	if rb.writePos-rb.readPos >= rb.size {
		rb.dropped++
		if rb.strategy != BackpressureDropOldest {
			return false
		}
		rb.buffer[rb.readPos&rb.mask] = nil
		rb.readPos++
	}

	rb.buffer[rb.writePos&rb.mask] = msg
	rb.writePos++
	return true
}

// Read returns the oldest message, or false when empty.
func (rb *RingBuffer) Read() (*MediaMessage, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.readPos == rb.writePos {
		return nil, false
	}

	idx := rb.readPos & rb.mask
	msg := rb.buffer[idx]
	rb.buffer[idx] = nil
	rb.readPos++
	return msg, true
}

// Dropped returns the number of messages dropped due to backpressure.
func (rb *RingBuffer) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Len returns the number of unread messages.
func (rb *RingBuffer) Len() uint32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writePos - rb.readPos
}

// Available returns the number of free slots in the buffer.
func (rb *RingBuffer) Available() uint32 {
	return rb.size - rb.Len()
}
