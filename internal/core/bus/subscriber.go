// This file implements Subscriber, a stream consumer with its own ring buffer
// and a wakeup signal for the goroutine that drains it.

package bus

import (
	"context"
)

// Subscriber receives messages from one stream.
// Each subscriber has its own ring buffer so a slow reader never blocks the publisher.
type Subscriber struct {
	id     uint64
	buffer *RingBuffer
	signal chan struct{}
}

// NewSubscriber creates a new subscriber with the specified buffer capacity and strategy.
func NewSubscriber(id uint64, capacity uint32, strategy BackpressureStrategy) *Subscriber {
	return &Subscriber{
		id:     id,
		buffer: NewRingBuffer(capacity, strategy),
		signal: make(chan struct{}, 1),
	}
}

// ID returns the unique subscriber identifier.
func (s *Subscriber) ID() uint64 {
	return s.id
}

// Buffer returns the subscriber's ring buffer.
func (s *Subscriber) Buffer() *RingBuffer {
	return s.buffer
}

// deliver writes msg and wakes the reader.
func (s *Subscriber) deliver(msg *MediaMessage) {
	if s.buffer.Write(msg) {
		s.Notify()
	}
}

// Notify wakes a pending Wait. A notification with no waiter is kept for the next Wait.
func (s *Subscriber) Notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until a message may be available or ctx is done.
func (s *Subscriber) Wait(ctx context.Context) error {
	if s.buffer.Len() > 0 {
		return nil
	}
	select {
	case <-s.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of messages dropped due to backpressure.
func (s *Subscriber) Dropped() uint64 {
	return s.buffer.Dropped()
}
