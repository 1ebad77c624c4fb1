// This file contains unit tests for the ring buffer.

package bus

import (
	"sync"
	"testing"
)

func msgAt(ts uint32) *MediaMessage {
	return &MediaMessage{Type: MessageTypeVideo, Timestamp: ts}
}

func TestRingBufferWriteRead(t *testing.T) {
	rb := NewRingBuffer(8, BackpressureDropOldest)

	msg := msgAt(0)
	if !rb.Write(msg) {
		t.Error("Write should succeed on empty buffer")
	}

	read, ok := rb.Read()
	if !ok {
		t.Error("Read should succeed after write")
	}
	if read != msg {
		t.Error("Read should return same message")
	}

	if _, ok = rb.Read(); ok {
		t.Error("Read should fail on empty buffer")
	}
}

func TestRingBufferRoundsCapacity(t *testing.T) {
	rb := NewRingBuffer(5, BackpressureDropOldest)
	if rb.Available() != 8 {
		t.Errorf("Expected 8 available, got %d", rb.Available())
	}
}

func TestRingBufferDropOldest(t *testing.T) {
	rb := NewRingBuffer(4, BackpressureDropOldest)

	for i := 0; i < 4; i++ {
		if !rb.Write(msgAt(uint32(i))) {
			t.Errorf("Write %d should succeed", i)
		}
	}
	if rb.Available() != 0 {
		t.Errorf("Expected 0 available, got %d", rb.Available())
	}

	if !rb.Write(msgAt(4)) {
		t.Error("Write should succeed (dropping oldest)")
	}
	if rb.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", rb.Dropped())
	}

	// 0 was dropped; 1..4 remain in order
	for want := uint32(1); want <= 4; want++ {
		msg, ok := rb.Read()
		if !ok || msg.Timestamp != want {
			t.Fatalf("Expected timestamp %d, got %v", want, msg)
		}
	}
}

func TestRingBufferDropNewest(t *testing.T) {
	rb := NewRingBuffer(4, BackpressureDropNewest)

	for i := 0; i < 4; i++ {
		rb.Write(msgAt(uint32(i)))
	}

	if rb.Write(msgAt(99)) {
		t.Error("Write should return false with drop newest when buffer is full")
	}
	if rb.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", rb.Dropped())
	}

	msg, _ := rb.Read()
	if msg.Timestamp != 0 {
		t.Errorf("Expected oldest message kept, got timestamp %d", msg.Timestamp)
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(4, BackpressureDropOldest)

	// 12 messages through a size-4 buffer
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			if !rb.Write(msgAt(uint32(round*100 + i))) {
				t.Fatalf("Round %d write %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			msg, ok := rb.Read()
			if !ok {
				t.Fatalf("Round %d read %d: buffer unexpectedly empty", round, i)
			}
			expected := uint32(round*100 + i)
			if msg.Timestamp != expected {
				t.Fatalf("Round %d read %d: expected ts %d, got %d", round, i, expected, msg.Timestamp)
			}
		}
		if _, ok := rb.Read(); ok {
			t.Fatalf("Round %d: buffer should be empty after draining", round)
		}
	}
}

func TestRingBufferConcurrentWriterReader(t *testing.T) {
	rb := NewRingBuffer(64, BackpressureDropNewest)
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			for !rb.Write(msgAt(uint32(i))) {
			}
		}
	}()

	next := uint32(0)
	for next < total {
		msg, ok := rb.Read()
		if !ok {
			continue
		}
		if msg.Timestamp != next {
			t.Fatalf("Expected timestamp %d, got %d", next, msg.Timestamp)
		}
		next++
	}
	wg.Wait()
}
