// This file implements CQue, the buffer FIFO that moves bytes between a
// connection's network units and its protocol logic.
// Queue mutation and wait/notify are guarded separately.

package cque

import (
	"context"
	"sync"

	"rtmpd/internal/core/buffer"

	"github.com/pkg/errors"
)

// ErrRange is returned by Remove and Merge for indexes outside the queue.
var ErrRange = errors.New("queue index out of range")

// CQue is a FIFO of buffers shared by producers and one consumer.
// Push transfers ownership of the buffer to the queue; Pop transfers it back out.
type CQue struct {
	name  string
	mu    sync.Mutex
	items []*buffer.Buffer

	// signal holds at most one pending wakeup, so a Notify that happens
	// before Wait is not lost.
	signal chan struct{}
}

// New creates an empty queue. The name is used in log fields only.
func New(name string) *CQue {
	return &CQue{
		name:   name,
		items:  make([]*buffer.Buffer, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *CQue) Name() string {
	return q.name
}

// Push appends b at the tail and returns the new length.
// It does not notify; callers push a batch and then Notify once.
func (q *CQue) Push(b *buffer.Buffer) int {
	q.mu.Lock()
	q.items = append(q.items, b)
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// Pop removes and returns the head, or nil when empty.
func (q *CQue) Pop() *buffer.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b
}

// Peek returns the head without removing it, or nil when empty.
func (q *CQue) Peek() *buffer.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Snapshot returns the first n queued buffers without removing them.
// n is clamped to the queue length.
func (q *CQue) Snapshot(n int) []*buffer.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) || n < 0 {
		n = len(q.items)
	}
	out := make([]*buffer.Buffer, n)
	copy(out, q.items[:n])
	return out
}

// Len returns the number of queued buffers.
func (q *CQue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued buffer.
func (q *CQue) Clear() {
	q.mu.Lock()
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	q.mu.Unlock()
}

// Wait blocks until Notify is called or ctx is done.
// A Notify issued while nobody waits is remembered for the next Wait.
func (q *CQue) Wait(ctx context.Context) error {
	select {
	case <-q.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes one waiter.
func (q *CQue) Notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Remove drops items [start, end).
func (q *CQue) Remove(start, end int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if start < 0 || end > len(q.items) || start > end {
		return errors.Wrapf(ErrRange, "remove [%d,%d) from %d items", start, end, len(q.items))
	}
	n := copy(q.items[start:], q.items[end:])
	for i := start + n; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:start+n]
	return nil
}

// Merge joins the unread bytes of the buffers from index from to the tail into
// one buffer that takes their place. It returns the merged buffer, or nil if the
// queue is empty.
func (q *CQue) Merge(from int) (*buffer.Buffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	if from < 0 || from >= len(q.items) {
		return nil, errors.Wrapf(ErrRange, "merge from %d of %d items", from, len(q.items))
	}
	if from == len(q.items)-1 {
		return q.items[from], nil
	}

	total := 0
	for _, b := range q.items[from:] {
		total += b.Remaining()
	}
	merged := buffer.New(total)
	for i, b := range q.items[from:] {
		merged.Append(b.Bytes()[b.Position():])
		buffer.Release(b)
		q.items[from+i] = nil
	}
	q.items = append(q.items[:from], merged)
	return merged, nil
}
