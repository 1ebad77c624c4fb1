// This file pools Buffers used for network reads.
// Pooling keeps the reader goroutine allocation-free in steady state.

package buffer

import (
	"sync"
)

// DefaultReadSize is the capacity of pooled read buffers.
const DefaultReadSize = 4096

// maxPooledCap bounds which buffers return to the pool.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{
	New: func() interface{} {
		return New(DefaultReadSize)
	},
}

// Acquire returns an empty buffer from the pool.
// The caller must call Release when done, or hand ownership to a queue.
func Acquire() *Buffer {
	b := pool.Get().(*Buffer)
	b.Reset()
	return b
}

// Release returns a buffer to the pool.
// The buffer must not be used after release.
func Release(b *Buffer) {
	if b == nil {
		return
	}
	// Only pool buffers with reasonable capacity to avoid memory bloat
	if b.Cap() > maxPooledCap {
		return
	}
	b.Reset()
	pool.Put(b)
}
