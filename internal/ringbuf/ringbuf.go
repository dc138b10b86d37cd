// Package ringbuf implements the bounded byte buffer that sits between a
// streaming transport and the text frame decoder. Writes beyond capacity
// evict the oldest bytes; consumers remove bytes from the front in place with
// Discard so the unconsumed tail is retained exactly.
package ringbuf

import "fmt"

// DefaultCapacity is the receive buffer size used by the text protocol.
const DefaultCapacity = 4096

// Buffer is a fixed-capacity FIFO of bytes. It is not safe for concurrent
// use; the poller goroutine owns it.
type Buffer struct {
	data  []byte
	start int
	size  int
	// evicted counts bytes overwritten because the buffer was full.
	evicted uint64
}

// New returns an empty buffer holding at most capacity bytes.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: capacity must be > 0, got %d", capacity)
	}
	return &Buffer{data: make([]byte, capacity)}, nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.size }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Evicted returns the total number of bytes dropped on overflow.
func (b *Buffer) Evicted() uint64 { return b.evicted }

// Write appends p, evicting the oldest bytes when capacity is exceeded.
// It always returns len(p), nil so Buffer satisfies io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	capacity := len(b.data)

	// Only the last capacity bytes of p can survive.
	if len(p) > capacity {
		drop := len(p) - capacity
		b.evicted += uint64(b.size + drop)
		p = p[drop:]
		b.start, b.size = 0, 0
	}

	if overflow := b.size + len(p) - capacity; overflow > 0 {
		b.discard(overflow)
		b.evicted += uint64(overflow)
	}

	end := (b.start + b.size) % capacity
	copied := copy(b.data[end:], p)
	if copied < len(p) {
		copy(b.data, p[copied:])
	}
	b.size += len(p)
	return n, nil
}

// Bytes returns a contiguous copy of the buffered bytes, oldest first.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.size)
	first := copy(out, b.data[b.start:min(b.start+b.size, len(b.data))])
	if first < b.size {
		copy(out[first:], b.data[:b.size-first])
	}
	return out
}

// Discard removes the n oldest bytes. Discarding more than Len empties the
// buffer.
func (b *Buffer) Discard(n int) {
	if n <= 0 {
		return
	}
	b.discard(min(n, b.size))
}

func (b *Buffer) discard(n int) {
	b.start = (b.start + n) % len(b.data)
	b.size -= n
	if b.size == 0 {
		b.start = 0
	}
}

// Reset empties the buffer without releasing its storage.
func (b *Buffer) Reset() {
	b.start, b.size = 0, 0
}
