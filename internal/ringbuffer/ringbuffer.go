// Package ringbuffer implements a lock-free single-producer/single-consumer
// ring buffer of interleaved float32 PCM samples (spec.md §3, §5): one
// writer and one reader, neither of which ever takes a lock on the hot path.
// In this engine both roles run on the mixer's block-loop goroutine: the
// mixer's ingestChunks writes each chunk it receives from the decoder pool's
// channel, and mixBlock reads it back; decoder workers never write to a ring
// directly.
//
// The shape follows the teacher's per-sender jitter buffer
// (rustyguts-bken/client/internal/jitter) in spirit — a fixed power-of-two
// ring indexed by a monotonically increasing cursor — but trades its
// sequence-number reordering (needed for out-of-order network packets) for
// atomic head/tail indices (needed for safe cross-goroutine access without a
// mutex), since a decode job never reorders: it only ever appends.
package ringbuffer

import "sync/atomic"

// Buffer is a fixed-capacity circular buffer of float32 samples.
// Capacity is rounded up to the next power of two. Safe for exactly one
// writer goroutine and one reader goroutine used concurrently; anything
// else requires external synchronization.
type Buffer struct {
	data []float32
	mask uint64

	head atomic.Uint64 // next index to write (producer-owned)
	tail atomic.Uint64 // next index to read (consumer-owned)
}

// New creates a Buffer whose capacity is the next power of two ≥ capacity.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	n := nextPowerOfTwo(capacity)
	return &Buffer{
		data: make([]float32, n),
		mask: uint64(n - 1),
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the buffer's total sample capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of samples currently available to read. Safe to
// call from the reader (authoritative) or the writer (a lower bound, since
// the reader may be advancing tail concurrently).
func (b *Buffer) Len() int {
	return int(b.head.Load() - b.tail.Load())
}

// Free returns the number of samples that can currently be written.
func (b *Buffer) Free() int {
	return len(b.data) - b.Len()
}

// Write appends as many samples from src as fit and returns the count
// written. Never blocks; samples beyond Free are not written. The mixer's
// ingestChunks does not check the returned count, so any excess is dropped.
func (b *Buffer) Write(src []float32) int {
	free := b.Free()
	n := len(src)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	head := b.head.Load()
	for i := 0; i < n; i++ {
		b.data[(head+uint64(i))&b.mask] = src[i]
	}
	b.head.Store(head + uint64(n))
	return n
}

// Read copies up to len(dst) samples into dst and returns the count read.
// Never blocks; the caller (mixer block loop) must fill any shortfall with
// silence itself (spec.md §4.3 step 2).
func (b *Buffer) Read(dst []float32) int {
	avail := b.Len()
	n := len(dst)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	tail := b.tail.Load()
	for i := 0; i < n; i++ {
		dst[i] = b.data[(tail+uint64(i))&b.mask]
	}
	b.tail.Store(tail + uint64(n))
	return n
}

// Reset drops all buffered samples. Only safe to call when the writer is
// quiescent (e.g. between a decoder job's termination and its slot being
// reused for a new cue).
func (b *Buffer) Reset() {
	b.tail.Store(b.head.Load())
}
