package sshmanager

import (
	"sync"
	"time"
)

// DefaultOutputBufferSize caps the retained output of an interactive session.
const DefaultOutputBufferSize = 100 * 1024

// OutputBuffer is a byte buffer with a fixed cap. When a write pushes it past
// the cap, the oldest bytes are dropped until half the cap remains. Readers
// can wait for new data through Changed.
type OutputBuffer struct {
	mu        sync.Mutex
	data      []byte
	maxLen    int
	total     int64 // bytes ever written, including trimmed ones
	lastWrite time.Time
	closed    bool
	changed   chan struct{} // closed and replaced on every write
}

// NewOutputBuffer creates a buffer holding at most maxLen bytes.
// If maxLen <= 0, DefaultOutputBufferSize is used.
func NewOutputBuffer(maxLen int) *OutputBuffer {
	if maxLen <= 0 {
		maxLen = DefaultOutputBufferSize
	}
	return &OutputBuffer{
		maxLen:  maxLen,
		changed: make(chan struct{}),
	}
}

// Write appends p, trimming from the front when the cap is exceeded.
func (b *OutputBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.data = append(b.data, p...)
	b.total += int64(len(p))
	b.lastWrite = time.Now()
	if len(b.data) > b.maxLen {
		keep := b.maxLen / 2
		trimmed := make([]byte, keep)
		copy(trimmed, b.data[len(b.data)-keep:])
		b.data = trimmed
	}
	b.signal()
}

// Close marks the buffer as finished and wakes any waiting readers.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.signal()
}

// must hold b.mu
func (b *OutputBuffer) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Snapshot returns a copy of the retained bytes.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Since returns the retained bytes written after the absolute offset, and
// the offset to pass next time. Bytes already trimmed are skipped.
func (b *OutputBuffer) Since(offset int64) ([]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.total - int64(len(b.data))
	if offset < start {
		offset = start
	}
	if offset >= b.total {
		return nil, b.total
	}
	chunk := b.data[offset-start:]
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, b.total
}

// Changed returns a channel that is closed on the next write or Close.
func (b *OutputBuffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Cap returns the configured cap.
func (b *OutputBuffer) Cap() int { return b.maxLen }

// Total returns the number of bytes ever written.
func (b *OutputBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// LastWrite returns the time of the most recent write.
func (b *OutputBuffer) LastWrite() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWrite
}

// IsClosed reports whether Close has been called.
func (b *OutputBuffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// pendingQueue receives remote output from the ssh library's copy goroutines
// until a collector takes it. Writes after close are discarded.
type pendingQueue struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (q *pendingQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.data = append(q.data, p...)
	}
	return len(p), nil
}

func (q *pendingQueue) take() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.data
	q.data = nil
	return out
}

func (q *pendingQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.data = nil
}
