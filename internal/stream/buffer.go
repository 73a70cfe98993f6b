// Package stream turns a session's transcoder output into a chunked HTTP
// audio stream that a playback device can pull.
package stream

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrBufferClosed is returned when writing to a closed buffer.
	ErrBufferClosed = errors.New("stream buffer closed")

	// ErrReaderReplaced is returned to a reader that a newer Attach superseded.
	ErrReaderReplaced = errors.New("stream reader replaced by a newer connection")
)

// Stats is a snapshot of buffer counters.
type Stats struct {
	Buffered int    // bytes waiting to be read
	Written  uint64 // bytes accepted by Write
	Dropped  uint64 // bytes discarded on overflow
	Attached bool   // whether a reader is attached
}

// Buffer is a bounded byte ring with one producer and at most one consumer.
// Writes never block: when the ring is full the oldest bytes are dropped.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	start  int
	size   int
	closed bool
	reader uuid.UUID

	ready chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewBuffer creates a buffer holding at most capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		data:  make([]byte, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Write appends p, dropping the oldest buffered bytes if p does not fit.
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBufferClosed
	}

	capacity := len(b.data)
	var dropped int
	if len(p) > capacity {
		dropped += len(p) - capacity
		p = p[len(p)-capacity:]
	}
	if over := b.size + len(p) - capacity; over > 0 {
		b.start = (b.start + over) % capacity
		b.size -= over
		dropped += over
	}

	end := (b.start + b.size) % capacity
	copied := copy(b.data[end:], p)
	copy(b.data, p[copied:])
	b.size += len(p)
	b.mu.Unlock()

	b.written.Add(uint64(n))
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
	}
	b.notify()
	return n, nil
}

// Attach registers a new consumer. An existing reader is superseded and its
// next Read returns ErrReaderReplaced.
func (b *Buffer) Attach() *Reader {
	id := uuid.New()
	b.mu.Lock()
	b.reader = id
	b.mu.Unlock()
	b.notify()
	return &Reader{buf: b, id: id}
}

// Close marks the end of the stream. Buffered bytes stay readable; once they
// are drained the reader gets io.EOF. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notify()
	return nil
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Ready is signalled after every append, attach and close. It is a hint: a
// consumer must still Read to learn the actual state.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Stats returns the current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	buffered := b.size
	attached := b.reader != uuid.Nil
	b.mu.Unlock()
	return Stats{
		Buffered: buffered,
		Written:  b.written.Load(),
		Dropped:  b.dropped.Load(),
		Attached: attached,
	}
}

func (b *Buffer) notify() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Reader consumes bytes from a Buffer.
type Reader struct {
	buf *Buffer
	id  uuid.UUID
}

// Read copies at most len(p) available bytes. It returns 0, nil when nothing
// is buffered yet, io.EOF once the buffer is closed and drained, and
// ErrReaderReplaced after another Attach.
func (r *Reader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reader != r.id {
		return 0, ErrReaderReplaced
	}
	if b.size == 0 {
		if b.closed {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := min(len(p), b.size)
	capacity := len(b.data)
	first := copy(p[:n], b.data[b.start:min(b.start+n, capacity)])
	if first < n {
		copy(p[first:n], b.data[:n-first])
	}
	b.start = (b.start + n) % capacity
	b.size -= n
	return n, nil
}

// Detach releases the reader slot if this reader still holds it.
func (r *Reader) Detach() {
	b := r.buf
	b.mu.Lock()
	if b.reader == r.id {
		b.reader = uuid.Nil
	}
	b.mu.Unlock()
}
