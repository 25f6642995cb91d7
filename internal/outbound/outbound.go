// Package outbound implements the bounded per-session send queue that
// decouples message producers (the session reader, NATS deliveries) from the
// socket writer.
package outbound

import "sync"

// Buffer is a bounded, multi-producer/single-consumer FIFO of pre-encoded
// frames. When full, Enqueue drops the newest frame rather than blocking the
// producer — mirrors the teacher's Client.send non-blocking select/default.
type Buffer struct {
	mu       sync.Mutex
	ch       chan []byte
	closed   bool
	overflow func()
}

// New creates a Buffer with the given capacity. onOverflow, if non-nil, is
// invoked (without blocking) every time Enqueue drops a frame.
func New(capacity int, onOverflow func()) *Buffer {
	return &Buffer{
		ch:       make(chan []byte, capacity),
		overflow: onOverflow,
	}
}

// Enqueue attempts to add data to the buffer. It returns false if the buffer
// is closed or full (in the full case the frame is dropped, not queued).
func (b *Buffer) Enqueue(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	select {
	case b.ch <- data:
		return true
	default:
		if b.overflow != nil {
			b.overflow()
		}
		return false
	}
}

// C exposes the receive side for the writer task to range/select over.
func (b *Buffer) C() <-chan []byte {
	return b.ch
}

// Close closes the buffer. Calls after the first are no-ops; the writer task
// must stop reading once it observes the channel closed.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
