package domain

import "sync"

// ReplySink is the caller-owned sink for a single request's Chunks. It
// wraps a bounded channel: Send never blocks the worker indefinitely on a
// slow or absent consumer beyond the channel's capacity, and a closed sink
// is the cooperative cancellation signal the token generator polls
// between decoded tokens.
//
// Only the owning worker goroutine calls Send; only the caller goroutine
// calls Recv/Close. This single-producer/single-consumer discipline is
// why a plain buffered channel is sufficient here even though §6 describes
// the contract in MPMC terms — true multi-producer use is never exercised
// by this core.
type ReplySink struct {
	ch     chan Chunk
	once   sync.Once
	closed chan struct{}
}

// NewReplySink creates a sink with the given channel capacity (the
// caller's buffer for backpressure).
func NewReplySink(capacity int) *ReplySink {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplySink{
		ch:     make(chan Chunk, capacity),
		closed: make(chan struct{}),
	}
}

// Send delivers a chunk to the caller. It returns false if the sink has
// been closed (cancellation) and the chunk was not delivered.
func (s *ReplySink) Send(c Chunk) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- c:
		return true
	case <-s.closed:
		return false
	}
}

// Recv returns the channel the caller reads chunks from.
func (s *ReplySink) Recv() <-chan Chunk {
	return s.ch
}

// Cancelled reports whether the caller has closed the sink.
func (s *ReplySink) Cancelled() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close signals cancellation to the producer side. Safe to call multiple
// times and from multiple goroutines.
func (s *ReplySink) Close() {
	s.once.Do(func() { close(s.closed) })
}
