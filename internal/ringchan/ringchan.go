// Package ringchan provides a bounded channel that never blocks producers: when the
// buffer is full the oldest element is discarded to make room for the newest.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded overwrite-oldest queue backed by a buffered channel.
//
// Producers call Send and never block. Consumers either range over C() or use
// Receive/TryReceive, which also update the Processed counter.
type RingChannel[T any] struct {
	ch        chan T
	closeOnce sync.Once
	metrics   Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Reads through C bypass the Processed counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send enqueues v, discarding the oldest buffered value when full.
// It reports whether a value was dropped. Send must not be called after Close.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	for {
		select {
		case rc.ch <- v:
			rc.metrics.Written.Add(1)
			return dropped
		default:
		}

		// Full: make room. A concurrent consumer may have emptied it already.
		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// TrySend enqueues v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.Written.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.Processed.Add(1)
	}
	return v, ok
}

// TryReceive returns the next value without blocking.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.Processed.Add(1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.closeOnce.Do(func() { close(rc.ch) })
}

// Stats returns a point-in-time copy of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     rc.metrics.Written.Load(),
		Overwritten: rc.metrics.Overwritten.Load(),
		Processed:   rc.metrics.Processed.Load(),
	}
}

// Metrics holds the live counters of a RingChannel.
type Metrics struct {
	Written     atomic.Int64
	Overwritten atomic.Int64
	Processed   atomic.Int64
}

// Stats is a snapshot of Metrics.
type Stats struct {
	Written     int64
	Overwritten int64
	Processed   int64
}
