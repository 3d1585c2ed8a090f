// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queue implements the lock-free bounded MPMC queue used to move
// jobs, free fiber indices, free counter indices, and waiting-fiber records
// between the goroutines that make up a job system.
package queue

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// pad is cache line padding to prevent false sharing between the producer
// and consumer cursors.
type pad [64]byte

// padShort trails each slot so that the 8-byte sequence fields of
// neighbouring slots sit at least one cache line apart.
type padShort [64 - 8]byte

// MPMC is a CAS-based, bounded, multi-producer multi-consumer queue.
//
// Each slot carries its own sequence number, which gives full ABA safety
// and lets MPMC work with any T, including zero values. Capacity must be an
// exact power of two: unlike a general-purpose library, a job system has no
// sensible behavior for "round my queue size up for me" — a caller that
// hands in a non-power-of-two length made a sizing mistake and should find
// out immediately, not silently get a bigger queue than it asked for.
//
// Memory: capacity slots, no auxiliary freelist.
type MPMC[T any] struct {
	_        pad
	tail     atomix.Uint64 // next slot a producer will claim
	_        pad
	head     atomix.Uint64 // next slot a consumer will claim
	_        pad
	buffer   []mpmcSlot[T]
	mask     uint64
	capacity uint64
}

type mpmcSlot[T any] struct {
	seq  atomix.Uint64
	data T
	_    padShort
}

// isPow2 reports whether n is an exact power of two.
func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NewMPMC creates a bounded MPMC queue of the given capacity.
//
// Panics if capacity is not a power of two, or is less than 2. Sizing a
// queue is a one-time decision made at job-system startup; getting it wrong
// is a programming error, not something to paper over.
func NewMPMC[T any](capacity int) *MPMC[T] {
	if capacity < 2 || !isPow2(capacity) {
		panic("queue: capacity must be a power of two >= 2")
	}

	n := uint64(capacity)
	q := &MPMC[T]{
		buffer:   make([]mpmcSlot[T], n),
		mask:     n - 1,
		capacity: n,
	}
	for i := uint64(0); i < n; i++ {
		q.buffer[i].seq.StoreRelaxed(i)
	}
	return q
}

// TryPush adds elem to the queue without blocking.
// Returns ErrWouldBlock if the queue is full.
func (q *MPMC[T]) TryPush(elem T) error {
	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		slot := &q.buffer[tail&q.mask]
		seq := slot.seq.LoadAcquire()
		diff := int64(seq) - int64(tail)

		switch {
		case diff == 0:
			if q.tail.CompareAndSwapAcqRel(tail, tail+1) {
				slot.data = elem
				slot.seq.StoreRelease(tail + 1)
				return nil
			}
		case diff < 0:
			return ErrWouldBlock
		}
		sw.Once()
	}
}

// TryPop removes and returns an element from the queue without blocking.
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
func (q *MPMC[T]) TryPop() (T, error) {
	sw := spin.Wait{}
	for {
		head := q.head.LoadAcquire()
		slot := &q.buffer[head&q.mask]
		seq := slot.seq.LoadAcquire()
		diff := int64(seq) - int64(head+1)

		switch {
		case diff == 0:
			if q.head.CompareAndSwapAcqRel(head, head+1) {
				elem := slot.data
				var zero T
				slot.data = zero
				slot.seq.StoreRelease(head + q.capacity)
				return elem, nil
			}
		case diff < 0:
			var zero T
			return zero, ErrWouldBlock
		}
		sw.Once()
	}
}

// Cap returns the queue capacity.
func (q *MPMC[T]) Cap() int {
	return int(q.capacity)
}

// Push spins until elem can be enqueued. Used at call sites that need the
// "block until there's room" behavior a bounded free-list provides —
// the queue itself stays non-blocking; the spin lives here, at the call
// site, exactly as it does in a hand-written C retry loop.
func (q *MPMC[T]) Push(elem T) {
	sw := spin.Wait{}
	for {
		if err := q.TryPush(elem); err == nil {
			return
		}
		sw.Once()
	}
}

// Pop spins until an element is available.
func (q *MPMC[T]) Pop() T {
	sw := spin.Wait{}
	for {
		v, err := q.TryPop()
		if err == nil {
			return v
		}
		sw.Once()
	}
}
