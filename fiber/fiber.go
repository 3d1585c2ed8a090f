// MIT License
//
// Copyright (c) 2022-2023 Jonah Goldsmith
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package fiber provides the execution-context primitives the job system
// schedules: a stack-size classification for pooled fibers, and a wake-up
// semaphore used to wake idle workers, standing in for the engine's
// sl_os_thread_api semaphore and fiber-conversion calls.
//
// A goroutine already is a stackful coroutine that can block deep in a call
// stack and resume exactly where it left off; the job system leans on that
// directly rather than hand-rolling ucontext-style fiber switching. What
// still needs modeling explicitly is the bounded pool of fiber "slots" a
// blocked job borrows while parked — see queue.MPMC in the job package.
package fiber

// StackSize classifies a fiber's stack budget. Go goroutines grow their
// stacks on demand, so this doesn't size a real stack; it selects which
// bounded pool a parked job draws a slot from, matching the engine's
// separate normal/extended fiber pools.
type StackSize int

const (
	Normal StackSize = iota
	Extended
)

func (s StackSize) String() string {
	if s == Extended {
		return "extended"
	}
	return "normal"
}

// Semaphore is a wake-up semaphore used to wake a specific idle worker,
// standing in for sl_os_semaphore + init_semaphore/add_semaphore_count/
// wait_semaphore. NewSemaphore may seed it with several units, but Add never
// raises the pending count above one.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	s := &Semaphore{ch: make(chan struct{}, 1<<20)}
	for i := 0; i < initial; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Add signals the semaphore. A unit is only deposited while none is pending,
// so signals that arrive before a Wait consumes the pending one coalesce into
// a single unit, as with a binary semaphore.
func (s *Semaphore) Add(value int) {
	for i := 0; i < value; i++ {
		if len(s.ch) > 0 {
			return
		}
		select {
		case s.ch <- struct{}{}:
		default:
			// Already saturated; a pending signal is enough to wake one
			// waiter, which is all add_semaphore_count(1) guarantees.
		}
	}
}

// Wait blocks until the semaphore has a positive count, consuming one unit.
func (s *Semaphore) Wait() {
	<-s.ch
}

// TryWait consumes one unit without blocking. Returns false if none were
// available.
func (s *Semaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
