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

// Package alloc implements the engine's single realloc-style allocator
// contract: allocate, free, and resize are all one operation, and every
// call is reported to a memtrack.Tracker so live bytes can be attributed
// back to a call site.
//
// Go's runtime already owns real object lifetime, so System here does not
// manage raw memory the way the original C allocator does; its job is
// accounting. Blocks are ordinary byte slices, and CreateChild/DestroyChild
// still give call sites their own tracked sub-context, the same nesting the
// original uses for per-subsystem leak scoping.
package alloc

import (
	"runtime"
	"sync/atomic"

	"github.com/jonahgoldsmith/starlight-go/memtrack"
)

// minAlignment mirrors MIN_ALLOC_ALIGNMENT; Go's allocator already aligns
// slices suitably, so this is tracked for parity rather than enforced.
const minAlignment = 16

// CallSite identifies where a (re)allocation happened, standing in for the
// original's __FUNCTION__/__FILE__/__LINE__ macro expansion.
type CallSite struct {
	Func string
	File string
	Line uint32
}

// CallerSite captures the call site skip frames above its caller (skip=0
// means the function calling CallerSite, skip=1 that function's caller).
func CallerSite(skip int) CallSite {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{Func: "unknown"}
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return CallSite{Func: name, File: file, Line: uint32(line)}
}

// Block is a tracked allocation. id is an opaque, stable identity used as
// the tracker's pointer key — for real pointers it would be the address;
// here it's a monotonically assigned handle, since Go slices can move
// without that representing a free+realloc the way a C pointer swap would.
type Block struct {
	Data []byte
	id   uint64
}

// Valid reports whether b refers to a live allocation.
func (b Block) Valid() bool { return b.id != 0 }

// Statistics mirrors sl_allocator_statistics: process-wide totals
// independent of any one context.
type Statistics struct {
	TotalAllocationCount atomic.Int64
	TotalAmountAllocated atomic.Int64
}

// Allocator is the uniform realloc-style contract: Realloc(old, 0, ...)
// frees, Realloc(zero Block, n, ...) allocates, and
// Realloc(old, n, ...) with n > 0 resizes.
type Allocator interface {
	Realloc(old Block, newSize int, site CallSite) Block
	// Context returns the tracking context this allocator's calls are
	// attributed to.
	Context() uint32
}

// System is the default Allocator: it really allocates Go slices and
// forwards every call into a memtrack.Tracker.
type System struct {
	tracker *memtrack.Tracker
	stats   *Statistics
	context uint32
	nextID  atomic.Uint64
}

// NewSystem creates a System allocator attributed to context (typically
// memtrack.None at the very root, or a dedicated context for a subsystem).
func NewSystem(tracker *memtrack.Tracker, stats *Statistics, context uint32) *System {
	return &System{tracker: tracker, stats: stats, context: context}
}

func (s *System) Context() uint32 { return s.context }

// Realloc allocates, frees, or resizes depending on old and newSize,
// exactly mirroring system_realloc's three-way branch.
func (s *System) Realloc(old Block, newSize int, site CallSite) Block {
	switch {
	case !old.Valid():
		return s.alloc(newSize, site)
	case newSize == 0:
		s.free(old, site)
		return Block{}
	case newSize <= len(old.Data):
		return old
	default:
		next := s.alloc(newSize, site)
		copy(next.Data, old.Data)
		s.free(old, site)
		return next
	}
}

func (s *System) alloc(size int, site CallSite) Block {
	b := Block{Data: make([]byte, size), id: s.nextID.Add(1)}
	if s.stats != nil {
		s.stats.TotalAllocationCount.Add(1)
		s.stats.TotalAmountAllocated.Add(int64(size))
	}
	if s.tracker != nil {
		s.tracker.Record(0, b.id, 0, uint64(size), site.Func, site.File, site.Line, s.context)
	}
	return b
}

func (s *System) free(b Block, site CallSite) {
	if s.stats != nil {
		s.stats.TotalAllocationCount.Add(-1)
		s.stats.TotalAmountAllocated.Add(-int64(len(b.Data)))
	}
	if s.tracker != nil {
		s.tracker.Record(b.id, 0, uint64(len(b.Data)), 0, site.Func, site.File, site.Line, s.context)
	}
}

// CreateChild returns a System attributed to a fresh tracking context
// nested under parent's context, mirroring create_child.
func CreateChild(parent *System, name string) (*System, error) {
	ctx, err := parent.tracker.CreateContext(name, parent.context)
	if err != nil {
		return nil, err
	}
	return &System{tracker: parent.tracker, stats: parent.stats, context: ctx}, nil
}

// DestroyChild tears down the tracking context a CreateChild allocator was
// using, mirroring destroy_child.
func DestroyChild(child *System) {
	child.tracker.DestroyContext(child.context)
}

// Alloc is the sl_alloc macro equivalent: allocate newSize bytes, recording
// the caller's own call site.
func Alloc(a Allocator, newSize int) Block {
	return a.Realloc(Block{}, newSize, CallerSite(1))
}

// Free is the sl_free macro equivalent.
func Free(a Allocator, b Block) {
	a.Realloc(b, 0, CallerSite(1))
}

// Realloc is the sl_realloc macro equivalent.
func Realloc(a Allocator, b Block, newSize int) Block {
	return a.Realloc(b, newSize, CallerSite(1))
}
