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

// Package memtrack implements a hierarchical, leak-tracking memory
// accounting system: contexts form a tree, every (re)allocation is recorded
// against a context's atomic counters, and live allocations are aggregated
// per call site so a leak can be pinned down to the function/file/line that
// produced it.
package memtrack

import (
	"errors"
	"fmt"
	"hash/maphash"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/zoobzio/metricz"

	"github.com/jonahgoldsmith/starlight-go/logx"
)

// None is the sentinel context id meaning "do not track this allocation",
// mirroring SL_MEMORY_CONTEXT_NONE.
const None uint32 = 0xffffffff

// maxContexts bounds the fixed context table, mirroring MAX_CONTEXTS.
const maxContexts = 512

// ErrTooManyContexts is returned when CreateContext would exceed maxContexts.
var ErrTooManyContexts = errors.New("memtrack: too many contexts")

// ErrContextOpen is returned by CheckForLeaks when a context was never
// destroyed.
var ErrContextOpen = errors.New("memtrack: context still open")

// Context is one node in the tracking tree.
type Context struct {
	Name            string
	AmountAllocated atomix.Uint64
	AllocationCount atomix.Uint64
	ParentContext   uint32
	NumChildren     uint32
	TrackingEnabled bool
	NumTraces       uint32
}

// ContextSnapshot is a point-in-time copy of a Context, safe to read after
// the tracker mutex has been released.
type ContextSnapshot struct {
	Name            string
	AmountAllocated uint64
	AllocationCount uint64
	ParentContext   uint32
	NumChildren     uint32
	TrackingEnabled bool
	NumTraces       uint32
}

// Trace aggregates every live allocation made from one call site within one
// context.
type Trace struct {
	Func            string
	File            string
	Line            uint32
	Context         uint32
	AmountAllocated uint64
}

// TraceSnapshot is a point-in-time copy of a Trace.
type TraceSnapshot = Trace

// Tracker is the hierarchical memory accounting system. The zero value is
// not usable; construct with New.
type Tracker struct {
	mu           sync.Mutex
	log          *logx.Logger
	metrics      *metricz.Registry
	leaks        metricz.Gauge
	bytesTracked metricz.Gauge

	seed         maphash.Seed
	numContexts  uint32
	contexts     [maxContexts]Context
	freeContexts []uint32

	// ptrToTrace maps a live allocation's pointer identity (its Block.id)
	// to the trace slot it was recorded against.
	ptrToTrace map[uint64]int
	// keyToTrace maps a call-site key (func/file/line/context) to the
	// trace slot aggregating that site, so repeat allocations from the
	// same place merge instead of creating new rows.
	keyToTrace map[uint64]int
	traces     []Trace
}

// Options configures a Tracker. The zero value uses sensible defaults.
type Options struct {
	// Logger receives PrintTraces output. Defaults to a fresh logx.Logger.
	Logger *logx.Logger
	// Metrics receives the tracker's gauges. Defaults to a fresh registry.
	Metrics *metricz.Registry
}

// New creates a Tracker with a "root" context (id 0) and a disabled-tracking
// "memory_tracker" context the tracker uses for its own bookkeeping, so that
// tracking the tracker doesn't recurse into itself.
func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = logx.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metricz.New()
	}

	t := &Tracker{
		log:        opts.Logger,
		metrics:    opts.Metrics,
		seed:       maphash.MakeSeed(),
		ptrToTrace: make(map[uint64]int),
		keyToTrace: make(map[uint64]int),
		traces:     []Trace{{}}, // index 0 reserved, mirrors the C array's sentinel slot
	}
	t.leaks = t.metrics.Gauge("open_contexts")
	t.bytesTracked = t.metrics.Gauge("bytes_tracked")

	_, _ = t.CreateContext("root", 0)
	selfCtx, _ := t.CreateContext("memory_tracker", None)
	t.ToggleTracking(selfCtx, false)
	return t
}

// CreateContext allocates a new tracking context as a child of parent.
// Pass None for a context with no parent (the tracker's own bookkeeping
// context is one); CheckForLeaks does not report parentless contexts.
func (t *Tracker) CreateContext(name string, parent uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.freeContexts); n > 0 {
		idx = t.freeContexts[n-1]
		t.freeContexts = t.freeContexts[:n-1]
	} else if t.numContexts < maxContexts {
		idx = t.numContexts
		t.numContexts++
	} else {
		return 0, ErrTooManyContexts
	}

	if idx > 0 && parent != None {
		t.contexts[parent].NumChildren++
	}

	t.contexts[idx] = Context{
		Name:            name,
		ParentContext:   parent,
		TrackingEnabled: true,
	}
	t.leaks.Set(float64(t.numContexts) - float64(len(t.freeContexts)))
	return idx, nil
}

// DestroyContext closes a context. If the context still has live
// allocations and tracking is enabled, it logs their trace sites first via
// PrintTraces, mirroring destroy_context's leak report on scope exit.
func (t *Tracker) DestroyContext(context uint32) {
	t.mu.Lock()
	c := t.contexts[context]
	t.mu.Unlock()

	if c.AmountAllocated.Load() > 0 && c.TrackingEnabled {
		t.PrintTraces(context)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent := c.ParentContext
	t.contexts[context] = Context{}
	t.freeContexts = append(t.freeContexts, context)
	if context != 0 && parent != None {
		t.contexts[parent].NumChildren--
	}
	t.leaks.Set(float64(t.numContexts) - float64(len(t.freeContexts)))
}

// Record updates context's counters for a realloc-shaped operation: oldSize
// bytes at oldPtr are replaced by newSize bytes at newPtr (either side may
// be zero for a pure allocate or pure free). context == None disables
// tracking for this call entirely.
func (t *Tracker) Record(oldPtr, newPtr uint64, oldSize, newSize uint64, funcName, file string, line uint32, context uint32) {
	if context == None {
		return
	}

	c := &t.contexts[context]
	if newSize >= oldSize {
		c.AmountAllocated.Add(newSize - oldSize)
	} else {
		c.AmountAllocated.Add(^(oldSize - newSize) + 1) // two's-complement subtract
	}

	switch {
	case oldSize == 0 && newSize > 0:
		c.AllocationCount.Add(1)
	case oldSize > 0 && newSize == 0:
		c.AllocationCount.Add(^uint64(0)) // -1
	}

	t.bytesTracked.Set(float64(t.totalBytes()))

	t.mu.Lock()
	trackingEnabled := c.TrackingEnabled
	numTraces := c.NumTraces
	t.mu.Unlock()

	if oldSize > 0 && (trackingEnabled || numTraces > 0) {
		t.untrace(oldPtr, oldSize, context)
	}
	if newSize > 0 && trackingEnabled {
		t.trace(newPtr, newSize, funcName, file, line, context)
	}
}

func (t *Tracker) totalBytes() uint64 {
	var sum uint64
	for i := uint32(0); i < t.numContexts; i++ {
		sum += t.contexts[i].AmountAllocated.Load()
	}
	return sum
}

func siteKey(seed maphash.Seed, funcName, file string, line, context uint32) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.WriteString(funcName)
	h.WriteString(file)
	_ = h.WriteByte(byte(line))
	_ = h.WriteByte(byte(line >> 8))
	_ = h.WriteByte(byte(context))
	return h.Sum64()
}

func (t *Tracker) trace(ptr uint64, size uint64, funcName, file string, line uint32, context uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := siteKey(t.seed, funcName, file, line, context)
	idx, ok := t.keyToTrace[key]
	if !ok {
		idx = len(t.traces)
		t.traces = append(t.traces, Trace{
			Func:    funcName,
			File:    file,
			Line:    line,
			Context: context,
		})
		t.keyToTrace[key] = idx
	}
	t.traces[idx].AmountAllocated += size
	t.ptrToTrace[ptr] = idx
	t.contexts[context].NumTraces++
}

func (t *Tracker) untrace(ptr uint64, size uint64, context uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.ptrToTrace[ptr]
	if !ok {
		return
	}
	t.traces[idx].AmountAllocated -= size
	delete(t.ptrToTrace, ptr)
	t.contexts[context].NumTraces--
}

// ToggleTracking enables or disables per-site trace recording for context.
// The context's byte/allocation counters keep updating regardless.
func (t *Tracker) ToggleTracking(context uint32, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[context].TrackingEnabled = enabled
}

// PrintTraces logs every live trace belonging to context at Info level,
// mirroring print_traces's "Leaked %llu bytes..." line.
func (t *Tracker) PrintTraces(context uint32) {
	t.mu.Lock()
	snapshot := make([]Trace, len(t.traces))
	copy(snapshot, t.traces)
	t.mu.Unlock()

	for i := 1; i < len(snapshot); i++ {
		tr := snapshot[i]
		if tr.Context == context && tr.AmountAllocated > 0 {
			t.log.Info(tr.File, int(tr.Line), "memtrack",
				"leaked %d bytes in %s", tr.AmountAllocated, tr.Func)
		}
	}
}

// TraceSnapshot returns a point-in-time copy of every trace slot.
func (t *Tracker) TraceSnapshot() []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Trace, len(t.traces))
	copy(out, t.traces)
	return out
}

// ContextSnapshot returns a point-in-time copy of every live context.
func (t *Tracker) ContextSnapshot() []ContextSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ContextSnapshot, t.numContexts)
	for i := uint32(0); i < t.numContexts; i++ {
		c := &t.contexts[i]
		out[i] = ContextSnapshot{
			Name:            c.Name,
			AmountAllocated: c.AmountAllocated.Load(),
			AllocationCount: c.AllocationCount.Load(),
			ParentContext:   c.ParentContext,
			NumChildren:     c.NumChildren,
			TrackingEnabled: c.TrackingEnabled,
			NumTraces:       c.NumTraces,
		}
	}
	return out
}

// ContextName returns the name a context was created with.
func (t *Tracker) ContextName(context uint32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contexts[context].Name
}

// Metrics returns the registry carrying this tracker's gauges.
func (t *Tracker) Metrics() *metricz.Registry { return t.metrics }

// CheckForLeaks reports every context that is still open, except the root
// and any context created with a None parent (which includes the tracker's
// own bookkeeping context). It returns a joined error
// naming each leaked context, or nil if everything was cleanly torn down.
func (t *Tracker) CheckForLeaks() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.numContexts == uint32(len(t.freeContexts))+1 {
		return nil
	}

	var errs []error
	for i := uint32(1); i < t.numContexts; i++ {
		c := &t.contexts[i]
		if c.ParentContext != None && c.Name != "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrContextOpen, c.Name))
		}
	}
	return errors.Join(errs...)
}
