// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package job implements a strict-priority, fiber-based job scheduler: a
// fixed set of worker goroutines pull jobs off a priority queue ahead of a
// normal queue, run them to completion, and let callers block a job's own
// call stack on a counter without blocking the worker pool underneath it.
package job

import (
	"code.hybscloud.com/atomix"

	"github.com/jonahgoldsmith/starlight-go/fiber"
)

// Limits mirror the engine's fixed job-system tables.
const (
	MaxWorkerThreads   = 128
	MaxFibers          = 256
	MaxJobs            = 4096
	extendedFiberCount = 8
)

// Priority selects which queue a job is submitted to. The priority queue is
// always drained ahead of the normal queue — this is a strict-priority
// scheduler, not a fair one.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// PinIndex pins a job, or a wait, to a specific worker. PinAny means any
// worker may run it. A valid pin token is obtained from System.GetPinIndex.
type PinIndex uint32

// PinAny means unpinned: any worker may service the job or wait.
const PinAny PinIndex = 0

// Declaration describes one unit of work to submit to the system. Priority
// is per-job, exactly as the engine's own sl_job_decl carries it — a batch
// passed to RunJobs may freely mix PriorityNormal and PriorityHigh jobs.
type Declaration struct {
	Task        func(ctx *Context)
	Priority    Priority
	PinnedIndex PinIndex
}

// Context is handed to a running Task. It carries the pin the job was
// dispatched under and lets the task park its own call stack on a Counter
// without blocking the worker underneath it.
type Context struct {
	sys *System
	pin PinIndex
}

// Pin reports the PinIndex this job was declared with — PinAny if it was
// not pinned to a particular worker. For a pinned job this always equals
// the worker that is actually running the task, since tryDispatch only
// ever hands a pinned job to its matching worker; mirrors job_proc reading
// its own fiber's pinned_index after job_decl.pinned_index was copied into
// it.
func (c *Context) Pin() PinIndex { return c.pin }

// WaitForCounter parks the calling job until counter reaches value. See
// System.waitForCounter for the parking mechanism; the wait record
// inherits this job's own pin, exactly as job_proc sets
// f->pinned_index = job_decl.pinned_index before running the task and
// wait_for_counter later reads it off the current fiber.
func (c *Context) WaitForCounter(counter *Counter, value int32) {
	c.sys.waitForCounter(counter, value, c.pin)
}

// WaitForCounterFree waits for counter to reach zero, then returns it to
// the free pool. The caller must not use counter again afterward,
// mirroring wait_and_free.
func (c *Context) WaitForCounterFree(counter *Counter) {
	c.sys.waitForCounter(counter, 0, c.pin)
	c.sys.freeCounters.Push(counter.index)
}

// Counter tracks how many jobs from one RunJobs/RunJobsAndFree batch remain
// outstanding. It reaches zero when the last job in the batch finishes.
type Counter struct {
	index     uint32
	value     atomix.Int32
	stackSize fiber.StackSize
}

// Index returns the counter's slot in the system's fixed counter table,
// mostly useful for logging/diagnostics.
func (c *Counter) Index() uint32 { return c.index }

// Remaining reports how many jobs in the counter's batch are still running.
func (c *Counter) Remaining() int32 { return c.value.LoadAcquire() }

type internalJob struct {
	decl         Declaration
	counterIndex uint32
	autoFree     bool
}

type waitRecord struct {
	counterCondition int32
	counterIndex     uint32
	pinnedIndex      PinIndex
	resume           chan struct{}
}
