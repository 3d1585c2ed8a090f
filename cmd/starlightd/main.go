// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command starlightd brings up the allocator, memory tracker, and job
// system, runs one root job on it, and tears everything down again —
// exiting non-zero if the memory tracker still sees an open context
// afterward.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/jonahgoldsmith/starlight-go/alloc"
	"github.com/jonahgoldsmith/starlight-go/fiber"
	"github.com/jonahgoldsmith/starlight-go/job"
	"github.com/jonahgoldsmith/starlight-go/logx"
	"github.com/jonahgoldsmith/starlight-go/memtrack"
	"github.com/jonahgoldsmith/starlight-go/registry"
)

func tick(a alloc.Allocator, tracker *memtrack.Tracker, log *logx.Logger) {
	b := alloc.Alloc(a, 100)
	_ = alloc.Alloc(a, 100)
	_ = alloc.Alloc(a, 100)
	_ = alloc.Alloc(a, 100)
	b = alloc.Realloc(a, b, 200)
	alloc.Free(a, b)

	for _, ctx := range tracker.ContextSnapshot() {
		if ctx.Name == "" {
			continue
		}
		log.Info("main.go", 0, "tick", "context %s: %d bytes, %d allocations, %d children",
			ctx.Name, ctx.AmountAllocated, ctx.AllocationCount, ctx.NumChildren)
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logx.New()
	tracker := memtrack.New(memtrack.Options{Logger: log})

	hostCtx, err := tracker.CreateContext("host", memtrack.None)
	if err != nil {
		log.Error("main.go", 0, "main", "create host context: %v", err)
		return 1
	}
	tracker.ToggleTracking(hostCtx, true)

	var stats alloc.Statistics
	hostAlloc := alloc.NewSystem(tracker, &stats, hostCtx)

	jobAlloc, err := alloc.CreateChild(hostAlloc, "job_system")
	if err != nil {
		log.Error("main.go", 0, "main", "create job_system context: %v", err)
		return 1
	}

	apis := registry.New()
	_ = apis.Set("allocator", hostAlloc)

	numThreads := runtime.NumCPU() - 1
	if numThreads < 1 {
		numThreads = 1
	}

	sys := job.Startup(job.Descriptor{
		NumThreads: uint32(numThreads),
		NumFibers:  128,
		Logger:     log,
	})
	_ = apis.Set("job_system", sys)

	decl := job.Declaration{
		Task:        func(ctx *job.Context) { tick(hostAlloc, tracker, log) },
		Priority:    job.PriorityNormal,
		PinnedIndex: sys.GetPinIndex(0),
	}
	completed := sys.RunJobs([]job.Declaration{decl}, fiber.Normal)
	sys.WaitForCounterOS(completed, 10*time.Millisecond)

	sys.Shutdown()
	apis.Remove("job_system")

	alloc.DestroyChild(jobAlloc)
	tracker.DestroyContext(hostCtx)
	if err := tracker.CheckForLeaks(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
