// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package job

import (
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"

	"github.com/jonahgoldsmith/starlight-go/fiber"
	"github.com/jonahgoldsmith/starlight-go/logx"
	"github.com/jonahgoldsmith/starlight-go/queue"
)

const (
	jobsSubmitted = metricz.Key("job.submitted.total")
	jobsCompleted = metricz.Key("job.completed.total")
	fibersParked  = metricz.Key("job.fibers.parked.total")
	fibersResumed = metricz.Key("job.fibers.resumed.total")
	workersActive = metricz.Key("job.workers.active")
)

// Descriptor configures a System, mirroring sl_job_system_desc.
type Descriptor struct {
	// NumThreads is the number of worker goroutines that service the
	// priority, normal, and wait queues. Must be >= 1 and <= MaxWorkerThreads.
	NumThreads uint32
	// NumFibers is the total number of fiber "parking slots" available to
	// WaitForCounter, split between a normal pool and a fixed 8-slot
	// extended pool exactly as the engine does. Must be > NumThreads+8 and
	// a power of two; a non-power-of-two value is a programming error.
	NumFibers uint32
	// Logger receives job-system diagnostics. Defaults to a fresh logx.Logger.
	Logger *logx.Logger
	// Metrics receives the system's counters/gauges. Defaults to a fresh
	// registry.
	Metrics *metricz.Registry
	// Clock is used by WaitForCounterOS's poll delay. Defaults to
	// clockz.RealClock.
	Clock clockz.Clock
}

// System is a strict-priority job scheduler: a fixed pool of worker
// goroutines, each draining the priority queue ahead of the normal queue,
// with jobs optionally pinned to one worker and the ability to park a job's
// own call stack on a Counter without blocking the worker underneath it.
type System struct {
	log     *logx.Logger
	metrics *metricz.Registry
	clock   clockz.Clock

	jobsSubmittedCounter metricz.Counter
	jobsCompletedCounter metricz.Counter
	fibersParkedCounter  metricz.Counter
	fibersResumedCounter metricz.Counter
	workersActiveGauge   metricz.Gauge
	workersActive        atomix.Int32

	running atomix.Bool

	numThreads uint32
	nextWakeup atomix.Uint64
	wake       []*fiber.Semaphore

	// execTokens bounds the number of jobs actually executing Task() at
	// once to numThreads, the same bound the engine gets for free from
	// running one fiber per OS thread. WaitForCounter releases its token
	// while parked so another queued job can run in its place.
	execTokens chan struct{}

	counters     [MaxJobs]Counter
	freeCounters *queue.MPMC[uint32]

	normalQueue   *queue.MPMC[internalJob]
	priorityQueue *queue.MPMC[internalJob]
	waitQueue     *queue.MPMC[*waitRecord]

	freeNormalFibers   *queue.MPMC[uint32]
	freeExtendedFibers *queue.MPMC[uint32]

	workersWG sync.WaitGroup
	tasksWG   sync.WaitGroup
}

func nextPow2(n uint32) int {
	v := 1
	for v < int(n) {
		v <<= 1
	}
	if v < 2 {
		v = 2
	}
	return v
}

func isPow2(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// Startup brings a job system up: it preallocates the counter table, seeds
// the free-counter and free-fiber pools, and starts desc.NumThreads worker
// goroutines, mirroring sl_create_job_system.
func Startup(desc Descriptor) *System {
	if desc.NumThreads == 0 || desc.NumThreads > MaxWorkerThreads {
		panic("job: NumThreads must be in [1, MaxWorkerThreads]")
	}
	if desc.NumFibers <= desc.NumThreads+extendedFiberCount {
		panic("job: NumFibers must exceed NumThreads+8")
	}
	if !isPow2(desc.NumFibers) {
		panic("job: NumFibers must be a power of two")
	}
	if desc.Logger == nil {
		desc.Logger = logx.New()
	}
	if desc.Metrics == nil {
		desc.Metrics = metricz.New()
	}
	if desc.Clock == nil {
		desc.Clock = clockz.RealClock
	}

	numNormalFibers := desc.NumFibers - extendedFiberCount

	s := &System{
		log:                desc.Logger,
		metrics:            desc.Metrics,
		clock:              desc.Clock,
		numThreads:         desc.NumThreads,
		freeCounters:       queue.NewMPMC[uint32](MaxJobs),
		normalQueue:        queue.NewMPMC[internalJob](MaxJobs),
		priorityQueue:      queue.NewMPMC[internalJob](MaxJobs),
		waitQueue:          queue.NewMPMC[*waitRecord](nextPow2(desc.NumFibers)),
		freeNormalFibers:   queue.NewMPMC[uint32](nextPow2(numNormalFibers)),
		freeExtendedFibers: queue.NewMPMC[uint32](nextPow2(extendedFiberCount)),
	}

	s.jobsSubmittedCounter = s.metrics.Counter(jobsSubmitted)
	s.jobsCompletedCounter = s.metrics.Counter(jobsCompleted)
	s.fibersParkedCounter = s.metrics.Counter(fibersParked)
	s.fibersResumedCounter = s.metrics.Counter(fibersResumed)
	s.workersActiveGauge = s.metrics.Gauge(workersActive)

	for i := uint32(0); i < MaxJobs; i++ {
		s.freeCounters.Push(i)
	}
	for i := uint32(0); i < numNormalFibers; i++ {
		s.freeNormalFibers.Push(i)
	}
	for i := uint32(0); i < extendedFiberCount; i++ {
		s.freeExtendedFibers.Push(i)
	}

	s.wake = make([]*fiber.Semaphore, desc.NumThreads)
	for i := range s.wake {
		s.wake[i] = fiber.NewSemaphore(0)
	}

	s.execTokens = make(chan struct{}, desc.NumThreads)
	for i := uint32(0); i < desc.NumThreads; i++ {
		s.execTokens <- struct{}{}
	}

	s.running.StoreRelease(true)
	s.workersWG.Add(int(desc.NumThreads))
	for i := uint32(0); i < desc.NumThreads; i++ {
		go s.workerLoop(i)
	}
	s.log.Info("job_system.go", 0, "main", "job system started with %d workers, %d fibers", desc.NumThreads, desc.NumFibers)
	return s
}

// Shutdown stops accepting scheduling work and waits for every worker
// goroutine and in-flight task to return, mirroring sl_destroy_job_system.
func (s *System) Shutdown() {
	s.running.StoreRelease(false)
	for _, w := range s.wake {
		w.Add(1)
	}
	s.workersWG.Wait()
	s.tasksWG.Wait()
	s.log.Info("job_system.go", 0, "main", "job system stopped")
}

// GetPinIndex maps a submitter-facing logical worker index in
// [0, NumThreads) to the opaque pin token workers compare their own
// identity against, mirroring get_pin_index's thread-id lookup.
func (s *System) GetPinIndex(workerIndex uint32) PinIndex {
	return PinIndex(workerIndex + 1)
}

// Metrics returns the registry backing the system's counters and gauges.
func (s *System) Metrics() *metricz.Registry { return s.metrics }

// NumThreads returns the number of worker goroutines the system was started
// with.
func (s *System) NumThreads() uint32 { return s.numThreads }

// RunJobs submits decls as one batch — each job runs at its own
// Declaration.Priority — and returns a Counter that tracks the batch. The
// caller owns the counter's lifetime: it is returned to the free pool only by
// Context.WaitForCounterFree or WaitForCounterOS (Context.WaitForCounter
// waits on it without releasing it).
func (s *System) RunJobs(decls []Declaration, stackSize fiber.StackSize) *Counter {
	return s.runJobs(decls, stackSize, false)
}

// RunJobsAndFree submits decls as one batch and lets the system reclaim the
// counter automatically once every job in the batch completes. No counter
// is returned, so the caller cannot wait on the batch.
func (s *System) RunJobsAndFree(decls []Declaration, stackSize fiber.StackSize) {
	s.runJobs(decls, stackSize, true)
}

func (s *System) runJobs(decls []Declaration, stackSize fiber.StackSize, autoFree bool) *Counter {
	idx := s.freeCounters.Pop()
	c := &s.counters[idx]
	c.index = idx
	c.stackSize = stackSize
	c.value.StoreRelease(int32(len(decls)))

	for _, d := range decls {
		s.submit(d, idx, autoFree)
	}
	s.jobsSubmittedCounter.Add(float64(len(decls)))
	return c
}

func (s *System) submit(d Declaration, counterIndex uint32, autoFree bool) {
	ij := internalJob{decl: d, counterIndex: counterIndex, autoFree: autoFree}
	q := s.normalQueue
	if d.Priority == PriorityHigh {
		q = s.priorityQueue
	}
	q.Push(ij)

	if d.PinnedIndex != PinAny {
		s.wakeWorker(d.PinnedIndex)
		return
	}
	s.wakeRoundRobin()
}

func (s *System) wakeWorker(pin PinIndex) {
	if pin == PinAny {
		return
	}
	i := int(pin) - 1
	if i < 0 || i >= len(s.wake) {
		return
	}
	s.wake[i].Add(1)
}

func (s *System) wakeRoundRobin() {
	n := uint64(len(s.wake))
	if n == 0 {
		return
	}
	idx := s.nextWakeup.Add(1) % n
	s.wake[idx].Add(1)
}

// wakeAll rouses every idle worker to recheck the queues, used whenever an
// execution token becomes available — the worker that eventually claims it
// may not be the one any particular wake signal was aimed at.
func (s *System) wakeAll() {
	for _, w := range s.wake {
		w.Add(1)
	}
}

// waitForCounter parks the calling goroutine until counter reaches value,
// without occupying a worker slot: it borrows one parking token from the
// fiber pool matching the counter's stack-size class (spinning if the pool
// is momentarily exhausted), registers a wait record carrying pin the
// worker pool polls, and blocks on a private channel until a worker
// observes the condition and wakes it.
//
// Only reachable from inside a job's own Task, via Context.WaitForCounter —
// it gives up its execution slot while parked so another queued job can
// use it, and that slot only exists because the calling goroutine is
// itself running as a dispatched job. pin must be the pin of the job that
// is parking (Context.Pin()), mirroring job_proc's
// f->pinned_index = job_decl.pinned_index: a job pinned to one worker must
// only ever be resumed on that same worker. A caller outside the job
// system (the process's own root goroutine) must use WaitForCounterOS
// instead.
func (s *System) waitForCounter(c *Counter, value int32, pin PinIndex) {
	if c.value.LoadAcquire() == value {
		return
	}

	pool := s.freeNormalFibers
	if c.stackSize == fiber.Extended {
		pool = s.freeExtendedFibers
	}
	token := pool.Pop()
	defer pool.Push(token)

	wr := &waitRecord{
		counterCondition: value,
		counterIndex:     c.index,
		pinnedIndex:      pin,
		resume:           make(chan struct{}),
	}
	s.fibersParkedCounter.Inc()
	s.execTokens <- struct{}{} // free this job's execution slot while parked
	s.wakeAll()
	s.waitQueue.Push(wr)
	<-wr.resume
	<-s.execTokens // reclaim a slot before resuming work
	s.fibersResumedCounter.Inc()
}

// WaitForCounterOS blocks the calling OS thread (not a worker fiber) until
// counter reaches zero, sleeping pollInterval between checks, then returns
// the counter to the free pool. Used by callers outside the worker pool —
// typically the process's main goroutine waiting for a root job batch or
// for the system's own shutdown — mirroring wait_and_free_os.
func (s *System) WaitForCounterOS(c *Counter, pollInterval time.Duration) {
	for c.value.LoadAcquire() != 0 {
		if pollInterval > 0 {
			<-s.clock.After(pollInterval)
		}
	}
	s.freeCounters.Push(c.index)
}

func (s *System) workerLoop(workerIndex uint32) {
	defer s.workersWG.Done()
	pin := s.GetPinIndex(workerIndex)

	s.workersActiveGauge.Set(float64(s.workersActive.Add(1)))
	defer func() { s.workersActiveGauge.Set(float64(s.workersActive.Add(-1))) }()

	for s.running.LoadAcquire() {
		progressed := s.tryResumeWaiting(pin)
		if s.tryDispatch(s.priorityQueue, pin) {
			progressed = true
		} else if s.tryDispatch(s.normalQueue, pin) {
			progressed = true
		}
		if !progressed {
			s.waitForWork(workerIndex)
		}
	}
}

func (s *System) tryResumeWaiting(pin PinIndex) bool {
	wr, err := s.waitQueue.TryPop()
	if err != nil {
		return false
	}

	cur := s.counters[wr.counterIndex].value.LoadAcquire()
	if cur != wr.counterCondition {
		if wr.pinnedIndex != PinAny {
			s.wakeWorker(wr.pinnedIndex)
		}
		s.waitQueue.Push(wr)
		return false
	}

	if wr.pinnedIndex != PinAny && wr.pinnedIndex != pin {
		s.waitQueue.Push(wr)
		s.wakeWorker(wr.pinnedIndex)
		return false
	}

	close(wr.resume)
	return true
}

// tryDispatch claims one execution token before even looking at q, so that
// when two priorities are both contending for the same scarce slot, the
// worker's own priority-then-normal check order (not goroutine-wakeup
// order) decides who runs next.
func (s *System) tryDispatch(q *queue.MPMC[internalJob], pin PinIndex) bool {
	select {
	case <-s.execTokens:
	default:
		return false
	}

	ij, err := q.TryPop()
	if err != nil {
		s.execTokens <- struct{}{}
		return false
	}
	if ij.decl.PinnedIndex != PinAny && ij.decl.PinnedIndex != pin {
		q.Push(ij)
		s.wakeWorker(ij.decl.PinnedIndex)
		s.execTokens <- struct{}{}
		return false
	}

	s.tasksWG.Add(1)
	go s.runTask(ij)
	return true
}

func (s *System) runTask(ij internalJob) {
	defer s.tasksWG.Done()
	defer func() {
		s.execTokens <- struct{}{}
		s.wakeAll()
	}()
	defer func() {
		c := &s.counters[ij.counterIndex]
		remaining := c.value.Add(-1)
		if ij.autoFree && remaining == 0 {
			s.freeCounters.Push(ij.counterIndex)
		}
		s.jobsCompletedCounter.Inc()
	}()

	// The job's own declared pin, not necessarily the worker actually
	// running it, exactly as job_proc copies job_decl.pinned_index onto the
	// current fiber before invoking task — an unpinned job stays resumable
	// on any worker even though some specific worker happens to run it.
	ctx := &Context{sys: s, pin: ij.decl.PinnedIndex}
	ij.decl.Task(ctx)
}

func (s *System) waitForWork(workerIndex uint32) {
	s.wake[workerIndex].Wait()
}
