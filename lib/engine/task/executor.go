// Package task provides the cooperative background executor that runs
// paging and expiry visitors.
//
// Tasks are scheduled with a delay, can be woken early, and return a
// boolean from Run indicating whether they want to run again. Each Run
// invocation is expected to process a bounded amount of work (one
// partition, or a bounded slice of one) before yielding back, so no single
// task execution blocks the pool indefinitely.
//
// The executor has two modes: a background mode where a dispatcher feeds a
// worker pool, and a manual mode for tests where RunNext executes exactly
// one ready task so task ordering can be asserted deterministically.
package task

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scwright027/kv-engine/lib/engine/task/internal"
	"github.com/scwright027/kv-engine/lib/logging"
)

var log = logging.GetLogger("executor")

// ErrNoReadyTask is returned by RunNext when no task is runnable yet.
var ErrNoReadyTask = errors.New("no task ready to run")

// --------------------------------------------------------------------------
// Task interface
// --------------------------------------------------------------------------

// Task is one unit of schedulable background work.
type Task interface {
	// Run executes a bounded slice of work. Returning true reschedules the
	// task after its current snooze interval; false completes it.
	Run() bool

	// Description names the task for logs and test assertions.
	Description() string
}

// --------------------------------------------------------------------------
// Executor
// --------------------------------------------------------------------------

// Options configures the executor during initialization.
type Options struct {
	NumWorkers int              // worker goroutines in background mode (0 = NumCPU)
	Manual     bool             // manual mode: tasks only run via RunNext
	NowFunc    func() time.Time // injectable time source (nil = time.Now)
}

// DefaultOptions returns the default executor options.
func DefaultOptions() *Options {
	return &Options{
		NumWorkers: runtime.NumCPU(),
	}
}

// taskState is the executor-internal wrapper around a scheduled task.
type taskState struct {
	id        uint64
	task      Task
	snoozeFor atomic.Int64 // nanos to sleep when rescheduled
	cancelled atomic.Bool
}

// Executor owns the future queue and the worker pool.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Executor struct {
	mu      sync.Mutex
	futureQ *internal.FutureHeap
	tasks   map[uint64]*taskState

	nextID  atomic.Uint64
	wakes   *internal.WakeQueue
	nowFn   func() time.Time
	manual  bool
	workers int

	runCh   chan *taskState
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewExecutor creates an executor. In background mode the dispatcher and
// workers start immediately.
func NewExecutor(opts *Options) *Executor {
	if opts == nil {
		opts = DefaultOptions()
	}
	nowFn := opts.NowFunc
	if nowFn == nil {
		nowFn = time.Now
	}
	workers := opts.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ex := &Executor{
		futureQ: internal.NewFutureHeap(),
		tasks:   make(map[uint64]*taskState),
		wakes:   internal.NewWakeQueue(),
		nowFn:   nowFn,
		manual:  opts.Manual,
		workers: workers,
		runCh:   make(chan *taskState),
		stopCh:  make(chan struct{}),
	}

	if !ex.manual {
		ex.wg.Add(1)
		go ex.dispatch()
		for i := 0; i < workers; i++ {
			ex.wg.Add(1)
			go ex.worker()
		}
	}

	return ex
}

// Handle identifies a scheduled task for wake/snooze/cancel operations.
type Handle struct {
	ex *Executor
	st *taskState
}

// --------------------------------------------------------------------------
// Scheduling
// --------------------------------------------------------------------------

// Schedule queues a task to run after the given delay. The delay also
// becomes the task's initial snooze interval for reschedules.
func (ex *Executor) Schedule(t Task, delay time.Duration) *Handle {
	st := &taskState{id: ex.nextID.Add(1), task: t}
	st.snoozeFor.Store(int64(delay))

	ex.mu.Lock()
	ex.tasks[st.id] = st
	ex.futureQ.Add(st.id, ex.nowFn().Add(delay).UnixNano())
	ex.mu.Unlock()

	ex.wakes.Push(st.id)
	return &Handle{ex: ex, st: st}
}

// Wake makes the task runnable immediately, regardless of remaining delay.
// Waking an unknown or completed task is a no-op.
func (h *Handle) Wake() {
	ex := h.ex
	ex.mu.Lock()
	if _, live := ex.tasks[h.st.id]; live {
		ex.futureQ.Add(h.st.id, ex.nowFn().UnixNano())
	}
	ex.mu.Unlock()
	ex.wakes.Push(h.st.id)
}

// Snooze sets the delay applied the next time the task reschedules itself.
func (h *Handle) Snooze(d time.Duration) {
	h.st.snoozeFor.Store(int64(d))
}

// Reschedule moves the task's next execution to now+d and makes d the new
// snooze interval.
func (h *Handle) Reschedule(d time.Duration) {
	h.st.snoozeFor.Store(int64(d))
	ex := h.ex
	ex.mu.Lock()
	if _, live := ex.tasks[h.st.id]; live {
		ex.futureQ.Add(h.st.id, ex.nowFn().Add(d).UnixNano())
	}
	ex.mu.Unlock()
	ex.wakes.Push(h.st.id)
}

// Cancel marks the task cancelled and removes it from the queue. A running
// task observes cancellation at its next yield point.
func (h *Handle) Cancel() {
	h.st.cancelled.Store(true)
	ex := h.ex
	ex.mu.Lock()
	ex.futureQ.Remove(h.st.id)
	delete(ex.tasks, h.st.id)
	ex.mu.Unlock()
}

// Cancelled reports whether the task has been cancelled.
func (h *Handle) Cancelled() bool {
	return h.st.cancelled.Load()
}

// --------------------------------------------------------------------------
// Manual mode (tests)
// --------------------------------------------------------------------------

// RunNext executes the next ready task and returns its description.
// Returns ErrNoReadyTask if nothing is runnable yet.
func (ex *Executor) RunNext() (string, error) {
	ex.mu.Lock()
	id, ok := ex.futureQ.PopIfReady(ex.nowFn().UnixNano())
	if !ok {
		ex.mu.Unlock()
		return "", ErrNoReadyTask
	}
	st := ex.tasks[id]
	ex.mu.Unlock()

	if st == nil {
		return "", ErrNoReadyTask
	}
	desc := st.task.Description()
	ex.execute(st)
	return desc, nil
}

// ReadyCount returns how many tasks are runnable right now.
func (ex *Executor) ReadyCount() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.futureQ.CountReady(ex.nowFn().UnixNano())
}

// FutureCount returns how many tasks are queued but not yet runnable.
func (ex *Executor) FutureCount() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.futureQ.Len() - ex.futureQ.CountReady(ex.nowFn().UnixNano())
}

// --------------------------------------------------------------------------
// Background mode
// --------------------------------------------------------------------------

// dispatch pops ready tasks and hands them to workers, sleeping until the
// next ready time or a wake.
func (ex *Executor) dispatch() {
	defer ex.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		ex.mu.Lock()
		id, ok := ex.futureQ.PopIfReady(ex.nowFn().UnixNano())
		var st *taskState
		if ok {
			st = ex.tasks[id]
		}
		var wait time.Duration = time.Hour
		if !ok {
			if readyAt, exists := ex.futureQ.PeekReadyAt(); exists {
				wait = time.Duration(readyAt - ex.nowFn().UnixNano())
				if wait < 0 {
					wait = 0
				}
			}
		}
		ex.mu.Unlock()

		if ok {
			if st == nil {
				// task was cancelled between pop and lookup
				continue
			}
			select {
			case ex.runCh <- st:
			case <-ex.stopCh:
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ex.stopCh:
			return
		case <-timer.C:
		case _, ok := <-ex.wakes.Recv():
			if !ok {
				return
			}
		}
	}
}

// worker executes dispatched tasks until the executor stops.
func (ex *Executor) worker() {
	defer ex.wg.Done()
	for {
		select {
		case <-ex.stopCh:
			return
		case st := <-ex.runCh:
			ex.execute(st)
		}
	}
}

// execute runs one task invocation and reschedules or retires it.
func (ex *Executor) execute(st *taskState) {
	if st.cancelled.Load() {
		ex.retire(st)
		return
	}

	reschedule := ex.safeRun(st)

	if reschedule && !st.cancelled.Load() && !ex.stopped.Load() {
		ex.mu.Lock()
		if _, live := ex.tasks[st.id]; live {
			readyAt := ex.nowFn().Add(time.Duration(st.snoozeFor.Load())).UnixNano()
			ex.futureQ.Add(st.id, readyAt)
		}
		ex.mu.Unlock()
		ex.wakes.Push(st.id)
		return
	}
	ex.retire(st)
}

// safeRun isolates task panics: a misbehaving visitor degrades reclamation
// but never kills the process.
func (ex *Executor) safeRun(st *taskState) (reschedule bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task %q panicked: %v", st.task.Description(), r)
			reschedule = false
		}
	}()
	return st.task.Run()
}

func (ex *Executor) retire(st *taskState) {
	ex.mu.Lock()
	ex.futureQ.Remove(st.id)
	delete(ex.tasks, st.id)
	ex.mu.Unlock()
}

// Stop shuts the executor down. Queued tasks are dropped; running tasks
// finish their current invocation.
func (ex *Executor) Stop() {
	if !ex.stopped.CompareAndSwap(false, true) {
		return
	}
	close(ex.stopCh)
	ex.wakes.Close()
	if !ex.manual {
		ex.wg.Wait()
	}
}
