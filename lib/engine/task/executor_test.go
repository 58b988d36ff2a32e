package task

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTime is an injectable time source for manual-mode tests.
type fakeTime struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeTime() *fakeTime {
	return &fakeTime{cur: time.Unix(1_700_000_000, 0)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.cur = f.cur.Add(d)
	f.mu.Unlock()
}

// testTask runs a callback and reports how often it ran.
type testTask struct {
	desc string
	runs int
	fn   func() bool
}

func (t *testTask) Run() bool {
	t.runs++
	if t.fn != nil {
		return t.fn()
	}
	return false
}

func (t *testTask) Description() string { return t.desc }

func newManualExecutor(ft *fakeTime) *Executor {
	return NewExecutor(&Options{Manual: true, NowFunc: ft.Now})
}

// TestRunNextEmpty tests that an empty executor reports no ready task
func TestRunNextEmpty(t *testing.T) {
	ex := newManualExecutor(newFakeTime())
	defer ex.Stop()

	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Errorf("RunNext on empty executor: err = %v, want ErrNoReadyTask", err)
	}
}

// TestScheduleAndRun tests that a zero-delay task runs once and retires
func TestScheduleAndRun(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	task := &testTask{desc: "one-shot"}
	ex.Schedule(task, 0)

	desc, err := ex.RunNext()
	if err != nil {
		t.Fatalf("RunNext: %v", err)
	}
	if desc != "one-shot" {
		t.Errorf("RunNext description = %q, want %q", desc, "one-shot")
	}
	if task.runs != 1 {
		t.Errorf("task ran %d times, want 1", task.runs)
	}
	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Errorf("retired task should not run again, got err = %v", err)
	}
}

// TestRunNextOrdering tests FIFO ordering among equally-ready tasks
func TestRunNextOrdering(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	ex.Schedule(&testTask{desc: "first"}, 0)
	ex.Schedule(&testTask{desc: "second"}, 0)
	ex.Schedule(&testTask{desc: "third"}, 0)

	for _, want := range []string{"first", "second", "third"} {
		desc, err := ex.RunNext()
		if err != nil {
			t.Fatalf("RunNext: %v", err)
		}
		if desc != want {
			t.Errorf("RunNext = %q, want %q", desc, want)
		}
	}
}

// TestDelayedTask tests that a future task becomes ready as time advances
func TestDelayedTask(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	ex.Schedule(&testTask{desc: "later"}, time.Hour)

	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("future task should not be ready, got err = %v", err)
	}
	if ex.FutureCount() != 1 {
		t.Errorf("FutureCount = %d, want 1", ex.FutureCount())
	}

	ft.Advance(time.Hour)
	if ex.ReadyCount() != 1 {
		t.Errorf("ReadyCount after advance = %d, want 1", ex.ReadyCount())
	}
	if _, err := ex.RunNext(); err != nil {
		t.Errorf("RunNext after advance: %v", err)
	}
}

// TestWake tests waking a task ahead of its delay
func TestWake(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	task := &testTask{desc: "sleeper"}
	h := ex.Schedule(task, 24*time.Hour)

	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("sleeping task should not be ready, got err = %v", err)
	}

	h.Wake()
	if _, err := ex.RunNext(); err != nil {
		t.Fatalf("RunNext after Wake: %v", err)
	}
	if task.runs != 1 {
		t.Errorf("task ran %d times, want 1", task.runs)
	}
}

// TestRecurringTask tests that returning true reschedules with the snooze
// interval
func TestRecurringTask(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	remaining := 3
	task := &testTask{desc: "recurring", fn: func() bool {
		remaining--
		return remaining > 0
	}}
	ex.Schedule(task, 0)

	for i := 0; i < 3; i++ {
		if _, err := ex.RunNext(); err != nil {
			t.Fatalf("RunNext iteration %d: %v", i, err)
		}
	}
	if task.runs != 3 {
		t.Errorf("task ran %d times, want 3", task.runs)
	}
	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Errorf("finished recurring task should not run again, err = %v", err)
	}
}

// TestSnooze tests deferring a recurring task's next execution
func TestSnooze(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	task := &testTask{desc: "periodic", fn: func() bool { return true }}
	h := ex.Schedule(task, 0)
	h.Snooze(time.Hour)

	if _, err := ex.RunNext(); err != nil {
		t.Fatalf("RunNext: %v", err)
	}
	// rescheduled one hour out
	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("snoozed task should not be ready, err = %v", err)
	}
	ft.Advance(time.Hour)
	if _, err := ex.RunNext(); err != nil {
		t.Errorf("RunNext after snooze elapsed: %v", err)
	}
	if task.runs != 2 {
		t.Errorf("task ran %d times, want 2", task.runs)
	}
}

// TestReschedule tests moving a queued task's ready time
func TestReschedule(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	task := &testTask{desc: "moved"}
	h := ex.Schedule(task, 24*time.Hour)
	h.Reschedule(time.Minute)

	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("rescheduled task should wait its new delay, err = %v", err)
	}
	ft.Advance(time.Minute)
	if _, err := ex.RunNext(); err != nil {
		t.Errorf("RunNext after rescheduled delay: %v", err)
	}
}

// TestCancel tests that a cancelled task never runs
func TestCancel(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	task := &testTask{desc: "doomed"}
	h := ex.Schedule(task, 0)
	h.Cancel()

	if !h.Cancelled() {
		t.Error("Cancelled() should report true after Cancel")
	}
	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Errorf("cancelled task should not be runnable, err = %v", err)
	}
	if task.runs != 0 {
		t.Errorf("cancelled task ran %d times, want 0", task.runs)
	}
}

// TestPanicIsolation tests that a panicking task is retired without
// taking the executor down
func TestPanicIsolation(t *testing.T) {
	ft := newFakeTime()
	ex := newManualExecutor(ft)
	defer ex.Stop()

	ex.Schedule(&testTask{desc: "bomb", fn: func() bool { panic("boom") }}, 0)
	survivor := &testTask{desc: "survivor"}
	ex.Schedule(survivor, 0)

	if _, err := ex.RunNext(); err != nil {
		t.Fatalf("RunNext over panicking task: %v", err)
	}
	if _, err := ex.RunNext(); err != nil {
		t.Fatalf("RunNext after panic: %v", err)
	}
	if survivor.runs != 1 {
		t.Errorf("survivor ran %d times, want 1", survivor.runs)
	}
	// the bomb must not have been rescheduled
	if _, err := ex.RunNext(); !errors.Is(err, ErrNoReadyTask) {
		t.Errorf("panicked task should be retired, err = %v", err)
	}
}
