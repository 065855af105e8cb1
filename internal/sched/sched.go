// Package sched provides millisecond-budget timers and a periodic task
// scheduler. Nothing here touches the wall clock: callers advance time
// explicitly with the elapsed milliseconds of each stack tick, which keeps
// every protocol timeout deterministic under test.
package sched

// Timer fires repeatedly every interval, or once when auto-reset is off.
type Timer struct {
	intervalMS uint32
	elapsedMS  uint32
	running    bool
	autoReset  bool
}

// NewTimer creates a repeating timer with the given interval.
func NewTimer(intervalMS uint32) *Timer {
	return &Timer{intervalMS: intervalMS, autoReset: true}
}

// NewOneShot creates a timer that stops after its first expiry.
func NewOneShot(intervalMS uint32) *Timer {
	return &Timer{intervalMS: intervalMS}
}

func (t *Timer) SetInterval(ms uint32) { t.intervalMS = ms }
func (t *Timer) Interval() uint32      { return t.intervalMS }
func (t *Timer) Running() bool         { return t.running }
func (t *Timer) Elapsed() uint32       { return t.elapsedMS }

// Start arms the timer from zero.
func (t *Timer) Start() {
	t.running = true
	t.elapsedMS = 0
}

// Stop disarms the timer.
func (t *Timer) Stop() { t.running = false }

// Reset rewinds the timer without changing its run state.
func (t *Timer) Reset() { t.elapsedMS = 0 }

// Update advances the timer and reports whether it expired during this tick.
func (t *Timer) Update(deltaMS uint32) bool {
	if !t.running || t.intervalMS == 0 {
		return false
	}
	t.elapsedMS += deltaMS
	if t.elapsedMS >= t.intervalMS {
		if t.autoReset {
			t.elapsedMS -= t.intervalMS
		} else {
			t.running = false
		}
		return true
	}
	return false
}

// Remaining returns milliseconds until the next expiry.
func (t *Timer) Remaining() uint32 {
	if !t.running || t.elapsedMS >= t.intervalMS {
		return 0
	}
	return t.intervalMS - t.elapsedMS
}

// Timeout is a one-shot deadline. It distinguishes "not armed" from
// "expired" so FSMs can query both.
type Timeout struct {
	timeoutMS uint32
	elapsedMS uint32
	active    bool
}

// Start arms the timeout with a fresh budget.
func (t *Timeout) Start(timeoutMS uint32) {
	t.timeoutMS = timeoutMS
	t.elapsedMS = 0
	t.active = true
}

// Cancel disarms the timeout.
func (t *Timeout) Cancel() { t.active = false }

// Active reports whether the timeout is armed and not yet expired.
func (t *Timeout) Active() bool { return t.active }

// Update advances the deadline and reports whether it expired on this tick.
func (t *Timeout) Update(deltaMS uint32) bool {
	if !t.active {
		return false
	}
	t.elapsedMS += deltaMS
	if t.elapsedMS >= t.timeoutMS {
		t.active = false
		return true
	}
	return false
}

// Elapsed returns milliseconds accumulated since Start.
func (t *Timeout) Elapsed() uint32 { return t.elapsedMS }

// TaskFunc runs when a periodic task is due. It returns true when the task
// completed; false counts as a retry.
type TaskFunc func() bool

type periodicTask struct {
	name       string
	intervalMS uint32
	elapsedMS  uint32
	enabled    bool
	maxRetries uint8 // 0 = unlimited
	retryCount uint8
	fn         TaskFunc
}

// Scheduler drives a set of periodic tasks from the cooperative tick. Tasks
// that keep failing past their retry budget are disabled.
type Scheduler struct {
	tasks []*periodicTask
}

// Add registers a periodic task and returns its handle.
func (s *Scheduler) Add(name string, intervalMS uint32, fn TaskFunc, maxRetries uint8) int {
	s.tasks = append(s.tasks, &periodicTask{
		name:       name,
		intervalMS: intervalMS,
		enabled:    true,
		maxRetries: maxRetries,
		fn:         fn,
	})
	return len(s.tasks) - 1
}

// Enable re-arms a task, clearing its elapsed time and retry count.
func (s *Scheduler) Enable(index int) {
	if index < 0 || index >= len(s.tasks) {
		return
	}
	t := s.tasks[index]
	t.enabled = true
	t.elapsedMS = 0
	t.retryCount = 0
}

// Disable stops a task from running.
func (s *Scheduler) Disable(index int) {
	if index < 0 || index >= len(s.tasks) {
		return
	}
	s.tasks[index].enabled = false
}

// Trigger makes a task due on the next Update regardless of its interval.
func (s *Scheduler) Trigger(index int) {
	if index < 0 || index >= len(s.tasks) {
		return
	}
	s.tasks[index].elapsedMS = s.tasks[index].intervalMS
}

// Enabled reports whether a task is currently armed.
func (s *Scheduler) Enabled(index int) bool {
	return index >= 0 && index < len(s.tasks) && s.tasks[index].enabled
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// Update advances all tasks by deltaMS and runs those that are due.
func (s *Scheduler) Update(deltaMS uint32) {
	for _, t := range s.tasks {
		if !t.enabled {
			continue
		}
		t.elapsedMS += deltaMS
		if t.elapsedMS < t.intervalMS {
			continue
		}
		t.elapsedMS = 0
		if t.fn == nil {
			continue
		}
		if t.fn() {
			t.retryCount = 0
			continue
		}
		t.retryCount++
		if t.maxRetries > 0 && t.retryCount >= t.maxRetries {
			t.enabled = false
		}
	}
}
