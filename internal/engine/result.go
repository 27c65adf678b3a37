package engine

import (
	"sync"
	"time"
)

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCircuitOpen
}

// resultEntry owns one task's mutable TaskResult plus the done channel
// awaitResult selects on. Every terminal transition goes through finalize,
// which is idempotent: once a result reaches a terminal status it never
// changes again (spec's terminal monotonicity property), even if a drain
// sweep and a finishing worker race to finalize the same task.
type resultEntry struct {
	mu     sync.RWMutex
	result TaskResult
	done   chan struct{}
	closed bool
}

func newResultEntry(task *Task) *resultEntry {
	return &resultEntry{
		result: TaskResult{
			TaskID:      task.ID,
			Category:    task.Category,
			Status:      StatusPending,
			SubmittedAt: task.SubmittedAt,
		},
		done: make(chan struct{}),
	}
}

func (e *resultEntry) snapshot() TaskResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result
}

// beginAttempt transitions a pending/retrying task to running and returns the
// 1-indexed attempt number. No-op (returns 0) if the task already reached a
// terminal state, which can happen if shutdown finalized it while it was
// waiting for a worker.
func (e *resultEntry) beginAttempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isTerminal(e.result.Status) {
		return 0
	}
	e.result.Status = StatusRunning
	e.result.Attempts++
	e.result.StartedAt = time.Now()
	return e.result.Attempts
}

func (e *resultEntry) setRetrying() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isTerminal(e.result.Status) {
		return
	}
	e.result.Status = StatusRetrying
}

func (e *resultEntry) setPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isTerminal(e.result.Status) {
		return
	}
	e.result.Status = StatusPending
}

// finalize sets a terminal status and closes done. A second call is a no-op.
func (e *resultEntry) finalize(status Status, value interface{}, taskErr *TaskError) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isTerminal(e.result.Status) {
		return false
	}
	e.result.Status = status
	e.result.Value = value
	e.result.Err = taskErr
	e.result.FinishedAt = time.Now()
	if !e.closed {
		close(e.done)
		e.closed = true
	}
	return true
}
