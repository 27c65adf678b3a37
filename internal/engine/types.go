// Package engine implements the category-partitioned, priority-scheduled task
// execution engine: the dispatcher, per-category priority queues, worker
// loops, and the lifecycle controller that ties them together.
package engine

import (
	"context"
	"time"
)

// Category partitions the engine's worker pools. Each category has its own
// queue and fixed-size worker pool so a flood of one kind of work can never
// starve another.
type Category string

const (
	Scraping    Category = "SCRAPING"
	RAGQuery    Category = "RAG_QUERY"
	Embedding   Category = "EMBEDDING"
	Batch       Category = "BATCH"
	Maintenance Category = "MAINTENANCE"
)

// Categories lists every supported category in a stable order, used for
// config validation and stats reporting.
var Categories = []Category{Scraping, RAGQuery, Embedding, Batch, Maintenance}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Priority orders tasks within a category's queue. Lower values are more
// urgent. There is no aging or promotion: a BULK task submitted first still
// waits behind every CRITICAL task submitted after it.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Bulk
)

func (p Priority) Valid() bool { return p >= Critical && p <= Bulk }

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	case Bulk:
		return "BULK"
	default:
		return "UNKNOWN"
	}
}

// Status is the lifecycle state of a Task/TaskResult.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRetrying    Status = "retrying"
	StatusCircuitOpen Status = "circuit_open"
)

// Task is a unit of work submitted to the engine. FunctionKey selects the
// registered Handler that actually executes the task; Args is passed to it
// verbatim. Dependency names the circuit breaker (if any) guarding the
// external collaborator this task calls into.
type Task struct {
	ID          string
	Category    Category
	Priority    Priority
	FunctionKey string
	Dependency  string
	Args        map[string]interface{}

	// MaxRetries is the non-negative retry budget; attempts never exceeds
	// MaxRetries+1. Callers that accept an optional max_retries from a
	// submitter are responsible for defaulting it to 3 themselves — the
	// engine applies no default so a deliberate zero is never confused
	// with "unset".
	MaxRetries int

	// Timeout bounds a single attempt's execution, off (zero) by default.
	// Expiry is reported as a retryable timeout error.
	Timeout time.Duration

	SubmittedAt time.Time

	sequence int64 // assigned by the queue, breaks priority ties FIFO
}

// TaskResult carries either a successful value or a structured error, plus
// the bookkeeping an API caller needs to show task progress.
type TaskResult struct {
	TaskID      string
	Category    Category
	Status      Status
	Value       interface{}
	Err         *TaskError
	Attempts    int
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Handler executes a task's function_key and returns a value or an error.
// A Handler must respect ctx cancellation for responsive shutdown.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Classifier decides whether an error returned by a Handler should trigger a
// retry or be treated as fatal. Registered per function key alongside its
// Handler; a nil Classifier defaults to DefaultClassifier.
type Classifier func(err error) bool
