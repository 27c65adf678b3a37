package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docpipeline/taskpool/internal/breaker"
	"github.com/docpipeline/taskpool/internal/telemetry"
)

// Config tunes a Pool's worker counts, queue caps, and retry behavior. Zero
// values fall back to the spec's documented defaults via DefaultConfig.
type Config struct {
	WorkerCounts       map[Category]int
	QueueSoftCaps      map[Category]int
	BreakerConfigs     map[string]breaker.Config
	MaxBackoff         time.Duration
	ActivityBufferSize int
}

// DefaultConfig returns the worker counts from spec.md §4.3: SCRAPING=6,
// RAG_QUERY=10, EMBEDDING=3, BATCH=2, MAINTENANCE=1.
func DefaultConfig() Config {
	return Config{
		WorkerCounts: map[Category]int{
			Scraping:    6,
			RAGQuery:    10,
			Embedding:   3,
			Batch:       2,
			Maintenance: 1,
		},
		MaxBackoff:         30 * time.Second,
		ActivityBufferSize: 200,
	}
}

// Pool is the dispatcher, worker loops, and lifecycle controller combined:
// the engine's single in-process coordinating value. Callers construct one
// with NewPool and inject it wherever config, breakers, or function handlers
// come from (cmd/taskpoold wires all three at startup).
type Pool struct {
	cfg      Config
	registry *Registry
	breakers *breaker.Registry
	metrics  *telemetry.Metrics
	activity *telemetry.ActivityLog
	log      Logger

	queues map[Category]*categoryQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	running      bool
	shuttingDown bool

	resultsMu sync.RWMutex
	results   map[string]*resultEntry

	idSeq int64
}

// NewPool builds a Pool from cfg and a function registry. The registry must
// already hold every function_key the caller intends to submit; Submit
// rejects unknown keys rather than accepting arbitrary callables (spec.md
// §6 — the core must not execute untrusted code references).
func NewPool(cfg Config, registry *Registry, log Logger) *Pool {
	if cfg.WorkerCounts == nil {
		cfg.WorkerCounts = DefaultConfig().WorkerCounts
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.ActivityBufferSize <= 0 {
		cfg.ActivityBufferSize = 200
	}
	if log == nil {
		log = nopLogger{}
	}

	categoryNames := make([]string, len(Categories))
	for i, c := range Categories {
		categoryNames[i] = string(c)
	}

	p := &Pool{
		cfg:      cfg,
		registry: registry,
		breakers: breaker.NewRegistry(cfg.BreakerConfigs),
		metrics:  telemetry.NewMetrics(categoryNames),
		activity: telemetry.NewActivityLog(cfg.ActivityBufferSize),
		log:      log,
		queues:   make(map[Category]*categoryQueue, len(Categories)),
		results:  make(map[string]*resultEntry),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.breakers.OnStateChange(p.onBreakerStateChange)

	for _, c := range Categories {
		p.queues[c] = newCategoryQueue(cfg.QueueSoftCaps[c])
	}
	return p
}

// Metrics exposes the pool's telemetry for the API layer's /stats endpoint.
func (p *Pool) Metrics() *telemetry.Metrics { return p.metrics }

// Activity exposes the pool's activity ring buffer for /activity.
func (p *Pool) Activity() *telemetry.ActivityLog { return p.activity }

// Breakers exposes the breaker registry for /stats and /health.
func (p *Pool) Breakers() *breaker.Registry { return p.breakers }

// IsRunning reports whether Start has been called and Stop has not yet
// completed, for the /health endpoint's composite healthy bit.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// WorkerCounts returns the configured worker count per category, keyed by
// category name, for the /health endpoint's "every category staffed" check.
func (p *Pool) WorkerCounts() map[string]int {
	out := make(map[string]int, len(Categories))
	for _, c := range Categories {
		count := p.cfg.WorkerCounts[c]
		if count <= 0 {
			count = 1
		}
		out[string(c)] = count
	}
	return out
}

// Start spawns every category's worker goroutines. Idempotent: a second call
// is a no-op, matching spec.md §4.6.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for _, category := range Categories {
		count := p.cfg.WorkerCounts[category]
		if count <= 0 {
			count = 1
		}
		for slot := 0; slot < count; slot++ {
			p.wg.Add(1)
			go p.worker(category, slot)
		}
	}
	p.log.Info("pool started", "categories", len(Categories))
}

// Stop stops accepting submissions, cancels all workers, and waits up to
// drainTimeout for in-flight tasks to finalize. Tasks still non-terminal
// after the timeout are marked failed with a cancelled error.
func (p *Pool) Stop(drainTimeout time.Duration) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
	}

	p.resultsMu.RLock()
	entries := make([]*resultEntry, 0, len(p.results))
	for _, e := range p.results {
		entries = append(entries, e)
	}
	p.resultsMu.RUnlock()

	cancelErr := NewTaskError(KindCancelled, "pool shut down before task could finalize")
	for _, e := range entries {
		e.finalize(StatusFailed, nil, cancelErr)
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.Info("pool stopped")
}

// Submit validates and enqueues task, returning its assigned ID.
func (p *Pool) Submit(task Task) (string, error) {
	p.mu.RLock()
	shuttingDown := p.shuttingDown
	p.mu.RUnlock()
	if shuttingDown {
		return "", NewTaskError(KindPoolShuttingDown, "pool is shutting down")
	}

	if !task.Category.Valid() {
		return "", NewTaskError(KindValidation, fmt.Sprintf("unknown category %q", task.Category))
	}
	if !task.Priority.Valid() {
		return "", NewTaskError(KindValidation, fmt.Sprintf("unknown priority %d", task.Priority))
	}
	if _, _, err := p.registry.Lookup(task.FunctionKey); err != nil {
		return "", NewTaskError(KindValidation, err.Error())
	}
	if task.MaxRetries < 0 {
		return "", NewTaskError(KindValidation, "max_retries must be non-negative")
	}

	if task.ID == "" {
		task.ID = p.newTaskID()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}

	entry := newResultEntry(&task)

	p.resultsMu.Lock()
	p.results[task.ID] = entry
	p.resultsMu.Unlock()

	if err := p.queues[task.Category].push(&task); err != nil {
		p.resultsMu.Lock()
		delete(p.results, task.ID)
		p.resultsMu.Unlock()
		return "", err
	}

	p.metrics.IncSubmitted(string(task.Category))
	p.activity.Push(telemetry.Event{
		Timestamp: time.Now(),
		Category:  string(task.Category),
		TaskID:    task.ID,
		Kind:      "submitted",
		Message:   fmt.Sprintf("task submitted to %s at %s priority", task.Category, task.Priority),
	})
	return task.ID, nil
}

// SubmitBatch submits every task, collecting a per-element task_id or error
// so one invalid element does not reject the whole batch.
func (p *Pool) SubmitBatch(tasks []Task) []BatchSubmission {
	out := make([]BatchSubmission, len(tasks))
	for i, t := range tasks {
		id, err := p.Submit(t)
		out[i] = BatchSubmission{TaskID: id, Err: asTaskError(err)}
	}
	return out
}

// BatchSubmission is one element's outcome from SubmitBatch.
type BatchSubmission struct {
	TaskID string
	Err    *TaskError
}

func asTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return WrapTaskError(KindUnknown, err)
}

// GetResult returns a snapshot of task_id's current state without blocking.
func (p *Pool) GetResult(taskID string) (TaskResult, bool) {
	p.resultsMu.RLock()
	entry, ok := p.results[taskID]
	p.resultsMu.RUnlock()
	if !ok {
		return TaskResult{}, false
	}
	return entry.snapshot(), true
}

// AwaitResult blocks until task_id reaches a terminal state or timeout
// elapses, returning the snapshot either way and whether it is terminal.
func (p *Pool) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (TaskResult, bool, error) {
	p.resultsMu.RLock()
	entry, ok := p.results[taskID]
	p.resultsMu.RUnlock()
	if !ok {
		return TaskResult{}, false, NewTaskError(KindTaskNotFound, fmt.Sprintf("no such task %q", taskID))
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-entry.done:
		return entry.snapshot(), true, nil
	case <-timer:
		return entry.snapshot(), false, nil
	case <-ctx.Done():
		return entry.snapshot(), false, ctx.Err()
	}
}

func (p *Pool) newTaskID() string {
	n := atomic.AddInt64(&p.idSeq, 1)
	return fmt.Sprintf("task-%d-%d", time.Now().UnixNano(), n)
}

func (p *Pool) onBreakerStateChange(name string, from, to breaker.State) {
	kind := "breaker_state_changed"
	switch to {
	case breaker.StateOpen:
		kind = "breaker_opened"
	case breaker.StateHalfOpen:
		kind = "breaker_half_open"
	case breaker.StateClosed:
		kind = "breaker_closed"
	}
	p.activity.Push(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   fmt.Sprintf("breaker %q: %s -> %s", name, from, to),
	})
	p.log.Warn("breaker state changed", "dependency", name, "from", from.String(), "to", to.String())
}

// worker is one category's worker loop slot: dequeue, run, retry-or-finalize,
// repeat until the pool context is cancelled.
func (p *Pool) worker(category Category, slot int) {
	defer p.wg.Done()
	q := p.queues[category]

	for {
		task, err := q.pop(p.ctx)
		if err != nil {
			return
		}
		p.runAttempt(category, task)
	}
}

// runAttempt executes one attempt of task: breaker admission, handler
// invocation, and the retry-or-finalize decision.
func (p *Pool) runAttempt(category Category, task *Task) {
	p.resultsMu.RLock()
	entry := p.results[task.ID]
	p.resultsMu.RUnlock()
	if entry == nil {
		return
	}

	attempt := entry.beginAttempt()
	if attempt == 0 {
		return // already finalized (e.g. by a shutdown sweep) before a worker picked it up
	}
	p.metrics.IncRunning(string(category))
	p.activity.Push(telemetry.Event{
		Timestamp: time.Now(), Category: string(category), TaskID: task.ID,
		Kind: "started", Message: fmt.Sprintf("attempt %d started", attempt),
	})

	handler, classifier, err := p.registry.Lookup(task.FunctionKey)
	if err != nil {
		p.metrics.DecRunning(string(category))
		entry.finalize(StatusFailed, nil, NewTaskError(KindValidation, err.Error()))
		return
	}

	ctx := p.ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}

	value, runErr, breakerDenied := p.invoke(ctx, task, handler)
	// A per-task timeout is the only deadline that can have expired on ctx
	// here: p.ctx cancellation (shutdown) surfaces as context.Canceled, not
	// context.DeadlineExceeded, so this check can't misfire during a drain.
	isTimeout := cancel != nil && errors.Is(runErr, context.DeadlineExceeded)
	if cancel != nil {
		cancel()
	}
	p.metrics.DecRunning(string(category))

	switch {
	case breakerDenied:
		p.activity.Push(telemetry.Event{
			Timestamp: time.Now(), Category: string(category), TaskID: task.ID,
			Kind: "circuit_open", Message: fmt.Sprintf("dependency %q is open", task.Dependency),
		})
		entry.finalize(StatusCircuitOpen, nil, NewTaskError(KindDependencyUnavailable,
			fmt.Sprintf("circuit breaker %q is open", task.Dependency)))

	case runErr == nil:
		entry.finalize(StatusCompleted, value, nil)
		snap := entry.snapshot()
		p.metrics.IncCompleted(string(category), snap.FinishedAt.Sub(snap.StartedAt))
		p.activity.Push(telemetry.Event{
			Timestamp: time.Now(), Category: string(category), TaskID: task.ID,
			Kind: "completed", Message: "task completed",
		})

	default:
		p.handleFailure(category, task, entry, attempt, runErr, classifier, isTimeout)
	}
}

// invoke runs handler, gating it through task.Dependency's breaker if set.
// The breaker's own internal success/failure recording is bypassed here
// (Allow/RecordSuccess/RecordFailure instead of Execute) because a fatal
// classification must skip the breaker update entirely — decided one layer
// up in handleFailure, after the classifier has run.
func (p *Pool) invoke(ctx context.Context, task *Task, handler Handler) (value interface{}, err error, breakerDenied bool) {
	if task.Dependency == "" {
		value, err = handler(ctx, task.Args)
		return value, err, false
	}

	br := p.breakers.Get(task.Dependency)
	admitted, release := br.Allow()
	if !admitted {
		return nil, &breaker.ErrOpen{Name: task.Dependency}, true
	}
	defer release()

	value, err = handler(ctx, task.Args)
	if err == nil {
		br.RecordSuccess()
	}
	// Failure recording is deferred to handleFailure, which knows whether
	// the classifier ruled the error fatal (skip) or retryable (record).
	return value, err, false
}

func (p *Pool) handleFailure(category Category, task *Task, entry *resultEntry, attempt int, runErr error, classifier Classifier, isTimeout bool) {
	// A per-task timeout is retryable regardless of what the function key's
	// classifier says: it's counted as a retryable failure for breaker
	// purposes, not a judgment call left to per-handler classification.
	retryable := isTimeout || classifier(runErr)

	if task.Dependency != "" && retryable {
		p.breakers.Get(task.Dependency).RecordFailure()
	}

	kind := KindTaskFailure
	if isTimeout {
		kind = KindTimeout
	}
	taskErr := WrapTaskError(kind, runErr)

	if !retryable {
		entry.finalize(StatusFailed, nil, taskErr)
		p.metrics.IncFailed(string(category))
		p.activity.Push(telemetry.Event{
			Timestamp: time.Now(), Category: string(category), TaskID: task.ID,
			Kind: "failed", Message: "fatal error: " + runErr.Error(),
		})
		return
	}

	if attempt < task.MaxRetries+1 {
		entry.setRetrying()
		p.metrics.IncRetrying(string(category))
		delay := backoffDelay(attempt, p.cfg.MaxBackoff)
		p.activity.Push(telemetry.Event{
			Timestamp: time.Now(), Category: string(category), TaskID: task.ID,
			Kind: "retried", Message: fmt.Sprintf("retrying after %s: %v", delay, runErr),
		})
		p.scheduleRetry(category, task, entry, delay)
		return
	}

	entry.finalize(StatusFailed, nil, taskErr)
	p.metrics.IncFailed(string(category))
	p.activity.Push(telemetry.Event{
		Timestamp: time.Now(), Category: string(category), TaskID: task.ID,
		Kind: "failed", Message: "retry budget exhausted: " + runErr.Error(),
	})
}

// scheduleRetry waits out the backoff delay, then re-enqueues task with a
// fresh sequence number (it yields to concurrently submitted same-priority
// work, per spec.md §4.3 step 6). If the pool shuts down mid-wait, the task
// is abandoned here; Stop's drain sweep finalizes it.
func (p *Pool) scheduleRetry(category Category, task *Task, entry *resultEntry, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			return
		}
		entry.setPending()
		if err := p.queues[category].push(task); err != nil {
			entry.finalize(StatusFailed, nil, asTaskError(err))
		}
	}()
}
