// Package breaker implements a per-dependency circuit breaker registry.
// Each named external collaborator (openai, chromadb, playwright, ...) gets
// its own breaker; a failing dependency trips its own breaker without
// affecting tasks that call a different one.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the circuit breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker's thresholds.
type Config struct {
	Name             string
	FailureThreshold int64
	SuccessThreshold int64
	RecoveryTimeout  time.Duration
	Timeout          time.Duration
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		Timeout:          10 * time.Second,
	}
}

// Stats is a point-in-time snapshot of a breaker's counters, used by the
// telemetry health endpoint.
type Stats struct {
	Name             string
	State            State
	Failures         int64
	Successes        int64
	TotalRequests    int64
	TotalFailures    int64
	LastFailureTime  time.Time
	StateChangedTime time.Time
}

// ErrOpen is returned by Execute when the breaker refuses a call outright.
type ErrOpen struct {
	Name string
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Breaker implements the closed/open/half_open state machine. Unlike a
// generic breaker that admits several concurrent probes in half_open, this
// one serializes to a single in-flight probe: a probeInFlight flag swapped
// with compare-and-swap, not a lock held around the caller's function, so a
// slow probe blocks other half_open admission attempts without blocking
// admit() itself.
type Breaker struct {
	config Config

	mu               sync.RWMutex
	state            State
	stateChangedTime time.Time
	lastFailureTime  time.Time

	failures  int64
	successes int64

	totalRequests int64
	totalFailures int64

	probeInFlight int32

	onStateChange func(from, to State)
}

func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		config:           config,
		state:            StateClosed,
		stateChangedTime: time.Now(),
	}
}

func (b *Breaker) Name() string { return b.config.Name }

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Execute runs fn under the breaker's protection. It returns *ErrOpen
// without calling fn if the breaker refuses admission.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	admitted, releaseProbe := b.admit()
	if !admitted {
		return &ErrOpen{Name: b.config.Name}
	}
	if releaseProbe != nil {
		defer releaseProbe()
	}

	atomic.AddInt64(&b.totalRequests, 1)

	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// Allow is the public, step-by-step counterpart to Execute: it performs the
// same admission decision but lets the caller run arbitrary logic (and
// decide whether the outcome even counts) between admission and recording,
// which Execute's single fn argument cannot express. release must be called
// exactly once if admitted is true; until it is, further admissions while
// half_open are denied. Execute releases only after recording the outcome.
func (b *Breaker) Allow() (admitted bool, release func()) {
	admitted, release = b.admit()
	if admitted {
		atomic.AddInt64(&b.totalRequests, 1)
	}
	return admitted, release
}

// RecordSuccess reports a successful call to the breaker. Must only be
// called after a matching Allow() returned admitted=true.
func (b *Breaker) RecordSuccess() { b.recordSuccess() }

// RecordFailure reports a failed call to the breaker. Must only be called
// after a matching Allow() returned admitted=true.
func (b *Breaker) RecordFailure() { b.recordFailure() }

// admit decides whether a call may proceed. In half_open it also claims the
// single in-flight probe slot via CAS; the returned release func must be
// called once the probe completes so the next caller can try.
func (b *Breaker) admit() (bool, func()) {
	b.mu.Lock()
	state := b.state

	switch state {
	case StateClosed:
		b.mu.Unlock()
		return true, nil
	case StateOpen:
		if time.Since(b.stateChangedTime) >= b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.mu.Unlock()
			if atomic.CompareAndSwapInt32(&b.probeInFlight, 0, 1) {
				return true, func() { atomic.StoreInt32(&b.probeInFlight, 0) }
			}
			return false, nil
		}
		b.mu.Unlock()
		return false, nil
	case StateHalfOpen:
		b.mu.Unlock()
		if atomic.CompareAndSwapInt32(&b.probeInFlight, 0, 1) {
			return true, func() { atomic.StoreInt32(&b.probeInFlight, 0) }
		}
		return false, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	switch b.state {
	case StateHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	atomic.AddInt64(&b.totalFailures, 1)
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.stateChangedTime = time.Now()
	b.failures = 0
	b.successes = 0

	if b.onStateChange != nil {
		cb := b.onStateChange
		go cb(oldState, newState)
	}
}

func (b *Breaker) SetStateChangeCallback(cb func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = cb
}

func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Name:             b.config.Name,
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		TotalRequests:    atomic.LoadInt64(&b.totalRequests),
		TotalFailures:    atomic.LoadInt64(&b.totalFailures),
		LastFailureTime:  b.lastFailureTime,
		StateChangedTime: b.stateChangedTime,
	}
}

// Reset forces the breaker back to closed with zero counters, used by
// operators recovering from a known-resolved incident.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}
