package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the call while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker isolates storage faults. Closed -> open after Threshold consecutive failures;
// open -> half-open once RecoveryWindow has passed, admitting a single trial call whose
// outcome closes or re-opens the circuit.
type Breaker struct {
	Threshold      int
	RecoveryWindow time.Duration
	// IsFailure decides which errors count against the circuit. Nil counts every error
	// except context cancellation.
	IsFailure func(error) bool
	Now       func() time.Time
	Logger    *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

func NewBreaker(threshold int, recovery time.Duration, logger *slog.Logger) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		Threshold:      threshold,
		RecoveryWindow: recovery,
		Logger:         logger.With("component", "breaker"),
	}
}

// errCallPanicked is recorded for a call that did not return; it always counts as a
// failure.
var errCallPanicked = errors.New("call panicked")

// Do runs fn unless the circuit is open and records its outcome. A panic in fn is
// recorded as a failure and then re-raised.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		b.Record(errCallPanicked)
		if r != nil {
			panic(r)
		}
	}()
	err := fn(ctx)
	returned = true
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. A nil return while half-open hands the
// caller the single trial slot; the caller must follow with Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.RecoveryWindow {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an admitted call back into the state machine.
func (b *Breaker) Record(err error) {
	failed := err != nil && b.isFailure(err)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.Threshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.trial = false
		if failed {
			b.trip(err)
			return
		}
		b.failures = 0
		b.transition(StateClosed)
	case StateOpen:
		// Straggler admitted before the circuit opened; the open window stands.
	}
}

// State reports the effective state: an open circuit whose recovery window has
// elapsed reads as half-open even before the trial call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.RecoveryWindow {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) trip(cause error) {
	b.openedAt = b.now()
	b.transition(StateOpen)
	b.Logger.Warn("circuit opened", "failures", b.failures, "retry_after", b.RecoveryWindow, "error", cause)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.Logger.Info("circuit state change", "from", b.state.String(), "to", to.String())
	b.state = to
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Breaker) isFailure(err error) bool {
	if errors.Is(err, errCallPanicked) {
		return true
	}
	if b.IsFailure != nil {
		return b.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}
