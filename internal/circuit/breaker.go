// Package circuit guards remote block storage with a circuit breaker so that
// a failing backend is not hammered by cache write-backs and page loads.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
)

const component = "circuit"

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected with CIRCUIT_OPEN
	StateOpen
	// StateHalfOpen - a limited number of probe requests pass through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that trip a closed breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Probe requests allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are reset
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker goes half-open
	Timeout time.Duration `yaml:"timeout"`

	// Called on every state change, under the breaker lock
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Decides whether err counts as a backend failure
	IsFailure func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of requests and their outcomes in the current period
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker. Zero fields get defaults: 5 failures, 1 probe,
// 60s interval, 30s open timeout.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = IsBackendFailure
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// IsBackendFailure reports whether err says something about backend health.
// Missing objects, bad arguments and caller cancellation do not.
func IsBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeObjectNotFound, errors.ErrCodeInvalidArgument,
		errors.ErrCodeOperationCanceled, errors.ErrCodeStorageClosed,
		errors.ErrCodeCircuitOpen:
		return false
	default:
		return true
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// A rejected call returns CIRCUIT_OPEN without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.now())
	switch {
	case state == StateOpen:
		return b.rejected("circuit breaker is open")
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests:
		return b.rejected("too many requests while half-open")
	}

	b.counts.Requests++
	return nil
}

func (b *Breaker) rejected(msg string) error {
	return errors.NewError(errors.ErrCodeCircuitOpen, msg).
		WithComponent(component).WithOperation("execute").
		WithDetail("breaker", b.name).WithRetryable(false)
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if err != nil && b.config.IsFailure(err) {
		b.counts.onFailure()
		switch state {
		case StateClosed:
			if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
				b.setState(StateOpen, now)
			}
		case StateHalfOpen:
			b.setState(StateOpen, now)
		}
		return
	}

	b.counts.onSuccess()
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.MaxRequests {
		b.setState(StateClosed, now)
	}
}

// currentState advances time-driven transitions. b.mu must be held.
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.now())
	b.counts = Counts{}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}
