// Package health tracks the health of graphfs components from the outcome
// of their operations and degrades them as errors accumulate.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
)

// State represents the health of a component
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates repeated failures, operations still attempted
	StateDegraded

	// StateReadOnly indicates writes keep failing while reads may work
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Report is the overall health served by the /health endpoint
type Report struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before it is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval is the interval of StartHealthChecks probes
	CheckInterval time.Duration `yaml:"check_interval"`
}

// StateChangeCallback is called, outside the tracker lock, when a component changes state
type StateChangeCallback func(component string, oldState, newState State, err error)

type component struct {
	state             State
	lastStateChange   time.Time
	lastCheck         time.Time
	consecutiveErrors int
	lastError         string
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	config     Config
	callbacks  []StateChangeCallback
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
	}
}

// RegisterComponent registers a component as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &component{
			state:           StateHealthy,
			lastStateChange: now,
			lastCheck:       now,
		}
	}
}

// OnStateChange registers a callback for every state change
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Record records the outcome of one operation. A nil err is a success and
// returns the component to healthy. Unregistered components are ignored.
func (t *Tracker) Record(name string, err error) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	old := c.state
	c.lastCheck = now
	if err == nil {
		c.consecutiveErrors = 0
		c.lastError = ""
		c.state = StateHealthy
	} else {
		c.consecutiveErrors++
		c.lastError = err.Error()
		switch {
		case c.consecutiveErrors >= t.config.UnavailableThreshold:
			c.state = StateUnavailable
		case c.consecutiveErrors >= t.config.ErrorThreshold:
			if isWriteError(err) {
				c.state = StateReadOnly
			} else {
				c.state = StateDegraded
			}
		}
	}

	var callbacks []StateChangeCallback
	if c.state != old {
		c.lastStateChange = now
		callbacks = append(callbacks, t.callbacks...)
	}
	state := c.state
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(name, old, state, err)
	}
}

// isWriteError reports whether err is a write failure that leaves reads usable
func isWriteError(err error) bool {
	return errors.IsCode(err, errors.ErrCodeStorageWrite)
}

// State returns the state of a component, StateUnavailable if unregistered
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.state
	}
	return StateUnavailable
}

// CanWrite reports whether writes to the component are expected to succeed
func (t *Tracker) CanWrite(name string) bool {
	state := t.State(name)
	return state == StateHealthy || state == StateDegraded
}

// Overall returns the worst state across all components
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.state > overall {
			overall = c.state
		}
	}
	return overall
}

// Report returns a snapshot of every component, sorted by name
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	components := make([]ComponentHealth, 0, len(t.components))
	for name, c := range t.components {
		if c.state > overall {
			overall = c.state
		}
		components = append(components, ComponentHealth{
			Name:              name,
			State:             c.state.String(),
			LastStateChange:   c.lastStateChange,
			LastCheck:         c.lastCheck,
			ConsecutiveErrors: c.consecutiveErrors,
			LastError:         c.lastError,
		})
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return Report{Status: overall.String(), Components: components}
}

// StartHealthChecks probes every registered component each CheckInterval
// until ctx is done
func (t *Tracker) StartHealthChecks(ctx context.Context, check func(ctx context.Context, component string) error) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx, check)
		}
	}
}

// CheckNow probes every registered component once
func (t *Tracker) CheckNow(ctx context.Context, check func(ctx context.Context, component string) error) {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range names {
		t.Record(name, check(ctx, name))
	}
}
