package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/utils"
)

const component = "cache"

// Default timings applied when the configuration leaves them unset
const (
	DefaultSweepInterval = 100 * time.Millisecond
	DefaultWaitTimeout   = 5 * time.Second
)

// Config represents cache configuration
type Config struct {
	Name          string        `yaml:"name"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// Callbacks are invoked with both the cache mutex and the element lock held
// and must not call back into the same cache. A returned error is logged and
// counted; it never prevents the flag transition that triggered the callback.
type Callbacks struct {
	OnMap   func(e *Element) error
	OnFlush func(e *Element) error
	OnEvict func(e *Element) error
}

// MetricsRecorder receives cache events. Implemented by internal/metrics.
type MetricsRecorder interface {
	RecordFlush(cache string, err error)
	RecordEviction(cache, reason string)
	RecordCallbackError(cache, callback string)
	SetOccupancy(cache string, inUse, capacity int)
}

type nopRecorder struct{}

func (nopRecorder) RecordFlush(string, error)          {}
func (nopRecorder) RecordEviction(string, string)      {}
func (nopRecorder) RecordCallbackError(string, string) {}
func (nopRecorder) SetOccupancy(string, int, int)      {}

// Option customizes a Cache
type Option func(*Cache)

// WithLogger sets the logger used for lifecycle and callback failures
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Stats is a snapshot of cache counters
type Stats struct {
	Name            string `json:"name"`
	Capacity        int    `json:"capacity"`
	InUse           int    `json:"in_use"`
	Maps            uint64 `json:"maps"`
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Flushes         uint64 `json:"flushes"`
	Evictions       uint64 `json:"evictions"`
	VictimEvictions uint64 `json:"victim_evictions"`
	CallbackErrors  uint64 `json:"callback_errors"`
	ContendedSkips  uint64 `json:"contended_skips"`
	Passes          uint64 `json:"passes"`
}

type counters struct {
	maps, hits, misses          atomic.Uint64
	flushes, evictions, victims atomic.Uint64
	callbackErrors, contended   atomic.Uint64
	passes                      atomic.Uint64
}

// Cache is a fixed-capacity slot table of elements maintained by a
// background sweep goroutine
type Cache struct {
	mu    sync.Mutex
	slots []*Element
	inUse int

	// flags is written only while mu is held; reads are lock-free.
	flags  atomic.Uint32
	notify notifier

	nextID    atomic.Uint64
	wake      chan struct{}
	stopped   chan struct{}
	destroyed bool

	// handshake serializes Sync and Flush so LOOP_DONE has a single owner
	handshake sync.Mutex

	config    Config
	data      any
	callbacks Callbacks
	logger    *utils.StructuredLogger
	metrics   MetricsRecorder
	counters  counters
}

// New creates a cache in the READY state. The sweep does not run until Run.
func New(config *Config, data any, callbacks Callbacks, opts ...Option) (*Cache, error) {
	if config == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "cache config is required").
			WithComponent(component).WithOperation("new")
	}
	if config.Capacity <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "capacity must be positive, got %d", config.Capacity).
			WithComponent(component).WithOperation("new")
	}

	cfg := *config
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	c := &Cache{
		slots:     make([]*Element, cfg.Capacity),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		config:    cfg,
		data:      data,
		callbacks: callbacks,
		logger:    utils.NopLogger(),
		metrics:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent(component).WithField("cache", cfg.Name)
	c.notify.init()
	c.flags.Store(uint32(FlagReady))
	c.metrics.SetOccupancy(cfg.Name, 0, cfg.Capacity)

	c.logger.Debug("cache created", map[string]interface{}{
		"capacity":       cfg.Capacity,
		"sweep_interval": cfg.SweepInterval.String(),
	})
	return c, nil
}

// Run starts the background sweep goroutine
func (c *Cache) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.Flags()
	if f&FlagReady == 0 || f&FlagActive != 0 {
		return errors.Newf(errors.ErrCodeAlreadyStarted, "cache cannot run from state %s", f).
			WithComponent(component).WithOperation("run")
	}
	c.updateFlagsLocked(FlagActive, FlagReady)
	go c.sweepLoop()

	c.logger.Debug("sweep started")
	return nil
}

// Name returns the configured cache name
func (c *Cache) Name() string {
	return c.config.Name
}

// Data returns the opaque value passed to New
func (c *Cache) Data() any {
	return c.data
}

// Capacity returns the number of slots
func (c *Cache) Capacity() int {
	return c.config.Capacity
}

// InUse returns the number of occupied slots
func (c *Cache) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// Flags returns a snapshot of the cache flags
func (c *Cache) Flags() CacheFlags {
	return CacheFlags(c.flags.Load())
}

// Lock acquires the cache mutex for use with EvictSlotLocked
func (c *Cache) Lock() {
	c.mu.Lock()
}

// Unlock releases the cache mutex
func (c *Cache) Unlock() {
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	return Stats{
		Name:            c.config.Name,
		Capacity:        c.config.Capacity,
		InUse:           c.InUse(),
		Maps:            c.counters.maps.Load(),
		Hits:            c.counters.hits.Load(),
		Misses:          c.counters.misses.Load(),
		Flushes:         c.counters.flushes.Load(),
		Evictions:       c.counters.evictions.Load(),
		VictimEvictions: c.counters.victims.Load(),
		CallbackErrors:  c.counters.callbackErrors.Load(),
		ContendedSkips:  c.counters.contended.Load(),
		Passes:          c.counters.passes.Load(),
	}
}

// updateFlagsLocked applies set then unset and wakes waiters. c.mu must be held.
func (c *Cache) updateFlagsLocked(set, unset CacheFlags) {
	old := c.Flags()
	f := (old | set) &^ unset
	if f == old {
		return
	}
	c.flags.Store(uint32(f))
	c.notify.broadcast()
}

// kick wakes the sweep goroutine without blocking
func (c *Cache) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Map places a new zeroed element of size bytes into the cache. When every
// slot is occupied the unpinned element with the lowest access count is
// flushed and evicted first.
func (c *Cache) Map(size int) (*Element, error) {
	if size < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "negative element size %d", size).
			WithComponent(component).WithOperation("map")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Flags()&(FlagExit|FlagEvicted) != 0 || c.destroyed {
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "cache is shutting down").
			WithComponent(component).WithOperation("map")
	}

	slot := c.freeSlotLocked()
	if slot < 0 {
		slot = c.victimLocked()
		if slot < 0 {
			return nil, errors.NewError(errors.ErrCodeCacheFull, "no evictable victim").
				WithComponent(component).WithOperation("map").
				WithDetail("capacity", c.config.Capacity)
		}
		victim := c.slots[slot]
		victim.Lock()
		c.logger.Debug("evicting victim", map[string]interface{}{
			"element_id":   victim.id,
			"slot":         slot,
			"access_count": victim.AccessCount(),
		})
		if victim.Flags()&ElementDirty != 0 {
			c.flushLocked(victim)
		}
		c.evictLocked(slot, victim, "victim")
		c.counters.victims.Add(1)
	}

	e := newElement(c, c.nextID.Add(1), slot, size)
	c.slots[slot] = e
	c.inUse++
	c.counters.maps.Add(1)
	c.metrics.SetOccupancy(c.config.Name, c.inUse, c.config.Capacity)

	if c.callbacks.OnMap != nil {
		e.Lock()
		if err := c.callbacks.OnMap(e); err != nil {
			c.callbackFailed("on_map", e, err)
		}
		e.Unlock()
	}
	return e, nil
}

func (c *Cache) freeSlotLocked() int {
	for i, e := range c.slots {
		if e == nil {
			return i
		}
	}
	return -1
}

// victimLocked returns the slot of the unpinned element with the lowest
// access count, preferring the lowest slot on ties, or -1.
func (c *Cache) victimLocked() int {
	victim := -1
	var lowest uint64
	for i, e := range c.slots {
		if e == nil || e.Flags()&ElementPin != 0 {
			continue
		}
		if n := e.AccessCount(); victim < 0 || n < lowest {
			victim, lowest = i, n
		}
	}
	return victim
}

// Lookup returns the element with the given id and bumps its access count
func (c *Cache) Lookup(id uint64) (*Element, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.slots {
		if e != nil && e.id == id {
			e.accessCount.Add(1)
			c.counters.hits.Add(1)
			return e, true
		}
	}
	c.counters.misses.Add(1)
	return nil, false
}

// EvictSlotLocked flushes (if dirty) and destroys the element in slot on the
// calling goroutine. The caller must hold the cache lock.
func (c *Cache) EvictSlotLocked(slot int) error {
	if slot < 0 || slot >= len(c.slots) {
		return errors.Newf(errors.ErrCodeOutOfRange, "slot %d out of range [0,%d)", slot, len(c.slots)).
			WithComponent(component).WithOperation("evict_slot")
	}
	e := c.slots[slot]
	if e == nil {
		return errors.Newf(errors.ErrCodeInvalidArgument, "slot %d is empty", slot).
			WithComponent(component).WithOperation("evict_slot")
	}

	e.Lock()
	if e.Flags()&ElementDirty != 0 {
		c.flushLocked(e)
	}
	c.evictLocked(slot, e, "explicit")
	return nil
}

// EvictSlot is EvictSlotLocked for callers not holding the cache lock
func (c *Cache) EvictSlot(slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.EvictSlotLocked(slot)
}

// SetFlags sets caller-settable flags and wakes the sweep when a pass is requested
func (c *Cache) SetFlags(mask CacheFlags) error {
	if mask&^SettableFlags != 0 {
		err := errors.Newf(errors.ErrCodeInvalidFlag, "flags %s may not be set by callers", mask&^SettableFlags).
			WithComponent(component).WithOperation("set_flags")
		c.logger.Warn("rejected flag change", map[string]interface{}{"error": err})
		return err
	}

	c.mu.Lock()
	c.updateFlagsLocked(mask, 0)
	c.mu.Unlock()

	if mask&(FlagSync|FlagFlush|FlagSetLoopDone|FlagExit) != 0 {
		c.kick()
	}
	return nil
}

// ClearLoopDone clears the LOOP_DONE handshake flag
func (c *Cache) ClearLoopDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateFlagsLocked(0, FlagLoopDone)
}

// Pause suspends the sweep body until ClearPause. No pass starts after
// Pause returns.
func (c *Cache) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateFlagsLocked(FlagPause, 0)
}

// ClearPause resumes the sweep
func (c *Cache) ClearPause() {
	c.mu.Lock()
	c.updateFlagsLocked(0, FlagPause)
	c.mu.Unlock()
	c.kick()
}

// WaitForFlags blocks until every bit in mask is set (or, for a zero mask,
// until all flags are clear), the timeout elapses or ctx is done
func (c *Cache) WaitForFlags(ctx context.Context, mask CacheFlags, timeout time.Duration) error {
	return waitForFlags(ctx, &c.notify, c.flags.Load, uint32(mask), timeout, "wait")
}

// Sync marks every unpinned element for eviction and waits for one full
// sweep pass to complete.
func (c *Cache) Sync(ctx context.Context) error {
	return c.handshakePass(ctx, "sync", true)
}

// Flush waits for one full sweep pass, writing back every uncontended dirty
// element without evicting anything.
func (c *Cache) Flush(ctx context.Context) error {
	return c.handshakePass(ctx, "flush", false)
}

func (c *Cache) handshakePass(ctx context.Context, op string, evict bool) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()

	c.mu.Lock()
	f := c.Flags()
	switch {
	case f&FlagActive == 0 || f&(FlagExit|FlagEvicted) != 0 || c.destroyed:
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeInvalidState, "sweep not running (state %s)", f).
			WithComponent(component).WithOperation(op)
	case f&FlagPause != 0:
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidState, "sweep is paused").
			WithComponent(component).WithOperation(op)
	}

	if evict {
		for _, e := range c.slots {
			if e == nil {
				continue
			}
			e.Lock()
			if e.Flags()&ElementPin == 0 {
				e.updateFlagsLocked(ElementEvict, 0)
			}
			e.Unlock()
		}
	}
	request := FlagSetLoopDone
	if evict {
		request |= FlagSync
	} else {
		request |= FlagFlush
	}
	c.updateFlagsLocked(request, FlagLoopDone)
	c.mu.Unlock()
	c.kick()

	err := c.WaitForFlags(ctx, FlagLoopDone, c.config.WaitTimeout)
	c.ClearLoopDone()
	if err != nil {
		c.logger.Warn("sweep handshake failed", map[string]interface{}{"operation": op, "error": err})
		return err
	}
	return nil
}

// Destroy marks every element for eviction, stops the sweep goroutine and
// synchronously evicts anything the final pass left behind.
func (c *Cache) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidState, "cache already destroyed").
			WithComponent(component).WithOperation("destroy")
	}
	c.destroyed = true
	running := c.Flags()&FlagActive != 0

	for _, e := range c.slots {
		if e != nil {
			e.Lock()
			e.updateFlagsLocked(ElementEvict, 0)
			e.Unlock()
		}
	}

	var waitErr error
	if running {
		c.updateFlagsLocked(FlagExit, FlagPause)
		c.mu.Unlock()
		c.kick()

		waitErr = c.WaitForFlags(ctx, FlagExit|FlagEvicted, c.config.WaitTimeout)
		if waitErr != nil {
			c.logger.Warn("sweep did not exit in time, forcing shutdown", map[string]interface{}{"error": waitErr})
			c.mu.Lock()
			c.updateFlagsLocked(FlagEvicted, 0)
			c.mu.Unlock()
			c.kick()
		}
		<-c.stopped
		c.mu.Lock()
	}

	for slot, e := range c.slots {
		if e == nil {
			continue
		}
		e.Lock()
		if e.Flags()&ElementDirty != 0 {
			c.flushLocked(e)
		}
		c.evictLocked(slot, e, "shutdown")
	}
	c.updateFlagsLocked(FlagExit|FlagEvicted, FlagReady)
	c.mu.Unlock()

	c.logger.Debug("cache destroyed", map[string]interface{}{"evictions": c.counters.evictions.Load()})
	return waitErr
}
