package cache

import (
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
)

// sweepLoop runs one pass per interval, or immediately when kicked, until
// the cache reaches EVICTED.
func (c *Cache) sweepLoop() {
	defer close(c.stopped)

	timer := time.NewTimer(c.config.SweepInterval)
	defer timer.Stop()

	for {
		if c.Flags()&FlagEvicted != 0 {
			return
		}
		// PAUSE is read without the cache mutex
		if c.Flags()&FlagPause == 0 {
			if done := c.sweep(); done {
				c.logger.Debug("sweep exited")
				return
			}
		}

		timer.Reset(c.config.SweepInterval)
		select {
		case <-timer.C:
		case <-c.wake:
		}
	}
}

// sweep performs one pass over every slot and reports whether the cache has
// reached EVICTED.
func (c *Cache) sweep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Flags()&FlagEvicted != 0 {
		return true
	}
	// paused after the unlocked check in sweepLoop
	if c.Flags()&FlagPause != 0 {
		return false
	}
	c.updateFlagsLocked(FlagOnLoop, 0)

	for slot, e := range c.slots {
		if e == nil {
			continue
		}
		if !e.TryLock() {
			c.counters.contended.Add(1)
			continue
		}
		if e.Flags()&ElementDirty != 0 {
			c.flushLocked(e)
		}
		if e.Flags()&ElementEvict != 0 {
			c.evictLocked(slot, e, "sweep")
			continue
		}
		e.Unlock()
	}

	set, unset := CacheFlags(0), FlagOnLoop|FlagSync|FlagFlush
	f := c.Flags()
	if f&FlagExit != 0 {
		set |= FlagEvicted
	}
	if f&FlagSetLoopDone != 0 {
		set |= FlagLoopDone
		unset |= FlagSetLoopDone
	}
	c.updateFlagsLocked(set, unset)
	c.counters.passes.Add(1)

	return set&FlagEvicted != 0
}

// flushLocked writes a dirty element back and marks it clean. Both the cache
// mutex and the element lock must be held.
func (c *Cache) flushLocked(e *Element) {
	var err error
	if c.callbacks.OnFlush != nil {
		if err = c.callbacks.OnFlush(e); err != nil {
			c.callbackFailed("on_flush", e, err)
		}
	}
	e.updateFlagsLocked(ElementClean, ElementDirty)
	e.accessCount.Add(1)
	c.counters.flushes.Add(1)
	c.metrics.RecordFlush(c.config.Name, err)
}

// evictLocked runs OnEvict, frees the slot and destroys the element. Both
// the cache mutex and the element lock must be held; the element lock is
// released on return.
func (c *Cache) evictLocked(slot int, e *Element, reason string) {
	if c.callbacks.OnEvict != nil {
		if err := c.callbacks.OnEvict(e); err != nil {
			c.callbackFailed("on_evict", e, err)
		}
	}
	c.slots[slot] = nil
	c.inUse--
	e.destroyLocked()

	c.counters.evictions.Add(1)
	c.metrics.RecordEviction(c.config.Name, reason)
	c.metrics.SetOccupancy(c.config.Name, c.inUse, c.config.Capacity)
}

func (c *Cache) callbackFailed(callback string, e *Element, cause error) {
	err := errors.NewError(errors.ErrCodeCallbackFailed, callback+" callback failed").
		WithComponent(component).WithOperation(callback).WithCause(cause)
	c.logger.Error("callback failed", map[string]interface{}{
		"callback":   callback,
		"element_id": e.id,
		"error":      err,
	})
	c.counters.callbackErrors.Add(1)
	c.metrics.RecordCallbackError(c.config.Name, callback)
}
