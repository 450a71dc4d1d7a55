/*
Package cache provides the bounded element cache that sits between graphfs
structures and the block devices they persist to.

A Cache owns a fixed number of slots. Each slot is empty or holds one Element:
a zeroed payload of caller-chosen size plus a small flags word describing its
lifecycle. A background sweep goroutine walks the slots at a fixed interval,
writing back dirty elements and destroying those marked for eviction.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│          Free-space manager / callers       │
	│      (Map, Lookup, Update, MarkEviction)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Cache                       │  ← This Package
	│  ┌───────┬───────┬───────┬───────┐          │
	│  │ slot0 │ slot1 │ slot2 │ slot3 │ ...      │
	│  └───────┴───────┴───────┴───────┘          │
	│        ▲                                    │
	│        │ TryLock, flush, evict              │
	│  ┌─────────────────┐                        │
	│  │  sweep goroutine │                       │
	│  └─────────────────┘                        │
	└─────────────────────────────────────────────┘
	                      │ OnFlush / OnEvict
	┌─────────────────────────────────────────────┐
	│              blockdev.Device                │
	└─────────────────────────────────────────────┘

# Lifecycle

Cache flags move from READY to ACTIVE when Run starts the sweep. PAUSE
suspends the sweep body. EXIT asks the sweep to stop after its next pass,
which then sets the terminal EVICTED flag. SET_LOOP_DONE and LOOP_DONE form a
one-shot handshake used by Sync and Flush to wait for one complete pass.

Element flags start as ACTIVE|CLEAN. DIRTY and CLEAN are mutually exclusive.
EVICT schedules destruction; PIN keeps an element out of victim selection
but does not protect it from explicit eviction. A destroyed element has no
flags set and every mutating call on it fails with INACTIVE_ELEMENT.

# Eviction

When Map finds no empty slot it picks the unpinned element with the lowest
access count (ties go to the lowest slot), flushes it if dirty, runs OnEvict
and reuses the slot. Access counts grow on Lookup and on every flush.

# Locking

The lock order is cache mutex, then element mutex. The sweep only TryLocks
elements and skips any it cannot acquire, so a caller holding an element lock
delays that element until a later pass. Callbacks run with both locks held
and must not call back into the same cache.

# Usage Examples

	c, err := cache.New(&cache.Config{Name: "pages", Capacity: 64}, dev, cache.Callbacks{
		OnFlush: func(e *cache.Element) error {
			return writePage(e.Cache().Data().(blockdev.Device), e)
		},
	}, cache.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := c.Run(); err != nil {
		return err
	}
	defer c.Destroy(context.Background())

	e, err := c.Map(4096)
	if err != nil {
		return err
	}
	err = e.Update(func(data []byte) error {
		copy(data, page)
		return nil
	})

	// wait for one full pass that writes every dirty element back
	err = c.Flush(ctx)
*/
package cache
