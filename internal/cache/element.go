package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
)

// Element is a single cached payload owned by exactly one slot of a Cache
type Element struct {
	mu sync.Mutex

	id    uint64
	cache *Cache
	data  []byte

	// flags is written only while mu is held; reads are lock-free.
	flags       atomic.Uint32
	accessCount atomic.Uint64
	slot        atomic.Int64
	notify      notifier
}

func newElement(c *Cache, id uint64, slot, size int) *Element {
	e := &Element{
		id:    id,
		cache: c,
		data:  make([]byte, size),
	}
	e.notify.init()
	e.slot.Store(int64(slot))
	e.accessCount.Store(1)
	e.flags.Store(uint32(ElementActive | ElementClean))
	return e
}

// ID returns the element identifier assigned by the owning cache
func (e *Element) ID() uint64 {
	return e.id
}

// Cache returns the owning cache
func (e *Element) Cache() *Cache {
	return e.cache
}

// Data returns the payload. Mutate it only while holding the element lock,
// or through Update.
func (e *Element) Data() []byte {
	return e.data
}

// Flags returns a snapshot of the element flags
func (e *Element) Flags() ElementFlags {
	return ElementFlags(e.flags.Load())
}

// AccessCount returns the touch counter used for victim selection
func (e *Element) AccessCount() uint64 {
	return e.accessCount.Load()
}

// Slot returns the slot index the element occupies, or -1 once destroyed
func (e *Element) Slot() int {
	return int(e.slot.Load())
}

// Active reports whether the element has not been destroyed
func (e *Element) Active() bool {
	return e.Flags()&ElementActive != 0
}

// Lock acquires the element mutex. Do not call cache methods while holding it.
func (e *Element) Lock() {
	e.mu.Lock()
}

// Unlock releases the element mutex
func (e *Element) Unlock() {
	e.mu.Unlock()
}

// TryLock attempts to acquire the element mutex without blocking
func (e *Element) TryLock() bool {
	return e.mu.TryLock()
}

// storeFlagsLocked replaces the flags word and wakes waiters. e.mu must be held.
func (e *Element) storeFlagsLocked(f ElementFlags) {
	if ElementFlags(e.flags.Load()) == f {
		return
	}
	e.flags.Store(uint32(f))
	e.notify.broadcast()
}

func (e *Element) updateFlagsLocked(set, unset ElementFlags) {
	e.storeFlagsLocked((e.Flags() | set) &^ unset)
}

func (e *Element) inactiveError(op string) error {
	return errors.NewError(errors.ErrCodeInactiveElement, "element is not active").
		WithComponent(component).WithOperation(op).WithDetail("element_id", e.id)
}

// modify runs fn under the element lock after checking the element is active
func (e *Element) modify(op string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Flags()&ElementActive == 0 {
		return e.inactiveError(op)
	}
	return fn()
}

// MarkDirty flags the element for write-back on the next sweep
func (e *Element) MarkDirty() error {
	return e.modify("mark_dirty", func() error {
		e.updateFlagsLocked(ElementDirty, ElementClean)
		return nil
	})
}

// MarkEviction flags the element for removal on the next sweep
func (e *Element) MarkEviction() error {
	return e.modify("mark_eviction", func() error {
		e.updateFlagsLocked(ElementEvict, 0)
		return nil
	})
}

// Pin excludes the element from victim selection
func (e *Element) Pin() error {
	return e.modify("pin", func() error {
		e.updateFlagsLocked(ElementPin, 0)
		return nil
	})
}

// Claim pins the element and withdraws a pending eviction request under a
// single lock hold, so the sweep cannot remove it while the caller uses it.
func (e *Element) Claim() error {
	return e.modify("claim", func() error {
		e.updateFlagsLocked(ElementPin, ElementEvict)
		return nil
	})
}

// Unpin makes the element eligible for victim selection again
func (e *Element) Unpin() error {
	return e.modify("unpin", func() error {
		e.updateFlagsLocked(0, ElementPin)
		return nil
	})
}

// Update runs fn on the payload and marks the element dirty, under a single
// lock hold. The element stays clean if fn fails.
func (e *Element) Update(fn func(data []byte) error) error {
	return e.modify("update", func() error {
		if err := fn(e.data); err != nil {
			return err
		}
		e.updateFlagsLocked(ElementDirty, ElementClean)
		return nil
	})
}

// Fill copies src into the payload without marking the element dirty.
// Used to populate a freshly mapped element from backing storage.
func (e *Element) Fill(src []byte) error {
	return e.modify("fill", func() error {
		copy(e.data, src)
		return nil
	})
}

// View runs fn on the payload under the element lock
func (e *Element) View(fn func(data []byte) error) error {
	return e.modify("view", func() error {
		return fn(e.data)
	})
}

// WaitForFlags blocks until every bit in mask is set (or, for a zero mask,
// until all flags are clear). It fails with OPERATION_TIMEOUT once timeout
// elapses and with OPERATION_CANCELED when ctx is done.
func (e *Element) WaitForFlags(ctx context.Context, mask ElementFlags, timeout time.Duration) error {
	return waitForFlags(ctx, &e.notify, e.flags.Load, uint32(mask), timeout, "element_wait")
}

// destroyLocked clears every flag and detaches the element from its slot.
// e.mu must be held; it is released before returning.
func (e *Element) destroyLocked() {
	e.slot.Store(-1)
	e.storeFlagsLocked(0)
	e.mu.Unlock()
}
