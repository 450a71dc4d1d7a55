package cache

import "strings"

// CacheFlags encodes the lifecycle state of a Cache.
type CacheFlags uint32

const (
	// FlagReady is set by New and replaced by FlagActive when Run starts the sweep.
	FlagReady CacheFlags = 1 << iota
	// FlagActive means the sweep goroutine has been started.
	FlagActive
	// FlagPause suspends the sweep body.
	FlagPause
	// FlagOnLoop is set while a sweep pass is executing. Read-only.
	FlagOnLoop
	// FlagExit requests shutdown after the next pass.
	FlagExit
	// FlagEvicted marks shutdown complete. Terminal.
	FlagEvicted
	// FlagSetLoopDone requests a FlagLoopDone signal after the next full pass.
	FlagSetLoopDone
	// FlagLoopDone signals that a full pass completed since FlagSetLoopDone was set.
	FlagLoopDone
	// FlagSync wakes the sweep for an immediate pass; cleared after the pass.
	FlagSync
	// FlagFlush wakes the sweep for an immediate pass; cleared after the pass.
	FlagFlush
)

// SettableFlags is the subset of flags callers may set through SetFlags.
const SettableFlags = FlagSync | FlagFlush | FlagPause | FlagExit | FlagSetLoopDone

var cacheFlagNames = []struct {
	flag CacheFlags
	name string
}{
	{FlagReady, "READY"},
	{FlagActive, "ACTIVE"},
	{FlagPause, "PAUSE"},
	{FlagOnLoop, "ON_LOOP"},
	{FlagExit, "EXIT"},
	{FlagEvicted, "EVICTED"},
	{FlagSetLoopDone, "SET_LOOP_DONE"},
	{FlagLoopDone, "LOOP_DONE"},
	{FlagSync, "SYNC"},
	{FlagFlush, "FLUSH"},
}

func (f CacheFlags) String() string {
	var names []string
	for _, n := range cacheFlagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// ElementFlags encodes the lifecycle state of an Element.
type ElementFlags uint32

const (
	// ElementActive is set at creation and cleared only at destruction.
	ElementActive ElementFlags = 1 << iota
	// ElementDirty means a write-back is pending.
	ElementDirty
	// ElementClean means the payload matches persisted state.
	ElementClean
	// ElementEvict marks the element for removal on the next sweep.
	ElementEvict
	// ElementPin keeps the element out of victim selection.
	ElementPin
)

func (f ElementFlags) String() string {
	var names []string
	for _, n := range []struct {
		flag ElementFlags
		name string
	}{
		{ElementActive, "ACTIVE"},
		{ElementDirty, "DIRTY"},
		{ElementClean, "CLEAN"},
		{ElementEvict, "EVICT"},
		{ElementPin, "PIN"},
	} {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}
