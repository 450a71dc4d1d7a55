package cache

import (
	"bytes"
	"context"
	stderr "errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/utils"
)

// recorder captures callback invocations in order
type recorder struct {
	mu       sync.Mutex
	events   []string
	flushErr error
}

func (r *recorder) add(kind string, e *Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+strconv.FormatUint(e.ID(), 10))
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMap: func(e *Element) error {
			r.add("map", e)
			return nil
		},
		OnFlush: func(e *Element) error {
			r.add("flush", e)
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.flushErr
		},
		OnEvict: func(e *Element) error {
			r.add("evict", e)
			return nil
		},
	}
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if strings.HasPrefix(ev, kind+":") {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes and reads
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestCache(t *testing.T, capacity int, r *recorder, run bool) *Cache {
	t.Helper()
	if r == nil {
		r = &recorder{}
	}
	c, err := New(&Config{
		Name:          "test",
		Capacity:      capacity,
		SweepInterval: 5 * time.Millisecond,
		WaitTimeout:   2 * time.Second,
	}, nil, r.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if run {
		if err := c.Run(); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	t.Cleanup(func() {
		_ = c.Destroy(context.Background())
	})
	return c
}

func mapN(t *testing.T, c *Cache, n, size int) []*Element {
	t.Helper()
	elems := make([]*Element, n)
	for i := range elems {
		e, err := c.Map(size)
		if err != nil {
			t.Fatalf("Map(%d) #%d error = %v", size, i, err)
		}
		elems[i] = e
	}
	return elems
}

// checkInvariants verifies in-use matches occupied slots and every occupant is active
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()
	c.Lock()
	defer c.Unlock()
	occupied := 0
	for i, e := range c.slots {
		if e == nil {
			continue
		}
		occupied++
		if !e.Active() {
			t.Errorf("slot %d holds inactive element %d", i, e.ID())
		}
		if e.Slot() != i {
			t.Errorf("element %d reports slot %d, lives in %d", e.ID(), e.Slot(), i)
		}
		f := e.Flags()
		if (f&ElementDirty != 0) == (f&ElementClean != 0) {
			t.Errorf("element %d has flags %s, want exactly one of DIRTY/CLEAN", e.ID(), f)
		}
	}
	if occupied != c.inUse {
		t.Errorf("in-use = %d, occupied slots = %d", c.inUse, occupied)
	}
	if c.inUse > c.config.Capacity {
		t.Errorf("in-use %d exceeds capacity %d", c.inUse, c.config.Capacity)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr errors.ErrorCode
		verify  func(t *testing.T, c *Cache)
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: errors.ErrCodeInvalidArgument,
		},
		{
			name:    "zero capacity",
			config:  &Config{Capacity: 0},
			wantErr: errors.ErrCodeInvalidArgument,
		},
		{
			name:   "defaults applied",
			config: &Config{Name: "pages", Capacity: 8},
			verify: func(t *testing.T, c *Cache) {
				if c.config.SweepInterval != DefaultSweepInterval {
					t.Errorf("sweep interval = %v, want %v", c.config.SweepInterval, DefaultSweepInterval)
				}
				if c.config.WaitTimeout != DefaultWaitTimeout {
					t.Errorf("wait timeout = %v, want %v", c.config.WaitTimeout, DefaultWaitTimeout)
				}
				if c.Flags() != FlagReady {
					t.Errorf("initial flags = %s, want READY", c.Flags())
				}
				if c.Capacity() != 8 || c.InUse() != 0 || c.Name() != "pages" {
					t.Errorf("unexpected cache: capacity=%d in_use=%d name=%q", c.Capacity(), c.InUse(), c.Name())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config, "opaque", Callbacks{})
			if tt.wantErr != "" {
				if !errors.IsCode(err, tt.wantErr) {
					t.Fatalf("New() error = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if c.Data() != "opaque" {
				t.Errorf("Data() = %v", c.Data())
			}
			tt.verify(t, c)
		})
	}
}

func TestRunTwice(t *testing.T) {
	c := newTestCache(t, 2, nil, true)

	if c.Flags()&FlagActive == 0 || c.Flags()&FlagReady != 0 {
		t.Errorf("flags after Run = %s, want ACTIVE without READY", c.Flags())
	}
	if err := c.Run(); !errors.IsCode(err, errors.ErrCodeAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ALREADY_STARTED", err)
	}
}

func TestMap(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 4, r, false)

	elems := mapN(t, c, 4, 32)

	if c.InUse() != 4 {
		t.Errorf("InUse() = %d, want 4", c.InUse())
	}
	for i, e := range elems {
		if e.Flags() != ElementActive|ElementClean {
			t.Errorf("element %d flags = %s, want ACTIVE|CLEAN", i, e.Flags())
		}
		if e.AccessCount() != 1 {
			t.Errorf("element %d access count = %d, want 1", i, e.AccessCount())
		}
		if len(e.Data()) != 32 || !bytes.Equal(e.Data(), make([]byte, 32)) {
			t.Errorf("element %d payload not zeroed", i)
		}
		if e.Cache() != c {
			t.Errorf("element %d has wrong owner", i)
		}
		if i > 0 && e.ID() <= elems[i-1].ID() {
			t.Errorf("ids not increasing: %d after %d", e.ID(), elems[i-1].ID())
		}
	}
	if got := r.count("map"); got != 4 {
		t.Errorf("OnMap called %d times, want 4", got)
	}
	checkInvariants(t, c)

	if _, err := c.Map(-1); !errors.IsCode(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("Map(-1) error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestVictimSelection(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 3, r, false)
	elems := mapN(t, c, 3, 8)

	// counts: a=3, b=1, c=2
	c.Lookup(elems[0].ID())
	c.Lookup(elems[0].ID())
	c.Lookup(elems[2].ID())

	d, err := c.Map(8)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if elems[1].Active() {
		t.Error("least accessed element should have been evicted")
	}
	if d.Slot() != 1 {
		t.Errorf("new element slot = %d, want 1", d.Slot())
	}
	if elems[1].Slot() != -1 {
		t.Errorf("evicted element slot = %d, want -1", elems[1].Slot())
	}
	if got := c.Stats().VictimEvictions; got != 1 {
		t.Errorf("VictimEvictions = %d, want 1", got)
	}
	checkInvariants(t, c)
}

func TestVictimTieBreaksOnLowestSlot(t *testing.T) {
	c := newTestCache(t, 3, nil, false)
	elems := mapN(t, c, 3, 8)

	if _, err := c.Map(8); err != nil {
		t.Fatal(err)
	}
	if elems[0].Active() || !elems[1].Active() || !elems[2].Active() {
		t.Error("with equal counts slot 0 should be the victim")
	}
}

func TestVictimIsFlushedBeforeEviction(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 1, r, false)
	a := mapN(t, c, 1, 4)[0]

	if err := a.Update(func(data []byte) error {
		copy(data, "abcd")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Map(4); err != nil {
		t.Fatal(err)
	}

	events := r.snapshot()
	want := []string{"map:1", "flush:1", "evict:1", "map:2"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
}

// A full 4-slot cache recycles its least accessed slot, then keeps
// evicting the only unpinned element until everything is pinned.
func TestEndToEndScenario(t *testing.T) {
	c := newTestCache(t, 4, nil, false)
	elems := mapN(t, c, 4, 8)
	for _, i := range []int{0, 2, 3} {
		c.Lookup(elems[i].ID())
	}

	fifth, err := c.Map(8)
	if err != nil {
		t.Fatalf("5th Map() error = %v", err)
	}
	if fifth.Slot() != 1 || elems[1].Active() {
		t.Fatalf("5th element slot = %d, want the lowest-count slot 1", fifth.Slot())
	}

	survivors := []*Element{elems[0], elems[2], elems[3]}
	for _, e := range survivors {
		if err := e.Pin(); err != nil {
			t.Fatal(err)
		}
	}

	sixth, err := c.Map(8)
	if err != nil {
		t.Fatalf("6th Map() error = %v, the 5th element is still evictable", err)
	}
	if fifth.Active() || sixth.Slot() != 1 {
		t.Fatalf("6th element slot = %d, want the 5th element's slot 1", sixth.Slot())
	}
	checkInvariants(t, c)

	if err := sixth.Pin(); err != nil {
		t.Fatal(err)
	}
	_, err = c.Map(8)
	if !errors.IsCode(err, errors.ErrCodeCacheFull) {
		t.Fatalf("7th Map() error = %v, want CACHE_FULL", err)
	}
	if c.InUse() != 4 {
		t.Errorf("failed Map changed in-use to %d", c.InUse())
	}
	for _, e := range append(survivors, sixth) {
		if !e.Active() {
			t.Errorf("pinned element %d was evicted", e.ID())
		}
	}
	checkInvariants(t, c)
}

func TestClaimWithdrawsEviction(t *testing.T) {
	c := newTestCache(t, 2, nil, false)
	e := mapN(t, c, 1, 8)[0]
	if err := e.MarkEviction(); err != nil {
		t.Fatal(err)
	}

	if err := e.Claim(); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if f := e.Flags(); f&ElementEvict != 0 || f&ElementPin == 0 {
		t.Errorf("claimed element flags = %s, want PIN without EVICT", f)
	}
}

func TestAllPinned(t *testing.T) {
	c := newTestCache(t, 2, nil, false)
	for _, e := range mapN(t, c, 2, 8) {
		if err := e.Pin(); err != nil {
			t.Fatal(err)
		}
	}

	_, err := c.Map(8)
	if !errors.IsCode(err, errors.ErrCodeCacheFull) {
		t.Fatalf("Map() error = %v, want CACHE_FULL", err)
	}
	if c.InUse() != 2 {
		t.Errorf("failed Map changed in-use to %d", c.InUse())
	}
}

func TestPinnedSkippedAsVictim(t *testing.T) {
	c := newTestCache(t, 2, nil, false)
	elems := mapN(t, c, 2, 8)
	if err := elems[0].Pin(); err != nil {
		t.Fatal(err)
	}
	c.Lookup(elems[1].ID())
	c.Lookup(elems[1].ID())

	if _, err := c.Map(8); err != nil {
		t.Fatal(err)
	}
	if !elems[0].Active() {
		t.Error("pinned element was chosen as victim")
	}
	if elems[1].Active() {
		t.Error("unpinned element should have been evicted despite higher count")
	}
}

func TestEvictSlot(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 2, r, false)
	elems := mapN(t, c, 2, 8)

	// explicit eviction ignores PIN
	if err := elems[0].Pin(); err != nil {
		t.Fatal(err)
	}
	if err := elems[0].MarkDirty(); err != nil {
		t.Fatal(err)
	}

	c.Lock()
	err := c.EvictSlotLocked(0)
	c.Unlock()
	if err != nil {
		t.Fatalf("EvictSlotLocked(0) error = %v", err)
	}
	if elems[0].Active() || c.InUse() != 1 {
		t.Errorf("slot 0 not evicted: active=%v in_use=%d", elems[0].Active(), c.InUse())
	}
	if r.count("flush") != 1 {
		t.Error("dirty element was not flushed before eviction")
	}

	tests := []struct {
		name string
		slot int
		code errors.ErrorCode
	}{
		{"empty slot", 0, errors.ErrCodeInvalidArgument},
		{"negative slot", -1, errors.ErrCodeOutOfRange},
		{"past capacity", 2, errors.ErrCodeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.EvictSlot(tt.slot); !errors.IsCode(err, tt.code) {
				t.Errorf("EvictSlot(%d) error = %v, want %s", tt.slot, err, tt.code)
			}
		})
	}
}

func TestInactiveElement(t *testing.T) {
	c := newTestCache(t, 1, nil, false)
	e := mapN(t, c, 1, 8)[0]
	if err := c.EvictSlot(0); err != nil {
		t.Fatal(err)
	}

	ops := map[string]func() error{
		"MarkDirty":    e.MarkDirty,
		"MarkEviction": e.MarkEviction,
		"Pin":          e.Pin,
		"Claim":        e.Claim,
		"Unpin":        e.Unpin,
		"Update":       func() error { return e.Update(func([]byte) error { return nil }) },
		"View":         func() error { return e.View(func([]byte) error { return nil }) },
		"Fill":         func() error { return e.Fill([]byte{1}) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.IsCode(err, errors.ErrCodeInactiveElement) {
				t.Errorf("%s() error = %v, want INACTIVE_ELEMENT", name, err)
			}
		})
	}
	if e.Flags() != 0 {
		t.Errorf("destroyed element flags = %s, want 0", e.Flags())
	}
}

func TestDirtyCleanExclusive(t *testing.T) {
	c := newTestCache(t, 1, nil, false)
	e := mapN(t, c, 1, 8)[0]

	if err := e.MarkDirty(); err != nil {
		t.Fatal(err)
	}
	if f := e.Flags(); f&ElementDirty == 0 || f&ElementClean != 0 {
		t.Errorf("after MarkDirty flags = %s", f)
	}

	failing := stderr.New("rejected")
	if err := c.EvictSlot(0); err != nil {
		t.Fatal(err)
	}
	e = mapN(t, c, 1, 8)[0]
	if err := e.Update(func([]byte) error { return failing }); !stderr.Is(err, failing) {
		t.Errorf("Update() error = %v, want %v", err, failing)
	}
	if e.Flags()&ElementDirty != 0 {
		t.Error("failed Update marked the element dirty")
	}
}

func TestFillKeepsElementClean(t *testing.T) {
	c := newTestCache(t, 1, nil, false)
	e := mapN(t, c, 1, 4)[0]

	if err := e.Fill([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}
	if got := e.Data(); string(got) != "\x01\x02\x03\x04" {
		t.Errorf("payload = %v, want [1 2 3 4]", got)
	}
	if f := e.Flags(); f&ElementClean == 0 || f&ElementDirty != 0 {
		t.Errorf("after Fill flags = %s, want CLEAN", f)
	}
}

func TestSweepFlushesDirty(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 2, r, true)
	e := mapN(t, c, 1, 8)[0]

	if err := e.Update(func(data []byte) error {
		data[0] = 0xaa
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.WaitForFlags(context.Background(), ElementClean, time.Second); err != nil {
		t.Fatalf("element never became clean: %v", err)
	}
	if r.count("flush") != 1 {
		t.Errorf("flush count = %d, want 1", r.count("flush"))
	}
	if e.AccessCount() != 2 {
		t.Errorf("access count = %d, want 2 after one flush", e.AccessCount())
	}
	if !e.Active() {
		t.Error("flush must not evict")
	}
}

func TestSweepEvictsMarked(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 2, r, true)
	e := mapN(t, c, 1, 8)[0]

	if err := e.MarkEviction(); err != nil {
		t.Fatal(err)
	}
	if err := e.WaitForFlags(context.Background(), 0, time.Second); err != nil {
		t.Fatalf("element never destroyed: %v", err)
	}
	if c.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", c.InUse())
	}
	if r.count("evict") != 1 {
		t.Errorf("evict count = %d, want 1", r.count("evict"))
	}
}

func TestSyncEndToEnd(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 4, r, true)
	elems := mapN(t, c, 4, 16)

	for _, e := range elems[:2] {
		if err := e.MarkDirty(); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if got := r.count("flush"); got != 2 {
		t.Errorf("flush count = %d, want 2", got)
	}
	if got := r.count("evict"); got != 4 {
		t.Errorf("evict count = %d, want 4", got)
	}
	if c.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", c.InUse())
	}
	if c.Flags()&(FlagLoopDone|FlagSetLoopDone|FlagSync) != 0 {
		t.Errorf("handshake flags left set: %s", c.Flags())
	}
}

func TestSyncKeepsPinned(t *testing.T) {
	c := newTestCache(t, 2, nil, true)
	elems := mapN(t, c, 2, 8)
	if err := elems[0].Pin(); err != nil {
		t.Fatal(err)
	}

	if err := c.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !elems[0].Active() || elems[1].Active() {
		t.Errorf("after Sync pinned active=%v unpinned active=%v", elems[0].Active(), elems[1].Active())
	}
}

func TestHandshakeInvalidState(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		c := newTestCache(t, 1, nil, false)
		if err := c.Sync(context.Background()); !errors.IsCode(err, errors.ErrCodeInvalidState) {
			t.Errorf("Sync() error = %v, want INVALID_STATE", err)
		}
	})

	t.Run("paused", func(t *testing.T) {
		c := newTestCache(t, 1, nil, true)
		c.Pause()
		if err := c.Sync(context.Background()); !errors.IsCode(err, errors.ErrCodeInvalidState) {
			t.Errorf("Sync() error = %v, want INVALID_STATE", err)
		}
		if err := c.Flush(context.Background()); !errors.IsCode(err, errors.ErrCodeInvalidState) {
			t.Errorf("Flush() error = %v, want INVALID_STATE", err)
		}
	})
}

func TestFlushKeepsElements(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 3, r, true)
	elems := mapN(t, c, 3, 8)
	for _, e := range elems {
		if err := e.MarkDirty(); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	for i, e := range elems {
		if e.Flags() != ElementActive|ElementClean {
			t.Errorf("element %d flags = %s, want ACTIVE|CLEAN", i, e.Flags())
		}
	}
	if c.InUse() != 3 {
		t.Errorf("Flush evicted elements: in_use = %d", c.InUse())
	}
}

func TestContendedElementSkipped(t *testing.T) {
	c := newTestCache(t, 2, nil, true)
	e := mapN(t, c, 1, 8)[0]
	if err := e.MarkEviction(); err != nil {
		t.Fatal(err)
	}

	e.Lock()
	err := c.Flush(context.Background())
	stillActive := e.Active()
	e.Unlock()

	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !stillActive {
		t.Error("sweep destroyed an element it could not lock")
	}
	if c.Stats().ContendedSkips == 0 {
		t.Error("contended skip not counted")
	}

	if err := e.WaitForFlags(context.Background(), 0, time.Second); err != nil {
		t.Errorf("element not evicted once released: %v", err)
	}
}

func TestPauseSuspendsSweep(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, 1, r, true)
	e := mapN(t, c, 1, 8)[0]

	c.Pause()
	// let any in-flight pass finish
	if err := c.WaitForFlags(context.Background(), FlagPause, time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := e.MarkDirty(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if e.Flags()&ElementDirty == 0 {
		t.Fatal("paused sweep flushed an element")
	}

	c.ClearPause()
	if err := e.WaitForFlags(context.Background(), ElementClean, time.Second); err != nil {
		t.Errorf("sweep did not resume: %v", err)
	}
}

func TestCallbackFailureIsLogged(t *testing.T) {
	var out syncBuffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.DEBUG, Output: &out})
	if err != nil {
		t.Fatal(err)
	}

	r := &recorder{flushErr: stderr.New("device offline")}
	c, err := New(&Config{Name: "failing", Capacity: 1, SweepInterval: 5 * time.Millisecond}, nil, r.callbacks(), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	defer c.Destroy(context.Background())

	e := mapN(t, c, 1, 8)[0]
	if err := e.MarkDirty(); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if e.Flags()&ElementClean == 0 {
		t.Error("flush failure must not keep the element dirty")
	}
	if c.Stats().CallbackErrors != 1 {
		t.Errorf("CallbackErrors = %d, want 1", c.Stats().CallbackErrors)
	}
	logged := out.String()
	for _, want := range []string{"callback failed", "callback=on_flush", "cache=failing", "device offline"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q:\n%s", want, logged)
		}
	}
}

func TestSetFlags(t *testing.T) {
	c := newTestCache(t, 1, nil, false)

	for _, f := range []CacheFlags{FlagOnLoop, FlagActive, FlagEvicted, FlagLoopDone, FlagReady, FlagSync | FlagOnLoop} {
		if err := c.SetFlags(f); !errors.IsCode(err, errors.ErrCodeInvalidFlag) {
			t.Errorf("SetFlags(%s) error = %v, want INVALID_FLAG", f, err)
		}
	}

	if err := c.SetFlags(FlagPause); err != nil {
		t.Fatalf("SetFlags(PAUSE) error = %v", err)
	}
	if c.Flags()&FlagPause == 0 {
		t.Error("PAUSE not set")
	}
	c.ClearPause()
	if c.Flags()&FlagPause != 0 {
		t.Error("PAUSE not cleared")
	}
}

func TestWaitForFlags(t *testing.T) {
	c := newTestCache(t, 1, nil, false)

	if err := c.WaitForFlags(context.Background(), FlagReady, 10*time.Millisecond); err != nil {
		t.Errorf("already satisfied wait error = %v", err)
	}

	start := time.Now()
	err := c.WaitForFlags(context.Background(), FlagLoopDone, 20*time.Millisecond)
	if !errors.IsCode(err, errors.ErrCodeOperationTimeout) {
		t.Errorf("error = %v, want OPERATION_TIMEOUT", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("timed out after %v, before the deadline", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.WaitForFlags(ctx, FlagLoopDone, time.Second); !errors.IsCode(err, errors.ErrCodeOperationCanceled) {
		t.Errorf("canceled wait error = %v, want OPERATION_CANCELED", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.WaitForFlags(context.Background(), FlagPause, time.Second)
	}()
	time.Sleep(5 * time.Millisecond)
	c.Pause()
	if err := <-done; err != nil {
		t.Errorf("wait woken by flag change returned %v", err)
	}
}

func TestDestroy(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		r := &recorder{}
		c, err := New(&Config{Capacity: 3, SweepInterval: time.Hour}, nil, r.callbacks())
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Run(); err != nil {
			t.Fatal(err)
		}
		elems := mapN(t, c, 3, 8)
		if err := elems[1].MarkDirty(); err != nil {
			t.Fatal(err)
		}
		if err := elems[2].Pin(); err != nil {
			t.Fatal(err)
		}

		if err := c.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy() error = %v", err)
		}
		if c.Flags()&(FlagExit|FlagEvicted) != FlagExit|FlagEvicted {
			t.Errorf("flags = %s, want EXIT|EVICTED", c.Flags())
		}
		if c.InUse() != 0 || r.count("evict") != 3 || r.count("flush") != 1 {
			t.Errorf("in_use=%d evicts=%d flushes=%d", c.InUse(), r.count("evict"), r.count("flush"))
		}
		select {
		case <-c.stopped:
		default:
			t.Error("sweep goroutine still running")
		}

		if _, err := c.Map(8); !errors.IsCode(err, errors.ErrCodeShutdownInProgress) {
			t.Errorf("Map after Destroy error = %v", err)
		}
		if err := c.Destroy(context.Background()); !errors.IsCode(err, errors.ErrCodeInvalidState) {
			t.Errorf("second Destroy() error = %v, want INVALID_STATE", err)
		}
	})

	t.Run("never run", func(t *testing.T) {
		r := &recorder{}
		c, err := New(&Config{Capacity: 2}, nil, r.callbacks())
		if err != nil {
			t.Fatal(err)
		}
		mapN(t, c, 2, 8)
		if err := c.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy() error = %v", err)
		}
		if r.count("evict") != 2 || c.Flags()&FlagEvicted == 0 {
			t.Errorf("evicts=%d flags=%s", r.count("evict"), c.Flags())
		}
	})

	t.Run("paused", func(t *testing.T) {
		c, err := New(&Config{Capacity: 1, SweepInterval: 5 * time.Millisecond}, nil, Callbacks{})
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Run(); err != nil {
			t.Fatal(err)
		}
		mapN(t, c, 1, 8)
		c.Pause()
		if err := c.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy() of paused cache error = %v", err)
		}
	})
}

func TestFlagStrings(t *testing.T) {
	if got := (FlagActive | FlagPause).String(); got != "ACTIVE|PAUSE" {
		t.Errorf("CacheFlags.String() = %q", got)
	}
	if got := (ElementActive | ElementDirty | ElementPin).String(); got != "ACTIVE|DIRTY|PIN" {
		t.Errorf("ElementFlags.String() = %q", got)
	}
	if got := CacheFlags(0).String(); got != "0" {
		t.Errorf("empty flags = %q", got)
	}
}
