// Package freespace tracks which device blocks are in use with an on-device
// bitmap. The bitmap is split into pages of one device block each; pages are
// held in a cache.Cache and written back by its sweep.
package freespace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/graphfs/internal/bitmap"
	"github.com/objectfs/graphfs/internal/blockdev"
	"github.com/objectfs/graphfs/internal/cache"
	"github.com/objectfs/graphfs/internal/circuit"
	"github.com/objectfs/graphfs/internal/config"
	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/health"
	"github.com/objectfs/graphfs/pkg/utils"
)

const component = "freespace"

// DeviceComponent is the health component fed by device reads, writes and syncs
const DeviceComponent = "device"

// Extent is a run of Length bits starting at Start
type Extent struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

// End returns the first bit after the extent
func (e Extent) End() uint64 {
	return e.Start + e.Length
}

// MetricsRecorder receives allocator events. Implemented by internal/metrics.
type MetricsRecorder interface {
	RecordAllocatorOp(op string, duration time.Duration, err error)
	SetReservedBits(bits uint64)
}

type nopRecorder struct{}

func (nopRecorder) RecordAllocatorOp(string, time.Duration, error) {}
func (nopRecorder) SetReservedBits(uint64)                         {}

// Options configures a Manager
type Options struct {
	// TotalBits is the number of bits (blocks) tracked
	TotalBits uint64
	// BitmapBlock is the device block holding page 0
	BitmapBlock uint64
	// Cache configures the page cache; Name defaults to "freespace"
	Cache cache.Config

	Logger       *utils.StructuredLogger
	Metrics      MetricsRecorder
	CacheMetrics cache.MetricsRecorder
	// Health, when set, gets DeviceComponent registered and fed
	Health *health.Tracker
}

// OptionsFromConfig maps the allocator and cache sections of cfg
func OptionsFromConfig(cfg *config.Configuration) Options {
	return Options{
		TotalBits:   cfg.Allocator.TotalBits,
		BitmapBlock: cfg.Allocator.BitmapBlock,
		Cache: cache.Config{
			Name:          cfg.Cache.Name,
			Capacity:      cfg.Cache.Capacity,
			SweepInterval: cfg.Cache.SweepInterval,
			WaitTimeout:   cfg.Cache.WaitTimeout,
		},
	}
}

// Stats is a snapshot of the manager
type Stats struct {
	TotalBits uint64      `json:"total_bits"`
	Reserved  uint64      `json:"reserved"`
	Pages     uint64      `json:"pages"`
	Cache     cache.Stats `json:"cache"`
}

// Manager reserves and releases extents of the bitmap. Operations are
// serialized by an internal mutex; page write-back happens in the cache
// sweep.
type Manager struct {
	mu        sync.Mutex
	dev       blockdev.Device
	cache     *cache.Cache
	totalBits uint64
	pageBits  uint64
	pageBytes int
	pages     uint64
	first     uint64
	cursor    uint64
	closed    bool

	reserved atomic.Uint64

	// pagesMu is a leaf lock: it is taken from the cache callbacks while
	// the cache mutex and an element lock are held.
	pagesMu sync.Mutex
	byPage  map[uint64]*cache.Element
	byElem  map[uint64]uint64

	logger  *utils.StructuredLogger
	metrics MetricsRecorder
	health  *health.Tracker
}

// Open loads the bitmap stored on dev and starts the page cache. The device
// stays owned by the caller and must outlive the manager.
func Open(ctx context.Context, dev blockdev.Device, opts Options) (*Manager, error) {
	if opts.TotalBits == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "total bits must be positive").
			WithComponent(component).WithOperation("open")
	}

	if err := blockdev.ValidateBlockSize(dev.BlockSize()); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = utils.NopLogger()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	pageBytes := dev.BlockSize()
	pageBits := uint64(pageBytes) * 8
	m := &Manager{
		dev:       dev,
		totalBits: opts.TotalBits,
		pageBits:  pageBits,
		pageBytes: pageBytes,
		pages:     (opts.TotalBits + pageBits - 1) / pageBits,
		first:     opts.BitmapBlock,
		byPage:    make(map[uint64]*cache.Element),
		byElem:    make(map[uint64]uint64),
		logger:    logger.WithComponent(component),
		metrics:   rec,
		health:    opts.Health,
	}
	if m.health != nil {
		m.health.RegisterComponent(DeviceComponent)
	}

	cfg := opts.Cache
	if cfg.Name == "" {
		cfg.Name = component
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 16
	}
	cacheOpts := []cache.Option{cache.WithLogger(logger)}
	if opts.CacheMetrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(opts.CacheMetrics))
	}
	c, err := cache.New(&cfg, m, cache.Callbacks{
		OnFlush: flushPage,
		OnEvict: forgetPage,
	}, cacheOpts...)
	if err != nil {
		return nil, err
	}
	m.cache = c

	if err := m.countReserved(ctx); err != nil {
		_ = c.Destroy(ctx)
		return nil, err
	}
	if err := c.Run(); err != nil {
		_ = c.Destroy(ctx)
		return nil, err
	}

	m.metrics.SetReservedBits(m.reserved.Load())
	m.logger.Info("free-space bitmap opened", map[string]interface{}{
		"total_bits":   m.totalBits,
		"pages":        m.pages,
		"bitmap_block": m.first,
		"reserved":     m.reserved.Load(),
	})
	return m, nil
}

// flushPage writes a dirty page back to its device block
func flushPage(e *cache.Element) error {
	m := e.Cache().Data().(*Manager)
	m.pagesMu.Lock()
	page, ok := m.byElem[e.ID()]
	m.pagesMu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeInternalError, "element %d holds no page", e.ID()).
			WithComponent(component).WithOperation("flush_page")
	}
	return m.deviceResult(m.dev.WriteBlock(context.Background(), m.first+page, e.Data()))
}

// deviceResult feeds a device outcome to the health tracker and returns it.
// Errors that say nothing about the backend are not recorded.
func (m *Manager) deviceResult(err error) error {
	if m.health != nil && (err == nil || circuit.IsBackendFailure(err)) {
		m.health.Record(DeviceComponent, err)
	}
	return err
}

// CheckHealth probes the device and records the outcome
func (m *Manager) CheckHealth(ctx context.Context) error {
	return m.deviceResult(blockdev.CheckHealth(ctx, m.dev))
}

// forgetPage drops the page index entry of an evicted element
func forgetPage(e *cache.Element) error {
	m := e.Cache().Data().(*Manager)
	m.pagesMu.Lock()
	defer m.pagesMu.Unlock()
	if page, ok := m.byElem[e.ID()]; ok {
		delete(m.byElem, e.ID())
		if m.byPage[page] == e {
			delete(m.byPage, page)
		}
	}
	return nil
}

// pageTotal returns the number of bitmap bits held by page p
func (m *Manager) pageTotal(p uint64) uint64 {
	return min(m.pageBits, m.totalBits-p*m.pageBits)
}

// acquire returns page p pinned and not marked for eviction, loading it
// from the device on a miss.
// The caller must Unpin it. m.mu must be held.
func (m *Manager) acquire(ctx context.Context, p uint64) (*cache.Element, error) {
	for {
		m.pagesMu.Lock()
		e, ok := m.byPage[p]
		m.pagesMu.Unlock()
		if !ok {
			break
		}
		// a timed-out Sync can leave the page marked for eviction
		err := e.Claim()
		if err == nil {
			m.cache.Lookup(e.ID())
			return e, nil
		}
		if !errors.IsCode(err, errors.ErrCodeInactiveElement) {
			return nil, err
		}
		// evicted between the index lookup and Pin
	}

	buf := make([]byte, m.pageBytes)
	if err := m.deviceResult(m.dev.ReadBlock(ctx, m.first+p, buf)); err != nil {
		return nil, err
	}

	e, err := m.cache.Map(m.pageBytes)
	if err != nil {
		return nil, err
	}
	if err := e.Fill(buf); err != nil {
		return nil, err
	}
	if err := e.Pin(); err != nil {
		return nil, err
	}

	m.pagesMu.Lock()
	m.byPage[p] = e
	m.byElem[e.ID()] = p
	m.pagesMu.Unlock()

	m.logger.Debug("page loaded", map[string]interface{}{
		"page":       p,
		"element_id": e.ID(),
	})
	return e, nil
}

// withPage runs fn on the payload of page p. Updates mark the page dirty.
func (m *Manager) withPage(ctx context.Context, p uint64, write bool, fn func(buf []byte, total uint64) error) error {
	e, err := m.acquire(ctx, p)
	if err != nil {
		return err
	}
	defer e.Unpin()

	total := m.pageTotal(p)
	if write {
		return e.Update(func(data []byte) error { return fn(data, total) })
	}
	return e.View(func(data []byte) error { return fn(data, total) })
}

// countReserved computes the number of set bits on the device
func (m *Manager) countReserved(ctx context.Context) error {
	var n uint64
	for p := uint64(0); p < m.pages; p++ {
		err := m.withPage(ctx, p, false, func(buf []byte, total uint64) error {
			c, err := bitmap.Popcount(buf, total)
			n += c
			return err
		})
		if err != nil {
			return err
		}
	}
	m.reserved.Store(n)
	return nil
}

// countRange counts contiguous bits equal to want from addr, up to length
func (m *Manager) countRange(ctx context.Context, addr, length uint64, want bool) (uint64, error) {
	var count uint64
	for count < length {
		pos := addr + count
		p := pos / m.pageBits
		local := pos - p*m.pageBits
		var n, span uint64
		err := m.withPage(ctx, p, false, func(buf []byte, total uint64) error {
			span = min(total-local, length-count)
			var err error
			n, err = bitmap.Count(buf, total, local, span, want)
			return err
		})
		if err != nil {
			return 0, err
		}
		count += n
		if n < span {
			break
		}
	}
	return count, nil
}

// setRange sets or clears [addr, addr+length) page by page
func (m *Manager) setRange(ctx context.Context, addr, length uint64, value bool) error {
	for length > 0 {
		p := addr / m.pageBits
		local := addr - p*m.pageBits
		var span uint64
		err := m.withPage(ctx, p, true, func(buf []byte, total uint64) error {
			span = min(total-local, length)
			return bitmap.SetExtent(buf, total, local, span, value)
		})
		if err != nil {
			return err
		}
		addr += span
		length -= span
	}
	return nil
}

// findGap returns the first run of n clear bits inside [from, to). Runs may
// straddle page boundaries: a page search that ends inside a partial gap is
// continued at the start of the next page.
func (m *Manager) findGap(ctx context.Context, from, to, n uint64) (uint64, error) {
	var runStart, run uint64
	addr := from
	for addr < to {
		if err := ctx.Err(); err != nil {
			return 0, errors.NewError(errors.ErrCodeOperationCanceled, "gap search canceled").
				WithComponent(component).WithOperation("find_gap").WithCause(err)
		}

		p := addr / m.pageBits
		base := p * m.pageBits
		pageEnd := min(base+m.pageTotal(p), to)
		local := addr - base
		window := pageEnd - addr

		if run > 0 {
			need := n - run
			free, err := m.countRange(ctx, addr, min(need, window), false)
			if err != nil {
				return 0, err
			}
			if free >= need {
				return runStart, nil
			}
			if free == window {
				run += free
				addr = pageEnd
				continue
			}
			run = 0
			addr += free
			continue
		}

		var found uint64
		err := m.withPage(ctx, p, false, func(buf []byte, total uint64) error {
			var err error
			found, err = bitmap.Find(buf, total, local, window, n)
			return err
		})
		switch {
		case err == nil:
			return base + found, nil
		case errors.IsCode(err, errors.ErrCodeWindowExhausted):
			runStart = base + found
			run = pageEnd - runStart
			addr = pageEnd
		case errors.IsCode(err, errors.ErrCodeNoGap):
			addr = pageEnd
		default:
			return 0, err
		}
	}
	return 0, errors.Newf(errors.ErrCodeNoGap, "no %d-bit gap in [%d,%d)", n, from, to).
		WithComponent(component).WithOperation("find_gap")
}

func (m *Manager) checkOpen(op string) error {
	if m.closed {
		return errors.NewError(errors.ErrCodeInvalidState, "free-space manager is closed").
			WithComponent(component).WithOperation(op)
	}
	return nil
}

func (m *Manager) checkExtent(op string, ext Extent) error {
	if ext.Length == 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "extent length must be positive").
			WithComponent(component).WithOperation(op)
	}
	if ext.Start >= m.totalBits || ext.Length > m.totalBits-ext.Start {
		return errors.Newf(errors.ErrCodeOutOfRange, "extent [%d,+%d) exceeds %d bits", ext.Start, ext.Length, m.totalBits).
			WithComponent(component).WithOperation(op)
	}
	return nil
}

// observe reports the outcome of op to the metrics recorder
func (m *Manager) observe(op string, start time.Time, err error) {
	m.metrics.RecordAllocatorOp(op, time.Since(start), err)
	m.metrics.SetReservedBits(m.reserved.Load())
}

// Reserve finds and reserves n contiguous free bits, searching from just
// after the previous reservation and wrapping around once.
func (m *Manager) Reserve(ctx context.Context, n uint64) (ext Extent, err error) {
	defer func(start time.Time) { m.observe("reserve", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("reserve"); err != nil {
		return Extent{}, err
	}
	if n == 0 {
		return Extent{}, errors.NewError(errors.ErrCodeInvalidArgument, "reservation length must be positive").
			WithComponent(component).WithOperation("reserve")
	}

	start, err := m.findGap(ctx, m.cursor, m.totalBits, n)
	if errors.IsCode(err, errors.ErrCodeNoGap) && m.cursor > 0 {
		start, err = m.findGap(ctx, 0, m.totalBits, n)
	}
	if err != nil {
		return Extent{}, err
	}

	ext = Extent{Start: start, Length: n}
	if err := m.setRange(ctx, start, n, true); err != nil {
		return Extent{}, err
	}
	m.reserved.Add(n)
	m.cursor = ext.End() % m.totalBits
	return ext, nil
}

// ReserveAt reserves exactly ext, which must be entirely free
func (m *Manager) ReserveAt(ctx context.Context, ext Extent) (err error) {
	defer func(start time.Time) { m.observe("reserve_at", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("reserve_at"); err != nil {
		return err
	}
	if err := m.checkExtent("reserve_at", ext); err != nil {
		return err
	}

	free, err := m.countRange(ctx, ext.Start, ext.Length, false)
	if err != nil {
		return err
	}
	if free != ext.Length {
		return errors.Newf(errors.ErrCodeNoGap, "bit %d of extent [%d,+%d) is already reserved", ext.Start+free, ext.Start, ext.Length).
			WithComponent(component).WithOperation("reserve_at")
	}

	if err := m.setRange(ctx, ext.Start, ext.Length, true); err != nil {
		return err
	}
	m.reserved.Add(ext.Length)
	return nil
}

// Release frees ext, which must be entirely reserved
func (m *Manager) Release(ctx context.Context, ext Extent) (err error) {
	defer func(start time.Time) { m.observe("release", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("release"); err != nil {
		return err
	}
	if err := m.checkExtent("release", ext); err != nil {
		return err
	}

	held, err := m.countRange(ctx, ext.Start, ext.Length, true)
	if err != nil {
		return err
	}
	if held != ext.Length {
		return errors.Newf(errors.ErrCodeInvalidArgument, "bit %d of extent [%d,+%d) is not reserved", ext.Start+held, ext.Start, ext.Length).
			WithComponent(component).WithOperation("release")
	}

	if err := m.setRange(ctx, ext.Start, ext.Length, false); err != nil {
		return err
	}
	m.reserved.Add(^(ext.Length - 1))
	return nil
}

// canGrowLocked reports whether the additional bits right after ext are
// free. ext itself must be reserved.
func (m *Manager) canGrowLocked(ctx context.Context, op string, ext Extent, additional uint64) (bool, error) {
	held, err := m.countRange(ctx, ext.Start, ext.Length, true)
	if err != nil {
		return false, err
	}
	if held != ext.Length {
		return false, errors.Newf(errors.ErrCodeInvalidArgument, "extent [%d,+%d) is not reserved", ext.Start, ext.Length).
			WithComponent(component).WithOperation(op)
	}
	if additional == 0 {
		return true, nil
	}
	if additional > m.totalBits-ext.End() {
		return false, nil
	}

	// single page: the set run from ext.Start must be exactly ext, then
	// bitmap.ExtentCanGrow answers directly
	p := ext.Start / m.pageBits
	base := p * m.pageBits
	if ext.End()+additional <= base+m.pageTotal(p) {
		var ok bool
		err := m.withPage(ctx, p, false, func(buf []byte, total uint64) error {
			local := ext.Start - base
			run, err := bitmap.Count(buf, total, local, ext.Length+1, true)
			if err != nil || run != ext.Length {
				return err
			}
			ok, err = bitmap.ExtentCanGrow(buf, total, local, additional)
			return err
		})
		return ok, err
	}

	free, err := m.countRange(ctx, ext.End(), additional, false)
	if err != nil {
		return false, err
	}
	return free == additional, nil
}

// CanGrow reports whether ext can be extended in place by additional bits
func (m *Manager) CanGrow(ctx context.Context, ext Extent, additional uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("can_grow"); err != nil {
		return false, err
	}
	if err := m.checkExtent("can_grow", ext); err != nil {
		return false, err
	}
	return m.canGrowLocked(ctx, "can_grow", ext, additional)
}

// Grow extends ext in place by additional bits and returns the new extent.
// It fails with NO_GAP when the following bits are not free.
func (m *Manager) Grow(ctx context.Context, ext Extent, additional uint64) (grown Extent, err error) {
	defer func(start time.Time) { m.observe("grow", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("grow"); err != nil {
		return Extent{}, err
	}
	if err := m.checkExtent("grow", ext); err != nil {
		return Extent{}, err
	}

	ok, err := m.canGrowLocked(ctx, "grow", ext, additional)
	if err != nil {
		return Extent{}, err
	}
	if !ok {
		return Extent{}, errors.Newf(errors.ErrCodeNoGap, "extent [%d,+%d) cannot grow by %d", ext.Start, ext.Length, additional).
			WithComponent(component).WithOperation("grow")
	}

	if additional > 0 {
		if err := m.setRange(ctx, ext.End(), additional, true); err != nil {
			return Extent{}, err
		}
		m.reserved.Add(additional)
	}
	return Extent{Start: ext.Start, Length: ext.Length + additional}, nil
}

// IsReserved reports whether bit addr is reserved
func (m *Manager) IsReserved(ctx context.Context, addr uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("is_reserved"); err != nil {
		return false, err
	}
	if addr >= m.totalBits {
		return false, errors.Newf(errors.ErrCodeOutOfRange, "bit %d exceeds %d bits", addr, m.totalBits).
			WithComponent(component).WithOperation("is_reserved")
	}

	p := addr / m.pageBits
	var set bool
	err := m.withPage(ctx, p, false, func(buf []byte, total uint64) error {
		var err error
		set, err = bitmap.GetBit(buf, total, addr-p*m.pageBits)
		return err
	})
	return set, err
}

// Reserved returns the number of reserved bits
func (m *Manager) Reserved() uint64 {
	return m.reserved.Load()
}

// TotalBits returns the number of tracked bits
func (m *Manager) TotalBits() uint64 {
	return m.totalBits
}

// Stats returns a snapshot of the manager and its page cache
func (m *Manager) Stats() Stats {
	return Stats{
		TotalBits: m.totalBits,
		Reserved:  m.reserved.Load(),
		Pages:     m.pages,
		Cache:     m.cache.Stats(),
	}
}

// Flush writes every dirty page back to the device and syncs it. Pages stay
// cached.
func (m *Manager) Flush(ctx context.Context) (err error) {
	defer func(start time.Time) { m.observe("flush", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("flush"); err != nil {
		return err
	}
	if err := m.cache.Flush(ctx); err != nil {
		return err
	}
	return m.deviceResult(m.dev.Sync(ctx))
}

// Sync writes every dirty page back, drops the cached pages and syncs the
// device
func (m *Manager) Sync(ctx context.Context) (err error) {
	defer func(start time.Time) { m.observe("sync", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("sync"); err != nil {
		return err
	}
	if err := m.cache.Sync(ctx); err != nil {
		return err
	}
	return m.deviceResult(m.dev.Sync(ctx))
}

// Close writes back every page, stops the cache and syncs the device. The
// device itself is left open.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	err := m.cache.Destroy(ctx)
	if serr := m.deviceResult(m.dev.Sync(ctx)); err == nil {
		err = serr
	}
	m.logger.Info("free-space bitmap closed", map[string]interface{}{
		"reserved": m.reserved.Load(),
	})
	return err
}
