package blockdev

import (
	"context"
	"sync"
)

// MemDevice keeps blocks in memory. Used by tests and tooling.
type MemDevice struct {
	mu        sync.RWMutex
	blockSize int
	blocks    map[uint64][]byte
	closed    bool

	writes uint64
	syncs  uint64
}

// NewMemDevice creates an empty in-memory device
func NewMemDevice(blockSize int) (*MemDevice, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	return &MemDevice{
		blockSize: blockSize,
		blocks:    make(map[uint64][]byte),
	}, nil
}

// ReadBlock copies block idx into p
func (d *MemDevice) ReadBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("read_block", p, d.blockSize); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return closedError("read_block")
	}

	if b, ok := d.blocks[idx]; ok {
		copy(p, b)
	} else {
		zero(p)
	}
	return nil
}

// WriteBlock stores a copy of p as block idx
func (d *MemDevice) WriteBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("write_block", p, d.blockSize); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return closedError("write_block")
	}

	b := make([]byte, len(p))
	copy(b, p)
	d.blocks[idx] = b
	d.writes++
	return nil
}

// BlockSize returns the block size in bytes
func (d *MemDevice) BlockSize() int {
	return d.blockSize
}

// Sync counts the call; memory needs no flushing
func (d *MemDevice) Sync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return closedError("sync")
	}
	d.syncs++
	return nil
}

// Close marks the device closed
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Writes returns the number of successful block writes
func (d *MemDevice) Writes() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writes
}

// Syncs returns the number of Sync calls
func (d *MemDevice) Syncs() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.syncs
}
