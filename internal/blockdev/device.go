// Package blockdev provides the fixed-size block devices that cached
// structures are persisted to.
//
// Every device addresses storage in blocks of BlockSize bytes. Blocks that
// were never written read back as zeros, so a freshly created device looks
// like an empty, fully cleared bitmap.
package blockdev

import (
	"context"

	"github.com/objectfs/graphfs/pkg/errors"
)

const component = "blockdev"

// Device is a block-addressed store. Implementations are safe for
// concurrent use on distinct blocks.
type Device interface {
	// ReadBlock fills p, which must be BlockSize bytes, with block idx
	ReadBlock(ctx context.Context, idx uint64, p []byte) error
	// WriteBlock stores p, which must be BlockSize bytes, as block idx
	WriteBlock(ctx context.Context, idx uint64, p []byte) error
	// BlockSize returns the block size in bytes
	BlockSize() int
	// Sync makes previous writes durable
	Sync(ctx context.Context) error
	// Close releases the device. Further calls fail with STORAGE_CLOSED.
	Close() error
}

// HealthChecker is implemented by devices that can probe their backend
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth probes dev if it implements HealthChecker. Local devices
// have nothing to probe and always report healthy.
func CheckHealth(ctx context.Context, dev Device) error {
	if hc, ok := dev.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func checkBlock(op string, p []byte, blockSize int) error {
	if len(p) != blockSize {
		return errors.Newf(errors.ErrCodeInvalidArgument, "buffer is %d bytes, block size is %d", len(p), blockSize).
			WithComponent(component).WithOperation(op)
	}
	return nil
}

func closedError(op string) error {
	return errors.NewError(errors.ErrCodeStorageClosed, "device is closed").
		WithComponent(component).WithOperation(op)
}
// ValidateBlockSize rejects block sizes that are not a positive multiple of 8
func ValidateBlockSize(size int) error {
	if size <= 0 || size%8 != 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "block size %d must be a positive multiple of 8", size).
			WithComponent(component)
	}
	return nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
