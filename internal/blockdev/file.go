package blockdev

import (
	"context"
	stderr "errors"
	"io"
	"os"
	"sync"

	"github.com/objectfs/graphfs/pkg/errors"
)

// FileDevice stores block idx at byte offset idx*BlockSize of a regular file
type FileDevice struct {
	mu        sync.RWMutex
	file      *os.File
	path      string
	blockSize int
}

// OpenFileDevice opens or creates the backing file
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeStorageRead, "open %s", path).
			WithComponent(component).WithOperation("open").WithCause(err).WithRetryable(false)
	}
	return &FileDevice{file: f, path: path, blockSize: blockSize}, nil
}

func (d *FileDevice) offset(idx uint64) int64 {
	return int64(idx) * int64(d.blockSize)
}

// ReadBlock reads block idx; bytes past the end of the file read as zeros
func (d *FileDevice) ReadBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("read_block", p, d.blockSize); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.file == nil {
		return closedError("read_block")
	}

	n, err := d.file.ReadAt(p, d.offset(idx))
	if err != nil && !stderr.Is(err, io.EOF) {
		return errors.Newf(errors.ErrCodeStorageRead, "read block %d of %s", idx, d.path).
			WithComponent(component).WithOperation("read_block").WithCause(err)
	}
	zero(p[n:])
	return nil
}

// WriteBlock writes block idx in place
func (d *FileDevice) WriteBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("write_block", p, d.blockSize); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.file == nil {
		return closedError("write_block")
	}

	if _, err := d.file.WriteAt(p, d.offset(idx)); err != nil {
		return errors.Newf(errors.ErrCodeStorageWrite, "write block %d of %s", idx, d.path).
			WithComponent(component).WithOperation("write_block").WithCause(err)
	}
	return nil
}

// BlockSize returns the block size in bytes
func (d *FileDevice) BlockSize() int {
	return d.blockSize
}

// Sync fsyncs the backing file
func (d *FileDevice) Sync(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.file == nil {
		return closedError("sync")
	}
	if err := d.file.Sync(); err != nil {
		return errors.Newf(errors.ErrCodeStorageWrite, "sync %s", d.path).
			WithComponent(component).WithOperation("sync").WithCause(err)
	}
	return nil
}

// Close syncs and closes the backing file
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Sync()
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	d.file = nil
	if err != nil {
		return errors.Newf(errors.ErrCodeStorageWrite, "close %s", d.path).
			WithComponent(component).WithOperation("close").WithCause(err)
	}
	return nil
}
