package blockdev

import (
	"context"
	"encoding/binary"
	stderr "errors"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/utils"
)

var blockKeyPrefix = []byte("blk/")

// BadgerOptions configures a BadgerDevice
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Codec      *Codec
	Logger     *utils.StructuredLogger
}

// BadgerDevice stores each block as one key in a badger database
type BadgerDevice struct {
	mu        sync.RWMutex
	db        *badgerdb.DB
	blockSize int
	inMemory  bool
	codec     *Codec
	logger    *utils.StructuredLogger
}

// OpenBadgerDevice opens (or creates) the database at opts.Path
func OpenBadgerDevice(blockSize int, opts BadgerOptions) (*BadgerDevice, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "badger device needs a path").
			WithComponent(component).WithOperation("open")
	}

	bopts := badgerdb.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeStorageRead, "open badger at %q", opts.Path).
			WithComponent(component).WithOperation("open").WithCause(err).WithRetryable(false)
	}

	codec := opts.Codec
	if codec == nil {
		codec = NewCodec(CompressionNone)
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &BadgerDevice{
		db:        db,
		blockSize: blockSize,
		inMemory:  opts.InMemory,
		codec:     codec,
		logger:    logger.WithComponent(component).WithField("device", "badger"),
	}, nil
}

func blockKey(idx uint64) []byte {
	key := make([]byte, len(blockKeyPrefix)+8)
	copy(key, blockKeyPrefix)
	binary.BigEndian.PutUint64(key[len(blockKeyPrefix):], idx)
	return key
}

// ReadBlock loads block idx; missing keys read as zeros
func (d *BadgerDevice) ReadBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("read_block", p, d.blockSize); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return closedError("read_block")
	}

	err := d.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(blockKey(idx))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return d.codec.Decode(val, p)
		})
	})
	if stderr.Is(err, badgerdb.ErrKeyNotFound) {
		zero(p)
		return nil
	}
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeStorageRead) {
			return err
		}
		return errors.Newf(errors.ErrCodeStorageRead, "read block %d", idx).
			WithComponent(component).WithOperation("read_block").WithCause(err)
	}
	return nil
}

// WriteBlock stores block idx in its own transaction
func (d *BadgerDevice) WriteBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("write_block", p, d.blockSize); err != nil {
		return err
	}
	frame, err := d.codec.Encode(p)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return closedError("write_block")
	}

	err = d.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(blockKey(idx), frame)
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeStorageWrite, "write block %d", idx).
			WithComponent(component).WithOperation("write_block").WithCause(err)
	}
	return nil
}

// BlockSize returns the block size in bytes
func (d *BadgerDevice) BlockSize() int {
	return d.blockSize
}

// Sync flushes badger's write-ahead log
func (d *BadgerDevice) Sync(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return closedError("sync")
	}
	if d.inMemory {
		return nil
	}
	if err := d.db.Sync(); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "badger sync failed").
			WithComponent(component).WithOperation("sync").WithCause(err)
	}
	return nil
}

// Close closes the database
func (d *BadgerDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		d.logger.Warn("badger close failed", map[string]interface{}{"error": err})
		return errors.NewError(errors.ErrCodeStorageWrite, "badger close failed").
			WithComponent(component).WithOperation("close").WithCause(err)
	}
	return nil
}
