package blockdev

import (
	"context"

	"github.com/objectfs/graphfs/internal/circuit"
	"github.com/objectfs/graphfs/internal/config"
	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/retry"
	"github.com/objectfs/graphfs/pkg/utils"
)

// Open creates the device described by cfg.Device (and cfg.S3 for s3 devices)
func Open(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (Device, error) {
	if logger == nil {
		logger = utils.NopLogger()
	}
	compression, err := ParseCompression(cfg.Device.Compression)
	if err != nil {
		return nil, err
	}
	codec := NewCodec(compression)
	blockSize := cfg.Device.BlockSize

	var dev Device
	switch cfg.Device.Type {
	case config.DeviceFile:
		dev, err = OpenFileDevice(cfg.Device.Path, blockSize)
	case config.DeviceMemory:
		dev, err = NewMemDevice(blockSize)
	case config.DeviceBadger:
		dev, err = OpenBadgerDevice(blockSize, BadgerOptions{
			Path:       cfg.Device.Path,
			SyncWrites: cfg.Device.SyncWrites,
			Codec:      codec,
			Logger:     logger,
		})
	case config.DeviceS3:
		rc := retry.DefaultConfig()
		rc.MaxAttempts = cfg.S3.Retry.MaxAttempts
		rc.InitialDelay = cfg.S3.Retry.InitialDelay
		rc.MaxDelay = cfg.S3.Retry.MaxDelay
		var bc *circuit.Config
		if cb := cfg.S3.CircuitBreaker; cb.Enabled {
			bc = &circuit.Config{
				FailureThreshold: uint32(cb.FailureThreshold),
				Timeout:          cb.OpenTimeout,
			}
		}
		dev, err = OpenS3Device(ctx, blockSize, S3Options{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			RequestTimeout:  cfg.S3.RequestTimeout,
			Retry:           rc,
			Breaker:         bc,
			Codec:           codec,
			Logger:          logger,
		})
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown device type %q", cfg.Device.Type).
			WithComponent(component).WithOperation("open")
	}
	if err != nil {
		return nil, err
	}

	logger.WithComponent(component).Info("block device opened", map[string]interface{}{
		"type":        cfg.Device.Type,
		"block_size":  blockSize,
		"compression": compression.String(),
	})
	return dev, nil
}
