package blockdev

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/graphfs/internal/circuit"
	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/retry"
	"github.com/objectfs/graphfs/pkg/utils"
)

// ObjectAPI is the subset of the S3 client used by S3Device
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures an S3Device
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
	RequestTimeout  time.Duration

	Retry retry.Config
	// Breaker guards the bucket when set; nil disables it
	Breaker *circuit.Config
	Codec   *Codec
	Logger  *utils.StructuredLogger
}

// S3Device stores each block as one object under Prefix
type S3Device struct {
	api       ObjectAPI
	bucket    string
	prefix    string
	blockSize int
	timeout   time.Duration
	codec     *Codec
	retryer   *retry.Retryer
	breaker   *circuit.Breaker
	logger    *utils.StructuredLogger

	mu     sync.RWMutex
	closed bool
}

// NewS3Client builds an S3 client from opts, using static credentials when
// an access key is configured and the default AWS chain otherwise
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to load AWS config").
			WithComponent(component).WithOperation("new_s3_client").WithCause(err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	}), nil
}

// OpenS3Device creates a client from opts and verifies the bucket is reachable
func OpenS3Device(ctx context.Context, blockSize int, opts S3Options) (*S3Device, error) {
	client, err := NewS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	d, err := NewS3Device(client, blockSize, opts)
	if err != nil {
		return nil, err
	}
	if err := d.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// NewS3Device wraps an existing client
func NewS3Device(api ObjectAPI, blockSize int, opts S3Options) (*S3Device, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	if opts.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent(component).WithOperation("new_s3_device")
	}

	codec := opts.Codec
	if codec == nil {
		codec = NewCodec(CompressionNone)
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NopLogger()
	}
	logger = logger.WithComponent(component).WithFields(map[string]interface{}{
		"device": "s3",
		"bucket": opts.Bucket,
	})

	retryer := retry.New(opts.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying S3 request", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		})
	})

	var breaker *circuit.Breaker
	if opts.Breaker != nil {
		bc := *opts.Breaker
		bc.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
		breaker = circuit.New("s3:"+opts.Bucket, bc)
	}

	return &S3Device{
		api:       api,
		bucket:    opts.Bucket,
		prefix:    strings.TrimSuffix(opts.Prefix, "/"),
		blockSize: blockSize,
		timeout:   opts.RequestTimeout,
		codec:     codec,
		retryer:   retryer,
		breaker:   breaker,
		logger:    logger,
	}, nil
}

// Key returns the object key holding block idx
func (d *S3Device) Key(idx uint64) string {
	if d.prefix == "" {
		return fmt.Sprintf("%016x", idx)
	}
	return fmt.Sprintf("%s/%016x", d.prefix, idx)
}

func (d *S3Device) checkOpen(op string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return closedError(op)
	}
	return nil
}

// do runs fn with retries, behind the breaker when one is configured
func (d *S3Device) do(ctx context.Context, fn func(context.Context) error) error {
	if d.breaker == nil {
		return d.retryer.DoWithContext(ctx, fn)
	}
	return d.breaker.Execute(ctx, func(ctx context.Context) error {
		return d.retryer.DoWithContext(ctx, fn)
	})
}

// BreakerState reports the breaker state, StateClosed when none is configured
func (d *S3Device) BreakerState() circuit.State {
	if d.breaker == nil {
		return circuit.StateClosed
	}
	return d.breaker.State()
}

func (d *S3Device) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return ctx, func() {}
}

// ReadBlock fetches block idx; a missing object reads as zeros
func (d *S3Device) ReadBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("read_block", p, d.blockSize); err != nil {
		return err
	}
	if err := d.checkOpen("read_block"); err != nil {
		return err
	}

	key := d.Key(idx)
	var frame []byte
	err := d.do(ctx, func(ctx context.Context) error {
		rctx, cancel := d.requestContext(ctx)
		defer cancel()

		out, err := d.api.GetObject(rctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return d.translateError(err, "read_block", key)
		}
		defer out.Body.Close()

		frame, err = io.ReadAll(out.Body)
		if err != nil {
			return errors.Newf(errors.ErrCodeNetworkError, "read body of %s", key).
				WithComponent(component).WithOperation("read_block").WithCause(err)
		}
		return nil
	})
	if errors.IsCode(err, errors.ErrCodeObjectNotFound) {
		zero(p)
		return nil
	}
	if err != nil {
		return err
	}
	return d.codec.Decode(frame, p)
}

// WriteBlock uploads block idx as a single object
func (d *S3Device) WriteBlock(ctx context.Context, idx uint64, p []byte) error {
	if err := checkBlock("write_block", p, d.blockSize); err != nil {
		return err
	}
	if err := d.checkOpen("write_block"); err != nil {
		return err
	}

	frame, err := d.codec.Encode(p)
	if err != nil {
		return err
	}

	key := d.Key(idx)
	return d.do(ctx, func(ctx context.Context) error {
		rctx, cancel := d.requestContext(ctx)
		defer cancel()

		_, err := d.api.PutObject(rctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(frame),
			ContentLength: aws.Int64(int64(len(frame))),
			ContentType:   aws.String("application/octet-stream"),
		})
		if err != nil {
			return d.translateError(err, "write_block", key)
		}
		return nil
	})
}

// BlockSize returns the block size in bytes
func (d *S3Device) BlockSize() int {
	return d.blockSize
}

// Sync is a no-op: a successful PutObject is already durable
func (d *S3Device) Sync(ctx context.Context) error {
	return d.checkOpen("sync")
}

// HealthCheck verifies the bucket is reachable
func (d *S3Device) HealthCheck(ctx context.Context) error {
	_, err := d.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return d.translateError(err, "health_check", d.bucket)
	}
	return nil
}

// Close marks the device closed
func (d *S3Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// retryableAPICodes are S3 error codes worth another attempt
var retryableAPICodes = map[string]bool{
	"SlowDown":           true,
	"RequestTimeout":     true,
	"InternalError":      true,
	"ServiceUnavailable": true,
	"Throttling":         true,
}

func (d *S3Device) translateError(err error, operation, key string) error {
	code := errors.ErrCodeStorageRead
	if operation == "write_block" {
		code = errors.ErrCodeStorageWrite
	}

	var apiErr smithy.APIError
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.Newf(errors.ErrCodeObjectNotFound, "object not found: %s", key).
			WithComponent(component).WithOperation(operation).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Newf(errors.ErrCodeInvalidConfig, "bucket not found: %s", d.bucket).
			WithComponent(component).WithOperation(operation).WithCause(err).WithRetryable(false)
	case stderr.Is(err, context.Canceled):
		return errors.NewError(errors.ErrCodeOperationCanceled, operation+" canceled").
			WithComponent(component).WithOperation(operation).WithCause(err)
	case stderr.Is(err, context.DeadlineExceeded):
		return errors.Newf(errors.ErrCodeOperationTimeout, "%s timed out for %s", operation, key).
			WithComponent(component).WithOperation(operation).WithCause(err)
	case stderr.As(err, &apiErr):
		return errors.Newf(code, "%s failed for %s: %s", operation, key, apiErr.ErrorCode()).
			WithComponent(component).WithOperation(operation).WithCause(err).
			WithDetail("api_code", apiErr.ErrorCode()).
			WithRetryable(retryableAPICodes[apiErr.ErrorCode()])
	default:
		return errors.Newf(errors.ErrCodeNetworkError, "%s failed for %s", operation, key).
			WithComponent(component).WithOperation(operation).WithCause(err)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
