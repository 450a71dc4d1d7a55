package blockdev

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/objectfs/graphfs/pkg/errors"
)

// Compression selects the block codec algorithm
type Compression uint8

const (
	// CompressionNone stores blocks as-is behind the frame header
	CompressionNone Compression = iota
	// CompressionLZ4 favours speed
	CompressionLZ4
	// CompressionZSTD favours ratio
	CompressionZSTD
)

func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// ParseCompression maps a config string to a Compression
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, errors.Newf(errors.ErrCodeInvalidConfig, "unknown compression %q", s).
			WithComponent(component)
	}
}

// frameHeaderSize is [uncompressed u32][compressed u32]; compressed == 0
// means the payload follows uncompressed.
const frameHeaderSize = 8

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Codec frames blocks for object-style devices, compressing them when that
// saves at least a tenth of the block
type Codec struct {
	compression Compression
}

// NewCodec creates a codec for the given algorithm
func NewCodec(c Compression) *Codec {
	return &Codec{compression: c}
}

// Compression returns the configured algorithm
func (c *Codec) Compression() Compression {
	return c.compression
}

// Encode returns the framed form of block
func (c *Codec) Encode(block []byte) ([]byte, error) {
	var compressed []byte
	switch c.compression {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(block)))
		n, err := lz4.CompressBlock(block, buf, nil)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInternalError, "lz4 compression failed").
				WithComponent(component).WithOperation("encode").WithCause(err)
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(block, nil)
		zstdEncoderPool.Put(enc)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(block))*0.9 {
		out := make([]byte, frameHeaderSize+len(block))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(block)))
		copy(out[frameHeaderSize:], block)
		return out, nil
	}

	out := make([]byte, frameHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(block)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[frameHeaderSize:], compressed)
	return out, nil
}

// Decode unframes data into dst, which must be exactly the uncompressed size
func (c *Codec) Decode(data, dst []byte) error {
	if len(data) < frameHeaderSize {
		return corrupt("frame shorter than header")
	}
	size := binary.LittleEndian.Uint32(data[0:])
	compressedSize := binary.LittleEndian.Uint32(data[4:])
	if int(size) != len(dst) {
		return corrupt("frame holds %d bytes, block is %d", size, len(dst))
	}

	if compressedSize == 0 {
		if uint32(len(data)-frameHeaderSize) < size {
			return corrupt("truncated raw frame")
		}
		copy(dst, data[frameHeaderSize:frameHeaderSize+size])
		return nil
	}
	if uint32(len(data)-frameHeaderSize) < compressedSize {
		return corrupt("truncated compressed frame")
	}
	payload := data[frameHeaderSize : frameHeaderSize+compressedSize]

	switch c.compression {
	case CompressionZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, dst[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return corrupt("zstd: %v", err)
		}
		if len(out) != len(dst) {
			return corrupt("zstd produced %d bytes, want %d", len(out), len(dst))
		}
	default:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return corrupt("lz4: %v", err)
		}
		if n != len(dst) {
			return corrupt("lz4 produced %d bytes, want %d", n, len(dst))
		}
	}
	return nil
}

func corrupt(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeStorageRead, "corrupt block frame: "+format, args...).
		WithComponent(component).WithOperation("decode").WithRetryable(false)
}
