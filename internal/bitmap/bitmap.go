// Package bitmap implements the free-space bitmap primitives used to track
// which blocks and slot IDs are taken.
//
// A bitmap is an externally owned byte slice interpreted as totalBits bits.
// Bit i lives in byte i/8 at bit position i%8 (least significant bit first).
// Every function validates that the bits it touches lie within
// [0, totalBits) and returns an OUT_OF_RANGE error otherwise.
//
// The package has no internal synchronization; callers serialize access to
// a buffer, typically by holding the lock of the cache element that owns it.
package bitmap

import (
	"math/bits"

	"github.com/objectfs/graphfs/pkg/errors"
)

const component = "bitmap"

// Sentinels for errors.Is. Returned errors carry the same codes.
var (
	ErrOutOfRange      = errors.NewError(errors.ErrCodeOutOfRange, "bit range exceeds bitmap")
	ErrInvalidArgument = errors.NewError(errors.ErrCodeInvalidArgument, "invalid argument")
	ErrNoGap           = errors.NewError(errors.ErrCodeNoGap, "no gap found")
	ErrWindowExhausted = errors.NewError(errors.ErrCodeWindowExhausted, "search window exhausted inside a partial gap")
)

// Bytes returns the number of bytes needed to hold totalBits bits.
func Bytes(totalBits uint64) uint64 {
	return (totalBits + 7) / 8
}

// ByteMask returns a mask with n bits set starting at bit position start.
// start+n must not exceed 8.
func ByteMask(start, n uint) byte {
	if n >= 8 {
		return 0xff
	}
	return byte(((1 << n) - 1) << start)
}

func checkBuffer(op string, buf []byte, totalBits uint64) error {
	if uint64(len(buf)) < Bytes(totalBits) {
		return errors.Newf(errors.ErrCodeOutOfRange, "buffer of %d bytes cannot hold %d bits", len(buf), totalBits).
			WithComponent(component).WithOperation(op)
	}
	return nil
}

// checkRange validates [addr, addr+length) against totalBits.
func checkRange(op string, buf []byte, totalBits, addr, length uint64) error {
	if err := checkBuffer(op, buf, totalBits); err != nil {
		return err
	}
	if addr >= totalBits || length > totalBits-addr {
		return errors.Newf(errors.ErrCodeOutOfRange, "range [%d,+%d) exceeds %d bits", addr, length, totalBits).
			WithComponent(component).WithOperation(op).
			WithDetail("addr", addr).WithDetail("length", length)
	}
	return nil
}

// GetBit returns the value of bit addr.
func GetBit(buf []byte, totalBits, addr uint64) (bool, error) {
	if err := checkRange("get_bit", buf, totalBits, addr, 1); err != nil {
		return false, err
	}
	return buf[addr/8]&(1<<(addr%8)) != 0, nil
}

// SetBit sets bit addr to value.
func SetBit(buf []byte, totalBits, addr uint64, value bool) error {
	if err := checkRange("set_bit", buf, totalBits, addr, 1); err != nil {
		return err
	}
	if value {
		buf[addr/8] |= 1 << (addr % 8)
	} else {
		buf[addr/8] &^= 1 << (addr % 8)
	}
	return nil
}

func patchByte(b *byte, mask byte, value bool) {
	if value {
		*b |= mask
	} else {
		*b &^= mask
	}
}

// SetExtent sets or clears length contiguous bits starting at addr. The run
// may begin mid-byte, cover whole interior bytes and end mid-byte.
func SetExtent(buf []byte, totalBits, addr, length uint64, value bool) error {
	if err := checkRange("set_extent", buf, totalBits, addr, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	// leading partial byte
	if off := uint(addr % 8); off != 0 {
		n := min(uint64(8-off), length)
		patchByte(&buf[addr/8], ByteMask(off, uint(n)), value)
		addr += n
		length -= n
	}

	// whole bytes
	fill := byte(0)
	if value {
		fill = 0xff
	}
	whole := buf[addr/8 : addr/8+length/8]
	for i := range whole {
		whole[i] = fill
	}
	addr += length / 8 * 8
	length %= 8

	// trailing partial byte
	if length > 0 {
		patchByte(&buf[addr/8], ByteMask(0, uint(length)), value)
	}
	return nil
}

// runLength counts bits equal to want starting at bit position pos of b,
// stopping at the first mismatch or the end of the byte.
func runLength(b byte, pos uint, want bool) uint {
	if !want {
		b = ^b
	}
	return uint(bits.TrailingZeros8(^(b >> pos)))
}

// Count returns how many contiguous bits equal to want start at addr,
// stopping at the first mismatching bit or after maxLength bits.
func Count(buf []byte, totalBits, addr, maxLength uint64, want bool) (uint64, error) {
	if err := checkRange("count", buf, totalBits, addr, maxLength); err != nil {
		return 0, err
	}

	full := byte(0)
	if want {
		full = 0xff
	}

	var count uint64
	for count < maxLength {
		pos := addr + count
		off := uint(pos % 8)
		b := buf[pos/8]

		if off == 0 && b == full && maxLength-count >= 8 {
			count += 8
			continue
		}

		run := uint64(min(runLength(b, off, want), 8-off))
		if run == 0 {
			break
		}
		count += min(run, maxLength-count)
		if off+uint(run) < 8 {
			break
		}
	}
	return count, nil
}

// Find scans forward from addr across at most window bits for the first run
// of gap contiguous cleared bits and returns its address.
//
// If the window ends while a run of cleared bits is still accumulating, Find
// returns the address where that partial run starts together with
// ErrWindowExhausted so callers can extend the search. This holds when the
// window ends at totalBits too: a caller scanning one page of a larger bitmap
// continues the run on the next page, while a caller with a single bitmap
// treats it as no gap. ErrNoGap means no run of the requested size exists
// within the window.
func Find(buf []byte, totalBits, addr, window, gap uint64) (uint64, error) {
	return FindValue(buf, totalBits, addr, window, gap, false)
}

// FindValue is Find generalized to runs of bits equal to want.
func FindValue(buf []byte, totalBits, addr, window, gap uint64, want bool) (uint64, error) {
	if gap == 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidArgument, "gap length must be positive").
			WithComponent(component).WithOperation("find")
	}
	if err := checkRange("find", buf, totalBits, addr, window); err != nil {
		return 0, err
	}

	full, empty := byte(0x00), byte(0xff)
	if want {
		full, empty = 0xff, 0x00
	}

	end := addr + window
	var runStart, run uint64
	pos := addr
	for pos < end {
		off := uint(pos % 8)
		b := buf[pos/8]
		left := end - pos

		// whole-byte fast paths
		if off == 0 && left >= 8 {
			switch b {
			case full:
				if run == 0 {
					runStart = pos
				}
				run += 8
				if run >= gap {
					return runStart, nil
				}
				pos += 8
				continue
			case empty:
				run = 0
				pos += 8
				continue
			}
		}

		if (b&(1<<off) != 0) == want {
			if run == 0 {
				runStart = pos
			}
			run++
			if run >= gap {
				return runStart, nil
			}
		} else {
			run = 0
		}
		pos++
	}

	if run > 0 {
		return runStart, errors.Newf(errors.ErrCodeWindowExhausted, "window ended inside a %d-bit partial gap", run).
			WithComponent(component).WithOperation("find").
			WithDetail("partial_start", runStart).WithDetail("partial_length", run)
	}
	return 0, errors.Newf(errors.ErrCodeNoGap, "no %d-bit gap in [%d,+%d)", gap, addr, window).
		WithComponent(component).WithOperation("find")
}

// ExtentCanGrow reports whether the run of set bits starting at addr can be
// extended in place by additional bits: the additional bits immediately
// following the run must all be clear and lie within the bitmap.
func ExtentCanGrow(buf []byte, totalBits, addr, additional uint64) (bool, error) {
	if err := checkRange("extent_can_grow", buf, totalBits, addr, 1); err != nil {
		return false, err
	}

	set, err := Count(buf, totalBits, addr, totalBits-addr, true)
	if err != nil {
		return false, err
	}
	if additional == 0 {
		return true, nil
	}

	next := addr + set
	if next >= totalBits || additional > totalBits-next {
		return false, nil
	}
	clear, err := Count(buf, totalBits, next, additional, false)
	if err != nil {
		return false, err
	}
	return clear == additional, nil
}

// Popcount returns the number of set bits among the first totalBits bits.
func Popcount(buf []byte, totalBits uint64) (uint64, error) {
	if err := checkBuffer("popcount", buf, totalBits); err != nil {
		return 0, err
	}
	var n uint64
	whole := totalBits / 8
	for _, b := range buf[:whole] {
		n += uint64(bits.OnesCount8(b))
	}
	if rem := uint(totalBits % 8); rem > 0 {
		n += uint64(bits.OnesCount8(buf[whole] & ByteMask(0, rem)))
	}
	return n, nil
}
