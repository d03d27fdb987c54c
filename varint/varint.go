// Package varint packs unsigned 64-bit and 32-bit integers into
// variable-length byte sequences using a little-endian, 7-bit-payload,
// continuation-bit scheme (the high bit of each byte signals "more bytes
// follow").
//
// pack_long covers the range [0, 2^63) in 1-9 bytes; pack_int covers the
// full uint32 range in 1-5 bytes. Both round-trip through unpack_long at
// any position in a byte stream or buffer, independent of total length.
package varint

import (
	"fmt"
	"io"

	"paldb/errs"
)

const (
	// MaxLongLen is the maximum number of bytes PackLong ever writes.
	MaxLongLen = 9

	// MaxIntLen is the maximum number of bytes PackInt ever writes.
	MaxIntLen = 5
)

// PackLong writes v (which must be < 2^63) to w and returns the number of
// bytes written, so callers can track the maximum encoded length observed
// for a given field.
func PackLong(w io.Writer, v uint64) (int, error) {
	var buf [MaxLongLen]byte

	n := encodeLong(&buf, v)

	written, err := w.Write(buf[:n])
	if err != nil {
		return written, fmt.Errorf("varint: write: %w", err)
	}

	return written, nil
}

// AppendLong appends the packed encoding of v to dst and returns the
// extended slice along with the number of bytes written.
func AppendLong(dst []byte, v uint64) ([]byte, int) {
	var buf [MaxLongLen]byte

	n := encodeLong(&buf, v)

	return append(dst, buf[:n]...), n
}

func encodeLong(buf *[MaxLongLen]byte, v uint64) int {
	n := 0

	for {
		b := byte(v & 0x7f)
		v >>= 7

		if v != 0 {
			b |= 0x80
		}

		buf[n] = b
		n++

		if v == 0 || n == MaxLongLen {
			break
		}
	}

	return n
}

// PackInt writes v to w using the 32-bit variant (1-5 bytes) and returns
// the number of bytes written.
func PackInt(w io.Writer, v uint32) (int, error) {
	var buf [MaxIntLen]byte

	n := encodeInt(&buf, v)

	written, err := w.Write(buf[:n])
	if err != nil {
		return written, fmt.Errorf("varint: write: %w", err)
	}

	return written, nil
}

// AppendInt appends the packed encoding of v to dst.
func AppendInt(dst []byte, v uint32) ([]byte, int) {
	var buf [MaxIntLen]byte

	n := encodeInt(&buf, v)

	return append(dst, buf[:n]...), n
}

func encodeInt(buf *[MaxIntLen]byte, v uint32) int {
	n := 0

	for {
		b := byte(v & 0x7f)
		v >>= 7

		if v != 0 {
			b |= 0x80
		}

		buf[n] = b
		n++

		if v == 0 || n == MaxIntLen {
			break
		}
	}

	return n
}

// UnpackLong decodes a varint-encoded uint64 from r.
//
// Returns errs.ErrCorruptFormat if more than MaxLongLen bytes are read
// without encountering a terminator byte.
func UnpackLong(r io.ByteReader) (uint64, error) {
	var v uint64

	for i := 0; ; i++ {
		if i == MaxLongLen {
			return 0, fmt.Errorf("varint: long encoding exceeds %d bytes: %w", MaxLongLen, errs.ErrCorruptFormat)
		}

		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("varint: read: %w", err)
		}

		v |= uint64(b&0x7f) << (7 * uint(i))

		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// UnpackLongAt decodes a varint-encoded uint64 from buf starting at offset.
// It returns the decoded value and the number of bytes consumed.
//
// Decoding never reads past len(buf); a field that runs out of buffer
// before terminating is reported as errs.ErrCorruptFormat.
func UnpackLongAt(buf []byte, offset int) (uint64, int, error) {
	var v uint64

	for i := 0; ; i++ {
		if i == MaxLongLen {
			return 0, 0, fmt.Errorf("varint: long encoding exceeds %d bytes: %w", MaxLongLen, errs.ErrCorruptFormat)
		}

		pos := offset + i
		if pos >= len(buf) {
			return 0, 0, fmt.Errorf("varint: buffer exhausted: %w", errs.ErrCorruptFormat)
		}

		b := buf[pos]
		v |= uint64(b&0x7f) << (7 * uint(i))

		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
}

// UnpackInt decodes a varint-encoded uint32 from r.
func UnpackInt(r io.ByteReader) (uint32, error) {
	var v uint32

	for i := 0; ; i++ {
		if i == MaxIntLen {
			return 0, fmt.Errorf("varint: int encoding exceeds %d bytes: %w", MaxIntLen, errs.ErrCorruptFormat)
		}

		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("varint: read: %w", err)
		}

		v |= uint32(b&0x7f) << (7 * uint(i))

		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// LongLen returns the number of bytes PackLong would write for v.
func LongLen(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}

	return n
}
