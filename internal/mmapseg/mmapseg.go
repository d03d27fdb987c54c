// Package mmapseg provides a logical byte array backed by one or more
// memory-mapped segments over a single file, for files that may exceed
// the size a single contiguous mapping should cover (spec §4.3, §9).
//
// Each segment is at most the configured segment size; segments cover the
// file end to end without overlap. A segment's mapping starts at the page
// boundary at or below its first byte, so neighbouring mappings may share
// a page of the file. Reads and writes that straddle a
// segment boundary are split transparently across the segments involved.
package mmapseg

import (
	"fmt"

	"golang.org/x/sys/unix"

	"paldb/errs"
)

// Array is a logical []byte at least `size` bytes long, backed by one or
// more contiguous mmap segments. The zero value is not usable; construct
// with Open.
type Array struct {
	segments []segment
	segSize  int64
	size     int64
}

type segment struct {
	data   []byte
	offset int64 // absolute file offset where this segment's mapping begins
}

// Open mmaps fd — which must already be sized to exactly `size` bytes —
// across ceil(size/segSize) read-write, MAP_SHARED segments.
func Open(fd int, size int64, segSize int64) (*Array, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmapseg: size %d must be positive: %w", size, errs.ErrInvalidArgument)
	}

	if segSize <= 0 {
		return nil, fmt.Errorf("mmapseg: segment size %d must be positive: %w", segSize, errs.ErrInvalidArgument)
	}

	pageSize := int64(unix.Getpagesize())

	var segments []segment

	offset := int64(0)
	for offset < size {
		length := segSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}

		// mmap offsets must be page aligned, so the mapping starts at the
		// page boundary at or below the segment's first byte.
		mapStart := offset - offset%pageSize

		data, err := unix.Mmap(fd, mapStart, int(offset-mapStart+length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			for _, s := range segments {
				_ = unix.Munmap(s.data)
			}

			return nil, fmt.Errorf("mmapseg: mmap at offset %d length %d: %v: %w", offset, length, err, errs.ErrStorageIO)
		}

		segments = append(segments, segment{data: data, offset: mapStart})
		offset += length
	}

	return &Array{segments: segments, segSize: segSize, size: size}, nil
}

// Size returns the total logical length of the array in bytes.
func (a *Array) Size() int64 { return a.size }

// ReadAt returns a freshly allocated copy of the length bytes starting at
// offset, transparently split across segments if necessary.
func (a *Array) ReadAt(offset int64, length int) []byte {
	out := make([]byte, length)
	a.copyAt(offset, out, false)

	return out
}

// WriteAt writes src into the array starting at offset, transparently
// split across segments if the range straddles a boundary.
func (a *Array) WriteAt(offset int64, src []byte) {
	a.copyAt(offset, src, true)
}

// copyAt walks the segment list starting at the segment containing
// offset, copying to (write=true) or from (write=false) buf, repeating
// across as many segments as the range spans. Defensive: segments are
// expected to be larger than any slot in practice, so this typically
// splits at most once.
func (a *Array) copyAt(offset int64, buf []byte, write bool) {
	remaining := buf
	pos := offset
	segIdx := int(offset / a.segSize)

	for len(remaining) > 0 {
		seg := a.segments[segIdx]
		localOff := pos - seg.offset
		avail := int64(len(seg.data)) - localOff

		n := int64(len(remaining))
		if n > avail {
			n = avail
		}

		if write {
			copy(seg.data[localOff:localOff+n], remaining[:n])
		} else {
			copy(remaining[:n], seg.data[localOff:localOff+n])
		}

		remaining = remaining[n:]
		pos += n
		segIdx++
	}
}

// Close unmaps all segments. It must be called — and must complete —
// before the backing file is reopened as a plain stream (e.g. for the
// assembler's merge step); otherwise file deletion or re-reading may fail
// on some platforms.
func (a *Array) Close() error {
	var firstErr error

	for _, s := range a.segments {
		if err := unix.Munmap(s.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mmapseg: munmap: %v: %w", err, errs.ErrStorageIO)
		}
	}

	a.segments = nil

	return firstErr
}
