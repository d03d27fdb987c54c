// Package indexbuilder builds, for a single key length, a fixed-slot
// open-addressing hash table from a temp-stream manager's index temp file
// into a memory-mapped index file (spec §4.3).
package indexbuilder

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/spaolacci/murmur3"

	"paldb/errs"
	"paldb/internal/bloomfilter"
	"paldb/internal/mmapseg"
	"paldb/pkg/fs"
	"paldb/varint"
)

// Result summarizes a completed build for one key length, with the values
// the assembler's directory entry needs.
type Result struct {
	KeyLength       int
	KeyCount        uint64
	NumSlots        uint64
	SlotSize        int
	MaxOffsetLength int
	Collisions      uint64
	IndexPath       string
}

// Build reads keyCount fixed-length records (L bytes of key, then a packed
// offset) from the index temp file at indexTempPath, and writes a freshly
// allocated hash table to indexPath sized round(keyCount/loadFactor) slots,
// raised to keyCount+1 when that rounding does not exceed keyCount.
//
// If filter is non-nil, every key is also inserted into it. segSize bounds
// each mmap segment backing the index file.
//
// Build fails with errs.ErrDuplicateKey if two records carry bytewise-equal
// keys, and with errs.ErrStorageIO on any I/O failure.
func Build(
	fsys fs.FS,
	indexTempPath string,
	indexPath string,
	keyLength int,
	keyCount uint64,
	maxOffsetLength int,
	loadFactor float64,
	segSize int64,
	filter *bloomfilter.Filter,
) (Result, error) {
	numSlots := roundDiv(keyCount, loadFactor)
	if numSlots <= keyCount {
		numSlots = keyCount + 1
	}

	slotSize := keyLength + maxOffsetLength
	fileSize := int64(numSlots) * int64(slotSize)

	if err := fsys.WriteFile(indexPath, nil, 0o644); err != nil {
		return Result{}, fmt.Errorf("indexbuilder: create %s: %v: %w", indexPath, err, errs.ErrStorageIO)
	}

	if err := fsys.Truncate(indexPath, fileSize); err != nil {
		return Result{}, fmt.Errorf("indexbuilder: truncate %s to %d: %v: %w", indexPath, fileSize, err, errs.ErrStorageIO)
	}

	indexFile, err := fsys.OpenFile(indexPath, os.O_RDWR, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("indexbuilder: open %s: %v: %w", indexPath, err, errs.ErrStorageIO)
	}

	defer func() { _ = indexFile.Close() }()

	arr, err := mmapseg.Open(int(indexFile.Fd()), fileSize, segSize)
	if err != nil {
		return Result{}, err
	}

	defer func() { _ = arr.Close() }()

	var collisions uint64

	if keyCount > 0 {
		tempFile, err := fsys.Open(indexTempPath)
		if err != nil {
			return Result{}, fmt.Errorf("indexbuilder: open %s: %v: %w", indexTempPath, err, errs.ErrStorageIO)
		}

		defer func() { _ = tempFile.Close() }()

		r := bufio.NewReader(tempFile)
		key := make([]byte, keyLength)

		for i := uint64(0); i < keyCount; i++ {
			if _, err := readFull(r, key); err != nil {
				return Result{}, fmt.Errorf("indexbuilder: read key %d/%d for length %d: %v: %w", i, keyCount, keyLength, err, errs.ErrStorageIO)
			}

			offset, err := varint.UnpackLong(r)
			if err != nil {
				return Result{}, fmt.Errorf("indexbuilder: read offset for key %d (length %d): %w", i, keyLength, err)
			}

			if filter != nil {
				filter.Add(key)
			}

			probed, err := place(arr, key, offset, numSlots, int64(slotSize), keyLength, maxOffsetLength)
			if err != nil {
				return Result{}, err
			}

			if probed {
				collisions++
			}
		}
	}

	if err := arr.Close(); err != nil {
		return Result{}, err
	}

	return Result{
		KeyLength:       keyLength,
		KeyCount:        keyCount,
		NumSlots:        numSlots,
		SlotSize:        slotSize,
		MaxOffsetLength: maxOffsetLength,
		Collisions:      collisions,
		IndexPath:       indexPath,
	}, nil
}

// place probes the open-addressing table with linear probing starting at
// the key's hashed home slot, writing key and offset into the first empty
// slot found, and fails with errs.ErrDuplicateKey if the key is already
// present. It reports whether more than one probe was required.
func place(arr *mmapseg.Array, key []byte, offset uint64, numSlots uint64, slotSize int64, keyLength, maxOffsetLength int) (probed bool, err error) {
	h1, _ := murmur3.Sum128(key)
	home := h1 % numSlots

	for p := uint64(0); p < numSlots; p++ {
		slotIdx := (home + p) % numSlots
		slotOffset := int64(slotIdx) * slotSize

		offsetField := arr.ReadAt(slotOffset+int64(keyLength), maxOffsetLength)

		decoded, _, derr := varint.UnpackLongAt(offsetField, 0)
		if derr != nil {
			return false, fmt.Errorf("indexbuilder: decode slot %d offset field: %w", slotIdx, derr)
		}

		if decoded == 0 {
			arr.WriteAt(slotOffset, key)

			packed, _ := varint.AppendLong(nil, offset)
			arr.WriteAt(slotOffset+int64(keyLength), packed)

			return p > 0, nil
		}

		existingKey := arr.ReadAt(slotOffset, keyLength)
		if bytes.Equal(existingKey, key) {
			return false, fmt.Errorf("indexbuilder: key of length %d already present: %w", keyLength, errs.ErrDuplicateKey)
		}
	}

	return false, fmt.Errorf("indexbuilder: exhausted all %d slots without finding a home: %w", numSlots, errs.ErrStorageIO)
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// roundDiv implements spec §3's round(key_count / load_factor).
func roundDiv(keyCount uint64, loadFactor float64) uint64 {
	return uint64(math.Round(float64(keyCount) / loadFactor))
}
