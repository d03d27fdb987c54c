// Package assembler writes the store's metadata header and concatenates
// metadata, per-key-length index files, and per-key-length data files into
// the caller's output sink (spec §4.4).
package assembler

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"paldb/errs"
	"paldb/internal/bloomfilter"
	"paldb/pkg/fs"
)

// FormatVersion identifies the on-disk layout written by this package.
// Readers must reject any other version with errs.ErrUnsupportedVersion.
const FormatVersion = "paldb-go-v1"

// maxFreeSpaceRatio is the pre-merge disk check threshold from spec §4.4:
// the build is refused once temp-file totals reach this fraction of usable
// free space on the filesystem backing the temp directory.
const maxFreeSpaceRatio = 0.66

// Entry is one key length's directory entry plus the temp file paths the
// assembler needs to merge it into the output.
type Entry struct {
	KeyLength       int
	KeyCount        uint64
	NumSlots        uint64
	SlotSize        int
	MaxOffsetLength int
	DataLength      uint64 // byte length of this key length's data temp file
	IndexPath       string
	DataPath        string
}

// IndexLength returns the byte length of this entry's built index file.
func (e Entry) IndexLength() uint64 {
	return e.NumSlots * uint64(e.SlotSize)
}

// WriteMetadata writes the metadata header described in spec §4.4 to w.
// entries must already be sorted ascending by KeyLength.
func WriteMetadata(w io.Writer, timestamp time.Time, totalKeyCount uint64, filter *bloomfilter.Filter, entries []Entry) error {
	cw := &countingWriter{w: w}

	if err := writeLengthPrefixedString(cw, FormatVersion); err != nil {
		return err
	}

	if err := writeUint64(cw, uint64(timestamp.UnixMilli())); err != nil {
		return err
	}

	if err := writeUint64(cw, totalKeyCount); err != nil {
		return err
	}

	if err := writeBloom(cw, filter); err != nil {
		return err
	}

	if err := writeUint32(cw, uint32(len(entries))); err != nil {
		return err
	}

	maxKeyLength := uint32(0)
	for _, e := range entries {
		if uint32(e.KeyLength) > maxKeyLength {
			maxKeyLength = uint32(e.KeyLength)
		}
	}

	if err := writeUint32(cw, maxKeyLength); err != nil {
		return err
	}

	var indexRegionOffset, dataRegionOffset uint64

	for _, e := range entries {
		if err := writeUint32(cw, uint32(e.KeyLength)); err != nil {
			return err
		}

		if err := writeUint64(cw, e.KeyCount); err != nil {
			return err
		}

		if err := writeUint64(cw, e.NumSlots); err != nil {
			return err
		}

		if err := writeUint32(cw, uint32(e.SlotSize)); err != nil {
			return err
		}

		if err := writeUint64(cw, indexRegionOffset); err != nil {
			return err
		}

		if err := writeUint64(cw, dataRegionOffset); err != nil {
			return err
		}

		indexRegionOffset += e.IndexLength()
		dataRegionOffset += e.DataLength
	}

	// index_region_start is computed as current_file_pointer + 16 so the
	// two trailing 8-byte fields are self-describing.
	indexRegionStart := uint64(cw.n) + 16
	dataRegionStart := indexRegionStart + indexRegionOffset

	if err := writeUint64(cw, indexRegionStart); err != nil {
		return err
	}

	if err := writeUint64(cw, dataRegionStart); err != nil {
		return err
	}

	return nil
}

func writeBloom(w io.Writer, filter *bloomfilter.Filter) error {
	if filter == nil {
		return writeZeros(w, 3)
	}

	if err := writeUint32(w, uint32(filter.BitSize())); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(filter.WordCount())); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(filter.HashFunctions())); err != nil {
		return err
	}

	for _, word := range filter.Words() {
		if err := writeUint64(w, word); err != nil {
			return err
		}
	}

	return nil
}

func writeZeros(w io.Writer, count int) error {
	for i := 0; i < count; i++ {
		if err := writeUint32(w, 0); err != nil {
			return err
		}
	}

	return nil
}

func writeLengthPrefixedString(w io.Writer, s string) error {
	if len(s) > 1<<16-1 {
		return fmt.Errorf("assembler: format version tag too long (%d bytes): %w", len(s), errs.ErrInvalidArgument)
	}

	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return fmt.Errorf("assembler: write version tag length: %v: %w", err, errs.ErrStorageIO)
	}

	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("assembler: write version tag: %v: %w", err, errs.ErrStorageIO)
	}

	return nil
}

func writeUint64(w io.Writer, v uint64) error {
	if err := binary.Write(w, binary.BigEndian, v); err != nil {
		return fmt.Errorf("assembler: write: %v: %w", err, errs.ErrStorageIO)
	}

	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	if err := binary.Write(w, binary.BigEndian, v); err != nil {
		return fmt.Errorf("assembler: write: %v: %w", err, errs.ErrStorageIO)
	}

	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err
}

// SortAscending returns entries sorted ascending by key length, as §4.4
// requires for both the metadata directory and the merge order.
func SortAscending(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].KeyLength < out[j].KeyLength })

	return out
}

// TotalTempBytes sums the byte lengths of every temp input the merge step
// will read: the metadata file plus every entry's index and data files.
func TotalTempBytes(metadataSize uint64, entries []Entry) uint64 {
	total := metadataSize
	for _, e := range entries {
		total += e.IndexLength()
		total += e.DataLength
	}

	return total
}

// CheckDiskSpace fails with errs.ErrOutOfDiskSpace if totalTempBytes is at
// least maxFreeSpaceRatio of the usable free space on the filesystem
// backing dir.
func CheckDiskSpace(dir string, totalTempBytes uint64) error {
	var stat unix.Statfs_t

	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("assembler: statfs %s: %v: %w", dir, err, errs.ErrStorageIO)
	}

	usable := uint64(stat.Bsize) * stat.Bavail
	if usable == 0 {
		return fmt.Errorf("assembler: %d temp bytes against no usable free space: %w", totalTempBytes, errs.ErrOutOfDiskSpace)
	}

	if float64(totalTempBytes)/float64(usable) >= maxFreeSpaceRatio {
		return fmt.Errorf(
			"assembler: %d temp bytes against %d usable free bytes exceeds %.0f%%: %w",
			totalTempBytes, usable, maxFreeSpaceRatio*100, errs.ErrOutOfDiskSpace,
		)
	}

	return nil
}

// Assemble writes the final store to out: the metadata file at
// metadataPath, then every entry's index file (ascending key length),
// then every entry's data file (ascending key length), as raw byte
// copies with no per-file framing.
func Assemble(fsys fs.FS, out io.Writer, metadataPath string, entries []Entry) error {
	sorted := SortAscending(entries)

	if err := copyFile(fsys, out, metadataPath); err != nil {
		return err
	}

	for _, e := range sorted {
		if err := copyFile(fsys, out, e.IndexPath); err != nil {
			return err
		}
	}

	for _, e := range sorted {
		if err := copyFile(fsys, out, e.DataPath); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(fsys fs.FS, out io.Writer, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("assembler: open %s: %v: %w", path, err, errs.ErrStorageIO)
	}

	defer func() { _ = f.Close() }()

	if _, err := io.Copy(out, bufio.NewReader(f)); err != nil {
		return fmt.Errorf("assembler: copy %s: %v: %w", path, err, errs.ErrStorageIO)
	}

	return nil
}
