// Package tempstream owns one append-only index temp file and one
// append-only data temp file per distinct key length observed across
// Put calls, plus the per-key-length running counters the index builder
// and assembler need (spec §4.2).
package tempstream

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	"paldb/errs"
	"paldb/pkg/fs"
	"paldb/varint"
)

// Stats is a snapshot of the running counters for one key length.
type Stats struct {
	KeyCount        uint64
	DataLength      uint64
	MaxOffsetLength int
}

type lengthState struct {
	indexFile fs.File
	dataFile  fs.File

	indexWriter *bufio.Writer
	dataWriter  *bufio.Writer

	keyCount        uint64
	dataLength      uint64
	maxOffsetLength int

	lastValue              []byte
	lastValueEncodedLength int
}

// Manager maintains per-key-length append streams and running statistics
// without assuming the set of key lengths is known in advance. A Manager
// is not safe for concurrent use; the builder owns it as a single writer.
type Manager struct {
	fsys fs.FS
	dir  string

	lengths map[int]*lengthState
	order   []int // key lengths in first-seen order

	// Global counters, read by the Builder.
	KeyCount   uint64
	ValueCount uint64
}

// NewManager returns a Manager that creates its per-key-length temp files
// under dir using fsys.
func NewManager(fsys fs.FS, dir string) *Manager {
	return &Manager{
		fsys:    fsys,
		dir:     dir,
		lengths: make(map[int]*lengthState),
	}
}

// IndexTempPath returns the path of the index temp file for key length l.
func (m *Manager) IndexTempPath(l int) string {
	return filepath.Join(m.dir, fmt.Sprintf("temp_index%d.dat", l))
}

// DataTempPath returns the path of the data temp file for key length l.
func (m *Manager) DataTempPath(l int) string {
	return filepath.Join(m.dir, fmt.Sprintf("data%d.dat", l))
}

// Put appends key and value to the streams for key length len(key).
//
// key must be non-empty; value may be empty.
func (m *Manager) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("tempstream: key must be non-empty: %w", errs.ErrInvalidArgument)
	}

	l := len(key)

	st, ok := m.lengths[l]
	if !ok {
		var err error

		st, err = m.createLength(l)
		if err != nil {
			return err
		}

		m.lengths[l] = st
		m.order = append(m.order, l)
	}

	if _, err := st.indexWriter.Write(key); err != nil {
		return fmt.Errorf("tempstream: write key (len %d): %v: %w", l, err, errs.ErrStorageIO)
	}

	sameAsLast := st.lastValue != nil && bytes.Equal(st.lastValue, value)

	offsetToRecord := st.dataLength
	if sameAsLast {
		offsetToRecord -= uint64(st.lastValueEncodedLength)
	}

	offsetLen, err := varint.PackLong(st.indexWriter, offsetToRecord)
	if err != nil {
		return fmt.Errorf("tempstream: write offset (len %d): %v: %w", l, err, errs.ErrStorageIO)
	}

	if offsetLen > st.maxOffsetLength {
		st.maxOffsetLength = offsetLen
	}

	if !sameAsLast {
		sizeLen, err := varint.PackInt(st.dataWriter, uint32(len(value)))
		if err != nil {
			return fmt.Errorf("tempstream: write value size (len %d): %v: %w", l, err, errs.ErrStorageIO)
		}

		if _, err := st.dataWriter.Write(value); err != nil {
			return fmt.Errorf("tempstream: write value (len %d): %v: %w", l, err, errs.ErrStorageIO)
		}

		encoded := sizeLen + len(value)
		st.dataLength += uint64(encoded)

		st.lastValue = append(st.lastValue[:0], value...)
		st.lastValueEncodedLength = encoded
		m.ValueCount++
	}

	st.keyCount++
	m.KeyCount++

	return nil
}

// createLength lazily opens the index/data temp files for a newly
// observed key length and reserves the zero-offset placeholder byte.
func (m *Manager) createLength(l int) (*lengthState, error) {
	indexPath := m.IndexTempPath(l)

	indexFile, err := m.fsys.Create(indexPath)
	if err != nil {
		return nil, fmt.Errorf("tempstream: create %s: %v: %w", indexPath, err, errs.ErrStorageIO)
	}

	dataPath := m.DataTempPath(l)

	dataFile, err := m.fsys.Create(dataPath)
	if err != nil {
		_ = indexFile.Close()

		return nil, fmt.Errorf("tempstream: create %s: %v: %w", dataPath, err, errs.ErrStorageIO)
	}

	st := &lengthState{
		indexFile:   indexFile,
		dataFile:    dataFile,
		indexWriter: bufio.NewWriter(indexFile),
		dataWriter:  bufio.NewWriter(dataFile),
	}

	// Reserved zero offset (spec §3 invariant): the first byte of every
	// data temp file is a placeholder so no real value ever starts at
	// offset 0, making an all-zero packed offset unambiguously "empty".
	if _, err := st.dataWriter.Write([]byte{0}); err != nil {
		return nil, fmt.Errorf("tempstream: write placeholder byte: %v: %w", err, errs.ErrStorageIO)
	}

	st.dataLength = 1

	return st, nil
}

// Close flushes and closes every open append stream. After Close, the
// temp files are readable by the index builder.
func (m *Manager) Close() error {
	for _, l := range m.order {
		st := m.lengths[l]

		if err := st.indexWriter.Flush(); err != nil {
			return fmt.Errorf("tempstream: flush index[%d]: %v: %w", l, err, errs.ErrStorageIO)
		}

		if err := st.dataWriter.Flush(); err != nil {
			return fmt.Errorf("tempstream: flush data[%d]: %v: %w", l, err, errs.ErrStorageIO)
		}

		if err := st.indexFile.Close(); err != nil {
			return fmt.Errorf("tempstream: close index[%d]: %v: %w", l, err, errs.ErrStorageIO)
		}

		if err := st.dataFile.Close(); err != nil {
			return fmt.Errorf("tempstream: close data[%d]: %v: %w", l, err, errs.ErrStorageIO)
		}
	}

	return nil
}

// LengthsAscending returns the observed key lengths in ascending order.
func (m *Manager) LengthsAscending() []int {
	out := append([]int(nil), m.order...)
	sort.Ints(out)

	return out
}

// Stats returns a snapshot of the running counters for key length l. The
// zero value is returned if l was never observed.
func (m *Manager) Stats(l int) Stats {
	st := m.lengths[l]
	if st == nil {
		return Stats{}
	}

	return Stats{
		KeyCount:        st.keyCount,
		DataLength:      st.dataLength,
		MaxOffsetLength: st.maxOffsetLength,
	}
}
