package paldb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"paldb/errs"
	"paldb/internal/assembler"
	"paldb/internal/bloomfilter"
	"paldb/internal/indexbuilder"
	"paldb/internal/tempstream"
	"paldb/pkg/fs"
)

// Builder is the store's write-once pipeline: callers Put (key, value)
// pairs in any order and Close to produce the final store file.
//
// A Builder is single-writer and synchronous; Put and Close must be
// called from one owner, never concurrently (spec §5).
type Builder struct {
	cfg  Configuration
	fsys fs.FS
	out  io.Writer

	tempDir string
	temp    *tempstream.Manager

	closed bool
}

// New creates a Builder that validates cfg, applies its defaults, and
// streams the final store to out on Close. out is written to exactly
// once, in order; if out implements io.Closer it is closed on success.
func New(cfg Configuration, out io.Writer) (*Builder, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "paldb-build-*")
	if err != nil {
		return nil, fmt.Errorf("paldb: create temp dir: %v: %w", err, errs.ErrStorageIO)
	}

	fsys := fs.NewReal()

	return &Builder{
		cfg:     cfg,
		fsys:    fsys,
		out:     out,
		tempDir: tempDir,
		temp:    tempstream.NewManager(fsys, tempDir),
	}, nil
}

// Put appends one (key, value) pair to the store under construction.
// key must be non-empty; value may be empty.
func (b *Builder) Put(key, value []byte) error {
	if b.closed {
		return fmt.Errorf("paldb: put after close: %w", errs.ErrInvalidState)
	}

	return b.temp.Put(key, value)
}

// Close flushes all puts, builds the per-key-length hash indices, writes
// the final store to the output sink, and deletes the temp directory.
// Close must be called exactly once; subsequent Put or Close calls fail
// with errs.ErrInvalidState.
//
// On any failure the temp directory is removed best-effort and the
// partial output left for the caller to discard.
func (b *Builder) Close() error {
	if b.closed {
		return fmt.Errorf("paldb: close called twice: %w", errs.ErrInvalidState)
	}

	b.closed = true
	defer func() { _ = b.fsys.RemoveAll(b.tempDir) }()

	if err := b.temp.Close(); err != nil {
		return err
	}

	var filter *bloomfilter.Filter
	if b.cfg.BloomEnabled {
		filter = bloomfilter.New(b.temp.KeyCount, b.cfg.BloomErrorFactor)
	}

	entries, err := b.buildIndices(filter)
	if err != nil {
		return err
	}

	metadataPath := filepath.Join(b.tempDir, "metadata.dat")
	if err := b.writeMetadata(metadataPath, filter, entries); err != nil {
		return err
	}

	metaInfo, err := b.fsys.Stat(metadataPath)
	if err != nil {
		return fmt.Errorf("paldb: stat metadata file: %v: %w", err, errs.ErrStorageIO)
	}

	totalTempBytes := assembler.TotalTempBytes(uint64(metaInfo.Size()), entries)
	if err := assembler.CheckDiskSpace(b.tempDir, totalTempBytes); err != nil {
		return err
	}

	if err := assembler.Assemble(b.fsys, b.out, metadataPath, entries); err != nil {
		return err
	}

	if closer, ok := b.out.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("paldb: close output sink: %v: %w", err, errs.ErrStorageIO)
		}
	}

	return nil
}

// buildIndices runs the index builder for each observed key length,
// ascending, deleting each length's index temp file once its built index
// file exists (spec §4.3).
func (b *Builder) buildIndices(filter *bloomfilter.Filter) ([]assembler.Entry, error) {
	lengths := b.temp.LengthsAscending()
	entries := make([]assembler.Entry, 0, len(lengths))

	for _, l := range lengths {
		stats := b.temp.Stats(l)
		indexPath := filepath.Join(b.tempDir, fmt.Sprintf("index%d.dat", l))

		result, err := indexbuilder.Build(
			b.fsys,
			b.temp.IndexTempPath(l),
			indexPath,
			l,
			stats.KeyCount,
			stats.MaxOffsetLength,
			b.cfg.LoadFactor,
			b.cfg.MmapSegmentSize,
			filter,
		)
		if err != nil {
			return nil, err
		}

		_ = b.fsys.Remove(b.temp.IndexTempPath(l))

		entries = append(entries, assembler.Entry{
			KeyLength:       l,
			KeyCount:        result.KeyCount,
			NumSlots:        result.NumSlots,
			SlotSize:        result.SlotSize,
			MaxOffsetLength: result.MaxOffsetLength,
			DataLength:      stats.DataLength,
			IndexPath:       indexPath,
			DataPath:        b.temp.DataTempPath(l),
		})
	}

	return entries, nil
}

func (b *Builder) writeMetadata(metadataPath string, filter *bloomfilter.Filter, entries []assembler.Entry) error {
	metaFile, err := b.fsys.Create(metadataPath)
	if err != nil {
		return fmt.Errorf("paldb: create metadata file: %v: %w", err, errs.ErrStorageIO)
	}

	defer func() { _ = metaFile.Close() }()

	if err := assembler.WriteMetadata(metaFile, time.Now(), b.temp.KeyCount, filter, entries); err != nil {
		return err
	}

	return nil
}
