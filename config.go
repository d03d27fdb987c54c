package paldb

import (
	"fmt"

	"paldb/errs"
)

// defaultMmapSegmentSize is 1 GiB, the default cap on a single mmap
// segment during index build (spec §6).
const defaultMmapSegmentSize = 1 << 30

// DefaultLoadFactor is the target fill ratio applied when Configuration
// leaves LoadFactor at its zero value.
const DefaultLoadFactor = 0.75

// DefaultBloomErrorFactor is the target false-positive probability applied
// when Configuration leaves BloomErrorFactor at its zero value but enables
// the Bloom filter.
const DefaultBloomErrorFactor = 0.01

// Configuration holds the contract-stable keys a Builder and its upstream
// callers recognize (spec §6). Only LoadFactor, MmapSegmentSize,
// BloomEnabled, and BloomErrorFactor are read by the builder core; the
// remaining fields are defined at the API surface for the Reader and
// upstream typed-API layers and are preserved, not interpreted, here.
type Configuration struct {
	// LoadFactor is the target fill ratio of each per-key-length hash
	// table. Must satisfy 0 < LoadFactor < 1. Zero selects DefaultLoadFactor.
	LoadFactor float64

	// MmapSegmentSize bounds the size in bytes of each mmap segment
	// backing an index file during build. Zero selects defaultMmapSegmentSize.
	MmapSegmentSize int64

	// BloomEnabled, if true, builds and embeds a Bloom filter sized from
	// the final key count.
	BloomEnabled bool

	// BloomErrorFactor is the Bloom filter's target false-positive rate.
	// Zero selects DefaultBloomErrorFactor. Ignored unless BloomEnabled.
	BloomErrorFactor float64

	// MmapDataEnabled is reader-side only; ignored by the builder but
	// preserved here for upstream layers.
	MmapDataEnabled bool

	// AllowDuplicates, WriteBufferElements, and CompressionEnabled are
	// defined at the API surface for upstream layers; the builder core
	// does not consume them (spec §9 open questions).
	AllowDuplicates     bool
	WriteBufferElements int
	CompressionEnabled  bool
}

// withDefaults returns a copy of cfg with zero-valued tunables replaced by
// their documented defaults.
func (cfg Configuration) withDefaults() Configuration {
	out := cfg

	if out.LoadFactor == 0 {
		out.LoadFactor = DefaultLoadFactor
	}

	if out.MmapSegmentSize == 0 {
		out.MmapSegmentSize = defaultMmapSegmentSize
	}

	if out.BloomErrorFactor == 0 {
		out.BloomErrorFactor = DefaultBloomErrorFactor
	}

	return out
}

// validate reports errs.ErrInvalidArgument if cfg's builder-consumed
// fields are out of range.
func (cfg Configuration) validate() error {
	if cfg.LoadFactor <= 0 || cfg.LoadFactor >= 1 {
		return fmt.Errorf("paldb: load_factor %v must satisfy 0 < lf < 1: %w", cfg.LoadFactor, errs.ErrInvalidArgument)
	}

	if cfg.MmapSegmentSize <= 0 {
		return fmt.Errorf("paldb: mmap_segment_size %d must be positive: %w", cfg.MmapSegmentSize, errs.ErrInvalidArgument)
	}

	if cfg.BloomEnabled && (cfg.BloomErrorFactor <= 0 || cfg.BloomErrorFactor >= 1) {
		return fmt.Errorf("paldb: bloom_error_factor %v must satisfy 0 < p < 1: %w", cfg.BloomErrorFactor, errs.ErrInvalidArgument)
	}

	return nil
}
