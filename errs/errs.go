// Package errs defines the sentinel errors shared across the builder's
// internal components and the public API.
//
// Everything here is classified with errors.Is; implementations add
// context with fmt.Errorf("...: %w", ...).
package errs

import "errors"

var (
	// ErrInvalidArgument indicates a configuration value or argument is out
	// of its allowed range (e.g. load_factor not in (0,1)).
	ErrInvalidArgument = errors.New("paldb: invalid argument")

	// ErrInvalidState indicates an operation was attempted on a Builder
	// after Close, or otherwise out of its valid lifecycle.
	ErrInvalidState = errors.New("paldb: invalid state")

	// ErrDuplicateKey indicates two Put calls provided bytewise-equal keys
	// of the same length.
	ErrDuplicateKey = errors.New("paldb: duplicate key")

	// ErrOutOfDiskSpace indicates the pre-merge free-space check failed.
	ErrOutOfDiskSpace = errors.New("paldb: out of disk space")

	// ErrStorageIO indicates an underlying read/write/mmap failure.
	ErrStorageIO = errors.New("paldb: storage i/o error")

	// ErrCorruptFormat indicates an internal consistency failure, such as a
	// varint decode that never terminates.
	ErrCorruptFormat = errors.New("paldb: corrupt format")

	// ErrUnsupportedVersion is reader-side (listed for completeness; the
	// builder never returns it).
	ErrUnsupportedVersion = errors.New("paldb: unsupported version")
)
