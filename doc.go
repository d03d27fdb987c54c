// Package paldb implements the store builder for an embedded,
// write-once/read-many key-value format: the offline pipeline that
// consumes an unordered stream of (key, value) byte pairs and emits a
// single self-contained file supporting O(1) point lookups through
// memory-mapped access.
//
// Build a store with New, call Put for each pair, and Close to flush the
// per-key-length hash indices and write the final file to the output
// sink. A Builder is single-writer and synchronous; see Builder for the
// full contract.
//
// The reader side, the typed API / serializer layer, and general
// file/directory utilities are out of scope for this package.
package paldb
