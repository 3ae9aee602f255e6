// Package store is the narrow substrate surface the indexing engine
// consumes: point reads, atomic batches and ordered key iteration over
// named collections. The production implementation sits on Pebble; tests
// wrap it to inject faults.
package store

import "iter"

// IterOptions bounds a key scan inside one collection. Prefix restricts
// the scan to keys sharing it; Start/End override either side of the
// prefix bounds with an explicit half-open range and must include the
// prefix themselves. Limit of zero means no limit.
type IterOptions struct {
	Prefix  string
	Start   string
	End     string
	Reverse bool
	Limit   int
}

// Batch stages writes that Commit applies as one atomic unit.
type Batch interface {
	Put(collection, key string, value []byte) error
	Delete(collection, key string) error
	// Len reports the number of staged operations.
	Len() int
}

type Store interface {
	// Get returns the value at key, or nil with no error when absent.
	Get(collection, key string) ([]byte, error)
	NewBatch() Batch
	// Commit applies every staged operation or none of them.
	Commit(b Batch) error
	// Keys iterates keys of a collection in byte order, honoring opts.
	Keys(collection string, opts IterOptions) iter.Seq[string]
	Close() error
}
