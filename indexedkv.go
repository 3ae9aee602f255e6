// Package indexedkv is an embedded key-value store with secondary
// indexes. Records live in named collections under caller-assigned
// primary keys; field paths registered against a (collection, model) pair
// are kept indexed on every write, in the same atomic batch as the record
// itself, and answer exact and range queries with a single ordered scan.
package indexedkv

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/arcstep/indexedkv/ikv_errors"
	"github.com/arcstep/indexedkv/indexes"
	"github.com/arcstep/indexedkv/schema"
	"github.com/arcstep/indexedkv/store"
	"github.com/arcstep/indexedkv/utils"
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	Logger utils.Logger
	// StrictRegistration turns duplicate index registration into an
	// error, matching the historical behavior. Off by default: an
	// idempotent Register is what a process restart wants.
	StrictRegistration bool
	// Pebble overrides the storage engine options.
	Pebble *pebble.Options
	// NoSync trades crash durability for write latency.
	NoSync bool
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// RangeQuery re-exports the index manager's range bounds.
type RangeQuery = indexes.RangeQuery

type Database struct {
	st     *store.Pebble
	idx    *indexes.IndexManager
	log    utils.Logger
	closed atomic.Bool
}

// Open opens (or creates) a database at dir.
func Open(dir string, opts Options) (*Database, error) {
	opts.SetDefaults()
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	st, err := store.OpenPebble(dir, opts.Pebble, wo)
	if err != nil {
		return nil, err
	}
	st.SetLogger(opts.Logger)
	idx, err := indexes.NewIndexManager(indexes.Config{
		Store:              st,
		Logger:             opts.Logger,
		StrictRegistration: opts.StrictRegistration,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	opts.Logger.Info("database open", "dir", dir)
	return &Database{st: st, idx: idx, log: opts.Logger}, nil
}

func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.st.Close()
}

func (d *Database) check(collection string) error {
	if d.closed.Load() {
		return ikv_errors.ErrClosed
	}
	return validateCollection(collection)
}

func validateCollection(name string) error {
	if name == "" || strings.HasPrefix(name, "_") || strings.Contains(name, ":") {
		return fmt.Errorf("%w: %q", ikv_errors.ErrCollectionName, name)
	}
	return nil
}

func validateModel(name string) error {
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("%w: bad model name %q", ikv_errors.ErrCollectionName, name)
	}
	return nil
}

// RegisterIndex registers a field path of a model for index maintenance.
// declared may be built with the schema package or derived from a Go type
// via schema.Of; nil means "any shape".
func (d *Database) RegisterIndex(ctx context.Context, collection, model, path string, declared *schema.Descriptor) error {
	if err := d.check(collection); err != nil {
		return err
	}
	if err := validateModel(model); err != nil {
		return err
	}
	if declared == nil {
		declared = schema.Scalar(schema.Any)
	}
	return d.idx.Register(ctx, collection, model, path, declared)
}

func (d *Database) UnregisterIndex(ctx context.Context, collection, model, path string) error {
	if err := d.check(collection); err != nil {
		return err
	}
	return d.idx.Unregister(ctx, collection, model, path)
}

// Indexes lists registered field paths for a (collection, model).
func (d *Database) Indexes(collection, model string) []string {
	return d.idx.Indexes(collection, model)
}

// Put inserts or replaces the record at key and updates its indexes.
func (d *Database) Put(ctx context.Context, collection, model, key string, value any) error {
	if err := d.check(collection); err != nil {
		return err
	}
	if err := validateModel(model); err != nil {
		return err
	}
	return d.idx.Upsert(ctx, collection, model, key, value)
}

// Get loads the record at key into out (a pointer, as for json.Unmarshal).
// The second return is false when the key does not exist.
func (d *Database) Get(collection, key string, out any) (bool, error) {
	if err := d.check(collection); err != nil {
		return false, err
	}
	raw, err := d.st.Get(collection, key)
	if err != nil || raw == nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// GetRaw returns the stored record bytes, or nil when absent.
func (d *Database) GetRaw(collection, key string) ([]byte, error) {
	if err := d.check(collection); err != nil {
		return nil, err
	}
	return d.st.Get(collection, key)
}

// Delete removes the record and its index entries; missing keys no-op.
func (d *Database) Delete(ctx context.Context, collection, model, key string) error {
	if err := d.check(collection); err != nil {
		return err
	}
	return d.idx.Delete(ctx, collection, model, key)
}

// FindExact yields primary keys whose indexed field equals value.
func (d *Database) FindExact(collection, model, path string, value any) (iter.Seq[string], error) {
	if err := d.check(collection); err != nil {
		return nil, err
	}
	return d.idx.QueryExact(collection, model, path, value)
}

// FindRange yields primary keys whose indexed field falls in [Start, End).
func (d *Database) FindRange(collection, model, path string, q RangeQuery) (iter.Seq[string], error) {
	if err := d.check(collection); err != nil {
		return nil, err
	}
	return d.idx.QueryRange(collection, model, path, q)
}

// Count reports how many records index the given value under path.
func (d *Database) Count(collection, model, path string, value any) (int, error) {
	if err := d.check(collection); err != nil {
		return 0, err
	}
	return d.idx.Count(collection, model, path, value)
}

// Scan yields every primary key of a collection in byte order.
func (d *Database) Scan(collection string) (iter.Seq[string], error) {
	if err := d.check(collection); err != nil {
		return nil, err
	}
	return d.idx.Scan(collection), nil
}

// Rebuild re-derives all index entries of a model from its live records.
func (d *Database) Rebuild(ctx context.Context, collection, model string) error {
	if err := d.check(collection); err != nil {
		return err
	}
	return d.idx.Rebuild(ctx, collection, model)
}

// RegisterMetrics registers the index manager metrics plus the storage
// engine collector with reg.
func (d *Database) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range indexes.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return reg.Register(NewPebbleCollector(d.st.DB()))
}
