package indexes

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/arcstep/indexedkv/accessor"
	"github.com/arcstep/indexedkv/fieldpath"
	"github.com/arcstep/indexedkv/ikv_errors"
	"github.com/arcstep/indexedkv/ordkey"
	"github.com/arcstep/indexedkv/schema"
	"github.com/arcstep/indexedkv/store"
	"github.com/arcstep/indexedkv/utils"
	"github.com/cespare/xxhash"
	"github.com/puzpuzpuz/xsync/v3"
)

// Reserved collections. User collections may not use these names.
const (
	MetaCollection  = "_meta"
	IndexCollection = "_index"
)

const lockStripes = 256

// Registration binds one field path of a (collection, model) pair to a
// declared type. Registrations persist in the metadata collection and are
// read-only once loaded.
type Registration struct {
	Collection string
	Model      string
	Path       *fieldpath.Path
	Type       *schema.Descriptor
}

type IndexManager struct {
	store  store.Store
	log    utils.Logger
	strict bool

	// regs: "collection:model" -> registrations for that pair
	regs *xsync.MapOf[string, []*Registration]

	// striped write locks: the get-old / diff / commit sequence of
	// Upsert and Delete is not atomic on its own, so all writers of one
	// primary key must go through the same mutex
	locks [lockStripes]sync.Mutex
}

type Config struct {
	Store  store.Store
	Logger utils.Logger
	// StrictRegistration makes re-registering an existing index an error
	// instead of a no-op.
	StrictRegistration bool
}

// NewIndexManager builds a manager and warms the registration cache from
// the metadata collection, so maintenance resumes right after restart.
func NewIndexManager(cfg Config) (*IndexManager, error) {
	log := cfg.Logger
	if log == nil {
		log = utils.NewNopLogger()
	}
	im := &IndexManager{
		store:  cfg.Store,
		log:    log,
		strict: cfg.StrictRegistration,
		regs:   xsync.NewMapOf[string, []*Registration](),
	}
	if err := im.loadRegistrations(); err != nil {
		return nil, err
	}
	return im, nil
}

func regKey(collection, model string) string {
	return collection + ordkey.Sep + model
}

// metaKey: idx:{collection}:{model}:{path}
func metaKey(collection, model, path string) string {
	return ordkey.IndexPrefix + collection + ordkey.Sep + model + ordkey.Sep + path
}

// familyKey is the shared prefix of every entry for one registered path:
// idx:{collection}:{model}:{path}:
func familyKey(collection, model, path string) string {
	return metaKey(collection, model, path) + ordkey.Sep
}

// entryKey: idx:{collection}:{model}:{path}:{formatted}:key:{primary}
func entryKey(collection, model, path, formatted, key string) string {
	return familyKey(collection, model, path) + formatted + ordkey.KeyToken + key
}

func (im *IndexManager) loadRegistrations() error {
	for key := range im.store.Keys(MetaCollection, store.IterOptions{Prefix: ordkey.IndexPrefix}) {
		rest := strings.TrimPrefix(key, ordkey.IndexPrefix)
		parts := strings.SplitN(rest, ordkey.Sep, 3)
		if len(parts) != 3 {
			im.log.Warn("skipping malformed index metadata key", "key", key)
			continue
		}
		collection, model, expr := parts[0], parts[1], parts[2]
		raw, err := im.store.Get(MetaCollection, key)
		if err != nil {
			return err
		}
		desc, err := schema.Unmarshal(raw)
		if err != nil {
			im.log.Warn("skipping unreadable index metadata", "key", key, "error", err)
			continue
		}
		path, err := fieldpath.Parse(expr)
		if err != nil {
			im.log.Warn("skipping metadata with unparsable path", "key", key, "error", err)
			continue
		}
		im.cacheRegistration(&Registration{
			Collection: collection, Model: model, Path: path, Type: desc,
		})
	}
	return nil
}

func (im *IndexManager) cacheRegistration(reg *Registration) {
	im.regs.Compute(regKey(reg.Collection, reg.Model),
		func(old []*Registration, _ bool) ([]*Registration, bool) {
			for _, r := range old {
				if r.Path.Expr() == reg.Path.Expr() {
					return old, false
				}
			}
			return append(append([]*Registration{}, old...), reg), false
		})
}

func (im *IndexManager) dropRegistration(collection, model, expr string) {
	im.regs.Compute(regKey(collection, model),
		func(old []*Registration, _ bool) ([]*Registration, bool) {
			keep := old[:0:0]
			for _, r := range old {
				if r.Path.Expr() != expr {
					keep = append(keep, r)
				}
			}
			return keep, len(keep) == 0
		})
}

func (im *IndexManager) registrations(collection, model string) []*Registration {
	regs, _ := im.regs.Load(regKey(collection, model))
	return regs
}

func (im *IndexManager) registration(collection, model, expr string) *Registration {
	for _, r := range im.registrations(collection, model) {
		if r.Path.Expr() == expr {
			return r
		}
	}
	return nil
}

func (im *IndexManager) lock(collection, key string) *sync.Mutex {
	h := xxhash.Sum64String(collection + "/" + key)
	return &im.locks[h%lockStripes]
}

func (im *IndexManager) lockAll() func() {
	for i := range im.locks {
		im.locks[i].Lock()
	}
	return func() {
		for i := range im.locks {
			im.locks[i].Unlock()
		}
	}
}

// Register declares that records of (collection, model) must keep an index
// over the given field path. The path is parsed and validated against the
// declared type before anything is written; registering the same path
// twice is a no-op unless StrictRegistration is set. Registration does not
// index pre-existing records — run Rebuild for that.
func (im *IndexManager) Register(ctx context.Context, collection, model, expr string, declared *schema.Descriptor) error {
	path, err := fieldpath.Parse(expr)
	if err != nil {
		return err
	}
	if err := accessor.ValidatePath(declared, path.Segments()); err != nil {
		return err
	}
	mk := metaKey(collection, model, expr)
	existing, err := im.store.Get(MetaCollection, mk)
	if err != nil {
		return err
	}
	if existing != nil {
		if im.strict {
			return fmt.Errorf("%w: %s/%s %s", ikv_errors.ErrIndexExists, collection, model, expr)
		}
		im.cacheRegistration(&Registration{Collection: collection, Model: model, Path: path, Type: declared})
		im.log.DebugCtx(ctx, "index already registered", "collection", collection, "model", model, "path", expr)
		return nil
	}
	raw, err := declared.Marshal()
	if err != nil {
		return err
	}
	batch := im.store.NewBatch()
	if err := batch.Put(MetaCollection, mk, raw); err != nil {
		return err
	}
	if err := im.store.Commit(batch); err != nil {
		return err
	}
	im.cacheRegistration(&Registration{Collection: collection, Model: model, Path: path, Type: declared})
	im.log.InfoCtx(ctx, "registered index", "collection", collection, "model", model, "path", expr)
	return nil
}

// Unregister removes the registration and every entry of its key family.
func (im *IndexManager) Unregister(ctx context.Context, collection, model, expr string) error {
	reg := im.registration(collection, model, expr)
	if reg == nil {
		im.log.DebugCtx(ctx, "unregister of unknown index is a no-op",
			"collection", collection, "model", model, "path", expr)
		return nil
	}
	unlock := im.lockAll()
	defer unlock()

	batch := im.store.NewBatch()
	if err := batch.Delete(MetaCollection, metaKey(collection, model, expr)); err != nil {
		return err
	}
	for key := range im.store.Keys(IndexCollection, store.IterOptions{Prefix: familyKey(collection, model, expr)}) {
		if err := batch.Delete(IndexCollection, key); err != nil {
			return err
		}
	}
	if err := im.store.Commit(batch); err != nil {
		return err
	}
	im.dropRegistration(collection, model, expr)
	im.log.InfoCtx(ctx, "unregistered index", "collection", collection, "model", model, "path", expr)
	return nil
}

// Indexes lists the registered path expressions of a (collection, model).
func (im *IndexManager) Indexes(collection, model string) []string {
	regs := im.registrations(collection, model)
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Path.Expr())
	}
	return out
}

// stageEntries computes the index-entry diff of one registration for a
// primary key and stages it: drop the stale entry, write the fresh one.
func stageEntries(batch store.Batch, reg *Registration, key string, oldValue, newValue any, hadOld bool) error {
	newFmt := ordkey.Format(accessor.FieldValue(newValue, reg.Path.Segments()))
	if err := ordkey.ValidateValue(newFmt); err != nil {
		return err
	}
	newEntry := entryKey(reg.Collection, reg.Model, reg.Path.Expr(), newFmt, key)
	if hadOld {
		oldFmt := ordkey.Format(accessor.FieldValue(oldValue, reg.Path.Segments()))
		oldEntry := entryKey(reg.Collection, reg.Model, reg.Path.Expr(), oldFmt, key)
		if oldEntry != newEntry {
			if err := batch.Delete(IndexCollection, oldEntry); err != nil {
				return err
			}
		}
	}
	return batch.Put(IndexCollection, newEntry, []byte{})
}

// Upsert writes a record and keeps every registered index entry for it
// exact, in one atomic batch. Readers never observe the record without
// its entries, or entries for a value the record no longer holds.
func (im *IndexManager) Upsert(ctx context.Context, collection, model, key string, value any) error {
	start := time.Now()
	if err := ordkey.ValidateKey(key); err != nil {
		return err
	}
	raw, err := encodeRecord(value)
	if err != nil {
		return err
	}
	// the canonical decoded shape is what old values will resolve as on
	// the next write, so index from it, not from the live value
	canonical, err := decodeRecord(raw)
	if err != nil {
		return err
	}

	mu := im.lock(collection, key)
	mu.Lock()
	defer mu.Unlock()

	oldRaw, err := im.store.Get(collection, key)
	if err != nil {
		return err
	}
	var oldValue any
	if oldRaw != nil {
		if oldValue, err = decodeRecord(oldRaw); err != nil {
			im.log.WarnCtx(ctx, "stored record is unreadable, stale entries may remain",
				"collection", collection, "key", key, "error", err)
			oldRaw = nil
		}
	}

	regs := im.registrations(collection, model)
	batch := im.store.NewBatch()
	for _, reg := range regs {
		if err := stageEntries(batch, reg, key, oldValue, canonical, oldRaw != nil); err != nil {
			return err
		}
	}
	if err := batch.Put(collection, key, raw); err != nil {
		return err
	}
	if err := im.store.Commit(batch); err != nil {
		return err
	}
	EntriesStaged.WithLabelValues(collection, model, "upsert").Add(float64(len(regs)))
	MaintenanceCount.WithLabelValues(collection, model, "upsert").Inc()
	MaintenanceDuration.WithLabelValues(collection, model, "upsert").Observe(time.Since(start).Seconds())
	return nil
}

// Delete removes a record and all of its index entries atomically. A
// missing key is a no-op.
func (im *IndexManager) Delete(ctx context.Context, collection, model, key string) error {
	start := time.Now()
	if err := ordkey.ValidateKey(key); err != nil {
		return err
	}
	mu := im.lock(collection, key)
	mu.Lock()
	defer mu.Unlock()

	oldRaw, err := im.store.Get(collection, key)
	if err != nil {
		return err
	}
	if oldRaw == nil {
		return nil
	}
	oldValue, err := decodeRecord(oldRaw)
	if err != nil {
		im.log.WarnCtx(ctx, "stored record is unreadable, deleting by key only",
			"collection", collection, "key", key, "error", err)
	}

	regs := im.registrations(collection, model)
	batch := im.store.NewBatch()
	for _, reg := range regs {
		f := ordkey.Format(accessor.FieldValue(oldValue, reg.Path.Segments()))
		if err := batch.Delete(IndexCollection, entryKey(reg.Collection, reg.Model, reg.Path.Expr(), f, key)); err != nil {
			return err
		}
	}
	if err := batch.Delete(collection, key); err != nil {
		return err
	}
	if err := im.store.Commit(batch); err != nil {
		return err
	}
	MaintenanceCount.WithLabelValues(collection, model, "delete").Inc()
	MaintenanceDuration.WithLabelValues(collection, model, "delete").Observe(time.Since(start).Seconds())
	return nil
}

// QueryExact yields the primary keys whose indexed field equals value, in
// key order. The value passes through the same canonicalization as record
// fields, so an RFC 3339 string matches entries stored from either a
// string or a time.Time.
func (im *IndexManager) QueryExact(collection, model, expr string, value any) (iter.Seq[string], error) {
	if im.registration(collection, model, expr) == nil {
		return nil, fmt.Errorf("%w: %s/%s %s", ikv_errors.ErrIndexUnknown, collection, model, expr)
	}
	f := ordkey.Format(canonicalize(value))
	if err := ordkey.ValidateValue(f); err != nil {
		return nil, err
	}
	prefix := familyKey(collection, model, expr) + f + ordkey.KeyToken
	QueryCount.WithLabelValues(collection, model, "exact").Inc()
	return func(yield func(string) bool) {
		for key := range im.store.Keys(IndexCollection, store.IterOptions{Prefix: prefix}) {
			if !yield(key[len(prefix):]) {
				return
			}
		}
	}, nil
}

// RangeQuery bounds a QueryRange scan. Nil Start/End leave that side open,
// but at least one bound must be set.
type RangeQuery struct {
	Start   any
	End     any
	Reverse bool
	Limit   int
}

// QueryRange yields primary keys whose indexed field falls in
// [Start, End), in encoded value order (ascending by construction of the
// formatter, descending with Reverse).
func (im *IndexManager) QueryRange(collection, model, expr string, q RangeQuery) (iter.Seq[string], error) {
	if im.registration(collection, model, expr) == nil {
		return nil, fmt.Errorf("%w: %s/%s %s", ikv_errors.ErrIndexUnknown, collection, model, expr)
	}
	if q.Start == nil && q.End == nil {
		return nil, errors.Join(ikv_errors.ErrQueryCondition,
			fmt.Errorf("range over %s/%s %s has no bounds", collection, model, expr))
	}
	family := familyKey(collection, model, expr)
	opts := store.IterOptions{Prefix: family, Reverse: q.Reverse, Limit: q.Limit}
	if q.Start != nil {
		f := ordkey.Format(canonicalize(q.Start))
		if err := ordkey.ValidateValue(f); err != nil {
			return nil, err
		}
		opts.Start = family + f
	}
	if q.End != nil {
		f := ordkey.Format(canonicalize(q.End))
		if err := ordkey.ValidateValue(f); err != nil {
			return nil, err
		}
		opts.End = family + f
	}
	QueryCount.WithLabelValues(collection, model, "range").Inc()
	return func(yield func(string) bool) {
		for key := range im.store.Keys(IndexCollection, opts) {
			i := strings.LastIndex(key, ordkey.KeyToken)
			if i < 0 {
				continue
			}
			if !yield(key[i+len(ordkey.KeyToken):]) {
				return
			}
		}
	}, nil
}

// Count reports the number of records whose indexed field equals value.
func (im *IndexManager) Count(collection, model, expr string, value any) (int, error) {
	seq, err := im.QueryExact(collection, model, expr, value)
	if err != nil {
		return 0, err
	}
	n := 0
	for range seq {
		n++
	}
	return n, nil
}

// Scan yields every primary key of a collection in key order.
func (im *IndexManager) Scan(collection string) iter.Seq[string] {
	return im.store.Keys(collection, store.IterOptions{})
}

// Rebuild drops every index entry of the model and re-derives them from
// the live records, in one atomic batch. It is the recovery path after
// registering an index over pre-existing data or on suspected corruption.
func (im *IndexManager) Rebuild(ctx context.Context, collection, model string) error {
	start := time.Now()
	unlock := im.lockAll()
	defer unlock()

	batch := im.store.NewBatch()
	modelPrefix := ordkey.IndexPrefix + collection + ordkey.Sep + model + ordkey.Sep
	for key := range im.store.Keys(IndexCollection, store.IterOptions{Prefix: modelPrefix}) {
		if err := batch.Delete(IndexCollection, key); err != nil {
			return err
		}
	}

	regs := im.registrations(collection, model)
	staged := 0
	for key := range im.store.Keys(collection, store.IterOptions{}) {
		raw, err := im.store.Get(collection, key)
		if err != nil {
			RebuildCount.WithLabelValues(collection, model, "error").Inc()
			return err
		}
		if raw == nil {
			continue
		}
		value, err := decodeRecord(raw)
		if err != nil {
			im.log.WarnCtx(ctx, "skipping unreadable record during rebuild",
				"collection", collection, "key", key, "error", err)
			continue
		}
		for _, reg := range regs {
			if err := stageEntries(batch, reg, key, nil, value, false); err != nil {
				RebuildCount.WithLabelValues(collection, model, "error").Inc()
				return err
			}
			staged++
		}
	}
	if err := im.store.Commit(batch); err != nil {
		RebuildCount.WithLabelValues(collection, model, "error").Inc()
		return err
	}
	EntriesStaged.WithLabelValues(collection, model, "rebuild").Add(float64(staged))
	RebuildCount.WithLabelValues(collection, model, "success").Inc()
	RebuildDuration.WithLabelValues(collection, model).Observe(time.Since(start).Seconds())
	im.log.InfoCtx(ctx, "rebuilt indexes", "collection", collection, "model", model, "entries", staged)
	return nil
}
