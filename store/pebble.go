package store

import (
	"iter"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/arcstep/indexedkv/utils"
)

// Pebble adapts a pebble.DB to the Store surface. Collections are key
// prefixes: a record (collection, key) lives at "collection:key", so a
// collection scan is a bounded iterator and stays contiguous on disk.
type Pebble struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	log    utils.Logger
	owns   bool
	closed atomic.Bool
}

// NewPebble wraps an already open database. The caller keeps ownership.
func NewPebble(db *pebble.DB, wo *pebble.WriteOptions) *Pebble {
	if wo == nil {
		wo = pebble.Sync
	}
	return &Pebble{db: db, wo: wo, log: utils.NewNopLogger()}
}

// OpenPebble opens (or creates) a database at dir and owns its lifetime.
func OpenPebble(dir string, opts *pebble.Options, wo *pebble.WriteOptions) (*Pebble, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	if wo == nil {
		wo = pebble.Sync
	}
	return &Pebble{db: db, wo: wo, log: utils.NewNopLogger(), owns: true}, nil
}

// SetLogger routes iterator faults somewhere visible. Keys cannot return
// an error without breaking every range-over-seq caller, so faults are
// logged instead of dropped.
func (p *Pebble) SetLogger(l utils.Logger) {
	if l != nil {
		p.log = l
	}
}

func (p *Pebble) DB() *pebble.DB { return p.db }

func encode(collection, key string) []byte {
	return append(append([]byte(collection), ':'), key...)
}

func (p *Pebble) Get(collection, key string) ([]byte, error) {
	val, closer, err := p.db.Get(encode(collection, key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, val...)
	closer.Close()
	return out, nil
}

type pebbleBatch struct {
	b  *pebble.Batch
	wo *pebble.WriteOptions
}

func (p *Pebble) NewBatch() Batch {
	return &pebbleBatch{b: p.db.NewBatch(), wo: p.wo}
}

func (b *pebbleBatch) Put(collection, key string, value []byte) error {
	return b.b.Set(encode(collection, key), value, b.wo)
}

func (b *pebbleBatch) Delete(collection, key string) error {
	return b.b.Delete(encode(collection, key), b.wo)
}

func (b *pebbleBatch) Len() int { return int(b.b.Count()) }

func (p *Pebble) Commit(batch Batch) error {
	pb, ok := batch.(*pebbleBatch)
	if !ok {
		return pebble.ErrClosed
	}
	return pb.b.Commit(pb.wo)
}

// keyUpperBound is the shortest key strictly greater than every key with
// prefix b.
func keyUpperBound(b []byte) []byte {
	end := append([]byte{}, b...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // the whole keyspace
}

// bounds derives iterator bounds. Start/End, when set, override the
// corresponding side of the Prefix bounds; they must themselves carry the
// prefix.
func (p *Pebble) bounds(collection string, opts IterOptions) (lo, hi []byte) {
	base := collection + ":"
	lo = []byte(base + opts.Prefix)
	hi = keyUpperBound(lo)
	if opts.Start != "" {
		lo = []byte(base + opts.Start)
	}
	if opts.End != "" {
		hi = []byte(base + opts.End)
	}
	return
}

func (p *Pebble) Keys(collection string, opts IterOptions) iter.Seq[string] {
	lo, hi := p.bounds(collection, opts)
	strip := len(collection) + 1
	return func(yield func(string) bool) {
		if p.closed.Load() {
			p.log.Error("iterator open failed", "collection", collection, "err", pebble.ErrClosed)
			return
		}
		it, err := p.db.NewIter(&pebble.IterOptions{
			LowerBound: lo,
			UpperBound: hi,
		})
		if err != nil {
			p.log.Error("iterator open failed", "collection", collection, "err", err)
			return
		}
		defer it.Close()
		n := 0
		advance := it.Next
		valid := it.First()
		if opts.Reverse {
			advance = it.Prev
			valid = it.Last()
		}
		for ; valid; valid = advance() {
			if opts.Limit > 0 && n >= opts.Limit {
				return
			}
			n++
			if !yield(string(it.Key()[strip:])) {
				return
			}
		}
		if err := it.Error(); err != nil {
			p.log.Error("iterator failed", "collection", collection, "err", err)
		}
	}
}

func (p *Pebble) Close() error {
	p.closed.Store(true)
	if p.owns {
		return p.db.Close()
	}
	return nil
}
