package indexes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/arcstep/indexedkv/ikv_errors"
	"github.com/arcstep/indexedkv/schema"
	"github.com/arcstep/indexedkv/store"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
)

func testStore(t *testing.T) *store.Pebble {
	t.Helper()
	st, err := store.OpenPebble(t.TempDir(), nil, pebble.NoSync)
	assert.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testManager(t *testing.T, st store.Store) *IndexManager {
	t.Helper()
	im, err := NewIndexManager(Config{Store: st})
	assert.NoError(t, err)
	return im
}

// entries returns every index entry key currently on disk.
func entries(st store.Store) []string {
	return slices.Collect(st.Keys(IndexCollection, store.IterOptions{}))
}

func collect(seq func(func(string) bool)) []string {
	out := []string{}
	for k := range seq {
		out = append(out, k)
	}
	return out
}

func TestRegisterValidation(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	err := im.Register(ctx, "users", "user", "a..b", schema.Scalar(schema.Any))
	assert.ErrorIs(t, err, ikv_errors.ErrPathSyntax)

	desc := schema.StructOf(map[string]*schema.Descriptor{"age": schema.Scalar(schema.Int)})
	err = im.Register(ctx, "users", "user", "height", desc)
	assert.ErrorIs(t, err, ikv_errors.ErrPathType)

	assert.NoError(t, im.Register(ctx, "users", "user", "age", desc))
	assert.Equal(t, []string{"age"}, im.Indexes("users", "user"))
}

func TestRegisterIdempotent(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	desc := schema.Scalar(schema.Any)
	assert.NoError(t, im.Register(ctx, "users", "user", "age", desc))
	assert.NoError(t, im.Register(ctx, "users", "user", "age", desc))
	assert.Equal(t, []string{"age"}, im.Indexes("users", "user"))

	strict, err := NewIndexManager(Config{Store: st, StrictRegistration: true})
	assert.NoError(t, err)
	err = strict.Register(ctx, "users", "user", "age", desc)
	assert.ErrorIs(t, err, ikv_errors.ErrIndexExists)
}

func TestRegistrationsSurviveRestart(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Int)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 30}))

	// a fresh manager over the same store must keep maintaining the index
	im2 := testManager(t, st)
	assert.Equal(t, []string{"age"}, im2.Indexes("users", "user"))
	assert.NoError(t, im2.Upsert(ctx, "users", "user", "u2", map[string]any{"age": 31}))

	seq, err := im2.QueryExact("users", "user", "age", 31)
	assert.NoError(t, err)
	assert.Equal(t, []string{"u2"}, collect(seq))
}

// The scenario from the ages walkthrough: range, update, exact, delete,
// rebuild.
func TestAgeScenario(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Int)))
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("user:%d", i)
		assert.NoError(t, im.Upsert(ctx, "users", "user", key, map[string]any{"age": 20 + i}))
	}

	seq, err := im.QueryRange("users", "user", "age", RangeQuery{Start: 22, End: 26})
	assert.NoError(t, err)
	assert.Equal(t, []string{"user:2", "user:3", "user:4", "user:5"}, collect(seq))

	assert.NoError(t, im.Upsert(ctx, "users", "user", "user:2", map[string]any{"age": 31}))

	seq, err = im.QueryExact("users", "user", "age", 22)
	assert.NoError(t, err)
	assert.Empty(t, collect(seq))

	seq, err = im.QueryExact("users", "user", "age", 31)
	assert.NoError(t, err)
	assert.Equal(t, []string{"user:2"}, collect(seq))

	assert.NoError(t, im.Delete(ctx, "users", "user", "user:3"))
	assert.NoError(t, im.Rebuild(ctx, "users", "user"))

	seq, err = im.QueryRange("users", "user", "age", RangeQuery{Start: 20, End: 30})
	assert.NoError(t, err)
	assert.Equal(t, []string{
		"user:0", "user:1", "user:4", "user:5",
		"user:6", "user:7", "user:8", "user:9",
	}, collect(seq))
}

func TestUpsertReplacesStaleEntry(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Int)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 20}))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 21}))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 21}))

	assert.Len(t, entries(st), 1, "exactly one entry per key and path")

	seq, err := im.QueryExact("users", "user", "age", 20)
	assert.NoError(t, err)
	assert.Empty(t, collect(seq))
}

func TestDeleteCompleteness(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Register(ctx, "users", "user", "name", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 20, "name": "ann"}))
	assert.Len(t, entries(st), 2)

	assert.NoError(t, im.Delete(ctx, "users", "user", "u1"))
	assert.Empty(t, entries(st))

	raw, err := st.Get("users", "u1")
	assert.NoError(t, err)
	assert.Nil(t, raw)

	// deleting a missing key is a no-op
	assert.NoError(t, im.Delete(ctx, "users", "user", "nope"))
}

func TestRebuildMatchesIncremental(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Register(ctx, "users", "user", "tags[0]", schema.Scalar(schema.Any)))
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("u%d", i)
		assert.NoError(t, im.Upsert(ctx, "users", "user", key,
			map[string]any{"age": 20 + i, "tags": []any{fmt.Sprintf("t%d", i)}}))
	}
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 99}))
	assert.NoError(t, im.Delete(ctx, "users", "user", "u3"))

	incremental := entries(st)
	assert.NoError(t, im.Rebuild(ctx, "users", "user"))
	assert.Equal(t, incremental, entries(st))
}

func TestMissingFieldIndexesAsNull(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "nick", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 20}))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u2", map[string]any{"nick": "zed"}))

	seq, err := im.QueryExact("users", "user", "nick", nil)
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, collect(seq))
}

func TestDateStringQueriesRoundTrip(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "joined", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1",
		map[string]any{"joined": "2024-05-01T12:00:00Z"}))

	// The stored string and its time.Time equivalent must both hit the
	// entry the record was indexed under.
	seq, err := im.QueryExact("users", "user", "joined", "2024-05-01T12:00:00Z")
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, collect(seq))

	seq, err = im.QueryExact("users", "user", "joined",
		time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, collect(seq))

	seq, err = im.QueryRange("users", "user", "joined", RangeQuery{
		Start: "2024-05-01T00:00:00Z",
		End:   "2024-05-02T00:00:00Z",
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, collect(seq))
}

func TestQueryConditions(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	_, err := im.QueryExact("users", "user", "age", 20)
	assert.ErrorIs(t, err, ikv_errors.ErrIndexUnknown)

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Any)))

	_, err = im.QueryRange("users", "user", "age", RangeQuery{})
	assert.ErrorIs(t, err, ikv_errors.ErrQueryCondition)

	_, err = im.QueryRange("users", "user", "age", RangeQuery{Start: 20})
	assert.NoError(t, err)
	_, err = im.QueryRange("users", "user", "age", RangeQuery{End: 20})
	assert.NoError(t, err)
}

func TestRangeReverseAndLimit(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Any)))
	for i := 0; i < 6; i++ {
		assert.NoError(t, im.Upsert(ctx, "users", "user", fmt.Sprintf("u%d", i),
			map[string]any{"age": 20 + i}))
	}

	seq, err := im.QueryRange("users", "user", "age", RangeQuery{Start: 21, End: 25, Reverse: true})
	assert.NoError(t, err)
	assert.Equal(t, []string{"u4", "u3", "u2", "u1"}, collect(seq))

	seq, err = im.QueryRange("users", "user", "age", RangeQuery{Start: 21, Limit: 2})
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, collect(seq))
}

func TestReservedPrimaryKey(t *testing.T) {
	im := testManager(t, testStore(t))
	ctx := context.Background()

	err := im.Upsert(ctx, "users", "user", "bad:key:1", map[string]any{})
	assert.ErrorIs(t, err, ikv_errors.ErrReservedToken)
	err = im.Delete(ctx, "users", "user", "bad:key:1")
	assert.ErrorIs(t, err, ikv_errors.ErrReservedToken)
}

func TestUnregisterDropsEntries(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 20}))
	assert.Len(t, entries(st), 1)

	assert.NoError(t, im.Unregister(ctx, "users", "user", "age"))
	assert.Empty(t, entries(st))
	assert.Empty(t, im.Indexes("users", "user"))

	// unknown index is a no-op
	assert.NoError(t, im.Unregister(ctx, "users", "user", "age"))
}

// failCommitStore passes everything through except Commit.
type failCommitStore struct {
	store.Store
	fail bool
}

var errBoom = errors.New("boom")

func (f *failCommitStore) Commit(b store.Batch) error {
	if f.fail {
		return errBoom
	}
	return f.Store.Commit(b)
}

func TestCommitFailureLeavesNothing(t *testing.T) {
	st := testStore(t)
	fs := &failCommitStore{Store: st}
	im := testManager(t, fs)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "age", schema.Scalar(schema.Any)))
	assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 20}))
	before := entries(st)

	fs.fail = true
	err := im.Upsert(ctx, "users", "user", "u1", map[string]any{"age": 21})
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, before, entries(st), "index entries unchanged after failed commit")
	raw, err := st.Get("users", "u1")
	assert.NoError(t, err)
	assert.Contains(t, string(raw), "20", "record unchanged after failed commit")

	fs.fail = false
	seq, err := im.QueryExact("users", "user", "age", 20)
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, collect(seq))
}

func TestConcurrentUpsertsSameKey(t *testing.T) {
	st := testStore(t)
	im := testManager(t, st)
	ctx := context.Background()

	assert.NoError(t, im.Register(ctx, "users", "user", "n", schema.Scalar(schema.Any)))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, im.Upsert(ctx, "users", "user", "u1", map[string]any{"n": n}))
		}(i)
	}
	wg.Wait()

	all := entries(st)
	assert.Len(t, all, 1, "concurrent writers must not leave stale entries")

	// the surviving entry must agree with the stored record
	var rec map[string]any
	raw, err := st.Get("users", "u1")
	assert.NoError(t, err)
	assert.NotNil(t, raw)
	assert.NoError(t, jsonUnmarshal(raw, &rec))
	seq, err := im.QueryExact("users", "user", "n", rec["n"])
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, collect(seq))
}

func jsonUnmarshal(data []byte, v any) error {
	value, err := decodeRecord(data)
	if err != nil {
		return err
	}
	*(v.(*map[string]any)) = value.(map[string]any)
	return nil
}
