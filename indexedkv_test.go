package indexedkv

import (
	"context"
	"testing"
	"time"

	"github.com/arcstep/indexedkv/ikv_errors"
	"github.com/arcstep/indexedkv/schema"
	"github.com/arcstep/indexedkv/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func testDB(t *testing.T, dir string) *Database {
	t.Helper()
	db, err := Open(dir, Options{Logger: utils.NewNopLogger(), NoSync: true})
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func collect(seq func(func(string) bool)) []string {
	out := []string{}
	for k := range seq {
		out = append(out, k)
	}
	return out
}

type account struct {
	Owner   string    `json:"owner"`
	Balance float64   `json:"balance"`
	Created time.Time `json:"created"`
}

func TestEndToEnd(t *testing.T) {
	db := testDB(t, t.TempDir())
	ctx := context.Background()

	desc := schema.Of(account{})
	assert.NoError(t, db.RegisterIndex(ctx, "accounts", "account", "owner", desc))
	assert.NoError(t, db.RegisterIndex(ctx, "accounts", "account", "balance", desc))
	assert.NoError(t, db.RegisterIndex(ctx, "accounts", "account", "created", desc))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, db.Put(ctx, "accounts", "account", "acc1",
		account{Owner: "ann", Balance: 10.5, Created: base}))
	assert.NoError(t, db.Put(ctx, "accounts", "account", "acc2",
		account{Owner: "bob", Balance: -3, Created: base.Add(time.Hour)}))

	var got account
	ok, err := db.Get("accounts", "acc1", &got)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ann", got.Owner)

	seq, err := db.FindExact("accounts", "account", "owner", "bob")
	assert.NoError(t, err)
	assert.Equal(t, []string{"acc2"}, collect(seq))

	// negative balances sort before positive ones
	seq, err = db.FindRange("accounts", "account", "balance", RangeQuery{Start: -100, End: 100})
	assert.NoError(t, err)
	assert.Equal(t, []string{"acc2", "acc1"}, collect(seq))

	// time-typed field queried with a time bound
	seq, err = db.FindRange("accounts", "account", "created", RangeQuery{Start: base.Add(time.Minute)})
	assert.NoError(t, err)
	assert.Equal(t, []string{"acc2"}, collect(seq))

	n, err := db.Count("accounts", "account", "owner", "ann")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := db.Scan("accounts")
	assert.NoError(t, err)
	assert.Equal(t, []string{"acc1", "acc2"}, collect(keys))
}

func TestReopenKeepsIndexes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := testDB(t, dir)
	assert.NoError(t, db.RegisterIndex(ctx, "users", "user", "age", nil))
	assert.NoError(t, db.Put(ctx, "users", "user", "u1", map[string]any{"age": 20}))
	assert.NoError(t, db.Close())

	db = testDB(t, dir)
	assert.Equal(t, []string{"age"}, db.Indexes("users", "user"))
	// maintenance continues without re-registering
	assert.NoError(t, db.Put(ctx, "users", "user", "u2", map[string]any{"age": 21}))
	seq, err := db.FindExact("users", "user", "age", 21)
	assert.NoError(t, err)
	assert.Equal(t, []string{"u2"}, collect(seq))
}

func TestCollectionNames(t *testing.T) {
	db := testDB(t, t.TempDir())
	ctx := context.Background()

	for _, bad := range []string{"", "_meta", "_index", "_x", "a:b"} {
		err := db.Put(ctx, bad, "m", "k", map[string]any{})
		assert.ErrorIs(t, err, ikv_errors.ErrCollectionName, "collection %q", bad)
	}
	err := db.Put(ctx, "ok", "a:b", "k", map[string]any{})
	assert.ErrorIs(t, err, ikv_errors.ErrCollectionName)
}

func TestClosed(t *testing.T) {
	db := testDB(t, t.TempDir())
	assert.NoError(t, db.Close())
	err := db.Put(context.Background(), "users", "user", "k", map[string]any{})
	assert.ErrorIs(t, err, ikv_errors.ErrClosed)
	_, err = db.GetRaw("users", "k")
	assert.ErrorIs(t, err, ikv_errors.ErrClosed)
}

func TestRegisterMetrics(t *testing.T) {
	db := testDB(t, t.TempDir())
	reg := prometheus.NewRegistry()
	assert.NoError(t, db.RegisterMetrics(reg))
	_, err := reg.Gather()
	assert.NoError(t, err)
}
