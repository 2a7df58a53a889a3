package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/pkg/db"
)

func TestKVStore(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store db.KVStore)
	}{
		{name: "basic_put_get", fn: testBasicPutGet},
		{name: "delete_operations", fn: testDelete},
		{name: "store_closure", fn: testStoreClosure},
		{name: "batch_reads_own_writes", fn: testBatchReadsOwnWrites},
		{name: "batch_discarded_on_close", fn: testBatchDiscardedOnClose},
		{name: "batch_commit_closure", fn: testBatchCommitAndClose},
		{name: "bounded_iteration", fn: testBoundedIteration},
		{name: "batch_iteration_sees_pending_writes", fn: testBatchIteration},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewKVStore()
			require.NoError(t, err)
			defer store.Close() //nolint:errcheck

			tc.fn(t, store)
		})
	}
}

func testBasicPutGet(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("test-key"), []byte("test-value")))

	retrieved, err := store.Get([]byte("test-key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("test-value"), retrieved)

	_, err = store.Get([]byte("non-existent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDelete(t *testing.T, store db.KVStore) {
	key := []byte("delete-test")
	require.NoError(t, store.Put(key, []byte("to-be-deleted")))
	require.NoError(t, store.Delete(key))

	_, err := store.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete non-existent key should not error
	assert.NoError(t, store.Delete([]byte("non-existent")))
}

func testStoreClosure(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Close())

	_, err := store.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put([]byte("key"), []byte("value")), ErrClosed)
	assert.ErrorIs(t, store.Delete([]byte("key")), ErrClosed)

	// Double close should not error
	assert.NoError(t, store.Close())
}

func testBatchReadsOwnWrites(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("a"), []byte("committed")))

	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck

	require.NoError(t, batch.Put([]byte("a"), []byte("pending")))
	require.NoError(t, batch.Put([]byte("b"), []byte("new")))

	v, err := batch.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), v)

	// not visible outside the batch before commit
	v, err = store.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), v)
	_, err = store.Get([]byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Commit())

	v, err = store.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func testBatchDiscardedOnClose(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("key"), []byte("value")))
	require.NoError(t, batch.Close())

	_, err := store.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testBatchCommitAndClose(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("key"), []byte("value")))
	require.NoError(t, batch.Commit())

	assert.ErrorIs(t, batch.Put([]byte("key2"), []byte("value2")), ErrBatchDone)
	assert.ErrorIs(t, batch.Delete([]byte("key2")), ErrBatchDone)
	assert.ErrorIs(t, batch.Commit(), ErrBatchDone)
	_, err := batch.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrBatchDone)

	assert.NoError(t, batch.Close())
	assert.NoError(t, batch.Close())
}

func testBoundedIteration(t *testing.T, store db.KVStore) {
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.Put([]byte(k), []byte("value-"+k)))
	}

	iter, err := store.NewIterator([]byte("b"), []byte("e"))
	require.NoError(t, err)
	defer iter.Close() //nolint:errcheck

	assert.False(t, iter.Valid())

	var keys []string
	for iter.Next() {
		value, err := iter.Value()
		require.NoError(t, err)
		assert.Equal(t, "value-"+string(iter.Key()), string(value))
		keys = append(keys, string(iter.Key()))
	}
	assert.Equal(t, []string{"b", "c", "d"}, keys)

	// exhausted iterators stay exhausted
	assert.False(t, iter.Next())
	_, err = iter.Value()
	assert.ErrorIs(t, err, ErrIteratorInvalid)
}

func testBatchIteration(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("k1"), []byte("1")))

	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck
	require.NoError(t, batch.Put([]byte("k2"), []byte("2")))
	require.NoError(t, batch.Delete([]byte("k1")))

	iter, err := batch.NewIterator([]byte("k"), []byte("l"))
	require.NoError(t, err)
	defer iter.Close() //nolint:errcheck

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	assert.Equal(t, []string{"k2"}, keys)
}
