package logkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/layerdb/journal/journaltest"
	"github.com/andreyvit/layerdb/kv"
	"github.com/andreyvit/layerdb/kv/kvtest"
	"github.com/andreyvit/layerdb/kv/logkv"
)

func open(t *testing.T, dir string) *logkv.Engine {
	t.Helper()
	e, err := logkv.Open(dir, logkv.Options{Logger: journaltest.TestLogger(t), Verbose: true})
	require.NoError(t, err)
	return e
}

func commit(t *testing.T, e kv.Engine, ops ...kv.Op) {
	t.Helper()
	require.NoError(t, e.Commit(context.Background(), ops))
}

func put(k, v string) kv.Op { return kv.Op{Key: []byte(k), Value: []byte(v)} }
func del(k string) kv.Op    { return kv.Op{Key: []byte(k)} }

func get(t *testing.T, e kv.Engine, k string, ro kv.ReadOptions) string {
	t.Helper()
	v, err := e.Get(context.Background(), nil, []byte(k), ro)
	require.NoError(t, err)
	if v == nil {
		return "<nil>"
	}
	return string(v)
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		return open(t, t.TempDir())
	})
}

func TestCheckout(t *testing.T) {
	e := open(t, t.TempDir())
	defer e.Close()

	commit(t, e, put("a", "1"), put("b", "1"))
	commit(t, e, put("a", "2"), del("b"))
	commit(t, e, put("c", "3"))
	require.Equal(t, uint64(3), e.Length())
	require.True(t, e.Asap())

	assert.Equal(t, "1", get(t, e, "a", kv.ReadOptions{Checkout: 1}))
	assert.Equal(t, "1", get(t, e, "b", kv.ReadOptions{Checkout: 1}))
	assert.Equal(t, "2", get(t, e, "a", kv.ReadOptions{Checkout: 2}))
	assert.Equal(t, "<nil>", get(t, e, "b", kv.ReadOptions{Checkout: 2}))
	assert.Equal(t, "<nil>", get(t, e, "c", kv.ReadOptions{Checkout: 2}))
	assert.Equal(t, "3", get(t, e, "c", kv.ReadOptions{}))

	all := kv.Range{}
	assert.Equal(t, []string{"a", "b"}, kvtest.Keys(t, e, nil, all, kv.IterOptions{Checkout: 1}))
	assert.Equal(t, []string{"a"}, kvtest.Keys(t, e, nil, all, kv.IterOptions{Checkout: 2}))
	assert.Equal(t, []string{"a", "c"}, kvtest.Keys(t, e, nil, all, kv.IterOptions{}))

	_, err := e.Get(context.Background(), nil, []byte("a"), kv.ReadOptions{Checkout: 4})
	assert.ErrorIs(t, err, logkv.ErrCheckoutAhead)
}

func TestLimitCountsVisibleEntriesOnly(t *testing.T) {
	e := open(t, t.TempDir())
	defer e.Close()

	commit(t, e, put("a", "1"), put("b", "1"), put("c", "1"))
	commit(t, e, del("a"), del("b"))
	assert.Equal(t, []string{"c"}, kvtest.Keys(t, e, nil, kv.Range{}, kv.IterOptions{Limit: 1}))
}

func TestOnBlock(t *testing.T) {
	e := open(t, t.TempDir())
	defer e.Close()

	commit(t, e, put("a", "1"))
	commit(t, e, put("b", "2"))
	commit(t, e, put("a", "3"))

	var seen []uint64
	ro := kv.IterOptions{OnBlock: func(seq uint64) { seen = append(seen, seq) }}
	kvtest.Keys(t, e, nil, kv.Range{}, ro)
	assert.Equal(t, []uint64{2, 1}, seen)
}

func TestReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	e := open(t, dir)
	commit(t, e, put("a", "1"), put("b", "2"))
	commit(t, e, del("a"), put("c", "3"))
	require.NoError(t, e.Close())

	e = open(t, dir)
	defer e.Close()
	assert.Equal(t, uint64(2), e.Length())
	assert.Equal(t, "<nil>", get(t, e, "a", kv.ReadOptions{}))
	assert.Equal(t, "1", get(t, e, "a", kv.ReadOptions{Checkout: 1}))
	assert.Equal(t, []string{"b", "c"}, kvtest.Keys(t, e, nil, kv.Range{}, kv.IterOptions{}))

	commit(t, e, put("a", "4"))
	assert.Equal(t, "4", get(t, e, "a", kv.ReadOptions{}))
}

func TestDuplicateKeysInCommit(t *testing.T) {
	e := open(t, t.TempDir())
	defer e.Close()
	commit(t, e, put("a", "1"), put("a", "2"))
	assert.Equal(t, "2", get(t, e, "a", kv.ReadOptions{}))
}

func TestHistory(t *testing.T) {
	e := open(t, t.TempDir())
	defer e.Close()

	commit(t, e, put("b", "1"), put("a", "1"))
	commit(t, e, del("a"))
	commit(t, e, put("c", "1"))

	it, err := e.History(context.Background(), nil, kv.HistoryRange{Gte: 0, Lt: 2})
	require.NoError(t, err)
	defer it.Close()

	var got []kv.HistoryEntry
	for it.Next() {
		got = append(got, it.Entry())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []kv.HistoryEntry{
		{Seq: 0, Key: []byte("a"), Value: []byte("1")},
		{Seq: 0, Key: []byte("b"), Value: []byte("1")},
		{Seq: 1, Key: []byte("a")},
	}, got)
}

func TestDownload(t *testing.T) {
	dir := t.TempDir()
	e := open(t, dir)
	for range 5 {
		commit(t, e, put("k", "v"))
	}
	require.NoError(t, e.Close())

	e = open(t, dir)
	defer e.Close()
	require.NoError(t, e.Download(context.Background(), nil, 1, 100))
	require.NoError(t, e.Download(context.Background(), []uint64{0, 4, 99}, 0, 0))
	assert.Equal(t, "v", get(t, e, "k", kv.ReadOptions{Checkout: 3}))
}
