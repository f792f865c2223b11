// Package kvtest is a conformance suite run against every kv.Engine.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/layerdb/kv"
)

// Opener returns a fresh, empty engine. The suite closes it.
type Opener func(t *testing.T) kv.Engine

func Run(t *testing.T, open Opener) {
	t.Run("get and commit", func(t *testing.T) { testGetCommit(t, open(t)) })
	t.Run("iterate", func(t *testing.T) { testIterate(t, open(t)) })
	t.Run("snapshot isolation", func(t *testing.T) { testSnapshot(t, open(t)) })
	t.Run("batch", func(t *testing.T) { testBatch(t, open(t)) })
	t.Run("cork", func(t *testing.T) { testCork(t, open(t)) })
	t.Run("close waits for snapshots", func(t *testing.T) { testCloseWaits(t, open(t)) })
}

func put(k, v string) kv.Op { return kv.Op{Key: []byte(k), Value: []byte(v)} }
func del(k string) kv.Op    { return kv.Op{Key: []byte(k)} }

func commit(t *testing.T, e kv.Engine, ops ...kv.Op) {
	t.Helper()
	require.NoError(t, e.Commit(context.Background(), ops))
}

func get(t *testing.T, e kv.Engine, snap kv.Snapshot, k string) string {
	t.Helper()
	v, err := e.Get(context.Background(), snap, []byte(k), kv.ReadOptions{})
	require.NoError(t, err)
	if v == nil {
		return "<nil>"
	}
	return string(v)
}

// Keys iterates the range and returns the keys as strings.
func Keys(t *testing.T, e kv.Engine, snap kv.Snapshot, rng kv.Range, opt kv.IterOptions) []string {
	t.Helper()
	it, err := e.Iterate(context.Background(), snap, rng, opt)
	require.NoError(t, err)
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return out
}

func testGetCommit(t *testing.T, e kv.Engine) {
	defer closeEngine(t, e)

	assert.Equal(t, uint64(0), e.Clock())
	assert.Equal(t, "<nil>", get(t, e, nil, "a"))

	commit(t, e, put("a", "1"), put("b", "2"))
	assert.Equal(t, uint64(1), e.Clock())
	assert.Equal(t, "1", get(t, e, nil, "a"))
	assert.Equal(t, "2", get(t, e, nil, "b"))

	commit(t, e, put("a", "3"), del("b"), del("zzz"))
	assert.Equal(t, uint64(2), e.Clock())
	assert.Equal(t, "3", get(t, e, nil, "a"))
	assert.Equal(t, "<nil>", get(t, e, nil, "b"))
}

func testIterate(t *testing.T, e kv.Engine) {
	defer closeEngine(t, e)
	commit(t, e, put("a", "1"), put("b", "2"), put("c", "3"), put("d", "4"), put("e", "5"))

	all := kv.Range{}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, Keys(t, e, nil, all, kv.IterOptions{}))
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, Keys(t, e, nil, all, kv.IterOptions{Reverse: true}))
	assert.Equal(t, []string{"a", "b"}, Keys(t, e, nil, all, kv.IterOptions{Limit: 2}))

	rng := kv.Range{Gt: []byte("b"), Lte: []byte("d")}
	assert.Equal(t, []string{"c", "d"}, Keys(t, e, nil, rng, kv.IterOptions{}))
	assert.Equal(t, []string{"d", "c"}, Keys(t, e, nil, rng, kv.IterOptions{Reverse: true}))

	rng = kv.Range{Gte: []byte("b"), Lt: []byte("d")}
	assert.Equal(t, []string{"b", "c"}, Keys(t, e, nil, rng, kv.IterOptions{}))
	assert.Equal(t, []string{"c"}, Keys(t, e, nil, rng, kv.IterOptions{Reverse: true, Limit: 1}))

	it, err := e.Iterate(context.Background(), nil, kv.Range{Gte: []byte("c")}, kv.IterOptions{})
	require.NoError(t, err)
	require.True(t, it.Next())
	assert.Equal(t, "c", string(it.Key()))
	assert.Equal(t, "3", string(it.Value()))
	require.NoError(t, it.Close())
}

func testSnapshot(t *testing.T, e kv.Engine) {
	defer closeEngine(t, e)
	commit(t, e, put("a", "1"))

	snap, err := e.Snapshot()
	require.NoError(t, err)
	assert.False(t, e.Outdated(snap))

	commit(t, e, put("a", "2"), put("b", "2"))
	assert.True(t, e.Outdated(snap))

	assert.Equal(t, "1", get(t, e, snap, "a"))
	assert.Equal(t, "<nil>", get(t, e, snap, "b"))
	assert.Equal(t, []string{"a"}, Keys(t, e, snap, kv.Range{}, kv.IterOptions{}))
	assert.Equal(t, "2", get(t, e, nil, "a"))

	s2 := snap.Ref()
	snap.Unref()
	assert.Equal(t, "1", get(t, e, s2, "a"))
	s2.Unref()
}

func testBatch(t *testing.T, e kv.Engine) {
	defer closeEngine(t, e)
	commit(t, e, put("a", "1"), put("c", "3"))

	values, err := e.GetBatch(context.Background(), nil, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, kv.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, []byte("1"), values[0])
	assert.Nil(t, values[1])
	assert.Equal(t, []byte("3"), values[2])
}

func testCork(t *testing.T, e kv.Engine) {
	defer closeEngine(t, e)
	commit(t, e, put("a", "1"))

	e.Cork()
	assert.Equal(t, "1", get(t, e, nil, "a"))
	assert.Equal(t, "<nil>", get(t, e, nil, "b"))
	commit(t, e, put("b", "2"))
	assert.Equal(t, "2", get(t, e, nil, "b"))
	e.Uncork()
	assert.Equal(t, "2", get(t, e, nil, "b"))
}

func testCloseWaits(t *testing.T, e kv.Engine) {
	snap, err := e.Snapshot()
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a snapshot was open")
	case <-time.After(50 * time.Millisecond):
	}

	snap.Unref()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the last snapshot was released")
	}

	_, err = e.Snapshot()
	assert.ErrorIs(t, err, kv.ErrClosed)
}

func closeEngine(t *testing.T, e kv.Engine) {
	t.Helper()
	require.NoError(t, e.Close())
}
