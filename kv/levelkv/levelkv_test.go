package levelkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/layerdb/kv"
	"github.com/andreyvit/layerdb/kv/kvtest"
	"github.com/andreyvit/layerdb/kv/levelkv"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		e, err := levelkv.Open(t.TempDir(), levelkv.Options{})
		require.NoError(t, err)
		return e
	})
}

func TestCorkSharesView(t *testing.T) {
	ctx := context.Background()
	e, err := levelkv.Open(t.TempDir(), levelkv.Options{})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Commit(ctx, []kv.Op{{Key: []byte("a"), Value: []byte("1")}}))
	e.Cork()
	v, err := e.Get(ctx, nil, []byte("a"), kv.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	e.Uncork()

	values, err := e.GetBatch(ctx, nil, [][]byte{[]byte("a"), []byte("b")}, kv.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1"), nil}, values)
}
