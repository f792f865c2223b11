package boltkv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/layerdb/kv"
	"github.com/andreyvit/layerdb/kv/boltkv"
	"github.com/andreyvit/layerdb/kv/kvtest"
)

func open(t *testing.T, path string) *boltkv.Engine {
	t.Helper()
	e, err := boltkv.Open(path, boltkv.Options{IsTesting: true})
	require.NoError(t, err)
	return e
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		return open(t, filepath.Join(t.TempDir(), "test.db"))
	})
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e := open(t, path)
	require.NoError(t, e.Commit(context.Background(), []kv.Op{{Key: []byte("a"), Value: []byte("1")}}))
	require.NoError(t, e.Close())

	e = open(t, path)
	defer e.Close()
	v, err := e.Get(context.Background(), nil, []byte("a"), kv.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	require.Positive(t, e.Size())
}
