package layerdb

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/andreyvit/layerdb/kv"
)

type metrics struct {
	commits           prometheus.Counter
	committedOps      prometheus.Counter
	conflicts         prometheus.Counter
	queries           *prometheus.CounterVec
	indirectFetches   prometheus.Counter
	extensionMessages *prometheus.CounterVec
}

// newMetrics builds the collectors, registering them only when reg is
// non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "layerdb",
			Name:      "commits_total",
			Help:      "Successful flushes.",
		}),
		committedOps: f.NewCounter(prometheus.CounterOpts{
			Namespace: "layerdb",
			Name:      "committed_ops_total",
			Help:      "Record and index puts and deletes written by flushes.",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "layerdb",
			Name:      "conflicts_total",
			Help:      "Flushes rejected because another handle committed first.",
		}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layerdb",
			Name:      "queries_total",
			Help:      "Streams opened, by target kind.",
		}, []string{"kind"}),
		indirectFetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "layerdb",
			Name:      "indirect_fetches_total",
			Help:      "Records fetched by pointer while streaming index queries.",
		}),
		extensionMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layerdb",
			Name:      "extension_messages_total",
			Help:      "Replication extension messages, by type and direction.",
		}, []string{"type", "dir"}),
	}
}

// CollectionStats counts the persisted entries of a collection as seen by
// a handle.
type CollectionStats struct {
	Records      int
	IndexEntries int
	DataSize     int
	IndexSize    int
	Pending      int
}

func (cs *CollectionStats) TotalSize() int {
	return cs.DataSize + cs.IndexSize
}

// CollectionStats scans the collection and its indexes.
func (db *DB) CollectionStats(ctx context.Context, c *Collection) (CollectionStats, error) {
	var result CollectionStats
	err := db.scanRaw(ctx, c.keyEnc, func(k, v []byte) error {
		result.Records++
		result.DataSize += len(k) + len(v)
		return nil
	})
	if err != nil {
		return result, err
	}
	for _, idx := range c.indexes {
		err := db.scanRaw(ctx, idx.keyEnc, func(k, v []byte) error {
			result.IndexEntries++
			result.IndexSize += len(k) + len(v)
			return nil
		})
		if err != nil {
			return result, err
		}
	}
	for _, u := range db.ov.entries {
		if u.coll == c {
			result.Pending++
		}
	}
	return result, nil
}

// scanRaw walks every persisted key in the encoder's namespace.
func (db *DB) scanRaw(ctx context.Context, ke *KeyEncoder, f func(k, v []byte) error) error {
	rng, err := ke.EncodeRange(TupleRange{})
	if err != nil {
		return err
	}
	it, err := db.engine.Iterate(ctx, db.snap, rng, kv.IterOptions{})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := f(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

func loggableDoc(doc Doc) string {
	if doc == nil {
		return "<none>"
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}
