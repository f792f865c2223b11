package layerdb

import (
	"context"

	"github.com/andreyvit/layerdb/kv"
)

// Query selects a key range of a collection or index. Bounds hold the key
// fields (or indexed fields) by path and may cover only a leading prefix of
// them; a nil bound is open.
type Query struct {
	Gt  Doc `msgpack:"gt,omitempty"`
	Gte Doc `msgpack:"gte,omitempty"`
	Lt  Doc `msgpack:"lt,omitempty"`
	Lte Doc `msgpack:"lte,omitempty"`

	Reverse bool `msgpack:"rev,omitempty"`
	Limit   int  `msgpack:"lim,omitempty"` // <= 0 means unlimited

	// Version is the schema version records are decoded at; zero means
	// the handle's default.
	Version uint64 `msgpack:"-"`

	// Checkout reads the state at a historical log length, on engines
	// that keep history. Zero reads the handle's own state.
	Checkout uint64 `msgpack:"-"`
}

func (q Query) tupleRange(values func(Doc) []any) TupleRange {
	bound := func(d Doc) []any {
		if d == nil {
			return nil
		}
		return values(d)
	}
	return TupleRange{
		Gt:  bound(q.Gt),
		Gte: bound(q.Gte),
		Lt:  bound(q.Lt),
		Lte: bound(q.Lte),
	}
}

// Query streams the records of a collection, or of an index's collection
// in index order. Pending writes of the handle are merged in, except for
// historical checkouts. An unknown name yields an empty stream.
func (db *DB) Query(ctx context.Context, name string, q Query) *Stream {
	return db.query(ctx, name, q, nil)
}

// QueryOne returns the first record of the query, or nil.
func (db *DB) QueryOne(ctx context.Context, name string, q Query) (Doc, error) {
	q.Limit = 1
	return db.Query(ctx, name, q).One(ctx)
}

func (db *DB) query(ctx context.Context, name string, q Query, onBlock func(seq uint64)) *Stream {
	if db.closed {
		return errStream(ErrClosed)
	}
	var (
		c     *Collection
		idx   *Index
		rng   kv.Range
		items []ovItem
		err   error
	)
	if idx = db.schema.ResolveIndex(name); idx != nil {
		c = idx.coll
		rng, err = idx.EncodeKeyRange(q)
		if err != nil {
			return errStream(err)
		}
		if q.Checkout == 0 {
			items = db.ov.indexItems(idx, rng, q.Reverse)
		}
		// Pointers are resolved against the overlay as it is now.
		db.ovShared = true
		db.metrics.queries.WithLabelValues("index").Inc()
	} else if c = db.schema.ResolveCollection(name); c != nil {
		rng, err = c.EncodeKeyRange(q)
		if err != nil {
			return errStream(err)
		}
		if q.Checkout == 0 {
			items = db.ov.collectionItems(c, rng, q.Reverse)
		}
		db.metrics.queries.WithLabelValues("collection").Inc()
	} else {
		db.metrics.queries.WithLabelValues("unknown").Inc()
		return emptyStream()
	}

	snap := db.snap
	if snap != nil {
		snap = snap.Ref()
	} else {
		snap, err = db.engine.Snapshot()
		if err != nil {
			return errStream(err)
		}
	}

	s := newStream(ctx, db, c, idx, snap, items, q, onBlock)
	it, err := db.engine.Iterate(s.ctx, snap, rng, kv.IterOptions{
		Reverse:  q.Reverse,
		Checkout: q.Checkout,
		OnBlock:  onBlock,
	})
	if err != nil {
		s.fail(err)
		return s
	}
	s.it = it
	return s
}
