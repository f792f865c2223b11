package layerdb

import (
	"context"

	"github.com/andreyvit/layerdb/kv"
)

// Get returns the record with the doc's primary key, or nil. Given an
// index name, it returns the first record whose indexed fields match the
// doc. Pending writes of the handle take precedence over persisted state.
func (db *DB) Get(ctx context.Context, name string, doc Doc) (Doc, error) {
	return db.get(ctx, name, doc, Query{}, nil)
}

func (db *DB) get(ctx context.Context, name string, doc Doc, q Query, onBlock func(uint64)) (Doc, error) {
	if db.closed {
		return nil, ErrClosed
	}
	if idx := db.schema.ResolveIndex(name); idx != nil {
		if idx.fields[0].Type != None && idx.fieldValues(doc)[0] == nil {
			return nil, nil // no indexed value to look up
		}
		q.Gte, q.Lte, q.Limit = doc, doc, 1
		return db.query(ctx, name, q, onBlock).One(ctx)
	}
	c := db.schema.ResolveCollection(name)
	if c == nil {
		return nil, nil
	}
	key, err := c.EncodeKey(doc)
	if err != nil {
		return nil, err
	}
	if q.Checkout == 0 {
		if u := db.ov.get(key); u != nil {
			if u.isTombstone() {
				return nil, nil
			}
			return c.Reconstruct(db.decodeVersion(q.Version), key, u.value)
		}
	}
	value, err := db.engine.Get(ctx, db.snap, key, kv.ReadOptions{Checkout: q.Checkout, OnBlock: onBlock})
	if err != nil || value == nil {
		return nil, err
	}
	return c.Reconstruct(db.decodeVersion(q.Version), key, value)
}

// GetAll returns the records with the docs' primary keys, with nil for
// missing ones. Keys without a pending write are read in one batch.
func (db *DB) GetAll(ctx context.Context, name string, docs []Doc) ([]Doc, error) {
	if db.closed {
		return nil, ErrClosed
	}
	result := make([]Doc, len(docs))
	c := db.schema.ResolveCollection(name)
	if c == nil {
		return result, nil
	}
	version := db.decodeVersion(0)

	var keys [][]byte
	var pos []int
	for i, doc := range docs {
		key, err := c.EncodeKey(doc)
		if err != nil {
			return nil, err
		}
		if u := db.ov.get(key); u != nil {
			if !u.isTombstone() {
				if result[i], err = c.Reconstruct(version, key, u.value); err != nil {
					return nil, err
				}
			}
			continue
		}
		keys = append(keys, key)
		pos = append(pos, i)
	}
	if len(keys) == 0 {
		return result, nil
	}

	values, err := db.engine.GetBatch(ctx, db.snap, keys, kv.ReadOptions{})
	if err != nil {
		return nil, err
	}
	for j, value := range values {
		if value == nil {
			continue
		}
		if result[pos[j]], err = c.Reconstruct(version, keys[j], value); err != nil {
			return nil, err
		}
	}
	return result, nil
}
