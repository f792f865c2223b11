package layerdb

import (
	"bytes"
	"context"

	"github.com/andreyvit/layerdb/kv"
)

// Insert stages a record, replacing any previous pending write of the same
// primary key. Writing a record identical to the persisted one is a no-op
// that also drops any pending write of that key.
func (db *DB) Insert(ctx context.Context, name string, doc Doc) error {
	if db.closed {
		return ErrClosed
	}
	c := db.schema.ResolveCollection(name)
	if c == nil {
		return unknownCollection(name)
	}
	key, err := c.EncodeKey(doc)
	if err != nil {
		return err
	}
	value, err := c.EncodeValue(db.schema.version, doc)
	if err != nil {
		return err
	}

	old, err := db.engine.Get(ctx, db.snap, key, kv.ReadOptions{})
	if err != nil {
		return collErrf(c, nil, key, err, "reading previous value")
	}
	if old != nil && bytes.Equal(old, value) {
		db.logPut(ctx, "db: PUT.NOOP", c, key, doc)
		if db.ov.get(key) != nil {
			db.mutableOverlay().remove(key)
		}
		return nil
	}

	var oldDoc Doc
	if old != nil {
		oldDoc, err = c.Reconstruct(0, key, old)
		if err != nil {
			return err
		}
	}
	u := &update{coll: c, key: key, value: value}
	if len(c.indexes) > 0 {
		// Index values must see the record the way it will be read back.
		newDoc, err := c.Reconstruct(0, key, value)
		if err != nil {
			return err
		}
		u.indexes = make([][]indexDelta, len(c.indexes))
		for i, idx := range c.indexes {
			u.indexes[i], err = indexDeltas(idx, key, oldDoc, newDoc)
			if err != nil {
				return err
			}
		}
	}

	// Triggers run once the write is known to be valid.
	if c.trigger != nil {
		keyDoc, err := c.ReconstructKey(key)
		if err != nil {
			return err
		}
		if err := c.trigger(ctx, db, keyDoc, false); err != nil {
			return err
		}
	}

	db.logPut(ctx, "db: PUT", c, key, doc)
	db.mutableOverlay().put(u)
	return nil
}

// indexDeltas compares the index keys of the persisted and the incoming
// record. Keys present in both produce nothing.
func indexDeltas(idx *Index, pointer []byte, oldDoc, newDoc Doc) ([]indexDelta, error) {
	oldKeys, err := idx.EncodeIndexKeys(oldDoc)
	if err != nil {
		return nil, err
	}
	newKeys, err := idx.EncodeIndexKeys(newDoc)
	if err != nil {
		return nil, err
	}
	var deltas []indexDelta
	for _, k := range oldKeys {
		if !containsKey(newKeys, k) {
			deltas = append(deltas, indexDelta{key: k})
		}
	}
	for _, k := range newKeys {
		if !containsKey(oldKeys, k) {
			deltas = append(deltas, indexDelta{key: k, value: pointer})
		}
	}
	return deltas, nil
}

func containsKey(keys [][]byte, key []byte) bool {
	for _, k := range keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}
