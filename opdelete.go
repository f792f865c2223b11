package layerdb

import (
	"context"
	"log/slog"

	"github.com/andreyvit/layerdb/kv"
)

// Delete stages the removal of the record with the doc's primary key.
// Deleting a record that was never persisted only drops its pending write.
func (db *DB) Delete(ctx context.Context, name string, doc Doc) error {
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
	return db.deleteKey(ctx, c, key)
}

func (db *DB) deleteKey(ctx context.Context, c *Collection, key []byte) error {
	old, err := db.engine.Get(ctx, db.snap, key, kv.ReadOptions{})
	if err != nil {
		return collErrf(c, nil, key, err, "reading previous value")
	}
	if old == nil {
		if db.ov.get(key) != nil {
			db.mutableOverlay().remove(key)
		}
		if db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "db: DELETE.NOOP", slog.String("collection", c.name), hexAttr("key", key))
		}
		return nil
	}

	oldDoc, err := c.Reconstruct(0, key, old)
	if err != nil {
		return err
	}
	u := &update{coll: c, key: key}
	if len(c.indexes) > 0 {
		u.indexes = make([][]indexDelta, len(c.indexes))
		for i, idx := range c.indexes {
			u.indexes[i], err = indexDeltas(idx, nil, oldDoc, nil)
			if err != nil {
				return err
			}
		}
	}

	if c.trigger != nil {
		keyDoc, err := c.ReconstructKey(key)
		if err != nil {
			return err
		}
		if err := c.trigger(ctx, db, keyDoc, true); err != nil {
			return err
		}
	}

	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "db: DELETE", slog.String("collection", c.name), hexAttr("key", key))
	}
	db.mutableOverlay().put(u)
	return nil
}

// DeleteAll stages the removal of every record the query returns, and
// reports how many there were.
func (db *DB) DeleteAll(ctx context.Context, name string, q Query) (int, error) {
	c := db.schema.ResolveCollection(name)
	if idx := db.schema.ResolveIndex(name); idx != nil {
		c = idx.coll
	}
	if c == nil {
		return 0, unknownName(name)
	}
	docs, err := db.Query(ctx, name, q).ToArray(ctx)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		key, err := c.EncodeKey(doc)
		if err != nil {
			return 0, err
		}
		if err := db.deleteKey(ctx, c, key); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}
