package layerdb

import (
	"bytes"
	"maps"
	"slices"

	"github.com/andreyvit/layerdb/kv"
)

// indexDelta is a pending index change: an insert of a pointer, or a
// delete when value is nil.
type indexDelta struct {
	key   []byte
	value []byte
}

// update is the pending state of one primary key. It is immutable once
// installed; a later mutation of the same key installs a new update.
type update struct {
	coll    *Collection
	key     []byte
	value   []byte // nil is a tombstone
	indexes [][]indexDelta
}

func (u *update) isTombstone() bool {
	return u.value == nil
}

// overlay holds the uncommitted writes of a handle, keyed by primary key.
// Handles sharing an overlay clone it before their first mutation.
type overlay struct {
	entries map[string]*update
}

func newOverlay() *overlay {
	return &overlay{entries: make(map[string]*update)}
}

func (ov *overlay) len() int {
	return len(ov.entries)
}

func (ov *overlay) get(key []byte) *update {
	return ov.entries[string(key)]
}

func (ov *overlay) put(u *update) {
	ov.entries[string(u.key)] = u
}

func (ov *overlay) remove(key []byte) {
	delete(ov.entries, string(key))
}

// clone is shallow: updates are immutable.
func (ov *overlay) clone() *overlay {
	return &overlay{entries: maps.Clone(ov.entries)}
}

// ops flattens the overlay into a commit batch. Deletes go first so that
// an index key moving between records within one batch survives.
func (ov *overlay) ops() []kv.Op {
	var dels, puts []kv.Op
	add := func(key, value []byte) {
		if value == nil {
			dels = append(dels, kv.Op{Key: key})
		} else {
			puts = append(puts, kv.Op{Key: key, Value: value})
		}
	}
	for _, u := range ov.entries {
		add(u.key, u.value)
		for _, deltas := range u.indexes {
			for _, d := range deltas {
				add(d.key, d.value)
			}
		}
	}
	byKey := func(a, b kv.Op) int { return bytes.Compare(a.Key, b.Key) }
	slices.SortFunc(dels, byKey)
	slices.SortFunc(puts, byKey)
	return append(dels, puts...)
}

// ovItem is an overlay entry selected for a query.
type ovItem struct {
	key   []byte
	value []byte // record for collection queries, pointer for index queries
}

// collectionItems returns the entries of c within rng, sorted in scan order.
func (ov *overlay) collectionItems(c *Collection, rng kv.Range, reverse bool) []ovItem {
	var items []ovItem
	for _, u := range ov.entries {
		if u.coll == c && rng.Contains(u.key) {
			items = append(items, ovItem{u.key, u.value})
		}
	}
	return sortItems(items, reverse)
}

// indexItems returns the index deltas of idx within rng. When two updates
// touch the same unique key, the insert wins over the delete.
func (ov *overlay) indexItems(idx *Index, rng kv.Range, reverse bool) []ovItem {
	var items []ovItem
	for _, u := range ov.entries {
		if u.coll != idx.coll {
			continue
		}
		for _, d := range u.indexes[idx.offset] {
			if rng.Contains(d.key) {
				items = append(items, ovItem{d.key, d.value})
			}
		}
	}
	items = sortItems(items, reverse)
	return slices.CompactFunc(items, func(a, b ovItem) bool {
		return bytes.Equal(a.key, b.key)
	})
}

// sortItems orders by key, and puts inserts before deletes of the same key
// so that compaction keeps the insert.
func sortItems(items []ovItem, reverse bool) []ovItem {
	slices.SortFunc(items, func(a, b ovItem) int {
		c := bytes.Compare(a.key, b.key)
		if reverse {
			c = -c
		}
		if c == 0 {
			switch {
			case a.value != nil && b.value == nil:
				return -1
			case a.value == nil && b.value != nil:
				return 1
			}
		}
		return c
	})
	return items
}
