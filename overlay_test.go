package layerdb

import (
	"testing"

	"github.com/andreyvit/layerdb/kv"
)

func ovUpdate(id uint64, value []byte, ageDeltas ...indexDelta) *update {
	u := &update{
		coll:    people,
		key:     must(people.EncodeKey(key(id))),
		value:   value,
		indexes: make([][]indexDelta, len(people.Indexes())),
	}
	u.indexes[peopleByAge.Offset()] = ageDeltas
	return u
}

func ageKey(age, id uint64) []byte {
	return must(peopleByAge.KeyEncoder().Encode([]any{age, id}))
}

func itemKeys(items []ovItem) [][]byte {
	var keys [][]byte
	for _, it := range items {
		keys = append(keys, it.key)
	}
	return keys
}

func TestOverlayOps(t *testing.T) {
	ov := newOverlay()
	ov.put(ovUpdate(2, []byte("v2"), indexDelta{ageKey(30, 2), []byte("p2")}))
	ov.put(ovUpdate(1, nil, indexDelta{ageKey(40, 1), nil}))
	deepEqual(t, ov.len(), 2)

	deepEqual(t, ov.ops(), []kv.Op{
		{Key: must(people.EncodeKey(key(1)))},
		{Key: ageKey(40, 1)},
		{Key: must(people.EncodeKey(key(2))), Value: []byte("v2")},
		{Key: ageKey(30, 2), Value: []byte("p2")},
	})

	ov.remove(must(people.EncodeKey(key(1))))
	deepEqual(t, ov.len(), 1)
	deepEqual(t, ov.get(must(people.EncodeKey(key(1)))), (*update)(nil))
	deepEqual(t, ov.get(must(people.EncodeKey(key(2)))).isTombstone(), false)
}

func TestOverlayClone(t *testing.T) {
	ov := newOverlay()
	ov.put(ovUpdate(1, []byte("v1")))
	c := ov.clone()
	c.put(ovUpdate(2, []byte("v2")))
	c.remove(must(people.EncodeKey(key(1))))
	deepEqual(t, ov.len(), 1)
	deepEqual(t, c.len(), 1)
	deepEqual(t, string(ov.get(must(people.EncodeKey(key(1)))).value), "v1")
}

func TestOverlayCollectionItems(t *testing.T) {
	ov := newOverlay()
	for _, id := range []uint64{3, 1, 2} {
		ov.put(ovUpdate(id, []byte{byte(id)}))
	}
	rng := must(people.EncodeKeyRange(Query{Gte: key(2)}))
	deepEqual(t, itemKeys(ov.collectionItems(people, rng, false)), [][]byte{
		must(people.EncodeKey(key(2))),
		must(people.EncodeKey(key(3))),
	})
	all := must(people.EncodeKeyRange(Query{}))
	deepEqual(t, itemKeys(ov.collectionItems(people, all, true)), [][]byte{
		must(people.EncodeKey(key(3))),
		must(people.EncodeKey(key(2))),
		must(people.EncodeKey(key(1))),
	})
	isempty(t, ov.collectionItems(posts, must(posts.EncodeKeyRange(Query{})), false))
}

func TestOverlayIndexItemsPreferInserts(t *testing.T) {
	// email moved from record 1 to record 2 within one overlay
	emailKey := must(peopleByEmail.KeyEncoder().Encode([]any{"foo@example.com"}))
	u1 := ovUpdate(1, []byte("v1"))
	u1.indexes[peopleByEmail.Offset()] = []indexDelta{{emailKey, nil}}
	u2 := ovUpdate(2, []byte("v2"))
	u2.indexes[peopleByEmail.Offset()] = []indexDelta{{emailKey, must(people.EncodeKey(key(2)))}}

	for _, order := range [][]*update{{u1, u2}, {u2, u1}} {
		ov := newOverlay()
		for _, u := range order {
			ov.put(u)
		}
		items := ov.indexItems(peopleByEmail, must(peopleByEmail.EncodeKeyRange(Query{})), false)
		deepEqual(t, len(items), 1)
		deepEqual(t, items[0].value, must(people.EncodeKey(key(2))))

		ops := ov.ops()
		deepEqual(t, ops[0], kv.Op{Key: emailKey})
	}
}
