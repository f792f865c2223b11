package layerdb

import (
	"context"
	"errors"
	"testing"

	"github.com/andreyvit/layerdb/journal/journaltest"
	"github.com/andreyvit/layerdb/kv"
	"github.com/andreyvit/layerdb/kv/logkv"
	"github.com/andreyvit/layerdb/kv/memkv"
)

func TestChanges(t *testing.T) {
	e := must(logkv.Open(t.TempDir(), logkv.Options{Logger: journaltest.TestLogger(t)}))
	db := setup(t, e, basicSchema)

	insert(t, db, "people", person(1, "a", 1))
	flush(t, db)
	insert(t, db, "people", person(2, "b", 2))
	ensure(db.Delete(context.Background(), "people", key(1)))
	flush(t, db)

	type change struct {
		Op   Op
		Seq  uint64
		Coll string
		Doc  Doc
	}
	collect := func(hr kv.HistoryRange) []change {
		cs := must(db.Changes(context.Background(), hr))
		defer cs.Close()
		var out []change
		for cs.Next() {
			c := cs.Change()
			out = append(out, change{c.Op, c.Seq, c.Collection.Name(), c.Doc})
		}
		ensure(cs.Err())
		return out
	}

	deepEqual(t, collect(kv.HistoryRange{}), []change{
		{OpInsert, 0, "people", person(1, "a", 1)},
		{OpDelete, 1, "people", key(1)},
		{OpInsert, 1, "people", person(2, "b", 2)},
	})
	deepEqual(t, collect(kv.HistoryRange{Gte: 1}), []change{
		{OpDelete, 1, "people", key(1)},
		{OpInsert, 1, "people", person(2, "b", 2)},
	})
	deepEqual(t, len(collect(kv.HistoryRange{Lt: 1})), 1)
}

func TestChangesWithoutHistory(t *testing.T) {
	db := setup(t, memkv.New(memkv.Options{}), basicSchema)
	_, err := db.Changes(context.Background(), kv.HistoryRange{})
	if !errors.Is(err, ErrNoHistory) {
		t.Fatalf("Changes err = %v, wanted ErrNoHistory", err)
	}
}

func TestOpString(t *testing.T) {
	deepEqual(t, OpInsert.String(), "insert")
	deepEqual(t, OpDelete.String(), "delete")
	deepEqual(t, OpNone.String(), "none")
	deepEqual(t, Op(999).String(), "invalid op 999")
}

func TestCheckout(t *testing.T) {
	e := must(logkv.Open(t.TempDir(), logkv.Options{Logger: journaltest.TestLogger(t)}))
	db := setup(t, e, basicSchema)

	insert(t, db, "people", person(1, "a", 1))
	flush(t, db)
	insert(t, db, "people", person(1, "a", 5), person(2, "b", 2))
	flush(t, db)
	deepEqual(t, db.Version(), uint64(2))

	deepEqual(t, names(query(t, db, "people-by-age", Query{Checkout: 1})), "a")
	deepEqual(t, query(t, db, "people", Query{Checkout: 1}), []Doc{person(1, "a", 1)})
	deepEqual(t, names(query(t, db, "people-by-age", Query{})), "b a")

	var blocks []uint64
	doc := must(db.get(context.Background(), "people", key(1), Query{Checkout: 1}, func(seq uint64) {
		blocks = append(blocks, seq)
	}))
	deepEqual(t, doc, person(1, "a", 1))
	deepEqual(t, blocks, []uint64{0})

	// pending writes do not apply to historical reads
	insert(t, db, "people", person(3, "c", 3))
	deepEqual(t, names(query(t, db, "people", Query{Checkout: 2})), "a b")
}
