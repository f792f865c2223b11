package layerdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andreyvit/layerdb/kv"
	"github.com/andreyvit/layerdb/kv/memkv"
)

func TestStreamAcrossBatches(t *testing.T) {
	forEachEngine(t, basicSchema, func(t *testing.T, db *DB) {
		const n = 3*fetchBatchSize + 5
		for i := 1; i <= n; i++ {
			insert(t, db, "people", person(uint64(i), fmt.Sprint(i), uint64(n-i)))
		}
		flush(t, db)
		for i := 2; i <= n; i += 2 {
			ensure(db.Delete(context.Background(), "people", key(uint64(i))))
		}

		docs := query(t, db, "people-by-age", Query{})
		deepEqual(t, len(docs), (n+1)/2)
		for j, doc := range docs {
			deepEqual(t, doc["age"], any(uint64(j*2)))
		}

		docs = query(t, db, "people-by-age", Query{Reverse: true, Limit: fetchBatchSize + 1})
		deepEqual(t, len(docs), fetchBatchSize+1)
		deepEqual(t, docs[0]["id"], any(uint64(1)))
		deepEqual(t, docs[1]["id"], any(uint64(3)))
	})
}

func TestStreamOneAndQueryOne(t *testing.T) {
	forEachEngine(t, basicSchema, func(t *testing.T, db *DB) {
		insert(t, db, "people", person(1, "a", 34), person(2, "b", 34), person(3, "c", 32))
		flush(t, db)

		doc := must(db.QueryOne(context.Background(), "people-by-age", Query{Gte: Doc{"age": 33}}))
		deepEqual(t, doc, person(1, "a", 34))
		doc = must(db.QueryOne(context.Background(), "people-by-age", Query{Gte: Doc{"age": 35}}))
		isnil(t, doc)

		var seen []string
		s := db.Query(context.Background(), "people", Query{})
		for doc := range s.Docs(context.Background()) {
			seen = append(seen, doc["name"].(string))
			if len(seen) == 2 {
				break
			}
		}
		ensure(s.Err())
		deepEqual(t, seen, []string{"a", "b"})
		deepEqual(t, s.Next(context.Background()), false)
	})
}

// blockingEngine stalls point reads once armed, until the read is cancelled.
type blockingEngine struct {
	kv.Engine
	armed   atomic.Bool
	started chan struct{}
}

func (e *blockingEngine) Asap() bool { return true }

func (e *blockingEngine) Get(ctx context.Context, snap kv.Snapshot, key []byte, ro kv.ReadOptions) ([]byte, error) {
	if !e.armed.Load() {
		return e.Engine.Get(ctx, snap, key, ro)
	}
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, kv.ErrCancelled
}

func TestStreamCloseCancelsFetches(t *testing.T) {
	e := &blockingEngine{Engine: memkv.New(memkv.Options{}), started: make(chan struct{}, 1)}
	db := setup(t, e, basicSchema)
	insert(t, db, "people", person(1, "a", 1), person(2, "b", 2))
	flush(t, db)

	e.armed.Store(true)
	s := db.Query(context.Background(), "people-by-age", Query{})
	go func() {
		<-e.started
		s.Close()
	}()

	done := make(chan bool, 1)
	go func() { done <- s.Next(context.Background()) }()
	select {
	case ok := <-done:
		deepEqual(t, ok, false)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	if err := s.Err(); !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("Err = %v, wanted ErrRequestCancelled", err)
	}
	e.armed.Store(false)
}

func TestStreamConsumerContext(t *testing.T) {
	e := &blockingEngine{Engine: memkv.New(memkv.Options{}), started: make(chan struct{}, 1)}
	db := setup(t, e, basicSchema)
	insert(t, db, "people", person(1, "a", 1))
	flush(t, db)

	e.armed.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-e.started
		cancel()
	}()
	docs, err := db.Query(ctx, "people-by-age", Query{}).ToArray(ctx)
	isempty(t, docs)
	if !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("ToArray err = %v, wanted ErrRequestCancelled", err)
	}
	e.armed.Store(false)
}

// failingEngine fails the read of one key once armed; other reads wait
// until cancelled.
type failingEngine struct {
	kv.Engine
	armed atomic.Bool
	key   []byte
	err   error
}

func (e *failingEngine) Asap() bool { return true }

func (e *failingEngine) Get(ctx context.Context, snap kv.Snapshot, key []byte, ro kv.ReadOptions) ([]byte, error) {
	if !e.armed.Load() {
		return e.Engine.Get(ctx, snap, key, ro)
	}
	if bytes.Equal(key, e.key) {
		return nil, e.err
	}
	<-ctx.Done()
	return nil, kv.ErrCancelled
}

func TestStreamReportsFetchError(t *testing.T) {
	boom := errors.New("disk on fire")
	e := &failingEngine{Engine: memkv.New(memkv.Options{}), key: must(people.EncodeKey(key(3))), err: boom}
	db := setup(t, e, basicSchema)
	insert(t, db, "people", person(1, "a", 1), person(2, "b", 2), person(3, "c", 3))
	flush(t, db)

	e.armed.Store(true)
	docs, err := db.Query(context.Background(), "people-by-age", Query{}).ToArray(context.Background())
	e.armed.Store(false)
	isempty(t, docs)
	if !errors.Is(err, boom) {
		t.Fatalf("ToArray err = %v, wanted %v", err, boom)
	}
	if errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("ToArray err = %v, reported as cancelled", err)
	}
}
