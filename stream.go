package layerdb

import (
	"bytes"
	"context"
	"iter"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/layerdb/kv"
)

// fetchBatchSize is how many index entries are drained from the iterator
// before their records are fetched.
const fetchBatchSize = 32

// Stream is a sorted merge of a handle's pending writes with the persisted
// entries of a key range. Records of index queries are fetched by pointer
// one drained batch at a time, so nothing is read far ahead of the consumer.
//
// Next and Doc belong to the consumer goroutine; Close may be called from
// anywhere.
type Stream struct {
	db      *DB
	ctx     context.Context
	cancel  context.CancelFunc
	coll    *Collection
	idx     *Index
	snap    kv.Snapshot
	it      kv.Iterator
	ov      *overlay
	items   []ovItem
	reverse bool
	limit   int // negative is unlimited
	version uint64
	ro      kv.ReadOptions
	group   *errgroup.Group
	gctx    context.Context

	mu        sync.Mutex
	pending   []*entry
	exhausted bool
	done      bool
	released  bool
	doc       Doc
	err       error
}

// entry is a persisted entry taken from the iterator. For index queries
// value is filled in once the pointer is resolved.
type entry struct {
	key   []byte
	ptr   []byte
	value []byte
	ready chan struct{} // nil once resolved
	err   error
}

func newStream(ctx context.Context, db *DB, c *Collection, idx *Index, snap kv.Snapshot, items []ovItem, q Query, onBlock func(uint64)) *Stream {
	s := &Stream{
		db:      db,
		coll:    c,
		idx:     idx,
		snap:    snap,
		items:   items,
		reverse: q.Reverse,
		limit:   q.Limit,
		version: db.decodeVersion(q.Version),
		ro:      kv.ReadOptions{Checkout: q.Checkout, OnBlock: onBlock},
	}
	if s.limit <= 0 {
		s.limit = -1
	}
	if q.Checkout == 0 {
		s.ov = db.ov
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if idx != nil && db.engine.Asap() {
		s.group, s.gctx = errgroup.WithContext(s.ctx)
	}
	return s
}

func emptyStream() *Stream {
	return &Stream{done: true, released: true}
}

func errStream(err error) *Stream {
	return &Stream{done: true, released: true, err: err}
}

func (s *Stream) Doc() Doc { return s.doc }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next advances to the next record. It returns false at the end of the
// range, once the limit is reached, or on error.
func (s *Stream) Next(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = nil
	for !s.done {
		if s.limit == 0 {
			s.finish_locked()
			break
		}
		p, err := s.head(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				err = ErrRequestCancelled
			}
			s.fail_locked(err)
			break
		}
		var o *ovItem
		if len(s.items) > 0 {
			o = &s.items[0]
		}
		if p == nil && o == nil {
			s.finish_locked()
			break
		}

		var key, value []byte
		if o != nil && (p == nil || s.compare(o.key, p.key) <= 0) {
			if p != nil && bytes.Equal(o.key, p.key) {
				s.pending = s.pending[1:]
			}
			s.items = s.items[1:]
			if o.value == nil {
				continue
			}
			if s.idx == nil {
				key, value = o.key, o.value
			} else {
				key = o.value
				if u := s.ov.get(key); u != nil {
					value = u.value
				}
			}
		} else {
			s.pending = s.pending[1:]
			if s.idx == nil {
				key, value = p.key, p.value
			} else {
				key, value = p.ptr, p.value
			}
		}
		if value == nil {
			continue
		}

		doc, err := s.coll.Reconstruct(s.version, key, value)
		if err != nil {
			s.fail_locked(err)
			break
		}
		if s.limit > 0 {
			s.limit--
		}
		s.doc = doc
		return true
	}
	return false
}

func (s *Stream) compare(a, b []byte) int {
	if s.reverse {
		return bytes.Compare(b, a)
	}
	return bytes.Compare(a, b)
}

// head returns the next persisted entry with its record resolved, or nil
// when the iterator is exhausted.
func (s *Stream) head(ctx context.Context) (*entry, error) {
	if len(s.pending) == 0 && !s.exhausted {
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	e := s.pending[0]
	if e.ready != nil {
		select {
		case <-e.ready:
			e.ready = nil
		case <-ctx.Done():
			return nil, ErrRequestCancelled
		}
	}
	if e.err != nil {
		// A failed sibling fetch cancels the rest; report its error instead.
		if s.group != nil && s.gctx.Err() != nil && s.ctx.Err() == nil {
			if err := s.group.Wait(); err != nil {
				return nil, err
			}
		}
		return nil, e.err
	}
	return e, nil
}

// fill drains the next batch from the iterator and starts resolving it.
func (s *Stream) fill() error {
	n := 1
	if s.idx != nil {
		n = fetchBatchSize
	}
	for len(s.pending) < n && s.it.Next() {
		e := &entry{key: slices.Clone(s.it.Key())}
		if s.idx == nil {
			e.value = slices.Clone(s.it.Value())
		} else {
			ptr, err := s.idx.Reconstruct(e.key, s.it.Value())
			if err != nil {
				return err
			}
			e.ptr = slices.Clone(ptr)
		}
		s.pending = append(s.pending, e)
	}
	if len(s.pending) < n {
		s.exhausted = true
		if err := s.it.Err(); err != nil {
			return err
		}
	}
	if s.idx != nil {
		return s.resolve(s.pending)
	}
	return nil
}

// resolve looks the pointers up in the overlay first, then in the engine:
// a concurrent fetch per entry on asap engines, or one batch read.
func (s *Stream) resolve(batch []*entry) error {
	var fetch []*entry
	for _, e := range batch {
		if s.ov != nil {
			if u := s.ov.get(e.ptr); u != nil {
				e.value = u.value
				continue
			}
		}
		fetch = append(fetch, e)
	}
	if len(fetch) == 0 {
		return nil
	}
	s.db.metrics.indirectFetches.Add(float64(len(fetch)))

	if s.group != nil {
		for _, e := range fetch {
			e.ready = make(chan struct{})
			s.group.Go(func() error {
				defer close(e.ready)
				e.value, e.err = s.db.engine.Get(s.gctx, s.snap, e.ptr, s.ro)
				return e.err
			})
		}
		return nil
	}

	ptrs := make([][]byte, len(fetch))
	for i, e := range fetch {
		ptrs[i] = e.ptr
	}
	values, err := s.db.engine.GetBatch(s.ctx, s.snap, ptrs, s.ro)
	if err != nil {
		return err
	}
	for i, e := range fetch {
		e.value = values[i]
	}
	return nil
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail_locked(err)
}

func (s *Stream) fail_locked(err error) {
	if s.err == nil {
		s.err = err
	}
	s.finish_locked()
}

func (s *Stream) finish_locked() {
	s.done = true
	s.pending = nil
	s.items = nil
	s.release_locked()
}

// release_locked cancels in-flight fetches and waits for them before
// closing the iterator and letting go of the snapshot.
func (s *Stream) release_locked() {
	if s.released {
		return
	}
	s.released = true
	s.cancel()
	if s.group != nil {
		_ = s.group.Wait()
	}
	if s.it != nil {
		s.it.Close()
	}
	s.snap.Unref()
}

// Close stops the stream and releases its resources. A Next blocked on a
// fetch in another goroutine returns false with ErrRequestCancelled.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish_locked()
	return nil
}

// ToArray drains and closes the stream.
func (s *Stream) ToArray(ctx context.Context) ([]Doc, error) {
	defer s.Close()
	var docs []Doc
	for s.Next(ctx) {
		docs = append(docs, s.doc)
	}
	return docs, s.Err()
}

// One returns the first record, or nil, and closes the stream.
func (s *Stream) One(ctx context.Context) (Doc, error) {
	defer s.Close()
	if s.Next(ctx) {
		return s.doc, nil
	}
	return nil, s.Err()
}

// Docs ranges over the remaining records and closes the stream when the
// loop ends. Check Err afterwards.
func (s *Stream) Docs(ctx context.Context) iter.Seq[Doc] {
	return func(yield func(Doc) bool) {
		defer s.Close()
		for s.Next(ctx) {
			if !yield(s.doc) {
				return
			}
		}
	}
}
