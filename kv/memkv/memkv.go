// Package memkv is a transient in-memory engine, intended for tests and
// ephemeral databases.
//
// Every commit produces a new immutable sorted version of the data; a
// snapshot simply pins a version.
package memkv

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/andreyvit/layerdb/kv"
)

type Options struct {
	Logger *slog.Logger
}

type Engine struct {
	mu     sync.Mutex
	cur    *version
	clock  uint64
	snaps  kv.Tracker
	logger *slog.Logger
}

var _ kv.Engine = (*Engine)(nil)

type version struct {
	items []item // sorted by key
}

type item struct {
	key   []byte
	value []byte
}

func itemKey(it *item) []byte   { return it.key }
func itemValue(it *item) []byte { return it.value }

func New(opt Options) *Engine {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Engine{cur: &version{}, logger: opt.Logger}
}

func (e *Engine) current() (*version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil, kv.ErrClosed
	}
	return e.cur, nil
}

func (e *Engine) Clock() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *Engine) Asap() bool { return false }

// Len returns the number of live keys.
func (e *Engine) Len() int {
	v, err := e.current()
	if err != nil {
		return 0
	}
	return len(v.items)
}

type snapshot struct {
	kv.Refs
	ver *version
}

func (s *snapshot) Ref() kv.Snapshot { s.Inc(); return s }
func (s *snapshot) Unref()           { s.Dec() }

func (e *Engine) Snapshot() (kv.Snapshot, error) {
	if err := e.snaps.Acquire(); err != nil {
		return nil, err
	}
	v, err := e.current()
	if err != nil {
		e.snaps.Release()
		return nil, err
	}
	s := &snapshot{ver: v}
	s.Init(e.snaps.Release)
	return s, nil
}

func (e *Engine) Outdated(snap kv.Snapshot) bool {
	if snap == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snap.(*snapshot).ver != e.cur
}

func (e *Engine) view(snap kv.Snapshot, ro kv.ReadOptions) (*version, error) {
	if ro.Checkout != 0 {
		return nil, kv.ErrCheckoutUnsupported
	}
	if snap != nil {
		return snap.(*snapshot).ver, nil
	}
	return e.current()
}

func (v *version) get(key []byte) []byte {
	i, ok := kv.Search(v.items, key, itemKey)
	if !ok {
		return nil
	}
	return v.items[i].value
}

func (e *Engine) Get(ctx context.Context, snap kv.Snapshot, key []byte, ro kv.ReadOptions) ([]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	v, err := e.view(snap, ro)
	if err != nil {
		return nil, err
	}
	return v.get(key), nil
}

func (e *Engine) GetBatch(ctx context.Context, snap kv.Snapshot, keys [][]byte, ro kv.ReadOptions) ([][]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	v, err := e.view(snap, ro)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = v.get(k)
	}
	return values, nil
}

func (e *Engine) Iterate(ctx context.Context, snap kv.Snapshot, rng kv.Range, opt kv.IterOptions) (kv.Iterator, error) {
	v, err := e.view(snap, opt.ReadOptions())
	if err != nil {
		return nil, err
	}
	c := kv.NewSliceCursor(v.items, itemKey, itemValue)
	return &iterator{ctx: ctx, rc: kv.NewRangeCursor(c, rng, opt.Reverse, opt.Limit, e.logger)}, nil
}

type iterator struct {
	ctx context.Context
	rc  *kv.RangeCursor
	err error
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if err := kv.CtxErr(it.ctx); err != nil {
		it.err = err
		return false
	}
	return it.rc.Next()
}

func (it *iterator) Key() []byte   { return it.rc.Key() }
func (it *iterator) Value() []byte { return it.rc.Value() }
func (it *iterator) Err() error    { return it.err }
func (it *iterator) Close() error  { return nil }

func (e *Engine) Cork()   {}
func (e *Engine) Uncork() {}

func (e *Engine) Commit(ctx context.Context, ops []kv.Op) error {
	if err := kv.CtxErr(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return kv.ErrClosed
	}

	items := slices.Clone(e.cur.items)
	for _, op := range ops {
		i, found := kv.Search(items, op.Key, itemKey)
		switch {
		case op.IsDelete() && found:
			items = slices.Delete(items, i, i+1)
		case op.IsDelete():
		case found:
			items[i].value = bytes.Clone(op.Value)
		default:
			items = slices.Insert(items, i, item{bytes.Clone(op.Key), bytes.Clone(op.Value)})
		}
	}
	e.cur = &version{items: items}
	e.clock++
	return nil
}

func (e *Engine) Close() error {
	if !e.snaps.CloseAndWait() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cur = nil
	return nil
}
