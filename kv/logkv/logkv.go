// Package logkv is an append-only, history-keeping engine built on a
// journal. Every commit becomes one journal record (a "block"); the
// sequence number of a block is its position in the log, starting at zero.
//
// An in-memory key index maps each key to the blocks that touched it, so
// any historical length of the log can be checked out. Values are read back
// from the journal on demand and cached per block.
package logkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/layerdb/journal"
	"github.com/andreyvit/layerdb/kv"
)

// ErrCheckoutAhead is returned for a checkout past the end of the view.
var ErrCheckoutAhead = errors.New("checkout is ahead of the log")

type Options struct {
	Logger      *slog.Logger
	Verbose     bool
	MaxFileSize int64
	Sync        bool

	// CacheBlocks is the number of decoded blocks kept in memory.
	CacheBlocks int

	// DownloadConcurrency limits parallel block loads in Download.
	DownloadConcurrency int
}

type Engine struct {
	j       *journal.Journal
	logger  *slog.Logger
	verbose bool
	cache   *lru.Cache[uint64, *block]
	dlLimit int
	snaps   kv.Tracker

	stateLock sync.RWMutex
	state     *state

	commitLock sync.Mutex
}

var (
	_ kv.Engine     = (*Engine)(nil)
	_ kv.Lengther   = (*Engine)(nil)
	_ kv.Downloader = (*Engine)(nil)
	_ kv.Historian  = (*Engine)(nil)
)

// state is an immutable view of the index. Commits produce a new state.
type state struct {
	entries []entry
	blocks  []journal.Loc
}

type entry struct {
	key      []byte
	versions []version // ascending by seq
}

type version struct {
	seq     uint64
	idx     uint32 // op index within the block
	deleted bool
}

func entryKey(e *entry) []byte { return e.key }

// visible returns the version of e that a reader at the given log length
// sees, or nil if the key is absent there.
func (e *entry) visible(length uint64) *version {
	for i := len(e.versions) - 1; i >= 0; i-- {
		v := &e.versions[i]
		if v.seq < length {
			if v.deleted {
				return nil
			}
			return v
		}
	}
	return nil
}

// Open replays the journal in dir and opens it for writing.
func Open(dir string, o Options) (*Engine, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CacheBlocks <= 0 {
		o.CacheBlocks = 1024
	}
	if o.DownloadConcurrency <= 0 {
		o.DownloadConcurrency = 8
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("logkv: %w", err)
	}
	cache, err := lru.New[uint64, *block](o.CacheBlocks)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		j: journal.New(dir, journal.Options{
			FileName:    "log-*.jrnl",
			DebugName:   "logkv",
			MaxFileSize: o.MaxFileSize,
			Sync:        o.Sync,
			Logger:      o.Logger,
			Verbose:     o.Verbose,
		}),
		logger:  o.Logger,
		verbose: o.Verbose,
		cache:   cache,
		dlLimit: o.DownloadConcurrency,
	}

	st, err := e.replay()
	if err != nil {
		e.j.Close()
		return nil, err
	}
	e.state = st

	if err := e.j.StartWriting(); err != nil {
		e.j.Close()
		return nil, fmt.Errorf("logkv: %w", err)
	}
	return e, nil
}

func (e *Engine) replay() (*state, error) {
	index := make(map[string]*entry)
	var blocks []journal.Loc
	err := e.j.Replay(func(rec journal.Record) error {
		b, err := decodeBlock(rec.Data)
		if err != nil {
			return fmt.Errorf("block %d: %w", len(blocks), err)
		}
		seq := uint64(len(blocks))
		blocks = append(blocks, rec.Loc)
		for i, op := range b.Ops {
			ent := index[string(op.Key)]
			if ent == nil {
				if op.Del {
					continue
				}
				ent = &entry{key: op.Key}
				index[string(op.Key)] = ent
			}
			ent.versions = append(ent.versions, version{seq: seq, idx: uint32(i), deleted: op.Del})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("logkv: replay: %w", err)
	}

	entries := make([]entry, 0, len(index))
	for _, ent := range index {
		entries = append(entries, *ent)
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return bytes.Compare(a.key, b.key)
	})
	if e.verbose {
		e.logger.Debug("logkv: replayed", "blocks", len(blocks), "keys", len(entries))
	}
	return &state{entries: entries, blocks: blocks}, nil
}

func (e *Engine) current() *state {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.state
}

func (e *Engine) Length() uint64 {
	return uint64(len(e.current().blocks))
}

// Clock equals Length: every commit appends exactly one block.
func (e *Engine) Clock() uint64 {
	return e.Length()
}

func (e *Engine) Asap() bool { return true }

type snapshot struct {
	kv.Refs
	st *state
}

func (s *snapshot) Ref() kv.Snapshot { s.Inc(); return s }
func (s *snapshot) Unref()           { s.Dec() }

func (e *Engine) Snapshot() (kv.Snapshot, error) {
	if err := e.snaps.Acquire(); err != nil {
		return nil, err
	}
	s := &snapshot{st: e.current()}
	s.Init(e.snaps.Release)
	return s, nil
}

func (e *Engine) Outdated(snap kv.Snapshot) bool {
	if snap == nil {
		return false
	}
	return len(snap.(*snapshot).st.blocks) != len(e.current().blocks)
}

// view resolves the state and log length a read should observe.
func (e *Engine) view(snap kv.Snapshot, checkout uint64) (*state, uint64, error) {
	var st *state
	if snap != nil {
		st = snap.(*snapshot).st
	} else {
		st = e.current()
	}
	length := uint64(len(st.blocks))
	if checkout != 0 {
		if checkout > length {
			return nil, 0, fmt.Errorf("logkv: checkout %d of %d: %w", checkout, length, ErrCheckoutAhead)
		}
		length = checkout
	}
	return st, length, nil
}

func (e *Engine) loadBlock(st *state, seq uint64) (*block, error) {
	if b, ok := e.cache.Get(seq); ok {
		return b, nil
	}
	if seq >= uint64(len(st.blocks)) {
		return nil, fmt.Errorf("logkv: block %d out of range", seq)
	}
	data, err := e.j.ReadAt(st.blocks[seq])
	if err != nil {
		return nil, fmt.Errorf("logkv: block %d: %w", seq, err)
	}
	b, err := decodeBlock(data)
	if err != nil {
		return nil, err
	}
	e.cache.Add(seq, b)
	return b, nil
}

func (e *Engine) value(st *state, v *version, ro kv.ReadOptions) ([]byte, error) {
	b, err := e.loadBlock(st, v.seq)
	if err != nil {
		return nil, err
	}
	if ro.OnBlock != nil {
		ro.OnBlock(v.seq)
	}
	return b.Ops[v.idx].Value, nil
}

func (e *Engine) get(st *state, length uint64, key []byte, ro kv.ReadOptions) ([]byte, error) {
	i, found := kv.Search(st.entries, key, entryKey)
	if !found {
		return nil, nil
	}
	v := st.entries[i].visible(length)
	if v == nil {
		return nil, nil
	}
	return e.value(st, v, ro)
}

func (e *Engine) Get(ctx context.Context, snap kv.Snapshot, key []byte, ro kv.ReadOptions) ([]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	st, length, err := e.view(snap, ro.Checkout)
	if err != nil {
		return nil, err
	}
	return e.get(st, length, key, ro)
}

func (e *Engine) GetBatch(ctx context.Context, snap kv.Snapshot, keys [][]byte, ro kv.ReadOptions) ([][]byte, error) {
	st, length, err := e.view(snap, ro.Checkout)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		if err := kv.CtxErr(ctx); err != nil {
			return nil, err
		}
		values[i], err = e.get(st, length, k, ro)
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (e *Engine) Iterate(ctx context.Context, snap kv.Snapshot, rng kv.Range, o kv.IterOptions) (kv.Iterator, error) {
	st, length, err := e.view(snap, o.Checkout)
	if err != nil {
		return nil, err
	}
	sc := kv.NewSliceCursor(st.entries, entryKey, nil)
	return &iterator{
		ctx:    ctx,
		e:      e,
		st:     st,
		length: length,
		ro:     o.ReadOptions(),
		limit:  o.Limit,
		sc:     sc,
		rc:     kv.NewRangeCursor(sc, rng, o.Reverse, 0, e.logger),
	}, nil
}

// iterator applies the limit after visibility filtering, since entries
// deleted or not yet written at the checkout are skipped.
type iterator struct {
	ctx    context.Context
	e      *Engine
	st     *state
	length uint64
	ro     kv.ReadOptions
	limit  int
	n      int
	sc     *kv.SliceCursor[entry]
	rc     *kv.RangeCursor
	k, v   []byte
	err    error
}

func (it *iterator) Next() bool {
	if it.err != nil || it.rc == nil {
		return false
	}
	if it.limit > 0 && it.n >= it.limit {
		return false
	}
	for it.rc.Next() {
		if err := kv.CtxErr(it.ctx); err != nil {
			it.err = err
			return false
		}
		ent := it.sc.Current()
		v := ent.visible(it.length)
		if v == nil {
			continue
		}
		value, err := it.e.value(it.st, v, it.ro)
		if err != nil {
			it.err = err
			return false
		}
		it.k, it.v = ent.key, value
		it.n++
		return true
	}
	return false
}

func (it *iterator) Key() []byte   { return it.k }
func (it *iterator) Value() []byte { return it.v }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	it.rc = nil
	return nil
}

// Cork and Uncork are no-ops: live reads already come from an immutable
// state.
func (e *Engine) Cork()   {}
func (e *Engine) Uncork() {}

func (e *Engine) Commit(ctx context.Context, ops []kv.Op) error {
	if err := kv.CtxErr(ctx); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if e.snaps.Closed() {
		return kv.ErrClosed
	}

	e.commitLock.Lock()
	defer e.commitLock.Unlock()

	b := newBlock(ops)
	data, err := encodeBlock(b)
	if err != nil {
		return fmt.Errorf("logkv: encode: %w", err)
	}
	loc, err := e.j.WriteRecord(0, data)
	if err != nil {
		return fmt.Errorf("logkv: commit: %w", err)
	}
	if err := e.j.Commit(); err != nil {
		return fmt.Errorf("logkv: commit: %w", err)
	}

	old := e.current()
	seq := uint64(len(old.blocks))
	next := &state{
		entries: slices.Clone(old.entries),
		blocks:  append(slices.Clip(old.blocks), loc),
	}
	for i, op := range b.Ops {
		v := version{seq: seq, idx: uint32(i), deleted: op.Del}
		pos, found := kv.Search(next.entries, op.Key, entryKey)
		if found {
			ent := &next.entries[pos]
			ent.versions = append(slices.Clip(ent.versions), v)
		} else if !op.Del {
			next.entries = slices.Insert(next.entries, pos, entry{key: op.Key, versions: []version{v}})
		}
	}
	e.cache.Add(seq, b)

	e.stateLock.Lock()
	e.state = next
	e.stateLock.Unlock()

	if e.verbose {
		e.logger.Debug("logkv: committed", "seq", seq, "ops", len(b.Ops), "loc", loc.String())
	}
	return nil
}

// Download loads the given blocks, or the [start, end) range when blocks
// is empty, into the block cache.
func (e *Engine) Download(ctx context.Context, blocks []uint64, start, end uint64) error {
	st := e.current()
	n := uint64(len(st.blocks))
	if len(blocks) == 0 {
		end = min(end, n)
		for seq := start; seq < end; seq++ {
			blocks = append(blocks, seq)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.dlLimit)
	for _, seq := range blocks {
		if seq >= n || e.cache.Contains(seq) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := e.loadBlock(st, seq)
			return err
		})
	}
	return g.Wait()
}

func (e *Engine) History(ctx context.Context, snap kv.Snapshot, hr kv.HistoryRange) (kv.HistoryIterator, error) {
	st, length, err := e.view(snap, 0)
	if err != nil {
		return nil, err
	}
	end := length
	if hr.Lt != 0 && hr.Lt < end {
		end = hr.Lt
	}
	return &historyIterator{ctx: ctx, e: e, st: st, seq: hr.Gte, end: end, idx: -1}, nil
}

type historyIterator struct {
	ctx context.Context
	e   *Engine
	st  *state
	seq uint64
	end uint64
	b   *block
	idx int
	cur kv.HistoryEntry
	err error
}

func (it *historyIterator) Next() bool {
	for it.err == nil {
		if it.b != nil && it.idx+1 < len(it.b.Ops) {
			it.idx++
			op := &it.b.Ops[it.idx]
			it.cur = kv.HistoryEntry{Seq: it.seq, Key: op.Key}
			if !op.Del {
				it.cur.Value = op.Value
			}
			return true
		}
		if it.b != nil {
			it.seq++
			it.b = nil
		}
		if it.seq >= it.end {
			return false
		}
		if err := kv.CtxErr(it.ctx); err != nil {
			it.err = err
			return false
		}
		it.b, it.err = it.e.loadBlock(it.st, it.seq)
		it.idx = -1
	}
	return false
}

func (it *historyIterator) Entry() kv.HistoryEntry { return it.cur }
func (it *historyIterator) Err() error             { return it.err }
func (it *historyIterator) Close() error           { return nil }

func (e *Engine) Close() error {
	if !e.snaps.CloseAndWait() {
		return nil
	}
	e.commitLock.Lock()
	defer e.commitLock.Unlock()
	return e.j.Close()
}
