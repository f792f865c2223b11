package kv

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Tracker counts the open snapshots of an engine so that Close can wait
// for them.
type Tracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	open   int
	closed bool
}

// Acquire registers a new snapshot, failing once the engine is closing.
func (t *Tracker) Acquire() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.open++
	return nil
}

func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open <= 0 {
		panic("kv: snapshot released more times than acquired")
	}
	t.open--
	if t.open == 0 && t.cond != nil {
		t.cond.Broadcast()
	}
}

// Open returns the number of live snapshots.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseAndWait rejects new snapshots and blocks until the open ones are
// released. It returns false if the tracker was already closed.
func (t *Tracker) CloseAndWait() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	if t.cond == nil {
		t.cond = sync.NewCond(&t.mu)
	}
	for t.open > 0 {
		t.cond.Wait()
	}
	return true
}

// Refs is the reference count embedded into engine snapshots. The release
// func runs exactly once, when the count drops to zero.
type Refs struct {
	n       atomic.Int64
	release func()
}

func (r *Refs) Init(release func()) {
	r.n.Store(1)
	r.release = release
}

func (r *Refs) Inc() {
	if r.n.Add(1) <= 1 {
		panic("kv: Ref on a released snapshot")
	}
}

func (r *Refs) Dec() {
	n := r.n.Add(-1)
	if n == 0 {
		r.release()
	} else if n < 0 {
		panic("kv: Unref on a released snapshot")
	}
}

func (r *Refs) Count() int64 {
	return r.n.Load()
}

func HexAttr(key string, b []byte) slog.Attr {
	switch {
	case b == nil:
		return slog.String(key, "<nil>")
	case len(b) == 0:
		return slog.String(key, "<empty>")
	default:
		return slog.String(key, hex.EncodeToString(b))
	}
}
