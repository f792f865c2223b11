package layerdb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/andreyvit/layerdb/kv"
)

const trackHandles = true

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Version is the schema version reads decode at. Zero means the
	// schema's own version.
	Version uint64

	// Metrics receives the database collectors. Nil disables metrics.
	Metrics prometheus.Registerer
}

// core is shared by a root handle and every handle derived from it.
type core struct {
	engine  kv.Engine
	schema  *Schema
	logger  *slog.Logger
	verbose bool
	version uint64
	metrics *metrics

	// commitLock makes the clock check and the commit one step.
	commitLock sync.Mutex

	handles     []*DB
	handlesLock sync.Mutex
}

// DB is a database handle: a view of the engine (live or pinned to a
// snapshot) plus an overlay of uncommitted writes. A handle is used by one
// goroutine at a time; separate handles may be used concurrently.
type DB struct {
	*core
	snap     kv.Snapshot // nil reads the live state
	ov       *overlay
	ovShared bool
	clocked  uint64
	closed   bool
	root     bool

	startTime time.Time
	stack     string
}

// Open wraps an engine. The engine must be ready; the returned root handle
// reads the live state and owns the engine, closing it on Close.
func Open(engine kv.Engine, schema *Schema, opt Options) *DB {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	c := &core{
		engine:  engine,
		schema:  schema,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		version: opt.Version,
		metrics: newMetrics(opt.Metrics),
	}
	return &DB{
		core:    c,
		ov:      newOverlay(),
		clocked: engine.Clock(),
		root:    true,
	}
}

func (db *DB) Schema() *Schema      { return db.schema }
func (db *DB) Engine() kv.Engine    { return db.engine }
func (db *DB) Logger() *slog.Logger { return db.logger }

// Updated reports whether the handle has pending writes.
func (db *DB) Updated() bool {
	return db.ov.len() > 0
}

// Version is the length of the engine's log when it has one, and its
// commit clock otherwise.
func (db *DB) Version() uint64 {
	if l, ok := db.engine.(kv.Lengther); ok {
		return l.Length()
	}
	return db.engine.Clock()
}

// Outdated reports whether commits happened after the handle's snapshot
// was taken. Live handles are never outdated.
func (db *DB) Outdated() bool {
	return db.snap != nil && db.engine.Outdated(db.snap)
}

func (db *DB) Cork()   { db.engine.Cork() }
func (db *DB) Uncork() { db.engine.Uncork() }

// Snapshot returns a handle pinned to the current state, sharing this
// handle's pending writes. Both handles copy the overlay before their next
// mutation, so neither sees the other's later writes.
func (db *DB) Snapshot() (*DB, error) {
	if db.closed {
		return nil, ErrClosed
	}
	var snap kv.Snapshot
	if db.snap != nil {
		snap = db.snap.Ref()
	} else {
		var err error
		snap, err = db.engine.Snapshot()
		if err != nil {
			return nil, err
		}
	}
	db.ovShared = true
	child := &DB{
		core:     db.core,
		snap:     snap,
		ov:       db.ov,
		ovShared: true,
		clocked:  db.clocked,
	}
	db.addHandle(child)
	return child, nil
}

// Transaction returns a live handle with an empty overlay, synchronized
// with the current clock.
func (db *DB) Transaction() *DB {
	tx := &DB{
		core:    db.core,
		ov:      newOverlay(),
		clocked: db.engine.Clock(),
	}
	db.addHandle(tx)
	return tx
}

// Close releases the handle. Closing the root handle closes the engine,
// which waits until every snapshot is released.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.ov = newOverlay()
	db.ovShared = false
	if db.snap != nil {
		db.snap.Unref()
		db.snap = nil
	}
	if db.root {
		return db.engine.Close()
	}
	db.removeHandle(db)
	return nil
}

// mutableOverlay returns an overlay this handle may modify.
func (db *DB) mutableOverlay() *overlay {
	if db.ovShared {
		db.ov = db.ov.clone()
		db.ovShared = false
	}
	return db.ov
}

func (db *DB) decodeVersion(v uint64) uint64 {
	if v != 0 {
		return v
	}
	if db.version != 0 {
		return db.version
	}
	return db.schema.version
}

func (db *DB) addHandle(h *DB) {
	if !trackHandles {
		return
	}
	h.startTime = time.Now()
	h.stack = string(debug.Stack())

	db.handlesLock.Lock()
	defer db.handlesLock.Unlock()
	db.handles = append(db.handles, h)
}

func (db *DB) removeHandle(h *DB) {
	if !trackHandles {
		return
	}
	db.handlesLock.Lock()
	defer db.handlesLock.Unlock()

	found := slices.Index(db.handles, h)
	if found < 0 {
		panic("handle not found in list")
	}
	n := len(db.handles)
	db.handles[found] = db.handles[n-1]
	db.handles[n-1] = nil
	db.handles = db.handles[:n-1]
}

// DescribeOpenHandles lists the derived handles that have not been closed,
// oldest first, with the stack that opened long-lived ones.
func (db *DB) DescribeOpenHandles() string {
	if !trackHandles {
		return "OPEN HANDLE TRACKING DISABLED"
	}

	db.handlesLock.Lock()
	handles := slices.Clone(db.handles)
	db.handlesLock.Unlock()

	if len(handles) == 0 {
		return "NO OPEN HANDLES"
	}

	slices.SortFunc(handles, func(a, b *DB) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN HANDLES:\n", len(handles))
	for _, h := range handles {
		kind := "transaction"
		if h.snap != nil {
			kind = "snapshot"
		}
		ms := now.Sub(h.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s open for %d ms, %d pending\n", kind, ms, h.ov.len())
		} else {
			fmt.Fprintf(&buf, "\n---\n%s open for %d ms, %d pending:\n%s", kind, ms, h.ov.len(), h.stack)
		}
	}
	return buf.String()
}

func (db *DB) logPut(ctx context.Context, msg string, c *Collection, key []byte, doc Doc) {
	if !db.verbose {
		return
	}
	db.logger.LogAttrs(ctx, slog.LevelDebug, msg, slog.String("collection", c.name), hexAttr("key", key), slog.String("doc", loggableDoc(doc)))
}
