// Package kv defines the contract between layerdb and the ordered key-value
// engines it runs on.
//
// An engine is ready once its constructor returns. Reads take an optional
// Snapshot; a nil snapshot means the live (latest committed) state. All keys
// and values handed out by an engine stay valid until the snapshot or
// iterator they came from is released, and must not be modified.
package kv

import (
	"bytes"
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrCancelled is returned when an in-flight read is interrupted, for
	// example by closing the stream that issued it.
	ErrCancelled = errors.New("request cancelled")

	// ErrCheckoutUnsupported is returned by engines without history when
	// a read asks for a historical checkout.
	ErrCheckoutUnsupported = errors.New("checkout not supported by this engine")
)

// Engine is the storage engine adapter.
type Engine interface {
	// Clock returns the number of successful commits so far.
	Clock() uint64

	// Asap reports whether concurrent point reads are cheap, in which case
	// indirect index lookups are issued one per entry in parallel.
	Asap() bool

	// Snapshot opens a point-in-time view with a reference count of one.
	Snapshot() (Snapshot, error)

	// Outdated reports whether the engine has advanced past the snapshot.
	Outdated(snap Snapshot) bool

	Get(ctx context.Context, snap Snapshot, key []byte, ro ReadOptions) ([]byte, error)
	GetBatch(ctx context.Context, snap Snapshot, keys [][]byte, ro ReadOptions) ([][]byte, error)
	Iterate(ctx context.Context, snap Snapshot, rng Range, opt IterOptions) (Iterator, error)

	// Cork starts coalescing live point reads; Uncork ends it. Neither
	// provides exclusion.
	Cork()
	Uncork()

	// Commit applies the ops atomically and advances the clock.
	Commit(ctx context.Context, ops []Op) error

	// Close waits for all snapshots to be released, then closes the engine.
	Close() error
}

// Snapshot is a ref-counted read view. The underlying view is destroyed
// when the last reference is dropped.
type Snapshot interface {
	Ref() Snapshot
	Unref()
}

// Iterator walks a range in key order. Key and Value are valid until the
// next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

type ReadOptions struct {
	// Checkout pins the read to a historical length of the engine's log.
	// Zero means the snapshot's own state.
	Checkout uint64

	// OnBlock is called with the sequence number of every log block
	// touched while resolving values.
	OnBlock func(seq uint64)
}

type IterOptions struct {
	Reverse  bool
	Limit    int // <= 0 means unlimited
	Checkout uint64
	OnBlock  func(seq uint64)
}

func (o IterOptions) ReadOptions() ReadOptions {
	return ReadOptions{Checkout: o.Checkout, OnBlock: o.OnBlock}
}

// Op is a single put (Value != nil) or delete (Value == nil) in a commit.
type Op struct {
	Key   []byte
	Value []byte
}

func (op Op) IsDelete() bool {
	return op.Value == nil
}

// Lengther is implemented by log-backed engines.
type Lengther interface {
	Length() uint64
}

// Downloader is implemented by engines that can prefetch log blocks.
// blocks may be empty, in which case [start, end) is prefetched.
type Downloader interface {
	Download(ctx context.Context, blocks []uint64, start, end uint64) error
}

// Historian is implemented by engines that keep a history of commits.
type Historian interface {
	History(ctx context.Context, snap Snapshot, hr HistoryRange) (HistoryIterator, error)
}

// HistoryRange selects log blocks with Gte <= seq < Lt. Zero Lt means
// up to the end.
type HistoryRange struct {
	Gte uint64
	Lt  uint64
}

type HistoryEntry struct {
	Seq   uint64
	Key   []byte
	Value []byte // nil for deletes
}

type HistoryIterator interface {
	Next() bool
	Entry() HistoryEntry
	Err() error
	Close() error
}

// Range is a pair of optional bounds. At most one of Gt/Gte and one of
// Lt/Lte is expected to be set; if both are, the exclusive one wins.
type Range struct {
	Gt  []byte
	Gte []byte
	Lt  []byte
	Lte []byte
}

func (r Range) Lower() (bound []byte, inclusive bool) {
	if r.Gt != nil {
		return r.Gt, false
	}
	return r.Gte, true
}

func (r Range) Upper() (bound []byte, inclusive bool) {
	if r.Lt != nil {
		return r.Lt, false
	}
	return r.Lte, true
}

// Contains reports whether the key falls within the range.
func (r Range) Contains(key []byte) bool {
	if r.Gte != nil && bytes.Compare(r.Gte, key) > 0 {
		return false
	}
	if r.Gt != nil && bytes.Compare(r.Gt, key) >= 0 {
		return false
	}
	if r.Lte != nil && bytes.Compare(r.Lte, key) < 0 {
		return false
	}
	if r.Lt != nil && bytes.Compare(r.Lt, key) <= 0 {
		return false
	}
	return true
}

// CtxErr maps context errors to ErrCancelled.
func CtxErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}
