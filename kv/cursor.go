package kv

import (
	"bytes"
	"context"
	"log/slog"
)

const debugLogScans = false

// Cursor is a positioned walk over a sorted key space, the shape shared by
// bbolt cursors, goleveldb iterators and in-memory sorted slices. All
// methods return a nil key when moving past either end.
type Cursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
}

// RangeCursor restricts a Cursor to a Range, in either direction.
type RangeCursor struct {
	rng     Range
	reverse bool
	limit   int
	c       Cursor
	logger  *slog.Logger

	k, v []byte
	n    int
	init bool
	done bool
}

func NewRangeCursor(c Cursor, rng Range, reverse bool, limit int, logger *slog.Logger) *RangeCursor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RangeCursor{rng: rng, reverse: reverse, limit: limit, c: c, logger: logger}
}

func (rc *RangeCursor) Next() bool {
	if rc.done {
		return false
	}
	if rc.limit > 0 && rc.n >= rc.limit {
		rc.finish()
		return false
	}
	if rc.init {
		rc.k, rc.v = rc.next()
	} else {
		rc.init = true
		rc.k, rc.v = rc.start()
	}
	if rc.k == nil {
		rc.finish()
		return false
	}
	rc.n++
	return true
}

func (rc *RangeCursor) Key() []byte   { return rc.k }
func (rc *RangeCursor) Value() []byte { return rc.v }

func (rc *RangeCursor) finish() {
	rc.done = true
	rc.k, rc.v = nil, nil
}

func (rc *RangeCursor) start() ([]byte, []byte) {
	var k, v []byte
	if rc.reverse {
		upper, inc := rc.rng.Upper()
		if upper == nil {
			k, v = rc.c.Last()
			rc.debug("LAST", k)
		} else {
			k, v = rc.c.Seek(upper)
			rc.debug("SEEK to upper", k)
			if k == nil {
				k, v = rc.c.Last()
			} else if !inc || !bytes.Equal(k, upper) {
				k, v = rc.c.Prev()
			}
		}
	} else {
		lower, inc := rc.rng.Lower()
		if lower == nil {
			k, v = rc.c.First()
			rc.debug("FIRST", k)
		} else {
			k, v = rc.c.Seek(lower)
			rc.debug("SEEK to lower", k)
			if k != nil && !inc && bytes.Equal(k, lower) {
				k, v = rc.c.Next()
			}
		}
	}
	if k != nil && rc.match(k) {
		return k, v
	}
	return nil, nil
}

func (rc *RangeCursor) next() ([]byte, []byte) {
	var k, v []byte
	if rc.reverse {
		k, v = rc.c.Prev()
		rc.debug("PREV", k)
	} else {
		k, v = rc.c.Next()
		rc.debug("NEXT", k)
	}
	if k != nil && rc.match(k) {
		return k, v
	}
	return nil, nil
}

// match checks the bound on the far side of the walk; the near side is
// handled by the initial seek.
func (rc *RangeCursor) match(k []byte) bool {
	if rc.reverse {
		if lower, inc := rc.rng.Lower(); lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp < 0 || (cmp == 0 && !inc) {
				rc.debug("BAIL on lower", k)
				return false
			}
		}
	} else {
		if upper, inc := rc.rng.Upper(); upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp > 0 || (cmp == 0 && !inc) {
				rc.debug("BAIL on upper", k)
				return false
			}
		}
	}
	return true
}

func (rc *RangeCursor) debug(msg string, k []byte) {
	if debugLogScans {
		rc.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, HexAttr("key", k))
	}
}
