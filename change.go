package layerdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andreyvit/layerdb/kv"
)

var ErrNoHistory = errors.New("engine keeps no history")

type Op int

const (
	OpNone   Op = 0
	OpInsert Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// Change is a committed write of a record. Doc is the whole record for
// inserts and only the key fields for deletes.
type Change struct {
	Op         Op
	Seq        uint64
	Collection *Collection
	Doc        Doc
}

// ChangeStream walks the record writes of a range of log blocks, skipping
// index entries and namespaces unknown to the schema.
type ChangeStream struct {
	db      *DB
	hi      kv.HistoryIterator
	version uint64
	change  Change
	err     error
}

// Changes opens the change feed of engines that keep history.
func (db *DB) Changes(ctx context.Context, hr kv.HistoryRange) (*ChangeStream, error) {
	if db.closed {
		return nil, ErrClosed
	}
	h, ok := db.engine.(kv.Historian)
	if !ok {
		return nil, ErrNoHistory
	}
	hi, err := h.History(ctx, db.snap, hr)
	if err != nil {
		return nil, err
	}
	return &ChangeStream{db: db, hi: hi, version: db.decodeVersion(0)}, nil
}

func (cs *ChangeStream) Change() Change { return cs.change }

func (cs *ChangeStream) Next() bool {
	if cs.err != nil {
		return false
	}
	for cs.hi.Next() {
		e := cs.hi.Entry()
		id, n := binary.Uvarint(e.Key)
		if n <= 0 {
			continue
		}
		c := cs.db.schema.CollectionByID(id)
		if c == nil {
			continue
		}
		chg := Change{Seq: e.Seq, Collection: c}
		var err error
		if e.Value == nil {
			chg.Op = OpDelete
			chg.Doc, err = c.ReconstructKey(e.Key)
		} else {
			chg.Op = OpInsert
			chg.Doc, err = c.Reconstruct(cs.version, e.Key, e.Value)
		}
		if err != nil {
			cs.err = err
			return false
		}
		cs.change = chg
		return true
	}
	cs.err = cs.hi.Err()
	return false
}

func (cs *ChangeStream) Err() error { return cs.err }

func (cs *ChangeStream) Close() error {
	return cs.hi.Close()
}
