package layerdb

import (
	"context"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndexes
	DumpIndexEntries
	DumpPending

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the persisted contents visible to the handle, for tests and
// debugging.
func (db *DB) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var buf strings.Builder
	for _, c := range db.schema.collections {
		if err := db.dumpCollection(ctx, &buf, f, c); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpCollection(ctx context.Context, w *strings.Builder, f DumpFlags, c *Collection) error {
	if f.Contains(DumpCollectionHeaders) || f.Contains(DumpStats) {
		s, err := db.CollectionStats(ctx, c)
		if err != nil {
			return err
		}
		if f.Contains(DumpCollectionHeaders) {
			fmt.Fprintln(w, dumpSep1)
			fmt.Fprintf(w, "%s (0x%x, %d records)\n", c.name, c.id, s.Records)
		}
		if f.Contains(DumpStats) {
			fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, index_size = %d, pending = %d\n", c.name, s.IndexEntries, s.DataSize, s.IndexSize, s.Pending)
		}
	}

	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var pos int
		err := db.scanRaw(ctx, c.keyEnc, func(k, v []byte) error {
			pos++
			doc, err := c.Reconstruct(0, k, v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", c.name, pos, err)
			} else {
				fmt.Fprintf(w, "%s.%d = %s\n", c.name, pos, loggableDoc(doc))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range c.indexes {
			if err := db.dumpIndex(ctx, w, f, idx); err != nil {
				return err
			}
		}
	}

	if f.Contains(DumpPending) {
		for _, u := range db.ov.entries {
			if u.coll != c {
				continue
			}
			if u.isTombstone() {
				fmt.Fprintf(w, "%s.pending %s = <deleted>\n", c.name, hexstr(u.key))
			} else {
				fmt.Fprintf(w, "%s.pending %s = %d bytes\n", c.name, hexstr(u.key), len(u.value))
			}
		}
	}
	return nil
}

func (db *DB) dumpIndex(ctx context.Context, w *strings.Builder, f DumpFlags, idx *Index) error {
	fmt.Fprintln(w, dumpSep2)
	prefix := idx.String()
	unique := ""
	if idx.unique {
		unique = " UNIQUE"
	}
	fmt.Fprintf(w, "%s (0x%x)%s\n", prefix, idx.id, unique)

	if !f.Contains(DumpIndexEntries) {
		return nil
	}
	var pos int
	return db.scanRaw(ctx, idx.keyEnc, func(k, v []byte) error {
		pos++
		fields, err := idx.ReconstructKey(k)
		if err != nil {
			fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, pos, err)
			return nil
		}
		key, err := idx.coll.ReconstructKey(v)
		if err != nil {
			fmt.Fprintf(w, "%s.%d: %s => ** ERROR: %v\n", prefix, pos, loggableDoc(fields), err)
			return nil
		}
		fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, pos, loggableDoc(fields), loggableDoc(key))
		return nil
	})
}
