package layerdb

import (
	"fmt"

	"github.com/andreyvit/layerdb/kv"
)

// Index describes a secondary key space over a collection. Entries map an
// index key to the owning record's primary key.
//
// Non-unique index keys carry the primary key fields that are not already
// indexed as a suffix, so that every record gets its own entry. A mapped
// index produces an entry per tuple returned by its map function.
type Index struct {
	name   string
	id     uint64
	offset int
	coll   *Collection
	unique bool
	mapper func(doc Doc) [][]any
	fields []field
	suffix []int // positions in coll.key
	keyEnc *KeyEncoder
}

func (idx *Index) Name() string { return idx.name }
func (idx *Index) ID() uint64   { return idx.id }

// Offset is the position of the index within its collection's indexes.
func (idx *Index) Offset() int             { return idx.offset }
func (idx *Index) Collection() *Collection { return idx.coll }
func (idx *Index) Unique() bool            { return idx.unique }
func (idx *Index) Mapped() bool            { return idx.mapper != nil }
func (idx *Index) String() string          { return idx.coll.name + "." + idx.name }
func (idx *Index) KeyEncoder() *KeyEncoder { return idx.keyEnc }

func (idx *Index) fieldValues(doc Doc) []any {
	values := make([]any, len(idx.fields))
	for i, f := range idx.fields {
		if f.Type == None {
			continue
		}
		values[i], _ = f.path.get(doc)
	}
	return values
}

func (idx *Index) tuples(doc Doc) ([][]any, error) {
	if idx.mapper == nil {
		return [][]any{idx.fieldValues(doc)}, nil
	}
	tuples := idx.mapper(doc)
	for _, t := range tuples {
		if len(t) != len(idx.fields) {
			return nil, fmt.Errorf("map function returned %d values, index has %d fields", len(t), len(idx.fields))
		}
	}
	return tuples, nil
}

// EncodeIndexKeys returns the distinct index keys of the record. A tuple
// that does not cover every component produces no entry.
func (idx *Index) EncodeIndexKeys(doc Doc) ([][]byte, error) {
	if doc == nil {
		return nil, nil
	}
	tuples, err := idx.tuples(doc)
	if err != nil {
		return nil, collErrf(idx.coll, idx, nil, err, "mapping record")
	}
	var pk []any
	if len(idx.suffix) > 0 {
		all := idx.coll.keyValues(doc)
		for _, i := range idx.suffix {
			pk = append(pk, all[i])
		}
	}

	var keys [][]byte
	seen := make(map[string]bool, len(tuples))
	n := len(idx.keyEnc.comps)
	for _, t := range tuples {
		t = append(t[:len(t):len(t)], pk...)
		key, encoded, err := idx.keyEnc.EncodePartial(t)
		if err != nil {
			return nil, collErrf(idx.coll, idx, nil, err, "encoding index key")
		}
		if encoded < n || seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// EncodeKeyRange encodes a range over the indexed fields. The primary key
// suffix is never part of a bound, so ranges cover all entries sharing the
// indexed values.
func (idx *Index) EncodeKeyRange(q Query) (kv.Range, error) {
	rng, err := idx.keyEnc.EncodeRange(q.tupleRange(idx.fieldValues))
	if err != nil {
		return kv.Range{}, collErrf(idx.coll, idx, nil, err, "encoding range")
	}
	return rng, nil
}

// EncodeValue returns the pointer stored in an index entry: the primary
// key of the record.
func (idx *Index) EncodeValue(doc Doc) ([]byte, error) {
	return idx.coll.EncodeKey(doc)
}

// Reconstruct returns the primary key an index entry points to.
func (idx *Index) Reconstruct(key, value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, collErrf(idx.coll, idx, key, nil, "empty index entry")
	}
	return value, nil
}

// ReconstructKey decodes the indexed fields of an index key.
func (idx *Index) ReconstructKey(key []byte) (Doc, error) {
	values, err := idx.keyEnc.Decode(key)
	if err != nil {
		return nil, collErrf(idx.coll, idx, key, err, "decoding index key")
	}
	doc := make(Doc, len(idx.fields))
	for i, f := range idx.fields {
		if f.Type != None {
			f.path.set(doc, values[i])
		}
	}
	return doc, nil
}
