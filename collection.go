package layerdb

import (
	"github.com/andreyvit/layerdb/kv"
)

// Collection describes a set of records keyed by a primary key. Its id is
// the namespace prefix of every key it stores.
type Collection struct {
	schema  *Schema
	name    string
	id      uint64
	key     []field
	fields  []field
	keyEnc  *KeyEncoder
	indexes []*Index
	trigger Trigger
}

func (c *Collection) Name() string            { return c.name }
func (c *Collection) ID() uint64              { return c.id }
func (c *Collection) Indexes() []*Index       { return c.indexes }
func (c *Collection) String() string          { return c.name }
func (c *Collection) KeyEncoder() *KeyEncoder { return c.keyEnc }

func (c *Collection) keyValues(doc Doc) []any {
	values := make([]any, len(c.key))
	for i, f := range c.key {
		if f.Type == None {
			continue
		}
		values[i], _ = f.path.get(doc)
	}
	return values
}

func (c *Collection) EncodeKey(doc Doc) ([]byte, error) {
	key, err := c.keyEnc.Encode(c.keyValues(doc))
	if err != nil {
		return nil, collErrf(c, nil, nil, err, "encoding key")
	}
	return key, nil
}

// EncodeKeyRange encodes the key fields found in the query bounds. Bounds
// may name only a prefix of the key.
func (c *Collection) EncodeKeyRange(q Query) (kv.Range, error) {
	rng, err := c.keyEnc.EncodeRange(q.tupleRange(c.keyValues))
	if err != nil {
		return kv.Range{}, collErrf(c, nil, nil, err, "encoding range")
	}
	return rng, nil
}

func (c *Collection) EncodeValue(version uint64, doc Doc) ([]byte, error) {
	value, err := encodeValue(nil, version, c.fields, doc)
	if err != nil {
		return nil, collErrf(c, nil, nil, err, "encoding value")
	}
	return value, nil
}

// ReconstructKey decodes a primary key into a Doc holding the key fields.
func (c *Collection) ReconstructKey(key []byte) (Doc, error) {
	values, err := c.keyEnc.Decode(key)
	if err != nil {
		return nil, collErrf(c, nil, key, err, "decoding key")
	}
	doc := make(Doc, len(c.key)+len(c.fields))
	for i, f := range c.key {
		if f.Type != None {
			f.path.set(doc, values[i])
		}
	}
	return doc, nil
}

// Reconstruct rebuilds a record from its key and value as seen by readers
// of the given schema version. Zero means the schema's own version.
func (c *Collection) Reconstruct(version uint64, key, value []byte) (Doc, error) {
	doc, err := c.ReconstructKey(key)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = c.schema.version
	}
	if err := decodeValue(value, version, c.fields, doc); err != nil {
		return nil, collErrf(c, nil, key, err, "decoding value")
	}
	return doc, nil
}
