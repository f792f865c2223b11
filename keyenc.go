package layerdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/andreyvit/layerdb/kv"
)

// KeyType is the type of one key component.
type KeyType int

const (
	KeyNone KeyType = iota
	KeyUint
	KeyString
	KeyBytes
	KeyFixed
)

func (t KeyType) String() string {
	switch t {
	case KeyNone:
		return "none"
	case KeyUint:
		return "uint"
	case KeyString:
		return "string"
	case KeyBytes:
		return "bytes"
	case KeyFixed:
		return "fixed"
	default:
		return fmt.Sprintf("KeyType(%d)", int(t))
	}
}

// Component tags. Every encoded component starts with one, so that tuples
// with different component types still order deterministically, and so
// that 0xFF after a complete component sorts above any continuation.
const (
	tagNone   byte = 0x00
	tagUint   byte = 0x10 // + number of value bytes
	tagString byte = 0x20
	tagFixed  byte = 0x30

	rangeHigh byte = 0xFF
	escByte   byte = 0xFF
)

type KeyComponent struct {
	Type KeyType
	Size int // KeyFixed only
}

// KeyEncoder turns tuples of typed values into byte strings whose bytewise
// order matches the tuple order, prefixed with a namespace id.
type KeyEncoder struct {
	id     uint64
	prefix []byte
	comps  []KeyComponent
}

// TupleRange is a range over key tuples. A nil bound is absent; a shorter
// tuple is a prefix bound.
type TupleRange struct {
	Gt, Gte, Lt, Lte []any
}

func NewKeyEncoder(id uint64, comps ...KeyComponent) *KeyEncoder {
	for _, c := range comps {
		if c.Type == KeyFixed && c.Size <= 0 {
			panic(fmt.Errorf("fixed key component needs a positive size"))
		}
	}
	return &KeyEncoder{
		id:     id,
		prefix: binary.AppendUvarint(nil, id),
		comps:  comps,
	}
}

func (ke *KeyEncoder) ID() uint64 { return ke.id }

func (ke *KeyEncoder) Components() []KeyComponent { return ke.comps }

// Prefix is the namespace prefix shared by every key of this encoder.
func (ke *KeyEncoder) Prefix() []byte { return ke.prefix }

// Encode encodes a full tuple. Every non-none component must be present.
func (ke *KeyEncoder) Encode(values []any) ([]byte, error) {
	buf := append(make([]byte, 0, 32), ke.prefix...)
	for i, c := range ke.comps {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if v == nil && c.Type != KeyNone {
			return nil, fmt.Errorf("component %d (%v): %w", i, c.Type, ErrMissingKeyField)
		}
		var err error
		buf, err = appendComponent(buf, c, v)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
	}
	return buf, nil
}

// EncodePartial encodes the longest present prefix of the tuple. None
// components do not count as absent.
func (ke *KeyEncoder) EncodePartial(values []any) ([]byte, int, error) {
	buf := append(make([]byte, 0, 32), ke.prefix...)
	for i, c := range ke.comps {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if v == nil && c.Type != KeyNone {
			return buf, i, nil
		}
		var err error
		buf, err = appendComponent(buf, c, v)
		if err != nil {
			return nil, 0, fmt.Errorf("component %d: %w", i, err)
		}
	}
	return buf, len(ke.comps), nil
}

// EncodeRange encodes each bound independently. Exclusive lower and
// inclusive upper bounds get a 0xFF suffix so that they cover every key
// sharing the prefix. Missing bounds are clamped to the namespace.
func (ke *KeyEncoder) EncodeRange(r TupleRange) (kv.Range, error) {
	var rng kv.Range
	var err error
	bound := func(values []any, high bool) []byte {
		if err != nil || values == nil {
			return nil
		}
		var b []byte
		b, _, err = ke.EncodePartial(values)
		if high && err == nil {
			b = append(b, rangeHigh)
		}
		return b
	}
	rng.Gt = bound(r.Gt, true)
	rng.Gte = bound(r.Gte, false)
	rng.Lt = bound(r.Lt, false)
	rng.Lte = bound(r.Lte, true)
	if err != nil {
		return kv.Range{}, err
	}
	if rng.Gt == nil && rng.Gte == nil {
		rng.Gte = ke.prefix
	}
	if rng.Lt == nil && rng.Lte == nil {
		rng.Lte = append(bytes.Clone(ke.prefix), rangeHigh)
	}
	return rng, nil
}

// Decode reverses Encode. Uint components come back as uint64, strings as
// string, bytes and fixed buffers as []byte, none components as nil.
func (ke *KeyEncoder) Decode(key []byte) ([]any, error) {
	orig := key
	if !bytes.HasPrefix(key, ke.prefix) {
		return nil, dataErrf(orig, 0, nil, "key does not belong to namespace %d", ke.id)
	}
	key = key[len(ke.prefix):]
	values := make([]any, len(ke.comps))
	for i, c := range ke.comps {
		off := len(orig) - len(key)
		if len(key) == 0 {
			return nil, dataErrf(orig, off, nil, "key too short, component %d missing", i)
		}
		tag := key[0]
		key = key[1:]
		switch c.Type {
		case KeyNone:
			if tag != tagNone {
				return nil, dataErrf(orig, off, nil, "component %d: expected none tag, got 0x%02x", i, tag)
			}
		case KeyUint:
			n := int(tag) - int(tagUint)
			if n < 0 || n > 8 || len(key) < n {
				return nil, dataErrf(orig, off, nil, "component %d: bad uint tag 0x%02x", i, tag)
			}
			var v uint64
			for _, b := range key[:n] {
				v = v<<8 | uint64(b)
			}
			values[i], key = v, key[n:]
		case KeyString, KeyBytes:
			if tag != tagString {
				return nil, dataErrf(orig, off, nil, "component %d: expected string tag, got 0x%02x", i, tag)
			}
			var s []byte
			var ok bool
			s, key, ok = unescapeString(key)
			if !ok {
				return nil, dataErrf(orig, off, nil, "component %d: unterminated string", i)
			}
			if c.Type == KeyString {
				values[i] = string(s)
			} else {
				values[i] = s
			}
		case KeyFixed:
			if tag != tagFixed || len(key) < c.Size {
				return nil, dataErrf(orig, off, nil, "component %d: bad fixed component", i)
			}
			values[i], key = bytes.Clone(key[:c.Size]), key[c.Size:]
		}
	}
	if len(key) != 0 {
		return nil, dataErrf(orig, len(orig)-len(key), nil, "%d trailing bytes after key", len(key))
	}
	return values, nil
}

func appendComponent(buf []byte, c KeyComponent, v any) ([]byte, error) {
	switch c.Type {
	case KeyNone:
		return append(buf, tagNone), nil
	case KeyUint:
		u, err := toUint(v)
		if err != nil {
			return nil, err
		}
		return appendUintComponent(buf, u), nil
	case KeyString, KeyBytes:
		b, ok := toBytes(v)
		if !ok {
			return nil, fmt.Errorf("expected a string or []byte, got %T", v)
		}
		return appendStringComponent(buf, b), nil
	case KeyFixed:
		b, ok := toBytes(v)
		if !ok {
			return nil, fmt.Errorf("expected a []byte, got %T", v)
		}
		if len(b) != c.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", c.Size, len(b))
		}
		buf = append(buf, tagFixed)
		return append(buf, b...), nil
	default:
		panic(fmt.Errorf("unknown key component type %v", c.Type))
	}
}

func appendUintComponent(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	n := 8
	for n > 0 && tmp[8-n] == 0 {
		n--
	}
	buf = append(buf, tagUint+byte(n))
	return append(buf, tmp[8-n:]...)
}

func appendStringComponent(buf []byte, s []byte) []byte {
	buf = append(buf, tagString)
	for _, b := range s {
		if b == 0 {
			buf = append(buf, 0, escByte)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0)
}

func unescapeString(buf []byte) (s, rem []byte, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != 0 {
			s = append(s, buf[i])
			continue
		}
		if i+1 < len(buf) && buf[i+1] == escByte {
			s = append(s, 0)
			i++
			continue
		}
		if s == nil {
			s = []byte{}
		}
		return s, buf[i+1:], true
	}
	return nil, nil, false
}

func toUint(v any) (uint64, error) {
	switch v := v.(type) {
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case int:
		return signedToUint(int64(v))
	case int64:
		return signedToUint(v)
	case int32:
		return signedToUint(int64(v))
	case int16:
		return signedToUint(int64(v))
	case int8:
		return signedToUint(int64(v))
	case float64:
		if v < 0 || v != math.Trunc(v) || v >= 1<<64 {
			return 0, fmt.Errorf("%v is not a non-negative integer", v)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("expected an unsigned integer, got %T", v)
	}
}

func signedToUint(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative value %d in unsigned key component", v)
	}
	return uint64(v), nil
}

func toBytes(v any) ([]byte, bool) {
	switch v := v.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}
