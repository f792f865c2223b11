package layerdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	valueFormatVer1      = 1
	valueFormatVerLatest = valueFormatVer1
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSupportedMask = vfVer1
	vfDefault       = vfVer1

	maxValueHeaderSize = binary.MaxVarintLen64 * 2
	maxSchemaVersion   = 32768 // just a sanity value, can be increased
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

// value is a decoded value header plus the undecoded record body.
type value struct {
	Flags     valueFlags
	SchemaVer uint64
	Data      []byte
}

// encodeValue writes the header followed by a msgpack array of the
// non-key fields in declaration order. Absent fields and fields newer than
// version are written as nil.
func encodeValue(buf []byte, version uint64, fields []field, doc Doc) ([]byte, error) {
	bb := bytesBuilder{buf}
	bb.EnsureExtra(maxValueHeaderSize + 16*len(fields))
	bb.AppendUvarint(uint64(vfDefault))
	bb.AppendUvarint(version)

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)

	if err := enc.EncodeArrayLen(len(fields)); err != nil {
		return nil, err
	}
	for _, f := range fields {
		var v any
		if f.Since <= version {
			raw, _ := f.path.get(doc)
			var err error
			v, err = normalize(f.Field, raw)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Path, err)
			}
		}
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Path, err)
		}
	}
	return bb.Buf, nil
}

func (vle *value) decode(data []byte) error {
	d := makeByteDecoder(data)
	v, err := d.Uvarint()
	if err != nil {
		return err
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return dataErrf(data, 0, nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)
	if vle.Flags.ver() != valueFlags(valueFormatVerLatest) {
		return dataErrf(data, 0, nil, "invalid value: unsupported format version %d", vle.Flags.ver())
	}

	v, err = d.Uvarint()
	if err != nil {
		return err
	}
	if v > maxSchemaVersion {
		return dataErrf(data, d.Off(), nil, "invalid value: bad schema version %d", v)
	}
	vle.SchemaVer = v
	vle.Data = d.Buf
	return nil
}

// decodeValue fills doc with the fields of an encoded value visible at the
// given schema version. Values written by an older schema may carry fewer
// fields.
func decodeValue(data []byte, version uint64, fields []field, doc Doc) error {
	var vle value
	if err := vle.decode(data); err != nil {
		return err
	}

	var r bytes.Reader
	r.Reset(vle.Data)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return dataErrf(data, len(data)-len(vle.Data), err, "invalid value body")
	}
	for i := 0; i < n; i++ {
		raw, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return dataErrf(data, len(data)-len(vle.Data), err, "invalid value field %d", i)
		}
		if i >= len(fields) || raw == nil {
			continue
		}
		f := &fields[i]
		if f.Since > version {
			continue
		}
		v, err := normalize(f.Field, raw)
		if err != nil {
			return dataErrf(data, len(data)-len(vle.Data), err, "field %s", f.Path)
		}
		f.path.set(doc, v)
	}
	return nil
}

// normalize converts v to the canonical Go type of the field, so that
// equal records encode to equal bytes and decode to the same types.
func normalize(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case Any:
		return v, nil
	case None:
		return nil, nil
	case Uint:
		return toUint(v)
	case Int:
		return toInt(v)
	case String:
		switch v := v.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case Bytes:
		switch v := v.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case Fixed:
		if b, ok := toBytes(v); ok && len(b) == f.Size {
			return b, nil
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Float:
		switch v := v.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		default:
			if i, err := toInt(v); err == nil {
				return float64(i), nil
			}
			if u, err := toUint(v); err == nil {
				return float64(u), nil
			}
		}
	}
	return nil, fmt.Errorf("cannot use %T as %v", v, f.Type)
}

func toInt(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", v)
		}
		return int64(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", v)
		}
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= 1<<63 {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
