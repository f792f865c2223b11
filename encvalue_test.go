package layerdb

import (
	"errors"
	"strings"
	"testing"
)

func TestValueRoundTrip(t *testing.T) {
	doc := Doc{
		"id":    uint64(1),
		"name":  "foo",
		"age":   34,
		"tags":  []any{"a", "b"},
		"addr":  Doc{"city": "Paris"},
		"extra": "ignored",
	}
	data := must(people.EncodeValue(2, doc))
	deepEqual(t, data[:2], []byte{0x01, 0x02})

	deepEqual(t, must(people.Reconstruct(2, must(people.EncodeKey(doc)), data)), Doc{
		"id":   uint64(1),
		"name": "foo",
		"age":  uint64(34),
		"tags": []any{"a", "b"},
		"addr": Doc{"city": "Paris"},
	})
}

func TestValueSchemaVersions(t *testing.T) {
	k := must(people.EncodeKey(key(1)))
	doc := person(1, "foo", 34)
	doc["addr"] = Doc{"city": "Paris"}

	// readers of version 1 do not see fields introduced in version 2
	v2 := must(people.EncodeValue(2, doc))
	deepEqual(t, must(people.Reconstruct(1, k, v2)), person(1, "foo", 34))

	// writers of version 1 do not persist them either
	v1 := must(people.EncodeValue(1, doc))
	deepEqual(t, must(people.Reconstruct(2, k, v1)), person(1, "foo", 34))
	deepEqual(t, must(people.Reconstruct(0, k, v2)), doc)
}

func TestValueFewerFields(t *testing.T) {
	older := NewSchema(1)
	oc := older.AddCollection("people", CollectionDef{
		Key:    []Field{{Path: "id", Type: Uint}},
		Fields: []Field{{Path: "name", Type: String}},
	})
	data := must(oc.EncodeValue(1, Doc{"id": 1, "name": "foo"}))
	k := must(people.EncodeKey(key(1)))
	deepEqual(t, must(people.Reconstruct(2, k, data)), Doc{"id": uint64(1), "name": "foo"})
}

func TestValueTypeErrors(t *testing.T) {
	_, err := people.EncodeValue(2, Doc{"id": 1, "name": 42})
	if err == nil || !strings.Contains(err.Error(), "cannot use int as string") {
		t.Fatalf("EncodeValue err = %v, wanted a type error", err)
	}
	_, err = people.EncodeValue(2, Doc{"id": 1, "age": -1})
	if err == nil || !strings.Contains(err.Error(), "negative value") {
		t.Fatalf("EncodeValue err = %v, wanted a negative value error", err)
	}
}

func TestValueDecodeErrors(t *testing.T) {
	k := must(people.EncodeKey(key(1)))
	tests := []struct {
		data string
		msg  string
	}{
		{"02 01 90", "unsupported flags"},
		{"01 ff ff 03", "bad schema version"},
		{"01 01 c1", "invalid value body"},
		{"80", "invalid uvarint"},
	}
	for _, tt := range tests {
		_, err := people.Reconstruct(2, k, x(tt.data))
		var de *DataError
		if !errors.As(err, &de) {
			t.Errorf("Reconstruct(%s) err = %v, wanted *DataError", tt.data, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.msg) {
			t.Errorf("Reconstruct(%s) err = %v, wanted %q", tt.data, err, tt.msg)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		f    Field
		in   any
		want any
	}{
		{Field{Type: Uint}, int64(5), uint64(5)},
		{Field{Type: Uint}, float64(5), uint64(5)},
		{Field{Type: Int}, uint64(5), int64(5)},
		{Field{Type: Float}, int64(2), float64(2)},
		{Field{Type: Float}, float32(0.5), float64(0.5)},
		{Field{Type: String}, []byte("x"), "x"},
		{Field{Type: Bytes}, "x", []byte("x")},
		{Field{Type: Bool}, true, true},
		{Field{Type: Fixed, Size: 2}, []byte{1, 2}, []byte{1, 2}},
		{Field{Type: None}, "dropped", nil},
		{Field{Type: Any}, []any{1}, []any{1}},
	}
	for _, tt := range tests {
		deepEqual(t, must(normalize(tt.f, tt.in)), tt.want)
	}

	for _, bad := range []struct {
		f  Field
		in any
	}{
		{Field{Type: Int}, 1.5},
		{Field{Type: Int}, uint64(1 << 63)},
		{Field{Type: Fixed, Size: 3}, []byte{1, 2}},
		{Field{Type: Bool}, "yes"},
	} {
		if _, err := normalize(bad.f, bad.in); err == nil {
			t.Errorf("normalize(%v, %v) succeeded, wanted error", bad.f.Type, bad.in)
		}
	}
}
