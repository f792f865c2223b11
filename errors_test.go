package layerdb

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDataError(t *testing.T) {
	err := dataErrf([]byte{1, 2}, 1, nil, "bad %s", "thing")
	deepEqual(t, err.Error(), "bad thing: (2) 0102")

	err = dataErrf([]byte{1, 2}, 1, io.ErrUnexpectedEOF, "bad")
	deepEqual(t, err.Error(), "bad: unexpected EOF: (2) 0102")
	deepEqual(t, errors.Is(err, io.ErrUnexpectedEOF), true)

	long := bytes.Repeat([]byte{0xAB}, 100)
	long[0], long[99] = 0x01, 0x02
	err = dataErrf(long, 0, nil, "bad")
	want := "bad: (100) 01" + repeatHex("ab", 63) + "..." + repeatHex("ab", 31) + "02"
	deepEqual(t, err.Error(), want)
}

func repeatHex(s string, n int) string {
	return string(bytes.Repeat([]byte(s), n))
}

func TestCollectionError(t *testing.T) {
	err := collErrf(people, peopleByAge, []byte{1, 2}, ErrMissingKeyField, "encoding")
	deepEqual(t, err.Error(), "people.people-by-age/0102: encoding: missing key field")
	deepEqual(t, errors.Is(err, ErrMissingKeyField), true)

	err = collErrf(people, nil, nil, ErrConflict, "")
	deepEqual(t, err.Error(), "people: transaction conflict")

	_, err = people.EncodeKey(Doc{"name": "foo"})
	deepEqual(t, errors.Is(err, ErrMissingKeyField), true)

	deepEqual(t, errors.Is(unknownCollection("nope"), ErrUnknownCollection), true)
	deepEqual(t, unknownCollection("nope").Error(), `unknown collection "nope"`)

	err = unknownName("nope")
	deepEqual(t, err.Error(), `unknown collection or index "nope"`)
	deepEqual(t, errors.Is(err, ErrUnknownCollection), true)
	deepEqual(t, errors.Is(err, ErrUnknownIndex), true)
	deepEqual(t, errors.Is(err, ErrConflict), false)
}
