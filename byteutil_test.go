package layerdb

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestBytesBuilder_Basics(t *testing.T) {
	var bb bytesBuilder
	bb.EnsureExtra(128)
	if cap(bb.Buf) < 128 {
		t.Fatalf("cap(bb.Buf) = %d, wanted >= 128", cap(bb.Buf))
	}

	off := bb.Grow(3)
	copy(bb.Buf[off:], []byte{1, 2, 3})
	_ = bb.WriteByte(4)
	bb.AppendUvarint(300)

	want := []byte{1, 2, 3, 4}
	want = binary.AppendUvarint(want, 300)
	if !reflect.DeepEqual(bb.Buf, want) {
		t.Fatalf("bb.Buf = %x, wanted %x", bb.Buf, want)
	}

	bb.Trim(2)
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2}) {
		t.Fatalf("after Trim: bb.Buf = %x, wanted 0102", bb.Buf)
	}

	_, _ = bb.Write([]byte{9, 8})
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2, 9, 8}) {
		t.Fatalf("after Write: bb.Buf = %x, wanted 01020908", bb.Buf)
	}
}

func TestByteUtil_AppendRawKeepsPrefix(t *testing.T) {
	buf := make([]byte, 2, 2)
	buf[0], buf[1] = 0xAA, 0xBB
	buf = appendRaw(buf, []byte{0xCC})
	if !reflect.DeepEqual(buf, []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("appendRaw = %x, wanted aabbcc", buf)
	}
	if cap(buf) < 16 {
		t.Fatalf("cap = %d, wanted >= 16", cap(buf))
	}
}

func TestByteDecoder_Uvarint(t *testing.T) {
	d := makeByteDecoder(binary.AppendUvarint([]byte(nil), 1000))
	v, err := d.Uvarint()
	if err != nil || v != 1000 || d.Off() != 2 {
		t.Fatalf("Uvarint = (%d, %v) off %d, wanted (1000, nil) off 2", v, err, d.Off())
	}

	d = makeByteDecoder([]byte{0x80}) // continuation bit with no terminator
	_, err = d.Uvarint()
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("Uvarint err = %T %v, wanted *DataError", err, err)
	}
	if de.Off != 0 {
		t.Fatalf("DataError.Off = %d, wanted 0", de.Off)
	}
}
