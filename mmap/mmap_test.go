package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	var o Options = Writable | Prefault
	if !o.Has(Writable) || o.Has(SequentialAccess) {
		t.Fatalf("Options.Has returned unexpected results for %v", o)
	}
}

func TestMmapAndMunmap(t *testing.T) {
	f := must(os.CreateTemp(t.TempDir(), "mmap_test_*"))
	defer f.Close()

	const size = 4096
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	b, err := Mmap(f, 0, size, Writable)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if len(b) != size {
		t.Fatalf("len(mmap) = %d, wanted %d", len(b), size)
	}
	b[0] = 0x42
	if err := Fdatasync(f, b); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
	if err := Munmap(b); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
}

func TestMmap_PanicsOnNonZeroOffset(t *testing.T) {
	f := must(os.CreateTemp(t.TempDir(), "mmap_test_*"))
	defer f.Close()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_, _ = Mmap(f, 1, 1, 0)
}

func TestMap(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "seg")
	data := bytes.Repeat([]byte("layerdb!"), 1000)
	ensure(os.WriteFile(fn, data, 0o644))

	f := must(os.Open(fn))
	defer f.Close()

	m, err := Map(f, SequentialAccess|Prefault)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !bytes.Equal(m.Data(), data) {
		t.Fatalf("Map returned %d bytes that differ from the file", m.Len())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Data() != nil {
		t.Fatalf("Data() after Close = %d bytes, wanted nil", m.Len())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMap_Empty(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "empty")
	ensure(os.WriteFile(fn, nil, 0o644))

	f := must(os.Open(fn))
	defer f.Close()

	m, err := Map(f, RandomAccess)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, wanted 0", m.Len())
	}
	ensure(m.Close())
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
