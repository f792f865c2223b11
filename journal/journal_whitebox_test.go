package journal

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestSegmentNameRoundTrip(t *testing.T) {
	name := formatSegmentName("blocks-", ".wal", 123, 1672531200, 0x11223344_aabbccdd)
	if e := "blocks-000000000123-20230101T000000-11223344aabbccdd.wal"; name != e {
		t.Fatalf("name = %q, expected %q", name, e)
	}

	j := New(t.TempDir(), Options{FileName: "blocks-*.wal"})
	seq, ts, id, err := j.parseSegmentFileName(name)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 123 || ts != 1672531200 || id != 0x11223344_aabbccdd {
		t.Errorf("parsed (%d, %d, %x), expected (123, 1672531200, 11223344aabbccdd)", seq, ts, id)
	}

	for _, bad := range []string{
		"other-000000000123-20230101T000000-11223344aabbccdd.wal",
		"blocks-000000000123-20230101T000000-11223344aabbccdd.tmp",
		"blocks-x-20230101T000000-00.wal",
		"blocks-000000000123-2023-00.wal",
		"blocks-000000000123-20230101T000000-zz.wal",
	} {
		if _, _, _, err := j.parseSegmentFileName(bad); err == nil {
			t.Errorf("parseSegmentFileName(%q) succeeded, expected error", bad)
		}
	}
}

func TestSegmentsSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, Options{FileName: "j*.wal"})
	names := []string{
		formatSegmentName("j", ".wal", 2, 1672531200, 5),
		formatSegmentName("j", ".wal", 1, 1672531200, 0),
		"README",
		"j-garbage.wal",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, formatSegmentName("j", ".wal", 3, 1672531200, 9)), 0o755); err != nil {
		t.Fatal(err)
	}

	segs, err := j.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if e := []string{names[1], names[0]}; !slices.Equal(segs, e) {
		t.Errorf("Segments() = %v, expected %v", segs, e)
	}
}
