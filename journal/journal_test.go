package journal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/layerdb/journal"
	"github.com/andreyvit/layerdb/journal/journaltest"
)

var bytesEq = journaltest.BytesEq

const headerSize = 128

func TestJournal_trivial(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("hello")))
	must(j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	must(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	deepEq(t, files, []string{"j000000000001-20240101T000000-0000000000000001.wal"})

	data := j.Data(files[0])
	recs := journaltest.Expand(
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
	)
	bytesEq(t, data[:8], journaltest.Expand("'JOURNLAT"))
	bytesEq(t, data[headerSize:headerSize+len(recs)], recs)
	if e := headerSize + len(recs) + 8; len(data) != e {
		t.Errorf("file size = %d, wanted %d", len(data), e)
	}
	if data[len(data)-8]&1 == 0 {
		t.Errorf("commit marker does not have its flag bit set")
	}
}

func TestJournal_replay(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	loc1 := must(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	j.Advance(5 * time.Second)
	must(j.WriteRecord(0, []byte("two")))
	loc3 := must(j.WriteRecord(0, []byte("three")))
	ensure(j.Commit())

	var seqs []uint64
	var stamps []uint32
	var datas []string
	ensure(j.Replay(func(rec journal.Record) error {
		seqs = append(seqs, rec.Seq)
		stamps = append(stamps, rec.Timestamp)
		datas = append(datas, string(rec.Data))
		return nil
	}))
	start := uint32(journaltest.Start.Unix())
	deepEq(t, seqs, []uint64{1, 2, 3})
	deepEq(t, stamps, []uint32{start, start + 5, start + 5})
	deepEq(t, datas, []string{"one", "two", "three"})

	deepEq(t, string(must(j.ReadAt(loc1))), "one")
	deepEq(t, string(must(j.ReadAt(loc3))), "three")
	deepEq(t, j.LastSeq(), uint64(3))
}

func TestJournal_uncommittedInvisible(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("b")))

	deepEq(t, j.Replayed(), []string{"a"})
	ensure(j.Commit())
	deepEq(t, j.Replayed(), []string{"a", "b"})
}

func TestJournal_tornTailIsTruncatedOnReopen(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	must(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	name := j.FileNames()[0]
	committedSize := len(j.Data(name))
	j.Append(name, journaltest.Expand("#20 #0 'partial"))

	deepEq(t, j.Replayed(), []string{"a", "b"})

	j.Reopen()
	deepEq(t, len(j.Data(name)), committedSize)

	must(j.WriteRecord(0, []byte("c")))
	ensure(j.Commit())
	deepEq(t, j.Replayed(), []string{"a", "b", "c"})
	deepEq(t, j.FileNames(), []string{
		"j000000000001-20240101T000000-0000000000000001.wal",
		"j000000000002-20240101T000000-0000000000000003.wal",
	})
}

func TestJournal_garbageTailIsIgnored(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("b")))
	ensure(j.FinishWriting())

	// a forged commit marker must not validate
	name := j.FileNames()[0]
	j.Append(name, journaltest.Expand("01_02_03_04_05_06_07_08"))
	deepEq(t, j.Replayed(), []string{"a"})
}

func TestJournal_rotation(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 200})
	for _, s := range []string{"first record, long enough to fill", "second record, also long enough", "third"} {
		must(j.WriteRecord(0, []byte(s+" ..........................................................................")))
		ensure(j.Commit())
	}
	files := j.FileNames()
	if len(files) != 3 {
		t.Fatalf("files = %v, wanted 3 segments", files)
	}
	deepEq(t, len(j.Replayed()), 3)

	ensure(j.Rotate())
	must(j.WriteRecord(0, []byte("x")))
	ensure(j.Commit())
	deepEq(t, len(j.FileNames()), 4)
}

func TestJournal_reopenContinuesSequence(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Sync: true})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	j.Reopen()
	deepEq(t, j.LastSeq(), uint64(1))

	must(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())

	var seqs []uint64
	ensure(j.Replay(func(rec journal.Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	deepEq(t, seqs, []uint64{1, 2})
}

func TestJournal_emptySegmentRemovedOnReopen(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.FinishWriting())
	deepEq(t, len(j.FileNames()), 1)

	j.Reopen()
	deepEq(t, len(j.FileNames()), 0)
	deepEq(t, j.LastSeq(), uint64(0))
}

func TestJournal_corruptedHeaderDeletedOnReopen(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.Rotate())
	ensure(j.FinishWriting())

	j.Put("j000000000002-20240101T000000-0000000000000002.wal", "'JOURNLAT 00_00")
	deepEq(t, j.Replayed(), []string{"a"})

	j.Reopen()
	deepEq(t, j.FileNames(), []string{"j000000000001-20240101T000000-0000000000000001.wal"})
}

func TestJournal_incompatibleInvariant(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{JournalInvariant: [32]byte{1}})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.Close())

	other := journal.New(j.Dir, journal.Options{FileName: "j*.wal", JournalInvariant: [32]byte{2}})
	err := other.Replay(func(journal.Record) error { return nil })
	if !errors.Is(err, journal.ErrIncompatible) {
		t.Fatalf("Replay err = %v, wanted ErrIncompatible", err)
	}
}

func TestJournal_readOnly(t *testing.T) {
	dir := t.TempDir()
	j := journal.New(dir, journal.Options{})
	_, err := j.WriteRecord(0, []byte("a"))
	if !errors.Is(err, journal.ErrReadOnly) {
		t.Fatalf("WriteRecord err = %v, wanted ErrReadOnly", err)
	}
}

func TestJournal_ignoresForeignFiles(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(os.WriteFile(filepath.Join(j.Dir, "README"), []byte("hi"), 0o644))
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	deepEq(t, len(must(j.Segments())), 1)
	deepEq(t, j.Replayed(), []string{"a"})
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
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
