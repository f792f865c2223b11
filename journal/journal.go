// Package journal implements append-only “journal” files that layerdb's
// log engine commits blocks into.
//
// A journal is a directory of segment files. Records are appended to the
// last segment and become durable as a group once a commit marker follows
// them. Readers only ever see committed records; a torn tail left by a crash
// is ignored on replay and truncated when the journal is reopened for
// writing.
//
// Segments rotate after a commit pushes them past MaxFileSize.
//
// # File format
//
//   - file = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentOrdinal:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:192 checksum:64
//   - record = (size<<1):uvarint timestampDelta:uvarint data
//   - commit = runningHash:64 with the lowest bit set
//
// The running hash is an xxhash of everything in the segment that precedes
// the commit marker, including earlier markers.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/layerdb/mmap"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrCorrupted          = errors.New("corrupted journal")
	ErrReadOnly           = errors.New("journal is not open for writing")
	errCorruptedFile      = errors.New("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.bin"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes every commit wait for the data to reach the disk.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	segFlagAligned uint16 = 1 << 0
)

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	commitSize            = 8
	timestampFmt          = "20060102T150405"
)

// Loc addresses the data of one record.
type Loc struct {
	Segment string
	Offset  int64
	Size    int
}

func (l Loc) IsZero() bool {
	return l.Segment == ""
}

func (l Loc) String() string {
	return fmt.Sprintf("%s@%d+%d", l.Segment, l.Offset, l.Size)
}

// Record is a committed record seen by Replay. Data is only valid until the
// callback returns.
type Record struct {
	Seq       uint64
	Timestamp uint32
	Data      []byte
	Loc       Loc
}

// Journal represents a directory of segment files.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	aligned          bool
	verbose          bool
	sync             bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter

	readLock  sync.Mutex
	readFiles map[string]*os.File
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		aligned:          false,
		verbose:          o.Verbose,
		sync:             o.Sync,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
		readFiles:        make(map[string]*os.File),
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

func (j *Journal) Dir() string {
	return j.dir
}

// LastSeq returns the sequence number of the last record written so far.
// Only meaningful after StartWriting.
func (j *Journal) LastSeq() uint64 {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeRec
}

// StartWriting prepares the journal for appending. It finds the last
// segment, drops whatever follows its last commit marker, and arranges for
// new records to go into a fresh segment.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.writable {
		return nil
	}
	err := j.prepareToWrite_locked()
	if err != nil {
		return j.fail(err)
	}
	j.writable = true
	return nil
}

func (j *Journal) prepareToWrite_locked() error {
	st, err := os.Stat(j.dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%v: not a directory", j.debugName)
	}

	for {
		names, err := j.Segments()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		lastName := names[len(names)-1]
		seg, _, firstRec, err := j.parseSegmentFileName(lastName)
		if err != nil {
			return err
		}

		scan, err := j.scanSegment(lastName, seg)
		if err == errCorruptedFile {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", lastName))
			if err := os.Remove(filepath.Join(j.dir, lastName)); err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}

		if scan.committed == 0 {
			if j.verbose {
				j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: removing empty segment", slog.String("jrnl", j.debugName), slog.String("file", lastName))
			}
			if err := os.Remove(filepath.Join(j.dir, lastName)); err != nil {
				return err
			}
			j.writeSeg = seg - 1
			j.writeRec = firstRec - 1
			return nil
		}

		if scan.size > scan.commitEnd {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: truncating uncommitted tail", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Int64("size", scan.size), slog.Int64("committed", scan.commitEnd))
			if err := os.Truncate(filepath.Join(j.dir, lastName), scan.commitEnd); err != nil {
				return err
			}
		}
		j.writeSeg = seg
		j.writeRec = firstRec + uint64(scan.committed) - 1
		return nil
	}
}

// FinishWriting closes the current segment. Further writes fail until
// StartWriting is called again.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	err := j.finishWriting_locked()
	if j.writeErr != nil {
		return j.writeErr
	}
	return err
}

func (j *Journal) finishWriting_locked() error {
	j.writable = false
	if j.segWriter != nil {
		err := j.segWriter.close()
		j.segWriter = nil
		return err
	}
	return nil
}

// Close stops writing and releases the read handles.
func (j *Journal) Close() error {
	err := j.FinishWriting()

	j.readLock.Lock()
	defer j.readLock.Unlock()
	for name, f := range j.readFiles {
		f.Close()
		delete(j.readFiles, name)
	}
	return err
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	} else {
		return os.Open(fn)
	}
}

// Segments lists segment file names in order.
func (j *Journal) Segments() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if _, _, _, err := j.parseSegmentFileName(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (j *Journal) parseSegmentFileName(name string) (seq, ts uint32, id uint64, err error) {
	s, ok := strings.CutPrefix(name, j.fileNamePrefix)
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	s, ok = strings.CutSuffix(s, j.fileNameSuffix)
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	return parseSegmentName(s)
}

// WriteRecord appends a record to the current segment, starting a new one
// if needed. The record is not visible to readers until Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) (Loc, error) {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return Loc{}, j.writeErr
	}
	if !j.writable {
		return Loc{}, ErrReadOnly
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	if j.segWriter == nil {
		sw, err := startSegment(j, j.writeSeg+1, timestamp, j.writeRec+1)
		if err != nil {
			return Loc{}, j.fail(err)
		}
		j.writeSeg++
		j.segWriter = sw
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.String("file", sw.name))
		}
	}

	j.writeRec++
	loc, err := j.segWriter.writeRecord(timestamp, data)
	if err != nil {
		return Loc{}, j.fail(err)
	}
	return loc, nil
}

// Commit makes the records written so far durable and visible.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil {
		return nil
	}
	if err := sw.commit(j.sync); err != nil {
		return j.fail(err)
	}
	if sw.size >= j.maxFileSize {
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: rotating", slog.String("jrnl", j.debugName), slog.String("file", sw.name), slog.Int64("size", sw.size))
		}
		j.segWriter = nil
		if err := sw.close(); err != nil {
			return j.fail(err)
		}
	}
	return nil
}

// Rotate makes the next record start a new segment. Uncommitted records are
// committed first.
func (j *Journal) Rotate() error {
	if err := j.Commit(); err != nil {
		return err
	}
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if sw := j.segWriter; sw != nil {
		j.segWriter = nil
		if err := sw.close(); err != nil {
			return j.fail(err)
		}
	}
	return nil
}

// ReadAt returns a copy of the record data at loc.
func (j *Journal) ReadAt(loc Loc) ([]byte, error) {
	f, err := j.readFile(loc.Segment)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, loc.Size)
	_, err = f.ReadAt(buf, loc.Offset)
	if err == io.EOF {
		return nil, fmt.Errorf("%v: %v: %w", j.debugName, loc, ErrCorrupted)
	} else if err != nil {
		return nil, err
	}
	return buf, nil
}

func (j *Journal) readFile(name string) (*os.File, error) {
	j.readLock.Lock()
	defer j.readLock.Unlock()
	if f := j.readFiles[name]; f != nil {
		return f, nil
	}
	f, err := j.openFile(name, false)
	if err != nil {
		return nil, err
	}
	j.readFiles[name] = f
	return f, nil
}

func (j *Journal) decodeHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	if len(buf) < segmentHeaderSize {
		return errCorruptedFile
	}
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return errCorruptedFile
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	if ((h.Flags & segFlagAligned) != 0) != j.aligned {
		return ErrIncompatible
	}

	return nil
}

type segmentWriter struct {
	f           *os.File
	name        string
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		name: name,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) (Loc, error) {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return Loc{}, err
	}
	sw.size += int64(len(h))

	loc := Loc{Segment: sw.name, Offset: sw.size, Size: len(data)}
	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return Loc{}, err
	}
	sw.size += int64(len(data))

	return loc, nil
}

func (sw *segmentWriter) commit(sync bool) error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += commitSize

	if sync {
		return mmap.Fdatasync(sw.f, nil)
	}
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     0,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}
	if j.aligned {
		h.Flags |= segFlagAligned
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
