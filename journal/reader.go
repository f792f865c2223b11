package journal

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/layerdb/mmap"
)

type segmentScan struct {
	size      int64
	commitEnd int64
	committed int
}

// segmentReader walks the records of one mapped segment.
type segmentReader struct {
	data   []byte
	off    int
	ts     uint32
	hash   xxhash.Digest
	header segmentHeader
}

func (j *Journal) newSegmentReader(data []byte, seg uint32) (*segmentReader, error) {
	r := &segmentReader{data: data}
	if err := j.decodeHeader(data, &r.header, seg); err != nil {
		return nil, err
	}
	r.hash.Reset()
	r.hash.Write(data[:segmentHeaderSize])
	r.off = segmentHeaderSize
	r.ts = r.header.Timestamp
	return r, nil
}

// next returns the next record or commit marker. ok is false at the end of
// valid data, which includes a torn or corrupted tail.
func (r *segmentReader) next() (data []byte, dataOff int, ts uint32, isCommit, ok bool) {
	rem := r.data[r.off:]
	if len(rem) == 0 {
		return nil, 0, 0, false, false
	}
	if rem[0]&recordFlagCommit != 0 {
		if len(rem) < commitSize {
			return nil, 0, 0, false, false
		}
		marker := binary.LittleEndian.Uint64(rem[:commitSize])
		if marker != r.hash.Sum64()|uint64(recordFlagCommit) {
			return nil, 0, 0, false, false
		}
		r.hash.Write(rem[:commitSize])
		r.off += commitSize
		return nil, 0, 0, true, true
	}

	sizeAndFlags, n1 := binary.Uvarint(rem)
	if n1 <= 0 {
		return nil, 0, 0, false, false
	}
	tsDelta, n2 := binary.Uvarint(rem[n1:])
	if n2 <= 0 || tsDelta > 0xFFFF_FFFF {
		return nil, 0, 0, false, false
	}
	size := sizeAndFlags >> recordFlagShift
	hlen := n1 + n2
	if size > uint64(len(rem)-hlen) {
		return nil, 0, 0, false, false
	}
	end := hlen + int(size)
	r.hash.Write(rem[:end])
	dataOff = r.off + hlen
	r.off += end
	r.ts += uint32(tsDelta)
	return rem[hlen:end], dataOff, r.ts, false, true
}

func (j *Journal) mapSegment(name string) (*os.File, *mmap.Mapping, error) {
	f, err := j.openFile(name, false)
	if err != nil {
		return nil, nil, err
	}
	m, err := mmap.Map(f, mmap.SequentialAccess)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, m, nil
}

func (j *Journal) scanSegment(name string, seg uint32) (*segmentScan, error) {
	f, m, err := j.mapSegment(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer m.Close()

	r, err := j.newSegmentReader(m.Data(), seg)
	if err != nil {
		return nil, err
	}
	scan := &segmentScan{size: int64(m.Len()), commitEnd: segmentHeaderSize}
	var pending int
	for {
		_, _, _, isCommit, ok := r.next()
		if !ok {
			break
		}
		if isCommit {
			scan.committed += pending
			pending = 0
			scan.commitEnd = int64(r.off)
		} else {
			pending++
		}
	}
	return scan, nil
}

// Replay calls fn for every committed record in order. An uncommitted or
// corrupted tail is tolerated in the last segment only.
func (j *Journal) Replay(fn func(rec Record) error) error {
	names, err := j.Segments()
	if err != nil {
		return err
	}
	for i, name := range names {
		if err := j.context.Err(); err != nil {
			return err
		}
		isLast := (i == len(names)-1)
		err := j.replaySegment(name, isLast, fn)
		if err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replaySegment(name string, isLast bool, fn func(rec Record) error) error {
	seg, _, firstRec, err := j.parseSegmentFileName(name)
	if err != nil {
		return err
	}
	f, m, err := j.mapSegment(name)
	if err != nil {
		return err
	}
	defer f.Close()
	defer m.Close()

	r, err := j.newSegmentReader(m.Data(), seg)
	if err == errCorruptedFile && isLast {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: ignoring corrupted last segment", slog.String("jrnl", j.debugName), slog.String("file", name))
		return nil
	} else if err != nil {
		return fmt.Errorf("%v: %s: %w", j.debugName, name, err)
	}

	var pending []Record
	seq := firstRec
	for {
		data, off, ts, isCommit, ok := r.next()
		if !ok {
			break
		}
		if !isCommit {
			pending = append(pending, Record{
				Timestamp: ts,
				Data:      data,
				Loc:       Loc{Segment: name, Offset: int64(off), Size: len(data)},
			})
			continue
		}
		for _, rec := range pending {
			rec.Seq = seq
			seq++
			if err := fn(rec); err != nil {
				return err
			}
		}
		pending = pending[:0]
	}

	if r.off < len(r.data) || len(pending) > 0 {
		if !isLast {
			return fmt.Errorf("%v: %s: uncommitted data at offset %d: %w", j.debugName, name, r.off, ErrCorrupted)
		}
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: ignoring uncommitted tail", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Int("off", r.off), slog.Int("size", len(r.data)))
		}
	}
	return nil
}
