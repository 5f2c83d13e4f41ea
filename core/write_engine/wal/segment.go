package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	segmentMagic   uint32 = 0x57414c31 // "WAL1"
	segmentVersion uint32 = 1

	// magic u32 | version u32 | database_id [16]byte | start_lsn u64 | crc u32
	segmentHeaderSize = 36

	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// segment is one WAL file. Records never span segments; the LSN of a
// record is start + (file offset - header size).
type segment struct {
	start LSN
	path  string
}

func segmentName(start LSN) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(start), segmentSuffix)
}

func parseSegmentName(name string) (LSN, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return InvalidLSN, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil || n == 0 {
		return InvalidLSN, false
	}
	return LSN(n), true
}

func encodeSegmentHeader(dbID uuid.UUID, start LSN) []byte {
	buf := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:], segmentVersion)
	copy(buf[8:24], dbID[:])
	binary.LittleEndian.PutUint64(buf[24:], uint64(start))
	binary.LittleEndian.PutUint32(buf[32:], crc32.Checksum(buf[:32], crcTable))
	return buf
}

func decodeSegmentHeader(buf []byte) (uuid.UUID, LSN, error) {
	var id uuid.UUID
	if len(buf) < segmentHeaderSize {
		return id, InvalidLSN, fmt.Errorf("%w: short segment header", ErrWALCorrupt)
	}
	if crc32.Checksum(buf[:32], crcTable) != binary.LittleEndian.Uint32(buf[32:]) {
		return id, InvalidLSN, fmt.Errorf("%w: segment header crc mismatch", ErrWALCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != segmentMagic || binary.LittleEndian.Uint32(buf[4:]) != segmentVersion {
		return id, InvalidLSN, fmt.Errorf("%w: bad segment magic", ErrWALCorrupt)
	}
	copy(id[:], buf[8:24])
	return id, LSN(binary.LittleEndian.Uint64(buf[24:])), nil
}

// listSegments returns the segments in dir ordered by start LSN.
func listSegments(dir string) ([]*segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", dir, err)
	}
	var segs []*segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		start, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, &segment{start: start, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
	return segs, nil
}

// scanSegment walks the records of one segment file. It returns the LSN
// just past the last valid record, the file offset of that point, and
// whether the segment ended cleanly. visit may be nil.
func scanSegment(data []byte, seg *segment, visit func(*LogRecord) error) (end LSN, offset int, clean bool, err error) {
	offset = segmentHeaderSize
	end = seg.start
	for offset < len(data) {
		rec, n, derr := decodeFrame(data[offset:])
		if derr != nil || rec.LSN != end {
			return end, offset, false, nil
		}
		if visit != nil {
			if err := visit(rec); err != nil {
				return end, offset, false, err
			}
		}
		offset += n
		end += LSN(n)
	}
	return end, offset, true, nil
}
