package pagemanager

import (
	"encoding/binary"
	"fmt"
)

// Runs closer than this are merged into one.
const diffMergeGap = 8

// Diff encodes the byte runs in which after differs from before as a
// sequence of (offset u16, length u16, bytes). The LSN and checksum words
// are never part of a diff.
func Diff(before, after []byte) []byte {
	out := make([]byte, 0, 64)
	i := DiffStart
	for i < len(after) {
		if before[i] == after[i] {
			i++
			continue
		}
		start, end := i, i+1
		for j := end; j < len(after) && j-end < diffMergeGap; j++ {
			if before[j] != after[j] {
				end = j + 1
			}
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(start))
		out = binary.LittleEndian.AppendUint16(out, uint16(end-start))
		out = append(out, after[start:end]...)
		i = end
	}
	return out
}

// ApplyDiff replays a diff produced by Diff onto data.
func ApplyDiff(data, diff []byte) error {
	for pos := 0; pos < len(diff); {
		if pos+4 > len(diff) {
			return fmt.Errorf("%w: truncated run header at %d", ErrInvalidDiff, pos)
		}
		off := int(binary.LittleEndian.Uint16(diff[pos:]))
		length := int(binary.LittleEndian.Uint16(diff[pos+2:]))
		pos += 4
		if off < DiffStart || off+length > len(data) || pos+length > len(diff) {
			return fmt.Errorf("%w: run [%d,+%d) out of bounds", ErrInvalidDiff, off, length)
		}
		copy(data[off:off+length], diff[pos:pos+length])
		pos += length
	}
	return nil
}
