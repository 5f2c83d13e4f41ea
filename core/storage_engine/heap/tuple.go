package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

var (
	ErrTupleNotFound = errors.New("tuple not found")
	ErrTupleTooLarge = errors.New("tuple does not fit in a page")
	ErrNotAHeap      = errors.New("page does not belong to a heap")
	ErrBadTuple      = errors.New("malformed tuple")
	ErrBadUndoEntry  = errors.New("malformed heap undo payload")
)

// Tuple header layout:
//
//	0  xmin       u64
//	8  xmax       u64
//	16 next page  u64
//	24 next slot  u16
//	26 flags      u8
const TupleHeaderSize = 27

const (
	// FlagUpdated marks a version that has a successor in its chain.
	FlagUpdated uint8 = 1 << iota
)

// Tuple is one version of a row.
type Tuple struct {
	Xmin uint64
	Xmax uint64
	// Next is the newer version written by the update that set Xmax.
	Next    pagemanager.TID
	Flags   uint8
	Payload []byte
}

func (t Tuple) encode() []byte {
	out := make([]byte, TupleHeaderSize, TupleHeaderSize+len(t.Payload))
	binary.LittleEndian.PutUint64(out[0:], t.Xmin)
	binary.LittleEndian.PutUint64(out[8:], t.Xmax)
	binary.LittleEndian.PutUint64(out[16:], uint64(t.Next.PageID))
	binary.LittleEndian.PutUint16(out[24:], t.Next.Slot)
	out[26] = t.Flags
	return append(out, t.Payload...)
}

// decodeTuple copies the tuple out of b.
func decodeTuple(b []byte) (Tuple, error) {
	if len(b) < TupleHeaderSize {
		return Tuple{}, fmt.Errorf("%w: %d bytes", ErrBadTuple, len(b))
	}
	return Tuple{
		Xmin: binary.LittleEndian.Uint64(b[0:]),
		Xmax: binary.LittleEndian.Uint64(b[8:]),
		Next: pagemanager.TID{
			PageID: pagemanager.PageID(binary.LittleEndian.Uint64(b[16:])),
			Slot:   binary.LittleEndian.Uint16(b[24:]),
		},
		Flags:   b[26],
		Payload: append([]byte(nil), b[TupleHeaderSize:]...),
	}, nil
}

// setXmax rewrites the xmax word of an encoded tuple in place.
func setXmax(b []byte, xmax uint64) {
	binary.LittleEndian.PutUint64(b[8:], xmax)
}

// setNext rewrites the successor pointer and the updated flag in place.
func setNext(b []byte, next pagemanager.TID) {
	binary.LittleEndian.PutUint64(b[16:], uint64(next.PageID))
	binary.LittleEndian.PutUint16(b[24:], next.Slot)
	if next.IsValid() {
		b[26] |= FlagUpdated
	} else {
		b[26] &^= FlagUpdated
	}
}

// MaxPayloadSize is the largest payload a page of pageSize can hold.
func MaxPayloadSize(pageSize int) int {
	return pageSize - pagemanager.HeaderSize - pagemanager.SlotSize - TupleHeaderSize
}
