package pagemanager

import (
	"cmp"
	"encoding/binary"
	"fmt"
)

// TIDSize is the encoded size of a TID.
const TIDSize = 10

// TID addresses a tuple version: a heap page and a slot in it. Slot numbers
// survive compaction, so a TID never changes meaning.
type TID struct {
	PageID PageID
	Slot   uint16
}

func (t TID) IsValid() bool { return t.PageID != InvalidPageID }

func (t TID) String() string { return fmt.Sprintf("(%d,%d)", t.PageID, t.Slot) }

func (t TID) Compare(o TID) int {
	if c := cmp.Compare(t.PageID, o.PageID); c != 0 {
		return c
	}
	return cmp.Compare(t.Slot, o.Slot)
}

func (t TID) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(t.PageID))
	return binary.LittleEndian.AppendUint16(dst, t.Slot)
}

func DecodeTID(b []byte) TID {
	return TID{PageID: PageID(binary.LittleEndian.Uint64(b)), Slot: binary.LittleEndian.Uint16(b[8:])}
}
