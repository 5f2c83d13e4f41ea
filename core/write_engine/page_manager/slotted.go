package pagemanager

import (
	"encoding/binary"
	"fmt"
)

// SlottedPage is a view over a page buffer. Item pointers grow down from the
// header and item bytes grow up from the end of the page. A slot with length
// zero is dead: its number stays reserved but it owns no bytes.
type SlottedPage struct {
	data []byte
}

func Wrap(data []byte) SlottedPage {
	return SlottedPage{data: data}
}

// Init formats the page, keeping the LSN and checksum words.
func (p SlottedPage) Init(t PageType, owner uint64, level uint16) {
	clear(p.data[DiffStart:])
	p.data[offType] = byte(t)
	p.setItemCount(0)
	p.setFreeLower(HeaderSize)
	p.setFreeUpper(len(p.data))
	p.SetOwner(owner)
	p.SetLevel(level)
}

func (p SlottedPage) Data() []byte       { return p.data }
func (p SlottedPage) LSN() LSN           { return PageLSN(p.data) }
func (p SlottedPage) Type() PageType     { return PageType(p.data[offType]) }
func (p SlottedPage) SetType(t PageType) { p.data[offType] = byte(t) }
func (p SlottedPage) Flags() uint8       { return p.data[offFlags] }
func (p SlottedPage) SetFlags(f uint8)   { p.data[offFlags] = f }
func (p SlottedPage) ItemCount() int     { return int(binary.LittleEndian.Uint16(p.data[offItemCount:])) }
func (p SlottedPage) Next() PageID       { return PageID(binary.LittleEndian.Uint64(p.data[offNext:])) }
func (p SlottedPage) SetNext(id PageID) {
	binary.LittleEndian.PutUint64(p.data[offNext:], uint64(id))
}
func (p SlottedPage) Owner() uint64      { return binary.LittleEndian.Uint64(p.data[offOwner:]) }
func (p SlottedPage) SetOwner(o uint64)  { binary.LittleEndian.PutUint64(p.data[offOwner:], o) }
func (p SlottedPage) Level() uint16      { return binary.LittleEndian.Uint16(p.data[offLevel:]) }
func (p SlottedPage) SetLevel(l uint16)  { binary.LittleEndian.PutUint16(p.data[offLevel:], l) }
func (p SlottedPage) freeLower() int     { return int(binary.LittleEndian.Uint16(p.data[offFreeLower:])) }
func (p SlottedPage) freeUpper() int     { return int(binary.LittleEndian.Uint16(p.data[offFreeUpper:])) }
func (p SlottedPage) setItemCount(n int) { binary.LittleEndian.PutUint16(p.data[offItemCount:], uint16(n)) }
func (p SlottedPage) setFreeLower(v int) { binary.LittleEndian.PutUint16(p.data[offFreeLower:], uint16(v)) }
func (p SlottedPage) setFreeUpper(v int) { binary.LittleEndian.PutUint16(p.data[offFreeUpper:], uint16(v)) }

// Usable is the number of bytes available for slots and items.
func (p SlottedPage) Usable() int { return len(p.data) - HeaderSize }

func (p SlottedPage) slot(i int) (off, length int) {
	base := HeaderSize + i*SlotSize
	return int(binary.LittleEndian.Uint16(p.data[base:])), int(binary.LittleEndian.Uint16(p.data[base+2:]))
}

func (p SlottedPage) setSlot(i, off, length int) {
	base := HeaderSize + i*SlotSize
	binary.LittleEndian.PutUint16(p.data[base:], uint16(off))
	binary.LittleEndian.PutUint16(p.data[base+2:], uint16(length))
}

// Item returns the bytes of item i, aliased into the page. Dead slots return nil.
func (p SlottedPage) Item(i int) []byte {
	off, length := p.slot(i)
	if length == 0 {
		return nil
	}
	return p.data[off : off+length]
}

// IsDead reports whether slot i no longer owns any bytes.
func (p SlottedPage) IsDead(i int) bool {
	_, length := p.slot(i)
	return length == 0
}

// LiveBytes sums the length of every live item.
func (p SlottedPage) LiveBytes() int {
	total := 0
	for i := 0; i < p.ItemCount(); i++ {
		_, length := p.slot(i)
		total += length
	}
	return total
}

// UsedBytes counts slot array and live item bytes.
func (p SlottedPage) UsedBytes() int {
	return p.ItemCount()*SlotSize + p.LiveBytes()
}

// FreeSpace is the space an insert can use once the page is compacted.
func (p SlottedPage) FreeSpace() int {
	return p.Usable() - p.UsedBytes()
}

func (p SlottedPage) contiguousFree() int {
	return p.freeUpper() - p.freeLower()
}

// Fits reports whether an item of n bytes plus a new slot can be inserted.
func (p SlottedPage) Fits(n int) bool {
	return p.FreeSpace() >= n+SlotSize
}

func (p SlottedPage) reserve(n int) (int, error) {
	if p.contiguousFree() < n {
		p.Compact()
		if p.contiguousFree() < n {
			return 0, ErrPageFull
		}
	}
	upper := p.freeUpper() - n
	p.setFreeUpper(upper)
	return upper, nil
}

// InsertItem places rec at slot position i, shifting later slots up by one.
func (p SlottedPage) InsertItem(i int, rec []byte) error {
	n := p.ItemCount()
	if i < 0 || i > n {
		return fmt.Errorf("%w: insert at %d of %d", ErrSlotOutOfRange, i, n)
	}
	if len(rec) == 0 {
		return ErrEmptyItem
	}
	if !p.Fits(len(rec)) {
		return ErrPageFull
	}
	// Reserve the slot first so compaction sees the final slot array size.
	p.setFreeLower(p.freeLower() + SlotSize)
	off, err := p.reserve(len(rec))
	if err != nil {
		p.setFreeLower(p.freeLower() - SlotSize)
		return err
	}
	copy(p.data[off:], rec)
	base := HeaderSize + i*SlotSize
	end := HeaderSize + n*SlotSize
	copy(p.data[base+SlotSize:end+SlotSize], p.data[base:end])
	p.setSlot(i, off, len(rec))
	p.setItemCount(n + 1)
	return nil
}

// AppendItem adds rec after the last slot and returns its slot number.
func (p SlottedPage) AppendItem(rec []byte) (int, error) {
	n := p.ItemCount()
	if err := p.InsertItem(n, rec); err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveItem drops slot i and shifts later slots down. The item bytes are
// reclaimed by the next compaction.
func (p SlottedPage) RemoveItem(i int) error {
	n := p.ItemCount()
	if i < 0 || i >= n {
		return fmt.Errorf("%w: remove %d of %d", ErrSlotOutOfRange, i, n)
	}
	base := HeaderSize + i*SlotSize
	end := HeaderSize + n*SlotSize
	copy(p.data[base:end-SlotSize], p.data[base+SlotSize:end])
	clear(p.data[end-SlotSize : end])
	p.setItemCount(n - 1)
	p.setFreeLower(p.freeLower() - SlotSize)
	return nil
}

// KillItem releases the bytes of slot i but keeps the slot number reserved.
func (p SlottedPage) KillItem(i int) error {
	if i < 0 || i >= p.ItemCount() {
		return fmt.Errorf("%w: kill %d of %d", ErrSlotOutOfRange, i, p.ItemCount())
	}
	p.setSlot(i, 0, 0)
	return nil
}

// ReplaceItem overwrites item i with rec, relocating it when the size changes.
func (p SlottedPage) ReplaceItem(i int, rec []byte) error {
	if i < 0 || i >= p.ItemCount() {
		return fmt.Errorf("%w: replace %d of %d", ErrSlotOutOfRange, i, p.ItemCount())
	}
	if len(rec) == 0 {
		return ErrEmptyItem
	}
	off, length := p.slot(i)
	if length == len(rec) {
		copy(p.data[off:], rec)
		return nil
	}
	if p.FreeSpace()+length < len(rec) {
		return ErrPageFull
	}
	p.setSlot(i, 0, 0)
	newOff, err := p.reserve(len(rec))
	if err != nil {
		p.setSlot(i, off, length)
		return err
	}
	copy(p.data[newOff:], rec)
	p.setSlot(i, newOff, len(rec))
	return nil
}

// Compact packs live items against the end of the page without changing
// slot numbers.
func (p SlottedPage) Compact() {
	n := p.ItemCount()
	type live struct{ slot, off, length int }
	items := make([]live, 0, n)
	for i := 0; i < n; i++ {
		off, length := p.slot(i)
		if length > 0 {
			items = append(items, live{i, off, length})
		}
	}
	scratch := make([]byte, 0, p.LiveBytes())
	for _, it := range items {
		scratch = append(scratch, p.data[it.off:it.off+it.length]...)
	}
	upper := len(p.data)
	pos := 0
	for _, it := range items {
		upper -= it.length
		copy(p.data[upper:], scratch[pos:pos+it.length])
		p.setSlot(it.slot, upper, it.length)
		pos += it.length
	}
	clear(p.data[p.freeLower():upper])
	p.setFreeUpper(upper)
}

// Items copies every item in slot order. Dead slots yield nil.
func (p SlottedPage) Items() [][]byte {
	n := p.ItemCount()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		if it := p.Item(i); it != nil {
			out[i] = append([]byte(nil), it...)
		}
	}
	return out
}

// SetItems discards the current items and writes items in order.
func (p SlottedPage) SetItems(items [][]byte) error {
	need := len(items) * SlotSize
	for _, it := range items {
		need += len(it)
	}
	if need > p.Usable() {
		return ErrPageFull
	}
	p.setItemCount(0)
	p.setFreeLower(HeaderSize)
	p.setFreeUpper(len(p.data))
	clear(p.data[HeaderSize:])
	for i, it := range items {
		if err := p.InsertItem(i, it); err != nil {
			return err
		}
	}
	return nil
}
