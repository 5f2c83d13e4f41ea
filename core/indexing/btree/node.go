package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sort"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Tombstone is the xmax of an entry deleted outside any transaction. It is
// never a real transaction id.
const Tombstone uint64 = math.MaxUint64

// Entry is one leaf item: a key, the heap tuple it points at and the
// transactions that created and deleted it.
type Entry struct {
	Key  []byte
	TID  pagemanager.TID
	Xmin uint64
	Xmax uint64
}

// Compare orders entries by key, then TID. The pair is unique in a tree.
func (e Entry) Compare(o Entry) int {
	return compareKeyTID(e.Key, e.TID, o.Key, o.TID)
}

func (e Entry) clone() Entry {
	e.Key = bytes.Clone(e.Key)
	return e
}

func compareKeyTID(ak []byte, at pagemanager.TID, bk []byte, bt pagemanager.TID) int {
	if c := bytes.Compare(ak, bk); c != 0 {
		return c
	}
	return at.Compare(bt)
}

// Item layouts (little endian):
//
//	leaf:     klen u16 | key | tid [10] | xmin u64 | xmax u64
//	internal: klen u16 | key | tid [10] | child u64
//
// Item 0 of an internal node has an empty separator and stands for minus
// infinity.
const (
	leafItemOverhead     = 2 + pagemanager.TIDSize + 16
	internalItemOverhead = 2 + pagemanager.TIDSize + 8
)

func encodeLeafItem(e Entry) []byte {
	out := make([]byte, 0, leafItemOverhead+len(e.Key))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(e.Key)))
	out = append(out, e.Key...)
	out = e.TID.Append(out)
	out = binary.LittleEndian.AppendUint64(out, e.Xmin)
	return binary.LittleEndian.AppendUint64(out, e.Xmax)
}

// decodeLeafItem aliases the key into b.
func decodeLeafItem(b []byte) Entry {
	n := int(binary.LittleEndian.Uint16(b))
	pos := 2 + n
	return Entry{
		Key:  b[2:pos],
		TID:  pagemanager.DecodeTID(b[pos:]),
		Xmin: binary.LittleEndian.Uint64(b[pos+pagemanager.TIDSize:]),
		Xmax: binary.LittleEndian.Uint64(b[pos+pagemanager.TIDSize+8:]),
	}
}

// setLeafXmax rewrites the xmax of an encoded leaf item in place.
func setLeafXmax(b []byte, xmax uint64) {
	binary.LittleEndian.PutUint64(b[len(b)-8:], xmax)
}

func encodeInternalItem(key []byte, tid pagemanager.TID, child pagemanager.PageID) []byte {
	out := make([]byte, 0, internalItemOverhead+len(key))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(key)))
	out = append(out, key...)
	out = tid.Append(out)
	return binary.LittleEndian.AppendUint64(out, uint64(child))
}

func decodeInternalItem(b []byte) ([]byte, pagemanager.TID, pagemanager.PageID) {
	n := int(binary.LittleEndian.Uint16(b))
	pos := 2 + n
	return b[2:pos], pagemanager.DecodeTID(b[pos:]), pagemanager.PageID(binary.LittleEndian.Uint64(b[pos+pagemanager.TIDSize:]))
}

func childAt(p pagemanager.SlottedPage, i int) pagemanager.PageID {
	_, _, child := decodeInternalItem(p.Item(i))
	return child
}

func isLeaf(p pagemanager.SlottedPage) bool {
	return p.Type() == pagemanager.PageTypeBTreeLeaf
}

// leafSearch returns the position of the first entry >= (key, tid) and
// whether that entry is an exact match.
func leafSearch(p pagemanager.SlottedPage, key []byte, tid pagemanager.TID) (int, bool) {
	n := p.ItemCount()
	i := sort.Search(n, func(i int) bool {
		e := decodeLeafItem(p.Item(i))
		return compareKeyTID(e.Key, e.TID, key, tid) >= 0
	})
	if i < n {
		e := decodeLeafItem(p.Item(i))
		return i, compareKeyTID(e.Key, e.TID, key, tid) == 0
	}
	return i, false
}

// childIndex returns the last item whose separator is <= (key, tid).
func childIndex(p pagemanager.SlottedPage, key []byte, tid pagemanager.TID) int {
	n := p.ItemCount()
	i := sort.Search(n-1, func(i int) bool {
		k, t, _ := decodeInternalItem(p.Item(i + 1))
		return compareKeyTID(k, t, key, tid) > 0
	})
	return i
}

// itemsSize is the page space items occupy, slots included.
func itemsSize(items [][]byte) int {
	n := len(items) * pagemanager.SlotSize
	for _, it := range items {
		n += len(it)
	}
	return n
}

func insertAt(items [][]byte, i int, item []byte) [][]byte {
	out := make([][]byte, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, item)
	return append(out, items[i:]...)
}

// Meta page body: root u64 | height u32.
const (
	metaRootOffset   = pagemanager.HeaderSize
	metaHeightOffset = pagemanager.HeaderSize + 8
)

func readMeta(data []byte) (pagemanager.PageID, int) {
	return pagemanager.PageID(binary.LittleEndian.Uint64(data[metaRootOffset:])),
		int(binary.LittleEndian.Uint32(data[metaHeightOffset:]))
}

func writeMeta(data []byte, root pagemanager.PageID, height int) {
	binary.LittleEndian.PutUint64(data[metaRootOffset:], uint64(root))
	binary.LittleEndian.PutUint32(data[metaHeightOffset:], uint32(height))
}

// MaxKeySize is the largest key a tree with the given page size accepts.
// Every node holds at least four maximal items.
func MaxKeySize(pageSize int) int {
	return maxLeafItem(pageSize) - leafItemOverhead
}

func maxLeafItem(pageSize int) int {
	return (pageSize-pagemanager.HeaderSize)/4 - pagemanager.SlotSize
}

func maxInternalItem(pageSize int) int {
	return MaxKeySize(pageSize) + internalItemOverhead
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
