package pagemanager

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// PageID represents a unique identifier for a page on disk. Page 0 holds the
// file header, so no data page ever has id 0.
type PageID uint64

const InvalidPageID PageID = 0

// LSN is a log sequence number: the logical byte position of a WAL record.
type LSN uint64

const InvalidLSN LSN = 0

// PageType tags the content of a page.
type PageType uint8

const (
	PageTypeUnused PageType = iota // never initialised, all zero bytes
	PageTypeFree
	PageTypeCatalog
	PageTypeHeap
	PageTypeBTreeMeta
	PageTypeBTreeInternal
	PageTypeBTreeLeaf
)

func (t PageType) String() string {
	switch t {
	case PageTypeUnused:
		return "unused"
	case PageTypeFree:
		return "free"
	case PageTypeCatalog:
		return "catalog"
	case PageTypeHeap:
		return "heap"
	case PageTypeBTreeMeta:
		return "btree-meta"
	case PageTypeBTreeInternal:
		return "btree-internal"
	case PageTypeBTreeLeaf:
		return "btree-leaf"
	default:
		return "unknown"
	}
}

// Page header layout (little endian):
//
//	0  page_lsn    u64
//	8  checksum    u32
//	12 page_type   u8
//	13 flags       u8
//	14 item_count  u16
//	16 free_lower  u16
//	18 free_upper  u16
//	20 next        u64
//	28 owner       u64
//	36 level       u16
//	38 reserved    [10]byte
const (
	offLSN       = 0
	offChecksum  = 8
	offType      = 12
	offFlags     = 13
	offItemCount = 14
	offFreeLower = 16
	offFreeUpper = 18
	offNext      = 20
	offOwner     = 28
	offLevel     = 36

	HeaderSize = 48
	SlotSize   = 4

	// DiffStart is the first byte covered by page diffs. The LSN and
	// checksum words are rewritten on every stamp and flush.
	DiffStart = offType

	MinPageSize     = 1024
	MaxPageSize     = 32768
	DefaultPageSize = 8192
)

var (
	ErrPageFull       = errors.New("not enough free space in page")
	ErrSlotOutOfRange = errors.New("slot index out of range")
	ErrInvalidDiff    = errors.New("malformed page diff")
	ErrEmptyItem      = errors.New("page items must not be empty")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ValidPageSize reports whether n is a supported page size.
func ValidPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}

func PageLSN(data []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(data[offLSN:]))
}

func SetPageLSN(data []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(data[offLSN:], uint64(lsn))
}

func TypeOf(data []byte) PageType {
	return PageType(data[offType])
}

// Checksum computes the CRC32-C of the page with the checksum field taken as zero.
func Checksum(data []byte) uint32 {
	var zero [4]byte
	c := crc32.Update(0, castagnoli, data[:offChecksum])
	c = crc32.Update(c, castagnoli, zero[:])
	return crc32.Update(c, castagnoli, data[offChecksum+4:])
}

// StoreChecksum writes the page checksum into the header.
func StoreChecksum(data []byte) {
	binary.LittleEndian.PutUint32(data[offChecksum:], Checksum(data))
}

// VerifyChecksum reports whether the stored checksum matches the content.
// A never-written (all zero) page is valid.
func VerifyChecksum(data []byte) bool {
	if IsZero(data) {
		return true
	}
	return binary.LittleEndian.Uint32(data[offChecksum:]) == Checksum(data)
}

// IsZero reports whether every byte of data is zero.
func IsZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsFree reports whether the page can be handed out by the allocator.
func IsFree(data []byte) bool {
	t := TypeOf(data)
	return t == PageTypeFree || t == PageTypeUnused
}
