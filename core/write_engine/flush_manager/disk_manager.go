package flushmanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	DBMagic   uint32 = 0x4f4a4f47 // "GOJO"
	DBVersion uint32 = 1

	// magic u32 | version u32 | page_size u32 | database_id [16]byte | crc u32
	fileHeaderSize = 32
)

// FileHeader is stored at the start of page 0.
type FileHeader struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	DatabaseID uuid.UUID
}

func (h FileHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.PageSize)
	copy(buf[12:28], h.DatabaseID[:])
	binary.LittleEndian.PutUint32(buf[28:], crc32.ChecksumIEEE(buf[:28]))
}

func decodeFileHeader(buf []byte) (FileHeader, error) {
	var h FileHeader
	if crc32.ChecksumIEEE(buf[:28]) != binary.LittleEndian.Uint32(buf[28:]) {
		return h, fmt.Errorf("%w: checksum mismatch", ErrBadFileHeader)
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	h.PageSize = binary.LittleEndian.Uint32(buf[8:])
	copy(h.DatabaseID[:], buf[12:28])
	if h.Magic != DBMagic {
		return h, fmt.Errorf("%w: magic 0x%x", ErrBadFileHeader, h.Magic)
	}
	if h.Version != DBVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrBadFileHeader, h.Version)
	}
	return h, nil
}

// Options configures a DiskManager.
type Options struct {
	PageSize int
	// MaxPages bounds the number of data pages. Zero means unbounded.
	MaxPages uint64
	Logger   *zap.Logger
}

// DiskManager owns the page file layout: the file header, page allocation
// and the free list.
type DiskManager struct {
	mu       sync.Mutex
	file     PageFile
	pageSize int
	numPages uint64 // header page included
	maxPages uint64
	header   FileHeader
	freeList []pagemanager.PageID // ascending
	scratch  []byte
	logger   *zap.Logger

	reads  atomic.Uint64
	writes atomic.Uint64
}

// OpenFile opens or creates the page file at path.
func OpenFile(path string, opts Options) (*DiskManager, error) {
	f, err := OpenOSFile(path)
	if err != nil {
		return nil, err
	}
	dm, err := NewDiskManager(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return dm, nil
}

// NewDiskManager formats an empty file or validates the header of an
// existing one.
func NewDiskManager(file PageFile, opts Options) (*DiskManager, error) {
	if !pagemanager.ValidPageSize(opts.PageSize) {
		return nil, fmt.Errorf("invalid page size %d", opts.PageSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		file:     file,
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		scratch:  make([]byte, opts.PageSize),
		logger:   logger.Named("disk"),
	}

	size, err := file.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: stat page file: %v", ErrIO, err)
	}
	if size == 0 {
		dm.header = FileHeader{
			Magic:      DBMagic,
			Version:    DBVersion,
			PageSize:   uint32(opts.PageSize),
			DatabaseID: uuid.New(),
		}
		page := make([]byte, opts.PageSize)
		dm.header.encode(page)
		if _, err := file.WriteAt(page, 0); err != nil {
			return nil, fmt.Errorf("%w: writing file header: %v", ErrIO, err)
		}
		if err := file.Sync(); err != nil {
			return nil, fmt.Errorf("%w: syncing file header: %v", ErrIO, err)
		}
		dm.numPages = 1
		dm.logger.Info("created database file",
			zap.Stringer("database_id", dm.header.DatabaseID),
			zap.Int("page_size", opts.PageSize))
		return dm, nil
	}

	buf := make([]byte, fileHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading file header: %v", ErrIO, err)
	}
	header, err := decodeFileHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(header.PageSize) != opts.PageSize {
		return nil, fmt.Errorf("%w: file has %d, configured %d", ErrPageSizeMismatch, header.PageSize, opts.PageSize)
	}
	dm.header = header
	// A partially written tail page still counts; its checksum tells the rest.
	dm.numPages = uint64((size + int64(opts.PageSize) - 1) / int64(opts.PageSize))
	dm.logger.Info("opened database file",
		zap.Stringer("database_id", header.DatabaseID),
		zap.Uint64("pages", dm.numPages))
	return dm, nil
}

func (dm *DiskManager) PageSize() int         { return dm.pageSize }
func (dm *DiskManager) DatabaseID() uuid.UUID { return dm.header.DatabaseID }
func (dm *DiskManager) Header() FileHeader    { return dm.header }
func (dm *DiskManager) Reads() uint64         { return dm.reads.Load() }
func (dm *DiskManager) Writes() uint64        { return dm.writes.Load() }

// NumPages returns the number of pages in the file, header page included.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) FreePageCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.freeList)
}

// SetMaxPages changes the data page limit.
func (dm *DiskManager) SetMaxPages(n uint64) {
	dm.mu.Lock()
	dm.maxPages = n
	dm.mu.Unlock()
}

// ReadPage reads page id into buf and verifies its checksum. Pages past the
// end of the file read as zero. On ErrPageChecksumMismatch buf still holds
// the bytes that were read.
func (dm *DiskManager) ReadPage(id pagemanager.PageID, buf []byte) error {
	if id == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: page 0 is the file header", ErrInvalidPageID)
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("page buffer size (%d) != page size (%d)", len(buf), dm.pageSize)
	}
	n, err := dm.file.ReadAt(buf, int64(id)*int64(dm.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, id, err)
	}
	clear(buf[n:])
	dm.reads.Add(1)
	if !pagemanager.VerifyChecksum(buf) {
		dm.logger.Error("page checksum mismatch", zap.Uint64("page_id", uint64(id)))
		return fmt.Errorf("%w: page %d", ErrPageChecksumMismatch, id)
	}
	return nil
}

// WritePage stores buf at page id with a fresh checksum. buf itself is not
// modified.
func (dm *DiskManager) WritePage(id pagemanager.PageID, buf []byte) error {
	if id == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: page 0 is the file header", ErrInvalidPageID)
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("page buffer size (%d) != page size (%d)", len(buf), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	copy(dm.scratch, buf)
	pagemanager.StoreChecksum(dm.scratch)
	if _, err := dm.file.WriteAt(dm.scratch, int64(id)*int64(dm.pageSize)); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, id, err)
	}
	if uint64(id) >= dm.numPages {
		dm.numPages = uint64(id) + 1
	}
	dm.writes.Add(1)
	return nil
}

// AllocatePage hands out the lowest free page id, or extends the file.
// The page content is not touched; callers initialise it through the log.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if len(dm.freeList) > 0 {
		id := dm.freeList[0]
		dm.freeList = dm.freeList[1:]
		return id, nil
	}
	if dm.maxPages > 0 && dm.numPages-1 >= dm.maxPages {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: %d data pages", ErrOutOfSpace, dm.maxPages)
	}
	id := pagemanager.PageID(dm.numPages)
	dm.numPages++
	return id, nil
}

// DeallocatePage returns id to the free list.
func (dm *DiskManager) DeallocatePage(id pagemanager.PageID) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	i := sort.Search(len(dm.freeList), func(i int) bool { return dm.freeList[i] >= id })
	if i < len(dm.freeList) && dm.freeList[i] == id {
		return
	}
	dm.freeList = append(dm.freeList, 0)
	copy(dm.freeList[i+1:], dm.freeList[i:])
	dm.freeList[i] = id
}

// RebuildFreeList scans the file for free and never-initialised pages. It
// must run when no page is dirty in memory, i.e. after recovery has flushed.
func (dm *DiskManager) RebuildFreeList() error {
	total := dm.NumPages()
	buf := make([]byte, dm.pageSize)
	var free []pagemanager.PageID
	for id := pagemanager.PageID(1); uint64(id) < total; id++ {
		if err := dm.ReadPage(id, buf); err != nil {
			return err
		}
		if pagemanager.IsFree(buf) {
			free = append(free, id)
		}
	}
	dm.mu.Lock()
	dm.freeList = free
	dm.mu.Unlock()
	dm.logger.Info("rebuilt free list", zap.Int("free_pages", len(free)), zap.Uint64("pages", total))
	return nil
}

// Sync flushes written pages to stable storage.
func (dm *DiskManager) Sync() error {
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the page file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	return errors.Join(syncErr, closeErr)
}
