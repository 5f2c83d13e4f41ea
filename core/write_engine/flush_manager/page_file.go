package flushmanager

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/gojostore/internal/sys"
)

// PageFile is the byte store beneath the DiskManager.
type PageFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
	Close() error
}

// OSFile is a PageFile backed by a regular file.
type OSFile struct {
	f *os.File
}

func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	return &OSFile{f: f}, nil
}

func (o *OSFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *OSFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *OSFile) Sync() error                              { return sys.Fdatasync(o.f) }
func (o *OSFile) Close() error                             { return o.f.Close() }

func (o *OSFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// MemFile is an in-memory PageFile that separates written bytes from
// synced bytes, so tests can simulate a crash that loses unsynced writes.
type MemFile struct {
	mu       sync.Mutex
	volatile []byte
	durable  []byte

	failWrites error
	failSyncs  error
	// tornWrite, when positive, makes the next WriteAt persist only that many
	// bytes durably before failing.
	tornWrite int
}

func NewMemFile() *MemFile {
	return &MemFile{}
}

func grow(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	return append(b, make([]byte, n-len(b))...)
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.volatile)) {
		return 0, io.EOF
	}
	n := copy(p, m.volatile[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return 0, m.failWrites
	}
	end := int(off) + len(p)
	if m.tornWrite > 0 {
		n := min(m.tornWrite, len(p))
		m.tornWrite = 0
		m.durable = grow(m.durable, int(off)+n)
		copy(m.durable[off:], p[:n])
		m.volatile = grow(m.volatile, int(off)+n)
		copy(m.volatile[off:], p[:n])
		return n, fmt.Errorf("%w: torn write after %d bytes", ErrInjectedFault, n)
	}
	m.volatile = grow(m.volatile, end)
	copy(m.volatile[off:], p)
	return len(p), nil
}

func (m *MemFile) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSyncs != nil {
		return m.failSyncs
	}
	m.durable = append(m.durable[:0], m.volatile...)
	return nil
}

func (m *MemFile) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.volatile)), nil
}

func (m *MemFile) Close() error { return nil }

// Crash returns a new MemFile holding only the bytes that were synced.
func (m *MemFile) Crash() *MemFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := append([]byte(nil), m.durable...)
	return &MemFile{volatile: d, durable: append([]byte(nil), d...)}
}

// Clone copies the current (unsynced included) content, as if the process
// died but the operating system kept its page cache.
func (m *MemFile) Clone() *MemFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := append([]byte(nil), m.volatile...)
	return &MemFile{volatile: v, durable: append([]byte(nil), v...)}
}

// Corrupt overwrites bytes at off in both the volatile and durable copies.
func (m *MemFile) Corrupt(off int64, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatile = grow(m.volatile, int(off)+len(b))
	copy(m.volatile[off:], b)
	m.durable = grow(m.durable, int(off)+len(b))
	copy(m.durable[off:], b)
}

func (m *MemFile) SetWriteError(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

func (m *MemFile) SetSyncError(err error) {
	m.mu.Lock()
	m.failSyncs = err
	m.mu.Unlock()
}

// TearNextWrite makes the next write persist only its first n bytes.
func (m *MemFile) TearNextWrite(n int) {
	m.mu.Lock()
	m.tornWrite = n
	m.mu.Unlock()
}
