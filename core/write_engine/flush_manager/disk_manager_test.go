package flushmanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const testPageSize = 1024

func newTestDiskManager(t *testing.T) (*DiskManager, *MemFile) {
	t.Helper()
	f := NewMemFile()
	dm, err := NewDiskManager(f, Options{PageSize: testPageSize})
	require.NoError(t, err)
	return dm, f
}

func heapPage(lsn pagemanager.LSN, payload string) []byte {
	buf := make([]byte, testPageSize)
	p := pagemanager.Wrap(buf)
	p.Init(pagemanager.PageTypeHeap, 1, 0)
	_, _ = p.AppendItem([]byte(payload))
	pagemanager.SetPageLSN(buf, lsn)
	return buf
}

func TestDiskManager_ReadWriteRoundTrip(t *testing.T) {
	dm, _ := newTestDiskManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), id)

	page := heapPage(10, "hello")
	require.NoError(t, dm.WritePage(id, page))

	got := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(id, got))
	assert.Equal(t, []byte("hello"), pagemanager.Wrap(got).Item(0))
	assert.Equal(t, pagemanager.LSN(10), pagemanager.PageLSN(got))
}

func TestDiskManager_UnwrittenPageReadsZero(t *testing.T) {
	dm, _ := newTestDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)

	got := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(id, got))
	assert.True(t, pagemanager.IsZero(got))
}

func TestDiskManager_ChecksumMismatch(t *testing.T) {
	dm, f := newTestDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, heapPage(3, "payload")))

	f.Corrupt(int64(id)*testPageSize+500, []byte{0xde, 0xad})

	got := make([]byte, testPageSize)
	err = dm.ReadPage(id, got)
	require.ErrorIs(t, err, ErrPageChecksumMismatch)
}

func TestDiskManager_OutOfSpaceAndFreeList(t *testing.T) {
	f := NewMemFile()
	dm, err := NewDiskManager(f, Options{PageSize: testPageSize, MaxPages: 3})
	require.NoError(t, err)

	var ids []pagemanager.PageID
	for i := 0; i < 3; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err = dm.AllocatePage()
	require.ErrorIs(t, err, ErrOutOfSpace)

	dm.DeallocatePage(ids[2])
	dm.DeallocatePage(ids[0])
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, ids[0], id, "lowest free page first")
}

func TestDiskManager_RebuildFreeList(t *testing.T) {
	dm, _ := newTestDiskManager(t)
	for i := 0; i < 4; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, dm.WritePage(id, heapPage(1, "x")))
	}
	freed := make([]byte, testPageSize)
	pagemanager.Wrap(freed).Init(pagemanager.PageTypeFree, 0, 0)
	require.NoError(t, dm.WritePage(2, freed))

	require.NoError(t, dm.RebuildFreeList())
	assert.Equal(t, 1, dm.FreePageCount())
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(2), id)
}

func TestDiskManager_ReopenKeepsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dm, err := OpenFile(path, Options{PageSize: testPageSize})
	require.NoError(t, err)
	dbID := dm.DatabaseID()
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, heapPage(5, "persisted")))
	require.NoError(t, dm.Close())

	dm2, err := OpenFile(path, Options{PageSize: testPageSize})
	require.NoError(t, err)
	defer dm2.Close()
	assert.Equal(t, dbID, dm2.DatabaseID())
	assert.Equal(t, uint64(2), dm2.NumPages())

	_, err = OpenFile(path, Options{PageSize: 2 * testPageSize})
	require.ErrorIs(t, err, ErrPageSizeMismatch)
}

func TestMemFile_CrashDropsUnsyncedWrites(t *testing.T) {
	dm, f := newTestDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, heapPage(1, "synced")))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.WritePage(id, heapPage(2, "lost")))

	crashed := f.Crash()
	dm2, err := NewDiskManager(crashed, Options{PageSize: testPageSize})
	require.NoError(t, err)
	got := make([]byte, testPageSize)
	require.NoError(t, dm2.ReadPage(id, got))
	assert.Equal(t, []byte("synced"), pagemanager.Wrap(got).Item(0))
}
