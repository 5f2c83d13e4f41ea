package pagemanager

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, size int) SlottedPage {
	t.Helper()
	p := Wrap(make([]byte, size))
	p.Init(PageTypeHeap, 7, 0)
	return p
}

func TestSlottedPage_InsertKeepsSlotOrder(t *testing.T) {
	p := newTestPage(t, MinPageSize)

	require.NoError(t, p.InsertItem(0, []byte("bbb")))
	require.NoError(t, p.InsertItem(0, []byte("a")))
	require.NoError(t, p.InsertItem(2, []byte("cc")))

	require.Equal(t, 3, p.ItemCount())
	assert.Equal(t, []byte("a"), p.Item(0))
	assert.Equal(t, []byte("bbb"), p.Item(1))
	assert.Equal(t, []byte("cc"), p.Item(2))
	assert.Equal(t, uint64(7), p.Owner())
	assert.Equal(t, PageTypeHeap, p.Type())
}

func TestSlottedPage_FillAndCompact(t *testing.T) {
	p := newTestPage(t, MinPageSize)
	rec := bytes.Repeat([]byte{0xab}, 60)

	n := 0
	for p.Fits(len(rec)) {
		_, err := p.AppendItem(rec)
		require.NoError(t, err)
		n++
	}
	_, err := p.AppendItem(rec)
	require.ErrorIs(t, err, ErrPageFull)

	// Remove every other item; the freed bytes must become usable again.
	for i := n - 1; i >= 0; i -= 2 {
		require.NoError(t, p.RemoveItem(i))
	}
	for p.Fits(len(rec)) {
		_, err := p.AppendItem(rec)
		require.NoError(t, err)
	}
	for i := 0; i < p.ItemCount(); i++ {
		assert.Equal(t, rec, p.Item(i), "item %d", i)
	}
}

func TestSlottedPage_KillKeepsSlotNumbers(t *testing.T) {
	p := newTestPage(t, MinPageSize)
	for i := 0; i < 5; i++ {
		_, err := p.AppendItem([]byte(fmt.Sprintf("tuple-%d", i)))
		require.NoError(t, err)
	}
	before := p.FreeSpace()
	require.NoError(t, p.KillItem(2))
	p.Compact()

	require.Equal(t, 5, p.ItemCount())
	assert.True(t, p.IsDead(2))
	assert.Nil(t, p.Item(2))
	assert.Equal(t, []byte("tuple-3"), p.Item(3))
	assert.Equal(t, before+len("tuple-2"), p.FreeSpace())
}

func TestSlottedPage_ReplaceItemGrows(t *testing.T) {
	p := newTestPage(t, MinPageSize)
	_, err := p.AppendItem([]byte("short"))
	require.NoError(t, err)
	_, err = p.AppendItem([]byte("next"))
	require.NoError(t, err)

	require.NoError(t, p.ReplaceItem(0, []byte("a much longer value")))
	assert.Equal(t, []byte("a much longer value"), p.Item(0))
	assert.Equal(t, []byte("next"), p.Item(1))
}

func TestChecksum(t *testing.T) {
	data := make([]byte, MinPageSize)
	assert.True(t, VerifyChecksum(data), "zero page is valid")

	p := Wrap(data)
	p.Init(PageTypeBTreeLeaf, 1, 0)
	SetPageLSN(data, 42)
	StoreChecksum(data)
	assert.True(t, VerifyChecksum(data))

	data[100] ^= 0xff
	assert.False(t, VerifyChecksum(data))
}

func TestDiff_RoundTrip(t *testing.T) {
	before := make([]byte, MinPageSize)
	Wrap(before).Init(PageTypeHeap, 3, 0)
	after := append([]byte(nil), before...)

	p := Wrap(after)
	_, err := p.AppendItem([]byte("hello"))
	require.NoError(t, err)
	_, err = p.AppendItem([]byte("world"))
	require.NoError(t, err)
	SetPageLSN(after, 99)

	diff := Diff(before, after)
	assert.Less(t, len(diff), 64)

	replay := append([]byte(nil), before...)
	require.NoError(t, ApplyDiff(replay, diff))
	SetPageLSN(replay, 99)
	assert.Equal(t, after, replay)
}

func TestApplyDiff_RejectsHeaderWords(t *testing.T) {
	data := make([]byte, MinPageSize)
	bad := []byte{0, 0, 4, 0, 1, 2, 3, 4}
	require.ErrorIs(t, ApplyDiff(data, bad), ErrInvalidDiff)
}
