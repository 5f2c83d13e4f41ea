package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockReplacer(t *testing.T) {
	t.Run("gives referenced frames a second chance", func(t *testing.T) {
		r := NewClockReplacer(3)
		for i := 0; i < 3; i++ {
			r.RecordAccess(i)
			r.SetEvictable(i, true)
		}
		assert.Equal(t, 3, r.Size())

		// The first sweep clears all bits, so frame 0 goes first.
		id, ok := r.Evict()
		require.True(t, ok)
		assert.Equal(t, 0, id)

		// Frame 1 is touched again and survives the next sweep.
		r.RecordAccess(1)
		id, ok = r.Evict()
		require.True(t, ok)
		assert.Equal(t, 2, id)
		assert.Equal(t, 1, r.Size())
	})

	t.Run("skips pinned frames", func(t *testing.T) {
		r := NewClockReplacer(2)
		r.RecordAccess(0)
		r.RecordAccess(1)
		r.SetEvictable(1, true)

		id, ok := r.Evict()
		require.True(t, ok)
		assert.Equal(t, 1, id)

		_, ok = r.Evict()
		assert.False(t, ok)
	})

	t.Run("remove drops the frame", func(t *testing.T) {
		r := NewClockReplacer(2)
		r.RecordAccess(0)
		r.SetEvictable(0, true)
		r.Remove(0)
		assert.Equal(t, 0, r.Size())
		_, ok := r.Evict()
		assert.False(t, ok)
	})
}

func TestLrukNode(t *testing.T) {
	node := &lrukNode{k: 3}
	assert.False(t, node.hasKAccess())

	node.addTimestamp(1)
	node.addTimestamp(2)
	assert.Equal(t, uint64(1), node.kthAccess())
	node.addTimestamp(3)
	assert.True(t, node.hasKAccess())

	node.addTimestamp(4)
	assert.Equal(t, []uint64{2, 3, 4}, node.history)
	assert.Equal(t, uint64(2), node.kthAccess())
}

func TestLRUKReplacer(t *testing.T) {
	t.Run("evicts frames with fewer than k accesses first", func(t *testing.T) {
		r := NewLRUKReplacer(3, 2)
		r.RecordAccess(0)
		r.RecordAccess(0)
		r.RecordAccess(1)
		r.RecordAccess(2)
		r.RecordAccess(2)
		for i := 0; i < 3; i++ {
			r.SetEvictable(i, true)
		}

		id, ok := r.Evict()
		require.True(t, ok)
		assert.Equal(t, 1, id)

		// Frame 0's second most recent access is older than frame 2's.
		id, ok = r.Evict()
		require.True(t, ok)
		assert.Equal(t, 0, id)
	})

	t.Run("does not evict pinned frames", func(t *testing.T) {
		r := NewLRUKReplacer(2, 2)
		r.RecordAccess(0)
		r.RecordAccess(1)
		r.SetEvictable(1, true)
		r.SetEvictable(1, false)
		assert.Equal(t, 0, r.Size())
		_, ok := r.Evict()
		assert.False(t, ok)
	})
}

func TestNewReplacer(t *testing.T) {
	r, err := NewReplacer("", 4, 0)
	require.NoError(t, err)
	assert.IsType(t, &clockReplacer{}, r)

	r, err = NewReplacer(PolicyLRUK, 4, 2)
	require.NoError(t, err)
	assert.IsType(t, &lrukReplacer{}, r)

	_, err = NewReplacer(PolicyLRUK, 4, 0)
	assert.Error(t, err)
	_, err = NewReplacer("fifo", 4, 0)
	assert.Error(t, err)
}
