package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexManager(t *testing.T) {
	im := NewIndexManager()

	_, err := im.CreateIndex("town", RoaringBitmap)
	require.NoError(t, err)
	_, err = im.CreateIndex("resale_price", SortedColumn)
	require.NoError(t, err)
	_, err = im.CreateIndex("town", Strategy(42))
	assert.Error(t, err)

	idx, ok := im.GetIndex("town", RoaringBitmap)
	assert.True(t, ok)
	assert.NotNil(t, idx)

	_, ok = im.GetIndex("town", SortedColumn)
	assert.False(t, ok)
	_, ok = im.GetIndex("flat_type", RoaringBitmap)
	assert.False(t, ok)
}

func TestRoaringIndex(t *testing.T) {
	idx := NewRoaringIndex()
	require.NoError(t, idx.Add(0, "ANG MO KIO"))
	require.NoError(t, idx.Add(1, "BEDOK"))
	require.NoError(t, idx.Add(2, "ANG MO KIO"))

	t.Run("Search", func(t *testing.T) {
		bm, err := idx.Search("ANG MO KIO")
		require.NoError(t, err)
		assert.Equal(t, []uint32{0, 2}, bm.ToArray())

		bm, err = idx.Search("YISHUN")
		require.NoError(t, err)
		assert.True(t, bm.IsEmpty())
	})

	t.Run("Search result is a copy", func(t *testing.T) {
		bm, err := idx.Search("BEDOK")
		require.NoError(t, err)
		bm.Add(99)

		again, err := idx.Search("BEDOK")
		require.NoError(t, err)
		assert.Equal(t, []uint32{1}, again.ToArray())
	})

	t.Run("Conflicting value", func(t *testing.T) {
		assert.Error(t, idx.Add(1, "ANG MO KIO"))
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, idx.Remove(1))
		require.NoError(t, idx.Remove(7))
		bm, err := idx.Search("BEDOK")
		require.NoError(t, err)
		assert.True(t, bm.IsEmpty())

		require.NoError(t, idx.Remove(2))
		bm, err = idx.Search("ANG MO KIO")
		require.NoError(t, err)
		assert.Equal(t, []uint32{0}, bm.ToArray())

		// A removed row can be indexed again under another value.
		require.NoError(t, idx.Add(1, "ANG MO KIO"))
		bm, err = idx.Search("ANG MO KIO")
		require.NoError(t, err)
		assert.Equal(t, []uint32{0, 1}, bm.ToArray())
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, idx.Clear())
		bm, err := idx.Search("ANG MO KIO")
		require.NoError(t, err)
		assert.True(t, bm.IsEmpty())
	})
}

func TestSortedIndex(t *testing.T) {
	idx := NewSortedIndex()
	prices := []float64{450000, 300000, 520000, 300000, 610000}
	for i, p := range prices {
		require.NoError(t, idx.Add(uint32(i), p))
	}

	bm, err := idx.SearchRange(300000.0, 520000.0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, bm.ToArray())

	bm, err = idx.Search(300000.0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, bm.ToArray())

	bm, err = idx.SearchRange(700000.0, 800000.0)
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())

	bm, err = idx.SearchRange(600000.0, 100000.0)
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty(), "inverted range matches nothing")

	// Writes after a lookup must be visible to the next lookup.
	require.NoError(t, idx.Add(5, 305000.0))
	bm, err = idx.SearchRange(300000.0, 310000.0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 5}, bm.ToArray())

	require.NoError(t, idx.Remove(3))
	bm, err = idx.Search(300000.0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, bm.ToArray())

	require.NoError(t, idx.Clear())
	bm, err = idx.SearchRange(0.0, 1e9)
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())
}

func TestSortedIndexInt32Keys(t *testing.T) {
	idx := NewSortedIndex()
	days := []int32{17167, 17197, 17167, 17226}
	for i, d := range days {
		require.NoError(t, idx.Add(uint32(i), d))
	}
	bm, err := idx.SearchRange(int32(17167), int32(17197))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, bm.ToArray())
}

func TestCompareValues(t *testing.T) {
	assert.Negative(t, compareValues(1, 2))
	assert.Positive(t, compareValues(int64(3), int64(2)))
	assert.Zero(t, compareValues(1.5, 1.5))
	assert.Negative(t, compareValues("A", "B"))
	assert.Zero(t, compareValues(int32(7), int32(7)))
}
