package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csinspect/inspectd/internal/inspect"
)

func testItem(assetID string) *inspect.Item {
	return &inspect.Item{A: assetID, D: "1", S: "2", M: "0", FloatValue: 0.1}
}

func TestInsertAndGetMany(t *testing.T) {
	c := New(10, time.Hour)

	price := uint64(1500)
	c.Insert(testItem("100"), &price)

	got := c.GetMany([]string{"100", "200"})
	require.Len(t, got, 2)
	require.NotNil(t, got[0])
	assert.Equal(t, "100", got[0].Item.A)
	require.NotNil(t, got[0].Price)
	assert.Equal(t, price, *got[0].Price)
	assert.Nil(t, got[1])
}

func TestEvictionIsInsertionOrderFIFO(t *testing.T) {
	c := New(3, time.Hour)
	for i := 0; i < 3; i++ {
		c.Insert(testItem(fmt.Sprintf("%d", i)), nil)
	}
	assert.Equal(t, 3, c.Size())

	// Two more inserts evict the two oldest.
	c.Insert(testItem("3"), nil)
	c.Insert(testItem("4"), nil)
	assert.Equal(t, 3, c.Size())

	got := c.GetMany([]string{"0", "1", "2", "3", "4"})
	assert.Nil(t, got[0])
	assert.Nil(t, got[1])
	assert.NotNil(t, got[2])
	assert.NotNil(t, got[3])
	assert.NotNil(t, got[4])

	_, _, evictions := c.Stats()
	assert.Equal(t, int64(2), evictions)
}

func TestInsertOverwriteResetsAge(t *testing.T) {
	c := New(2, time.Hour)
	c.Insert(testItem("a1"), nil)
	c.Insert(testItem("a2"), nil)

	// Overwriting a1 makes a2 the oldest.
	c.Insert(testItem("a1"), nil)
	c.Insert(testItem("a3"), nil)

	got := c.GetMany([]string{"a1", "a2", "a3"})
	assert.NotNil(t, got[0])
	assert.Nil(t, got[1])
	assert.NotNil(t, got[2])
}

func TestUpdatePrice(t *testing.T) {
	c := New(10, time.Hour)
	c.Insert(testItem("100"), nil)

	c.UpdatePrice("100", 4200)
	got := c.GetMany([]string{"100"})
	require.NotNil(t, got[0])
	require.NotNil(t, got[0].Price)
	assert.Equal(t, uint64(4200), *got[0].Price)

	// Unknown asset is a no-op.
	c.UpdatePrice("missing", 1)
	assert.Nil(t, c.GetMany([]string{"missing"})[0])
}

func TestLookupDoesNotExpireInline(t *testing.T) {
	c := New(10, time.Millisecond)
	c.Insert(testItem("100"), nil)
	time.Sleep(5 * time.Millisecond)

	// Expired but not swept yet: still served.
	got := c.GetMany([]string{"100"})
	assert.NotNil(t, got[0])

	removed := c.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Nil(t, c.GetMany([]string{"100"})[0])
}

func TestCleanupExpiredStopsAtFirstFreshEntry(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	c.Insert(testItem("old"), nil)
	time.Sleep(60 * time.Millisecond)
	c.Insert(testItem("fresh"), nil)

	assert.Equal(t, 1, c.CleanupExpired())
	got := c.GetMany([]string{"old", "fresh"})
	assert.Nil(t, got[0])
	assert.NotNil(t, got[1])
}

func TestRankTable(t *testing.T) {
	c := New(10, time.Hour)

	// Absent rank reads as the zero value.
	assert.Equal(t, inspect.RankInfo{}, c.GetRank("100"))

	low, high := 3, 17
	c.PutRank("100", inspect.RankInfo{LowRank: &low, HighRank: &high})
	rank := c.GetRank("100")
	require.NotNil(t, rank.LowRank)
	assert.Equal(t, 3, *rank.LowRank)
	require.NotNil(t, rank.HighRank)
	assert.Equal(t, 17, *rank.HighRank)
}
