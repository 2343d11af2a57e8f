package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendAndSnapshot(t *testing.T) {
	reg := NewBufferRegistry(10)
	reg.Append(Trade{Coin: "BTC", Side: "B", Px: 97000, Sz: 0.1, TimeMS: 1})
	reg.Append(Trade{Coin: "BTC", Side: "A", Px: 97001, Sz: 0.2, TimeMS: 2})

	snap := reg.Snapshot("BTC")
	assert.Len(t, snap, 2)
	assert.Equal(t, "B", snap[0].Side)
	assert.Equal(t, "A", snap[1].Side)

	assert.Nil(t, reg.Snapshot("ETH"))
	assert.Equal(t, 0, reg.Len("ETH"))
}

func TestOverflowEvictsOldest(t *testing.T) {
	reg := NewBufferRegistry(3)
	for i := 1; i <= 5; i++ {
		reg.Append(Trade{Coin: "ETH", Side: "B", Px: float64(i), Sz: 1, TimeMS: int64(i)})
	}

	snap := reg.Snapshot("ETH")
	assert.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].TimeMS)
	assert.Equal(t, int64(5), snap[2].TimeMS)
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewBufferRegistry(10)
	reg.Append(Trade{Coin: "SOL", Side: "B", Px: 150, Sz: 1, TimeMS: 1})

	snap := reg.Snapshot("SOL")
	snap[0].Px = 0

	again := reg.Snapshot("SOL")
	assert.Equal(t, 150.0, again[0].Px)
}

func TestClear(t *testing.T) {
	reg := NewBufferRegistry(10)
	reg.Append(Trade{Coin: "BTC", Side: "B", Px: 1, Sz: 1, TimeMS: 1})
	reg.Clear()
	assert.Nil(t, reg.Snapshot("BTC"))
	assert.Empty(t, reg.AllSnapshots())
}

func TestAllSnapshots(t *testing.T) {
	reg := NewBufferRegistry(10)
	reg.Append(Trade{Coin: "BTC", Side: "B", Px: 1, Sz: 1, TimeMS: 1})
	reg.Append(Trade{Coin: "ETH", Side: "A", Px: 2, Sz: 1, TimeMS: 2})

	all := reg.AllSnapshots()
	assert.Len(t, all, 2)
	assert.Len(t, all["BTC"], 1)
	assert.Len(t, all["ETH"], 1)
}
