package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTiles creates a TileSet from (x, y, value) triples.
func buildTiles(t *testing.T, triples ...[3]int) TileSet {
	t.Helper()
	var alloc IDAllocator
	ts := make(TileSet, 0, len(triples))
	for _, triple := range triples {
		ts = append(ts, &Tile{
			ID:    alloc.New(),
			X:     int8(triple[0]),
			Y:     int8(triple[1]),
			Value: triple[2],
		})
	}
	return ts
}

func TestTiltNoOp(t *testing.T) {
	// A single tile already against the target wall must not move.
	before := buildTiles(t, [3]int{0, 0, 2})
	after := Tilt(Left, before)
	assert.True(t, Equal(before, after), "tilting left a tile at (0,0) must be a no-op")

	after = Tilt(Up, before)
	assert.True(t, Equal(before, after), "tilting up a tile at (0,0) must be a no-op")
}

func TestTiltSlides(t *testing.T) {
	before := buildTiles(t, [3]int{3, 2, 2}, [3]int{1, 2, 4})
	after := Tilt(Left, before)
	require.Len(t, after.Active(), 2)
	assert.NotNil(t, after.At(0, 2), "4 should slide to the wall")
	assert.Equal(t, 4, after.At(0, 2).Value)
	assert.NotNil(t, after.At(1, 2), "2 should stack behind the 4")
	assert.Equal(t, 2, after.At(1, 2).Value)
}

func TestTiltMergesPair(t *testing.T) {
	before := buildTiles(t, [3]int{0, 0, 2}, [3]int{1, 0, 2})
	after := Tilt(Left, before)

	active := after.Active()
	require.Len(t, active, 1, "two equal tiles must merge into one")
	assert.Equal(t, 4, active[0].Value)
	assert.Equal(t, int8(0), active[0].X, "merged tile must end at the wall-ward position")
	assert.Equal(t, int8(0), active[0].Y)

	// The ghost must be retained, marked, and synced to the consumer's cell.
	ghosts := 0
	for _, tile := range after {
		if tile.IsGhost() {
			ghosts++
			assert.Equal(t, active[0].ID, tile.MergedInto)
			assert.Equal(t, active[0].X, tile.X)
			assert.Equal(t, active[0].Y, tile.Y)
		}
	}
	assert.Equal(t, 1, ghosts)
	assert.Equal(t, 4, MergedValueSum(after))
}

func TestTiltChainMergesOncePerTile(t *testing.T) {
	// Four equal tiles in a row merge into exactly two pairs.
	before := buildTiles(t,
		[3]int{0, 1, 2}, [3]int{1, 1, 2}, [3]int{2, 1, 2}, [3]int{3, 1, 2})
	after := Tilt(Left, before)

	active := after.Active()
	require.Len(t, active, 2)
	assert.Equal(t, 4, active[0].Value)
	assert.Equal(t, 4, active[1].Value)
	assert.NotNil(t, after.At(0, 1))
	assert.NotNil(t, after.At(1, 1))
	assert.Equal(t, 8, MergedValueSum(after))

	// A freshly merged 4 must not be consumed again in the same tilt.
	before = buildTiles(t, [3]int{0, 0, 4}, [3]int{1, 0, 2}, [3]int{2, 0, 2})
	after = Tilt(Left, before)
	active = after.Active()
	require.Len(t, active, 2)
	assert.Equal(t, 4, after.At(0, 0).Value)
	assert.Equal(t, 4, after.At(1, 0).Value)
}

func TestTiltDirections(t *testing.T) {
	tests := []struct {
		dir   Direction
		wantX int8
		wantY int8
	}{
		{Up, 1, 0},
		{Down, 1, 3},
		{Left, 0, 1},
		{Right, 3, 1},
	}
	for _, test := range tests {
		t.Run(test.dir.String(), func(t *testing.T) {
			before := buildTiles(t, [3]int{1, 1, 2})
			after := Tilt(test.dir, before)
			tile := after.At(test.wantX, test.wantY)
			require.NotNilf(t, tile, "tile should land at (%d,%d)", test.wantX, test.wantY)
			assert.Equal(t, 2, tile.Value)
		})
	}
}

func TestTiltDropsPreviousGhosts(t *testing.T) {
	before := buildTiles(t, [3]int{0, 0, 2}, [3]int{1, 0, 2})
	after := Tilt(Left, before)
	require.Len(t, after, 2) // one active, one ghost

	again := Tilt(Right, after)
	for _, tile := range again {
		assert.False(t, tile.IsGhost(), "ghosts must live for exactly one tilt")
	}
	require.Len(t, again, 1)
	assert.Equal(t, 4, again[0].Value)
}

func TestIsGameOver(t *testing.T) {
	// Any empty cell means not game-over.
	assert.False(t, IsGameOver(buildTiles(t, [3]int{0, 0, 2})))

	// Full board of all-2 tiles is not game-over.
	var all2 [][3]int
	for y := 0; y < BoardSize; y++ {
		for x := 0; x < BoardSize; x++ {
			all2 = append(all2, [3]int{x, y, 2})
		}
	}
	assert.False(t, IsGameOver(buildTiles(t, all2...)))

	// Checkerboard of alternating 2/4 is game-over.
	var checker [][3]int
	for y := 0; y < BoardSize; y++ {
		for x := 0; x < BoardSize; x++ {
			value := 2
			if (x+y)%2 == 1 {
				value = 4
			}
			checker = append(checker, [3]int{x, y, value})
		}
	}
	assert.True(t, IsGameOver(buildTiles(t, checker...)))
}

func TestSpawnFillsBoardThenErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var alloc IDAllocator

	ts := TileSet{}
	for ii := 0; ii < NumCells; ii++ {
		var err error
		ts, err = Spawn(ts, &alloc, rng)
		require.NoError(t, err)
		assert.Len(t, ts.Active(), ii+1)
	}
	_, err := Spawn(ts, &alloc, rng)
	assert.Error(t, err, "spawning on a full board is a precondition violation")

	// Spawned values are only ever 2 or 4.
	for _, tile := range ts {
		assert.Contains(t, []int{2, 4}, tile.Value)
	}
}

func TestNewGame(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var alloc IDAllocator
	ts := NewGame(&alloc, rng)
	assert.Len(t, ts, 2)
	assert.False(t, IsGameOver(ts))
}

func TestKeyAndEqual(t *testing.T) {
	a := buildTiles(t, [3]int{0, 0, 2}, [3]int{1, 1, 4})
	b := buildTiles(t, [3]int{1, 1, 4}, [3]int{0, 0, 2})
	assert.Equal(t, a.Key(), b.Key(), "key must be order-independent")
	assert.True(t, Equal(a, b))

	c := buildTiles(t, [3]int{0, 0, 2}, [3]int{1, 1, 8})
	assert.False(t, Equal(a, c))
}
