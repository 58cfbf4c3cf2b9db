// Package game implements the deterministic engine for the 4x4 sliding-merge
// puzzle: tiles, compass directions, the tilt transition, random spawning and
// game-over detection.
//
// All transitions are pure with respect to their inputs: Tilt and Spawn return
// new TileSets and never mutate the tiles they are given. The only stateful
// piece is the IDAllocator, owned by whoever owns the live game (one per
// training-loop session).
package game

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

const (
	// BoardSize is the width and height of the grid.
	BoardSize = 4

	// NumCells is the total number of cells on the board.
	NumCells = BoardSize * BoardSize

	// MaxExponent is the largest power-of-two exponent a tile can reach on a
	// 4x4 board (2^17 = 131072), used to normalize log-scaled scores.
	MaxExponent = 17
)

// TileID uniquely identifies a tile within one game session.
// IDs are assigned monotonically by an IDAllocator and never reused.
type TileID int32

// NoTile is the zero TileID, used to mark "no tile" references.
const NoTile TileID = 0

// Direction is one of the four compass directions a board can be tilted to.
type Direction int8

const (
	Up Direction = iota
	Right
	Down
	Left

	// NumDirections is the number of valid directions.
	NumDirections = 4
)

var directionNames = [NumDirections]string{"up", "right", "down", "left"}

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d < 0 || d >= NumDirections {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

var directionDeltas = [NumDirections][2]int8{
	Up:    {0, -1},
	Right: {1, 0},
	Down:  {0, 1},
	Left:  {-1, 0},
}

// Delta returns the unit vector of the direction. Exactly one of (dx, dy) is
// non-zero, and it is -1 or +1.
func (d Direction) Delta() (dx, dy int8) {
	return directionDeltas[d][0], directionDeltas[d][1]
}

// Directions lists all four directions in a fixed order, matching the action
// indices used by the agent.
var Directions = [NumDirections]Direction{Up, Right, Down, Left}

// Tile is one tile on the board.
//
// A tile with MergedInto set is a "ghost": it has been consumed by a merge
// during the last tilt and is logically off the board. Ghosts are kept around
// for one step only so a renderer can animate the merge; they take no part in
// game logic.
type Tile struct {
	ID         TileID
	X, Y       int8
	Value      int
	MergedInto TileID
}

// IsGhost reports whether the tile was consumed by a merge.
func (t *Tile) IsGhost() bool { return t.MergedInto != NoTile }

// Clone returns a copy of the tile.
func (t *Tile) Clone() *Tile {
	c := *t
	return &c
}

// String implements fmt.Stringer.
func (t *Tile) String() string {
	ghost := ""
	if t.IsGhost() {
		ghost = fmt.Sprintf(" ghost->%d", t.MergedInto)
	}
	return fmt.Sprintf("Tile#%d{%d @ (%d,%d)%s}", t.ID, t.Value, t.X, t.Y, ghost)
}

// TileSet is an unordered collection of tiles within the grid.
//
// Invariant: at most one non-ghost tile occupies any (x, y); a ghost tile
// shares the position of the tile that consumed it.
type TileSet []*Tile

// Clone deep-copies the tile set.
func (ts TileSet) Clone() TileSet {
	c := make(TileSet, len(ts))
	for ii, t := range ts {
		c[ii] = t.Clone()
	}
	return c
}

// Active returns the non-ghost tiles, in no particular order.
func (ts TileSet) Active() TileSet {
	active := make(TileSet, 0, len(ts))
	for _, t := range ts {
		if !t.IsGhost() {
			active = append(active, t)
		}
	}
	return active
}

// At returns the active tile occupying (x, y), or nil.
func (ts TileSet) At(x, y int8) *Tile {
	for _, t := range ts {
		if !t.IsGhost() && t.X == x && t.Y == y {
			return t
		}
	}
	return nil
}

// MaxTile returns the highest-valued active tile, or nil on an empty board.
func (ts TileSet) MaxTile() (maxTile *Tile) {
	for _, t := range ts {
		if t.IsGhost() {
			continue
		}
		if maxTile == nil || t.Value > maxTile.Value {
			maxTile = t
		}
	}
	return
}

// Cell is one grid coordinate.
type Cell struct {
	X, Y int8
}

// EmptyCells returns the unoccupied cells, in row-major order.
func (ts TileSet) EmptyCells() []Cell {
	var occupied [BoardSize][BoardSize]bool
	for _, t := range ts {
		if !t.IsGhost() {
			occupied[t.Y][t.X] = true
		}
	}
	cells := make([]Cell, 0, NumCells)
	for y := int8(0); y < BoardSize; y++ {
		for x := int8(0); x < BoardSize; x++ {
			if !occupied[y][x] {
				cells = append(cells, Cell{X: x, Y: y})
			}
		}
	}
	return cells
}

// Key returns a canonical string for the active tiles of the set: the sorted
// (x, y, value) triples. Two sets with the same key are observationally equal
// as game states -- tile identities and ghosts are ignored.
func (ts TileSet) Key() string {
	triples := make([]string, 0, len(ts))
	for _, t := range ts {
		if !t.IsGhost() {
			triples = append(triples, fmt.Sprintf("%d,%d:%d", t.X, t.Y, t.Value))
		}
	}
	slices.Sort(triples)
	return strings.Join(triples, ";")
}

// Equal reports whether two tile sets are observationally equal: same active
// (x, y, value) triples. A tilt that leaves Equal(before, after) true is a
// no-op move.
func Equal(a, b TileSet) bool {
	return a.Key() == b.Key()
}

// IsGameOver reports whether no tilt can change the board: every cell is
// occupied and no two orthogonally adjacent tiles share a value.
func IsGameOver(ts TileSet) bool {
	active := ts.Active()
	if len(active) < NumCells {
		return false
	}
	var values [BoardSize][BoardSize]int
	for _, t := range active {
		values[t.Y][t.X] = t.Value
	}
	for y := 0; y < BoardSize; y++ {
		for x := 0; x < BoardSize; x++ {
			if x+1 < BoardSize && values[y][x] == values[y][x+1] {
				return false
			}
			if y+1 < BoardSize && values[y][x] == values[y+1][x] {
				return false
			}
		}
	}
	return true
}

// IDAllocator hands out monotonically increasing tile IDs. One allocator
// exists per game session; it must not be shared across parallel sessions.
type IDAllocator struct {
	next TileID
}

// New returns the next unused TileID.
func (a *IDAllocator) New() TileID {
	a.next++
	return a.next
}

// spawnFourChance is the probability that a spawned tile is a 4 instead of a 2.
const spawnFourChance = 0.1

// Spawn adds exactly one new tile (value 2, or 4 with 10% chance) at a
// uniformly random empty cell and returns the extended set.
//
// A full board is a precondition violation: game-over must always be checked
// before spawning. It returns an error instead of corrupting the set.
func Spawn(ts TileSet, alloc *IDAllocator, rng *rand.Rand) (TileSet, error) {
	empty := ts.EmptyCells()
	if len(empty) == 0 {
		return ts, errors.New("spawn on a full board: game-over check was skipped")
	}
	cell := empty[rng.Intn(len(empty))]
	value := 2
	if rng.Float64() < spawnFourChance {
		value = 4
	}
	tile := &Tile{ID: alloc.New(), X: cell.X, Y: cell.Y, Value: value}
	return append(ts.Clone(), tile), nil
}

// NewGame returns a fresh board with two spawned tiles.
func NewGame(alloc *IDAllocator, rng *rand.Rand) TileSet {
	ts := TileSet{}
	for range 2 {
		var err error
		ts, err = Spawn(ts, alloc, rng)
		if err != nil {
			// Unreachable: the board has 16 cells and we spawn twice.
			panic(err)
		}
	}
	return ts
}
