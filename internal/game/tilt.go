package game

import "slices"

// Tilt applies one compass direction to the board: every active tile slides as
// far as it can toward the target wall, equal-valued neighbors merge (at most
// once per tile per tilt), and the gaps opened by merges are closed.
//
// The input set is not mutated. The returned set contains the moved tiles plus
// the ghosts created by this tilt's merges: each ghost carries MergedInto with
// the ID of its consumer and is position-synced to the consumer's final cell,
// purely so a renderer can animate the merge.
//
// Ghosts already present in the input are dropped: they belonged to the
// previous step's animation.
func Tilt(dir Direction, ts TileSet) TileSet {
	tiles := ts.Active().Clone()
	dx, dy := dir.Delta()

	// Tiles nearest the target wall go first, so a tile never overtakes the
	// one ahead of it.
	slices.SortStableFunc(tiles, func(a, b *Tile) int {
		return wallDistance(dir, b) - wallDistance(dir, a)
	})

	slide := func() {
		for _, t := range tiles {
			if t.IsGhost() {
				continue
			}
			for {
				nx, ny := t.X+dx, t.Y+dy
				if !inBounds(nx, ny) || tiles.At(nx, ny) != nil {
					break
				}
				t.X, t.Y = nx, ny
			}
		}
	}

	slide()

	// Merge pass: each tile may consume its wall-ward neighbor once, and a
	// tile that has already doubled this pass cannot be consumed in turn.
	merged := make(map[TileID]bool)
	for _, t := range tiles {
		if t.IsGhost() || merged[t.ID] {
			continue
		}
		neighbor := tiles.At(t.X+dx, t.Y+dy)
		if neighbor == nil || merged[neighbor.ID] || neighbor.Value != t.Value {
			continue
		}
		neighbor.MergedInto = t.ID
		t.X, t.Y = neighbor.X, neighbor.Y
		t.Value *= 2
		merged[t.ID] = true
	}

	// Close the gaps opened by merges.
	slide()

	// Resync ghosts onto their consumer's final position. Rendering only; no
	// effect on game logic.
	byID := make(map[TileID]*Tile, len(tiles))
	for _, t := range tiles {
		byID[t.ID] = t
	}
	for _, t := range tiles {
		if !t.IsGhost() {
			continue
		}
		if consumer := byID[t.MergedInto]; consumer != nil {
			t.X, t.Y = consumer.X, consumer.Y
		}
	}
	return tiles
}

// MergedValueSum returns the summed post-merge values of this tilt's merges:
// each consumed ghost contributes the doubled value of its consumer. This is
// the score delta of the move.
func MergedValueSum(ts TileSet) int {
	byID := make(map[TileID]*Tile, len(ts))
	for _, t := range ts {
		byID[t.ID] = t
	}
	sum := 0
	for _, t := range ts {
		if !t.IsGhost() {
			continue
		}
		if consumer := byID[t.MergedInto]; consumer != nil {
			sum += consumer.Value
		}
	}
	return sum
}

// wallDistance is the distance of the tile from the wall the direction points
// away from: larger means nearer the target wall.
func wallDistance(dir Direction, t *Tile) int {
	switch dir {
	case Up:
		return BoardSize - 1 - int(t.Y)
	case Down:
		return int(t.Y)
	case Left:
		return BoardSize - 1 - int(t.X)
	default: // Right
		return int(t.X)
	}
}

func inBounds(x, y int8) bool {
	return x >= 0 && x < BoardSize && y >= 0 && y < BoardSize
}
