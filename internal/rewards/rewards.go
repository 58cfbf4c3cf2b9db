// Package rewards implements the hand-crafted heuristic evaluation of a board
// and the composite reward signal derived from it.
//
// Five independent sub-scores in [0, 1] describe the shape of a board
// (monotonicity, corner placement, smoothness, max tile, empty cells). A
// weighted blend of them scores boards for the lookahead search, and the full
// reward adds the merge bonus, stagnation penalty and terminal penalty for
// the learning agent.
package rewards

import (
	"github.com/chewxy/math32"

	"merge2048/internal/game"
)

// Weights scale the sub-scores of the composite reward. Passed by value and
// never mutated: every component takes its own copy.
//
// All weights are non-negative except GameOverPenalty, which is added as-is
// on episode termination and is expected to be negative.
type Weights struct {
	MergeBonus      float32 `yaml:"merge_bonus"`
	EmptyTiles      float32 `yaml:"empty_tiles"`
	Monotonicity    float32 `yaml:"monotonicity"`
	CornerBonus     float32 `yaml:"corner_bonus"`
	Smoothness      float32 `yaml:"smoothness"`
	MaxTileBonus    float32 `yaml:"max_tile_bonus"`
	GameOverPenalty float32 `yaml:"game_over_penalty"`
}

// DefaultWeights were tuned empirically; they are a starting point, callers
// usually override them from configuration.
var DefaultWeights = Weights{
	MergeBonus:      1.0,
	EmptyTiles:      1.0,
	Monotonicity:    1.0,
	CornerBonus:     1.0,
	Smoothness:      0.5,
	MaxTileBonus:    0.5,
	GameOverPenalty: -10.0,
}

const (
	// stagnationPenalty is added when a step leaves the active tile set
	// unchanged.
	stagnationPenalty = float32(-0.5)

	// monotonicityNorm is the fixed theoretical maximum of the summed
	// per-line monotonic differences: 2*BoardSize lines, each telescoping to
	// at most MaxExponent.
	monotonicityNorm = float32(2 * game.BoardSize * game.MaxExponent)

	// smoothnessNorm is the fixed normalization constant for the summed
	// adjacent log2 differences.
	smoothnessNorm = float32(128)
)

// exponents returns the log2 grid of the active tiles, 0 for empty cells,
// plus whether each cell is occupied.
func exponents(ts game.TileSet) (exp [game.BoardSize][game.BoardSize]float32, occupied [game.BoardSize][game.BoardSize]bool) {
	for _, t := range ts {
		if t.IsGhost() {
			continue
		}
		exp[t.Y][t.X] = math32.Log2(float32(t.Value))
		occupied[t.Y][t.X] = true
	}
	return
}

// Monotonicity rewards boards whose values trend consistently toward one
// corner. For every row and column it takes the larger of the ascending or
// descending log2 differences, summed and normalized to [0, 1].
func Monotonicity(ts game.TileSet) float32 {
	exp, _ := exponents(ts)
	total := float32(0)
	line := func(values [game.BoardSize]float32) float32 {
		asc, desc := float32(0), float32(0)
		for ii := 0; ii < game.BoardSize-1; ii++ {
			diff := values[ii+1] - values[ii]
			if diff > 0 {
				asc += diff
			} else {
				desc -= diff
			}
		}
		return math32.Max(asc, desc)
	}
	for ii := 0; ii < game.BoardSize; ii++ {
		var row, col [game.BoardSize]float32
		for jj := 0; jj < game.BoardSize; jj++ {
			row[jj] = exp[ii][jj]
			col[jj] = exp[jj][ii]
		}
		total += line(row) + line(col)
	}
	return math32.Min(1, total/monotonicityNorm)
}

// CornerBonus returns log2(max)/MaxExponent if the highest-valued tile sits
// in a grid corner, else 0.
func CornerBonus(ts game.TileSet) float32 {
	maxTile := ts.MaxTile()
	if maxTile == nil {
		return 0
	}
	last := int8(game.BoardSize - 1)
	inCorner := (maxTile.X == 0 || maxTile.X == last) && (maxTile.Y == 0 || maxTile.Y == last)
	if !inCorner {
		return 0
	}
	return math32.Log2(float32(maxTile.Value)) / game.MaxExponent
}

// Smoothness rewards boards whose orthogonal neighbors are close in value:
// 1 minus the normalized sum of absolute log2 differences between every
// adjacent pair of occupied cells.
func Smoothness(ts game.TileSet) float32 {
	exp, occupied := exponents(ts)
	sum := float32(0)
	for y := 0; y < game.BoardSize; y++ {
		for x := 0; x < game.BoardSize; x++ {
			if !occupied[y][x] {
				continue
			}
			if x+1 < game.BoardSize && occupied[y][x+1] {
				sum += math32.Abs(exp[y][x] - exp[y][x+1])
			}
			if y+1 < game.BoardSize && occupied[y+1][x] {
				sum += math32.Abs(exp[y][x] - exp[y+1][x])
			}
		}
	}
	return math32.Max(0, 1-sum/smoothnessNorm)
}

// MaxTileBonus is log2 of the highest tile value, normalized by MaxExponent.
func MaxTileBonus(ts game.TileSet) float32 {
	maxTile := ts.MaxTile()
	if maxTile == nil {
		return 0
	}
	return math32.Log2(float32(maxTile.Value)) / game.MaxExponent
}

// EmptyFraction is the fraction of unoccupied cells.
func EmptyFraction(ts game.TileSet) float32 {
	return float32(len(ts.EmptyCells())) / game.NumCells
}

// Score is the weighted blend of the five board sub-scores. It is the leaf
// evaluation of the lookahead search.
func Score(w Weights, ts game.TileSet) float32 {
	return EmptyFraction(ts)*w.EmptyTiles +
		Monotonicity(ts)*w.Monotonicity +
		CornerBonus(ts)*w.CornerBonus +
		Smoothness(ts)*w.Smoothness +
		MaxTileBonus(ts)*w.MaxTileBonus
}

// Snapshot captures a board and its accumulated game score at one step
// boundary, for reward computation.
type Snapshot struct {
	Tiles game.TileSet
	Score int
}

// Reward computes the composite reward of the transition prev -> next.
//
// The merge component is log2 of the game-score delta (0 if no score was
// gained), so it is strictly increasing in the score delta. A step that left
// the active tile set unchanged is penalized, and a terminal step adds the
// (negative) GameOverPenalty.
func Reward(w Weights, prev, next Snapshot, done bool) float32 {
	reward := Score(w, next.Tiles)
	if delta := next.Score - prev.Score; delta > 0 {
		reward += w.MergeBonus * math32.Log2(float32(delta))
	}
	if game.Equal(prev.Tiles, next.Tiles) {
		reward += stagnationPenalty
	}
	if done {
		reward += w.GameOverPenalty
	}
	return reward
}
