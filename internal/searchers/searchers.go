// Package searchers defines the interface that move-search algorithms must
// implement, and helpers shared by them and by the agent that consumes their
// scores.
package searchers

import (
	"github.com/chewxy/math32"

	"merge2048/internal/game"
)

// Searcher scores the four candidate directions of a board.
type Searcher interface {
	// Search returns one score per direction (indexed like game.Directions).
	// A direction whose tilt would not change the board scores math32.Inf(-1):
	// it is an invalid move and must never be selected.
	Search(tiles game.TileSet) (scores [game.NumDirections]float32)
}

// SelectAction returns the index of the maximum finite score. If every score
// is -Inf (no valid move exists, i.e. the game is over), it returns 0.
func SelectAction(scores [game.NumDirections]float32) int {
	best := 0
	bestScore := math32.Inf(-1)
	for ii, score := range scores {
		if math32.IsInf(score, -1) {
			continue
		}
		if score > bestScore {
			best = ii
			bestScore = score
		}
	}
	return best
}

// HasValidAction reports whether at least one direction has a finite score.
func HasValidAction(scores [game.NumDirections]float32) bool {
	for _, score := range scores {
		if !math32.IsInf(score, -1) {
			return true
		}
	}
	return false
}
