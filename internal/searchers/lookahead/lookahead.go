// Package lookahead implements a bounded-depth greedy search over board
// transitions, scored by the heuristic board evaluation.
//
// For each direction it simulates the tilt and recursively follows the best
// child, discounting deeper evaluations. There is no cross-branch
// memoization: with a branching factor of at most 4 and cheap per-node
// evaluation, the full 4^depth tree is affordable at the default depth.
package lookahead

import (
	"sync"

	"github.com/chewxy/math32"
	"k8s.io/klog/v2"

	"merge2048/internal/game"
	"merge2048/internal/rewards"
	"merge2048/internal/searchers"
)

const (
	// DefaultMaxDepth of the search, in plies.
	DefaultMaxDepth = 6

	// DefaultDiscount applied per ply of depth.
	DefaultDiscount = float32(0.9)

	// Tie-break biases, added to finite scores after the search. They nudge
	// ties toward funneling tiles into the bottom row, and along that row
	// toward the tail of the longest descending chain from the max tile.
	// Small enough to never override a clearly superior heuristic score.
	funnelBias    = float32(0.001)
	tailChainBias = float32(0.0005)
)

// Searcher implements searchers.Searcher with a bounded-depth greedy
// lookahead. Safe for concurrent use; the weights are guarded so a running
// loop can retune them between steps.
type Searcher struct {
	maxDepth int
	discount float32

	mu      sync.RWMutex
	weights rewards.Weights
}

var _ searchers.Searcher = (*Searcher)(nil)

// New returns a lookahead searcher with the default depth and discount.
func New(weights rewards.Weights) *Searcher {
	return &Searcher{
		maxDepth: DefaultMaxDepth,
		discount: DefaultDiscount,
		weights:  weights,
	}
}

// WithMaxDepth overrides the search depth.
func (s *Searcher) WithMaxDepth(maxDepth int) *Searcher {
	s.maxDepth = maxDepth
	return s
}

// WithDiscount overrides the per-ply discount. Must be in (0, 1).
func (s *Searcher) WithDiscount(discount float32) *Searcher {
	s.discount = discount
	return s
}

// SetWeights replaces the heuristic weights used for leaf evaluation.
func (s *Searcher) SetWeights(weights rewards.Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = weights
}

// Search implements searchers.Searcher: one score per direction, -Inf for
// directions whose tilt changes nothing.
func (s *Searcher) Search(tiles game.TileSet) (scores [game.NumDirections]float32) {
	s.mu.RLock()
	weights := s.weights
	s.mu.RUnlock()

	for ii, dir := range game.Directions {
		next := game.Tilt(dir, tiles)
		if game.Equal(tiles, next) {
			scores[ii] = math32.Inf(-1)
			continue
		}
		scores[ii] = rewards.Score(weights, next) + s.discount*s.recurse(weights, next, s.maxDepth-1)
	}
	s.addTieBreakBias(tiles, &scores)

	if klog.V(3).Enabled() {
		klog.Infof("lookahead scores: up=%.4f right=%.4f down=%.4f left=%.4f",
			scores[game.Up], scores[game.Right], scores[game.Down], scores[game.Left])
	}
	return
}

// recurse greedily follows the best non-no-op direction, bottoming out at the
// heuristic evaluation when the depth is exhausted or no move changes the
// board.
func (s *Searcher) recurse(weights rewards.Weights, tiles game.TileSet, depth int) float32 {
	if depth <= 0 {
		return rewards.Score(weights, tiles)
	}
	best := math32.Inf(-1)
	for _, dir := range game.Directions {
		next := game.Tilt(dir, tiles)
		if game.Equal(tiles, next) {
			continue
		}
		score := rewards.Score(weights, next) + s.discount*s.recurse(weights, next, depth-1)
		if score > best {
			best = score
		}
	}
	if math32.IsInf(best, -1) {
		// All directions are no-ops: the board is terminal from here.
		return rewards.Score(weights, tiles)
	}
	return best
}

// addTieBreakBias nudges finite scores toward a stable long-term strategy:
// always slightly prefer Down (the funnel row), and on the horizontal axis
// prefer whichever end of the bottom-funnel currently holds the tail of the
// longest descending power-of-two chain from the maximum tile.
func (s *Searcher) addTieBreakBias(tiles game.TileSet, scores *[game.NumDirections]float32) {
	if !math32.IsInf(scores[game.Down], -1) {
		scores[game.Down] += funnelBias
	}
	tailDir := tailChainDirection(tiles)
	if !math32.IsInf(scores[tailDir], -1) {
		scores[tailDir] += tailChainBias
	}
}

// tailChainDirection walks from the maximum tile along its row in both
// directions, following exact halvings, and returns the horizontal direction
// the longer chain extends toward. Right wins ties.
func tailChainDirection(tiles game.TileSet) game.Direction {
	maxTile := tiles.MaxTile()
	if maxTile == nil {
		return game.Right
	}
	chainLen := func(step int8) int {
		length := 0
		value := maxTile.Value
		for x := maxTile.X + step; x >= 0 && x < game.BoardSize; x += step {
			t := tiles.At(x, maxTile.Y)
			if t == nil || t.Value*2 != value {
				break
			}
			value = t.Value
			length++
		}
		return length
	}
	if chainLen(-1) > chainLen(+1) {
		return game.Left
	}
	return game.Right
}
