package agent

import (
	"math/bits"

	"merge2048/internal/game"
)

const (
	// NumChannels is one one-hot channel per representable exponent, plus
	// channel 0 for the empty cell.
	NumChannels = game.MaxExponent + 1

	// EncodingDim is the length of an encoded board.
	EncodingDim = game.NumCells * NumChannels
)

// Encode one-hot encodes the active tiles of a board: each cell contributes
// NumChannels values, with the channel of its value's exponent set to 1
// (channel 0 for empty cells).
func Encode(tiles game.TileSet) []float32 {
	encoded := make([]float32, EncodingDim)
	var exponentAt [game.BoardSize][game.BoardSize]int
	for _, t := range tiles {
		if t.IsGhost() || t.Value <= 0 {
			continue
		}
		exponentAt[t.Y][t.X] = bits.Len(uint(t.Value)) - 1
	}
	for y := 0; y < game.BoardSize; y++ {
		for x := 0; x < game.BoardSize; x++ {
			cell := y*game.BoardSize + x
			encoded[cell*NumChannels+exponentAt[y][x]] = 1
		}
	}
	return encoded
}
