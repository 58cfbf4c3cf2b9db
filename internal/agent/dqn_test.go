package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merge2048/internal/game"
)

// The tests here cover the pure parts of the agent: encoding, the epsilon
// schedule and the blending arithmetic. Tests that exercise the networks
// themselves need an ML backend and live behind the trainer binary.

func TestEncodeShapeAndOneHot(t *testing.T) {
	var alloc game.IDAllocator
	tiles := game.TileSet{
		&game.Tile{ID: alloc.New(), X: 0, Y: 0, Value: 2},
		&game.Tile{ID: alloc.New(), X: 3, Y: 3, Value: 2048},
	}
	encoded := Encode(tiles)
	assert.Len(t, encoded, EncodingDim)

	// Exactly one channel set per cell.
	for cell := 0; cell < game.NumCells; cell++ {
		sum := float32(0)
		for c := 0; c < NumChannels; c++ {
			sum += encoded[cell*NumChannels+c]
		}
		assert.Equalf(t, float32(1), sum, "cell %d must be one-hot", cell)
	}

	// (0,0) value 2 -> exponent 1; (3,3) value 2048 -> exponent 11.
	assert.Equal(t, float32(1), encoded[0*NumChannels+1])
	assert.Equal(t, float32(1), encoded[15*NumChannels+11])
	// An empty cell uses channel 0.
	assert.Equal(t, float32(1), encoded[1*NumChannels+0])
}

func TestEpsilonDecaysLinearlyToFloor(t *testing.T) {
	d := &DQN{cfg: Config{
		EpsilonStart:      1.0,
		EpsilonMin:        0.1,
		EpsilonDecaySteps: 100,
	}}

	previous := d.Epsilon()
	assert.Equal(t, float32(1.0), previous)
	for steps := 1; steps <= 200; steps++ {
		d.trainSteps = steps
		epsilon := d.Epsilon()
		assert.LessOrEqual(t, epsilon, previous, "epsilon must decay monotonically")
		assert.GreaterOrEqual(t, epsilon, float32(0.1), "epsilon must never drop below the floor")
		previous = epsilon
	}
	assert.Equal(t, float32(0.1), previous, "epsilon must reach the floor and stay")

	d.trainSteps = 50
	assert.InDelta(t, 0.55, d.Epsilon(), 1e-5, "decay must be linear")
}

func TestMinMaxNormalize(t *testing.T) {
	values := [game.NumDirections]float32{1, 3, 2, 5}
	norm := minMaxNormalize(values, nil)
	assert.Equal(t, float32(0), norm[0])
	assert.Equal(t, float32(1), norm[3])
	assert.InDelta(t, 0.5, norm[1], 1e-6)

	// Only valid indices participate.
	values = [game.NumDirections]float32{math32.Inf(-1), 4, 8, math32.Inf(-1)}
	norm = minMaxNormalize(values, []int{1, 2})
	assert.Equal(t, float32(0), norm[1])
	assert.Equal(t, float32(1), norm[2])

	// Zero span maps participants to 0.5.
	norm = minMaxNormalize([game.NumDirections]float32{7, 7, 7, 7}, []int{0, 3})
	assert.Equal(t, float32(0.5), norm[0])
	assert.Equal(t, float32(0.5), norm[3])
	assert.Equal(t, float32(0), norm[1])
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 2, argmax([]float32{0.1, 0.3, 0.9, 0.2}))
	assert.Equal(t, 0, argmax([]float32{math32.Inf(-1), math32.Inf(-1)}))
	assert.Equal(t, 0, argmax(nil))
}

// blockingStore parks inside Save until released, capturing what was passed.
type blockingStore struct {
	entered    chan struct{}
	release    chan struct{}
	savedCtx   *context.Context
	savedSteps int
}

func (s *blockingStore) Save(_ string, ctx *context.Context, steps int) error {
	s.savedCtx, s.savedSteps = ctx, steps
	close(s.entered)
	<-s.release
	return nil
}

func (s *blockingStore) Load(string, *context.Context) (int, error) { return 0, nil }

func TestSaveToDoesNotBlockAgentMethods(t *testing.T) {
	onlineCtx := context.New()
	onlineCtx.In("fnn").VariableWithValue("weights", []float32{1, 2, 3})
	d := &DQN{cfg: DefaultConfig, onlineCtx: onlineCtx, trainSteps: 7}

	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- d.SaveTo(store, "k") }()

	select {
	case <-store.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("save never reached the store")
	}
	// The store write is still in flight; methods taking the agent's lock
	// must not wait for it.
	assert.Equal(t, 7, d.TrainSteps())
	assert.Greater(t, d.Epsilon(), float32(0))

	close(store.release)
	require.NoError(t, <-done)
	assert.Equal(t, 7, store.savedSteps)

	// The snapshot carries the weights under their original scope and name.
	found := false
	store.savedCtx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() != "weights" || !strings.HasSuffix(v.Scope(), "fnn") {
			return
		}
		found = true
		tensors.ConstFlatData(v.Value(), func(flat []float32) {
			assert.Equal(t, []float32{1, 2, 3}, flat)
		})
	})
	assert.True(t, found, "snapshot must contain the online weights")
}

func TestConfigValidation(t *testing.T) {
	_, err := NewDQN(Config{MemoryCapacity: 0, BatchSize: 4})
	assert.Error(t, err)
	_, err = NewDQN(Config{MemoryCapacity: 4, BatchSize: 8})
	assert.Error(t, err)
}
