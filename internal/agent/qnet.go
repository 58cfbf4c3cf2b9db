package agent

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"merge2048/internal/game"
)

var (
	// backend is a singleton, shared by every agent instance in the process.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// newQNetContext returns a fresh context for one copy of the value network,
// with hyperparameters set to their defaults.
func newQNetContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         0.0,

		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  128,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	return ctx.Checked(false)
}

// qForwardGraph maps a batch of encoded boards, shaped [batch, EncodingDim],
// to one value per direction, shaped [batch, NumDirections].
func qForwardGraph(ctx *context.Context, states *graph.Node) *graph.Node {
	batchSize := states.Shape().Dim(0)
	values := fnnLayer.New(ctx.In("fnn"), states, game.NumDirections).Done()
	values.AssertDims(batchSize, game.NumDirections)
	return values
}

// qLossGraph is the training loss: mean squared error between the Bellman
// targets, shaped [batch, 1], and the online network's value of the action
// actually taken (selected by the one-hot actionMask, shaped
// [batch, NumDirections]).
func qLossGraph(ctx *context.Context, states, actionMask, targets *graph.Node) *graph.Node {
	values := qForwardGraph(ctx, states)
	taken := graph.ReduceSum(graph.Mul(values, actionMask), -1)
	taken = graph.ExpandAxes(taken, -1)
	loss := losses.MeanSquaredError([]*graph.Node{targets}, []*graph.Node{taken})
	if !loss.IsScalar() {
		loss = graph.ReduceAllMean(loss)
	}
	return loss
}

// statesTensor packs encoded boards into a [batch, EncodingDim] tensor.
func statesTensor(states [][]float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(states), EncodingDim))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii, state := range states {
			copy(flat[ii*EncodingDim:], state)
		}
	})
	return t
}

// actionMaskTensor packs taken actions into a one-hot [batch, NumDirections]
// tensor.
func actionMaskTensor(actions []int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(actions), game.NumDirections))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii, action := range actions {
			flat[ii*game.NumDirections+action] = 1
		}
	})
	return t
}

// targetsTensor packs Bellman targets into a [batch, 1] tensor.
func targetsTensor(targets []float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(targets), 1))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, targets)
	})
	return t
}
