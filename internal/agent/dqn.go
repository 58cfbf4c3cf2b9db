// Package agent implements the trainable value agent: a DQN with experience
// replay and a frozen target network, blended at action-selection time with
// an external searcher's scores.
package agent

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"merge2048/internal/game"
	"merge2048/internal/generics"
)

// Config holds the DQN hyperparameters.
type Config struct {
	MemoryCapacity        int     `yaml:"memory_capacity"`
	BatchSize             int     `yaml:"batch_size"`
	Gamma                 float32 `yaml:"gamma"`
	EpsilonStart          float32 `yaml:"epsilon_start"`
	EpsilonMin            float32 `yaml:"epsilon_min"`
	EpsilonDecaySteps     int     `yaml:"epsilon_decay_steps"`
	TargetUpdateFrequency int     `yaml:"target_update_frequency"`

	// BlendWeight is the share of the external searcher's normalized score in
	// blended action selection; (1 - BlendWeight) goes to the network.
	BlendWeight float32 `yaml:"blend_weight"`
}

// DefaultConfig is the tuned starting point; callers usually override from
// configuration.
var DefaultConfig = Config{
	MemoryCapacity:        10000,
	BatchSize:             64,
	Gamma:                 0.99,
	EpsilonStart:          1.0,
	EpsilonMin:            0.05,
	EpsilonDecaySteps:     20000,
	TargetUpdateFrequency: 500,
	BlendWeight:           0.5,
}

// WeightStore persists network weights under a key.
// Implemented by modelstore.Store.
type WeightStore interface {
	Save(key string, ctx *context.Context, steps int) error
	Load(key string, ctx *context.Context) (steps int, err error)
}

// DQN is the value agent. Two copies of the network exist: the online network
// trained every step, and a target network periodically synced from it by
// direct weight copy, so the Bellman targets don't chase a moving estimate.
//
// A DQN is owned by one training loop; methods are serialized with an
// internal mutex so an asynchronous save never races a training step.
type DQN struct {
	cfg Config

	onlineCtx, targetCtx   *context.Context
	onlineExec, targetExec *context.Exec
	trainExec              *context.Exec
	optimizer              optimizers.Interface

	memory     *ReplayMemory
	trainSteps int

	mu sync.Mutex
}

// NewDQN creates the agent with freshly initialized online and target
// networks (the target starts as an exact copy of the online weights).
func NewDQN(cfg Config) (*DQN, error) {
	if cfg.MemoryCapacity <= 0 || cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid DQN config: memory capacity %d, batch size %d",
			cfg.MemoryCapacity, cfg.BatchSize)
	}
	if cfg.BatchSize > cfg.MemoryCapacity {
		return nil, errors.Errorf("batch size %d exceeds memory capacity %d",
			cfg.BatchSize, cfg.MemoryCapacity)
	}
	d := &DQN{
		cfg:       cfg,
		onlineCtx: newQNetContext(),
		targetCtx: newQNetContext(),
		memory:    NewReplayMemory(cfg.MemoryCapacity),
	}
	d.optimizer = optimizers.FromContext(d.onlineCtx)

	forward := func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		// Flatten to [batch*NumDirections] so callers read a plain []float32.
		return graph.Reshape(qForwardGraph(ctx, inputs[0]), -1)
	}
	d.onlineExec = context.NewExec(backend(), d.onlineCtx, forward)
	d.targetExec = context.NewExec(backend(), d.targetCtx, forward)
	d.trainExec = context.NewExec(backend(), d.onlineCtx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			states, actionMask, targets := inputs[0], inputs[1], inputs[2]
			g := states.Graph()
			ctx.SetTraining(g, true)
			loss := qLossGraph(ctx, states, actionMask, targets)
			d.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	// Force variable creation on both networks, then make the target an exact
	// copy of the online weights.
	zero := make([]float32, EncodingDim)
	_ = d.forwardValues(d.onlineExec, [][]float32{zero})
	_ = d.forwardValues(d.targetExec, [][]float32{zero})
	d.syncTarget()
	return d, nil
}

// BackendLabel names the ML backend the networks run on.
func (d *DQN) BackendLabel() string {
	return backend().Name()
}

// String implements fmt.Stringer.
func (d *DQN) String() string {
	return fmt.Sprintf("DQN[steps=%d, memory=%d/%d]", d.TrainSteps(), d.memory.Len(), d.memory.Capacity())
}

// Epsilon returns the current exploration rate: linearly decayed from
// EpsilonStart toward the EpsilonMin floor over EpsilonDecaySteps training
// steps, and never below the floor.
func (d *DQN) Epsilon() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockedEpsilon()
}

func (d *DQN) lockedEpsilon() float32 {
	if d.cfg.EpsilonDecaySteps <= 0 {
		return d.cfg.EpsilonMin
	}
	span := d.cfg.EpsilonStart - d.cfg.EpsilonMin
	decayed := d.cfg.EpsilonStart - span*float32(d.trainSteps)/float32(d.cfg.EpsilonDecaySteps)
	return math32.Max(d.cfg.EpsilonMin, decayed)
}

// TrainSteps returns the number of gradient updates applied so far.
func (d *DQN) TrainSteps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trainSteps
}

// Remember pushes a transition into the replay memory.
func (d *DQN) Remember(e Experience) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memory.Add(e)
}

// MemoryLen returns the number of stored transitions.
func (d *DQN) MemoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.memory.Len()
}

// QValues returns the online network's value for each direction of the board.
func (d *DQN) QValues(tiles game.TileSet) [game.NumDirections]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	flat := d.forwardValues(d.onlineExec, [][]float32{Encode(tiles)})
	var q [game.NumDirections]float32
	copy(q[:], flat)
	return q
}

// SelectAction picks a direction for the board.
//
// With probability epsilon it explores uniformly among the directions the
// external scores consider valid (finite). Otherwise it min-max normalizes
// the network outputs and the external scores independently to [0, 1] and
// picks the argmax of their blend, forcing invalid directions to -Inf. If no
// external score is finite it falls back to the pure network argmax.
func (d *DQN) SelectAction(tiles game.TileSet, extScores [game.NumDirections]float32, rng *rand.Rand) int {
	var valid []int
	for ii, score := range extScores {
		if !math32.IsInf(score, -1) && !math32.IsNaN(score) {
			valid = append(valid, ii)
		}
	}
	if len(valid) > 0 && rng.Float32() < d.Epsilon() {
		return valid[rng.Intn(len(valid))]
	}

	q := d.QValues(tiles)
	if len(valid) == 0 {
		return argmax(q[:])
	}

	qNorm := minMaxNormalize(q, nil)
	extNorm := minMaxNormalize(extScores, valid)
	blend := d.cfg.BlendWeight
	blended := make([]float32, game.NumDirections)
	for ii := range blended {
		blended[ii] = math32.Inf(-1)
	}
	for _, ii := range valid {
		blended[ii] = (1-blend)*qNorm[ii] + blend*extNorm[ii]
	}
	return argmax(blended)
}

// TrainStep applies one gradient-descent update from a uniformly sampled
// replay batch.
//
// It is a no-op (trained=false) until the memory holds one full batch.
// Numerical or runtime failures inside the ML runtime are contained and
// returned as an error: the caller logs and keeps stepping.
func (d *DQN) TrainStep(rng *rand.Rand) (loss float32, trained bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.memory.Sample(rng, d.cfg.BatchSize)
	if batch == nil {
		return 0, false, nil
	}

	err = exceptions.TryCatch[error](func() {
		loss = d.lockedTrainOnBatch(batch)
	})
	if err != nil {
		return 0, false, errors.WithMessagef(err, "training step %d failed", d.trainSteps)
	}

	d.trainSteps++
	if d.cfg.TargetUpdateFrequency > 0 && d.trainSteps%d.cfg.TargetUpdateFrequency == 0 {
		d.syncTarget()
		if klog.V(2).Enabled() {
			klog.Infof("target network synced at train step %d", d.trainSteps)
		}
	}
	return loss, true, nil
}

// lockedTrainOnBatch computes Bellman targets with the frozen target network
// and applies one optimizer update to the online network.
func (d *DQN) lockedTrainOnBatch(batch []Experience) float32 {
	n := len(batch)
	nextStates := generics.SliceMap(batch, func(e Experience) []float32 { return e.NextState })
	nextValues := d.forwardValues(d.targetExec, nextStates)

	states := generics.SliceMap(batch, func(e Experience) []float32 { return e.State })
	actions := make([]int, n)
	targets := make([]float32, n)
	for ii, e := range batch {
		actions[ii] = e.Action
		maxNext := math32.Inf(-1)
		for a := 0; a < game.NumDirections; a++ {
			if v := nextValues[ii*game.NumDirections+a]; v > maxNext {
				maxNext = v
			}
		}
		target := e.Reward
		if !e.Done {
			target += d.cfg.Gamma * maxNext
		}
		targets[ii] = target
	}

	lossT := d.trainExec.Call(
		graph.DonateTensorBuffer(statesTensor(states), backend()),
		graph.DonateTensorBuffer(actionMaskTensor(actions), backend()),
		graph.DonateTensorBuffer(targetsTensor(targets), backend()),
	)[0]
	defer lossT.FinalizeAll()
	return tensors.ToScalar[float32](lossT)
}

// forwardValues runs one forward pass and returns the flattened
// [batch * NumDirections] values. Input buffers are donated and the output
// tensor released: the loop runs indefinitely, leaked step allocations would
// grow unbounded.
func (d *DQN) forwardValues(exec *context.Exec, states [][]float32) []float32 {
	input := graph.DonateTensorBuffer(statesTensor(states), backend())
	out := exec.Call(input)[0]
	defer out.FinalizeAll()
	values := make([]float32, len(states)*game.NumDirections)
	copy(values, out.Value().([]float32))
	return values
}

// syncTarget copies the online network's trainable weights into the target
// network.
func (d *DQN) syncTarget() {
	targetVars := make(map[string]*context.Variable)
	d.targetCtx.EnumerateVariables(func(v *context.Variable) {
		targetVars[v.Scope()+"/"+v.Name()] = v
	})
	d.onlineCtx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		if tv, ok := targetVars[v.Scope()+"/"+v.Name()]; ok {
			tv.SetValue(v.Value().LocalClone())
		}
	})
}

// SaveTo persists the online network's weights (and the training step
// counter) under the given key.
//
// Only a snapshot of the weights is taken under the agent's lock; encoding
// and writing run unlocked, so a save in progress never blocks the next
// action selection or training step.
func (d *DQN) SaveTo(store WeightStore, key string) error {
	d.mu.Lock()
	snapshot := context.New()
	d.onlineCtx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		scoped := snapshot
		for _, part := range strings.Split(v.Scope(), "/") {
			if part != "" {
				scoped = scoped.In(part)
			}
		}
		scoped.VariableWithValue(v.Name(), v.Value().LocalClone())
	})
	steps := d.trainSteps
	d.mu.Unlock()
	return store.Save(key, snapshot, steps)
}

// LoadFrom restores the online network's weights from the given key and
// re-syncs the target network. A missing key is returned as the store's
// not-found error: callers treat it as recoverable and keep the fresh
// weights.
func (d *DQN) LoadFrom(store WeightStore, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	steps, err := store.Load(key, d.onlineCtx)
	if err != nil {
		return err
	}
	d.trainSteps = steps
	d.syncTarget()
	return nil
}

// argmax returns the index of the maximum value, 0 on an empty slice.
func argmax(values []float32) int {
	best := 0
	for ii := 1; ii < len(values); ii++ {
		if values[ii] > values[best] {
			best = ii
		}
	}
	return best
}

// minMaxNormalize maps values to [0, 1]. If valid is non-nil only those
// indices participate; the rest are left at 0. A zero span maps every
// participant to 0.5.
func minMaxNormalize(values [game.NumDirections]float32, valid []int) [game.NumDirections]float32 {
	indices := valid
	if indices == nil {
		indices = []int{0, 1, 2, 3}
	}
	lo, hi := math32.Inf(1), math32.Inf(-1)
	for _, ii := range indices {
		lo = math32.Min(lo, values[ii])
		hi = math32.Max(hi, values[ii])
	}
	var out [game.NumDirections]float32
	span := hi - lo
	for _, ii := range indices {
		if span == 0 {
			out[ii] = 0.5
		} else {
			out[ii] = (values[ii] - lo) / span
		}
	}
	return out
}
