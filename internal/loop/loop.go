// Package loop implements the training-loop actor: one independently
// scheduled goroutine per game instance. The actor owns the live session
// state (board, score, running flag) exclusively and drives action selection,
// board updates, reward computation, learning and model persistence, without
// ever blocking its consumer.
//
// Callers talk to a loop through the closed Command/Event sum types (see
// messages.go). Instances share no mutable state and run fully in parallel.
package loop

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"merge2048/internal/agent"
	"merge2048/internal/game"
	"merge2048/internal/modelstore"
	"merge2048/internal/rewards"
	"merge2048/internal/searchers"
	"merge2048/internal/searchers/lookahead"
)

const (
	// DemoPhaseSteps is the number of initial steps driven purely by the
	// lookahead search, seeding the replay memory with high-quality
	// transitions before blended selection takes over. Tuned empirically.
	DemoPhaseSteps = 2500

	// autoSaveEverySteps is how often the online network is auto-saved.
	autoSaveEverySteps = 1000

	// speedModeReportInterval throttles Display events in speed mode.
	speedModeReportInterval = 500 * time.Millisecond

	// fastestDelay and slowestDelay bound the between-step delay in normal
	// speed. The delay ramps exponentially with board occupancy: late-game
	// decisions get more thinking time.
	fastestDelay = 40 * time.Millisecond
	slowestDelay = 320 * time.Millisecond
)

// Agent is the trainable half of a loop. Implemented by agent.DQN; tests
// substitute stubs.
type Agent interface {
	BackendLabel() string
	SelectAction(tiles game.TileSet, extScores [game.NumDirections]float32, rng *rand.Rand) int
	Remember(e agent.Experience)
	TrainStep(rng *rand.Rand) (loss float32, trained bool, err error)
	SaveTo(store agent.WeightStore, key string) error
	LoadFrom(store agent.WeightStore, key string) error
}

// Options configure a Loop.
type Options struct {
	// Store used by SaveModel/LoadModel and auto-saves. May be nil, in which
	// case persistence commands report an Error event.
	Store *modelstore.Store

	// ModelKey is the default persistence key. Empty uses modelstore.DefaultKey.
	ModelKey string

	// DQNConfig for the agent created by Init (unless Init overrides it).
	DQNConfig agent.Config

	// Weights of the heuristic reward model.
	Weights rewards.Weights

	// SearchDepth overrides the lookahead depth. 0 keeps the default.
	SearchDepth int

	// DemoSteps overrides DemoPhaseSteps. 0 keeps the default; negative
	// disables the demonstration phase entirely.
	DemoSteps int

	// SpeedMode starts the loop in speed mode.
	SpeedMode bool

	// Seed of the session RNG. 0 seeds from the clock.
	Seed int64

	// NewAgent overrides agent construction. Nil builds an agent.DQN.
	NewAgent func(cfg agent.Config) (Agent, error)
}

// session is the module-level mutable game state of the original design,
// made explicit: owned and exclusively mutated by one Loop's goroutine.
type session struct {
	tiles      game.TileSet
	score      int
	running    bool
	speedMode  bool
	alloc      game.IDAllocator
	totalSteps int
	lastReport time.Time
}

// Loop is one training-loop instance.
type Loop struct {
	id   string
	opts Options

	commands  chan Command
	events    chan Event
	asyncDone chan Event // completions of asynchronous save/load

	// Actor-owned state: touched only from Run's goroutine.
	agent    Agent
	searcher *lookahead.Searcher
	weights  rewards.Weights
	rng      *rand.Rand
	sess     session
}

// New creates a loop. It does nothing until Run is called and an Init
// command arrives.
func New(opts Options) *Loop {
	if opts.ModelKey == "" {
		opts.ModelKey = modelstore.DefaultKey
	}
	if opts.DemoSteps == 0 {
		opts.DemoSteps = DemoPhaseSteps
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Loop{
		id:        uuid.NewString(),
		opts:      opts,
		commands:  make(chan Command, 16),
		events:    make(chan Event, 128),
		asyncDone: make(chan Event, 8),
		weights:   opts.Weights,
		rng:       rand.New(rand.NewSource(seed)),
		sess:      session{speedMode: opts.SpeedMode},
	}
}

// ID identifies the instance in logs and checkpoint keys.
func (l *Loop) ID() string { return l.id }

// Send delivers a command to the loop.
func (l *Loop) Send(cmd Command) { l.commands <- cmd }

// Events returns the loop's event stream. Closed when Run returns.
func (l *Loop) Events() <-chan Event { return l.events }

// Run executes the actor until the context is cancelled. Cancellation is the
// hard stop: no action, reward or training step executes after it.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.events)
	timer := time.NewTimer(time.Hour)
	disarm(timer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.asyncDone:
			l.emit(ctx, ev)
		case cmd := <-l.commands:
			l.handleCommand(ctx, cmd, timer)
		case <-timer.C:
			l.step(ctx, timer)
		}
	}
}

func (l *Loop) handleCommand(ctx context.Context, cmd Command, timer *time.Timer) {
	switch cmd := cmd.(type) {
	case Init:
		l.handleInit(ctx, cmd)
	case StartGame:
		l.startGame(ctx, cmd.SpeedMode, cmd.Weights, timer)
	case ResetGame:
		l.startGame(ctx, cmd.SpeedMode, cmd.Weights, timer)
	case StopGame:
		// Idempotent: stopping an idle loop is fine, and no step may run
		// after the pending timer is disarmed.
		disarm(timer)
		l.sess.running = false
		l.sess.tiles = nil
	case SetSpeedMode:
		l.sess.speedMode = cmd.SpeedMode
		if l.sess.running {
			// Cancel any pending timer before arming a new one, so no two
			// steps are ever in flight.
			l.schedule(timer)
		}
	case SetRewardWeights:
		l.weights = cmd.Weights
		if l.searcher != nil {
			l.searcher.SetWeights(cmd.Weights)
		}
	case SaveModel:
		l.saveAsync(ctx, cmd.Key)
	case LoadModel:
		l.loadAsync(ctx, cmd.Key)
	default:
		l.emit(ctx, Error{Message: fmt.Sprintf("unrecognized command %T", cmd)})
	}
}

func (l *Loop) handleInit(ctx context.Context, cmd Init) {
	if l.agent != nil {
		l.emit(ctx, Error{Message: "already initialized"})
		return
	}
	cfg := l.opts.DQNConfig
	if cmd.Config != nil {
		cfg = *cmd.Config
	}
	newAgent := l.opts.NewAgent
	if newAgent == nil {
		newAgent = func(cfg agent.Config) (Agent, error) { return agent.NewDQN(cfg) }
	}
	a, err := newAgent(cfg)
	if err != nil {
		l.emit(ctx, Error{Message: fmt.Sprintf("init failed: %v", err)})
		return
	}
	l.agent = a
	l.searcher = lookahead.New(l.weights)
	if l.opts.SearchDepth > 0 {
		l.searcher.WithMaxDepth(l.opts.SearchDepth)
	}
	klog.V(1).Infof("loop %s: initialized agent on %s", l.id, a.BackendLabel())
	l.emit(ctx, Ready{Backend: a.BackendLabel()})
}

func (l *Loop) startGame(ctx context.Context, speedMode bool, weights *rewards.Weights, timer *time.Timer) {
	if l.agent == nil {
		l.emit(ctx, Error{Message: "agent not initialized: send Init first"})
		return
	}
	disarm(timer)
	if weights != nil {
		l.weights = *weights
		l.searcher.SetWeights(*weights)
	}
	l.sess.speedMode = speedMode
	l.sess.tiles = game.NewGame(&l.sess.alloc, l.rng)
	l.sess.score = 0
	l.sess.running = true
	l.sess.lastReport = time.Time{}
	l.report(ctx, false)
	timer.Reset(0)
}

// step executes one move of the running episode. Only ever one step is in
// flight: the timer is armed again strictly after the step completed.
func (l *Loop) step(ctx context.Context, timer *time.Timer) {
	if !l.sess.running {
		// Timer fired after a stop took effect: nothing may execute.
		return
	}
	tiles := l.sess.tiles
	prev := rewards.Snapshot{Tiles: tiles, Score: l.sess.score}

	scores := l.searcher.Search(tiles)
	if !searchers.HasValidAction(scores) {
		l.finishEpisode(ctx)
		return
	}

	l.sess.totalSteps++
	var action int
	if l.sess.totalSteps <= l.opts.DemoSteps {
		// Demonstration phase: pure lookahead seeds high-quality transitions.
		action = searchers.SelectAction(scores)
	} else {
		action = l.agent.SelectAction(tiles, scores, l.rng)
	}

	next := game.Tilt(game.Directions[action], tiles)
	if game.Equal(tiles, next) {
		// No-op move: not an error. Reschedule without mutating state or
		// recording an experience.
		l.schedule(timer)
		return
	}

	l.sess.score += game.MergedValueSum(next)
	spawned, err := game.Spawn(next, &l.sess.alloc, l.rng)
	if err != nil {
		// Game-over detection was skipped: abort the step rather than
		// corrupt the session.
		klog.Errorf("loop %s: %v", l.id, err)
		l.sess.score = prev.Score
		l.emit(ctx, Error{Message: err.Error()})
		return
	}
	done := game.IsGameOver(spawned)
	l.sess.tiles = spawned

	reward := rewards.Reward(l.weights, prev,
		rewards.Snapshot{Tiles: spawned, Score: l.sess.score}, done)
	l.agent.Remember(agent.Experience{
		State:     agent.Encode(tiles),
		Action:    action,
		Reward:    reward,
		NextState: agent.Encode(spawned),
		Done:      done,
	})

	loss, trained, trainErr := l.agent.TrainStep(l.rng)
	if trainErr != nil {
		// Per-step training failures never stop the loop.
		klog.Warningf("loop %s: training step failed, continuing: %v", l.id, trainErr)
	} else {
		l.emitBestEffort(TrainResult{Loss: loss, Trained: trained})
	}

	if l.opts.Store != nil && l.sess.totalSteps%autoSaveEverySteps == 0 {
		l.saveAsync(ctx, "")
	}

	if done {
		l.finishEpisode(ctx)
		return
	}
	l.report(ctx, false)
	l.schedule(timer)
}

func (l *Loop) finishEpisode(ctx context.Context) {
	l.sess.running = false
	l.report(ctx, true)
	l.emit(ctx, GameOver{Score: l.sess.score})
	klog.V(1).Infof("loop %s: game over, score=%d, totalSteps=%d",
		l.id, l.sess.score, l.sess.totalSteps)
}

// report emits a Display event, throttled in speed mode and always emitted
// on game-over. Mid-game displays are droppable; the final one of an episode
// is delivered reliably.
func (l *Loop) report(ctx context.Context, gameOver bool) {
	now := time.Now()
	if l.sess.speedMode && !gameOver && now.Sub(l.sess.lastReport) < speedModeReportInterval {
		return
	}
	l.sess.lastReport = now
	display := Display{
		Tiles:    l.sess.tiles.Clone(),
		Score:    l.sess.score,
		GameOver: gameOver,
	}
	if gameOver {
		l.emit(ctx, display)
		return
	}
	l.emitBestEffort(display)
}

// schedule arms the step timer, cancelling any pending one first. Zero delay
// in speed mode; otherwise an exponential ramp from fastestDelay on an empty
// board to slowestDelay on a full one.
func (l *Loop) schedule(timer *time.Timer) {
	disarm(timer)
	if l.sess.speedMode {
		timer.Reset(0)
		return
	}
	occupancy := float64(game.NumCells-len(l.sess.tiles.EmptyCells())) / game.NumCells
	ratio := float64(slowestDelay) / float64(fastestDelay)
	delay := time.Duration(float64(fastestDelay) * math.Pow(ratio, occupancy))
	timer.Reset(delay)
}

func (l *Loop) saveAsync(ctx context.Context, key string) {
	if l.agent == nil {
		l.emit(ctx, Error{Message: "agent not initialized: send Init first"})
		return
	}
	if l.opts.Store == nil {
		l.emit(ctx, Error{Message: "no model store configured"})
		return
	}
	if key == "" {
		key = l.opts.ModelKey
	}
	a, store, id := l.agent, l.opts.Store, l.id
	go func() {
		var ev Event
		if err := a.SaveTo(store, key); err != nil {
			// Persistence failures are logged and non-fatal.
			klog.Warningf("loop %s: failed to save model %q: %v", id, key, err)
			ev = Error{Message: fmt.Sprintf("save %q failed: %v", key, err)}
		} else {
			ev = SaveDone{Key: key}
		}
		select {
		case l.asyncDone <- ev:
		case <-ctx.Done():
		}
	}()
}

func (l *Loop) loadAsync(ctx context.Context, key string) {
	if l.agent == nil {
		l.emit(ctx, Error{Message: "agent not initialized: send Init first"})
		return
	}
	if l.opts.Store == nil {
		l.emit(ctx, Error{Message: "no model store configured"})
		return
	}
	if key == "" {
		key = l.opts.ModelKey
	}
	a, store, id := l.agent, l.opts.Store, l.id
	go func() {
		var ev Event
		switch err := a.LoadFrom(store, key); {
		case err == nil:
			ev = LoadDone{Key: key, Restored: true}
		case stderrors.Is(err, modelstore.ErrNotFound):
			// Recoverable: keep the freshly initialized network.
			klog.Warningf("loop %s: model %q not found, starting untrained", id, key)
			ev = LoadDone{Key: key, Restored: false}
		default:
			klog.Warningf("loop %s: failed to load model %q: %v", id, key, err)
			ev = Error{Message: fmt.Sprintf("load %q failed: %v", key, err)}
		}
		select {
		case l.asyncDone <- ev:
		case <-ctx.Done():
		}
	}()
}

// emit delivers must-see events, aborting only if the loop is shutting down.
func (l *Loop) emit(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

// emitBestEffort drops high-rate events (Display, TrainResult) when the
// consumer lags: the loop never blocks a cooperating consumer's scheduling.
func (l *Loop) emitBestEffort(ev Event) {
	select {
	case l.events <- ev:
	default:
		klog.V(2).Infof("loop %s: dropping %T event, consumer behind", l.id, ev)
	}
}

// disarm cancels a pending timer, draining its channel if it already fired.
func disarm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
