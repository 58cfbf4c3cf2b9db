// trainer runs one or more independent training loops of the merge-puzzle
// agent: each loop plays games, trains its DQN from the replayed transitions
// and periodically checkpoints the weights into a shared sqlite store.
//
// The first loop's board is rendered to the terminal; the others report
// through logs. Ctrl-C stops every loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"merge2048/internal/agent"
	"merge2048/internal/loop"
	"merge2048/internal/modelstore"
	"merge2048/internal/parameters"
	"merge2048/internal/rewards"
	"merge2048/internal/ui/cli"
)

var (
	flagConfig = flag.String("config", "", "YAML configuration file; flag overrides apply on top of it.")
	flagDQN    = flag.String("dqn", "", "Comma-separated key=value overrides of the DQN hyperparameters, "+
		"e.g. \"gamma=0.95,batch_size=32\".")
	flagNumLoops = flag.Int("num_loops", 1, "Number of training loops to run in parallel. "+
		"Each loop owns its own game, agent and model key.")
	flagMaxEpisodes = flag.Int("max_episodes", 0, "Stop each loop after this many games; 0 runs until interrupted.")
	flagSpeed       = flag.Bool("speed", false, "Speed mode: no stepping delay and throttled display updates.")
	flagStoreDir    = flag.String("store_dir", "models", "Directory of the sqlite weights store. Empty disables persistence.")
	flagModelKey    = flag.String("model_key", modelstore.DefaultKey, "Base key the model is saved under. "+
		"Parallel loops append their index.")
	flagSearchDepth = flag.Int("search_depth", 0, "Lookahead search depth; 0 keeps the default.")
	flagDemoSteps   = flag.Int("demo_steps", 0, "Steps driven purely by the lookahead search before blending; "+
		"0 keeps the default.")
	flagRender = flag.Bool("render", true, "Render the first loop's board to the terminal.")
)

// config is the YAML file layout. Every section is optional; absent values
// keep the built-in defaults.
type config struct {
	DQN     agent.Config    `yaml:"dqn"`
	Rewards rewards.Weights `yaml:"rewards"`
}

func loadConfig() config {
	cfg := config{DQN: agent.DefaultConfig, Rewards: rewards.DefaultWeights}
	if *flagConfig != "" {
		data := must.M1(os.ReadFile(*flagConfig))
		must.M(yaml.Unmarshal(data, &cfg))
	}
	must.M(applyDQNOverrides(&cfg.DQN, *flagDQN))
	return cfg
}

// applyDQNOverrides parses the --dqn flag into individual hyperparameters.
// Unknown keys are an error, not a silent no-op.
func applyDQNOverrides(cfg *agent.Config, overrides string) error {
	params := parameters.Parse(overrides)
	var err error
	pop := func(dst *int, key string) {
		if err == nil {
			*dst, err = parameters.Pop(params, key, *dst)
		}
	}
	popF := func(dst *float32, key string) {
		if err == nil {
			*dst, err = parameters.Pop(params, key, *dst)
		}
	}
	pop(&cfg.MemoryCapacity, "memory_capacity")
	pop(&cfg.BatchSize, "batch_size")
	pop(&cfg.EpsilonDecaySteps, "epsilon_decay_steps")
	pop(&cfg.TargetUpdateFrequency, "target_update_frequency")
	popF(&cfg.Gamma, "gamma")
	popF(&cfg.EpsilonStart, "epsilon_start")
	popF(&cfg.EpsilonMin, "epsilon_min")
	popF(&cfg.BlendWeight, "blend_weight")
	if err != nil {
		return err
	}
	if remaining := params.Remaining(); len(remaining) > 0 {
		return errors.Errorf("unknown -dqn parameters: %s", strings.Join(remaining, ", "))
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	cfg := loadConfig()

	var store *modelstore.Store
	if *flagStoreDir != "" {
		store = must.M1(modelstore.Open(filepath.Join(*flagStoreDir, "models.db")))
		defer func() { _ = store.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for ii := 0; ii < *flagNumLoops; ii++ {
		key := *flagModelKey
		if *flagNumLoops > 1 {
			key = fmt.Sprintf("%s-%d", key, ii)
		}
		l := loop.New(loop.Options{
			Store:       store,
			ModelKey:    key,
			DQNConfig:   cfg.DQN,
			Weights:     cfg.Rewards,
			SearchDepth: *flagSearchDepth,
			DemoSteps:   *flagDemoSteps,
			SpeedMode:   *flagSpeed,
		})

		var ui *cli.UI
		if ii == 0 && *flagRender {
			isTTY := term.IsTerminal(int(os.Stdout.Fd()))
			ui = cli.New(os.Stdout, isTTY, isTTY && !*flagSpeed)
		}
		g.Go(func() error {
			return runLoop(gctx, l, ui, store != nil)
		})
	}
	if err := g.Wait(); err != nil {
		klog.Exitf("trainer failed: %v", err)
	}
}

// runLoop drives one loop: init, restore the last checkpoint, then play
// episodes until the limit or cancellation, saving on the way out.
func runLoop(ctx context.Context, l *loop.Loop, ui *cli.UI, persist bool) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(loopCtx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	l.Send(loop.Init{})
	if persist {
		l.Send(loop.LoadModel{})
	}
	l.Send(loop.StartGame{SpeedMode: *flagSpeed})

	episodes := 0
	for {
		var ev loop.Event
		var ok bool
		select {
		case <-loopCtx.Done():
			return nil
		case ev, ok = <-l.Events():
			if !ok {
				return nil
			}
		}

		switch ev := ev.(type) {
		case loop.Ready:
			klog.Infof("loop %s: agent ready on backend %s", l.ID(), ev.Backend)
		case loop.Display:
			if ui != nil {
				ui.Render(ev.Tiles, ev.Score, ev.GameOver)
			}
		case loop.GameOver:
			episodes++
			klog.Infof("loop %s: episode %d finished, score=%d", l.ID(), episodes, ev.Score)
			if *flagMaxEpisodes > 0 && episodes >= *flagMaxEpisodes {
				if persist {
					l.Send(loop.SaveModel{})
					awaitSave(loopCtx, l)
				}
				return nil
			}
			l.Send(loop.StartGame{SpeedMode: *flagSpeed})
		case loop.TrainResult:
			if ev.Trained {
				klog.V(2).Infof("loop %s: loss=%.5f", l.ID(), ev.Loss)
			}
		case loop.SaveDone:
			klog.V(1).Infof("loop %s: saved model %q", l.ID(), ev.Key)
		case loop.LoadDone:
			if ev.Restored {
				klog.Infof("loop %s: restored model %q", l.ID(), ev.Key)
			} else {
				klog.Infof("loop %s: no saved model %q, starting fresh", l.ID(), ev.Key)
			}
		case loop.Error:
			klog.Warningf("loop %s: %s", l.ID(), ev.Message)
		}
	}
}

// awaitSave blocks until the final checkpoint finished (or failed, or the
// context was cancelled).
func awaitSave(ctx context.Context, l *loop.Loop) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case loop.SaveDone:
				klog.V(1).Infof("loop %s: saved model %q", l.ID(), ev.Key)
				return
			case loop.Error:
				klog.Warningf("loop %s: %s", l.ID(), ev.Message)
				return
			}
		}
	}
}
