package loop

import (
	"merge2048/internal/agent"
	"merge2048/internal/game"
	"merge2048/internal/rewards"
)

// Command is the closed set of messages a caller can send to a Loop. Every
// implementation lives in this file; the loop switches over them
// exhaustively, so an unknown kind is a protocol error, not a silent no-op.
type Command interface{ isCommand() }

// Init creates the agent and its networks. Must be the first command; Config
// overrides the loop's DQN configuration when non-nil.
type Init struct {
	Config *agent.Config
}

// StartGame starts a fresh episode.
type StartGame struct {
	SpeedMode bool
	Weights   *rewards.Weights
}

// ResetGame abandons the current episode (if any) and starts a fresh one.
type ResetGame struct {
	SpeedMode bool
	Weights   *rewards.Weights
}

// StopGame stops stepping and returns the loop to idle. Idempotent.
type StopGame struct{}

// SetSpeedMode toggles fast stepping with throttled display reporting.
type SetSpeedMode struct {
	SpeedMode bool
}

// SetRewardWeights replaces the heuristic weights used for both the search
// and the reward signal.
type SetRewardWeights struct {
	Weights rewards.Weights
}

// SaveModel persists the online network under Key (the loop's default key if
// empty). Asynchronous: the loop keeps stepping while the save runs.
type SaveModel struct {
	Key string
}

// LoadModel restores the online network from Key (the loop's default key if
// empty) and re-syncs the target network. Asynchronous. A missing key is
// recoverable: the loop keeps its current weights.
type LoadModel struct {
	Key string
}

func (Init) isCommand()             {}
func (StartGame) isCommand()        {}
func (ResetGame) isCommand()        {}
func (StopGame) isCommand()         {}
func (SetSpeedMode) isCommand()     {}
func (SetRewardWeights) isCommand() {}
func (SaveModel) isCommand()        {}
func (LoadModel) isCommand()        {}

// Event is the closed set of messages a Loop reports to its caller.
type Event interface{ isEvent() }

// Ready is emitted once Init succeeded.
type Ready struct {
	Backend string
}

// Display reports the board for rendering. Throttled in speed mode; always
// emitted on game-over.
type Display struct {
	Tiles    game.TileSet
	Score    int
	GameOver bool
}

// GameOver is emitted when an episode terminates.
type GameOver struct {
	Score int
}

// TrainResult reports one training step. Trained is false while the replay
// memory hasn't filled a batch yet (no loss to report).
type TrainResult struct {
	Loss    float32
	Trained bool
}

// SaveDone is emitted when an asynchronous save completed.
type SaveDone struct {
	Key string
}

// LoadDone is emitted when an asynchronous load completed. Restored is false
// if the key wasn't found and the loop kept its fresh weights.
type LoadDone struct {
	Key      string
	Restored bool
}

// Error reports a protocol or internal error. The loop survives it.
type Error struct {
	Message string
}

func (Ready) isEvent()       {}
func (Display) isEvent()     {}
func (GameOver) isEvent()    {}
func (TrainResult) isEvent() {}
func (SaveDone) isEvent()    {}
func (LoadDone) isEvent()    {}
func (Error) isEvent()       {}
