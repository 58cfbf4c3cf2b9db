package agent

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func experienceWithReward(reward float32) Experience {
	return Experience{
		State:     make([]float32, EncodingDim),
		Action:    0,
		Reward:    reward,
		NextState: make([]float32, EncodingDim),
	}
}

func TestReplayMemoryNeverExceedsCapacity(t *testing.T) {
	const capacity = 8
	m := NewReplayMemory(capacity)
	for ii := 0; ii < 3*capacity; ii++ {
		m.Add(experienceWithReward(float32(ii)))
		assert.LessOrEqual(t, m.Len(), capacity)
	}
	assert.Equal(t, capacity, m.Len())
}

func TestReplayMemoryOverwritesOldest(t *testing.T) {
	const capacity = 4
	m := NewReplayMemory(capacity)
	for ii := 0; ii <= capacity; ii++ { // capacity+1 pushes
		m.Add(experienceWithReward(float32(ii)))
	}

	// The first pushed entry (reward 0) must no longer be retrievable.
	rng := rand.New(rand.NewSource(1))
	seen := make(map[float32]bool)
	for ii := 0; ii < 1000; ii++ {
		for _, e := range m.Sample(rng, capacity) {
			seen[e.Reward] = true
		}
	}
	assert.False(t, seen[0], "oldest entry must have been overwritten")
	for ii := 1; ii <= capacity; ii++ {
		assert.Truef(t, seen[float32(ii)], "entry %d should still be sampled", ii)
	}
}

func TestReplayMemorySampleRequiresFullBatch(t *testing.T) {
	m := NewReplayMemory(16)
	rng := rand.New(rand.NewSource(1))

	m.Add(experienceWithReward(1))
	assert.Nil(t, m.Sample(rng, 2), "sample must be nil until a full batch is stored")

	m.Add(experienceWithReward(2))
	batch := m.Sample(rng, 2)
	require.Len(t, batch, 2)
}
