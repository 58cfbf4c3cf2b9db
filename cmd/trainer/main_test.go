package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merge2048/internal/agent"
)

func TestApplyDQNOverrides(t *testing.T) {
	cfg := agent.DefaultConfig
	require.NoError(t, applyDQNOverrides(&cfg, "gamma=0.5,batch_size=16"))
	assert.Equal(t, float32(0.5), cfg.Gamma)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, agent.DefaultConfig.MemoryCapacity, cfg.MemoryCapacity,
		"fields not overridden keep their defaults")
}

func TestApplyDQNOverridesEmptyIsNoOp(t *testing.T) {
	cfg := agent.DefaultConfig
	require.NoError(t, applyDQNOverrides(&cfg, ""))
	assert.Equal(t, agent.DefaultConfig, cfg)
}

func TestApplyDQNOverridesRejectsUnknownKeys(t *testing.T) {
	cfg := agent.DefaultConfig
	assert.Error(t, applyDQNOverrides(&cfg, "learning_rate=0.1"))
}

func TestApplyDQNOverridesRejectsBadValues(t *testing.T) {
	cfg := agent.DefaultConfig
	assert.Error(t, applyDQNOverrides(&cfg, "gamma=fast"))
}
