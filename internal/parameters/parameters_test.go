package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndPop(t *testing.T) {
	params := Parse("gamma=0.95,batch_size=32,speed,name=run=a")

	gamma, err := Pop(params, "gamma", float32(0.99))
	require.NoError(t, err)
	assert.Equal(t, float32(0.95), gamma)

	batch, err := Pop(params, "batch_size", 64)
	require.NoError(t, err)
	assert.Equal(t, 32, batch)

	// A bare key reads as a true bool.
	speed, err := Pop(params, "speed", false)
	require.NoError(t, err)
	assert.True(t, speed)

	// Only the first '=' splits key from value.
	name, err := Pop(params, "name", "")
	require.NoError(t, err)
	assert.Equal(t, "run=a", name)

	assert.Empty(t, params.Remaining())
}

func TestPopDefaults(t *testing.T) {
	params := Parse("")
	v, err := Pop(params, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPopParseError(t *testing.T) {
	params := Parse("gamma=fast")
	_, err := Pop(params, "gamma", float32(0.99))
	assert.Error(t, err)

	params = Parse("speed=maybe")
	_, err = Pop(params, "speed", false)
	assert.Error(t, err)
}

func TestRemainingReportsUnconsumedKeysSorted(t *testing.T) {
	params := Parse("zeta=1,alpha=2")
	assert.Equal(t, []string{"alpha", "zeta"}, params.Remaining())
}
