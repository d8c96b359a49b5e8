package admin

import (
	"testing"

	"github.com/maxpert/waltail/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowerRegistryEvictsLeastRecent(t *testing.T) {
	f, err := NewFollowerRegistry(2)
	require.NoError(t, err)

	f.Touch(1, 10, 20)
	f.Touch(2, 15, 20)
	f.Touch(1, 12, 20)
	f.Touch(3, 18, 20)

	_, ok := f.Get(2)
	assert.False(t, ok, "follower 2 was least recently seen")

	state, ok := f.Get(1)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(12), state.LastTick)
	assert.False(t, state.Time.IsZero())

	assert.Len(t, f.Snapshot(), 2)
	assert.Contains(t, f.Snapshot(), "3")
}

func TestFollowerRegistryMinTick(t *testing.T) {
	f, err := NewFollowerRegistry(0)
	require.NoError(t, err)

	_, ok := f.MinTick()
	assert.False(t, ok)

	f.Touch(1, 40, 50)
	f.Touch(2, 9, 50)
	min, ok := f.MinTick()
	require.True(t, ok)
	assert.Equal(t, tick.Tick(10), min)
}
