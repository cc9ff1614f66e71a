package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValveFragments(t *testing.T) {
	assert.Equal(t, "BI", NewValveToDefaultInput(Left).Fragment())
	assert.Equal(t, "CI", NewValveToDefaultInput(Right).Fragment())
	assert.Equal(t, "BO", NewValveToDefaultOutput(Left).Fragment())
	assert.Equal(t, "CO", NewValveToDefaultOutput(Right).Fragment())
	assert.Equal(t, "BW", NewValveToWash(Left).Fragment())
	assert.Equal(t, "CW", NewValveToWash(Right).Fragment())
}

func TestTimerDelayFragment(t *testing.T) {
	delay, err := NewTimerDelay(0)
	require.NoError(t, err)
	assert.Equal(t, "T0", delay.Fragment())

	delay, err = NewTimerDelay(MaxTimerDelay)
	require.NoError(t, err)
	assert.Equal(t, "T3600000", delay.Fragment())
}

func TestTimerDelayValidation(t *testing.T) {
	for _, ms := range []int{-1, MaxTimerDelay + 1} {
		delay, err := NewTimerDelay(ms)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorContains(t, err, "outside acceptable range")
		assert.Nil(t, delay)
	}
}

func TestCommandBody(t *testing.T) {
	move, err := NewSyringeMove(Right, 24000, WithSpeed(120))
	require.NoError(t, err)

	cmd, err := NewCommand(
		NewValveToDefaultOutput(Right),
		move,
		NewValveToDefaultInput(Right),
	)
	require.NoError(t, err)
	assert.Equal(t, "COCM24000S120CI", cmd.Body())
}

func TestCommandBodySingleSubCommand(t *testing.T) {
	pickup, err := NewSyringePickup(Left, 1)
	require.NoError(t, err)

	cmd, err := NewCommand(pickup)
	require.NoError(t, err)
	assert.Equal(t, "BP1", cmd.Body())
}

func TestCommandValidation(t *testing.T) {
	t.Run("no sub-commands", func(t *testing.T) {
		cmd, err := NewCommand()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Nil(t, cmd)
	})

	t.Run("nil sub-command", func(t *testing.T) {
		cmd, err := NewCommand(NewValveToWash(Left), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Nil(t, cmd)
	})
}
