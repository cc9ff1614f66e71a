package microlab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
)

func TestQueryGet(t *testing.T) {
	t.Run("parses numeric reply", func(t *testing.T) {
		link := newStubLink(func(string) (string, error) { return "24000", nil })
		q := NewQuery(link, command.Left, syringePositionCode, "left syringe position request")

		value, err := q.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 24000, value)
		assert.Equal(t, []string{"BYQP"}, link.Requests())
	})

	t.Run("non-numeric reply", func(t *testing.T) {
		link := newStubLink(func(string) (string, error) { return "abc", nil })
		q := NewQuery(link, command.Left, syringePositionCode, "left syringe position request")

		_, err := q.Get(context.Background())
		assert.ErrorIs(t, err, ErrUnexpectedReply)
	})

	t.Run("transact failure", func(t *testing.T) {
		link := newStubLink(func(string) (string, error) { return "", errStub })
		q := NewQuery(link, command.Right, valvePositionCode, "right valve position request")

		_, err := q.Get(context.Background())
		assert.ErrorIs(t, err, errStub)
	})
}

func TestParameterSet(t *testing.T) {
	t.Run("renders side letter, set code and value", func(t *testing.T) {
		link := newStubLink(replyOK)
		p := NewParameter(link, command.Left, syringeSpeedQueryCode, syringeSpeedSetCode,
			"left syringe default speed", WithRange(command.MinSpeed, command.MaxSpeed))

		require.NoError(t, p.Set(context.Background(), 30))
		assert.Equal(t, []string{"BYSS30"}, link.Requests())
	})

	t.Run("rejects out-of-range values before the wire", func(t *testing.T) {
		link := newStubLink(replyOK)
		p := NewParameter(link, command.Left, syringeSpeedQueryCode, syringeSpeedSetCode,
			"left syringe default speed", WithRange(command.MinSpeed, command.MaxSpeed))

		err := p.Set(context.Background(), command.MaxSpeed+1)
		require.Error(t, err)
		assert.ErrorIs(t, err, command.ErrValidation)
		assert.ErrorContains(t, err, "outside acceptable range")
		assert.Empty(t, link.Requests())
	})

	t.Run("unranged parameter defers validation to the instrument", func(t *testing.T) {
		link := newStubLink(replyOK)
		p := NewParameter(link, command.Right, valveSpeedQueryCode, valveSpeedSetCode, "right valve speed")

		require.NoError(t, p.Set(context.Background(), 999999))
		assert.Equal(t, []string{"CLSS999999"}, link.Requests())
	})

	t.Run("transact failure", func(t *testing.T) {
		link := newStubLink(func(string) (string, error) { return "", errStub })
		p := NewParameter(link, command.Left, returnStepsQueryCode, returnStepsSetCode,
			"left syringe default return steps")

		assert.ErrorIs(t, p.Set(context.Background(), 100), errStub)
	})
}

func TestSideParamsRequestBodies(t *testing.T) {
	link := newStubLink(func(string) (string, error) { return "2", nil })
	m, err := New(link)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = m.Left.SyringePosition.Get(ctx)
	require.NoError(t, err)
	_, err = m.Left.ValvePosition.Get(ctx)
	require.NoError(t, err)
	_, err = m.Right.SyringeDefaultSpeed.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Right.SyringeDefaultSpeed.Set(ctx, 60))
	require.NoError(t, m.Left.ValveSpeed.Set(ctx, 4))
	require.NoError(t, m.Right.SyringeDefaultReturnSteps.Set(ctx, 0))
	require.NoError(t, m.Left.SyringeDefaultBackOffSteps.Set(ctx, 1600))

	assert.Equal(t, []string{
		"aBYQP",
		"aBLQP",
		"aCYQS",
		"aCYSS60",
		"aBLSS4",
		"aCYSN0",
		"aBYSB1600",
	}, link.Requests())
}

func TestSideParamsRanges(t *testing.T) {
	link := newStubLink(replyOK)
	m, err := New(link)
	require.NoError(t, err)

	ctx := context.Background()

	assert.ErrorIs(t, m.Left.SyringeDefaultSpeed.Set(ctx, 1), command.ErrValidation)
	assert.ErrorIs(t, m.Left.SyringeDefaultReturnSteps.Set(ctx, -1), command.ErrValidation)
	assert.ErrorIs(t, m.Right.SyringeDefaultBackOffSteps.Set(ctx, command.MaxReturnSteps+1), command.ErrValidation)
	assert.Empty(t, link.Requests())
}
