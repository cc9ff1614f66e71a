package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSideLetter(t *testing.T) {
	assert.Equal(t, "B", Left.Letter())
	assert.Equal(t, "C", Right.Letter())
}

func TestSideString(t *testing.T) {
	assert.Equal(t, "left", Left.String())
	assert.Equal(t, "right", Right.String())
}

func TestSideFromLetter(t *testing.T) {
	for _, side := range []Side{Left, Right} {
		got, ok := SideFromLetter(side.Letter())
		assert.True(t, ok)
		assert.Equal(t, side, got)
	}

	_, ok := SideFromLetter("X")
	assert.False(t, ok)

	_, ok = SideFromLetter("")
	assert.False(t, ok)
}
