package command

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation indicates a sub-command was constructed with an invalid value.
var ErrValidation = errors.New("command: validation error")

// SubCommand is a single pump action that renders itself into the
// instrument's command grammar.
type SubCommand interface {
	// Fragment returns the action's wire fragment, e.g. "BP1000S30".
	Fragment() string
}

// Command is an ordered sequence of sub-commands sent to the pump as one
// request body. The pump buffers the sequence and executes it in order.
type Command struct {
	subs []SubCommand
}

// NewCommand creates a Command from one or more sub-commands.
//
// It returns an error when no sub-commands are given or any of them is nil,
// so a constructed Command always renders a non-empty body.
func NewCommand(subs ...SubCommand) (*Command, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: a command requires at least one sub-command", ErrValidation)
	}

	for i, sub := range subs {
		if sub == nil {
			return nil, fmt.Errorf("%w: sub-command %d is nil", ErrValidation, i)
		}
	}

	return &Command{subs: subs}, nil
}

// Body renders the command into a single request body by concatenating the
// fragments of its sub-commands in order.
func (c *Command) Body() string {
	var sb strings.Builder
	for _, sub := range c.subs {
		sb.WriteString(sub.Fragment())
	}
	return sb.String()
}
