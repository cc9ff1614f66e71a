package shell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
)

// ErrUsage marks operator input the console rejected before anything was
// sent to the instrument.
var ErrUsage = errors.New("shell: usage error")

func usageError(usage string) error {
	return fmt.Errorf("%w: usage: %s", ErrUsage, usage)
}

// parseSide resolves an operator-facing side name. Single-letter
// abbreviations are accepted.
func parseSide(arg string) (command.Side, error) {
	switch strings.ToLower(arg) {
	case "left", "l":
		return command.Left, nil
	case "right", "r":
		return command.Right, nil
	}
	return command.Left, fmt.Errorf("%w: unknown side %q, want left or right", ErrUsage, arg)
}

// parseInt converts a numeric argument, naming it in the error.
func parseInt(name, arg string) (int, error) {
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrUsage, name, arg)
	}
	return v, nil
}

// parseMoveArgs splits the shared <side> <steps> [speed] argument shape of
// the syringe movement commands.
func parseMoveArgs(args []string, usage string) (command.Side, int, []command.MoveOption, error) {
	if len(args) < 2 || len(args) > 3 {
		return command.Left, 0, nil, usageError(usage)
	}

	side, err := parseSide(args[0])
	if err != nil {
		return command.Left, 0, nil, err
	}
	steps, err := parseInt("step count", args[1])
	if err != nil {
		return command.Left, 0, nil, err
	}

	var opts []command.MoveOption
	if len(args) == 3 {
		speed, err := parseInt("speed", args[2])
		if err != nil {
			return command.Left, 0, nil, err
		}
		opts = append(opts, command.WithSpeed(float64(speed)))
	}

	return side, steps, opts, nil
}
