package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Numeric ranges the instrument accepts for syringe moves.
const (
	// MinSyringeMove is the smallest step count a syringe move accepts.
	MinSyringeMove = 1
	// MaxSyringeMove is the full stroke of a syringe in half-resolution steps.
	MaxSyringeMove = 48000

	// MinSpeed and MaxSpeed bound the per-stroke speed code in seconds.
	MinSpeed = 2
	MaxSpeed = 3600

	// MinReturnSteps and MaxReturnSteps bound the anti-drip return steps
	// applied after a move.
	MinReturnSteps = 0
	MaxReturnSteps = 1600
)

const (
	pickupOp   = "P"
	dispenseOp = "D"
	moveOp     = "M"

	speedToken       = "S"
	returnStepsToken = "N"
)

// MoveOption is an optional field of a syringe move sub-command.
type MoveOption interface {
	apply(*moveArgs) error
}

type moveOptFunc func(*moveArgs) error

func (f moveOptFunc) apply(args *moveArgs) error { return f(args) }

type moveArgs struct {
	speed          int
	hasSpeed       bool
	returnSteps    int
	hasReturnSteps bool
}

// WithSpeed sets the speed of the move in seconds per full stroke.
//
// The instrument's speed field is integer-only, so a non-integral value is
// dropped from the command with a notice rather than rejected. Integral
// values outside [MinSpeed, MaxSpeed] fail validation.
func WithSpeed(speed float64) MoveOption {
	return moveOptFunc(func(args *moveArgs) error {
		value, ok := intArg(speed)
		if !ok {
			logger.Debug("Ignoring non-integer speed argument of syringe move", "value", speed)
			return nil
		}

		if value < MinSpeed || value > MaxSpeed {
			return fmt.Errorf("%w: speed %d outside acceptable range [%d, %d]",
				ErrValidation, value, MinSpeed, MaxSpeed)
		}

		args.speed = value
		args.hasSpeed = true

		return nil
	})
}

// WithReturnSteps sets the number of return steps applied after the move.
//
// As with WithSpeed, a non-integral value is dropped with a notice and an
// integral value outside [MinReturnSteps, MaxReturnSteps] fails validation.
func WithReturnSteps(steps float64) MoveOption {
	return moveOptFunc(func(args *moveArgs) error {
		value, ok := intArg(steps)
		if !ok {
			logger.Debug("Ignoring non-integer return steps argument of syringe move", "value", steps)
			return nil
		}

		if value < MinReturnSteps || value > MaxReturnSteps {
			return fmt.Errorf("%w: return steps %d outside acceptable range [%d, %d]",
				ErrValidation, value, MinReturnSteps, MaxReturnSteps)
		}

		args.returnSteps = value
		args.hasReturnSteps = true

		return nil
	})
}

// intArg reports whether v carries an exact integer and returns it.
func intArg(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}

type syringeMove struct {
	side  Side
	op    string
	steps int
	args  moveArgs
}

func newSyringeMove(kind string, op string, side Side, steps int, opts []MoveOption) (syringeMove, error) {
	if steps < MinSyringeMove || steps > MaxSyringeMove {
		return syringeMove{}, fmt.Errorf("%w: %s value %d outside acceptable range [%d, %d]",
			ErrValidation, kind, steps, MinSyringeMove, MaxSyringeMove)
	}

	move := syringeMove{side: side, op: op, steps: steps}
	for _, opt := range opts {
		if err := opt.apply(&move.args); err != nil {
			return syringeMove{}, err
		}
	}

	return move, nil
}

// Fragment renders the move as side letter, operation letter and step count,
// followed by the optional speed and return steps fields.
func (m *syringeMove) Fragment() string {
	var sb strings.Builder

	sb.WriteString(m.side.Letter())
	sb.WriteString(m.op)
	sb.WriteString(strconv.Itoa(m.steps))

	if m.args.hasSpeed {
		sb.WriteString(speedToken)
		sb.WriteString(strconv.Itoa(m.args.speed))
	}

	if m.args.hasReturnSteps {
		sb.WriteString(returnStepsToken)
		sb.WriteString(strconv.Itoa(m.args.returnSteps))
	}

	return sb.String()
}

// SyringePickup aspirates liquid by moving a syringe down a relative number
// of steps.
type SyringePickup struct {
	syringeMove
}

// NewSyringePickup creates a pickup of steps for the given side.
func NewSyringePickup(side Side, steps int, opts ...MoveOption) (*SyringePickup, error) {
	move, err := newSyringeMove("syringe pickup", pickupOp, side, steps, opts)
	if err != nil {
		return nil, err
	}
	return &SyringePickup{move}, nil
}

// SyringeDispense expels liquid by moving a syringe up a relative number of
// steps.
type SyringeDispense struct {
	syringeMove
}

// NewSyringeDispense creates a dispense of steps for the given side.
func NewSyringeDispense(side Side, steps int, opts ...MoveOption) (*SyringeDispense, error) {
	move, err := newSyringeMove("syringe dispense", dispenseOp, side, steps, opts)
	if err != nil {
		return nil, err
	}
	return &SyringeDispense{move}, nil
}

// SyringeMove drives a syringe to an absolute step position.
type SyringeMove struct {
	syringeMove
}

// NewSyringeMove creates an absolute move to the given step position.
func NewSyringeMove(side Side, position int, opts ...MoveOption) (*SyringeMove, error) {
	move, err := newSyringeMove("syringe move", moveOp, side, position, opts)
	if err != nil {
		return nil, err
	}
	return &SyringeMove{move}, nil
}
