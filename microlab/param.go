package microlab

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Parameter request codes. Syringe parameters use the Y command family,
// valve parameters the L family; the set and query variants differ in the
// middle letter. Each request body is the side letter followed by the code.
const (
	syringePositionCode = "YQP"
	valvePositionCode   = "LQP"

	syringeSpeedSetCode   = "YSS"
	syringeSpeedQueryCode = "YQS"

	valveSpeedSetCode   = "LSS"
	valveSpeedQueryCode = "LQS"

	returnStepsSetCode   = "YSN"
	returnStepsQueryCode = "YQN"

	backOffStepsSetCode   = "YSB"
	backOffStepsQueryCode = "YQB"
)

// Query reads one numeric operating value from a side of the pump.
type Query struct {
	transactor Transactor
	log        logger.Logger
	side       command.Side
	code       string
	name       string
}

// NewQuery creates a numeric query for the given side. code is the request
// body following the side letter and name identifies the query in logs.
func NewQuery(t Transactor, side command.Side, code, name string) *Query {
	return &Query{
		transactor: t,
		log:        t.GetLogger(),
		side:       side,
		code:       code,
		name:       name,
	}
}

// Get issues the query and returns the value the instrument reports.
func (q *Query) Get(ctx context.Context) (int, error) {
	reply, err := q.transactor.Transact(ctx, q.side.Letter()+q.code)
	if err != nil {
		q.log.Error("Unable to carry out "+q.name, "error", err)
		return 0, err
	}

	value, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		err = fmt.Errorf("%w: %s answered %q, want an integer", ErrUnexpectedReply, q.name, reply)
		q.log.Error("Unable to carry out "+q.name, "error", err)
		return 0, err
	}

	q.log.Debug(q.name, "value", value)

	return value, nil
}

// Parameter is a Query whose value can also be written back.
type Parameter struct {
	Query
	setCode string
	min     int
	max     int
	ranged  bool
}

// ParamOption configures a Parameter.
type ParamOption interface {
	apply(*Parameter)
}

type paramOptFunc func(*Parameter)

func (f paramOptFunc) apply(p *Parameter) { f(p) }

// WithRange makes Set validate values against [min, max] before they reach
// the wire. Parameters without a range rely on the instrument to reject
// bad values.
func WithRange(min, max int) ParamOption {
	return paramOptFunc(func(p *Parameter) {
		p.min = min
		p.max = max
		p.ranged = true
	})
}

// NewParameter creates a settable parameter for the given side. queryCode
// and setCode are the request bodies following the side letter.
func NewParameter(t Transactor, side command.Side, queryCode, setCode, name string, opts ...ParamOption) *Parameter {
	p := &Parameter{
		Query:   *NewQuery(t, side, queryCode, name),
		setCode: setCode,
	}

	for _, opt := range opts {
		opt.apply(p)
	}

	return p
}

// Set writes a new value for the parameter.
func (p *Parameter) Set(ctx context.Context, value int) error {
	if p.ranged && (value < p.min || value > p.max) {
		return fmt.Errorf("%w: %s value %d outside acceptable range [%d, %d]",
			command.ErrValidation, p.name, value, p.min, p.max)
	}

	if _, err := p.transactor.Transact(ctx, p.side.Letter()+p.setCode+strconv.Itoa(value)); err != nil {
		p.log.Error("Unable to set "+p.name, "value", value, "error", err)
		return err
	}

	p.log.Debug("set "+p.name, "value", value)

	return nil
}

// SideParams bundles the operating parameters of one side of the pump.
type SideParams struct {
	// Side is the half of the pump the group addresses.
	Side command.Side

	// SyringePosition reports the syringe's absolute position in steps.
	SyringePosition *Query
	// ValvePosition reports the valve's current port.
	ValvePosition *Query
	// SyringeDefaultSpeed is the speed applied to moves that carry none.
	SyringeDefaultSpeed *Parameter
	// ValveSpeed is the valve drive speed. Its accepted range depends on
	// the valve type, so the instrument validates writes itself.
	ValveSpeed *Parameter
	// SyringeDefaultReturnSteps is the anti-drip return applied after
	// dispenses that carry none.
	SyringeDefaultReturnSteps *Parameter
	// SyringeDefaultBackOffSteps is the back-off applied after pickups.
	SyringeDefaultBackOffSteps *Parameter
}

// NewSideParams creates the parameter group for one side of the pump.
func NewSideParams(t Transactor, side command.Side) *SideParams {
	name := func(suffix string) string {
		return side.String() + " " + suffix
	}

	return &SideParams{
		Side:            side,
		SyringePosition: NewQuery(t, side, syringePositionCode, name("syringe position request")),
		ValvePosition:   NewQuery(t, side, valvePositionCode, name("valve position request")),
		SyringeDefaultSpeed: NewParameter(t, side, syringeSpeedQueryCode, syringeSpeedSetCode,
			name("syringe default speed"), WithRange(command.MinSpeed, command.MaxSpeed)),
		ValveSpeed: NewParameter(t, side, valveSpeedQueryCode, valveSpeedSetCode,
			name("valve speed")),
		SyringeDefaultReturnSteps: NewParameter(t, side, returnStepsQueryCode, returnStepsSetCode,
			name("syringe default return steps"), WithRange(command.MinReturnSteps, command.MaxReturnSteps)),
		SyringeDefaultBackOffSteps: NewParameter(t, side, backOffStepsQueryCode, backOffStepsSetCode,
			name("syringe default back-off steps"), WithRange(command.MinReturnSteps, command.MaxReturnSteps)),
	}
}
