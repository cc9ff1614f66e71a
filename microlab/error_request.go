package microlab

import (
	"context"
	"fmt"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

const errorRequestCode = "E2"

// Component indexes one syringe or valve pair in an instrument error
// report. The constants follow the byte order of the reply.
type Component int

const (
	LeftSyringes Component = iota
	LeftValves
	RightSyringes
	RightValves
)

var componentNames = [...]string{
	"Left syringes",
	"Left valves",
	"Right syringes",
	"Right valves",
}

// String returns the component name used in error report log lines.
func (c Component) String() string {
	if c < 0 || int(c) >= len(componentNames) {
		return fmt.Sprintf("Component(%d)", int(c))
	}
	return componentNames[c]
}

func (c Component) isValve() bool {
	return c == LeftValves || c == RightValves
}

// ErrorRequest decodes the instrument error report: four status bytes, one
// per syringe/valve pair, each carrying that component's error bits.
type ErrorRequest struct {
	transactor Transactor
	log        logger.Logger
	syringes   BitTable
	valves     BitTable
}

// NewErrorRequest creates the error report decoder.
func NewErrorRequest(t Transactor) *ErrorRequest {
	return &ErrorRequest{
		transactor: t,
		log:        t.GetLogger(),
		syringes: BitTable{
			"",
			"",
			"",
			"do not exist",
			"initialisation error",
			"stroke too large",
			"overload error",
			"not initialised",
		},
		valves: BitTable{
			"",
			"",
			"",
			"do not exist",
			"",
			"overload error",
			"initialisation error",
			"not initialised",
		},
	}
}

// Request issues the error query and returns the four raw error bytes in
// [Component] order. Each component's decoded errors are reported on their
// own log line; a component with no error bits set reports no known errors.
func (r *ErrorRequest) Request(ctx context.Context) ([4]byte, error) {
	reply, err := r.transactor.Transact(ctx, errorRequestCode)
	if err != nil {
		r.log.Error("Unable to carry out instrument error request", "error", err)
		return [4]byte{}, err
	}

	if len(reply) != 4 {
		err := fmt.Errorf("%w: instrument error request answered %q, want four error characters",
			ErrUnexpectedReply, reply)
		r.log.Error("Unable to carry out instrument error request", "error", err)
		return [4]byte{}, err
	}

	var report [4]byte
	for i := range report {
		component := Component(i)
		value := reply[i]
		report[i] = value

		table := r.syringes
		if component.isValve() {
			table = r.valves
		}

		labels := table.labels(value)
		if len(labels) == 0 {
			r.log.Info(component.String() + ": No known errors")
			continue
		}
		r.log.Info(component.String() + ": " + strings.Join(labels, ", "))
	}

	return report, nil
}
